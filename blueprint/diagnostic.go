package blueprint

import "fmt"

// Diagnostic represents a validation or reconciliation finding. The same
// shape is used by blueprint validation and by the reconciler's report.
type Diagnostic struct {
	Code     string `json:"code"`           // e.g. "BP-001", "RC-002"
	Severity string `json:"severity"`       // "error" or "warning"
	Message  string `json:"message"`        // human-readable description
	Path     string `json:"path,omitempty"` // JSON path to offending field
}

const (
	SeverityError   = "error"
	SeverityWarning = "warning"
)

// HasErrors returns true if any diagnostic has error severity.
func HasErrors(diags []Diagnostic) bool {
	for _, d := range diags {
		if d.Severity == SeverityError {
			return true
		}
	}
	return false
}

// Errors returns only the error-severity diagnostics.
func Errors(diags []Diagnostic) []Diagnostic {
	var errs []Diagnostic
	for _, d := range diags {
		if d.Severity == SeverityError {
			errs = append(errs, d)
		}
	}
	return errs
}

// Warnings returns only the warning-severity diagnostics.
func Warnings(diags []Diagnostic) []Diagnostic {
	var warns []Diagnostic
	for _, d := range diags {
		if d.Severity == SeverityWarning {
			warns = append(warns, d)
		}
	}
	return warns
}

// Validate checks structural integrity of the Blueprint:
//   - BP-001: duplicate node IDs
//   - BP-002: link references a node that does not exist (warning; the
//     reconciler skips such links and still wires the rest)
//   - BP-003: duplicate link IDs (warning)
//   - BP-004: node without a type
//   - BP-005: negative slot index
func (b *Blueprint) Validate() []Diagnostic {
	var diags []Diagnostic

	nodeIDs := make(map[NodeID]bool, len(b.Nodes))

	for i, node := range b.Nodes {
		if nodeIDs[node.ID] {
			diags = append(diags, Diagnostic{
				Code:     "BP-001",
				Severity: SeverityError,
				Message:  fmt.Sprintf("Duplicate node ID %d", node.ID),
				Path:     fmt.Sprintf("nodes[%d].id", i),
			})
		}
		nodeIDs[node.ID] = true

		if node.Type == "" {
			diags = append(diags, Diagnostic{
				Code:     "BP-004",
				Severity: SeverityError,
				Message:  fmt.Sprintf("Node %d has no type", node.ID),
				Path:     fmt.Sprintf("nodes[%d].type", i),
			})
		}
	}

	linkIDs := make(map[LinkID]bool, len(b.Links))
	for i, link := range b.Links {
		if linkIDs[link.ID] {
			diags = append(diags, Diagnostic{
				Code:     "BP-003",
				Severity: SeverityWarning,
				Message:  fmt.Sprintf("Duplicate link ID %d", link.ID),
				Path:     fmt.Sprintf("links[%d].id", i),
			})
		}
		linkIDs[link.ID] = true

		if !nodeIDs[link.OriginID] {
			diags = append(diags, Diagnostic{
				Code:     "BP-002",
				Severity: SeverityWarning,
				Message:  fmt.Sprintf("Link %d origin %d references unknown node", link.ID, link.OriginID),
				Path:     fmt.Sprintf("links[%d].origin_id", i),
			})
		}
		if !nodeIDs[link.TargetID] {
			diags = append(diags, Diagnostic{
				Code:     "BP-002",
				Severity: SeverityWarning,
				Message:  fmt.Sprintf("Link %d target %d references unknown node", link.ID, link.TargetID),
				Path:     fmt.Sprintf("links[%d].target_id", i),
			})
		}
		if link.OriginSlot < 0 || link.TargetSlot < 0 {
			diags = append(diags, Diagnostic{
				Code:     "BP-005",
				Severity: SeverityError,
				Message:  fmt.Sprintf("Link %d uses a negative slot index", link.ID),
				Path:     fmt.Sprintf("links[%d]", i),
			})
		}
	}

	return diags
}
