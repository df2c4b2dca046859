// Package reconcile restores a blueprint's link topology on a canvas whose
// engine may reassign node ids and drop link metadata during import.
//
// Load materializes the blueprint's nodes, maps every blueprint id to a
// runtime handle (exact id first, then type + position), and replays each
// link against that mapping. Per-item failures never abort the load; they
// are aggregated into the returned Report.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/petal-labs/canvasbridge/blueprint"
	"github.com/petal-labs/canvasbridge/canvas"
)

// PositionTolerance is the per-axis distance under which a runtime node is
// considered to sit at a descriptor's position.
const PositionTolerance = 1.0

// Diagnostic codes emitted in a Report.
const (
	CodeNodeUnmatched     = "RC-001"
	CodeLinkUnresolved    = "RC-002"
	CodeConnectRefused    = "RC-003"
	CodeAmbiguousFallback = "RC-004"
	CodeMaterializeFailed = "RC-005"
)

// UnconnectedLink records a blueprint link that was not wired.
type UnconnectedLink struct {
	Link   blueprint.LinkDescriptor `json:"link"`
	Reason string                   `json:"reason"`
}

// Report summarizes one load.
type Report struct {
	Blueprint       string                 `json:"blueprint"`
	NodesExpected   int                    `json:"nodes_expected"`
	NodesMapped     int                    `json:"nodes_mapped"`
	FallbackMatches int                    `json:"fallback_matches"`
	LinksExpected   int                    `json:"links_expected"`
	LinksConnected  int                    `json:"links_connected"`
	Unconnected     []UnconnectedLink      `json:"unconnected,omitempty"`
	Diagnostics     []blueprint.Diagnostic `json:"diagnostics,omitempty"`
}

// Complete reports whether every node was mapped and every link connected.
func (r Report) Complete() bool {
	return r.NodesMapped == r.NodesExpected && r.LinksConnected == r.LinksExpected
}

// Config configures a Reconciler.
type Config struct {
	Logger *slog.Logger

	// Observer, if set, receives every Report after a load.
	Observer func(Report)
}

// Reconciler loads blueprints onto canvases.
type Reconciler struct {
	logger   *slog.Logger
	observer func(Report)
}

// New creates a Reconciler.
func New(cfg Config) *Reconciler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{logger: logger, observer: cfg.Observer}
}

type nodeInfo struct {
	typ      string
	position blueprint.Position
}

// Load materializes bp onto a and restores its links. The canvas is expected
// to be empty (callers clear it first on reload). Load always completes.
func (r *Reconciler) Load(a canvas.Adapter, bp *blueprint.Blueprint) Report {
	report := Report{
		Blueprint:     bp.Name,
		NodesExpected: len(bp.Nodes),
		LinksExpected: len(bp.Links),
	}

	// Snapshot links and index original node info before the engine sees them.
	links := make([]blueprint.LinkDescriptor, len(bp.Links))
	copy(links, bp.Links)
	originalInfo := make(map[blueprint.NodeID]nodeInfo, len(bp.Nodes))
	order := make([]blueprint.NodeID, 0, len(bp.Nodes))
	for _, n := range bp.Nodes {
		if _, dup := originalInfo[n.ID]; !dup {
			order = append(order, n.ID)
		}
		originalInfo[n.ID] = nodeInfo{typ: n.Type, position: n.Position}
	}
	report.NodesExpected = len(order)

	if err := a.Materialize(bp.Nodes); err != nil {
		r.logger.Warn("materialize rejected nodes", "blueprint", bp.Name, "error", err)
		for _, e := range unjoin(err) {
			report.Diagnostics = append(report.Diagnostics, blueprint.Diagnostic{
				Code:     CodeMaterializeFailed,
				Severity: blueprint.SeverityWarning,
				Message:  e.Error(),
			})
		}
	}

	mapping := r.buildMapping(a, order, originalInfo, &report)
	report.NodesMapped = len(mapping)

	for i, link := range links {
		origin, okOrigin := mapping[link.OriginID]
		target, okTarget := mapping[link.TargetID]
		if !okOrigin || !okTarget {
			missing := link.OriginID
			if okOrigin {
				missing = link.TargetID
			}
			reason := fmt.Sprintf("node %d not mapped", missing)
			report.Unconnected = append(report.Unconnected, UnconnectedLink{Link: link, Reason: reason})
			report.Diagnostics = append(report.Diagnostics, blueprint.Diagnostic{
				Code:     CodeLinkUnresolved,
				Severity: blueprint.SeverityWarning,
				Message:  fmt.Sprintf("Link %d skipped: %s", link.ID, reason),
				Path:     fmt.Sprintf("links[%d]", i),
			})
			continue
		}

		if err := a.Connect(origin, link.OriginSlot, target, link.TargetSlot); err != nil {
			report.Unconnected = append(report.Unconnected, UnconnectedLink{Link: link, Reason: err.Error()})
			report.Diagnostics = append(report.Diagnostics, blueprint.Diagnostic{
				Code:     CodeConnectRefused,
				Severity: blueprint.SeverityWarning,
				Message:  fmt.Sprintf("Link %d refused: %v", link.ID, err),
				Path:     fmt.Sprintf("links[%d]", i),
			})
			continue
		}
		report.LinksConnected++
	}

	a.MarkDirty()

	level := slog.LevelInfo
	if !report.Complete() {
		level = slog.LevelWarn
	}
	r.logger.Log(context.Background(), level, "blueprint reconciled",
		"blueprint", bp.Name,
		"nodes_mapped", report.NodesMapped,
		"nodes_expected", report.NodesExpected,
		"links_connected", report.LinksConnected,
		"links_expected", report.LinksExpected,
		"fallback_matches", report.FallbackMatches,
	)

	if r.observer != nil {
		r.observer(report)
	}
	return report
}

// buildMapping resolves each blueprint id to a runtime handle. An exact id
// hit only counts when the runtime node has the descriptor's type, so a
// reassigned id that collides with another blueprint id is not trusted.
func (r *Reconciler) buildMapping(
	a canvas.Adapter,
	order []blueprint.NodeID,
	originalInfo map[blueprint.NodeID]nodeInfo,
	report *Report,
) map[blueprint.NodeID]canvas.Handle {
	mapping := make(map[blueprint.NodeID]canvas.Handle, len(order))
	claimed := make(map[canvas.NodeID]bool, len(order))

	// Exact matches first, so fallback scanning cannot steal a node that
	// kept its identity.
	var pending []blueprint.NodeID
	for _, id := range order {
		info := originalInfo[id]
		if h, ok := a.NodeByID(canvas.NodeID(id)); ok && h.Type == info.typ && !claimed[h.ID] {
			mapping[id] = h
			claimed[h.ID] = true
			continue
		}
		pending = append(pending, id)
	}
	if len(pending) == 0 {
		return mapping
	}

	all := a.AllNodes()
	for _, id := range pending {
		info := originalInfo[id]
		var (
			match      canvas.Handle
			found      bool
			candidates int
		)
		for _, h := range all {
			if claimed[h.ID] || h.Type != info.typ || !h.Position.Near(info.position, PositionTolerance) {
				continue
			}
			candidates++
			if !found {
				match, found = h, true
			}
		}

		if !found {
			report.Diagnostics = append(report.Diagnostics, blueprint.Diagnostic{
				Code:     CodeNodeUnmatched,
				Severity: blueprint.SeverityWarning,
				Message:  fmt.Sprintf("Node %d (type %q) has no runtime counterpart", id, info.typ),
			})
			r.logger.Debug("node unmatched", "node_id", id, "type", info.typ)
			continue
		}
		if candidates > 1 {
			report.Diagnostics = append(report.Diagnostics, blueprint.Diagnostic{
				Code:     CodeAmbiguousFallback,
				Severity: blueprint.SeverityWarning,
				Message:  fmt.Sprintf("Node %d matched %d runtime nodes by type and position; using %d", id, candidates, match.ID),
			})
		}
		mapping[id] = match
		claimed[match.ID] = true
		report.FallbackMatches++
	}
	return mapping
}

// unjoin flattens an errors.Join result into its parts.
func unjoin(err error) []error {
	var multi interface{ Unwrap() []error }
	if errors.As(err, &multi) {
		return multi.Unwrap()
	}
	return []error{err}
}
