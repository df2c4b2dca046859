// Package blueprint defines the serializable description of an editor graph:
// node descriptors, link descriptors and the named Blueprint that groups them.
// A Blueprint is immutable once fetched; reloads replace it wholesale.
package blueprint

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

// ErrNotFound is returned by a Source when the named blueprint does not exist
// or the source reported an unsuccessful lookup.
var ErrNotFound = errors.New("blueprint not found")

// NodeID is the blueprint-local identity of a node. It is not guaranteed to
// survive materialization inside a canvas.
type NodeID int64

// LinkID identifies a link within a blueprint.
type LinkID int64

// Position is a node's canvas position as [x, y].
type Position [2]float64

// X returns the horizontal coordinate.
func (p Position) X() float64 { return p[0] }

// Y returns the vertical coordinate.
func (p Position) Y() float64 { return p[1] }

// Near reports whether q lies strictly within tolerance of p on both axes.
func (p Position) Near(q Position, tolerance float64) bool {
	return math.Abs(p[0]-q[0]) < tolerance && math.Abs(p[1]-q[1]) < tolerance
}

// NodeDescriptor describes one node of a blueprint.
type NodeDescriptor struct {
	ID         NodeID         `json:"id"`
	Type       string         `json:"type"`
	Position   Position       `json:"pos"`
	Properties map[string]any `json:"properties,omitempty"`
	Title      string         `json:"title,omitempty"`
}

// LinkDescriptor connects an output slot of one node to an input slot of
// another. Endpoints reference blueprint node identities, never runtime handles.
type LinkDescriptor struct {
	ID         LinkID `json:"id"`
	OriginID   NodeID `json:"origin_id"`
	OriginSlot int    `json:"origin_slot"`
	TargetID   NodeID `json:"target_id"`
	TargetSlot int    `json:"target_slot"`
	Type       string `json:"type,omitempty"`
}

// linkObject avoids recursion through LinkDescriptor.UnmarshalJSON.
type linkObject LinkDescriptor

// UnmarshalJSON accepts both the object form and the compact array form
// emitted by canvas engines: [id, origin_id, origin_slot, target_id, target_slot, type].
func (l *LinkDescriptor) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		var obj linkObject
		if err := json.Unmarshal(trimmed, &obj); err != nil {
			return err
		}
		*l = LinkDescriptor(obj)
		return nil
	}

	var parts []json.RawMessage
	if err := json.Unmarshal(trimmed, &parts); err != nil {
		return err
	}
	if len(parts) < 5 {
		return fmt.Errorf("link array has %d elements, want at least 5", len(parts))
	}

	var out LinkDescriptor
	fields := []any{&out.ID, &out.OriginID, &out.OriginSlot, &out.TargetID, &out.TargetSlot}
	for i, dst := range fields {
		if err := json.Unmarshal(parts[i], dst); err != nil {
			return fmt.Errorf("link array element %d: %w", i, err)
		}
	}
	if len(parts) > 5 {
		// The type element may be a string, null or a number (engine "any").
		var typ any
		if err := json.Unmarshal(parts[5], &typ); err == nil {
			if s, ok := typ.(string); ok {
				out.Type = s
			}
		}
	}
	*l = out
	return nil
}

// Blueprint is a named, immutable description of a graph.
type Blueprint struct {
	Name  string           `json:"name,omitempty"`
	Nodes []NodeDescriptor `json:"nodes"`
	Links []LinkDescriptor `json:"links"`
}

// Parse decodes raw graph JSON into a Blueprint with the given name.
// Unknown top-level fields written by the canvas engine (version,
// last_node_id, groups, ...) are ignored.
func Parse(name string, data []byte) (*Blueprint, error) {
	var bp Blueprint
	if err := json.Unmarshal(data, &bp); err != nil {
		return nil, fmt.Errorf("parsing blueprint %q: %w", name, err)
	}
	if name != "" {
		bp.Name = name
	}
	return &bp, nil
}

// Node returns the descriptor with the given id.
func (b *Blueprint) Node(id NodeID) (NodeDescriptor, bool) {
	for _, n := range b.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return NodeDescriptor{}, false
}

// Clone returns a deep copy so callers can hand out a Blueprint without
// sharing slices or property maps.
func (b *Blueprint) Clone() *Blueprint {
	if b == nil {
		return nil
	}
	out := &Blueprint{
		Name:  b.Name,
		Nodes: make([]NodeDescriptor, len(b.Nodes)),
		Links: make([]LinkDescriptor, len(b.Links)),
	}
	for i, n := range b.Nodes {
		n.Properties = cloneProperties(n.Properties)
		out.Nodes[i] = n
	}
	copy(out.Links, b.Links)
	return out
}

func cloneProperties(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// Source fetches blueprints by template name.
type Source interface {
	Fetch(ctx context.Context, name string) (*Blueprint, error)
}

// SourceFunc adapts a function to the Source interface.
type SourceFunc func(ctx context.Context, name string) (*Blueprint, error)

// Fetch calls f.
func (f SourceFunc) Fetch(ctx context.Context, name string) (*Blueprint, error) {
	return f(ctx, name)
}
