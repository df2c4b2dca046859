// Package canvas defines the runtime graph adapter contract the editor bridge
// drives, plus an in-memory engine implementing it. Adapters are treated as
// untrusted with respect to identity: materialized nodes may receive new ids
// and imported link metadata may be ignored.
package canvas

import (
	"errors"
	"fmt"
	"strings"

	"github.com/petal-labs/canvasbridge/blueprint"
)

// Connect failure causes.
var (
	ErrStaleHandle       = errors.New("handle invalidated by clear")
	ErrUnknownNode       = errors.New("node not on canvas")
	ErrSlotOutOfRange    = errors.New("slot index out of range")
	ErrIncompatibleSlots = errors.New("incompatible slot types")
	ErrUnknownType       = errors.New("unknown node type")
)

// NodeID is a runtime-assigned node identity.
type NodeID int64

// Handle refers to a node materialized on a canvas. Handles are invalidated
// by Clear.
type Handle struct {
	ID       NodeID
	Type     string
	Position blueprint.Position
	Title    string

	gen uint64
}

// Snapshot is the serialized current state of a canvas, using runtime ids.
type Snapshot struct {
	Nodes []SnapshotNode `json:"nodes"`
	Links []SnapshotLink `json:"links"`
}

// SnapshotNode is one node of a Snapshot.
type SnapshotNode struct {
	ID         NodeID             `json:"id"`
	Type       string             `json:"type"`
	Position   blueprint.Position `json:"pos"`
	Title      string             `json:"title,omitempty"`
	Properties map[string]any     `json:"properties,omitempty"`
}

// SnapshotLink is one link of a Snapshot.
type SnapshotLink struct {
	ID         int64  `json:"id"`
	OriginID   NodeID `json:"origin_id"`
	OriginSlot int    `json:"origin_slot"`
	TargetID   NodeID `json:"target_id"`
	TargetSlot int    `json:"target_slot"`
	Type       string `json:"type,omitempty"`
}

// Adapter is the capability surface of a graph canvas engine.
type Adapter interface {
	// Materialize bulk-imports node descriptors. Identity preservation is not
	// guaranteed. A non-nil error reports rejected descriptors; accepted ones
	// are still on the canvas.
	Materialize(nodes []blueprint.NodeDescriptor) error

	// Clear removes every node and link and invalidates outstanding handles.
	Clear()

	// NodeByID looks a node up by runtime id.
	NodeByID(id NodeID) (Handle, bool)

	// AllNodes returns handles for every node on the canvas.
	AllNodes() []Handle

	// Connect links an output slot of origin to an input slot of target.
	Connect(origin Handle, originSlot int, target Handle, targetSlot int) error

	// Serialize returns the current state.
	Serialize() Snapshot

	// MarkDirty requests a redraw.
	MarkDirty()
}

// Highlighter is implemented by adapters that can render per-node execution
// state. It is optional; callers type-assert for it.
type Highlighter interface {
	Highlight(id NodeID, state string)
}

// ConnectError reports a refused Connect call.
type ConnectError struct {
	Origin     NodeID
	OriginSlot int
	Target     NodeID
	TargetSlot int
	Err        error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %d:%d -> %d:%d: %v", e.Origin, e.OriginSlot, e.Target, e.TargetSlot, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// StripTypePrefix removes the editor namespace prefix from a node type.
func StripTypePrefix(nodeType, prefix string) string {
	if prefix == "" {
		return nodeType
	}
	return strings.TrimPrefix(nodeType, prefix)
}
