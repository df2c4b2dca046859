package canvas

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/petal-labs/canvasbridge/blueprint"
	"github.com/petal-labs/canvasbridge/registry"
)

// MemCanvasConfig configures an in-memory canvas.
type MemCanvasConfig struct {
	// Registry validates node types and slots. If nil, any type and any
	// non-negative slot is accepted.
	Registry *registry.Registry

	// TypePrefix is stripped from node types before registry lookups.
	TypePrefix string

	// AssignID maps a requested id to the runtime id to use. If nil, ids are
	// preserved. Collisions and non-positive results fall back to the next
	// free id.
	AssignID func(requested NodeID) NodeID

	Logger *slog.Logger
}

type inputKey struct {
	node NodeID
	slot int
}

// MemCanvas is an in-memory canvas engine. It mirrors the behavior of
// browser graph engines the bridge must tolerate: link metadata is never
// imported and ids may be reassigned on import.
type MemCanvas struct {
	mu  sync.Mutex
	cfg MemCanvasConfig

	nodes      map[NodeID]*SnapshotNode
	order      []NodeID
	links      map[int64]SnapshotLink
	inputs     map[inputKey]int64
	nextNode   NodeID
	nextLink   int64
	gen        uint64
	redraws    int
	highlights map[NodeID]string
}

// NewMemCanvas creates an empty in-memory canvas.
func NewMemCanvas(cfg MemCanvasConfig) *MemCanvas {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	c := &MemCanvas{cfg: cfg}
	c.reset()
	return c
}

func (c *MemCanvas) reset() {
	c.nodes = make(map[NodeID]*SnapshotNode)
	c.order = nil
	c.links = make(map[int64]SnapshotLink)
	c.inputs = make(map[inputKey]int64)
	c.nextNode = 1
	c.nextLink = 1
	c.highlights = make(map[NodeID]string)
}

// Materialize imports node descriptors. Descriptors with unregistered types
// are rejected and reported in the returned error.
func (c *MemCanvas) Materialize(nodes []blueprint.NodeDescriptor) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	for _, nd := range nodes {
		if c.cfg.Registry != nil && !c.cfg.Registry.Has(StripTypePrefix(nd.Type, c.cfg.TypePrefix)) {
			errs = append(errs, fmt.Errorf("node %d (type %q): %w", nd.ID, nd.Type, ErrUnknownType))
			continue
		}

		id := NodeID(nd.ID)
		if c.cfg.AssignID != nil {
			id = c.cfg.AssignID(id)
		}
		if _, taken := c.nodes[id]; taken || id <= 0 {
			id = c.freeID()
		}
		if id >= c.nextNode {
			c.nextNode = id + 1
		}

		props := make(map[string]any, len(nd.Properties))
		for k, v := range nd.Properties {
			props[k] = v
		}
		c.nodes[id] = &SnapshotNode{
			ID:         id,
			Type:       nd.Type,
			Position:   nd.Position,
			Title:      nd.Title,
			Properties: props,
		}
		c.order = append(c.order, id)
	}
	return errors.Join(errs...)
}

func (c *MemCanvas) freeID() NodeID {
	for {
		id := c.nextNode
		c.nextNode++
		if _, taken := c.nodes[id]; !taken {
			return id
		}
	}
}

// Clear removes everything and invalidates outstanding handles.
func (c *MemCanvas) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reset()
	c.gen++
}

// NodeByID returns the handle for a runtime id.
func (c *MemCanvas) NodeByID(id NodeID) (Handle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.nodes[id]
	if !ok {
		return Handle{}, false
	}
	return c.handle(n), true
}

// AllNodes returns handles in import order.
func (c *MemCanvas) AllNodes() []Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Handle, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.handle(c.nodes[id]))
	}
	return out
}

func (c *MemCanvas) handle(n *SnapshotNode) Handle {
	return Handle{ID: n.ID, Type: n.Type, Position: n.Position, Title: n.Title, gen: c.gen}
}

// Connect links origin's output slot to target's input slot. An existing
// link into the same input slot is replaced.
func (c *MemCanvas) Connect(origin Handle, originSlot int, target Handle, targetSlot int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	fail := func(err error) error {
		return &ConnectError{Origin: origin.ID, OriginSlot: originSlot, Target: target.ID, TargetSlot: targetSlot, Err: err}
	}

	if origin.gen != c.gen || target.gen != c.gen {
		return fail(ErrStaleHandle)
	}
	src, ok := c.nodes[origin.ID]
	if !ok {
		return fail(ErrUnknownNode)
	}
	dst, ok := c.nodes[target.ID]
	if !ok {
		return fail(ErrUnknownNode)
	}
	if originSlot < 0 || targetSlot < 0 {
		return fail(ErrSlotOutOfRange)
	}

	linkType := ""
	if c.cfg.Registry != nil {
		srcDef, _ := c.cfg.Registry.Get(StripTypePrefix(src.Type, c.cfg.TypePrefix))
		dstDef, _ := c.cfg.Registry.Get(StripTypePrefix(dst.Type, c.cfg.TypePrefix))
		if originSlot >= len(srcDef.Slots.Outputs) || targetSlot >= len(dstDef.Slots.Inputs) {
			return fail(ErrSlotOutOfRange)
		}
		out := srcDef.Slots.Outputs[originSlot].Type
		in := dstDef.Slots.Inputs[targetSlot].Type
		if !registry.Compatible(out, in) {
			return fail(fmt.Errorf("%w: %s -> %s", ErrIncompatibleSlots, out, in))
		}
		linkType = out
	}

	key := inputKey{node: dst.ID, slot: targetSlot}
	if prev, ok := c.inputs[key]; ok {
		delete(c.links, prev)
	}

	id := c.nextLink
	c.nextLink++
	c.links[id] = SnapshotLink{
		ID:         id,
		OriginID:   src.ID,
		OriginSlot: originSlot,
		TargetID:   dst.ID,
		TargetSlot: targetSlot,
		Type:       linkType,
	}
	c.inputs[key] = id
	return nil
}

// Serialize returns the current nodes in import order and links by id.
func (c *MemCanvas) Serialize() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := Snapshot{
		Nodes: make([]SnapshotNode, 0, len(c.order)),
		Links: make([]SnapshotLink, 0, len(c.links)),
	}
	for _, id := range c.order {
		n := *c.nodes[id]
		props := make(map[string]any, len(n.Properties))
		for k, v := range n.Properties {
			props[k] = v
		}
		n.Properties = props
		snap.Nodes = append(snap.Nodes, n)
	}
	for _, l := range c.links {
		snap.Links = append(snap.Links, l)
	}
	sort.Slice(snap.Links, func(i, j int) bool { return snap.Links[i].ID < snap.Links[j].ID })
	return snap
}

// MarkDirty counts a redraw request.
func (c *MemCanvas) MarkDirty() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.redraws++
}

// Redraws returns the number of MarkDirty calls since creation.
func (c *MemCanvas) Redraws() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.redraws
}

// Highlight records the latest execution state for a node.
func (c *MemCanvas) Highlight(id NodeID, state string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.nodes[id]; ok {
		c.highlights[id] = state
	}
}

// Highlights returns a copy of the per-node highlight states.
func (c *MemCanvas) Highlights() map[NodeID]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[NodeID]string, len(c.highlights))
	for k, v := range c.highlights {
		out[k] = v
	}
	return out
}

// Compile-time interface checks.
var _ Adapter = (*MemCanvas)(nil)
var _ Highlighter = (*MemCanvas)(nil)
