package canvas

import (
	"sync"

	"github.com/petal-labs/canvasbridge/blueprint"
)

// Guarded serializes access to an adapter that is shared between the
// reload path and the execution path.
type Guarded struct {
	mu    sync.Mutex
	inner Adapter
}

// Guard wraps an adapter with a mutex.
func Guard(a Adapter) *Guarded {
	return &Guarded{inner: a}
}

// Batch runs fn with exclusive access to the wrapped adapter. fn must use
// the adapter it is given, not the Guarded wrapper.
func (g *Guarded) Batch(fn func(Adapter)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	fn(g.inner)
}

// Unwrap returns the wrapped adapter.
func (g *Guarded) Unwrap() Adapter { return g.inner }

func (g *Guarded) Materialize(nodes []blueprint.NodeDescriptor) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inner.Materialize(nodes)
}

func (g *Guarded) Clear() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.inner.Clear()
}

func (g *Guarded) NodeByID(id NodeID) (Handle, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inner.NodeByID(id)
}

func (g *Guarded) AllNodes() []Handle {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inner.AllNodes()
}

func (g *Guarded) Connect(origin Handle, originSlot int, target Handle, targetSlot int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inner.Connect(origin, originSlot, target, targetSlot)
}

func (g *Guarded) Serialize() Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inner.Serialize()
}

func (g *Guarded) MarkDirty() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.inner.MarkDirty()
}

// Highlight forwards to the wrapped adapter when it supports highlighting.
func (g *Guarded) Highlight(id NodeID, state string) {
	h, ok := g.inner.(Highlighter)
	if !ok {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	h.Highlight(id, state)
}

var _ Adapter = (*Guarded)(nil)
var _ Highlighter = (*Guarded)(nil)
