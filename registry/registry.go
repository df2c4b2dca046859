// Package registry provides the node-type registry shared by the canvas and
// the reference executor. It maps type names (without the editor's namespace
// prefix) to slot schemas used for connect validation and the node-types API.
package registry

import "sync"

// SlotTypeAny is compatible with every other slot type.
const SlotTypeAny = "any"

// NodeTypeDef describes a registered node type.
type NodeTypeDef struct {
	Type        string     `json:"type"`
	Category    string     `json:"category"` // "io", "data", "control"
	DisplayName string     `json:"display_name"`
	Description string     `json:"description"`
	Slots       SlotSchema `json:"slots"`
}

// SlotSchema defines the input and output slots for a node type. Slot
// indexes in links refer to positions in these slices.
type SlotSchema struct {
	Inputs  []SlotDef `json:"inputs"`
	Outputs []SlotDef `json:"outputs"`
}

// SlotDef describes a single slot on a node type.
type SlotDef struct {
	Name string `json:"name"`
	Type string `json:"type"` // "string", "number", "object", "any"
}

// Compatible reports whether an output slot of type from may feed an input
// slot of type to. Empty types are treated as "any".
func Compatible(from, to string) bool {
	if from == "" || to == "" || from == SlotTypeAny || to == SlotTypeAny {
		return true
	}
	return from == to
}

var (
	global     *Registry
	globalOnce sync.Once
)

// Global returns the singleton registry instance. On first call it
// initializes the registry and auto-registers all built-in node types.
func Global() *Registry {
	globalOnce.Do(func() {
		global = New()
		registerBuiltins(global)
	})
	return global
}

// Registry holds all known node types.
type Registry struct {
	mu    sync.RWMutex
	types map[string]NodeTypeDef
	order []string // preserves registration order
}

// New returns an empty registry. Most callers want Global.
func New() *Registry {
	return &Registry{
		types: make(map[string]NodeTypeDef),
	}
}

// Register adds a node type definition. If a type with the same name
// already exists it is overwritten.
func (r *Registry) Register(def NodeTypeDef) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.types[def.Type]; !exists {
		r.order = append(r.order, def.Type)
	}
	r.types[def.Type] = def
}

// Get returns a node type definition by type name.
func (r *Registry) Get(typeName string) (NodeTypeDef, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.types[typeName]
	return def, ok
}

// Has returns true if the type name is registered.
func (r *Registry) Has(typeName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.types[typeName]
	return ok
}

// All returns all registered node types in registration order.
// Used by GET /api/node-types endpoint.
func (r *Registry) All() []NodeTypeDef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]NodeTypeDef, 0, len(r.order))
	for _, name := range r.order {
		result = append(result, r.types[name])
	}
	return result
}

// Len returns the number of registered node types.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.types)
}
