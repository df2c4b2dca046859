package blueprint

import (
	"context"
	"errors"
)

// DefaultTypePrefix is the namespace the editor registers node types under.
const DefaultTypePrefix = "cognitive/"

// Default builds the fallback graph used when a named template cannot be
// found: a single input node wired to a single output node.
func Default(name string) *Blueprint {
	return &Blueprint{
		Name: name,
		Nodes: []NodeDescriptor{
			{ID: 1, Type: DefaultTypePrefix + "input", Position: Position{100, 100}, Title: "Input"},
			{ID: 2, Type: DefaultTypePrefix + "output", Position: Position{400, 100}, Title: "Output"},
		},
		Links: []LinkDescriptor{
			{ID: 1, OriginID: 1, OriginSlot: 0, TargetID: 2, TargetSlot: 0},
		},
	}
}

// WithFallback wraps a Source so that ErrNotFound yields Default(name)
// instead of an error. Other errors pass through.
func WithFallback(src Source) Source {
	return SourceFunc(func(ctx context.Context, name string) (*Blueprint, error) {
		bp, err := src.Fetch(ctx, name)
		if errors.Is(err, ErrNotFound) {
			return Default(name), nil
		}
		return bp, err
	})
}
