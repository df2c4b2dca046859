package runtime

import (
	"context"
	"fmt"
	"strings"
)

// Builtins returns implementations for the built-in registry node types.
func Builtins() map[string]NodeFunc {
	return map[string]NodeFunc{
		"input":       inputNode,
		"output":      outputNode,
		"constant":    constantNode,
		"concat":      concatNode,
		"template":    templateNode,
		"passthrough": passthroughNode,
	}
}

func stringProp(props map[string]any, key, fallback string) string {
	if v, ok := props[key].(string); ok {
		return v
	}
	return fallback
}

func text(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func inputNode(_ context.Context, in NodeInput) ([]any, error) {
	key := stringProp(in.Properties, "key", "message")
	v, ok := in.Vars[key]
	if !ok {
		if def, has := in.Properties["default"]; has {
			return []any{def}, nil
		}
		return nil, fmt.Errorf("context value %q not provided", key)
	}
	return []any{v}, nil
}

func outputNode(_ context.Context, in NodeInput) ([]any, error) {
	return nil, nil
}

func constantNode(_ context.Context, in NodeInput) ([]any, error) {
	return []any{in.Properties["value"]}, nil
}

func concatNode(_ context.Context, in NodeInput) ([]any, error) {
	sep := stringProp(in.Properties, "separator", "")
	return []any{text(in.Input(0)) + sep + text(in.Input(1))}, nil
}

func templateNode(_ context.Context, in NodeInput) ([]any, error) {
	tmpl := stringProp(in.Properties, "template", "{{input}}")
	return []any{strings.ReplaceAll(tmpl, "{{input}}", text(in.Input(0)))}, nil
}

func passthroughNode(_ context.Context, in NodeInput) ([]any, error) {
	return []any{in.Input(0)}, nil
}
