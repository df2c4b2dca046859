// Package loader reads blueprint files from disk. It accepts JSON, YAML and
// HCL, and both bare graphs and template envelopes as served by the
// template endpoint ({"success": true, "template": {...}}).
package loader

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// DocumentKind identifies the shape of a blueprint document.
type DocumentKind string

const (
	// DocumentKindGraph is a bare graph with top-level nodes and links.
	DocumentKindGraph DocumentKind = "graph"

	// DocumentKindEnvelope wraps a graph under a "template" key.
	DocumentKindEnvelope DocumentKind = "envelope"
)

// DetectDocument auto-detects the document kind from file content and path:
//  1. Determine parse format from extension (.yaml/.yml -> YAML, .hcl -> HCL,
//     else JSON); HCL documents are always bare graphs
//  2. If it has a "template" object -> envelope
//  3. If it has "nodes" (links may be omitted for link-free graphs) -> graph
//  4. Else error
func DetectDocument(data []byte, filePath string) (DocumentKind, error) {
	if isHCL(filePath) {
		if _, err := parseHCL(data, filePath); err != nil {
			return "", err
		}
		return DocumentKindGraph, nil
	}

	var raw map[string]any
	if isYAML(filePath) {
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return "", fmt.Errorf("parsing YAML: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, &raw); err != nil {
			return "", fmt.Errorf("parsing JSON: %w", err)
		}
	}

	if tmpl, ok := raw["template"].(map[string]any); ok && hasKey(tmpl, "nodes") {
		return DocumentKindEnvelope, nil
	}
	if hasKey(raw, "nodes") {
		return DocumentKindGraph, nil
	}

	return "", fmt.Errorf("unable to detect blueprint format: document has no nodes")
}

// isYAML returns true if the file path has a YAML extension.
func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// hasKey checks if a key exists in a map.
func hasKey(m map[string]any, key string) bool {
	_, ok := m[key]
	return ok
}

// yamlToJSON converts YAML bytes to JSON bytes:
// YAML -> map[string]any -> JSON bytes -> typed struct.
func yamlToJSON(data []byte) ([]byte, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}
	// yaml.v3 uses map[string]any by default, which is JSON-compatible
	return json.Marshal(raw)
}
