package loader

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/petal-labs/canvasbridge/blueprint"
)

// LoadBlueprint loads a blueprint file, validates it, and returns the
// Blueprint. The blueprint is named after the file unless the document
// carries a name of its own.
func LoadBlueprint(path string) (*blueprint.Blueprint, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path from caller
	if err != nil {
		return nil, fmt.Errorf("reading file %s: %w", path, err)
	}
	return LoadBytes(data, path)
}

// LoadBytes parses and validates blueprint bytes. path is only used for
// format detection and the default name.
func LoadBytes(data []byte, path string) (*blueprint.Blueprint, error) {
	bp, err := ParseBytes(data, path)
	if err != nil {
		return nil, err
	}

	diags := bp.Validate()
	if blueprint.HasErrors(diags) {
		return nil, &DiagnosticError{Diagnostics: diags}
	}
	return bp, nil
}

// ParseBytes parses blueprint bytes without validating them.
func ParseBytes(data []byte, path string) (*blueprint.Blueprint, error) {
	if isHCL(path) {
		bp, err := parseHCL(data, path)
		if err != nil {
			return nil, err
		}
		if bp.Name == "" {
			bp.Name = nameFromPath(path)
		}
		return bp, nil
	}

	kind, err := DetectDocument(data, path)
	if err != nil {
		return nil, err
	}

	jsonData, err := toJSON(data, path)
	if err != nil {
		return nil, err
	}

	if kind == DocumentKindEnvelope {
		var env struct {
			Template json.RawMessage `json:"template"`
		}
		if err := json.Unmarshal(jsonData, &env); err != nil {
			return nil, fmt.Errorf("parsing template envelope: %w", err)
		}
		jsonData = env.Template
	}

	var bp blueprint.Blueprint
	if err := json.Unmarshal(jsonData, &bp); err != nil {
		return nil, fmt.Errorf("parsing blueprint: %w", err)
	}
	if bp.Name == "" {
		bp.Name = nameFromPath(path)
	}
	return &bp, nil
}

func nameFromPath(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// toJSON converts data to JSON bytes, handling YAML conversion if the path
// indicates a YAML file.
func toJSON(data []byte, path string) ([]byte, error) {
	if isYAML(path) {
		return yamlToJSON(data)
	}
	return data, nil
}

// DiagnosticError wraps validation diagnostics as an error.
type DiagnosticError struct {
	Diagnostics []blueprint.Diagnostic
}

func (e *DiagnosticError) Error() string {
	errs := blueprint.Errors(e.Diagnostics)
	if len(errs) == 1 {
		return fmt.Sprintf("validation error: %s", errs[0].Message)
	}
	return fmt.Sprintf("%d validation errors (first: %s)", len(errs), errs[0].Message)
}
