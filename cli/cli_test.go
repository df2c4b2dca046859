package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
)

// newTestRoot creates a fresh command tree so tests never share flag state.
func newTestRoot() *cobra.Command {
	return NewRootCmd("test")
}

// executeCommand runs a cobra command with the given args and captures stdout/stderr.
func executeCommand(root *cobra.Command, args ...string) (stdout, stderr string, err error) {
	var outBuf, errBuf bytes.Buffer
	root.SetOut(&outBuf)
	root.SetErr(&errBuf)
	root.SetArgs(args)
	err = root.Execute()
	return outBuf.String(), errBuf.String(), err
}

// writeTestFile creates a temporary file with the given content and returns its path.
func writeTestFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func exitCode(t *testing.T, err error) int {
	t.Helper()
	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("expected *ExitError, got %T: %v", err, err)
	}
	return exitErr.Code
}

const echoGraphJSON = `{
  "nodes": [
    {"id": 1, "type": "cognitive/input", "pos": [0, 0]},
    {"id": 2, "type": "cognitive/output", "pos": [200, 0]}
  ],
  "links": [[1, 1, 0, 2, 0, "string"]]
}`

const greetGraphYAML = `name: greet
nodes:
  - id: 1
    type: cognitive/input
  - id: 2
    type: cognitive/constant
    properties:
      value: world
  - id: 3
    type: cognitive/concat
    properties:
      separator: " "
  - id: 4
    type: cognitive/output
links:
  - {id: 1, origin_id: 1, origin_slot: 0, target_id: 3, target_slot: 0}
  - {id: 2, origin_id: 2, origin_slot: 0, target_id: 3, target_slot: 1}
  - {id: 3, origin_id: 3, origin_slot: 0, target_id: 4, target_slot: 0}
`

const duplicateNodeJSON = `{
  "nodes": [
    {"id": 1, "type": "cognitive/input"},
    {"id": 1, "type": "cognitive/output"}
  ],
  "links": []
}`

const danglingLinkJSON = `{
  "nodes": [
    {"id": 1, "type": "cognitive/input"},
    {"id": 2, "type": "cognitive/output"}
  ],
  "links": [[1, 1, 0, 2, 0, "string"], [2, 1, 0, 9, 0, "string"]]
}`

// --- validate ---

func TestValidate_Valid(t *testing.T) {
	path := writeTestFile(t, "echo.json", echoGraphJSON)
	stdout, _, err := executeCommand(newTestRoot(), "validate", path)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if !strings.Contains(stdout, "Valid") {
		t.Errorf("expected 'Valid' in output, got: %q", stdout)
	}
}

func TestValidate_DuplicateNode(t *testing.T) {
	path := writeTestFile(t, "dup.json", duplicateNodeJSON)
	stdout, _, err := executeCommand(newTestRoot(), "validate", path)
	if code := exitCode(t, err); code != exitValidation {
		t.Errorf("exit code = %d, want %d", code, exitValidation)
	}
	if !strings.Contains(stdout, "BP-001") {
		t.Errorf("expected BP-001 in output, got: %q", stdout)
	}
}

func TestValidate_WarningsOnlyFailWhenStrict(t *testing.T) {
	path := writeTestFile(t, "dangling.json", danglingLinkJSON)
	stdout, _, err := executeCommand(newTestRoot(), "validate", path)
	if err != nil {
		t.Fatalf("expected warnings to pass, got: %v", err)
	}
	if !strings.Contains(stdout, "BP-002") || !strings.Contains(stdout, "1 warning") {
		t.Errorf("output = %q", stdout)
	}

	_, _, err = executeCommand(newTestRoot(), "validate", "--strict", path)
	if code := exitCode(t, err); code != exitValidation {
		t.Errorf("strict exit code = %d, want %d", code, exitValidation)
	}
}

func TestValidate_JSONFormat(t *testing.T) {
	path := writeTestFile(t, "dup.json", duplicateNodeJSON)
	stdout, _, _ := executeCommand(newTestRoot(), "validate", "--format", "json", path)

	var diags []map[string]any
	if err := json.Unmarshal([]byte(stdout), &diags); err != nil {
		t.Fatalf("output is not a JSON array: %v\n%s", err, stdout)
	}
	if len(diags) != 1 || diags[0]["code"] != "BP-001" {
		t.Errorf("diags = %v", diags)
	}
}

func TestValidate_ParseFailure(t *testing.T) {
	path := writeTestFile(t, "broken.json", `{"nodes": [`)
	stdout, _, err := executeCommand(newTestRoot(), "validate", path)
	if code := exitCode(t, err); code != exitValidation {
		t.Errorf("exit code = %d, want %d", code, exitValidation)
	}
	if !strings.Contains(stdout, "BP-000") {
		t.Errorf("expected BP-000 in output, got: %q", stdout)
	}
}

func TestValidate_MissingFile(t *testing.T) {
	_, _, err := executeCommand(newTestRoot(), "validate", filepath.Join(t.TempDir(), "nope.json"))
	if code := exitCode(t, err); code != exitFileNotFound {
		t.Errorf("exit code = %d, want %d", code, exitFileNotFound)
	}
}

// --- load ---

func TestLoad_ReassignedIDsStillConnect(t *testing.T) {
	path := writeTestFile(t, "echo.json", echoGraphJSON)
	stdout, _, err := executeCommand(newTestRoot(), "load", "--format", "json", "--reassign-offset", "100", path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	var out struct {
		Report struct {
			NodesMapped    int `json:"nodes_mapped"`
			LinksConnected int `json:"links_connected"`
		} `json:"report"`
		Canvas struct {
			Nodes []struct {
				ID int64 `json:"id"`
			} `json:"nodes"`
		} `json:"canvas"`
	}
	if err := json.Unmarshal([]byte(stdout), &out); err != nil {
		t.Fatalf("decoding output: %v\n%s", err, stdout)
	}
	if out.Report.NodesMapped != 2 || out.Report.LinksConnected != 1 {
		t.Errorf("report = %+v", out.Report)
	}
	for _, n := range out.Canvas.Nodes {
		if n.ID <= 100 {
			t.Errorf("node id %d was not reassigned", n.ID)
		}
	}
}

func TestLoad_TextReport(t *testing.T) {
	path := writeTestFile(t, "greet.yaml", greetGraphYAML)
	stdout, _, err := executeCommand(newTestRoot(), "load", path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	for _, want := range []string{`Blueprint "greet"`, "nodes: 4/4 mapped", "links: 3/3 connected", "Complete."} {
		if !strings.Contains(stdout, want) {
			t.Errorf("output missing %q:\n%s", want, stdout)
		}
	}
}

func TestLoad_StrictIncomplete(t *testing.T) {
	path := writeTestFile(t, "dangling.json", danglingLinkJSON)
	stdout, _, err := executeCommand(newTestRoot(), "load", path)
	if err != nil {
		t.Fatalf("non-strict load should succeed: %v", err)
	}
	if !strings.Contains(stdout, "Incomplete.") {
		t.Errorf("output = %q", stdout)
	}

	_, _, err = executeCommand(newTestRoot(), "load", "--strict", path)
	if code := exitCode(t, err); code != exitIncomplete {
		t.Errorf("exit code = %d, want %d", code, exitIncomplete)
	}
}

func TestLoad_InvalidBlueprint(t *testing.T) {
	path := writeTestFile(t, "dup.json", duplicateNodeJSON)
	_, stderr, err := executeCommand(newTestRoot(), "load", path)
	if code := exitCode(t, err); code != exitValidation {
		t.Errorf("exit code = %d, want %d", code, exitValidation)
	}
	if !strings.Contains(stderr, "BP-001") {
		t.Errorf("stderr = %q", stderr)
	}
}

// --- run ---

func TestRun_LocalPrintsResults(t *testing.T) {
	path := writeTestFile(t, "greet.yaml", greetGraphYAML)
	stdout, _, err := executeCommand(newTestRoot(), "run", "--input", `{"message":"hello"}`, path)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(stdout, "output 4: hello world") {
		t.Errorf("output = %q", stdout)
	}
	if !strings.Contains(stdout, "completed: 4 node(s) run, 0 failed") {
		t.Errorf("summary missing from %q", stdout)
	}
}

func TestRun_JSONOutputAndStream(t *testing.T) {
	path := writeTestFile(t, "echo.json", echoGraphJSON)
	stdout, _, err := executeCommand(newTestRoot(), "run", "--stream", "--format", "json",
		"--input", `{"message":"ping"}`, path)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(stdout, "[1] started") || !strings.Contains(stdout, "[6] completed") {
		t.Errorf("stream lines missing from %q", stdout)
	}

	jsonStart := strings.Index(stdout, "{")
	if jsonStart < 0 {
		t.Fatalf("no JSON in output %q", stdout)
	}
	var out runOutput
	if err := json.Unmarshal([]byte(stdout[jsonStart:]), &out); err != nil {
		t.Fatalf("decoding output: %v", err)
	}
	if out.Outcome != "completed" || out.Results["2"] != "ping" || out.NodesRun != 2 {
		t.Errorf("output = %+v", out)
	}
}

func TestRun_MissingInputFails(t *testing.T) {
	path := writeTestFile(t, "echo.json", echoGraphJSON)
	_, _, err := executeCommand(newTestRoot(), "run", path)
	if code := exitCode(t, err); code != exitRuntime {
		t.Errorf("exit code = %d, want %d", code, exitRuntime)
	}
}

func TestRun_InputFlagsConflict(t *testing.T) {
	path := writeTestFile(t, "echo.json", echoGraphJSON)
	inputFile := writeTestFile(t, "vars.json", `{"message":"x"}`)
	_, _, err := executeCommand(newTestRoot(), "run", "--input", `{}`, "--input-file", inputFile, path)
	if code := exitCode(t, err); code != exitInputParse {
		t.Errorf("exit code = %d, want %d", code, exitInputParse)
	}
}

func TestRun_BadInputJSON(t *testing.T) {
	path := writeTestFile(t, "echo.json", echoGraphJSON)
	_, _, err := executeCommand(newTestRoot(), "run", "--input", `not json`, path)
	if code := exitCode(t, err); code != exitInputParse {
		t.Errorf("exit code = %d, want %d", code, exitInputParse)
	}
}

func TestLoggerFor_Levels(t *testing.T) {
	var buf bytes.Buffer
	loggerFor(&buf, false, false).Info("hidden")
	loggerFor(&buf, true, false).Debug("shown")
	loggerFor(&buf, false, true).Warn("hidden too")
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "shown") {
		t.Errorf("log output = %q", buf.String())
	}
}

func TestValidate_HCL(t *testing.T) {
	content := `
node "1" {
  type = "cognitive/input"
}

node "2" {
  type = "cognitive/output"
}

link "1" {
  from = [1, 0]
  to   = [2, 0]
}
`
	path := writeTestFile(t, "echo.hcl", content)
	stdout, _, err := executeCommand(newTestRoot(), "validate", path)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if !strings.Contains(stdout, "Valid") {
		t.Errorf("output = %q", stdout)
	}
}

// --- serve ---

func TestServe_BadRedisURL(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("HOME", t.TempDir())
	_, _, err := executeCommand(newTestRoot(), "serve", "--listen", "127.0.0.1:0", "--redis-url", "http://not-redis")
	if code := exitCode(t, err); code != exitRuntime {
		t.Errorf("exit code = %d, want %d", code, exitRuntime)
	}
}
