package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/petal-labs/canvasbridge/blueprint"
	"github.com/petal-labs/canvasbridge/editor"
	"github.com/petal-labs/canvasbridge/execution"
	"github.com/petal-labs/canvasbridge/monitor"
	"github.com/petal-labs/canvasbridge/remote"
	"github.com/petal-labs/canvasbridge/runtime"
)

// NewRunCmd creates the "run" subcommand.
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <file>",
		Short: "Load a blueprint and execute it",
		Args:  cobra.ExactArgs(1),
		RunE:  runRun,
	}

	cmd.Flags().StringP("input", "i", "", "Execution context as inline JSON object")
	cmd.Flags().StringP("input-file", "f", "", "Execution context from a JSON file")
	cmd.Flags().String("server", "", "Execute on a template server instead of locally")
	cmd.Flags().String("format", "text", "Output format: json | text")
	cmd.Flags().Duration("timeout", 5*time.Minute, "Execution timeout")
	cmd.Flags().Bool("stream", false, "Print every execution event as it arrives")
	cmd.Flags().String("type-prefix", blueprint.DefaultTypePrefix, "Namespace prefix of node types")

	return cmd
}

func runRun(cmd *cobra.Command, args []string) error {
	logger := newLogger(cmd)
	prefix, _ := cmd.Flags().GetString("type-prefix")
	serverURL, _ := cmd.Flags().GetString("server")
	streaming, _ := cmd.Flags().GetBool("stream")

	bp, err := loadBlueprintFile(cmd, args[0])
	if err != nil {
		return err
	}
	vars, err := buildInputVars(cmd)
	if err != nil {
		return err
	}

	var executor execution.Executor = runtime.New(runtime.Options{Logger: logger})
	if serverURL != "" {
		client, err := remote.New(remote.Config{BaseURL: serverURL})
		if err != nil {
			return exitError(exitConfig, "%v", err)
		}
		executor = client
	}

	endpoint, _ := cmd.Flags().GetString("otlp-endpoint")
	shutdownTracing, err := setupTracing(cmd.Context(), endpoint)
	if err != nil {
		return exitError(exitConfig, "%v", err)
	}
	defer func() {
		_ = shutdownTracing(context.WithoutCancel(cmd.Context()))
	}()

	observers, err := executionObservers()
	if err != nil {
		return exitError(exitRuntime, "initializing observability: %v", err)
	}
	observe, err := reconcileObserver()
	if err != nil {
		return exitError(exitRuntime, "initializing metrics: %v", err)
	}

	var terminal terminalRecorder
	handlers := []execution.EventHandler{observers, terminal.Handle}
	if streaming {
		handlers = append(handlers, eventPrinter(cmd.OutOrStdout()))
	}

	session, err := editor.New(editor.Config{
		Source:     blueprint.SourceFunc(func(context.Context, string) (*blueprint.Blueprint, error) { return bp, nil }),
		Executor:   executor,
		Template:   bp.Name,
		TypePrefix: prefix,
		Handler:    execution.MultiEventHandler(handlers...),
		Observer:   observe,
		Logger:     logger,
	})
	if err != nil {
		return exitError(exitRuntime, "%v", err)
	}
	defer session.Close()

	if report := session.LoadBlueprint(bp); !report.Complete() {
		for _, d := range report.Diagnostics {
			fmt.Fprintf(cmd.ErrOrStderr(), "%s [%s]: %s\n", strings.ToUpper(d.Severity), d.Code, d.Message)
		}
	}

	timeout, _ := cmd.Flags().GetDuration("timeout")
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	if err := session.Execute(ctx, vars); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return exitError(exitTimeout, "execution timed out after %s", timeout)
		}
		if errors.Is(err, execution.ErrSubmission) {
			return exitError(exitRuntime, "submission failed: %v", err)
		}
		return exitError(exitRuntime, "execution failed: %v", err)
	}

	return writeRunOutput(cmd, session.Stats(), terminal.Event())
}

// buildInputVars decodes the execution context from --input or
// --input-file.
func buildInputVars(cmd *cobra.Command) (map[string]any, error) {
	inputStr, _ := cmd.Flags().GetString("input")
	inputFile, _ := cmd.Flags().GetString("input-file")

	if inputStr != "" && inputFile != "" {
		return nil, exitError(exitInputParse, "cannot specify both --input and --input-file")
	}
	if inputStr == "" && inputFile == "" {
		return map[string]any{}, nil
	}

	var data []byte
	if inputStr != "" {
		data = []byte(inputStr)
	} else {
		var err error
		data, err = os.ReadFile(inputFile) // #nosec G304 -- path from user CLI flag
		if err != nil {
			return nil, exitError(exitFileNotFound, "reading input file: %v", err)
		}
	}

	var vars map[string]any
	if err := json.Unmarshal(data, &vars); err != nil {
		return nil, exitError(exitInputParse, "parsing input JSON: %v", err)
	}
	return vars, nil
}

// terminalRecorder keeps the last terminal event of a run.
type terminalRecorder struct {
	mu sync.Mutex
	e  execution.Event
}

func (r *terminalRecorder) Handle(e execution.Event) {
	if !e.Phase.Terminal() {
		return
	}
	r.mu.Lock()
	r.e = e
	r.mu.Unlock()
}

func (r *terminalRecorder) Event() execution.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.e
}

func eventPrinter(w io.Writer) execution.EventHandler {
	return func(e execution.Event) {
		line := fmt.Sprintf("[%d] %s", e.Seq, e.Phase)
		if e.NodeID != "" {
			line += " node=" + e.NodeID
		}
		if msg := e.ErrorMessage(); msg != "" {
			line += " error=" + msg
		}
		fmt.Fprintln(w, line)
	}
}

type runOutput struct {
	RunID       string           `json:"run_id"`
	Outcome     execution.Phase  `json:"outcome"`
	NodesRun    int              `json:"nodes_run"`
	NodesFailed int              `json:"nodes_failed"`
	ElapsedMs   int64            `json:"elapsed_ms"`
	Results     map[string]any   `json:"results,omitempty"`
	Durations   map[string]int64 `json:"node_durations_ms,omitempty"`
}

func writeRunOutput(cmd *cobra.Command, stats monitor.Stats, terminal execution.Event) error {
	format, _ := cmd.Flags().GetString("format")
	out := runOutput{
		RunID:       stats.RunID,
		Outcome:     stats.Outcome,
		NodesRun:    stats.NodesRun,
		NodesFailed: stats.NodesFailed,
		ElapsedMs:   stats.Elapsed().Milliseconds(),
	}
	if results, ok := terminal.Payload["results"].(map[string]any); ok {
		out.Results = results
	}
	if len(stats.NodeDurations) > 0 {
		out.Durations = make(map[string]int64, len(stats.NodeDurations))
		for id, d := range stats.NodeDurations {
			out.Durations[id] = d.Milliseconds()
		}
	}

	w := cmd.OutOrStdout()
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(out); err != nil {
			return exitError(exitRuntime, "marshaling output: %v", err)
		}
		return nil
	case "text":
	default:
		return exitError(exitInputParse, "unknown format %q (use json or text)", format)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Run %s %s: %d node(s) run, %d failed in %dms\n",
		out.RunID, out.Outcome, out.NodesRun, out.NodesFailed, out.ElapsedMs)
	ids := make([]string, 0, len(out.Results))
	for id := range out.Results {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		fmt.Fprintf(&sb, "  output %s: %v\n", id, out.Results[id])
	}
	fmt.Fprint(w, sb.String())
	return nil
}
