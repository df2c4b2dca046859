package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/petal-labs/canvasbridge/canvas"
)

// Bridge errors.
var (
	ErrAlreadyExecuting = errors.New("execution already in progress")
	ErrSubmission       = errors.New("execution submission failed")
	ErrRunFailed        = errors.New("execution failed")
	ErrNoEvents         = errors.New("executor returned without emitting events")
	ErrIncompleteStream = errors.New("event stream ended before a terminal event")
)

// Executor runs a portable graph and reports progress through onEvent.
// Execute returns once the run is drained. An error returned before any
// event was delivered is a submission failure. ctx is canceled after an
// error event; the bridge no longer waits for Execute to return then.
type Executor interface {
	Execute(ctx context.Context, req Request, vars map[string]any, onEvent EventHandler) error
}

// ExecutorFunc adapts a function into an Executor.
type ExecutorFunc func(ctx context.Context, req Request, vars map[string]any, onEvent EventHandler) error

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, req Request, vars map[string]any, onEvent EventHandler) error {
	return f(ctx, req, vars, onEvent)
}

// Monitor receives a run's events in arrival order. Fail ends a run whose
// stream broke before a terminal event. It is satisfied by *monitor.Monitor.
type Monitor interface {
	Reset(runID string)
	Handle(e Event)
	Fail(runID string, err error)
}

// RunError reports a failed execution. It matches ErrSubmission or
// ErrRunFailed with errors.Is, as well as its underlying cause.
type RunError struct {
	Kind           error
	RunID          string
	EventsReceived int
	Err            error
}

func (e *RunError) Error() string {
	if e.RunID != "" {
		return fmt.Sprintf("%v (run %s): %v", e.Kind, e.RunID, e.Err)
	}
	return fmt.Sprintf("%v: %v", e.Kind, e.Err)
}

func (e *RunError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

// Config configures a Bridge.
type Config struct {
	Canvas   canvas.Adapter
	Executor Executor

	// Monitor, if set, is reset on the first event of each run and then
	// receives every event.
	Monitor Monitor

	// TypePrefix is stripped from node types when building requests.
	TypePrefix string

	// Handler, if set, receives every forwarded event after the Monitor.
	Handler EventHandler

	Logger *slog.Logger
}

// Bridge executes the graph currently on a canvas. Only one execution may
// be active at a time.
type Bridge struct {
	cfg    Config
	logger *slog.Logger

	executing atomic.Bool

	mu      sync.Mutex
	lastErr error
}

// NewBridge creates a Bridge.
func NewBridge(cfg Config) *Bridge {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{cfg: cfg, logger: logger}
}

// IsExecuting reports whether a run is in progress.
func (b *Bridge) IsExecuting() bool {
	return b.executing.Load()
}

// LastError returns the error of the most recent run, or nil if it
// succeeded or no run has happened.
func (b *Bridge) LastError() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastErr
}

// Execute serializes the canvas, submits it with vars, and forwards the
// resulting events in arrival order until the run terminates.
func (b *Bridge) Execute(ctx context.Context, vars map[string]any) error {
	if !b.executing.CompareAndSwap(false, true) {
		return ErrAlreadyExecuting
	}
	defer b.executing.Store(false)

	err := b.run(ctx, vars)

	b.mu.Lock()
	b.lastErr = err
	b.mu.Unlock()
	return err
}

// streamState tracks one run's event stream.
type streamState struct {
	mu       sync.Mutex
	received int
	runID    string
	terminal *Event
}

func (b *Bridge) run(ctx context.Context, vars map[string]any) error {
	req := NewRequest(b.cfg.Canvas.Serialize(), b.cfg.TypePrefix)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	st := &streamState{}
	failed := make(chan struct{})
	onEvent := func(e Event) {
		st.mu.Lock()
		defer st.mu.Unlock()
		if st.terminal != nil {
			return
		}
		st.received++
		if st.received == 1 {
			st.runID = e.RunID
			if b.cfg.Monitor != nil {
				b.cfg.Monitor.Reset(e.RunID)
			}
		}
		b.forward(e)
		if e.Phase.Terminal() {
			ev := e
			st.terminal = &ev
			if e.Phase == PhaseError {
				cancel()
				close(failed)
			}
		}
	}

	b.logger.Debug("submitting execution", "nodes", len(req.Nodes), "links", len(req.Links))
	done := make(chan error, 1)
	go func() {
		done <- b.cfg.Executor.Execute(runCtx, req, vars, onEvent)
	}()
	var execErr error
	select {
	case execErr = <-done:
	case <-failed:
	case <-ctx.Done():
		execErr = ctx.Err()
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	// Late events from a misbehaving executor are dropped from here on.
	if st.terminal == nil {
		st.terminal = &Event{}
	}
	terminal := *st.terminal

	switch {
	case terminal.Phase == PhaseError:
		msg := terminal.ErrorMessage()
		if msg == "" {
			msg = "executor reported an error"
		}
		b.logger.Warn("execution failed", "run_id", st.runID, "error", msg)
		return &RunError{Kind: ErrRunFailed, RunID: st.runID, EventsReceived: st.received, Err: errors.New(msg)}
	case terminal.Phase == PhaseCompleted:
		b.logger.Info("execution completed", "run_id", st.runID, "events", st.received)
		return nil
	case st.received == 0 && execErr != nil:
		b.logger.Warn("execution submission failed", "error", execErr)
		return &RunError{Kind: ErrSubmission, Err: execErr}
	case st.received == 0:
		return &RunError{Kind: ErrSubmission, Err: ErrNoEvents}
	}

	cause := execErr
	if cause == nil {
		cause = ErrIncompleteStream
	}
	b.logger.Warn("execution stream failed", "run_id", st.runID, "events", st.received, "error", cause)
	if b.cfg.Monitor != nil {
		b.cfg.Monitor.Fail(st.runID, cause)
	}
	return &RunError{Kind: ErrRunFailed, RunID: st.runID, EventsReceived: st.received, Err: cause}
}

// forward delivers one event to the monitor, the extra handler and the
// canvas highlight, in that order.
func (b *Bridge) forward(e Event) {
	if b.cfg.Monitor != nil {
		b.cfg.Monitor.Handle(e)
	}
	if b.cfg.Handler != nil {
		b.cfg.Handler(e)
	}
	if e.NodeID == "" {
		return
	}
	if h, ok := b.cfg.Canvas.(canvas.Highlighter); ok {
		if id, ok := ParseNodeID(e.NodeID); ok {
			h.Highlight(id, HighlightState(e.Phase))
		}
	}
	b.cfg.Canvas.MarkDirty()
}

// HighlightState maps a node-level phase to the highlight state rendered on
// the canvas.
func HighlightState(p Phase) string {
	switch p {
	case PhaseNodeEntered:
		return "running"
	case PhaseNodeCompleted:
		return "done"
	case PhaseNodeFailed:
		return "failed"
	default:
		return string(p)
	}
}
