// Package editor owns one editing session: the canvas, the reconciler that
// loads blueprints onto it, the execution bridge and monitor, and the
// template watcher that reloads the canvas when the template changes.
package editor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/petal-labs/canvasbridge/blueprint"
	"github.com/petal-labs/canvasbridge/canvas"
	"github.com/petal-labs/canvasbridge/execution"
	"github.com/petal-labs/canvasbridge/monitor"
	"github.com/petal-labs/canvasbridge/reconcile"
	"github.com/petal-labs/canvasbridge/registry"
	"github.com/petal-labs/canvasbridge/watch"
)

// Session errors.
var (
	ErrNoSource   = errors.New("editor: blueprint source is required")
	ErrNoWatcher  = errors.New("editor: no notification dialer configured")
	ErrNoExecutor = errors.New("editor: no executor configured")
	ErrClosed     = errors.New("editor: session closed")
)

// Config configures a Session.
type Config struct {
	// Canvas is the engine to drive. Defaults to a MemCanvas validating
	// against the global node-type registry.
	Canvas canvas.Adapter

	// Source fetches blueprints by name. A blueprint.ErrNotFound result is
	// replaced by blueprint.Default.
	Source blueprint.Source

	Executor execution.Executor

	// Dialer enables hot reload. Without it SetAutoReload fails.
	Dialer watch.Dialer

	// Template is the name loaded by Reload and watched for changes.
	Template string

	// TypePrefix defaults to blueprint.DefaultTypePrefix.
	TypePrefix string

	ReconnectDelay time.Duration
	Clock          watch.Clock
	Resync         string

	// Handler, if set, receives every execution event after the monitor.
	Handler execution.EventHandler

	// Observer, if set, receives every reconciliation report.
	Observer func(reconcile.Report)

	// OnWatchState, if set, receives watcher state transitions.
	OnWatchState func(watch.State)

	Logger *slog.Logger
}

// Session is the single owner of editor state. It is safe for concurrent
// use; loads and executions serialize on the canvas lock.
type Session struct {
	cfg        Config
	logger     *slog.Logger
	canvas     *canvas.Guarded
	source     blueprint.Source
	reconciler *reconcile.Reconciler
	monitor    *monitor.Monitor
	bridge     *execution.Bridge
	watcher    *watch.Watcher

	mu         sync.Mutex
	current    *blueprint.Blueprint
	lastReport reconcile.Report
	closed     bool
}

// New creates a Session. Nothing is loaded until Load or Reload is called.
func New(cfg Config) (*Session, error) {
	if cfg.Source == nil {
		return nil, ErrNoSource
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TypePrefix == "" {
		cfg.TypePrefix = blueprint.DefaultTypePrefix
	}
	if cfg.Canvas == nil {
		cfg.Canvas = canvas.NewMemCanvas(canvas.MemCanvasConfig{
			Registry:   registry.Global(),
			TypePrefix: cfg.TypePrefix,
			Logger:     logger,
		})
	}

	s := &Session{
		cfg:        cfg,
		logger:     logger.With("template", cfg.Template),
		canvas:     canvas.Guard(cfg.Canvas),
		source:     blueprint.WithFallback(cfg.Source),
		reconciler: reconcile.New(reconcile.Config{Logger: logger, Observer: cfg.Observer}),
		monitor:    monitor.New(),
	}

	if cfg.Executor != nil {
		s.bridge = execution.NewBridge(execution.Config{
			Canvas:     s.canvas,
			Executor:   cfg.Executor,
			Monitor:    s.monitor,
			TypePrefix: cfg.TypePrefix,
			Handler:    cfg.Handler,
			Logger:     logger,
		})
	}

	if cfg.Dialer != nil {
		w, err := watch.New(watch.Config{
			Template:       cfg.Template,
			Dialer:         cfg.Dialer,
			Reload:         s.reload,
			ReconnectDelay: cfg.ReconnectDelay,
			Clock:          cfg.Clock,
			Resync:         cfg.Resync,
			OnStateChange:  cfg.OnWatchState,
			Logger:         logger,
		})
		if err != nil {
			return nil, fmt.Errorf("editor: %w", err)
		}
		s.watcher = w
	}
	return s, nil
}

func (s *Session) reload(ctx context.Context, name string) error {
	_, err := s.Load(ctx, name)
	return err
}

// Reload loads the configured template.
func (s *Session) Reload(ctx context.Context) (reconcile.Report, error) {
	return s.Load(ctx, s.cfg.Template)
}

// Load fetches the named blueprint and replaces the canvas contents with
// it. A missing template loads the default graph. On a fetch error the
// canvas is left untouched.
func (s *Session) Load(ctx context.Context, name string) (reconcile.Report, error) {
	if s.isClosed() {
		return reconcile.Report{}, ErrClosed
	}
	bp, err := s.source.Fetch(ctx, name)
	if err != nil {
		return reconcile.Report{}, fmt.Errorf("fetching template %q: %w", name, err)
	}
	return s.LoadBlueprint(bp), nil
}

// LoadBlueprint clears the canvas and reconciles bp onto it as one atomic
// step with respect to execution.
func (s *Session) LoadBlueprint(bp *blueprint.Blueprint) reconcile.Report {
	var report reconcile.Report
	s.canvas.Batch(func(a canvas.Adapter) {
		a.Clear()
		report = s.reconciler.Load(a, bp)
	})

	s.mu.Lock()
	s.current = bp
	s.lastReport = report
	s.mu.Unlock()

	if !report.Complete() {
		s.logger.Warn("blueprint loaded partially",
			"blueprint", bp.Name,
			"nodes_mapped", report.NodesMapped, "nodes_expected", report.NodesExpected,
			"links_connected", report.LinksConnected, "links_expected", report.LinksExpected)
	}
	return report
}

// Execute runs the graph currently on the canvas.
func (s *Session) Execute(ctx context.Context, vars map[string]any) error {
	if s.bridge == nil {
		return ErrNoExecutor
	}
	if s.isClosed() {
		return ErrClosed
	}
	return s.bridge.Execute(ctx, vars)
}

// IsExecuting reports whether a run is in progress.
func (s *Session) IsExecuting() bool {
	return s.bridge != nil && s.bridge.IsExecuting()
}

// LastError returns the error of the most recent run.
func (s *Session) LastError() error {
	if s.bridge == nil {
		return nil
	}
	return s.bridge.LastError()
}

// Stats returns a copy of the current run statistics.
func (s *Session) Stats() monitor.Stats {
	return s.monitor.Snapshot()
}

// Blueprint returns the most recently loaded blueprint, or nil.
func (s *Session) Blueprint() *blueprint.Blueprint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// LastReport returns the report of the most recent load.
func (s *Session) LastReport() reconcile.Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastReport
}

// Canvas returns the guarded canvas.
func (s *Session) Canvas() *canvas.Guarded {
	return s.canvas
}

// Watcher returns the template watcher, or nil without a dialer.
func (s *Session) Watcher() *watch.Watcher {
	return s.watcher
}

// SetAutoReload enables or disables hot reload.
func (s *Session) SetAutoReload(enabled bool) error {
	if s.watcher == nil {
		return ErrNoWatcher
	}
	if s.isClosed() {
		return ErrClosed
	}
	s.watcher.SetAutoReload(enabled)
	return nil
}

// Close stops the watcher. It is safe to call more than once.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	if s.watcher != nil {
		s.watcher.Close()
	}
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
