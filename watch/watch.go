// Package watch keeps a long-lived subscription to template change
// notifications and reloads the watched template when it changes.
//
// The watcher is an explicit state machine:
//
//	disconnected -> connecting -> connected -> (transport error) -> disconnected
//	             -> (fixed delay) -> connecting ...
//
// It retries forever while auto-reload is enabled. Reloads run on a single
// worker; notifications arriving during a reload coalesce into one pending
// reload.
package watch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultReconnectDelay is the wait between a transport failure and the next
// connection attempt.
const DefaultReconnectDelay = 5 * time.Second

// Notification event names.
const (
	EventConnected       = "connected"
	EventTemplateChanged = "template-changed"
)

// ErrNoDialer is returned by New when no Dialer is configured.
var ErrNoDialer = errors.New("watch: dialer is required")

// State is the connection state of a Watcher.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

// Notification is one message from the change-notification channel.
type Notification struct {
	Event        string `json:"-"`
	ClientID     string `json:"clientId,omitempty"`
	TemplateName string `json:"templateName,omitempty"`
}

// Subscription is an open notification stream.
type Subscription interface {
	// Next blocks until the next notification, a transport error, or ctx
	// cancellation.
	Next(ctx context.Context) (Notification, error)
	Close() error
}

// Dialer opens notification subscriptions.
type Dialer interface {
	Dial(ctx context.Context) (Subscription, error)
}

// DialerFunc adapts a function into a Dialer.
type DialerFunc func(ctx context.Context) (Subscription, error)

// Dial calls f.
func (f DialerFunc) Dial(ctx context.Context) (Subscription, error) { return f(ctx) }

// Clock abstracts time for reconnect delays and resync schedules.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// ReloadFunc fetches the named template and reconciles it onto the canvas.
type ReloadFunc func(ctx context.Context, template string) error

// Config configures a Watcher.
type Config struct {
	// Template is the name whose change notifications trigger reloads.
	Template string

	Dialer Dialer
	Reload ReloadFunc

	// ReconnectDelay defaults to DefaultReconnectDelay.
	ReconnectDelay time.Duration

	// Clock defaults to the wall clock.
	Clock Clock

	// Resync is an optional cron expression (five fields or a descriptor such
	// as "@every 10m") that enqueues a reload while auto-reload is enabled.
	Resync string

	// OnStateChange, if set, is called on every state transition.
	OnStateChange func(State)

	Logger *slog.Logger
}

// Watcher reloads a template when the server reports it changed.
type Watcher struct {
	cfg    Config
	logger *slog.Logger
	resync cron.Schedule

	pending    chan struct{}
	workerStop context.CancelFunc
	workerDone chan struct{}

	// toggleMu serializes SetAutoReload so a disable finishes before the
	// next enable starts.
	toggleMu sync.Mutex

	mu       sync.Mutex
	state    State
	clientID string
	enabled  bool
	stopLoop context.CancelFunc
	loopWG   sync.WaitGroup
	reloads  int
	closed   bool
}

var resyncParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseResync validates a resync cron expression.
func ParseResync(expr string) (cron.Schedule, error) {
	clean := strings.TrimSpace(expr)
	if clean == "" {
		return nil, fmt.Errorf("resync expression is required")
	}
	schedule, err := resyncParser.Parse(clean)
	if err != nil {
		return nil, fmt.Errorf("invalid resync expression: %w", err)
	}
	return schedule, nil
}

// New creates a Watcher with auto-reload disabled and starts its reload
// worker. Call SetAutoReload(true) to begin watching.
func New(cfg Config) (*Watcher, error) {
	if cfg.Dialer == nil {
		return nil, ErrNoDialer
	}
	if cfg.Reload == nil {
		return nil, errors.New("watch: reload func is required")
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.Clock == nil {
		cfg.Clock = realClock{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	w := &Watcher{
		cfg:        cfg,
		logger:     logger.With("template", cfg.Template),
		pending:    make(chan struct{}, 1),
		workerDone: make(chan struct{}),
		state:      StateDisconnected,
	}
	if cfg.Resync != "" {
		schedule, err := ParseResync(cfg.Resync)
		if err != nil {
			return nil, err
		}
		w.resync = schedule
	}

	ctx, cancel := context.WithCancel(context.Background())
	w.workerStop = cancel
	go w.worker(ctx)
	return w, nil
}

// SetAutoReload enables or disables watching. Enabling opens a fresh
// subscription; disabling tears the current one down, waits for the read
// loop to exit and drops any reload still pending.
func (w *Watcher) SetAutoReload(enabled bool) {
	w.toggleMu.Lock()
	defer w.toggleMu.Unlock()

	w.mu.Lock()
	if w.closed || w.enabled == enabled {
		w.mu.Unlock()
		return
	}
	w.enabled = enabled

	if enabled {
		ctx, cancel := context.WithCancel(context.Background())
		w.stopLoop = cancel
		w.loopWG.Add(1)
		go w.loop(ctx)
		if w.resync != nil {
			w.loopWG.Add(1)
			go w.resyncLoop(ctx)
		}
		w.mu.Unlock()
		w.logger.Info("auto-reload enabled")
		return
	}

	stop := w.stopLoop
	w.stopLoop = nil
	w.mu.Unlock()

	stop()
	w.loopWG.Wait()
	select {
	case <-w.pending:
	default:
	}
	w.setState(StateDisconnected)
	w.logger.Info("auto-reload disabled")
}

// AutoReload reports whether watching is enabled.
func (w *Watcher) AutoReload() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.enabled
}

// State returns the current connection state.
func (w *Watcher) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// ClientID returns the id assigned by the server on the last connect.
func (w *Watcher) ClientID() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.clientID
}

// Reloads returns the number of reloads run so far.
func (w *Watcher) Reloads() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.reloads
}

// Trigger enqueues a reload. It never blocks; a reload already pending
// absorbs the request. Reloads only run while auto-reload is enabled.
func (w *Watcher) Trigger() {
	select {
	case w.pending <- struct{}{}:
	default:
	}
}

// Close disables watching and stops the reload worker. A reload in progress
// is canceled.
func (w *Watcher) Close() {
	w.SetAutoReload(false)

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	w.mu.Unlock()

	w.workerStop()
	<-w.workerDone
}

func (w *Watcher) setState(s State) {
	w.mu.Lock()
	changed := w.state != s
	w.state = s
	w.mu.Unlock()
	if changed && w.cfg.OnStateChange != nil {
		w.cfg.OnStateChange(s)
	}
}

// loop runs the connect / read / wait cycle until ctx is canceled.
func (w *Watcher) loop(ctx context.Context) {
	defer w.loopWG.Done()
	for {
		w.setState(StateConnecting)
		err := w.session(ctx)
		if ctx.Err() != nil {
			return
		}
		w.setState(StateDisconnected)
		w.logger.Warn("template watch disconnected", "error", err, "retry_in", w.cfg.ReconnectDelay)

		select {
		case <-ctx.Done():
			return
		case <-w.cfg.Clock.After(w.cfg.ReconnectDelay):
		}
	}
}

// session dials once and reads notifications until the stream fails.
func (w *Watcher) session(ctx context.Context) error {
	sub, err := w.cfg.Dialer.Dial(ctx)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer func() { _ = sub.Close() }()

	// Close the subscription as soon as the loop is stopped so that a Next
	// implementation ignoring ctx still unblocks.
	stop := context.AfterFunc(ctx, func() { _ = sub.Close() })
	defer stop()

	w.setState(StateConnected)
	for {
		n, err := sub.Next(ctx)
		if err != nil {
			return err
		}
		switch n.Event {
		case EventConnected:
			w.mu.Lock()
			w.clientID = n.ClientID
			w.mu.Unlock()
			w.logger.Debug("template watch connected", "client_id", n.ClientID)
		case EventTemplateChanged:
			if n.TemplateName != w.cfg.Template {
				continue
			}
			w.logger.Debug("template changed")
			w.Trigger()
		}
	}
}

// resyncLoop enqueues a reload on every tick of the resync schedule.
func (w *Watcher) resyncLoop(ctx context.Context) {
	defer w.loopWG.Done()
	for {
		now := w.cfg.Clock.Now()
		wait := w.resync.Next(now).Sub(now)
		select {
		case <-ctx.Done():
			return
		case <-w.cfg.Clock.After(wait):
			w.logger.Debug("periodic resync")
			w.Trigger()
		}
	}
}

func (w *Watcher) worker(ctx context.Context) {
	defer close(w.workerDone)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.pending:
		}
		w.mu.Lock()
		enabled := w.enabled
		w.mu.Unlock()
		if !enabled {
			continue
		}
		err := w.cfg.Reload(ctx, w.cfg.Template)
		w.mu.Lock()
		w.reloads++
		w.mu.Unlock()
		if err != nil {
			w.logger.Warn("template reload failed", "error", err)
			continue
		}
		w.logger.Info("template reloaded")
	}
}
