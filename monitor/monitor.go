// Package monitor aggregates execution events into running statistics.
package monitor

import (
	"sync"
	"time"

	"github.com/petal-labs/canvasbridge/execution"
)

// State is the monitor's per-run state.
type State string

const (
	StateIdle     State = "idle"
	StateRunning  State = "running"
	StateTerminal State = "terminal"
)

// Stats is a point-in-time view of a run.
type Stats struct {
	RunID         string                   `json:"run_id,omitempty"`
	State         State                    `json:"state"`
	NodesEntered  int                      `json:"nodes_entered"`
	InFlight      int                      `json:"in_flight"`
	NodesRun      int                      `json:"nodes_run"`
	NodesFailed   int                      `json:"nodes_failed"`
	StartedAt     time.Time                `json:"started_at,omitempty"`
	LastEventAt   time.Time                `json:"last_event_at,omitempty"`
	FinishedAt    time.Time                `json:"finished_at,omitempty"`
	Outcome       execution.Phase          `json:"outcome,omitempty"`
	Error         string                   `json:"error,omitempty"`
	NodeDurations map[string]time.Duration `json:"node_durations,omitempty"`
}

// Elapsed returns the run duration so far, or the total once terminal.
func (s Stats) Elapsed() time.Duration {
	if s.StartedAt.IsZero() {
		return 0
	}
	end := s.LastEventAt
	if !s.FinishedAt.IsZero() {
		end = s.FinishedAt
	}
	return end.Sub(s.StartedAt)
}

// Monitor is a pure aggregator over one run's event sequence. Terminal
// states are sticky until Reset.
type Monitor struct {
	mu      sync.RWMutex
	stats   Stats
	entered map[string]time.Time
}

// New creates an idle Monitor.
func New() *Monitor {
	m := &Monitor{}
	m.Reset("")
	return m
}

// Reset starts a new run with zeroed counters.
func (m *Monitor) Reset(runID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats = Stats{RunID: runID, State: StateIdle}
	m.entered = make(map[string]time.Time)
}

// Handle applies one event.
func (m *Monitor) Handle(e execution.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.stats.State {
	case StateTerminal:
		return
	case StateIdle:
		switch e.Phase {
		case execution.PhaseStarted:
			m.stats.State = StateRunning
			m.stats.StartedAt = e.Time
			if m.stats.RunID == "" {
				m.stats.RunID = e.RunID
			}
		case execution.PhaseError:
			m.finish(e)
		default:
			return
		}
		m.stats.LastEventAt = e.Time
		return
	}

	m.stats.LastEventAt = e.Time
	switch e.Phase {
	case execution.PhaseNodeEntered:
		m.stats.NodesEntered++
		m.stats.InFlight++
		if e.NodeID != "" {
			m.entered[e.NodeID] = e.Time
		}
	case execution.PhaseNodeCompleted:
		m.exitNode(e)
		m.stats.NodesRun++
	case execution.PhaseNodeFailed:
		m.exitNode(e)
		m.stats.NodesFailed++
	case execution.PhaseCompleted, execution.PhaseError:
		m.finish(e)
	}
}

func (m *Monitor) exitNode(e execution.Event) {
	if m.stats.InFlight > 0 {
		m.stats.InFlight--
	}
	start, ok := m.entered[e.NodeID]
	if !ok || start.IsZero() || e.Time.IsZero() {
		return
	}
	delete(m.entered, e.NodeID)
	if m.stats.NodeDurations == nil {
		m.stats.NodeDurations = make(map[string]time.Duration)
	}
	m.stats.NodeDurations[e.NodeID] = e.Time.Sub(start)
}

func (m *Monitor) finish(e execution.Event) {
	m.stats.State = StateTerminal
	m.stats.Outcome = e.Phase
	m.stats.FinishedAt = e.Time
	if e.Phase == execution.PhaseError {
		m.stats.Error = e.ErrorMessage()
	}
}

// Fail terminates runID with an error outcome when the event stream broke
// without a terminal event. It is a no-op for another run or once terminal.
func (m *Monitor) Fail(runID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stats.State == StateTerminal || m.stats.RunID != runID {
		return
	}
	m.stats.State = StateTerminal
	m.stats.Outcome = execution.PhaseError
	m.stats.FinishedAt = time.Now()
	m.stats.InFlight = 0
	if err != nil {
		m.stats.Error = err.Error()
	}
}

// Snapshot returns a copy of the current stats.
func (m *Monitor) Snapshot() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := m.stats
	if m.stats.NodeDurations != nil {
		s.NodeDurations = make(map[string]time.Duration, len(m.stats.NodeDurations))
		for k, v := range m.stats.NodeDurations {
			s.NodeDurations[k] = v
		}
	}
	return s
}

// Handler returns an EventHandler feeding the monitor.
func (m *Monitor) Handler() execution.EventHandler {
	return m.Handle
}

var _ execution.Monitor = (*Monitor)(nil)
