// Package execution runs the graph currently on a canvas through an external
// executor and adapts the executor's event stream for monitoring and
// per-node highlighting.
package execution

import (
	"encoding/json"
	"fmt"
	"time"
)

// Phase identifies the kind of execution event.
type Phase string

const (
	// PhaseStarted is emitted once when the executor accepts a run.
	PhaseStarted Phase = "started"

	// PhaseNodeEntered is emitted when a node begins executing.
	PhaseNodeEntered Phase = "node-entered"

	// PhaseNodeCompleted is emitted when a node finishes successfully.
	PhaseNodeCompleted Phase = "node-completed"

	// PhaseNodeFailed is emitted when a node fails.
	PhaseNodeFailed Phase = "node-failed"

	// PhaseCompleted is emitted when the run finishes successfully.
	PhaseCompleted Phase = "completed"

	// PhaseError is emitted when the run fails. It is terminal.
	PhaseError Phase = "error"
)

// String returns the string representation of the Phase.
func (p Phase) String() string {
	return string(p)
}

// Terminal reports whether the phase ends a run.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseError
}

// Valid reports whether p is one of the known phases.
func (p Phase) Valid() bool {
	switch p {
	case PhaseStarted, PhaseNodeEntered, PhaseNodeCompleted, PhaseNodeFailed, PhaseCompleted, PhaseError:
		return true
	}
	return false
}

// Event is one record of the executor's event stream.
type Event struct {
	// Phase identifies the event type.
	Phase Phase

	// RunID identifies the run that produced this event.
	RunID string

	// NodeID is the runtime node id for node-level events, empty otherwise.
	NodeID string

	// Payload carries phase-specific data, such as "error" or "output".
	Payload map[string]any

	// Time is when the executor emitted the event.
	Time time.Time

	// Seq is a monotonic sequence number per run (1-indexed).
	Seq uint64
}

// NewEvent creates an event stamped with the current time.
func NewEvent(phase Phase, runID string) Event {
	return Event{
		Phase: phase,
		RunID: runID,
		Time:  time.Now(),
	}
}

// WithNode sets the node id on the event.
func (e Event) WithNode(nodeID string) Event {
	e.NodeID = nodeID
	return e
}

// WithTime overrides the event timestamp.
func (e Event) WithTime(t time.Time) Event {
	e.Time = t
	return e
}

// WithPayload adds a key-value pair to the event payload.
func (e Event) WithPayload(key string, value any) Event {
	if e.Payload == nil {
		e.Payload = make(map[string]any)
	} else {
		cp := make(map[string]any, len(e.Payload)+1)
		for k, v := range e.Payload {
			cp[k] = v
		}
		e.Payload = cp
	}
	e.Payload[key] = value
	return e
}

// ErrorMessage returns the payload's "error" entry, if any.
func (e Event) ErrorMessage() string {
	if e.Payload == nil {
		return ""
	}
	switch v := e.Payload["error"].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

type wireEvent struct {
	Phase       Phase          `json:"phase"`
	RunID       string         `json:"runId,omitempty"`
	NodeID      string         `json:"nodeId,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
	TimestampMs int64          `json:"timestampMs"`
	Seq         uint64         `json:"seq,omitempty"`
}

// MarshalJSON encodes the event in its wire form with a millisecond timestamp.
func (e Event) MarshalJSON() ([]byte, error) {
	w := wireEvent{
		Phase:   e.Phase,
		RunID:   e.RunID,
		NodeID:  e.NodeID,
		Payload: e.Payload,
		Seq:     e.Seq,
	}
	if !e.Time.IsZero() {
		w.TimestampMs = e.Time.UnixMilli()
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes the wire form. Unknown phases are rejected.
func (e *Event) UnmarshalJSON(data []byte) error {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if !w.Phase.Valid() {
		return fmt.Errorf("unknown execution phase %q", w.Phase)
	}
	*e = Event{
		Phase:   w.Phase,
		RunID:   w.RunID,
		NodeID:  w.NodeID,
		Payload: w.Payload,
		Seq:     w.Seq,
	}
	if w.TimestampMs != 0 {
		e.Time = time.UnixMilli(w.TimestampMs)
	}
	return nil
}

// EventHandler is a function type for handling events.
type EventHandler func(Event)

// MultiEventHandler combines multiple handlers into one. Nil handlers are
// skipped.
func MultiEventHandler(handlers ...EventHandler) EventHandler {
	return func(e Event) {
		for _, h := range handlers {
			if h != nil {
				h(e)
			}
		}
	}
}

// ChannelEventHandler returns a handler that sends events to a channel.
// Events are dropped if the channel is full.
func ChannelEventHandler(ch chan<- Event) EventHandler {
	return func(e Event) {
		select {
		case ch <- e:
		default:
		}
	}
}

// EventPublisher can publish events to external subscribers. It is
// satisfied by bus.EventBus.
type EventPublisher interface {
	Publish(event Event)
}

// PublishHandler adapts an EventPublisher into an EventHandler.
func PublishHandler(p EventPublisher) EventHandler {
	return func(e Event) {
		p.Publish(e)
	}
}
