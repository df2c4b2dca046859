package sse

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/petal-labs/canvasbridge/bus"
	"github.com/petal-labs/canvasbridge/execution"
)

// RunHandler streams one run's execution events. It replays stored events
// first, then follows live events from the bus, skipping sequence numbers
// already sent. The stream ends after a terminal event.
//
// The handler expects a "run_id" path value and an optional "after" query
// parameter carrying the last-seen sequence number.
type RunHandler struct {
	store     bus.EventStore
	bus       bus.EventBus
	heartbeat time.Duration
}

// NewRunHandler creates a RunHandler.
func NewRunHandler(store bus.EventStore, eb bus.EventBus) *RunHandler {
	return &RunHandler{store: store, bus: eb, heartbeat: HeartbeatInterval}
}

// ServeHTTP implements http.Handler.
func (h *RunHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	if runID == "" {
		http.Error(w, "missing run_id", http.StatusBadRequest)
		return
	}

	var afterSeq uint64
	if after := r.URL.Query().Get("after"); after != "" {
		parsed, err := strconv.ParseUint(after, 10, 64)
		if err != nil {
			http.Error(w, "invalid after parameter", http.StatusBadRequest)
			return
		}
		afterSeq = parsed
	}

	// Subscribe before replaying so nothing published in between is lost.
	sub := h.bus.Subscribe(runID)
	defer sub.Close()

	stream, err := NewWriter(w)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	ctx := r.Context()
	lastSeq := afterSeq
	done, err := h.replay(ctx, stream, runID, afterSeq, &lastSeq)
	if err != nil || done {
		return
	}
	h.follow(ctx, stream, sub, &lastSeq)
}

func (h *RunHandler) replay(ctx context.Context, stream *Writer, runID string, afterSeq uint64, lastSeq *uint64) (bool, error) {
	events, err := h.store.List(ctx, runID, afterSeq, 0)
	if err != nil {
		return false, err
	}
	for _, e := range events {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		if err := WriteRunEvent(stream, e); err != nil {
			return false, err
		}
		if e.Seq > *lastSeq {
			*lastSeq = e.Seq
		}
		if e.Phase.Terminal() {
			return true, nil
		}
	}
	return false, nil
}

func (h *RunHandler) follow(ctx context.Context, stream *Writer, sub bus.Subscription, lastSeq *uint64) {
	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.Events():
			if !ok {
				return
			}
			if e.Seq <= *lastSeq {
				continue
			}
			if err := WriteRunEvent(stream, e); err != nil {
				return
			}
			*lastSeq = e.Seq
			if e.Phase.Terminal() {
				return
			}
		case <-heartbeat.C:
			if err := stream.Ping(); err != nil {
				return
			}
		}
	}
}

// WriteRunEvent writes an execution event as a frame whose id is its
// sequence number and whose event name is its phase.
func WriteRunEvent(stream *Writer, e execution.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return stream.Event(strconv.FormatUint(e.Seq, 10), string(e.Phase), data)
}

// DecodeRunEvent decodes a frame written by WriteRunEvent.
func DecodeRunEvent(m Message) (execution.Event, error) {
	var e execution.Event
	if err := json.Unmarshal([]byte(m.Data), &e); err != nil {
		return execution.Event{}, err
	}
	return e, nil
}
