// Package otel provides OpenTelemetry integration for execution events and
// blueprint reconciliation.
package otel

import (
	"context"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/petal-labs/canvasbridge/execution"
)

// TracingHandler translates execution events into OpenTelemetry spans: one
// root span per run and one child span per node execution.
type TracingHandler struct {
	tracer trace.Tracer

	mu        sync.RWMutex
	runSpans  map[string]trace.Span      // runID -> span
	runCtxs   map[string]context.Context // runID -> context (for child spans)
	nodeSpans map[string]trace.Span      // runID:nodeID -> span
}

// NewTracingHandler creates a TracingHandler that uses the given tracer.
func NewTracingHandler(tracer trace.Tracer) *TracingHandler {
	return &TracingHandler{
		tracer:    tracer,
		runSpans:  make(map[string]trace.Span),
		runCtxs:   make(map[string]context.Context),
		nodeSpans: make(map[string]trace.Span),
	}
}

// Handle creates or ends spans for one event. It has
// execution.EventHandler semantics.
func (h *TracingHandler) Handle(e execution.Event) {
	switch e.Phase {
	case execution.PhaseStarted:
		h.handleStarted(e)
	case execution.PhaseNodeEntered:
		h.handleNodeEntered(e)
	case execution.PhaseNodeCompleted:
		h.endNode(e, codes.Ok, "")
	case execution.PhaseNodeFailed:
		h.endNode(e, codes.Error, errorMessage(e, "node failed"))
	case execution.PhaseCompleted, execution.PhaseError:
		h.handleFinished(e)
	}
}

func (h *TracingHandler) handleStarted(e execution.Event) {
	ctx, span := h.tracer.Start(context.Background(), "run:"+e.RunID,
		trace.WithAttributes(
			attribute.String("canvasbridge.run_id", e.RunID),
		),
		trace.WithTimestamp(e.Time),
	)
	if n, ok := e.Payload["nodes"]; ok {
		if count, ok := asInt(n); ok {
			span.SetAttributes(attribute.Int("canvasbridge.nodes", count))
		}
	}

	h.mu.Lock()
	h.runSpans[e.RunID] = span
	h.runCtxs[e.RunID] = ctx
	h.mu.Unlock()
}

func (h *TracingHandler) handleNodeEntered(e execution.Event) {
	h.mu.RLock()
	parentCtx, ok := h.runCtxs[e.RunID]
	h.mu.RUnlock()
	if !ok {
		parentCtx = context.Background()
	}

	attrs := []attribute.KeyValue{
		attribute.String("canvasbridge.run_id", e.RunID),
		attribute.String("canvasbridge.node_id", e.NodeID),
	}
	if typ, ok := e.Payload["type"].(string); ok {
		attrs = append(attrs, attribute.String("canvasbridge.node_type", typ))
	}
	_, span := h.tracer.Start(parentCtx, "node:"+e.NodeID,
		trace.WithAttributes(attrs...),
		trace.WithTimestamp(e.Time),
	)

	h.mu.Lock()
	h.nodeSpans[e.RunID+":"+e.NodeID] = span
	h.mu.Unlock()
}

func (h *TracingHandler) endNode(e execution.Event, code codes.Code, msg string) {
	key := e.RunID + ":" + e.NodeID

	h.mu.Lock()
	span, ok := h.nodeSpans[key]
	delete(h.nodeSpans, key)
	h.mu.Unlock()
	if !ok {
		return
	}

	span.SetStatus(code, msg)
	if code == codes.Error {
		span.RecordError(spanError(msg), trace.WithTimestamp(e.Time))
	}
	span.End(trace.WithTimestamp(e.Time))
}

// handleFinished ends the run span and any node spans the run left open.
func (h *TracingHandler) handleFinished(e execution.Event) {
	prefix := e.RunID + ":"

	h.mu.Lock()
	span, ok := h.runSpans[e.RunID]
	delete(h.runSpans, e.RunID)
	delete(h.runCtxs, e.RunID)
	var dangling []trace.Span
	for key, s := range h.nodeSpans {
		if strings.HasPrefix(key, prefix) {
			dangling = append(dangling, s)
			delete(h.nodeSpans, key)
		}
	}
	h.mu.Unlock()

	for _, s := range dangling {
		s.SetStatus(codes.Error, "run ended before node finished")
		s.End(trace.WithTimestamp(e.Time))
	}
	if !ok {
		return
	}

	span.SetAttributes(attribute.String("canvasbridge.outcome", string(e.Phase)))
	if e.Phase == execution.PhaseError {
		msg := errorMessage(e, "run failed")
		span.SetStatus(codes.Error, msg)
		span.RecordError(spanError(msg), trace.WithTimestamp(e.Time))
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End(trace.WithTimestamp(e.Time))
}

// ActiveSpanContext returns the SpanContext of the open node span for
// runID and nodeID, or an empty SpanContext.
func (h *TracingHandler) ActiveSpanContext(runID, nodeID string) trace.SpanContext {
	h.mu.RLock()
	span, ok := h.nodeSpans[runID+":"+nodeID]
	h.mu.RUnlock()
	if !ok {
		return trace.SpanContext{}
	}
	return span.SpanContext()
}

// ActiveRunSpanContext returns the SpanContext of the open run span for
// runID, or an empty SpanContext.
func (h *TracingHandler) ActiveRunSpanContext(runID string) trace.SpanContext {
	h.mu.RLock()
	span, ok := h.runSpans[runID]
	h.mu.RUnlock()
	if !ok {
		return trace.SpanContext{}
	}
	return span.SpanContext()
}

func errorMessage(e execution.Event, fallback string) string {
	if msg := e.ErrorMessage(); msg != "" {
		return msg
	}
	return fallback
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}

// spanError is a simple error type for recording span errors.
type spanError string

func (e spanError) Error() string { return string(e) }
