package otel

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/petal-labs/canvasbridge/execution"
	"github.com/petal-labs/canvasbridge/reconcile"
)

// MetricsHandler translates execution events into OpenTelemetry metrics.
// It records counters and histograms for node executions, failures, and run
// durations. Durations come from the elapsed_ms payload when the executor
// reports it, and from event timestamps otherwise.
type MetricsHandler struct {
	nodeExecutions metric.Int64Counter
	nodeFailures   metric.Int64Counter
	nodeDuration   metric.Float64Histogram
	runDuration    metric.Float64Histogram
	runs           metric.Int64Counter

	mu      sync.Mutex
	entered map[string]time.Time // runID:nodeID -> node-entered time
	started map[string]time.Time // runID -> started time
}

// NewMetricsHandler creates a MetricsHandler that uses the given meter to
// create its instruments.
func NewMetricsHandler(meter metric.Meter) (*MetricsHandler, error) {
	nodeExec, err := meter.Int64Counter("canvasbridge.node.executions",
		metric.WithDescription("Number of completed node executions"),
	)
	if err != nil {
		return nil, err
	}

	nodeFail, err := meter.Int64Counter("canvasbridge.node.failures",
		metric.WithDescription("Number of node failures"),
	)
	if err != nil {
		return nil, err
	}

	nodeDur, err := meter.Float64Histogram("canvasbridge.node.duration",
		metric.WithDescription("Duration of node execution in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	runDur, err := meter.Float64Histogram("canvasbridge.run.duration",
		metric.WithDescription("Duration of graph run in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	runs, err := meter.Int64Counter("canvasbridge.runs",
		metric.WithDescription("Number of finished runs by outcome"),
	)
	if err != nil {
		return nil, err
	}

	return &MetricsHandler{
		nodeExecutions: nodeExec,
		nodeFailures:   nodeFail,
		nodeDuration:   nodeDur,
		runDuration:    runDur,
		runs:           runs,
		entered:        make(map[string]time.Time),
		started:        make(map[string]time.Time),
	}, nil
}

// Handle records metrics for one event. It has execution.EventHandler
// semantics.
func (h *MetricsHandler) Handle(e execution.Event) {
	switch e.Phase {
	case execution.PhaseStarted:
		h.mu.Lock()
		h.started[e.RunID] = e.Time
		h.mu.Unlock()
	case execution.PhaseNodeEntered:
		h.mu.Lock()
		h.entered[e.RunID+":"+e.NodeID] = e.Time
		h.mu.Unlock()
	case execution.PhaseNodeCompleted:
		h.handleNodeCompleted(e)
	case execution.PhaseNodeFailed:
		h.handleNodeFailed(e)
	case execution.PhaseCompleted, execution.PhaseError:
		h.handleRunFinished(e)
	}
}

func (h *MetricsHandler) handleNodeCompleted(e execution.Event) {
	ctx := context.Background()
	attrs := metric.WithAttributes(
		attribute.String("node_id", e.NodeID),
	)
	h.nodeExecutions.Add(ctx, 1, attrs)
	h.nodeDuration.Record(ctx, h.elapsed(e, h.takeEntered(e)).Seconds(), attrs)
}

func (h *MetricsHandler) handleNodeFailed(e execution.Event) {
	h.takeEntered(e)
	h.nodeFailures.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("node_id", e.NodeID),
	))
}

func (h *MetricsHandler) handleRunFinished(e execution.Event) {
	h.mu.Lock()
	start, ok := h.started[e.RunID]
	delete(h.started, e.RunID)
	prefix := e.RunID + ":"
	for key := range h.entered {
		if strings.HasPrefix(key, prefix) {
			delete(h.entered, key)
		}
	}
	h.mu.Unlock()

	ctx := context.Background()
	h.runs.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", string(e.Phase))))
	if !ok {
		if _, has := e.Payload["elapsed_ms"]; !has {
			return
		}
	}
	h.runDuration.Record(ctx, h.elapsed(e, start).Seconds(), metric.WithAttributes(
		attribute.String("outcome", string(e.Phase)),
	))
}

func (h *MetricsHandler) takeEntered(e execution.Event) time.Time {
	key := e.RunID + ":" + e.NodeID
	h.mu.Lock()
	defer h.mu.Unlock()
	t := h.entered[key]
	delete(h.entered, key)
	return t
}

// elapsed prefers the executor-reported elapsed_ms payload.
func (h *MetricsHandler) elapsed(e execution.Event, since time.Time) time.Duration {
	switch ms := e.Payload["elapsed_ms"].(type) {
	case int64:
		return time.Duration(ms) * time.Millisecond
	case int:
		return time.Duration(ms) * time.Millisecond
	case float64:
		return time.Duration(ms * float64(time.Millisecond))
	}
	if since.IsZero() || e.Time.Before(since) {
		return 0
	}
	return e.Time.Sub(since)
}

// ReconcileMetrics records the outcome of every blueprint load.
type ReconcileMetrics struct {
	loads           metric.Int64Counter
	nodesMapped     metric.Int64Counter
	fallbackMatches metric.Int64Counter
	linksConnected  metric.Int64Counter
	linksDropped    metric.Int64Counter
}

// NewReconcileMetrics creates the reconciliation instruments.
func NewReconcileMetrics(meter metric.Meter) (*ReconcileMetrics, error) {
	loads, err := meter.Int64Counter("canvasbridge.reconcile.loads",
		metric.WithDescription("Number of blueprint loads by completeness"),
	)
	if err != nil {
		return nil, err
	}
	mapped, err := meter.Int64Counter("canvasbridge.reconcile.nodes_mapped",
		metric.WithDescription("Blueprint nodes mapped onto canvas nodes"),
	)
	if err != nil {
		return nil, err
	}
	fallback, err := meter.Int64Counter("canvasbridge.reconcile.fallback_matches",
		metric.WithDescription("Nodes mapped by type and position instead of id"),
	)
	if err != nil {
		return nil, err
	}
	connected, err := meter.Int64Counter("canvasbridge.reconcile.links_connected",
		metric.WithDescription("Links re-established on the canvas"),
	)
	if err != nil {
		return nil, err
	}
	dropped, err := meter.Int64Counter("canvasbridge.reconcile.links_unconnected",
		metric.WithDescription("Links that could not be re-established"),
	)
	if err != nil {
		return nil, err
	}
	return &ReconcileMetrics{
		loads:           loads,
		nodesMapped:     mapped,
		fallbackMatches: fallback,
		linksConnected:  connected,
		linksDropped:    dropped,
	}, nil
}

// Observe records a load report. It matches reconcile.Config.Observer.
func (m *ReconcileMetrics) Observe(r reconcile.Report) {
	ctx := context.Background()
	attrs := metric.WithAttributes(attribute.String("blueprint", r.Blueprint))
	m.loads.Add(ctx, 1, metric.WithAttributes(
		attribute.String("blueprint", r.Blueprint),
		attribute.Bool("complete", r.Complete()),
	))
	m.nodesMapped.Add(ctx, int64(r.NodesMapped), attrs)
	m.fallbackMatches.Add(ctx, int64(r.FallbackMatches), attrs)
	m.linksConnected.Add(ctx, int64(r.LinksConnected), attrs)
	m.linksDropped.Add(ctx, int64(len(r.Unconnected)), attrs)
}
