// Package runtime is a reference executor for portable execution requests.
// It runs nodes in topological order and reports progress as execution
// events. The template server uses it behind POST /api/execute, and the CLI
// uses it to run graphs locally.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/petal-labs/canvasbridge/execution"
	"github.com/petal-labs/canvasbridge/registry"
)

// Runtime errors.
var (
	ErrInvalidRequest  = errors.New("invalid execution request")
	ErrUnknownNodeType = errors.New("unknown node type")
	ErrCycle           = errors.New("graph contains a cycle")
	ErrNodeExecution   = errors.New("node execution failed")
)

// NodeInput is what a NodeFunc receives.
type NodeInput struct {
	ID         string
	Type       string
	Properties map[string]any

	// Inputs holds the value arriving on each input slot, nil when the slot
	// is unconnected.
	Inputs []any

	// Vars is the run's initial context.
	Vars map[string]any
}

// Input returns the value on slot i, or nil.
func (in NodeInput) Input(i int) any {
	if i < 0 || i >= len(in.Inputs) {
		return nil
	}
	return in.Inputs[i]
}

// NodeFunc computes a node's output slot values.
type NodeFunc func(ctx context.Context, in NodeInput) ([]any, error)

// Options configures a Runtime.
type Options struct {
	// Registry supplies slot counts for validation. Defaults to
	// registry.Global().
	Registry *registry.Registry

	// Funcs maps node types to implementations. Defaults to Builtins().
	Funcs map[string]NodeFunc

	// Now provides the current time. Defaults to time.Now.
	Now func() time.Time

	// NewRunID generates run ids. Defaults to random UUIDs.
	NewRunID func() string

	Logger *slog.Logger
}

// Runtime executes requests. It is safe for concurrent use.
type Runtime struct {
	reg      *registry.Registry
	funcs    map[string]NodeFunc
	now      func() time.Time
	newRunID func() string
	logger   *slog.Logger
}

// New creates a Runtime.
func New(opts Options) *Runtime {
	if opts.Registry == nil {
		opts.Registry = registry.Global()
	}
	if opts.Funcs == nil {
		opts.Funcs = Builtins()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewRunID == nil {
		opts.NewRunID = func() string { return uuid.NewString() }
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Runtime{
		reg:      opts.Registry,
		funcs:    opts.Funcs,
		now:      opts.Now,
		newRunID: opts.NewRunID,
		logger:   opts.Logger,
	}
}

// plan is a validated request ready to run.
type plan struct {
	order  []execution.RequestNode
	inputs map[string][]execution.RequestLink // target id -> links by target slot
	slots  map[string]int                     // node id -> input slot count
}

// Validate checks a request without running it.
func (r *Runtime) Validate(req execution.Request) error {
	_, err := r.plan(req)
	return err
}

func (r *Runtime) plan(req execution.Request) (*plan, error) {
	if len(req.Nodes) == 0 {
		return nil, fmt.Errorf("%w: no nodes", ErrInvalidRequest)
	}

	nodes := make(map[string]execution.RequestNode, len(req.Nodes))
	p := &plan{
		inputs: make(map[string][]execution.RequestLink),
		slots:  make(map[string]int, len(req.Nodes)),
	}
	var errs []error
	for _, n := range req.Nodes {
		if _, dup := nodes[n.ID]; dup {
			errs = append(errs, fmt.Errorf("%w: duplicate node id %q", ErrInvalidRequest, n.ID))
			continue
		}
		nodes[n.ID] = n
		if _, ok := r.funcs[n.Type]; !ok {
			errs = append(errs, fmt.Errorf("node %q: %w %q", n.ID, ErrUnknownNodeType, n.Type))
			continue
		}
		if def, ok := r.reg.Get(n.Type); ok {
			p.slots[n.ID] = len(def.Slots.Inputs)
		}
	}

	successors := make(map[string][]string)
	indegree := make(map[string]int, len(nodes))
	for i, l := range req.Links {
		origin, okO := nodes[l.OriginID]
		target, okT := nodes[l.TargetID]
		if !okO || !okT {
			errs = append(errs, fmt.Errorf("%w: link %d references unknown node", ErrInvalidRequest, i))
			continue
		}
		if def, ok := r.reg.Get(origin.Type); ok && (l.OriginSlot < 0 || l.OriginSlot >= len(def.Slots.Outputs)) {
			errs = append(errs, fmt.Errorf("%w: link %d origin slot %d out of range", ErrInvalidRequest, i, l.OriginSlot))
			continue
		}
		if def, ok := r.reg.Get(target.Type); ok && (l.TargetSlot < 0 || l.TargetSlot >= len(def.Slots.Inputs)) {
			errs = append(errs, fmt.Errorf("%w: link %d target slot %d out of range", ErrInvalidRequest, i, l.TargetSlot))
			continue
		}
		p.inputs[l.TargetID] = append(p.inputs[l.TargetID], l)
		if l.TargetSlot+1 > p.slots[l.TargetID] {
			p.slots[l.TargetID] = l.TargetSlot + 1
		}
		successors[l.OriginID] = append(successors[l.OriginID], l.TargetID)
		indegree[l.TargetID]++
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	// Kahn's algorithm, seeded in request order for deterministic output.
	var ready []string
	for _, n := range req.Nodes {
		if indegree[n.ID] == 0 {
			ready = append(ready, n.ID)
		}
	}
	position := make(map[string]int, len(req.Nodes))
	for i, n := range req.Nodes {
		position[n.ID] = i
	}
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		p.order = append(p.order, nodes[id])
		next := successors[id]
		sort.SliceStable(next, func(a, b int) bool { return position[next[a]] < position[next[b]] })
		for _, s := range next {
			indegree[s]--
			if indegree[s] == 0 {
				ready = append(ready, s)
			}
		}
	}
	if len(p.order) != len(nodes) {
		return nil, ErrCycle
	}
	return p, nil
}

// Execute runs req. Validation failures are returned before any event is
// emitted. Node failures end the run with an error event and a nil return;
// cancellation ends it with an error event and ctx.Err().
func (r *Runtime) Execute(ctx context.Context, req execution.Request, vars map[string]any, onEvent execution.EventHandler) error {
	p, err := r.plan(req)
	if err != nil {
		return err
	}
	if vars == nil {
		vars = map[string]any{}
	}

	runID := r.newRunID()
	next := execution.NewSequencer()
	emit := func(e execution.Event) {
		e.Seq = next()
		e.Time = r.now()
		if onEvent != nil {
			onEvent(e)
		}
	}
	logger := r.logger.With("run_id", runID)

	start := r.now()
	emit(execution.NewEvent(execution.PhaseStarted, runID).
		WithPayload("nodes", len(req.Nodes)).
		WithPayload("links", len(req.Links)))

	outputs := make(map[string][]any, len(p.order))
	results := make(map[string]any)
	for _, node := range p.order {
		if err := ctx.Err(); err != nil {
			emit(execution.NewEvent(execution.PhaseError, runID).WithPayload("error", err.Error()))
			return err
		}

		in := NodeInput{
			ID:         node.ID,
			Type:       node.Type,
			Properties: node.Properties,
			Inputs:     make([]any, p.slots[node.ID]),
			Vars:       vars,
		}
		for _, l := range p.inputs[node.ID] {
			if out := outputs[l.OriginID]; l.OriginSlot < len(out) {
				in.Inputs[l.TargetSlot] = out[l.OriginSlot]
			}
		}

		emit(execution.NewEvent(execution.PhaseNodeEntered, runID).WithNode(node.ID).WithPayload("type", node.Type))
		nodeStart := r.now()
		out, err := r.funcs[node.Type](ctx, in)
		elapsed := r.now().Sub(nodeStart)
		if err != nil {
			logger.Warn("node failed", "node_id", node.ID, "type", node.Type, "error", err)
			emit(execution.NewEvent(execution.PhaseNodeFailed, runID).
				WithNode(node.ID).
				WithPayload("error", err.Error()).
				WithPayload("elapsed_ms", elapsed.Milliseconds()))
			emit(execution.NewEvent(execution.PhaseError, runID).
				WithPayload("error", fmt.Errorf("%w: node %s: %v", ErrNodeExecution, node.ID, err).Error()).
				WithPayload("node_id", node.ID))
			return nil
		}
		outputs[node.ID] = out
		if node.Type == "output" {
			results[node.ID] = in.Input(0)
		}
		completed := execution.NewEvent(execution.PhaseNodeCompleted, runID).
			WithNode(node.ID).
			WithPayload("elapsed_ms", elapsed.Milliseconds())
		if len(out) > 0 {
			completed = completed.WithPayload("output", out[0])
		}
		emit(completed)
	}

	emit(execution.NewEvent(execution.PhaseCompleted, runID).
		WithPayload("results", results).
		WithPayload("elapsed_ms", r.now().Sub(start).Milliseconds()))
	logger.Debug("run completed", "nodes", len(p.order))
	return nil
}

var _ execution.Executor = (*Runtime)(nil)
