package execution_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/petal-labs/canvasbridge/blueprint"
	"github.com/petal-labs/canvasbridge/canvas"
	"github.com/petal-labs/canvasbridge/execution"
	"github.com/petal-labs/canvasbridge/monitor"
)

func loadedCanvas(t *testing.T) *canvas.MemCanvas {
	t.Helper()
	c := canvas.NewMemCanvas(canvas.MemCanvasConfig{})
	bp := blueprint.Default("t")
	if err := c.Materialize(bp.Nodes); err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	a, _ := c.NodeByID(1)
	b, _ := c.NodeByID(2)
	if err := c.Connect(a, 0, b, 0); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return c
}

// scripted returns an executor that replays events and then returns err.
func scripted(events []execution.Event, err error) execution.ExecutorFunc {
	return func(ctx context.Context, req execution.Request, vars map[string]any, onEvent execution.EventHandler) error {
		for _, e := range events {
			onEvent(e)
		}
		return err
	}
}

func happyRun() []execution.Event {
	return []execution.Event{
		execution.NewEvent(execution.PhaseStarted, "r1"),
		execution.NewEvent(execution.PhaseNodeEntered, "r1").WithNode("1"),
		execution.NewEvent(execution.PhaseNodeCompleted, "r1").WithNode("1"),
		execution.NewEvent(execution.PhaseNodeEntered, "r1").WithNode("2"),
		execution.NewEvent(execution.PhaseNodeCompleted, "r1").WithNode("2"),
		execution.NewEvent(execution.PhaseCompleted, "r1"),
	}
}

func TestBridge_Execute_BuildsRequestFromCanvas(t *testing.T) {
	c := loadedCanvas(t)
	var got execution.Request
	var gotVars map[string]any
	exec := func(ctx context.Context, req execution.Request, vars map[string]any, onEvent execution.EventHandler) error {
		got, gotVars = req, vars
		return scripted(happyRun(), nil)(ctx, req, vars, onEvent)
	}
	b := execution.NewBridge(execution.Config{
		Canvas:     c,
		Executor:   execution.ExecutorFunc(exec),
		TypePrefix: blueprint.DefaultTypePrefix,
	})

	if err := b.Execute(context.Background(), map[string]any{"input": "hi"}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(got.Nodes) != 2 || got.Nodes[0].Type != "input" || got.Nodes[1].Type != "output" {
		t.Errorf("nodes = %+v", got.Nodes)
	}
	want := execution.RequestLink{OriginID: "1", OriginSlot: 0, TargetID: "2", TargetSlot: 0}
	if len(got.Links) != 1 || got.Links[0] != want {
		t.Errorf("links = %+v", got.Links)
	}
	if gotVars["input"] != "hi" {
		t.Errorf("vars = %v", gotVars)
	}
	if b.LastError() != nil || b.IsExecuting() {
		t.Errorf("LastError = %v, IsExecuting = %v", b.LastError(), b.IsExecuting())
	}
}

func TestBridge_Execute_ForwardsInOrder(t *testing.T) {
	c := loadedCanvas(t)
	mon := monitor.New()
	var phases []execution.Phase
	b := execution.NewBridge(execution.Config{
		Canvas:   c,
		Executor: scripted(happyRun(), nil),
		Monitor:  mon,
		Handler:  func(e execution.Event) { phases = append(phases, e.Phase) },
	})

	if err := b.Execute(context.Background(), nil); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	want := []execution.Phase{"started", "node-entered", "node-completed", "node-entered", "node-completed", "completed"}
	if len(phases) != len(want) {
		t.Fatalf("phases = %v", phases)
	}
	for i := range want {
		if phases[i] != want[i] {
			t.Errorf("phase[%d] = %s, want %s", i, phases[i], want[i])
		}
	}

	s := mon.Snapshot()
	if s.RunID != "r1" || s.NodesRun != 2 || s.State != monitor.StateTerminal {
		t.Errorf("stats = %+v", s)
	}
	// One redraw per node-level event.
	if c.Redraws() != 4 {
		t.Errorf("Redraws = %d, want 4", c.Redraws())
	}
	if hl := c.Highlights(); hl[1] != "done" || hl[2] != "done" {
		t.Errorf("Highlights = %v", hl)
	}
}

func TestBridge_Execute_SubmissionFailure(t *testing.T) {
	mon := monitor.New()
	mon.Reset("previous")
	b := execution.NewBridge(execution.Config{
		Canvas:   loadedCanvas(t),
		Executor: scripted(nil, errors.New("connection refused")),
		Monitor:  mon,
	})

	err := b.Execute(context.Background(), nil)
	if !errors.Is(err, execution.ErrSubmission) {
		t.Fatalf("err = %v, want ErrSubmission", err)
	}
	var runErr *execution.RunError
	if !errors.As(err, &runErr) || runErr.EventsReceived != 0 {
		t.Errorf("RunError = %+v", runErr)
	}
	if mon.Snapshot().RunID != "previous" {
		t.Error("monitor was reset on a submission failure")
	}
	if !errors.Is(b.LastError(), execution.ErrSubmission) {
		t.Errorf("LastError = %v", b.LastError())
	}
}

func TestBridge_Execute_ErrorEventStopsStream(t *testing.T) {
	ctxErr := make(chan error, 1)
	exec := func(ctx context.Context, req execution.Request, vars map[string]any, onEvent execution.EventHandler) error {
		onEvent(execution.NewEvent(execution.PhaseStarted, "r2"))
		onEvent(execution.NewEvent(execution.PhaseError, "r2").WithPayload("error", "node exploded"))
		ctxErr <- ctx.Err()
		onEvent(execution.NewEvent(execution.PhaseNodeEntered, "r2").WithNode("1"))
		return ctx.Err()
	}
	var forwarded int
	mon := monitor.New()
	b := execution.NewBridge(execution.Config{
		Canvas:   loadedCanvas(t),
		Executor: execution.ExecutorFunc(exec),
		Monitor:  mon,
		Handler:  func(execution.Event) { forwarded++ },
	})

	err := b.Execute(context.Background(), nil)
	if !errors.Is(err, execution.ErrRunFailed) {
		t.Fatalf("err = %v, want ErrRunFailed", err)
	}
	var runErr *execution.RunError
	if !errors.As(err, &runErr) || runErr.EventsReceived != 2 || runErr.RunID != "r2" {
		t.Errorf("RunError = %+v", runErr)
	}
	if runErr.Err.Error() != "node exploded" {
		t.Errorf("cause = %v", runErr.Err)
	}
	select {
	case err := <-ctxErr:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("executor context not canceled after error event: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("executor never observed its context")
	}
	if forwarded != 2 {
		t.Errorf("forwarded = %d, want 2", forwarded)
	}
	if s := mon.Snapshot(); s.Outcome != execution.PhaseError || s.Error != "node exploded" {
		t.Errorf("stats = %+v", s)
	}
}

func TestBridge_Execute_StreamFailureAfterEvents(t *testing.T) {
	events := []execution.Event{
		execution.NewEvent(execution.PhaseStarted, "r3"),
		execution.NewEvent(execution.PhaseNodeEntered, "r3").WithNode("1"),
	}
	mon := monitor.New()
	b := execution.NewBridge(execution.Config{
		Canvas:   loadedCanvas(t),
		Executor: scripted(events, errors.New("stream reset")),
		Monitor:  mon,
	})
	err := b.Execute(context.Background(), nil)
	if !errors.Is(err, execution.ErrRunFailed) || errors.Is(err, execution.ErrSubmission) {
		t.Fatalf("err = %v, want ErrRunFailed only", err)
	}
	var runErr *execution.RunError
	if errors.As(err, &runErr) && runErr.EventsReceived != 2 {
		t.Errorf("EventsReceived = %d, want 2", runErr.EventsReceived)
	}

	s := mon.Snapshot()
	if s.State != monitor.StateTerminal || s.Outcome != execution.PhaseError {
		t.Errorf("state = %s outcome = %q, want terminal error", s.State, s.Outcome)
	}
	if s.Error != "stream reset" || s.InFlight != 0 || s.FinishedAt.IsZero() {
		t.Errorf("stats = %+v", s)
	}
	if b.IsExecuting() {
		t.Error("IsExecuting = true after failure")
	}
}

func TestBridge_Execute_IncompleteStream(t *testing.T) {
	mon := monitor.New()
	b := execution.NewBridge(execution.Config{
		Canvas:   loadedCanvas(t),
		Executor: scripted([]execution.Event{execution.NewEvent(execution.PhaseStarted, "r4")}, nil),
		Monitor:  mon,
	})
	if err := b.Execute(context.Background(), nil); !errors.Is(err, execution.ErrIncompleteStream) {
		t.Errorf("err = %v, want ErrIncompleteStream", err)
	}
	if s := mon.Snapshot(); s.State != monitor.StateTerminal || s.Error != execution.ErrIncompleteStream.Error() {
		t.Errorf("stats = %+v", s)
	}
}

func TestBridge_Execute_ReturnsAfterErrorEventWithoutWaiting(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	exec := func(ctx context.Context, req execution.Request, vars map[string]any, onEvent execution.EventHandler) error {
		onEvent(execution.NewEvent(execution.PhaseStarted, "r5"))
		onEvent(execution.NewEvent(execution.PhaseError, "r5").WithPayload("error", "boom"))
		// Ignores ctx and keeps the stream open.
		<-release
		return nil
	}
	b := execution.NewBridge(execution.Config{Canvas: loadedCanvas(t), Executor: execution.ExecutorFunc(exec)})

	done := make(chan error, 1)
	go func() { done <- b.Execute(context.Background(), nil) }()
	select {
	case err := <-done:
		if !errors.Is(err, execution.ErrRunFailed) {
			t.Errorf("err = %v, want ErrRunFailed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Execute blocked on an executor ignoring cancellation")
	}
	if b.IsExecuting() {
		t.Error("IsExecuting = true after error event")
	}
}

func TestBridge_Execute_RejectsConcurrentRun(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	exec := func(ctx context.Context, req execution.Request, vars map[string]any, onEvent execution.EventHandler) error {
		close(entered)
		<-release
		return scripted(happyRun(), nil)(ctx, req, vars, onEvent)
	}
	b := execution.NewBridge(execution.Config{Canvas: loadedCanvas(t), Executor: execution.ExecutorFunc(exec)})

	var wg sync.WaitGroup
	var firstErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		firstErr = b.Execute(context.Background(), nil)
	}()

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("first execution never started")
	}
	if !b.IsExecuting() {
		t.Error("IsExecuting = false during run")
	}
	if err := b.Execute(context.Background(), nil); !errors.Is(err, execution.ErrAlreadyExecuting) {
		t.Errorf("second Execute err = %v, want ErrAlreadyExecuting", err)
	}
	close(release)
	wg.Wait()
	if firstErr != nil {
		t.Errorf("first Execute: %v", firstErr)
	}
}
