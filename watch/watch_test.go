package watch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type timerReq struct {
	d  time.Duration
	ch chan time.Time
}

// fakeClock hands every After request to the test through timers.
type fakeClock struct {
	now    time.Time
	timers chan timerReq
}

func newFakeClock() *fakeClock {
	return &fakeClock{
		now:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		timers: make(chan timerReq, 16),
	}
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	c.timers <- timerReq{d: d, ch: ch}
	return ch
}

func (c *fakeClock) waitTimer(t *testing.T) timerReq {
	t.Helper()
	select {
	case r := <-c.timers:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a timer request")
		return timerReq{}
	}
}

// chanSub delivers notifications from a channel; closing errs ends it.
type chanSub struct {
	notes  chan Notification
	errs   chan error
	closed atomic.Bool
}

func newChanSub() *chanSub {
	return &chanSub{notes: make(chan Notification, 8), errs: make(chan error, 1)}
}

func (s *chanSub) Next(ctx context.Context) (Notification, error) {
	select {
	case n := <-s.notes:
		return n, nil
	case err := <-s.errs:
		return Notification{}, err
	case <-ctx.Done():
		return Notification{}, ctx.Err()
	}
}

func (s *chanSub) Close() error {
	s.closed.Store(true)
	return nil
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestWatcher_BackoffWaitsForDelay(t *testing.T) {
	clock := newFakeClock()
	var dials atomic.Int32
	dialer := DialerFunc(func(ctx context.Context) (Subscription, error) {
		dials.Add(1)
		return nil, errors.New("connection refused")
	})
	w, err := New(Config{
		Template: "main",
		Dialer:   dialer,
		Reload:   func(context.Context, string) error { return nil },
		Clock:    clock,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer w.Close()

	w.SetAutoReload(true)

	first := clock.waitTimer(t)
	if first.d != DefaultReconnectDelay {
		t.Errorf("delay = %v, want %v", first.d, DefaultReconnectDelay)
	}
	if got := dials.Load(); got != 1 {
		t.Fatalf("dials before delay elapsed = %d, want 1", got)
	}
	if w.State() != StateDisconnected {
		t.Errorf("State = %s, want disconnected", w.State())
	}

	first.ch <- clock.now.Add(first.d)
	clock.waitTimer(t)
	if got := dials.Load(); got != 2 {
		t.Errorf("dials after delay = %d, want 2", got)
	}
}

func TestWatcher_ReloadsOnMatchingNotification(t *testing.T) {
	sub := newChanSub()
	reloaded := make(chan string, 4)
	w, err := New(Config{
		Template: "main",
		Dialer:   DialerFunc(func(context.Context) (Subscription, error) { return sub, nil }),
		Reload: func(_ context.Context, name string) error {
			reloaded <- name
			return nil
		},
		Clock: newFakeClock(),
	})
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	w.SetAutoReload(true)
	sub.notes <- Notification{Event: EventConnected, ClientID: "c-1"}
	sub.notes <- Notification{Event: EventTemplateChanged, TemplateName: "other"}
	sub.notes <- Notification{Event: EventTemplateChanged, TemplateName: "main"}

	select {
	case name := <-reloaded:
		if name != "main" {
			t.Errorf("reloaded %q, want main", name)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no reload")
	}
	waitFor(t, "client id", func() bool { return w.ClientID() == "c-1" })
	if w.State() != StateConnected {
		t.Errorf("State = %s, want connected", w.State())
	}
	select {
	case name := <-reloaded:
		t.Errorf("unexpected extra reload of %q", name)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestWatcher_CoalescesOverlappingReloads(t *testing.T) {
	sub := newChanSub()
	release := make(chan struct{})
	var running, maxRunning, calls atomic.Int32
	w, err := New(Config{
		Template: "main",
		Dialer:   DialerFunc(func(context.Context) (Subscription, error) { return sub, nil }),
		Reload: func(ctx context.Context, _ string) error {
			n := running.Add(1)
			if n > maxRunning.Load() {
				maxRunning.Store(n)
			}
			calls.Add(1)
			<-release
			running.Add(-1)
			return nil
		},
		Clock: newFakeClock(),
	})
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	w.SetAutoReload(true)
	sub.notes <- Notification{Event: EventTemplateChanged, TemplateName: "main"}
	waitFor(t, "first reload", func() bool { return calls.Load() == 1 })

	for i := 0; i < 5; i++ {
		sub.notes <- Notification{Event: EventTemplateChanged, TemplateName: "main"}
	}
	waitFor(t, "notifications drained", func() bool { return len(sub.notes) == 0 })
	// Let the read loop finish enqueueing the last notification.
	time.Sleep(10 * time.Millisecond)

	close(release)
	waitFor(t, "second reload", func() bool { return w.Reloads() == 2 })
	time.Sleep(20 * time.Millisecond)

	if got := calls.Load(); got != 2 {
		t.Errorf("reload calls = %d, want 2", got)
	}
	if maxRunning.Load() != 1 {
		t.Errorf("concurrent reloads = %d, want 1", maxRunning.Load())
	}
}

func TestWatcher_DisableTearsDownSubscription(t *testing.T) {
	sub := newChanSub()
	var states []State
	var mu sync.Mutex
	w, err := New(Config{
		Template: "main",
		Dialer:   DialerFunc(func(context.Context) (Subscription, error) { return sub, nil }),
		Reload:   func(context.Context, string) error { return nil },
		Clock:    newFakeClock(),
		OnStateChange: func(s State) {
			mu.Lock()
			states = append(states, s)
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	w.SetAutoReload(true)
	waitFor(t, "connected", func() bool { return w.State() == StateConnected })

	w.SetAutoReload(false)
	if !sub.closed.Load() {
		t.Error("subscription not closed on disable")
	}
	if w.State() != StateDisconnected || w.AutoReload() {
		t.Errorf("State = %s AutoReload = %v", w.State(), w.AutoReload())
	}

	mu.Lock()
	defer mu.Unlock()
	want := []State{StateConnecting, StateConnected, StateDisconnected}
	if len(states) != len(want) {
		t.Fatalf("states = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Errorf("states[%d] = %s, want %s", i, states[i], want[i])
		}
	}
}

func TestWatcher_DisableDropsPendingReload(t *testing.T) {
	sub := newChanSub()
	release := make(chan struct{})
	var calls atomic.Int32
	w, err := New(Config{
		Template: "main",
		Dialer:   DialerFunc(func(context.Context) (Subscription, error) { return sub, nil }),
		Reload: func(context.Context, string) error {
			calls.Add(1)
			<-release
			return nil
		},
		Clock: newFakeClock(),
	})
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	w.SetAutoReload(true)
	sub.notes <- Notification{Event: EventTemplateChanged, TemplateName: "main"}
	waitFor(t, "first reload", func() bool { return calls.Load() == 1 })

	sub.notes <- Notification{Event: EventTemplateChanged, TemplateName: "main"}
	waitFor(t, "second notification queued", func() bool { return len(sub.notes) == 0 && len(w.pending) == 1 })

	w.SetAutoReload(false)
	close(release)
	waitFor(t, "first reload finished", func() bool { return w.Reloads() == 1 })
	time.Sleep(20 * time.Millisecond)

	if got := w.Reloads(); got != 1 {
		t.Errorf("Reloads = %d after disable, want 1", got)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("reload calls = %d, want 1", got)
	}
}

func TestWatcher_TriggerWhileDisabledIsSkipped(t *testing.T) {
	var calls atomic.Int32
	w, err := New(Config{
		Template: "main",
		Dialer:   DialerFunc(func(context.Context) (Subscription, error) { return newChanSub(), nil }),
		Reload: func(context.Context, string) error {
			calls.Add(1)
			return nil
		},
		Clock: newFakeClock(),
	})
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	w.Trigger()
	waitFor(t, "trigger consumed", func() bool { return len(w.pending) == 0 })
	time.Sleep(20 * time.Millisecond)
	if got := calls.Load(); got != 0 || w.Reloads() != 0 {
		t.Errorf("reload calls = %d Reloads = %d, want 0", got, w.Reloads())
	}
}

func TestWatcher_ConcurrentToggleEndsConnected(t *testing.T) {
	w, err := New(Config{
		Template: "main",
		Dialer:   DialerFunc(func(context.Context) (Subscription, error) { return newChanSub(), nil }),
		Reload:   func(context.Context, string) error { return nil },
		Clock:    newFakeClock(),
	})
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			w.SetAutoReload(true)
		}()
		go func() {
			defer wg.Done()
			w.SetAutoReload(false)
		}()
	}
	wg.Wait()

	w.SetAutoReload(true)
	waitFor(t, "connected", func() bool { return w.State() == StateConnected })
	time.Sleep(20 * time.Millisecond)
	if w.State() != StateConnected || !w.AutoReload() {
		t.Errorf("State = %s AutoReload = %v, want connected and enabled", w.State(), w.AutoReload())
	}
}

func TestWatcher_ReconnectsAfterStreamError(t *testing.T) {
	clock := newFakeClock()
	subs := make(chan *chanSub, 4)
	var dials atomic.Int32
	w, err := New(Config{
		Template: "main",
		Dialer: DialerFunc(func(context.Context) (Subscription, error) {
			dials.Add(1)
			s := newChanSub()
			subs <- s
			return s, nil
		}),
		Reload: func(context.Context, string) error { return nil },
		Clock:  clock,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	w.SetAutoReload(true)
	first := <-subs
	first.errs <- errors.New("stream reset")

	timer := clock.waitTimer(t)
	if !first.closed.Load() {
		t.Error("failed subscription was not closed")
	}
	timer.ch <- clock.now
	<-subs
	if got := dials.Load(); got != 2 {
		t.Errorf("dials = %d, want 2", got)
	}
}

func TestWatcher_ResyncTriggersReload(t *testing.T) {
	clock := newFakeClock()
	sub := newChanSub()
	reloaded := make(chan struct{}, 4)
	w, err := New(Config{
		Template: "main",
		Dialer:   DialerFunc(func(context.Context) (Subscription, error) { return sub, nil }),
		Reload: func(context.Context, string) error {
			reloaded <- struct{}{}
			return nil
		},
		Clock:  clock,
		Resync: "@every 10m",
	})
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	w.SetAutoReload(true)
	tick := clock.waitTimer(t)
	if tick.d != 10*time.Minute {
		t.Errorf("resync wait = %v, want 10m", tick.d)
	}
	tick.ch <- clock.now.Add(tick.d)

	select {
	case <-reloaded:
	case <-time.After(2 * time.Second):
		t.Fatal("resync did not reload")
	}
}

func TestNew_Validation(t *testing.T) {
	reload := func(context.Context, string) error { return nil }
	if _, err := New(Config{Reload: reload}); !errors.Is(err, ErrNoDialer) {
		t.Errorf("err = %v, want ErrNoDialer", err)
	}
	dialer := DialerFunc(func(context.Context) (Subscription, error) { return newChanSub(), nil })
	if _, err := New(Config{Dialer: dialer, Reload: reload, Resync: "not a schedule"}); err == nil {
		t.Error("expected error for invalid resync expression")
	}
}
