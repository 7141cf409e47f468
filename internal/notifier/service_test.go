package notifier

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ilswbot/internal/eventbus"
	"ilswbot/internal/probe"
	"ilswbot/internal/storage"
	"ilswbot/internal/subscription"
	kit "ilswbot/internal/transport"
	logx "ilswbot/pkg/logx"
)

type fakeSender struct {
	mu     sync.Mutex
	sent   map[int64]int
	failOn map[int64]bool
	after  func() // runs after each successful send
}

func newFakeSender() *fakeSender {
	return &fakeSender{sent: map[int64]int{}, failOn: map[int64]bool{}}
}

func (f *fakeSender) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	if f.failOn[to.ChatID] {
		f.mu.Unlock()
		return kit.MessageRef{}, errors.New("blocked by user")
	}
	f.sent[to.ChatID]++
	ref := kit.MessageRef{ChatID: to.ChatID, MessageID: f.sent[to.ChatID]}
	after := f.after
	f.mu.Unlock()
	if after != nil {
		after()
	}
	return ref, nil
}

func (f *fakeSender) count(chatID int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[chatID]
}

func (f *fakeSender) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.sent {
		n += c
	}
	return n
}

type stubProber struct {
	res   atomic.Int32
	calls atomic.Int32
}

func (p *stubProber) set(r probe.Result) { p.res.Store(int32(r)) }

func (p *stubProber) Probe(context.Context) probe.Result {
	p.calls.Add(1)
	return probe.Result(p.res.Load())
}

type fixture struct {
	store  storage.Store
	mgr    *subscription.Manager
	prober *stubProber
	sender *fakeSender
	svc    *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "ilsw.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	f := &fixture{store: st, prober: &stubProber{}, sender: newFakeSender()}
	f.prober.set(probe.Asleep)
	bus := eventbus.New()
	f.mgr = subscription.NewManager(st, f.prober, bus, logx.Nop(), subscription.Settings{Tracked: subscription.DefaultTracked()})
	f.svc = New(Config{RetryMax: 1, RetryBase: time.Millisecond, RetryMaxDelay: time.Millisecond}, f.sender, st, f.prober, f.mgr, bus, logx.Nop())
	return f
}

// makeWaiting has chat ask while asleep so it ends up waiting.
func (f *fixture) makeWaiting(t *testing.T, chatID int64) {
	t.Helper()
	ctx := context.Background()
	f.prober.set(probe.Asleep)
	r, err := f.mgr.HandleQuery(ctx, subscription.Query{ChatID: chatID, Username: "anna", Text: "ist lukas wach?"})
	if err != nil || r.Kind != subscription.ReplyAsleep {
		t.Fatalf("make waiting %d: %+v %v", chatID, r, err)
	}
}

func (f *fixture) waiting(t *testing.T, chatID int64) bool {
	t.Helper()
	sub, ok, err := f.store.Get(context.Background(), chatID)
	if err != nil || !ok {
		t.Fatalf("get %d: ok=%v err=%v", chatID, ok, err)
	}
	return sub.Waiting
}

func TestTickNoWaitersSkipsProbe(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	if _, err := f.mgr.Activate(context.Background(), 1); err != nil {
		t.Fatal(err)
	}

	rep := f.svc.Tick(context.Background())
	if rep.Probed || f.prober.calls.Load() != 0 {
		t.Fatalf("probe called with no waiters: %+v calls=%d", rep, f.prober.calls.Load())
	}
	if f.sender.total() != 0 {
		t.Fatal("nothing should be sent")
	}
}

func TestTickAwakeDeliversOncePerWaiter(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	for _, id := range []int64{10, 20, 30} {
		f.makeWaiting(t, id)
	}
	if _, err := f.mgr.Activate(context.Background(), 40); err != nil {
		t.Fatal(err)
	}
	probesBefore := f.prober.calls.Load()

	f.prober.set(probe.Awake)
	rep := f.svc.Tick(context.Background())

	if got := f.prober.calls.Load() - probesBefore; got != 1 {
		t.Fatalf("probe calls in tick: %d", got)
	}
	if rep.Sent != 3 || rep.Failed != 0 {
		t.Fatalf("report: %+v", rep)
	}
	for _, id := range []int64{10, 20, 30} {
		if n := f.sender.count(id); n != 1 {
			t.Fatalf("chat %d got %d messages", id, n)
		}
		if f.waiting(t, id) {
			t.Fatalf("chat %d still waiting", id)
		}
	}
	if f.sender.count(40) != 0 {
		t.Fatal("non-waiting chat must not be messaged")
	}
	if last, ok := f.svc.LastTick(); !ok || last.Sent != 3 || last.At.IsZero() {
		t.Fatalf("last tick: %+v ok=%v", last, ok)
	}

	rep = f.svc.Tick(context.Background())
	if rep.Probed || f.sender.total() != 3 {
		t.Fatalf("second tick: %+v total=%d", rep, f.sender.total())
	}
}

func TestTickNotAwakeSendsNothing(t *testing.T) {
	t.Parallel()
	for _, res := range []probe.Result{probe.Asleep, probe.Unavailable, probe.Unrecognized} {
		t.Run(res.String(), func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			f.makeWaiting(t, 1)
			f.makeWaiting(t, 2)

			f.prober.set(res)
			rep := f.svc.Tick(context.Background())
			if !rep.Probed || rep.Result != res {
				t.Fatalf("report: %+v", rep)
			}
			if f.sender.total() != 0 {
				t.Fatalf("sent %d messages", f.sender.total())
			}
			if !f.waiting(t, 1) || !f.waiting(t, 2) {
				t.Fatal("waiting flags must be unchanged")
			}
		})
	}
}

func TestTickIsolatesFailures(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.makeWaiting(t, 1)
	f.makeWaiting(t, 2)
	f.makeWaiting(t, 3)
	f.sender.failOn[2] = true

	f.prober.set(probe.Awake)
	rep := f.svc.Tick(context.Background())
	if rep.Sent != 2 || rep.Failed != 1 {
		t.Fatalf("report: %+v", rep)
	}
	if f.waiting(t, 1) || f.waiting(t, 3) {
		t.Fatal("delivered chats must be cleared")
	}
	if !f.waiting(t, 2) {
		t.Fatal("failed chat must stay waiting")
	}
}

func TestTickClearsInactiveWaiter(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.makeWaiting(t, 5)
	if _, err := f.mgr.Deactivate(context.Background(), 5); err != nil {
		t.Fatal(err)
	}
	if !f.waiting(t, 5) {
		t.Fatal("deactivate should keep waiting")
	}

	f.prober.set(probe.Awake)
	rep := f.svc.Tick(context.Background())
	if rep.Cleared != 1 || rep.Sent != 0 {
		t.Fatalf("report: %+v", rep)
	}
	if f.sender.count(5) != 0 {
		t.Fatal("inactive chat must not be messaged")
	}
	if f.waiting(t, 5) {
		t.Fatal("inactive waiter should be cleared")
	}
}

func TestTickMarksDeliveredAfterCancel(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.makeWaiting(t, 7)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// shutdown lands right after the message went out
	f.sender.after = cancel

	f.prober.set(probe.Awake)
	rep := f.svc.Tick(ctx)
	if rep.Sent != 1 || rep.Unmarked != 0 || rep.Failed != 0 {
		t.Fatalf("report: %+v", rep)
	}
	if f.waiting(t, 7) {
		t.Fatal("delivered chat must not stay waiting")
	}

	f.sender.mu.Lock()
	f.sender.after = nil
	f.sender.mu.Unlock()
	f.svc.Tick(context.Background())
	if n := f.sender.count(7); n != 1 {
		t.Fatalf("chat 7 got %d wake messages", n)
	}
}

type failingMarker struct{}

func (failingMarker) MarkNotified(context.Context, int64) error {
	return errors.New("disk full")
}

func TestTickCountsUnmarkedDelivery(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.makeWaiting(t, 3)
	svc := New(Config{RetryMax: 1, RetryBase: time.Millisecond, RetryMaxDelay: time.Millisecond}, f.sender, f.store, f.prober, failingMarker{}, nil, logx.Nop())

	f.prober.set(probe.Awake)
	rep := svc.Tick(context.Background())
	if rep.Sent != 0 || rep.Unmarked != 1 || rep.Failed != 0 {
		t.Fatalf("report: %+v", rep)
	}
	if f.sender.count(3) != 1 {
		t.Fatal("message should have been sent")
	}
	if !f.waiting(t, 3) {
		t.Fatal("flag should remain when marking fails")
	}
}

func TestStartRunsFirstTickImmediately(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.makeWaiting(t, 9)
	f.prober.set(probe.Awake)
	f.svc.Apply(Config{Interval: time.Hour})

	f.svc.Start(context.Background())
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = f.svc.Stop(ctx)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for f.sender.count(9) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("first tick did not run")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRetryDelayBounds(t *testing.T) {
	t.Parallel()
	cfg := normalize(Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second})
	cases := []struct {
		attempt  int
		min, max time.Duration
	}{
		{1, 70 * time.Millisecond, 130 * time.Millisecond},
		{2, 140 * time.Millisecond, 260 * time.Millisecond},
		{10, 700 * time.Millisecond, time.Second},
	}
	for _, tc := range cases {
		for i := 0; i < 20; i++ {
			d := retryDelay(cfg, tc.attempt)
			if d < tc.min || d > tc.max {
				t.Fatalf("attempt %d: %v not in [%v,%v]", tc.attempt, d, tc.min, tc.max)
			}
		}
	}
}
