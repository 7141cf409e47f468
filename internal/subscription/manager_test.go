package subscription

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"ilswbot/internal/eventbus"
	"ilswbot/internal/probe"
	"ilswbot/internal/storage"
	logx "ilswbot/pkg/logx"
)

type countingProber struct {
	res   probe.Result
	calls atomic.Int32
}

func (p *countingProber) Probe(context.Context) probe.Result {
	p.calls.Add(1)
	return p.res
}

func newTestManager(t *testing.T, res probe.Result) (*Manager, storage.Store, *countingProber) {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "subs.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	p := &countingProber{res: res}
	m := NewManager(st, p, eventbus.New(), logx.Nop(), Settings{Tracked: DefaultTracked()})
	return m, st, p
}

func mustGet(t *testing.T, st storage.Store, chatID int64) storage.Subscriber {
	t.Helper()
	sub, ok, err := st.Get(context.Background(), chatID)
	if err != nil || !ok {
		t.Fatalf("get %d: ok=%v err=%v", chatID, ok, err)
	}
	return sub
}

func TestFirstInteractionCreatesDefaults(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	cases := []struct {
		name   string
		act    func(m *Manager, id int64) error
		active bool
	}{
		{"start", func(m *Manager, id int64) error { _, err := m.Activate(ctx, id); return err }, true},
		{"stop", func(m *Manager, id int64) error { _, err := m.Deactivate(ctx, id); return err }, false},
		{"query", func(m *Manager, id int64) error {
			_, err := m.HandleQuery(ctx, Query{ChatID: id, Username: "anna", Text: "hallo"})
			return err
		}, true},
		{"status", func(m *Manager, id int64) error { _, err := m.Status(ctx, id); return err }, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			m, st, _ := newTestManager(t, probe.Asleep)
			if err := tc.act(m, 100); err != nil {
				t.Fatalf("act: %v", err)
			}
			sub := mustGet(t, st, 100)
			if sub.Active != tc.active || sub.Waiting {
				t.Fatalf("got active=%v waiting=%v", sub.Active, sub.Waiting)
			}
		})
	}
}

func TestDeactivatedChatIgnoresQueries(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, st, p := newTestManager(t, probe.Asleep)

	if _, err := m.Deactivate(ctx, 1); err != nil {
		t.Fatal(err)
	}
	before := mustGet(t, st, 1)

	for _, text := range []string{"ist lukas schon wach?", "lulu wach", "hallo", ""} {
		r, err := m.HandleQuery(ctx, Query{ChatID: 1, Username: "anna", Text: text})
		if err != nil {
			t.Fatalf("%q: %v", text, err)
		}
		if !r.Empty() {
			t.Fatalf("%q: unexpected reply %+v", text, r)
		}
	}
	if n := p.calls.Load(); n != 0 {
		t.Fatalf("probe called %d times", n)
	}
	after := mustGet(t, st, 1)
	if after.Active != before.Active || after.Waiting != before.Waiting {
		t.Fatalf("state changed: %+v -> %+v", before, after)
	}
}

func TestWakeQueryAsleepSetsWaiting(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, st, p := newTestManager(t, probe.Asleep)

	r, err := m.HandleQuery(ctx, Query{ChatID: 5, Username: "anna", Text: "ist lukas schon wach?"})
	if err != nil {
		t.Fatal(err)
	}
	if r.Kind != ReplyAsleep || r.Text != "NEIN" {
		t.Fatalf("reply: %+v", r)
	}
	if p.calls.Load() != 1 {
		t.Fatalf("probe calls: %d", p.calls.Load())
	}
	if !mustGet(t, st, 5).Waiting {
		t.Fatal("expected waiting=true")
	}
}

func TestWakeQueryAwakeLeavesWaiting(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, st, _ := newTestManager(t, probe.Awake)

	r, err := m.HandleQuery(ctx, Query{ChatID: 5, Username: "anna", Text: "WACH ist LULU?"})
	if err != nil {
		t.Fatal(err)
	}
	if r.Kind != ReplyAwake || r.Text != "JA" {
		t.Fatalf("reply: %+v", r)
	}
	if mustGet(t, st, 5).Waiting {
		t.Fatal("waiting must stay false")
	}
}

func TestWakeQueryProbeFailure(t *testing.T) {
	t.Parallel()
	for _, res := range []probe.Result{probe.Unavailable, probe.Unrecognized} {
		t.Run(res.String(), func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			m, st, _ := newTestManager(t, res)
			r, err := m.HandleQuery(ctx, Query{ChatID: 9, Username: "anna", Text: "lukas wach?"})
			if err != nil {
				t.Fatal(err)
			}
			if r.Kind != ReplyAPIFailure || r.Text != "Jo. Die Api ist im Sack." {
				t.Fatalf("reply: %+v", r)
			}
			if mustGet(t, st, 9).Waiting {
				t.Fatal("waiting must stay false")
			}
		})
	}
}

func TestNonMatchingTextIsSilent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, _, p := newTestManager(t, probe.Asleep)
	for _, text := range []string{"lukas ist toll", "bist du wach?", "guten morgen"} {
		r, err := m.HandleQuery(ctx, Query{ChatID: 2, Username: "anna", Text: text})
		if err != nil {
			t.Fatal(err)
		}
		if !r.Empty() {
			t.Fatalf("%q: unexpected reply %+v", text, r)
		}
	}
	if p.calls.Load() != 0 {
		t.Fatal("probe must not be called")
	}
}

func TestSelfQueryScolds(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	for _, active := range []bool{true, false} {
		m, st, p := newTestManager(t, probe.Awake)
		if !active {
			if _, err := m.Deactivate(ctx, 3); err != nil {
				t.Fatal(err)
			}
		}
		r, err := m.HandleQuery(ctx, Query{ChatID: 3, Username: "LukasOvich", Text: "bin ich wach?"})
		if err != nil {
			t.Fatal(err)
		}
		if r.Kind != ReplyScold || r.Text != "Halt die Fresse Lukas >:S" {
			t.Fatalf("active=%v: reply %+v", active, r)
		}
		if p.calls.Load() != 0 {
			t.Fatalf("active=%v: probe called", active)
		}
		if mustGet(t, st, 3).Waiting {
			t.Fatalf("active=%v: waiting changed", active)
		}
	}
}

func TestRoundTripPreservesWaiting(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, st, _ := newTestManager(t, probe.Asleep)

	if _, err := m.Activate(ctx, 8); err != nil {
		t.Fatal(err)
	}
	if _, err := m.HandleQuery(ctx, Query{ChatID: 8, Username: "anna", Text: "lukas wach"}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Deactivate(ctx, 8); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Activate(ctx, 8); err != nil {
		t.Fatal(err)
	}
	sub := mustGet(t, st, 8)
	if !sub.Active || !sub.Waiting {
		t.Fatalf("got active=%v waiting=%v", sub.Active, sub.Waiting)
	}

	if err := m.MarkNotified(ctx, 8); err != nil {
		t.Fatal(err)
	}
	if mustGet(t, st, 8).Waiting {
		t.Fatal("MarkNotified should clear waiting")
	}
}

func TestConcurrentFirstContact(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, st, _ := newTestManager(t, probe.Asleep)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.GetOrCreate(ctx, 77); err != nil {
				t.Errorf("GetOrCreate: %v", err)
			}
		}()
	}
	wg.Wait()

	sub := mustGet(t, st, 77)
	if !sub.Active || sub.Waiting {
		t.Fatalf("defaults: %+v", sub)
	}
}

func TestStatus(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, _, _ := newTestManager(t, probe.Asleep)
	texts := DefaultTexts()

	got, err := m.Status(ctx, 4)
	if err != nil || got != texts.StatusActive {
		t.Fatalf("fresh: %q %v", got, err)
	}
	if _, err := m.HandleQuery(ctx, Query{ChatID: 4, Text: "lukas wach?"}); err != nil {
		t.Fatal(err)
	}
	got, _ = m.Status(ctx, 4)
	if got != texts.StatusActive+"\n"+texts.StatusWaiting {
		t.Fatalf("waiting: %q", got)
	}
	if _, err := m.Deactivate(ctx, 4); err != nil {
		t.Fatal(err)
	}
	got, _ = m.Status(ctx, 4)
	if got != texts.StatusInactive {
		t.Fatalf("inactive: %q", got)
	}
}

type failingStore struct{ storage.Store }

var errDisk = errors.New("disk on fire")

func (failingStore) GetOrCreate(context.Context, int64) (storage.Subscriber, bool, error) {
	return storage.Subscriber{}, false, errDisk
}

func TestStorageFailureWrapped(t *testing.T) {
	t.Parallel()
	m := NewManager(failingStore{}, &countingProber{}, nil, logx.Nop(), Settings{})

	_, err := m.Activate(context.Background(), 1)
	if !errors.Is(err, ErrStorage) || !errors.Is(err, errDisk) {
		t.Fatalf("got %v", err)
	}
	_, err = m.HandleQuery(context.Background(), Query{ChatID: 1, Text: "lukas wach"})
	if !errors.Is(err, ErrStorage) {
		t.Fatalf("HandleQuery: got %v", err)
	}
}

func TestApplyUpdatesMatcher(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, _, p := newTestManager(t, probe.Awake)

	m.Apply(Settings{Tracked: Tracked{Username: "mia", Aliases: []string{"mia"}, Keyword: "awake"}, Texts: Texts{Awake: "yes"}})
	r, err := m.HandleQuery(ctx, Query{ChatID: 6, Text: "is Mia awake?"})
	if err != nil {
		t.Fatal(err)
	}
	if r.Text != "yes" || p.calls.Load() != 1 {
		t.Fatalf("reply %+v calls %d", r, p.calls.Load())
	}
}
