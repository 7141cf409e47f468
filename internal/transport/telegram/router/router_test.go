package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"ilswbot/internal/subscription"
	kit "ilswbot/internal/transport"
	logx "ilswbot/pkg/logx"
)

type sent struct {
	chatID int64
	text   string
}

type fakeSender struct {
	mu  sync.Mutex
	out []sent
}

func (f *fakeSender) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.out = append(f.out, sent{chatID: to.ChatID, text: text})
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(f.out)}, nil
}

func (f *fakeSender) messages() []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sent(nil), f.out...)
}

type fakeSubs struct {
	mu      sync.Mutex
	calls   []string
	queries []subscription.Query
	err     error
	reply   subscription.Reply
	panicOn string
	hold    chan struct{} // Activate blocks until closed
}

func (f *fakeSubs) record(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, op)
	if op == f.panicOn {
		panic("boom")
	}
	return f.err
}

func (f *fakeSubs) Activate(_ context.Context, chatID int64) (string, error) {
	err := f.record("activate")
	if f.hold != nil {
		<-f.hold
	}
	return "started", err
}

func (f *fakeSubs) Deactivate(_ context.Context, chatID int64) (string, error) {
	return "stopped", f.record("deactivate")
}

func (f *fakeSubs) Status(_ context.Context, chatID int64) (string, error) {
	return "status", f.record("status")
}

func (f *fakeSubs) HandleQuery(_ context.Context, q subscription.Query) (subscription.Reply, error) {
	err := f.record("query")
	f.mu.Lock()
	f.queries = append(f.queries, q)
	f.mu.Unlock()
	if err != nil {
		return subscription.Reply{}, err
	}
	return f.reply, nil
}

func (f *fakeSubs) Texts() subscription.Texts {
	return subscription.Texts{StorageFailure: "storage broken"}
}

func (f *fakeSubs) ops() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func msg(chatID int64, user, text string) kit.Update {
	return kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{ChatID: chatID, FromID: chatID, FromUsername: user, Text: text}}
}

// runDirect routes one update and executes its handler synchronously.
func runDirect(t *testing.T, r *Router, up kit.Update) error {
	t.Helper()
	h, req, ok := r.match(up)
	if !ok {
		return errNotRouted
	}
	return Chain(h, MWPanicRecover(r.log), MWRequestLog(r.log), MWTimeout(r.cfg.Timeout))(context.Background(), req)
}

var errNotRouted = errors.New("not routed")

func TestRouting(t *testing.T) {
	t.Parallel()

	cases := []struct {
		text   string
		wantOp string
		reply  string
	}{
		{"/start", "activate", "started"},
		{"/stop", "deactivate", "stopped"},
		{"/status", "status", "status"},
		{"/START@ilswbot", "activate", "started"},
		{"/stop@IlswBot now", "deactivate", "stopped"},
		{"ist lukas wach?", "query", "NEIN"},
	}
	for _, tc := range cases {
		t.Run(tc.text, func(t *testing.T) {
			t.Parallel()
			s := &fakeSender{}
			subs := &fakeSubs{reply: subscription.Reply{Kind: subscription.ReplyAsleep, Text: "NEIN"}}
			r := New(Config{BotUsername: "ilswbot"}, s, subs, logx.Nop())

			if err := runDirect(t, r, msg(1, "anna", tc.text)); err != nil {
				t.Fatalf("dispatch: %v", err)
			}
			if ops := subs.ops(); len(ops) != 1 || ops[0] != tc.wantOp {
				t.Fatalf("ops: %v", ops)
			}
			out := s.messages()
			if len(out) != 1 || out[0].text != tc.reply || out[0].chatID != 1 {
				t.Fatalf("replies: %+v", out)
			}
		})
	}
}

func TestIgnoredUpdates(t *testing.T) {
	t.Parallel()
	r := New(Config{BotUsername: "ilswbot"}, &fakeSender{}, &fakeSubs{}, logx.Nop())

	for _, up := range []kit.Update{
		msg(1, "anna", "/help"),
		msg(1, "anna", "/start@otherbot"),
		msg(1, "anna", "   "),
		{Kind: kit.UpdateMessage},
	} {
		if err := runDirect(t, r, up); !errors.Is(err, errNotRouted) {
			t.Fatalf("%+v: got %v", up.Message, err)
		}
	}
}

func TestQueryPassesSender(t *testing.T) {
	t.Parallel()
	subs := &fakeSubs{}
	s := &fakeSender{}
	r := New(Config{}, s, subs, logx.Nop())

	if err := runDirect(t, r, msg(42, "LukasOvich", "bin ich wach")); err != nil {
		t.Fatal(err)
	}
	if len(subs.queries) != 1 {
		t.Fatalf("queries: %+v", subs.queries)
	}
	q := subs.queries[0]
	if q.ChatID != 42 || q.Username != "LukasOvich" || q.Text != "bin ich wach" {
		t.Fatalf("query: %+v", q)
	}
	if len(s.messages()) != 0 {
		t.Fatal("empty reply must not be sent")
	}
}

func TestStorageFailureReply(t *testing.T) {
	t.Parallel()
	s := &fakeSender{}
	subs := &fakeSubs{err: fmt.Errorf("%w: disk", subscription.ErrStorage)}
	r := New(Config{}, s, subs, logx.Nop())

	err := runDirect(t, r, msg(3, "anna", "/start"))
	if !errors.Is(err, subscription.ErrStorage) {
		t.Fatalf("got %v", err)
	}
	out := s.messages()
	if len(out) != 1 || out[0].text != "storage broken" {
		t.Fatalf("replies: %+v", out)
	}
}

func TestOtherErrorsAreSilent(t *testing.T) {
	t.Parallel()
	s := &fakeSender{}
	subs := &fakeSubs{err: errors.New("weird")}
	r := New(Config{}, s, subs, logx.Nop())

	if err := runDirect(t, r, msg(3, "anna", "lukas wach")); err == nil {
		t.Fatal("expected error")
	}
	if len(s.messages()) != 0 {
		t.Fatal("no reply expected")
	}
}

func TestPanicRecovered(t *testing.T) {
	t.Parallel()
	r := New(Config{}, &fakeSender{}, &fakeSubs{panicOn: "status"}, logx.Nop())
	err := runDirect(t, r, msg(1, "anna", "/status"))
	if err == nil || err.Error() != "panic: boom" {
		t.Fatalf("got %v", err)
	}
}

func TestDispatchLoop(t *testing.T) {
	t.Parallel()
	s := &fakeSender{}
	subs := &fakeSubs{reply: subscription.Reply{Kind: subscription.ReplyAwake, Text: "JA"}, panicOn: "deactivate"}
	r := New(Config{Workers: 2}, s, subs, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	updates := make(chan kit.Update, 8)
	done := make(chan error, 1)
	go func() { done <- r.DispatchLoop(ctx, updates) }()

	updates <- msg(1, "anna", "/start")
	updates <- msg(2, "anna", "/stop")
	updates <- msg(3, "anna", "lukas wach?")
	updates <- msg(4, "anna", "/unknown")

	deadline := time.Now().Add(2 * time.Second)
	for len(s.messages()) < 2 || r.Stats().Handled < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("timed out: msgs=%+v stats=%+v", s.messages(), r.Stats())
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("DispatchLoop: %v", err)
	}

	st := r.Stats()
	if st.Handled != 3 || st.Failed != 1 {
		t.Fatalf("stats: %+v", st)
	}
}

func TestDispatchLoopAccountsQueuedOnShutdown(t *testing.T) {
	t.Parallel()
	hold := make(chan struct{})
	subs := &fakeSubs{hold: hold}
	r := New(Config{Workers: 1, QueueSize: 8}, &fakeSender{}, subs, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	updates := make(chan kit.Update, 8)
	done := make(chan error, 1)
	go func() { done <- r.DispatchLoop(ctx, updates) }()

	updates <- msg(1, "anna", "/start")
	deadline := time.Now().Add(2 * time.Second)
	for len(subs.ops()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("worker did not pick up /start")
		}
		time.Sleep(5 * time.Millisecond)
	}
	// the only worker is busy; these stay queued
	for i := int64(2); i <= 4; i++ {
		updates <- msg(i, "anna", "/status")
	}
	for len(updates) > 0 {
		if time.Now().After(deadline) {
			t.Fatal("updates not consumed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	close(hold)
	if err := <-done; err != nil {
		t.Fatalf("DispatchLoop: %v", err)
	}

	st := r.Stats()
	if st.Handled+st.Dropped != 4 {
		t.Fatalf("every routed update must be handled or counted as dropped: %+v", st)
	}
	if st.Handled < 1 {
		t.Fatalf("running handler lost: %+v", st)
	}
}

func TestParseCommand(t *testing.T) {
	t.Parallel()
	cases := map[string][2]string{
		"/start":            {"start", ""},
		"/Stop@IlswBot":     {"stop", "IlswBot"},
		"/status extra arg": {"status", ""},
		"/@bot":             {"", "bot"},
	}
	for in, want := range cases {
		cmd, target := parseCommand(in)
		if cmd != want[0] || target != want[1] {
			t.Fatalf("%q: got (%q,%q)", in, cmd, target)
		}
	}
}
