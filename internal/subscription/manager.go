// Package subscription holds the per-chat subscription state machine.
//
// A chat is created lazily on first contact (active, not waiting). /start and
// /stop flip the active flag. A wake query answered with "asleep" marks the
// chat as waiting until the notifier delivers the wake-up.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"ilswbot/internal/eventbus"
	"ilswbot/internal/probe"
	"ilswbot/internal/storage"
	logx "ilswbot/pkg/logx"
)

// ErrStorage wraps every persistence failure surfaced by Manager.
var ErrStorage = errors.New("subscription storage")

// Query is one inbound free-text message.
type Query struct {
	ChatID   int64
	Username string
	Text     string
}

type ReplyKind int

const (
	ReplyNone ReplyKind = iota
	ReplyScold
	ReplyAwake
	ReplyAsleep
	ReplyAPIFailure
)

// Reply is what HandleQuery wants sent back. Kind ReplyNone means stay silent.
type Reply struct {
	Kind ReplyKind
	Text string
}

func (r Reply) Empty() bool { return r.Kind == ReplyNone || r.Text == "" }

// Settings is the hot-reloadable part of Manager.
type Settings struct {
	Tracked Tracked
	Texts   Texts
}

type settings struct {
	matcher Matcher
	texts   Texts
}

type Manager struct {
	store  storage.Store
	prober probe.Prober
	bus    eventbus.Bus
	log    logx.Logger

	cur atomic.Pointer[settings]
}

func NewManager(store storage.Store, prober probe.Prober, bus eventbus.Bus, log logx.Logger, s Settings) *Manager {
	if bus == nil {
		bus = eventbus.Nop{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	m := &Manager{
		store:  store,
		prober: prober,
		bus:    bus,
		log:    log.With(logx.String("comp", "subscription")),
	}
	m.Apply(s)
	return m
}

// Apply swaps tracked-person and text settings.
func (m *Manager) Apply(s Settings) {
	m.cur.Store(&settings{matcher: NewMatcher(s.Tracked), texts: s.Texts.withDefaults()})
}

// Texts returns the effective reply texts.
func (m *Manager) Texts() Texts { return m.cur.Load().texts }

func (m *Manager) GetOrCreate(ctx context.Context, chatID int64) (storage.Subscriber, error) {
	sub, created, err := m.store.GetOrCreate(ctx, chatID)
	if err != nil {
		return storage.Subscriber{}, storageErr("get-or-create", err)
	}
	if created {
		m.log.Info("subscriber created", logx.Int64("chat_id", chatID))
	}
	return sub, nil
}

func (m *Manager) Activate(ctx context.Context, chatID int64) (string, error) {
	if _, err := m.GetOrCreate(ctx, chatID); err != nil {
		return "", err
	}
	if _, err := m.store.SetActive(ctx, chatID, true); err != nil {
		return "", storageErr("activate", err)
	}
	m.bus.Publish(eventbus.Event{Type: eventbus.SubscriberActivated, ChatID: chatID})
	return m.Texts().Start, nil
}

// Deactivate clears the active flag. A pending waiting flag is kept; it is
// cleared by the notifier once the wake-up happens.
func (m *Manager) Deactivate(ctx context.Context, chatID int64) (string, error) {
	if _, err := m.GetOrCreate(ctx, chatID); err != nil {
		return "", err
	}
	if _, err := m.store.SetActive(ctx, chatID, false); err != nil {
		return "", storageErr("deactivate", err)
	}
	m.bus.Publish(eventbus.Event{Type: eventbus.SubscriberDeactivated, ChatID: chatID})
	return m.Texts().Stop, nil
}

// HandleQuery classifies a free-text message. The tracked person asking about
// themself is scolded regardless of subscription state; otherwise inactive
// chats are ignored.
func (m *Manager) HandleQuery(ctx context.Context, q Query) (Reply, error) {
	sub, err := m.GetOrCreate(ctx, q.ChatID)
	if err != nil {
		return Reply{}, err
	}

	s := m.cur.Load()
	if s.matcher.IsSelfQuery(q.Username, q.Text) {
		return Reply{Kind: ReplyScold, Text: s.texts.Scold}, nil
	}
	if !sub.Active {
		return Reply{}, nil
	}
	if !s.matcher.IsWakeQuery(q.Text) {
		return Reply{}, nil
	}

	res := m.prober.Probe(ctx)
	m.bus.Publish(eventbus.Event{Type: eventbus.ProbeCompleted, ChatID: q.ChatID, Data: res.String()})
	m.log.Debug("wake query", logx.Int64("chat_id", q.ChatID), logx.String("result", res.String()))

	switch res {
	case probe.Awake:
		return Reply{Kind: ReplyAwake, Text: s.texts.Awake}, nil
	case probe.Asleep:
		if _, err := m.store.SetWaiting(ctx, q.ChatID, true); err != nil {
			return Reply{}, storageErr("set waiting", err)
		}
		m.bus.Publish(eventbus.Event{Type: eventbus.SubscriberWaiting, ChatID: q.ChatID})
		return Reply{Kind: ReplyAsleep, Text: s.texts.Asleep}, nil
	default:
		return Reply{Kind: ReplyAPIFailure, Text: s.texts.APIFailure}, nil
	}
}

// MarkNotified clears the waiting flag after the wake message was delivered.
func (m *Manager) MarkNotified(ctx context.Context, chatID int64) error {
	if _, err := m.store.SetWaiting(ctx, chatID, false); err != nil {
		return storageErr("mark notified", err)
	}
	return nil
}

// Status renders the chat's subscription state.
func (m *Manager) Status(ctx context.Context, chatID int64) (string, error) {
	sub, err := m.GetOrCreate(ctx, chatID)
	if err != nil {
		return "", err
	}
	t := m.Texts()
	if !sub.Active {
		return t.StatusInactive, nil
	}
	var b strings.Builder
	b.WriteString(t.StatusActive)
	if sub.Waiting {
		b.WriteString("\n")
		b.WriteString(t.StatusWaiting)
	}
	return b.String(), nil
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStorage, op, err)
}
