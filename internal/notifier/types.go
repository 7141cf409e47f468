package notifier

import (
	"context"
	"time"

	"ilswbot/internal/probe"
	kit "ilswbot/internal/transport"
)

const (
	DefaultInterval = 60 * time.Second
	DefaultWakeText = "Leute, Lukas is grad aufgewacht!"
)

// Config controls polling and delivery.
type Config struct {
	Interval      time.Duration
	Workers       int
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	SendTimeout   time.Duration
	WakeText      string
}

// Sender is the slice of the chat adapter the notifier needs.
type Sender interface {
	SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error)
}

// Marker clears a subscriber's waiting flag.
type Marker interface {
	MarkNotified(ctx context.Context, chatID int64) error
}

// TickReport summarizes one tick.
type TickReport struct {
	At       time.Time
	Waiting  int
	Probed   bool
	Result   probe.Result
	Sent     int // delivered and no longer waiting
	Failed   int
	Cleared  int // inactive waiters whose flag was cleared without a message
	Unmarked int // delivered but still flagged waiting
	Took     time.Duration
}

// DeliveryEvent is the Data payload of wake.* bus events.
type DeliveryEvent struct {
	Attempts int    `json:"attempts"`
	Error    string `json:"error,omitempty"`
}
