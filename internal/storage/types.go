package storage

import (
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("subscriber not found")
	ErrClosed   = errors.New("storage closed")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (default)
//   - "file": dependency-free file backend (json snapshot + jsonl journal)
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Subscriber is one chat's subscription record.
type Subscriber struct {
	ChatID    int64     `json:"chat_id"`
	Active    bool      `json:"active"`
	Waiting   bool      `json:"waiting"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewSubscriber returns the record a chat gets on first contact.
func NewSubscriber(chatID int64, now time.Time) Subscriber {
	return Subscriber{ChatID: chatID, Active: true, Waiting: false, CreatedAt: now, UpdatedAt: now}
}
