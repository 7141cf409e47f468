package storage

import (
	"context"
	"errors"
	"strings"

	logx "ilswbot/pkg/logx"
)

// Store is the subscriber persistence API. Implementations are safe for
// concurrent use.
type Store interface {
	// Get returns the record for chatID; ok is false if none exists.
	Get(ctx context.Context, chatID int64) (sub Subscriber, ok bool, err error)
	// GetOrCreate returns the existing record or atomically creates one with
	// defaults (active, not waiting). created reports whether it was new.
	GetOrCreate(ctx context.Context, chatID int64) (sub Subscriber, created bool, err error)
	// Upsert writes the full record.
	Upsert(ctx context.Context, sub Subscriber) error
	// SetActive flips the active flag of an existing record. The waiting flag is left alone.
	SetActive(ctx context.Context, chatID int64, active bool) (Subscriber, error)
	// SetWaiting flips the waiting flag of an existing record. Setting it to
	// true only takes effect while the record is active; the returned record
	// reflects what was stored.
	SetWaiting(ctx context.Context, chatID int64, waiting bool) (Subscriber, error)
	// ListWaiting returns every record with waiting set, ordered by chat id.
	ListWaiting(ctx context.Context) ([]Subscriber, error)
	Close() error
}

// Open initializes the configured store. An empty driver means sqlite.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(context.Background(), cfg, log)
	case "file":
		return openFile(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
