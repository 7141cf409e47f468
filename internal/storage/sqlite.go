package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "ilswbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
	now func() time.Time
}

func openSQLite(ctx context.Context, cfg Config, log logx.Logger) (*sqliteStore, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer; one connection also serializes GetOrCreate.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, now: time.Now}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = time.Second
	}
	_, _ = db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
	_, _ = db.ExecContext(ctx, "PRAGMA synchronous = NORMAL")

	if err := st.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Debug("sqlite ready", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const selectSubscriber = `SELECT chat_id, active, waiting, created_at, updated_at FROM subscribers`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubscriber(r rowScanner) (Subscriber, error) {
	var (
		sub              Subscriber
		created, updated int64
	)
	if err := r.Scan(&sub.ChatID, &sub.Active, &sub.Waiting, &created, &updated); err != nil {
		return Subscriber{}, err
	}
	sub.CreatedAt = time.UnixMilli(created)
	sub.UpdatedAt = time.UnixMilli(updated)
	return sub, nil
}

func (s *sqliteStore) Get(ctx context.Context, chatID int64) (Subscriber, bool, error) {
	sub, err := scanSubscriber(s.db.QueryRowContext(ctx, selectSubscriber+` WHERE chat_id = ?`, chatID))
	if errors.Is(err, sql.ErrNoRows) {
		return Subscriber{}, false, nil
	}
	if err != nil {
		return Subscriber{}, false, err
	}
	return sub, true, nil
}

func (s *sqliteStore) GetOrCreate(ctx context.Context, chatID int64) (Subscriber, bool, error) {
	now := s.now().UnixMilli()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO subscribers(chat_id, active, waiting, created_at, updated_at)
		 VALUES(?, 1, 0, ?, ?)
		 ON CONFLICT(chat_id) DO NOTHING`,
		chatID, now, now,
	)
	if err != nil {
		return Subscriber{}, false, err
	}
	n, _ := res.RowsAffected()

	sub, ok, err := s.Get(ctx, chatID)
	if err != nil {
		return Subscriber{}, false, err
	}
	if !ok {
		return Subscriber{}, false, ErrNotFound
	}
	return sub, n > 0, nil
}

func (s *sqliteStore) Upsert(ctx context.Context, sub Subscriber) error {
	now := s.now()
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = now
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO subscribers(chat_id, active, waiting, created_at, updated_at)
		 VALUES(?,?,?,?,?)
		 ON CONFLICT(chat_id) DO UPDATE SET
		   active = excluded.active,
		   waiting = excluded.waiting,
		   updated_at = excluded.updated_at`,
		sub.ChatID, sub.Active, sub.Active && sub.Waiting, sub.CreatedAt.UnixMilli(), now.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) SetActive(ctx context.Context, chatID int64, active bool) (Subscriber, error) {
	return s.update(ctx, chatID, `UPDATE subscribers SET active = ?, updated_at = ? WHERE chat_id = ?`, active)
}

func (s *sqliteStore) SetWaiting(ctx context.Context, chatID int64, waiting bool) (Subscriber, error) {
	if waiting {
		// Inactive chats never become waiting; the no-op update still reports the row.
		return s.update(ctx, chatID, `UPDATE subscribers SET waiting = active, updated_at = ? WHERE chat_id = ?`)
	}
	return s.update(ctx, chatID, `UPDATE subscribers SET waiting = ?, updated_at = ? WHERE chat_id = ?`, false)
}

func (s *sqliteStore) update(ctx context.Context, chatID int64, query string, args ...any) (Subscriber, error) {
	args = append(args, s.now().UnixMilli(), chatID)
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return Subscriber{}, err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return Subscriber{}, ErrNotFound
	}
	sub, ok, err := s.Get(ctx, chatID)
	if err != nil {
		return Subscriber{}, err
	}
	if !ok {
		return Subscriber{}, ErrNotFound
	}
	return sub, nil
}

func (s *sqliteStore) ListWaiting(ctx context.Context) ([]Subscriber, error) {
	rows, err := s.db.QueryContext(ctx, selectSubscriber+` WHERE waiting = 1 ORDER BY chat_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Subscriber
	for rows.Next() {
		sub, err := scanSubscriber(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}
