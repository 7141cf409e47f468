package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	logx "ilswbot/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.subscribers.snapshot.json (periodic snapshot)
//   - <prefix>.subscribers.journal.jsonl (append-only journal of full records)
//
// The journal is periodically compacted into the snapshot. A single mutex
// guards the map and the journal, which makes GetOrCreate atomic.
type fileStore struct {
	log logx.Logger
	now func() time.Time

	mu sync.Mutex

	snapshotPath string
	journal      *os.File
	subs         map[int64]Subscriber

	writes       int
	compactEvery int
}

func openFile(cfg Config, log logx.Logger) (*fileStore, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".subscribers.snapshot.json"
	journalPath := prefix + ".subscribers.journal.jsonl"

	subs := map[int64]Subscriber{}
	if err := loadSnapshot(snapPath, subs); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("subscriber snapshot unreadable; relying on journal", logx.String("path", snapPath), logx.Err(err))
	}
	if err := replayJournal(journalPath, subs); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}

	return &fileStore{
		log:          log,
		now:          time.Now,
		snapshotPath: snapPath,
		journal:      jf,
		subs:         subs,
		compactEvery: 1000,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.compactLocked()
	if cerr := s.journal.Close(); err == nil {
		err = cerr
	}
	s.journal = nil
	return err
}

func (s *fileStore) Get(ctx context.Context, chatID int64) (Subscriber, bool, error) {
	if err := ctx.Err(); err != nil {
		return Subscriber{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return Subscriber{}, false, ErrClosed
	}
	sub, ok := s.subs[chatID]
	return sub, ok, nil
}

func (s *fileStore) GetOrCreate(ctx context.Context, chatID int64) (Subscriber, bool, error) {
	if err := ctx.Err(); err != nil {
		return Subscriber{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return Subscriber{}, false, ErrClosed
	}
	if sub, ok := s.subs[chatID]; ok {
		return sub, false, nil
	}
	sub := NewSubscriber(chatID, s.now())
	if err := s.writeLocked(sub); err != nil {
		return Subscriber{}, false, err
	}
	return sub, true, nil
}

func (s *fileStore) Upsert(ctx context.Context, sub Subscriber) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrClosed
	}
	now := s.now()
	if prev, ok := s.subs[sub.ChatID]; ok {
		sub.CreatedAt = prev.CreatedAt
	} else if sub.CreatedAt.IsZero() {
		sub.CreatedAt = now
	}
	sub.Waiting = sub.Active && sub.Waiting
	sub.UpdatedAt = now
	return s.writeLocked(sub)
}

func (s *fileStore) SetActive(ctx context.Context, chatID int64, active bool) (Subscriber, error) {
	return s.modify(ctx, chatID, func(sub *Subscriber) { sub.Active = active })
}

func (s *fileStore) SetWaiting(ctx context.Context, chatID int64, waiting bool) (Subscriber, error) {
	return s.modify(ctx, chatID, func(sub *Subscriber) { sub.Waiting = waiting && sub.Active })
}

func (s *fileStore) modify(ctx context.Context, chatID int64, fn func(*Subscriber)) (Subscriber, error) {
	if err := ctx.Err(); err != nil {
		return Subscriber{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return Subscriber{}, ErrClosed
	}
	sub, ok := s.subs[chatID]
	if !ok {
		return Subscriber{}, ErrNotFound
	}
	fn(&sub)
	sub.UpdatedAt = s.now()
	if err := s.writeLocked(sub); err != nil {
		return Subscriber{}, err
	}
	return sub, nil
}

func (s *fileStore) ListWaiting(ctx context.Context) ([]Subscriber, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	out := make([]Subscriber, 0, 8)
	for _, sub := range s.subs {
		if sub.Waiting {
			out = append(out, sub)
		}
	}
	closed := s.journal == nil
	s.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChatID < out[j].ChatID })
	return out, nil
}

// writeLocked journals sub and then applies it to the map, so a failed write
// leaves memory consistent with disk.
func (s *fileStore) writeLocked(sub Subscriber) error {
	if err := json.NewEncoder(s.journal).Encode(sub); err != nil {
		return err
	}
	s.subs[sub.ChatID] = sub
	s.writes++
	if s.compactEvery > 0 && s.writes%s.compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("subscriber journal compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	list := make([]Subscriber, 0, len(s.subs))
	for _, sub := range s.subs {
		list = append(list, sub)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ChatID < list[j].ChatID })
	if err := json.NewEncoder(f).Encode(list); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, io.SeekEnd)
	return err
}

func loadSnapshot(path string, out map[int64]Subscriber) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var list []Subscriber
	if err := json.NewDecoder(f).Decode(&list); err != nil {
		return err
	}
	for _, sub := range list {
		out[sub.ChatID] = sub
	}
	return nil
}

func replayJournal(path string, out map[int64]Subscriber) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var sub Subscriber
		if err := json.Unmarshal(sc.Bytes(), &sub); err != nil {
			// torn tail write
			continue
		}
		if sub.ChatID == 0 {
			continue
		}
		out[sub.ChatID] = sub
	}
	return sc.Err()
}
