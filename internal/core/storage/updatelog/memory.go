package updatelog

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vantagenotes/notesync/internal/core/changes"
	"github.com/vantagenotes/notesync/internal/core/storage"
)

const memoryComponent = "updatelog.memory"

// MemoryStore keeps the ledger in process memory. Used by tests and by the
// server when no database is configured.
type MemoryStore struct {
	mu     sync.RWMutex
	docs   map[string][]Entry
	seq    int64
	closed bool
	now    func() time.Time
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs: make(map[string][]Entry),
		now:  time.Now,
	}
}

func (s *MemoryStore) Append(ctx context.Context, docID, userID string, ops ...changes.Operation) (int, error) {
	if err := validate(ops); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, storage.Wrap(memoryComponent, "append", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, storage.Wrap(memoryComponent, "append", storage.ErrStoreClosed)
	}
	return s.appendLocked(docID, userID, ops), nil
}

func (s *MemoryStore) appendLocked(docID, userID string, ops []changes.Operation) int {
	now := s.now()
	entries := s.docs[docID]
	for _, op := range ops {
		s.seq++
		entries = append(entries, Entry{
			Seq:       s.seq,
			DocID:     docID,
			UserID:    userID,
			Timestamp: now,
			Op:        op,
		})
	}
	s.docs[docID] = entries
	return len(entries)
}

func (s *MemoryStore) Version(_ context.Context, docID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, storage.Wrap(memoryComponent, "version", storage.ErrStoreClosed)
	}
	return len(s.docs[docID]), nil
}

func (s *MemoryStore) EntriesSince(_ context.Context, docID string, version int) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, storage.Wrap(memoryComponent, "entries", storage.ErrStoreClosed)
	}

	entries := s.docs[docID]
	if version < 0 {
		version = 0
	}
	if version >= len(entries) {
		return []Entry{}, nil
	}
	out := make([]Entry, len(entries)-version)
	copy(out, entries[version:])
	return out, nil
}

func (s *MemoryStore) Entries(ctx context.Context, docID string) ([]Entry, error) {
	return s.EntriesSince(ctx, docID, 0)
}

func (s *MemoryStore) Seed(_ context.Context, docID, text string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, storage.Wrap(memoryComponent, "seed", storage.ErrStoreClosed)
	}
	if text == "" || len(s.docs[docID]) > 0 {
		return false, nil
	}
	s.appendLocked(docID, SystemUserID, seedOps(text))
	return true, nil
}

func (s *MemoryStore) Clear(_ context.Context, docID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.Wrap(memoryComponent, "clear", storage.ErrStoreClosed)
	}
	delete(s.docs, docID)
	return nil
}

func (s *MemoryStore) Documents(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, storage.Wrap(memoryComponent, "documents", storage.ErrStoreClosed)
	}
	ids := make([]string, 0, len(s.docs))
	for id, entries := range s.docs {
		if len(entries) > 0 {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
