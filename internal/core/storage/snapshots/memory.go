package snapshots

import (
	"context"
	"sort"
	"sync"
	"time"
)

type MemoryStore struct {
	mu    sync.Mutex
	seq   int64
	snaps map[string][]Snapshot
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snaps: make(map[string][]Snapshot)}
}

func (s *MemoryStore) Insert(_ context.Context, snap Snapshot, keep int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	snap.ID = s.seq
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now().UTC()
	}
	list := append(s.snaps[snap.DocID], snap)
	sortByVersion(list)
	if keep > 0 && len(list) > keep {
		list = append([]Snapshot(nil), list[len(list)-keep:]...)
	}
	s.snaps[snap.DocID] = list
	return nil
}

func (s *MemoryStore) List(_ context.Context, docID string) ([]Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Snapshot{}, s.snaps[docID]...), nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func sortByVersion(list []Snapshot) {
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].Version != list[j].Version {
			return list[i].Version < list[j].Version
		}
		return list[i].ID < list[j].ID
	})
}
