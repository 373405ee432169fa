package escrow

import (
	"context"
	"fmt"
	"sync"

	"github.com/juno-intents/depositholder/internal/identity"
)

// MemoryStore is an in-process Store for tests and single-process usage.
type MemoryStore struct {
	mu sync.Mutex

	hasMeta bool
	meta    Meta
	epoch   uint64
	batches map[uint64]BatchRecord
	index   map[identity.Key]uint64
	refs    map[uint64]int

	commits int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		batches: make(map[uint64]BatchRecord),
		index:   make(map[identity.Key]uint64),
		refs:    make(map[uint64]int),
	}
}

func (s *MemoryStore) Load(_ context.Context) (Snapshot, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.hasMeta {
		return Snapshot{}, false, nil
	}
	batches := make([]BatchRecord, 0, len(s.batches))
	for _, r := range s.batches {
		batches = append(batches, r)
	}
	index := make([]IndexRecord, 0, len(s.index))
	for k, m := range s.index {
		index = append(index, IndexRecord{Key: k, MaturesAt: m})
	}
	return BuildSnapshot(s.meta, batches, index), true, nil
}

func (s *MemoryStore) Commit(ctx context.Context, change Change, settle func(context.Context) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if change.Epoch < s.epoch {
		return fmt.Errorf("%w: epoch %d < %d", ErrFenced, change.Epoch, s.epoch)
	}
	if settle != nil {
		if err := settle(ctx); err != nil {
			return err
		}
	}

	s.hasMeta = true
	s.meta = change.Meta
	s.epoch = change.Epoch

	var prune []uint64
	for _, r := range change.Batches {
		s.batches[r.MaturesAt] = r
		if r.Drained {
			prune = append(prune, r.MaturesAt)
		}
	}
	for _, r := range change.Index {
		if old, ok := s.index[r.Key]; ok {
			s.refs[old]--
			prune = append(prune, old)
		}
		s.index[r.Key] = r.MaturesAt
		s.refs[r.MaturesAt]++
	}
	for _, m := range prune {
		if s.refs[m] > 0 || !s.batches[m].Drained {
			continue
		}
		delete(s.refs, m)
		delete(s.batches, m)
	}
	s.commits++
	return nil
}

// Commits reports how many changes have been applied.
func (s *MemoryStore) Commits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commits
}

// Rows reports how many batch rows are retained.
func (s *MemoryStore) Rows() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batches)
}
