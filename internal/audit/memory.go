package audit

import (
	"errors"
	"iter"
	"sort"
	"sync"

	"github.com/xtrntr/fairlaunch/internal/models"
)

// ErrCapacity is returned by a bounded MemoryStore once it is full.
var ErrCapacity = errors.New("memory store capacity reached")

// MemoryStore keeps events in a slice. Appended elements are never
// modified, so a scan can walk a captured prefix without holding the lock.
type MemoryStore struct {
	mu       sync.RWMutex
	events   []models.AuditEvent
	capacity int
}

// NewMemoryStore creates a store holding at most capacity events (0 = unbounded).
func NewMemoryStore(capacity int) *MemoryStore {
	return &MemoryStore{capacity: capacity}
}

func (s *MemoryStore) Put(ev models.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.capacity > 0 && len(s.events) >= s.capacity {
		return ErrCapacity
	}
	s.events = append(s.events, ev)
	return nil
}

func (s *MemoryStore) LastSeq() (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.events) == 0 {
		return 0, nil
	}
	return s.events[len(s.events)-1].Seq, nil
}

func (s *MemoryStore) Scan(from uint64) iter.Seq2[models.AuditEvent, error] {
	return func(yield func(models.AuditEvent, error) bool) {
		s.mu.RLock()
		snapshot := s.events[:len(s.events):len(s.events)]
		s.mu.RUnlock()

		start := sort.Search(len(snapshot), func(i int) bool {
			return snapshot[i].Seq >= from
		})
		for _, ev := range snapshot[start:] {
			if !yield(ev, nil) {
				return
			}
		}
	}
}

func (s *MemoryStore) Close() error {
	return nil
}
