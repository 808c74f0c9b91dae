package progress

import (
	"sync"

	"github.com/kirillkom/invoice-pipeline/internal/core/domain"
)

// Store is the in-memory status store of a single job.
type Store struct {
	mu    sync.RWMutex
	items map[string]domain.ProcessingItem
}

func NewStore() *Store {
	return &Store{items: make(map[string]domain.ProcessingItem)}
}

// Set stores a copy of item under its id, replacing any previous state.
func (s *Store) Set(item domain.ProcessingItem) {
	item.ExtractedData = cloneRecord(item.ExtractedData)
	s.mu.Lock()
	s.items[item.ID] = item
	s.mu.Unlock()
}

func (s *Store) Get(id string) (domain.ProcessingItem, bool) {
	s.mu.RLock()
	item, ok := s.items[id]
	s.mu.RUnlock()
	if ok {
		item.ExtractedData = cloneRecord(item.ExtractedData)
	}
	return item, ok
}

// Clear removes every entry. Clearing an empty store is a no-op.
func (s *Store) Clear() {
	s.mu.Lock()
	clear(s.items)
	s.mu.Unlock()
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// Snapshot returns an independent copy; later writes do not affect it.
func (s *Store) Snapshot() map[string]domain.ProcessingItem {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]domain.ProcessingItem, len(s.items))
	for id, item := range s.items {
		item.ExtractedData = cloneRecord(item.ExtractedData)
		out[id] = item
	}
	return out
}

func cloneRecord(rec *domain.InvoiceRecord) *domain.InvoiceRecord {
	if rec == nil {
		return nil
	}
	cp := *rec
	return &cp
}
