package progress

import (
	"fmt"
	"sync"

	"github.com/kirillkom/invoice-pipeline/internal/core/domain"
	"github.com/kirillkom/invoice-pipeline/internal/core/ports"
)

const defaultHistory = 16

// Registry keeps the status stores of the most recent jobs. Older jobs are
// evicted once more than history jobs have been registered.
type Registry struct {
	mu      sync.RWMutex
	history int
	order   []string
	stores  map[string]ports.StatusStore
}

func NewRegistry(history int) *Registry {
	if history <= 0 {
		history = defaultHistory
	}
	return &Registry{
		history: history,
		stores:  make(map[string]ports.StatusStore),
	}
}

func (r *Registry) Register(jobID string, store ports.StatusStore) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.stores[jobID]; exists {
		r.removeFromOrder(jobID)
	}
	r.stores[jobID] = store
	r.order = append(r.order, jobID)

	for len(r.order) > r.history {
		oldest := r.order[0]
		r.order = r.order[1:]
		delete(r.stores, oldest)
	}
}

func (r *Registry) Get(jobID string) (ports.StatusStore, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	store, ok := r.stores[jobID]
	return store, ok
}

// Latest returns the most recently registered job.
func (r *Registry) Latest() (string, ports.StatusStore, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.order) == 0 {
		return "", nil, false
	}
	id := r.order[len(r.order)-1]
	return id, r.stores[id], true
}

// Snapshot reads the store of jobID, or of the latest job when jobID is empty.
// With no jobs registered at all it returns an empty map.
func (r *Registry) Snapshot(jobID string) (map[string]domain.ProcessingItem, error) {
	store, err := r.resolve(jobID)
	if err != nil {
		return nil, err
	}
	if store == nil {
		return map[string]domain.ProcessingItem{}, nil
	}
	return store.Snapshot(), nil
}

// Clear empties the store of jobID, or of the latest job when jobID is
// empty. A job that is no longer tracked counts as already cleared.
func (r *Registry) Clear(jobID string) error {
	store, err := r.resolve(jobID)
	if domain.IsKind(err, domain.ErrJobNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if store != nil {
		store.Clear()
	}
	return nil
}

func (r *Registry) resolve(jobID string) (ports.StatusStore, error) {
	if jobID == "" {
		_, store, _ := r.Latest()
		return store, nil
	}
	store, ok := r.Get(jobID)
	if !ok {
		return nil, domain.WrapError(domain.ErrJobNotFound, "status snapshot", fmt.Errorf("job %q", jobID))
	}
	return store, nil
}

func (r *Registry) removeFromOrder(jobID string) {
	for i, id := range r.order {
		if id == jobID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			return
		}
	}
}
