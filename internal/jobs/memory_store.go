package jobs

import (
	"errors"
	"sync"
)

// MemoryStore is the default in-process Store. Job state does not survive a
// restart, which is acceptable for this service's single-process model.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]*Job
}

// NewMemoryStore creates an empty in-memory job store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]*Job)}
}

func (s *MemoryStore) Create(job *Job) error {
	if job == nil {
		return errors.New("job is nil")
	}
	if job.ID == "" {
		return errors.New("job.ID is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.data[job.ID]; exists {
		return errors.New("job id already exists")
	}
	s.data[job.ID] = job.Clone()
	return nil
}

func (s *MemoryStore) Get(id string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.data[id]
	if !ok {
		return nil, ErrNotFound
	}
	return j.Clone(), nil
}

// Update runs mutate on the stored record while holding the write lock, so a
// get-then-set race between concurrent writers is impossible.
func (s *MemoryStore) Update(id string, mutate func(*Job)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.data[id]
	if !ok {
		return ErrNotFound
	}
	mutate(j)
	return nil
}

func (s *MemoryStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[id]; !ok {
		return ErrNotFound
	}
	delete(s.data, id)
	return nil
}

// Snapshot returns copies of all jobs. Safe to iterate while other
// goroutines create or delete records.
func (s *MemoryStore) Snapshot() ([]*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Job, 0, len(s.data))
	for _, j := range s.data {
		out = append(out, j.Clone())
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
