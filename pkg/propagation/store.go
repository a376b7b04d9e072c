package propagation

import (
	"context"
	"sort"
	"sync"
	"time"
)

// ListFilter narrows job listings. Zero values match everything.
type ListFilter struct {
	Status          JobStatus
	InitiatorUserID string
	OrganizationID  string
	// FinishedBefore selects terminal jobs completed before the time
	FinishedBefore time.Time
	Limit          int
}

func (f ListFilter) match(j *Job) bool {
	if f.Status != "" && j.Status != f.Status {
		return false
	}
	if f.InitiatorUserID != "" && j.InitiatorUserID != f.InitiatorUserID {
		return false
	}
	if f.OrganizationID != "" && j.OrganizationID != f.OrganizationID {
		return false
	}
	if !f.FinishedBefore.IsZero() {
		if j.CompletedAt == nil || !j.CompletedAt.Before(f.FinishedBefore) {
			return false
		}
	}
	return true
}

// JobStore persists propagation job records
type JobStore interface {
	Create(ctx context.Context, job *Job) error
	Update(ctx context.Context, job *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	// List returns matching jobs, newest first
	List(ctx context.Context, filter ListFilter) ([]*Job, error)
	Delete(ctx context.Context, ids []string) (int, error)
}

// MemoryJobStore keeps jobs in process
type MemoryJobStore struct {
	mu   sync.RWMutex
	jobs map[string]*Job
}

var _ JobStore = (*MemoryJobStore)(nil)

// NewMemoryJobStore creates an empty store
func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{jobs: make(map[string]*Job)}
}

// Create implements JobStore
func (s *MemoryJobStore) Create(ctx context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job.Clone()
	return nil
}

// Update implements JobStore
func (s *MemoryJobStore) Update(ctx context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; !ok {
		return ErrJobNotFound
	}
	s.jobs[job.ID] = job.Clone()
	return nil
}

// Get implements JobStore
func (s *MemoryJobStore) Get(ctx context.Context, id string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return j.Clone(), nil
}

// List implements JobStore
func (s *MemoryJobStore) List(ctx context.Context, filter ListFilter) ([]*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Job
	for _, j := range s.jobs {
		if filter.match(j) {
			out = append(out, j.Clone())
		}
	}
	sort.Slice(out, func(a, b int) bool {
		return out[a].CreatedAt.After(out[b].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Delete implements JobStore
func (s *MemoryJobStore) Delete(ctx context.Context, ids []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, id := range ids {
		if _, ok := s.jobs[id]; ok {
			delete(s.jobs, id)
			n++
		}
	}
	return n, nil
}
