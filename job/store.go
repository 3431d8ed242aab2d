package job

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Store is the in-memory job registry. Records do not survive a restart.
//
// The store itself does not validate status transitions; the pipeline
// coordinator is the only writer of a running job and owns the state
// machine.
type Store struct {
	mu        sync.RWMutex
	jobs      map[string]*Job
	retention time.Duration
	evict     func(Job)
}

// NewStore creates a store that keeps terminal jobs for the given retention
// before the janitor evicts them. evict, if not nil, is called with a
// snapshot of every evicted job so its output files can be removed.
func NewStore(retention time.Duration, evict func(Job)) *Store {
	return &Store{
		jobs:      map[string]*Job{},
		retention: retention,
		evict:     evict,
	}
}

// Create inserts a fresh pending record and returns its id.
func (s *Store) Create(kind string) string {
	now := time.Now()
	j := &Job{
		ID:          uuid.NewString(),
		Kind:        kind,
		Status:      StatusPending,
		Progress:    0,
		CurrentStep: "initialization",
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[j.ID] = j
	return j.ID
}

// Get returns a snapshot of the record, or false for an unknown id.
func (s *Store) Get(id string) (Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return Job{}, false
	}
	return j.Clone(), true
}

// Update applies fn to the record under the write lock and refreshes the
// update timestamp. Returns false for an unknown id.
func (s *Store) Update(id string, fn func(*Job)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return false
	}
	fn(j)
	j.UpdatedAt = time.Now()
	return true
}

// Delete removes the record. Returns false for an unknown id.
func (s *Store) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return false
	}
	delete(s.jobs, id)
	return true
}

// List returns snapshots of all records.
func (s *Store) List() []Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		res = append(res, j.Clone())
	}
	return res
}

// StartJanitor launches the eviction loop. Terminal jobs older than the
// retention are dropped together with their outputs.
func (s *Store) StartJanitor(ctx context.Context) {
	interval := s.retention / 4
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				log.Info().Msg("job janitor shutting down")
				return
			case <-ticker.C:
				s.sweep(time.Now())
			}
		}
	}()
}

func (s *Store) sweep(now time.Time) {
	var expired []Job
	s.mu.Lock()
	for id, j := range s.jobs {
		if j.Status.Terminal() && now.Sub(j.UpdatedAt) > s.retention {
			expired = append(expired, j.Clone())
			delete(s.jobs, id)
		}
	}
	s.mu.Unlock()
	for _, j := range expired {
		log.Info().Str("ID", j.ID).Msg("evicting expired job")
		if s.evict != nil {
			s.evict(j)
		}
	}
}
