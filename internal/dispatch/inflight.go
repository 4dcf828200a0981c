package dispatch

import (
	"slices"
	"sync"

	"keeper/internal/domain"
)

// InFlightSet records the jobs that have a work transaction outstanding.
// TryMark is the only way to add a job, so two overlapping cycles can never
// both claim the same job.
type InFlightSet struct {
	mu   sync.Mutex
	jobs map[domain.JobID]struct{}
}

// NewInFlightSet creates an empty set.
func NewInFlightSet() *InFlightSet {
	return &InFlightSet{jobs: make(map[domain.JobID]struct{})}
}

// TryMark marks id as in flight. It returns false if id already was.
func (s *InFlightSet) TryMark(id domain.JobID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; ok {
		return false
	}
	s.jobs[id] = struct{}{}
	return true
}

// Release clears id and reports whether it was marked.
func (s *InFlightSet) Release(id domain.JobID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return false
	}
	delete(s.jobs, id)
	return true
}

// Contains reports whether id is in flight.
func (s *InFlightSet) Contains(id domain.JobID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[id]
	return ok
}

// Len returns the number of jobs in flight.
func (s *InFlightSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// Snapshot returns the in-flight job ids in ascending order.
func (s *InFlightSet) Snapshot() []domain.JobID {
	s.mu.Lock()
	ids := make([]domain.JobID, 0, len(s.jobs))
	for id := range s.jobs {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	slices.Sort(ids)
	return ids
}
