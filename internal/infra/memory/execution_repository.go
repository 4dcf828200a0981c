// Package memory holds process-local implementations used when the keeper
// runs without etcd.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"keeper/internal/domain"
)

// ExecutionRepository keeps execution records in memory.
type ExecutionRepository struct {
	mu      sync.RWMutex
	records map[domain.JobID]map[string]domain.ExecutionRecord
}

// NewExecutionRepository creates an empty in-memory repository.
func NewExecutionRepository() *ExecutionRepository {
	return &ExecutionRepository{
		records: make(map[domain.JobID]map[string]domain.ExecutionRecord),
	}
}

// Save stores a copy of record.
func (r *ExecutionRepository) Save(ctx context.Context, record *domain.ExecutionRecord) error {
	if err := record.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	byID, ok := r.records[record.JobID]
	if !ok {
		byID = make(map[string]domain.ExecutionRecord)
		r.records[record.JobID] = byID
	}
	byID[record.ID] = *record
	return nil
}

// Get returns the record with executionID for jobID.
func (r *ExecutionRepository) Get(ctx context.Context, jobID domain.JobID, executionID string) (*domain.ExecutionRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	record, ok := r.records[jobID][executionID]
	if !ok {
		return nil, domain.ErrExecutionNotFound
	}
	return &record, nil
}

// ListByJobID returns one page of records for jobID, newest first. Pages
// are 1-indexed.
func (r *ExecutionRepository) ListByJobID(ctx context.Context, jobID domain.JobID, page, pageSize int) ([]*domain.ExecutionRecord, error) {
	r.mu.RLock()
	all := make([]*domain.ExecutionRecord, 0, len(r.records[jobID]))
	for _, record := range r.records[jobID] {
		record := record
		all = append(all, &record)
	}
	r.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		return all[i].StartTime.After(all[j].StartTime)
	})

	start := min(max(page-1, 0)*pageSize, len(all))
	end := min(start+pageSize, len(all))
	return all[start:end], nil
}

// ListRunning returns the records still waiting for settlement, oldest first.
func (r *ExecutionRepository) ListRunning(ctx context.Context) ([]*domain.ExecutionRecord, error) {
	r.mu.RLock()
	var out []*domain.ExecutionRecord
	for _, byID := range r.records {
		for _, record := range byID {
			if record.Status != domain.ExecutionStatusRunning {
				continue
			}
			record := record
			out = append(out, &record)
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].StartTime.Before(out[j].StartTime)
	})
	return out, nil
}

// DeleteBefore removes finished records that started before cutoff.
func (r *ExecutionRepository) DeleteBefore(ctx context.Context, cutoff time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	deleted := 0
	for jobID, byID := range r.records {
		for id, record := range byID {
			if record.Status == domain.ExecutionStatusRunning || !record.StartTime.Before(cutoff) {
				continue
			}
			delete(byID, id)
			deleted++
		}
		if len(byID) == 0 {
			delete(r.records, jobID)
		}
	}
	return deleted, nil
}
