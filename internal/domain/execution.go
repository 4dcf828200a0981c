// internal/domain/execution.go
package domain

import (
	"context"
	"fmt"
	"time"
)

// ExecutionStatus defines the status of a work transaction.
type ExecutionStatus string

const (
	ExecutionStatusRunning ExecutionStatus = "running"
	ExecutionStatusSuccess ExecutionStatus = "success"
	ExecutionStatusFailed  ExecutionStatus = "failed"
)

// ExecutionRecord represents a single work transaction submitted for a job.
type ExecutionRecord struct {
	ID        string          `json:"id"`                // Unique ID for this submission
	JobID     JobID           `json:"job_id"`            // Job being worked
	Block     uint64          `json:"block"`             // Block whose cycle submitted it
	TxHash    string          `json:"tx_hash,omitempty"` // Empty when broadcasting failed
	StartTime time.Time       `json:"start_time"`
	EndTime   time.Time       `json:"end_time"`
	Status    ExecutionStatus `json:"status"`
	Error     string          `json:"error,omitempty"`
	NodeID    string          `json:"node_id,omitempty"` // Keeper instance that submitted it
}

// Validate checks if the execution record is valid.
func (r *ExecutionRecord) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("execution record ID cannot be empty")
	}
	if r.StartTime.IsZero() {
		return fmt.Errorf("execution record start time cannot be zero")
	}
	if r.Status == "" {
		return fmt.Errorf("execution record status cannot be empty")
	}
	return nil
}

// ExecutionRepository defines the interface for persisting and retrieving execution records.
type ExecutionRepository interface {
	// Save persists a single execution record, replacing any previous version.
	Save(ctx context.Context, record *ExecutionRecord) error
	// ListByJobID retrieves historical execution records for a job, newest first.
	ListByJobID(ctx context.Context, jobID JobID, page, pageSize int) ([]*ExecutionRecord, error)
	// Get retrieves a single execution record by its JobID and ExecutionID.
	Get(ctx context.Context, jobID JobID, executionID string) (*ExecutionRecord, error)
	// ListRunning returns every record whose transaction has not settled yet.
	ListRunning(ctx context.Context) ([]*ExecutionRecord, error)
	// DeleteBefore removes finished records that started before cutoff.
	DeleteBefore(ctx context.Context, cutoff time.Time) (int, error)
}
