package domain

import (
	"context"
	"time"
)

// JobEventType names a point in a work transaction's lifecycle.
type JobEventType string

const (
	JobEventSubmitted JobEventType = "submitted"
	JobEventFinished  JobEventType = "finished"
)

// JobEvent is published for external observers of the keeper.
type JobEvent struct {
	Type      JobEventType    `json:"type"`
	JobID     JobID           `json:"job_id"`
	Block     uint64          `json:"block"`
	TxHash    string          `json:"tx_hash,omitempty"`
	Status    ExecutionStatus `json:"status"`
	Error     string          `json:"error,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// EventPublisher delivers job lifecycle events. Publishing is best effort.
type EventPublisher interface {
	Publish(ctx context.Context, event JobEvent) error
	Close() error
}
