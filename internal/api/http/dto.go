package http

import (
	"keeper/internal/domain"
)

// historyQuery holds the pagination parameters of GET /jobs/{id}/history.
type historyQuery struct {
	Page     int `validate:"gte=1"`
	PageSize int `validate:"gte=1,lte=100"`
}

// InFlightResponse lists the jobs with an outstanding work transaction.
type InFlightResponse struct {
	Jobs  []domain.JobID `json:"jobs"`
	Count int            `json:"count"`
}

// HistoryResponse is one page of a job's execution records.
type HistoryResponse struct {
	JobID    domain.JobID              `json:"job_id"`
	Page     int                       `json:"page"`
	PageSize int                       `json:"page_size"`
	Records  []*domain.ExecutionRecord `json:"records"`
}

type errorResponse struct {
	Error   string   `json:"error"`
	Details []string `json:"details,omitempty"`
}
