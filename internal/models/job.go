package models

import (
	"time"
)

// JobStatus enumerates ingestion job lifecycle states.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// IsTerminal reports whether no further transitions are allowed from status.
func IsTerminal(status string) bool {
	return status == StatusCompleted || status == StatusFailed
}

// Job is a point-in-time copy of an ingestion job as seen by pollers.
type Job struct {
	ID               string     `json:"task_id"`
	SessionID        int64      `json:"session_id"`
	FileName         string     `json:"file_name"`
	Status           string     `json:"status"`
	Progress         int        `json:"progress"`
	TotalRows        int        `json:"total_rows"`
	ProcessedRows    int        `json:"processed_rows"`
	SuccessCount     int        `json:"success_count"`
	ErrorCount       int        `json:"error_count"`
	InsertedCount    int        `json:"inserted_count"`
	UpdatedCount     int        `json:"updated_count"`
	BatchesCommitted int        `json:"batches_committed"`
	BatchesFailed    int        `json:"batches_failed"`
	Errors           []string   `json:"errors"`
	FailureReason    string     `json:"failure_reason,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	FinishedAt       *time.Time `json:"finished_at,omitempty"`
}
