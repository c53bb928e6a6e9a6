// Package registry tracks ingestion jobs in memory. Each job is mutated by the single worker
// running it and read concurrently by pollers, which always receive copies.
package registry

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"exam-results/internal/models"
)

var (
	// ErrJobNotFound is returned for ids the registry never issued.
	ErrJobNotFound = errors.New("job not found")
	// ErrTerminal is returned when mutating a completed or failed job.
	ErrTerminal = errors.New("job already finished")
)

// DefaultMaxErrors bounds the error log kept per job.
const DefaultMaxErrors = 50

// Registry owns every job of the process.
type Registry struct {
	mu        sync.RWMutex
	jobs      map[string]*entry
	maxErrors int
	now       func() time.Time
}

type entry struct {
	mu  sync.RWMutex
	job models.Job
}

// New creates a registry keeping at most maxErrors messages per job.
func New(maxErrors int) *Registry {
	if maxErrors <= 0 {
		maxErrors = DefaultMaxErrors
	}
	return &Registry{
		jobs:      make(map[string]*entry),
		maxErrors: maxErrors,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Create registers a pending job and returns its snapshot.
func (r *Registry) Create(sessionID int64, fileName string, totalRows int) models.Job {
	job := models.Job{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		FileName:  fileName,
		Status:    models.StatusPending,
		TotalRows: totalRows,
		Errors:    []string{},
		CreatedAt: r.now(),
	}
	r.mu.Lock()
	r.jobs[job.ID] = &entry{job: job}
	r.mu.Unlock()
	return copyJob(job)
}

// Get returns a snapshot of the job.
func (r *Registry) Get(id string) (models.Job, error) {
	e, err := r.entry(id)
	if err != nil {
		return models.Job{}, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return copyJob(e.job), nil
}

// Len returns the number of jobs held.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.jobs)
}

// Start moves a pending job to processing.
func (r *Registry) Start(id string) error {
	return r.update(id, func(j *models.Job) error {
		if j.Status != models.StatusPending {
			return fmt.Errorf("start job in state %s", j.Status)
		}
		now := r.now()
		j.Status = models.StatusProcessing
		j.StartedAt = &now
		return nil
	})
}

// SetTotal replaces the advisory row estimate with the parsed row count.
func (r *Registry) SetTotal(id string, total int) error {
	return r.update(id, func(j *models.Job) error {
		j.TotalRows = total
		j.Progress = progress(j)
		return nil
	})
}

// RecordSuccess counts one staged row. inserted tells whether it creates a new record.
func (r *Registry) RecordSuccess(id string, inserted bool) error {
	return r.update(id, func(j *models.Job) error {
		j.ProcessedRows++
		j.SuccessCount++
		if inserted {
			j.InsertedCount++
		} else {
			j.UpdatedCount++
		}
		j.Progress = progress(j)
		return nil
	})
}

// RecordError counts one rejected row and logs msg.
func (r *Registry) RecordError(id, msg string) error {
	return r.update(id, func(j *models.Job) error {
		j.ProcessedRows++
		j.ErrorCount++
		r.appendError(j, msg)
		j.Progress = progress(j)
		return nil
	})
}

// BatchCommitted counts a flushed batch.
func (r *Registry) BatchCommitted(id string) error {
	return r.update(id, func(j *models.Job) error {
		j.BatchesCommitted++
		return nil
	})
}

// FailBatch moves the rows of a failed batch from success to error. Processed rows are untouched.
func (r *Registry) FailBatch(id string, rows, inserted, updated int, msg string) error {
	return r.update(id, func(j *models.Job) error {
		if rows > j.SuccessCount || inserted > j.InsertedCount || updated > j.UpdatedCount {
			return fmt.Errorf("batch of %d rows exceeds recorded successes", rows)
		}
		j.SuccessCount -= rows
		j.ErrorCount += rows
		j.InsertedCount -= inserted
		j.UpdatedCount -= updated
		j.BatchesFailed++
		r.appendError(j, msg)
		return nil
	})
}

// Complete finishes the job successfully.
func (r *Registry) Complete(id string) error {
	return r.update(id, func(j *models.Job) error {
		now := r.now()
		j.Status = models.StatusCompleted
		j.Progress = 100
		j.FinishedAt = &now
		return nil
	})
}

// Fail finishes the job with reason, which is also appended to the error log.
func (r *Registry) Fail(id, reason string) error {
	return r.update(id, func(j *models.Job) error {
		now := r.now()
		j.Status = models.StatusFailed
		j.FailureReason = reason
		j.FinishedAt = &now
		r.appendError(j, reason)
		return nil
	})
}

// Counts returns the number of jobs per status.
func (r *Registry) Counts() map[string]int {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.jobs))
	for _, e := range r.jobs {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make(map[string]int, 4)
	for _, e := range entries {
		e.mu.RLock()
		out[e.job.Status]++
		e.mu.RUnlock()
	}
	return out
}

func (r *Registry) entry(id string) (*entry, error) {
	r.mu.RLock()
	e, ok := r.jobs[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return e, nil
}

func (r *Registry) update(id string, fn func(*models.Job) error) error {
	e, err := r.entry(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if models.IsTerminal(e.job.Status) {
		return fmt.Errorf("%w: %s is %s", ErrTerminal, id, e.job.Status)
	}
	return fn(&e.job)
}

func (r *Registry) appendError(j *models.Job, msg string) {
	if msg == "" || len(j.Errors) >= r.maxErrors {
		return
	}
	j.Errors = append(j.Errors, msg)
}

func progress(j *models.Job) int {
	if j.TotalRows <= 0 {
		return 0
	}
	p := j.ProcessedRows * 100 / j.TotalRows
	if p > 100 {
		p = 100
	}
	return p
}

func copyJob(j models.Job) models.Job {
	j.Errors = append([]string{}, j.Errors...)
	if j.StartedAt != nil {
		t := *j.StartedAt
		j.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		j.FinishedAt = &t
	}
	return j
}
