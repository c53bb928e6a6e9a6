package ingest

import (
	"context"
	"errors"
	"fmt"
	"slices"

	log "github.com/sirupsen/logrus"

	"exam-results/internal/models"
	"exam-results/internal/sheet"
	"exam-results/internal/telemetry"
	"exam-results/internal/worker"
)

// ErrNoQueue is returned by Submit on an orchestrator built without a queue.
var ErrNoQueue = errors.New("no worker queue configured")

// SubmissionRejected is returned for uploads refused before any job exists.
type SubmissionRejected struct {
	Code   string
	Reason string
}

func (e *SubmissionRejected) Error() string {
	return "upload rejected: " + e.Reason
}

// Upload is a submitted result sheet.
type Upload struct {
	FileName  string
	SessionID int64
	Data      []byte
}

// Validate checks the upload against the size bound and extension allow-list.
func (o *Orchestrator) Validate(up Upload) error {
	ext := sheet.Ext(up.FileName)
	if up.FileName == "" || ext == "" {
		return &SubmissionRejected{Code: "extension", Reason: "file name has no extension"}
	}
	if len(o.opts.AllowedExtensions) > 0 && !slices.Contains(o.opts.AllowedExtensions, ext) {
		return &SubmissionRejected{Code: "extension", Reason: fmt.Sprintf("extension %s not allowed", ext)}
	}
	if len(up.Data) == 0 {
		return &SubmissionRejected{Code: "empty", Reason: "file is empty"}
	}
	if o.opts.MaxUploadBytes > 0 && int64(len(up.Data)) > o.opts.MaxUploadBytes {
		return &SubmissionRejected{Code: "size", Reason: fmt.Sprintf("file exceeds %d bytes", o.opts.MaxUploadBytes)}
	}
	if up.SessionID <= 0 {
		return &SubmissionRejected{Code: "session", Reason: "session_id must be a positive integer"}
	}
	return nil
}

// Submit validates up, registers a pending job and queues it. It returns as soon as the job is
// queued; progress is observed through the registry.
func (o *Orchestrator) Submit(_ context.Context, up Upload) (models.Job, error) {
	if err := o.Validate(up); err != nil {
		var rej *SubmissionRejected
		if errors.As(err, &rej) {
			telemetry.UploadsRejected.WithLabelValues(rej.Code).Inc()
		}
		return models.Job{}, err
	}
	if o.queue == nil {
		return models.Job{}, ErrNoQueue
	}

	job := o.registry.Create(up.SessionID, up.FileName, sheet.EstimateRows(up.FileName, up.Data))
	data := up.Data
	err := o.queue.Enqueue(worker.Task{
		ID:  job.ID,
		Run: func(ctx context.Context) { o.Run(ctx, job, data) },
	})
	if err != nil {
		if ferr := o.registry.Fail(job.ID, fmt.Sprintf("queue job: %v", err)); ferr != nil {
			o.logger.WithError(ferr).WithField("task_id", job.ID).Error("record queue failure")
		}
		telemetry.JobsFinished.WithLabelValues(models.StatusFailed).Inc()
		return job, fmt.Errorf("queue job %s: %w", job.ID, err)
	}
	telemetry.UploadsAccepted.Inc()
	o.logger.WithFields(log.Fields{
		"task_id":    job.ID,
		"session_id": job.SessionID,
		"file":       job.FileName,
		"total_rows": job.TotalRows,
	}).Info("upload queued")
	return job, nil
}
