// Package ingest runs the bulk ingestion pipeline: a submitted result sheet becomes a job whose
// rows are mapped, upserted in batches and counted in the registry until the job terminates.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"exam-results/internal/archive"
	"exam-results/internal/config"
	"exam-results/internal/mapper"
	"exam-results/internal/models"
	"exam-results/internal/reference"
	"exam-results/internal/registry"
	"exam-results/internal/sheet"
	"exam-results/internal/store"
	"exam-results/internal/telemetry"
	"exam-results/internal/worker"
)

// SessionLookup resolves exam sessions.
type SessionLookup interface {
	GetSession(ctx context.Context, id int64) (models.Session, error)
}

// Store is everything a job reads from or writes to.
type Store interface {
	SessionLookup
	reference.Reader
	Finder
	BatchBeginner
}

// Enqueuer hands jobs to background workers.
type Enqueuer interface {
	Enqueue(task worker.Task) error
}

// Options tunes the pipeline.
type Options struct {
	BatchSize         int
	FailurePolicy     string
	MaxUploadBytes    int64
	AllowedExtensions []string
}

// OptionsFromConfig extracts pipeline options from cfg.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		BatchSize:         cfg.BatchSize,
		FailurePolicy:     cfg.BatchFailurePolicy,
		MaxUploadBytes:    cfg.UploadMaxBytes,
		AllowedExtensions: cfg.UploadAllowedExtensions,
	}
}

// Orchestrator accepts uploads and runs their jobs.
type Orchestrator struct {
	store     Store
	registry  *registry.Registry
	committer *Committer
	queue     Enqueuer
	archiver  archive.Archiver
	opts      Options
	logger    *log.Entry
}

// New builds an orchestrator. queue and archiver may be nil: without a queue Submit is
// unavailable and jobs are driven through Run; without an archiver uploads are not kept.
func New(st Store, reg *registry.Registry, queue Enqueuer, archiver archive.Archiver, opts Options) *Orchestrator {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.FailurePolicy == "" {
		opts.FailurePolicy = config.BatchPolicyAll
	}
	return &Orchestrator{
		store:     st,
		registry:  reg,
		committer: NewCommitter(st),
		queue:     queue,
		archiver:  archiver,
		opts:      opts,
		logger:    log.WithField("component", "ingest"),
	}
}

// Run processes one job to a terminal state. It never returns an error: every outcome is
// recorded in the registry.
func (o *Orchestrator) Run(ctx context.Context, job models.Job, data []byte) {
	logger := o.logger.WithFields(log.Fields{
		"task_id":    job.ID,
		"session_id": job.SessionID,
		"file":       job.FileName,
	})
	if err := o.registry.Start(job.ID); err != nil {
		logger.WithError(err).Warn("job not startable")
		return
	}
	telemetry.ActiveJobs.Inc()
	defer telemetry.ActiveJobs.Dec()
	logger.Info("ingestion started")

	if err := o.process(ctx, job, data, logger); err != nil {
		if ferr := o.registry.Fail(job.ID, err.Error()); ferr != nil {
			logger.WithError(ferr).Error("record job failure")
		}
		telemetry.JobsFinished.WithLabelValues(models.StatusFailed).Inc()
		logger.WithError(err).Error("ingestion failed")
		return
	}
	if err := o.registry.Complete(job.ID); err != nil {
		logger.WithError(err).Error("record job completion")
	}
	telemetry.JobsFinished.WithLabelValues(models.StatusCompleted).Inc()

	snap, _ := o.registry.Get(job.ID)
	logger.WithFields(log.Fields{
		"processed": snap.ProcessedRows,
		"success":   snap.SuccessCount,
		"errors":    snap.ErrorCount,
		"inserted":  snap.InsertedCount,
		"updated":   snap.UpdatedCount,
	}).Info("ingestion completed")
}

// batchState tracks flush outcomes for the escalation policy.
type batchState struct {
	seq        int
	committed  int
	failed     int
	lastFailed bool
	errs       *multierror.Error
}

func (o *Orchestrator) process(ctx context.Context, job models.Job, data []byte, logger *log.Entry) error {
	if o.archiver != nil {
		if where, err := o.archiver.Archive(ctx, job.ID, job.FileName, data); err != nil {
			logger.WithError(err).Warn("archive upload")
		} else {
			logger.WithField("archive", where).Debug("upload archived")
		}
	}

	session, err := o.store.GetSession(ctx, job.SessionID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("exam session %d not found", job.SessionID)
	}
	if err != nil {
		return fmt.Errorf("load exam session %d: %w", job.SessionID, err)
	}

	rows, err := sheet.Read(job.FileName, data)
	if err != nil {
		return fmt.Errorf("read %s: %w", job.FileName, err)
	}
	if err := o.registry.SetTotal(job.ID, len(rows)); err != nil {
		return err
	}

	refs, err := reference.Load(ctx, o.store, session.ExamType)
	if err != nil {
		return err
	}
	insts, regions, tracks := refs.Sizes()
	logger.WithFields(log.Fields{
		"rows":         len(rows),
		"exam_type":    refs.ExamType(),
		"institutions": insts,
		"regions":      regions,
		"tracks":       tracks,
	}).Debug("references loaded")

	engine := NewEngine(o.store)
	state := &batchState{}
	for i, row := range rows {
		if err := o.processRow(ctx, job.ID, engine, row, session.ID, refs, logger); err != nil {
			// Flush what was staged before the failed lookup.
			o.flush(ctx, job.ID, engine, state, logger)
			return fmt.Errorf("storage failure at row %d: %w", row.Number, err)
		}

		if (i+1)%o.opts.BatchSize == 0 || i == len(rows)-1 {
			o.flush(ctx, job.ID, engine, state, logger)
			if o.opts.FailurePolicy == config.BatchPolicyAny && state.failed > 0 {
				return o.batchFailure(state)
			}
		}
	}

	if o.escalate(state) {
		return o.batchFailure(state)
	}
	return nil
}

// processRow maps and stages one row. Rejected rows are counted as errors; the returned error
// is reserved for storage failures, which end the job.
func (o *Orchestrator) processRow(ctx context.Context, jobID string, engine *Engine, row sheet.Row, sessionID int64, refs *reference.Cache, logger *log.Entry) error {
	record, err := mapper.Map(row, sessionID, refs)
	if err != nil {
		telemetry.RowsProcessed.WithLabelValues("error").Inc()
		if rerr := o.registry.RecordError(jobID, err.Error()); rerr != nil {
			logger.WithError(rerr).WithField("row", row.Number).Error("record row error")
		}
		return nil
	}

	inserted, err := engine.Stage(ctx, record)
	if err != nil {
		return err
	}
	telemetry.RowsProcessed.WithLabelValues("success").Inc()
	if rerr := o.registry.RecordSuccess(jobID, inserted); rerr != nil {
		logger.WithError(rerr).WithField("row", row.Number).Error("record row success")
	}
	return nil
}

func (o *Orchestrator) flush(ctx context.Context, jobID string, engine *Engine, state *batchState, logger *log.Entry) {
	if engine.Len() == 0 {
		return
	}
	pending := engine.Drain()
	state.seq++

	err := o.committer.Flush(ctx, state.seq, pending)
	if err != nil {
		state.failed++
		state.lastFailed = true
		state.errs = multierror.Append(state.errs, err)
		telemetry.BatchesFailed.Inc()
		telemetry.RowsProcessed.WithLabelValues("error").Add(float64(pending.Rows))
		if rerr := o.registry.FailBatch(jobID, pending.Rows, pending.Inserted, pending.Updated, err.Error()); rerr != nil {
			logger.WithError(rerr).Error("record batch failure")
		}
		logger.WithError(err).WithField("batch", state.seq).Warn("batch failed")
		return
	}
	state.committed++
	state.lastFailed = false
	telemetry.BatchesCommitted.Inc()
	if rerr := o.registry.BatchCommitted(jobID); rerr != nil {
		logger.WithError(rerr).Error("record batch commit")
	}
	logger.WithFields(log.Fields{"batch": state.seq, "rows": pending.Rows}).Debug("batch committed")
}

// escalate applies the failure policy once every row has been processed.
func (o *Orchestrator) escalate(state *batchState) bool {
	switch o.opts.FailurePolicy {
	case config.BatchPolicyNever:
		return false
	case config.BatchPolicyAny:
		return state.failed > 0
	default:
		return state.lastFailed && state.committed == 0
	}
}

func (o *Orchestrator) batchFailure(state *batchState) error {
	state.errs.ErrorFormat = func(errs []error) string {
		msgs := make([]string, len(errs))
		for i, e := range errs {
			msgs[i] = e.Error()
		}
		return strings.Join(msgs, "; ")
	}
	return fmt.Errorf("%d of %d batches failed: %w", state.failed, state.seq, state.errs)
}
