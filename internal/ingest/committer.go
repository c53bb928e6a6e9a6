package ingest

import (
	"context"
	"fmt"
	"time"

	"exam-results/internal/store"
	"exam-results/internal/telemetry"
)

// BatchBeginner opens write transactions.
type BatchBeginner interface {
	BeginBatch(ctx context.Context) (store.Batch, error)
}

// BatchCommitError reports a batch whose transaction did not commit. None of its writes persisted.
type BatchCommitError struct {
	Batch int
	Rows  int
	Err   error
}

func (e *BatchCommitError) Error() string {
	return fmt.Sprintf("batch %d (%d rows) not committed: %v", e.Batch, e.Rows, e.Err)
}

func (e *BatchCommitError) Unwrap() error {
	return e.Err
}

// Committer flushes pending writes, one transaction per batch.
type Committer struct {
	db BatchBeginner
}

func NewCommitter(db BatchBeginner) *Committer {
	return &Committer{db: db}
}

// Flush writes p in a single transaction numbered seq. The transaction is rolled back on every
// path that does not commit.
func (c *Committer) Flush(ctx context.Context, seq int, p Pending) (err error) {
	start := time.Now()
	defer func() {
		telemetry.BatchDuration.Observe(time.Since(start).Seconds())
		if err != nil {
			err = &BatchCommitError{Batch: seq, Rows: p.Rows, Err: err}
		}
	}()

	b, err := c.db.BeginBatch(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = b.Rollback(ctx) }()

	for _, w := range p.Writes {
		if w.Update {
			err = b.Update(ctx, w.Result)
		} else {
			err = b.Insert(ctx, w.Result)
		}
		if err != nil {
			return fmt.Errorf("write %s: %w", w.Result.NNI, err)
		}
	}
	return b.Commit(ctx)
}
