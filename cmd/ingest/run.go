package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"exam-results/internal/config"
	"exam-results/internal/ingest"
	"exam-results/internal/models"
	"exam-results/internal/registry"
	"exam-results/internal/store"
)

type runOptions struct {
	file      string
	sessionID int64
	dryRun    bool
	batchSize int
	policy    string
}

func newRunCmd(cfg config.Config) *cobra.Command {
	opts := runOptions{batchSize: cfg.BatchSize, policy: cfg.BatchFailurePolicy}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Ingest one result sheet synchronously and print the job summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := cfg
			c.BatchSize = opts.batchSize
			c.BatchFailurePolicy = opts.policy
			if err := c.Validate(); err != nil {
				return err
			}
			return runIngest(cmd.Context(), c, opts)
		},
	}
	cmd.Flags().StringVar(&opts.file, "file", "", "Result sheet to ingest, .csv/.xlsx/.xlsm (required)")
	cmd.Flags().Int64Var(&opts.sessionID, "session", 0, "Exam session id (required)")
	cmd.Flags().BoolVar(&opts.dryRun, "dry-run", false, "Map and count rows without writing results")
	cmd.Flags().IntVar(&opts.batchSize, "batch-size", opts.batchSize, "Rows per transaction")
	cmd.Flags().StringVar(&opts.policy, "batch-failure-policy", opts.policy, "When failed batches fail the job: all, any or never")

	_ = cmd.MarkFlagRequired("file")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}

func runIngest(ctx context.Context, cfg config.Config, opts runOptions) error {
	data, err := os.ReadFile(opts.file)
	if err != nil {
		return fmt.Errorf("read %s: %w", opts.file, err)
	}

	st, err := store.New(ctx, store.Config{DSN: cfg.PostgresDSN, MaxConns: 2})
	if err != nil {
		return err
	}
	defer st.Close()

	var target ingest.Store = st
	if opts.dryRun {
		target = dryRunStore{Store: st}
	}

	// Options are built without an upload bound: operators may load files of any size.
	ingestOpts := ingest.OptionsFromConfig(cfg)
	ingestOpts.MaxUploadBytes = 0
	reg := registry.New(cfg.MaxErrorMessages)
	orch := ingest.New(target, reg, nil, nil, ingestOpts)

	up := ingest.Upload{FileName: opts.file, SessionID: opts.sessionID, Data: data}
	if err := orch.Validate(up); err != nil {
		return err
	}
	job := reg.Create(up.SessionID, up.FileName, 0)
	orch.Run(ctx, job, data)

	snap, err := reg.Get(job.ID)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(snap); err != nil {
		return err
	}
	if snap.Status != models.StatusCompleted {
		return fmt.Errorf("job %s %s: %s", snap.ID, snap.Status, snap.FailureReason)
	}
	if !opts.dryRun {
		n, err := st.CountResults(ctx, opts.sessionID)
		if err != nil {
			return err
		}
		log.WithFields(log.Fields{"session_id": opts.sessionID, "results": n}).Info("session results after ingestion")
	}
	return nil
}

// dryRunStore reads sessions, references and existing results from Postgres and discards writes.
type dryRunStore struct {
	*store.Store
}

func (dryRunStore) BeginBatch(context.Context) (store.Batch, error) {
	return discardBatch{}, nil
}

type discardBatch struct{}

func (discardBatch) Insert(context.Context, models.ExamResult) error { return nil }
func (discardBatch) Update(context.Context, models.ExamResult) error { return nil }
func (discardBatch) Commit(context.Context) error                    { return nil }
func (discardBatch) Rollback(context.Context) error                  { return nil }
