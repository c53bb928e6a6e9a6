package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"exam-results/internal/config"
	"exam-results/internal/models"
	"exam-results/internal/reference"
	"exam-results/internal/registry"
	"exam-results/internal/sheet"
	"exam-results/internal/store/memstore"
	"exam-results/internal/worker"
)

const testSession = int64(7)

func newStore() *memstore.Store {
	st := memstore.New()
	st.AddSession(models.Session{ID: testSession, Year: 2024, ExamType: "bac", Name: "Bac 2024"})
	st.SetReferences(
		[]models.Institution{{ID: 1, Code: "E01", NameFr: "Lycée de Rosso"}},
		[]models.Region{{ID: 6, Code: "06", NameFr: "Trarza"}},
		[]models.Track{{ID: 3, Code: "SN", ExamType: "bac"}},
	)
	return st
}

func nni(i int) string {
	return fmt.Sprintf("NNI%07d", i)
}

// sheetCSV builds n valid rows; edit may alter the fields of row i (1-based).
func sheetCSV(n int, edit func(i int, f map[string]string)) []byte {
	cols := []string{"NNI", "NOMPL", "Decision", "MOYBAC", "SERIE", "WILAYA_FR", "Etablissement", "DATN"}
	var b strings.Builder
	b.WriteString(strings.Join(cols, ",") + "\n")
	for i := 1; i <= n; i++ {
		f := map[string]string{
			"NNI":           nni(i),
			"NOMPL":         fmt.Sprintf("Candidat %d", i),
			"Decision":      "Admis",
			"MOYBAC":        "12.5",
			"SERIE":         "SN",
			"WILAYA_FR":     "Trarza",
			"Etablissement": "Rosso",
			"DATN":          "01/02/06",
		}
		if edit != nil {
			edit(i, f)
		}
		vals := make([]string, len(cols))
		for j, c := range cols {
			vals[j] = f[c]
		}
		b.WriteString(strings.Join(vals, ",") + "\n")
	}
	return []byte(b.String())
}

func run(t *testing.T, o *Orchestrator, reg *registry.Registry, name string, data []byte) models.Job {
	t.Helper()
	job := reg.Create(testSession, name, 0)
	o.Run(context.Background(), job, data)
	snap, err := reg.Get(job.ID)
	require.NoError(t, err)
	require.True(t, models.IsTerminal(snap.Status), "job left in %s", snap.Status)
	assert.Equal(t, snap.ProcessedRows, snap.SuccessCount+snap.ErrorCount)
	return snap
}

func TestRun_BadAverageLeavesFieldEmpty(t *testing.T) {
	st := newStore()
	reg := registry.New(50)
	o := New(st, reg, nil, nil, Options{BatchSize: 100})

	snap := run(t, o, reg, "bac.csv", sheetCSV(250, func(i int, f map[string]string) {
		if i == 17 {
			f["MOYBAC"] = "abc"
		}
	}))

	assert.Equal(t, models.StatusCompleted, snap.Status)
	assert.Equal(t, 250, snap.TotalRows)
	assert.Equal(t, 250, snap.ProcessedRows)
	assert.Equal(t, 250, snap.SuccessCount)
	assert.Equal(t, 0, snap.ErrorCount)
	assert.Equal(t, 250, snap.InsertedCount)
	assert.Equal(t, 3, snap.BatchesCommitted)
	assert.Equal(t, 100, snap.Progress)

	results := st.Results(testSession)
	require.Len(t, results, 250)
	for _, r := range results {
		if r.NNI == nni(17) {
			assert.Nil(t, r.Average)
		} else {
			require.NotNil(t, r.Average, r.NNI)
			assert.InDelta(t, 12.5, *r.Average, 1e-9)
		}
		require.NotNil(t, r.TrackID)
		assert.Equal(t, int64(3), *r.TrackID)
		require.NotNil(t, r.RegionID)
		require.NotNil(t, r.InstitutionID)
		assert.True(t, r.IsPublished)
	}
}

func TestRun_MissingNNIIsRowError(t *testing.T) {
	st := newStore()
	reg := registry.New(50)
	o := New(st, reg, nil, nil, Options{BatchSize: 100})

	snap := run(t, o, reg, "bac.csv", sheetCSV(5, func(i int, f map[string]string) {
		if i == 3 {
			f["NNI"] = ""
		}
	}))

	assert.Equal(t, models.StatusCompleted, snap.Status)
	assert.Equal(t, 5, snap.ProcessedRows)
	assert.Equal(t, 4, snap.SuccessCount)
	assert.Equal(t, 1, snap.ErrorCount)
	require.Len(t, snap.Errors, 1)
	assert.Contains(t, snap.Errors[0], "row 3")
	assert.Contains(t, snap.Errors[0], "missing required field")
	assert.Len(t, st.Results(testSession), 4)
}

func TestRun_MiddleBatchFailure(t *testing.T) {
	st := newStore()
	st.FailCommits(func(batch int) error {
		if batch == 2 {
			return errors.New("deadlock detected")
		}
		return nil
	})
	reg := registry.New(50)
	o := New(st, reg, nil, nil, Options{BatchSize: 100, FailurePolicy: config.BatchPolicyAll})

	snap := run(t, o, reg, "bac.csv", sheetCSV(300, nil))

	assert.Equal(t, models.StatusCompleted, snap.Status)
	assert.Equal(t, 300, snap.ProcessedRows)
	assert.Equal(t, 200, snap.SuccessCount)
	assert.Equal(t, 100, snap.ErrorCount)
	assert.Equal(t, 2, snap.BatchesCommitted)
	assert.Equal(t, 1, snap.BatchesFailed)
	require.Len(t, snap.Errors, 1)
	assert.Contains(t, snap.Errors[0], "deadlock detected")

	stored := make(map[string]bool)
	for _, r := range st.Results(testSession) {
		stored[r.NNI] = true
	}
	assert.Len(t, stored, 200)
	for i := 1; i <= 300; i++ {
		assert.Equal(t, i <= 100 || i > 200, stored[nni(i)], "row %d", i)
	}
}

func TestRun_EveryBatchFailingFailsJob(t *testing.T) {
	st := newStore()
	st.FailCommits(func(int) error { return errors.New("disk full") })
	reg := registry.New(50)
	o := New(st, reg, nil, nil, Options{BatchSize: 10})

	snap := run(t, o, reg, "bac.csv", sheetCSV(25, nil))

	assert.Equal(t, models.StatusFailed, snap.Status)
	assert.Equal(t, 25, snap.ProcessedRows)
	assert.Equal(t, 25, snap.ErrorCount)
	assert.Equal(t, 3, snap.BatchesFailed)
	assert.Contains(t, snap.FailureReason, "3 of 3 batches failed")
	assert.Contains(t, snap.FailureReason, "disk full")
}

func TestRun_FailurePolicies(t *testing.T) {
	failSecond := func(batch int) error {
		if batch == 2 {
			return errors.New("serialization failure")
		}
		return nil
	}

	t.Run("any stops at first failed batch", func(t *testing.T) {
		st := newStore()
		st.FailCommits(failSecond)
		reg := registry.New(50)
		o := New(st, reg, nil, nil, Options{BatchSize: 10, FailurePolicy: config.BatchPolicyAny})

		snap := run(t, o, reg, "bac.csv", sheetCSV(30, nil))
		assert.Equal(t, models.StatusFailed, snap.Status)
		assert.Equal(t, 20, snap.ProcessedRows)
		assert.Equal(t, 10, snap.SuccessCount)
		assert.Len(t, st.Results(testSession), 10)
	})

	t.Run("never completes", func(t *testing.T) {
		st := newStore()
		st.FailCommits(func(int) error { return errors.New("down") })
		reg := registry.New(50)
		o := New(st, reg, nil, nil, Options{BatchSize: 10, FailurePolicy: config.BatchPolicyNever})

		snap := run(t, o, reg, "bac.csv", sheetCSV(30, nil))
		assert.Equal(t, models.StatusCompleted, snap.Status)
		assert.Equal(t, 30, snap.ErrorCount)
	})

	t.Run("all tolerates a failed final batch after commits", func(t *testing.T) {
		st := newStore()
		st.FailCommits(func(batch int) error {
			if batch == 3 {
				return errors.New("timeout")
			}
			return nil
		})
		reg := registry.New(50)
		o := New(st, reg, nil, nil, Options{BatchSize: 10})

		snap := run(t, o, reg, "bac.csv", sheetCSV(25, nil))
		assert.Equal(t, models.StatusCompleted, snap.Status)
		assert.Equal(t, 20, snap.SuccessCount)
		assert.Equal(t, 5, snap.ErrorCount)
	})
}

func TestRun_MissingSession(t *testing.T) {
	reg := registry.New(50)
	o := New(newStore(), reg, nil, nil, Options{})

	job := reg.Create(999, "bac.csv", 3)
	o.Run(context.Background(), job, sheetCSV(3, nil))

	snap, err := reg.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, snap.Status)
	assert.Equal(t, 0, snap.ProcessedRows)
	assert.Contains(t, snap.FailureReason, "exam session 999 not found")
}

func TestRun_ReferenceLoadFailure(t *testing.T) {
	st := newStore()
	st.FailReferences(errors.New("relation ref_etablissements does not exist"))
	reg := registry.New(50)
	o := New(st, reg, nil, nil, Options{})

	snap := run(t, o, reg, "bac.csv", sheetCSV(3, nil))
	assert.Equal(t, models.StatusFailed, snap.Status)
	assert.Equal(t, 0, snap.ProcessedRows)
	assert.Contains(t, snap.FailureReason, "ref_etablissements")
	assert.Empty(t, st.Results(testSession))
}

func TestRun_UnreadableFile(t *testing.T) {
	reg := registry.New(50)
	o := New(newStore(), reg, nil, nil, Options{})

	snap := run(t, o, reg, "bac.xlsx", []byte("definitely not a workbook"))
	assert.Equal(t, models.StatusFailed, snap.Status)
	assert.Contains(t, snap.FailureReason, "bac.xlsx")
}

func TestRun_EmptySheetCompletes(t *testing.T) {
	reg := registry.New(50)
	o := New(newStore(), reg, nil, nil, Options{})

	snap := run(t, o, reg, "bac.csv", []byte("NNI,NOMPL,Decision\n"))
	assert.Equal(t, models.StatusCompleted, snap.Status)
	assert.Equal(t, 0, snap.TotalRows)
	assert.Equal(t, 0, snap.BatchesCommitted)
}

func TestRun_ReingestionIsIdempotent(t *testing.T) {
	st := newStore()
	reg := registry.New(50)
	o := New(st, reg, nil, nil, Options{BatchSize: 4})
	data := sheetCSV(10, nil)

	first := run(t, o, reg, "bac.csv", data)
	assert.Equal(t, 10, first.InsertedCount)
	before := st.Results(testSession)

	second := run(t, o, reg, "bac.csv", data)
	assert.Equal(t, models.StatusCompleted, second.Status)
	assert.Equal(t, 0, second.InsertedCount)
	assert.Equal(t, 10, second.UpdatedCount)
	assert.Equal(t, before, st.Results(testSession))
}

func TestRun_DuplicateRowsLastWriteWins(t *testing.T) {
	st := newStore()
	reg := registry.New(50)
	o := New(st, reg, nil, nil, Options{BatchSize: 100})

	snap := run(t, o, reg, "bac.csv", sheetCSV(3, func(i int, f map[string]string) {
		f["NNI"] = nni(1)
		f["Decision"] = fmt.Sprintf("Decision %d", i)
	}))

	assert.Equal(t, 3, snap.SuccessCount)
	assert.Equal(t, 1, snap.InsertedCount)
	assert.Equal(t, 2, snap.UpdatedCount)
	results := st.Results(testSession)
	require.Len(t, results, 1)
	assert.Equal(t, "Decision 3", results[0].Decision)
}

func TestSubmit_RejectsBeforeCreatingJob(t *testing.T) {
	reg := registry.New(50)
	pool := worker.NewPool(worker.WithWorkers(1))
	defer pool.Shutdown(context.Background())
	o := New(newStore(), reg, pool, nil, Options{
		MaxUploadBytes:    64,
		AllowedExtensions: []string{".csv", ".xlsx", ".xlsm"},
	})

	cases := []Upload{
		{FileName: "report.pdf", SessionID: testSession, Data: []byte("%PDF-1.4")},
		{FileName: "noext", SessionID: testSession, Data: []byte("x")},
		{FileName: "big.csv", SessionID: testSession, Data: make([]byte, 65)},
		{FileName: "empty.csv", SessionID: testSession},
		{FileName: "bac.csv", SessionID: 0, Data: []byte("NNI\n")},
	}
	for _, up := range cases {
		_, err := o.Submit(context.Background(), up)
		var rej *SubmissionRejected
		assert.ErrorAs(t, err, &rej, up.FileName)
	}
	assert.Equal(t, 0, reg.Len())
}

func TestSubmit_RunsInBackground(t *testing.T) {
	st := newStore()
	reg := registry.New(50)
	pool := worker.NewPool(worker.WithWorkers(2))
	o := New(st, reg, pool, nil, Options{BatchSize: 50, AllowedExtensions: []string{".csv"}})

	job, err := o.Submit(context.Background(), Upload{FileName: "bac.csv", SessionID: testSession, Data: sheetCSV(120, nil)})
	require.NoError(t, err)
	assert.Equal(t, 120, job.TotalRows)
	assert.Equal(t, models.StatusPending, job.Status)

	require.Eventually(t, func() bool {
		snap, err := reg.Get(job.ID)
		return err == nil && snap.Status == models.StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, pool.Shutdown(context.Background()))
	assert.Len(t, st.Results(testSession), 120)
}

func TestSubmit_WithoutQueue(t *testing.T) {
	o := New(newStore(), registry.New(50), nil, nil, Options{})
	_, err := o.Submit(context.Background(), Upload{FileName: "bac.csv", SessionID: testSession, Data: []byte("NNI\n")})
	assert.ErrorIs(t, err, ErrNoQueue)
}

// lookupFailingStore fails every FindResult from the failFrom-th call on.
type lookupFailingStore struct {
	*memstore.Store
	failFrom int
	calls    int
}

func (s *lookupFailingStore) FindResult(ctx context.Context, nni string, sessionID int64) (models.ExamResult, bool, error) {
	s.calls++
	if s.calls >= s.failFrom {
		return models.ExamResult{}, false, errors.New("connection refused")
	}
	return s.Store.FindResult(ctx, nni, sessionID)
}

func TestRun_LookupFailureFailsJob(t *testing.T) {
	st := &lookupFailingStore{Store: newStore(), failFrom: 1}
	reg := registry.New(50)
	o := New(st, reg, nil, nil, Options{BatchSize: 100})

	snap := run(t, o, reg, "bac.csv", sheetCSV(250, nil))

	assert.Equal(t, models.StatusFailed, snap.Status)
	assert.Equal(t, 0, snap.ProcessedRows)
	assert.Contains(t, snap.FailureReason, "row 1")
	assert.Contains(t, snap.FailureReason, "connection refused")
	assert.Empty(t, st.Results(testSession))
}

func TestRun_LookupFailureMidJobKeepsStagedRows(t *testing.T) {
	st := &lookupFailingStore{Store: newStore(), failFrom: 150}
	reg := registry.New(50)
	o := New(st, reg, nil, nil, Options{BatchSize: 100})

	snap := run(t, o, reg, "bac.csv", sheetCSV(250, nil))

	assert.Equal(t, models.StatusFailed, snap.Status)
	assert.Equal(t, 149, snap.ProcessedRows)
	assert.Equal(t, 149, snap.SuccessCount)
	assert.Equal(t, 2, snap.BatchesCommitted)
	assert.Contains(t, snap.FailureReason, "row 150")
	assert.Len(t, st.Results(testSession), 149)
}

func TestSubmit_ConcurrentJobsShareRegistry(t *testing.T) {
	reg := registry.New(50)
	pool := worker.NewPool(worker.WithWorkers(3), worker.WithQueueSize(10))
	defer pool.Shutdown(context.Background())

	newSessionStore := func(id int64) *memstore.Store {
		st := newStore()
		st.AddSession(models.Session{ID: id, Year: 2024, ExamType: "bac"})
		return st
	}
	healthy := newSessionStore(8)
	flaky := newSessionStore(9)
	flaky.FailCommits(func(batch int) error {
		if batch%3 == 0 {
			return errors.New("could not serialize access")
		}
		return nil
	})

	opts := Options{BatchSize: 50, AllowedExtensions: []string{".csv"}}
	submissions := []struct {
		orch    *Orchestrator
		session int64
	}{
		{New(healthy, reg, pool, nil, opts), 8},
		{New(flaky, reg, pool, nil, opts), 9},
		{New(healthy, reg, pool, nil, opts), testSession},
	}

	var ids []string
	for _, sub := range submissions {
		job, err := sub.orch.Submit(context.Background(), Upload{FileName: "bac.csv", SessionID: sub.session, Data: sheetCSV(500, nil)})
		require.NoError(t, err)
		ids = append(ids, job.ID)
	}

	done := make(chan models.Job, len(ids))
	for _, id := range ids {
		go func(id string) {
			last := 0
			deadline := time.Now().Add(10 * time.Second)
			for time.Now().Before(deadline) {
				snap, err := reg.Get(id)
				if !assert.NoError(t, err) {
					break
				}
				assert.Equal(t, snap.ProcessedRows, snap.SuccessCount+snap.ErrorCount, id)
				assert.GreaterOrEqual(t, snap.ProcessedRows, last, id)
				last = snap.ProcessedRows
				if models.IsTerminal(snap.Status) {
					done <- snap
					return
				}
			}
			done <- models.Job{ID: id}
		}(id)
	}

	finished := make(map[string]models.Job)
	for range ids {
		snap := <-done
		finished[snap.ID] = snap
	}
	for _, id := range ids {
		snap := finished[id]
		require.Equal(t, models.StatusCompleted, snap.Status, id)
		assert.Equal(t, 500, snap.ProcessedRows)
	}
	assert.Equal(t, 500, finished[ids[1]].SuccessCount+finished[ids[1]].ErrorCount)
	assert.Equal(t, 150, finished[ids[1]].ErrorCount)
	assert.Equal(t, 3, finished[ids[1]].BatchesFailed)
	assert.Len(t, flaky.Results(9), 350)
	assert.Len(t, healthy.Results(8), 500)
	assert.Len(t, healthy.Results(testSession), 500)
}

func TestRegistryWriteFailuresAreLogged(t *testing.T) {
	st := newStore()
	o := New(st, registry.New(10), nil, nil, Options{BatchSize: 10})
	logger, hook := logtest.NewNullLogger()
	entry := logger.WithField("task_id", "unknown-job")
	refs := reference.New("bac", nil, nil, nil)
	engine := NewEngine(st)

	good := sheet.Row{Number: 1, Values: map[string]string{"NNI": nni(1), "NOMPL": "Ahmed", "Decision": "Admis"}}
	bad := sheet.Row{Number: 2, Values: map[string]string{"NOMPL": "Mariem", "Decision": "Admis"}}
	require.NoError(t, o.processRow(context.Background(), "unknown-job", engine, good, testSession, refs, entry))
	require.NoError(t, o.processRow(context.Background(), "unknown-job", engine, bad, testSession, refs, entry))
	o.flush(context.Background(), "unknown-job", engine, &batchState{}, entry)

	var messages []string
	for _, e := range hook.AllEntries() {
		assert.Equal(t, log.ErrorLevel, e.Level, e.Message)
		assert.ErrorIs(t, e.Data[log.ErrorKey].(error), registry.ErrJobNotFound)
		messages = append(messages, e.Message)
	}
	assert.Equal(t, []string{"record row success", "record row error", "record batch commit"}, messages)
	assert.Len(t, st.Results(testSession), 1)
}
