package ingest

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"exam-results/internal/models"
)

// Finder reads committed results by natural key.
type Finder interface {
	FindResult(ctx context.Context, nni string, sessionID int64) (models.ExamResult, bool, error)
}

// LookupError reports that committed results could not be read. It is a storage failure, not a
// problem with the row.
type LookupError struct {
	NNI string
	Err error
}

func (e *LookupError) Error() string {
	return fmt.Sprintf("look up %s: %v", e.NNI, e.Err)
}

func (e *LookupError) Unwrap() error {
	return e.Err
}

// Write is one staged insert or update.
type Write struct {
	Result models.ExamResult
	Update bool
}

// Engine decides between insert and update for each mapped record and stages the write.
// It never touches storage for writing; the pending set is drained into a Committer.
type Engine struct {
	finder  Finder
	pending []Write
	index   map[string]int

	rows     int
	inserted int
	updated  int
}

// NewEngine returns an engine with an empty pending set.
func NewEngine(f Finder) *Engine {
	return &Engine{finder: f, index: make(map[string]int)}
}

// Stage adds r to the pending set. It reports whether the row creates a new record.
// An existing record keeps its id and has every mapped field overwritten.
func (e *Engine) Stage(ctx context.Context, r models.ExamResult) (bool, error) {
	key := pendingKey(r.NNI, r.SessionID)
	if i, ok := e.index[key]; ok {
		r.ID = e.pending[i].Result.ID
		e.pending[i].Result = r
		e.rows++
		e.updated++
		return false, nil
	}

	existing, found, err := e.finder.FindResult(ctx, r.NNI, r.SessionID)
	if err != nil {
		return false, &LookupError{NNI: r.NNI, Err: err}
	}
	w := Write{Result: r}
	if found {
		w.Result.ID = existing.ID
		w.Update = true
	} else {
		w.Result.ID = uuid.NewString()
	}
	e.index[key] = len(e.pending)
	e.pending = append(e.pending, w)
	e.rows++
	if found {
		e.updated++
	} else {
		e.inserted++
	}
	return !found, nil
}

// Pending is the state handed to the committer.
type Pending struct {
	Writes   []Write
	Rows     int
	Inserted int
	Updated  int
}

// Drain returns and clears the pending set.
func (e *Engine) Drain() Pending {
	p := Pending{Writes: e.pending, Rows: e.rows, Inserted: e.inserted, Updated: e.updated}
	e.pending = nil
	e.index = make(map[string]int)
	e.rows, e.inserted, e.updated = 0, 0, 0
	return p
}

// Len is the number of rows staged since the last drain.
func (e *Engine) Len() int {
	return e.rows
}

func pendingKey(nni string, sessionID int64) string {
	return fmt.Sprintf("%d|%s", sessionID, nni)
}
