// Package memstore is an in-process implementation of the result store used by tests and
// dry runs of the ingest CLI. Batches apply atomically on Commit.
package memstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"exam-results/internal/models"
	"exam-results/internal/store"
)

// Store keeps sessions, reference data and results in memory.
type Store struct {
	mu           sync.RWMutex
	sessions     map[int64]models.Session
	institutions []models.Institution
	regions      []models.Region
	tracks       []models.Track
	results      map[string]models.ExamResult

	batches      int
	commitErr    func(batch int) error
	referenceErr error
}

// New returns an empty store.
func New() *Store {
	return &Store{
		sessions: make(map[int64]models.Session),
		results:  make(map[string]models.ExamResult),
	}
}

func key(nni string, sessionID int64) string {
	return fmt.Sprintf("%d|%s", sessionID, nni)
}

// AddSession registers an exam session.
func (s *Store) AddSession(sess models.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
}

// SetReferences replaces all reference data.
func (s *Store) SetReferences(institutions []models.Institution, regions []models.Region, tracks []models.Track) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.institutions = append([]models.Institution(nil), institutions...)
	s.regions = append([]models.Region(nil), regions...)
	s.tracks = append([]models.Track(nil), tracks...)
}

// FailCommits installs a hook consulted on every Commit with the 1-based batch sequence number.
// A non-nil return aborts that batch.
func (s *Store) FailCommits(fn func(batch int) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commitErr = fn
}

// FailReferences makes every reference read return err.
func (s *Store) FailReferences(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.referenceErr = err
}

func (s *Store) GetSession(_ context.Context, id int64) (models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return models.Session{}, fmt.Errorf("session %d: %w", id, store.ErrNotFound)
	}
	return sess, nil
}

func (s *Store) ListInstitutions(_ context.Context) ([]models.Institution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.referenceErr != nil {
		return nil, s.referenceErr
	}
	out := append([]models.Institution(nil), s.institutions...)
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (s *Store) ListRegions(_ context.Context) ([]models.Region, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.referenceErr != nil {
		return nil, s.referenceErr
	}
	out := append([]models.Region(nil), s.regions...)
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (s *Store) ListTracks(_ context.Context, examType string) ([]models.Track, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.referenceErr != nil {
		return nil, s.referenceErr
	}
	var out []models.Track
	for _, t := range s.tracks {
		if t.ExamType == examType {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (s *Store) FindResult(_ context.Context, nni string, sessionID int64) (models.ExamResult, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.results[key(nni, sessionID)]
	return r, ok, nil
}

// Results returns every stored result of a session.
func (s *Store) Results(sessionID int64) []models.ExamResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.ExamResult
	for _, r := range s.results {
		if r.SessionID == sessionID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NNI < out[j].NNI })
	return out
}

func (s *Store) BeginBatch(_ context.Context) (store.Batch, error) {
	return &batch{store: s}, nil
}

type op struct {
	update bool
	result models.ExamResult
}

type batch struct {
	store *Store
	ops   []op
	done  bool
}

var errBatchClosed = errors.New("batch already finished")

func (b *batch) Insert(_ context.Context, r models.ExamResult) error {
	if b.done {
		return errBatchClosed
	}
	b.ops = append(b.ops, op{result: r})
	return nil
}

func (b *batch) Update(_ context.Context, r models.ExamResult) error {
	if b.done {
		return errBatchClosed
	}
	b.ops = append(b.ops, op{update: true, result: r})
	return nil
}

func (b *batch) Commit(_ context.Context) error {
	if b.done {
		return errBatchClosed
	}
	b.done = true

	s := b.store
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches++
	if s.commitErr != nil {
		if err := s.commitErr(s.batches); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
	}
	for _, o := range b.ops {
		if !o.update {
			continue
		}
		if _, ok := s.results[key(o.result.NNI, o.result.SessionID)]; !ok {
			return fmt.Errorf("update result %s: %w", o.result.NNI, store.ErrNotFound)
		}
	}
	for _, o := range b.ops {
		s.results[key(o.result.NNI, o.result.SessionID)] = o.result
	}
	return nil
}

func (b *batch) Rollback(_ context.Context) error {
	b.done = true
	b.ops = nil
	return nil
}
