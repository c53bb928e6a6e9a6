package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"exam-results/internal/models"
)

// ErrNotFound is returned when a looked-up row does not exist.
var ErrNotFound = errors.New("not found")

// Batch is one transactional unit of result writes. Rollback after Commit is a no-op.
type Batch interface {
	Insert(ctx context.Context, r models.ExamResult) error
	Update(ctx context.Context, r models.ExamResult) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Config tunes the connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, c Config) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(c.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if c.MaxConns > 0 {
		cfg.MaxConns = c.MaxConns
	}
	if c.MaxConnLifetime > 0 {
		cfg.MaxConnLifetime = c.MaxConnLifetime
	}
	if c.MaxConnIdleTime > 0 {
		cfg.MaxConnIdleTime = c.MaxConnIdleTime
	}
	cfg.ConnConfig.RuntimeParams["application_name"] = "exam-results"

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks connectivity within timeout.
func (s *Store) Ping(ctx context.Context, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return s.pool.Ping(ctx)
}

// GetSession fetches an exam session by id.
func (s *Store) GetSession(ctx context.Context, id int64) (models.Session, error) {
	var sess models.Session
	var name pgtype.Text
	err := s.pool.QueryRow(ctx, `
		SELECT id, year, exam_type, session_name, is_published
		FROM exam_sessions WHERE id = $1
	`, id).Scan(&sess.ID, &sess.Year, &sess.ExamType, &name, &sess.IsPublished)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Session{}, fmt.Errorf("session %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Session{}, fmt.Errorf("query session: %w", err)
	}
	sess.Name = name.String
	return sess, nil
}

// ListInstitutions returns active institutions ordered by code.
func (s *Store) ListInstitutions(ctx context.Context) ([]models.Institution, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, code, name_fr FROM ref_etablissements WHERE status = 'active' ORDER BY code
	`)
	if err != nil {
		return nil, fmt.Errorf("query institutions: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Institution, error) {
		var i models.Institution
		err := row.Scan(&i.ID, &i.Code, &i.NameFr)
		return i, err
	})
}

// ListRegions returns all regions ordered by code.
func (s *Store) ListRegions(ctx context.Context) ([]models.Region, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, code, name_fr FROM ref_wilayas ORDER BY code`)
	if err != nil {
		return nil, fmt.Errorf("query regions: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Region, error) {
		var r models.Region
		err := row.Scan(&r.ID, &r.Code, &r.NameFr)
		return r, err
	})
}

// ListTracks returns the series of one exam type ordered by code.
func (s *Store) ListTracks(ctx context.Context, examType string) ([]models.Track, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, code, exam_type FROM ref_series WHERE exam_type = $1 ORDER BY code
	`, examType)
	if err != nil {
		return nil, fmt.Errorf("query tracks: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Track, error) {
		var t models.Track
		err := row.Scan(&t.ID, &t.Code, &t.ExamType)
		return t, err
	})
}

const resultColumns = `id, session_id, nni, numero_dossier, nom_complet_fr, nom_complet_ar, lieu_naissance,
	date_naissance, sexe, moyenne_generale::float8, decision, mention, rang_etablissement, rang_wilaya,
	rang_national, serie_id, wilaya_id, etablissement_id, is_published, is_verified`

// FindResult looks a result up by its natural key.
func (s *Store) FindResult(ctx context.Context, nni string, sessionID int64) (models.ExamResult, bool, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+resultColumns+` FROM exam_results WHERE nni = $1 AND session_id = $2`, nni, sessionID)
	r, err := scanResult(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ExamResult{}, false, nil
	}
	if err != nil {
		return models.ExamResult{}, false, fmt.Errorf("scan result: %w", err)
	}
	return r, true, nil
}

// CountResults returns how many results a session holds.
func (s *Store) CountResults(ctx context.Context, sessionID int64) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM exam_results WHERE session_id = $1`, sessionID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count results: %w", err)
	}
	return n, nil
}

func scanResult(row pgx.Row) (models.ExamResult, error) {
	var r models.ExamResult
	var id pgtype.UUID
	var birth pgtype.Date
	var rankInst, rankRegion, rankNat pgtype.Int4
	var track, region, inst pgtype.Int4
	err := row.Scan(&id, &r.SessionID, &r.NNI, &r.FileNumber, &r.FullNameFr, &r.FullNameAr, &r.BirthPlace,
		&birth, &r.Sex, &r.Average, &r.Decision, &r.Mention, &rankInst, &rankRegion,
		&rankNat, &track, &region, &inst, &r.IsPublished, &r.IsVerified)
	if err != nil {
		return models.ExamResult{}, err
	}
	if id.Valid {
		r.ID = uuid.UUID(id.Bytes).String()
	}
	if birth.Valid {
		t := birth.Time
		r.BirthDate = &t
	}
	r.RankInstitution = intPtr(rankInst)
	r.RankRegion = intPtr(rankRegion)
	r.RankNational = intPtr(rankNat)
	r.TrackID = int64Ptr(track)
	r.RegionID = int64Ptr(region)
	r.InstitutionID = int64Ptr(inst)
	return r, nil
}

// BeginBatch opens a transaction on a dedicated pool connection.
// The connection goes back to the pool on Commit or Rollback.
func (s *Store) BeginBatch(ctx context.Context) (Batch, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	return &pgBatch{tx: tx}, nil
}

type pgBatch struct {
	tx pgx.Tx
}

func (b *pgBatch) Insert(ctx context.Context, r models.ExamResult) error {
	_, err := b.tx.Exec(ctx, `
		INSERT INTO exam_results (id, session_id, nni, numero_dossier, nom_complet_fr, nom_complet_ar,
			lieu_naissance, date_naissance, sexe, moyenne_generale, decision, mention, rang_etablissement,
			rang_wilaya, rang_national, serie_id, wilaya_id, etablissement_id, is_published, is_verified,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, NOW(), NOW())
		ON CONFLICT (nni, session_id) DO UPDATE SET
			numero_dossier = EXCLUDED.numero_dossier,
			nom_complet_fr = EXCLUDED.nom_complet_fr,
			nom_complet_ar = EXCLUDED.nom_complet_ar,
			lieu_naissance = EXCLUDED.lieu_naissance,
			date_naissance = EXCLUDED.date_naissance,
			sexe = EXCLUDED.sexe,
			moyenne_generale = EXCLUDED.moyenne_generale,
			decision = EXCLUDED.decision,
			mention = EXCLUDED.mention,
			rang_etablissement = EXCLUDED.rang_etablissement,
			rang_wilaya = EXCLUDED.rang_wilaya,
			rang_national = EXCLUDED.rang_national,
			serie_id = EXCLUDED.serie_id,
			wilaya_id = EXCLUDED.wilaya_id,
			etablissement_id = EXCLUDED.etablissement_id,
			is_published = EXCLUDED.is_published,
			is_verified = EXCLUDED.is_verified,
			updated_at = NOW()
	`, resultArgs(r)...)
	if err != nil {
		return fmt.Errorf("insert result %s: %w", r.NNI, err)
	}
	return nil
}

func (b *pgBatch) Update(ctx context.Context, r models.ExamResult) error {
	tag, err := b.tx.Exec(ctx, `
		UPDATE exam_results SET
			session_id = $2, nni = $3, numero_dossier = $4, nom_complet_fr = $5, nom_complet_ar = $6,
			lieu_naissance = $7, date_naissance = $8, sexe = $9, moyenne_generale = $10, decision = $11,
			mention = $12, rang_etablissement = $13, rang_wilaya = $14, rang_national = $15, serie_id = $16,
			wilaya_id = $17, etablissement_id = $18, is_published = $19, is_verified = $20, updated_at = NOW()
		WHERE id = $1
	`, resultArgs(r)...)
	if err != nil {
		return fmt.Errorf("update result %s: %w", r.NNI, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update result %s: %w", r.NNI, ErrNotFound)
	}
	return nil
}

func (b *pgBatch) Commit(ctx context.Context) error {
	if err := b.tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (b *pgBatch) Rollback(ctx context.Context) error {
	err := b.tx.Rollback(ctx)
	if errors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	return err
}

func resultArgs(r models.ExamResult) []any {
	var birth pgtype.Date
	if r.BirthDate != nil {
		birth = pgtype.Date{Time: *r.BirthDate, Valid: true}
	}
	return []any{
		r.ID, r.SessionID, r.NNI, r.FileNumber, r.FullNameFr, r.FullNameAr, r.BirthPlace,
		birth, r.Sex, r.Average, r.Decision, r.Mention, r.RankInstitution, r.RankRegion,
		r.RankNational, r.TrackID, r.RegionID, r.InstitutionID, r.IsPublished, r.IsVerified,
	}
}

func intPtr(v pgtype.Int4) *int {
	if v.Valid {
		i := int(v.Int32)
		return &i
	}
	return nil
}

func int64Ptr(v pgtype.Int4) *int64 {
	if v.Valid {
		i := int64(v.Int32)
		return &i
	}
	return nil
}
