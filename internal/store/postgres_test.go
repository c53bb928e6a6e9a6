package store

import (
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"exam-results/internal/models"
)

func TestResultArgsOrderMatchesColumns(t *testing.T) {
	birth := time.Date(2005, time.March, 15, 0, 0, 0, 0, time.UTC)
	avg := 13.5
	track := int64(2)
	r := models.ExamResult{
		ID:          "0b7f2c8e-0000-4000-8000-000000000001",
		SessionID:   4,
		NNI:         "1234567890",
		FullNameFr:  "Ahmed Salem",
		Decision:    "Admis",
		BirthDate:   &birth,
		Average:     &avg,
		TrackID:     &track,
		IsPublished: true,
	}

	args := resultArgs(r)
	require.Len(t, args, 20)
	assert.Equal(t, r.ID, args[0])
	assert.Equal(t, r.NNI, args[2])
	assert.Equal(t, pgtype.Date{Time: birth, Valid: true}, args[7])
	assert.Equal(t, &avg, args[9])
	assert.Equal(t, &track, args[15])
	assert.Equal(t, true, args[18])

	args = resultArgs(models.ExamResult{})
	assert.Equal(t, pgtype.Date{}, args[7])
}

func TestNullableInts(t *testing.T) {
	assert.Nil(t, intPtr(pgtype.Int4{}))
	assert.Nil(t, int64Ptr(pgtype.Int4{}))

	v := intPtr(pgtype.Int4{Int32: 3, Valid: true})
	require.NotNil(t, v)
	assert.Equal(t, 3, *v)

	id := int64Ptr(pgtype.Int4{Int32: 12, Valid: true})
	require.NotNil(t, id)
	assert.Equal(t, int64(12), *id)
}

func TestMigrationsEmbedded(t *testing.T) {
	entries, err := migrationFiles.ReadDir("migrations")
	require.NoError(t, err)
	require.NotEmpty(t, entries)

	content, err := migrationFiles.ReadFile("migrations/" + entries[0].Name())
	require.NoError(t, err)
	assert.Contains(t, string(content), "UNIQUE (nni, session_id)")
}
