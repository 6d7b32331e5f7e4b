package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kmcai/portfolio-status/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "data", "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func entry(sessionID, event string, progress int, at time.Time) *domain.JournalEntry {
	return &domain.JournalEntry{
		SessionID:  sessionID,
		Event:      event,
		StepKind:   domain.StepDocumentValidation,
		Progress:   progress,
		Payload:    json.RawMessage(`{"progress":` + strconv.Itoa(progress) + `}`),
		ReceivedAt: at,
	}
}

func TestSQLiteStore_AppendAndList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	seq1, err := s.AppendUpdate(ctx, entry("s1", domain.EventDocumentValidationUpdate, 25, now))
	require.NoError(t, err)
	seq2, err := s.AppendUpdate(ctx, entry("s1", domain.EventPortfolioCompletionUpdate, 50, now))
	require.NoError(t, err)
	_, err = s.AppendUpdate(ctx, entry("s2", domain.EventProcessingUpdate, 10, now))
	require.NoError(t, err)
	assert.Greater(t, seq2, seq1)

	all, err := s.ListUpdates(ctx, "s1", 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, domain.EventDocumentValidationUpdate, all[0].Event)
	assert.Equal(t, domain.StepDocumentValidation, all[0].StepKind)
	assert.JSONEq(t, `{"progress":25}`, string(all[0].Payload))
	assert.Equal(t, now.UnixMilli(), all[0].ReceivedAt.UnixMilli())

	after, err := s.ListUpdates(ctx, "s1", seq1)
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.Equal(t, seq2, after[0].Seq)

	none, err := s.ListUpdates(ctx, "missing", 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestSQLiteStore_GetSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec, err := s.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Nil(t, rec)

	_, err = s.AppendUpdate(ctx, entry("s1", domain.EventDocumentValidationUpdate, 25, time.Now()))
	require.NoError(t, err)
	rec, err = s.GetSession(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.False(t, rec.Completed)
	assert.Equal(t, 1, rec.UpdateCount)

	_, err = s.AppendUpdate(ctx, entry("s1", domain.EventProcessingCompleteUpdate, 100, time.Now()))
	require.NoError(t, err)
	_, err = s.AppendUpdate(ctx, entry("s1", domain.EventProcessingUpdate, 100, time.Now()))
	require.NoError(t, err)

	rec, err = s.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, rec.Completed, "completion is sticky")
	assert.Equal(t, 3, rec.UpdateCount)
}

func TestSQLiteStore_DeleteExpiredSessions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.AppendUpdate(ctx, entry("old", domain.EventProcessingUpdate, 10, time.Now().Add(-48*time.Hour)))
	require.NoError(t, err)
	_, err = s.AppendUpdate(ctx, entry("fresh", domain.EventProcessingUpdate, 10, time.Now()))
	require.NoError(t, err)

	deleted, err := s.DeleteExpiredSessions(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	rec, err := s.GetSession(ctx, "old")
	require.NoError(t, err)
	assert.Nil(t, rec)
	updates, err := s.ListUpdates(ctx, "old", 0)
	require.NoError(t, err)
	assert.Empty(t, updates)

	rec, err = s.GetSession(ctx, "fresh")
	require.NoError(t, err)
	assert.NotNil(t, rec)
}

func TestSweepExpiredSessions_CallsBack(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.AppendUpdate(ctx, entry("old", domain.EventProcessingUpdate, 10, time.Now().Add(-2*time.Hour)))
	require.NoError(t, err)

	var got int64
	sweepExpiredSessions(ctx, s, time.Hour, func(n int64) { got = n })
	assert.Equal(t, int64(1), got)

	got = 0
	sweepExpiredSessions(ctx, s, time.Hour, func(n int64) { got = n })
	assert.Zero(t, got)
}

func TestSQLiteStore_Ping(t *testing.T) {
	s := newTestStore(t)
	assert.NoError(t, s.Ping(context.Background()))
}
