package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pdfreader/sticker-engine/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func testFingerprint() model.Fingerprint {
	return model.Fingerprint{
		PDFHash:       "pdf-abc",
		Page:          3,
		Locale:        model.LocaleEN,
		EffectiveMode: model.ModeTextOnly,
		SelectionHash: "",
	}
}

func TestSQLite_TryStartGeneration_FirstCallStarts(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	rec := model.GenerationRecord{
		ID:            uuid.New().String(),
		Fingerprint:   testFingerprint(),
		State:         model.GenerationGenerating,
		ProducingUser: "user-1",
	}

	existing, started, err := st.TryStartGeneration(ctx, rec)
	require.NoError(t, err)
	assert.True(t, started)
	assert.Equal(t, rec.ID, existing.ID)
}

func TestSQLite_TryStartGeneration_SecondCallCoalesces(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	fp := testFingerprint()
	first := model.GenerationRecord{ID: uuid.New().String(), Fingerprint: fp, State: model.GenerationGenerating, ProducingUser: "user-1"}
	_, started, err := st.TryStartGeneration(ctx, first)
	require.NoError(t, err)
	require.True(t, started)

	second := model.GenerationRecord{ID: uuid.New().String(), Fingerprint: fp, State: model.GenerationGenerating, ProducingUser: "user-2"}
	existing, started, err := st.TryStartGeneration(ctx, second)
	require.NoError(t, err)
	assert.False(t, started)
	assert.Equal(t, first.ID, existing.ID)
	assert.Equal(t, "user-1", existing.ProducingUser)
}

func TestSQLite_CompleteGeneration_PersistsStickers(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	rec := model.GenerationRecord{ID: uuid.New().String(), Fingerprint: testFingerprint(), State: model.GenerationGenerating, ProducingUser: "user-1"}
	_, _, err := st.TryStartGeneration(ctx, rec)
	require.NoError(t, err)

	sticker := model.Sticker{
		ID:              uuid.New().String(),
		Kind:            model.StickerKindAuto,
		Page:            3,
		ContentMarkdown: "**derivative**",
		OwnerUserID:     "user-1",
		CourseID:        "course-1",
		FileID:          "file-1",
		CreatedAt:       time.Now().UTC(),
	}

	require.NoError(t, st.CompleteGeneration(ctx, rec.ID, []model.Sticker{sticker}, 120))

	got, err := st.GetGenerationByFingerprint(ctx, testFingerprint())
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, model.GenerationReady, got.State)
	assert.EqualValues(t, 120, got.LatencyMS)

	stk, err := st.GetSticker(ctx, sticker.ID)
	require.NoError(t, err)
	assert.Equal(t, "**derivative**", stk.ContentMarkdown)
}

func TestSQLite_Quota_DeductWithinLimit(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	resetAt := time.Now().AddDate(0, 1, 0)
	_, err := st.GetOrInitQuotaBucket(ctx, "user-1", model.BucketAutoExplain, 300, resetAt)
	require.NoError(t, err)

	qb, err := st.DeductQuota(ctx, "user-1", model.BucketAutoExplain, 5)
	require.NoError(t, err)
	assert.Equal(t, 5, qb.Used)
}

func TestSQLite_Quota_DeductOverLimitFails(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	_, err := st.GetOrInitQuotaBucket(ctx, "user-1", model.BucketExtractions, 1, time.Now().AddDate(0, 1, 0))
	require.NoError(t, err)

	_, err = st.DeductQuota(ctx, "user-1", model.BucketExtractions, 1)
	require.NoError(t, err)

	_, err = st.DeductQuota(ctx, "user-1", model.BucketExtractions, 1)
	require.Error(t, err)
	ae, ok := model.AsAPIError(err)
	require.True(t, ok)
	assert.Equal(t, model.CodeQuotaExceeded, ae.Code)
}

func TestSQLite_Quota_Refund(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	_, err := st.GetOrInitQuotaBucket(ctx, "user-1", model.BucketAutoExplain, 10, time.Now().AddDate(0, 1, 0))
	require.NoError(t, err)
	_, err = st.DeductQuota(ctx, "user-1", model.BucketAutoExplain, 4)
	require.NoError(t, err)

	require.NoError(t, st.RefundQuota(ctx, "user-1", model.BucketAutoExplain, 2))

	qb, err := st.GetOrInitQuotaBucket(ctx, "user-1", model.BucketAutoExplain, 10, time.Now().AddDate(0, 1, 0))
	require.NoError(t, err)
	assert.Equal(t, 2, qb.Used)
}

func TestSQLite_ContextJob_EnqueueDedupesByPDFHash(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	first := model.ContextJob{ID: uuid.New().String(), PDFHash: "pdf-xyz", FileID: "file-1", UserID: "user-1", State: model.JobPending}
	existing, enqueued, err := st.EnqueueContextJob(ctx, first)
	require.NoError(t, err)
	assert.True(t, enqueued)
	assert.Equal(t, first.ID, existing.ID)

	second := model.ContextJob{ID: uuid.New().String(), PDFHash: "pdf-xyz", FileID: "file-1", UserID: "user-2", State: model.JobPending}
	existing2, enqueued2, err := st.EnqueueContextJob(ctx, second)
	require.NoError(t, err)
	assert.False(t, enqueued2)
	assert.Equal(t, first.ID, existing2.ID)
}

func TestSQLite_ContextJob_ClaimNextIsAtomicAndOrdered(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	older := model.ContextJob{ID: uuid.New().String(), PDFHash: "pdf-1", FileID: "file-1", UserID: "u", State: model.JobPending, RunAfter: time.Now().Add(-time.Hour)}
	newer := model.ContextJob{ID: uuid.New().String(), PDFHash: "pdf-2", FileID: "file-1", UserID: "u", State: model.JobPending, RunAfter: time.Now()}
	_, _, err := st.EnqueueContextJob(ctx, older)
	require.NoError(t, err)
	_, _, err = st.EnqueueContextJob(ctx, newer)
	require.NoError(t, err)

	claimed, err := st.ClaimNextContextJob(ctx, "worker-1", 5*time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, older.ID, claimed.ID)
	assert.Equal(t, model.JobProcessing, claimed.State)
	assert.Equal(t, "worker-1", claimed.LeaseHolder)

	// The claimed job is no longer claimable until its lease expires.
	claimedAgain, err := st.ClaimNextContextJob(ctx, "worker-2", 5*time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimedAgain)
	assert.Equal(t, newer.ID, claimedAgain.ID)

	none, err := st.ClaimNextContextJob(ctx, "worker-3", 5*time.Minute)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestSQLite_ContextEntries_DedupByNormalizedTitle(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	entries := []model.ContextEntry{
		{PDFHash: "pdf-1", Type: model.ContextDefinition, Title: "Derivative", Body: "rate of change", SourcePage: 2, QualityScore: 0.9, Language: "en"},
		{PDFHash: "pdf-1", Type: model.ContextDefinition, Title: "  derivative  ", Body: "duplicate", SourcePage: 4, QualityScore: 0.8, Language: "en"},
	}
	n, err := st.PutContextEntries(ctx, entries)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := st.ListContextEntriesByPDFHash(ctx, "pdf-1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Derivative", got[0].Title)
}

func TestSQLite_WindowSession_CreateGetUpdate(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	sess := model.WindowSession{
		ID:              uuid.New().String(),
		UserID:          "user-1",
		FileID:          "file-1",
		PDFType:         model.PDFTypeText,
		State:           model.SessionActive,
		WindowStart:     1,
		WindowEnd:       4,
		CurrentPage:     1,
		PagesCompleted:  map[int]bool{1: true},
		PagesInProgress: map[int]bool{},
		PagesFailed:     map[int]bool{},
	}
	require.NoError(t, st.CreateSession(ctx, sess))

	got, err := st.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.True(t, got.PagesCompleted[1])

	got.WindowEnd = 6
	got.PagesCompleted[2] = true
	require.NoError(t, st.UpdateSession(ctx, *got))

	got2, err := st.GetActiveSessionForFile(ctx, "user-1", "file-1")
	require.NoError(t, err)
	require.NotNil(t, got2)
	assert.Equal(t, 6, got2.WindowEnd)
	assert.True(t, got2.PagesCompleted[2])
}

func TestSQLite_GetFile_NotFound(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	_, err := st.GetFile(ctx, "nonexistent")
	require.Error(t, err)
}
