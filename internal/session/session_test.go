package session

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pdfreader/sticker-engine/internal/model"
	"github.com/pdfreader/sticker-engine/internal/store"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "session.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return New(st, 0)
}

func TestStart_TextMode_WindowBounds(t *testing.T) {
	s := newTestService(t)
	sess, err := s.Start(context.Background(), "user-1", "file-1", 10, model.PDFTypeText, 100)
	require.NoError(t, err)
	assert.Equal(t, 10, sess.WindowStart)
	assert.Equal(t, 17, sess.WindowEnd)
	assert.LessOrEqual(t, sess.WindowEnd-sess.WindowStart+1, model.MaxWindowSize)
}

func TestStart_PPTMode_ShorterLookahead(t *testing.T) {
	s := newTestService(t)
	sess, err := s.Start(context.Background(), "user-1", "file-1", 4, model.PDFTypePPT, 100)
	require.NoError(t, err)
	assert.Equal(t, 4, sess.WindowStart)
	assert.Equal(t, 7, sess.WindowEnd)
}

func TestStart_ClampsToLastPage(t *testing.T) {
	s := newTestService(t)
	sess, err := s.Start(context.Background(), "user-1", "file-1", 98, model.PDFTypeText, 100)
	require.NoError(t, err)
	assert.Equal(t, 100, sess.WindowEnd)
}

func TestStart_SecondCallConflicts(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	_, err := s.Start(ctx, "user-1", "file-1", 10, model.PDFTypeText, 100)
	require.NoError(t, err)

	_, err = s.Start(ctx, "user-1", "file-1", 11, model.PDFTypeText, 100)
	assert.ErrorIs(t, err, ErrSessionExists)
}

func TestUpdate_Extend_ShiftsWindowForward(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	sess, err := s.Start(ctx, "user-1", "file-1", 10, model.PDFTypeText, 100)
	require.NoError(t, err)

	res, err := s.Update(ctx, sess.ID, 11, model.NavExtend, 100)
	require.NoError(t, err)
	assert.Equal(t, 18, res.WindowEnd)
	assert.LessOrEqual(t, res.WindowEnd-res.WindowStart+1, model.MaxWindowSize)
}

func TestUpdate_ExtendBeyondThreshold_PromotesToJump(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	sess, err := s.Start(ctx, "user-1", "file-1", 10, model.PDFTypeText, 100)
	require.NoError(t, err)
	require.NoError(t, s.MarkPageInProgress(ctx, sess.ID, 12))

	res, err := s.Update(ctx, sess.ID, 50, model.NavExtend, 100)
	require.NoError(t, err)
	assert.Equal(t, 50, res.WindowStart)
	assert.Contains(t, res.CanceledPages, 12)
}

func TestUpdate_Jump_SeedsFreshWindow(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	sess, err := s.Start(ctx, "user-1", "file-1", 10, model.PDFTypeText, 100)
	require.NoError(t, err)

	res, err := s.Update(ctx, sess.ID, 60, model.NavJump, 100)
	require.NoError(t, err)
	assert.Equal(t, 60, res.WindowStart)
	assert.Equal(t, 67, res.WindowEnd)
}

func TestUpdate_Cancel_EmitsInProgressAndPending(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	sess, err := s.Start(ctx, "user-1", "file-1", 10, model.PDFTypeText, 100)
	require.NoError(t, err)
	require.NoError(t, s.MarkPageInProgress(ctx, sess.ID, 10))

	res, err := s.Update(ctx, sess.ID, 10, model.NavCancel, 100)
	require.NoError(t, err)
	assert.Contains(t, res.CanceledPages, 10)

	got, err := s.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionCanceled, got.State)
}

func TestUpdate_NotActive_ReturnsError(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	sess, err := s.Start(ctx, "user-1", "file-1", 10, model.PDFTypeText, 100)
	require.NoError(t, err)
	_, err = s.Cancel(ctx, sess.ID)
	require.NoError(t, err)

	_, err = s.Update(ctx, sess.ID, 11, model.NavExtend, 100)
	assert.ErrorIs(t, err, ErrNotActive)
}

func TestMarkPageCompleted_TransitionsToCompletedWhenWindowClear(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	sess, err := s.Start(ctx, "user-1", "file-1", 98, model.PDFTypePPT, 100)
	require.NoError(t, err)
	require.Equal(t, 98, sess.WindowStart)
	require.Equal(t, 100, sess.WindowEnd)

	for page := 98; page <= 100; page++ {
		require.NoError(t, s.MarkPageCompleted(ctx, sess.ID, page))
	}

	got, err := s.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionCompleted, got.State)
}

func TestPagesToGenerate_PriorityOrder(t *testing.T) {
	ordered := PagesToGenerate(8, 15, map[int]bool{}, map[int]bool{}, 10)
	require.True(t, len(ordered) > 2)
	assert.Equal(t, 10, ordered[0])
	assert.Equal(t, 11, ordered[1])
	assert.Equal(t, 9, ordered[2])
	assert.Equal(t, 12, ordered[3])
	assert.Equal(t, 13, ordered[4])
}

func TestPagesToGenerate_OmitsCompletedAndInProgress(t *testing.T) {
	completed := map[int]bool{10: true}
	inProgress := map[int]bool{11: true}
	ordered := PagesToGenerate(8, 15, completed, inProgress, 10)
	assert.NotContains(t, ordered, 10)
	assert.NotContains(t, ordered, 11)
}

func TestIsJump(t *testing.T) {
	assert.False(t, IsJump(10, 20))
	assert.True(t, IsJump(10, 21))
}
