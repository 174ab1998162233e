package contextjob

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/require"

	"github.com/pdfreader/sticker-engine/internal/model"
	"github.com/pdfreader/sticker-engine/internal/store"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "contextjob.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return New(st, 100*time.Millisecond)
}

func TestEnqueue_SecondCallReturnsExisting(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	job1, enqueued1, err := svc.Enqueue(ctx, "hash-1", "file-1", "user-1", 20)
	require.NoError(t, err)
	require.True(t, enqueued1)

	job2, enqueued2, err := svc.Enqueue(ctx, "hash-1", "file-1", "user-1", 20)
	require.NoError(t, err)
	require.False(t, enqueued2)
	require.Equal(t, job1.ID, job2.ID)
}

func TestClaim_ReturnsPendingJobAndLeasesIt(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, _, err := svc.Enqueue(ctx, "hash-1", "file-1", "user-1", 20)
	require.NoError(t, err)

	claimed, err := svc.Claim(ctx, "worker-a")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.Equal(t, "worker-a", claimed.LeaseHolder)

	none, err := svc.Claim(ctx, "worker-b")
	require.NoError(t, err)
	require.Nil(t, none)
}

func TestReportFailure_SchedulesRetryUntilMaxThenFails(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, _, err := svc.Enqueue(ctx, "hash-1", "file-1", "user-1", 20)
	require.NoError(t, err)

	for i := 0; i < model.MaxJobRetries; i++ {
		job, err := svc.Claim(ctx, "worker-a")
		require.NoError(t, err)
		require.NotNil(t, job)
		require.Equal(t, i, job.RetryCount)

		require.NoError(t, svc.ReportFailure(ctx, *job, eris.New("transient")))

		refreshed, err := svc.Get(ctx, job.ID)
		require.NoError(t, err)
		require.Equal(t, model.JobPending, refreshed.State)
		require.Equal(t, i+1, refreshed.RetryCount)
		require.True(t, refreshed.RunAfter.After(time.Now().UTC()))

		// force the job eligible for the next claim in this test.
		refreshed.RunAfter = time.Now().UTC().Add(-time.Second)
		require.NoError(t, svc.Checkpoint(ctx, *refreshed))
	}

	job, err := svc.Claim(ctx, "worker-a")
	require.NoError(t, err)
	require.NotNil(t, job)
	require.Equal(t, model.MaxJobRetries, job.RetryCount)

	require.NoError(t, svc.ReportFailure(ctx, *job, eris.New("final failure")))

	final, err := svc.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, model.JobFailed, final.State)
	require.Equal(t, "final failure", final.LastError)
}

func TestComplete_ClearsLeaseAndMarksCompleted(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, _, err := svc.Enqueue(ctx, "hash-1", "file-1", "user-1", 20)
	require.NoError(t, err)

	job, err := svc.Claim(ctx, "worker-a")
	require.NoError(t, err)
	require.NotNil(t, job)

	require.NoError(t, svc.Complete(ctx, *job))

	done, err := svc.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, model.JobCompleted, done.State)
	require.Empty(t, done.LeaseHolder)
}

func TestGetByPDFHash_NotFound(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	job, err := svc.GetByPDFHash(ctx, "missing-hash")
	require.NoError(t, err)
	require.Nil(t, job)
}
