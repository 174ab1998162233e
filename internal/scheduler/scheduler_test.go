package scheduler

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pdfreader/sticker-engine/internal/generator"
	"github.com/pdfreader/sticker-engine/internal/model"
	"github.com/pdfreader/sticker-engine/internal/session"
	"github.com/pdfreader/sticker-engine/internal/store"
)

type fakeGenerator struct {
	mu    sync.Mutex
	calls []int
	fail  map[int]bool
}

func (f *fakeGenerator) Generate(ctx context.Context, req generator.Request) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req.Page)
	if f.fail[req.Page] {
		return eris.New("boom")
	}
	return nil
}

func (f *fakeGenerator) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeResolver struct{}

func (fakeResolver) ResolvePage(ctx context.Context, sess *model.WindowSession, page int) (generator.Request, error) {
	return generator.Request{GenerationID: "gen-" + sess.ID, FileID: sess.FileID, Page: page, PDFType: sess.PDFType}, nil
}

func newTestSessionService(t *testing.T) *session.Service {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "scheduler.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return session.New(st, 0)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestScheduler_GeneratesAllPagesAndCompletesSession(t *testing.T) {
	sessions := newTestSessionService(t)
	ctx := context.Background()
	sess, err := sessions.Start(ctx, "user-1", "file-1", 1, model.PDFTypePPT, 3)
	require.NoError(t, err)

	gen := &fakeGenerator{fail: map[int]bool{}}
	sched := New(sessions, gen, fakeResolver{}, Config{ConcurrencyBudgetPPT: 1, ConcurrencyBudgetText: 2, PollInterval: 10 * time.Millisecond}, nil)
	sched.Launch(ctx, sess)

	waitFor(t, 2*time.Second, func() bool {
		got, err := sessions.Get(ctx, sess.ID)
		return err == nil && got.State == model.SessionCompleted
	})

	got, err := sessions.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Len(t, got.PagesCompleted, 3)
	sched.Stop(sess.ID)
}

func TestScheduler_PageFailureContinuesOtherPages(t *testing.T) {
	sessions := newTestSessionService(t)
	ctx := context.Background()
	sess, err := sessions.Start(ctx, "user-1", "file-1", 1, model.PDFTypePPT, 3)
	require.NoError(t, err)

	gen := &fakeGenerator{fail: map[int]bool{2: true}}

	var events []ProgressEvent
	var mu sync.Mutex
	onEvent := func(e ProgressEvent) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	}

	sched := New(sessions, gen, fakeResolver{}, Config{ConcurrencyBudgetPPT: 1, ConcurrencyBudgetText: 2, PollInterval: 10 * time.Millisecond}, onEvent)
	sched.Launch(ctx, sess)

	waitFor(t, 2*time.Second, func() bool {
		got, err := sessions.Get(ctx, sess.ID)
		if err != nil {
			return false
		}
		return len(got.PagesCompleted)+len(got.PagesFailed) == 3
	})

	got, err := sessions.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.True(t, got.PagesFailed[2])
	assert.True(t, got.PagesCompleted[1])
	assert.True(t, got.PagesCompleted[3])
	sched.Stop(sess.ID)
}

func TestScheduler_LaunchTwiceIsNoop(t *testing.T) {
	sessions := newTestSessionService(t)
	ctx := context.Background()
	sess, err := sessions.Start(ctx, "user-1", "file-1", 1, model.PDFTypePPT, 3)
	require.NoError(t, err)

	gen := &fakeGenerator{fail: map[int]bool{}}
	sched := New(sessions, gen, fakeResolver{}, Config{ConcurrencyBudgetPPT: 1, ConcurrencyBudgetText: 2, PollInterval: 10 * time.Millisecond}, nil)
	sched.Launch(ctx, sess)
	sched.Launch(ctx, sess)

	waitFor(t, 2*time.Second, func() bool {
		got, err := sessions.Get(ctx, sess.ID)
		return err == nil && got.State == model.SessionCompleted
	})
	sched.Stop(sess.ID)
}
