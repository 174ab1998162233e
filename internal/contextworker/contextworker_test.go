package contextworker

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/pdfreader/sticker-engine/internal/contextjob"
	"github.com/pdfreader/sticker-engine/internal/model"
	"github.com/pdfreader/sticker-engine/internal/objectstore"
	"github.com/pdfreader/sticker-engine/internal/pdftext"
	"github.com/pdfreader/sticker-engine/internal/store"
	"github.com/pdfreader/sticker-engine/pkg/anthropic"
)

type fakeDownloader struct {
	data []byte
}

func (f fakeDownloader) Download(ctx context.Context, storageKey string) ([]byte, error) {
	return f.data, nil
}

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "contextworker.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func aiResponse(body string) *anthropic.MessageResponse {
	return &anthropic.MessageResponse{Content: []anthropic.ContentBlock{{Type: "text", Text: body}}}
}

func TestProcessJob_SingleBatch_PersistsEntriesAndCompletesJob(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.PutFile(ctx, model.File{
		ID: "file-1", CourseID: "course-1", OwnerUserID: "user-1", StorageKey: "file-1.pdf", PageCount: 2,
	}))

	jobs := contextjob.New(st, 100*time.Millisecond)
	_, _, err := jobs.Enqueue(ctx, "hash-1", "file-1", "user-1", 2)
	require.NoError(t, err)
	job, err := jobs.Claim(ctx, "worker-a")
	require.NoError(t, err)
	require.NotNil(t, job)

	ai := &anthropic.MockClient{}
	ai.On("CreateMessage", mock.Anything, mock.Anything).Return(aiResponse(
		`[{"type":"definition","title":"Entropy","body":"A measure of disorder.","sourcePage":1,"keywords":["entropy","thermodynamics"],"qualityScore":0.9}]`,
	), nil)

	extractor := pdftext.Fake{Pages: map[int]string{1: "entropy is a measure of disorder in a system", 2: "more thermodynamics content about entropy and heat"}}
	downloader := fakeDownloader{data: []byte("pdf-bytes")}

	svc := New(st, downloader, extractor, ai, jobs, DefaultConfig())
	require.NoError(t, svc.ProcessJob(ctx, *job))

	entries, err := st.ListContextEntriesByPDFHash(ctx, "hash-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "Entropy", entries[0].Title)
	require.InDelta(t, 0.9, entries[0].QualityScore, 0.001)

	done, err := jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, model.JobCompleted, done.State)

	scopes, err := st.ListScopesForUser(ctx, "user-1", "course-1")
	require.NoError(t, err)
	require.Len(t, scopes, 1)
	require.Equal(t, "hash-1", scopes[0].PDFHash)
}

func TestProcessJob_DropsLowQualityEntries(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, st.PutFile(ctx, model.File{ID: "file-1", CourseID: "course-1", OwnerUserID: "user-1", StorageKey: "file-1.pdf", PageCount: 1}))

	jobs := contextjob.New(st, 100*time.Millisecond)
	_, _, err := jobs.Enqueue(ctx, "hash-2", "file-1", "user-1", 1)
	require.NoError(t, err)
	job, err := jobs.Claim(ctx, "worker-a")
	require.NoError(t, err)

	ai := &anthropic.MockClient{}
	ai.On("CreateMessage", mock.Anything, mock.Anything).Return(aiResponse(
		`[{"type":"concept","title":"Weak Entry","body":"Not great.","sourcePage":1,"keywords":["x"],"qualityScore":0.5}]`,
	), nil)

	extractor := pdftext.Fake{Pages: map[int]string{1: "some page text"}}
	svc := New(st, fakeDownloader{data: []byte("x")}, extractor, ai, jobs, DefaultConfig())
	require.NoError(t, svc.ProcessJob(ctx, *job))

	entries, err := st.ListContextEntriesByPDFHash(ctx, "hash-2")
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestProcessJob_TranslationPenaltyAppliedForNonEnglish(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, st.PutFile(ctx, model.File{ID: "file-1", CourseID: "course-1", OwnerUserID: "user-1", StorageKey: "file-1.pdf", PageCount: 1}))

	jobs := contextjob.New(st, 100*time.Millisecond)
	_, _, err := jobs.Enqueue(ctx, "hash-3", "file-1", "user-1", 1)
	require.NoError(t, err)
	job, err := jobs.Claim(ctx, "worker-a")
	require.NoError(t, err)

	ai := &anthropic.MockClient{}
	ai.On("CreateMessage", mock.Anything, mock.Anything).Return(aiResponse(
		`[{"type":"concept","title":"Translated","body":"Body.","sourcePage":1,"keywords":["x"],"qualityScore":0.9}]`,
	), nil)

	// Mostly-CJK text so fingerprint.DetectLanguage classifies it non-en.
	extractor := pdftext.Fake{Pages: map[int]string{1: "这是一段关于热力学与熵的中文说明文字用于测试语言检测"}}
	svc := New(st, fakeDownloader{data: []byte("x")}, extractor, ai, jobs, DefaultConfig())
	require.NoError(t, svc.ProcessJob(ctx, *job))

	entries, err := st.ListContextEntriesByPDFHash(ctx, "hash-3")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.InDelta(t, 0.81, entries[0].QualityScore, 0.001)
	require.Equal(t, "non-en", entries[0].Language)
}

func TestProcessJob_InBatchDedupKeepsHighestQuality(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, st.PutFile(ctx, model.File{ID: "file-1", CourseID: "course-1", OwnerUserID: "user-1", StorageKey: "file-1.pdf", PageCount: 1}))

	jobs := contextjob.New(st, 100*time.Millisecond)
	_, _, err := jobs.Enqueue(ctx, "hash-4", "file-1", "user-1", 1)
	require.NoError(t, err)
	job, err := jobs.Claim(ctx, "worker-a")
	require.NoError(t, err)

	ai := &anthropic.MockClient{}
	ai.On("CreateMessage", mock.Anything, mock.Anything).Return(aiResponse(
		`[{"type":"concept","title":"Entropy","body":"Weaker.","sourcePage":1,"keywords":["x"],"qualityScore":0.75},
		  {"type":"concept","title":"entropy","body":"Stronger.","sourcePage":1,"keywords":["x"],"qualityScore":0.95}]`,
	), nil)

	extractor := pdftext.Fake{Pages: map[int]string{1: "entropy content for dedup test across duplicate titles"}}
	svc := New(st, fakeDownloader{data: []byte("x")}, extractor, ai, jobs, DefaultConfig())
	require.NoError(t, svc.ProcessJob(ctx, *job))

	entries, err := st.ListContextEntriesByPDFHash(ctx, "hash-4")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "Stronger.", entries[0].Body)
}

// TestProcessJob_UnderestimatedBatchPlan_StillProcessesAllPages covers the
// case where the sampled pages are far less dense than the rest of the
// document: planBatches' one-time word-count estimate then undercounts
// TotalBatches, and completion must still be gated on ProcessedPages
// reaching TotalPages rather than on the stale batch estimate.
func TestProcessJob_UnderestimatedBatchPlan_StillProcessesAllPages(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, st.PutFile(ctx, model.File{ID: "file-1", CourseID: "course-1", OwnerUserID: "user-1", StorageKey: "file-1.pdf", PageCount: 6}))

	jobs := contextjob.New(st, 100*time.Millisecond)
	_, _, err := jobs.Enqueue(ctx, "hash-5", "file-1", "user-1", 6)
	require.NoError(t, err)
	job, err := jobs.Claim(ctx, "worker-a")
	require.NoError(t, err)

	ai := &anthropic.MockClient{}
	ai.On("CreateMessage", mock.Anything, mock.Anything).Return(aiResponse(
		`[{"type":"concept","title":"Placeholder","body":"Body text.","sourcePage":1,"keywords":["x"],"qualityScore":0.9}]`,
	), nil)

	sparsePage := strings.TrimSpace(strings.Repeat("word ", 50))
	densePage := strings.TrimSpace(strings.Repeat("word ", 400))
	extractor := pdftext.Fake{Pages: map[int]string{
		1: sparsePage, 2: sparsePage,
		3: densePage, 4: densePage, 5: densePage, 6: densePage,
	}}

	cfg := Config{
		SamplePages:        2,
		BatchWordTarget:    1000,
		MinBatchWords:      500,
		MaxBatchWords:      1200,
		TranslationPenalty: 0.9,
		Model:              "claude-haiku-4-5-20251001",
		MaxTokens:          4000,
	}
	svc := New(st, fakeDownloader{data: []byte("x")}, extractor, ai, jobs, cfg)
	require.NoError(t, svc.ProcessJob(ctx, *job))

	done, err := jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, model.JobCompleted, done.State)
	require.Equal(t, 6, done.ProcessedPages)
	require.Equal(t, 6, done.TotalPages)
	// The sampled-page estimate (1 batch) undercounts the true document;
	// the fixed loop must have run more than one batch to cover all pages.
	require.Greater(t, done.CurrentBatch, done.TotalBatches)

	entries, err := st.ListContextEntriesByPDFHash(ctx, "hash-5")
	require.NoError(t, err)
	require.NotEmpty(t, entries)
}

func TestCleanJSON_StripsFence(t *testing.T) {
	require.Equal(t, `[{"a":1}]`, cleanJSON("```json\n[{\"a\":1}]\n```"))
}

var _ objectstore.Downloader = fakeDownloader{}
