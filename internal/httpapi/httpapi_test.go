package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/pdfreader/sticker-engine/internal/contextretrieval"
	"github.com/pdfreader/sticker-engine/internal/cost"
	"github.com/pdfreader/sticker-engine/internal/generator"
	"github.com/pdfreader/sticker-engine/internal/model"
	"github.com/pdfreader/sticker-engine/internal/objectstore"
	"github.com/pdfreader/sticker-engine/internal/pdftext"
	"github.com/pdfreader/sticker-engine/internal/quota"
	"github.com/pdfreader/sticker-engine/internal/scheduler"
	"github.com/pdfreader/sticker-engine/internal/session"
	"github.com/pdfreader/sticker-engine/internal/stickercache"
	"github.com/pdfreader/sticker-engine/internal/store"
	"github.com/pdfreader/sticker-engine/pkg/anthropic"
)

const testPageText = `This is the page body used across httpapi tests. It describes a concept
in enough detail that the fifty character floor for text-mode pages is
comfortably cleared, covering several sentences of running prose.`

func aiResponse(body string) *anthropic.MessageResponse {
	return &anthropic.MessageResponse{
		Content: []anthropic.ContentBlock{{Type: "text", Text: body}},
		Usage:   anthropic.TokenUsage{InputTokens: 100, OutputTokens: 50},
	}
}

type testEnv struct {
	router http.Handler
	store  store.Store
	fileID string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "httpapi.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	file := model.File{
		ID:          "file-1",
		CourseID:    "course-1",
		OwnerUserID: "user-1",
		StorageKey:  "file-1.pdf",
		PageCount:   10,
		ContentHash: "hash-1",
	}
	require.NoError(t, st.PutFile(context.Background(), file))

	q := quota.NewService(st)
	cache := stickercache.New(st, q, stickercache.AlwaysShare{})
	sessions := session.New(st, session.DefaultMaxLifetime)
	retrieval := contextretrieval.New(st, &anthropic.MockClient{}, contextretrieval.DefaultConfig())

	ai := &anthropic.MockClient{}
	ai.On("CreateMessage", mock.Anything, mock.Anything).Return(
		aiResponse(`[{"anchorText": "page body", "explanation": "It explains the concept."}]`), nil)

	downloader := objectstore.Fake{Objects: map[string][]byte{"file-1.pdf": []byte("%PDF-fake")}}
	extractor := pdftext.Fake{Pages: map[int]string{1: testPageText, 2: testPageText}}
	gen := generator.New(downloader, extractor, ai, cache, retrieval, cost.NewCalculator(cost.DefaultRates()), generator.DefaultConfig())

	deps := Deps{
		Store:           st,
		Cache:           cache,
		Quota:           q,
		Sessions:        sessions,
		Generator:       gen,
		SchedulerConfig: scheduler.DefaultConfig(),
	}
	h := NewHandler(deps)
	return &testEnv{router: NewRouter(h), store: st, fileID: file.ID}
}

func (e *testEnv) do(t *testing.T, method, path, userID string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set("X-User-Id", userID)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func TestExplainPage_MissingUser_Unauthorized(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/explain-page", "", map[string]any{"fileId": env.fileID, "page": 1})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestExplainPage_ValidationError_MissingFileID(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/explain-page", "user-1", map[string]any{"page": 1})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExplainPage_ValidationError_PageBelowOne(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/explain-page", "user-1", map[string]any{"fileId": env.fileID, "page": 0})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExplainPage_SinglePage_AcceptsAndGenerates(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/explain-page", "user-1", map[string]any{
		"fileId": env.fileID, "page": 1, "totalPages": 10,
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp acceptedResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.GenerationID)
}

func TestExplainPage_WindowMode_StartsSession(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/explain-page", "user-1", map[string]any{
		"fileId": env.fileID, "page": 1, "totalPages": 10, "mode": "window",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp windowAcceptedResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.SessionID)

	getRec := env.do(t, http.MethodGet, "/session/"+resp.SessionID, "user-1", nil)
	require.Equal(t, http.StatusOK, getRec.Code)
}

func TestHealth_OK(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestUpdateSession_UnknownID_NotFound(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPatch, "/session/nonexistent", "user-1", map[string]any{"currentPage": 2, "action": "extend"})
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRefreshSticker_ValidationError_EmptyContent(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/sticker/some-id/refresh", "user-1", map[string]any{"contentMarkdown": ""})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
