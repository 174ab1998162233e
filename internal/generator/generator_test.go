package generator

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/pdfreader/sticker-engine/internal/model"
	"github.com/pdfreader/sticker-engine/internal/objectstore"
	"github.com/pdfreader/sticker-engine/internal/pdftext"
	"github.com/pdfreader/sticker-engine/internal/quota"
	"github.com/pdfreader/sticker-engine/internal/stickercache"
	"github.com/pdfreader/sticker-engine/internal/store"
	"github.com/pdfreader/sticker-engine/pkg/anthropic"
)

func newTestCache(t *testing.T) *stickercache.Service {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "generator.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return stickercache.New(st, quota.NewService(st), nil)
}

func startGeneration(t *testing.T, cache *stickercache.Service, fp model.Fingerprint) string {
	t.Helper()
	res, err := cache.TryStart(context.Background(), fp, "user-1", 1, 0, nil)
	require.NoError(t, err)
	require.True(t, res.Started)
	return res.GenerationID
}

func testFingerprint() model.Fingerprint {
	return model.Fingerprint{
		PDFHash:       "pdf-1",
		Page:          2,
		Locale:        model.LocaleEN,
		EffectiveMode: model.ModeTextOnly,
	}
}

const longPageText = `This is the page body for testing. It describes a concept in enough
detail that the fifty character floor for text-mode pages is comfortably
cleared, covering several sentences of running prose about the subject
matter under discussion.`

func aiResponse(body string) *anthropic.MessageResponse {
	return &anthropic.MessageResponse{
		Content: []anthropic.ContentBlock{{Type: "text", Text: body}},
		Usage:   anthropic.TokenUsage{InputTokens: 100, OutputTokens: 50},
	}
}

func TestGenerate_Success_PersistsStickers(t *testing.T) {
	cache := newTestCache(t)
	fp := testFingerprint()
	genID := startGeneration(t, cache, fp)

	mc := new(anthropic.MockClient)
	mc.On("CreateMessage", mock.Anything, mock.Anything).Return(
		aiResponse(`[{"anchorText": "page body", "explanation": "It explains the concept."}]`), nil,
	)

	svc := New(
		objectstore.Fake{Objects: map[string][]byte{"key-1": []byte("irrelevant bytes")}},
		pdftext.Fake{Pages: map[int]string{2: longPageText}},
		mc,
		cache,
		nil,
		nil,
		DefaultConfig(),
	)

	err := svc.Generate(context.Background(), Request{
		GenerationID: genID,
		UserID:       "user-1",
		FileID:       "file-1",
		PDFHash:      fp.PDFHash,
		Page:         fp.Page,
		TotalPages:   10,
		PDFType:      model.PDFTypeText,
		Locale:       model.LocaleEN,
		StorageKey:   "key-1",
	})
	require.NoError(t, err)

	status, err := cache.GetStatus(context.Background(), genID)
	require.NoError(t, err)
	assert.Equal(t, model.GenerationReady, status.State)
	require.Len(t, status.Stickers, 1)
	assert.Equal(t, "It explains the concept.", status.Stickers[0].ContentMarkdown)
	assert.Equal(t, model.StickerKindAuto, status.Stickers[0].Kind)
}

func TestGenerate_InsufficientText_TextMode(t *testing.T) {
	cache := newTestCache(t)
	fp := testFingerprint()
	genID := startGeneration(t, cache, fp)

	mc := new(anthropic.MockClient) // never called

	svc := New(
		objectstore.Fake{Objects: map[string][]byte{"key-1": []byte("bytes")}},
		pdftext.Fake{Pages: map[int]string{2: "too short"}},
		mc,
		cache,
		nil,
		nil,
		DefaultConfig(),
	)

	err := svc.Generate(context.Background(), Request{
		GenerationID: genID,
		UserID:       "user-1",
		FileID:       "file-1",
		PDFHash:      fp.PDFHash,
		Page:         fp.Page,
		TotalPages:   10,
		PDFType:      model.PDFTypeText,
		Locale:       model.LocaleEN,
		StorageKey:   "key-1",
	})
	require.Error(t, err)

	apiErr, ok := model.AsAPIError(err)
	require.True(t, ok)
	assert.Equal(t, model.CodeInsufficientText, apiErr.Code)

	status, err := cache.GetStatus(context.Background(), genID)
	require.NoError(t, err)
	assert.Equal(t, model.GenerationFailed, status.State)
	mc.AssertNotCalled(t, "CreateMessage")
}

func TestGenerate_InsufficientText_SkippedForPPT(t *testing.T) {
	cache := newTestCache(t)
	fp := testFingerprint()
	fp.EffectiveMode = model.ModeTextOnly
	genID := startGeneration(t, cache, fp)

	mc := new(anthropic.MockClient)
	mc.On("CreateMessage", mock.Anything, mock.Anything).Return(
		aiResponse(`[{"anchorText": "slide", "explanation": "Full page summary."}]`), nil,
	)

	svc := New(
		objectstore.Fake{Objects: map[string][]byte{"key-1": []byte("bytes")}},
		pdftext.Fake{Pages: map[int]string{2: "short"}},
		mc,
		cache,
		nil,
		nil,
		DefaultConfig(),
	)

	err := svc.Generate(context.Background(), Request{
		GenerationID: genID,
		UserID:       "user-1",
		FileID:       "file-1",
		PDFHash:      fp.PDFHash,
		Page:         fp.Page,
		TotalPages:   10,
		PDFType:      model.PDFTypePPT,
		Locale:       model.LocaleEN,
		StorageKey:   "key-1",
	})
	require.NoError(t, err)
}

func TestGenerate_AIError_EmptyResponse_FailsTerminal(t *testing.T) {
	cache := newTestCache(t)
	fp := testFingerprint()
	genID := startGeneration(t, cache, fp)

	mc := new(anthropic.MockClient)
	mc.On("CreateMessage", mock.Anything, mock.Anything).Return(aiResponse("not json at all"), nil)

	svc := New(
		objectstore.Fake{Objects: map[string][]byte{"key-1": []byte("bytes")}},
		pdftext.Fake{Pages: map[int]string{2: longPageText}},
		mc,
		cache,
		nil,
		nil,
		DefaultConfig(),
	)

	err := svc.Generate(context.Background(), Request{
		GenerationID: genID,
		UserID:       "user-1",
		FileID:       "file-1",
		PDFHash:      fp.PDFHash,
		Page:         fp.Page,
		TotalPages:   10,
		PDFType:      model.PDFTypeText,
		Locale:       model.LocaleEN,
		StorageKey:   "key-1",
	})
	require.Error(t, err)

	apiErr, ok := model.AsAPIError(err)
	require.True(t, ok)
	assert.Equal(t, model.CodeAIError, apiErr.Code)
}

func TestGenerate_WithSelectedImages_BuildsMixedAnchors(t *testing.T) {
	cache := newTestCache(t)
	fp := testFingerprint()
	fp.EffectiveMode = model.ModeWithSelectedImages
	regions := []model.ImageRegion{{Page: 2, Rect: model.Rect{X: 0.1, Y: 0.2, W: 0.3, H: 0.4}}}
	genID := startGeneration(t, cache, fp)

	mc := new(anthropic.MockClient)
	mc.On("CreateMessage", mock.Anything, mock.Anything).Return(
		aiResponse(`[{"anchorText": "diagram", "explanation": "Explains the selected figure."}]`), nil,
	)

	svc := New(
		objectstore.Fake{Objects: map[string][]byte{"key-1": []byte("bytes")}},
		pdftext.Fake{Pages: map[int]string{2: longPageText}},
		mc,
		cache,
		nil,
		nil,
		DefaultConfig(),
	)

	err := svc.Generate(context.Background(), Request{
		GenerationID: genID,
		UserID:       "user-1",
		FileID:       "file-1",
		PDFHash:      fp.PDFHash,
		Page:         fp.Page,
		TotalPages:   10,
		PDFType:      model.PDFTypeText,
		Locale:       model.LocaleEN,
		StorageKey:   "key-1",
		Regions:      regions,
	})
	require.NoError(t, err)

	status, err := cache.GetStatus(context.Background(), genID)
	require.NoError(t, err)
	require.Len(t, status.Stickers, 1)
	anchors := status.Stickers[0].Anchor.Anchors
	require.Len(t, anchors, 2)
	assert.Equal(t, "text", anchors[0].Type)
	assert.Equal(t, "image", anchors[1].Type)
	assert.Equal(t, "2-0.1000-0.2000-0.3000-0.4000", anchors[1].ID)
}

func TestCleanJSON_StripsCodeFence(t *testing.T) {
	raw := "```json\n[{\"anchorText\":\"a\",\"explanation\":\"b\"}]\n```"
	assert.Equal(t, `[{"anchorText":"a","explanation":"b"}]`, cleanJSON(raw))
}

func TestParseStickerPairs_DropsBlankEntries(t *testing.T) {
	pairs := parseStickerPairs(`[{"anchorText":"a","explanation":"b"},{"anchorText":"","explanation":"c"}]`)
	require.Len(t, pairs, 1)
	assert.Equal(t, "a", pairs[0].AnchorText)
}
