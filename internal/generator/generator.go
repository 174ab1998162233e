// Package generator implements the sticker generator (C4): it turns one
// page of a PDF into a set of anchored explanations by calling the AI and
// writing the result back through the shared sticker cache.
package generator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/pdfreader/sticker-engine/internal/cost"
	"github.com/pdfreader/sticker-engine/internal/model"
	"github.com/pdfreader/sticker-engine/internal/monitoring"
	"github.com/pdfreader/sticker-engine/internal/objectstore"
	"github.com/pdfreader/sticker-engine/internal/pdftext"
	"github.com/pdfreader/sticker-engine/internal/stickercache"
	"github.com/pdfreader/sticker-engine/pkg/anthropic"
)

// minPageTextChars is the page-text floor below which a text-mode page
// fails with kind=insufficient-text, per spec.md §4.4 step 1.
const minPageTextChars = 50

// maxHintEntries bounds how many context entries are folded into the
// system prompt, per spec.md §4.4 step 2.
const maxHintEntries = 5

// hintBodyPrefixChars is the body-prefix length used in the hint, per
// spec.md §4.4 step 2.
const hintBodyPrefixChars = 150

// ContextHintRequest is the C9 query shape used to build the optional
// in-prompt hint.
type ContextHintRequest struct {
	UserID   string
	CourseID string
	FileID   string
	Page     int
	PageText string
	Question string
}

// ContextHintSource is the C9 boundary the generator calls for an optional
// context hint. Implemented by internal/contextretrieval.
type ContextHintSource interface {
	RetrieveForPage(ctx context.Context, req ContextHintRequest) ([]model.ContextEntry, error)
}

// Config tunes the AI call the generator makes.
type Config struct {
	Model       string
	Temperature float64
	MaxTokens   int64
}

// DefaultConfig mirrors spec.md §4.4 step 4.
func DefaultConfig() Config {
	return Config{Model: "claude-haiku-4-5-20251001", Temperature: 0.7, MaxTokens: 4000}
}

// Request is one C4 invocation: the fields spec.md §4.4 lists as input.
type Request struct {
	GenerationID string
	UserID       string
	CourseID     string
	FileID       string
	PDFHash      string
	Page         int
	TotalPages   int
	PDFType      model.PDFType
	Locale       model.Locale
	StorageKey   string
	Regions      []model.ImageRegion
	TextSnippet  string // explicit override; skips download+extract when set
	Question     string
}

// Service implements C4 over a downloader, text extractor, AI client, and
// the shared cache it reports completion/failure to.
type Service struct {
	downloader objectstore.Downloader
	extractor  pdftext.Extractor
	ai         anthropic.Client
	cache      *stickercache.Service
	hints      ContextHintSource // optional; nil skips step 2
	costCalc   *cost.Calculator
	collector  *monitoring.Collector // optional; nil skips metrics recording
	cfg        Config
}

// New builds a Service. hints may be nil.
func New(downloader objectstore.Downloader, extractor pdftext.Extractor, ai anthropic.Client, cache *stickercache.Service, hints ContextHintSource, costCalc *cost.Calculator, cfg Config) *Service {
	return &Service{downloader: downloader, extractor: extractor, ai: ai, cache: cache, hints: hints, costCalc: costCalc, cfg: cfg}
}

// WithCollector attaches a metrics collector used to record generation
// outcomes and AI spend. Returns the receiver for chaining at wiring time.
func (s *Service) WithCollector(collector *monitoring.Collector) *Service {
	s.collector = collector
	return s
}

type stickerPair struct {
	AnchorText  string `json:"anchorText"`
	Explanation string `json:"explanation"`
}

// Generate runs the full C4 algorithm. Failures are reported to the shared
// cache (which refunds quota) rather than returned bare, except for
// programming/store errors that the caller cannot recover from.
func (s *Service) Generate(ctx context.Context, req Request) error {
	start := time.Now()
	if s.collector != nil {
		s.collector.RecordGenerationStarted()
	}

	pageText := req.TextSnippet
	if pageText == "" {
		data, err := s.downloader.Download(ctx, req.StorageKey)
		if err != nil {
			return s.fail(ctx, req, "infra-error", eris.Wrap(err, "generator: download"))
		}
		text, err := s.extractor.PageText(data, req.Page)
		if err != nil {
			return s.fail(ctx, req, "infra-error", eris.Wrap(err, "generator: extract page text"))
		}
		pageText = text
	}

	// Open Question #2: the 50-char floor applies to text PDFs; ppt pages
	// use full-page anchors instead of paragraph anchors and skip it.
	if req.PDFType != model.PDFTypePPT && len(strings.TrimSpace(pageText)) < minPageTextChars {
		return s.failTerminal(ctx, req, model.CodeInsufficientText, "insufficient-text")
	}

	hint := s.buildHint(ctx, req, pageText)
	system := s.buildSystemMessage(req.Locale, hint)
	user := s.buildUserMessage(pageText, req)

	temperature := s.cfg.Temperature
	resp, err := s.ai.CreateMessage(ctx, anthropic.MessageRequest{
		Model:       s.cfg.Model,
		MaxTokens:   s.cfg.MaxTokens,
		Temperature: &temperature,
		System:      anthropic.BuildCachedSystemBlocks(system),
		Messages:    []anthropic.Message{{Role: "user", Content: user}},
	})
	if err != nil {
		return s.fail(ctx, req, "ai-error", eris.Wrap(err, "generator: create message"))
	}

	if s.costCalc != nil {
		usd := s.costCalc.Claude(s.cfg.Model, resp.Usage.InputTokens, resp.Usage.OutputTokens, resp.Usage.CacheCreationInputTokens, resp.Usage.CacheReadInputTokens)
		zap.L().Info("generator: ai call priced",
			zap.String("generationId", req.GenerationID),
			zap.Float64("usd", usd),
		)
		if s.collector != nil {
			s.collector.RecordAICost(usd)
		}
	}

	pairs := parseStickerPairs(extractText(resp))
	if len(pairs) == 0 {
		return s.failTerminal(ctx, req, model.CodeAIError, "ai-error")
	}

	stickers := make([]model.Sticker, 0, len(pairs))
	now := time.Now().UTC()
	for _, p := range pairs {
		anchor := model.Anchor{TextSnippet: p.AnchorText}
		if len(req.Regions) > 0 {
			anchor.Anchors = buildMixedAnchors(req.Page, p.AnchorText, req.Regions)
		}
		stickers = append(stickers, model.Sticker{
			ID:              uuid.New().String(),
			OwnerUserID:     req.UserID,
			CourseID:        req.CourseID,
			FileID:          req.FileID,
			Page:            req.Page,
			Kind:            model.StickerKindAuto,
			Anchor:          anchor,
			ParentID:        nil,
			ContentMarkdown: p.Explanation,
			Folded:          false,
			Depth:           0,
			CreatedAt:       now,
		})
	}

	latencyMS := time.Since(start).Milliseconds()
	if err := s.cache.Complete(ctx, req.GenerationID, stickers, latencyMS); err != nil {
		return eris.Wrap(err, "generator: complete")
	}
	if err := s.cache.RecordLatencySample(ctx, req.PDFHash, req.Page, req.Locale, effectiveMode(req), latencyMS, false); err != nil {
		zap.L().Warn("generator: record latency sample failed", zap.Error(err))
	}
	if s.collector != nil {
		s.collector.RecordGenerationCompleted()
	}
	return nil
}

func effectiveMode(req Request) model.EffectiveMode {
	if len(req.Regions) > 0 {
		return model.ModeWithSelectedImages
	}
	return model.ModeTextOnly
}

// fail reports a non-terminal (infra/AI) failure: logged, then routed to
// the cache so quota is refunded. The original cause is preserved in the
// wrapped error returned to the caller for observability.
func (s *Service) fail(ctx context.Context, req Request, kind string, cause error) error {
	zap.L().Warn("generator: page generation failed",
		zap.String("generationId", req.GenerationID),
		zap.String("kind", kind),
		zap.Error(cause),
	)
	if s.collector != nil {
		s.collector.RecordGenerationFailed()
	}
	if err := s.cache.Fail(ctx, req.GenerationID, kind); err != nil {
		return eris.Wrap(err, "generator: fail (after "+kind+")")
	}
	return cause
}

func (s *Service) failTerminal(ctx context.Context, req Request, code model.ErrorCode, kind string) error {
	cause := model.NewAPIError(code, fmt.Sprintf("generator: %s", kind), nil)
	return s.fail(ctx, req, kind, cause)
}

func (s *Service) buildHint(ctx context.Context, req Request, pageText string) string {
	if s.hints == nil {
		return ""
	}
	entries, err := s.hints.RetrieveForPage(ctx, ContextHintRequest{
		UserID: req.UserID, CourseID: req.CourseID, FileID: req.FileID,
		Page: req.Page, PageText: pageText, Question: req.Question,
	})
	if err != nil {
		// C9 degrades silently per spec.md §7; the generator proceeds
		// without a hint rather than failing the whole page.
		zap.L().Debug("generator: context hint unavailable", zap.Error(err))
		return ""
	}
	if len(entries) > maxHintEntries {
		entries = entries[:maxHintEntries]
	}
	if len(entries) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("Relevant course context:\n")
	for _, e := range entries {
		body := e.Body
		if len(body) > hintBodyPrefixChars {
			body = body[:hintBodyPrefixChars]
		}
		fmt.Fprintf(&sb, "- %s: %s\n", e.Title, body)
	}
	return sb.String()
}

func (s *Service) buildSystemMessage(locale model.Locale, hint string) string {
	persona := tutorPersona(locale)
	if hint == "" {
		return persona
	}
	return persona + "\n\n" + hint
}

func tutorPersona(locale model.Locale) string {
	switch locale {
	case model.LocaleZHHans:
		return "你是一位耐心的助教，负责把教材页面拆解成简短的要点解释。请使用简体中文回答，并给出可直接理解的解释。"
	default:
		return "You are a patient tutor who explains one page of course material at a time in short, clear notes a student can skim."
	}
}

func (s *Service) buildUserMessage(pageText string, req Request) string {
	return fmt.Sprintf(`Page %d of %d (type: %s).

Page text:
%s

Return a JSON array of short explanations anchored to specific phrases on this page: [{"anchorText": "<exact phrase from the page>", "explanation": "<concise explanation in markdown>"}]. Return only the JSON array, nothing else.`,
		req.Page, req.TotalPages, req.PDFType, pageText)
}

// buildMixedAnchors assembles the text+image anchor list for
// with-selected-images generations, per spec.md §6/§8 scenario C. Image
// anchor ids are formatted "{page}-{x}-{y}-{w}-{h}" at 4-decimal rounding.
func buildMixedAnchors(page int, text string, regions []model.ImageRegion) []model.MixedAnchor {
	anchors := make([]model.MixedAnchor, 0, len(regions)+1)
	anchors = append(anchors, model.MixedAnchor{
		ID:          fmt.Sprintf("%d-text", page),
		Type:        "text",
		TextSnippet: text,
		Page:        page,
	})
	for _, r := range regions {
		rect := r.Rect
		anchors = append(anchors, model.MixedAnchor{
			ID:   fmt.Sprintf("%d-%.4f-%.4f-%.4f-%.4f", r.Page, rect.X, rect.Y, rect.W, rect.H),
			Type: "image",
			Page: r.Page,
			Rect: &rect,
		})
	}
	return anchors
}

func parseStickerPairs(text string) []stickerPair {
	text = cleanJSON(text)
	var pairs []stickerPair
	if err := json.Unmarshal([]byte(text), &pairs); err != nil {
		return nil
	}
	out := pairs[:0]
	for _, p := range pairs {
		if strings.TrimSpace(p.AnchorText) == "" || strings.TrimSpace(p.Explanation) == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

func extractText(resp *anthropic.MessageResponse) string {
	if resp == nil {
		return ""
	}
	var parts []string
	for _, block := range resp.Content {
		if block.Text != "" {
			parts = append(parts, block.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// cleanJSON strips markdown code fences the model sometimes wraps its JSON
// response in.
func cleanJSON(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```json") {
		text = strings.TrimPrefix(text, "```json")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	} else if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}
	return strings.TrimSpace(text)
}
