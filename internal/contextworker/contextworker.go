// Package contextworker implements the Context Extraction Worker (C8): it
// mines a PDF's pages into quality-scored, deduplicated knowledge entries,
// resuming from a checkpoint between batches so retries never reprocess
// completed work.
package contextworker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/pdfreader/sticker-engine/internal/contextjob"
	"github.com/pdfreader/sticker-engine/internal/fingerprint"
	"github.com/pdfreader/sticker-engine/internal/model"
	"github.com/pdfreader/sticker-engine/internal/objectstore"
	"github.com/pdfreader/sticker-engine/internal/pdftext"
	"github.com/pdfreader/sticker-engine/internal/store"
	"github.com/pdfreader/sticker-engine/pkg/anthropic"
)

// Config tunes batching and the extraction AI call, per spec.md §4.8 step 1.
type Config struct {
	SamplePages        int
	BatchWordTarget    int
	MinBatchWords      int
	MaxBatchWords      int
	TranslationPenalty float64
	Model              string
	MaxTokens          int64
}

// DefaultConfig mirrors spec.md §4.8's stated defaults.
func DefaultConfig() Config {
	return Config{
		SamplePages:        10,
		BatchWordTarget:    4000,
		MinBatchWords:      2000,
		MaxBatchWords:      6000,
		TranslationPenalty: 0.9,
		Model:              "claude-haiku-4-5-20251001",
		MaxTokens:          4000,
	}
}

// Service runs C8 over a store, a downloader/extractor pair, and an AI
// client, reporting batch failures to C7's retry policy.
type Service struct {
	st         store.Store
	downloader objectstore.Downloader
	extractor  pdftext.Extractor
	ai         anthropic.Client
	jobs       *contextjob.Service
	cfg        Config
}

// New builds a Service.
func New(st store.Store, downloader objectstore.Downloader, extractor pdftext.Extractor, ai anthropic.Client, jobs *contextjob.Service, cfg Config) *Service {
	return &Service{st: st, downloader: downloader, extractor: extractor, ai: ai, jobs: jobs, cfg: cfg}
}

type candidateEntry struct {
	Type         model.ContextEntryType `json:"type"`
	Title        string                 `json:"title"`
	Body         string                 `json:"body"`
	SourcePage   int                    `json:"sourcePage"`
	Keywords     []string               `json:"keywords"`
	QualityScore float64                `json:"qualityScore"`
}

// ProcessJob runs one claimed job to completion or reports its failure to
// C7. The caller is responsible for claiming and for calling Complete /
// ReportFailure based on the returned error.
func (s *Service) ProcessJob(ctx context.Context, job model.ContextJob) error {
	file, err := s.st.GetFile(ctx, job.FileID)
	if err != nil {
		return eris.Wrap(err, "contextworker: get file")
	}

	data, err := s.downloader.Download(ctx, file.StorageKey)
	if err != nil {
		return eris.Wrap(err, "contextworker: download")
	}

	if job.TotalBatches == 0 {
		if err := s.planBatches(ctx, &job, data); err != nil {
			return err
		}
	}

	// TotalBatches/CurrentBatch are progress-reporting estimates only — the
	// sample-based word count they derive from can under- or over-count the
	// true per-page density, so completion is gated on actual page coverage.
	for job.ProcessedPages < job.TotalPages {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.runBatch(ctx, &job, data); err != nil {
			return err
		}
	}

	if err := s.jobs.Complete(ctx, job); err != nil {
		return eris.Wrap(err, "contextworker: complete job")
	}
	if err := s.st.GrantContextScope(ctx, model.UserContextScope{
		UserID: job.UserID, CourseID: file.CourseID, FileID: job.FileID, PDFHash: job.PDFHash,
	}); err != nil {
		return eris.Wrap(err, "contextworker: grant scope")
	}
	return nil
}

// planBatches samples the first SamplePages pages to estimate total words
// and derive a batch count, per spec.md §4.8 step 1.
func (s *Service) planBatches(ctx context.Context, job *model.ContextJob, data []byte) error {
	totalPages := job.TotalPages
	if totalPages == 0 {
		n, err := s.extractor.PageCount(data)
		if err != nil {
			return eris.Wrap(err, "contextworker: page count")
		}
		totalPages = n
		job.TotalPages = n
	}

	sampleN := s.cfg.SamplePages
	if sampleN > totalPages {
		sampleN = totalPages
	}
	if sampleN <= 0 {
		job.TotalBatches = 0
		return nil
	}
	pages, err := s.extractor.PagesText(data, 1, sampleN)
	if err != nil {
		return eris.Wrap(err, "contextworker: sample pages")
	}
	totalSampleWords := 0
	for _, p := range pages {
		totalSampleWords += fingerprint.EstimateWordCount(p)
	}
	avgWordsPerPage := float64(totalSampleWords) / float64(sampleN)
	estimatedTotalWords := int(avgWordsPerPage * float64(totalPages))
	job.EstimatedTotalWords = estimatedTotalWords

	batches := (estimatedTotalWords + s.cfg.BatchWordTarget - 1) / s.cfg.BatchWordTarget
	if batches < 1 {
		batches = 1
	}
	job.TotalBatches = batches
	return s.jobs.Checkpoint(ctx, *job)
}

// runBatch reads one contiguous batch of pages starting at the job's
// checkpoint, calls the AI, persists surviving entries, and advances the
// checkpoint, per spec.md §4.8 steps 2-7.
func (s *Service) runBatch(ctx context.Context, job *model.ContextJob, data []byte) error {
	startPage := job.ProcessedPages + 1

	var sb strings.Builder
	words := 0
	endPage := startPage - 1
	for page := startPage; page <= job.TotalPages; page++ {
		text, err := s.extractor.PageText(data, page)
		if err != nil {
			return eris.Wrapf(err, "contextworker: extract page %d", page)
		}
		pageWords := fingerprint.EstimateWordCount(text)
		// MaxBatchWords only stops growth once the batch already clears
		// MinBatchWords; otherwise a single oversized page would produce a
		// starved batch far below the minimum useful extraction size.
		if words > 0 && words+pageWords > s.cfg.MaxBatchWords && words >= s.cfg.MinBatchWords {
			break
		}
		sb.WriteString(text)
		sb.WriteString("\n\n")
		words += pageWords
		endPage = page
		if words >= s.cfg.BatchWordTarget {
			break
		}
	}
	if endPage < startPage {
		endPage = startPage
		words += fingerprint.EstimateWordCount("")
	}

	batchText := sb.String()
	lang := fingerprint.DetectLanguage(batchText)
	candidates, err := s.extractEntries(ctx, batchText, lang, startPage)
	if err != nil {
		return err
	}

	surviving := dedupByTitle(candidates)
	entries := make([]model.ContextEntry, 0, len(surviving))
	now := time.Now().UTC()
	for _, c := range surviving {
		if c.QualityScore < model.MinQualityScore {
			continue
		}
		entries = append(entries, model.ContextEntry{
			ID:                uuid.New().String(),
			PDFHash:           job.PDFHash,
			Type:              c.Type,
			Title:             c.Title,
			Body:              c.Body,
			SourcePage:        c.SourcePage,
			Keywords:          c.Keywords,
			QualityScore:      c.QualityScore,
			Language:          lang,
			ExtractionVersion: job.ExtractionVersion,
			CreatedAt:         now,
		})
	}

	if len(entries) > 0 {
		if _, err := s.st.PutContextEntries(ctx, entries); err != nil {
			return eris.Wrap(err, "contextworker: put context entries")
		}
	}

	job.ProcessedPages = endPage
	job.ProcessedWords += words
	job.CurrentBatch++
	return eris.Wrap(s.jobs.Checkpoint(ctx, *job), "contextworker: checkpoint batch")
}

func (s *Service) extractEntries(ctx context.Context, batchText, lang string, startPage int) ([]candidateEntry, error) {
	system := extractionSystemPrompt(lang)
	user := fmt.Sprintf(`Source pages starting at %d:

%s

Return a JSON array of knowledge entries: [{"type": "definition"|"formula"|"theorem"|"concept"|"principle", "title": "<short title>", "body": "<self-contained explanation>", "sourcePage": <page number>, "keywords": ["..."], "qualityScore": <0..1>}]. Return only the JSON array, nothing else.`, startPage, batchText)

	temperature := 0.3
	resp, err := s.ai.CreateMessage(ctx, anthropic.MessageRequest{
		Model:       s.cfg.Model,
		MaxTokens:   s.cfg.MaxTokens,
		Temperature: &temperature,
		System:      anthropic.BuildCachedSystemBlocks(system),
		Messages:    []anthropic.Message{{Role: "user", Content: user}},
	})
	if err != nil {
		return nil, eris.Wrap(err, "contextworker: create message")
	}

	candidates := parseCandidates(extractText(resp))
	if lang != "en" {
		for i := range candidates {
			candidates[i].QualityScore *= s.cfg.TranslationPenalty
		}
	}
	return candidates, nil
}

func extractionSystemPrompt(lang string) string {
	if lang == "en" {
		return "You mine course material for reusable knowledge entries: definitions, formulas, theorems, concepts, and principles. Score each entry's quality from 0 to 1 based on how self-contained and precise it is."
	}
	return "The source text is not in English. Translate each mined knowledge entry (title and body) into English, then score its quality from 0 to 1 based on how self-contained and precise the translation is."
}

// dedupByTitle groups candidates by normalized title and keeps the
// highest-quality entry per group; ties keep the earlier-processed entry,
// per spec.md §4.8 orderings & tie-breaks.
func dedupByTitle(candidates []candidateEntry) []candidateEntry {
	best := map[string]candidateEntry{}
	order := make([]string, 0, len(candidates))
	for _, c := range candidates {
		key := fingerprint.NormalizeTitle(c.Title)
		if key == "" {
			continue
		}
		existing, ok := best[key]
		if !ok {
			best[key] = c
			order = append(order, key)
			continue
		}
		if c.QualityScore > existing.QualityScore {
			best[key] = c
		}
	}
	out := make([]candidateEntry, 0, len(order))
	for _, key := range order {
		out = append(out, best[key])
	}
	return out
}

func parseCandidates(text string) []candidateEntry {
	text = cleanJSON(text)
	var candidates []candidateEntry
	if err := json.Unmarshal([]byte(text), &candidates); err != nil {
		zap.L().Debug("contextworker: non-JSON extraction response", zap.Error(err))
		return nil
	}
	return candidates
}

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
