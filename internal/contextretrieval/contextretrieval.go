// Package contextretrieval implements Context Retrieval (C9): keyword
// extraction and scope-scoped, budget-capped lookup of mined knowledge
// entries used to hint C4's sticker generation.
package contextretrieval

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/pdfreader/sticker-engine/internal/fingerprint"
	"github.com/pdfreader/sticker-engine/internal/generator"
	"github.com/pdfreader/sticker-engine/internal/model"
	"github.com/pdfreader/sticker-engine/internal/store"
	"github.com/pdfreader/sticker-engine/pkg/anthropic"
)

const (
	minKeywordLen          = 3
	maxKeywordLen          = 100
	minKeywords            = 3
	maxKeywords            = 8
	maxResultScope         = 30
	defaultCurrentPDFBonus = 100.0
	sameCourseBonus        = 50.0
)

// Config tunes the C9 keyword-extraction LRU cache and per-retrieval token
// budget, per spec.md §4.9.
type Config struct {
	CacheTTL    time.Duration
	CacheCap    int
	TokenBudget int
}

// DefaultConfig mirrors spec.md §4.9's stated defaults.
func DefaultConfig() Config {
	return Config{
		CacheTTL:    5 * time.Minute,
		CacheCap:    1000,
		TokenBudget: 2000,
	}
}

var typeBonus = map[model.ContextEntryType]float64{
	model.ContextDefinition: 20,
	model.ContextFormula:    15,
	model.ContextTheorem:    10,
	model.ContextPrinciple:  10,
	model.ContextConcept:    5,
}

// stopWords backs the frequency-heuristic keyword fallback.
var stopWords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true, "but": true,
	"is": true, "are": true, "was": true, "were": true, "be": true, "been": true,
	"of": true, "in": true, "on": true, "at": true, "to": true, "for": true,
	"with": true, "by": true, "from": true, "as": true, "that": true, "this": true,
	"it": true, "its": true, "into": true, "which": true, "these": true, "those": true,
	"can": true, "will": true, "would": true, "should": true, "may": true, "has": true,
	"have": true, "had": true, "not": true, "also": true, "than": true, "then": true,
}

// RetrieveRequest is the C9 retrieve-for-page input.
type RetrieveRequest struct {
	UserID      string
	CourseID    string
	FileID      string
	CurrentPage int
	PageText    string
	Question    string
}

// RetrieveResult is the C9 retrieve-for-page output.
type RetrieveResult struct {
	Entries         []model.ContextEntry
	TotalTokens     int
	RetrievalTimeMS int64
}

// Service implements C9 over a store, an AI client, and an in-process
// keyword cache.
type Service struct {
	st    store.Store
	ai    anthropic.Client
	cache *keywordCache
	cfg   Config
}

// New builds a Service.
func New(st store.Store, ai anthropic.Client, cfg Config) *Service {
	return &Service{st: st, ai: ai, cache: newKeywordCache(cfg.CacheCap, cfg.CacheTTL), cfg: cfg}
}

// ExtractKeywords returns 3-8 academic keywords for the given page text
// and/or question, per spec.md §4.9. Results are cached by a deterministic
// hash of the inputs; AI errors or non-JSON responses fall back to a
// stop-word-filtered frequency heuristic.
func (s *Service) ExtractKeywords(ctx context.Context, pageText, question string) ([]string, error) {
	key := keywordCacheKey(pageText, question)
	if cached, ok := s.cache.get(key); ok {
		return cached, nil
	}

	keywords, err := s.extractKeywordsViaAI(ctx, pageText, question)
	if err != nil {
		zap.L().Debug("contextretrieval: AI keyword extraction unavailable, using heuristic", zap.Error(err))
		keywords = frequencyKeywords(pageText, question)
	}
	s.cache.put(key, keywords)
	return keywords, nil
}

func keywordCacheKey(pageText, question string) string {
	sum := sha256.Sum256([]byte(pageText + "|" + question))
	return hex.EncodeToString(sum[:])
}

func (s *Service) extractKeywordsViaAI(ctx context.Context, pageText, question string) ([]string, error) {
	if s.ai == nil {
		return nil, eris.New("contextretrieval: no AI client configured")
	}
	user := "Page text:\n" + pageText
	if question != "" {
		user += "\n\nStudent question:\n" + question
	}
	user += "\n\nReturn a JSON array of 3 to 8 lowercase academic keywords or short phrases (3-100 characters each) that capture this page's subject matter. Return only the JSON array, nothing else."

	temperature := 0.0
	resp, err := s.ai.CreateMessage(ctx, anthropic.MessageRequest{
		Model:       "claude-haiku-4-5-20251001",
		MaxTokens:   256,
		Temperature: &temperature,
		Messages:    []anthropic.Message{{Role: "user", Content: user}},
	})
	if err != nil {
		return nil, eris.Wrap(err, "contextretrieval: create message")
	}

	text := extractText(resp)
	var keywords []string
	if err := json.Unmarshal([]byte(cleanJSON(text)), &keywords); err != nil {
		return nil, eris.Wrap(err, "contextretrieval: non-JSON keyword response")
	}
	return sanitizeKeywords(keywords), nil
}

func sanitizeKeywords(keywords []string) []string {
	out := make([]string, 0, len(keywords))
	for _, k := range keywords {
		k = strings.ToLower(strings.TrimSpace(k))
		if len(k) < minKeywordLen || len(k) > maxKeywordLen {
			continue
		}
		out = append(out, k)
		if len(out) == maxKeywords {
			break
		}
	}
	return out
}

// frequencyKeywords is the stop-word-filtered fallback used when the AI
// call fails or returns a non-JSON response, per spec.md §4.9.
func frequencyKeywords(pageText, question string) []string {
	counts := map[string]int{}
	order := []string{}
	for _, word := range strings.Fields(strings.ToLower(pageText + " " + question)) {
		word = strings.Trim(word, ".,;:!?()[]{}\"'")
		if len(word) < minKeywordLen || len(word) > maxKeywordLen || stopWords[word] {
			continue
		}
		if counts[word] == 0 {
			order = append(order, word)
		}
		counts[word]++
	}
	sort.SliceStable(order, func(i, j int) bool { return counts[order[i]] > counts[order[j]] })
	if len(order) > maxKeywords {
		order = order[:maxKeywords]
	}
	if len(order) < minKeywords {
		return order
	}
	return order
}

// RetrieveForPage implements generator.ContextHintSource, returning just
// the scored/budgeted entries for C4's in-prompt hint.
func (s *Service) RetrieveForPage(ctx context.Context, req generator.ContextHintRequest) ([]model.ContextEntry, error) {
	result, err := s.Retrieve(ctx, RetrieveRequest{
		UserID: req.UserID, CourseID: req.CourseID, FileID: req.FileID,
		CurrentPage: req.Page, PageText: req.PageText, Question: req.Question,
	})
	if err != nil {
		return nil, err
	}
	return result.Entries, nil
}

// Retrieve runs the full C9 retrieve-for-page algorithm.
func (s *Service) Retrieve(ctx context.Context, req RetrieveRequest) (RetrieveResult, error) {
	start := time.Now()

	keywords, err := s.ExtractKeywords(ctx, req.PageText, req.Question)
	if err != nil {
		return RetrieveResult{}, err
	}
	if len(keywords) == 0 {
		return RetrieveResult{RetrievalTimeMS: time.Since(start).Milliseconds()}, nil
	}

	file, err := s.st.GetFile(ctx, req.FileID)
	if err != nil {
		return RetrieveResult{}, eris.Wrap(err, "contextretrieval: get file")
	}

	entries, err := s.st.ListContextEntriesForScope(ctx, model.UserContextScope{UserID: req.UserID, CourseID: req.CourseID})
	if err != nil {
		return RetrieveResult{}, eris.Wrap(err, "contextretrieval: list entries for scope")
	}

	candidates := filterByQualityAndKeywords(entries, keywords)
	if len(candidates) == 0 {
		candidates = filterByTitleSearch(entries, keywords)
	}

	scored := make([]scoredEntry, 0, len(candidates))
	for _, e := range candidates {
		scored = append(scored, scoredEntry{entry: e, score: scoreEntry(e, file.ContentHash)})
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].score > scored[j].score })
	if len(scored) > maxResultScope {
		scored = scored[:maxResultScope]
	}

	selected := make([]model.ContextEntry, 0, len(scored))
	totalTokens := 0
	for _, se := range scored {
		text := se.entry.Title + ": " + se.entry.Body
		tokens := fingerprint.EstimateTokenCount(text)
		if totalTokens+tokens > s.cfg.TokenBudget {
			break
		}
		selected = append(selected, se.entry)
		totalTokens += tokens
	}

	return RetrieveResult{
		Entries:         selected,
		TotalTokens:     totalTokens,
		RetrievalTimeMS: time.Since(start).Milliseconds(),
	}, nil
}

type scoredEntry struct {
	entry model.ContextEntry
	score float64
}

func scoreEntry(e model.ContextEntry, currentPDFHash string) float64 {
	score := e.QualityScore*10 + typeBonus[e.Type]
	if e.PDFHash == currentPDFHash {
		score += defaultCurrentPDFBonus
	} else {
		score += sameCourseBonus
	}
	return score
}

func filterByQualityAndKeywords(entries []model.ContextEntry, keywords []string) []model.ContextEntry {
	out := make([]model.ContextEntry, 0, len(entries))
	for _, e := range entries {
		if e.QualityScore < model.MinQualityScore {
			continue
		}
		if keywordsOverlap(e.Keywords, keywords) {
			out = append(out, e)
		}
	}
	return out
}

func filterByTitleSearch(entries []model.ContextEntry, keywords []string) []model.ContextEntry {
	out := make([]model.ContextEntry, 0, len(entries))
	for _, e := range entries {
		if e.QualityScore < model.MinQualityScore {
			continue
		}
		title := strings.ToLower(e.Title)
		for _, k := range keywords {
			if strings.Contains(title, k) {
				out = append(out, e)
				break
			}
		}
	}
	return out
}

func keywordsOverlap(entryKeywords, queryKeywords []string) bool {
	set := make(map[string]bool, len(entryKeywords))
	for _, k := range entryKeywords {
		set[strings.ToLower(k)] = true
	}
	for _, k := range queryKeywords {
		if set[strings.ToLower(k)] {
			return true
		}
	}
	return false
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
