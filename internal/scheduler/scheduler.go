// Package scheduler runs the background sliding-window prefetch loop (C6):
// one goroutine per active window session, generating pages ahead of the
// reader with a bounded worker pool, grounded on the teacher's
// errgroup-based classifyDirect concurrency pattern.
package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pdfreader/sticker-engine/internal/generator"
	"github.com/pdfreader/sticker-engine/internal/model"
	"github.com/pdfreader/sticker-engine/internal/session"
)

// Config tunes scheduler loop timing and concurrency budgets.
type Config struct {
	ConcurrencyBudgetPPT  int
	ConcurrencyBudgetText int
	PollInterval          time.Duration
}

// DefaultConfig mirrors spec.md §4.6's stated defaults.
func DefaultConfig() Config {
	return Config{ConcurrencyBudgetPPT: 1, ConcurrencyBudgetText: 2, PollInterval: 500 * time.Millisecond}
}

// ProgressEvent is the observable callback emitted after each page
// settles, per spec.md §4.6 step 4.
type ProgressEvent struct {
	SessionID string
	Page      int
	Success   bool
	Err       error
}

// ProgressFunc receives progress events. It must not block for long.
type ProgressFunc func(ProgressEvent)

// PageResolver supplies the fields Generate needs for one page, beyond
// what the session already tracks (file metadata, storage key, locale...).
type PageResolver interface {
	ResolvePage(ctx context.Context, sess *model.WindowSession, page int) (generator.Request, error)
}

// Generator is the subset of generator.Service the scheduler calls.
type Generator interface {
	Generate(ctx context.Context, req generator.Request) error
}

// Scheduler runs one background loop per active session.
type Scheduler struct {
	sessions *session.Service
	gen      Generator
	resolve  PageResolver
	cfg      Config
	onEvent  ProgressFunc

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// New builds a Scheduler. onEvent may be nil.
func New(sessions *session.Service, gen Generator, resolve PageResolver, cfg Config, onEvent ProgressFunc) *Scheduler {
	if onEvent == nil {
		onEvent = func(ProgressEvent) {}
	}
	return &Scheduler{sessions: sessions, gen: gen, resolve: resolve, cfg: cfg, onEvent: onEvent, running: map[string]context.CancelFunc{}}
}

// Launch starts the background loop for sessionID if one isn't already
// running. Safe to call repeatedly; subsequent calls are no-ops while the
// loop for that session is alive.
func (s *Scheduler) Launch(ctx context.Context, sess *model.WindowSession) {
	s.mu.Lock()
	if _, ok := s.running[sess.ID]; ok {
		s.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.running[sess.ID] = cancel
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.running, sess.ID)
			s.mu.Unlock()
			cancel()
		}()
		s.run(loopCtx, sess.ID, sess.PDFType)
	}()
}

// Stop cancels the background loop for sessionID, if running. The loop
// itself finishes in-flight page work before exiting (spec.md §5
// cancellation semantics); Stop only unblocks the next poll.
func (s *Scheduler) Stop(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cancel, ok := s.running[sessionID]; ok {
		cancel()
	}
}

func (s *Scheduler) budgetFor(pdfType model.PDFType) int {
	if pdfType == model.PDFTypePPT {
		return s.cfg.ConcurrencyBudgetPPT
	}
	return s.cfg.ConcurrencyBudgetText
}

func (s *Scheduler) run(ctx context.Context, sessionID string, pdfType model.PDFType) {
	budget := s.budgetFor(pdfType)
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		sess, err := s.sessions.Get(ctx, sessionID)
		if err != nil {
			zap.L().Warn("scheduler: get session failed", zap.String("sessionId", sessionID), zap.Error(err))
			return
		}
		if sess.State == model.SessionCompleted || sess.State == model.SessionExpired {
			return
		}

		pages := session.PagesToGenerate(sess.WindowStart, sess.WindowEnd, sess.PagesCompleted, sess.PagesInProgress, sess.CurrentPage)
		if len(pages) == 0 {
			if sess.State != model.SessionActive {
				return
			}
			continue
		}
		// Pages that already failed go after the untried ones, so a page that
		// keeps failing does not take the whole budget on every tick.
		var fresh, retry []int
		for _, p := range pages {
			if sess.PagesFailed[p] {
				retry = append(retry, p)
			} else {
				fresh = append(fresh, p)
			}
		}
		pages = append(fresh, retry...)
		if len(pages) > budget {
			pages = pages[:budget]
		}

		// Cancellation semantics (spec.md §5): once canceled, finish only
		// currently running work and stop picking up new pages.
		if sess.State == model.SessionCanceled {
			return
		}

		s.runBatch(ctx, sess, pages)
	}
}

func (s *Scheduler) runBatch(ctx context.Context, sess *model.WindowSession, pages []int) {
	g, gCtx := errgroup.WithContext(context.WithoutCancel(ctx))
	g.SetLimit(max(1, s.budgetFor(sess.PDFType)))

	for _, page := range pages {
		page := page
		if err := s.sessions.MarkPageInProgress(ctx, sess.ID, page); err != nil {
			zap.L().Warn("scheduler: mark in progress failed", zap.Error(err))
			continue
		}
		g.Go(func() error {
			s.generateOnePage(gCtx, sess, page)
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Scheduler) generateOnePage(ctx context.Context, sess *model.WindowSession, page int) {
	req, err := s.resolve.ResolvePage(ctx, sess, page)
	if err != nil {
		zap.L().Warn("scheduler: resolve page failed", zap.Int("page", page), zap.Error(err))
		s.settleFailure(sess.ID, page, err)
		return
	}

	err = s.gen.Generate(ctx, req)
	if err != nil {
		s.settleFailure(sess.ID, page, err)
		return
	}
	if err := s.sessions.MarkPageCompleted(ctx, sess.ID, page); err != nil {
		zap.L().Warn("scheduler: mark completed failed", zap.Error(err))
	}
	s.onEvent(ProgressEvent{SessionID: sess.ID, Page: page, Success: true})
}

func (s *Scheduler) settleFailure(sessionID string, page int, cause error) {
	if err := s.sessions.MarkPageFailed(context.Background(), sessionID, page); err != nil {
		zap.L().Warn("scheduler: mark failed failed", zap.Error(err))
	}
	s.onEvent(ProgressEvent{SessionID: sessionID, Page: page, Success: false, Err: cause})
}
