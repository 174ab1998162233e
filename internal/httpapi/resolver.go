package httpapi

import (
	"context"
	"sync"

	"github.com/rotisserie/eris"

	"github.com/pdfreader/sticker-engine/internal/generator"
	"github.com/pdfreader/sticker-engine/internal/model"
	"github.com/pdfreader/sticker-engine/internal/quota"
	"github.com/pdfreader/sticker-engine/internal/stickercache"
	"github.com/pdfreader/sticker-engine/internal/store"
)

// sessionHints is the (locale, question) pair a window session resolves
// every page with. model.WindowSession carries neither field, so the
// resolver keeps them keyed by session id from launch until cancellation.
type sessionHints struct {
	locale   model.Locale
	question string
}

// windowPageResolver implements scheduler.PageResolver for every window
// session the engine runs: it claims a generation slot (deducting quota)
// for each page the scheduler asks it to resolve.
type windowPageResolver struct {
	st    store.Store
	cache *stickercache.Service
	quota *quota.Service

	mu    sync.Mutex
	hints map[string]sessionHints
}

func newWindowPageResolver(st store.Store, cache *stickercache.Service, q *quota.Service) *windowPageResolver {
	return &windowPageResolver{st: st, cache: cache, quota: q, hints: map[string]sessionHints{}}
}

// register records the hints a session resolves pages with. Call before
// scheduler.Launch so the first resolve call already finds them.
func (r *windowPageResolver) register(sessionID string, locale model.Locale, question string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hints[sessionID] = sessionHints{locale: locale, question: question}
}

// forget drops a session's hints once it is canceled or expired.
func (r *windowPageResolver) forget(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.hints, sessionID)
}

func (r *windowPageResolver) hintsFor(sessionID string) sessionHints {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hints[sessionID]
}

func (r *windowPageResolver) ResolvePage(ctx context.Context, sess *model.WindowSession, page int) (generator.Request, error) {
	file, err := r.st.GetFile(ctx, sess.FileID)
	if err != nil {
		return generator.Request{}, eris.Wrap(err, "httpapi: resolve page: get file")
	}

	hints := r.hintsFor(sess.ID)
	locale := hints.locale
	if locale == "" {
		locale = model.LocaleEN
	}

	fp := model.Fingerprint{PDFHash: file.ContentHash, Page: page, Locale: locale, EffectiveMode: model.ModeTextOnly}

	if _, err := r.quota.Deduct(ctx, sess.UserID, model.BucketAutoExplain, 1); err != nil {
		return generator.Request{}, err
	}

	start, err := r.cache.TryStart(ctx, fp, sess.UserID, 1, 0, nil)
	if err != nil {
		_ = r.quota.Refund(ctx, sess.UserID, model.BucketAutoExplain, 1)
		return generator.Request{}, eris.Wrap(err, "httpapi: resolve page: try start")
	}
	if !start.Started {
		// Another caller already owns this fingerprint's generation. The
		// scheduler marks the page failed; its later retries of the page
		// end here again, since TryStart reports the same existing record.
		_ = r.quota.Refund(ctx, sess.UserID, model.BucketAutoExplain, 1)
		return generator.Request{}, eris.New("httpapi: resolve page: generation already in flight")
	}

	return generator.Request{
		GenerationID: start.GenerationID,
		UserID:       sess.UserID,
		CourseID:     file.CourseID,
		FileID:       file.ID,
		PDFHash:      file.ContentHash,
		Page:         page,
		TotalPages:   file.PageCount,
		PDFType:      sess.PDFType,
		Locale:       locale,
		StorageKey:   file.StorageKey,
		Question:     hints.question,
	}, nil
}
