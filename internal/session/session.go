// Package session implements the window session store (C5): the sliding
// prefetch window a reading session advances as the user turns pages.
package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/pdfreader/sticker-engine/internal/model"
	"github.com/pdfreader/sticker-engine/internal/store"
)

// ErrSessionExists is returned by Start when the user already has an
// active session for the file.
var ErrSessionExists = eris.New("session: already exists")

// ErrNotActive is returned by Update/Cancel when the session is no longer active.
var ErrNotActive = eris.New("session: not active")

// textLookahead/pptLookahead set the initial and extend-time window reach,
// per spec.md §4.5 ("window = [current, min(current+7,last)] for text ...
// a bounded run covering current+1..+3 for ppt").
const (
	textLookahead = 7
	pptLookahead  = 3
)

// DefaultMaxLifetime is the lifetime bound after which an active session
// transitions to expired, per spec.md §4.5's state machine.
const DefaultMaxLifetime = 2 * time.Hour

// UpdateResult is the outcome of Update.
type UpdateResult struct {
	WindowStart   int
	WindowEnd     int
	CanceledPages []int
	NewPages      []int
}

// Service implements C5 over store.Store. Updates to one session-id are
// serialized by a per-id mutex since store.UpdateSession is a blind
// overwrite rather than a compare-and-swap.
type Service struct {
	st          store.Store
	maxLifetime time.Duration

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New builds a Service. maxLifetime<=0 uses DefaultMaxLifetime.
func New(st store.Store, maxLifetime time.Duration) *Service {
	if maxLifetime <= 0 {
		maxLifetime = DefaultMaxLifetime
	}
	return &Service{st: st, maxLifetime: maxLifetime, locks: map[string]*sync.Mutex{}}
}

func (s *Service) lockFor(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

func lookahead(pdfType model.PDFType) int {
	if pdfType == model.PDFTypePPT {
		return pptLookahead
	}
	return textLookahead
}

func clampWindow(start, end, lastPage int) (int, int) {
	if start < 1 {
		start = 1
	}
	if end > lastPage {
		end = lastPage
	}
	if end-start+1 > model.MaxWindowSize {
		start = end - model.MaxWindowSize + 1
	}
	if start < 1 {
		start = 1
	}
	return start, end
}

// Start creates a new active session for (user, file). Returns
// ErrSessionExists if the user already has one active for this file.
func (s *Service) Start(ctx context.Context, userID, fileID string, currentPage int, pdfType model.PDFType, lastPage int) (*model.WindowSession, error) {
	existing, err := s.st.GetActiveSessionForFile(ctx, userID, fileID)
	if err != nil {
		return nil, eris.Wrap(err, "session: start")
	}
	if existing != nil {
		return nil, ErrSessionExists
	}

	windowEnd := currentPage + lookahead(pdfType)
	windowStart, windowEnd := clampWindow(currentPage, windowEnd, lastPage)

	now := time.Now().UTC()
	sess := model.WindowSession{
		ID:              uuid.New().String(),
		UserID:          userID,
		FileID:          fileID,
		PDFType:         pdfType,
		State:           model.SessionActive,
		WindowStart:     windowStart,
		WindowEnd:       windowEnd,
		CurrentPage:     currentPage,
		PagesCompleted:  map[int]bool{},
		PagesInProgress: map[int]bool{},
		PagesFailed:     map[int]bool{},
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.st.CreateSession(ctx, sess); err != nil {
		return nil, eris.Wrap(err, "session: create")
	}
	return &sess, nil
}

// Get returns the session, expiring it first if its lifetime has elapsed.
func (s *Service) Get(ctx context.Context, id string) (*model.WindowSession, error) {
	sess, err := s.st.GetSession(ctx, id)
	if err != nil {
		return nil, eris.Wrap(err, "session: get")
	}
	if s.expireIfDue(ctx, sess) {
		sess.State = model.SessionExpired
	}
	return sess, nil
}

func (s *Service) expireIfDue(ctx context.Context, sess *model.WindowSession) bool {
	if sess.State != model.SessionActive {
		return false
	}
	if time.Since(sess.CreatedAt) < s.maxLifetime {
		return false
	}
	expired := sess.Clone()
	expired.State = model.SessionExpired
	if err := s.st.UpdateSession(ctx, expired); err != nil {
		return false
	}
	return true
}

// Update applies a navigation action, per spec.md §4.5.
func (s *Service) Update(ctx context.Context, id string, currentPage int, action model.NavAction, lastPage int) (UpdateResult, error) {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	sess, err := s.st.GetSession(ctx, id)
	if err != nil {
		return UpdateResult{}, eris.Wrap(err, "session: update")
	}
	if sess.State != model.SessionActive {
		return UpdateResult{}, ErrNotActive
	}

	if action == model.NavExtend && model.IsJump(sess.CurrentPage, currentPage) {
		action = model.NavJump
	}

	switch action {
	case model.NavCancel:
		return s.applyCancel(ctx, sess)
	case model.NavJump:
		return s.applyJump(ctx, sess, currentPage, lastPage)
	default:
		return s.applyExtend(ctx, sess, currentPage, lastPage)
	}
}

func (s *Service) applyExtend(ctx context.Context, sess *model.WindowSession, currentPage, lastPage int) (UpdateResult, error) {
	next := sess.Clone()
	next.CurrentPage = currentPage
	newEnd := currentPage + lookahead(next.PDFType)
	if newEnd < sess.WindowEnd {
		newEnd = sess.WindowEnd
	}
	newStart, newEnd := clampWindow(sess.WindowStart, newEnd, lastPage)
	if newStart > currentPage {
		newStart = currentPage
		if newEnd-newStart+1 > model.MaxWindowSize {
			newEnd = newStart + model.MaxWindowSize - 1
		}
	}
	next.WindowStart, next.WindowEnd = newStart, newEnd

	if err := s.st.UpdateSession(ctx, next); err != nil {
		return UpdateResult{}, eris.Wrap(err, "session: extend")
	}
	newPages := pagesToGenerate(newStart, newEnd, next.PagesCompleted, next.PagesInProgress, currentPage)
	return UpdateResult{WindowStart: newStart, WindowEnd: newEnd, NewPages: newPages}, nil
}

func (s *Service) applyJump(ctx context.Context, sess *model.WindowSession, currentPage, lastPage int) (UpdateResult, error) {
	next := sess.Clone()
	next.CurrentPage = currentPage
	newEnd := currentPage + lookahead(next.PDFType)
	newStart, newEnd := clampWindow(currentPage, newEnd, lastPage)

	var canceled []int
	for page := range next.PagesInProgress {
		if page < newStart || page > newEnd {
			canceled = append(canceled, page)
			delete(next.PagesInProgress, page)
		}
	}
	sort.Ints(canceled)

	next.WindowStart, next.WindowEnd = newStart, newEnd
	if err := s.st.UpdateSession(ctx, next); err != nil {
		return UpdateResult{}, eris.Wrap(err, "session: jump")
	}
	newPages := pagesToGenerate(newStart, newEnd, next.PagesCompleted, next.PagesInProgress, currentPage)
	return UpdateResult{WindowStart: newStart, WindowEnd: newEnd, CanceledPages: canceled, NewPages: newPages}, nil
}

func (s *Service) applyCancel(ctx context.Context, sess *model.WindowSession) (UpdateResult, error) {
	next := sess.Clone()
	pending := pagesToGenerate(next.WindowStart, next.WindowEnd, next.PagesCompleted, next.PagesInProgress, next.CurrentPage)
	canceled := make([]int, 0, len(next.PagesInProgress)+len(pending))
	for page := range next.PagesInProgress {
		canceled = append(canceled, page)
	}
	canceled = append(canceled, pending...)
	sort.Ints(canceled)

	next.State = model.SessionCanceled
	next.PagesInProgress = map[int]bool{}
	if err := s.st.UpdateSession(ctx, next); err != nil {
		return UpdateResult{}, eris.Wrap(err, "session: cancel")
	}
	return UpdateResult{WindowStart: next.WindowStart, WindowEnd: next.WindowEnd, CanceledPages: canceled}, nil
}

// Cancel forces state=canceled, per spec.md §4.5.
func (s *Service) Cancel(ctx context.Context, id string) (UpdateResult, error) {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	sess, err := s.st.GetSession(ctx, id)
	if err != nil {
		return UpdateResult{}, eris.Wrap(err, "session: cancel")
	}
	if sess.State != model.SessionActive {
		return UpdateResult{}, ErrNotActive
	}
	return s.applyCancel(ctx, sess)
}

// MarkPageInProgress moves page from pending to in-progress atomically
// w.r.t. other scheduler iterations on this session (serialized by the
// per-session lock), per spec.md §4.6 step 3.
func (s *Service) MarkPageInProgress(ctx context.Context, id string, page int) error {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	sess, err := s.st.GetSession(ctx, id)
	if err != nil {
		return eris.Wrap(err, "session: mark in progress")
	}
	if sess.State != model.SessionActive {
		return ErrNotActive
	}
	next := sess.Clone()
	next.PagesInProgress[page] = true
	return eris.Wrap(s.st.UpdateSession(ctx, next), "session: mark in progress")
}

// MarkPageCompleted moves page from in-progress to completed, transitioning
// the session to completed if no pending pages remain.
func (s *Service) MarkPageCompleted(ctx context.Context, id string, page int) error {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	sess, err := s.st.GetSession(ctx, id)
	if err != nil {
		return eris.Wrap(err, "session: mark completed")
	}
	next := sess.Clone()
	delete(next.PagesInProgress, page)
	next.PagesCompleted[page] = true

	if next.State == model.SessionActive && len(pagesToGenerate(next.WindowStart, next.WindowEnd, next.PagesCompleted, next.PagesInProgress, next.CurrentPage)) == 0 {
		next.State = model.SessionCompleted
	}
	return eris.Wrap(s.st.UpdateSession(ctx, next), "session: mark completed")
}

// MarkPageFailed moves page from in-progress to failed, continuing the
// session rather than aborting it, per spec.md §4.6 step 3.
func (s *Service) MarkPageFailed(ctx context.Context, id string, page int) error {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	sess, err := s.st.GetSession(ctx, id)
	if err != nil {
		return eris.Wrap(err, "session: mark failed")
	}
	next := sess.Clone()
	delete(next.PagesInProgress, page)
	next.PagesFailed[page] = true
	return eris.Wrap(s.st.UpdateSession(ctx, next), "session: mark failed")
}

// PagesToGenerate returns the priority-ordered, omitted-if-settled page
// list for window, per spec.md §4.5 / §8 property 7.
func PagesToGenerate(windowStart, windowEnd int, completed, inProgress map[int]bool, current int) []int {
	return pagesToGenerate(windowStart, windowEnd, completed, inProgress, current)
}

func pagesToGenerate(windowStart, windowEnd int, completed, inProgress map[int]bool, current int) []int {
	var ordered []int
	seen := map[int]bool{}
	add := func(page int) {
		if page < windowStart || page > windowEnd || seen[page] {
			return
		}
		seen[page] = true
		if completed[page] || inProgress[page] {
			return
		}
		ordered = append(ordered, page)
	}

	// Priority order per spec.md §4.5: current, +1, -1, +2, +3, -2, +4, +5,
	// -3, ... — two forward steps per one backward step, favoring forward
	// progress through the window while still covering pages just read.
	add(current)
	add(current + 1)
	add(current - 1)
	for c := 1; c <= model.MaxWindowSize*2; c++ {
		add(current + 2*c)
		add(current + 2*c + 1)
		add(current - (c + 1))
	}
	return ordered
}

// IsJump reports whether the page distance exceeds the jump threshold.
func IsJump(from, to int) bool { return model.IsJump(from, to) }
