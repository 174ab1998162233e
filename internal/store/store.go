// Package store defines the persistence interface for the sticker engine
// and its sqlite (embedded) and postgres (production) implementations,
// grounded on the teacher's internal/store package.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/pdfreader/sticker-engine/internal/model"
)

// ErrNotFound is returned by Get-style lookups that find no row.
var ErrNotFound = eris.New("store: not found")

// Store defines the persistence interface for the sticker engine.
type Store interface {
	// Files
	GetFile(ctx context.Context, fileID string) (*model.File, error)
	PutFile(ctx context.Context, f model.File) error

	// Generation Records (C3)
	GetGenerationByFingerprint(ctx context.Context, fp model.Fingerprint) (*model.GenerationRecord, error)
	GetGenerationByID(ctx context.Context, id string) (*model.GenerationRecord, error)
	// TryStartGeneration atomically inserts a "generating" record for fp if
	// none exists yet; it returns the existing record (and started=false) on
	// conflict, grounded on the teacher's db.BulkUpsert INSERT...ON CONFLICT
	// idiom, used here as a single-row coalescing claim.
	TryStartGeneration(ctx context.Context, rec model.GenerationRecord) (existing *model.GenerationRecord, started bool, err error)
	CompleteGeneration(ctx context.Context, id string, stickers []model.Sticker, latencyMS int64) error
	FailGeneration(ctx context.Context, id string, errMsg string) error
	RecordLatencySample(ctx context.Context, s model.LatencySample) error

	// Stickers
	GetSticker(ctx context.Context, id string) (*model.Sticker, error)
	ListStickersByRoot(ctx context.Context, fileID string, page int) ([]model.Sticker, error)
	ListStickersByThreadRoot(ctx context.Context, threadRootID string) ([]model.Sticker, error)
	GetThreadRootID(ctx context.Context, stickerID string) (string, error)
	UpdateStickerContent(ctx context.Context, id string, contentMarkdown string) error
	UpdateStickerFold(ctx context.Context, id string, folded bool) error
	SetActiveVersion(ctx context.Context, threadRootID string, versionID string) error
	GetActiveVersion(ctx context.Context, threadRootID string) (string, error)
	DeleteSticker(ctx context.Context, id string) error

	// Window Sessions (C5/C6)
	CreateSession(ctx context.Context, s model.WindowSession) error
	GetSession(ctx context.Context, id string) (*model.WindowSession, error)
	GetActiveSessionForFile(ctx context.Context, userID, fileID string) (*model.WindowSession, error)
	UpdateSession(ctx context.Context, s model.WindowSession) error

	// Context Extraction Jobs (C7)
	EnqueueContextJob(ctx context.Context, j model.ContextJob) (existing *model.ContextJob, enqueued bool, err error)
	ClaimNextContextJob(ctx context.Context, leaseHolder string, leaseDuration time.Duration) (*model.ContextJob, error)
	UpdateContextJob(ctx context.Context, j model.ContextJob) error
	GetContextJob(ctx context.Context, id string) (*model.ContextJob, error)
	GetContextJobByPDFHash(ctx context.Context, pdfHash string) (*model.ContextJob, error)

	// Context Entries (C8)
	PutContextEntries(ctx context.Context, entries []model.ContextEntry) (int, error)
	ListContextEntriesByPDFHash(ctx context.Context, pdfHash string) ([]model.ContextEntry, error)
	ListContextEntriesForScope(ctx context.Context, scope model.UserContextScope) ([]model.ContextEntry, error)

	// User Context Scope (C9)
	GrantContextScope(ctx context.Context, scope model.UserContextScope) error
	ListScopesForUser(ctx context.Context, userID, courseID string) ([]model.UserContextScope, error)

	// Quota (C2)
	GetOrInitQuotaBucket(ctx context.Context, userID, bucket string, defaultLimit int, resetAt time.Time) (*model.QuotaBucket, error)
	DeductQuota(ctx context.Context, userID, bucket string, n int) (*model.QuotaBucket, error)
	RefundQuota(ctx context.Context, userID, bucket string, n int) error
	ResetQuotaBucketsBefore(ctx context.Context, cutoff time.Time) (int, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}
