//go:build integration

package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/pdfreader/sticker-engine/internal/model"
)

// PostgresStore implements Store using pgxpool. It is built only with the
// "integration" tag, the way the teacher gates its own postgres.go, since
// exercising it requires a live Postgres instance.
type PostgresStore struct {
	pool pgxIface
}

// pgxIface is the subset of pgxpool.Pool used here, matching its method
// signatures exactly so both *pgxpool.Pool and pgxmock.PgxPoolIface satisfy
// it; this lets postgres_test.go substitute a mock pool.
type pgxIface interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS files (
	id            TEXT PRIMARY KEY,
	course_id     TEXT NOT NULL,
	owner_user_id TEXT NOT NULL,
	storage_key   TEXT NOT NULL,
	page_count    INTEGER NOT NULL,
	is_scanned    BOOLEAN NOT NULL DEFAULT false,
	content_hash  TEXT,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS generation_records (
	id              TEXT PRIMARY KEY,
	pdf_hash        TEXT NOT NULL,
	page            INTEGER NOT NULL,
	locale          TEXT NOT NULL,
	effective_mode  TEXT NOT NULL,
	selection_hash  TEXT NOT NULL DEFAULT '',
	state           TEXT NOT NULL,
	producing_user  TEXT NOT NULL,
	quota_units     INTEGER NOT NULL DEFAULT 0,
	images_count    INTEGER NOT NULL DEFAULT 0,
	regions         JSONB NOT NULL DEFAULT '[]',
	started_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at    TIMESTAMPTZ,
	error_message   TEXT,
	latency_ms      BIGINT NOT NULL DEFAULT 0,
	UNIQUE (pdf_hash, page, locale, effective_mode, selection_hash)
);

CREATE TABLE IF NOT EXISTS stickers (
	id                TEXT PRIMARY KEY,
	generation_id     TEXT NOT NULL,
	type              TEXT NOT NULL,
	page              INTEGER NOT NULL,
	anchor            JSONB NOT NULL,
	parent_id         TEXT,
	thread_root_id    TEXT NOT NULL,
	content_markdown  TEXT NOT NULL DEFAULT '',
	folded            BOOLEAN NOT NULL DEFAULT false,
	depth             INTEGER NOT NULL DEFAULT 0,
	owner_user_id     TEXT NOT NULL,
	course_id         TEXT NOT NULL,
	file_id           TEXT NOT NULL,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_stickers_file_page ON stickers(file_id, page);

CREATE TABLE IF NOT EXISTS thread_active_version (
	thread_root_id    TEXT PRIMARY KEY,
	active_version_id TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS window_sessions (
	id                 TEXT PRIMARY KEY,
	user_id            TEXT NOT NULL,
	file_id            TEXT NOT NULL,
	pdf_type           TEXT NOT NULL,
	state              TEXT NOT NULL,
	window_start       INTEGER NOT NULL,
	window_end         INTEGER NOT NULL,
	current_page       INTEGER NOT NULL,
	pages_completed    JSONB NOT NULL DEFAULT '{}',
	pages_in_progress  JSONB NOT NULL DEFAULT '{}',
	pages_failed       JSONB NOT NULL DEFAULT '{}',
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS context_jobs (
	id                    TEXT PRIMARY KEY,
	pdf_hash              TEXT NOT NULL UNIQUE,
	file_id               TEXT NOT NULL,
	user_id               TEXT NOT NULL,
	state                 TEXT NOT NULL,
	total_pages           INTEGER NOT NULL DEFAULT 0,
	estimated_total_words INTEGER NOT NULL DEFAULT 0,
	processed_pages       INTEGER NOT NULL DEFAULT 0,
	processed_words       INTEGER NOT NULL DEFAULT 0,
	current_batch         INTEGER NOT NULL DEFAULT 0,
	total_batches         INTEGER NOT NULL DEFAULT 0,
	extraction_version    INTEGER NOT NULL DEFAULT 1,
	retry_count           INTEGER NOT NULL DEFAULT 0,
	last_error            TEXT,
	lease_holder          TEXT,
	lease_expires_at      TIMESTAMPTZ,
	run_after             TIMESTAMPTZ NOT NULL DEFAULT now(),
	created_at            TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at            TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_context_jobs_claimable ON context_jobs(state, run_after);

CREATE TABLE IF NOT EXISTS context_entries (
	id                  TEXT PRIMARY KEY,
	pdf_hash            TEXT NOT NULL,
	type                TEXT NOT NULL,
	title               TEXT NOT NULL,
	normalized_title    TEXT NOT NULL,
	body                TEXT NOT NULL,
	source_page         INTEGER NOT NULL,
	keywords            JSONB NOT NULL DEFAULT '[]',
	quality_score       DOUBLE PRECISION NOT NULL,
	language            TEXT NOT NULL,
	extraction_version  INTEGER NOT NULL DEFAULT 1,
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (pdf_hash, normalized_title)
);

CREATE TABLE IF NOT EXISTS user_context_scopes (
	user_id   TEXT NOT NULL,
	course_id TEXT NOT NULL,
	file_id   TEXT NOT NULL,
	pdf_hash  TEXT NOT NULL,
	PRIMARY KEY (user_id, course_id, file_id, pdf_hash)
);

CREATE TABLE IF NOT EXISTS quota_buckets (
	user_id  TEXT NOT NULL,
	bucket   TEXT NOT NULL,
	used     INTEGER NOT NULL DEFAULT 0,
	"limit"  INTEGER NOT NULL,
	reset_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (user_id, bucket)
);

CREATE TABLE IF NOT EXISTS latency_samples (
	id          BIGSERIAL PRIMARY KEY,
	pdf_hash    TEXT NOT NULL,
	page        INTEGER NOT NULL,
	locale      TEXT NOT NULL,
	mode        TEXT NOT NULL,
	latency_ms  BIGINT NOT NULL,
	cache_hit   BOOLEAN NOT NULL,
	recorded_at TIMESTAMPTZ NOT NULL
);
`

func (s *PostgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) GetFile(ctx context.Context, fileID string) (*model.File, error) {
	var f model.File
	var contentHash *string
	err := s.pool.QueryRow(ctx,
		`SELECT id, course_id, owner_user_id, storage_key, page_count, is_scanned, content_hash, created_at FROM files WHERE id = $1`,
		fileID,
	).Scan(&f.ID, &f.CourseID, &f.OwnerUserID, &f.StorageKey, &f.PageCount, &f.IsScanned, &contentHash, &f.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "file %s", fileID)
		}
		return nil, eris.Wrap(err, "postgres: get file")
	}
	if contentHash != nil {
		f.ContentHash = *contentHash
	}
	return &f, nil
}

func (s *PostgresStore) PutFile(ctx context.Context, f model.File) error {
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO files (id, course_id, owner_user_id, storage_key, page_count, is_scanned, content_hash, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO UPDATE SET
			course_id=EXCLUDED.course_id, owner_user_id=EXCLUDED.owner_user_id,
			storage_key=EXCLUDED.storage_key, page_count=EXCLUDED.page_count,
			is_scanned=EXCLUDED.is_scanned, content_hash=EXCLUDED.content_hash`,
		f.ID, f.CourseID, f.OwnerUserID, f.StorageKey, f.PageCount, f.IsScanned, f.ContentHash, f.CreatedAt,
	)
	return eris.Wrap(err, "postgres: put file")
}

func (s *PostgresStore) GetGenerationByFingerprint(ctx context.Context, fp model.Fingerprint) (*model.GenerationRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, pdf_hash, page, locale, effective_mode, selection_hash, state, producing_user, quota_units, images_count, regions, started_at, completed_at, error_message, latency_ms
		 FROM generation_records WHERE pdf_hash=$1 AND page=$2 AND locale=$3 AND effective_mode=$4 AND selection_hash=$5`,
		fp.PDFHash, fp.Page, fp.Locale, fp.EffectiveMode, fp.SelectionHash,
	)
	rec, err := scanPgGenerationRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get generation by fingerprint")
	}
	return rec, nil
}

func (s *PostgresStore) GetGenerationByID(ctx context.Context, id string) (*model.GenerationRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, pdf_hash, page, locale, effective_mode, selection_hash, state, producing_user, quota_units, images_count, regions, started_at, completed_at, error_message, latency_ms
		 FROM generation_records WHERE id=$1`,
		id,
	)
	rec, err := scanPgGenerationRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "generation %s", id)
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get generation by id")
	}
	return rec, nil
}

func (s *PostgresStore) TryStartGeneration(ctx context.Context, rec model.GenerationRecord) (*model.GenerationRecord, bool, error) {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now().UTC()
	}
	regionsJSON, err := json.Marshal(rec.Regions)
	if err != nil {
		return nil, false, eris.Wrap(err, "postgres: marshal regions")
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO generation_records (id, pdf_hash, page, locale, effective_mode, selection_hash, state, producing_user, quota_units, images_count, regions, started_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		 ON CONFLICT (pdf_hash, page, locale, effective_mode, selection_hash) DO NOTHING`,
		rec.ID, rec.Fingerprint.PDFHash, rec.Fingerprint.Page, rec.Fingerprint.Locale, rec.Fingerprint.EffectiveMode,
		rec.Fingerprint.SelectionHash, rec.State, rec.ProducingUser, rec.QuotaUnits, rec.ImagesCount,
		regionsJSON, rec.StartedAt,
	)
	if err != nil {
		return nil, false, eris.Wrap(err, "postgres: try start generation")
	}
	if tag.RowsAffected() == 1 {
		return &rec, true, nil
	}
	existing, err := s.GetGenerationByFingerprint(ctx, rec.Fingerprint)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		return nil, false, eris.New("postgres: try start generation: conflict but no row found")
	}
	return existing, false, nil
}

func (s *PostgresStore) CompleteGeneration(ctx context.Context, id string, stickers []model.Sticker, latencyMS int64) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin complete generation")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx,
		`UPDATE generation_records SET state=$1, completed_at=$2, latency_ms=$3 WHERE id=$4`,
		model.GenerationReady, time.Now().UTC(), latencyMS, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete generation %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "generation %s", id)
	}

	for _, st := range stickers {
		anchorJSON, err := json.Marshal(st.Anchor)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal anchor")
		}
		threadRoot := st.ID
		var parentID any
		if st.ParentID != nil && *st.ParentID != "" {
			parentID = *st.ParentID
			// A reply's thread root is its parent's thread root, not the
			// parent itself, so nested replies still collapse to one thread.
			if err := tx.QueryRow(ctx, `SELECT thread_root_id FROM stickers WHERE id = $1`, *st.ParentID).Scan(&threadRoot); err != nil && !errors.Is(err, pgx.ErrNoRows) {
				return eris.Wrap(err, "postgres: lookup parent thread root")
			}
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO stickers (id, generation_id, type, page, anchor, parent_id, thread_root_id, content_markdown, folded, depth, owner_user_id, course_id, file_id, created_at)
			 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
			 ON CONFLICT (id) DO UPDATE SET content_markdown=EXCLUDED.content_markdown, folded=EXCLUDED.folded`,
			st.ID, id, st.Kind, st.Page, anchorJSON, parentID, threadRoot, st.ContentMarkdown,
			st.Folded, st.Depth, st.OwnerUserID, st.CourseID, st.FileID, st.CreatedAt,
		)
		if err != nil {
			return eris.Wrap(err, "postgres: put sticker")
		}
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit complete generation")
}

func (s *PostgresStore) FailGeneration(ctx context.Context, id string, errMsg string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE generation_records SET state=$1, completed_at=$2, error_message=$3 WHERE id=$4`,
		model.GenerationFailed, time.Now().UTC(), errMsg, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: fail generation %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "generation %s", id)
	}
	return nil
}

func (s *PostgresStore) RecordLatencySample(ctx context.Context, smp model.LatencySample) error {
	if smp.RecordedAt.IsZero() {
		smp.RecordedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO latency_samples (pdf_hash, page, locale, mode, latency_ms, cache_hit, recorded_at) VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		smp.PDFHash, smp.Page, smp.Locale, smp.Mode, smp.LatencyMS, smp.CacheHit, smp.RecordedAt,
	)
	return eris.Wrap(err, "postgres: record latency sample")
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func scanPgGenerationRecord(row pgx.Row) (*model.GenerationRecord, error) {
	var r model.GenerationRecord
	var regionsJSON []byte
	var completedAt *time.Time
	var errMsg *string
	err := row.Scan(
		&r.ID, &r.Fingerprint.PDFHash, &r.Fingerprint.Page, &r.Fingerprint.Locale, &r.Fingerprint.EffectiveMode,
		&r.Fingerprint.SelectionHash, &r.State, &r.ProducingUser, &r.QuotaUnits, &r.ImagesCount,
		&regionsJSON, &r.StartedAt, &completedAt, &errMsg, &r.LatencyMS,
	)
	if err != nil {
		return nil, err
	}
	r.CompletedAt = completedAt
	if errMsg != nil {
		r.ErrorMessage = *errMsg
	}
	if err := json.Unmarshal(regionsJSON, &r.Regions); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal regions")
	}
	return &r, nil
}

// --- Stickers ---

func scanPgSticker(row pgx.Row) (*model.Sticker, error) {
	var st model.Sticker
	var anchorJSON []byte
	var parentID *string
	err := row.Scan(&st.ID, &st.Kind, &st.Page, &anchorJSON, &parentID, &st.ContentMarkdown, &st.Folded, &st.Depth,
		&st.OwnerUserID, &st.CourseID, &st.FileID, &st.CreatedAt)
	if err != nil {
		return nil, err
	}
	st.ParentID = parentID
	if err := json.Unmarshal(anchorJSON, &st.Anchor); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal anchor")
	}
	return &st, nil
}

const pgStickerColumns = `id, type, page, anchor, parent_id, content_markdown, folded, depth, owner_user_id, course_id, file_id, created_at`

func (s *PostgresStore) GetSticker(ctx context.Context, id string) (*model.Sticker, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+pgStickerColumns+` FROM stickers WHERE id=$1`, id)
	st, err := scanPgSticker(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sticker %s", id)
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get sticker")
	}
	return st, nil
}

func (s *PostgresStore) ListStickersByRoot(ctx context.Context, fileID string, page int) ([]model.Sticker, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+pgStickerColumns+` FROM stickers WHERE file_id=$1 AND page=$2 ORDER BY depth ASC, created_at ASC`, fileID, page)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list stickers by root")
	}
	defer rows.Close()

	var out []model.Sticker
	for rows.Next() {
		st, err := scanPgSticker(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan sticker")
		}
		out = append(out, *st)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list stickers iterate")
}

func (s *PostgresStore) UpdateStickerContent(ctx context.Context, id string, contentMarkdown string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE stickers SET content_markdown=$1 WHERE id=$2`, contentMarkdown, id)
	if err != nil {
		return eris.Wrapf(err, "postgres: update sticker content %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "sticker %s", id)
	}
	return nil
}

func (s *PostgresStore) UpdateStickerFold(ctx context.Context, id string, folded bool) error {
	tag, err := s.pool.Exec(ctx, `UPDATE stickers SET folded=$1 WHERE id=$2`, folded, id)
	if err != nil {
		return eris.Wrapf(err, "postgres: update sticker fold %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "sticker %s", id)
	}
	return nil
}

func (s *PostgresStore) GetThreadRootID(ctx context.Context, stickerID string) (string, error) {
	var threadRoot string
	err := s.pool.QueryRow(ctx, `SELECT thread_root_id FROM stickers WHERE id=$1`, stickerID).Scan(&threadRoot)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", eris.Wrapf(ErrNotFound, "sticker %s", stickerID)
	}
	if err != nil {
		return "", eris.Wrap(err, "postgres: get thread root id")
	}
	return threadRoot, nil
}

func (s *PostgresStore) ListStickersByThreadRoot(ctx context.Context, threadRootID string) ([]model.Sticker, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+pgStickerColumns+` FROM stickers WHERE thread_root_id=$1 ORDER BY created_at ASC`, threadRootID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list stickers by thread root")
	}
	defer rows.Close()

	var out []model.Sticker
	for rows.Next() {
		st, err := scanPgSticker(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan sticker")
		}
		out = append(out, *st)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list stickers by thread root iterate")
}

// GetActiveVersion returns the sticker id currently active for threadRootID,
// or "" if no switch has ever been recorded.
func (s *PostgresStore) GetActiveVersion(ctx context.Context, threadRootID string) (string, error) {
	var versionID string
	err := s.pool.QueryRow(ctx, `SELECT active_version_id FROM thread_active_version WHERE thread_root_id=$1`, threadRootID).Scan(&versionID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", eris.Wrap(err, "postgres: get active version")
	}
	return versionID, nil
}

func (s *PostgresStore) SetActiveVersion(ctx context.Context, threadRootID string, versionID string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO thread_active_version (thread_root_id, active_version_id) VALUES ($1,$2)
		 ON CONFLICT (thread_root_id) DO UPDATE SET active_version_id=EXCLUDED.active_version_id`,
		threadRootID, versionID,
	)
	return eris.Wrap(err, "postgres: set active version")
}

func (s *PostgresStore) DeleteSticker(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM stickers WHERE id=$1`, id)
	if err != nil {
		return eris.Wrapf(err, "postgres: delete sticker %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "sticker %s", id)
	}
	return nil
}

// --- Window Sessions ---

const pgSessionColumns = `id, user_id, file_id, pdf_type, state, window_start, window_end, current_page, pages_completed, pages_in_progress, pages_failed, created_at, updated_at`

func scanPgSession(row pgx.Row) (*model.WindowSession, error) {
	var sess model.WindowSession
	var completedJSON, inProgressJSON, failedJSON []byte
	err := row.Scan(&sess.ID, &sess.UserID, &sess.FileID, &sess.PDFType, &sess.State, &sess.WindowStart, &sess.WindowEnd,
		&sess.CurrentPage, &completedJSON, &inProgressJSON, &failedJSON, &sess.CreatedAt, &sess.UpdatedAt)
	if err != nil {
		return nil, err
	}
	sess.PagesCompleted = map[int]bool{}
	sess.PagesInProgress = map[int]bool{}
	sess.PagesFailed = map[int]bool{}
	if err := json.Unmarshal(completedJSON, &sess.PagesCompleted); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal pages_completed")
	}
	if err := json.Unmarshal(inProgressJSON, &sess.PagesInProgress); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal pages_in_progress")
	}
	if err := json.Unmarshal(failedJSON, &sess.PagesFailed); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal pages_failed")
	}
	return &sess, nil
}

func (s *PostgresStore) CreateSession(ctx context.Context, sess model.WindowSession) error {
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now().UTC()
	}
	sess.UpdatedAt = sess.CreatedAt
	completed, err := json.Marshal(sess.PagesCompleted)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal pages_completed")
	}
	inProgress, err := json.Marshal(sess.PagesInProgress)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal pages_in_progress")
	}
	failed, err := json.Marshal(sess.PagesFailed)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal pages_failed")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO window_sessions (`+pgSessionColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		sess.ID, sess.UserID, sess.FileID, sess.PDFType, sess.State, sess.WindowStart, sess.WindowEnd, sess.CurrentPage,
		completed, inProgress, failed, sess.CreatedAt, sess.UpdatedAt,
	)
	return eris.Wrap(err, "postgres: create session")
}

func (s *PostgresStore) GetSession(ctx context.Context, id string) (*model.WindowSession, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+pgSessionColumns+` FROM window_sessions WHERE id=$1`, id)
	sess, err := scanPgSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "session %s", id)
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get session")
	}
	return sess, nil
}

func (s *PostgresStore) GetActiveSessionForFile(ctx context.Context, userID, fileID string) (*model.WindowSession, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+pgSessionColumns+` FROM window_sessions WHERE user_id=$1 AND file_id=$2 AND state=$3 ORDER BY created_at DESC LIMIT 1`,
		userID, fileID, model.SessionActive,
	)
	sess, err := scanPgSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get active session for file")
	}
	return sess, nil
}

func (s *PostgresStore) UpdateSession(ctx context.Context, sess model.WindowSession) error {
	sess.UpdatedAt = time.Now().UTC()
	completed, err := json.Marshal(sess.PagesCompleted)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal pages_completed")
	}
	inProgress, err := json.Marshal(sess.PagesInProgress)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal pages_in_progress")
	}
	failed, err := json.Marshal(sess.PagesFailed)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal pages_failed")
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE window_sessions SET state=$1, window_start=$2, window_end=$3, current_page=$4, pages_completed=$5, pages_in_progress=$6, pages_failed=$7, updated_at=$8 WHERE id=$9`,
		sess.State, sess.WindowStart, sess.WindowEnd, sess.CurrentPage, completed, inProgress, failed, sess.UpdatedAt, sess.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update session %s", sess.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "session %s", sess.ID)
	}
	return nil
}

// --- Context Jobs ---

const pgContextJobColumns = `id, pdf_hash, file_id, user_id, state, total_pages, estimated_total_words, processed_pages, processed_words, current_batch, total_batches, extraction_version, retry_count, last_error, lease_holder, lease_expires_at, run_after, created_at, updated_at`

func scanPgContextJob(row pgx.Row) (*model.ContextJob, error) {
	var j model.ContextJob
	var lastErr, leaseHolder *string
	var leaseExpiresAt *time.Time
	err := row.Scan(&j.ID, &j.PDFHash, &j.FileID, &j.UserID, &j.State, &j.TotalPages, &j.EstimatedTotalWords,
		&j.ProcessedPages, &j.ProcessedWords, &j.CurrentBatch, &j.TotalBatches, &j.ExtractionVersion, &j.RetryCount,
		&lastErr, &leaseHolder, &leaseExpiresAt, &j.RunAfter, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if lastErr != nil {
		j.LastError = *lastErr
	}
	if leaseHolder != nil {
		j.LeaseHolder = *leaseHolder
	}
	j.LeaseExpiresAt = leaseExpiresAt
	return &j, nil
}

func (s *PostgresStore) EnqueueContextJob(ctx context.Context, j model.ContextJob) (*model.ContextJob, bool, error) {
	if j.ID == "" {
		j.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	j.UpdatedAt = now
	if j.RunAfter.IsZero() {
		j.RunAfter = now
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO context_jobs (`+pgContextJobColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)
		 ON CONFLICT (pdf_hash) DO NOTHING`,
		j.ID, j.PDFHash, j.FileID, j.UserID, j.State, j.TotalPages, j.EstimatedTotalWords, j.ProcessedPages, j.ProcessedWords,
		j.CurrentBatch, j.TotalBatches, j.ExtractionVersion, j.RetryCount, nullStr(j.LastError), nullStr(j.LeaseHolder),
		nil, j.RunAfter, j.CreatedAt, j.UpdatedAt,
	)
	if err != nil {
		return nil, false, eris.Wrap(err, "postgres: enqueue context job")
	}
	if tag.RowsAffected() == 1 {
		return &j, true, nil
	}
	existing, err := s.GetContextJobByPDFHash(ctx, j.PDFHash)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (s *PostgresStore) ClaimNextContextJob(ctx context.Context, leaseHolder string, leaseDuration time.Duration) (*model.ContextJob, error) {
	now := time.Now().UTC()
	leaseExpiresAt := now.Add(leaseDuration)

	row := s.pool.QueryRow(ctx,
		`UPDATE context_jobs SET state=$1, lease_holder=$2, lease_expires_at=$3, updated_at=$4
		 WHERE id = (
			SELECT id FROM context_jobs
			WHERE run_after <= $5
			  AND (state = $6 OR (state = $7 AND (lease_expires_at IS NULL OR lease_expires_at <= $8)))
			ORDER BY run_after ASC LIMIT 1
			FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+pgContextJobColumns,
		model.JobProcessing, leaseHolder, leaseExpiresAt, now,
		now, model.JobPending, model.JobProcessing, now,
	)
	job, err := scanPgContextJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: claim next context job")
	}
	return job, nil
}

func (s *PostgresStore) UpdateContextJob(ctx context.Context, j model.ContextJob) error {
	j.UpdatedAt = time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE context_jobs SET state=$1, total_pages=$2, estimated_total_words=$3, processed_pages=$4, processed_words=$5,
			current_batch=$6, total_batches=$7, extraction_version=$8, retry_count=$9, last_error=$10, lease_holder=$11,
			lease_expires_at=$12, run_after=$13, updated_at=$14
		 WHERE id=$15`,
		j.State, j.TotalPages, j.EstimatedTotalWords, j.ProcessedPages, j.ProcessedWords, j.CurrentBatch, j.TotalBatches,
		j.ExtractionVersion, j.RetryCount, nullStr(j.LastError), nullStr(j.LeaseHolder), j.LeaseExpiresAt, j.RunAfter,
		j.UpdatedAt, j.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update context job %s", j.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "context_job %s", j.ID)
	}
	return nil
}

func (s *PostgresStore) GetContextJob(ctx context.Context, id string) (*model.ContextJob, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+pgContextJobColumns+` FROM context_jobs WHERE id=$1`, id)
	j, err := scanPgContextJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "context_job %s", id)
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get context job")
	}
	return j, nil
}

func (s *PostgresStore) GetContextJobByPDFHash(ctx context.Context, pdfHash string) (*model.ContextJob, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+pgContextJobColumns+` FROM context_jobs WHERE pdf_hash=$1`, pdfHash)
	j, err := scanPgContextJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get context job by pdf hash")
	}
	return j, nil
}

// --- Context Entries ---

func (s *PostgresStore) PutContextEntries(ctx context.Context, entries []model.ContextEntry) (int, error) {
	if len(entries) == 0 {
		return 0, nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: begin put context entries")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	inserted := 0
	for _, e := range entries {
		if e.ID == "" {
			e.ID = uuid.New().String()
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = time.Now().UTC()
		}
		keywordsJSON, err := json.Marshal(e.Keywords)
		if err != nil {
			return 0, eris.Wrap(err, "postgres: marshal keywords")
		}
		// DB-level dedup keyed on (pdf-hash, normalized-title): replace only
		// when the incoming candidate has a strictly higher quality-score,
		// or ties it while being the non-translated (en) variant, per
		// spec.md §4.8 step 6 / orderings & tie-breaks.
		tag, err := tx.Exec(ctx,
			`INSERT INTO context_entries (id, pdf_hash, type, title, normalized_title, body, source_page, keywords, quality_score, language, extraction_version, created_at)
			 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
			 ON CONFLICT (pdf_hash, normalized_title) DO UPDATE SET
				type=excluded.type, title=excluded.title, body=excluded.body, source_page=excluded.source_page,
				keywords=excluded.keywords, quality_score=excluded.quality_score, language=excluded.language,
				extraction_version=excluded.extraction_version
			 WHERE excluded.quality_score > context_entries.quality_score
				OR (excluded.quality_score = context_entries.quality_score
					AND excluded.language = 'en' AND context_entries.language != 'en')`,
			e.ID, e.PDFHash, e.Type, e.Title, normalizedTitleOf(e.Title), e.Body, e.SourcePage,
			keywordsJSON, e.QualityScore, e.Language, e.ExtractionVersion, e.CreatedAt,
		)
		if err != nil {
			return 0, eris.Wrap(err, "postgres: insert context entry")
		}
		inserted += int(tag.RowsAffected())
	}
	return inserted, eris.Wrap(tx.Commit(ctx), "postgres: commit put context entries")
}

const pgContextEntryColumns = `id, pdf_hash, type, title, normalized_title, body, source_page, keywords, quality_score, language, extraction_version, created_at`

func scanPgContextEntry(row pgx.Row) (*model.ContextEntry, error) {
	var e model.ContextEntry
	var keywordsJSON []byte
	var normalizedTitle string
	err := row.Scan(&e.ID, &e.PDFHash, &e.Type, &e.Title, &normalizedTitle, &e.Body, &e.SourcePage,
		&keywordsJSON, &e.QualityScore, &e.Language, &e.ExtractionVersion, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(keywordsJSON, &e.Keywords); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal keywords")
	}
	return &e, nil
}

func (s *PostgresStore) ListContextEntriesByPDFHash(ctx context.Context, pdfHash string) ([]model.ContextEntry, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+pgContextEntryColumns+` FROM context_entries WHERE pdf_hash=$1`, pdfHash)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list context entries by pdf hash")
	}
	defer rows.Close()

	var out []model.ContextEntry
	for rows.Next() {
		e, err := scanPgContextEntry(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan context entry")
		}
		out = append(out, *e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list context entries iterate")
}

func (s *PostgresStore) ListContextEntriesForScope(ctx context.Context, scope model.UserContextScope) ([]model.ContextEntry, error) {
	rows, err := s.pool.Query(ctx, contextEntryScopePgQuery, scope.UserID, scope.CourseID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list context entries for scope")
	}
	defer rows.Close()

	var out []model.ContextEntry
	for rows.Next() {
		e, err := scanPgContextEntry(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan context entry")
		}
		out = append(out, *e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list context entries for scope iterate")
}

const contextEntryScopePgQuery = `
	SELECT ce.id, ce.pdf_hash, ce.type, ce.title, ce.normalized_title, ce.body, ce.source_page,
	       ce.keywords, ce.quality_score, ce.language, ce.extraction_version, ce.created_at
	FROM context_entries ce
	JOIN user_context_scopes ucs ON ucs.pdf_hash = ce.pdf_hash
	WHERE ucs.user_id = $1 AND ucs.course_id = $2`

// --- User Context Scope ---

func (s *PostgresStore) GrantContextScope(ctx context.Context, scope model.UserContextScope) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO user_context_scopes (user_id, course_id, file_id, pdf_hash) VALUES ($1,$2,$3,$4)
		 ON CONFLICT (user_id, course_id, file_id, pdf_hash) DO NOTHING`,
		scope.UserID, scope.CourseID, scope.FileID, scope.PDFHash,
	)
	return eris.Wrap(err, "postgres: grant context scope")
}

func (s *PostgresStore) ListScopesForUser(ctx context.Context, userID, courseID string) ([]model.UserContextScope, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, course_id, file_id, pdf_hash FROM user_context_scopes WHERE user_id=$1 AND course_id=$2`,
		userID, courseID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list scopes for user")
	}
	defer rows.Close()

	var out []model.UserContextScope
	for rows.Next() {
		var sc model.UserContextScope
		if err := rows.Scan(&sc.UserID, &sc.CourseID, &sc.FileID, &sc.PDFHash); err != nil {
			return nil, eris.Wrap(err, "postgres: scan scope")
		}
		out = append(out, sc)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list scopes iterate")
}

// --- Quota ---

func (s *PostgresStore) GetOrInitQuotaBucket(ctx context.Context, userID, bucket string, defaultLimit int, resetAt time.Time) (*model.QuotaBucket, error) {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO quota_buckets (user_id, bucket, used, "limit", reset_at) VALUES ($1,$2,0,$3,$4)
		 ON CONFLICT (user_id, bucket) DO NOTHING`,
		userID, bucket, defaultLimit, resetAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: init quota bucket")
	}
	var qb model.QuotaBucket
	err = s.pool.QueryRow(ctx,
		`SELECT user_id, bucket, used, "limit", reset_at FROM quota_buckets WHERE user_id=$1 AND bucket=$2`,
		userID, bucket,
	).Scan(&qb.UserID, &qb.Bucket, &qb.Used, &qb.Limit, &qb.ResetAt)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get quota bucket")
	}
	return &qb, nil
}

func (s *PostgresStore) DeductQuota(ctx context.Context, userID, bucket string, n int) (*model.QuotaBucket, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE quota_buckets SET used = used + $1 WHERE user_id=$2 AND bucket=$3 AND used + $1 <= "limit"`,
		n, userID, bucket,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: deduct quota")
	}

	var qb model.QuotaBucket
	scanErr := s.pool.QueryRow(ctx,
		`SELECT user_id, bucket, used, "limit", reset_at FROM quota_buckets WHERE user_id=$1 AND bucket=$2`,
		userID, bucket,
	).Scan(&qb.UserID, &qb.Bucket, &qb.Used, &qb.Limit, &qb.ResetAt)
	if errors.Is(scanErr, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "quota bucket %s/%s", userID, bucket)
	}
	if scanErr != nil {
		return nil, eris.Wrap(scanErr, "postgres: read quota bucket after deduct")
	}
	if tag.RowsAffected() == 0 {
		return &qb, model.NewAPIError(model.CodeQuotaExceeded, "quota exceeded", map[string]any{"bucket": bucket})
	}
	return &qb, nil
}

func (s *PostgresStore) RefundQuota(ctx context.Context, userID, bucket string, n int) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE quota_buckets SET used = GREATEST(0, used - $1) WHERE user_id=$2 AND bucket=$3`,
		n, userID, bucket,
	)
	return eris.Wrap(err, "postgres: refund quota")
}

func (s *PostgresStore) ResetQuotaBucketsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE quota_buckets SET used = 0, reset_at = $1 WHERE reset_at <= $2`,
		cutoff.AddDate(0, 1, 0), cutoff,
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: reset quota buckets")
	}
	return int(tag.RowsAffected()), nil
}
