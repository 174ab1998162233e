package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite" // Register the pure-Go SQLite driver.

	"github.com/pdfreader/sticker-engine/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. It is the default
// backend: embedded, dev, and test deployments all use it, per
// StoreConfig.Driver == "sqlite".
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	if !strings.Contains(dsn, "?") {
		dsn += "?"
	} else {
		dsn += "&"
	}
	dsn += "_pragma=busy_timeout(30000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	db.SetMaxOpenConns(10)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, eris.Wrap(err, "sqlite: ping")
	}

	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS files (
	id            TEXT PRIMARY KEY,
	course_id     TEXT NOT NULL,
	owner_user_id TEXT NOT NULL,
	storage_key   TEXT NOT NULL,
	page_count    INTEGER NOT NULL,
	is_scanned    INTEGER NOT NULL DEFAULT 0,
	content_hash  TEXT,
	created_at    DATETIME NOT NULL DEFAULT (datetime('now'))
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
	regions         TEXT NOT NULL DEFAULT '[]',
	started_at      DATETIME NOT NULL DEFAULT (datetime('now')),
	completed_at    DATETIME,
	error_message   TEXT,
	latency_ms      INTEGER NOT NULL DEFAULT 0
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_generation_fingerprint
	ON generation_records(pdf_hash, page, locale, effective_mode, selection_hash);

CREATE TABLE IF NOT EXISTS stickers (
	id                TEXT PRIMARY KEY,
	generation_id     TEXT NOT NULL,
	type              TEXT NOT NULL,
	page              INTEGER NOT NULL,
	anchor            TEXT NOT NULL,
	parent_id         TEXT,
	thread_root_id    TEXT NOT NULL,
	content_markdown  TEXT NOT NULL DEFAULT '',
	folded            INTEGER NOT NULL DEFAULT 0,
	depth             INTEGER NOT NULL DEFAULT 0,
	owner_user_id     TEXT NOT NULL,
	course_id         TEXT NOT NULL,
	file_id           TEXT NOT NULL,
	created_at        DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_stickers_file_page ON stickers(file_id, page);
CREATE INDEX IF NOT EXISTS idx_stickers_thread_root ON stickers(thread_root_id);

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
	pages_completed    TEXT NOT NULL DEFAULT '{}',
	pages_in_progress  TEXT NOT NULL DEFAULT '{}',
	pages_failed       TEXT NOT NULL DEFAULT '{}',
	created_at         DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at         DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_sessions_user_file_state ON window_sessions(user_id, file_id, state);

CREATE TABLE IF NOT EXISTS context_jobs (
	id                   TEXT PRIMARY KEY,
	pdf_hash             TEXT NOT NULL UNIQUE,
	file_id              TEXT NOT NULL,
	user_id              TEXT NOT NULL,
	state                TEXT NOT NULL,
	total_pages          INTEGER NOT NULL DEFAULT 0,
	estimated_total_words INTEGER NOT NULL DEFAULT 0,
	processed_pages      INTEGER NOT NULL DEFAULT 0,
	processed_words      INTEGER NOT NULL DEFAULT 0,
	current_batch        INTEGER NOT NULL DEFAULT 0,
	total_batches        INTEGER NOT NULL DEFAULT 0,
	extraction_version   INTEGER NOT NULL DEFAULT 1,
	retry_count          INTEGER NOT NULL DEFAULT 0,
	last_error           TEXT,
	lease_holder         TEXT,
	lease_expires_at     DATETIME,
	run_after            DATETIME NOT NULL DEFAULT (datetime('now')),
	created_at           DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at           DATETIME NOT NULL DEFAULT (datetime('now'))
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
	keywords            TEXT NOT NULL DEFAULT '[]',
	quality_score       REAL NOT NULL,
	language            TEXT NOT NULL,
	extraction_version  INTEGER NOT NULL DEFAULT 1,
	created_at          DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_context_entries_dedup ON context_entries(pdf_hash, normalized_title);

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
	reset_at DATETIME NOT NULL,
	PRIMARY KEY (user_id, bucket)
);
`

func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

// --- Files ---

func (s *SQLiteStore) GetFile(ctx context.Context, fileID string) (*model.File, error) {
	var f model.File
	var contentHash sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, course_id, owner_user_id, storage_key, page_count, is_scanned, content_hash, created_at
		 FROM files WHERE id = ?`, fileID,
	).Scan(&f.ID, &f.CourseID, &f.OwnerUserID, &f.StorageKey, &f.PageCount, &f.IsScanned, &contentHash, &f.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, eris.Wrapf(ErrNotFound, "file %s", fileID)
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get file")
	}
	f.ContentHash = contentHash.String
	return &f, nil
}

func (s *SQLiteStore) PutFile(ctx context.Context, f model.File) error {
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO files (id, course_id, owner_user_id, storage_key, page_count, is_scanned, content_hash, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			course_id=excluded.course_id, owner_user_id=excluded.owner_user_id,
			storage_key=excluded.storage_key, page_count=excluded.page_count,
			is_scanned=excluded.is_scanned, content_hash=excluded.content_hash`,
		f.ID, f.CourseID, f.OwnerUserID, f.StorageKey, f.PageCount, f.IsScanned, f.ContentHash, f.CreatedAt,
	)
	return eris.Wrap(err, "sqlite: put file")
}

// --- Generation Records ---

func scanGenerationRecord(row interface{ Scan(...any) error }) (*model.GenerationRecord, error) {
	var r model.GenerationRecord
	var regionsJSON string
	var completedAt sql.NullTime
	var errMsg sql.NullString
	err := row.Scan(
		&r.ID, &r.Fingerprint.PDFHash, &r.Fingerprint.Page, &r.Fingerprint.Locale, &r.Fingerprint.EffectiveMode,
		&r.Fingerprint.SelectionHash, &r.State, &r.ProducingUser, &r.QuotaUnits, &r.ImagesCount,
		&regionsJSON, &r.StartedAt, &completedAt, &errMsg, &r.LatencyMS,
	)
	if err != nil {
		return nil, err
	}
	if completedAt.Valid {
		t := completedAt.Time
		r.CompletedAt = &t
	}
	r.ErrorMessage = errMsg.String
	if err := json.Unmarshal([]byte(regionsJSON), &r.Regions); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal regions")
	}
	return &r, nil
}

const generationColumns = `id, pdf_hash, page, locale, effective_mode, selection_hash, state, producing_user, quota_units, images_count, regions, started_at, completed_at, error_message, latency_ms`

func (s *SQLiteStore) GetGenerationByFingerprint(ctx context.Context, fp model.Fingerprint) (*model.GenerationRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+generationColumns+` FROM generation_records
		 WHERE pdf_hash = ? AND page = ? AND locale = ? AND effective_mode = ? AND selection_hash = ?`,
		fp.PDFHash, fp.Page, fp.Locale, fp.EffectiveMode, fp.SelectionHash,
	)
	rec, err := scanGenerationRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get generation by fingerprint")
	}
	return rec, nil
}

func (s *SQLiteStore) GetGenerationByID(ctx context.Context, id string) (*model.GenerationRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+generationColumns+` FROM generation_records WHERE id = ?`, id)
	rec, err := scanGenerationRecord(row)
	if err == sql.ErrNoRows {
		return nil, eris.Wrapf(ErrNotFound, "generation %s", id)
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get generation by id")
	}
	return rec, nil
}

// TryStartGeneration inserts a new "generating" row for rec.Fingerprint, or
// returns the row that already won the race. The unique index on
// (pdf_hash, page, locale, effective_mode, selection_hash) makes this a
// single atomic coalescing point across concurrent requests for the same
// fingerprint, grounded on the teacher's INSERT...ON CONFLICT upsert idiom
// in internal/db/upsert.go.
func (s *SQLiteStore) TryStartGeneration(ctx context.Context, rec model.GenerationRecord) (*model.GenerationRecord, bool, error) {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now().UTC()
	}
	regionsJSON, err := json.Marshal(rec.Regions)
	if err != nil {
		return nil, false, eris.Wrap(err, "sqlite: marshal regions")
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO generation_records (id, pdf_hash, page, locale, effective_mode, selection_hash, state, producing_user, quota_units, images_count, regions, started_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(pdf_hash, page, locale, effective_mode, selection_hash) DO NOTHING`,
		rec.ID, rec.Fingerprint.PDFHash, rec.Fingerprint.Page, rec.Fingerprint.Locale, rec.Fingerprint.EffectiveMode,
		rec.Fingerprint.SelectionHash, rec.State, rec.ProducingUser, rec.QuotaUnits, rec.ImagesCount,
		string(regionsJSON), rec.StartedAt,
	)
	if err != nil {
		return nil, false, eris.Wrap(err, "sqlite: try start generation")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 1 {
		return &rec, true, nil
	}

	existing, err := s.GetGenerationByFingerprint(ctx, rec.Fingerprint)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		return nil, false, eris.New("sqlite: try start generation: conflict but no row found")
	}
	return existing, false, nil
}

func (s *SQLiteStore) CompleteGeneration(ctx context.Context, id string, stickers []model.Sticker, latencyMS int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin complete generation")
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx,
		`UPDATE generation_records SET state = ?, completed_at = ?, latency_ms = ? WHERE id = ?`,
		model.GenerationReady, time.Now().UTC(), latencyMS, id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete generation %s", id)
	}
	if err := checkRowsAffected(res, "generation", id); err != nil {
		return err
	}

	for _, st := range stickers {
		if err := putStickerTx(ctx, tx, id, st); err != nil {
			return err
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit complete generation")
}

func putStickerTx(ctx context.Context, tx *sql.Tx, generationID string, st model.Sticker) error {
	anchorJSON, err := json.Marshal(st.Anchor)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal anchor")
	}
	threadRoot := st.ID
	var parentID any
	if st.ParentID != nil && *st.ParentID != "" {
		parentID = *st.ParentID
		// A reply's thread root is its parent's thread root, not the parent
		// itself, so nested replies still collapse to one thread.
		if err := tx.QueryRowContext(ctx, `SELECT thread_root_id FROM stickers WHERE id = ?`, *st.ParentID).Scan(&threadRoot); err != nil && err != sql.ErrNoRows {
			return eris.Wrap(err, "sqlite: lookup parent thread root")
		}
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO stickers (id, generation_id, type, page, anchor, parent_id, thread_root_id, content_markdown, folded, depth, owner_user_id, course_id, file_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET content_markdown=excluded.content_markdown, folded=excluded.folded`,
		st.ID, generationID, st.Kind, st.Page, string(anchorJSON), parentID, threadRoot,
		st.ContentMarkdown, st.Folded, st.Depth, st.OwnerUserID, st.CourseID, st.FileID, st.CreatedAt,
	)
	return eris.Wrap(err, "sqlite: put sticker")
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (s *SQLiteStore) FailGeneration(ctx context.Context, id string, errMsg string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE generation_records SET state = ?, completed_at = ?, error_message = ? WHERE id = ?`,
		model.GenerationFailed, time.Now().UTC(), errMsg, id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: fail generation %s", id)
	}
	return checkRowsAffected(res, "generation", id)
}

func (s *SQLiteStore) RecordLatencySample(ctx context.Context, smp model.LatencySample) error {
	// Sampled observability data, not queried back by this service; stored
	// compactly in generation_records.latency_ms already, so this writes a
	// throwaway row kept only for external metrics scraping.
	_, err := s.db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS latency_samples (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			pdf_hash TEXT NOT NULL, page INTEGER NOT NULL, locale TEXT NOT NULL,
			mode TEXT NOT NULL, latency_ms INTEGER NOT NULL, cache_hit INTEGER NOT NULL,
			recorded_at DATETIME NOT NULL
		)`)
	if err != nil {
		return eris.Wrap(err, "sqlite: ensure latency_samples table")
	}
	if smp.RecordedAt.IsZero() {
		smp.RecordedAt = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO latency_samples (pdf_hash, page, locale, mode, latency_ms, cache_hit, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		smp.PDFHash, smp.Page, smp.Locale, smp.Mode, smp.LatencyMS, smp.CacheHit, smp.RecordedAt,
	)
	return eris.Wrap(err, "sqlite: record latency sample")
}

// --- Stickers ---

func scanSticker(row interface{ Scan(...any) error }) (*model.Sticker, error) {
	var st model.Sticker
	var anchorJSON string
	var parentID sql.NullString
	err := row.Scan(&st.ID, &st.Kind, &st.Page, &anchorJSON, &parentID, &st.ContentMarkdown, &st.Folded, &st.Depth,
		&st.OwnerUserID, &st.CourseID, &st.FileID, &st.CreatedAt)
	if err != nil {
		return nil, err
	}
	if parentID.Valid {
		p := parentID.String
		st.ParentID = &p
	}
	if err := json.Unmarshal([]byte(anchorJSON), &st.Anchor); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal anchor")
	}
	return &st, nil
}

const stickerColumns = `id, type, page, anchor, parent_id, content_markdown, folded, depth, owner_user_id, course_id, file_id, created_at`

func (s *SQLiteStore) GetSticker(ctx context.Context, id string) (*model.Sticker, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+stickerColumns+` FROM stickers WHERE id = ?`, id)
	st, err := scanSticker(row)
	if err == sql.ErrNoRows {
		return nil, eris.Wrapf(ErrNotFound, "sticker %s", id)
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get sticker")
	}
	return st, nil
}

func (s *SQLiteStore) ListStickersByRoot(ctx context.Context, fileID string, page int) ([]model.Sticker, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+stickerColumns+` FROM stickers WHERE file_id = ? AND page = ? ORDER BY depth ASC, created_at ASC`, fileID, page)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list stickers by root")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Sticker
	for rows.Next() {
		st, err := scanSticker(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan sticker")
		}
		out = append(out, *st)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list stickers iterate")
}

func (s *SQLiteStore) UpdateStickerContent(ctx context.Context, id string, contentMarkdown string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE stickers SET content_markdown = ? WHERE id = ?`, contentMarkdown, id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update sticker content %s", id)
	}
	return checkRowsAffected(res, "sticker", id)
}

func (s *SQLiteStore) UpdateStickerFold(ctx context.Context, id string, folded bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE stickers SET folded = ? WHERE id = ?`, folded, id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update sticker fold %s", id)
	}
	return checkRowsAffected(res, "sticker", id)
}

func (s *SQLiteStore) GetThreadRootID(ctx context.Context, stickerID string) (string, error) {
	var threadRoot string
	err := s.db.QueryRowContext(ctx, `SELECT thread_root_id FROM stickers WHERE id = ?`, stickerID).Scan(&threadRoot)
	if err == sql.ErrNoRows {
		return "", eris.Wrapf(ErrNotFound, "sticker %s", stickerID)
	}
	if err != nil {
		return "", eris.Wrap(err, "sqlite: get thread root id")
	}
	return threadRoot, nil
}

func (s *SQLiteStore) ListStickersByThreadRoot(ctx context.Context, threadRootID string) ([]model.Sticker, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+stickerColumns+` FROM stickers WHERE thread_root_id = ? ORDER BY created_at ASC`, threadRootID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list stickers by thread root")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Sticker
	for rows.Next() {
		st, err := scanSticker(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan sticker")
		}
		out = append(out, *st)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list stickers by thread root iterate")
}

func (s *SQLiteStore) SetActiveVersion(ctx context.Context, threadRootID string, versionID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO thread_active_version (thread_root_id, active_version_id) VALUES (?, ?)
		 ON CONFLICT(thread_root_id) DO UPDATE SET active_version_id = excluded.active_version_id`,
		threadRootID, versionID,
	)
	return eris.Wrap(err, "sqlite: set active version")
}

// GetActiveVersion returns the sticker id currently active for threadRootID,
// or "" if no switch has ever been recorded (the thread root itself is
// active by default).
func (s *SQLiteStore) GetActiveVersion(ctx context.Context, threadRootID string) (string, error) {
	var versionID string
	err := s.db.QueryRowContext(ctx, `SELECT active_version_id FROM thread_active_version WHERE thread_root_id = ?`, threadRootID).Scan(&versionID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", eris.Wrap(err, "sqlite: get active version")
	}
	return versionID, nil
}

func (s *SQLiteStore) DeleteSticker(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM stickers WHERE id = ?`, id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: delete sticker %s", id)
	}
	return checkRowsAffected(res, "sticker", id)
}

// --- Window Sessions ---

func scanSession(row interface{ Scan(...any) error }) (*model.WindowSession, error) {
	var s model.WindowSession
	var completedJSON, inProgressJSON, failedJSON string
	err := row.Scan(&s.ID, &s.UserID, &s.FileID, &s.PDFType, &s.State, &s.WindowStart, &s.WindowEnd, &s.CurrentPage,
		&completedJSON, &inProgressJSON, &failedJSON, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	s.PagesCompleted = map[int]bool{}
	s.PagesInProgress = map[int]bool{}
	s.PagesFailed = map[int]bool{}
	if err := json.Unmarshal([]byte(completedJSON), &s.PagesCompleted); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal pages_completed")
	}
	if err := json.Unmarshal([]byte(inProgressJSON), &s.PagesInProgress); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal pages_in_progress")
	}
	if err := json.Unmarshal([]byte(failedJSON), &s.PagesFailed); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal pages_failed")
	}
	return &s, nil
}

const sessionColumns = `id, user_id, file_id, pdf_type, state, window_start, window_end, current_page, pages_completed, pages_in_progress, pages_failed, created_at, updated_at`

func (s *SQLiteStore) CreateSession(ctx context.Context, sess model.WindowSession) error {
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now().UTC()
	}
	sess.UpdatedAt = sess.CreatedAt
	completed, err := json.Marshal(sess.PagesCompleted)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal pages_completed")
	}
	inProgress, err := json.Marshal(sess.PagesInProgress)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal pages_in_progress")
	}
	failed, err := json.Marshal(sess.PagesFailed)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal pages_failed")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO window_sessions (`+sessionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.UserID, sess.FileID, sess.PDFType, sess.State, sess.WindowStart, sess.WindowEnd, sess.CurrentPage,
		string(completed), string(inProgress), string(failed), sess.CreatedAt, sess.UpdatedAt,
	)
	return eris.Wrap(err, "sqlite: create session")
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*model.WindowSession, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM window_sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, eris.Wrapf(ErrNotFound, "session %s", id)
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get session")
	}
	return sess, nil
}

func (s *SQLiteStore) GetActiveSessionForFile(ctx context.Context, userID, fileID string) (*model.WindowSession, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM window_sessions WHERE user_id = ? AND file_id = ? AND state = ? ORDER BY created_at DESC LIMIT 1`,
		userID, fileID, model.SessionActive,
	)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get active session for file")
	}
	return sess, nil
}

func (s *SQLiteStore) UpdateSession(ctx context.Context, sess model.WindowSession) error {
	sess.UpdatedAt = time.Now().UTC()
	completed, err := json.Marshal(sess.PagesCompleted)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal pages_completed")
	}
	inProgress, err := json.Marshal(sess.PagesInProgress)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal pages_in_progress")
	}
	failed, err := json.Marshal(sess.PagesFailed)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal pages_failed")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE window_sessions SET state=?, window_start=?, window_end=?, current_page=?, pages_completed=?, pages_in_progress=?, pages_failed=?, updated_at=? WHERE id=?`,
		sess.State, sess.WindowStart, sess.WindowEnd, sess.CurrentPage, string(completed), string(inProgress), string(failed), sess.UpdatedAt, sess.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update session %s", sess.ID)
	}
	return checkRowsAffected(res, "session", sess.ID)
}

// --- Context Jobs ---

func scanContextJob(row interface{ Scan(...any) error }) (*model.ContextJob, error) {
	var j model.ContextJob
	var lastErr, leaseHolder sql.NullString
	var leaseExpiresAt sql.NullTime
	err := row.Scan(&j.ID, &j.PDFHash, &j.FileID, &j.UserID, &j.State, &j.TotalPages, &j.EstimatedTotalWords,
		&j.ProcessedPages, &j.ProcessedWords, &j.CurrentBatch, &j.TotalBatches, &j.ExtractionVersion, &j.RetryCount,
		&lastErr, &leaseHolder, &leaseExpiresAt, &j.RunAfter, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	j.LastError = lastErr.String
	j.LeaseHolder = leaseHolder.String
	if leaseExpiresAt.Valid {
		t := leaseExpiresAt.Time
		j.LeaseExpiresAt = &t
	}
	return &j, nil
}

const contextJobColumns = `id, pdf_hash, file_id, user_id, state, total_pages, estimated_total_words, processed_pages, processed_words, current_batch, total_batches, extraction_version, retry_count, last_error, lease_holder, lease_expires_at, run_after, created_at, updated_at`

func (s *SQLiteStore) EnqueueContextJob(ctx context.Context, j model.ContextJob) (*model.ContextJob, bool, error) {
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
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO context_jobs (`+contextJobColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(pdf_hash) DO NOTHING`,
		j.ID, j.PDFHash, j.FileID, j.UserID, j.State, j.TotalPages, j.EstimatedTotalWords, j.ProcessedPages, j.ProcessedWords,
		j.CurrentBatch, j.TotalBatches, j.ExtractionVersion, j.RetryCount, nullableString(j.LastError), nullableString(j.LeaseHolder),
		nil, j.RunAfter, j.CreatedAt, j.UpdatedAt,
	)
	if err != nil {
		return nil, false, eris.Wrap(err, "sqlite: enqueue context job")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 1 {
		return &j, true, nil
	}
	existing, err := s.GetContextJobByPDFHash(ctx, j.PDFHash)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// ClaimNextContextJob atomically claims the oldest eligible pending/retrying
// job via a single UPDATE...RETURNING statement. The Postgres store runs the
// same statement with FOR UPDATE SKIP LOCKED added to the inner select; this
// SQLite version has no locking clause.
func (s *SQLiteStore) ClaimNextContextJob(ctx context.Context, leaseHolder string, leaseDuration time.Duration) (*model.ContextJob, error) {
	now := time.Now().UTC()
	leaseExpiresAt := now.Add(leaseDuration)

	row := s.db.QueryRowContext(ctx,
		`UPDATE context_jobs SET state = ?, lease_holder = ?, lease_expires_at = ?, updated_at = ?
		 WHERE id = (
			SELECT id FROM context_jobs
			WHERE run_after <= ?
			  AND (state = ? OR (state = ? AND (lease_expires_at IS NULL OR lease_expires_at <= ?)))
			ORDER BY run_after ASC LIMIT 1
		 )
		 RETURNING `+contextJobColumns,
		model.JobProcessing, leaseHolder, leaseExpiresAt, now,
		now, model.JobPending, model.JobProcessing, now,
	)
	job, err := scanContextJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: claim next context job")
	}
	return job, nil
}

func (s *SQLiteStore) UpdateContextJob(ctx context.Context, j model.ContextJob) error {
	j.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE context_jobs SET state=?, total_pages=?, estimated_total_words=?, processed_pages=?, processed_words=?,
			current_batch=?, total_batches=?, extraction_version=?, retry_count=?, last_error=?, lease_holder=?,
			lease_expires_at=?, run_after=?, updated_at=?
		 WHERE id=?`,
		j.State, j.TotalPages, j.EstimatedTotalWords, j.ProcessedPages, j.ProcessedWords, j.CurrentBatch, j.TotalBatches,
		j.ExtractionVersion, j.RetryCount, nullableString(j.LastError), nullableString(j.LeaseHolder), j.LeaseExpiresAt,
		j.RunAfter, j.UpdatedAt, j.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update context job %s", j.ID)
	}
	return checkRowsAffected(res, "context_job", j.ID)
}

func (s *SQLiteStore) GetContextJob(ctx context.Context, id string) (*model.ContextJob, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+contextJobColumns+` FROM context_jobs WHERE id = ?`, id)
	j, err := scanContextJob(row)
	if err == sql.ErrNoRows {
		return nil, eris.Wrapf(ErrNotFound, "context_job %s", id)
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get context job")
	}
	return j, nil
}

func (s *SQLiteStore) GetContextJobByPDFHash(ctx context.Context, pdfHash string) (*model.ContextJob, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+contextJobColumns+` FROM context_jobs WHERE pdf_hash = ?`, pdfHash)
	j, err := scanContextJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get context job by pdf hash")
	}
	return j, nil
}

// --- Context Entries ---

func (s *SQLiteStore) PutContextEntries(ctx context.Context, entries []model.ContextEntry) (int, error) {
	if len(entries) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin put context entries")
	}
	defer tx.Rollback() //nolint:errcheck

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
			return 0, eris.Wrap(err, "sqlite: marshal keywords")
		}
		// DB-level dedup keyed on (pdf-hash, normalized-title): replace only
		// when the incoming candidate has a strictly higher quality-score,
		// or ties it while being the non-translated (en) variant, per
		// spec.md §4.8 step 6 / testable property 9.
		res, err := tx.ExecContext(ctx,
			`INSERT INTO context_entries (id, pdf_hash, type, title, normalized_title, body, source_page, keywords, quality_score, language, extraction_version, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(pdf_hash, normalized_title) DO UPDATE SET
				type=excluded.type, title=excluded.title, body=excluded.body, source_page=excluded.source_page,
				keywords=excluded.keywords, quality_score=excluded.quality_score, language=excluded.language,
				extraction_version=excluded.extraction_version
			 WHERE excluded.quality_score > context_entries.quality_score
				OR (excluded.quality_score = context_entries.quality_score
					AND excluded.language = 'en' AND context_entries.language != 'en')`,
			e.ID, e.PDFHash, e.Type, e.Title, normalizedTitleOf(e.Title), e.Body, e.SourcePage,
			string(keywordsJSON), e.QualityScore, e.Language, e.ExtractionVersion, e.CreatedAt,
		)
		if err != nil {
			return 0, eris.Wrap(err, "sqlite: insert context entry")
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, eris.Wrap(err, "sqlite: rows affected")
		}
		inserted += int(n)
	}
	return inserted, eris.Wrap(tx.Commit(), "sqlite: commit put context entries")
}

func normalizedTitleOf(title string) string {
	return strings.Join(strings.Fields(strings.ToLower(strings.TrimSpace(title))), " ")
}

func scanContextEntry(row interface{ Scan(...any) error }) (*model.ContextEntry, error) {
	var e model.ContextEntry
	var keywordsJSON, normalizedTitle string
	err := row.Scan(&e.ID, &e.PDFHash, &e.Type, &e.Title, &normalizedTitle, &e.Body, &e.SourcePage,
		&keywordsJSON, &e.QualityScore, &e.Language, &e.ExtractionVersion, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(keywordsJSON), &e.Keywords); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal keywords")
	}
	return &e, nil
}

const contextEntryColumns = `id, pdf_hash, type, title, normalized_title, body, source_page, keywords, quality_score, language, extraction_version, created_at`

func (s *SQLiteStore) ListContextEntriesByPDFHash(ctx context.Context, pdfHash string) ([]model.ContextEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+contextEntryColumns+` FROM context_entries WHERE pdf_hash = ?`, pdfHash)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list context entries by pdf hash")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.ContextEntry
	for rows.Next() {
		e, err := scanContextEntry(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan context entry")
		}
		out = append(out, *e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list context entries iterate")
}

const contextEntryScopeQuery = `
	SELECT ce.id, ce.pdf_hash, ce.type, ce.title, ce.normalized_title, ce.body, ce.source_page,
	       ce.keywords, ce.quality_score, ce.language, ce.extraction_version, ce.created_at
	FROM context_entries ce
	JOIN user_context_scopes ucs ON ucs.pdf_hash = ce.pdf_hash
	WHERE ucs.user_id = ? AND ucs.course_id = ?`

func (s *SQLiteStore) ListContextEntriesForScope(ctx context.Context, scope model.UserContextScope) ([]model.ContextEntry, error) {
	rows, err := s.db.QueryContext(ctx, contextEntryScopeQuery, scope.UserID, scope.CourseID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list context entries for scope")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.ContextEntry
	for rows.Next() {
		e, err := scanContextEntry(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan context entry")
		}
		out = append(out, *e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list context entries for scope iterate")
}

// --- User Context Scope ---

func (s *SQLiteStore) GrantContextScope(ctx context.Context, scope model.UserContextScope) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO user_context_scopes (user_id, course_id, file_id, pdf_hash) VALUES (?, ?, ?, ?)
		 ON CONFLICT(user_id, course_id, file_id, pdf_hash) DO NOTHING`,
		scope.UserID, scope.CourseID, scope.FileID, scope.PDFHash,
	)
	return eris.Wrap(err, "sqlite: grant context scope")
}

func (s *SQLiteStore) ListScopesForUser(ctx context.Context, userID, courseID string) ([]model.UserContextScope, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, course_id, file_id, pdf_hash FROM user_context_scopes WHERE user_id = ? AND course_id = ?`,
		userID, courseID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list scopes for user")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.UserContextScope
	for rows.Next() {
		var sc model.UserContextScope
		if err := rows.Scan(&sc.UserID, &sc.CourseID, &sc.FileID, &sc.PDFHash); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan scope")
		}
		out = append(out, sc)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list scopes iterate")
}

// --- Quota ---

func (s *SQLiteStore) GetOrInitQuotaBucket(ctx context.Context, userID, bucket string, defaultLimit int, resetAt time.Time) (*model.QuotaBucket, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO quota_buckets (user_id, bucket, used, "limit", reset_at) VALUES (?, ?, 0, ?, ?)
		 ON CONFLICT(user_id, bucket) DO NOTHING`,
		userID, bucket, defaultLimit, resetAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: init quota bucket")
	}
	var qb model.QuotaBucket
	err = s.db.QueryRowContext(ctx,
		`SELECT user_id, bucket, used, "limit", reset_at FROM quota_buckets WHERE user_id = ? AND bucket = ?`,
		userID, bucket,
	).Scan(&qb.UserID, &qb.Bucket, &qb.Used, &qb.Limit, &qb.ResetAt)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get quota bucket")
	}
	return &qb, nil
}

// DeductQuota atomically deducts n units if doing so would not exceed the
// limit, returning the post-deduction bucket. A zero-row UPDATE means the
// caller was over quota; the bucket is re-read so the caller can report
// current usage in the error.
func (s *SQLiteStore) DeductQuota(ctx context.Context, userID, bucket string, n int) (*model.QuotaBucket, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE quota_buckets SET used = used + ? WHERE user_id = ? AND bucket = ? AND used + ? <= "limit"`,
		n, userID, bucket, n,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: deduct quota")
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: rows affected")
	}

	var qb model.QuotaBucket
	scanErr := s.db.QueryRowContext(ctx,
		`SELECT user_id, bucket, used, "limit", reset_at FROM quota_buckets WHERE user_id = ? AND bucket = ?`,
		userID, bucket,
	).Scan(&qb.UserID, &qb.Bucket, &qb.Used, &qb.Limit, &qb.ResetAt)
	if scanErr == sql.ErrNoRows {
		return nil, eris.Wrapf(ErrNotFound, "quota bucket %s/%s", userID, bucket)
	}
	if scanErr != nil {
		return nil, eris.Wrap(scanErr, "sqlite: read quota bucket after deduct")
	}
	if rows == 0 {
		return &qb, model.NewAPIError(model.CodeQuotaExceeded, "quota exceeded", map[string]any{"bucket": bucket})
	}
	return &qb, nil
}

func (s *SQLiteStore) RefundQuota(ctx context.Context, userID, bucket string, n int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE quota_buckets SET used = MAX(0, used - ?) WHERE user_id = ? AND bucket = ?`,
		n, userID, bucket,
	)
	return eris.Wrap(err, "sqlite: refund quota")
}

func (s *SQLiteStore) ResetQuotaBucketsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE quota_buckets SET used = 0, reset_at = ? WHERE reset_at <= ?`,
		cutoff.AddDate(0, 1, 0), cutoff,
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: reset quota buckets")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}
