package draft

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/mitchellrevill/sonic-brief-sub000/internal/clock"
)

var (
	// ErrSizeExceeded means a single draft is larger than the configured maximum
	ErrSizeExceeded = errors.New("draft exceeds maximum size")

	// ErrQuotaExceeded means the draft would not fit in the storage quota or on disk
	ErrQuotaExceeded = errors.New("draft storage quota exceeded")

	// ErrNotFound is returned when a draft id does not exist
	ErrNotFound = errors.New("draft not found")
)

// Draft is a persisted, not yet uploaded recording
type Draft struct {
	ID              string         `json:"id"`
	CategoryID      string         `json:"category_id"`
	SubcategoryID   string         `json:"subcategory_id"`
	CategoryName    string         `json:"category_name,omitempty"`
	SubcategoryName string         `json:"subcategory_name,omitempty"`
	Audio           []byte         `json:"-"`
	Size            int64          `json:"size"`
	Duration        time.Duration  `json:"duration"`
	PreSessionData  map[string]any `json:"pre_session_data,omitempty"`
	MimeType        string         `json:"mime_type"`
	CreatedAt       time.Time      `json:"created_at"`
	Uploaded        bool           `json:"uploaded"`
	JobID           string         `json:"job_id,omitempty"`
}

// Limits bounds draft storage
type Limits struct {
	MaxDraftBytes  int64
	QuotaBytes     int64
	QuotaWarnRatio float64
}

// QuotaStatus reports storage usage
type QuotaStatus struct {
	UsedBytes  int64 `json:"used_bytes"`
	QuotaBytes int64 `json:"quota_bytes"`
	Drafts     int   `json:"drafts"`
	// DiskFree is -1 when the filesystem cannot be queried
	DiskFree int64 `json:"disk_free_bytes"`
	Warning  bool  `json:"warning"`
}

// Store is the SQLite-backed draft store
type Store struct {
	db     *sql.DB
	dir    string
	limits Limits
	clock  clock.Clock
	logger *slog.Logger

	// Per-key save serialization within this process. Between processes the
	// last committed write wins.
	keyLocksMu sync.Mutex
	keyLocks   map[string]*sync.Mutex

	diskFree func(path string) (int64, error)
}

// Option customizes a Store
type Option func(*Store)

// WithClock sets the clock used for timestamps and age-based cleanup
func WithClock(c clock.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// WithLogger sets the store logger
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithDiskFree overrides the free-space check
func WithDiskFree(f func(path string) (int64, error)) Option {
	return func(s *Store) { s.diskFree = f }
}

const schema = `
	CREATE TABLE IF NOT EXISTS drafts (
		id TEXT PRIMARY KEY,
		category_id TEXT NOT NULL,
		subcategory_id TEXT NOT NULL,
		category_name TEXT NOT NULL DEFAULT '',
		subcategory_name TEXT NOT NULL DEFAULT '',
		audio BLOB NOT NULL,
		size INTEGER NOT NULL,
		duration_ms INTEGER NOT NULL,
		pre_session TEXT,
		mime_type TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		uploaded INTEGER NOT NULL DEFAULT 0,
		job_id TEXT NOT NULL DEFAULT ''
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_drafts_key ON drafts(category_id, subcategory_id);
	CREATE INDEX IF NOT EXISTS idx_drafts_created ON drafts(created_at);
`

// dataSourceName builds a file: URI for path. The path is percent-encoded so
// '?', '#' and '%' in directory names reach SQLite intact.
func dataSourceName(path string) string {
	p := filepath.ToSlash(path)
	if filepath.IsAbs(path) && !strings.HasPrefix(p, "/") {
		// Windows drive paths become file:/C:/...
		p = "/" + p
	}
	u := url.URL{
		Scheme:   "file",
		Path:     p,
		OmitHost: true,
		RawQuery: "_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)",
	}
	return u.String()
}

// Open opens (creating if needed) the draft database at path
func Open(path string, limits Limits, opts ...Option) (*Store, error) {
	if limits.MaxDraftBytes <= 0 || limits.QuotaBytes <= 0 {
		return nil, fmt.Errorf("draft limits must be positive: %+v", limits)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create draft directory: %w", err)
	}

	db, err := sql.Open("sqlite", dataSourceName(path))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One writer keeps SQLite from returning SQLITE_BUSY inside this process
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	s := &Store{
		db:       db,
		dir:      dir,
		limits:   limits,
		clock:    clock.Real{},
		logger:   slog.Default(),
		keyLocks: make(map[string]*sync.Mutex),
		diskFree: diskAvailable,
	}
	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) keyLock(categoryID, subcategoryID string) *sync.Mutex {
	key := categoryID + "\x00" + subcategoryID

	s.keyLocksMu.Lock()
	defer s.keyLocksMu.Unlock()

	mu, ok := s.keyLocks[key]
	if !ok {
		mu = &sync.Mutex{}
		s.keyLocks[key] = mu
	}
	return mu
}

// Save stores d as the draft for its key, replacing any existing one, and
// returns the new id. d.ID, d.Size and d.CreatedAt are filled in.
func (s *Store) Save(ctx context.Context, d *Draft) (string, error) {
	if d.CategoryID == "" || d.SubcategoryID == "" {
		return "", fmt.Errorf("draft requires category and subcategory")
	}
	if len(d.Audio) == 0 {
		return "", fmt.Errorf("draft has no audio")
	}

	size := int64(len(d.Audio))
	if size > s.limits.MaxDraftBytes {
		return "", fmt.Errorf("%w: %d bytes (maximum %d)", ErrSizeExceeded, size, s.limits.MaxDraftBytes)
	}

	var preSession sql.NullString
	if len(d.PreSessionData) > 0 {
		raw, err := json.Marshal(d.PreSessionData)
		if err != nil {
			return "", fmt.Errorf("encode pre-session data: %w", err)
		}
		preSession = sql.NullString{String: string(raw), Valid: true}
	}

	mu := s.keyLock(d.CategoryID, d.SubcategoryID)
	mu.Lock()
	defer mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	// The draft being replaced does not count against the quota
	var used int64
	if err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(size), 0)
		FROM drafts
		WHERE NOT (category_id = ? AND subcategory_id = ?)
	`, d.CategoryID, d.SubcategoryID).Scan(&used); err != nil {
		return "", fmt.Errorf("query usage: %w", err)
	}

	if used+size > s.limits.QuotaBytes {
		return "", fmt.Errorf("%w: %d bytes used, %d requested, quota %d",
			ErrQuotaExceeded, used, size, s.limits.QuotaBytes)
	}

	if free, err := s.diskFree(s.dir); err == nil && size > free {
		return "", fmt.Errorf("%w: %d bytes requested, %d free on disk", ErrQuotaExceeded, size, free)
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM drafts WHERE category_id = ? AND subcategory_id = ?
	`, d.CategoryID, d.SubcategoryID); err != nil {
		return "", fmt.Errorf("delete previous draft: %w", err)
	}

	id := uuid.NewString()
	createdAt := s.clock.Now()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO drafts (id, category_id, subcategory_id, category_name, subcategory_name,
			audio, size, duration_ms, pre_session, mime_type, created_at, uploaded, job_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, '')
	`, id, d.CategoryID, d.SubcategoryID, d.CategoryName, d.SubcategoryName,
		d.Audio, size, d.Duration.Milliseconds(), preSession, d.MimeType, createdAt.UnixMilli()); err != nil {
		return "", fmt.Errorf("insert draft: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit draft: %w", err)
	}

	d.ID = id
	d.Size = size
	d.CreatedAt = time.UnixMilli(createdAt.UnixMilli())
	d.Uploaded = false
	d.JobID = ""

	s.logger.Debug("Draft saved",
		slog.String("draft_id", id),
		slog.String("category_id", d.CategoryID),
		slog.String("subcategory_id", d.SubcategoryID),
		slog.Int64("size", size),
		slog.Duration("duration", d.Duration),
	)

	return id, nil
}

const draftColumns = `id, category_id, subcategory_id, category_name, subcategory_name,
	size, duration_ms, pre_session, mime_type, created_at, uploaded, job_id`

type scanner interface {
	Scan(dest ...any) error
}

func scanDraft(row scanner, withAudio bool) (*Draft, error) {
	var (
		d          Draft
		durationMS int64
		createdAt  int64
		uploaded   int
		preSession sql.NullString
	)

	dest := []any{&d.ID, &d.CategoryID, &d.SubcategoryID, &d.CategoryName, &d.SubcategoryName,
		&d.Size, &durationMS, &preSession, &d.MimeType, &createdAt, &uploaded, &d.JobID}
	if withAudio {
		dest = append(dest, &d.Audio)
	}

	if err := row.Scan(dest...); err != nil {
		return nil, err
	}

	d.Duration = time.Duration(durationMS) * time.Millisecond
	d.CreatedAt = time.UnixMilli(createdAt)
	d.Uploaded = uploaded != 0

	if preSession.Valid && preSession.String != "" {
		if err := json.Unmarshal([]byte(preSession.String), &d.PreSessionData); err != nil {
			return nil, fmt.Errorf("decode pre-session data: %w", err)
		}
	}

	return &d, nil
}

// Get returns the draft for a key including its audio, or nil if there is none
func (s *Store) Get(ctx context.Context, categoryID, subcategoryID string) (*Draft, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+draftColumns+`, audio
		FROM drafts
		WHERE category_id = ? AND subcategory_id = ?
		ORDER BY created_at DESC
		LIMIT 1
	`, categoryID, subcategoryID)

	d, err := scanDraft(row, true)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan draft: %w", err)
	}
	return d, nil
}

// List returns metadata for every draft, newest first. Audio is not loaded.
func (s *Store) List(ctx context.Context) ([]Draft, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+draftColumns+`
		FROM drafts
		ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("query drafts: %w", err)
	}
	defer rows.Close()

	var drafts []Draft
	for rows.Next() {
		d, err := scanDraft(rows, false)
		if err != nil {
			return nil, fmt.Errorf("scan draft: %w", err)
		}
		drafts = append(drafts, *d)
	}
	return drafts, rows.Err()
}

// Delete removes a draft by id. Deleting a missing draft is not an error.
func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM drafts WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete draft: %w", err)
	}
	return nil
}

// DeleteKey removes the draft for a key, if any
func (s *Store) DeleteKey(ctx context.Context, categoryID, subcategoryID string) error {
	mu := s.keyLock(categoryID, subcategoryID)
	mu.Lock()
	defer mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM drafts WHERE category_id = ? AND subcategory_id = ?
	`, categoryID, subcategoryID); err != nil {
		return fmt.Errorf("delete draft: %w", err)
	}
	return nil
}

// MarkUploaded flags a draft as submitted under jobID
func (s *Store) MarkUploaded(ctx context.Context, id, jobID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE drafts SET uploaded = 1, job_id = ? WHERE id = ?
	`, jobID, id)
	if err != nil {
		return fmt.Errorf("mark draft uploaded: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark draft uploaded: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// CleanupOlderThan deletes drafts created more than age ago, and drafts
// already uploaded, returning how many were removed
func (s *Store) CleanupOlderThan(ctx context.Context, age time.Duration) (int, error) {
	cutoff := s.clock.Now().Add(-age).UnixMilli()

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM drafts WHERE created_at < ? OR uploaded = 1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup drafts: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("cleanup drafts: %w", err)
	}

	if n > 0 {
		s.logger.Info("Expired drafts removed",
			slog.Int64("count", n),
			slog.Duration("max_age", age),
		)
	}
	return int(n), nil
}

// CheckQuota reports current storage usage against the limits
func (s *Store) CheckQuota(ctx context.Context) (QuotaStatus, error) {
	status := QuotaStatus{QuotaBytes: s.limits.QuotaBytes, DiskFree: -1}

	if err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(size), 0), COUNT(*) FROM drafts
	`).Scan(&status.UsedBytes, &status.Drafts); err != nil {
		return QuotaStatus{}, fmt.Errorf("query usage: %w", err)
	}

	if free, err := s.diskFree(s.dir); err == nil {
		status.DiskFree = free
	}

	ratio := s.limits.QuotaWarnRatio
	if ratio <= 0 {
		ratio = 0.9
	}
	status.Warning = float64(status.UsedBytes) >= ratio*float64(s.limits.QuotaBytes) ||
		(status.DiskFree >= 0 && status.DiskFree < s.limits.MaxDraftBytes)

	return status, nil
}
