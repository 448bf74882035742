package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"pastebin/pkg/domain"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

const pgUniqueViolation = "23505"

const pgSchema = `
CREATE TABLE IF NOT EXISTS pastes (
	id UUID PRIMARY KEY,
	short_id VARCHAR(32) NOT NULL UNIQUE,
	title VARCHAR(255) NOT NULL DEFAULT '',
	content TEXT NOT NULL,
	content_hash VARCHAR(64) NOT NULL,
	language VARCHAR(50) NOT NULL DEFAULT 'text',
	is_private BOOLEAN NOT NULL DEFAULT FALSE,
	password_hash TEXT NOT NULL DEFAULT '',
	expires_at TIMESTAMPTZ,
	burn_after_read BOOLEAN NOT NULL DEFAULT FALSE,
	is_burned BOOLEAN NOT NULL DEFAULT FALSE,
	tags TEXT[] NOT NULL DEFAULT '{}',
	view_count BIGINT NOT NULL DEFAULT 0,
	download_count BIGINT NOT NULL DEFAULT 0,
	size_bytes INTEGER NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	metadata JSONB NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_pastes_created_at ON pastes(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_pastes_expires_at ON pastes(expires_at) WHERE expires_at IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_pastes_language ON pastes(language);
CREATE TABLE IF NOT EXISTS paste_views (
	id UUID PRIMARY KEY,
	paste_id UUID NOT NULL REFERENCES pastes(id) ON DELETE CASCADE,
	viewer_ip INET,
	viewer_country VARCHAR(2),
	viewer_city VARCHAR(100),
	user_agent TEXT,
	referer TEXT,
	viewed_at TIMESTAMPTZ NOT NULL,
	session_id VARCHAR(255)
);
CREATE INDEX IF NOT EXISTS idx_paste_views_paste_id ON paste_views(paste_id);
CREATE INDEX IF NOT EXISTS idx_paste_views_viewed_at ON paste_views(viewed_at DESC);
`

// Postgres implements the paste and view stores on PostgreSQL via sqlx.
type Postgres struct {
	db           *sqlx.DB
	queryTimeout time.Duration
}

func NewPostgres(dsn string, maxOpenConns, maxIdleConns int, queryTimeout time.Duration) (*Postgres, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open postgres")
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(time.Hour)
	p := NewPostgresDB(db, queryTimeout)
	ctx, cancel := context.WithTimeout(context.Background(), p.queryTimeout)
	defer cancel()
	if err := p.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return p, nil
}

// NewPostgresDB wraps an existing handle without touching the schema.
func NewPostgresDB(db *sqlx.DB, queryTimeout time.Duration) *Postgres {
	if queryTimeout <= 0 {
		queryTimeout = defaultQueryTimeout
	}
	return &Postgres{db: db, queryTimeout: queryTimeout}
}

func (p *Postgres) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, pgSchema)
	return errors.Wrap(err, "postgres migrate")
}

func (p *Postgres) Close() error { return p.db.Close() }

type pgPaste struct {
	ID            string         `db:"id"`
	ShortID       string         `db:"short_id"`
	Title         string         `db:"title"`
	Content       string         `db:"content"`
	ContentHash   string         `db:"content_hash"`
	Language      string         `db:"language"`
	IsPrivate     bool           `db:"is_private"`
	PasswordHash  string         `db:"password_hash"`
	ExpiresAt     sql.NullTime   `db:"expires_at"`
	BurnAfterRead bool           `db:"burn_after_read"`
	IsBurned      bool           `db:"is_burned"`
	Tags          pq.StringArray `db:"tags"`
	ViewCount     int64          `db:"view_count"`
	DownloadCount int64          `db:"download_count"`
	SizeBytes     int            `db:"size_bytes"`
	CreatedAt     time.Time      `db:"created_at"`
	UpdatedAt     time.Time      `db:"updated_at"`
	Metadata      []byte         `db:"metadata"`
}

func (r pgPaste) toDomain() (*domain.Paste, error) {
	out := &domain.Paste{
		ID:            r.ID,
		ShortID:       r.ShortID,
		Title:         r.Title,
		Content:       r.Content,
		ContentHash:   r.ContentHash,
		Language:      r.Language,
		IsPrivate:     r.IsPrivate,
		PasswordHash:  r.PasswordHash,
		BurnAfterRead: r.BurnAfterRead,
		IsBurned:      r.IsBurned,
		Tags:          []string(r.Tags),
		ViewCount:     r.ViewCount,
		DownloadCount: r.DownloadCount,
		SizeBytes:     r.SizeBytes,
		CreatedAt:     r.CreatedAt.UTC(),
		UpdatedAt:     r.UpdatedAt.UTC(),
	}
	if out.Tags == nil {
		out.Tags = []string{}
	}
	if r.ExpiresAt.Valid {
		t := r.ExpiresAt.Time.UTC()
		out.ExpiresAt = &t
	}
	if len(r.Metadata) > 0 && string(r.Metadata) != "{}" {
		if err := json.Unmarshal(r.Metadata, &out.Metadata); err != nil {
			return nil, errors.Wrap(err, "decode metadata")
		}
	}
	return out, nil
}

func isPgUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == pgUniqueViolation
}

func (p *Postgres) Create(ctx context.Context, paste *domain.Paste) error {
	meta := paste.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	mb, err := json.Marshal(meta)
	if err != nil {
		return errors.Wrap(err, "encode metadata")
	}
	tags := paste.Tags
	if tags == nil {
		tags = []string{}
	}
	ctx, cancel := context.WithTimeout(ctx, p.queryTimeout)
	defer cancel()
	q := `INSERT INTO pastes (id, short_id, title, content, content_hash, language, is_private, password_hash,
		expires_at, burn_after_read, is_burned, tags, view_count, download_count, size_bytes,
		created_at, updated_at, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, FALSE, $11, 0, 0, $12, $13, $14, $15)`
	_, err = p.db.ExecContext(ctx, q,
		paste.ID, paste.ShortID, paste.Title, paste.Content, paste.ContentHash, paste.Language,
		paste.IsPrivate, paste.PasswordHash, nullTime(paste.ExpiresAt), paste.BurnAfterRead,
		pq.Array(tags), paste.SizeBytes, paste.CreatedAt.UTC(), paste.UpdatedAt.UTC(), mb,
	)
	if isPgUniqueViolation(err) {
		return errors.Wrap(domain.ErrShortIDTaken, paste.ShortID)
	}
	return errors.Wrap(err, "insert paste")
}

func (p *Postgres) getOne(ctx context.Context, where string, args ...any) (*domain.Paste, error) {
	ctx, cancel := context.WithTimeout(ctx, p.queryTimeout)
	defer cancel()
	var row pgPaste
	err := p.db.GetContext(ctx, &row, `SELECT `+pasteColumns+` FROM pastes WHERE `+where, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrPasteNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "get paste")
	}
	return row.toDomain()
}

func (p *Postgres) GetByShortID(ctx context.Context, shortID string, now time.Time) (*domain.Paste, error) {
	return p.getOne(ctx, `short_id = $1 AND (expires_at IS NULL OR expires_at > $2) AND NOT is_burned`, shortID, now.UTC())
}
func (p *Postgres) FindByShortID(ctx context.Context, shortID string) (*domain.Paste, error) {
	return p.getOne(ctx, `short_id = $1`, shortID)
}
func (p *Postgres) GetByID(ctx context.Context, id string) (*domain.Paste, error) {
	return p.getOne(ctx, `id = $1`, id)
}

func (p *Postgres) list(ctx context.Context, q string, args ...any) ([]*domain.Paste, error) {
	ctx, cancel := context.WithTimeout(ctx, p.queryTimeout)
	defer cancel()
	var rows []pgPaste
	if err := p.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, errors.Wrap(err, "list pastes")
	}
	out := make([]*domain.Paste, 0, len(rows))
	for _, r := range rows {
		d, err := r.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

const pgVisiblePublic = `NOT is_private AND NOT is_burned AND (expires_at IS NULL OR expires_at > $1)`

func (p *Postgres) ListRecentPublic(ctx context.Context, limit int, now time.Time) ([]*domain.Paste, error) {
	q := `SELECT ` + pasteColumns + ` FROM pastes WHERE ` + pgVisiblePublic + ` ORDER BY created_at DESC LIMIT $2`
	return p.list(ctx, q, now.UTC(), limit)
}

// Search matches on lower(); Postgres has no full Unicode case fold, so
// the needle is lowered the same way rather than folded.
func (p *Postgres) Search(ctx context.Context, sq domain.SearchQuery, now time.Time) ([]*domain.Paste, error) {
	var b strings.Builder
	b.WriteString(`SELECT ` + pasteColumns + ` FROM pastes WHERE ` + pgVisiblePublic)
	b.WriteString(` AND (strpos(lower(title), $2) > 0 OR strpos(lower(content), $2) > 0)`)
	args := []any{now.UTC(), cases.Lower(language.Und).String(sq.Query)}
	if sq.Language != "" {
		args = append(args, sq.Language)
		b.WriteString(fmt.Sprintf(` AND language = $%d`, len(args)))
	}
	args = append(args, sq.Limit, sq.Offset)
	b.WriteString(fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args)))
	return p.list(ctx, b.String(), args...)
}

func (p *Postgres) ShortIDExists(ctx context.Context, shortID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, p.queryTimeout)
	defer cancel()
	var exists bool
	err := p.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM pastes WHERE short_id = $1)`, shortID)
	return exists, errors.Wrap(err, "exists check failed")
}

func (p *Postgres) exec(ctx context.Context, what, q string, args ...any) error {
	ctx, cancel := context.WithTimeout(ctx, p.queryTimeout)
	defer cancel()
	res, err := p.db.ExecContext(ctx, q, args...)
	if err != nil {
		return errors.Wrap(err, what)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrPasteNotFound
	}
	return nil
}

func (p *Postgres) IncrViews(ctx context.Context, id string) error {
	return p.exec(ctx, "incr views", `UPDATE pastes SET view_count = view_count + 1 WHERE id = $1`, id)
}
func (p *Postgres) IncrDownloads(ctx context.Context, id string) error {
	return p.exec(ctx, "incr downloads", `UPDATE pastes SET download_count = download_count + 1 WHERE id = $1`, id)
}
func (p *Postgres) Burn(ctx context.Context, id string) error {
	return p.exec(ctx, "burn paste", `UPDATE pastes SET is_burned = TRUE, updated_at = $2 WHERE id = $1`, id, time.Now().UTC())
}

func (p *Postgres) Delete(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, p.queryTimeout)
	defer cancel()
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin delete")
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM paste_views WHERE paste_id = $1`, id); err != nil {
		return errors.Wrap(err, "delete views")
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM pastes WHERE id = $1`, id)
	if err != nil {
		return errors.Wrap(err, "delete paste")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrPasteNotFound
	}
	return errors.Wrap(tx.Commit(), "commit delete")
}

// DeleteExpired relies on the ON DELETE CASCADE to drop views.
func (p *Postgres) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	q := `DELETE FROM pastes WHERE id IN (
		SELECT id FROM pastes WHERE expires_at IS NOT NULL AND expires_at <= $1 LIMIT $2)`
	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		qctx, cancel := context.WithTimeout(ctx, p.queryTimeout)
		res, err := p.db.ExecContext(qctx, q, now.UTC(), sweepBatch)
		cancel()
		if err != nil {
			return total, errors.Wrap(err, "delete expired")
		}
		n, _ := res.RowsAffected()
		total += int(n)
		if n < sweepBatch {
			return total, nil
		}
	}
}

func (p *Postgres) Ping(ctx context.Context) error {
	return errors.Wrap(p.db.PingContext(ctx), "postgres ping")
}

func (p *Postgres) AppendView(ctx context.Context, v *domain.PasteView) error {
	ctx, cancel := context.WithTimeout(ctx, p.queryTimeout)
	defer cancel()
	q := `INSERT INTO paste_views (id, paste_id, viewer_ip, viewer_country, viewer_city, user_agent, referer, viewed_at, session_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err := p.db.ExecContext(ctx, q,
		v.ID, v.PasteID, nullString(v.ViewerIP), nullString(v.ViewerCountry), nullString(v.ViewerCity),
		nullString(v.UserAgent), nullString(v.Referer), v.ViewedAt.UTC(), nullString(v.SessionID),
	)
	return errors.Wrap(err, "append view")
}

func (p *Postgres) count(ctx context.Context, q string, args ...any) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, p.queryTimeout)
	defer cancel()
	var n int64
	err := p.db.GetContext(ctx, &n, q, args...)
	return n, errors.Wrap(err, "count views")
}

func (p *Postgres) CountViews(ctx context.Context, pasteID string) (int64, error) {
	return p.count(ctx, `SELECT COUNT(*) FROM paste_views WHERE paste_id = $1`, pasteID)
}
func (p *Postgres) CountUniqueViewers(ctx context.Context, pasteID string) (int64, error) {
	return p.count(ctx, `SELECT COUNT(DISTINCT viewer_ip) FROM paste_views WHERE paste_id = $1`, pasteID)
}
func (p *Postgres) CountViewsSince(ctx context.Context, pasteID string, since time.Time) (int64, error) {
	return p.count(ctx, `SELECT COUNT(*) FROM paste_views WHERE paste_id = $1 AND viewed_at >= $2`, pasteID, since.UTC())
}

type dayCount struct {
	Day   string `db:"day"`
	Views int64  `db:"views"`
}

func (p *Postgres) ViewsByDay(ctx context.Context, pasteID string, since time.Time) (map[string]int64, error) {
	ctx, cancel := context.WithTimeout(ctx, p.queryTimeout)
	defer cancel()
	q := `SELECT to_char(viewed_at AT TIME ZONE 'UTC', 'YYYY-MM-DD') AS day, COUNT(*) AS views
		FROM paste_views WHERE paste_id = $1 AND viewed_at >= $2
		GROUP BY day`
	var rows []dayCount
	if err := p.db.SelectContext(ctx, &rows, q, pasteID, since.UTC()); err != nil {
		return nil, errors.Wrap(err, "views by day")
	}
	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[r.Day] = r.Views
	}
	return out, nil
}

type referrerRow struct {
	Referer string `db:"ref"`
	Views   int64  `db:"views"`
}

func (p *Postgres) TopReferrers(ctx context.Context, pasteID string, limit int) ([]domain.ReferrerCount, error) {
	ctx, cancel := context.WithTimeout(ctx, p.queryTimeout)
	defer cancel()
	q := `SELECT COALESCE(NULLIF(referer, ''), $2) AS ref, COUNT(*) AS views
		FROM paste_views WHERE paste_id = $1
		GROUP BY ref ORDER BY views DESC, ref ASC LIMIT $3`
	var rows []referrerRow
	if err := p.db.SelectContext(ctx, &rows, q, pasteID, domain.DirectReferer, limit); err != nil {
		return nil, errors.Wrap(err, "top referrers")
	}
	out := make([]domain.ReferrerCount, 0, len(rows))
	for _, r := range rows {
		out = append(out, domain.ReferrerCount{Referer: r.Referer, Views: r.Views})
	}
	return out, nil
}
