package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"sync/atomic"
	"time"

	"pastebin/pkg/domain"

	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

const driverName = "sqlite3_pastebin"

var ErrCircuitOpen = errors.New("database circuit breaker open")

const (
	circuitClosed   = 0
	circuitOpen     = 1
	circuitHalfOpen = 2
	maxFailures     = 5
	cooldownSeconds = 30
)

const (
	defaultMaxOpenConns = 100
	defaultMaxIdleConns = 10
	defaultQueryTimeout = 5 * time.Second
	sweepBatch          = 100
)

func init() {
	sql.Register(driverName, &sqlite3.SQLiteDriver{
		ConnectHook: func(conn *sqlite3.SQLiteConn) error {
			return conn.RegisterFunc("casefold", Fold, true)
		},
	})
}

// Fold is the case-insensitive matching key used by search: Unicode case
// folding followed by NFC.
func Fold(s string) string {
	return norm.NFC.String(cases.Fold().String(s))
}

type SQLite struct {
	db            *sql.DB
	failures      int32
	circuitState  int32
	circuitOpened int64
	queryTimeout  time.Duration
	memory        bool
}

func (s *SQLite) DB() *sql.DB {
	return s.db
}
func NewSQLite(path string) (*SQLite, error) {
	return NewSQLiteWithConfig(path, defaultMaxOpenConns, defaultMaxIdleConns, defaultQueryTimeout)
}

func NewSQLiteWithConfig(path string, maxOpenConns, maxIdleConns int, queryTimeout time.Duration) (*SQLite, error) {
	db, err := sql.Open(driverName, withForeignKeys(path))
	if err != nil {
		return nil, errors.Wrap(err, "failed to open db")
	}
	if queryTimeout <= 0 {
		queryTimeout = defaultQueryTimeout
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(1 * time.Hour)
	db.SetConnMaxIdleTime(10 * time.Minute)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to ping db")
	}
	s := &SQLite{
		db:           db,
		queryTimeout: queryTimeout,
		memory:       isMemoryDSN(path),
	}
	if err := s.migrate(s.memory); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "migration failed")
	}
	return s, nil
}

func withForeignKeys(path string) string {
	if strings.Contains(path, "_foreign_keys") || strings.Contains(path, "_fk=") {
		return path
	}
	if strings.Contains(path, "?") {
		return path + "&_foreign_keys=on"
	}
	return path + "?_foreign_keys=on"
}

func (s *SQLite) checkCircuit() error {
	state := atomic.LoadInt32(&s.circuitState)
	switch state {
	case circuitOpen:
		opened := atomic.LoadInt64(&s.circuitOpened)
		if time.Now().Unix()-opened >= cooldownSeconds {
			if atomic.CompareAndSwapInt32(&s.circuitState, circuitOpen, circuitHalfOpen) {
				return nil
			}
		}
		return ErrCircuitOpen
	default:
		return nil
	}
}
func (s *SQLite) recordError(err error) {
	if err == nil {
		atomic.StoreInt32(&s.failures, 0)
		atomic.StoreInt32(&s.circuitState, circuitClosed)
		return
	}
	if errors.Is(err, sql.ErrNoRows) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		isUniqueViolation(err) {
		return
	}
	failures := atomic.AddInt32(&s.failures, 1)
	if atomic.LoadInt32(&s.circuitState) == circuitHalfOpen {
		atomic.StoreInt32(&s.circuitState, circuitOpen)
		atomic.StoreInt64(&s.circuitOpened, time.Now().Unix())
		atomic.StoreInt32(&s.failures, 0)
		return
	}
	if failures >= maxFailures && atomic.LoadInt32(&s.circuitState) == circuitClosed {
		atomic.StoreInt32(&s.circuitState, circuitOpen)
		atomic.StoreInt64(&s.circuitOpened, time.Now().Unix())
	}
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func isMemoryDSN(path string) bool {
	return strings.Contains(path, ":memory:") || strings.Contains(path, "mode=memory")
}

func (s *SQLite) migrate(memory bool) error {
	if !memory {
		if _, err := s.db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			return errors.Wrap(err, "enable WAL mode")
		}
	}
	if _, err := s.db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		return errors.Wrap(err, "set busy timeout")
	}
	query := `
	CREATE TABLE IF NOT EXISTS pastes (
		id TEXT PRIMARY KEY,
		short_id TEXT NOT NULL UNIQUE,
		title TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		language TEXT NOT NULL DEFAULT 'text',
		is_private INTEGER NOT NULL DEFAULT 0,
		password_hash TEXT NOT NULL DEFAULT '',
		expires_at DATETIME,
		burn_after_read INTEGER NOT NULL DEFAULT 0,
		is_burned INTEGER NOT NULL DEFAULT 0,
		tags TEXT NOT NULL DEFAULT '[]',
		view_count INTEGER NOT NULL DEFAULT 0,
		download_count INTEGER NOT NULL DEFAULT 0,
		size_bytes INTEGER NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		metadata TEXT NOT NULL DEFAULT '{}'
	);
	CREATE INDEX IF NOT EXISTS idx_pastes_created_at ON pastes(created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_pastes_expires_at ON pastes(expires_at) WHERE expires_at IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_pastes_language ON pastes(language);
	CREATE INDEX IF NOT EXISTS idx_pastes_is_private ON pastes(is_private);
	CREATE TABLE IF NOT EXISTS paste_views (
		id TEXT PRIMARY KEY,
		paste_id TEXT NOT NULL REFERENCES pastes(id) ON DELETE CASCADE,
		viewer_ip TEXT,
		viewer_country TEXT,
		viewer_city TEXT,
		user_agent TEXT,
		referer TEXT,
		viewed_at DATETIME NOT NULL,
		session_id TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_paste_views_paste_id ON paste_views(paste_id);
	CREATE INDEX IF NOT EXISTS idx_paste_views_viewed_at ON paste_views(viewed_at DESC);
	`
	_, err := s.db.Exec(query)
	return err
}

const pasteColumns = `id, short_id, title, content, content_hash, language, is_private, password_hash,
	expires_at, burn_after_read, is_burned, tags, view_count, download_count, size_bytes,
	created_at, updated_at, metadata`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPaste(row rowScanner) (*domain.Paste, error) {
	var p domain.Paste
	var expires sql.NullTime
	var tags, meta string
	err := row.Scan(&p.ID, &p.ShortID, &p.Title, &p.Content, &p.ContentHash, &p.Language, &p.IsPrivate, &p.PasswordHash,
		&expires, &p.BurnAfterRead, &p.IsBurned, &tags, &p.ViewCount, &p.DownloadCount, &p.SizeBytes,
		&p.CreatedAt, &p.UpdatedAt, &meta)
	if err != nil {
		return nil, err
	}
	if expires.Valid {
		t := expires.Time.UTC()
		p.ExpiresAt = &t
	}
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	if err := json.Unmarshal([]byte(tags), &p.Tags); err != nil {
		return nil, errors.Wrap(err, "decode tags")
	}
	if meta != "" && meta != "{}" {
		if err := json.Unmarshal([]byte(meta), &p.Metadata); err != nil {
			return nil, errors.Wrap(err, "decode metadata")
		}
	}
	return &p, nil
}

func encodeBlobs(p *domain.Paste) (tags, meta string, err error) {
	t := p.Tags
	if t == nil {
		t = []string{}
	}
	tb, err := json.Marshal(t)
	if err != nil {
		return "", "", errors.Wrap(err, "encode tags")
	}
	m := p.Metadata
	if m == nil {
		m = map[string]any{}
	}
	mb, err := json.Marshal(m)
	if err != nil {
		return "", "", errors.Wrap(err, "encode metadata")
	}
	return string(tb), string(mb), nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func (s *SQLite) Create(ctx context.Context, p *domain.Paste) error {
	if err := s.checkCircuit(); err != nil {
		return err
	}
	tags, meta, err := encodeBlobs(p)
	if err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	q := `
	INSERT INTO pastes (id, short_id, title, content, content_hash, language, is_private, password_hash,
		expires_at, burn_after_read, is_burned, tags, view_count, download_count, size_bytes,
		created_at, updated_at, metadata)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, 0, 0, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(queryCtx, q,
		p.ID, p.ShortID, p.Title, p.Content, p.ContentHash, p.Language, p.IsPrivate, p.PasswordHash,
		nullTime(p.ExpiresAt), p.BurnAfterRead, tags, p.SizeBytes,
		p.CreatedAt.UTC(), p.UpdatedAt.UTC(), meta,
	)
	s.recordError(err)
	if isUniqueViolation(err) {
		return errors.Wrap(domain.ErrShortIDTaken, p.ShortID)
	}
	return errors.Wrap(err, "db create")
}

func (s *SQLite) getOne(ctx context.Context, where string, args ...any) (*domain.Paste, error) {
	if err := s.checkCircuit(); err != nil {
		return nil, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	p, err := scanPaste(s.db.QueryRowContext(queryCtx, `SELECT `+pasteColumns+` FROM pastes WHERE `+where, args...))
	if err == sql.ErrNoRows {
		return nil, domain.ErrPasteNotFound
	}
	s.recordError(err)
	if err != nil {
		return nil, errors.Wrap(err, "db get")
	}
	return p, nil
}

func (s *SQLite) GetByShortID(ctx context.Context, shortID string, now time.Time) (*domain.Paste, error) {
	return s.getOne(ctx, `short_id = ? AND (expires_at IS NULL OR expires_at > ?) AND is_burned = 0`, shortID, now.UTC())
}
func (s *SQLite) FindByShortID(ctx context.Context, shortID string) (*domain.Paste, error) {
	return s.getOne(ctx, `short_id = ?`, shortID)
}
func (s *SQLite) GetByID(ctx context.Context, id string) (*domain.Paste, error) {
	return s.getOne(ctx, `id = ?`, id)
}

func (s *SQLite) list(ctx context.Context, q string, args ...any) ([]*domain.Paste, error) {
	if err := s.checkCircuit(); err != nil {
		return nil, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	rows, err := s.db.QueryContext(queryCtx, q, args...)
	s.recordError(err)
	if err != nil {
		return nil, errors.Wrap(err, "db list")
	}
	defer rows.Close()
	out := make([]*domain.Paste, 0)
	for rows.Next() {
		p, err := scanPaste(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan paste")
		}
		out = append(out, p)
	}
	return out, errors.Wrap(rows.Err(), "iterate pastes")
}

const visiblePublic = `is_private = 0 AND is_burned = 0 AND (expires_at IS NULL OR expires_at > ?)`

func (s *SQLite) ListRecentPublic(ctx context.Context, limit int, now time.Time) ([]*domain.Paste, error) {
	q := `SELECT ` + pasteColumns + ` FROM pastes WHERE ` + visiblePublic + ` ORDER BY created_at DESC LIMIT ?`
	return s.list(ctx, q, now.UTC(), limit)
}

func (s *SQLite) Search(ctx context.Context, sq domain.SearchQuery, now time.Time) ([]*domain.Paste, error) {
	var b strings.Builder
	b.WriteString(`SELECT ` + pasteColumns + ` FROM pastes WHERE ` + visiblePublic)
	b.WriteString(` AND (instr(casefold(title), ?) > 0 OR instr(casefold(content), ?) > 0)`)
	needle := Fold(sq.Query)
	args := []any{now.UTC(), needle, needle}
	if sq.Language != "" {
		b.WriteString(` AND language = ?`)
		args = append(args, sq.Language)
	}
	b.WriteString(` ORDER BY created_at DESC LIMIT ? OFFSET ?`)
	args = append(args, sq.Limit, sq.Offset)
	return s.list(ctx, b.String(), args...)
}

func (s *SQLite) ShortIDExists(ctx context.Context, shortID string) (bool, error) {
	if err := s.checkCircuit(); err != nil {
		return false, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	var exists int
	err := s.db.QueryRowContext(queryCtx, `SELECT 1 FROM pastes WHERE short_id = ? LIMIT 1`, shortID).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	s.recordError(err)
	if err != nil {
		return false, errors.Wrap(err, "exists check failed")
	}
	return exists == 1, nil
}

func (s *SQLite) exec(ctx context.Context, what, q string, args ...any) error {
	if err := s.checkCircuit(); err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	res, err := s.db.ExecContext(queryCtx, q, args...)
	s.recordError(err)
	if err != nil {
		return errors.Wrap(err, what)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrPasteNotFound
	}
	return nil
}

func (s *SQLite) IncrViews(ctx context.Context, id string) error {
	return s.exec(ctx, "incr views", `UPDATE pastes SET view_count = view_count + 1 WHERE id = ?`, id)
}
func (s *SQLite) IncrDownloads(ctx context.Context, id string) error {
	return s.exec(ctx, "incr downloads", `UPDATE pastes SET download_count = download_count + 1 WHERE id = ?`, id)
}
func (s *SQLite) Burn(ctx context.Context, id string) error {
	return s.exec(ctx, "burn paste", `UPDATE pastes SET is_burned = 1, updated_at = ? WHERE id = ?`, time.Now().UTC(), id)
}

func (s *SQLite) Delete(ctx context.Context, id string) error {
	if err := s.checkCircuit(); err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	tx, err := s.db.BeginTx(queryCtx, nil)
	if err != nil {
		s.recordError(err)
		return errors.Wrap(err, "begin delete")
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(queryCtx, `DELETE FROM paste_views WHERE paste_id = ?`, id); err != nil {
		s.recordError(err)
		return errors.Wrap(err, "delete views")
	}
	res, err := tx.ExecContext(queryCtx, `DELETE FROM pastes WHERE id = ?`, id)
	if err != nil {
		s.recordError(err)
		return errors.Wrap(err, "delete paste")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrPasteNotFound
	}
	err = tx.Commit()
	s.recordError(err)
	return errors.Wrap(err, "commit delete")
}

func (s *SQLite) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	if err := s.checkCircuit(); err != nil {
		return 0, err
	}
	total := 0
	for {
		select {
		case <-ctx.Done():
			return total, ctx.Err()
		default:
		}
		n, err := s.deleteExpiredBatch(ctx, now.UTC())
		total += n
		if err != nil {
			return total, err
		}
		if n < sweepBatch {
			return total, nil
		}
	}
}

func (s *SQLite) deleteExpiredBatch(ctx context.Context, now time.Time) (int, error) {
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	tx, err := s.db.BeginTx(queryCtx, nil)
	if err != nil {
		s.recordError(err)
		return 0, errors.Wrap(err, "begin sweep")
	}
	defer tx.Rollback()
	sel := `SELECT id FROM pastes WHERE expires_at IS NOT NULL AND expires_at <= ? LIMIT ?`
	rows, err := tx.QueryContext(queryCtx, sel, now, sweepBatch)
	if err != nil {
		s.recordError(err)
		return 0, errors.Wrap(err, "select expired")
	}
	var ids []any
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, errors.Wrap(err, "scan expired id")
		}
		ids = append(ids, id)
	}
	rows.Close()
	if len(ids) == 0 {
		return 0, nil
	}
	in := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	if _, err := tx.ExecContext(queryCtx, `DELETE FROM paste_views WHERE paste_id IN (`+in+`)`, ids...); err != nil {
		s.recordError(err)
		return 0, errors.Wrap(err, "delete expired views")
	}
	res, err := tx.ExecContext(queryCtx, `DELETE FROM pastes WHERE id IN (`+in+`)`, ids...)
	if err != nil {
		s.recordError(err)
		return 0, errors.Wrap(err, "delete expired pastes")
	}
	if err := tx.Commit(); err != nil {
		s.recordError(err)
		return 0, errors.Wrap(err, "commit sweep")
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
