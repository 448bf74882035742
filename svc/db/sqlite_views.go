package db

import (
	"context"
	"database/sql"
	"time"

	"pastebin/pkg/domain"

	"github.com/pkg/errors"
)

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func (s *SQLite) AppendView(ctx context.Context, v *domain.PasteView) error {
	if err := s.checkCircuit(); err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	q := `
	INSERT INTO paste_views (id, paste_id, viewer_ip, viewer_country, viewer_city, user_agent, referer, viewed_at, session_id)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(queryCtx, q,
		v.ID, v.PasteID, nullString(v.ViewerIP), nullString(v.ViewerCountry), nullString(v.ViewerCity),
		nullString(v.UserAgent), nullString(v.Referer), v.ViewedAt.UTC(), nullString(v.SessionID),
	)
	s.recordError(err)
	return errors.Wrap(err, "append view")
}

func (s *SQLite) count(ctx context.Context, q string, args ...any) (int64, error) {
	if err := s.checkCircuit(); err != nil {
		return 0, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	var n int64
	err := s.db.QueryRowContext(queryCtx, q, args...).Scan(&n)
	s.recordError(err)
	return n, errors.Wrap(err, "count views")
}

func (s *SQLite) CountViews(ctx context.Context, pasteID string) (int64, error) {
	return s.count(ctx, `SELECT COUNT(*) FROM paste_views WHERE paste_id = ?`, pasteID)
}
func (s *SQLite) CountUniqueViewers(ctx context.Context, pasteID string) (int64, error) {
	return s.count(ctx, `SELECT COUNT(DISTINCT viewer_ip) FROM paste_views WHERE paste_id = ?`, pasteID)
}
func (s *SQLite) CountViewsSince(ctx context.Context, pasteID string, since time.Time) (int64, error) {
	return s.count(ctx, `SELECT COUNT(*) FROM paste_views WHERE paste_id = ? AND viewed_at >= ?`, pasteID, since.UTC())
}

// ViewsByDay buckets in Go: SQLite date() does not parse the driver's
// nanosecond timestamp layout reliably.
func (s *SQLite) ViewsByDay(ctx context.Context, pasteID string, since time.Time) (map[string]int64, error) {
	if err := s.checkCircuit(); err != nil {
		return nil, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	rows, err := s.db.QueryContext(queryCtx,
		`SELECT viewed_at FROM paste_views WHERE paste_id = ? AND viewed_at >= ?`, pasteID, since.UTC())
	s.recordError(err)
	if err != nil {
		return nil, errors.Wrap(err, "views by day")
	}
	defer rows.Close()
	out := make(map[string]int64)
	for rows.Next() {
		var at time.Time
		if err := rows.Scan(&at); err != nil {
			return nil, errors.Wrap(err, "scan viewed_at")
		}
		out[at.UTC().Format(time.DateOnly)]++
	}
	return out, errors.Wrap(rows.Err(), "iterate views")
}

func (s *SQLite) TopReferrers(ctx context.Context, pasteID string, limit int) ([]domain.ReferrerCount, error) {
	if err := s.checkCircuit(); err != nil {
		return nil, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	q := `
	SELECT COALESCE(NULLIF(referer, ''), ?) AS ref, COUNT(*) AS views
	FROM paste_views
	WHERE paste_id = ?
	GROUP BY ref
	ORDER BY views DESC, ref ASC
	LIMIT ?
	`
	rows, err := s.db.QueryContext(queryCtx, q, domain.DirectReferer, pasteID, limit)
	s.recordError(err)
	if err != nil {
		return nil, errors.Wrap(err, "top referrers")
	}
	defer rows.Close()
	out := make([]domain.ReferrerCount, 0)
	for rows.Next() {
		var rc domain.ReferrerCount
		if err := rows.Scan(&rc.Referer, &rc.Views); err != nil {
			return nil, errors.Wrap(err, "scan referrer")
		}
		out = append(out, rc)
	}
	return out, errors.Wrap(rows.Err(), "iterate referrers")
}

func (s *SQLite) Ping(ctx context.Context) error {
	var one int
	err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&one)
	s.recordError(err)
	return errors.Wrap(err, "sqlite ping")
}
