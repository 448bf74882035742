package db

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"pastebin/pkg/domain"
	"pastebin/svc/util"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var memSeq int64

func newTestSQLite(t *testing.T) *SQLite {
	t.Helper()
	dsn := fmt.Sprintf("file:pastes%d?mode=memory&cache=shared", atomic.AddInt64(&memSeq, 1))
	s, err := NewSQLiteWithConfig(dsn, 1, 1, 5*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

var t0 = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

func mkPaste(shortID, title, content string, at time.Time) *domain.Paste {
	return &domain.Paste{
		ID:          uuid.NewString(),
		ShortID:     shortID,
		Title:       title,
		Content:     content,
		ContentHash: util.ContentHash(content),
		Language:    domain.DefaultLanguage,
		SizeBytes:   len(content),
		CreatedAt:   at,
		UpdatedAt:   at,
	}
}

func TestSQLiteCreateAndGet(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	p := mkPaste("abc123", "hello", "hello world", t0)
	p.Tags = []string{"go", "demo"}
	p.Metadata = map[string]any{"source": "cli"}
	require.NoError(t, s.Create(ctx, p))

	got, err := s.GetByShortID(ctx, "abc123", t0)
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ID)
	assert.Equal(t, "hello world", got.Content)
	assert.Equal(t, []string{"go", "demo"}, got.Tags)
	assert.Equal(t, "cli", got.Metadata["source"])
	assert.True(t, got.CreatedAt.Equal(t0))
	assert.Nil(t, got.ExpiresAt)

	_, err = s.GetByShortID(ctx, "nope", t0)
	assert.ErrorIs(t, err, domain.ErrPasteNotFound)
}

func TestSQLiteDuplicateShortID(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, mkPaste("dup", "", "a", t0)))
	err := s.Create(ctx, mkPaste("dup", "", "b", t0))
	assert.ErrorIs(t, err, domain.ErrShortIDTaken)

	ok, err := s.ShortIDExists(ctx, "dup")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.ShortIDExists(ctx, "free")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSQLiteExpiryAndBurnHideRows(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	exp := t0.Add(time.Hour)
	p := mkPaste("exp", "", "x", t0)
	p.ExpiresAt = &exp
	require.NoError(t, s.Create(ctx, p))

	_, err := s.GetByShortID(ctx, "exp", t0.Add(59*time.Minute))
	require.NoError(t, err)
	_, err = s.GetByShortID(ctx, "exp", exp)
	assert.ErrorIs(t, err, domain.ErrPasteNotFound)

	found, err := s.FindByShortID(ctx, "exp")
	require.NoError(t, err)
	assert.Equal(t, p.ID, found.ID)

	b := mkPaste("burn", "", "y", t0)
	b.BurnAfterRead = true
	require.NoError(t, s.Create(ctx, b))
	require.NoError(t, s.Burn(ctx, b.ID))
	_, err = s.GetByShortID(ctx, "burn", t0)
	assert.ErrorIs(t, err, domain.ErrPasteNotFound)
	burned, err := s.GetByID(ctx, b.ID)
	require.NoError(t, err)
	assert.True(t, burned.IsBurned)
}

func TestSQLiteListRecentPublic(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Create(ctx, mkPaste(fmt.Sprintf("pub%d", i), "", "c", t0.Add(time.Duration(i)*time.Minute))))
	}
	priv := mkPaste("priv", "", "c", t0.Add(time.Hour))
	priv.IsPrivate = true
	require.NoError(t, s.Create(ctx, priv))
	past := t0.Add(-time.Minute)
	gone := mkPaste("gone", "", "c", t0.Add(time.Hour))
	gone.ExpiresAt = &past
	require.NoError(t, s.Create(ctx, gone))

	list, err := s.ListRecentPublic(ctx, 2, t0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "pub2", list[0].ShortID)
	assert.Equal(t, "pub1", list[1].ShortID)
}

func TestSQLiteSearchFoldsCase(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, mkPaste("s1", "Straße notes", "body", t0)))
	require.NoError(t, s.Create(ctx, mkPaste("s2", "other", "contains HELLO there", t0.Add(time.Minute))))
	py := mkPaste("s3", "hello py", "print()", t0.Add(2*time.Minute))
	py.Language = "python"
	require.NoError(t, s.Create(ctx, py))

	res, err := s.Search(ctx, domain.SearchQuery{Query: "hello", Limit: 10}, t0)
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.Equal(t, "s3", res[0].ShortID)
	assert.Equal(t, "s2", res[1].ShortID)

	res, err = s.Search(ctx, domain.SearchQuery{Query: "STRASSE", Limit: 10}, t0)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "s1", res[0].ShortID)

	res, err = s.Search(ctx, domain.SearchQuery{Query: "hello", Language: "python", Limit: 10}, t0)
	require.NoError(t, err)
	require.Len(t, res, 1)

	res, err = s.Search(ctx, domain.SearchQuery{Query: "hello", Limit: 10, Offset: 1}, t0)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "s2", res[0].ShortID)
}

func TestSQLiteCounters(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	p := mkPaste("cnt", "", "c", t0)
	require.NoError(t, s.Create(ctx, p))
	require.NoError(t, s.IncrViews(ctx, p.ID))
	require.NoError(t, s.IncrViews(ctx, p.ID))
	require.NoError(t, s.IncrDownloads(ctx, p.ID))
	got, err := s.GetByID(ctx, p.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, got.ViewCount)
	assert.EqualValues(t, 1, got.DownloadCount)
	assert.ErrorIs(t, s.IncrViews(ctx, "missing"), domain.ErrPasteNotFound)
}

func addView(t *testing.T, s *SQLite, pasteID, ip, referer string, at time.Time) {
	t.Helper()
	require.NoError(t, s.AppendView(context.Background(), &domain.PasteView{
		ID: uuid.NewString(), PasteID: pasteID, ViewerIP: ip, Referer: referer, ViewedAt: at,
	}))
}

func TestSQLiteViewAggregates(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	p := mkPaste("v", "", "c", t0)
	require.NoError(t, s.Create(ctx, p))
	addView(t, s, p.ID, "1.1.1.1", "https://a.example", t0)
	addView(t, s, p.ID, "1.1.1.1", "", t0.Add(time.Hour))
	addView(t, s, p.ID, "2.2.2.2", "https://b.example", t0.Add(-48*time.Hour))
	addView(t, s, p.ID, "", "https://a.example", t0.Add(-10*24*time.Hour))

	n, err := s.CountViews(ctx, p.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 4, n)

	n, err = s.CountUniqueViewers(ctx, p.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	n, err = s.CountViewsSince(ctx, p.ID, t0.Add(-7*24*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)

	days, err := s.ViewsByDay(ctx, p.ID, t0.Add(-30*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"2024-03-10": 2, "2024-03-08": 1, "2024-02-29": 1}, days)

	refs, err := s.TopReferrers(ctx, p.ID, 10)
	require.NoError(t, err)
	assert.Equal(t, []domain.ReferrerCount{
		{Referer: "https://a.example", Views: 2},
		{Referer: "Direct", Views: 1},
		{Referer: "https://b.example", Views: 1},
	}, refs)
}

func TestSQLiteViewWindowBoundaries(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	p := mkPaste("win", "", "c", t0)
	require.NoError(t, s.Create(ctx, p))
	midnight := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
	addView(t, s, p.ID, "1.1.1.1", "", midnight)
	addView(t, s, p.ID, "1.1.1.1", "", midnight.Add(-time.Second))
	addView(t, s, p.ID, "1.1.1.1", "", midnight.AddDate(0, 0, -3))
	addView(t, s, p.ID, "1.1.1.1", "", midnight.AddDate(0, 0, -8))
	addView(t, s, p.ID, "1.1.1.1", "", midnight.AddDate(0, 0, -40))

	n, err := s.CountViewsSince(ctx, p.ID, midnight)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	n, err = s.CountViewsSince(ctx, p.ID, midnight.AddDate(0, 0, -7))
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)

	days, err := s.ViewsByDay(ctx, p.ID, midnight.AddDate(0, 0, -30))
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{
		"2024-03-10": 1,
		"2024-03-09": 1,
		"2024-03-07": 1,
		"2024-03-02": 1,
	}, days)
}

func TestSQLiteDeleteRemovesViews(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	p := mkPaste("del", "", "c", t0)
	require.NoError(t, s.Create(ctx, p))
	addView(t, s, p.ID, "1.1.1.1", "", t0)

	require.NoError(t, s.Delete(ctx, p.ID))
	n, err := s.CountViews(ctx, p.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.ErrorIs(t, s.Delete(ctx, p.ID), domain.ErrPasteNotFound)
}

func TestSQLiteDeleteExpired(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	past := t0.Add(-time.Second)
	for i := 0; i < sweepBatch+5; i++ {
		p := mkPaste(fmt.Sprintf("old%d", i), "", "c", t0.Add(-time.Hour))
		p.ExpiresAt = &past
		require.NoError(t, s.Create(ctx, p))
		if i == 0 {
			addView(t, s, p.ID, "", "", t0.Add(-time.Hour))
		}
	}
	keep := mkPaste("keep", "", "c", t0)
	require.NoError(t, s.Create(ctx, keep))

	n, err := s.DeleteExpired(ctx, t0)
	require.NoError(t, err)
	assert.Equal(t, sweepBatch+5, n)

	_, err = s.FindByShortID(ctx, "keep")
	assert.NoError(t, err)
	_, err = s.FindByShortID(ctx, "old0")
	assert.ErrorIs(t, err, domain.ErrPasteNotFound)
}

func TestSQLitePing(t *testing.T) {
	s := newTestSQLite(t)
	assert.NoError(t, s.Ping(context.Background()))
}
