package svc

import (
	"context"
	"time"

	"pastebin/pkg/domain"
)

// PasteStore is the durable paste table. Lookups that take now hide rows
// that are burned or whose expiry is not after now. Missing rows come back
// as domain.ErrPasteNotFound.
type PasteStore interface {
	Create(ctx context.Context, p *domain.Paste) error
	GetByShortID(ctx context.Context, shortID string, now time.Time) (*domain.Paste, error)
	// FindByShortID ignores expiry and burn state.
	FindByShortID(ctx context.Context, shortID string) (*domain.Paste, error)
	GetByID(ctx context.Context, id string) (*domain.Paste, error)
	ListRecentPublic(ctx context.Context, limit int, now time.Time) ([]*domain.Paste, error)
	Search(ctx context.Context, q domain.SearchQuery, now time.Time) ([]*domain.Paste, error)
	// ShortIDExists covers every stored row, visible or not.
	ShortIDExists(ctx context.Context, shortID string) (bool, error)
	IncrViews(ctx context.Context, id string) error
	IncrDownloads(ctx context.Context, id string) error
	Burn(ctx context.Context, id string) error
	// Delete removes the paste and its views.
	Delete(ctx context.Context, id string) error
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
	Ping(ctx context.Context) error
}

// ViewStore is the append-only view event log.
type ViewStore interface {
	AppendView(ctx context.Context, v *domain.PasteView) error
	CountViews(ctx context.Context, pasteID string) (int64, error)
	CountUniqueViewers(ctx context.Context, pasteID string) (int64, error)
	CountViewsSince(ctx context.Context, pasteID string, since time.Time) (int64, error)
	// ViewsByDay buckets views at or after since by UTC date (YYYY-MM-DD).
	ViewsByDay(ctx context.Context, pasteID string, since time.Time) (map[string]int64, error)
	// TopReferrers groups by referer, empty ones under domain.DirectReferer,
	// most viewed first.
	TopReferrers(ctx context.Context, pasteID string, limit int) ([]domain.ReferrerCount, error)
}

// Store is a backend that serves both tables.
type Store interface {
	PasteStore
	ViewStore
}
