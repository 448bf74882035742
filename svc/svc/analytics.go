package svc

import (
	"context"
	"hash/maphash"
	"sync"
	"time"

	"pastebin/metrics"
	"pastebin/pkg/domain"
	"pastebin/svc/cache"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const (
	computeTimeout = 10 * time.Second
	genStripes     = 64
)

// Analytics computes per-paste view summaries from the event log.
type Analytics struct {
	views ViewStore
	cache *cache.LRU
	group singleflight.Group
	now   func() time.Time
	seed  maphash.Seed
	// gens is bumped by Invalidate; a summary is cached only if its
	// stripe did not move while it was computed.
	mu   sync.Mutex
	gens [genStripes]uint64
}

// NewAnalytics builds the aggregator. A nil cache recomputes every call.
func NewAnalytics(views ViewStore, c *cache.LRU) *Analytics {
	return &Analytics{views: views, cache: c, now: time.Now, seed: maphash.MakeSeed()}
}

func (a *Analytics) stripe(pasteID string) int {
	return int(maphash.String(a.seed, pasteID) % genStripes)
}

func (a *Analytics) Invalidate(pasteID string) {
	if a.cache == nil {
		return
	}
	a.mu.Lock()
	a.gens[a.stripe(pasteID)]++
	a.cache.Delete(pasteID)
	a.mu.Unlock()
}

func (a *Analytics) generation(pasteID string) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.gens[a.stripe(pasteID)]
}

func (a *Analytics) store(pasteID string, s *domain.Summary, gen uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.gens[a.stripe(pasteID)] == gen {
		a.cache.Set(pasteID, s)
	}
}

func (a *Analytics) Summarize(ctx context.Context, pasteID string) (*domain.Summary, error) {
	if a.cache != nil {
		if s, ok := a.cache.Get(ctx, pasteID); ok {
			metrics.CacheHits.WithLabelValues("analytics").Inc()
			return s, nil
		}
		metrics.CacheMisses.WithLabelValues("analytics").Inc()
	}
	// The shared computation must outlive whichever caller started it.
	ch := a.group.DoChan(pasteID, func() (any, error) {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), computeTimeout)
		defer cancel()
		gen := a.generation(pasteID)
		s, err := a.compute(cctx, pasteID)
		if err != nil {
			return nil, err
		}
		if a.cache != nil {
			a.store(pasteID, s, gen)
		}
		return s, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*domain.Summary).Clone(), nil
	}
}

func (a *Analytics) compute(ctx context.Context, pasteID string) (*domain.Summary, error) {
	now := a.now().UTC()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	s := &domain.Summary{}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		s.TotalViews, err = a.views.CountViews(gctx, pasteID)
		return errors.Wrap(err, "total views")
	})
	g.Go(func() (err error) {
		s.UniqueViews, err = a.views.CountUniqueViewers(gctx, pasteID)
		return errors.Wrap(err, "unique views")
	})
	g.Go(func() (err error) {
		s.ViewsToday, err = a.views.CountViewsSince(gctx, pasteID, today)
		return errors.Wrap(err, "views today")
	})
	g.Go(func() (err error) {
		s.ViewsThisWeek, err = a.views.CountViewsSince(gctx, pasteID, today.AddDate(0, 0, -7))
		return errors.Wrap(err, "views this week")
	})
	g.Go(func() (err error) {
		s.ViewsByDay, err = a.views.ViewsByDay(gctx, pasteID, today.AddDate(0, 0, -domain.AnalyticsDays))
		return errors.Wrap(err, "views by day")
	})
	g.Go(func() (err error) {
		s.TopReferrers, err = a.views.TopReferrers(gctx, pasteID, domain.TopReferrersLimit)
		return errors.Wrap(err, "top referrers")
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if s.ViewsByDay == nil {
		s.ViewsByDay = map[string]int64{}
	}
	if s.TopReferrers == nil {
		s.TopReferrers = []domain.ReferrerCount{}
	}
	return s, nil
}
