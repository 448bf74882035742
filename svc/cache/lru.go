package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"pastebin/pkg/domain"

	lru "github.com/hashicorp/golang-lru/v2"
)

// LRU holds analytics summaries per paste id for a short TTL.
type LRU struct {
	c   *lru.Cache[string, item]
	mu  sync.Mutex
	ttl time.Duration
	now func() time.Time
}
type item struct {
	summary *domain.Summary
	exp     time.Time
}

func NewLRU(size int, ttl time.Duration) (*LRU, error) {
	if size <= 0 {
		return nil, errors.New("cache size must be positive")
	}
	if size > 100000 {
		return nil, errors.New("cache size too large")
	}
	if ttl <= 0 {
		return nil, errors.New("cache ttl must be positive")
	}
	c, err := lru.New[string, item](size)
	if err != nil {
		return nil, err
	}
	return &LRU{c: c, ttl: ttl, now: time.Now}, nil
}

// Get returns a copy so callers cannot mutate the cached value.
func (l *LRU) Get(ctx context.Context, pasteID string) (*domain.Summary, bool) {
	select {
	case <-ctx.Done():
		return nil, false
	default:
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	it, ok := l.c.Get(pasteID)
	if !ok {
		return nil, false
	}
	if !l.now().Before(it.exp) {
		l.c.Remove(pasteID)
		return nil, false
	}
	return it.summary.Clone(), true
}
func (l *LRU) Set(pasteID string, s *domain.Summary) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.c.Add(pasteID, item{
		summary: s.Clone(),
		exp:     l.now().Add(l.ttl),
	})
}
func (l *LRU) Delete(pasteID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.c.Remove(pasteID)
}
func (l *LRU) Len() int {
	return l.c.Len()
}
