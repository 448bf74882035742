package lim

import (
	"context"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"pastebin/svc/util"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

const (
	maxLimiters     = 10000
	cleanupInterval = 5 * time.Minute
	limiterTTL      = 30 * time.Minute
	adaptiveWindow  = 60 * time.Second
	redisBudget     = 100 * time.Millisecond
)

// Window counts hits in a fixed window shared between instances.
type Window interface {
	RateLimit(ctx context.Context, key string, limit int, window time.Duration) (int, error)
}

// Limiter applies a per-IP token bucket locally and, when a shared window
// is configured, a per-IP fixed window across all instances.
type Limiter struct {
	shared            Window
	trustedProxies    []string
	detector          *AnomalyDetector
	adaptiveModeUntil int64
	localLimiters     map[string]*limiterEntry
	mu                sync.Mutex
	rpm               int
	burst             int
	quit              chan struct{}
	stopOnce          sync.Once
	evictionSem       chan struct{}
	now               func() time.Time
}
type limiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}
type RateLimitResult struct {
	Allowed   bool
	Limit     int
	Remaining int
	Reset     time.Time
}

func New(rpm, burst int, shared Window, trustedProxies []string) (*Limiter, error) {
	if rpm <= 0 {
		return nil, errors.New("rpm must be positive")
	}
	if burst <= 0 {
		burst = 1
	}
	for _, proxy := range trustedProxies {
		if strings.Contains(proxy, "/") {
			if _, _, err := net.ParseCIDR(proxy); err != nil {
				return nil, errors.Wrapf(err, "invalid CIDR in trusted proxies: %s", proxy)
			}
		} else if net.ParseIP(proxy) == nil {
			return nil, errors.Errorf("invalid IP in trusted proxies: %s", proxy)
		}
	}
	l := &Limiter{
		shared:         shared,
		trustedProxies: trustedProxies,
		localLimiters:  make(map[string]*limiterEntry),
		rpm:            rpm,
		burst:          burst,
		quit:           make(chan struct{}),
		evictionSem:    make(chan struct{}, 1),
		now:            time.Now,
	}
	l.detector = NewAnomalyDetector(l.TriggerAdaptiveMode)
	return l, nil
}

// Start runs the background eviction and error-rate loops.
func (l *Limiter) Start() {
	l.detector.Start()
	go l.cleanupLoop()
}

func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.evictExpiredLimiters()
		case <-l.quit:
			return
		}
	}
}
func (l *Limiter) evictExpiredLimiters() {
	now := l.now()
	l.mu.Lock()
	evicted := 0
	for key, entry := range l.localLimiters {
		if now.Sub(entry.lastAccess) > limiterTTL {
			delete(l.localLimiters, key)
			evicted++
		}
	}
	remaining := len(l.localLimiters)
	l.mu.Unlock()
	if evicted > 0 {
		util.Debug().Int("evicted", evicted).Int("remaining", remaining).Msg("rate limiter cleanup")
	}
}
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() {
		close(l.quit)
		l.detector.Stop()
	})
}

// TriggerAdaptiveMode halves every limit for the next minute.
func (l *Limiter) TriggerAdaptiveMode() {
	atomic.StoreInt64(&l.adaptiveModeUntil, l.now().Add(adaptiveWindow).Unix())
}
func (l *Limiter) isAdaptiveMode() bool {
	return l.now().Unix() < atomic.LoadInt64(&l.adaptiveModeUntil)
}
func (l *Limiter) RecordRequest() {
	l.detector.RecordRequest()
}
func (l *Limiter) RecordError() {
	l.detector.RecordError()
}

func (l *Limiter) effective(v int) int {
	if l.isAdaptiveMode() {
		v /= 2
	}
	if v < 1 {
		v = 1
	}
	return v
}

// Allow charges one request from ip against endpoint.
func (l *Limiter) Allow(ctx context.Context, ip, endpoint string) *RateLimitResult {
	now := l.now()
	limit := l.effective(l.rpm)
	local := l.allowLocal(ip, endpoint, now)
	if !local.Allowed || l.shared == nil {
		return local
	}
	ctx, cancel := context.WithTimeout(ctx, redisBudget)
	defer cancel()
	usage, err := l.shared.RateLimit(ctx, ip+":"+endpoint, limit, time.Minute)
	if err != nil {
		util.Warn().Err(err).Msg("shared rate window unavailable, using local limiter")
		return local
	}
	remaining := limit - usage
	if remaining < 0 {
		remaining = 0
	}
	return &RateLimitResult{
		Allowed:   usage <= limit,
		Limit:     limit,
		Remaining: remaining,
		Reset:     now.Add(time.Minute),
	}
}

func (l *Limiter) allowLocal(ip, endpoint string, now time.Time) *RateLimitResult {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.localLimiters) >= (maxLimiters*9)/10 {
		if toEvict := len(l.localLimiters) / 10; toEvict > 0 {
			select {
			case l.evictionSem <- struct{}{}:
				go func() {
					defer func() { <-l.evictionSem }()
					l.asyncEvictOldest(toEvict)
				}()
			default:
			}
		}
	}
	limit := l.effective(l.rpm)
	if len(l.localLimiters) >= maxLimiters {
		util.Warn().
			Int("limiters", len(l.localLimiters)).
			Str("ip", util.RedactIP(ip)).
			Msg("rate limiter at capacity, rejecting request")
		return &RateLimitResult{Allowed: false, Limit: limit, Reset: now.Add(time.Minute)}
	}
	key := ip + ":" + endpoint
	entry, exists := l.localLimiters[key]
	if !exists {
		entry = &limiterEntry{limiter: rate.NewLimiter(rate.Limit(float64(l.rpm)/60.0), l.burst)}
		l.localLimiters[key] = entry
	}
	entry.lastAccess = now
	if l.isAdaptiveMode() {
		entry.limiter.SetLimitAt(now, rate.Limit(float64(limit)/60.0))
	} else {
		entry.limiter.SetLimitAt(now, rate.Limit(float64(l.rpm)/60.0))
	}
	if !entry.limiter.AllowN(now, 1) {
		return &RateLimitResult{Allowed: false, Limit: limit, Reset: now.Add(time.Minute)}
	}
	return &RateLimitResult{
		Allowed:   true,
		Limit:     limit,
		Remaining: int(entry.limiter.TokensAt(now)),
		Reset:     now.Add(time.Minute),
	}
}

func (l *Limiter) asyncEvictOldest(count int) {
	l.mu.Lock()
	if len(l.localLimiters) < (maxLimiters*8)/10 {
		l.mu.Unlock()
		return
	}
	type kv struct {
		key        string
		lastAccess time.Time
	}
	entries := make([]kv, 0, len(l.localLimiters))
	for k, v := range l.localLimiters {
		entries = append(entries, kv{k, v.lastAccess})
	}
	l.mu.Unlock()
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].lastAccess.Before(entries[j].lastAccess)
	})
	l.mu.Lock()
	defer l.mu.Unlock()
	evicted := 0
	for i := 0; i < count && i < len(entries); i++ {
		if _, exists := l.localLimiters[entries[i].key]; exists {
			delete(l.localLimiters, entries[i].key)
			evicted++
		}
	}
	if evicted > 0 {
		util.Debug().Int("evicted", evicted).Msg("async limiter eviction completed")
	}
}

// GetRealIP walks X-Forwarded-For from the right while hops are trusted
// proxies and returns the first untrusted address.
func GetRealIP(r *http.Request, trustedProxies []string) string {
	remoteIP := stripPort(r.RemoteAddr)
	if len(trustedProxies) == 0 || !isTrustedProxy(remoteIP, trustedProxies) {
		return remoteIP
	}
	xff := r.Header.Get("X-Forwarded-For")
	if xff == "" {
		return remoteIP
	}
	const maxIPsToParse = 100
	parsed := 0
	remaining := xff
	for len(remaining) > 0 && parsed < maxIPsToParse {
		var ipStr string
		if i := strings.LastIndexByte(remaining, ','); i == -1 {
			ipStr = strings.TrimSpace(remaining)
			remaining = ""
		} else {
			ipStr = strings.TrimSpace(remaining[i+1:])
			remaining = remaining[:i]
		}
		if ipStr == "" {
			continue
		}
		parsed++
		if net.ParseIP(ipStr) == nil {
			util.Warn().Str("ip", ipStr).Msg("invalid IP in X-Forwarded-For, skipping")
			continue
		}
		if !isTrustedProxy(ipStr, trustedProxies) {
			return ipStr
		}
	}
	if parsed >= maxIPsToParse {
		util.Warn().Int("parsed", parsed).Str("remote", util.RedactIP(remoteIP)).Msg("XFF header excessive, truncated parsing")
	}
	return remoteIP
}
func isTrustedProxy(ip string, trustedProxies []string) bool {
	parsedIP := net.ParseIP(ip)
	for _, proxy := range trustedProxies {
		if ip == proxy {
			return true
		}
		if strings.Contains(proxy, "/") && parsedIP != nil {
			if _, subnet, err := net.ParseCIDR(proxy); err == nil && subnet.Contains(parsedIP) {
				return true
			}
		}
	}
	return false
}
func stripPort(ip string) string {
	if host, _, err := net.SplitHostPort(ip); err == nil {
		return host
	}
	return ip
}
