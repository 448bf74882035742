package svc

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"pastebin/metrics"
	"pastebin/pkg/domain"
	"pastebin/svc/util"

	"github.com/pkg/errors"
)

const (
	DefaultRecentLimit = 10
	MaxRecentLimit     = 50
	DefaultSearchLimit = 20
	MaxSearchLimit     = 100
)

// PasswordHasher hashes and checks paste passwords.
type PasswordHasher interface {
	Hash(ctx context.Context, password string) (string, error)
	Verify(ctx context.Context, password, encoded string) (bool, error)
}

// PasteCache is a shared read-through cache keyed by short id. GetPaste
// returns nil, nil on a miss.
type PasteCache interface {
	CachePaste(ctx context.Context, p *domain.Paste, ttl time.Duration) error
	GetPaste(ctx context.Context, shortID string) (*domain.Paste, error)
	DeletePaste(ctx context.Context, shortID string) error
}

type Options struct {
	ShortIDLength   int
	MaxContentChars int
	PasteCacheTTL   time.Duration
}

// Paste is the paste lifecycle: creation, gated retrieval with burn and
// view side effects, deletion, listing and search.
type Paste struct {
	store     Store
	hasher    PasswordHasher
	tasks     *Dispatcher
	views     *ViewRecorder
	analytics *Analytics
	cache     PasteCache
	opts      Options
	now       func() time.Time
	shutdown  atomic.Bool
	opWg      sync.WaitGroup
}

func NewPaste(store Store, h PasswordHasher, tasks *Dispatcher, analytics *Analytics, opts Options) *Paste {
	if store == nil || h == nil || tasks == nil || analytics == nil {
		panic("paste service: nil dependency (store, hasher, tasks, or analytics)")
	}
	if opts.ShortIDLength == 0 {
		opts.ShortIDLength = util.DefaultShortIDLength
	}
	if opts.MaxContentChars <= 0 || opts.MaxContentChars > domain.MaxContentChars {
		opts.MaxContentChars = domain.MaxContentChars
	}
	return &Paste{
		store:     store,
		hasher:    h,
		tasks:     tasks,
		views:     NewViewRecorder(store, store, tasks).withInvalidator(analytics),
		analytics: analytics,
		opts:      opts,
		now:       time.Now,
	}
}

// WithCache enables the shared paste cache.
func (p *Paste) WithCache(c PasteCache) *Paste {
	p.cache = c
	return p
}

// WithGeo fills view locations from g.
func (p *Paste) WithGeo(g GeoResolver) *Paste {
	p.views.WithGeo(g)
	return p
}

// Shutdown rejects new writes and waits for in-flight ones.
func (p *Paste) Shutdown() {
	p.shutdown.Store(true)
	p.opWg.Wait()
	util.Debug().Msg("paste service shutdown complete")
}

func (p *Paste) validate(params *domain.CreateParams) error {
	if strings.TrimSpace(params.Content) == "" {
		return domain.ErrContentRequired
	}
	if utf8.RuneCountInString(params.Content) > p.opts.MaxContentChars {
		return domain.ErrPasteTooLarge
	}
	params.Language = strings.TrimSpace(params.Language)
	if params.Language == "" {
		params.Language = domain.DefaultLanguage
	}
	if utf8.RuneCountInString(params.Language) > domain.MaxLanguageChars {
		return errors.Wrap(domain.ErrInvalidRequest, "language too long")
	}
	params.Title = strings.TrimSpace(params.Title)
	if utf8.RuneCountInString(params.Title) > domain.MaxTitleChars {
		return errors.Wrap(domain.ErrInvalidRequest, "title too long")
	}
	if params.ExpiresIn < 0 {
		return errors.Wrap(domain.ErrInvalidRequest, "negative expiry")
	}
	params.Tags = normalizeTags(params.Tags)
	return nil
}

func normalizeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

func (p *Paste) Create(ctx context.Context, params domain.CreateParams) (*domain.Paste, error) {
	if p.shutdown.Load() {
		return nil, domain.ErrShuttingDown
	}
	p.opWg.Add(1)
	defer p.opWg.Done()
	if err := p.validate(&params); err != nil {
		return nil, err
	}
	var pwHash string
	if params.Password != "" {
		h, err := p.hasher.Hash(ctx, params.Password)
		if err != nil {
			return nil, errors.Wrap(err, "failed to hash password")
		}
		pwHash = h
	}
	now := p.now().UTC()
	paste := &domain.Paste{
		ID:            util.NewID(),
		Title:         params.Title,
		Content:       params.Content,
		ContentHash:   util.ContentHash(params.Content),
		Language:      params.Language,
		IsPrivate:     params.IsPrivate,
		PasswordHash:  pwHash,
		BurnAfterRead: params.BurnAfterRead,
		Tags:          params.Tags,
		SizeBytes:     len(params.Content),
		CreatedAt:     now,
		UpdatedAt:     now,
		Metadata:      params.Metadata,
	}
	if params.ExpiresIn > 0 {
		exp := now.Add(params.ExpiresIn)
		paste.ExpiresAt = &exp
	}
	// The exists probe can race another writer; the store's unique index
	// has the final word and one more generation round absorbs it.
	for attempt := 0; ; attempt++ {
		shortID, err := util.GenShortID(params.Content, p.opts.ShortIDLength, func(id string) (bool, error) {
			taken, err := p.store.ShortIDExists(ctx, id)
			if taken {
				metrics.IDCollisions.Inc()
			}
			return taken, err
		})
		if errors.Is(err, util.ErrIDExhausted) {
			util.Error().Str("request_id", util.GetRequestID(ctx)).Msg("short id generation exhausted")
			return nil, domain.ErrIDGenerationFailed
		}
		if err != nil {
			return nil, errors.Wrap(err, "gen short id")
		}
		paste.ShortID = shortID
		err = p.store.Create(ctx, paste)
		if err == nil {
			break
		}
		if errors.Is(err, domain.ErrShortIDTaken) && attempt == 0 {
			metrics.IDCollisions.Inc()
			continue
		}
		if errors.Is(err, domain.ErrShortIDTaken) {
			return nil, domain.ErrIDGenerationFailed
		}
		return nil, errors.Wrap(err, "create paste")
	}
	metrics.PasteCreated.Inc()
	util.Info().
		Str("request_id", util.GetRequestID(ctx)).
		Str("short_id", paste.ShortID).
		Int("size_bytes", paste.SizeBytes).
		Bool("burn_after_read", paste.BurnAfterRead).
		Bool("private", paste.IsPrivate).
		Msg("paste created")
	return paste, nil
}

func (p *Paste) cacheTTL(paste *domain.Paste, now time.Time) time.Duration {
	ttl := p.opts.PasteCacheTTL
	if paste.ExpiresAt != nil {
		if left := paste.ExpiresAt.Sub(now); left < ttl {
			ttl = left
		}
	}
	return ttl
}

// lookup finds a visible paste, going through the shared cache for pastes
// that are not burn-after-read.
func (p *Paste) lookup(ctx context.Context, shortID string, now time.Time) (*domain.Paste, error) {
	if !util.IsShortID(shortID) {
		return nil, domain.ErrPasteNotFound
	}
	if p.cache != nil {
		cached, err := p.cache.GetPaste(ctx, shortID)
		if err != nil {
			util.Warn().Err(err).Str("short_id", shortID).Msg("paste cache unavailable")
		}
		if cached != nil {
			if domain.StateAt(cached, now) == domain.StateActive {
				metrics.CacheHits.WithLabelValues("paste").Inc()
				return cached, nil
			}
			p.evict(ctx, shortID)
			return nil, domain.ErrPasteNotFound
		}
		metrics.CacheMisses.WithLabelValues("paste").Inc()
	}
	paste, err := p.store.GetByShortID(ctx, shortID, now)
	if err != nil {
		if errors.Is(err, domain.ErrPasteNotFound) {
			return nil, domain.ErrPasteNotFound
		}
		return nil, errors.Wrap(err, "get paste")
	}
	if p.cache != nil && !paste.BurnAfterRead {
		if ttl := p.cacheTTL(paste, now); ttl > 0 {
			if err := p.cache.CachePaste(ctx, paste, ttl); err != nil {
				util.Warn().Err(err).Str("short_id", shortID).Msg("failed to cache paste")
			} else if p.deletedSince(ctx, shortID) {
				p.evict(ctx, shortID)
				return nil, domain.ErrPasteNotFound
			}
		}
	}
	return paste, nil
}

// deletedSince reports whether the row vanished after it was read. Delete
// evicts after removing the row, so checking after the cache write leaves
// no window for a stale entry.
func (p *Paste) deletedSince(ctx context.Context, shortID string) bool {
	exists, err := p.store.ShortIDExists(ctx, shortID)
	if err != nil {
		util.Warn().Err(err).Str("short_id", shortID).Msg("cache recheck failed")
		return false
	}
	return !exists
}

func (p *Paste) evict(ctx context.Context, shortID string) {
	if p.cache == nil {
		return
	}
	if err := p.cache.DeletePaste(ctx, shortID); err != nil {
		util.Warn().Err(err).Str("short_id", shortID).Msg("failed to evict paste from cache")
	}
}

func (p *Paste) checkAccess(ctx context.Context, paste *domain.Paste, password string) error {
	if !paste.HasPassword() {
		return nil
	}
	if password == "" {
		metrics.AccessDenied.Inc()
		return domain.ErrAccessDenied
	}
	match, err := p.hasher.Verify(ctx, password, paste.PasswordHash)
	if err != nil {
		return errors.Wrap(err, "verify password")
	}
	if !match {
		metrics.AccessDenied.Inc()
		return domain.ErrAccessDenied
	}
	return nil
}

// read is the shared retrieval path: visibility, password gate, then the
// burn and view side effects handed to the dispatcher.
func (p *Paste) read(ctx context.Context, shortID string, rp domain.ReadParams, kind string) (*domain.Paste, error) {
	now := p.now().UTC()
	paste, err := p.lookup(ctx, shortID, now)
	if err != nil {
		return nil, err
	}
	if err := p.checkAccess(ctx, paste, rp.Password); err != nil {
		return nil, err
	}
	if paste.BurnAfterRead {
		p.scheduleBurn(paste)
	}
	p.views.Enqueue(ViewInput{
		PasteID:   paste.ID,
		ClientIP:  rp.ClientIP,
		UserAgent: rp.UserAgent,
		Referer:   rp.Referer,
		SessionID: rp.SessionID,
	})
	metrics.PasteRetrieved.WithLabelValues(kind).Inc()
	out := *paste
	out.PasswordHash = ""
	return &out, nil
}

func (p *Paste) burn(ctx context.Context, paste *domain.Paste) error {
	if err := p.store.Burn(ctx, paste.ID); err != nil {
		return errors.Wrap(err, "burn paste")
	}
	p.evict(ctx, paste.ShortID)
	metrics.PasteBurned.Inc()
	util.Info().Str("short_id", paste.ShortID).Msg("paste burned after read")
	return nil
}

// scheduleBurn runs the burn in the background, or inline when the
// dispatcher refuses it, so a burn-after-read paste is never left readable.
func (p *Paste) scheduleBurn(paste *domain.Paste) {
	ok := p.tasks.Submit("burn", func(ctx context.Context) error {
		return p.burn(ctx, paste)
	})
	if ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultTaskTimeout)
	defer cancel()
	if err := p.burn(ctx, paste); err != nil {
		util.Error().Err(err).Str("short_id", paste.ShortID).Msg("inline burn failed")
	}
}

func (p *Paste) Get(ctx context.Context, shortID string, rp domain.ReadParams) (*domain.Paste, error) {
	return p.read(ctx, shortID, rp, "json")
}

func (p *Paste) Raw(ctx context.Context, shortID string, rp domain.ReadParams) (string, error) {
	paste, err := p.read(ctx, shortID, rp, "raw")
	if err != nil {
		return "", err
	}
	return paste.Content, nil
}

func (p *Paste) Download(ctx context.Context, shortID string, rp domain.ReadParams) (*domain.Download, error) {
	paste, err := p.read(ctx, shortID, rp, "download")
	if err != nil {
		return nil, err
	}
	id := paste.ID
	p.tasks.Submit("count_download", func(ctx context.Context) error {
		return p.store.IncrDownloads(ctx, id)
	})
	return &domain.Download{Filename: domain.DownloadFilename(paste), Content: paste.Content}, nil
}

// Delete removes a paste in any state, along with its views.
func (p *Paste) Delete(ctx context.Context, shortID string) error {
	if p.shutdown.Load() {
		return domain.ErrShuttingDown
	}
	p.opWg.Add(1)
	defer p.opWg.Done()
	if !util.IsShortID(shortID) {
		return domain.ErrPasteNotFound
	}
	paste, err := p.store.FindByShortID(ctx, shortID)
	if err != nil {
		return err
	}
	if err := p.store.Delete(ctx, paste.ID); err != nil {
		if errors.Is(err, domain.ErrPasteNotFound) {
			return domain.ErrPasteNotFound
		}
		return errors.Wrap(err, "delete from db")
	}
	p.evict(ctx, shortID)
	p.analytics.Invalidate(paste.ID)
	metrics.PasteDeleted.Inc()
	util.Info().
		Str("request_id", util.GetRequestID(ctx)).
		Str("short_id", shortID).
		Msg("paste deleted")
	return nil
}

func clamp(v, def, max int) int {
	if v <= 0 {
		return def
	}
	if v > max {
		return max
	}
	return v
}

func listItems(in []*domain.Paste) []*domain.Paste {
	out := make([]*domain.Paste, 0, len(in))
	for _, p := range in {
		out = append(out, p.ListItem())
	}
	return out
}

func (p *Paste) ListRecentPublic(ctx context.Context, limit int) ([]*domain.Paste, error) {
	res, err := p.store.ListRecentPublic(ctx, clamp(limit, DefaultRecentLimit, MaxRecentLimit), p.now().UTC())
	if err != nil {
		return nil, errors.Wrap(err, "list recent")
	}
	return listItems(res), nil
}

func (p *Paste) Search(ctx context.Context, q domain.SearchQuery) ([]*domain.Paste, error) {
	q.Query = strings.TrimSpace(q.Query)
	if q.Query == "" {
		return nil, domain.ErrQueryRequired
	}
	q.Language = strings.TrimSpace(q.Language)
	q.Limit = clamp(q.Limit, DefaultSearchLimit, MaxSearchLimit)
	if q.Offset < 0 {
		q.Offset = 0
	}
	res, err := p.store.Search(ctx, q, p.now().UTC())
	if err != nil {
		return nil, errors.Wrap(err, "search")
	}
	return listItems(res), nil
}

// Analytics returns the view summary of a visible paste. It passes the
// password gate but neither burns the paste nor counts as a view.
func (p *Paste) Analytics(ctx context.Context, shortID, password string) (*domain.Summary, error) {
	paste, err := p.lookup(ctx, shortID, p.now().UTC())
	if err != nil {
		return nil, err
	}
	if err := p.checkAccess(ctx, paste, password); err != nil {
		return nil, err
	}
	return p.analytics.Summarize(ctx, paste.ID)
}

func (p *Paste) Ping(ctx context.Context) error {
	return p.store.Ping(ctx)
}
