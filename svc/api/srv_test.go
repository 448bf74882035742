package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"pastebin/cfg"
	"pastebin/pkg/domain"
	"pastebin/svc/auth"
	"pastebin/svc/cache"
	"pastebin/svc/db"
	"pastebin/svc/lim"
	"pastebin/svc/svc"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var memSeq int64

type downPinger struct{}

func (downPinger) Ping(context.Context) error { return errors.New("connection refused") }

func testCfg() *cfg.Cfg {
	return &cfg.Cfg{
		Port:           "0",
		Environment:    "test",
		ContextTimeout: 5 * time.Second,
		MaxPasteChars:  10_000,
		RateLimit:      cfg.RateLimitCfg{RPM: 600, Burst: 100},
	}
}

func newTestServer(t *testing.T, c *cfg.Cfg) (*Server, *db.SQLite) {
	t.Helper()
	dsn := fmt.Sprintf("file:api%d?mode=memory&cache=shared", atomic.AddInt64(&memSeq, 1))
	store, err := db.NewSQLiteWithConfig(dsn, 1, 1, 5*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	hasher, err := auth.NewHasher(auth.Params{Iterations: 1, Memory: 64, Parallelism: 1, Concurrency: 2},
		[]byte("0123456789ABCDEF0123456789ABCDEF"))
	require.NoError(t, err)
	tasks := svc.NewDispatcher(2, 100)
	t.Cleanup(func() { tasks.Shutdown(5 * time.Second) })
	lru, err := cache.NewLRU(100, 10*time.Millisecond)
	require.NoError(t, err)
	p := svc.NewPaste(store, hasher, tasks, svc.NewAnalytics(store, lru), svc.Options{MaxContentChars: c.MaxPasteChars})
	l, err := lim.New(c.RateLimit.RPM, c.RateLimit.Burst, nil, nil)
	require.NoError(t, err)
	t.Cleanup(l.Stop)
	return NewServer(c, p, l, store, nil), store
}

func do(t *testing.T, s http.Handler, method, path, body string, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rdr)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func createPaste(t *testing.T, s http.Handler, body string) PasteRespBody {
	t.Helper()
	rec := do(t, s, http.MethodPost, "/api/v1/pastes", body, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var out PasteRespBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, "/api/v1/pastes/"+out.ShortID, rec.Header().Get("Location"))
	return out
}

type PasteRespBody struct {
	ShortID  string `json:"short_id"`
	Content  string `json:"content"`
	Language string `json:"language"`
	URL      string `json:"url"`
}

func errCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body domain.ErrResp
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body.Error.Code
}

func TestCreateAndRead(t *testing.T) {
	s, _ := newTestServer(t, testCfg())
	p := createPaste(t, s, `{"content":"print('hi')","language":"python","title":"greeting"}`)
	assert.Len(t, p.ShortID, 8)
	assert.Equal(t, "/api/v1/pastes/"+p.ShortID, p.URL)

	rec := do(t, s, http.MethodGet, "/api/v1/pastes/"+p.ShortID, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"content":"print('hi')"`)
	assert.NotContains(t, rec.Body.String(), "password_hash")
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = do(t, s, http.MethodGet, "/api/v1/pastes/"+p.ShortID+"/raw", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "print('hi')", rec.Body.String())
	assert.Equal(t, "text/plain; charset=utf-8", rec.Header().Get("Content-Type"))

	rec = do(t, s, http.MethodGet, "/api/v1/pastes/"+p.ShortID+"/download", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, `attachment; filename=`+p.ShortID+`.py`, rec.Header().Get("Content-Disposition"))
	assert.Equal(t, "print('hi')", rec.Body.String())
}

func TestCreateRejects(t *testing.T) {
	s, _ := newTestServer(t, testCfg())
	cases := map[string]struct {
		body   string
		ctype  string
		status int
		code   string
	}{
		"empty content":    {`{"content":"   "}`, "application/json", http.StatusBadRequest, "CONTENT_REQUIRED"},
		"unknown field":    {`{"content":"x","owner":"me"}`, "application/json", http.StatusBadRequest, "INVALID_REQUEST"},
		"bad json":         {`{"content":`, "application/json", http.StatusBadRequest, "INVALID_REQUEST"},
		"negative expiry":  {`{"content":"x","expires_in_minutes":-5}`, "application/json", http.StatusBadRequest, "INVALID_REQUEST"},
		"too large":        {`{"content":"` + strings.Repeat("a", 10_001) + `"}`, "application/json", http.StatusBadRequest, "PASTE_TOO_LARGE"},
		"long language":    {`{"content":"x","language":"` + strings.Repeat("l", 51) + `"}`, "application/json", http.StatusBadRequest, "INVALID_REQUEST"},
		"wrong media type": {`content=x`, "text/plain", http.StatusUnsupportedMediaType, ""},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			rec := do(t, s, http.MethodPost, "/api/v1/pastes", tc.body, map[string]string{"Content-Type": tc.ctype})
			require.Equal(t, tc.status, rec.Code, rec.Body.String())
			if tc.code != "" {
				assert.Equal(t, tc.code, errCode(t, rec))
			}
		})
	}
}

func TestPasswordGate(t *testing.T) {
	s, _ := newTestServer(t, testCfg())
	p := createPaste(t, s, `{"content":"secret stuff","password":"pw"}`)
	path := "/api/v1/pastes/" + p.ShortID

	rec := do(t, s, http.MethodGet, path, "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "ACCESS_DENIED", errCode(t, rec))

	rec = do(t, s, http.MethodGet, path, "", map[string]string{"X-Paste-Password": "nope"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, s, http.MethodGet, path, "", map[string]string{"X-Paste-Password": "pw"})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, s, http.MethodGet, path+"/raw?password=pw", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "secret stuff", rec.Body.String())

	rec = do(t, s, http.MethodGet, path+"/analytics", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestBurnAfterRead(t *testing.T) {
	s, _ := newTestServer(t, testCfg())
	p := createPaste(t, s, `{"content":"once","burn_after_read":true}`)
	path := "/api/v1/pastes/" + p.ShortID

	rec := do(t, s, http.MethodGet, path, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Eventually(t, func() bool {
		return do(t, s, http.MethodGet, path, "", nil).Code == http.StatusNotFound
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDelete(t *testing.T) {
	s, _ := newTestServer(t, testCfg())
	p := createPaste(t, s, `{"content":"bye"}`)
	path := "/api/v1/pastes/" + p.ShortID

	rec := do(t, s, http.MethodDelete, path, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, path, "", nil).Code)

	rec = do(t, s, http.MethodDelete, path, "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "PASTE_NOT_FOUND", errCode(t, rec))
}

func TestRecentAndSearch(t *testing.T) {
	s, _ := newTestServer(t, testCfg())
	createPaste(t, s, `{"content":"alpha beta","language":"go"}`)
	createPaste(t, s, `{"content":"alpha hidden","is_private":true}`)
	createPaste(t, s, `{"content":"alpha locked","password":"pw"}`)

	rec := do(t, s, http.MethodGet, "/api/v1/pastes/recent?limit=5", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var items []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &items))
	require.Len(t, items, 2)
	for _, it := range items {
		assert.NotEqual(t, "alpha locked", it["content"])
	}

	rec = do(t, s, http.MethodGet, "/api/v1/pastes/search?q=ALPHA&language=go", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &items))
	require.Len(t, items, 1)
	assert.Equal(t, "alpha beta", items[0]["content"])

	rec = do(t, s, http.MethodGet, "/api/v1/pastes/search?q=%20", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "QUERY_REQUIRED", errCode(t, rec))

	rec = do(t, s, http.MethodGet, "/api/v1/pastes/search?q=a&limit=ten", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAnalyticsEndpoint(t *testing.T) {
	s, _ := newTestServer(t, testCfg())
	p := createPaste(t, s, `{"content":"counted"}`)
	path := "/api/v1/pastes/" + p.ShortID
	for i := 0; i < 3; i++ {
		require.Equal(t, http.StatusOK, do(t, s, http.MethodGet, path, "", map[string]string{"Referer": "https://example.com"}).Code)
	}
	require.Eventually(t, func() bool {
		rec := do(t, s, http.MethodGet, path+"/analytics", "", nil)
		var sum domain.Summary
		if rec.Code != http.StatusOK || json.Unmarshal(rec.Body.Bytes(), &sum) != nil {
			return false
		}
		return sum.TotalViews == 3 && sum.ViewsToday == 3 &&
			len(sum.TopReferrers) == 1 && sum.TopReferrers[0].Views == 3
	}, 2*time.Second, 20*time.Millisecond)
}

func TestRateLimit(t *testing.T) {
	c := testCfg()
	c.RateLimit = cfg.RateLimitCfg{RPM: 1, Burst: 2}
	s, _ := newTestServer(t, c)
	body := `{"content":"spam"}`
	assert.Equal(t, http.StatusCreated, do(t, s, http.MethodPost, "/api/v1/pastes", body, nil).Code)
	assert.Equal(t, http.StatusCreated, do(t, s, http.MethodPost, "/api/v1/pastes", body, nil).Code)
	rec := do(t, s, http.MethodPost, "/api/v1/pastes", body, nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", errCode(t, rec))
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Equal(t, "1", rec.Header().Get("X-RateLimit-Limit"))
}

func TestHealthAndReady(t *testing.T) {
	s, _ := newTestServer(t, testCfg())
	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/health", "", nil).Code)

	rec := do(t, s, http.MethodGet, "/ready", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var ready ReadyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ready))
	assert.True(t, ready.Ready)
	assert.Equal(t, "unavailable", ready.Cache)

	s.cache = downPinger{}
	rec = do(t, s, http.MethodGet, "/ready", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ready))
	assert.True(t, ready.Degraded)

	s.db = downPinger{}
	rec = do(t, s, http.MethodGet, "/ready", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsBasicAuth(t *testing.T) {
	c := testCfg()
	c.MetricsUser = "prom"
	c.MetricsPass = cfg.NewSecret("scrape")
	s, _ := newTestServer(t, c)
	assert.Equal(t, http.StatusUnauthorized, do(t, s, http.MethodGet, "/metrics", "", nil).Code)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.SetBasicAuth("prom", "scrape")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestShutdownErrorIsNotMasked(t *testing.T) {
	rec := httptest.NewRecorder()
	writeErr(rec, errors.Wrap(domain.ErrShuttingDown, "create"), "req-1")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "5", rec.Header().Get("Retry-After"))
	var body struct {
		Error     domain.ErrDetail `json:"error"`
		RequestID string           `json:"request_id"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "SHUTTING_DOWN", body.Error.Code)
	assert.Equal(t, "req-1", body.RequestID)

	rec = httptest.NewRecorder()
	writeErr(rec, errors.New("disk on fire"), "req-2")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "INTERNAL_ERROR")
	assert.NotContains(t, rec.Body.String(), "disk on fire")
}
