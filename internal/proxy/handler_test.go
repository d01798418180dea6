package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/article-cache/internal/cache"
	"github.com/any-hub/article-cache/internal/cacheerr"
	"github.com/any-hub/article-cache/internal/config"
	"github.com/any-hub/article-cache/internal/engine"
	"github.com/any-hub/article-cache/internal/index"
	"github.com/any-hub/article-cache/internal/keys"
	"github.com/any-hub/article-cache/internal/logging"
	"github.com/any-hub/article-cache/internal/metrics"
	"github.com/any-hub/article-cache/internal/pipeline"
	"github.com/any-hub/article-cache/internal/server"
	"github.com/any-hub/article-cache/internal/upstream"
)

const articlePath = "/api/rest_v1/page/mobile-html/United_States"

// wikiUpstream 模拟上游：正常返回带 ETag 的页面，命中 If-None-Match 时返回 304，可切换为 500。
type wikiUpstream struct {
	mu          sync.Mutex
	failing     bool
	lastIfMatch string
	lastLang    string
	hits        int
}

func (u *wikiUpstream) setFailing(v bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.failing = v
}

func (u *wikiUpstream) snapshot() (ifMatch, lang string, hits int) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.lastIfMatch, u.lastLang, u.hits
}

func (u *wikiUpstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.hits++
	u.lastIfMatch = r.Header.Get("If-None-Match")
	u.lastLang = r.Header.Get("Accept-Language")
	if u.failing {
		http.Error(w, "unavailable", http.StatusInternalServerError)
		return
	}
	if u.lastIfMatch == `"rev-1"` {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("ETag", `"rev-1"`)
	w.Header().Set("Set-Cookie", "session=abc")
	_, _ = io.WriteString(w, "<html>United States</html>")
}

type e2e struct {
	app      *fiber.App
	upstream *wikiUpstream
	index    *index.SQLIndex
	host     string
}

func newE2E(t *testing.T) *e2e {
	t.Helper()
	up := &wikiUpstream{}
	srv := httptest.NewServer(up)
	t.Cleanup(srv.Close)
	parsed, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse upstream url: %v", err)
	}

	dir := t.TempDir()
	idx, err := index.Open(filepath.Join(dir, "index.sqlite"))
	if err != nil {
		t.Fatalf("open index: %v", err)
	}
	t.Cleanup(func() { _ = idx.Close() })
	store, err := cache.NewStore(dir)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	logger := logging.Discard()
	m := metrics.New()
	pipe := pipeline.New(pipeline.Options{Index: idx, Store: store, Logger: logger, Metrics: m})
	t.Cleanup(func() { _ = pipe.Close(context.Background()) })

	fetcher := upstream.NewHTTPFetcher(upstream.NewClient(5*time.Second), logger, 0, time.Millisecond)
	eng := engine.New(engine.Options{Index: idx, Store: store, Writer: pipe, Fetcher: fetcher, Logger: logger, Metrics: m})

	cfg := &config.Config{
		Global: config.GlobalConfig{ListenPort: 5000, UpstreamTimeout: config.Duration(5 * time.Second)},
		Sites: []config.SiteConfig{
			{Name: "wiki", Domain: parsed.Host, Scheme: "http", Type: "article"},
		},
	}
	registry, err := server.NewSiteRegistry(cfg)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	forwarder := NewForwarder(NewHandler(eng, logger), logger)
	app, err := server.NewApp(server.AppOptions{Logger: logger, Registry: registry, Proxy: forwarder, ListenPort: 5000})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	return &e2e{app: app, upstream: up, index: idx, host: parsed.Host}
}

func (e *e2e) get(t *testing.T, path string, header map[string]string) (*http.Response, string) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "http://cache.local/"+e.host+path, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := e.app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return resp, string(body)
}

func (e *e2e) waitPersisted(t *testing.T, rawURL string) {
	t.Helper()
	itemKey, err := keys.ItemKey(rawURL, keys.TypeArticle)
	if err != nil {
		t.Fatalf("item key: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		item, err := e.index.LookupItem(context.Background(), itemKey, "")
		if err != nil {
			t.Fatalf("lookup: %v", err)
		}
		if item != nil && item.Persisted {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("item %s was never persisted", itemKey)
}

func TestArticleLifecycleThroughProxy(t *testing.T) {
	e := newE2E(t)

	resp, body := e.get(t, articlePath, map[string]string{"Accept-Language": "en-US,en;q=0.8"})
	if resp.StatusCode != http.StatusOK || body != "<html>United States</html>" {
		t.Fatalf("first fetch: %d %s", resp.StatusCode, body)
	}
	if resp.Header.Get(HeaderSource) != string(engine.SourceNetwork) {
		t.Fatalf("first fetch should come from network, got %s", resp.Header.Get(HeaderSource))
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Fatalf("missing request id")
	}
	if _, lang, _ := e.upstream.snapshot(); lang != "en-US,en;q=0.8" {
		t.Fatalf("Accept-Language should be forwarded, got %q", lang)
	}
	e.waitPersisted(t, "http://"+e.host+articlePath)

	resp, body = e.get(t, articlePath, nil)
	if ifMatch, _, _ := e.upstream.snapshot(); ifMatch != `"rev-1"` {
		t.Fatalf("stored etag should be sent upstream, got %q", ifMatch)
	}
	if resp.StatusCode != http.StatusOK || body != "<html>United States</html>" {
		t.Fatalf("revalidated fetch: %d %s", resp.StatusCode, body)
	}
	if resp.Header.Get(HeaderSource) != string(engine.SourceRevalidated) {
		t.Fatalf("expected revalidated source, got %s", resp.Header.Get(HeaderSource))
	}
	if resp.Header.Get("Content-Type") != "text/html; charset=utf-8" {
		t.Fatalf("stored content type should be replayed, got %s", resp.Header.Get("Content-Type"))
	}
	if resp.Header.Get("Set-Cookie") != "" {
		t.Fatalf("cookies must not be stored")
	}

	e.upstream.setFailing(true)
	resp, body = e.get(t, articlePath, nil)
	if resp.StatusCode != http.StatusOK || body != "<html>United States</html>" {
		t.Fatalf("offline fetch: %d %s", resp.StatusCode, body)
	}
	if resp.Header.Get(HeaderSource) != string(engine.SourceFallback) {
		t.Fatalf("expected fallback source, got %s", resp.Header.Get(HeaderSource))
	}
}

func TestOfflineWithoutCopyReturnsUpstreamFailed(t *testing.T) {
	e := newE2E(t)
	e.upstream.setFailing(true)

	resp, body := e.get(t, "/api/rest_v1/page/mobile-html/Canada", nil)
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", resp.StatusCode)
	}
	var payload map[string]string
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		t.Fatalf("error body should be JSON: %v (%s)", err, body)
	}
	if payload["error"] != "upstream_failed" {
		t.Fatalf("unexpected error code: %v", payload)
	}
}

func TestRejectsNonReadMethods(t *testing.T) {
	e := newE2E(t)
	req := httptest.NewRequest(http.MethodPost, "http://cache.local/"+e.host+articlePath, nil)
	resp, err := e.app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.StatusCode)
	}
	if _, _, hits := e.upstream.snapshot(); hits != 0 {
		t.Fatalf("upstream should not be contacted")
	}
}

func TestClassifyError(t *testing.T) {
	_, invalid := keys.ParseURL("ftp://example.org/file")
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{invalid, http.StatusBadRequest, "invalid_url"},
		{cacheerr.ErrCacheMiss, http.StatusBadGateway, "cache_miss"},
		{&cacheerr.NetworkError{URL: "https://a", Err: context.DeadlineExceeded}, http.StatusGatewayTimeout, "upstream_timeout"},
		{&cacheerr.NetworkError{URL: "https://a", Status: 503}, http.StatusBadGateway, "upstream_failed"},
		{errors.New("boom"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tc := range cases {
		status, code := classifyError(tc.err)
		if status != tc.status || code != tc.code {
			t.Fatalf("classify %v: got %d %s", tc.err, status, code)
		}
	}
}
