package engine

import (
	"context"
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/article-cache/internal/cache"
	"github.com/any-hub/article-cache/internal/cacheerr"
	"github.com/any-hub/article-cache/internal/index"
	"github.com/any-hub/article-cache/internal/keys"
	"github.com/any-hub/article-cache/internal/metrics"
	"github.com/any-hub/article-cache/internal/pipeline"
	"github.com/any-hub/article-cache/internal/upstream"
)

const articleURL = "https://en.wikipedia.org/api/rest_v1/page/mobile-html/United_States"

type fetchFunc func(req upstream.Request) (*upstream.Response, error)

type scriptedFetcher struct {
	mu    sync.Mutex
	next  fetchFunc
	calls []upstream.Request
}

func (f *scriptedFetcher) Fetch(_ context.Context, req upstream.Request) (*upstream.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	return f.next(req)
}

func (f *scriptedFetcher) respond(fn fetchFunc) {
	f.mu.Lock()
	f.next = fn
	f.mu.Unlock()
}

func status(code int, header http.Header, body string) fetchFunc {
	return func(upstream.Request) (*upstream.Response, error) {
		if header == nil {
			header = http.Header{}
		}
		return &upstream.Response{Status: code, Header: header, Body: io.NopCloser(strings.NewReader(body))}, nil
	}
}

type fixture struct {
	engine  *Engine
	fetcher *scriptedFetcher
	index   *index.SQLIndex
	store   cache.Store
	pipe    *pipeline.Pipeline
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
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
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	m := metrics.New()
	pipe := pipeline.New(pipeline.Options{Index: idx, Store: store, Logger: logger, Metrics: m})
	t.Cleanup(func() { _ = pipe.Close(context.Background()) })

	fetcher := &scriptedFetcher{}
	eng := New(Options{Index: idx, Store: store, Writer: pipe, Fetcher: fetcher, Logger: logger, Metrics: m})
	return &fixture{engine: eng, fetcher: fetcher, index: idx, store: store, pipe: pipe}
}

func readBody(t *testing.T, resp *Response) string {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(data)
}

func articleHeaders() http.Header {
	h := http.Header{}
	h.Set("Content-Type", "text/html; charset=utf-8")
	h.Set("Etag", `"rev-1"`)
	h.Set("Vary", "Accept-Language")
	return h
}

func seed(t *testing.T, f *fixture, req Request, body string) {
	t.Helper()
	f.fetcher.respond(status(http.StatusOK, articleHeaders(), body))
	req.SyncWrite = true
	resp, err := f.engine.Fetch(context.Background(), req)
	if err != nil {
		t.Fatalf("seed fetch: %v", err)
	}
	if resp.Source != SourceNetwork {
		t.Fatalf("seed should come from network, got %s", resp.Source)
	}
	readBody(t, resp)
}

func TestRoundTripThroughFallback(t *testing.T) {
	f := newFixture(t)
	req := Request{URL: articleURL, Type: keys.TypeArticle}
	seed(t, f, req, "<html>USA</html>")

	f.fetcher.respond(status(http.StatusInternalServerError, nil, "boom"))
	resp, err := f.engine.Fetch(context.Background(), req)
	if err != nil {
		t.Fatalf("fallback fetch: %v", err)
	}
	if resp.Source != SourceFallback || resp.State != StateResolved {
		t.Fatalf("unexpected source/state: %s/%s", resp.Source, resp.State)
	}
	if got := readBody(t, resp); got != "<html>USA</html>" {
		t.Fatalf("fallback body mismatch: %s", got)
	}
	if resp.Header.Get("Content-Type") != "text/html; charset=utf-8" || resp.Header.Get("Vary") != "Accept-Language" {
		t.Fatalf("stored headers not served verbatim: %v", resp.Header)
	}
}

func TestNotModifiedServesStoredCopy(t *testing.T) {
	f := newFixture(t)
	req := Request{URL: articleURL, Type: keys.TypeArticle}
	seed(t, f, req, "<html>cached</html>")

	f.fetcher.respond(func(r upstream.Request) (*upstream.Response, error) {
		if r.Header.Get("If-None-Match") != `"rev-1"` {
			t.Errorf("stored etag should be sent, got %q", r.Header.Get("If-None-Match"))
		}
		return &upstream.Response{Status: http.StatusNotModified, Header: http.Header{}, Body: io.NopCloser(strings.NewReader(""))}, nil
	})
	resp, err := f.engine.Fetch(context.Background(), req)
	if err != nil {
		t.Fatalf("304 fetch: %v", err)
	}
	if resp.Status != http.StatusOK || resp.Source != SourceRevalidated {
		t.Fatalf("unexpected response: %d %s", resp.Status, resp.Source)
	}
	if got := readBody(t, resp); got != "<html>cached</html>" {
		t.Fatalf("304 body mismatch: %s", got)
	}
}

func TestNotModifiedWithoutCopyIsCacheMiss(t *testing.T) {
	f := newFixture(t)
	f.fetcher.respond(status(http.StatusNotModified, nil, ""))
	_, err := f.engine.Fetch(context.Background(), Request{URL: articleURL, Type: keys.TypeArticle})
	if !errors.Is(err, cacheerr.ErrCacheMiss) {
		t.Fatalf("expected ErrCacheMiss, got %v", err)
	}
}

func TestVariantFallbackOrdering(t *testing.T) {
	f := newFixture(t)
	zhURL := "https://zh.wikipedia.org/api/rest_v1/page/mobile-html/United_States"
	seed(t, f, Request{URL: zhURL, Type: keys.TypeArticle, Variant: "zh-hans"}, "A")
	seed(t, f, Request{URL: zhURL, Type: keys.TypeArticle, Variant: "zh-tw"}, "B")

	f.fetcher.respond(func(upstream.Request) (*upstream.Response, error) {
		return nil, errors.New("offline")
	})
	resp, err := f.engine.Fetch(context.Background(), Request{
		URL:            zhURL,
		Type:           keys.TypeArticle,
		Variant:        "zh-hant",
		AcceptLanguage: "zh-Hant, zh-TW;q=0.9, zh-Hans;q=0.8",
	})
	if err != nil {
		t.Fatalf("fallback fetch: %v", err)
	}
	if resp.Variant != "zh-tw" {
		t.Fatalf("expected zh-tw fallback, got %q", resp.Variant)
	}
	if got := readBody(t, resp); got != "B" {
		t.Fatalf("expected B, got %s", got)
	}
}

func TestFallbackReachesUnregisteredLanguageVariant(t *testing.T) {
	f := newFixture(t)
	srURL := "https://sr.wikipedia.org/api/rest_v1/page/mobile-html/Beograd"
	seed(t, f, Request{URL: srURL, Type: keys.TypeArticle, Variant: "sr-el"}, "latin")

	f.fetcher.respond(func(upstream.Request) (*upstream.Response, error) {
		return nil, errors.New("offline")
	})
	resp, err := f.engine.Fetch(context.Background(), Request{
		URL:            srURL,
		Type:           keys.TypeArticle,
		Variant:        "sr-ec",
		AcceptLanguage: "sr-el, de;q=bogus",
	})
	if err != nil {
		t.Fatalf("fallback fetch: %v", err)
	}
	if resp.Variant != "sr-el" {
		t.Fatalf("expected sr-el fallback, got %q", resp.Variant)
	}
	if got := readBody(t, resp); got != "latin" {
		t.Fatalf("expected latin body, got %s", got)
	}
}

func TestImageFallsBackToOtherWidth(t *testing.T) {
	f := newFixture(t)
	thumb := func(width string) string {
		return "https://upload.wikimedia.org/wikipedia/commons/thumb/a/a4/Flag.svg/" + width + "px-Flag.svg.png"
	}
	seed(t, f, Request{URL: thumb("1280"), Type: keys.TypeImage}, "large")
	seed(t, f, Request{URL: thumb("320"), Type: keys.TypeImage}, "small")

	f.fetcher.respond(status(http.StatusBadGateway, nil, ""))
	resp, err := f.engine.Fetch(context.Background(), Request{URL: thumb("960"), Type: keys.TypeImage})
	if err != nil {
		t.Fatalf("fallback fetch: %v", err)
	}
	if resp.Variant != "320" || readBody(t, resp) != "small" {
		t.Fatalf("expected the smallest cached width first, got %q", resp.Variant)
	}
}

func TestFallbackExhaustionReturnsNetworkError(t *testing.T) {
	f := newFixture(t)
	cause := errors.New("no route to host")
	f.fetcher.respond(func(upstream.Request) (*upstream.Response, error) { return nil, cause })

	resp, err := f.engine.Fetch(context.Background(), Request{URL: articleURL, Type: keys.TypeArticle})
	if resp != nil {
		t.Fatalf("no response expected on exhaustion")
	}
	var netErr *cacheerr.NetworkError
	if !errors.As(err, &netErr) {
		t.Fatalf("expected NetworkError, got %v", err)
	}
	if !errors.Is(err, cause) {
		t.Fatalf("NetworkError should carry the cause")
	}
}

func TestInvalidURLRejectedBeforeNetwork(t *testing.T) {
	f := newFixture(t)
	f.fetcher.respond(status(http.StatusOK, nil, ""))
	_, err := f.engine.Fetch(context.Background(), Request{URL: "mobile-html/United_States", Type: keys.TypeArticle})
	if !errors.Is(err, cacheerr.ErrInvalidURL) {
		t.Fatalf("expected ErrInvalidURL, got %v", err)
	}
	if len(f.fetcher.calls) != 0 {
		t.Fatalf("invalid URL must not reach the network")
	}
}

func TestClientErrorsPassThroughUncached(t *testing.T) {
	f := newFixture(t)
	f.fetcher.respond(status(http.StatusNotFound, nil, "missing"))
	resp, err := f.engine.Fetch(context.Background(), Request{URL: articleURL, Type: keys.TypeArticle, SyncWrite: true})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if resp.Status != http.StatusNotFound || resp.Source != SourcePassthrough {
		t.Fatalf("unexpected response: %d %s", resp.Status, resp.Source)
	}
	readBody(t, resp)
	groups, _ := f.index.Groups(context.Background())
	if len(groups) != 0 {
		t.Fatalf("4xx responses must not be cached")
	}
}

func TestOversizedObjectsAreNotCached(t *testing.T) {
	f := newFixture(t)
	f.engine.maxObjectBytes = 4
	f.fetcher.respond(status(http.StatusOK, nil, "0123456789"))
	resp, err := f.engine.Fetch(context.Background(), Request{URL: articleURL, Type: keys.TypeArticle, SyncWrite: true})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if got := readBody(t, resp); got != "0123456789" {
		t.Fatalf("oversized body should stream through intact: %s", got)
	}
	groups, _ := f.index.Groups(context.Background())
	if len(groups) != 0 {
		t.Fatalf("oversized objects must not be cached")
	}
}

func TestPurgeRemovesOrphanedFiles(t *testing.T) {
	f := newFixture(t)
	req := Request{URL: articleURL, Type: keys.TypeArticle, GroupKey: articleURL}
	seed(t, f, req, "<html/>")

	report, err := f.engine.Purge(context.Background(), articleURL)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if report.Identities != 1 || report.FilesRemoved != 2 {
		t.Fatalf("unexpected purge report: %+v", report)
	}
	ident, _ := keys.Derive(articleURL, keys.TypeArticle, "")
	if _, err := f.store.Open(context.Background(), ident.BodyFileName); !errors.Is(err, cache.ErrNotFound) {
		t.Fatalf("body should be removed, got %v", err)
	}
	if _, err := f.engine.Purge(context.Background(), articleURL); !errors.Is(err, index.ErrGroupNotFound) {
		t.Fatalf("second purge should report missing group, got %v", err)
	}
}
