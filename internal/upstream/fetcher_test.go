package upstream

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestFetchRetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		if r.Header.Get("If-None-Match") != `"v1"` {
			t.Errorf("conditional header not forwarded: %v", r.Header)
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	fetcher := NewHTTPFetcher(srv.Client(), nil, 3, time.Millisecond)
	resp, err := fetcher.Fetch(context.Background(), Request{
		URL:    srv.URL,
		Header: http.Header{"If-None-Match": []string{`"v1"`}, "Connection": []string{"close"}},
	})
	if err != nil {
		t.Fatalf("fetch error: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.Status != http.StatusOK || string(body) != "ok" {
		t.Fatalf("unexpected response: %d %s", resp.Status, body)
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
}

func TestFetchReturnsLastServerError(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	fetcher := NewHTTPFetcher(srv.Client(), nil, 1, time.Millisecond)
	resp, err := fetcher.Fetch(context.Background(), Request{URL: srv.URL})
	if err != nil {
		t.Fatalf("exhausted 5xx should be returned as a response, got %v", err)
	}
	resp.Body.Close()
	if resp.Status != http.StatusInternalServerError {
		t.Fatalf("unexpected status: %d", resp.Status)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected 2 attempts, got %d", calls)
	}
}

func TestFetchTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	fetcher := NewHTTPFetcher(nil, nil, 1, time.Millisecond)
	if _, err := fetcher.Fetch(context.Background(), Request{URL: url}); err == nil {
		t.Fatalf("closed upstream should fail")
	}
}

func TestFetchDoesNotRetryCancelled(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(50 * time.Millisecond)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	fetcher := NewHTTPFetcher(srv.Client(), nil, 5, time.Millisecond)
	if _, err := fetcher.Fetch(ctx, Request{URL: srv.URL}); err == nil {
		t.Fatalf("cancelled request should fail")
	}
	if atomic.LoadInt32(&calls) > 1 {
		t.Fatalf("cancelled request must not be retried, got %d calls", calls)
	}
}

func TestBasicAuthHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "reader" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	fetcher := NewHTTPFetcher(srv.Client(), nil, 0, time.Millisecond)
	resp, err := fetcher.Fetch(context.Background(), Request{URL: srv.URL, Username: "reader", Password: "secret", Timeout: time.Second})
	if err != nil {
		t.Fatalf("fetch error: %v", err)
	}
	resp.Body.Close()
	if resp.Status != http.StatusNoContent {
		t.Fatalf("credentials not applied: %d", resp.Status)
	}
}

func TestStorableHeaders(t *testing.T) {
	src := http.Header{}
	src.Set("Content-Type", "text/html")
	src.Set("Content-Length", "999")
	src.Set("Connection", "keep-alive")
	src.Set("Date", "Mon, 02 Jan 2006 15:04:05 GMT")
	src.Set("Etag", `"abc"`)

	out := StorableHeaders(src, 12)
	if out.Get("Content-Length") != "12" {
		t.Fatalf("content length should follow body: %s", out.Get("Content-Length"))
	}
	if out.Get("Connection") != "" || out.Get("Date") != "" {
		t.Fatalf("hop-by-hop and volatile headers must be dropped: %v", out)
	}
	if out.Get("Etag") != `"abc"` || out.Get("Content-Type") != "text/html" {
		t.Fatalf("entity headers must be kept: %v", out)
	}
	if src.Get("Content-Length") != "999" {
		t.Fatalf("source headers must not be mutated")
	}
}
