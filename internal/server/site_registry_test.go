package server

import (
	"testing"
	"time"

	"github.com/any-hub/article-cache/internal/config"
	"github.com/any-hub/article-cache/internal/keys"
)

func TestSiteRegistryLookupByHost(t *testing.T) {
	cfg := testConfig(5000)
	cfg.Sites[1].Timeout = config.Duration(time.Minute)
	cfg.Sites[1].Proxy = "http://proxy.local:3128"
	cfg.Sites[1].Username = "reader"
	cfg.Sites[1].Password = "secret"

	registry, err := NewSiteRegistry(cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	route, ok := registry.Lookup("EN.Wikipedia.org")
	if !ok {
		t.Fatalf("expected wiki route")
	}
	if route.Type != keys.TypeArticle {
		t.Fatalf("unexpected type: %s", route.Type)
	}
	if route.Timeout != 30*time.Second {
		t.Fatalf("site without override should use global timeout, got %s", route.Timeout)
	}

	media, ok := registry.Lookup("upload.wikimedia.org")
	if !ok {
		t.Fatalf("expected media route")
	}
	transport := media.Transport()
	if transport.Timeout != time.Minute || transport.Proxy == nil || transport.Proxy.Host != "proxy.local:3128" {
		t.Fatalf("unexpected transport: %+v", transport)
	}
	if transport.Username != "reader" || transport.Password != "secret" {
		t.Fatalf("credentials should be carried: %+v", transport)
	}
	if media.Config.Scheme != "https" {
		t.Fatalf("scheme should default to https, got %s", media.Config.Scheme)
	}

	if got := len(registry.List()); got != 2 {
		t.Fatalf("expected 2 routes in list, got %d", got)
	}
}

func TestSiteRegistryMatchesPorts(t *testing.T) {
	cfg := testConfig(5000)
	cfg.Sites = append(cfg.Sites, config.SiteConfig{Name: "local", Domain: "127.0.0.1:8080", Scheme: "http"})

	registry, err := NewSiteRegistry(cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := registry.Lookup("en.wikipedia.org:6000"); !ok {
		t.Fatalf("expected lookup to ignore host header port")
	}
	route, ok := registry.Lookup("127.0.0.1:8080")
	if !ok {
		t.Fatalf("expected exact host:port match")
	}
	if got := route.UpstreamURL("/a%20b", "x=1"); got != "http://127.0.0.1:8080/a%20b?x=1" {
		t.Fatalf("unexpected upstream url: %s", got)
	}
	if got := route.UpstreamURL("", ""); got != "http://127.0.0.1:8080/" {
		t.Fatalf("empty path should become /: %s", got)
	}
}

func TestSiteRegistryRejectsDuplicateDomains(t *testing.T) {
	cfg := testConfig(5000)
	cfg.Sites = append(cfg.Sites, config.SiteConfig{Name: "wiki-alt", Domain: "en.wikipedia.org."})

	if _, err := NewSiteRegistry(cfg); err == nil {
		t.Fatalf("expected duplicate domain error")
	}
}
