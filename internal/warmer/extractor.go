package warmer

import (
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/any-hub/article-cache/internal/keys"
)

// Resource 是文档引用的一个离线资源。
type Resource struct {
	URL  string
	Type keys.ResourceType
}

// ExtractResources parses an HTML document and returns the stylesheets,
// scripts and images it references, resolved against base and de-duplicated
// in document order.
func ExtractResources(base *url.URL, body io.Reader) ([]Resource, error) {
	doc, err := goquery.NewDocumentFromReader(body)
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	seen := make(map[string]struct{})
	var out []Resource
	add := func(raw string, t keys.ResourceType) {
		resolved, ok := resolve(base, raw)
		if !ok {
			return
		}
		if _, dup := seen[resolved]; dup {
			return
		}
		seen[resolved] = struct{}{}
		out = append(out, Resource{URL: resolved, Type: t})
	}

	doc.Find("link[href]").Each(func(_ int, s *goquery.Selection) {
		rel, _ := s.Attr("rel")
		if !hasToken(rel, "stylesheet") {
			return
		}
		href, _ := s.Attr("href")
		add(href, keys.TypeGeneric)
	})
	doc.Find("script[src]").Each(func(_ int, s *goquery.Selection) {
		src, _ := s.Attr("src")
		add(src, keys.TypeGeneric)
	})
	doc.Find("img").Each(func(_ int, s *goquery.Selection) {
		if src, ok := s.Attr("src"); ok {
			add(src, keys.TypeImage)
		}
		if srcset, ok := s.Attr("srcset"); ok {
			if first := firstSrcsetCandidate(srcset); first != "" {
				add(first, keys.TypeImage)
			}
		}
	})

	return out, nil
}

// resolve 把相对地址解析为绝对 http(s) URL；协议相对地址补 https。
func resolve(base *url.URL, raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.HasPrefix(raw, "data:") || strings.HasPrefix(raw, "#") {
		return "", false
	}
	if strings.HasPrefix(raw, "//") {
		raw = "https:" + raw
	}
	ref, err := url.Parse(raw)
	if err != nil {
		return "", false
	}
	abs := ref
	if base != nil {
		abs = base.ResolveReference(ref)
	}
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return "", false
	}
	abs.Fragment = ""
	return abs.String(), true
}

func firstSrcsetCandidate(srcset string) string {
	first := strings.TrimSpace(strings.Split(srcset, ",")[0])
	if first == "" {
		return ""
	}
	return strings.Fields(first)[0]
}

func hasToken(list, token string) bool {
	for _, field := range strings.Fields(list) {
		if strings.EqualFold(field, token) {
			return true
		}
	}
	return false
}
