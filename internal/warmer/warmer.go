// Package warmer saves a document for offline reading: it fetches the page
// through the cache engine, extracts the stylesheets, scripts and images it
// references, and fetches each of them into the document's group with
// synchronous persistence.
package warmer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/article-cache/internal/engine"
	"github.com/any-hub/article-cache/internal/keys"
	"github.com/any-hub/article-cache/internal/server"
)

const defaultConcurrency = 4

// ErrSiteNotAllowed 表示文档所在站点未在配置中声明。
var ErrSiteNotAllowed = errors.New("site is not configured")

// Fetcher 是预热依赖的读路径入口，由 engine.Engine 实现。
type Fetcher interface {
	Fetch(ctx context.Context, req engine.Request) (*engine.Response, error)
}

// SiteLookup 根据 host 返回站点配置，由 server.SiteRegistry 实现。
type SiteLookup interface {
	Lookup(host string) (*server.SiteRoute, bool)
}

// Options 配置预热器。
type Options struct {
	Fetcher     Fetcher
	Sites       SiteLookup
	Logger      *logrus.Logger
	Concurrency int
}

// Report 汇总一次预热的结果。
type Report struct {
	Document  string   `json:"document"`
	Variant   string   `json:"variant"`
	Resources int      `json:"resources"`
	Fetched   int      `json:"fetched"`
	Failed    int      `json:"failed"`
	Skipped   int      `json:"skipped"`
	Errors    []string `json:"errors,omitempty"`
}

// Warmer 并发抓取文档及其资源并同步落盘。
type Warmer struct {
	fetcher     Fetcher
	sites       SiteLookup
	logger      *logrus.Logger
	concurrency int
}

// New 构造 Warmer。
func New(opts Options) *Warmer {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	return &Warmer{
		fetcher:     opts.Fetcher,
		sites:       opts.Sites,
		logger:      logger,
		concurrency: concurrency,
	}
}

// Warm 缓存文档本身及其引用的全部资源，资源归入文档所在分组。
// 文档抓取失败返回错误；单个资源失败只计入 Report.Failed。
func (w *Warmer) Warm(ctx context.Context, documentURL, acceptLanguage string) (Report, error) {
	report := Report{Document: documentURL}
	parsed, err := keys.ParseURL(documentURL)
	if err != nil {
		return report, err
	}
	site, ok := w.sites.Lookup(parsed.Host)
	if !ok {
		return report, fmt.Errorf("%w: %s", ErrSiteNotAllowed, parsed.Host)
	}

	resp, err := w.fetcher.Fetch(ctx, engine.Request{
		URL:            documentURL,
		Type:           keys.TypeArticle,
		AcceptLanguage: acceptLanguage,
		GroupKey:       documentURL,
		Transport:      site.Transport(),
		SyncWrite:      true,
	})
	if err != nil {
		return report, err
	}
	defer resp.Body.Close()
	report.Variant = resp.Variant
	if resp.Status != http.StatusOK {
		return report, fmt.Errorf("document %s returned status %d", documentURL, resp.Status)
	}

	resources, err := ExtractResources(parsed, resp.Body)
	if err != nil {
		return report, err
	}
	report.Resources = len(resources)

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = make(chan struct{}, w.concurrency)
	)
	record := func(fn func(r *Report)) {
		mu.Lock()
		fn(&report)
		mu.Unlock()
	}

	for _, res := range resources {
		resParsed, err := keys.ParseURL(res.URL)
		if err != nil {
			record(func(r *Report) { r.Skipped++ })
			continue
		}
		resSite, ok := w.sites.Lookup(resParsed.Host)
		if !ok {
			record(func(r *Report) { r.Skipped++ })
			continue
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(res Resource, transport engine.Transport) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := w.fetchResource(ctx, documentURL, acceptLanguage, res, transport); err != nil {
				w.logger.WithFields(logrus.Fields{
					"action":   "warm",
					"document": documentURL,
					"resource": res.URL,
				}).WithError(err).Warn("warm_resource_failed")
				record(func(r *Report) {
					r.Failed++
					r.Errors = append(r.Errors, fmt.Sprintf("%s: %v", res.URL, err))
				})
				return
			}
			record(func(r *Report) { r.Fetched++ })
		}(res, resSite.Transport())
	}
	wg.Wait()

	w.logger.WithFields(logrus.Fields{
		"action":    "warm",
		"document":  documentURL,
		"resources": report.Resources,
		"fetched":   report.Fetched,
		"failed":    report.Failed,
		"skipped":   report.Skipped,
	}).Info("warm_complete")
	return report, nil
}

func (w *Warmer) fetchResource(ctx context.Context, group, acceptLanguage string, res Resource, transport engine.Transport) error {
	resp, err := w.fetcher.Fetch(ctx, engine.Request{
		URL:            res.URL,
		Type:           res.Type,
		AcceptLanguage: acceptLanguage,
		GroupKey:       group,
		Transport:      transport,
		SyncWrite:      true,
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		return err
	}
	if resp.Status != http.StatusOK {
		return fmt.Errorf("status %d", resp.Status)
	}
	return nil
}
