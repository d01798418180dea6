package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/article-cache/internal/cache"
	"github.com/any-hub/article-cache/internal/cacheerr"
	"github.com/any-hub/article-cache/internal/index"
	"github.com/any-hub/article-cache/internal/keys"
	"github.com/any-hub/article-cache/internal/metrics"
	"github.com/any-hub/article-cache/internal/pipeline"
	"github.com/any-hub/article-cache/internal/resource"
	"github.com/any-hub/article-cache/internal/upstream"
)

const defaultMaxObjectBytes int64 = 32 << 20

// Options 注入 Engine 的全部协作者。
type Options struct {
	Index          index.Index
	Store          cache.Store
	Writer         Writer
	Fetcher        upstream.Fetcher
	Logger         *logrus.Logger
	Metrics        *metrics.Metrics
	MaxObjectBytes int64
}

// Engine 是显式构造、可并发使用的读路径入口。
type Engine struct {
	index          index.Index
	store          cache.Store
	writer         Writer
	fetcher        upstream.Fetcher
	logger         *logrus.Logger
	metrics        *metrics.Metrics
	maxObjectBytes int64
	now            func() time.Time
}

// New 构造 Engine。
func New(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	maxBytes := opts.MaxObjectBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxObjectBytes
	}
	return &Engine{
		index:          opts.Index,
		store:          opts.Store,
		writer:         opts.Writer,
		fetcher:        opts.Fetcher,
		logger:         logger,
		metrics:        opts.Metrics,
		maxObjectBytes: maxBytes,
		now:            time.Now,
	}
}

// fetchState 贯穿一次 Fetch 的中间结果。
type fetchState struct {
	req      Request
	profile  resource.Profile
	ident    keys.Identity
	state    State
	status   int
	started  time.Time
	groupKey string
}

// Fetch 执行完整的读路径决策。
func (e *Engine) Fetch(ctx context.Context, req Request) (*Response, error) {
	if _, err := keys.ParseURL(req.URL); err != nil {
		return nil, err
	}
	profile := resource.Resolve(req.Type)
	rreq := resource.Request{URL: req.URL, Variant: req.Variant, AcceptLanguage: req.AcceptLanguage}
	ident, err := keys.Derive(req.URL, profile.Type, profile.Variant(rreq))
	if err != nil {
		return nil, err
	}

	st := &fetchState{
		req:      req,
		profile:  profile,
		ident:    ident,
		state:    StateIdle,
		started:  e.now(),
		groupKey: req.GroupKey,
	}

	header := e.conditionalHeaders(ctx, st)
	st.state = StateNetworkAttempted
	fetchStarted := time.Now()
	resp, fetchErr := e.fetcher.Fetch(ctx, upstream.Request{
		Method:   http.MethodGet,
		URL:      req.URL,
		Header:   header,
		Timeout:  req.Transport.Timeout,
		Proxy:    req.Transport.Proxy,
		Username: req.Transport.Username,
		Password: req.Transport.Password,
	})
	e.metrics.ObserveUpstream(time.Since(fetchStarted))

	if fetchErr != nil {
		st.state = StateNetworkFailed
		if ctx.Err() != nil {
			return nil, e.finishErr(st, &cacheerr.NetworkError{URL: req.URL, Err: ctx.Err()})
		}
		return e.fallback(ctx, st, fetchErr)
	}

	st.status = resp.Status
	switch {
	case resp.Status == http.StatusOK:
		st.state = StateNetworkSucceeded
		return e.deliverNetwork(ctx, st, resp)
	case resp.Status == http.StatusNotModified:
		st.state = StateNetworkSucceeded
		resp.Body.Close()
		return e.deliverRevalidated(ctx, st)
	case resp.Status >= http.StatusInternalServerError:
		st.state = StateNetworkFailed
		resp.Body.Close()
		return e.fallback(ctx, st, fmt.Errorf("upstream status %d", resp.Status))
	default:
		st.state = StateNetworkSucceeded
		out := &Response{
			Status:  resp.Status,
			Header:  deliveryHeaders(resp.Header),
			Body:    resp.Body,
			Size:    contentLength(resp.Header),
			Source:  SourcePassthrough,
			Variant: st.ident.Variant,
		}
		return e.finish(st, out), nil
	}
}

// conditionalHeaders 构造上游请求头；命中已落盘副本时附带 If-None-Match/If-Modified-Since。
func (e *Engine) conditionalHeaders(ctx context.Context, st *fetchState) http.Header {
	header := http.Header{}
	if st.req.Header != nil {
		upstream.CopyHeaders(header, st.req.Header)
	}
	header.Del("If-None-Match")
	header.Del("If-Modified-Since")
	if st.req.AcceptLanguage != "" {
		header.Set("Accept-Language", st.req.AcceptLanguage)
	}

	item, err := e.index.LookupItem(ctx, st.ident.ItemKey, st.ident.Variant)
	if err != nil {
		e.logStorage(st, "lookup_item", err)
		return header
	}
	if item == nil || !item.Persisted {
		return header
	}
	stored, err := cache.LoadHeaders(ctx, e.store, st.ident.HeaderFileName)
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			e.logStorage(st, "load_headers", err)
		}
		return header
	}
	if etag := stored.Get("Etag"); etag != "" {
		header.Set("If-None-Match", etag)
	}
	if lastModified := stored.Get("Last-Modified"); lastModified != "" {
		header.Set("If-Modified-Since", lastModified)
	}
	return header
}

func (e *Engine) deliverNetwork(ctx context.Context, st *fetchState, resp *upstream.Response) (*Response, error) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, e.maxObjectBytes+1))
	if err != nil {
		resp.Body.Close()
		st.state = StateNetworkFailed
		return e.fallback(ctx, st, err)
	}

	out := &Response{
		Status:  http.StatusOK,
		Header:  deliveryHeaders(resp.Header),
		Source:  SourceNetwork,
		Variant: st.ident.Variant,
		ItemKey: st.ident.ItemKey,
	}

	if int64(len(body)) > e.maxObjectBytes {
		// 超过上限的对象直接透传，不进入缓存
		out.Body = readCloser{Reader: io.MultiReader(bytes.NewReader(body), resp.Body), Closer: resp.Body}
		out.Size = contentLength(resp.Header)
		e.logger.WithFields(e.fields(st)).Warn("engine_object_too_large")
		return e.finish(st, out), nil
	}
	resp.Body.Close()

	out.Body = io.NopCloser(bytes.NewReader(body))
	out.Size = int64(len(body))
	out.Header.Set("Content-Length", strconv.Itoa(len(body)))

	e.write(ctx, st, resp.Header, body)
	return e.finish(st, out), nil
}

func (e *Engine) write(ctx context.Context, st *fetchState, header http.Header, body []byte) {
	if e.writer == nil {
		return
	}
	job := pipeline.Job{
		GroupKey: st.groupKey,
		URL:      st.req.URL,
		Type:     st.profile.Type,
		Variant:  st.ident.Variant,
		Header:   header.Clone(),
		Body:     body,
	}
	if st.req.SyncWrite {
		if _, err := e.writer.Persist(ctx, job); err != nil {
			e.logger.WithFields(e.fields(st)).WithError(err).Warn("engine_sync_write_failed")
		}
		return
	}
	e.writer.Enqueue(ctx, job)
}

func (e *Engine) deliverRevalidated(ctx context.Context, st *fetchState) (*Response, error) {
	item, err := e.index.LookupItem(ctx, st.ident.ItemKey, st.ident.Variant)
	if err != nil {
		e.logStorage(st, "lookup_item", err)
		return nil, e.finishErr(st, &cacheerr.NetworkError{URL: st.req.URL, Status: st.status, Err: err})
	}
	if item == nil || !item.Persisted {
		return nil, e.finishErr(st, fmt.Errorf("%w: %s", cacheerr.ErrCacheMiss, st.req.URL))
	}
	out, err := e.openCached(ctx, st, *item)
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			return nil, e.finishErr(st, fmt.Errorf("%w: %s", cacheerr.ErrCacheMiss, st.req.URL))
		}
		e.logStorage(st, "open_cached", err)
		return nil, e.finishErr(st, &cacheerr.NetworkError{URL: st.req.URL, Status: st.status, Err: err})
	}
	out.Source = SourceRevalidated
	return e.finish(st, out), nil
}

// fallback 按偏好链查找最合适的已缓存 variant；找不到时返回携带原因的 NetworkError。
func (e *Engine) fallback(ctx context.Context, st *fetchState, cause error) (*Response, error) {
	netErr := &cacheerr.NetworkError{URL: st.req.URL, Status: st.status, Err: cause}

	var cached []string
	if st.profile.UsesCachedVariants {
		variants, err := e.index.CachedVariants(ctx, st.ident.ItemKey)
		if err != nil {
			e.logStorage(st, "cached_variants", err)
		}
		cached = variants
	}
	rreq := resource.Request{URL: st.req.URL, Variant: st.req.Variant, AcceptLanguage: st.req.AcceptLanguage}
	chain := st.profile.PreferenceChain(st.ident.Variant, rreq, cached)

	item, err := e.index.FindBestVariant(ctx, st.ident.ItemKey, chain)
	if err != nil {
		e.logStorage(st, "find_best_variant", err)
		return nil, e.finishErr(st, netErr)
	}
	if item == nil {
		return nil, e.finishErr(st, netErr)
	}

	out, err := e.openCached(ctx, st, *item)
	if err != nil {
		e.logStorage(st, "open_cached", err)
		return nil, e.finishErr(st, netErr)
	}
	out.Source = SourceFallback
	return e.finish(st, out), nil
}

func (e *Engine) openCached(ctx context.Context, st *fetchState, item index.Item) (*Response, error) {
	ident := item.Identity()
	header, err := cache.LoadHeaders(ctx, e.store, ident.HeaderFileName)
	if err != nil {
		return nil, err
	}
	body, err := e.store.Open(ctx, ident.BodyFileName)
	if err != nil {
		return nil, err
	}
	if header.Get("Content-Type") == "" {
		header.Set("Content-Type", st.profile.DefaultContentType)
	}
	header.Set("Content-Length", strconv.FormatInt(body.Entry.SizeBytes, 10))
	return &Response{
		Status:  http.StatusOK,
		Header:  header,
		Body:    body.Reader,
		Size:    body.Entry.SizeBytes,
		Variant: item.Variant,
		ItemKey: item.ItemKey,
	}, nil
}

func (e *Engine) finish(st *fetchState, out *Response) *Response {
	st.state = StateResolved
	out.State = st.state
	if out.ItemKey == "" {
		out.ItemKey = st.ident.ItemKey
	}
	e.metrics.ObserveRequest(string(st.profile.Type), string(out.Source))
	fields := e.fields(st)
	fields["source"] = string(out.Source)
	fields["served_variant"] = out.Variant
	e.logger.WithFields(fields).Info("engine_fetch_complete")
	return out
}

func (e *Engine) finishErr(st *fetchState, err error) error {
	e.metrics.ObserveRequest(string(st.profile.Type), "error")
	e.logger.WithFields(e.fields(st)).WithError(err).Warn("engine_fetch_failed")
	return err
}

func (e *Engine) fields(st *fetchState) logrus.Fields {
	return logrus.Fields{
		"action":          "engine_fetch",
		"url":             st.req.URL,
		"type":            string(st.profile.Type),
		"item_key":        st.ident.ItemKey,
		"variant":         st.ident.Variant,
		"group":           st.groupKey,
		"state":           st.state.String(),
		"upstream_status": st.status,
		"elapsed_ms":      e.now().Sub(st.started).Milliseconds(),
	}
}

func (e *Engine) logStorage(st *fetchState, op string, err error) {
	fields := e.fields(st)
	fields["op"] = op
	e.logger.WithFields(fields).WithError(err).Error("engine_cache_unavailable")
}

func deliveryHeaders(src http.Header) http.Header {
	dst := http.Header{}
	upstream.CopyHeaders(dst, src)
	return dst
}

func contentLength(h http.Header) int64 {
	n, err := strconv.ParseInt(h.Get("Content-Length"), 10, 64)
	if err != nil {
		return -1
	}
	return n
}

type readCloser struct {
	io.Reader
	io.Closer
}
