package upstream

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sirupsen/logrus"
)

// Request 描述一次上游 GET/HEAD 请求。
type Request struct {
	Method string
	URL    string
	Header http.Header
	// Timeout 覆盖客户端默认超时，0 表示沿用。
	Timeout  time.Duration
	Proxy    *url.URL
	Username string
	Password string
}

// Response 是上游返回的状态、头部与正文；调用方负责关闭 Body。
type Response struct {
	Status int
	Header http.Header
	Body   io.ReadCloser
}

// Fetcher 抽象网络层，便于测试替换。
type Fetcher interface {
	Fetch(ctx context.Context, req Request) (*Response, error)
}

// HTTPFetcher 基于共享 http.Client 访问上游，对传输错误与 5xx 做指数退避重试。
type HTTPFetcher struct {
	Client         *http.Client
	Logger         *logrus.Logger
	MaxRetries     int
	InitialBackoff time.Duration
}

// NewHTTPFetcher 构造默认的网络协作者。
func NewHTTPFetcher(client *http.Client, logger *logrus.Logger, maxRetries int, initialBackoff time.Duration) *HTTPFetcher {
	if client == nil {
		client = NewClient(0)
	}
	return &HTTPFetcher{
		Client:         client,
		Logger:         logger,
		MaxRetries:     maxRetries,
		InitialBackoff: initialBackoff,
	}
}

var errRetryableStatus = errors.New("retryable upstream status")

// Fetch 执行请求。重试耗尽后，最后一次 5xx 响应会原样返回而不是转成错误，
// 让调用方自行决定是否走缓存兜底。
func (f *HTTPFetcher) Fetch(ctx context.Context, req Request) (*Response, error) {
	maxTries := uint(1)
	if f.MaxRetries > 0 {
		maxTries += uint(f.MaxRetries)
	}
	policy := backoff.NewExponentialBackOff()
	if f.InitialBackoff > 0 {
		policy.InitialInterval = f.InitialBackoff
	}

	attempt := uint(0)
	operation := func() (*http.Response, error) {
		attempt++
		resp, err := f.do(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, backoff.Permanent(err)
			}
			f.logRetry(req, attempt, 0, err)
			return nil, err
		}
		if resp.StatusCode >= http.StatusInternalServerError && attempt < maxTries {
			resp.Body.Close()
			f.logRetry(req, attempt, resp.StatusCode, errRetryableStatus)
			return nil, fmt.Errorf("%w: %d", errRetryableStatus, resp.StatusCode)
		}
		return resp, nil
	}

	resp, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(maxTries),
	)
	if err != nil {
		return nil, err
	}
	return &Response{Status: resp.StatusCode, Header: resp.Header, Body: resp.Body}, nil
}

func (f *HTTPFetcher) do(ctx context.Context, req Request) (*http.Response, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	var cancel context.CancelFunc
	if req.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, http.NoBody)
	if err != nil {
		if cancel != nil {
			cancel()
		}
		return nil, backoff.Permanent(err)
	}
	CopyHeaders(httpReq.Header, req.Header)
	httpReq.Header.Del("Accept-Encoding")
	if req.Username != "" {
		httpReq.Header.Set("Authorization", buildCredentialHeader(req.Username, req.Password))
	}

	resp, err := f.client(req).Do(httpReq)
	if err != nil {
		if cancel != nil {
			cancel()
		}
		return nil, err
	}
	if cancel != nil {
		resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	}
	return resp, nil
}

func (f *HTTPFetcher) client(req Request) *http.Client {
	if req.Proxy == nil {
		return f.Client
	}
	transport := http.Transport{}
	if base, ok := f.Client.Transport.(*http.Transport); ok && base != nil {
		transport = *base.Clone()
	}
	transport.Proxy = http.ProxyURL(req.Proxy)
	client := *f.Client
	client.Transport = &transport
	return &client
}

func (f *HTTPFetcher) logRetry(req Request, attempt uint, status int, err error) {
	if f.Logger == nil {
		return
	}
	f.Logger.WithFields(logrus.Fields{
		"action":          "upstream_retry",
		"upstream":        req.URL,
		"upstream_status": status,
		"attempt":         attempt,
	}).WithError(err).Warn("upstream_attempt_failed")
}

func buildCredentialHeader(username, password string) string {
	token := base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
	return "Basic " + token
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
