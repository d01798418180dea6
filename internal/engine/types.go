// Package engine is the read path of the article cache. Engine.Fetch decides
// between the network and the cache for every resource: a 200 is delivered
// and handed to the write pipeline, a 304 is answered from the stored copy,
// and a failure falls back to the best cached variant.
package engine

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/any-hub/article-cache/internal/keys"
	"github.com/any-hub/article-cache/internal/pipeline"
)

// Source 说明响应正文来自哪里。
type Source string

const (
	SourceNetwork     Source = "network"
	SourceRevalidated Source = "revalidated"
	SourceFallback    Source = "fallback"
	SourcePassthrough Source = "passthrough"
)

// State 记录一次 Fetch 的决策进度，用于日志与诊断。
type State int

const (
	StateIdle State = iota
	StateNetworkAttempted
	StateNetworkSucceeded
	StateNetworkFailed
	StateResolved
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateNetworkAttempted:
		return "network_attempted"
	case StateNetworkSucceeded:
		return "network_succeeded"
	case StateNetworkFailed:
		return "network_failed"
	case StateResolved:
		return "resolved"
	default:
		return "unknown"
	}
}

// Transport 是站点级别的上游访问参数。
type Transport struct {
	Timeout  time.Duration
	Proxy    *url.URL
	Username string
	Password string
}

// Request 是 Fetch 的输入。
type Request struct {
	URL            string
	Type           keys.ResourceType
	Variant        string
	AcceptLanguage string
	// GroupKey 为所属文档 URL；为空时资源自成一组。
	GroupKey string
	// Header 为需要转发给上游的额外请求头。
	Header    http.Header
	Transport Transport
	// SyncWrite 为 true 时在返回前同步落盘（离线预热使用）。
	SyncWrite bool
}

// Response 是 Fetch 的输出；调用方负责关闭 Body。
type Response struct {
	Status  int
	Header  http.Header
	Body    io.ReadCloser
	Size    int64
	Source  Source
	Variant string
	ItemKey string
	State   State
}

// Writer 是写入管线的最小接口。
type Writer interface {
	Enqueue(ctx context.Context, job pipeline.Job) bool
	Persist(ctx context.Context, job pipeline.Job) (pipeline.Result, error)
}
