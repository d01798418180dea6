// Package pipeline persists fetched resources off the request path. A job
// records the group/item rows, writes the body and header blobs and only then
// marks the item persisted, so readers never rely on an item whose files are
// incomplete.
package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/article-cache/internal/cache"
	"github.com/any-hub/article-cache/internal/index"
	"github.com/any-hub/article-cache/internal/keys"
	"github.com/any-hub/article-cache/internal/metrics"
	"github.com/any-hub/article-cache/internal/upstream"
)

var (
	// ErrClosed 表示管线已关闭，不再接收任务。
	ErrClosed = errors.New("write pipeline closed")
	// ErrBlobMissing 表示写入完成后 blob 已被并发的清理删除，条目不会被标记为已落盘。
	ErrBlobMissing = errors.New("cache blob vanished before commit")
)

// Job 是一次需要落盘的上游响应。
type Job struct {
	GroupKey string
	URL      string
	Type     keys.ResourceType
	Variant  string
	Header   http.Header
	Body     []byte
}

// Result 汇总一次 Persist 的结果。
type Result struct {
	Group      index.Group
	Item       index.Item
	Body       cache.SaveResult
	Header     cache.SaveResult
	Superseded bool
}

// Options 配置管线依赖与并发度。
type Options struct {
	Index        index.Index
	Store        cache.Store
	Logger       *logrus.Logger
	Metrics      *metrics.Metrics
	Workers      int
	QueueSize    int
	WriteTimeout time.Duration
}

// Pipeline 持有有界任务队列与固定数量的 worker。
type Pipeline struct {
	index        index.Index
	store        cache.Store
	logger       *logrus.Logger
	metrics      *metrics.Metrics
	writeTimeout time.Duration

	// identities 以正文文件名为键，保证同一资源的正文与头部作为一对被写入或替换。
	identMu    sync.Mutex
	identities map[string]*identityLock

	jobs   chan Job
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
}

// New 构造并启动管线 worker。
func New(opts Options) *Pipeline {
	workers := opts.Workers
	if workers <= 0 {
		workers = 1
	}
	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = 64
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	timeout := opts.WriteTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	p := &Pipeline{
		index:        opts.Index,
		store:        opts.Store,
		logger:       logger,
		metrics:      opts.Metrics,
		writeTimeout: timeout,
		identities:   make(map[string]*identityLock),
		jobs:         make(chan Job, queueSize),
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// Enqueue 非阻塞投递任务；队列已满、管线已关闭或请求已取消时丢弃并返回 false。
func (p *Pipeline) Enqueue(ctx context.Context, job Job) bool {
	if ctx != nil && ctx.Err() != nil {
		return false
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		p.metrics.ObserveWrite("dropped")
		return false
	}

	select {
	case p.jobs <- job:
		p.metrics.SetQueueDepth(len(p.jobs))
		return true
	default:
		p.metrics.ObserveWrite("dropped")
		p.logger.WithFields(logrus.Fields{
			"action":  "pipeline_enqueue",
			"group":   job.GroupKey,
			"url":     job.URL,
			"variant": job.Variant,
		}).Warn("pipeline_queue_full")
		return false
	}
}

// Close 停止接收新任务并等待队列排空；ctx 到期时提前返回。
func (p *Pipeline) Close(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.jobs)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pipeline) worker() {
	defer p.wg.Done()
	for job := range p.jobs {
		p.metrics.SetQueueDepth(len(p.jobs))
		// 任务使用独立 context，请求方取消不影响已入队的写入
		ctx, cancel := context.WithTimeout(context.Background(), p.writeTimeout)
		_, _ = p.Persist(ctx, job)
		cancel()
	}
}

// Persist 同步执行一次完整写入：登记索引 → 写正文 → 写头部 → 标记已落盘。
// 失败时条目保持未落盘状态，错误会被记录并返回。
func (p *Pipeline) Persist(ctx context.Context, job Job) (Result, error) {
	started := time.Now()
	fields := logrus.Fields{
		"action":  "pipeline_persist",
		"group":   job.GroupKey,
		"url":     job.URL,
		"type":    string(job.Type),
		"variant": job.Variant,
	}

	ident, err := keys.Derive(job.URL, job.Type, job.Variant)
	if err != nil {
		p.fail(fields, "invalid", err)
		return Result{}, err
	}
	fields["item_key"] = ident.ItemKey

	groupKey := job.GroupKey
	if groupKey == "" {
		groupKey = ident.ItemKey
	}
	if canonical, err := keys.Canonical(groupKey); err == nil {
		groupKey = canonical
	}

	group, item, err := p.index.Record(ctx, groupKey, index.ItemSpec{
		URL:     job.URL,
		ItemKey: ident.ItemKey,
		Variant: ident.Variant,
	})
	if err != nil {
		p.fail(fields, "index_error", err)
		return Result{}, err
	}
	result := Result{Group: group, Item: item}

	headerBlob, err := cache.EncodeHeaders(upstream.StorableHeaders(job.Header, len(job.Body)))
	if err != nil {
		p.fail(fields, "unpersisted", err)
		return result, err
	}

	unlock := p.lockIdentity(ident.BodyFileName)
	defer unlock()

	bodyRes, bodyReplaced, err := p.write(ctx, ident.BodyFileName, job.Body)
	if err != nil {
		p.fail(fields, "unpersisted", fmt.Errorf("write body: %w", err))
		return result, err
	}
	headerRes, headerReplaced, err := p.write(ctx, ident.HeaderFileName, headerBlob)
	if err != nil {
		p.fail(fields, "unpersisted", fmt.Errorf("write header: %w", err))
		return result, err
	}

	// AlreadyExists 的 blob 可能刚被 purge/sweep 删除，标记前再确认一次。
	if err := p.ensurePresent(ctx, ident); err != nil {
		p.fail(fields, "unpersisted", err)
		return result, err
	}
	if err := p.index.MarkPersisted(ctx, item); err != nil {
		p.fail(fields, "index_error", err)
		return result, err
	}
	item.Persisted = true

	result.Item = item
	result.Body = bodyRes
	result.Header = headerRes
	result.Superseded = bodyReplaced || headerReplaced

	p.metrics.ObserveWrite("persisted")
	fields["body_result"] = bodyRes.String()
	fields["header_result"] = headerRes.String()
	fields["superseded"] = result.Superseded
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	p.logger.WithFields(fields).Debug("pipeline_persisted")
	return result, nil
}

// write 优先 create-if-absent；已存在且内容不同则视为上游新版本并原子替换。
func (p *Pipeline) write(ctx context.Context, name string, data []byte) (cache.SaveResult, bool, error) {
	existing, err := p.store.Read(ctx, name)
	switch {
	case err == nil:
		if bytes.Equal(existing, data) {
			return cache.AlreadyExists, false, nil
		}
		if err := p.store.Replace(ctx, name, bytes.NewReader(data)); err != nil {
			return 0, false, err
		}
		return cache.Created, true, nil
	case errors.Is(err, cache.ErrNotFound):
		res, err := p.store.SaveIfAbsent(ctx, name, bytes.NewReader(data))
		return res, false, err
	default:
		return 0, false, err
	}
}

func (p *Pipeline) ensurePresent(ctx context.Context, ident keys.Identity) error {
	for _, name := range []string{ident.BodyFileName, ident.HeaderFileName} {
		res, err := p.store.Open(ctx, name)
		if errors.Is(err, cache.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrBlobMissing, name)
		}
		if err != nil {
			return err
		}
		res.Reader.Close()
	}
	return nil
}

type identityLock struct {
	mu   sync.Mutex
	refs int
}

// lockIdentity 串行化同一资源的写入，返回解锁函数。
func (p *Pipeline) lockIdentity(name string) func() {
	p.identMu.Lock()
	lock := p.identities[name]
	if lock == nil {
		lock = &identityLock{}
		p.identities[name] = lock
	}
	lock.refs++
	p.identMu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		p.identMu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(p.identities, name)
		}
		p.identMu.Unlock()
	}
}

func (p *Pipeline) fail(fields logrus.Fields, result string, err error) {
	p.metrics.ObserveWrite(result)
	p.logger.WithFields(fields).WithError(err).Error("pipeline_persist_failed")
}
