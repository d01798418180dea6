// Package janitor reclaims disk space left behind by the cache: blob files
// that no index row references any more (after a purge whose file removal
// failed, or a crash between the index commit and the unlink) and temporary
// files abandoned by interrupted writers.
package janitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/article-cache/internal/cache"
	"github.com/any-hub/article-cache/internal/keys"
	"github.com/any-hub/article-cache/internal/metrics"
)

const defaultGracePeriod = time.Hour

// Referencer 返回索引中仍被引用的全部标识。
type Referencer interface {
	ReferencedIdentities(ctx context.Context) ([]keys.Identity, error)
}

// Options 配置清理任务。
type Options struct {
	Index   Referencer
	Store   cache.Store
	Logger  *logrus.Logger
	Metrics *metrics.Metrics
	// Schedule 为 cron 表达式或 @every 描述符，空串表示不启用定时清理。
	Schedule string
	// GracePeriod 内修改过的文件一律保留，避免误删正在写入或刚写入的 blob。
	GracePeriod time.Duration
}

// Report 汇总一次清理的结果。
type Report struct {
	Scanned     int `json:"scanned"`
	Referenced  int `json:"referenced"`
	Removed     int `json:"removed"`
	TempRemoved int `json:"temp_removed"`
	Young       int `json:"kept_within_grace"`
	Failures    int `json:"failures"`
}

// Janitor 周期性删除孤儿文件。
type Janitor struct {
	index    Referencer
	store    cache.Store
	logger   *logrus.Logger
	metrics  *metrics.Metrics
	schedule string
	grace    time.Duration
	now      func() time.Time

	mu   sync.Mutex
	cron *cron.Cron
	run  sync.Mutex
}

// New 构造 Janitor，不会自动启动调度。
func New(opts Options) *Janitor {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	grace := opts.GracePeriod
	if grace <= 0 {
		grace = defaultGracePeriod
	}
	return &Janitor{
		index:    opts.Index,
		store:    opts.Store,
		logger:   logger,
		metrics:  opts.Metrics,
		schedule: opts.Schedule,
		grace:    grace,
		now:      time.Now,
	}
}

// Start 按 Schedule 注册定时任务；Schedule 为空时直接返回。
func (j *Janitor) Start() error {
	if j.schedule == "" {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.cron != nil {
		return errors.New("janitor already started")
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	logger := cronLogger{logger: j.logger}
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(logger)), cron.WithLogger(logger))
	if _, err := c.AddFunc(j.schedule, func() {
		if _, err := j.RunOnce(context.Background()); err != nil {
			j.logger.WithField("action", "sweep").WithError(err).Error("sweep_failed")
		}
	}); err != nil {
		return fmt.Errorf("schedule sweep %q: %w", j.schedule, err)
	}
	c.Start()
	j.cron = c
	j.logger.WithFields(logrus.Fields{
		"action":   "sweep",
		"schedule": j.schedule,
		"grace":    j.grace.String(),
	}).Info("sweep_scheduled")
	return nil
}

// Stop 停止调度并等待正在执行的清理结束。
func (j *Janitor) Stop(ctx context.Context) error {
	j.mu.Lock()
	c := j.cron
	j.cron = nil
	j.mu.Unlock()
	if c == nil {
		return nil
	}
	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce 执行一次完整清理。并发调用会串行执行。
func (j *Janitor) RunOnce(ctx context.Context) (Report, error) {
	j.run.Lock()
	defer j.run.Unlock()

	var report Report
	idents, err := j.index.ReferencedIdentities(ctx)
	if err != nil {
		return report, err
	}
	referenced := make(map[string]struct{}, len(idents)*2)
	for _, ident := range idents {
		referenced[ident.BodyFileName] = struct{}{}
		referenced[ident.HeaderFileName] = struct{}{}
	}

	cutoff := j.now().Add(-j.grace)
	var failures error
	err = j.store.Walk(ctx, func(entry cache.Entry) error {
		report.Scanned++
		if _, ok := referenced[entry.Name]; ok && !entry.Temporary {
			report.Referenced++
			return nil
		}
		if entry.ModTime.After(cutoff) {
			report.Young++
			return nil
		}
		if entry.Temporary {
			if err := j.store.RemoveTemp(ctx, entry); err != nil {
				report.Failures++
				failures = errors.Join(failures, err)
				return nil
			}
			report.TempRemoved++
			return nil
		}
		if err := j.store.Remove(ctx, entry.Name); err != nil {
			report.Failures++
			failures = errors.Join(failures, err)
			return nil
		}
		report.Removed++
		return nil
	})
	j.metrics.ObserveRemoval("sweep", report.Removed+report.TempRemoved)

	fields := logrus.Fields{
		"action":       "sweep",
		"scanned":      report.Scanned,
		"referenced":   report.Referenced,
		"removed":      report.Removed,
		"temp_removed": report.TempRemoved,
		"young":        report.Young,
	}
	if failures != nil {
		j.logger.WithFields(fields).WithError(failures).Warn("sweep_incomplete")
	} else {
		j.logger.WithFields(fields).Info("sweep_complete")
	}
	return report, err
}

// cronLogger 把 cron 内部日志转发到 logrus。
type cronLogger struct {
	logger *logrus.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.WithFields(kvFields(keysAndValues)).Debug(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.WithFields(kvFields(keysAndValues)).WithError(err).Error(msg)
}

func kvFields(keysAndValues []interface{}) logrus.Fields {
	fields := logrus.Fields{"action": "sweep_scheduler"}
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fields[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return fields
}
