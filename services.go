package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/article-cache/internal/cache"
	"github.com/any-hub/article-cache/internal/config"
	"github.com/any-hub/article-cache/internal/engine"
	"github.com/any-hub/article-cache/internal/index"
	"github.com/any-hub/article-cache/internal/janitor"
	"github.com/any-hub/article-cache/internal/metrics"
	"github.com/any-hub/article-cache/internal/pipeline"
	"github.com/any-hub/article-cache/internal/proxy"
	"github.com/any-hub/article-cache/internal/server"
	"github.com/any-hub/article-cache/internal/upstream"
	"github.com/any-hub/article-cache/internal/warmer"
)

// services 聚合一次进程生命周期内显式构造的全部组件。
type services struct {
	cfg       *config.Config
	logger    *logrus.Logger
	index     *index.SQLIndex
	store     cache.Store
	metrics   *metrics.Metrics
	pipeline  *pipeline.Pipeline
	engine    *engine.Engine
	registry  *server.SiteRegistry
	forwarder *proxy.Forwarder
	warmer    *warmer.Warmer
	janitor   *janitor.Janitor
}

func openServices(cfg *config.Config, logger *logrus.Logger) (*services, error) {
	registry, err := server.NewSiteRegistry(cfg)
	if err != nil {
		return nil, fmt.Errorf("构建站点注册表失败: %w", err)
	}

	store, err := cache.NewStore(cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("初始化文件存储失败: %w", err)
	}
	idx, err := index.Open(cfg.Global.IndexPath)
	if err != nil {
		return nil, fmt.Errorf("打开索引失败: %w", err)
	}

	m := metrics.New()
	pipe := pipeline.New(pipeline.Options{
		Index:        idx,
		Store:        store,
		Logger:       logger,
		Metrics:      m,
		Workers:      cfg.Global.WriteWorkers,
		QueueSize:    cfg.Global.WriteQueueSize,
		WriteTimeout: cfg.Global.WriteTimeout.DurationValue(),
	})
	fetcher := upstream.NewHTTPFetcher(
		upstream.NewClient(cfg.Global.UpstreamTimeout.DurationValue()),
		logger,
		cfg.Global.MaxRetries,
		cfg.Global.InitialBackoff.DurationValue(),
	)
	eng := engine.New(engine.Options{
		Index:          idx,
		Store:          store,
		Writer:         pipe,
		Fetcher:        fetcher,
		Logger:         logger,
		Metrics:        m,
		MaxObjectBytes: cfg.Global.MaxObjectBytes,
	})

	return &services{
		cfg:       cfg,
		logger:    logger,
		index:     idx,
		store:     store,
		metrics:   m,
		pipeline:  pipe,
		engine:    eng,
		registry:  registry,
		forwarder: proxy.NewForwarder(proxy.NewHandler(eng, logger), logger),
		warmer: warmer.New(warmer.Options{
			Fetcher:     eng,
			Sites:       registry,
			Logger:      logger,
			Concurrency: cfg.Global.WarmConcurrency,
		}),
		janitor: janitor.New(janitor.Options{
			Index:       idx,
			Store:       store,
			Logger:      logger,
			Metrics:     m,
			Schedule:    cfg.Global.SweepSchedule,
			GracePeriod: cfg.Global.SweepGracePeriod.DurationValue(),
		}),
	}, nil
}

// Close 停止定时清理、排空写入队列并关闭索引，顺序不可颠倒。
func (r *services) Close(ctx context.Context) error {
	var errs error
	if err := r.janitor.Stop(ctx); err != nil {
		errs = errors.Join(errs, err)
	}
	if err := r.pipeline.Close(ctx); err != nil {
		errs = errors.Join(errs, err)
	}
	if err := r.index.Close(); err != nil {
		errs = errors.Join(errs, err)
	}
	return errs
}
