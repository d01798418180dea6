package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/any-hub/article-cache/internal/config"
	"github.com/any-hub/article-cache/internal/index"
	"github.com/any-hub/article-cache/internal/logging"
	"github.com/any-hub/article-cache/internal/server"
	"github.com/any-hub/article-cache/internal/server/routes"
	"github.com/any-hub/article-cache/internal/version"
)

const (
	configEnv       = "ARTICLE_CACHE_CONFIG"
	shutdownTimeout = 15 * time.Second
)

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	os.Exit(run(os.Args[1:]))
}

// run 执行 CLI 并返回退出码，方便测试。
func run(args []string) int {
	root := newRootCommand()
	root.SetArgs(args)
	root.SetOut(stdOut)
	root.SetErr(stdErr)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(stdErr, err.Error())
		return 1
	}
	return 0
}

func newRootCommand() *cobra.Command {
	var configFlag string

	root := &cobra.Command{
		Use:           "article-cache",
		Short:         "Offline cache for article pages and their resources",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), resolveConfigPath(configFlag))
		},
	}
	root.PersistentFlags().StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 "+configEnv+" 覆盖）")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Start the HTTP cache service",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return serve(cmd.Context(), resolveConfigPath(configFlag))
			},
		},
		&cobra.Command{
			Use:   "check-config",
			Short: "Validate the configuration file and exit",
			Args:  cobra.NoArgs,
			RunE: func(_ *cobra.Command, _ []string) error {
				return checkConfig(resolveConfigPath(configFlag))
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Args:  cobra.NoArgs,
			Run: func(_ *cobra.Command, _ []string) {
				printVersion()
			},
		},
		&cobra.Command{
			Use:   "purge <groupKey>",
			Short: "Delete a cached group and its orphaned files",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withServices(cmd.Context(), resolveConfigPath(configFlag), "purge", func(ctx context.Context, rt *services) (interface{}, error) {
					report, err := rt.engine.Purge(ctx, args[0])
					if errors.Is(err, index.ErrGroupNotFound) {
						return nil, fmt.Errorf("分组不存在: %s", args[0])
					}
					return report, err
				})
			},
		},
		&cobra.Command{
			Use:   "sweep",
			Short: "Remove orphaned blob and temporary files once",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withServices(cmd.Context(), resolveConfigPath(configFlag), "sweep", func(ctx context.Context, rt *services) (interface{}, error) {
					return rt.janitor.RunOnce(ctx)
				})
			},
		},
		newWarmCommand(&configFlag),
	)
	return root
}

func newWarmCommand(configFlag *string) *cobra.Command {
	var acceptLanguage string
	cmd := &cobra.Command{
		Use:   "warm <documentURL>",
		Short: "Save a document and its resources for offline reading",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), resolveConfigPath(*configFlag), "warm", func(ctx context.Context, rt *services) (interface{}, error) {
				return rt.warmer.Warm(ctx, args[0], acceptLanguage)
			})
		},
	}
	cmd.Flags().StringVar(&acceptLanguage, "accept-language", "", "预热时使用的 Accept-Language")
	return cmd
}

// resolveConfigPath 结合 flag 与环境变量计算最终配置路径，flag 优先。
func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv(configEnv); env != "" {
		return env
	}
	return "config.toml"
}

func loadConfigAndLogger(configPath string) (*config.Config, *logrus.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("加载配置失败: %w", err)
	}
	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		return nil, nil, fmt.Errorf("初始化日志失败: %w", err)
	}
	return cfg, logger, nil
}

func checkConfig(configPath string) error {
	cfg, logger, err := loadConfigAndLogger(configPath)
	if err != nil {
		return err
	}
	fields := logging.BaseFields("check_config", configPath)
	fields["sites"] = len(cfg.Sites)
	fields["credentials"] = config.CredentialModes(cfg.Sites)
	fields["result"] = "ok"
	logger.WithFields(fields).Info("配置校验通过")
	return nil
}

// withServices 为一次性子命令构造全部组件，执行 fn 后把结果以 JSON 写到 stdout。
func withServices(ctx context.Context, configPath, action string, fn func(context.Context, *services) (interface{}, error)) error {
	cfg, logger, err := loadConfigAndLogger(configPath)
	if err != nil {
		return err
	}
	rt, err := openServices(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := rt.Close(closeCtx); err != nil {
			logger.WithFields(logging.BaseFields(action, configPath)).WithError(err).Warn("shutdown_incomplete")
		}
	}()

	if ctx == nil {
		ctx = context.Background()
	}
	result, err := fn(ctx, rt)
	if err != nil {
		return err
	}
	encoder := json.NewEncoder(stdOut)
	encoder.SetIndent("", "  ")
	return encoder.Encode(result)
}

// serve 启动 HTTP 服务，收到 SIGINT/SIGTERM 后依次关闭服务、排空写入队列、关闭索引。
func serve(parent context.Context, configPath string) error {
	cfg, logger, err := loadConfigAndLogger(configPath)
	if err != nil {
		return err
	}

	// 启动顺序：配置 → 索引/文件存储 → 写入管线 → 引擎 → Fiber server。
	rt, err := openServices(cfg, logger)
	if err != nil {
		return err
	}

	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Registry:   rt.registry,
		Proxy:      rt.forwarder,
		ListenPort: cfg.Global.ListenPort,
	})
	if err != nil {
		_ = rt.Close(context.Background())
		return err
	}
	routes.RegisterDiagnostics(app, routes.Deps{
		Registry: rt.registry,
		Admin:    rt.engine,
		Warmer:   rt.warmer,
		Metrics:  rt.metrics,
	})

	if err := rt.janitor.Start(); err != nil {
		_ = rt.Close(context.Background())
		return err
	}

	fields := logging.BaseFields("startup", configPath)
	fields["sites"] = len(cfg.Sites)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["storage"] = cfg.Global.StoragePath
	fields["index"] = cfg.Global.IndexPath
	fields["credentials"] = config.CredentialModes(cfg.Sites)
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	listenErr := make(chan error, 1)
	go func() {
		logger.WithFields(logrus.Fields{"action": "listen", "port": cfg.Global.ListenPort}).Info("Fiber 服务启动")
		listenErr <- app.Listen(fmt.Sprintf(":%d", cfg.Global.ListenPort))
	}()

	var serveErr error
	select {
	case serveErr = <-listenErr:
	case <-ctx.Done():
		logger.WithField("action", "shutdown").Info("收到退出信号")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		logger.WithField("action", "shutdown").WithError(err).Warn("http_shutdown_failed")
	}
	if err := rt.Close(shutdownCtx); err != nil {
		logger.WithField("action", "shutdown").WithError(err).Warn("shutdown_incomplete")
	}
	return serveErr
}
