package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/app-cache/internal/cache"
	"github.com/any-hub/app-cache/internal/config"
	"github.com/any-hub/app-cache/internal/logging"
	"github.com/any-hub/app-cache/internal/manifest"
	"github.com/any-hub/app-cache/internal/proxy"
	"github.com/any-hub/app-cache/internal/server"
	"github.com/any-hub/app-cache/internal/server/routes"
	"github.com/any-hub/app-cache/internal/upstream"
	"github.com/any-hub/app-cache/internal/version"
	"github.com/any-hub/app-cache/internal/watcher"
	"github.com/any-hub/app-cache/internal/worker"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}
	os.Exit(run(opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["app"] = cfg.App.Name
		fields["origin"] = cfg.App.Origin
		rel, err := manifest.LoadRelease(cfg.App.ManifestPath)
		if err != nil {
			fields["result"] = "invalid_release"
			fields["error"] = err.Error()
			logger.WithFields(fields).Error("发布清单校验失败")
			fmt.Fprintf(stdErr, "发布清单无效: %v\n", err)
			return 1
		}
		fields["release"] = rel.Label()
		fields["resources"] = rel.Resources.Len()
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 启动顺序为“配置 → 存储 → Host 恢复 → Fiber server”，发布注册在后台进行，
	// 安装期间请求照常透传到源站。
	rt, err := newRuntime(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化运行时失败: %v\n", err)
		return 1
	}
	defer rt.Close()

	fields := logging.BaseFields("startup", opts.configPath)
	fields["app"] = cfg.App.Name
	fields["origin"] = cfg.App.Origin
	fields["listen_port"] = cfg.Global.ListenPort
	fields["storage_backend"] = cfg.Global.StorageBackend
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	go rt.registerRelease(ctx)
	if cfg.App.WatchManifest {
		if err := rt.watchRelease(ctx); err != nil {
			logger.WithFields(logrus.Fields{"action": "release_watch", "error": err.Error()}).
				Warn("发布文件监听启动失败")
		}
	}

	if err := startHTTPServer(ctx, cfg, rt.app, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("app-cache", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 APP_CACHE_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "校验配置与发布清单后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("APP_CACHE_CONFIG")
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}

	return cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		showVersion: showVer,
	}, nil
}

// appRuntime 持有一次进程生命周期内共享的存储、Host 与 Fiber 实例。
type appRuntime struct {
	cfg     *config.Config
	logger  *logrus.Logger
	storage cache.Storage
	host    *worker.Host
	app     *fiber.App
	watcher *watcher.ReleaseWatcher
}

func newRuntime(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*appRuntime, error) {
	storage, err := cache.OpenStorage(cfg.Global.StorageBackend, cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("初始化缓存存储失败: %w", err)
	}

	client := upstream.NewClient(cfg)
	host := worker.NewHost(cfg, storage, client, logger)
	if _, err := host.Restore(ctx); err != nil {
		// 记录损坏时从空状态开始，下一次注册会重建三个缓存代。
		logger.WithFields(logging.LifecycleFields(cfg.App.Name, "restore", "")).
			WithField("error", err.Error()).Warn("active 代恢复失败")
	}

	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Proxy:      proxy.NewHandler(cfg, host, client, logger),
		ListenPort: cfg.Global.ListenPort,
	})
	if err != nil {
		_ = storage.Close()
		return nil, err
	}
	routes.RegisterControlRoutes(app, host, logger)

	return &appRuntime{
		cfg:     cfg,
		logger:  logger,
		storage: storage,
		host:    host,
		app:     app,
	}, nil
}

// registerRelease 读取发布文件并交给 Host 安装；失败只记录日志，服务继续运行。
func (r *appRuntime) registerRelease(ctx context.Context) {
	fields := logging.LifecycleFields(r.cfg.App.Name, "register", "")
	fields["path"] = r.cfg.App.ManifestPath

	rel, err := manifest.LoadRelease(r.cfg.App.ManifestPath)
	if err != nil {
		fields["error"] = err.Error()
		r.logger.WithFields(fields).Error("发布清单读取失败")
		return
	}
	fields["release"] = rel.Label()
	if err := r.host.Register(ctx, rel); err != nil {
		fields["error"] = err.Error()
		r.logger.WithFields(fields).Error("发布注册失败")
	}
}

func (r *appRuntime) watchRelease(ctx context.Context) error {
	w, err := watcher.New(r.cfg.App.ManifestPath, 0, r.logger, r.registerRelease)
	if err != nil {
		return err
	}
	r.watcher = w
	go w.Run(ctx)
	return nil
}

// Close 停止监听并关闭存储。
func (r *appRuntime) Close() {
	if r.watcher != nil {
		r.watcher.Stop()
	}
	if err := r.storage.Close(); err != nil {
		r.logger.WithField("error", err.Error()).Warn("关闭缓存存储失败")
	}
}

func startHTTPServer(ctx context.Context, cfg *config.Config, app *fiber.App, logger *logrus.Logger) error {
	port := cfg.Global.ListenPort

	go func() {
		<-ctx.Done()
		_ = app.Shutdown()
	}()

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	return app.Listen(fmt.Sprintf(":%d", port))
}
