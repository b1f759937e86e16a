package main

import (
	"context"
	"path/filepath"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-cache/internal/config"
	"github.com/any-hub/any-cache/internal/htaccess"
	"github.com/any-hub/any-cache/internal/lock"
	"github.com/any-hub/any-cache/internal/meta"
	"github.com/any-hub/any-cache/internal/notify"
	"github.com/any-hub/any-cache/internal/pagecache"
	"github.com/any-hub/any-cache/internal/preload"
	"github.com/any-hub/any-cache/internal/proxy"
	"github.com/any-hub/any-cache/internal/scheduler"
	"github.com/any-hub/any-cache/internal/server"
	"github.com/any-hub/any-cache/internal/server/routes"
	"github.com/any-hub/any-cache/internal/storage"
)

const (
	taskPreloadMonitor = "preload_monitor"
	taskRulesSync      = "rules_sync"
	rulesSyncInterval  = 15 * time.Minute
	shutdownGrace      = 10 * time.Second
)

// stack 持有一次进程生命周期内共享的全部组件。
type stack struct {
	cfg    *config.Config
	logger *logrus.Logger

	backend   storage.Backend
	locker    lock.Locker
	sites     *server.SiteTable
	pipeline  *pagecache.Pipeline
	states    *preload.StateStore
	engine    *preload.Engine
	monitor   *preload.Monitor
	delivery  *htaccess.Delivery
	scheduler *scheduler.Scheduler
}

// buildStack 按“存储 → 锁 → 管道 → 预热 → 投递 → 调度”的顺序组装组件，
// 保证请求路径与预热任务共享同一份存储与锁。
func buildStack(cfg *config.Config, logger *logrus.Logger) (*stack, error) {
	backend, err := storage.Open(cfg.Global.StorageDriver, cfg.Global.StoragePath)
	if err != nil {
		return nil, err
	}
	s := &stack{cfg: cfg, logger: logger, backend: backend}
	if err := s.assemble(); err != nil {
		_ = backend.Close()
		return nil, err
	}
	return s, nil
}

func (s *stack) assemble() error {
	cfg, logger := s.cfg, s.logger

	sites, err := server.NewSiteTable(cfg)
	if err != nil {
		return err
	}
	s.sites = sites
	s.locker = lock.NewFileLocker(filepath.Join(cfg.Global.StoragePath, "locks"))
	notifier := notify.NewLogNotifier(logger)

	var mirror *pagecache.Mirror
	if cfg.Delivery.Enabled {
		mirror = pagecache.NewMirror(cfg.Delivery.CacheDir)
	}

	ttl := cfg.EntryTTL()
	s.pipeline, err = pagecache.New(pagecache.Options{
		Pages:              storage.New(s.backend, "page"),
		Metas:              meta.NewRepository(storage.New(s.backend, "meta"), meta.DefaultCollection(ttl)),
		Locker:             s.locker,
		Origin:             proxy.NewOrigin(server.NewUpstreamClient(cfg), logger, sites.Site()),
		Logger:             logger,
		Notifier:           notifier,
		Mirror:             mirror,
		TTL:                ttl,
		LockTimeout:        cfg.Global.LockTimeout.DurationValue(),
		MaxBodySize:        cfg.Global.MaxBodySize,
		DefaultHost:        sites.Site().Host,
		Aliases:            sites.Hosts(),
		Scheme:             cfg.PublicScheme(),
		IgnoredQueryParams: cfg.Origin.IgnoredQueryParams,
		BypassCookies:      cfg.Origin.BypassCookies,
		ExcludedPaths:      cfg.Origin.ExcludedPaths,
	})
	if err != nil {
		return err
	}

	fetcher := preload.NewHTTPFetcher(
		server.NewFetchClient(cfg),
		logger,
		cfg.Global.MaxRetries,
		cfg.Global.InitialBackoff.DurationValue(),
	)
	s.states = preload.NewStateStore(storage.New(s.backend, "preload"))
	s.engine, err = preload.NewEngine(preload.Options{
		States:         s.states,
		Crawler:        preload.NewCrawler(fetcher, publicBase(cfg, sites.Site()), sites.Hosts()...),
		Dispatcher:     s.pipeline,
		Logger:         logger,
		Notifier:       notifier,
		Sitemaps:       cfg.Preload.Sitemaps,
		Delay:          cfg.Preload.Delay.DurationValue(),
		Concurrency:    cfg.Preload.Concurrency,
		RequestTimeout: cfg.Preload.RequestTimeout.DurationValue(),
	})
	if err != nil {
		return err
	}
	s.monitor, err = preload.NewMonitor(preload.MonitorOptions{
		States:      s.states,
		Restarter:   s.engine,
		Logger:      logger,
		Notifier:    notifier,
		GracePeriod: cfg.Preload.GracePeriod.DurationValue(),
		StaleAfter:  cfg.Preload.StaleAfter.DurationValue(),
		MaxRetries:  cfg.Preload.MaxRetries,
	})
	if err != nil {
		return err
	}

	ruleFile := htaccess.New(cfg.Delivery.RuleFile, s.locker, cfg.Global.LockTimeout.DurationValue())
	s.delivery = htaccess.NewDelivery(ruleFile, htaccess.RuleOptions{
		CachePath:     htaccess.CachePathFor(cfg.Delivery.RuleFile, cfg.Delivery.CacheDir),
		BypassCookies: cfg.Origin.BypassCookies,
		ExcludedPaths: cfg.Origin.ExcludedPaths,
		MarkerParam:   pagecache.MarkerParam,
	}, cfg.Delivery.Enabled)

	return s.registerTasks()
}

func (s *stack) registerTasks() error {
	s.scheduler = scheduler.New(s.logger)
	err := s.scheduler.Register(scheduler.Task{
		Name:     taskPreloadMonitor,
		Interval: s.cfg.Preload.MonitorInterval.DurationValue(),
		Fn: func(ctx context.Context) error {
			_, err := s.monitor.Check(ctx)
			return err
		},
	})
	if err != nil {
		return err
	}
	if !s.cfg.Delivery.Enabled {
		return nil
	}
	return s.scheduler.Register(scheduler.Task{
		Name:       taskRulesSync,
		Interval:   rulesSyncInterval,
		RunOnStart: true,
		Fn: func(ctx context.Context) error {
			inSync, err := s.delivery.InSync(ctx)
			if err != nil || inSync {
				return err
			}
			_, err = s.delivery.Sync(ctx)
			return err
		},
	})
}

// newApp 创建 Fiber 应用并注册 /-/ 管理接口。
func (s *stack) newApp() (*fiber.App, error) {
	app, err := server.NewApp(server.AppOptions{
		Logger:     s.logger,
		Sites:      s.sites,
		Pages:      proxy.NewHandler(s.pipeline, s.logger),
		ListenPort: s.cfg.Global.ListenPort,
	})
	if err != nil {
		return nil, err
	}
	routes.RegisterStatusRoute(app, routes.StatusInfo{
		Sites:         s.sites,
		Stages:        s.pipeline.Stages(),
		StorageDriver: s.cfg.Global.StorageDriver,
		Delivery:      s.cfg.Delivery.Enabled,
		Preload:       s.engine,
		Tasks:         s.scheduler.Names(),
	})
	routes.RegisterPreloadRoutes(app, s.engine, s.logger)
	routes.RegisterPurgeRoutes(app, s.pipeline, s.logger)
	routes.RegisterDeliveryRoutes(app, s.delivery, s.logger)
	return app, nil
}

// serve 启动调度器与 HTTP 服务，ctx 结束后等待后台任务退出。
func (s *stack) serve(ctx context.Context) error {
	app, err := s.newApp()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.scheduler.Run(ctx)
	}()

	err = server.Serve(ctx, app, s.cfg.Global.ListenPort, shutdownGrace, s.logger)
	cancel()
	<-done
	return err
}

// publicBase 返回站点对外地址，相对 sitemap 路径与 loc 据此补全。
func publicBase(cfg *config.Config, site *server.Site) string {
	return cfg.PublicScheme() + "://" + site.Host
}

// Close 停止后台预热并关闭存储。
func (s *stack) Close() error {
	if s == nil || s.backend == nil {
		return nil
	}
	if s.engine != nil {
		s.engine.Close()
	}
	return s.backend.Close()
}
