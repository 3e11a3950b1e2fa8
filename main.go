package main

import (
	"context"
	"time"

	"github.com/coder/quartz"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/cppla/pageviews/buffer"
	"github.com/cppla/pageviews/config"
	"github.com/cppla/pageviews/filter"
	"github.com/cppla/pageviews/metrics"
	"github.com/cppla/pageviews/models"
	"github.com/cppla/pageviews/reports"
	"github.com/cppla/pageviews/routes"
	"github.com/cppla/pageviews/store"
	"github.com/cppla/pageviews/tracking"
	"github.com/cppla/pageviews/utils"
)

const (
	reapInterval   = time.Hour
	reportCacheTTL = time.Minute
)

// application is the assembled service.
type application struct {
	cfg       config.AppConfig
	db        *gorm.DB
	rdb       *redis.Client
	store     *store.Store
	pipeline  *buffer.Pipeline
	scheduler *buffer.Scheduler
	metrics   *metrics.Metrics
	deps      routes.Deps
}

func main() {
	cfg := config.Load()

	// Initialize logger early
	if err := utils.InitLogger(cfg); err != nil {
		panic(err)
	}
	defer func() { _ = utils.Logger.Sync() }()

	app, err := build(context.Background(), cfg, quartz.NewReal())
	if err != nil {
		utils.Sugar.Fatalf("startup failed: %v", err)
	}
	if err := app.run(); err != nil {
		utils.Sugar.Fatalf("server stopped with error: %v", err)
	}
	utils.Sugar.Info("server exited")
}

func build(ctx context.Context, cfg config.AppConfig, clock quartz.Clock) (*application, error) {
	pv := cfg.PageView

	db, err := config.InitDatabase(cfg, &models.ViewEvent{}, &models.Post{})
	if err != nil {
		return nil, err
	}
	st := store.New(db, store.Options{
		Clock:            clock,
		Location:         pv.TimeLocation(),
		Timeout:          pv.StoreTimeout(),
		RetentionTimeout: pv.RetentionTimeout(),
		Logger:           utils.Logger,
	})

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	rdb := utils.NewRedis(cfg)
	redisUp := utils.RedisReachable(ctx, rdb, pv.CacheTimeout())

	var throttle filter.ThrottleStore
	if redisUp {
		throttle = filter.NewRedisThrottle(rdb, "", pv.CacheTimeout())
	} else {
		throttle = filter.NewMemoryThrottle(pv.ThrottleCacheSize, pv.ThrottleWindow())
	}
	engine := filter.NewEngine(filter.OptionsFromConfig(pv), throttle, utils.Logger)

	app := &application{cfg: cfg, db: db, rdb: rdb, store: st, metrics: m, scheduler: buffer.NewScheduler(utils.Logger)}

	var sink tracking.Sink = st
	if pv.UseAsync(redisUp) {
		var bs buffer.Store
		if redisUp {
			bs = buffer.NewRedisStore(rdb, "", pv.CacheTimeout())
		} else {
			utils.Sugar.Warn("async page view processing without redis: buffer is process-local")
			bs = buffer.NewMemoryStore(clock)
		}
		opts := buffer.OptionsFromConfig(pv)
		opts.Clock = clock
		opts.Logger = utils.Logger
		opts.Observer = m
		app.pipeline = buffer.NewPipeline(bs, st, opts)
		sink = app.pipeline

		if err := app.scheduler.Every("buffer-reap", reapInterval, func(ctx context.Context) error {
			_, err := app.pipeline.Reap(ctx)
			return err
		}); err != nil {
			return nil, err
		}
	}
	utils.Sugar.Infof("page views: redis=%t async=%t throttle=%s", redisUp, app.pipeline != nil, pv.ThrottleWindow())

	if pv.RetentionDays > 0 {
		if err := app.scheduler.Add("retention", pv.RetentionSchedule, func(ctx context.Context) error {
			n, err := st.DeleteBefore(ctx, clock.Now().UTC().AddDate(0, 0, -pv.RetentionDays), pv.RetentionKeepUnique)
			m.Retained(n)
			return err
		}); err != nil {
			return nil, &config.ConfigError{Field: "PageView.RetentionSchedule", Reason: err.Error()}
		}
	}

	registry := tracking.NewRegistry()
	registry.Register(models.PostModelType, tracking.NewGormFinder[models.Post](db, "slug"))

	scrubIP, err := utils.NewIPScrubber(pv.IPPolicy, pv.IPHashKey)
	if err != nil {
		return nil, &config.ConfigError{Field: "PageView.IPPolicy", Reason: err.Error()}
	}
	tracker := tracking.NewTracker(tracking.NewResolver(registry), engine, sink, tracking.TrackerOptions{
		Clock:     clock,
		Logger:    utils.Logger,
		Observer:  m,
		IP:        scrubIP,
		UserAgent: utils.SanitizeUserAgent,
	})

	var cache *utils.ResponseCache
	if redisUp {
		cache = utils.NewResponseCache(rdb, "pageviews:report:", reportCacheTTL, pv.CacheTimeout())
	}

	app.deps = routes.Deps{
		Config:    cfg,
		DB:        db,
		Tracker:   tracker,
		Facade:    reports.NewFacade(st, registry, clock),
		Retention: st,
		Cache:     cache,
		Metrics:   m,
		Clock:     clock,
	}
	return app, nil
}

// run serves until a termination signal, then drains the buffer.
func (a *application) run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := utils.NewServer(":"+a.cfg.AppPort, routes.SetupRouter(a.deps), utils.DEFAULT_READ_TIMEOUT, utils.DEFAULT_WRITE_TIMEOUT)
	srv.ShutdownTimeout = utils.DEFAULT_SHUTDOWN_TIMEOUT + a.cfg.PageView.ShutdownTimeout()
	srv.OnShutdown(func(ctx context.Context) error {
		cancel()
		a.scheduler.Stop(ctx)
		if a.pipeline != nil {
			return a.pipeline.Close(ctx)
		}
		return nil
	})

	a.scheduler.Start()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		utils.Sugar.Infof("Starting server on port %s (graceful)", a.cfg.AppPort)
		return srv.Run(gctx)
	})
	if a.pipeline != nil {
		g.Go(func() error { return a.pipeline.Run(gctx) })
	}
	err := g.Wait()

	_ = a.rdb.Close()
	if sqlDB, dbErr := a.db.DB(); dbErr == nil {
		_ = sqlDB.Close()
	}
	return err
}
