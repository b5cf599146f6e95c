package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"spend-optimizer/internal/abtest"
	"spend-optimizer/internal/alerting"
	"spend-optimizer/internal/allocator"
	"spend-optimizer/internal/apply"
	"spend-optimizer/internal/attribution"
	"spend-optimizer/internal/budget"
	"spend-optimizer/internal/config"
	"spend-optimizer/internal/feed"
	"spend-optimizer/internal/httpx"
	"spend-optimizer/internal/insights"
	"spend-optimizer/internal/lock"
	"spend-optimizer/internal/normalize"
	"spend-optimizer/internal/scheduler"
	"spend-optimizer/internal/service"
	"spend-optimizer/internal/storage"
	"spend-optimizer/internal/telemetry"
	"spend-optimizer/internal/version"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	// Out receives command output meant for the terminal.
	Out io.Writer
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger(), Out: os.Stdout}
}

// engines holds the pure decision components built from configuration.
type engines struct {
	normalizer  *normalize.Normalizer
	attribution *attribution.Engine
	models      []attribution.Model
	tester      *abtest.Tester
	budget      *budget.Engine
	allocator   *allocator.Allocator
	reporter    *insights.Reporter
}

func (a *App) newEngines() (*engines, error) {
	cfg := a.Config

	models := make([]attribution.Model, 0, len(cfg.Attribution.Models))
	for _, name := range cfg.Attribution.Models {
		m, err := attribution.ParseModel(name)
		if err != nil {
			return nil, err
		}
		models = append(models, m)
	}

	method, err := abtest.ParseMethod(cfg.ABTest.Method)
	if err != nil {
		return nil, err
	}

	benchmarks := insights.DefaultBenchmarks()
	if cfg.Insights.BenchmarksFile != "" {
		benchmarks, err = insights.LoadBenchmarks(cfg.Insights.BenchmarksFile)
		if err != nil {
			return nil, err
		}
	}

	return &engines{
		normalizer: normalize.New(normalize.Options{
			MetaPurchaseActions: cfg.Feed.MetaPurchaseActions,
		}),
		attribution: attribution.NewEngine(attribution.Options{HalfLife: cfg.Attribution.HalfLife}),
		models:      models,
		tester: abtest.New(abtest.Options{
			Method:             method,
			MinSampleSize:      cfg.ABTest.MinSampleSize,
			MinPerformanceDiff: cfg.ABTest.MinPerformanceDiff,
			PauseDiff:          cfg.ABTest.PauseDiff,
			PauseROAS:          cfg.ABTest.PauseROAS,
			ScaleROAS:          cfg.ABTest.ScaleROAS,
			ConfidenceFloor:    cfg.ABTest.ConfidenceFloor,
			ConfidenceCap:      cfg.ABTest.ConfidenceCap,
		}),
		budget:    budget.NewDefaultEngine(a.thresholds()),
		allocator: allocator.New(a.allocatorOptions()),
		reporter: insights.New(insights.Options{
			WarningDecline:    cfg.Insights.WarningDecline,
			OpportunityGrowth: cfg.Insights.OpportunityGrowth,
			Industry:          cfg.Insights.Industry,
			Benchmarks:        benchmarks,
		}),
	}, nil
}

// thresholds overlays the configured ladder on the stock confidences.
func (a *App) thresholds() budget.Thresholds {
	b := a.Config.Budget
	th := budget.DefaultThresholds()
	th.MinLearningSpend = decimal.NewFromFloat(b.MinLearningSpend)
	th.MinLearningDays = b.MinLearningDays
	th.ExcellentROAS = decimal.NewFromFloat(b.ExcellentROAS)
	th.ExcellentStep = decimal.NewFromFloat(b.ExcellentStep)
	th.ExcellentCap = decimal.NewFromFloat(b.ExcellentCap)
	th.GoodROAS = decimal.NewFromFloat(b.GoodROAS)
	th.GoodStep = decimal.NewFromFloat(b.GoodStep)
	th.AcceptableROAS = decimal.NewFromFloat(b.AcceptableROAS)
	th.PoorROAS = decimal.NewFromFloat(b.PoorROAS)
	th.SuboptimalStep = decimal.NewFromFloat(b.SuboptimalStep)
	th.MaxStepFraction = decimal.NewFromFloat(b.MaxStepFraction)
	return th
}

func (a *App) allocatorOptions() allocator.Options {
	c := a.Config.Allocator
	return allocator.Options{
		MinBudget:          decimal.NewFromFloat(c.MinBudget),
		MaxShare:           decimal.NewFromFloat(c.MaxShare),
		MaxGrowth:          decimal.NewFromFloat(c.MaxGrowth),
		MinROAS:            c.MinROAS,
		ConversionCap:      c.ConversionCap,
		RebalanceThreshold: decimal.NewFromFloat(c.RebalanceThreshold),
	}
}

func (a *App) newFeed() (feed.Source, error) {
	cfg := a.Config.Feed
	switch cfg.Mode {
	case config.FeedFile:
		return feed.LoadStatic(cfg.File)
	case config.FeedHTTP:
		return feed.NewClient(feed.Options{
			BaseURL:    cfg.BaseURL,
			Token:      cfg.Token,
			Timeout:    cfg.RequestTimeout,
			UserAgent:  cfg.UserAgent,
			MaxRetries: cfg.MaxRetries,
			RetryBase:  cfg.RetryBase,
		}, a.Logger), nil
	default:
		return nil, fmt.Errorf("unknown feed.mode %q", cfg.Mode)
	}
}

func (a *App) newPublisher() apply.Publisher {
	cfg := a.Config.Apply
	if cfg.Mode == config.ApplyWebhook {
		return apply.NewWebhookSink(cfg.WebhookURL, cfg.Secret, cfg.RequestTimeout, a.Logger)
	}
	return apply.NewLogSink(a.Logger)
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, cfg.RequestTimeout, a.Logger)
	}
	return nil
}

// newLocker returns the store lock and, when Redis backs it, a readiness
// check and a closer.
func (a *App) newLocker() (lock.Locker, httpx.ReadinessCheck, func()) {
	cfg := a.Config.Redis
	if !cfg.Enabled {
		return lock.NewKeyedMutex(), nil, func() {}
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	locker := lock.NewRedisLocker(client, lock.RedisOptions{
		Prefix:     cfg.LockPrefix,
		TTL:        cfg.LockTTL,
		RetryDelay: cfg.RetryDelay,
	}, a.Logger)
	check := func(ctx context.Context) error { return client.Ping(ctx).Err() }
	closer := func() {
		if err := client.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("close redis client")
		}
	}
	return locker, check, closer
}

// openStore connects to PostgreSQL, or falls back to an in-memory store when
// no DSN is configured. The returned check is nil for the memory store.
func (a *App) openStore(ctx context.Context) (storage.Repository, httpx.ReadinessCheck, func(), error) {
	if a.Config.Database.DSN == "" {
		a.Logger.Warn().Msg("database.dsn not configured; results kept in memory only")
		return storage.NewMemoryStore(), nil, func() {}, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, nil, err
	}

	if a.Config.Database.AutoMigrate {
		applied, err := storage.Migrate(ctx, pool, a.Config.Database.MigrationsPath)
		if err != nil {
			pool.Close()
			return nil, nil, nil, err
		}
		a.Logger.Info().Strs("files", applied).Msg("migrations applied")
	}

	store := storage.NewStore(pool)
	return store, store.Ping, store.Close, nil
}

// runtime is a fully wired service plus everything that must be released
// with it.
type runtime struct {
	svc     *service.Service
	sched   *scheduler.Scheduler
	checks  map[string]httpx.ReadinessCheck
	metrics http.Handler
	closers []func()
}

func (r *runtime) close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
}

// runtimeOptions vary the wiring between the long-running service and the
// one-shot commands.
type runtimeOptions struct {
	notify bool
	// dryRun keeps results in memory and only logs change sets.
	dryRun bool
}

func (a *App) newRuntime(ctx context.Context, ro runtimeOptions) (*runtime, error) {
	eng, err := a.newEngines()
	if err != nil {
		return nil, err
	}
	src, err := a.newFeed()
	if err != nil {
		return nil, err
	}

	rt := &runtime{checks: make(map[string]httpx.ReadinessCheck)}

	var (
		store      storage.Repository
		storeCheck httpx.ReadinessCheck
		closeStore = func() {}
		publisher  apply.Publisher
	)
	if ro.dryRun {
		store = storage.NewMemoryStore()
		publisher = apply.NewLogSink(a.Logger)
	} else {
		store, storeCheck, closeStore, err = a.openStore(ctx)
		if err != nil {
			return nil, err
		}
		publisher = a.newPublisher()
	}
	rt.closers = append(rt.closers, closeStore)
	if storeCheck != nil {
		rt.checks["database"] = storeCheck
	}

	locker, redisCheck, closeRedis := a.newLocker()
	rt.closers = append(rt.closers, closeRedis)
	if redisCheck != nil {
		rt.checks["redis"] = redisCheck
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	rt.metrics = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	rt.sched = scheduler.New(scheduler.Options{
		Interval:       a.Config.Scheduler.Interval,
		AlignToStart:   a.Config.Scheduler.AlignToBucket,
		StartupDelay:   a.Config.Scheduler.StartupDelay,
		RunImmediately: true,
	}, a.Logger)

	var notifier alerting.Notifier
	if ro.notify {
		notifier = a.newNotifier()
	}

	deps := service.Dependencies{
		Feed:        src,
		Store:       store,
		Normalizer:  eng.normalizer,
		Attribution: eng.attribution,
		Tester:      eng.tester,
		Budget:      eng.budget,
		Allocator:   eng.allocator,
		Reporter:    eng.reporter,
		Locker:      locker,
		Publisher:   publisher,
		Notifier:    notifier,
		Metrics:     telemetry.NewMetrics(reg),
		Scheduler:   rt.sched,
	}
	opts := service.Options{
		Workers:          a.Config.Scheduler.Workers,
		TrailingWindow:   a.Config.Scheduler.TrailingWindow,
		ComparisonWindow: a.Config.Scheduler.ComparisonWindow,
		Models:           eng.models,
		AdvisoryLockKey:  a.Config.Scheduler.AdvisoryLockKey,
		AlertsEnabled:    a.Config.Alerting.Enabled && ro.notify,
		MinPriority:      insights.Priority(a.Config.Alerting.MinPriority),
		AlertChannels:    a.Config.Alerting.Channels,
		Retention:        a.Config.Database.Retention,
	}
	rt.svc = service.New(deps, opts, a.Logger)
	return rt, nil
}

// Run executes the long-running optimisation service and, when enabled, the
// ops HTTP server.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rt, err := a.newRuntime(ctx, runtimeOptions{notify: true})
	if err != nil {
		return err
	}
	defer rt.close()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.Logger.Info().
			Str("build", version.String()).
			Dur("interval", rt.sched.Interval()).
			Msg("starting optimisation service")
		return rt.svc.Run(ctx)
	})
	if a.Config.HTTP.Enabled {
		handler := httpx.NewRouter(a.Logger, httpx.Options{
			Checks:  rt.checks,
			Metrics: rt.metrics,
			RunCycle: func(ctx context.Context, cycle time.Time) error {
				_, err := rt.svc.ProcessCycle(ctx, rt.sched.CycleStart(cycle))
				return err
			},
		})
		g.Go(func() error {
			return httpx.Serve(ctx, a.Config.HTTP.Addr, handler, a.Config.HTTP.ReadTimeout, a.Config.HTTP.ShutdownTimeout, a.Logger)
		})
	}

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("optimisation service stopped")
	return nil
}

// ExportOptions hold parameters for exporting historical allocations.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
	// StoreID restricts the export to one store when set.
	StoreID string
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit    int
	Insights bool
}

// ReplayOptions configure the replay job.
type ReplayOptions struct {
	From   time.Time
	To     time.Time
	DryRun bool
}
