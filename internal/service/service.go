package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"spend-optimizer/internal/abtest"
	"spend-optimizer/internal/alerting"
	"spend-optimizer/internal/allocator"
	"spend-optimizer/internal/apply"
	"spend-optimizer/internal/attribution"
	"spend-optimizer/internal/budget"
	"spend-optimizer/internal/feed"
	"spend-optimizer/internal/insights"
	"spend-optimizer/internal/lock"
	"spend-optimizer/internal/normalize"
	"spend-optimizer/internal/scheduler"
	"spend-optimizer/internal/storage"
	"spend-optimizer/internal/telemetry"
)

// ErrNotConfigured is returned when a required dependency is missing.
var ErrNotConfigured = errors.New("service: dependency not configured")

var cycleNamespace = uuid.MustParse("6f1c7a52-3f43-4c1b-9a4e-0b5f2d9e8a11")

// Dependencies are the collaborators of one optimisation cycle.
type Dependencies struct {
	Feed        feed.Source
	Store       storage.Repository
	Normalizer  *normalize.Normalizer
	Attribution *attribution.Engine
	Tester      *abtest.Tester
	Budget      *budget.Engine
	Allocator   *allocator.Allocator
	Reporter    *insights.Reporter
	Locker      lock.Locker
	Publisher   apply.Publisher
	Notifier    alerting.Notifier
	Metrics     *telemetry.Metrics
	Scheduler   *scheduler.Scheduler
}

// Options tune a cycle.
type Options struct {
	Workers          int
	TrailingWindow   time.Duration
	ComparisonWindow time.Duration
	// ConversionLookback bounds the conversion window when no earlier cycle
	// succeeded.
	ConversionLookback time.Duration
	Models             []attribution.Model
	AdvisoryLockKey    int64
	AlertsEnabled      bool
	MinPriority        insights.Priority
	AlertChannels      []string
	Retention          time.Duration
}

// Service orchestrates ingestion, decisions, allocation, attribution,
// reporting and publishing.
type Service struct {
	deps   Dependencies
	opts   Options
	logger zerolog.Logger
	now    func() time.Time
}

// New constructs the optimisation service, filling unset engines with their
// defaults.
func New(deps Dependencies, opts Options, logger zerolog.Logger) *Service {
	if deps.Normalizer == nil {
		deps.Normalizer = normalize.New(normalize.Options{})
	}
	if deps.Attribution == nil {
		deps.Attribution = attribution.NewEngine(attribution.Options{})
	}
	if deps.Tester == nil {
		deps.Tester = abtest.New(abtest.Options{})
	}
	if deps.Budget == nil {
		deps.Budget = budget.NewDefaultEngine(budget.DefaultThresholds())
	}
	if deps.Allocator == nil {
		deps.Allocator = allocator.New(allocator.Options{})
	}
	if deps.Reporter == nil {
		deps.Reporter = insights.New(insights.Options{})
	}
	if deps.Locker == nil {
		deps.Locker = lock.NewKeyedMutex()
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.TrailingWindow <= 0 {
		opts.TrailingWindow = 7 * 24 * time.Hour
	}
	if opts.ComparisonWindow <= 0 {
		opts.ComparisonWindow = 7 * 24 * time.Hour
	}
	if opts.ConversionLookback <= 0 {
		opts.ConversionLookback = 24 * time.Hour
	}
	if len(opts.Models) == 0 {
		opts.Models = attribution.AllModels
	}
	if opts.MinPriority == "" {
		opts.MinPriority = insights.PriorityHigh
	}

	return &Service{
		deps:   deps,
		opts:   opts,
		logger: logger.With().Str("component", "service").Logger(),
		now:    time.Now,
	}
}

// Run begins the aligned cycle loop.
func (s *Service) Run(ctx context.Context) error {
	if s.deps.Scheduler == nil {
		return fmt.Errorf("%w: scheduler", ErrNotConfigured)
	}
	return s.deps.Scheduler.Run(ctx, func(ctx context.Context, cycle time.Time) error {
		_, err := s.ProcessCycle(ctx, cycle)
		return err
	})
}

// CycleID derives the stable id of the cycle starting at t, so re-running a
// cycle updates its rows instead of duplicating them.
func CycleID(t time.Time) string {
	return uuid.NewSHA1(cycleNamespace, []byte(t.UTC().Format(time.RFC3339Nano))).String()
}

// ProcessCycle runs one optimisation cycle. A cycle skipped because another
// runner holds the advisory lock returns a Report with Skipped set.
func (s *Service) ProcessCycle(ctx context.Context, cycle time.Time) (*Report, error) {
	if s.deps.Feed == nil {
		return nil, fmt.Errorf("%w: feed", ErrNotConfigured)
	}
	if s.deps.Store == nil {
		return nil, fmt.Errorf("%w: store", ErrNotConfigured)
	}
	cycle = cycle.UTC()

	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return nil, err
	}
	if !proceed {
		s.logger.Debug().Time("cycle", cycle).Msg("skip cycle because advisory lock held elsewhere")
		return &Report{Cycle: cycle, CycleID: CycleID(cycle), Skipped: true}, nil
	}
	if unlock != nil {
		defer unlock()
	}

	return s.executeCycle(ctx, cycle)
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.opts.AdvisoryLockKey == 0 {
		return nil, true, nil
	}
	unlock, acquired, err := s.deps.Store.TryAdvisoryLock(ctx, s.opts.AdvisoryLockKey)
	if errors.Is(err, storage.ErrNotConfigured) {
		return nil, true, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
