package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"spend-optimizer/internal/alerting"
	"spend-optimizer/internal/apply"
	"spend-optimizer/internal/attribution"
	"spend-optimizer/internal/budget"
	"spend-optimizer/internal/feed"
	"spend-optimizer/internal/insights"
	"spend-optimizer/internal/perf"
	"spend-optimizer/internal/storage"
	"spend-optimizer/internal/telemetry"
)

// ErrInvalidEntity marks entity state the engines cannot work with.
var ErrInvalidEntity = errors.New("service: invalid entity state")

type campaignResult struct {
	decision *EntityDecision
	ab       *insights.ABInput
	err      error
}

func (s *Service) executeCycle(ctx context.Context, cycle time.Time) (rep *Report, err error) {
	started := s.now()
	rep = &Report{
		CycleID: CycleID(cycle),
		Cycle:   cycle,
		Credits: make(map[attribution.Model][]attribution.ChannelCredit),
	}
	logger := s.logger.With().Str("cycle_id", rep.CycleID).Time("cycle", cycle).Logger()

	ctx, span := telemetry.StartSpan(ctx, "cycle",
		attribute.String("cycle.id", rep.CycleID),
		attribute.String("cycle.ts", cycle.Format(time.RFC3339)),
	)
	defer func() {
		s.finish(ctx, rep, started, err, logger)
		telemetry.EndSpan(span, err)
	}()

	if startErr := s.deps.Store.StartCycle(ctx, storage.CycleRecord{
		ID:        rep.CycleID,
		CycleTS:   cycle,
		StartedAt: started.UTC(),
		Status:    storage.CycleRunning,
	}); startErr != nil {
		logger.Error().Err(startErr).Msg("failed to record cycle start")
	}

	conversionsSince := cycle.Add(-s.opts.ConversionLookback)
	previous, found, prevErr := s.deps.Store.LastSucceededCycle(ctx, cycle)
	switch {
	case prevErr != nil:
		logger.Warn().Err(prevErr).Msg("failed to load previous cycle")
	case found:
		conversionsSince = previous.CycleTS
	}

	lookback := s.opts.TrailingWindow
	if twice := 2 * s.opts.ComparisonWindow; twice > lookback {
		lookback = twice
	}

	if err = s.ingest(ctx, cycle.Add(-lookback), cycle, rep, logger); err != nil {
		return rep, err
	}

	records, err := s.deps.Store.ListMetricRecords(ctx, cycle.Add(-lookback), cycle)
	if err != nil {
		return rep, fmt.Errorf("load metric records: %w", err)
	}

	snap, err := s.snapshot(ctx)
	if err != nil {
		return rep, err
	}

	if err = s.decide(ctx, cycle, snap, records, rep, logger); err != nil {
		return rep, err
	}
	s.allocate(ctx, snap, rep, logger)
	s.attribute(ctx, conversionsSince, cycle, rep, logger)
	s.report(ctx, cycle, records, rep, logger)

	rep.ChangeSet = buildChangeSet(rep)
	s.persist(ctx, rep, logger)

	if err = s.publish(ctx, rep); err != nil {
		return rep, err
	}
	return rep, nil
}

func (s *Service) ingest(ctx context.Context, since, until time.Time, rep *Report, logger zerolog.Logger) (err error) {
	defer s.deps.Metrics.ObserveStage(telemetry.StageIngest, s.now())
	ctx, span := telemetry.StartSpan(ctx, telemetry.StageIngest)
	defer func() { telemetry.EndSpan(span, err) }()

	raw, err := s.deps.Feed.FetchPerformance(ctx, since, until)
	if err != nil {
		return fmt.Errorf("fetch performance: %w", err)
	}

	res := s.deps.Normalizer.Normalize(raw, s.now().UTC())
	for _, recErr := range res.Errors {
		logger.Warn().
			Err(recErr.Err).
			Int("index", recErr.Index).
			Str("source", recErr.Source).
			Str("entity_id", recErr.EntityID).
			Msg("dropped raw record")
	}
	rep.Records = len(res.Records)
	rep.RecordErrors = len(res.Errors)
	if m := s.deps.Metrics; m != nil {
		m.RecordsTotal.WithLabelValues("ok").Add(float64(len(res.Records)))
		m.RecordsTotal.WithLabelValues("error").Add(float64(len(res.Errors)))
	}
	span.SetAttributes(attribute.Int("records", len(res.Records)), attribute.Int("record_errors", len(res.Errors)))

	if err := s.deps.Store.UpsertMetricRecords(ctx, res.Records); err != nil {
		return fmt.Errorf("persist metric records: %w", err)
	}
	return nil
}

func (s *Service) snapshot(ctx context.Context) (snap feed.Snapshot, err error) {
	defer s.deps.Metrics.ObserveStage(telemetry.StageSnapshot, s.now())
	ctx, span := telemetry.StartSpan(ctx, telemetry.StageSnapshot)
	defer func() { telemetry.EndSpan(span, err) }()

	snap, err = s.deps.Feed.FetchSnapshot(ctx)
	if err != nil {
		return feed.Snapshot{}, fmt.Errorf("fetch entity snapshot: %w", err)
	}
	return snap, nil
}

func isCampaign(e feed.EntityState) bool {
	return e.Kind == perf.KindCampaign || e.Kind == ""
}

func (s *Service) decide(ctx context.Context, cycle time.Time, snap feed.Snapshot, records []perf.MetricRecord, rep *Report, logger zerolog.Logger) (err error) {
	defer s.deps.Metrics.ObserveStage(telemetry.StageDecide, s.now())
	ctx, span := telemetry.StartSpan(ctx, telemetry.StageDecide)
	defer func() { telemetry.EndSpan(span, err) }()

	trailing, _ := perf.GroupByEntity(perf.Window(records, cycle.Add(-s.opts.TrailingWindow), cycle))
	lifetime, _ := perf.GroupByEntity(records)

	campaigns := make([]feed.EntityState, 0, len(snap.Entities))
	for _, e := range snap.Entities {
		if isCampaign(e) && e.Active() {
			campaigns = append(campaigns, e)
		}
	}

	results := make([]campaignResult, len(campaigns))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Workers)
	for i, c := range campaigns {
		i, c := i, c
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = s.processCampaign(c, trailing[c.ID], activeCreatives(snap, c.ID), lifetime)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("decide campaigns: %w", err)
	}

	for i, res := range results {
		if res.err != nil {
			s.entityFailed(rep, logger, campaigns[i].ID, telemetry.StageDecide, res.err)
			continue
		}
		rep.Decisions = append(rep.Decisions, *res.decision)
		if m := s.deps.Metrics; m != nil {
			m.DecisionsTotal.WithLabelValues(string(res.decision.Decision.Action)).Inc()
		}
		if res.ab != nil {
			rep.ABResults = append(rep.ABResults, *res.ab)
		}
	}
	span.SetAttributes(attribute.Int("decisions", len(rep.Decisions)), attribute.Int("ab_results", len(rep.ABResults)))
	return nil
}

func activeCreatives(snap feed.Snapshot, campaignID string) []feed.EntityState {
	var out []feed.EntityState
	for _, cr := range snap.Creatives(campaignID) {
		if cr.Active() {
			out = append(out, cr)
		}
	}
	return out
}

// processCampaign never lets one campaign take the cycle down; a panic in an
// engine becomes this campaign's error.
func (s *Service) processCampaign(c feed.EntityState, trailing []perf.MetricRecord, creatives []feed.EntityState, lifetime map[string][]perf.MetricRecord) (res campaignResult) {
	defer func() {
		if r := recover(); r != nil {
			res = campaignResult{err: fmt.Errorf("panic: %v", r)}
		}
	}()

	if c.Budget.IsNegative() {
		return campaignResult{err: fmt.Errorf("%w: negative budget %s", ErrInvalidEntity, c.Budget)}
	}

	totals := perf.Aggregate(trailing)
	channel := c.Channel
	if channel == "" && len(trailing) > 0 {
		channel = trailing[0].Channel
	}
	res.decision = &EntityDecision{
		EntityID:      c.ID,
		StoreID:       c.StoreID,
		Channel:       channel,
		CurrentBudget: c.Budget,
		Trailing:      totals,
		Decision:      s.deps.Budget.Decide(c.Budget, totals),
	}

	if len(creatives) >= 2 {
		variants := make([]perf.VariantMetrics, 0, len(creatives))
		for _, cr := range creatives {
			variants = append(variants, perf.VariantMetrics{ID: cr.ID, Totals: perf.Aggregate(lifetime[cr.ID])})
		}
		res.ab = &insights.ABInput{CampaignID: c.ID, Result: s.deps.Tester.AnalyzeDefault(variants)}
	}
	return res
}

func (s *Service) entityFailed(rep *Report, logger zerolog.Logger, entityID, stage string, err error) {
	logger.Warn().Err(err).Str("entity_id", entityID).Str("stage", stage).Msg("entity skipped this cycle")
	rep.Failures = append(rep.Failures, EntityFailure{EntityID: entityID, Stage: stage, Err: err})
	if m := s.deps.Metrics; m != nil {
		m.EntityFailures.WithLabelValues(stage).Inc()
	}
}

func (s *Service) report(ctx context.Context, cycle time.Time, records []perf.MetricRecord, rep *Report, logger zerolog.Logger) {
	defer s.deps.Metrics.ObserveStage(telemetry.StageInsights, s.now())
	ctx, span := telemetry.StartSpan(ctx, telemetry.StageInsights)
	defer span.End()

	window := s.opts.ComparisonWindow
	in := insights.Input{
		Current:   perf.Window(records, cycle.Add(-window), cycle),
		Previous:  perf.Window(records, cycle.Add(-2*window), cycle.Add(-window)),
		ABResults: rep.ABResults,
	}
	for _, d := range rep.Decisions {
		in.Decisions = append(in.Decisions, insights.DecisionInput{
			EntityID:      d.EntityID,
			Channel:       d.Channel,
			CurrentBudget: d.CurrentBudget,
			Decision:      d.Decision,
		})
	}
	rep.Insights = s.deps.Reporter.Insights(in)
	span.SetAttributes(attribute.Int("insights", len(rep.Insights)))

	if !s.opts.AlertsEnabled || s.deps.Notifier == nil {
		return
	}
	selected := alerting.Select(rep.Insights, s.opts.MinPriority)
	if len(selected) == 0 {
		return
	}
	note := alerting.Notification{
		Cycle:    rep.Cycle,
		CycleID:  rep.CycleID,
		Insights: selected,
		Channels: s.opts.AlertChannels,
	}
	if err := s.deps.Notifier.Notify(ctx, note); err != nil {
		logger.Error().Err(err).Msg("failed to dispatch insights")
		return
	}
	rep.Notified = len(selected)
	if m := s.deps.Metrics; m != nil {
		m.InsightsNotified.Add(float64(len(selected)))
	}
}

func (s *Service) publish(ctx context.Context, rep *Report) (err error) {
	if s.deps.Publisher == nil {
		return nil
	}
	defer s.deps.Metrics.ObserveStage(telemetry.StagePublish, s.now())
	ctx, span := telemetry.StartSpan(ctx, telemetry.StagePublish)
	defer func() { telemetry.EndSpan(span, err) }()

	if err := s.deps.Publisher.Publish(ctx, rep.ChangeSet); err != nil {
		return fmt.Errorf("publish change set: %w", err)
	}
	if m := s.deps.Metrics; m != nil {
		m.ChangesTotal.WithLabelValues("budget").Add(float64(len(rep.ChangeSet.Budgets)))
		m.ChangesTotal.WithLabelValues("allocation").Add(float64(len(rep.ChangeSet.Allocations)))
		m.ChangesTotal.WithLabelValues("creative").Add(float64(len(rep.ChangeSet.Creatives)))
	}
	return nil
}

// buildChangeSet turns a cycle's outcomes into apply instructions. In stores
// with an allocation plan the plan owns budget levels, so only pause
// decisions are forwarded for their campaigns.
func buildChangeSet(rep *Report) apply.ChangeSet {
	cs := apply.ChangeSet{
		CycleID:     rep.CycleID,
		Cycle:       rep.Cycle,
		Budgets:     []apply.BudgetChange{},
		Allocations: []apply.AllocationChange{},
		Creatives:   []apply.CreativeAction{},
	}

	planned := make(map[string]bool, len(rep.Plans))
	for _, p := range rep.Plans {
		planned[p.StoreID] = true
		for _, a := range p.Changes {
			cs.Allocations = append(cs.Allocations, apply.AllocationChange{StoreID: p.StoreID, Allocation: a})
		}
	}

	for _, d := range rep.Decisions {
		action := d.Decision.Action
		if action == budget.ActionMaintain {
			continue
		}
		if planned[d.StoreID] && action != budget.ActionPause {
			continue
		}
		cs.Budgets = append(cs.Budgets, apply.BudgetChange{
			EntityID:      d.EntityID,
			StoreID:       d.StoreID,
			Action:        action,
			CurrentBudget: d.CurrentBudget,
			NewBudget:     d.Decision.NewBudget,
			Rule:          d.Decision.Rule,
			Reason:        d.Decision.Reason,
			Confidence:    d.Decision.Confidence,
		})
	}

	for _, ab := range rep.ABResults {
		if !ab.Result.Sufficient {
			continue
		}
		for _, id := range ab.Result.PauseRecommendations {
			cs.Creatives = append(cs.Creatives, apply.CreativeAction{
				CampaignID: ab.CampaignID,
				CreativeID: id,
				Action:     apply.CreativePause,
				Confidence: ab.Result.Confidence,
			})
		}
		for _, id := range ab.Result.ScaleRecommendations {
			cs.Creatives = append(cs.Creatives, apply.CreativeAction{
				CampaignID: ab.CampaignID,
				CreativeID: id,
				Action:     apply.CreativeScale,
				Confidence: ab.Result.Confidence,
			})
		}
	}
	return cs
}

func (s *Service) finish(ctx context.Context, rep *Report, started time.Time, cycleErr error, logger zerolog.Logger) {
	ctx = context.WithoutCancel(ctx)
	finished := s.now().UTC()

	rec := storage.CycleRecord{
		ID:           rep.CycleID,
		CycleTS:      rep.Cycle,
		StartedAt:    started.UTC(),
		FinishedAt:   &finished,
		Status:       storage.CycleSucceeded,
		Records:      rep.Records,
		RecordErrors: rep.RecordErrors,
		Decisions:    len(rep.Decisions),
		Changes:      rep.changeCount(),
	}
	if cycleErr != nil {
		msg := cycleErr.Error()
		rec.Status = storage.CycleFailed
		rec.Error = &msg
	}
	if err := s.deps.Store.FinishCycle(ctx, rec); err != nil {
		logger.Error().Err(err).Msg("failed to record cycle outcome")
	}

	if m := s.deps.Metrics; m != nil {
		m.CyclesTotal.WithLabelValues(rec.Status).Inc()
		m.CycleDuration.Observe(finished.Sub(started).Seconds())
		if cycleErr == nil {
			m.LastSuccess.Set(float64(rep.Cycle.Unix()))
		}
	}

	if cycleErr != nil {
		logger.Error().Err(cycleErr).Msg("cycle failed")
		return
	}

	if s.opts.Retention > 0 {
		if err := s.deps.Store.DeleteBefore(ctx, rep.Cycle.Add(-s.opts.Retention)); err != nil {
			logger.Warn().Err(err).Msg("failed to prune old data")
		}
	}

	logger.Info().
		Int("records", rep.Records).
		Int("record_errors", rep.RecordErrors).
		Int("decisions", len(rep.Decisions)).
		Int("ab_results", len(rep.ABResults)).
		Int("plans", len(rep.Plans)).
		Int("conversions", len(rep.Attributions)).
		Int("insights", len(rep.Insights)).
		Int("changes", rec.Changes).
		Int("failures", len(rep.Failures)).
		Dur("elapsed", finished.Sub(started)).
		Msg("cycle completed")
}
