package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"spend-optimizer/internal/allocator"
	"spend-optimizer/internal/attribution"
	"spend-optimizer/internal/budget"
	"spend-optimizer/internal/feed"
	"spend-optimizer/internal/storage"
	"spend-optimizer/internal/telemetry"
)

func (s *Service) allocate(ctx context.Context, snap feed.Snapshot, rep *Report, logger zerolog.Logger) {
	defer s.deps.Metrics.ObserveStage(telemetry.StageAllocate, s.now())
	ctx, span := telemetry.StartSpan(ctx, telemetry.StageAllocate)
	defer span.End()

	decisions := make(map[string]EntityDecision, len(rep.Decisions))
	for _, d := range rep.Decisions {
		decisions[d.EntityID] = d
	}

	for _, store := range snap.Stores {
		if !store.TotalBudget.IsPositive() {
			continue
		}
		plan, err := s.allocateStore(ctx, store, snap, decisions)
		if err != nil {
			s.entityFailed(rep, logger, store.ID, telemetry.StageAllocate, err)
			continue
		}
		rep.Plans = append(rep.Plans, plan)
	}
	span.SetAttributes(attribute.Int("plans", len(rep.Plans)))
}

// allocateStore rebalances one store while holding its lock. Campaigns the
// budget engine paused this cycle take no share.
func (s *Service) allocateStore(ctx context.Context, store feed.StoreState, snap feed.Snapshot, decisions map[string]EntityDecision) (StorePlan, error) {
	unlock, err := s.deps.Locker.Lock(ctx, store.ID)
	if err != nil {
		return StorePlan{}, fmt.Errorf("lock store %s: %w", store.ID, err)
	}
	defer unlock()

	var entities []allocator.Entity
	for _, e := range snap.Store(store.ID) {
		if !isCampaign(e) {
			continue
		}
		d, decided := decisions[e.ID]
		ent := allocator.Entity{
			ID:            e.ID,
			CurrentBudget: e.Budget,
			Active:        e.Active() && (!decided || d.Decision.Action != budget.ActionPause),
		}
		if decided {
			ent.ROAS = d.Trailing.ROAS().Value
			ent.Conversions = d.Trailing.Conversions
		}
		entities = append(entities, ent)
	}

	plan, changes, err := s.deps.Allocator.Rebalance(store.TotalBudget, entities)
	if err != nil {
		return StorePlan{}, fmt.Errorf("rebalance store %s: %w", store.ID, err)
	}
	return StorePlan{StoreID: store.ID, Plan: plan, Changes: changes}, nil
}

func (s *Service) attribute(ctx context.Context, since, until time.Time, rep *Report, logger zerolog.Logger) {
	defer s.deps.Metrics.ObserveStage(telemetry.StageAttribute, s.now())
	ctx, span := telemetry.StartSpan(ctx, telemetry.StageAttribute)
	defer span.End()

	conversions, err := s.deps.Feed.FetchConversions(ctx, since, until)
	if err != nil {
		logger.Error().Err(err).Msg("fetch conversions failed; attribution skipped")
		return
	}

	for _, c := range conversions {
		res, err := s.deps.Attribution.AttributeConversion(c, s.opts.Models)
		if err != nil {
			s.entityFailed(rep, logger, c.ID, telemetry.StageAttribute, err)
			continue
		}
		rep.Attributions = append(rep.Attributions, res)
	}
	for _, m := range s.opts.Models {
		rep.Credits[m] = attribution.Summarize(rep.Attributions, m)
	}
	span.SetAttributes(attribute.Int("conversions", len(rep.Attributions)))
}

func (s *Service) persist(ctx context.Context, rep *Report, logger zerolog.Logger) {
	defer s.deps.Metrics.ObserveStage(telemetry.StagePersistence, s.now())
	ctx, span := telemetry.StartSpan(ctx, telemetry.StagePersistence)
	defer span.End()

	now := s.now().UTC()
	store := s.deps.Store

	decisions := make([]storage.DecisionRecord, 0, len(rep.Decisions))
	for _, d := range rep.Decisions {
		decisions = append(decisions, storage.DecisionRecord{
			CycleID:       rep.CycleID,
			CycleTS:       rep.Cycle,
			EntityID:      d.EntityID,
			StoreID:       d.StoreID,
			Channel:       d.Channel,
			Action:        string(d.Decision.Action),
			CurrentBudget: d.CurrentBudget,
			NewBudget:     d.Decision.NewBudget,
			Rule:          d.Decision.Rule,
			Reason:        d.Decision.Reason,
			Confidence:    d.Decision.Confidence,
			ROAS:          d.Decision.ROAS,
			CPA:           d.Decision.CPA,
			CreatedAt:     now,
		})
	}
	if err := store.InsertDecisions(ctx, decisions); err != nil {
		logger.Error().Err(err).Msg("failed to persist decisions")
	}

	var allocations []storage.AllocationRecord
	for _, p := range rep.Plans {
		for _, a := range p.Plan.Allocations {
			allocations = append(allocations, storage.AllocationRecord{
				CycleID:       rep.CycleID,
				CycleTS:       rep.Cycle,
				StoreID:       p.StoreID,
				EntityID:      a.EntityID,
				CurrentBudget: a.CurrentBudget,
				NewBudget:     a.NewBudget,
				Delta:         a.Delta,
				DeltaPercent:  a.DeltaPercent,
				Weight:        a.Weight,
				CreatedAt:     now,
			})
		}
	}
	if err := store.InsertAllocations(ctx, allocations); err != nil {
		logger.Error().Err(err).Msg("failed to persist allocations")
	}

	abResults := make([]storage.ABResultRecord, 0, len(rep.ABResults))
	for _, ab := range rep.ABResults {
		abResults = append(abResults, storage.ABResultRecord{
			CycleID:    rep.CycleID,
			CycleTS:    rep.Cycle,
			CampaignID: ab.CampaignID,
			Winners:    ab.Result.Winners,
			Losers:     ab.Result.Losers,
			Pause:      ab.Result.PauseRecommendations,
			Scale:      ab.Result.ScaleRecommendations,
			Excluded:   ab.Result.Excluded,
			Confidence: ab.Result.Confidence,
			Sufficient: ab.Result.Sufficient,
			Summary:    ab.Result.Summary,
		})
	}
	if err := store.InsertABResults(ctx, abResults); err != nil {
		logger.Error().Err(err).Msg("failed to persist ab results")
	}

	var credits []storage.AttributionRecord
	for _, res := range rep.Attributions {
		models := make([]string, 0, len(res.PerModel))
		for m := range res.PerModel {
			models = append(models, string(m))
		}
		sort.Strings(models)
		for _, m := range models {
			perChannel := res.PerModel[attribution.Model(m)]
			channels := make([]string, 0, len(perChannel))
			for ch := range perChannel {
				channels = append(channels, ch)
			}
			sort.Strings(channels)
			for _, ch := range channels {
				credits = append(credits, storage.AttributionRecord{
					CycleID:     rep.CycleID,
					JourneyID:   res.JourneyID,
					Model:       m,
					Channel:     ch,
					Revenue:     perChannel[ch],
					ConvertedAt: res.ConvertedAt,
				})
			}
		}
	}
	if err := store.InsertAttributions(ctx, credits); err != nil {
		logger.Error().Err(err).Msg("failed to persist attributions")
	}

	found := make([]storage.InsightRecord, 0, len(rep.Insights))
	for _, ins := range rep.Insights {
		found = append(found, storage.InsightRecord{
			CycleID:   rep.CycleID,
			CycleTS:   rep.Cycle,
			Type:      string(ins.Type),
			Priority:  string(ins.Priority),
			EntityID:  ins.EntityID,
			Channel:   ins.Channel,
			Metric:    string(ins.Metric),
			Message:   ins.Message,
			Impact:    ins.Impact,
			CreatedAt: now,
		})
	}
	if err := store.InsertInsights(ctx, found); err != nil {
		logger.Error().Err(err).Msg("failed to persist insights")
	}
}
