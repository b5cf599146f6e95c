package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spend-optimizer/internal/alerting"
	"spend-optimizer/internal/apply"
	"spend-optimizer/internal/attribution"
	"spend-optimizer/internal/budget"
	"spend-optimizer/internal/feed"
	"spend-optimizer/internal/insights"
	"spend-optimizer/internal/normalize"
	"spend-optimizer/internal/perf"
	"spend-optimizer/internal/storage"
	"spend-optimizer/internal/telemetry"
)

var cycleTS = time.Date(2024, 5, 8, 0, 0, 0, 0, time.UTC)

func canonical(source, entityID, kind, storeID, parentID string, day time.Time, impressions, clicks, conversions int, spend, revenue string) normalize.RawRecord {
	payload := fmt.Sprintf(`{"channel":%q,"period_start":%q,"period_end":%q,"impressions":%d,"clicks":%d,"conversions":%d,"spend":%q,"revenue":%q,"days_running":10}`,
		source, day.Format(time.RFC3339), day.Add(24*time.Hour).Format(time.RFC3339),
		impressions, clicks, conversions, spend, revenue)
	return normalize.RawRecord{
		Source:     "canonical",
		EntityID:   entityID,
		EntityKind: kind,
		StoreID:    storeID,
		ParentID:   parentID,
		Payload:    []byte(payload),
	}
}

func fixture() *feed.Static {
	recent := time.Date(2024, 5, 6, 0, 0, 0, 0, time.UTC)
	older := time.Date(2024, 4, 27, 0, 0, 0, 0, time.UTC)

	return &feed.Static{
		Records: []normalize.RawRecord{
			canonical("meta", "c-star", "campaign", "s-1", "", recent, 10000, 500, 20, "100", "400"),
			canonical("meta", "c-star", "campaign", "s-1", "", older, 10000, 500, 20, "100", "800"),
			canonical("google", "c-poor", "campaign", "s-1", "", recent, 8000, 80, 1, "100", "30"),
			canonical("tiktok", "c-ok", "campaign", "s-2", "", recent, 6000, 120, 5, "100", "150"),
			canonical("meta", "cr-a", "creative", "s-1", "c-star", recent, 5000, 250, 15, "50", "200"),
			canonical("meta", "cr-b", "creative", "s-1", "c-star", recent, 5000, 100, 1, "50", "20"),
			{Source: "unknown-platform", EntityID: "x", Payload: []byte(`{}`)},
		},
		State: feed.Snapshot{
			TakenAt: cycleTS,
			Stores: []feed.StoreState{
				{ID: "s-1"},
				{ID: "s-2", TotalBudget: decimal.NewFromInt(300)},
			},
			Entities: []feed.EntityState{
				{ID: "c-star", Kind: perf.KindCampaign, StoreID: "s-1", Channel: "meta", Budget: decimal.NewFromInt(200), Status: feed.StatusActive},
				{ID: "c-poor", Kind: perf.KindCampaign, StoreID: "s-1", Channel: "google", Budget: decimal.NewFromInt(100), Status: feed.StatusActive},
				{ID: "c-ok", Kind: perf.KindCampaign, StoreID: "s-2", Channel: "tiktok", Budget: decimal.NewFromInt(100), Status: feed.StatusActive},
				{ID: "c-new", Kind: perf.KindCampaign, StoreID: "s-2", Channel: "tiktok", Budget: decimal.Zero, Status: feed.StatusActive},
				{ID: "c-bad", Kind: perf.KindCampaign, StoreID: "s-3", Channel: "meta", Budget: decimal.NewFromInt(-5), Status: feed.StatusActive},
				{ID: "c-off", Kind: perf.KindCampaign, StoreID: "s-1", Channel: "meta", Budget: decimal.NewFromInt(50), Status: feed.StatusPaused},
				{ID: "cr-a", Kind: perf.KindCreative, StoreID: "s-1", ParentID: "c-star", Status: feed.StatusActive},
				{ID: "cr-b", Kind: perf.KindCreative, StoreID: "s-1", ParentID: "c-star", Status: feed.StatusActive},
			},
		},
		Conversions: []attribution.Conversion{
			{
				Journey: attribution.Journey{
					ID: "j-1",
					Touchpoints: []attribution.Touchpoint{
						{Channel: "meta", Timestamp: time.Date(2024, 5, 7, 8, 0, 0, 0, time.UTC)},
						{Channel: "google", Timestamp: time.Date(2024, 5, 7, 10, 0, 0, 0, time.UTC)},
					},
					ConvertedAt: time.Date(2024, 5, 7, 12, 0, 0, 0, time.UTC),
				},
				Revenue: decimal.NewFromInt(100),
			},
			{
				Journey: attribution.Journey{ID: "j-empty", ConvertedAt: time.Date(2024, 5, 7, 13, 0, 0, 0, time.UTC)},
				Revenue: decimal.NewFromInt(50),
			},
		},
	}
}

type recordingNotifier struct {
	mu    sync.Mutex
	notes []alerting.Notification
}

func (n *recordingNotifier) Notify(_ context.Context, note alerting.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notes = append(n.notes, note)
	return nil
}

type recordingPublisher struct {
	sets []apply.ChangeSet
	err  error
}

func (p *recordingPublisher) Publish(_ context.Context, cs apply.ChangeSet) error {
	if p.err != nil {
		return p.err
	}
	p.sets = append(p.sets, cs)
	return nil
}

func newTestService(src feed.Source, store *storage.MemoryStore, pub apply.Publisher, notifier alerting.Notifier, metrics *telemetry.Metrics) *Service {
	return New(Dependencies{
		Feed:      src,
		Store:     store,
		Publisher: pub,
		Notifier:  notifier,
		Metrics:   metrics,
	}, Options{
		Workers:            2,
		TrailingWindow:     7 * 24 * time.Hour,
		ComparisonWindow:   7 * 24 * time.Hour,
		ConversionLookback: 48 * time.Hour,
		Models:             []attribution.Model{attribution.Linear, attribution.LastTouch},
		AdvisoryLockKey:    42,
		AlertsEnabled:      true,
		MinPriority:        insights.PriorityHigh,
		AlertChannels:      []string{"telegram"},
	}, zerolog.Nop())
}

func TestProcessCycleEndToEnd(t *testing.T) {
	store := storage.NewMemoryStore()
	pub := &recordingPublisher{}
	notifier := &recordingNotifier{}
	metrics := telemetry.NewMetrics(prometheus.NewRegistry())
	svc := newTestService(fixture(), store, pub, notifier, metrics)

	rep, err := svc.ProcessCycle(context.Background(), cycleTS)
	require.NoError(t, err)
	require.False(t, rep.Skipped)

	t.Run("ingest", func(t *testing.T) {
		assert.Equal(t, 6, rep.Records)
		assert.Equal(t, 1, rep.RecordErrors)
		assert.Equal(t, 6.0, testutil.ToFloat64(metrics.RecordsTotal.WithLabelValues("ok")))
	})

	t.Run("decisions", func(t *testing.T) {
		require.Len(t, rep.Decisions, 4)

		star, ok := rep.Decision("c-star")
		require.True(t, ok)
		assert.Equal(t, budget.ActionIncrease, star.Decision.Action)
		assert.True(t, star.Decision.NewBudget.Decimal.Equal(decimal.NewFromInt(240)))

		poor, ok := rep.Decision("c-poor")
		require.True(t, ok)
		assert.Equal(t, budget.ActionPause, poor.Decision.Action)

		okc, _ := rep.Decision("c-ok")
		assert.Equal(t, budget.ActionMaintain, okc.Decision.Action)

		_, ok = rep.Decision("c-off")
		assert.False(t, ok, "paused campaigns are not decided")

		require.Len(t, rep.Failures, 2)
		assert.Equal(t, "c-bad", rep.Failures[0].EntityID)
		assert.ErrorIs(t, rep.Failures[0].Err, ErrInvalidEntity)
		assert.Equal(t, "j-empty", rep.Failures[1].EntityID)
		assert.ErrorIs(t, rep.Failures[1].Err, attribution.ErrInvalidJourney)
	})

	t.Run("ab test", func(t *testing.T) {
		require.Len(t, rep.ABResults, 1)
		ab := rep.ABResults[0]
		assert.Equal(t, "c-star", ab.CampaignID)
		assert.True(t, ab.Result.Sufficient)
		assert.Equal(t, []string{"cr-a"}, ab.Result.Winners)
		assert.Equal(t, []string{"cr-b"}, ab.Result.PauseRecommendations)
		assert.Equal(t, []string{"cr-a"}, ab.Result.ScaleRecommendations)
	})

	t.Run("allocation", func(t *testing.T) {
		require.Len(t, rep.Plans, 1)
		plan, ok := rep.Plan("s-2")
		require.True(t, ok)
		assert.True(t, plan.Plan.Allocated.LessThanOrEqual(decimal.NewFromInt(300)))
		require.Len(t, plan.Changes, 2)
		for _, a := range plan.Plan.Allocations {
			switch a.EntityID {
			case "c-ok":
				assert.True(t, a.NewBudget.Equal(decimal.NewFromInt(150)), "c-ok got %s", a.NewBudget)
			case "c-new":
				assert.True(t, a.NewBudget.Equal(decimal.NewFromInt(10)), "c-new got %s", a.NewBudget)
			}
		}
	})

	t.Run("attribution", func(t *testing.T) {
		require.Len(t, rep.Attributions, 1)
		credits := rep.Credits[attribution.Linear]
		require.Len(t, credits, 2)
		assert.True(t, credits[0].Revenue.Add(credits[1].Revenue).Equal(decimal.NewFromInt(100)))
		last := rep.Credits[attribution.LastTouch]
		require.Len(t, last, 1)
		assert.Equal(t, "google", last[0].Channel)
	})

	t.Run("change set", func(t *testing.T) {
		require.Len(t, pub.sets, 1)
		cs := pub.sets[0]
		assert.Equal(t, rep.CycleID, cs.CycleID)
		assert.Len(t, cs.Budgets, 2)
		assert.Len(t, cs.Allocations, 2)
		assert.Len(t, cs.Creatives, 2)
		for _, b := range cs.Budgets {
			assert.Equal(t, "s-1", b.StoreID)
		}
	})

	t.Run("insights and alerts", func(t *testing.T) {
		var revenueWarning bool
		for _, ins := range rep.Insights {
			if ins.Type == insights.TypeWarning && ins.EntityID == "c-star" && ins.Metric == insights.MetricRevenue {
				revenueWarning = true
				assert.Equal(t, insights.PriorityHigh, ins.Priority)
			}
		}
		assert.True(t, revenueWarning)

		require.Len(t, notifier.notes, 1)
		note := notifier.notes[0]
		assert.Equal(t, rep.Notified, len(note.Insights))
		for _, ins := range note.Insights {
			assert.Equal(t, insights.PriorityHigh, ins.Priority)
			assert.NotEqual(t, insights.TypeOpportunity, ins.Type)
		}
	})

	t.Run("persistence", func(t *testing.T) {
		cycle, ok := store.Cycle(rep.CycleID)
		require.True(t, ok)
		assert.Equal(t, storage.CycleSucceeded, cycle.Status)
		assert.Equal(t, 4, cycle.Decisions)
		assert.Equal(t, 6, cycle.Changes)

		decisions, err := store.ListRecentDecisions(context.Background(), 10)
		require.NoError(t, err)
		assert.Len(t, decisions, 4)

		allocations, err := store.ListAllocationsBetween(context.Background(), cycleTS, cycleTS.Add(time.Second))
		require.NoError(t, err)
		assert.Len(t, allocations, 2)

		assert.Len(t, store.ABResults(), 1)
		// j-1 credits meta and google under linear and google under last touch.
		assert.Len(t, store.Attributions(), 3)

		saved, err := store.ListRecentInsights(context.Background(), 100)
		require.NoError(t, err)
		assert.Len(t, saved, len(rep.Insights))
	})

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.CyclesTotal.WithLabelValues(storage.CycleSucceeded)))
}

func TestProcessCycleIsRepeatable(t *testing.T) {
	store := storage.NewMemoryStore()
	svc := newTestService(fixture(), store, &recordingPublisher{}, nil, nil)

	first, err := svc.ProcessCycle(context.Background(), cycleTS)
	require.NoError(t, err)
	second, err := svc.ProcessCycle(context.Background(), cycleTS)
	require.NoError(t, err)

	assert.Equal(t, first.CycleID, second.CycleID)
	require.Len(t, second.Decisions, len(first.Decisions))
	for i := range first.Decisions {
		assert.Equal(t, first.Decisions[i].Decision.Action, second.Decisions[i].Decision.Action)
	}
	decisions, err := store.ListRecentDecisions(context.Background(), 100)
	require.NoError(t, err)
	assert.Len(t, decisions, len(first.Decisions))
}

func TestProcessCycleSkipsWhenLockHeld(t *testing.T) {
	store := storage.NewMemoryStore()
	unlock, ok, err := store.TryAdvisoryLock(context.Background(), 42)
	require.NoError(t, err)
	require.True(t, ok)
	defer unlock()

	pub := &recordingPublisher{}
	rep, err := newTestService(fixture(), store, pub, nil, nil).ProcessCycle(context.Background(), cycleTS)
	require.NoError(t, err)
	assert.True(t, rep.Skipped)
	assert.Empty(t, pub.sets)
}

type failingFeed struct {
	*feed.Static
}

func (failingFeed) FetchSnapshot(context.Context) (feed.Snapshot, error) {
	return feed.Snapshot{}, errors.New("state api unavailable")
}

func TestProcessCycleFailureIsRecorded(t *testing.T) {
	store := storage.NewMemoryStore()
	metrics := telemetry.NewMetrics(prometheus.NewRegistry())
	svc := newTestService(failingFeed{fixture()}, store, &recordingPublisher{}, nil, metrics)

	rep, err := svc.ProcessCycle(context.Background(), cycleTS)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "state api unavailable")

	cycle, ok := store.Cycle(rep.CycleID)
	require.True(t, ok)
	assert.Equal(t, storage.CycleFailed, cycle.Status)
	require.NotNil(t, cycle.Error)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.CyclesTotal.WithLabelValues(storage.CycleFailed)))

	_, found, err := store.LastSucceededCycle(context.Background(), cycleTS.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestProcessCyclePublishFailure(t *testing.T) {
	store := storage.NewMemoryStore()
	pub := &recordingPublisher{err: apply.ErrSinkRejected}
	_, err := newTestService(fixture(), store, pub, nil, nil).ProcessCycle(context.Background(), cycleTS)
	require.ErrorIs(t, err, apply.ErrSinkRejected)

	decisions, listErr := store.ListRecentDecisions(context.Background(), 10)
	require.NoError(t, listErr)
	assert.NotEmpty(t, decisions, "decisions are persisted before publishing")
}

func TestBuildChangeSetSkipsInsufficientAB(t *testing.T) {
	rep := &Report{
		CycleID: "c",
		ABResults: []insights.ABInput{{
			CampaignID: "camp",
		}},
		Decisions: []EntityDecision{{
			EntityID: "e",
			StoreID:  "s",
			Decision: budget.Decision{Action: budget.ActionDecrease, NewBudget: decimal.NewNullDecimal(decimal.NewFromInt(80))},
		}},
	}
	rep.ABResults[0].Result.PauseRecommendations = []string{"cr"}

	cs := buildChangeSet(rep)
	assert.Empty(t, cs.Creatives)
	require.Len(t, cs.Budgets, 1)
	assert.Equal(t, budget.ActionDecrease, cs.Budgets[0].Action)
}

func TestCycleIDStable(t *testing.T) {
	assert.Equal(t, CycleID(cycleTS), CycleID(cycleTS.In(time.FixedZone("x", 3600))))
	assert.NotEqual(t, CycleID(cycleTS), CycleID(cycleTS.Add(time.Hour)))
}
