package insights

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spend-optimizer/internal/abtest"
	"spend-optimizer/internal/attribution"
	"spend-optimizer/internal/budget"
	"spend-optimizer/internal/perf"
)

func rec(id, channel string, impressions, clicks, conversions int64, spend, revenue string) perf.MetricRecord {
	return perf.MetricRecord{
		EntityID:    id,
		EntityKind:  perf.KindCampaign,
		Channel:     channel,
		Impressions: impressions,
		Clicks:      clicks,
		Conversions: conversions,
		Spend:       decimal.RequireFromString(spend),
		Revenue:     decimal.RequireFromString(revenue),
	}
}

func find(list []Insight, typ Type, entity string, metric Metric) (Insight, bool) {
	for _, ins := range list {
		if ins.Type == typ && ins.EntityID == entity && ins.Metric == metric {
			return ins, true
		}
	}
	return Insight{}, false
}

func TestCompare(t *testing.T) {
	r := New(Options{})
	cmp := r.Compare(
		[]perf.MetricRecord{rec("c1", "meta", 1000, 50, 5, "100", "300"), rec("c2", "google", 500, 10, 0, "20", "0")},
		[]perf.MetricRecord{rec("c1", "meta", 1000, 40, 4, "100", "200")},
	)

	require.Len(t, cmp.Entities, 2)
	c1 := cmp.Entities[0]
	assert.Equal(t, "c1", c1.EntityID)

	rev, ok := c1.Delta(MetricRevenue)
	require.True(t, ok)
	assert.True(t, rev.Change.Equal(decimal.NewFromInt(100)))
	assert.True(t, rev.Percent.Equal(decimal.NewFromInt(50)))
	assert.True(t, rev.PercentDefined)

	roas, _ := c1.Delta(MetricROAS)
	assert.True(t, roas.Percent.Equal(decimal.NewFromInt(50)))

	c2 := cmp.Entities[1]
	spend, _ := c2.Delta(MetricSpend)
	assert.False(t, spend.PercentDefined, "no previous period")
	assert.True(t, spend.Percent.IsZero())

	overall := cmp.Overall
	require.Len(t, overall, len(AllMetrics))
	assert.Equal(t, MetricImpressions, overall[0].Metric)
	assert.True(t, overall[0].Current.Equal(decimal.NewFromInt(1500)))
}

func TestInsightsTrends(t *testing.T) {
	r := New(Options{})
	out := r.Insights(Input{
		Current: []perf.MetricRecord{
			rec("c1", "meta", 10000, 200, 10, "100", "200"),
			rec("c2", "google", 4000, 200, 10, "100", "200"),
		},
		Previous: []perf.MetricRecord{
			rec("c1", "meta", 10000, 200, 20, "100", "400"),
			rec("c2", "google", 4000, 200, 5, "100", "100"),
		},
	})

	warn, ok := find(out, TypeWarning, "c1", MetricRevenue)
	require.True(t, ok)
	assert.Equal(t, PriorityHigh, warn.Priority)
	assert.True(t, warn.Impact.Equal(decimal.NewFromInt(-200)))

	_, ok = find(out, TypeWarning, "c1", MetricCPA)
	assert.True(t, ok, "rising cpa is a warning")

	_, ok = find(out, TypeWarning, "c1", MetricCTR)
	assert.False(t, ok, "flat ctr is not a warning")

	opp, ok := find(out, TypeOpportunity, "c2", MetricRevenue)
	require.True(t, ok)
	assert.True(t, opp.Impact.Equal(decimal.NewFromInt(100)))

	_, ok = find(out, TypeWarning, "c2", MetricCPA)
	assert.False(t, ok, "falling cpa is good news")

	assert.Equal(t, PriorityHigh, out[0].Priority)
}

func TestInsightsFromDecisionsAndABResults(t *testing.T) {
	r := New(Options{})
	out := r.Insights(Input{
		Decisions: []DecisionInput{
			{
				EntityID:      "c9",
				Channel:       "tiktok",
				CurrentBudget: decimal.NewFromInt(100),
				Decision: budget.Decision{
					Action:    budget.ActionPause,
					NewBudget: decimal.NewNullDecimal(decimal.Zero),
					ROAS:      decimal.RequireFromString("0.3"),
					Reason:    "poor roas",
				},
			},
			{
				EntityID:      "c8",
				CurrentBudget: decimal.NewFromInt(100),
				Decision:      budget.Decision{Action: budget.ActionMaintain},
			},
		},
		ABResults: []ABInput{{
			CampaignID: "c7",
			Result: abtest.Result{
				PauseRecommendations: []string{"cr-2"},
				ScaleRecommendations: []string{"cr-1"},
				Confidence:           0.8,
			},
		}},
	})

	require.Len(t, out, 3)
	assert.Equal(t, "c9", out[0].EntityID)
	assert.Equal(t, PriorityHigh, out[0].Priority)
	assert.True(t, out[0].Impact.Equal(decimal.NewFromInt(-30)))

	_, ok := find(out, TypeRecommendation, "cr-2", MetricCTR)
	assert.True(t, ok)
	_, ok = find(out, TypeRecommendation, "cr-1", MetricROAS)
	assert.True(t, ok)
}

func TestInsightsBenchmarkRecommendation(t *testing.T) {
	r := New(Options{})
	out := r.Insights(Input{
		Current: []perf.MetricRecord{rec("c1", "meta", 10000, 20, 1, "100", "50")},
	})

	ins, ok := find(out, TypeRecommendation, "c1", MetricROAS)
	require.True(t, ok)
	assert.Equal(t, PriorityLow, ins.Priority)
	_, ok = find(out, TypeRecommendation, "c1", MetricCTR)
	assert.True(t, ok)
}

func TestRate(t *testing.T) {
	r := New(Options{})

	assert.Equal(t, RatingExcellent, r.Rate("meta", MetricCTR, 0.025))
	assert.Equal(t, RatingAverage, r.Rate("pinterest", MetricCTR, 0.012), "wildcard channel")
	assert.Equal(t, RatingExcellent, r.Rate("meta", MetricCPA, 10), "lower cpa is better")
	assert.Equal(t, RatingPoor, r.Rate("meta", MetricCPA, 50))
	assert.Equal(t, RatingUnknown, r.Rate("meta", MetricSpend, 50))
}

func TestParseBenchmarksIndustryOverride(t *testing.T) {
	table, err := ParseBenchmarks([]byte(`
benchmarks:
  - metric: roas
    poor: 1
    average: 2
    good: 3
    excellent: 4
  - channel: Meta
    metric: roas
    industry: apparel
    poor: 2
    average: 3
    good: 5
    excellent: 8
`))
	require.NoError(t, err)

	apparel := New(Options{Benchmarks: table, Industry: "apparel"})
	assert.Equal(t, RatingAverage, apparel.Rate("meta", MetricROAS, 4))
	assert.Equal(t, RatingExcellent, apparel.Rate("google", MetricROAS, 4))

	_, err = ParseBenchmarks([]byte("benchmarks:\n  - metric: reach\n"))
	assert.Error(t, err)
}

func TestCompareChannelsAndAttribution(t *testing.T) {
	r := New(Options{})
	records := []perf.MetricRecord{
		rec("c1", "meta", 1000, 30, 3, "300", "900"),
		rec("c2", "google", 1000, 50, 5, "100", "200"),
	}

	channels := r.CompareChannels(records)
	require.Len(t, channels, 2)
	assert.Equal(t, "meta", channels[0].Channel)
	assert.True(t, channels[0].SpendShare.Equal(decimal.RequireFromString("0.75")))
	assert.Equal(t, RatingGood, channels[0].Ratings[MetricROAS])

	view := r.ChannelAttribution(records, []attribution.ChannelCredit{
		{Channel: "meta", Revenue: decimal.NewFromInt(600), Share: decimal.RequireFromString("0.6")},
		{Channel: "email", Revenue: decimal.NewFromInt(400), Share: decimal.RequireFromString("0.4")},
	})
	require.Len(t, view, 3)
	assert.Equal(t, "email", view[0].Channel)
	assert.True(t, view[0].AttributedROAS.IsZero())
	assert.Equal(t, "google", view[1].Channel)
	assert.True(t, view[1].AttributedRevenue.IsZero())
	assert.True(t, view[2].AttributedROAS.Equal(decimal.NewFromInt(2)))
}
