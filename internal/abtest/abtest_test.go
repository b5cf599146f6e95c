package abtest

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spend-optimizer/internal/perf"
)

func variant(id string, impressions, clicks int64, spend, revenue int64) perf.VariantMetrics {
	return perf.VariantMetrics{
		ID: id,
		Totals: perf.Totals{
			Impressions: impressions,
			Clicks:      clicks,
			Spend:       decimal.NewFromInt(spend),
			Revenue:     decimal.NewFromInt(revenue),
		},
	}
}

func TestAnalyzeRanksAndRecommends(t *testing.T) {
	tester := New(Options{})
	res := tester.Analyze([]perf.VariantMetrics{
		variant("b", 10000, 200, 100, 150),
		variant("a", 10000, 300, 100, 350),
		variant("c", 10000, 100, 100, 50),
	}, 1000, 0.20)

	require.True(t, res.Sufficient)
	assert.Equal(t, []string{"a"}, res.Winners)
	assert.Equal(t, []string{"b", "c"}, res.Losers)
	assert.Equal(t, []string{"c"}, res.PauseRecommendations)
	assert.Equal(t, []string{"a"}, res.ScaleRecommendations)
	assert.Empty(t, res.Excluded)
	assert.InDelta(t, 0.5, res.Confidence, 1e-9)
	assert.Contains(t, res.Summary, "winner a")
}

func TestAnalyzeInsufficientData(t *testing.T) {
	tester := New(Options{})

	t.Run("one variant above the sample floor", func(t *testing.T) {
		res := tester.Analyze([]perf.VariantMetrics{
			variant("small", 50, 5, 10, 0),
			variant("big", 200, 10, 10, 40),
		}, 100, 0.20)

		assert.False(t, res.Sufficient)
		assert.Zero(t, res.Confidence)
		assert.Empty(t, res.Winners)
		assert.Empty(t, res.Losers)
		assert.Empty(t, res.PauseRecommendations)
		assert.Equal(t, []string{"small"}, res.Excluded)
	})

	t.Run("no variants", func(t *testing.T) {
		res := tester.Analyze(nil, 100, 0.20)
		assert.False(t, res.Sufficient)
		assert.NotNil(t, res.Winners)
	})
}

func TestAnalyzeExcludedNeverLosers(t *testing.T) {
	res := New(Options{}).Analyze([]perf.VariantMetrics{
		variant("a", 5000, 250, 0, 0),
		variant("b", 5000, 240, 0, 0),
		variant("tiny", 10, 0, 0, 0),
	}, 1000, 0.20)

	assert.Equal(t, []string{"tiny"}, res.Excluded)
	assert.NotContains(t, res.Losers, "tiny")
	assert.NotContains(t, res.PauseRecommendations, "tiny")
}

func TestAnalyzeTiesKeepInputOrder(t *testing.T) {
	res := New(Options{}).Analyze([]perf.VariantMetrics{
		variant("first", 2000, 40, 0, 0),
		variant("second", 2000, 40, 0, 0),
	}, 1000, 0.20)

	assert.Equal(t, []string{"first"}, res.Winners)
	assert.Empty(t, res.Losers)
	assert.InDelta(t, 0.95, res.Confidence, 1e-9, "identical CTRs are capped")
}

func TestAnalyzePausesOnlyLosers(t *testing.T) {
	t.Run("close variant with poor roas is kept", func(t *testing.T) {
		res := New(Options{}).Analyze([]perf.VariantMetrics{
			variant("a", 10000, 300, 100, 150),
			variant("b", 10000, 290, 100, 50),
		}, 1000, 0.20)

		assert.Empty(t, res.Losers)
		assert.Empty(t, res.PauseRecommendations)
		assert.Empty(t, res.ScaleRecommendations)
	})

	t.Run("unprofitable loser is paused", func(t *testing.T) {
		res := New(Options{}).Analyze([]perf.VariantMetrics{
			variant("a", 10000, 300, 100, 150),
			variant("b", 10000, 200, 100, 50),
			variant("free", 10000, 200, 0, 0),
		}, 1000, 0.20)

		assert.Equal(t, []string{"b", "free"}, res.Losers)
		assert.Equal(t, []string{"b"}, res.PauseRecommendations, "zero-spend variants are not judged on roas")
		for _, id := range res.PauseRecommendations {
			assert.Contains(t, res.Losers, id)
		}
	})
}

func TestAnalyzeZeroWinnerCTR(t *testing.T) {
	res := New(Options{}).Analyze([]perf.VariantMetrics{
		variant("a", 2000, 0, 0, 0),
		variant("b", 2000, 0, 0, 0),
	}, 1000, 0.20)

	assert.True(t, res.Sufficient)
	assert.Empty(t, res.Losers)
	assert.InDelta(t, 0.5, res.Confidence, 1e-9)
}

func TestConfidenceMethods(t *testing.T) {
	t.Run("heuristic caps close variants", func(t *testing.T) {
		res := New(Options{}).Analyze([]perf.VariantMetrics{
			variant("a", 10000, 300, 0, 0),
			variant("b", 10000, 290, 0, 0),
		}, 1000, 0.20)
		assert.InDelta(t, 0.95, res.Confidence, 1e-9)
	})

	t.Run("ztest separates clear winners", func(t *testing.T) {
		res := New(Options{Method: MethodZTest}).Analyze([]perf.VariantMetrics{
			variant("a", 10000, 300, 0, 0),
			variant("b", 10000, 200, 0, 0),
		}, 1000, 0.20)
		assert.InDelta(t, 0.95, res.Confidence, 1e-9)
	})

	t.Run("ztest floors noisy differences", func(t *testing.T) {
		res := New(Options{Method: MethodZTest}).Analyze([]perf.VariantMetrics{
			variant("a", 1000, 30, 0, 0),
			variant("b", 1000, 29, 0, 0),
		}, 1000, 0.20)
		assert.InDelta(t, 0.5, res.Confidence, 1e-9)
	})
}

func TestParseMethod(t *testing.T) {
	m, err := ParseMethod("")
	require.NoError(t, err)
	assert.Equal(t, MethodHeuristic, m)

	m, err = ParseMethod("ZTest")
	require.NoError(t, err)
	assert.Equal(t, MethodZTest, m)

	_, err = ParseMethod("bayes")
	assert.Error(t, err)
}
