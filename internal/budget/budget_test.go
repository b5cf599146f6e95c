package budget

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spend-optimizer/internal/perf"
)

func trailing(spend, revenue string, days int, conversions int64) perf.Totals {
	return perf.Totals{
		Spend:       decimal.RequireFromString(spend),
		Revenue:     decimal.RequireFromString(revenue),
		DaysRunning: days,
		Conversions: conversions,
	}
}

func TestDecideLadder(t *testing.T) {
	engine := NewDefaultEngine(DefaultThresholds())
	current := decimal.NewFromInt(200)

	cases := []struct {
		name       string
		totals     perf.Totals
		action     Action
		newBudget  string
		confidence float64
		rule       string
	}{
		{"learning beats excellent roas", trailing("10", "100", 1, 1), ActionMaintain, "", 0.5, "learning"},
		{"short run is learning", trailing("500", "5000", 2, 10), ActionMaintain, "", 0.5, "learning"},
		{"roas exactly 3 is excellent", trailing("100", "300", 5, 4), ActionIncrease, "240", 0.9, "excellent"},
		{"roas just under 3 is good", trailing("100", "299.99", 5, 4), ActionIncrease, "220", 0.75, "good"},
		{"roas 2 is good", trailing("100", "200", 5, 4), ActionIncrease, "220", 0.75, "good"},
		{"roas 1.5 holds", trailing("100", "150", 5, 4), ActionMaintain, "", 0.7, "acceptable"},
		{"roas 1 holds", trailing("100", "100", 5, 4), ActionMaintain, "", 0.7, "acceptable"},
		{"roas 0.7 trims", trailing("100", "70", 5, 4), ActionDecrease, "160", 0.7, "suboptimal"},
		{"roas 0.5 trims", trailing("100", "50", 5, 4), ActionDecrease, "160", 0.7, "suboptimal"},
		{"roas 0.4 pauses", trailing("100", "40", 5, 4), ActionPause, "0", 0.85, "poor"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := engine.Decide(current, tc.totals)

			assert.Equal(t, tc.action, d.Action)
			assert.Equal(t, tc.rule, d.Rule)
			assert.InDelta(t, tc.confidence, d.Confidence, 1e-9)
			assert.NotEmpty(t, d.Reason)
			if tc.newBudget == "" {
				assert.False(t, d.NewBudget.Valid)
				return
			}
			require.True(t, d.NewBudget.Valid)
			assert.True(t, d.NewBudget.Decimal.Equal(decimal.RequireFromString(tc.newBudget)),
				"new budget %s", d.NewBudget.Decimal)
		})
	}
}

func TestDecideExcellentIncreaseIsCapped(t *testing.T) {
	engine := NewDefaultEngine(DefaultThresholds())
	d := engine.Decide(decimal.NewFromInt(1000), trailing("100", "400", 7, 3))

	require.Equal(t, ActionIncrease, d.Action)
	assert.True(t, d.NewBudget.Decimal.Equal(decimal.NewFromInt(1100)))
	assert.True(t, d.Delta(decimal.NewFromInt(1000)).Equal(decimal.NewFromInt(100)))
}

func TestDecideClampsStepFraction(t *testing.T) {
	th := DefaultThresholds()
	th.ExcellentStep = decimal.NewFromInt(1)
	th.ExcellentCap = decimal.NewFromInt(1000)
	engine := NewDefaultEngine(th)

	d := engine.Decide(decimal.NewFromInt(100), trailing("100", "500", 7, 3))
	assert.True(t, d.NewBudget.Decimal.Equal(decimal.NewFromInt(150)))
}

func TestDecideIsIdempotent(t *testing.T) {
	engine := NewDefaultEngine(DefaultThresholds())
	totals := trailing("321.45", "777.12", 9, 17)

	first := engine.Decide(decimal.NewFromInt(250), totals)
	second := engine.Decide(decimal.NewFromInt(250), totals)
	assert.Equal(t, first, second)
	assert.True(t, first.CPA.Equal(decimal.RequireFromString("321.45").Div(decimal.NewFromInt(17))))
}

func TestCustomLadder(t *testing.T) {
	never := Rule{Name: "never", Action: ActionPause, Match: func(Signals) bool { return false }}
	engine := NewEngine(decimal.Zero, never)

	d := engine.Decide(decimal.NewFromInt(100), trailing("100", "10", 5, 1))
	assert.Equal(t, ActionMaintain, d.Action)
	assert.Equal(t, "none", d.Rule)
	assert.InDelta(t, 0.5, d.Confidence, 1e-9)
	assert.False(t, d.NewBudget.Valid)
	assert.Equal(t, []string{"never"}, engine.Rules())
}
