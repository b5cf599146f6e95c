package budget

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Thresholds parameterise the default decision ladder.
type Thresholds struct {
	MinLearningSpend   decimal.Decimal
	MinLearningDays    int
	LearningConfidence float64

	ExcellentROAS       decimal.Decimal
	ExcellentStep       decimal.Decimal
	ExcellentCap        decimal.Decimal
	ExcellentConfidence float64

	GoodROAS       decimal.Decimal
	GoodStep       decimal.Decimal
	GoodConfidence float64

	AcceptableROAS       decimal.Decimal
	AcceptableConfidence float64

	PoorROAS       decimal.Decimal
	PoorConfidence float64

	SuboptimalStep       decimal.Decimal
	SuboptimalConfidence float64

	// MaxStepFraction bounds any single increase or decrease as a fraction of
	// the current budget.
	MaxStepFraction decimal.Decimal
}

// DefaultThresholds returns the stock ladder parameters.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MinLearningSpend:   decimal.NewFromInt(50),
		MinLearningDays:    3,
		LearningConfidence: 0.5,

		ExcellentROAS:       decimal.NewFromInt(3),
		ExcellentStep:       decimal.RequireFromString("0.20"),
		ExcellentCap:        decimal.NewFromInt(100),
		ExcellentConfidence: 0.9,

		GoodROAS:       decimal.NewFromInt(2),
		GoodStep:       decimal.RequireFromString("0.10"),
		GoodConfidence: 0.75,

		AcceptableROAS:       decimal.NewFromInt(1),
		AcceptableConfidence: 0.7,

		PoorROAS:       decimal.RequireFromString("0.5"),
		PoorConfidence: 0.85,

		SuboptimalStep:       decimal.RequireFromString("0.20"),
		SuboptimalConfidence: 0.7,

		MaxStepFraction: decimal.RequireFromString("0.5"),
	}
}

// Signals are the inputs one rule sees.
type Signals struct {
	CurrentBudget decimal.Decimal
	Spend         decimal.Decimal
	Revenue       decimal.Decimal
	DaysRunning   int
	// ROAS is revenue over spend, zero when nothing was spent.
	ROAS decimal.Decimal
	CPA  decimal.Decimal
}

// Rule is one rung of the decision ladder. Step returns the absolute budget
// change for increase and decrease actions and is ignored otherwise.
type Rule struct {
	Name       string
	Action     Action
	Confidence float64
	Match      func(Signals) bool
	Step       func(Signals) decimal.Decimal
	Reason     func(Signals) string
}

// DefaultRules builds the ordered ladder from thresholds. The first matching
// rule wins.
func DefaultRules(th Thresholds) []Rule {
	return []Rule{
		{
			Name:       "learning",
			Action:     ActionMaintain,
			Confidence: th.LearningConfidence,
			Match: func(s Signals) bool {
				return s.Spend.LessThan(th.MinLearningSpend) || s.DaysRunning < th.MinLearningDays
			},
			Reason: func(s Signals) string {
				return fmt.Sprintf("learning phase: spend %s over %d days", s.Spend.StringFixed(2), s.DaysRunning)
			},
		},
		{
			Name:       "excellent",
			Action:     ActionIncrease,
			Confidence: th.ExcellentConfidence,
			Match:      func(s Signals) bool { return s.ROAS.GreaterThanOrEqual(th.ExcellentROAS) },
			Step: func(s Signals) decimal.Decimal {
				return decimal.Min(s.CurrentBudget.Mul(th.ExcellentStep), th.ExcellentCap)
			},
			Reason: func(s Signals) string {
				return fmt.Sprintf("excellent roas %s, scaling up", s.ROAS.StringFixed(2))
			},
		},
		{
			Name:       "good",
			Action:     ActionIncrease,
			Confidence: th.GoodConfidence,
			Match:      func(s Signals) bool { return s.ROAS.GreaterThanOrEqual(th.GoodROAS) },
			Step:       func(s Signals) decimal.Decimal { return s.CurrentBudget.Mul(th.GoodStep) },
			Reason: func(s Signals) string {
				return fmt.Sprintf("good roas %s, modest increase", s.ROAS.StringFixed(2))
			},
		},
		{
			Name:       "acceptable",
			Action:     ActionMaintain,
			Confidence: th.AcceptableConfidence,
			Match:      func(s Signals) bool { return s.ROAS.GreaterThanOrEqual(th.AcceptableROAS) },
			Reason: func(s Signals) string {
				return fmt.Sprintf("acceptable roas %s, holding budget", s.ROAS.StringFixed(2))
			},
		},
		{
			Name:       "poor",
			Action:     ActionPause,
			Confidence: th.PoorConfidence,
			Match:      func(s Signals) bool { return s.ROAS.LessThan(th.PoorROAS) },
			Reason: func(s Signals) string {
				return fmt.Sprintf("poor roas %s, pausing", s.ROAS.StringFixed(2))
			},
		},
		{
			Name:       "suboptimal",
			Action:     ActionDecrease,
			Confidence: th.SuboptimalConfidence,
			Match:      func(s Signals) bool { return s.ROAS.LessThan(th.AcceptableROAS) },
			Step:       func(s Signals) decimal.Decimal { return s.CurrentBudget.Mul(th.SuboptimalStep) },
			Reason: func(s Signals) string {
				return fmt.Sprintf("suboptimal roas %s, trimming budget", s.ROAS.StringFixed(2))
			},
		},
	}
}
