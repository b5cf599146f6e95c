package budget

import (
	"fmt"

	"github.com/shopspring/decimal"

	"spend-optimizer/internal/perf"
)

// Action is a budget change kind.
type Action string

const (
	ActionIncrease Action = "increase"
	ActionDecrease Action = "decrease"
	ActionMaintain Action = "maintain"
	ActionPause    Action = "pause"
)

// Decision is the recommended action for one campaign. NewBudget is set for
// increase, decrease and pause, and null for maintain.
type Decision struct {
	Action     Action              `json:"action"`
	NewBudget  decimal.NullDecimal `json:"new_budget"`
	Reason     string              `json:"reason"`
	Confidence float64             `json:"confidence"`
	Rule       string              `json:"rule"`
	ROAS       decimal.Decimal     `json:"roas"`
	CPA        decimal.Decimal     `json:"cpa"`
}

// Delta is NewBudget minus current, zero for maintain.
func (d Decision) Delta(current decimal.Decimal) decimal.Decimal {
	if !d.NewBudget.Valid {
		return decimal.Zero
	}
	return d.NewBudget.Decimal.Sub(current)
}

const fallbackConfidence = 0.5

// Engine evaluates a rule ladder.
type Engine struct {
	rules   []Rule
	maxStep decimal.Decimal
}

// NewEngine builds an engine over the given ladder. maxStepFraction caps a
// single change relative to the current budget; zero or negative disables it.
func NewEngine(maxStepFraction decimal.Decimal, rules ...Rule) *Engine {
	return &Engine{rules: rules, maxStep: maxStepFraction}
}

// NewDefaultEngine builds an engine from thresholds.
func NewDefaultEngine(th Thresholds) *Engine {
	return NewEngine(th.MaxStepFraction, DefaultRules(th)...)
}

// Rules returns the ladder names in evaluation order.
func (e *Engine) Rules() []string {
	out := make([]string, len(e.rules))
	for i, r := range e.rules {
		out[i] = r.Name
	}
	return out
}

// Decide applies the first matching rule to the campaign's trailing totals.
// The result depends only on its inputs.
func (e *Engine) Decide(currentBudget decimal.Decimal, trailing perf.Totals) Decision {
	s := Signals{
		CurrentBudget: currentBudget,
		Spend:         trailing.Spend,
		Revenue:       trailing.Revenue,
		DaysRunning:   trailing.DaysRunning,
		ROAS:          trailing.ROASDecimal(),
		CPA:           decimal.Zero,
	}
	if trailing.Conversions > 0 {
		s.CPA = trailing.Spend.Div(decimal.NewFromInt(trailing.Conversions))
	}

	for _, r := range e.rules {
		if r.Match == nil || !r.Match(s) {
			continue
		}
		d := Decision{
			Action:     r.Action,
			Confidence: r.Confidence,
			Rule:       r.Name,
			ROAS:       s.ROAS,
			CPA:        s.CPA,
		}
		if r.Reason != nil {
			d.Reason = r.Reason(s)
		}
		d.NewBudget = e.newBudget(r, s)
		return d
	}

	return Decision{
		Action:     ActionMaintain,
		Confidence: fallbackConfidence,
		Rule:       "none",
		Reason:     fmt.Sprintf("no rule matched roas %s", s.ROAS.StringFixed(2)),
		ROAS:       s.ROAS,
		CPA:        s.CPA,
	}
}

func (e *Engine) newBudget(r Rule, s Signals) decimal.NullDecimal {
	switch r.Action {
	case ActionPause:
		return decimal.NewNullDecimal(decimal.Zero)
	case ActionIncrease, ActionDecrease:
		step := decimal.Zero
		if r.Step != nil {
			step = r.Step(s).Abs()
		}
		if e.maxStep.IsPositive() {
			step = decimal.Min(step, s.CurrentBudget.Mul(e.maxStep))
		}
		next := s.CurrentBudget.Add(step)
		if r.Action == ActionDecrease {
			next = s.CurrentBudget.Sub(step)
		}
		if next.IsNegative() {
			next = decimal.Zero
		}
		return decimal.NewNullDecimal(next.Round(2))
	default:
		return decimal.NullDecimal{}
	}
}
