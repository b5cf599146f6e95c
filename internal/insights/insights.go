package insights

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"spend-optimizer/internal/abtest"
	"spend-optimizer/internal/attribution"
	"spend-optimizer/internal/budget"
	"spend-optimizer/internal/perf"
)

// Type classifies an insight.
type Type string

const (
	TypeOpportunity    Type = "opportunity"
	TypeWarning        Type = "warning"
	TypeRecommendation Type = "recommendation"
)

// Priority orders insights for readers.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

func (p Priority) rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityMedium:
		return 1
	default:
		return 2
	}
}

// Insight is one human-readable finding. Impact is the estimated revenue
// effect.
type Insight struct {
	Type     Type            `json:"type"`
	Priority Priority        `json:"priority"`
	EntityID string          `json:"entity_id,omitempty"`
	Channel  string          `json:"channel,omitempty"`
	Metric   Metric          `json:"metric,omitempty"`
	Message  string          `json:"message"`
	Impact   decimal.Decimal `json:"impact"`
}

// DecisionInput is a budget decision together with its context.
type DecisionInput struct {
	EntityID      string
	Channel       string
	CurrentBudget decimal.Decimal
	Decision      budget.Decision
}

// ABInput is an A/B result for one campaign.
type ABInput struct {
	CampaignID string
	Result     abtest.Result
}

// Input gathers everything the reporter reads.
type Input struct {
	Current   []perf.MetricRecord
	Previous  []perf.MetricRecord
	Decisions []DecisionInput
	ABResults []ABInput
}

// Options hold reporter thresholds.
type Options struct {
	// WarningDecline is the relative drop (0.20 = 20%) that raises a warning.
	WarningDecline float64
	// OpportunityGrowth is the relative gain that raises an opportunity.
	OpportunityGrowth float64
	Industry          string
	Benchmarks        *Benchmarks
}

// DefaultOptions returns the stock thresholds.
func DefaultOptions() Options {
	return Options{
		WarningDecline:    0.20,
		OpportunityGrowth: 0.50,
		Industry:          Wildcard,
		Benchmarks:        DefaultBenchmarks(),
	}
}

// Reporter derives comparisons and insights. It never changes anything.
type Reporter struct {
	opts Options
}

// New builds a Reporter, filling zero options with defaults.
func New(opts Options) *Reporter {
	def := DefaultOptions()
	if opts.WarningDecline <= 0 {
		opts.WarningDecline = def.WarningDecline
	}
	if opts.OpportunityGrowth <= 0 {
		opts.OpportunityGrowth = def.OpportunityGrowth
	}
	if opts.Industry == "" {
		opts.Industry = def.Industry
	}
	if opts.Benchmarks == nil {
		opts.Benchmarks = def.Benchmarks
	}
	return &Reporter{opts: opts}
}

// Rate grades a metric value for a channel.
func (r *Reporter) Rate(channel string, metric Metric, value float64) Rating {
	bm, ok := r.opts.Benchmarks.Lookup(channel, metric, r.opts.Industry)
	if !ok {
		return RatingUnknown
	}
	return bm.Rate(value)
}

var (
	watchedMetrics = []Metric{MetricConversions, MetricRevenue, MetricROAS, MetricCTR, MetricCVR, MetricCPC, MetricCPA}
	growthMetrics  = map[Metric]bool{MetricConversions: true, MetricRevenue: true, MetricROAS: true}
	ratedMetrics   = []Metric{MetricROAS, MetricCTR, MetricCPA}
)

// Insights derives warnings, opportunities and recommendations, highest
// priority first.
func (r *Reporter) Insights(in Input) []Insight {
	var out []Insight
	cmp := r.Compare(in.Current, in.Previous)

	for _, ec := range cmp.Entities {
		out = append(out, r.trendInsights(ec)...)
		out = append(out, r.benchmarkInsights(ec)...)
	}
	for _, d := range in.Decisions {
		if ins, ok := decisionInsight(d); ok {
			out = append(out, ins)
		}
	}
	for _, ab := range in.ABResults {
		out = append(out, abInsights(ab)...)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if a, b := out[i].Priority.rank(), out[j].Priority.rank(); a != b {
			return a < b
		}
		return out[i].Impact.Abs().GreaterThan(out[j].Impact.Abs())
	})
	return out
}

func (r *Reporter) trendInsights(ec EntityComparison) []Insight {
	var out []Insight
	warn := decimal.NewFromFloat(r.opts.WarningDecline * 100)
	grow := decimal.NewFromFloat(r.opts.OpportunityGrowth * 100)
	prevRevenue := ec.Previous.Revenue

	for _, m := range watchedMetrics {
		d, ok := ec.Delta(m)
		if !ok || !d.PercentDefined {
			continue
		}
		worse := d.Percent.Neg()
		if m.LowerIsBetter() {
			worse = d.Percent
		}
		magnitude := d.Percent.Abs()
		impact := prevRevenue.Mul(magnitude).Div(decimal.NewFromInt(100)).Round(2)

		switch {
		case worse.GreaterThanOrEqual(warn):
			prio := PriorityMedium
			if worse.GreaterThanOrEqual(warn.Mul(decimal.NewFromInt(2))) {
				prio = PriorityHigh
			}
			if m == MetricRevenue {
				impact = d.Change.Abs()
			}
			out = append(out, Insight{
				Type:     TypeWarning,
				Priority: prio,
				EntityID: ec.EntityID,
				Channel:  ec.Channel,
				Metric:   m,
				Message:  fmt.Sprintf("%s %s worsened %s%% (%s -> %s)", ec.EntityID, m, magnitude.StringFixed(1), d.Previous.StringFixed(4), d.Current.StringFixed(4)),
				Impact:   impact.Neg(),
			})
		case growthMetrics[m] && d.Percent.GreaterThanOrEqual(grow):
			if m == MetricRevenue {
				impact = d.Change
			}
			out = append(out, Insight{
				Type:     TypeOpportunity,
				Priority: PriorityMedium,
				EntityID: ec.EntityID,
				Channel:  ec.Channel,
				Metric:   m,
				Message:  fmt.Sprintf("%s %s grew %s%%, consider scaling", ec.EntityID, m, magnitude.StringFixed(1)),
				Impact:   impact,
			})
		}
	}
	return out
}

func (r *Reporter) benchmarkInsights(ec EntityComparison) []Insight {
	var out []Insight
	for _, m := range ratedMetrics {
		v, ok := Value(ec.Current, m)
		if !ok {
			continue
		}
		if r.Rate(ec.Channel, m, v.InexactFloat64()) != RatingPoor {
			continue
		}
		out = append(out, Insight{
			Type:     TypeRecommendation,
			Priority: PriorityLow,
			EntityID: ec.EntityID,
			Channel:  ec.Channel,
			Metric:   m,
			Message:  fmt.Sprintf("%s %s %s is below the %s benchmark", ec.EntityID, m, v.StringFixed(4), ec.Channel),
			Impact:   decimal.Zero,
		})
	}
	return out
}

func decisionInsight(d DecisionInput) (Insight, bool) {
	ins := Insight{
		Type:     TypeRecommendation,
		EntityID: d.EntityID,
		Channel:  d.Channel,
		Metric:   MetricROAS,
		Impact:   d.Decision.Delta(d.CurrentBudget).Mul(d.Decision.ROAS).Round(2),
	}
	switch d.Decision.Action {
	case budget.ActionPause:
		ins.Priority = PriorityHigh
		ins.Message = fmt.Sprintf("pause %s: %s", d.EntityID, d.Decision.Reason)
	case budget.ActionIncrease:
		ins.Priority = PriorityMedium
		ins.Message = fmt.Sprintf("raise %s budget to %s: %s", d.EntityID, d.Decision.NewBudget.Decimal.StringFixed(2), d.Decision.Reason)
	case budget.ActionDecrease:
		ins.Priority = PriorityLow
		ins.Message = fmt.Sprintf("lower %s budget to %s: %s", d.EntityID, d.Decision.NewBudget.Decimal.StringFixed(2), d.Decision.Reason)
	default:
		return Insight{}, false
	}
	return ins, true
}

func abInsights(ab ABInput) []Insight {
	var out []Insight
	for _, id := range ab.Result.PauseRecommendations {
		out = append(out, Insight{
			Type:     TypeRecommendation,
			Priority: PriorityMedium,
			EntityID: id,
			Metric:   MetricCTR,
			Message:  fmt.Sprintf("pause creative %s in campaign %s (confidence %.2f)", id, ab.CampaignID, ab.Result.Confidence),
			Impact:   decimal.Zero,
		})
	}
	for _, id := range ab.Result.ScaleRecommendations {
		out = append(out, Insight{
			Type:     TypeRecommendation,
			Priority: PriorityMedium,
			EntityID: id,
			Metric:   MetricROAS,
			Message:  fmt.Sprintf("scale winning creative %s in campaign %s", id, ab.CampaignID),
			Impact:   decimal.Zero,
		})
	}
	return out
}

// ChannelAttribution sets attributed revenue beside platform-reported figures.
type ChannelAttribution struct {
	Channel           string          `json:"channel"`
	Spend             decimal.Decimal `json:"spend"`
	PlatformRevenue   decimal.Decimal `json:"platform_revenue"`
	AttributedRevenue decimal.Decimal `json:"attributed_revenue"`
	AttributedShare   decimal.Decimal `json:"attributed_share"`
	// AttributedROAS is attributed revenue over spend, zero without spend.
	AttributedROAS decimal.Decimal `json:"attributed_roas"`
}

// ChannelAttribution joins an attribution summary with per-channel records.
func (r *Reporter) ChannelAttribution(records []perf.MetricRecord, credits []attribution.ChannelCredit) []ChannelAttribution {
	byChannel, keys := perf.GroupByChannel(records)
	credited := make(map[string]attribution.ChannelCredit, len(credits))
	for _, c := range credits {
		credited[c.Channel] = c
		if _, ok := byChannel[c.Channel]; !ok {
			keys = append(keys, c.Channel)
		}
	}
	sort.Strings(keys)

	out := make([]ChannelAttribution, 0, len(keys))
	for _, ch := range keys {
		t := perf.Aggregate(byChannel[ch])
		c := credited[ch]
		row := ChannelAttribution{
			Channel:           ch,
			Spend:             t.Spend,
			PlatformRevenue:   t.Revenue,
			AttributedRevenue: decimal.Zero,
			AttributedShare:   decimal.Zero,
			AttributedROAS:    decimal.Zero,
		}
		if c.Channel != "" {
			row.AttributedRevenue = c.Revenue
			row.AttributedShare = c.Share
		}
		if t.Spend.IsPositive() {
			row.AttributedROAS = row.AttributedRevenue.Div(t.Spend).Round(4)
		}
		out = append(out, row)
	}
	return out
}
