package insights

import (
	"sort"

	"github.com/shopspring/decimal"

	"spend-optimizer/internal/perf"
)

// Metric names a compared quantity.
type Metric string

const (
	MetricImpressions Metric = "impressions"
	MetricClicks      Metric = "clicks"
	MetricConversions Metric = "conversions"
	MetricSpend       Metric = "spend"
	MetricRevenue     Metric = "revenue"
	MetricCTR         Metric = "ctr"
	MetricCVR         Metric = "cvr"
	MetricCPC         Metric = "cpc"
	MetricCPA         Metric = "cpa"
	MetricROAS        Metric = "roas"
)

// AllMetrics lists metrics in report order.
var AllMetrics = []Metric{
	MetricImpressions, MetricClicks, MetricConversions, MetricSpend, MetricRevenue,
	MetricCTR, MetricCVR, MetricCPC, MetricCPA, MetricROAS,
}

var metricSet = func() map[Metric]struct{} {
	m := make(map[Metric]struct{}, len(AllMetrics))
	for _, v := range AllMetrics {
		m[v] = struct{}{}
	}
	return m
}()

// LowerIsBetter reports cost metrics.
func (m Metric) LowerIsBetter() bool {
	return m == MetricCPC || m == MetricCPA
}

// Value extracts a metric from totals. ok is false for an undefined ratio.
func Value(t perf.Totals, m Metric) (decimal.Decimal, bool) {
	fromRatio := func(r perf.Ratio) (decimal.Decimal, bool) {
		if !r.Defined() {
			return decimal.Zero, false
		}
		return decimal.NewFromFloat(r.Value), true
	}
	switch m {
	case MetricImpressions:
		return decimal.NewFromInt(t.Impressions), true
	case MetricClicks:
		return decimal.NewFromInt(t.Clicks), true
	case MetricConversions:
		return decimal.NewFromInt(t.Conversions), true
	case MetricSpend:
		return t.Spend, true
	case MetricRevenue:
		return t.Revenue, true
	case MetricCTR:
		return fromRatio(t.CTR())
	case MetricCVR:
		return fromRatio(t.CVR())
	case MetricCPC:
		return fromRatio(t.CPC())
	case MetricCPA:
		return fromRatio(t.CPA())
	case MetricROAS:
		return fromRatio(t.ROAS())
	}
	return decimal.Zero, false
}

// Delta compares one metric across two periods. Percent is zero and
// PercentDefined false when the previous value is zero or undefined.
type Delta struct {
	Metric         Metric          `json:"metric"`
	Current        decimal.Decimal `json:"current"`
	Previous       decimal.Decimal `json:"previous"`
	Change         decimal.Decimal `json:"change"`
	Percent        decimal.Decimal `json:"percent"`
	PercentDefined bool            `json:"percent_defined"`
}

// EntityComparison holds the deltas of one entity.
type EntityComparison struct {
	EntityID string      `json:"entity_id"`
	Channel  string      `json:"channel"`
	Current  perf.Totals `json:"-"`
	Previous perf.Totals `json:"-"`
	Deltas   []Delta     `json:"deltas"`
}

// Delta returns the delta for a metric.
func (c EntityComparison) Delta(m Metric) (Delta, bool) {
	for _, d := range c.Deltas {
		if d.Metric == m {
			return d, true
		}
	}
	return Delta{}, false
}

// Comparison is a period-over-period report.
type Comparison struct {
	Overall  []Delta            `json:"overall"`
	Entities []EntityComparison `json:"entities"`
}

func compareTotals(cur, prev perf.Totals) []Delta {
	out := make([]Delta, 0, len(AllMetrics))
	for _, m := range AllMetrics {
		c, _ := Value(cur, m)
		p, pok := Value(prev, m)
		d := Delta{
			Metric:   m,
			Current:  c,
			Previous: p,
			Change:   c.Sub(p),
			Percent:  decimal.Zero,
		}
		if pok && !p.IsZero() {
			d.Percent = d.Change.Div(p).Mul(decimal.NewFromInt(100)).Round(2)
			d.PercentDefined = true
		}
		out = append(out, d)
	}
	return out
}

// Compare builds per-entity and overall deltas. Entities present in only one
// period compare against zero totals.
func (r *Reporter) Compare(current, previous []perf.MetricRecord) Comparison {
	curBy, _ := perf.GroupByEntity(current)
	prevBy, _ := perf.GroupByEntity(previous)

	channels := make(map[string]string)
	ids := make([]string, 0, len(curBy)+len(prevBy))
	for _, recs := range [][]perf.MetricRecord{current, previous} {
		for _, rec := range recs {
			if _, ok := channels[rec.EntityID]; !ok {
				channels[rec.EntityID] = rec.Channel
				ids = append(ids, rec.EntityID)
			}
		}
	}
	sort.Strings(ids)

	cmp := Comparison{
		Overall:  compareTotals(perf.Aggregate(current), perf.Aggregate(previous)),
		Entities: make([]EntityComparison, 0, len(ids)),
	}
	for _, id := range ids {
		cur := perf.Aggregate(curBy[id])
		prev := perf.Aggregate(prevBy[id])
		cmp.Entities = append(cmp.Entities, EntityComparison{
			EntityID: id,
			Channel:  channels[id],
			Current:  cur,
			Previous: prev,
			Deltas:   compareTotals(cur, prev),
		})
	}
	return cmp
}

// ChannelSummary rolls one channel up with benchmark ratings.
type ChannelSummary struct {
	Channel      string            `json:"channel"`
	Totals       perf.Totals       `json:"-"`
	Spend        decimal.Decimal   `json:"spend"`
	Revenue      decimal.Decimal   `json:"revenue"`
	SpendShare   decimal.Decimal   `json:"spend_share"`
	RevenueShare decimal.Decimal   `json:"revenue_share"`
	CTR          float64           `json:"ctr"`
	CVR          float64           `json:"cvr"`
	CPC          float64           `json:"cpc"`
	CPA          float64           `json:"cpa"`
	ROAS         float64           `json:"roas"`
	Ratings      map[Metric]Rating `json:"ratings"`
}

// CompareChannels summarises records per channel, ordered by spend
// descending.
func (r *Reporter) CompareChannels(records []perf.MetricRecord) []ChannelSummary {
	byChannel, keys := perf.GroupByChannel(records)
	all := perf.Aggregate(records)

	out := make([]ChannelSummary, 0, len(keys))
	for _, ch := range keys {
		t := perf.Aggregate(byChannel[ch])
		s := ChannelSummary{
			Channel:      ch,
			Totals:       t,
			Spend:        t.Spend,
			Revenue:      t.Revenue,
			SpendShare:   share(t.Spend, all.Spend),
			RevenueShare: share(t.Revenue, all.Revenue),
			CTR:          t.CTR().Value,
			CVR:          t.CVR().Value,
			CPC:          t.CPC().Value,
			CPA:          t.CPA().Value,
			ROAS:         t.ROAS().Value,
			Ratings:      make(map[Metric]Rating),
		}
		for _, m := range []Metric{MetricCTR, MetricCVR, MetricCPC, MetricCPA, MetricROAS} {
			if v, ok := Value(t, m); ok {
				s.Ratings[m] = r.Rate(ch, m, v.InexactFloat64())
			}
		}
		out = append(out, s)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Spend.GreaterThan(out[j].Spend) })
	return out
}

func share(part, whole decimal.Decimal) decimal.Decimal {
	if whole.IsZero() {
		return decimal.Zero
	}
	return part.Div(whole).Round(4)
}
