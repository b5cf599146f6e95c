package perf

import (
	"github.com/shopspring/decimal"
)

// Ratio is a derived metric whose denominator may be zero. An undefined ratio
// reports Value 0.
type Ratio struct {
	Value   float64
	defined bool
}

// Defined reports whether the denominator was non-zero.
func (r Ratio) Defined() bool { return r.defined }

func ratio(num, den decimal.Decimal) Ratio {
	if den.IsZero() {
		return Ratio{}
	}
	return Ratio{Value: num.Div(den).InexactFloat64(), defined: true}
}

func countRatio(num, den int64) Ratio {
	if den == 0 {
		return Ratio{}
	}
	return Ratio{Value: float64(num) / float64(den), defined: true}
}

// Totals sums metrics across a set of records.
type Totals struct {
	Impressions int64
	Clicks      int64
	Conversions int64
	Spend       decimal.Decimal
	Revenue     decimal.Decimal
	DaysRunning int
}

// Aggregate sums the given records. DaysRunning is the longest observed run.
func Aggregate(records []MetricRecord) Totals {
	t := Totals{Spend: decimal.Zero, Revenue: decimal.Zero}
	for _, rec := range records {
		t.Impressions += rec.Impressions
		t.Clicks += rec.Clicks
		t.Conversions += rec.Conversions
		t.Spend = t.Spend.Add(rec.Spend)
		t.Revenue = t.Revenue.Add(rec.Revenue)
		if rec.DaysRunning > t.DaysRunning {
			t.DaysRunning = rec.DaysRunning
		}
	}
	return t
}

// Add merges two totals.
func (t Totals) Add(o Totals) Totals {
	days := t.DaysRunning
	if o.DaysRunning > days {
		days = o.DaysRunning
	}
	return Totals{
		Impressions: t.Impressions + o.Impressions,
		Clicks:      t.Clicks + o.Clicks,
		Conversions: t.Conversions + o.Conversions,
		Spend:       t.Spend.Add(o.Spend),
		Revenue:     t.Revenue.Add(o.Revenue),
		DaysRunning: days,
	}
}

// CTR is clicks per impression.
func (t Totals) CTR() Ratio { return countRatio(t.Clicks, t.Impressions) }

// CVR is conversions per click.
func (t Totals) CVR() Ratio { return countRatio(t.Conversions, t.Clicks) }

// CPC is spend per click.
func (t Totals) CPC() Ratio { return ratio(t.Spend, decimal.NewFromInt(t.Clicks)) }

// CPA is spend per conversion.
func (t Totals) CPA() Ratio { return ratio(t.Spend, decimal.NewFromInt(t.Conversions)) }

// ROAS is revenue per unit of spend.
func (t Totals) ROAS() Ratio { return ratio(t.Revenue, t.Spend) }

// ROASDecimal returns ROAS at full decimal precision, zero when spend is zero.
func (t Totals) ROASDecimal() decimal.Decimal {
	if t.Spend.IsZero() {
		return decimal.Zero
	}
	return t.Revenue.Div(t.Spend)
}

// VariantMetrics are lifetime-to-date totals of one creative variant.
type VariantMetrics struct {
	ID string
	Totals
}
