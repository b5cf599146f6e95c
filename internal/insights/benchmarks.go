package insights

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Rating grades a metric against its benchmark.
type Rating string

const (
	RatingExcellent Rating = "excellent"
	RatingGood      Rating = "good"
	RatingAverage   Rating = "average"
	RatingPoor      Rating = "poor"
	RatingUnknown   Rating = "unknown"
)

// Wildcard matches any channel or industry.
const Wildcard = "*"

// Benchmark holds the band edges for one metric.
type Benchmark struct {
	Channel   string  `yaml:"channel"`
	Metric    Metric  `yaml:"metric"`
	Industry  string  `yaml:"industry"`
	Poor      float64 `yaml:"poor"`
	Average   float64 `yaml:"average"`
	Good      float64 `yaml:"good"`
	Excellent float64 `yaml:"excellent"`
}

type benchKey struct {
	channel  string
	metric   Metric
	industry string
}

// Benchmarks is a lookup table keyed by channel, metric and industry.
type Benchmarks struct {
	entries map[benchKey]Benchmark
}

type benchmarkFile struct {
	Benchmarks []Benchmark `yaml:"benchmarks"`
}

// NewBenchmarks indexes the given rows. Empty channel or industry means
// wildcard.
func NewBenchmarks(rows []Benchmark) *Benchmarks {
	b := &Benchmarks{entries: make(map[benchKey]Benchmark, len(rows))}
	for _, row := range rows {
		row.Channel = normKey(row.Channel)
		row.Industry = normKey(row.Industry)
		b.entries[benchKey{row.Channel, row.Metric, row.Industry}] = row
	}
	return b
}

// LoadBenchmarks reads a YAML benchmark file.
func LoadBenchmarks(path string) (*Benchmarks, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read benchmarks: %w", err)
	}
	return ParseBenchmarks(raw)
}

// ParseBenchmarks decodes a YAML benchmark document.
func ParseBenchmarks(raw []byte) (*Benchmarks, error) {
	var f benchmarkFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("decode benchmarks: %w", err)
	}
	for i, row := range f.Benchmarks {
		if _, ok := metricSet[row.Metric]; !ok {
			return nil, fmt.Errorf("benchmarks[%d]: unknown metric %q", i, row.Metric)
		}
	}
	return NewBenchmarks(f.Benchmarks), nil
}

// DefaultBenchmarks returns generic cross-industry bands.
func DefaultBenchmarks() *Benchmarks {
	return NewBenchmarks([]Benchmark{
		{Channel: "meta", Metric: MetricCTR, Poor: 0.005, Average: 0.009, Good: 0.015, Excellent: 0.02},
		{Channel: "google", Metric: MetricCTR, Poor: 0.02, Average: 0.0317, Good: 0.05, Excellent: 0.08},
		{Channel: "tiktok", Metric: MetricCTR, Poor: 0.005, Average: 0.01, Good: 0.015, Excellent: 0.02},
		{Metric: MetricCTR, Poor: 0.005, Average: 0.01, Good: 0.02, Excellent: 0.04},
		{Metric: MetricCVR, Poor: 0.01, Average: 0.025, Good: 0.04, Excellent: 0.06},
		{Metric: MetricROAS, Poor: 1, Average: 2, Good: 3, Excellent: 4},
		{Metric: MetricCPC, Poor: 2, Average: 1, Good: 0.6, Excellent: 0.4},
		{Metric: MetricCPA, Poor: 60, Average: 40, Good: 25, Excellent: 15},
	})
}

// Lookup finds the most specific benchmark, falling back to wildcard channel
// and industry.
func (b *Benchmarks) Lookup(channel string, metric Metric, industry string) (Benchmark, bool) {
	channel, industry = normKey(channel), normKey(industry)
	for _, k := range []benchKey{
		{channel, metric, industry},
		{channel, metric, Wildcard},
		{Wildcard, metric, industry},
		{Wildcard, metric, Wildcard},
	} {
		if row, ok := b.entries[k]; ok {
			return row, true
		}
	}
	return Benchmark{}, false
}

// Rate grades value. Cost metrics rate better as they fall.
func (bm Benchmark) Rate(value float64) Rating {
	if bm.Metric.LowerIsBetter() {
		switch {
		case value <= bm.Excellent:
			return RatingExcellent
		case value <= bm.Good:
			return RatingGood
		case value <= bm.Average:
			return RatingAverage
		default:
			return RatingPoor
		}
	}
	switch {
	case value >= bm.Excellent:
		return RatingExcellent
	case value >= bm.Good:
		return RatingGood
	case value >= bm.Average:
		return RatingAverage
	default:
		return RatingPoor
	}
}

func normKey(v string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "" {
		return Wildcard
	}
	return v
}
