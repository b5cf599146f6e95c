package abtest

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"spend-optimizer/internal/perf"
)

// Method selects how confidence in the winner is computed.
type Method string

const (
	// MethodHeuristic derives confidence from the dispersion of CTRs.
	MethodHeuristic Method = "heuristic"
	// MethodZTest runs a pooled two-proportion z-test of winner vs runner-up.
	MethodZTest Method = "ztest"
)

// ParseMethod validates a method name. Empty selects the heuristic.
func ParseMethod(v string) (Method, error) {
	switch Method(strings.ToLower(strings.TrimSpace(v))) {
	case "", MethodHeuristic:
		return MethodHeuristic, nil
	case MethodZTest:
		return MethodZTest, nil
	default:
		return "", fmt.Errorf("abtest: unknown method %q", v)
	}
}

// Options hold the tester thresholds.
type Options struct {
	Method             Method
	MinSampleSize      int64
	MinPerformanceDiff float64
	PauseDiff          float64
	PauseROAS          float64
	ScaleROAS          float64
	ConfidenceFloor    float64
	ConfidenceCap      float64
}

// DefaultOptions returns the stock thresholds.
func DefaultOptions() Options {
	return Options{
		Method:             MethodHeuristic,
		MinSampleSize:      1000,
		MinPerformanceDiff: 0.20,
		PauseDiff:          0.5,
		PauseROAS:          1.0,
		ScaleROAS:          2.0,
		ConfidenceFloor:    0.5,
		ConfidenceCap:      0.95,
	}
}

// Result is the outcome of one analysis.
type Result struct {
	Winners              []string `json:"winners"`
	Losers               []string `json:"losers"`
	PauseRecommendations []string `json:"pause_recommendations"`
	ScaleRecommendations []string `json:"scale_recommendations"`
	// Excluded lists variants below the minimum sample size.
	Excluded   []string `json:"excluded"`
	Confidence float64  `json:"confidence"`
	Sufficient bool     `json:"sufficient"`
	Summary    string   `json:"summary"`
}

// Tester compares creative variants of one campaign.
type Tester struct {
	opts Options
}

// New builds a Tester, filling zero options with defaults.
func New(opts Options) *Tester {
	def := DefaultOptions()
	if opts.Method == "" {
		opts.Method = def.Method
	}
	if opts.MinSampleSize <= 0 {
		opts.MinSampleSize = def.MinSampleSize
	}
	if opts.MinPerformanceDiff <= 0 {
		opts.MinPerformanceDiff = def.MinPerformanceDiff
	}
	if opts.PauseDiff <= 0 {
		opts.PauseDiff = def.PauseDiff
	}
	if opts.PauseROAS <= 0 {
		opts.PauseROAS = def.PauseROAS
	}
	if opts.ScaleROAS <= 0 {
		opts.ScaleROAS = def.ScaleROAS
	}
	if opts.ConfidenceFloor <= 0 {
		opts.ConfidenceFloor = def.ConfidenceFloor
	}
	if opts.ConfidenceCap <= 0 {
		opts.ConfidenceCap = def.ConfidenceCap
	}
	return &Tester{opts: opts}
}

// Options reports the effective thresholds.
func (t *Tester) Options() Options { return t.opts }

// AnalyzeDefault runs Analyze with the configured sample size and difference.
func (t *Tester) AnalyzeDefault(variants []perf.VariantMetrics) Result {
	return t.Analyze(variants, t.opts.MinSampleSize, t.opts.MinPerformanceDiff)
}

type ranked struct {
	perf.VariantMetrics
	ctr float64
}

// Analyze ranks variants by CTR and reports winners, losers and
// recommendations. Fewer than two variants with enough impressions yields an
// insufficient-data result rather than an error.
func (t *Tester) Analyze(variants []perf.VariantMetrics, minSampleSize int64, minPerformanceDiff float64) Result {
	res := Result{
		Winners:              []string{},
		Losers:               []string{},
		PauseRecommendations: []string{},
		ScaleRecommendations: []string{},
		Excluded:             []string{},
	}

	eligible := make([]ranked, 0, len(variants))
	for _, v := range variants {
		if v.Impressions < minSampleSize {
			res.Excluded = append(res.Excluded, v.ID)
			continue
		}
		eligible = append(eligible, ranked{VariantMetrics: v, ctr: v.CTR().Value})
	}

	if len(eligible) < 2 {
		res.Summary = fmt.Sprintf("insufficient data: %d of %d variants reached %d impressions",
			len(eligible), len(variants), minSampleSize)
		return res
	}
	res.Sufficient = true

	sort.SliceStable(eligible, func(i, j int) bool { return eligible[i].ctr > eligible[j].ctr })

	winner := eligible[0]
	res.Winners = append(res.Winners, winner.ID)

	for _, v := range eligible[1:] {
		diff := 0.0
		if winner.ctr > 0 {
			diff = math.Abs(winner.ctr-v.ctr) / winner.ctr
		}
		if diff <= minPerformanceDiff {
			continue
		}
		res.Losers = append(res.Losers, v.ID)
		// Only losers are candidates for a pause.
		if diff > t.opts.PauseDiff || t.unprofitable(v.VariantMetrics) {
			res.PauseRecommendations = append(res.PauseRecommendations, v.ID)
		}
	}

	if roas := winner.ROAS(); roas.Defined() && roas.Value > t.opts.ScaleROAS {
		res.ScaleRecommendations = append(res.ScaleRecommendations, winner.ID)
	}

	switch t.opts.Method {
	case MethodZTest:
		res.Confidence = t.zConfidence(winner.Totals, eligible[1].Totals)
	default:
		ctrs := make([]float64, len(eligible))
		for i, v := range eligible {
			ctrs[i] = v.ctr
		}
		res.Confidence = t.dispersionConfidence(ctrs)
	}

	res.Summary = fmt.Sprintf("winner %s (ctr %.4f) over %d variants, %d losers, confidence %.2f",
		winner.ID, winner.ctr, len(eligible), len(res.Losers), res.Confidence)
	return res
}

// unprofitable reports a variant that spent money and returned less than the
// pause ROAS.
func (t *Tester) unprofitable(v perf.VariantMetrics) bool {
	roas := v.ROAS()
	return roas.Defined() && roas.Value < t.opts.PauseROAS
}

func (t *Tester) dispersionConfidence(ctrs []float64) float64 {
	mean := 0.0
	for _, c := range ctrs {
		mean += c
	}
	mean /= float64(len(ctrs))
	if mean == 0 {
		return t.opts.ConfidenceFloor
	}

	var ss float64
	for _, c := range ctrs {
		ss += (c - mean) * (c - mean)
	}
	stddev := math.Sqrt(ss / float64(len(ctrs)-1))
	cv := stddev / mean

	return t.clamp(1 - cv)
}

// zConfidence converts the two-sided z-score of winner vs runner-up click
// rates into a confidence level.
func (t *Tester) zConfidence(a, b perf.Totals) float64 {
	if a.Impressions == 0 || b.Impressions == 0 {
		return t.opts.ConfidenceFloor
	}
	p1 := float64(a.Clicks) / float64(a.Impressions)
	p2 := float64(b.Clicks) / float64(b.Impressions)
	pooled := float64(a.Clicks+b.Clicks) / float64(a.Impressions+b.Impressions)

	se := math.Sqrt(pooled * (1 - pooled) * (1/float64(a.Impressions) + 1/float64(b.Impressions)))
	if se == 0 {
		return t.opts.ConfidenceFloor
	}
	z := math.Abs(p1-p2) / se
	return t.clamp(math.Erf(z / math.Sqrt2))
}

func (t *Tester) clamp(v float64) float64 {
	if math.IsNaN(v) || v < t.opts.ConfidenceFloor {
		return t.opts.ConfidenceFloor
	}
	if v > t.opts.ConfidenceCap {
		return t.opts.ConfidenceCap
	}
	return v
}
