package attribution

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Model names an attribution rule.
type Model string

const (
	FirstTouch    Model = "first_touch"
	LastTouch     Model = "last_touch"
	Linear        Model = "linear"
	TimeDecay     Model = "time_decay"
	PositionBased Model = "position_based"
)

// AllModels lists every supported model in reporting order.
var AllModels = []Model{FirstTouch, LastTouch, Linear, TimeDecay, PositionBased}

// DefaultHalfLife is the time-decay half-life used when none is configured.
const DefaultHalfLife = 7 * 24 * time.Hour

var (
	// ErrInvalidJourney is returned for journeys without touchpoints.
	ErrInvalidJourney = errors.New("attribution: journey has no touchpoints")
	// ErrInvalidRevenue is returned when revenue is not strictly positive.
	ErrInvalidRevenue = errors.New("attribution: revenue must be positive")
	// ErrUnsupportedModel is wrapped by UnsupportedModelError.
	ErrUnsupportedModel = errors.New("attribution: unsupported model")
)

// UnsupportedModelError names the model that could not be computed.
type UnsupportedModelError struct {
	Model Model
}

func (e *UnsupportedModelError) Error() string {
	return fmt.Sprintf("attribution: unsupported model %q", string(e.Model))
}

func (e *UnsupportedModelError) Unwrap() error { return ErrUnsupportedModel }

// ParseModel validates a model name.
func ParseModel(v string) (Model, error) {
	m := Model(v)
	for _, known := range AllModels {
		if m == known {
			return m, nil
		}
	}
	return "", &UnsupportedModelError{Model: m}
}

// Touchpoint is one recorded interaction before conversion.
type Touchpoint struct {
	Channel   string    `json:"channel"`
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
}

// Journey is the ordered path of touchpoints that ended in a conversion.
type Journey struct {
	ID          string       `json:"id"`
	Touchpoints []Touchpoint `json:"touchpoints"`
	ConvertedAt time.Time    `json:"converted_at"`
}

// Conversion pairs a journey with its realized revenue.
type Conversion struct {
	Journey
	Revenue decimal.Decimal `json:"revenue"`
}

// Result holds per-model channel credit for one conversion.
type Result struct {
	JourneyID   string
	Revenue     decimal.Decimal
	ConvertedAt time.Time
	PerModel    map[Model]map[string]decimal.Decimal
}

// Options configure the engine.
type Options struct {
	HalfLife time.Duration
}

// Engine splits conversion revenue across channels.
type Engine struct {
	halfLife time.Duration
}

// NewEngine builds an Engine. A non-positive half-life falls back to seven days.
func NewEngine(opts Options) *Engine {
	hl := opts.HalfLife
	if hl <= 0 {
		hl = DefaultHalfLife
	}
	return &Engine{halfLife: hl}
}

// HalfLife reports the configured time-decay half-life.
func (e *Engine) HalfLife() time.Duration { return e.halfLife }

// AttributeConversion is Attribute for a Conversion value.
func (e *Engine) AttributeConversion(c Conversion, models []Model) (Result, error) {
	return e.Attribute(c.Journey, c.Revenue, models)
}

// Attribute credits revenue to the journey's channels under every requested
// model. For each model the credits sum exactly to revenue.
func (e *Engine) Attribute(journey Journey, revenue decimal.Decimal, models []Model) (Result, error) {
	if len(journey.Touchpoints) == 0 {
		return Result{}, ErrInvalidJourney
	}
	if !revenue.IsPositive() {
		return Result{}, fmt.Errorf("%w: got %s", ErrInvalidRevenue, revenue)
	}
	for _, m := range models {
		if _, err := ParseModel(string(m)); err != nil {
			return Result{}, err
		}
	}

	touches := make([]Touchpoint, len(journey.Touchpoints))
	copy(touches, journey.Touchpoints)
	sort.SliceStable(touches, func(i, j int) bool {
		return touches[i].Timestamp.Before(touches[j].Timestamp)
	})

	convertedAt := journey.ConvertedAt
	if convertedAt.IsZero() {
		convertedAt = touches[len(touches)-1].Timestamp
	}

	res := Result{
		JourneyID:   journey.ID,
		Revenue:     revenue,
		ConvertedAt: convertedAt,
		PerModel:    make(map[Model]map[string]decimal.Decimal, len(models)),
	}
	for _, m := range models {
		if _, done := res.PerModel[m]; done {
			continue
		}
		weights := e.weights(m, touches, convertedAt)
		res.PerModel[m] = distribute(touches, weights, revenue)
	}
	return res, nil
}

// weights returns one non-negative weight per touchpoint summing to 1.
func (e *Engine) weights(m Model, touches []Touchpoint, convertedAt time.Time) []decimal.Decimal {
	n := len(touches)
	w := make([]decimal.Decimal, n)
	for i := range w {
		w[i] = decimal.Zero
	}

	switch m {
	case FirstTouch:
		w[0] = decimal.NewFromInt(1)
	case LastTouch:
		w[n-1] = decimal.NewFromInt(1)
	case Linear:
		share := decimal.NewFromInt(1).Div(decimal.NewFromInt(int64(n)))
		for i := range w {
			w[i] = share
		}
	case TimeDecay:
		raw := make([]float64, n)
		var total float64
		for i, tp := range touches {
			age := convertedAt.Sub(tp.Timestamp)
			if age < 0 {
				age = 0
			}
			raw[i] = math.Pow(2, -float64(age)/float64(e.halfLife))
			total += raw[i]
		}
		for i := range w {
			w[i] = decimal.NewFromFloat(raw[i] / total)
		}
	case PositionBased:
		switch n {
		case 1:
			w[0] = decimal.NewFromInt(1)
		case 2:
			w[0] = decimal.RequireFromString("0.5")
			w[1] = decimal.RequireFromString("0.5")
		default:
			edge := decimal.RequireFromString("0.4")
			interior := decimal.RequireFromString("0.2").Div(decimal.NewFromInt(int64(n - 2)))
			w[0] = edge
			w[n-1] = edge
			for i := 1; i < n-1; i++ {
				w[i] = interior
			}
		}
	}
	return w
}

// distribute multiplies weights by revenue and sums per channel. Whatever
// rounding residual remains is credited to the latest credited touchpoint so
// the total equals revenue exactly.
func distribute(touches []Touchpoint, weights []decimal.Decimal, revenue decimal.Decimal) map[string]decimal.Decimal {
	credits := make(map[string]decimal.Decimal)
	assigned := decimal.Zero
	last := touches[len(touches)-1].Channel
	for i, tp := range touches {
		if weights[i].IsZero() {
			continue
		}
		c := revenue.Mul(weights[i])
		credits[tp.Channel] = credits[tp.Channel].Add(c)
		assigned = assigned.Add(c)
		last = tp.Channel
	}

	if residual := revenue.Sub(assigned); !residual.IsZero() {
		credits[last] = credits[last].Add(residual)
	}
	return credits
}

// Total sums a model's credits.
func (r Result) Total(m Model) decimal.Decimal {
	total := decimal.Zero
	for _, v := range r.PerModel[m] {
		total = total.Add(v)
	}
	return total
}

// Channels lists the channels credited under a model, sorted.
func (r Result) Channels(m Model) []string {
	out := make([]string, 0, len(r.PerModel[m]))
	for ch := range r.PerModel[m] {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}
