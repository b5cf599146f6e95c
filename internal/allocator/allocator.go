package allocator

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidInput is returned for negative budgets.
	ErrInvalidInput = errors.New("allocator: invalid input")
	// ErrDuplicateEntity is returned when two entities share an id.
	ErrDuplicateEntity = errors.New("allocator: duplicate entity id")
)

var (
	hundred = decimal.NewFromInt(100)
	cent    = decimal.New(1, -2)
)

// Entity is one campaign or creative competing for budget.
type Entity struct {
	ID            string          `json:"id"`
	CurrentBudget decimal.Decimal `json:"current_budget"`
	ROAS          float64         `json:"roas"`
	Conversions   int64           `json:"conversions"`
	Active        bool            `json:"active"`
}

// Allocation is the planned budget of one entity.
type Allocation struct {
	EntityID      string          `json:"entity_id"`
	CurrentBudget decimal.Decimal `json:"current_budget"`
	NewBudget     decimal.Decimal `json:"new_budget"`
	Delta         decimal.Decimal `json:"delta"`
	DeltaPercent  decimal.Decimal `json:"delta_percent"`
	Weight        float64         `json:"weight"`
}

// Plan is the full allocation of a total budget.
type Plan struct {
	TotalBudget decimal.Decimal `json:"total_budget"`
	Allocated   decimal.Decimal `json:"allocated"`
	Allocations []Allocation    `json:"allocations"`
	// FloorBreached is set when floors alone exceeded the budget and every
	// active entity received an equal share instead.
	FloorBreached bool `json:"floor_breached"`
}

// Options hold allocation bounds.
type Options struct {
	MinBudget          decimal.Decimal
	MaxShare           decimal.Decimal
	MaxGrowth          decimal.Decimal
	MinROAS            float64
	ConversionCap      int64
	RebalanceThreshold decimal.Decimal
}

// DefaultOptions returns the stock bounds.
func DefaultOptions() Options {
	return Options{
		MinBudget:          decimal.NewFromInt(10),
		MaxShare:           decimal.RequireFromString("0.5"),
		MaxGrowth:          decimal.RequireFromString("1.5"),
		MinROAS:            0.1,
		ConversionCap:      100,
		RebalanceThreshold: decimal.NewFromInt(10),
	}
}

// Allocator distributes a fixed budget across entities in proportion to
// performance. It holds no state between calls.
type Allocator struct {
	opts Options
}

// New builds an Allocator. Zero options take their defaults.
func New(opts Options) *Allocator {
	def := DefaultOptions()
	if !opts.MinBudget.IsPositive() {
		opts.MinBudget = def.MinBudget
	}
	if !opts.MaxShare.IsPositive() {
		opts.MaxShare = def.MaxShare
	}
	if !opts.MaxGrowth.IsPositive() {
		opts.MaxGrowth = def.MaxGrowth
	}
	if opts.MinROAS <= 0 {
		opts.MinROAS = def.MinROAS
	}
	if opts.ConversionCap <= 0 {
		opts.ConversionCap = def.ConversionCap
	}
	if !opts.RebalanceThreshold.IsPositive() {
		opts.RebalanceThreshold = def.RebalanceThreshold
	}
	return &Allocator{opts: opts}
}

// Options reports the effective bounds.
func (a *Allocator) Options() Options { return a.opts }

// Weight is the performance score of an entity.
func (a *Allocator) Weight(e Entity) float64 {
	roas := math.Max(e.ROAS, a.opts.MinROAS)
	conv := e.Conversions
	if conv > a.opts.ConversionCap {
		conv = a.opts.ConversionCap
	}
	if conv < 0 {
		conv = 0
	}
	return roas * float64(conv+1)
}

// Allocate splits totalBudget across active entities. Inactive entities get
// zero. The sum of allocations never exceeds totalBudget.
func (a *Allocator) Allocate(totalBudget decimal.Decimal, entities []Entity) (Plan, error) {
	if totalBudget.IsNegative() {
		return Plan{}, fmt.Errorf("%w: total budget %s is negative", ErrInvalidInput, totalBudget)
	}
	seen := make(map[string]struct{}, len(entities))
	for _, e := range entities {
		if _, dup := seen[e.ID]; dup {
			return Plan{}, fmt.Errorf("%w: %s", ErrDuplicateEntity, e.ID)
		}
		seen[e.ID] = struct{}{}
		if e.CurrentBudget.IsNegative() {
			return Plan{}, fmt.Errorf("%w: entity %s has negative budget", ErrInvalidInput, e.ID)
		}
	}

	weights := make(map[string]float64, len(entities))
	var active []Entity
	for _, e := range entities {
		if !e.Active {
			continue
		}
		weights[e.ID] = a.Weight(e)
		active = append(active, e)
	}

	amounts := make(map[string]decimal.Decimal, len(active))
	plan := Plan{TotalBudget: totalBudget}

	if len(active) > 0 {
		raw := a.rawShares(totalBudget, active, weights)
		clamped := make(map[string]decimal.Decimal, len(active))
		caps := make(map[string]decimal.Decimal, len(active))
		sum := decimal.Zero
		for _, e := range active {
			v := a.clamp(raw[e.ID], totalBudget, e.CurrentBudget)
			clamped[e.ID] = v
			caps[e.ID] = decimal.Max(a.ceiling(totalBudget, e.CurrentBudget), a.opts.MinBudget)
			sum = sum.Add(v)
		}

		floors := a.opts.MinBudget.Mul(decimal.NewFromInt(int64(len(active))))
		switch {
		case sum.LessThanOrEqual(totalBudget):
			amounts = clamped
		case floors.GreaterThan(totalBudget):
			plan.FloorBreached = true
			share := totalBudget.Div(decimal.NewFromInt(int64(len(active))))
			for _, e := range active {
				amounts[e.ID] = share
				caps[e.ID] = totalBudget
			}
		default:
			// Scale the amount above each floor so the total fits.
			above := sum.Sub(floors)
			room := totalBudget.Sub(floors)
			for _, e := range active {
				extra := clamped[e.ID].Sub(a.opts.MinBudget)
				amounts[e.ID] = a.opts.MinBudget.Add(extra.Mul(room).Div(above))
			}
		}
		amounts = settleCents(active, amounts, caps, totalBudget)
	}

	plan.Allocated = decimal.Zero
	for _, e := range entities {
		next := decimal.Zero
		if v, ok := amounts[e.ID]; ok && e.Active {
			next = v
		}
		plan.Allocated = plan.Allocated.Add(next)
		plan.Allocations = append(plan.Allocations, newAllocation(e, next, weights[e.ID]))
	}
	return plan, nil
}

// Rebalance allocates and returns only the allocations whose relative change
// exceeds the rebalance threshold.
func (a *Allocator) Rebalance(totalBudget decimal.Decimal, entities []Entity) (Plan, []Allocation, error) {
	plan, err := a.Allocate(totalBudget, entities)
	if err != nil {
		return Plan{}, nil, err
	}
	changes := make([]Allocation, 0, len(plan.Allocations))
	for _, al := range plan.Allocations {
		if a.exceedsThreshold(al) {
			changes = append(changes, al)
		}
	}
	return plan, changes, nil
}

// exceedsThreshold compares the unrounded relative change; DeltaPercent is
// rounded for display only.
func (a *Allocator) exceedsThreshold(al Allocation) bool {
	pct := al.DeltaPercent
	if al.CurrentBudget.IsPositive() {
		pct = al.Delta.Div(al.CurrentBudget).Mul(hundred)
	}
	return pct.Abs().GreaterThan(a.opts.RebalanceThreshold)
}

func (a *Allocator) rawShares(total decimal.Decimal, active []Entity, weights map[string]float64) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(active))
	dw := make(map[string]decimal.Decimal, len(active))
	tw := decimal.Zero
	for _, e := range active {
		dw[e.ID] = decimal.NewFromFloat(weights[e.ID])
		tw = tw.Add(dw[e.ID])
	}
	if !tw.IsPositive() {
		share := total.Div(decimal.NewFromInt(int64(len(active))))
		for _, e := range active {
			out[e.ID] = share
		}
		return out
	}
	for _, e := range active {
		out[e.ID] = dw[e.ID].Mul(total).Div(tw)
	}
	return out
}

// ceiling is min(total*maxShare, current*maxGrowth). A zero current budget has
// no growth cap.
func (a *Allocator) ceiling(total, current decimal.Decimal) decimal.Decimal {
	upper := total.Mul(a.opts.MaxShare)
	if current.IsPositive() {
		upper = decimal.Min(upper, current.Mul(a.opts.MaxGrowth))
	}
	return upper
}

// clamp bounds a raw share to [floor, ceiling]. The floor wins over the
// ceiling.
func (a *Allocator) clamp(v, total, current decimal.Decimal) decimal.Decimal {
	upper := a.ceiling(total, current)
	if v.GreaterThan(upper) {
		v = upper
	}
	if v.LessThan(a.opts.MinBudget) {
		v = a.opts.MinBudget
	}
	return v
}

// settleCents truncates amounts to cents and hands the truncated remainder
// back one cent at a time, largest remainder first, never past an entity's
// cap or the total budget.
func settleCents(active []Entity, amounts, caps map[string]decimal.Decimal, total decimal.Decimal) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(active))
	exact, settled := decimal.Zero, decimal.Zero
	for _, e := range active {
		v := amounts[e.ID]
		out[e.ID] = v.Truncate(2)
		exact = exact.Add(v)
		settled = settled.Add(out[e.ID])
	}

	left := decimal.Min(exact.Round(2), total).Sub(settled).Div(cent).IntPart()
	if left <= 0 {
		return out
	}

	order := make([]Entity, len(active))
	copy(order, active)
	remainder := func(e Entity) decimal.Decimal { return amounts[e.ID].Sub(out[e.ID]) }
	sort.SliceStable(order, func(i, j int) bool {
		return remainder(order[i]).GreaterThan(remainder(order[j]))
	})

	for left > 0 {
		given := false
		for _, e := range order {
			if left == 0 {
				break
			}
			next := out[e.ID].Add(cent)
			if next.GreaterThan(caps[e.ID]) {
				continue
			}
			out[e.ID] = next
			left--
			given = true
		}
		if !given {
			break
		}
	}
	return out
}

func newAllocation(e Entity, next decimal.Decimal, weight float64) Allocation {
	delta := next.Sub(e.CurrentBudget)
	pct := decimal.Zero
	switch {
	case e.CurrentBudget.IsPositive():
		pct = delta.Div(e.CurrentBudget).Mul(hundred).Round(2)
	case next.IsPositive():
		pct = hundred
	}
	return Allocation{
		EntityID:      e.ID,
		CurrentBudget: e.CurrentBudget,
		NewBudget:     next,
		Delta:         delta,
		DeltaPercent:  pct,
		Weight:        weight,
	}
}
