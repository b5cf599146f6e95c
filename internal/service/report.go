package service

import (
	"time"

	"github.com/shopspring/decimal"

	"spend-optimizer/internal/allocator"
	"spend-optimizer/internal/apply"
	"spend-optimizer/internal/attribution"
	"spend-optimizer/internal/budget"
	"spend-optimizer/internal/insights"
	"spend-optimizer/internal/perf"
)

// EntityDecision is the budget decision for one campaign.
type EntityDecision struct {
	EntityID      string
	StoreID       string
	Channel       string
	CurrentBudget decimal.Decimal
	Trailing      perf.Totals
	Decision      budget.Decision
}

// StorePlan is the allocation computed for one store.
type StorePlan struct {
	StoreID string
	Plan    allocator.Plan
	Changes []allocator.Allocation
}

// EntityFailure names an entity skipped this cycle.
type EntityFailure struct {
	EntityID string
	Stage    string
	Err      error
}

// Report summarises one cycle.
type Report struct {
	CycleID      string
	Cycle        time.Time
	Skipped      bool
	Records      int
	RecordErrors int
	Decisions    []EntityDecision
	ABResults    []insights.ABInput
	Plans        []StorePlan
	Attributions []attribution.Result
	Credits      map[attribution.Model][]attribution.ChannelCredit
	Insights     []insights.Insight
	Notified     int
	ChangeSet    apply.ChangeSet
	Failures     []EntityFailure
}

// Decision returns the decision made for entityID.
func (r *Report) Decision(entityID string) (EntityDecision, bool) {
	for _, d := range r.Decisions {
		if d.EntityID == entityID {
			return d, true
		}
	}
	return EntityDecision{}, false
}

// Plan returns the allocation of storeID.
func (r *Report) Plan(storeID string) (StorePlan, bool) {
	for _, p := range r.Plans {
		if p.StoreID == storeID {
			return p, true
		}
	}
	return StorePlan{}, false
}

func (r *Report) changeCount() int {
	return len(r.ChangeSet.Budgets) + len(r.ChangeSet.Allocations) + len(r.ChangeSet.Creatives)
}
