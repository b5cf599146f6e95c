package apply

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"spend-optimizer/internal/allocator"
	"spend-optimizer/internal/budget"
)

// BudgetChange is one campaign-level decision to apply.
type BudgetChange struct {
	EntityID      string              `json:"entity_id"`
	StoreID       string              `json:"store_id"`
	Action        budget.Action       `json:"action"`
	CurrentBudget decimal.Decimal     `json:"current_budget"`
	NewBudget     decimal.NullDecimal `json:"new_budget"`
	Rule          string              `json:"rule"`
	Reason        string              `json:"reason"`
	Confidence    float64             `json:"confidence"`
}

// AllocationChange moves budget between entities of one store.
type AllocationChange struct {
	StoreID string `json:"store_id"`
	allocator.Allocation
}

// CreativeAction pauses or scales a creative after an A/B analysis.
type CreativeAction struct {
	CampaignID string  `json:"campaign_id"`
	CreativeID string  `json:"creative_id"`
	Action     string  `json:"action"`
	Confidence float64 `json:"confidence"`
}

// Creative actions.
const (
	CreativePause = "pause"
	CreativeScale = "scale"
)

// ChangeSet is everything one cycle asks the apply layer to do.
type ChangeSet struct {
	CycleID     string             `json:"cycle_id"`
	Cycle       time.Time          `json:"cycle"`
	Budgets     []BudgetChange     `json:"budgets"`
	Allocations []AllocationChange `json:"allocations"`
	Creatives   []CreativeAction   `json:"creatives"`
}

// Empty reports a change set with nothing to apply.
func (c ChangeSet) Empty() bool {
	return len(c.Budgets) == 0 && len(c.Allocations) == 0 && len(c.Creatives) == 0
}

// Publisher hands a change set to the apply layer.
type Publisher interface {
	Publish(ctx context.Context, cs ChangeSet) error
}
