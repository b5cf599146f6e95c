package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// Cycle statuses.
const (
	CycleRunning   = "running"
	CycleSucceeded = "succeeded"
	CycleFailed    = "failed"
)

// CycleRecord audits one optimisation run.
type CycleRecord struct {
	ID           string
	CycleTS      time.Time
	StartedAt    time.Time
	FinishedAt   *time.Time
	Status       string
	Records      int
	RecordErrors int
	Decisions    int
	Changes      int
	Error        *string
}

// DecisionRecord is a persisted budget decision.
type DecisionRecord struct {
	CycleID       string
	CycleTS       time.Time
	EntityID      string
	StoreID       string
	Channel       string
	Action        string
	CurrentBudget decimal.Decimal
	NewBudget     decimal.NullDecimal
	Rule          string
	Reason        string
	Confidence    float64
	ROAS          decimal.Decimal
	CPA           decimal.Decimal
	CreatedAt     time.Time
}

// AllocationRecord is a persisted allocation change.
type AllocationRecord struct {
	CycleID       string
	CycleTS       time.Time
	StoreID       string
	EntityID      string
	CurrentBudget decimal.Decimal
	NewBudget     decimal.Decimal
	Delta         decimal.Decimal
	DeltaPercent  decimal.Decimal
	Weight        float64
	CreatedAt     time.Time
}

// ABResultRecord is a persisted A/B analysis of one campaign.
type ABResultRecord struct {
	CycleID    string
	CycleTS    time.Time
	CampaignID string
	Winners    []string
	Losers     []string
	Pause      []string
	Scale      []string
	Excluded   []string
	Confidence float64
	Sufficient bool
	Summary    string
}

// AttributionRecord is the credit one channel received for one conversion
// under one model.
type AttributionRecord struct {
	CycleID     string
	JourneyID   string
	Model       string
	Channel     string
	Revenue     decimal.Decimal
	ConvertedAt time.Time
}

// InsightRecord is a persisted insight.
type InsightRecord struct {
	ID        int64
	CycleID   string
	CycleTS   time.Time
	Type      string
	Priority  string
	EntityID  string
	Channel   string
	Metric    string
	Message   string
	Impact    decimal.Decimal
	CreatedAt time.Time
}
