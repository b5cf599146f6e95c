package feed

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"spend-optimizer/internal/attribution"
	"spend-optimizer/internal/normalize"
	"spend-optimizer/internal/perf"
)

// Status values reported by the ad platforms.
const (
	StatusActive = "active"
	StatusPaused = "paused"
)

// EntityState is the live configuration of a campaign or creative.
type EntityState struct {
	ID       string          `json:"id"`
	Kind     perf.EntityKind `json:"kind"`
	StoreID  string          `json:"store_id"`
	ParentID string          `json:"parent_id"`
	Channel  string          `json:"channel"`
	Budget   decimal.Decimal `json:"budget"`
	Status   string          `json:"status"`
}

// Active reports whether the entity is currently serving.
func (e EntityState) Active() bool {
	return strings.EqualFold(e.Status, StatusActive)
}

// StoreState carries the total budget to distribute within one store.
type StoreState struct {
	ID          string          `json:"id"`
	TotalBudget decimal.Decimal `json:"total_budget"`
}

// Snapshot is a consistent view of entity state taken at one instant.
type Snapshot struct {
	TakenAt  time.Time     `json:"taken_at"`
	Stores   []StoreState  `json:"stores"`
	Entities []EntityState `json:"entities"`
}

// Store returns the entities belonging to storeID.
func (s Snapshot) Store(storeID string) []EntityState {
	var out []EntityState
	for _, e := range s.Entities {
		if e.StoreID == storeID {
			out = append(out, e)
		}
	}
	return out
}

// Creatives returns the creatives whose parent is campaignID.
func (s Snapshot) Creatives(campaignID string) []EntityState {
	var out []EntityState
	for _, e := range s.Entities {
		if e.Kind == perf.KindCreative && e.ParentID == campaignID {
			out = append(out, e)
		}
	}
	return out
}

// PerformanceSource yields raw platform records.
type PerformanceSource interface {
	FetchPerformance(ctx context.Context, since, until time.Time) ([]normalize.RawRecord, error)
}

// StateSource yields the current entity snapshot.
type StateSource interface {
	FetchSnapshot(ctx context.Context) (Snapshot, error)
}

// ConversionSource yields converted journeys.
type ConversionSource interface {
	FetchConversions(ctx context.Context, since, until time.Time) ([]attribution.Conversion, error)
}

// Source combines every upstream the optimisation cycle reads from.
type Source interface {
	PerformanceSource
	StateSource
	ConversionSource
}
