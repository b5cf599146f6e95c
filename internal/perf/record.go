package perf

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// EntityKind distinguishes campaigns from creatives.
type EntityKind string

const (
	KindCampaign EntityKind = "campaign"
	KindCreative EntityKind = "creative"
)

// ParseEntityKind maps a free-form kind onto a known EntityKind.
func ParseEntityKind(v string) (EntityKind, error) {
	switch EntityKind(v) {
	case KindCampaign, "":
		return KindCampaign, nil
	case KindCreative:
		return KindCreative, nil
	default:
		return "", fmt.Errorf("unknown entity kind %q", v)
	}
}

var (
	// ErrInvalidRecord is wrapped by every MetricRecord validation failure.
	ErrInvalidRecord = errors.New("perf: invalid metric record")
)

// MetricRecord is the canonical performance snapshot of one entity on one
// channel over one period. Records are values; newer records supersede older
// ones instead of mutating them.
type MetricRecord struct {
	EntityID    string
	EntityKind  EntityKind
	StoreID     string
	ParentID    string
	Channel     string
	PeriodStart time.Time
	PeriodEnd   time.Time
	Impressions int64
	Clicks      int64
	Conversions int64
	Spend       decimal.Decimal
	Revenue     decimal.Decimal
	DaysRunning int
	ObservedAt  time.Time
}

// Validate checks the record invariants. Conversions may exceed clicks
// because cross-device conversions are not tied to same-session clicks.
func (r MetricRecord) Validate() error {
	switch {
	case r.EntityID == "":
		return fmt.Errorf("%w: entity id is required", ErrInvalidRecord)
	case r.Channel == "":
		return fmt.Errorf("%w: channel is required", ErrInvalidRecord)
	case r.Impressions < 0, r.Clicks < 0, r.Conversions < 0:
		return fmt.Errorf("%w: counts must be non-negative", ErrInvalidRecord)
	case r.Clicks > r.Impressions:
		return fmt.Errorf("%w: clicks (%d) exceed impressions (%d)", ErrInvalidRecord, r.Clicks, r.Impressions)
	case r.Spend.IsNegative():
		return fmt.Errorf("%w: spend %s is negative", ErrInvalidRecord, r.Spend)
	case r.Revenue.IsNegative():
		return fmt.Errorf("%w: revenue %s is negative", ErrInvalidRecord, r.Revenue)
	case r.DaysRunning < 0:
		return fmt.Errorf("%w: days running is negative", ErrInvalidRecord)
	case r.PeriodEnd.Before(r.PeriodStart):
		return fmt.Errorf("%w: period ends before it starts", ErrInvalidRecord)
	}
	return nil
}

type recordKey struct {
	entity  string
	channel string
	start   int64
	end     int64
}

func keyOf(r MetricRecord) recordKey {
	return recordKey{
		entity:  r.EntityID,
		channel: r.Channel,
		start:   r.PeriodStart.UnixNano(),
		end:     r.PeriodEnd.UnixNano(),
	}
}

// Supersede keeps a single record per entity, channel and period. The record
// with the latest ObservedAt wins; ties go to the one appearing later in the
// input. Output order follows the first appearance of each key.
func Supersede(records []MetricRecord) []MetricRecord {
	if len(records) == 0 {
		return nil
	}

	index := make(map[recordKey]int, len(records))
	out := make([]MetricRecord, 0, len(records))
	for _, rec := range records {
		k := keyOf(rec)
		pos, seen := index[k]
		if !seen {
			index[k] = len(out)
			out = append(out, rec)
			continue
		}
		if !rec.ObservedAt.Before(out[pos].ObservedAt) {
			out[pos] = rec
		}
	}
	return out
}

// GroupByEntity buckets records by entity id. Keys are returned sorted.
func GroupByEntity(records []MetricRecord) (map[string][]MetricRecord, []string) {
	return groupBy(records, func(r MetricRecord) string { return r.EntityID })
}

// GroupByChannel buckets records by channel. Keys are returned sorted.
func GroupByChannel(records []MetricRecord) (map[string][]MetricRecord, []string) {
	return groupBy(records, func(r MetricRecord) string { return r.Channel })
}

func groupBy(records []MetricRecord, key func(MetricRecord) string) (map[string][]MetricRecord, []string) {
	groups := make(map[string][]MetricRecord)
	for _, rec := range records {
		k := key(rec)
		groups[k] = append(groups[k], rec)
	}
	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return groups, keys
}

// Window returns the records whose period ends inside [from, to).
func Window(records []MetricRecord, from, to time.Time) []MetricRecord {
	out := make([]MetricRecord, 0, len(records))
	for _, rec := range records {
		if rec.PeriodEnd.Before(from) || !rec.PeriodEnd.Before(to) {
			continue
		}
		out = append(out, rec)
	}
	return out
}
