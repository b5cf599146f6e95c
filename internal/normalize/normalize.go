package normalize

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"spend-optimizer/internal/perf"
)

var (
	// ErrUnknownSource is reported for records whose source has no mapper.
	ErrUnknownSource = errors.New("normalize: unknown source")
	// ErrEmptyPayload is reported for records without a payload.
	ErrEmptyPayload = errors.New("normalize: empty payload")
)

// RawRecord is one platform-specific insight payload plus the identity the
// connector attached to it.
type RawRecord struct {
	Source     string          `json:"source"`
	EntityID   string          `json:"entity_id"`
	EntityKind string          `json:"entity_kind"`
	StoreID    string          `json:"store_id"`
	ParentID   string          `json:"parent_id,omitempty"`
	LaunchedAt *time.Time      `json:"launched_at,omitempty"`
	Payload    json.RawMessage `json:"payload"`
}

// RecordError describes a raw record that was dropped.
type RecordError struct {
	Index    int
	Source   string
	EntityID string
	Err      error
}

func (e RecordError) Error() string {
	return fmt.Sprintf("record %d (%s/%s): %v", e.Index, e.Source, e.EntityID, e.Err)
}

func (e RecordError) Unwrap() error { return e.Err }

// Result is the outcome of normalizing a batch.
type Result struct {
	Records []perf.MetricRecord
	Errors  []RecordError
}

// Fields is the source-independent view a mapper extracts from a payload.
type Fields struct {
	Channel     string
	EntityID    string
	PeriodStart time.Time
	PeriodEnd   time.Time
	Impressions Number
	Clicks      Number
	Conversions Number
	Spend       Number
	Revenue     Number
	DaysRunning *Number
}

// Mapper decodes one source's payload.
type Mapper func(payload json.RawMessage) (Fields, error)

// Options tune source-specific decoding.
type Options struct {
	// MetaPurchaseActions lists the Meta action types counted as conversions.
	MetaPurchaseActions []string
}

// Normalizer converts raw platform records into canonical metric records.
type Normalizer struct {
	mappers map[string]Mapper
}

// New builds a Normalizer with the built-in meta, google, tiktok and
// canonical mappers.
func New(opts Options) *Normalizer {
	actions := opts.MetaPurchaseActions
	if len(actions) == 0 {
		actions = []string{"purchase", "offsite_conversion.fb_pixel_purchase", "omni_purchase"}
	}
	n := &Normalizer{mappers: make(map[string]Mapper)}
	n.Register("meta", metaMapper(actions))
	n.Register("google", googleMapper)
	n.Register("tiktok", tiktokMapper)
	n.Register("canonical", canonicalMapper)
	return n
}

// Register adds or replaces the mapper for a source.
func (n *Normalizer) Register(source string, m Mapper) {
	n.mappers[strings.ToLower(source)] = m
}

// Sources lists registered sources.
func (n *Normalizer) Sources() []string {
	out := make([]string, 0, len(n.mappers))
	for k := range n.mappers {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Normalize maps every raw record. Records that fail to decode or violate the
// MetricRecord invariants are dropped and reported; the batch never aborts.
func (n *Normalizer) Normalize(raw []RawRecord, observedAt time.Time) Result {
	res := Result{Records: make([]perf.MetricRecord, 0, len(raw))}
	for i, r := range raw {
		rec, err := n.normalizeOne(r, observedAt)
		if err != nil {
			res.Errors = append(res.Errors, RecordError{Index: i, Source: r.Source, EntityID: r.EntityID, Err: err})
			continue
		}
		res.Records = append(res.Records, rec)
	}
	res.Records = perf.Supersede(res.Records)
	return res
}

func (n *Normalizer) normalizeOne(r RawRecord, observedAt time.Time) (perf.MetricRecord, error) {
	source := strings.ToLower(strings.TrimSpace(r.Source))
	mapper, ok := n.mappers[source]
	if !ok {
		return perf.MetricRecord{}, fmt.Errorf("%w %q", ErrUnknownSource, r.Source)
	}
	if len(r.Payload) == 0 || string(r.Payload) == "null" {
		return perf.MetricRecord{}, ErrEmptyPayload
	}

	f, err := mapper(r.Payload)
	if err != nil {
		return perf.MetricRecord{}, fmt.Errorf("decode %s payload: %w", source, err)
	}

	kind, err := perf.ParseEntityKind(r.EntityKind)
	if err != nil {
		return perf.MetricRecord{}, err
	}

	entityID := strings.TrimSpace(r.EntityID)
	if entityID == "" {
		entityID = f.EntityID
	}
	channel := f.Channel
	if channel == "" {
		channel = source
	}

	spend, err := f.Spend.Decimal()
	if err != nil {
		return perf.MetricRecord{}, fmt.Errorf("spend: %w", err)
	}
	revenue, err := f.Revenue.Decimal()
	if err != nil {
		return perf.MetricRecord{}, fmt.Errorf("revenue: %w", err)
	}
	impressions, err := f.Impressions.Count()
	if err != nil {
		return perf.MetricRecord{}, fmt.Errorf("impressions: %w", err)
	}
	clicks, err := f.Clicks.Count()
	if err != nil {
		return perf.MetricRecord{}, fmt.Errorf("clicks: %w", err)
	}
	conversions, err := f.Conversions.Count()
	if err != nil {
		return perf.MetricRecord{}, fmt.Errorf("conversions: %w", err)
	}

	rec := perf.MetricRecord{
		EntityID:    entityID,
		EntityKind:  kind,
		StoreID:     r.StoreID,
		ParentID:    r.ParentID,
		Channel:     channel,
		PeriodStart: f.PeriodStart,
		PeriodEnd:   f.PeriodEnd,
		Impressions: impressions,
		Clicks:      clicks,
		Conversions: conversions,
		Spend:       spend,
		Revenue:     revenue,
		ObservedAt:  observedAt,
	}

	switch {
	case f.DaysRunning != nil:
		days, err := f.DaysRunning.Count()
		if err != nil {
			return perf.MetricRecord{}, fmt.Errorf("days_running: %w", err)
		}
		rec.DaysRunning = int(days)
	case r.LaunchedAt != nil && !rec.PeriodEnd.IsZero():
		if elapsed := rec.PeriodEnd.Sub(*r.LaunchedAt); elapsed > 0 {
			rec.DaysRunning = int(elapsed / (24 * time.Hour))
		}
	}

	if err := rec.Validate(); err != nil {
		return perf.MetricRecord{}, err
	}
	return rec, nil
}
