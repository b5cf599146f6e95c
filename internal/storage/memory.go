package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"spend-optimizer/internal/perf"
)

type metricKey struct {
	entity  string
	channel string
	start   int64
	end     int64
}

type attributionKey struct {
	journey string
	model   string
	channel string
}

// MemoryStore is an in-process Repository used for dry runs, replays
// without a database, and tests.
type MemoryStore struct {
	mu           sync.RWMutex
	metrics      map[metricKey]perf.MetricRecord
	cycles       map[string]CycleRecord
	decisions    []DecisionRecord
	allocations  []AllocationRecord
	abResults    []ABResultRecord
	attributions map[attributionKey]AttributionRecord
	insights     []InsightRecord
	nextInsight  int64
	locks        map[int64]struct{}
	now          func() time.Time
}

// NewMemoryStore builds an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		metrics:      make(map[metricKey]perf.MetricRecord),
		cycles:       make(map[string]CycleRecord),
		attributions: make(map[attributionKey]AttributionRecord),
		locks:        make(map[int64]struct{}),
		now:          time.Now,
	}
}

// UpsertMetricRecords keeps the newest observation per entity, channel and period.
func (s *MemoryStore) UpsertMetricRecords(_ context.Context, records []perf.MetricRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range records {
		k := metricKey{entity: r.EntityID, channel: r.Channel, start: r.PeriodStart.UnixNano(), end: r.PeriodEnd.UnixNano()}
		if prev, ok := s.metrics[k]; ok && r.ObservedAt.Before(prev.ObservedAt) {
			continue
		}
		s.metrics[k] = r
	}
	return nil
}

// ListMetricRecords lists records whose period ends in [from, to).
func (s *MemoryStore) ListMetricRecords(_ context.Context, from, to time.Time) ([]perf.MetricRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]perf.MetricRecord, 0)
	for _, r := range s.metrics {
		if r.PeriodEnd.Before(from) || !r.PeriodEnd.Before(to) {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].PeriodEnd.Equal(out[j].PeriodEnd) {
			return out[i].PeriodEnd.Before(out[j].PeriodEnd)
		}
		if out[i].EntityID != out[j].EntityID {
			return out[i].EntityID < out[j].EntityID
		}
		return out[i].Channel < out[j].Channel
	})
	return out, nil
}

// StartCycle records a running cycle. Restarting an existing id is a no-op.
func (s *MemoryStore) StartCycle(_ context.Context, rec CycleRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cycles[rec.ID]; ok {
		return nil
	}
	s.cycles[rec.ID] = rec
	return nil
}

// FinishCycle updates a started cycle.
func (s *MemoryStore) FinishCycle(_ context.Context, rec CycleRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.cycles[rec.ID]
	if !ok {
		return ErrCycleNotFound
	}
	rec.CycleTS = prev.CycleTS
	rec.StartedAt = prev.StartedAt
	s.cycles[rec.ID] = rec
	return nil
}

// LastSucceededCycle returns the latest successful cycle before the given time.
func (s *MemoryStore) LastSucceededCycle(_ context.Context, before time.Time) (CycleRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var (
		best  CycleRecord
		found bool
	)
	for _, c := range s.cycles {
		if c.Status != CycleSucceeded || !c.CycleTS.Before(before) {
			continue
		}
		if !found || c.CycleTS.After(best.CycleTS) {
			best, found = c, true
		}
	}
	return best, found, nil
}

// Cycle returns a cycle by id.
func (s *MemoryStore) Cycle(id string) (CycleRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.cycles[id]
	return c, ok
}

// InsertDecisions stores decisions, replacing an earlier row for the same cycle and entity.
func (s *MemoryStore) InsertDecisions(_ context.Context, recs []DecisionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().UTC()
	for _, r := range recs {
		if r.CreatedAt.IsZero() {
			r.CreatedAt = now
		}
		replaced := false
		for i, prev := range s.decisions {
			if prev.CycleID == r.CycleID && prev.EntityID == r.EntityID {
				s.decisions[i] = r
				replaced = true
				break
			}
		}
		if !replaced {
			s.decisions = append(s.decisions, r)
		}
	}
	return nil
}

// ListRecentDecisions returns the newest decisions first.
func (s *MemoryStore) ListRecentDecisions(_ context.Context, limit int) ([]DecisionRecord, error) {
	s.mu.RLock()
	out := append([]DecisionRecord(nil), s.decisions...)
	s.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CycleTS.Equal(out[j].CycleTS) {
			return out[i].CycleTS.After(out[j].CycleTS)
		}
		return out[i].EntityID < out[j].EntityID
	})
	return head(out, limit), nil
}

// InsertAllocations stores allocation changes.
func (s *MemoryStore) InsertAllocations(_ context.Context, recs []AllocationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().UTC()
	for _, r := range recs {
		if r.CreatedAt.IsZero() {
			r.CreatedAt = now
		}
		replaced := false
		for i, prev := range s.allocations {
			if prev.CycleID == r.CycleID && prev.StoreID == r.StoreID && prev.EntityID == r.EntityID {
				s.allocations[i] = r
				replaced = true
				break
			}
		}
		if !replaced {
			s.allocations = append(s.allocations, r)
		}
	}
	return nil
}

// ListAllocationsBetween lists allocation changes for cycles in [from, to).
func (s *MemoryStore) ListAllocationsBetween(_ context.Context, from, to time.Time) ([]AllocationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]AllocationRecord, 0)
	for _, r := range s.allocations {
		if r.CycleTS.Before(from) || !r.CycleTS.Before(to) {
			continue
		}
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CycleTS.Equal(out[j].CycleTS) {
			return out[i].CycleTS.Before(out[j].CycleTS)
		}
		if out[i].StoreID != out[j].StoreID {
			return out[i].StoreID < out[j].StoreID
		}
		return out[i].EntityID < out[j].EntityID
	})
	return out, nil
}

// InsertABResults stores A/B analyses.
func (s *MemoryStore) InsertABResults(_ context.Context, recs []ABResultRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range recs {
		replaced := false
		for i, prev := range s.abResults {
			if prev.CycleID == r.CycleID && prev.CampaignID == r.CampaignID {
				s.abResults[i] = r
				replaced = true
				break
			}
		}
		if !replaced {
			s.abResults = append(s.abResults, r)
		}
	}
	return nil
}

// ABResults returns every stored A/B analysis.
func (s *MemoryStore) ABResults() []ABResultRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]ABResultRecord(nil), s.abResults...)
}

// InsertAttributions stores attribution credit keyed by journey, model and channel.
func (s *MemoryStore) InsertAttributions(_ context.Context, recs []AttributionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range recs {
		s.attributions[attributionKey{journey: r.JourneyID, model: r.Model, channel: r.Channel}] = r
	}
	return nil
}

// Attributions returns every stored attribution row.
func (s *MemoryStore) Attributions() []AttributionRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]AttributionRecord, 0, len(s.attributions))
	for _, r := range s.attributions {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].JourneyID != out[j].JourneyID {
			return out[i].JourneyID < out[j].JourneyID
		}
		if out[i].Model != out[j].Model {
			return out[i].Model < out[j].Model
		}
		return out[i].Channel < out[j].Channel
	})
	return out
}

// InsertInsights replaces the insights of each cycle present in recs and
// assigns ids.
func (s *MemoryStore) InsertInsights(_ context.Context, recs []InsightRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cycles := make(map[string]bool)
	for _, r := range recs {
		cycles[r.CycleID] = true
	}
	kept := s.insights[:0]
	for _, r := range s.insights {
		if !cycles[r.CycleID] {
			kept = append(kept, r)
		}
	}
	s.insights = kept

	now := s.now().UTC()
	for _, r := range recs {
		s.nextInsight++
		r.ID = s.nextInsight
		if r.CreatedAt.IsZero() {
			r.CreatedAt = now
		}
		s.insights = append(s.insights, r)
	}
	return nil
}

// ListRecentInsights returns the newest insights first.
func (s *MemoryStore) ListRecentInsights(_ context.Context, limit int) ([]InsightRecord, error) {
	s.mu.RLock()
	out := append([]InsightRecord(nil), s.insights...)
	s.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CycleTS.Equal(out[j].CycleTS) {
			return out[i].CycleTS.After(out[j].CycleTS)
		}
		return out[i].ID < out[j].ID
	})
	return head(out, limit), nil
}

// DeleteBefore prunes metric records and insights older than the cutoff.
func (s *MemoryStore) DeleteBefore(_ context.Context, olderThan time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, r := range s.metrics {
		if r.PeriodEnd.Before(olderThan) {
			delete(s.metrics, k)
		}
	}
	kept := s.insights[:0]
	for _, r := range s.insights {
		if !r.CycleTS.Before(olderThan) {
			kept = append(kept, r)
		}
	}
	s.insights = kept
	return nil
}

// TryAdvisoryLock emulates a postgres advisory lock within the process.
func (s *MemoryStore) TryAdvisoryLock(_ context.Context, key int64) (func(), bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, held := s.locks[key]; held {
		return nil, false, nil
	}
	s.locks[key] = struct{}{}
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.locks, key)
			s.mu.Unlock()
		})
	}, true, nil
}

func head[T any](items []T, limit int) []T {
	if limit > 0 && len(items) > limit {
		return items[:limit]
	}
	return items
}

var _ Repository = (*MemoryStore)(nil)
