package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"spend-optimizer/internal/attribution"
	"spend-optimizer/internal/normalize"
)

// Static serves a fixed dataset, typically loaded from a dump file for
// replays and offline runs.
type Static struct {
	Records     []normalize.RawRecord    `json:"records"`
	State       Snapshot                 `json:"snapshot"`
	Conversions []attribution.Conversion `json:"conversions"`
}

// LoadStatic reads a JSON dump with records, snapshot and conversions keys.
func LoadStatic(path string) (*Static, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read feed dump: %w", err)
	}
	var s Static
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decode feed dump: %w", err)
	}
	return &s, nil
}

// FetchPerformance returns every record; windowing happens after
// normalisation.
func (s *Static) FetchPerformance(_ context.Context, _, _ time.Time) ([]normalize.RawRecord, error) {
	out := make([]normalize.RawRecord, len(s.Records))
	copy(out, s.Records)
	return out, nil
}

// FetchSnapshot returns the stored snapshot.
func (s *Static) FetchSnapshot(context.Context) (Snapshot, error) {
	return s.State, nil
}

// FetchConversions returns conversions with ConvertedAt in [since, until).
// A zero bound is open.
func (s *Static) FetchConversions(_ context.Context, since, until time.Time) ([]attribution.Conversion, error) {
	var out []attribution.Conversion
	for _, c := range s.Conversions {
		if !since.IsZero() && c.ConvertedAt.Before(since) {
			continue
		}
		if !until.IsZero() && !c.ConvertedAt.Before(until) {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

var _ Source = (*Static)(nil)
