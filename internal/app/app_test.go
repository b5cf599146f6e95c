package app

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spend-optimizer/internal/config"
	"spend-optimizer/internal/storage"
)

const feedDump = `{
  "records": [
    {"source": "canonical", "entity_id": "c-1", "entity_kind": "campaign", "store_id": "s-1",
     "payload": {"channel": "meta", "period_start": "2024-05-06T00:00:00Z", "period_end": "2024-05-07T00:00:00Z",
                 "impressions": 10000, "clicks": 400, "conversions": 20, "spend": "100", "revenue": "400", "days_running": 10}}
  ],
  "snapshot": {
    "stores": [{"id": "s-1", "total_budget": "0"}],
    "entities": [{"id": "c-1", "kind": "campaign", "store_id": "s-1", "channel": "meta", "budget": "200", "status": "active"}]
  },
  "conversions": [
    {"id": "j-1", "revenue": "100", "converted_at": "2024-05-06T12:00:00Z",
     "touchpoints": [
       {"channel": "meta", "source": "ad", "timestamp": "2024-05-05T10:00:00Z"},
       {"channel": "google", "source": "search", "timestamp": "2024-05-06T10:00:00Z"}
     ]}
  ]
}`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func newTestApp(t *testing.T) (*App, *bytes.Buffer) {
	t.Helper()
	dir := t.TempDir()
	dump := writeFile(t, dir, "feed.json", feedDump)
	cfgPath := writeFile(t, dir, "config.yaml", "feed:\n  mode: file\n  file: "+dump+"\nhttp:\n  enabled: false\n")

	cfg, err := config.Load(cfgPath)
	require.NoError(t, err)

	out := &bytes.Buffer{}
	a := NewApp(cfg, zerolog.Nop())
	a.Out = out
	return a, out
}

func TestDecide(t *testing.T) {
	a, out := newTestApp(t)

	err := a.Decide(DecideOptions{
		CurrentBudget: decimal.NewFromInt(200),
		Spend:         decimal.NewFromInt(100),
		Revenue:       decimal.NewFromInt(400),
		Conversions:   20,
		DaysRunning:   10,
	})
	require.NoError(t, err)

	var got struct {
		Action    string          `json:"action"`
		NewBudget decimal.Decimal `json:"new_budget"`
		Rule      string          `json:"rule"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &got))
	assert.Equal(t, "increase", got.Action)
	assert.Equal(t, "excellent", got.Rule)
	assert.True(t, got.NewBudget.Equal(decimal.NewFromInt(240)), "new budget %s", got.NewBudget)
}

func TestDecideRejectsNegativeBudget(t *testing.T) {
	a, _ := newTestApp(t)
	err := a.Decide(DecideOptions{CurrentBudget: decimal.NewFromInt(-1)})
	assert.Error(t, err)
}

func TestAllocate(t *testing.T) {
	a, out := newTestApp(t)
	path := writeFile(t, t.TempDir(), "allocate.json", `{
  "total_budget": "300",
  "entities": [
    {"id": "a", "current_budget": "100", "roas": 3, "conversions": 10, "active": true},
    {"id": "b", "current_budget": "100", "roas": 1, "conversions": 10, "active": true}
  ]
}`)

	require.NoError(t, a.Allocate(path))

	var got struct {
		Plan struct {
			TotalBudget decimal.Decimal `json:"total_budget"`
			Allocated   decimal.Decimal `json:"allocated"`
			Allocations []struct {
				EntityID string `json:"entity_id"`
			} `json:"allocations"`
		} `json:"plan"`
		Changes []json.RawMessage `json:"changes"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &got))
	assert.True(t, got.Plan.TotalBudget.Equal(decimal.NewFromInt(300)))
	assert.False(t, got.Plan.Allocated.GreaterThan(got.Plan.TotalBudget))
	assert.Len(t, got.Plan.Allocations, 2)
	assert.NotNil(t, got.Changes)
}

func TestAllocateMissingFile(t *testing.T) {
	a, _ := newTestApp(t)
	err := a.Allocate(filepath.Join(t.TempDir(), "missing.json"))
	assert.ErrorContains(t, err, "read")
}

func TestABTestInsufficientSample(t *testing.T) {
	a, out := newTestApp(t)
	path := writeFile(t, t.TempDir(), "variants.json", `[
  {"id": "v1", "impressions": 100, "clicks": 10, "conversions": 1, "spend": "10", "revenue": "20"},
  {"id": "v2", "impressions": 100, "clicks": 5, "conversions": 0, "spend": "10", "revenue": "0"}
]`)

	require.NoError(t, a.ABTest(path))

	var got struct {
		Sufficient bool     `json:"sufficient"`
		Excluded   []string `json:"excluded"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &got))
	assert.False(t, got.Sufficient)
	assert.ElementsMatch(t, []string{"v1", "v2"}, got.Excluded)
}

func TestAttribute(t *testing.T) {
	a, out := newTestApp(t)
	path := writeFile(t, t.TempDir(), "conversions.json", `[
  {"id": "j-1", "revenue": "100", "converted_at": "2024-05-06T12:00:00Z",
   "touchpoints": [
     {"channel": "meta", "timestamp": "2024-05-05T10:00:00Z"},
     {"channel": "google", "timestamp": "2024-05-06T10:00:00Z"}
   ]},
  {"id": "j-empty", "revenue": "50", "converted_at": "2024-05-06T12:00:00Z", "touchpoints": []}
]`)

	require.NoError(t, a.Attribute(path))

	var got attributeOutput
	require.NoError(t, json.Unmarshal(out.Bytes(), &got))
	assert.Equal(t, 1, got.Conversions)
	assert.Len(t, got.Rejected, 1)
	require.Contains(t, got.Models, "first_touch")
	require.Len(t, got.Models["first_touch"], 1)
	assert.Equal(t, "meta", got.Models["first_touch"][0].Channel)
	assert.Len(t, got.Models["linear"], 2)
}

func TestReplayDryRun(t *testing.T) {
	a, _ := newTestApp(t)
	err := a.Replay(context.Background(), ReplayOptions{
		From:   time.Date(2024, 5, 6, 0, 0, 0, 0, time.UTC),
		To:     time.Date(2024, 5, 8, 0, 0, 0, 0, time.UTC),
		DryRun: true,
	})
	assert.NoError(t, err)
}

func TestReplayEmptyRange(t *testing.T) {
	a, _ := newTestApp(t)
	at := time.Date(2024, 5, 6, 0, 0, 0, 0, time.UTC)
	err := a.Replay(context.Background(), ReplayOptions{From: at, To: at, DryRun: true})
	assert.Error(t, err)
}

func TestShowRequiresDatabase(t *testing.T) {
	a, _ := newTestApp(t)
	err := a.Show(context.Background(), ShowOptions{Limit: 5})
	assert.ErrorContains(t, err, "database not configured")
}

func TestPrintDecisions(t *testing.T) {
	a, out := newTestApp(t)
	require.NoError(t, a.printDecisions([]storage.DecisionRecord{{
		CycleTS:       time.Date(2024, 5, 8, 0, 0, 0, 0, time.UTC),
		EntityID:      "c-1",
		Channel:       "meta",
		Action:        "maintain",
		CurrentBudget: decimal.NewFromInt(100),
		Rule:          "acceptable",
		Reason:        "holding\nbudget",
	}}))

	text := out.String()
	assert.Contains(t, text, "c-1")
	assert.Contains(t, text, "holding budget")
	assert.Contains(t, text, "100.00")
}

func allocationRows() []storage.AllocationRecord {
	var rows []storage.AllocationRecord
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	for day := 0; day < 5; day++ {
		for _, id := range []string{"a", "b"} {
			rows = append(rows, storage.AllocationRecord{
				CycleTS:   base.Add(time.Duration(day) * 24 * time.Hour),
				StoreID:   "s-1",
				EntityID:  id,
				NewBudget: decimal.NewFromInt(int64(100 + day)),
			})
		}
	}
	return rows
}

func TestDownsampleAllocationsKeepsWholeCycles(t *testing.T) {
	rows := allocationRows()

	got := downsampleAllocations(rows, 3)
	assert.Len(t, got, 6)
	assert.Len(t, cycleTimes(got), 3)
	assert.Equal(t, rows[0].CycleTS, got[0].CycleTS)
	assert.Equal(t, rows[len(rows)-1].CycleTS, got[len(got)-1].CycleTS)

	assert.Len(t, downsampleAllocations(rows, 10), len(rows))
}

func TestFilterStore(t *testing.T) {
	rows := allocationRows()
	rows[0].StoreID = "s-2"

	assert.Len(t, filterStore(rows, ""), len(rows))
	got := filterStore(rows, "s-2")
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].EntityID)
}

func TestBudgetSeries(t *testing.T) {
	x, perEntity, total := budgetSeries(allocationRows())
	assert.Len(t, x, 5)
	assert.Len(t, perEntity, 2)
	assert.InDelta(t, 200.0, total[0], 1e-9)
	assert.InDelta(t, 104.0, perEntity["s-1/b"][4], 1e-9)
}

func TestWriteAllocationsCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "alloc.csv")
	require.NoError(t, writeAllocationsCSV(path, allocationRows()))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 11)
	assert.Equal(t, "cycle_ts", records[0][0])
	assert.Equal(t, "100.00", records[1][5])
}
