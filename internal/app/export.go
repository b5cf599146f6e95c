package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	chart "github.com/wcharczuk/go-chart/v2"

	"spend-optimizer/internal/storage"
)

// maxChartSeries bounds how many entities get their own line; the rest are
// folded into the total.
const maxChartSeries = 8

// Export renders historical allocations as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openReports(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-30 * a.Config.Scheduler.Interval)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	rows, err := store.ListAllocationsBetween(ctx, from, to)
	if err != nil {
		return err
	}
	rows = filterStore(rows, opts.StoreID)
	if len(rows) == 0 {
		a.Logger.Info().Msg("no allocations found for export window")
		return nil
	}

	downsampled := downsampleAllocations(rows, opts.MaxPoints)
	a.Logger.Info().Int("total", len(rows)).Int("exported", len(downsampled)).Msg("exporting allocations")

	if opts.CSVPath != "" {
		if err := writeAllocationsCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeAllocationsPNG(opts.PNGPath, downsampled); err != nil {
			return err
		}
	}

	return nil
}

// openReports requires PostgreSQL; the in-memory store has no history to
// report on.
func (a *App) openReports(ctx context.Context) (storage.ReportStore, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, errors.New("database not configured; nothing to report")
	}
	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}
	store := storage.NewStore(pool)
	return store, store.Close, nil
}

func filterStore(rows []storage.AllocationRecord, storeID string) []storage.AllocationRecord {
	if storeID == "" {
		return rows
	}
	out := rows[:0:0]
	for _, r := range rows {
		if r.StoreID == storeID {
			out = append(out, r)
		}
	}
	return out
}

// downsampleAllocations keeps at most max cycles, evenly spaced, with every
// row of each kept cycle.
func downsampleAllocations(rows []storage.AllocationRecord, max int) []storage.AllocationRecord {
	cycles := cycleTimes(rows)
	if max <= 0 || len(cycles) <= max {
		return rows
	}

	keep := make(map[time.Time]bool, max)
	step := float64(len(cycles)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(cycles) {
			idx = len(cycles) - 1
		}
		keep[cycles[idx]] = true
	}

	result := make([]storage.AllocationRecord, 0, len(rows))
	for _, r := range rows {
		if keep[r.CycleTS] {
			result = append(result, r)
		}
	}
	return result
}

func cycleTimes(rows []storage.AllocationRecord) []time.Time {
	seen := make(map[time.Time]bool)
	var out []time.Time
	for _, r := range rows {
		if !seen[r.CycleTS] {
			seen[r.CycleTS] = true
			out = append(out, r.CycleTS)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

func writeAllocationsCSV(path string, rows []storage.AllocationRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"cycle_ts", "cycle_id", "store_id", "entity_id", "current_budget", "new_budget", "delta", "delta_pct", "weight"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, r := range rows {
		record := []string{
			r.CycleTS.Format(time.RFC3339),
			r.CycleID,
			r.StoreID,
			r.EntityID,
			r.CurrentBudget.StringFixed(2),
			r.NewBudget.StringFixed(2),
			r.Delta.StringFixed(2),
			r.DeltaPercent.StringFixed(2),
			decimal.NewFromFloat(r.Weight).StringFixed(4),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

// budgetSeries pivots rows into one line per entity, keyed by store and
// entity, plus the per-cycle total.
func budgetSeries(rows []storage.AllocationRecord) ([]time.Time, map[string][]float64, []float64) {
	cycles := cycleTimes(rows)
	index := make(map[time.Time]int, len(cycles))
	for i, c := range cycles {
		index[c] = i
	}

	perEntity := make(map[string][]float64)
	total := make([]float64, len(cycles))
	for _, r := range rows {
		key := r.StoreID + "/" + r.EntityID
		line, ok := perEntity[key]
		if !ok {
			line = make([]float64, len(cycles))
			perEntity[key] = line
		}
		v := r.NewBudget.InexactFloat64()
		line[index[r.CycleTS]] = v
		total[index[r.CycleTS]] += v
	}
	return cycles, perEntity, total
}

func writeAllocationsPNG(path string, rows []storage.AllocationRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x, perEntity, total := budgetSeries(rows)
	if len(x) < 2 {
		return errors.New("at least two cycles are needed to draw a chart")
	}

	keys := make([]string, 0, len(perEntity))
	for k := range perEntity {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return sum(perEntity[keys[i]]) > sum(perEntity[keys[j]])
	})
	if len(keys) > maxChartSeries {
		keys = keys[:maxChartSeries]
	}

	budgetFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.0f")
	}
	series := make([]chart.Series, 0, len(keys)+1)
	for _, k := range keys {
		series = append(series, chart.TimeSeries{
			Name:    k,
			XValues: x,
			YValues: perEntity[k],
		})
	}
	series = append(series, chart.TimeSeries{
		Name:    "Total",
		XValues: x,
		YValues: total,
		YAxis:   chart.YAxisSecondary,
	})

	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Daily budget",
			ValueFormatter: budgetFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name:           "Total",
			ValueFormatter: budgetFormatter,
		},
		Series: series,
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func sum(values []float64) float64 {
	var total float64
	for _, v := range values {
		total += v
	}
	return total
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}
