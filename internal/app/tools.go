package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"

	"spend-optimizer/internal/alerting"
	"spend-optimizer/internal/allocator"
	"spend-optimizer/internal/attribution"
	"spend-optimizer/internal/insights"
	"spend-optimizer/internal/perf"
)

// DecideOptions describe one campaign for a one-off budget decision.
type DecideOptions struct {
	CurrentBudget decimal.Decimal
	Spend         decimal.Decimal
	Revenue       decimal.Decimal
	Impressions   int64
	Clicks        int64
	Conversions   int64
	DaysRunning   int
}

// Decide prints the budget decision for one campaign as JSON.
func (a *App) Decide(opts DecideOptions) error {
	if opts.CurrentBudget.IsNegative() {
		return errors.New("current budget must not be negative")
	}
	eng, err := a.newEngines()
	if err != nil {
		return err
	}
	decision := eng.budget.Decide(opts.CurrentBudget, perf.Totals{
		Impressions: opts.Impressions,
		Clicks:      opts.Clicks,
		Conversions: opts.Conversions,
		Spend:       opts.Spend,
		Revenue:     opts.Revenue,
		DaysRunning: opts.DaysRunning,
	})
	return a.writeJSON(decision)
}

// attributeOutput is the per-model roll-up printed by Attribute.
type attributeOutput struct {
	Conversions int                    `json:"conversions"`
	Rejected    []string               `json:"rejected,omitempty"`
	Models      map[string][]creditRow `json:"models"`
}

type creditRow struct {
	Channel     string          `json:"channel"`
	Revenue     decimal.Decimal `json:"revenue"`
	Conversions decimal.Decimal `json:"conversions"`
	Share       decimal.Decimal `json:"share"`
}

// Attribute reads a JSON array of conversions and prints channel credit per
// configured model.
func (a *App) Attribute(path string) error {
	var conversions []attribution.Conversion
	if err := readJSONFile(path, &conversions); err != nil {
		return err
	}
	eng, err := a.newEngines()
	if err != nil {
		return err
	}

	out := attributeOutput{Models: make(map[string][]creditRow, len(eng.models))}
	results := make([]attribution.Result, 0, len(conversions))
	for _, c := range conversions {
		res, err := eng.attribution.AttributeConversion(c, eng.models)
		if err != nil {
			out.Rejected = append(out.Rejected, fmt.Sprintf("%s: %v", c.ID, err))
			continue
		}
		results = append(results, res)
	}
	out.Conversions = len(results)

	for _, m := range eng.models {
		credits := attribution.Summarize(results, m)
		rows := make([]creditRow, 0, len(credits))
		for _, cc := range credits {
			rows = append(rows, creditRow{
				Channel:     cc.Channel,
				Revenue:     cc.Revenue.Round(2),
				Conversions: cc.Conversions.Round(4),
				Share:       cc.Share.Round(4),
			})
		}
		out.Models[string(m)] = rows
	}
	return a.writeJSON(out)
}

// AllocateInput is the file format read by Allocate.
type AllocateInput struct {
	TotalBudget decimal.Decimal    `json:"total_budget"`
	Entities    []allocator.Entity `json:"entities"`
}

type allocateOutput struct {
	Plan    allocator.Plan         `json:"plan"`
	Changes []allocator.Allocation `json:"changes"`
}

// Allocate reads a total budget and entities from a JSON file and prints the
// plan with the changes worth applying.
func (a *App) Allocate(path string) error {
	var in AllocateInput
	if err := readJSONFile(path, &in); err != nil {
		return err
	}
	eng, err := a.newEngines()
	if err != nil {
		return err
	}
	plan, changes, err := eng.allocator.Rebalance(in.TotalBudget, in.Entities)
	if err != nil {
		return err
	}
	if changes == nil {
		changes = []allocator.Allocation{}
	}
	return a.writeJSON(allocateOutput{Plan: plan, Changes: changes})
}

// VariantInput is one creative variant in the ABTest file format.
type VariantInput struct {
	ID          string          `json:"id"`
	Impressions int64           `json:"impressions"`
	Clicks      int64           `json:"clicks"`
	Conversions int64           `json:"conversions"`
	Spend       decimal.Decimal `json:"spend"`
	Revenue     decimal.Decimal `json:"revenue"`
}

// ABTest reads a JSON array of variants and prints the analysis.
func (a *App) ABTest(path string) error {
	var in []VariantInput
	if err := readJSONFile(path, &in); err != nil {
		return err
	}
	eng, err := a.newEngines()
	if err != nil {
		return err
	}

	variants := make([]perf.VariantMetrics, 0, len(in))
	for _, v := range in {
		variants = append(variants, perf.VariantMetrics{
			ID: v.ID,
			Totals: perf.Totals{
				Impressions: v.Impressions,
				Clicks:      v.Clicks,
				Conversions: v.Conversions,
				Spend:       v.Spend,
				Revenue:     v.Revenue,
			},
		})
	}
	return a.writeJSON(eng.tester.AnalyzeDefault(variants))
}

// SimulateAlert sends one synthetic high-priority insight through the
// configured notifier.
func (a *App) SimulateAlert(ctx context.Context, entityID string) error {
	if !a.Config.Alerting.Enabled {
		return errors.New("alerting is disabled")
	}
	notifier := a.newNotifier()
	if notifier == nil {
		return errors.New("no alert channel configured")
	}

	cycle := time.Now().UTC().Truncate(a.Config.Scheduler.Interval)
	return notifier.Notify(ctx, alerting.Notification{
		Cycle:   cycle,
		CycleID: "simulated",
		Insights: []insights.Insight{{
			Type:     insights.TypeRecommendation,
			Priority: insights.PriorityHigh,
			EntityID: entityID,
			Metric:   insights.MetricROAS,
			Message:  fmt.Sprintf("simulated: %s would be paused", entityID),
			Impact:   decimal.Zero,
		}},
		Channels:      a.Config.Alerting.Channels,
		AdditionalMsg: "Simulated from the CLI; nothing was changed.",
	})
}

func readJSONFile(path string, v any) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func (a *App) writeJSON(v any) error {
	enc := json.NewEncoder(a.Out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
