package app

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"spend-optimizer/internal/storage"
)

// Show prints recent decisions, or recent insights when opts.Insights is set.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openReports(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	if opts.Insights {
		rows, err := store.ListRecentInsights(ctx, opts.Limit)
		if err != nil {
			return err
		}
		return a.printInsights(rows)
	}

	rows, err := store.ListRecentDecisions(ctx, opts.Limit)
	if err != nil {
		return err
	}
	return a.printDecisions(rows)
}

func (a *App) printDecisions(rows []storage.DecisionRecord) error {
	if len(rows) == 0 {
		fmt.Fprintln(a.Out, "no decisions found")
		return nil
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Cycle (UTC)\tEntity\tChannel\tAction\tCurrent\tNew\tROAS\tConfidence\tRule\tReason")

	for _, d := range rows {
		next := "-"
		if d.NewBudget.Valid {
			next = formatDecimal(d.NewBudget.Decimal, 2)
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%s\t%.2f\t%s\t%s\n",
			d.CycleTS.UTC().Format(time.RFC3339),
			d.EntityID,
			d.Channel,
			d.Action,
			formatDecimal(d.CurrentBudget, 2),
			next,
			formatDecimal(d.ROAS, 2),
			d.Confidence,
			d.Rule,
			sanitizeInline(d.Reason),
		)
	}

	return writer.Flush()
}

func (a *App) printInsights(rows []storage.InsightRecord) error {
	if len(rows) == 0 {
		fmt.Fprintln(a.Out, "no insights found")
		return nil
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Cycle (UTC)\tPriority\tType\tEntity\tChannel\tMetric\tImpact\tMessage")

	for _, ins := range rows {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			ins.CycleTS.UTC().Format(time.RFC3339),
			ins.Priority,
			ins.Type,
			ins.EntityID,
			ins.Channel,
			ins.Metric,
			formatDecimal(ins.Impact, 2),
			sanitizeInline(ins.Message),
		)
	}

	return writer.Flush()
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
