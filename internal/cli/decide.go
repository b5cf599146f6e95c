package cli

import (
	"errors"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"spend-optimizer/internal/app"
)

var (
	decideBudget      string
	decideSpend       string
	decideRevenue     string
	decideImpressions int64
	decideClicks      int64
	decideConversions int64
	decideDays        int
)

var decideCmd = &cobra.Command{
	Use:   "decide",
	Short: "Print the budget decision for one campaign's trailing metrics",
	RunE: func(cmd *cobra.Command, args []string) error {
		budget, err := decimal.NewFromString(decideBudget)
		if err != nil {
			return errors.New("--budget must be a decimal number")
		}
		spend, err := decimal.NewFromString(decideSpend)
		if err != nil {
			return errors.New("--spend must be a decimal number")
		}
		revenue, err := decimal.NewFromString(decideRevenue)
		if err != nil {
			return errors.New("--revenue must be a decimal number")
		}
		if decideDays < 0 {
			return errors.New("--days cannot be negative")
		}

		return getApp().Decide(app.DecideOptions{
			CurrentBudget: budget,
			Spend:         spend,
			Revenue:       revenue,
			Impressions:   decideImpressions,
			Clicks:        decideClicks,
			Conversions:   decideConversions,
			DaysRunning:   decideDays,
		})
	},
}

func init() {
	decideCmd.Flags().StringVar(&decideBudget, "budget", "0", "Current daily budget")
	decideCmd.Flags().StringVar(&decideSpend, "spend", "0", "Trailing spend")
	decideCmd.Flags().StringVar(&decideRevenue, "revenue", "0", "Trailing revenue")
	decideCmd.Flags().Int64Var(&decideImpressions, "impressions", 0, "Trailing impressions")
	decideCmd.Flags().Int64Var(&decideClicks, "clicks", 0, "Trailing clicks")
	decideCmd.Flags().Int64Var(&decideConversions, "conversions", 0, "Trailing conversions")
	decideCmd.Flags().IntVar(&decideDays, "days", 0, "Days the campaign has been running")
}
