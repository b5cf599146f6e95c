package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"spend-optimizer/internal/app"
)

var (
	replayFrom   string
	replayTo     string
	replayDryRun bool
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Re-run historical optimisation cycles",
	RunE: func(cmd *cobra.Command, args []string) error {
		if replayFrom == "" || replayTo == "" {
			return fmt.Errorf("--from and --to must be provided")
		}

		from, err := time.Parse(time.RFC3339, replayFrom)
		if err != nil {
			return fmt.Errorf("invalid --from value: %w", err)
		}
		to, err := time.Parse(time.RFC3339, replayTo)
		if err != nil {
			return fmt.Errorf("invalid --to value: %w", err)
		}
		if !from.Before(to) {
			return fmt.Errorf("--from must be before --to")
		}

		opts := app.ReplayOptions{
			From:   from,
			To:     to,
			DryRun: replayDryRun,
		}

		return getApp().Replay(cmd.Context(), opts)
	},
}

func init() {
	replayCmd.Flags().StringVar(&replayFrom, "from", "", "First cycle (RFC3339, inclusive)")
	replayCmd.Flags().StringVar(&replayTo, "to", "", "Last cycle (RFC3339, inclusive)")
	replayCmd.Flags().BoolVar(&replayDryRun, "dry-run", false, "Keep results in memory and only log change sets")
}
