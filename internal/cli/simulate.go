package cli

import (
	"errors"

	"github.com/spf13/cobra"
)

var simulateEntity string

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "Send a synthetic high-priority insight through the alert channels",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateEntity == "" {
			return errors.New("--entity must not be empty")
		}
		return getApp().SimulateAlert(cmd.Context(), simulateEntity)
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateEntity, "entity", "demo-campaign", "Entity named in the simulated insight")
}
