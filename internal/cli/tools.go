package cli

import (
	"github.com/spf13/cobra"
)

var attributeCmd = &cobra.Command{
	Use:   "attribute <conversions.json>",
	Short: "Attribute conversion revenue to channels under every configured model",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Attribute(args[0])
	},
}

var allocateCmd = &cobra.Command{
	Use:   "allocate <entities.json>",
	Short: "Distribute a total budget across entities by performance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Allocate(args[0])
	},
}

var abtestCmd = &cobra.Command{
	Use:   "abtest <variants.json>",
	Short: "Compare creative variants and recommend which to pause or scale",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().ABTest(args[0])
	},
}
