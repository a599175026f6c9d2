package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"supply-notifier/internal/app"
)

var (
	showLimit   int
	planAddress string
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display tracked orders with due status and delivery counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit < 0 {
			return fmt.Errorf("--limit cannot be negative")
		}

		opts := app.ShowOptions{
			Limit: showLimit,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Preview the next notification for a Telegram chat without sending it",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().PreviewPlan(cmd.Context(), app.PlanOptions{Address: planAddress})
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 50, "Number of orders to display (0 for all)")
	planCmd.Flags().StringVar(&planAddress, "address", "", "Telegram chat id")
	_ = planCmd.MarkFlagRequired("address")
}
