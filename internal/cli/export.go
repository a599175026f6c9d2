package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"supply-notifier/internal/app"
)

const flagDateLayout = "2006-01-02"

var (
	exportPNGPath string
	exportCSVPath string
	exportMaxRows int

	ratesFrom string
	ratesTo   string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export orders as CSV and/or a PNG chart of value per supply date",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.ExportOptions{
			PNGPath: exportPNGPath,
			CSVPath: exportCSVPath,
			MaxRows: exportMaxRows,
		}
		return getApp().Export(cmd.Context(), opts)
	},
}

var ratesCmd = &cobra.Command{
	Use:   "rates",
	Short: "Resolve and print USD/RUB central bank rates for a date range",
	RunE: func(cmd *cobra.Command, args []string) error {
		today := time.Now().UTC().Format(flagDateLayout)
		if ratesFrom == "" {
			ratesFrom = today
		}
		if ratesTo == "" {
			ratesTo = ratesFrom
		}

		from, err := time.Parse(flagDateLayout, ratesFrom)
		if err != nil {
			return fmt.Errorf("invalid --from value: %w", err)
		}
		to, err := time.Parse(flagDateLayout, ratesTo)
		if err != nil {
			return fmt.Errorf("invalid --to value: %w", err)
		}

		return getApp().Rates(cmd.Context(), app.RatesOptions{From: from, To: to})
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportPNGPath, "png", "", "Path to write PNG chart")
	exportCmd.Flags().StringVar(&exportCSVPath, "csv", "", "Path to write CSV data")
	exportCmd.Flags().IntVar(&exportMaxRows, "max-rows", 0, "Maximum orders to export (defaults to config)")

	ratesCmd.Flags().StringVar(&ratesFrom, "from", "", "First date, YYYY-MM-DD (default today)")
	ratesCmd.Flags().StringVar(&ratesTo, "to", "", "Last date, YYYY-MM-DD (default --from)")
}
