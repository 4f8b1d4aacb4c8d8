package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"funding-arb-alerts/internal/app"
)

var cleanupDays int

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete raw market data and inactive ledger rows past retention",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cleanupDays <= 0 {
			return fmt.Errorf("--days must be greater than zero")
		}

		opts := app.CleanupOptions{
			Days: cleanupDays,
		}

		return getApp().Cleanup(cmd.Context(), opts)
	},
}

func init() {
	cleanupCmd.Flags().IntVar(&cleanupDays, "days", 30, "Retention window in days")
}
