package cli

import (
	"github.com/spf13/cobra"

	"sofr-tracker/internal/app"
)

var syncDays int

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Refresh the trailing window of every series",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Sync(cmd.Context(), app.SyncOptions{Days: syncDays})
	},
}

func init() {
	syncCmd.Flags().IntVar(&syncDays, "days", -1, "Lookback in days (defaults to sync.lookback_days)")
}
