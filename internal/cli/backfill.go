package cli

import (
	"github.com/spf13/cobra"

	"sofr-tracker/internal/app"
)

var (
	backfillStart string
	backfillEnd   string
)

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Load every series over an explicit historical window",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Backfill(cmd.Context(), app.BackfillOptions{
			Start: backfillStart,
			End:   backfillEnd,
		})
	},
}

func init() {
	backfillCmd.Flags().StringVar(&backfillStart, "start", "", "First date to load (YYYY-MM-DD, inclusive)")
	backfillCmd.Flags().StringVar(&backfillEnd, "end", "", "Last date to load (YYYY-MM-DD, inclusive; defaults to today)")
	_ = backfillCmd.MarkFlagRequired("start")
}
