package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"sofr-tracker/internal/app"
)

var (
	exportSeries  string
	exportFrom    string
	exportTo      string
	exportCSVPath string
	exportMaxRows int
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export one stored series as CSV",
	PreRunE: func(cmd *cobra.Command, args []string) error {
		for _, s := range app.ExportSeries {
			if s == exportSeries {
				return nil
			}
		}
		return fmt.Errorf("invalid --series %q (want one of %s)", exportSeries, strings.Join(app.ExportSeries, ", "))
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Export(cmd.Context(), app.ExportOptions{
			Series:  exportSeries,
			From:    exportFrom,
			To:      exportTo,
			CSVPath: exportCSVPath,
			MaxRows: exportMaxRows,
		})
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportSeries, "series", "sofr", "Series to export: "+strings.Join(app.ExportSeries, ", "))
	exportCmd.Flags().StringVar(&exportFrom, "from", "", "First date (YYYY-MM-DD, inclusive; defaults to the configured range before --to)")
	exportCmd.Flags().StringVar(&exportTo, "to", "", "Last date (YYYY-MM-DD, inclusive; defaults to today)")
	exportCmd.Flags().StringVar(&exportCSVPath, "csv", "-", "Path to write CSV data, - for stdout")
	exportCmd.Flags().IntVar(&exportMaxRows, "max-rows", 0, "Maximum rows to export (defaults to config)")
}
