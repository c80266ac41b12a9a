package cli

import (
	"github.com/spf13/cobra"

	"signalrelay/internal/app"
)

var (
	exportFrom      string
	exportTo        string
	exportPNGPath   string
	exportCSVPath   string
	exportMaxPoints int
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export relayed signals as CSV and/or an hourly PNG chart",
	RunE: func(cmd *cobra.Command, args []string) error {
		from, to, err := parseWindow(exportFrom, exportTo)
		if err != nil {
			return err
		}

		return getApp().Export(cmd.Context(), app.ExportOptions{
			From:      from,
			To:        to,
			PNGPath:   exportPNGPath,
			CSVPath:   exportCSVPath,
			MaxPoints: exportMaxPoints,
		})
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportFrom, "from", "", "Start timestamp (RFC3339, inclusive; defaults to 30 days before --to)")
	exportCmd.Flags().StringVar(&exportTo, "to", "", "End timestamp (RFC3339, exclusive; defaults to now)")
	exportCmd.Flags().StringVar(&exportPNGPath, "png", "", "Path to write the signals-per-hour chart")
	exportCmd.Flags().StringVar(&exportCSVPath, "csv", "", "Path to write CSV rows")
	exportCmd.Flags().IntVar(&exportMaxPoints, "max-points", 0, "Maximum CSV rows to export (defaults to config)")
}
