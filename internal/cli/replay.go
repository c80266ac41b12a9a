package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"signalrelay/internal/app"
)

var (
	replayFile   string
	replayLimit  int
	replayDryRun bool
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Re-post an exported record file to the destination in archive format",
	RunE: func(cmd *cobra.Command, args []string) error {
		if replayFile == "" {
			return fmt.Errorf("--file is required")
		}

		summary, err := getApp().Replay(cmd.Context(), app.ReplayOptions{
			File:   replayFile,
			Limit:  replayLimit,
			DryRun: replayDryRun,
		})
		if err != nil {
			return err
		}
		if summary.Failed > 0 {
			return fmt.Errorf("%d of %d posts failed", summary.Failed, summary.Posted+summary.Failed)
		}
		return nil
	},
}

func init() {
	replayCmd.Flags().StringVar(&replayFile, "file", "", "JSON array of records, as written to the record log")
	replayCmd.Flags().IntVar(&replayLimit, "limit", 0, "Replay at most this many records (0 for all)")
	replayCmd.Flags().BoolVar(&replayDryRun, "dry-run", false, "Print the formatted posts instead of sending them")
}
