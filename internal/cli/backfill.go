package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"signalrelay/internal/app"
)

var (
	backfillFrom   string
	backfillTo     string
	backfillDryRun bool
)

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Copy the durable record log into Postgres",
	RunE: func(cmd *cobra.Command, args []string) error {
		from, to, err := parseWindow(backfillFrom, backfillTo)
		if err != nil {
			return err
		}

		return getApp().Backfill(cmd.Context(), app.BackfillOptions{
			From:   from,
			To:     to,
			DryRun: backfillDryRun,
		})
	},
}

func init() {
	backfillCmd.Flags().StringVar(&backfillFrom, "from", "", "Only records observed at or after this time (RFC3339)")
	backfillCmd.Flags().StringVar(&backfillTo, "to", "", "Only records observed before this time (RFC3339)")
	backfillCmd.Flags().BoolVar(&backfillDryRun, "dry-run", false, "Count records without writing to storage")
}

// parseWindow parses optional RFC3339 bounds and checks their order.
func parseWindow(fromStr, toStr string) (*time.Time, *time.Time, error) {
	var from, to *time.Time
	if fromStr != "" {
		t, err := time.Parse(time.RFC3339, fromStr)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid --from value: %w", err)
		}
		from = &t
	}
	if toStr != "" {
		t, err := time.Parse(time.RFC3339, toStr)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid --to value: %w", err)
		}
		to = &t
	}
	if from != nil && to != nil && !from.Before(*to) {
		return nil, nil, fmt.Errorf("--from must be before --to")
	}
	return from, to, nil
}
