package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"signalrelay/internal/storage"
)

// Show prints the most recently relayed signals.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	rows, err := a.recentRows(ctx, opts.Limit)
	if err != nil {
		return err
	}
	return writeRowsTable(os.Stdout, rows)
}

// recentRows reads from Postgres when configured and from the record log otherwise.
func (a *App) recentRows(ctx context.Context, limit int) ([]storage.SignalRow, error) {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	if store != nil {
		defer closeStore()
		return store.ListRecent(ctx, limit)
	}

	rows, err := a.logRows()
	if err != nil {
		return nil, err
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].ObservedAt.After(rows[j].ObservedAt) })
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

// logRows rebuilds rows from the durable record log. Delivery outcomes are
// not kept in the log, so every row reports pending.
func (a *App) logRows() ([]storage.SignalRow, error) {
	records, err := a.newFingerprintStore(nil).Records()
	if err != nil {
		return nil, fmt.Errorf("read record log: %w", err)
	}
	t := a.newTransformer()
	rows := make([]storage.SignalRow, 0, len(records))
	for _, rec := range records {
		rows = append(rows, storage.RowFromSignal(t.Transform(rec)))
	}
	return rows, nil
}

func writeRowsTable(out io.Writer, rows []storage.SignalRow) error {
	if len(rows) == 0 {
		fmt.Fprintln(out, "no signals found")
		return nil
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Observed (UTC)\tMessage\tAuthor\tTicker\tEntry\tExpiry\tStrike\tStatus\tDetail")

	for _, row := range rows {
		detail := ""
		if row.DeliveryDetail != nil {
			detail = sanitizeInline(*row.DeliveryDetail)
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			row.ObservedAt.UTC().Format(time.RFC3339),
			row.MessageID,
			sanitizeInline(row.Author),
			row.Ticker,
			row.Entry,
			row.Expiry,
			row.Strike,
			row.DeliveryStatus,
			detail,
		)
	}

	return writer.Flush()
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	cleaned = strings.ReplaceAll(cleaned, "\t", " ")
	return cleaned
}
