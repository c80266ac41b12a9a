package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"signalrelay/internal/storage"
)

// Export renders relayed signals as CSV and/or a PNG of signals per hour.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}
	from := to.AddDate(0, 0, -30)
	if opts.From != nil {
		from = opts.From.UTC()
	}
	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	rows, err := a.rowsBetween(ctx, from, to)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		a.Logger.Info().Msg("no signals found for export window")
		return nil
	}

	downsampled := downsample(rows, opts.MaxPoints)
	a.Logger.Info().Int("total", len(rows)).Int("exported", len(downsampled)).Msg("exporting signals")

	if opts.CSVPath != "" {
		if err := writeSignalsCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeSignalsPNG(opts.PNGPath, hourlyCounts(rows)); err != nil {
			return err
		}
	}

	return nil
}

func (a *App) rowsBetween(ctx context.Context, from, to time.Time) ([]storage.SignalRow, error) {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	if store != nil {
		defer closeStore()
		return store.ListBetween(ctx, from, to)
	}

	all, err := a.logRows()
	if err != nil {
		return nil, err
	}
	return filterWindow(all, from, to), nil
}

func filterWindow(rows []storage.SignalRow, from, to time.Time) []storage.SignalRow {
	out := make([]storage.SignalRow, 0, len(rows))
	for _, row := range rows {
		if !row.ObservedAt.Before(from) && row.ObservedAt.Before(to) {
			out = append(out, row)
		}
	}
	return out
}

func downsample[T any](items []T, max int) []T {
	if max <= 0 || len(items) <= max {
		return items
	}
	if max == 1 {
		return items[:1]
	}

	result := make([]T, 0, max)
	step := float64(len(items)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(items) {
			idx = len(items) - 1
		}
		result = append(result, items[idx])
	}
	return result
}

func writeSignalsCSV(path string, rows []storage.SignalRow) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)

	header := []string{"observed_at", "message_id", "author", "raw_timestamp", "source_server", "source_channel", "ticker", "entry", "entry_price", "expiry", "strike", "delivery_status", "delivery_detail"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, row := range rows {
		entryPrice := ""
		if row.EntryPrice.Valid {
			entryPrice = row.EntryPrice.Decimal.String()
		}
		detail := ""
		if row.DeliveryDetail != nil {
			detail = *row.DeliveryDetail
		}
		record := []string{
			row.ObservedAt.UTC().Format(time.RFC3339),
			row.MessageID,
			row.Author,
			row.RawTimestamp,
			row.SourceServer,
			row.SourceChannel,
			row.Ticker,
			row.Entry,
			entryPrice,
			row.Expiry,
			row.Strike,
			string(row.DeliveryStatus),
			detail,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

type hourCount struct {
	Hour  time.Time
	Count int
}

// hourlyCounts buckets rows by observation hour, filling empty hours with
// zero. At least two buckets are returned so the chart has a non-empty x range.
func hourlyCounts(rows []storage.SignalRow) []hourCount {
	if len(rows) == 0 {
		return nil
	}
	counts := make(map[time.Time]int)
	first, last := rows[0].ObservedAt.UTC().Truncate(time.Hour), rows[0].ObservedAt.UTC().Truncate(time.Hour)
	for _, row := range rows {
		h := row.ObservedAt.UTC().Truncate(time.Hour)
		counts[h]++
		if h.Before(first) {
			first = h
		}
		if h.After(last) {
			last = h
		}
	}
	if !last.After(first) {
		last = first.Add(time.Hour)
	}

	out := make([]hourCount, 0, int(last.Sub(first)/time.Hour)+1)
	for h := first; !h.After(last); h = h.Add(time.Hour) {
		out = append(out, hourCount{Hour: h, Count: counts[h]})
	}
	return out
}

func writeSignalsPNG(path string, buckets []hourCount) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(buckets))
	y := make([]float64, len(buckets))
	peak := 0.0
	for i, b := range buckets {
		x[i] = b.Hour
		y[i] = float64(b.Count)
		peak = math.Max(peak, y[i])
	}

	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeHourValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:  "Signals per hour",
			Range: &chart.ContinuousRange{Min: 0, Max: peak + 1},
			ValueFormatter: func(v interface{}) string {
				return chart.FloatValueFormatterWithFormat(v, "%.0f")
			},
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Relayed signals",
				XValues: x,
				YValues: y,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
