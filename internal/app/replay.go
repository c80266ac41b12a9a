package app

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"signalrelay/internal/message"
	"signalrelay/internal/transform"
)

// ReplaySummary counts the outcome of a replay run.
type ReplaySummary struct {
	Posted int
	Failed int
}

// Replay re-posts an exported record file to the destination in archive
// format, pausing periodically to stay under rate limits.
func (a *App) Replay(ctx context.Context, opts ReplayOptions) (ReplaySummary, error) {
	records, err := readRecordFile(opts.File)
	if err != nil {
		return ReplaySummary{}, err
	}
	if opts.Limit > 0 && len(records) > opts.Limit {
		records = records[:opts.Limit]
	}

	if opts.DryRun {
		for _, rec := range records {
			fmt.Fprintln(os.Stdout, transform.FormatArchived(rec))
			fmt.Fprintln(os.Stdout)
		}
		return ReplaySummary{}, nil
	}

	engine, err := a.newEngine()
	if err != nil {
		return ReplaySummary{}, err
	}

	cfg := a.Config.Replay
	var summary ReplaySummary
	a.Logger.Info().Int("records", len(records)).Str("file", opts.File).Msg("starting replay")
	for i, rec := range records {
		res := engine.Send(ctx, rec.ID, transform.FormatArchived(rec))
		if res.Delivered {
			summary.Posted++
		} else {
			summary.Failed++
			a.Logger.Error().Err(res.Err).Str("message_id", rec.ID).Int("index", i+1).Msg("replay post failed")
		}

		if i == len(records)-1 {
			break
		}
		wait := cfg.Delay
		if cfg.PauseEvery > 0 && (i+1)%cfg.PauseEvery == 0 {
			a.Logger.Info().Int("posted", i+1).Dur("pause", cfg.Pause).Msg("pausing replay")
			wait = cfg.Pause
		}
		if err := pause(ctx, wait); err != nil {
			return summary, err
		}
	}

	a.Logger.Info().Int("posted", summary.Posted).Int("failed", summary.Failed).Msg("replay complete")
	return summary, nil
}

func readRecordFile(path string) ([]message.ProcessedRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read replay file: %w", err)
	}
	var records []message.ProcessedRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("decode replay file: %w", err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%s: %w", path, errNoRecords)
	}
	return records, nil
}

func pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
