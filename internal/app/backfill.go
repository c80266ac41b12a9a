package app

import (
	"context"
	"errors"

	"signalrelay/internal/message"
)

const backfillBatchSize = 500

// Backfill copies the durable record log into Postgres. Existing rows win.
func (a *App) Backfill(ctx context.Context, opts BackfillOptions) error {
	records, err := a.newFingerprintStore(nil).Records()
	if err != nil {
		return err
	}

	t := a.newTransformer()
	signals := make([]message.CanonicalSignal, 0, len(records))
	for _, rec := range records {
		if opts.From != nil && rec.ObservedAt.Before(*opts.From) {
			continue
		}
		if opts.To != nil && !rec.ObservedAt.Before(*opts.To) {
			continue
		}
		signals = append(signals, t.Transform(rec))
	}
	if len(signals) == 0 {
		a.Logger.Info().Str("path", a.Config.State.LogPath).Msg("nothing to backfill")
		return nil
	}

	if opts.DryRun {
		a.Logger.Warn().Int("records", len(signals)).Msg("backfill dry-run: nothing written")
		return nil
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database.dsn not configured; cannot backfill")
	}
	defer closeStore()

	var inserted int64
	for start := 0; start < len(signals); start += backfillBatchSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(start+backfillBatchSize, len(signals))
		n, err := store.InsertSignals(ctx, signals[start:end])
		inserted += n
		if err != nil {
			a.Logger.Error().Err(err).Int("offset", start).Int64("inserted", inserted).Msg("backfill batch failed")
			return err
		}
	}

	a.Logger.Info().Int("records", len(signals)).Int64("inserted", inserted).Int("skipped", len(signals)-int(inserted)).Msg("backfill complete")
	return nil
}
