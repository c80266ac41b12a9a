package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"signalrelay/internal/message"
)

// Simulate runs content through the classifier, freshness filter and
// transformer, prints the outcome and optionally sends the rendered result.
func (a *App) Simulate(ctx context.Context, opts SimulateOptions) error {
	if opts.Content == "" {
		return errors.New("content must not be empty")
	}
	freshness, err := a.newFreshness()
	if err != nil {
		return err
	}

	now := time.Now()
	timestamp := opts.Timestamp
	if timestamp == "" {
		timestamp = "Just now"
	}

	cls := a.newClassifier().Classify(opts.Content)
	verdict := freshness.Evaluate(timestamp, now)
	rec := message.NewProcessedRecord(message.RawMessage{
		ID:         fmt.Sprintf("simulated-%d", now.UnixNano()),
		Content:    opts.Content,
		Author:     "simulate",
		Timestamp:  timestamp,
		ObservedAt: now.UTC(),
	}, a.Config.Source.ServerLabel, a.Config.Source.ChannelLabel)
	sig := a.newTransformer().Transform(rec)

	printSimulation(os.Stdout, cls.Signal, cls.Reason, verdict.Fresh, verdict.Rule, sig)

	if !opts.Send {
		return nil
	}
	if !cls.Signal || !verdict.Fresh {
		return errors.New("message would be dropped by the relay; not sending")
	}
	engine, err := a.newEngine()
	if err != nil {
		return err
	}
	res := engine.Deliver(ctx, sig)
	if !res.Delivered {
		return res.Err
	}
	a.Logger.Info().Str("detail", res.Detail).Msg("simulated signal delivered")
	return nil
}

func printSimulation(out io.Writer, signal bool, reason string, fresh bool, rule string, sig message.CanonicalSignal) {
	if signal {
		fmt.Fprintln(out, "classifier: signal")
	} else {
		fmt.Fprintf(out, "classifier: dropped (%s)\n", reason)
	}
	fmt.Fprintf(out, "freshness:  fresh=%t rule=%s\n", fresh, rule)
	for _, key := range message.FieldKeys {
		fmt.Fprintf(out, "%-7s %q\n", key+":", sig.Field(key))
	}
	if sig.EntryPrice.Valid {
		fmt.Fprintf(out, "entry price: %s\n", sig.EntryPrice.Decimal.String())
	}
	fmt.Fprintln(out, "---")
	fmt.Fprintln(out, sig.RenderedContent)
}
