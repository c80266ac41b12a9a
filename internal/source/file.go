package source

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"signalrelay/internal/message"
)

// FileOptions parameterise the snapshot file source.
type FileOptions struct {
	Path         string
	Limit        int
	ServerLabel  string
	ChannelLabel string
}

// File reads a JSON array of raw messages that an external renderer keeps
// rewriting, e.g. a headless browser dumping the visible channel.
type File struct {
	opts   FileOptions
	now    func() time.Time
	logger zerolog.Logger
}

// NewFile constructs a snapshot source and checks the file is reachable.
func NewFile(opts FileOptions, logger zerolog.Logger) (*File, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("%w: snapshot path not configured", ErrUnavailable)
	}
	if _, err := os.Stat(opts.Path); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return &File{
		opts:   opts,
		now:    time.Now,
		logger: logger.With().Str("component", "source_file").Str("path", opts.Path).Logger(),
	}, nil
}

// Poll returns the newest Limit entries of the snapshot in file order.
func (f *File) Poll(ctx context.Context) ([]message.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(f.opts.Path)
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}

	var msgs []message.RawMessage
	if err := json.Unmarshal(data, &msgs); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}

	if f.opts.Limit > 0 && len(msgs) > f.opts.Limit {
		msgs = msgs[len(msgs)-f.opts.Limit:]
	}
	observed := f.now().UTC()
	for i := range msgs {
		if msgs[i].ObservedAt.IsZero() {
			msgs[i].ObservedAt = observed
		}
	}
	f.logger.Debug().Int("messages", len(msgs)).Msg("read snapshot")
	return msgs, nil
}

// CurrentLocation reports the configured labels.
func (f *File) CurrentLocation(ctx context.Context) (Location, error) {
	return Location{Server: f.opts.ServerLabel, Channel: f.opts.ChannelLabel}, nil
}

var _ Source = (*File)(nil)
