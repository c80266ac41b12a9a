package source

import (
	"context"
	"errors"

	"signalrelay/internal/message"
)

// ErrUnavailable marks source failures that retrying will not fix, such as
// revoked credentials or a deleted channel.
var ErrUnavailable = errors.New("source unavailable")

// Location names the server and channel a source is reading.
type Location struct {
	Server  string
	Channel string
}

// Source yields snapshots of the watched channel.
type Source interface {
	Poll(ctx context.Context) ([]message.RawMessage, error)
	CurrentLocation(ctx context.Context) (Location, error)
}
