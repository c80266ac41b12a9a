package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"signalrelay/internal/message"
)

// ErrEmptyContent is returned when a signal has nothing to send.
var ErrEmptyContent = errors.New("delivery: no content to send")

// Sink accepts formatted content for the destination channel.
type Sink interface {
	Name() string
	Send(ctx context.Context, content string) (accepted bool, detail string, err error)
}

// Result is the outcome of one delivery attempt.
type Result struct {
	Delivered bool
	Detail    string
	Err       error
}

// Engine performs single-attempt deliveries against a Sink.
type Engine struct {
	sink    Sink
	timeout time.Duration
	logger  zerolog.Logger
}

// NewEngine wires a sink with a per-call timeout.
func NewEngine(sink Sink, timeout time.Duration, logger zerolog.Logger) *Engine {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Engine{
		sink:    sink,
		timeout: timeout,
		logger:  logger.With().Str("component", "delivery").Str("sink", sink.Name()).Logger(),
	}
}

// Deliver sends the rendered content, or the raw content when nothing was
// rendered. It never retries.
func (e *Engine) Deliver(ctx context.Context, sig message.CanonicalSignal) Result {
	content := sig.RenderedContent
	if strings.TrimSpace(content) == "" {
		content = sig.Record.Content
	}
	return e.Send(ctx, sig.ID, content)
}

// Send delivers arbitrary content under id for logging.
func (e *Engine) Send(ctx context.Context, id, content string) Result {
	if strings.TrimSpace(content) == "" {
		return Result{Err: ErrEmptyContent}
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	accepted, detail, err := e.sink.Send(ctx, content)
	switch {
	case err != nil:
		return Result{Detail: detail, Err: fmt.Errorf("send via %s: %w", e.sink.Name(), err)}
	case !accepted:
		return Result{Detail: detail, Err: fmt.Errorf("%s rejected message: %s", e.sink.Name(), detail)}
	}

	e.logger.Debug().Str("message_id", id).Str("detail", detail).Msg("sink accepted message")
	return Result{Delivered: true, Detail: detail}
}
