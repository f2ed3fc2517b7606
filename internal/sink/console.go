package sink

import (
	"context"
	"io"

	"github.com/rs/zerolog"

	"github.com/tinytelemetry/dogd/internal/broadcast"
)

// Console writes records to an interactive stream, normally stdout.
type Console struct {
	w      io.Writer
	logger zerolog.Logger
}

// NewConsole returns a console sink writing to w.
func NewConsole(w io.Writer, logger zerolog.Logger) *Console {
	return &Console{
		w:      w,
		logger: logger.With().Str("component", "sink").Str("sink", "console").Logger(),
	}
}

// Run drains sub until it ends, ctx is done or a write fails.
func (c *Console) Run(ctx context.Context, sub *broadcast.Subscription) error {
	return drain(ctx, sub, c.logger, func(text string) error {
		_, err := io.WriteString(c.w, text)
		return err
	})
}
