// Package sink holds the daemon's static consumers: the console view and the
// persisted log file. Each drains one hub subscription and writes records
// verbatim.
package sink

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/tinytelemetry/dogd/internal/broadcast"
)

// drain feeds records from sub to write until the subscription ends or a
// write fails. A cancelled context or a closed hub ends it cleanly; anything
// else is returned. On a write error the subscription is dropped.
func drain(ctx context.Context, sub *broadcast.Subscription, logger zerolog.Logger, write func(string) error) error {
	defer sub.Close()

	for {
		text, err := sub.Recv(ctx)
		if err != nil {
			if errors.Is(err, broadcast.ErrClosed) || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		if err := write(text); err != nil {
			logger.Warn().Err(err).Msg("write failed, sink stopped")
			return fmt.Errorf("sink: write: %w", err)
		}
	}
}
