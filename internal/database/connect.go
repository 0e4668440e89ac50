package database

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
)

const (
	connectBaseDelay = 250 * time.Millisecond
	connectMaxDelay  = 4 * time.Second
)

// dial retries attempt with exponential backoff, at most attempts times.
func dial(ctx context.Context, store string, attempts uint64, log zerolog.Logger, attempt func(context.Context) error) error {
	backoff := retry.NewExponential(connectBaseDelay)
	backoff = retry.WithCappedDuration(connectMaxDelay, backoff)
	backoff = retry.WithMaxRetries(max(attempts, 1)-1, backoff)

	n := 0
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		n++
		if err := attempt(ctx); err != nil {
			log.Warn().Err(err).Str("store", store).Int("attempt", n).Msg("Checkpoint store not reachable")
			return retry.RetryableError(err)
		}
		return nil
	})
}
