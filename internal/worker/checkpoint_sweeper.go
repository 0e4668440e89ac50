package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-proctor/internal/config"
)

// Purger is a checkpoint store that can drop stale checkpoints. Stores with
// native expiry, such as Redis, do not need it.
type Purger interface {
	Purge(ctx context.Context, before time.Time) (int64, error)
}

// CheckpointSweeper periodically deletes checkpoints older than the
// retention window, so abandoned attempts do not accumulate on disk.
type CheckpointSweeper struct {
	store     Purger
	retention time.Duration
	interval  time.Duration
	now       func() time.Time
	log       zerolog.Logger
}

// NewCheckpointSweeper creates a new CheckpointSweeper.
func NewCheckpointSweeper(store Purger, retention, interval time.Duration, log zerolog.Logger) *CheckpointSweeper {
	return &CheckpointSweeper{
		store:     store,
		retention: retention,
		interval:  interval,
		now:       time.Now,
		log:       log.With().Str("component", config.TaskKey.Sweeper).Logger(),
	}
}

// Start sweeps once immediately and then every interval until ctx is
// cancelled. Call in a goroutine.
func (w *CheckpointSweeper) Start(ctx context.Context) {
	w.log.Info().Dur("retention", w.retention).Msg("Worker started")

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("Worker stopped")
			return
		case <-ticker.C:
			w.Sweep(ctx)
		}
	}
}

// Sweep runs one purge pass and returns the number of checkpoints removed.
func (w *CheckpointSweeper) Sweep(ctx context.Context) int64 {
	cutoff := w.now().Add(-w.retention)
	n, err := w.store.Purge(ctx, cutoff)
	if err != nil {
		if ctx.Err() == nil {
			w.log.Error().Err(err).Msg("Purge failed")
		}
		return 0
	}
	if n > 0 {
		w.log.Info().Int64("purged", n).Time("cutoff", cutoff).Msg("Stale checkpoints purged")
	}
	return n
}
