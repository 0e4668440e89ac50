package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-proctor/internal/checkpoint"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/metrics"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/remote"
	ws "github.com/stemsi/exstem-proctor/internal/websocket"
)

// Coordinator performs the one final submission of an attempt, whichever
// of the user, the clock or the health channel asks first.
type Coordinator struct {
	c *Controller
}

func newCoordinator(c *Controller) *Coordinator {
	return &Coordinator{c: c}
}

// Submit stops all background work, sends the frozen answer set and, on
// success, makes the session terminal. Concurrent and repeated calls fail
// fast with ErrSubmitInFlight or ErrAlreadySubmitted without touching the
// network. A failed submission leaves the session in StateSubmitFailed,
// from which Submit may be retried.
func (k *Coordinator) Submit(ctx context.Context, trigger Trigger) (*model.SubmitResult, error) {
	c := k.c

	c.mu.Lock()
	switch c.state {
	case StateTerminal:
		c.mu.Unlock()
		return nil, ErrAlreadySubmitted
	case StateSubmitting:
		c.mu.Unlock()
		return nil, ErrSubmitInFlight
	case StateActive, StateSubmitFailed:
	default:
		state := c.state
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotActive, state)
	}
	retry := c.state == StateSubmitFailed
	c.state = StateSubmitting
	c.trigger = trigger
	log := c.log.With().
		Str("component", config.TaskKey.Submitter).
		Str("trigger", string(trigger)).
		Bool("retry", retry).
		Logger()
	c.mu.Unlock()

	log.Info().Msg("Submitting attempt")
	c.publish(ws.EventState, StateSubmitting)

	// Every loop has exited once this returns, so the ledger is frozen.
	c.stopBackground()

	c.mu.Lock()
	attempt := c.attempt
	items := c.ledger.Responses()
	remaining := c.clock.Remaining()
	timeout := c.tuning.SubmitTimeout
	c.mu.Unlock()

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	res, err := c.backend.Submit(sctx, attempt.ID, items)
	if errors.Is(err, remote.ErrAlreadySubmitted) {
		log.Warn().Msg("Backend reports the attempt already submitted")
		err = nil
	}
	if err != nil {
		return nil, k.fail(log, trigger, attempt, items, remaining, err)
	}

	c.mu.Lock()
	c.state = StateTerminal
	c.attempt.Terminal = true
	c.result = res
	c.submitErr = nil
	cancelRun := c.cancel
	c.mu.Unlock()
	if cancelRun != nil {
		cancelRun()
	}

	if err := c.store.Delete(context.WithoutCancel(ctx), attempt.ID); err != nil {
		log.Warn().Err(err).Msg("Checkpoint cleanup failed")
	}

	metrics.SubmissionsTotal.WithLabelValues(string(trigger), metrics.ResultOK).Inc()
	ev := log.Info().Int("responses", len(items))
	if res != nil {
		ev = ev.Float64("score", res.Score)
	}
	ev.Msg("Attempt submitted")
	c.publish(ws.EventSubmitted, res)
	return res, nil
}

// fail checkpoints the frozen answers so nothing is lost if the agent exits
// before a retry succeeds.
func (k *Coordinator) fail(log zerolog.Logger, trigger Trigger, attempt model.ExamAttempt, items []model.ResponseItem, remaining int, cause error) error {
	c := k.c

	cp := &checkpoint.Checkpoint{
		AttemptID:        attempt.ID,
		ExamID:           attempt.ExamID,
		Responses:        items,
		RemainingSeconds: remaining,
		SavedAt:          time.Now().UTC(),
	}
	if err := c.store.Save(context.Background(), cp); err != nil {
		log.Error().Err(err).Msg("Checkpoint after failed submission not written")
	}

	c.mu.Lock()
	c.state = StateSubmitFailed
	c.submitErr = cause
	c.mu.Unlock()

	metrics.SubmissionsTotal.WithLabelValues(string(trigger), metrics.ResultError).Inc()
	log.Error().Err(cause).Msg("Submission failed")
	c.publish(ws.EventSubmitFailed, cause.Error())
	return fmt.Errorf("%w: %w", ErrSubmissionFailed, cause)
}
