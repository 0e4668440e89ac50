// Package autosave periodically pushes the in-progress answers of a session
// to the backend and mirrors them into the local checkpoint store.
package autosave

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-proctor/internal/checkpoint"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/metrics"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/schedule"
)

// Status is the user-visible autosave indicator.
type Status string

const (
	StatusIdle   Status = "idle"
	StatusSaving Status = "saving"
	StatusSaved  Status = "saved"
	StatusError  Status = "error"
)

// How long saved and error stay visible before reverting to idle.
const (
	SavedHold = 2 * time.Second
	ErrorHold = 3 * time.Second
)

var (
	// ErrNothingToSave is returned by SaveNow when there is no active
	// attempt or the ledger is empty.
	ErrNothingToSave = errors.New("nothing to save")
	// ErrSaveInFlight is returned by SaveNow while another save runs.
	ErrSaveInFlight = errors.New("autosave already in flight")
)

// Snapshot is the state pushed by one save.
type Snapshot struct {
	AttemptID        uuid.UUID
	ExamID           uuid.UUID
	Responses        []model.ResponseItem
	RemainingSeconds int
}

// Source provides the snapshot to save. ok is false when no attempt is active.
type Source interface {
	AutosaveSnapshot() (snap Snapshot, ok bool)
}

// Pusher is the backend autosave endpoint.
type Pusher interface {
	AutoSave(ctx context.Context, attemptID uuid.UUID, items []model.ResponseItem) error
}

// Scheduler runs a save every interval. Overlapping ticks are skipped.
type Scheduler struct {
	src      Source
	push     Pusher
	store    checkpoint.Store
	interval time.Duration
	log      zerolog.Logger
	now      func() time.Time
	onStatus func(Status)

	inFlight atomic.Bool
	task     *schedule.Task

	savedHold time.Duration
	errorHold time.Duration

	mu        sync.Mutex
	status    Status
	changedAt time.Time
	lastSaved time.Time
	lastErr   error
	revert    *time.Timer
	gen       uint64
	stopped   bool
}

// New creates a stopped scheduler. store may be nil.
func New(src Source, push Pusher, store checkpoint.Store, interval time.Duration, log zerolog.Logger) *Scheduler {
	if store == nil {
		store = checkpoint.Nop{}
	}
	s := &Scheduler{
		src:       src,
		push:      push,
		store:     store,
		interval:  interval,
		log:       log.With().Str("component", config.TaskKey.Autosave).Logger(),
		now:       time.Now,
		status:    StatusIdle,
		savedHold: SavedHold,
		errorHold: ErrorHold,
	}
	s.task = schedule.NewTask(config.TaskKey.Autosave, interval, s.tick, s.log)
	return s
}

// OnStatus registers a callback invoked on every status change. It must not
// block.
func (s *Scheduler) OnStatus(fn func(Status)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onStatus = fn
}

// Start begins the periodic loop.
func (s *Scheduler) Start(ctx context.Context) error {
	return s.task.Start(ctx)
}

// Stop cancels the loop, waits for a save in progress to finish and drops
// any pending revert to idle.
func (s *Scheduler) Stop() {
	s.task.Stop()

	s.mu.Lock()
	s.stopped = true
	if s.revert != nil {
		s.revert.Stop()
		s.revert = nil
	}
	s.mu.Unlock()
}

// Running reports whether the periodic loop is alive.
func (s *Scheduler) Running() bool {
	return s.task.Running()
}

func (s *Scheduler) tick(ctx context.Context) {
	err := s.SaveNow(ctx)
	switch {
	case errors.Is(err, ErrNothingToSave), errors.Is(err, ErrSaveInFlight):
		metrics.AutosavesTotal.WithLabelValues(metrics.ResultSkipped).Inc()
	case err != nil:
		metrics.AutosavesTotal.WithLabelValues(metrics.ResultError).Inc()
	default:
		metrics.AutosavesTotal.WithLabelValues(metrics.ResultOK).Inc()
	}
}

// SaveNow performs one save synchronously.
func (s *Scheduler) SaveNow(ctx context.Context) error {
	if !s.inFlight.CompareAndSwap(false, true) {
		return ErrSaveInFlight
	}
	defer s.inFlight.Store(false)

	snap, ok := s.src.AutosaveSnapshot()
	if !ok || len(snap.Responses) == 0 {
		return ErrNothingToSave
	}

	s.setStatus(StatusSaving, nil)
	log := s.log.With().Str("attempt_id", snap.AttemptID.String()).Logger()

	s.mirror(ctx, snap, log)

	if err := s.push.AutoSave(ctx, snap.AttemptID, snap.Responses); err != nil {
		if ctx.Err() != nil {
			// Torn down mid-request.
			s.setStatus(StatusIdle, nil)
			return ctx.Err()
		}
		log.Warn().Err(err).Int("responses", len(snap.Responses)).Msg("Autosave failed")
		s.setStatus(StatusError, err)
		return err
	}

	log.Debug().Int("responses", len(snap.Responses)).Msg("Autosaved")
	s.setStatus(StatusSaved, nil)
	return nil
}

func (s *Scheduler) mirror(ctx context.Context, snap Snapshot, log zerolog.Logger) {
	err := s.store.Save(ctx, &checkpoint.Checkpoint{
		AttemptID:        snap.AttemptID,
		ExamID:           snap.ExamID,
		Responses:        snap.Responses,
		RemainingSeconds: snap.RemainingSeconds,
		SavedAt:          s.now().UTC(),
	})
	if err != nil {
		metrics.CheckpointWritesTotal.WithLabelValues(metrics.ResultError).Inc()
		log.Warn().Err(err).Msg("Checkpoint write failed")
		return
	}
	metrics.CheckpointWritesTotal.WithLabelValues(metrics.ResultOK).Inc()
}

func (s *Scheduler) setStatus(st Status, err error) {
	s.mu.Lock()
	s.status = st
	s.changedAt = s.now()
	s.lastErr = err
	if st == StatusSaved {
		s.lastSaved = s.changedAt
	}
	s.gen++
	if s.revert != nil {
		s.revert.Stop()
		s.revert = nil
	}
	if hold := s.hold(st); hold > 0 && !s.stopped {
		gen := s.gen
		s.revert = time.AfterFunc(hold, func() { s.expire(gen) })
	}
	fn := s.onStatus
	s.mu.Unlock()

	if fn != nil {
		fn(st)
	}
}

func (s *Scheduler) hold(st Status) time.Duration {
	switch st {
	case StatusSaved:
		return s.savedHold
	case StatusError:
		return s.errorHold
	}
	return 0
}

// expire publishes the revert to idle unless the status changed since the
// timer was armed.
func (s *Scheduler) expire(gen uint64) {
	s.mu.Lock()
	if gen != s.gen || s.stopped {
		s.mu.Unlock()
		return
	}
	s.status = StatusIdle
	s.changedAt = s.now()
	s.revert = nil
	fn := s.onStatus
	s.mu.Unlock()

	if fn != nil {
		fn(StatusIdle)
	}
}

// Status returns the indicator. Saved and error revert to idle after their
// hold time.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	elapsed := s.now().Sub(s.changedAt)
	switch {
	case s.status == StatusSaved && elapsed >= s.savedHold:
		return StatusIdle
	case s.status == StatusError && elapsed >= s.errorHold:
		return StatusIdle
	}
	return s.status
}

// LastSaved returns when the backend last accepted a save; zero if never.
func (s *Scheduler) LastSaved() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSaved
}

// LastError returns the error of the most recent failed save, if the latest
// save failed.
func (s *Scheduler) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}
