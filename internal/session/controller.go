package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-proctor/internal/autosave"
	"github.com/stemsi/exstem-proctor/internal/capture"
	"github.com/stemsi/exstem-proctor/internal/checkpoint"
	"github.com/stemsi/exstem-proctor/internal/clock"
	"github.com/stemsi/exstem-proctor/internal/health"
	"github.com/stemsi/exstem-proctor/internal/ledger"
	"github.com/stemsi/exstem-proctor/internal/model"
	ws "github.com/stemsi/exstem-proctor/internal/websocket"
)

// Deps are the collaborators of a Controller.
type Deps struct {
	Backend Backend
	// Camera may be nil, which degrades proctoring.
	Camera capture.Camera
	// Store may be nil, which disables local checkpoints.
	Store  checkpoint.Store
	Sink   EventSink
	Log    zerolog.Logger
	Tuning Tuning
}

// Controller is the single owner of an attempt's state. Its mutex is the
// only writer lock around the ledger, the cursor, the state and the
// violation window.
type Controller struct {
	backend Backend
	camera  capture.Camera
	store   checkpoint.Store
	sink    EventSink
	tuning  Tuning
	baseLog zerolog.Logger
	log     zerolog.Logger
	coord   *Coordinator

	mu         sync.Mutex
	state      State
	params     InitParams
	attempt    model.ExamAttempt
	ledger     *ledger.Ledger
	cursor     int
	violations []model.Violation
	result     *model.SubmitResult
	submitErr  error
	trigger    Trigger

	ctx      context.Context
	cancel   context.CancelFunc
	clock    *clock.Clock
	autosave *autosave.Scheduler
	capture  *capture.Service
	channel  *health.Channel
}

// New creates an uninitialised controller.
func New(deps Deps) *Controller {
	t := deps.Tuning
	def := DefaultTuning()
	if t.ClockTick <= 0 {
		t.ClockTick = def.ClockTick
	}
	if t.AutosaveInterval <= 0 {
		t.AutosaveInterval = def.AutosaveInterval
	}
	if t.SubmitTimeout <= 0 {
		t.SubmitTimeout = def.SubmitTimeout
	}
	if t.ViolationWindow <= 0 {
		t.ViolationWindow = def.ViolationWindow
	}

	store := deps.Store
	if store == nil {
		store = checkpoint.Nop{}
	}
	cam := deps.Camera
	if cam == nil {
		cam = capture.NoCamera{}
	}
	sink := deps.Sink
	if sink == nil {
		sink = discard{}
	}

	c := &Controller{
		backend: deps.Backend,
		camera:  cam,
		store:   store,
		sink:    sink,
		tuning:  t,
		baseLog: deps.Log,
		log:     deps.Log.With().Str("component", "session").Logger(),
		state:   StateUninitialized,
	}
	c.coord = newCoordinator(c)
	return c
}

func validate(p InitParams) error {
	switch {
	case p.ExamID == uuid.Nil:
		return fmt.Errorf("%w: missing exam id", ErrInvalidInit)
	case p.AttemptID == uuid.Nil:
		return fmt.Errorf("%w: missing attempt id", ErrInvalidInit)
	case len(p.Questions) == 0:
		return fmt.Errorf("%w: exam has no questions", ErrInvalidInit)
	case p.DurationSeconds <= 0:
		return fmt.Errorf("%w: duration must be positive, got %d seconds", ErrInvalidInit, p.DurationSeconds)
	}
	seen := make(map[uuid.UUID]bool, len(p.Questions))
	for _, q := range p.Questions {
		if seen[q.ID] {
			return fmt.Errorf("%w: duplicate question %s", ErrInvalidInit, q.ID)
		}
		seen[q.ID] = true
		if len(q.Options) == 0 {
			return fmt.Errorf("%w: question %s has no options", ErrInvalidInit, q.ID)
		}
	}
	return nil
}

// InitExam seeds the ledger and starts the countdown, autosave and the health
// channel. Frame capture runs only when the exam enables the camera. Background work
// outlives ctx; it ends on submission or Close.
func (c *Controller) InitExam(ctx context.Context, p InitParams) error {
	if err := validate(p); err != nil {
		return err
	}

	l := ledger.New(p.Questions)
	if len(p.Restore) > 0 {
		if err := l.Restore(p.Restore); err != nil {
			return fmt.Errorf("%w: restore answers: %v", ErrInvalidInit, err)
		}
	}
	_ = l.Visit(p.Questions[0].ID)

	c.mu.Lock()
	if c.state != StateUninitialized {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.params = p
	c.ledger = l
	c.cursor = 0
	c.attempt = model.ExamAttempt{ID: p.AttemptID, ExamID: p.ExamID, RemainingSeconds: p.DurationSeconds}
	c.log = c.baseLog.With().
		Str("component", "session").
		Str("attempt_id", p.AttemptID.String()).
		Logger()
	c.ctx, c.cancel = context.WithCancel(context.WithoutCancel(ctx))

	c.clock = clock.New(p.DurationSeconds, c.onExpired, c.log).WithInterval(c.tuning.ClockTick)
	c.autosave = autosave.New(c, c.backend, c.store, c.tuning.AutosaveInterval, c.log)
	c.autosave.OnStatus(c.onAutosaveStatus)

	if p.Settings.ProctoringEnabled() {
		c.capture = capture.NewService(c.camera, c.backend, capture.Options{
			AttemptID: p.AttemptID,
			Settings:  p.Settings,
			MaxWidth:  c.tuning.FrameMaxWidth,
			Quality:   c.tuning.FrameQuality,
		}, capture.Hooks{
			OnViolation: c.onViolation,
			OnDetection: c.onDetection,
		}, c.log)
	}

	url, err := c.backend.ChannelURL(p.AttemptID)
	if err != nil {
		c.mu.Unlock()
		c.teardown()
		return fmt.Errorf("%w: %v", ErrInvalidInit, err)
	}
	c.channel = health.New(health.Options{
		URL:              url,
		Header:           c.backend.AuthHeader(),
		InitialHealth:    p.Settings.InitialHealth,
		WarningThreshold: p.Settings.HealthWarningThreshold,
		ReconnectDelay:   c.tuning.ReconnectDelay,
		PingInterval:     c.tuning.PingInterval,
		Window:           c.tuning.ViolationWindow,
	}, health.Hooks{
		OnHealth:    c.onHealth,
		OnWarning:   c.onWarning,
		OnZero:      c.onHealthZero,
		OnViolation: c.onViolation,
		OnState:     c.onChannelState,
	}, c.log)
	c.state = StateActive
	runCtx := c.ctx
	c.mu.Unlock()

	if err := c.start(runCtx); err != nil {
		c.teardown()
		c.mu.Lock()
		c.state = StateClosed
		c.mu.Unlock()
		return err
	}

	c.log.Info().
		Str("exam_id", p.ExamID.String()).
		Int("questions", len(p.Questions)).
		Int("duration_seconds", p.DurationSeconds).
		Bool("camera", p.Settings.ProctoringEnabled()).
		Bool("restored", len(p.Restore) > 0).
		Msg("Session started")
	c.publish(ws.EventSnapshot, c.Snapshot())
	return nil
}

func (c *Controller) start(ctx context.Context) error {
	if err := c.clock.Start(ctx); err != nil {
		return fmt.Errorf("start clock: %w", err)
	}
	if err := c.autosave.Start(ctx); err != nil {
		return fmt.Errorf("start autosave: %w", err)
	}
	if c.capture != nil {
		if err := c.capture.Start(ctx); err != nil {
			return fmt.Errorf("start capture: %w", err)
		}
	}
	if c.channel != nil {
		if err := c.channel.Start(ctx); err != nil {
			return fmt.Errorf("start health channel: %w", err)
		}
	}
	return nil
}

// stopBackground stops every background task and waits for each loop to
// exit. It must be called without c.mu held. Idempotent.
func (c *Controller) stopBackground() {
	c.mu.Lock()
	clk, as, cp, ch := c.clock, c.autosave, c.capture, c.channel
	c.mu.Unlock()

	if clk != nil {
		clk.Stop()
	}
	if as != nil {
		as.Stop()
	}
	if cp != nil {
		cp.Stop()
	}
	if ch != nil {
		ch.Close()
	}
}

func (c *Controller) teardown() {
	c.stopBackground()
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Close tears the session down without submitting. A later process can
// resume from the last checkpoint.
func (c *Controller) Close() {
	c.teardown()

	c.mu.Lock()
	prev := c.state
	if c.state != StateTerminal {
		c.state = StateClosed
	}
	c.mu.Unlock()

	if prev != StateClosed && prev != StateTerminal && prev != StateUninitialized {
		c.log.Info().Str("from", string(prev)).Msg("Session closed")
		c.publish(ws.EventState, StateClosed)
	}
}

// ─── Commands ───────────────────────────────────────────────────────

// mutate runs fn against the ledger while the session is active. Ledger
// errors mean the shell referenced a question or option that does not
// exist; they are logged and returned unchanged.
func (c *Controller) mutate(op string, fn func(l *ledger.Ledger) error) error {
	c.mu.Lock()
	if c.state != StateActive {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotActive, state)
	}
	err := fn(c.ledger)
	c.mu.Unlock()

	if err != nil {
		c.log.Warn().Err(err).Str("op", op).Msg("Rejected answer command")
	}
	return err
}

// Select records an option choice for a question.
func (c *Controller) Select(questionID uuid.UUID, ordinal int) error {
	return c.mutate("select", func(l *ledger.Ledger) error {
		return l.Select(questionID, ordinal)
	})
}

// ToggleReview flips the review mark of a question.
func (c *Controller) ToggleReview(questionID uuid.UUID) error {
	return c.mutate("toggle_review", func(l *ledger.Ledger) error {
		return l.ToggleReview(questionID)
	})
}

// Next moves to the following question, clamped to the last.
func (c *Controller) Next() (int, error) {
	return c.move(func(cur int) int { return cur + 1 })
}

// Previous moves to the preceding question, clamped to the first.
func (c *Controller) Previous() (int, error) {
	return c.move(func(cur int) int { return cur - 1 })
}

// GoTo jumps to question i, clamped to the valid range.
func (c *Controller) GoTo(i int) (int, error) {
	return c.move(func(int) int { return i })
}

func (c *Controller) move(next func(cur int) int) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateActive {
		return c.cursor, fmt.Errorf("%w: %s", ErrNotActive, c.state)
	}

	i := next(c.cursor)
	if i < 0 {
		i = 0
	}
	if n := c.ledger.Len(); i > n-1 {
		i = n - 1
	}
	c.cursor = i
	q, _ := c.ledger.Question(i)
	_ = c.ledger.Visit(q.ID)
	return i, nil
}

// ObserveVisibility forwards a focus change of the exam window.
func (c *Controller) ObserveVisibility(hidden bool) error {
	c.mu.Lock()
	state, cp := c.state, c.capture
	c.mu.Unlock()
	if state != StateActive {
		return fmt.Errorf("%w: %s", ErrNotActive, state)
	}
	if cp != nil {
		cp.ObserveVisibility(hidden)
	}
	return nil
}

// Submit is the candidate's confirmed submission.
func (c *Controller) Submit(ctx context.Context) (*model.SubmitResult, error) {
	return c.coord.Submit(ctx, TriggerUser)
}

// ─── Background hooks ───────────────────────────────────────────────

func (c *Controller) onExpired() {
	if _, err := c.coord.Submit(context.Background(), TriggerTimeout); err != nil && !errors.Is(err, ErrAlreadySubmitted) && !errors.Is(err, ErrSubmitInFlight) {
		c.log.Error().Err(err).Msg("Submission on timeout failed")
	}
}

func (c *Controller) onHealthZero(model.HealthStatus) {
	c.mu.Lock()
	auto := c.params.Settings.AutoSubmitOnZeroHealth
	c.mu.Unlock()
	if !auto {
		return
	}
	if _, err := c.coord.Submit(context.Background(), TriggerHealth); err != nil && !errors.Is(err, ErrAlreadySubmitted) && !errors.Is(err, ErrSubmitInFlight) {
		c.log.Error().Err(err).Msg("Submission on zero health failed")
	}
}

func (c *Controller) onViolation(v model.Violation) {
	c.mu.Lock()
	if c.state == StateTerminal || c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.violations = append([]model.Violation{v}, c.violations...)
	if len(c.violations) > c.tuning.ViolationWindow {
		c.violations = c.violations[:c.tuning.ViolationWindow]
	}
	c.mu.Unlock()
	c.publish(ws.EventViolation, v)
}

func (c *Controller) onDetection(d model.DetectionResult) {
	c.publish(ws.EventDetection, d)
}

func (c *Controller) onHealth(h model.HealthStatus) {
	c.publish(ws.EventHealth, h)
}

func (c *Controller) onWarning(h model.HealthStatus) {
	c.publish(ws.EventHealthWarning, h)
}

func (c *Controller) onChannelState(s health.State) {
	c.publish(ws.EventConnection, s)
}

func (c *Controller) onAutosaveStatus(s autosave.Status) {
	c.publish(ws.EventAutosave, s)
}

func (c *Controller) publish(ev ws.Event, data interface{}) {
	c.mu.Lock()
	id := c.attempt.ID
	c.mu.Unlock()
	c.sink.Publish(ws.EventEnvelope{
		Event:     ev,
		AttemptID: id,
		Data:      data,
		Timestamp: time.Now().UTC(),
	})
}

// AutosaveSnapshot implements autosave.Source.
func (c *Controller) AutosaveSnapshot() (autosave.Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateActive {
		return autosave.Snapshot{}, false
	}
	return autosave.Snapshot{
		AttemptID:        c.attempt.ID,
		ExamID:           c.attempt.ExamID,
		Responses:        c.ledger.Responses(),
		RemainingSeconds: c.clock.Remaining(),
	}, true
}
