// Package capture samples webcam frames during an attempt, uploads them for
// analysis and turns the findings and focus changes into violations.
package capture

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/metrics"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/schedule"
)

// State of the capture service.
type State string

const (
	StateIdle     State = "idle"
	StateActive   State = "active"
	StateDegraded State = "degraded"
	StateStopped  State = "stopped"
)

// Violation sources, used as metric labels.
const (
	SourceFrame      = "frame"
	SourceVisibility = "visibility"
)

// ErrUploadInFlight is returned by CaptureNow while a previous frame is still
// being uploaded.
var ErrUploadInFlight = errors.New("frame upload in flight")

// Uploader is the backend side of frame analysis.
type Uploader interface {
	UploadFrame(ctx context.Context, attemptID uuid.UUID, jpeg []byte) (*model.DetectionResult, error)
	ReportViolation(ctx context.Context, report model.ViolationReport) error
}

// Options configure a Service.
type Options struct {
	AttemptID uuid.UUID
	Settings  model.ProctoringSettings
	MaxWidth  int
	Quality   int
}

// Hooks receive results on the service's goroutines. They must not call
// back into the Service.
type Hooks struct {
	OnViolation func(model.Violation)
	OnDetection func(model.DetectionResult)
}

// Stats are counters exposed in the session snapshot.
type Stats struct {
	FramesUploaded int `json:"frames_uploaded"`
	FramesFailed   int `json:"frames_failed"`
	FramesSkipped  int `json:"frames_skipped"`
}

// Service owns the camera for one attempt.
type Service struct {
	cam   Camera
	up    Uploader
	opts  Options
	hooks Hooks
	log   zerolog.Logger
	now   func() time.Time

	task     *schedule.Task
	inFlight atomic.Bool
	wg       sync.WaitGroup
	release  sync.Once

	mu         sync.Mutex
	state      State
	cause      error
	hidden     bool
	ctx        context.Context
	cancel     context.CancelFunc
	lastResult *model.DetectionResult
	stats      Stats
}

// NewService creates an idle service.
func NewService(cam Camera, up Uploader, opts Options, hooks Hooks, log zerolog.Logger) *Service {
	s := &Service{
		cam:   cam,
		up:    up,
		opts:  opts,
		hooks: hooks,
		log: log.With().
			Str("component", config.TaskKey.Capture).
			Str("attempt_id", opts.AttemptID.String()).
			Logger(),
		now:   time.Now,
		state: StateIdle,
	}
	s.task = schedule.NewTask(config.TaskKey.Capture, opts.Settings.FrameInterval(), s.tick, s.log).RunOnStart()
	return s
}

// Start opens the camera and, when face detection is enabled, begins
// sampling with an immediate first frame. A camera that cannot be opened
// leaves the service degraded; the exam continues and Start returns nil.
// Visibility changes are observed in every mode.
func (s *Service) Start(parent context.Context) error {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return schedule.ErrAlreadyStarted
	}
	s.ctx, s.cancel = context.WithCancel(parent)
	ctx := s.ctx
	s.mu.Unlock()

	err := s.cam.Open(ctx)

	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		if err == nil {
			s.closeCamera()
		}
		return nil
	}
	if err != nil {
		s.state = StateDegraded
		s.cause = err
		s.mu.Unlock()
		s.log.Warn().Err(err).
			Bool("permission_denied", errors.Is(err, ErrPermissionDenied)).
			Bool("no_device", errors.Is(err, ErrNoDevice)).
			Msg("Camera unavailable, proctoring degraded")
		return nil
	}
	s.state = StateActive
	s.mu.Unlock()

	if !s.opts.Settings.FaceDetectionEnabled {
		s.log.Info().Msg("Camera open, face detection off")
		return nil
	}
	if err := s.task.Start(ctx); err != nil {
		if s.State() == StateStopped {
			return nil
		}
		return err
	}
	s.log.Info().Dur("interval", s.opts.Settings.FrameInterval()).Msg("Frame capture started")
	return nil
}

func (s *Service) tick(ctx context.Context) {
	if err := s.CaptureNow(ctx); err != nil && !errors.Is(err, ErrUploadInFlight) {
		s.log.Warn().Err(err).Msg("Frame capture failed")
	}
}

// CaptureNow grabs one frame and uploads it in the background. It returns
// ErrUploadInFlight without capturing while an earlier upload runs.
func (s *Service) CaptureNow(ctx context.Context) error {
	if !s.inFlight.CompareAndSwap(false, true) {
		s.count(func(st *Stats) { st.FramesSkipped++ })
		metrics.FramesTotal.WithLabelValues(metrics.ResultSkipped).Inc()
		return ErrUploadInFlight
	}

	img, err := s.cam.Frame(ctx)
	if err == nil {
		var jpeg []byte
		jpeg, err = EncodeJPEG(img, s.opts.MaxWidth, s.opts.Quality)
		if err == nil {
			if !s.track() {
				s.inFlight.Store(false)
				return ErrDeviceClosed
			}
			go s.upload(ctx, jpeg)
			return nil
		}
	}

	s.inFlight.Store(false)
	s.count(func(st *Stats) { st.FramesFailed++ })
	metrics.FramesTotal.WithLabelValues(metrics.ResultError).Inc()
	return err
}

func (s *Service) upload(ctx context.Context, jpeg []byte) {
	defer s.wg.Done()
	defer s.inFlight.Store(false)

	start := time.Now()
	res, err := s.up.UploadFrame(ctx, s.opts.AttemptID, jpeg)
	metrics.FrameUploadSeconds.Observe(time.Since(start).Seconds())
	if err != nil {
		s.count(func(st *Stats) { st.FramesFailed++ })
		metrics.FramesTotal.WithLabelValues(metrics.ResultError).Inc()
		if ctx.Err() == nil {
			s.log.Warn().Err(err).Int("bytes", len(jpeg)).Msg("Frame upload failed")
		}
		return
	}
	metrics.FramesTotal.WithLabelValues(metrics.ResultOK).Inc()

	s.mu.Lock()
	r := *res
	s.lastResult = &r
	s.stats.FramesUploaded++
	s.mu.Unlock()

	if s.hooks.OnDetection != nil {
		s.hooks.OnDetection(r)
	}

	for _, v := range res.Flags {
		if !s.watches(v.Type) {
			continue
		}
		if v.Timestamp.IsZero() {
			v.Timestamp = s.now().UTC()
		}
		s.raise(ctx, v, SourceFrame)
	}
}

// watches reports whether the exam's settings enable a flag type. Types the
// settings know nothing about are always reported.
func (s *Service) watches(flag string) bool {
	st := s.opts.Settings
	switch flag {
	case model.FlagNoFace:
		return st.FaceDetectionEnabled
	case model.FlagMultipleFaces:
		return st.MultipleFaceDetection
	case model.FlagLookingAway:
		return st.HeadPoseDetection
	case model.FlagTabSwitch:
		return st.TabSwitchDetection
	}
	return true
}

// ObserveVisibility records a focus change of the exam window. Every
// visible to hidden transition is a high-severity tab_switch violation.
func (s *Service) ObserveVisibility(hidden bool) {
	s.mu.Lock()
	was := s.hidden
	s.hidden = hidden
	ctx := s.ctx
	live := s.state == StateActive || s.state == StateDegraded
	s.mu.Unlock()

	if !hidden || was || !live || !s.opts.Settings.TabSwitchDetection {
		return
	}

	s.raise(ctx, model.Violation{
		Type:      model.FlagTabSwitch,
		Severity:  model.SeverityHigh,
		Message:   "Exam window lost focus",
		Timestamp: s.now().UTC(),
	}, SourceVisibility)
}

// raise relays a violation to the session and reports it to the backend.
func (s *Service) raise(ctx context.Context, v model.Violation, source string) {
	if !s.track() {
		return
	}
	metrics.ViolationsTotal.WithLabelValues(v.Type, source).Inc()
	if s.hooks.OnViolation != nil {
		s.hooks.OnViolation(v)
	}

	report := model.ViolationReport{
		AttemptID: s.opts.AttemptID,
		EventType: v.Type,
		Flags:     []model.Violation{v},
		Timestamp: v.Timestamp,
	}
	go func() {
		defer s.wg.Done()
		if err := s.up.ReportViolation(ctx, report); err != nil && ctx.Err() == nil {
			s.log.Warn().Err(err).Str("type", v.Type).Msg("Violation report failed")
		}
	}()
}

// track registers background work unless the service has stopped.
func (s *Service) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateStopped {
		return false
	}
	s.wg.Add(1)
	return true
}

func (s *Service) count(fn func(*Stats)) {
	s.mu.Lock()
	fn(&s.stats)
	s.mu.Unlock()
}

// Stop cancels sampling, waits for uploads and reports in progress, and
// releases the camera exactly once. Safe to call multiple times.
func (s *Service) Stop() {
	s.task.Stop()

	s.mu.Lock()
	cancel := s.cancel
	opened := s.state == StateActive
	s.state = StateStopped
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()

	if opened {
		s.closeCamera()
	}
}

func (s *Service) closeCamera() {
	s.release.Do(func() {
		if err := s.cam.Close(); err != nil {
			s.log.Warn().Err(err).Msg("Camera release failed")
		}
		s.log.Info().Msg("Camera released")
	})
}

// State returns the service state.
func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Available reports whether the camera is open.
func (s *Service) Available() bool {
	return s.State() == StateActive
}

// Cause returns the camera error that degraded the service, if any.
func (s *Service) Cause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cause
}

// LastDetection returns the most recent frame analysis.
func (s *Service) LastDetection() (model.DetectionResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastResult == nil {
		return model.DetectionResult{}, false
	}
	return *s.lastResult, true
}

// Stats returns the frame counters.
func (s *Service) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}
