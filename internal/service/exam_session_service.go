package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/capture"
	"github.com/stemsi/exstem-proctor/internal/checkpoint"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/remote"
	"github.com/stemsi/exstem-proctor/internal/session"
)

var (
	ErrNoSession          = errors.New("no exam session")
	ErrSessionInProgress  = errors.New("an exam session is already running")
	ErrNoResumableAttempt = errors.New("attempt in progress on the backend but no local checkpoint to resume")
	ErrNotSubmitted       = errors.New("attempt not submitted yet")
	ErrNotLoggedIn        = errors.New("no backend token, run the login command first")
)

// Where a session's proctoring settings came from.
const (
	SettingsBackend = "backend"
	SettingsDefault = "default"
)

// ExamBackend is the remote API the session service drives.
type ExamBackend interface {
	session.Backend
	GetExam(ctx context.Context, examID uuid.UUID) (*model.Exam, error)
	GetQuestions(ctx context.Context, examID uuid.UUID) ([]model.Question, error)
	GetProctoringSettings(ctx context.Context, examID uuid.UUID) (*model.ProctoringSettings, error)
	StartAttempt(ctx context.Context, examID uuid.UUID) (*model.Attempt, error)
	GetResults(ctx context.Context, attemptID uuid.UUID) (*model.AttemptResult, error)
	Token() string
	SetToken(token string)
}

// CameraFactory opens a fresh camera handle for each session.
type CameraFactory func() capture.Camera

// StartResult describes a session that was just started or resumed.
type StartResult struct {
	Session        session.Snapshot `json:"session"`
	Resumed        bool             `json:"resumed"`
	SettingsSource string           `json:"settings_source"`
}

// ExamSessionOptions configure an ExamSessionService.
type ExamSessionOptions struct {
	Store  checkpoint.Store
	Camera CameraFactory
	// Fallback settings apply when the backend does not serve any.
	Fallback    model.ProctoringSettings
	Tuning      session.Tuning
	Sink        session.EventSink
	TokenMargin time.Duration
	// TokenFile, when set, is re-read before every start so a login made
	// while the agent runs takes effect without a restart.
	TokenFile string
}

// ExamSessionService runs at most one exam session at a time: it fetches the
// exam, starts or resumes the attempt and owns the resulting controller.
type ExamSessionService struct {
	backend ExamBackend
	opts    ExamSessionOptions
	now     func() time.Time
	log     zerolog.Logger

	mu       sync.Mutex
	current  *session.Controller
	starting bool
}

// NewExamSessionService creates a new ExamSessionService.
func NewExamSessionService(backend ExamBackend, opts ExamSessionOptions, log zerolog.Logger) *ExamSessionService {
	if opts.Store == nil {
		opts.Store = checkpoint.Nop{}
	}
	if opts.Camera == nil {
		opts.Camera = func() capture.Camera { return capture.NoCamera{} }
	}
	return &ExamSessionService{
		backend: backend,
		opts:    opts,
		now:     time.Now,
		log:     log.With().Str("component", "exam_session_service").Logger(),
	}
}

// Start begins an exam. When the backend already holds an attempt for the
// exam, the attempt is resumed from the local checkpoint.
func (s *ExamSessionService) Start(ctx context.Context, examID uuid.UUID) (*StartResult, error) {
	if err := s.reserve(); err != nil {
		return nil, err
	}
	defer func() {
		s.mu.Lock()
		s.starting = false
		s.mu.Unlock()
	}()

	s.reloadToken()
	if err := s.checkToken(); err != nil {
		return nil, err
	}

	exam, err := s.backend.GetExam(ctx, examID)
	if err != nil {
		return nil, fmt.Errorf("get exam: %w", err)
	}
	questions, err := s.backend.GetQuestions(ctx, examID)
	if err != nil {
		return nil, fmt.Errorf("get questions: %w", err)
	}
	settings, source := s.settings(ctx, examID)

	params := session.InitParams{
		ExamID:          examID,
		Title:           exam.Title,
		Questions:       questions,
		DurationSeconds: exam.DurationSeconds(),
		Settings:        settings,
	}

	resumed := false
	attempt, err := s.backend.StartAttempt(ctx, examID)
	switch {
	case err == nil:
		params.AttemptID = attempt.ID
	case errors.Is(err, remote.ErrAttemptConflict):
		cp, cerr := s.opts.Store.Active(ctx, examID)
		if errors.Is(cerr, checkpoint.ErrNotFound) {
			return nil, fmt.Errorf("%w: %w", ErrNoResumableAttempt, err)
		}
		if cerr != nil {
			return nil, fmt.Errorf("load checkpoint: %w", cerr)
		}
		params.AttemptID = cp.AttemptID
		params.Restore = cp.Responses
		// A clock that ran out before the failed submit gets one second so
		// the timeout path submits again.
		params.DurationSeconds = max(cp.RemainingSeconds, 1)
		resumed = true
	default:
		return nil, fmt.Errorf("start attempt: %w", err)
	}

	ctrl := session.New(session.Deps{
		Backend: s.backend,
		Camera:  s.opts.Camera(),
		Store:   s.opts.Store,
		Sink:    s.opts.Sink,
		Log:     s.log,
		Tuning:  s.opts.Tuning,
	})
	if err := ctrl.InitExam(ctx, params); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.current = ctrl
	s.mu.Unlock()

	s.log.Info().
		Str("exam_id", examID.String()).
		Str("attempt_id", params.AttemptID.String()).
		Bool("resumed", resumed).
		Str("settings", source).
		Msg("Exam session started")

	return &StartResult{Session: ctrl.Snapshot(), Resumed: resumed, SettingsSource: source}, nil
}

// reserve claims the single session slot, releasing a finished session.
func (s *ExamSessionService) reserve() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.starting {
		return ErrSessionInProgress
	}
	if s.current != nil {
		switch s.current.State() {
		case session.StateActive, session.StateSubmitting, session.StateSubmitFailed:
			return ErrSessionInProgress
		}
		s.current.Close()
		s.current = nil
	}
	s.starting = true
	return nil
}

// checkToken rejects a missing or soon-expiring backend token. Tokens that
// are not JWTs cannot be inspected and are passed through.
// reloadToken picks up a token written by the login command since the last
// start. A missing or empty file keeps the token in use.
func (s *ExamSessionService) reloadToken() {
	if s.opts.TokenFile == "" {
		return
	}
	token, err := config.ReadToken(s.opts.TokenFile)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.log.Warn().Err(err).Str("path", s.opts.TokenFile).Msg("Backend token file unreadable")
		}
		return
	}
	if token == "" || token == s.backend.Token() {
		return
	}
	s.backend.SetToken(token)
	s.log.Info().Str("path", s.opts.TokenFile).Msg("Backend token reloaded")
}

func (s *ExamSessionService) checkToken() error {
	token := s.backend.Token()
	if token == "" {
		return ErrNotLoggedIn
	}
	err := remote.CheckToken(token, s.now(), s.opts.TokenMargin)
	if errors.Is(err, remote.ErrTokenExpired) {
		return err
	}
	if err != nil {
		s.log.Debug().Err(err).Msg("Backend token expiry not inspectable")
	}
	return nil
}

func (s *ExamSessionService) settings(ctx context.Context, examID uuid.UUID) (model.ProctoringSettings, string) {
	ps, err := s.backend.GetProctoringSettings(ctx, examID)
	if err != nil {
		s.log.Warn().Err(err).Str("exam_id", examID.String()).Msg("Proctoring settings unavailable, using default profile")
		return s.opts.Fallback, SettingsDefault
	}
	return *ps, SettingsBackend
}

// Current returns the session controller.
func (s *ExamSessionService) Current() (*session.Controller, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil, ErrNoSession
	}
	return s.current, nil
}

// Results fetches the graded results of the submitted attempt.
func (s *ExamSessionService) Results(ctx context.Context) (*model.AttemptResult, error) {
	ctrl, err := s.Current()
	if err != nil {
		return nil, err
	}
	if _, done := ctrl.Result(); !done {
		return nil, ErrNotSubmitted
	}
	res, err := s.backend.GetResults(ctx, ctrl.AttemptID())
	if err != nil {
		return nil, fmt.Errorf("get results: %w", err)
	}
	return res, nil
}

// End tears the current session down without submitting. Its last
// checkpoint stays available for a later resume.
func (s *ExamSessionService) End() error {
	s.mu.Lock()
	ctrl := s.current
	s.current = nil
	s.mu.Unlock()
	if ctrl == nil {
		return ErrNoSession
	}
	ctrl.Close()
	return nil
}

// Shutdown releases the current session, if any.
func (s *ExamSessionService) Shutdown() {
	if err := s.End(); err != nil && !errors.Is(err, ErrNoSession) {
		s.log.Error().Err(err).Msg("Session shutdown failed")
	}
}
