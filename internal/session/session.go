// Package session owns one exam attempt: the answer ledger, the countdown,
// autosave, frame capture, the health channel and the final submission.
package session

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/stemsi/exstem-proctor/internal/model"
	ws "github.com/stemsi/exstem-proctor/internal/websocket"
)

// State of a session.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateActive        State = "active"
	StateSubmitting    State = "submitting"
	StateSubmitFailed  State = "submit-failed"
	StateTerminal      State = "terminal"
	StateClosed        State = "closed"
)

// Trigger identifies what started a submission.
type Trigger string

const (
	TriggerUser    Trigger = "user"
	TriggerTimeout Trigger = "timeout"
	TriggerHealth  Trigger = "health"
)

var (
	ErrInvalidInit      = errors.New("invalid session initialisation")
	ErrAlreadyStarted   = errors.New("session already initialised")
	ErrNotActive        = errors.New("session is not active")
	ErrSubmitInFlight   = errors.New("submission already in progress")
	ErrAlreadySubmitted = errors.New("attempt already submitted")
	ErrSubmissionFailed = errors.New("submission failed")
)

// Backend is the subset of the remote API a session calls.
type Backend interface {
	AutoSave(ctx context.Context, attemptID uuid.UUID, items []model.ResponseItem) error
	Submit(ctx context.Context, attemptID uuid.UUID, items []model.ResponseItem) (*model.SubmitResult, error)
	UploadFrame(ctx context.Context, attemptID uuid.UUID, jpeg []byte) (*model.DetectionResult, error)
	ReportViolation(ctx context.Context, report model.ViolationReport) error
	ChannelURL(attemptID uuid.UUID) (string, error)
	AuthHeader() http.Header
}

// EventSink receives engine events. Publish must not block.
type EventSink interface {
	Publish(ev ws.EventEnvelope)
}

// SinkFunc adapts a function to EventSink.
type SinkFunc func(ws.EventEnvelope)

func (f SinkFunc) Publish(ev ws.EventEnvelope) { f(ev) }

type discard struct{}

func (discard) Publish(ws.EventEnvelope) {}

// Tuning holds the cadences of a session's background work.
type Tuning struct {
	ClockTick        time.Duration
	AutosaveInterval time.Duration
	ReconnectDelay   time.Duration
	PingInterval     time.Duration
	SubmitTimeout    time.Duration
	ViolationWindow  int
	FrameMaxWidth    int
	FrameQuality     int
}

// DefaultTuning matches the agent's configuration defaults.
func DefaultTuning() Tuning {
	return Tuning{
		ClockTick:        time.Second,
		AutosaveInterval: 10 * time.Second,
		ReconnectDelay:   5 * time.Second,
		PingInterval:     25 * time.Second,
		SubmitTimeout:    30 * time.Second,
		ViolationWindow:  5,
		FrameMaxWidth:    640,
		FrameQuality:     80,
	}
}

// InitParams describe the attempt a controller runs.
type InitParams struct {
	ExamID          uuid.UUID
	AttemptID       uuid.UUID
	Title           string
	Questions       []model.Question
	DurationSeconds int
	Settings        model.ProctoringSettings
	// Restore, when set, seeds the ledger from a checkpoint.
	Restore []model.ResponseItem
}
