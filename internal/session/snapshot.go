package session

import (
	"time"

	"github.com/google/uuid"

	"github.com/stemsi/exstem-proctor/internal/autosave"
	"github.com/stemsi/exstem-proctor/internal/capture"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// ConnectionDisabled is reported while no health channel exists.
const ConnectionDisabled = "disabled"

// Snapshot is a consistent read of everything the presentation shell shows.
type Snapshot struct {
	State     State     `json:"state"`
	ExamID    uuid.UUID `json:"exam_id"`
	AttemptID uuid.UUID `json:"attempt_id"`
	Title     string    `json:"title"`

	Cursor          int             `json:"cursor"`
	TotalQuestions  int             `json:"total_questions"`
	CurrentQuestion *model.Question `json:"current_question,omitempty"`
	CurrentAnswer   *model.Answer   `json:"current_answer,omitempty"`
	Answers         []model.Answer  `json:"answers"`
	Answered        int             `json:"answered"`
	Unanswered      int             `json:"unanswered"`
	Marked          int             `json:"marked_for_review"`

	RemainingSeconds int  `json:"remaining_seconds"`
	Terminal         bool `json:"terminal"`

	ProctoringEnabled   bool                   `json:"proctoring_enabled"`
	ProctoringAvailable bool                   `json:"proctoring_available"`
	CaptureState        capture.State          `json:"capture_state,omitempty"`
	CameraError         string                 `json:"camera_error,omitempty"`
	Connection          string                 `json:"connection"`
	Health              model.HealthStatus     `json:"health"`
	RecentViolations    []model.Violation      `json:"recent_violations"`
	LastDetection       *model.DetectionResult `json:"last_detection,omitempty"`
	Frames              capture.Stats          `json:"frames"`

	Autosave    autosave.Status `json:"autosave"`
	LastSavedAt *time.Time      `json:"last_saved_at,omitempty"`

	Trigger     Trigger             `json:"submit_trigger,omitempty"`
	Result      *model.SubmitResult `json:"result,omitempty"`
	SubmitError string              `json:"submit_error,omitempty"`
}

// State returns the session state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// AttemptID returns the attempt the controller runs, or uuid.Nil.
func (c *Controller) AttemptID() uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempt.ID
}

// Questions returns the loaded questions in order.
func (c *Controller) Questions() []model.Question {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]model.Question(nil), c.params.Questions...)
}

// Answer returns the answer to one question.
func (c *Controller) Answer(questionID uuid.UUID) (model.Answer, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ledger == nil {
		return model.Answer{}, false
	}
	return c.ledger.Answer(questionID)
}

// Result returns the submission result once terminal.
func (c *Controller) Result() (*model.SubmitResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.result, c.state == StateTerminal
}

// Snapshot reads the whole session state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	s := Snapshot{
		State:             c.state,
		ExamID:            c.params.ExamID,
		AttemptID:         c.attempt.ID,
		Title:             c.params.Title,
		Cursor:            c.cursor,
		Terminal:          c.attempt.Terminal,
		ProctoringEnabled: c.params.Settings.ProctoringEnabled(),
		Connection:        ConnectionDisabled,
		RecentViolations:  append([]model.Violation{}, c.violations...),
		Trigger:           c.trigger,
		Result:            c.result,
		Answers:           []model.Answer{},
	}
	if c.submitErr != nil {
		s.SubmitError = c.submitErr.Error()
	}
	if c.ledger != nil {
		s.TotalQuestions = c.ledger.Len()
		s.Answers = c.ledger.Answers()
		s.Answered = c.ledger.AnsweredCount()
		s.Unanswered = c.ledger.UnansweredCount()
		s.Marked = c.ledger.MarkedCount()
		if q, ok := c.ledger.Question(c.cursor); ok {
			s.CurrentQuestion = &q
			if a, ok := c.ledger.Answer(q.ID); ok {
				s.CurrentAnswer = &a
			}
		}
	}
	clk, as, cp, ch := c.clock, c.autosave, c.capture, c.channel
	c.mu.Unlock()

	if clk != nil {
		s.RemainingSeconds = clk.Remaining()
	}
	if as != nil {
		s.Autosave = as.Status()
		if t := as.LastSaved(); !t.IsZero() {
			s.LastSavedAt = &t
		}
	} else {
		s.Autosave = autosave.StatusIdle
	}
	if cp != nil {
		s.CaptureState = cp.State()
		s.ProctoringAvailable = cp.Available()
		if err := cp.Cause(); err != nil {
			s.CameraError = err.Error()
		}
		if d, ok := cp.LastDetection(); ok {
			s.LastDetection = &d
		}
		s.Frames = cp.Stats()
	}
	if ch != nil {
		s.Connection = string(ch.State())
		s.Health = ch.Health()
	} else {
		s.Health = model.HealthStatus{Percentage: 100, Status: model.HealthGood}
	}
	return s
}
