package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/session"
	"github.com/stemsi/exstem-proctor/internal/validator"
)

// Navigation actions accepted by Navigate.
const (
	NavNext     = "next"
	NavPrevious = "previous"
	NavGoTo     = "goto"
)

// StartSessionRequest is the body of POST /session.
type StartSessionRequest struct {
	ExamID string `json:"exam_id" binding:"required,entity_id"`
}

// SelectOptionRequest is the body of POST /session/answers.
type SelectOptionRequest struct {
	QuestionID string `json:"question_id" binding:"required,entity_id"`
	Option     *int   `json:"option" binding:"required,min=0"`
}

// ToggleReviewRequest is the body of POST /session/review.
type ToggleReviewRequest struct {
	QuestionID string `json:"question_id" binding:"required,entity_id"`
}

// NavigateRequest is the body of POST /session/navigate.
type NavigateRequest struct {
	Action string `json:"action" binding:"required,oneof=next previous goto"`
	Index  int    `json:"index"`
}

// VisibilityRequest is the body of POST /session/visibility.
type VisibilityRequest struct {
	Hidden *bool `json:"hidden" binding:"required"`
}

// SessionHandler exposes the exam session commands and queries to the shell.
type SessionHandler struct {
	sessions *service.ExamSessionService
	log      zerolog.Logger
}

// NewSessionHandler creates a new SessionHandler.
func NewSessionHandler(sessions *service.ExamSessionService, log zerolog.Logger) *SessionHandler {
	return &SessionHandler{
		sessions: sessions,
		log:      log.With().Str("component", "session_handler").Logger(),
	}
}

// Start godoc
// POST /api/v1/session
// Fetches the exam, starts or resumes the attempt and returns the snapshot.
func (h *SessionHandler) Start(c *gin.Context) {
	var req StartSessionRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}
	examID := uuid.MustParse(req.ExamID)

	res, err := h.sessions.Start(c.Request.Context(), examID)
	if err != nil {
		h.log.Warn().Err(err).Str("exam_id", examID.String()).Msg("Session start failed")
		fail(c, err)
		return
	}
	response.Success(c, http.StatusCreated, res)
}

// Get godoc
// GET /api/v1/session
// Returns the full session snapshot.
func (h *SessionHandler) Get(c *gin.Context) {
	ctrl, err := h.sessions.Current()
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, ctrl.Snapshot())
}

// End godoc
// DELETE /api/v1/session
// Stops the session without submitting; a later start resumes it.
func (h *SessionHandler) End(c *gin.Context) {
	if err := h.sessions.End(); err != nil {
		fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"status": "closed"})
}

// SelectOption godoc
// POST /api/v1/session/answers
func (h *SessionHandler) SelectOption(c *gin.Context) {
	var req SelectOptionRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}
	h.command(c, uuid.MustParse(req.QuestionID), func(ctrl *session.Controller, qid uuid.UUID) error {
		return ctrl.Select(qid, *req.Option)
	})
}

// ToggleReview godoc
// POST /api/v1/session/review
func (h *SessionHandler) ToggleReview(c *gin.Context) {
	var req ToggleReviewRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}
	h.command(c, uuid.MustParse(req.QuestionID), func(ctrl *session.Controller, qid uuid.UUID) error {
		return ctrl.ToggleReview(qid)
	})
}

// command runs an answer mutation and replies with the updated answer.
func (h *SessionHandler) command(c *gin.Context, qid uuid.UUID, fn func(*session.Controller, uuid.UUID) error) {
	ctrl, err := h.sessions.Current()
	if err != nil {
		fail(c, err)
		return
	}
	if err := fn(ctrl, qid); err != nil {
		fail(c, err)
		return
	}
	answer, _ := ctrl.Answer(qid)
	snap := ctrl.Snapshot()
	response.Success(c, http.StatusOK, gin.H{
		"answer":            answer,
		"answered":          snap.Answered,
		"unanswered":        snap.Unanswered,
		"marked_for_review": snap.Marked,
	})
}

// Navigate godoc
// POST /api/v1/session/navigate
// Moves the cursor and returns the snapshot at the new position.
func (h *SessionHandler) Navigate(c *gin.Context) {
	var req NavigateRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}
	ctrl, err := h.sessions.Current()
	if err != nil {
		fail(c, err)
		return
	}

	switch req.Action {
	case NavNext:
		_, err = ctrl.Next()
	case NavPrevious:
		_, err = ctrl.Previous()
	case NavGoTo:
		_, err = ctrl.GoTo(req.Index)
	}
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, ctrl.Snapshot())
}

// Visibility godoc
// POST /api/v1/session/visibility
// Reports the exam window being hidden or shown.
func (h *SessionHandler) Visibility(c *gin.Context) {
	var req VisibilityRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}
	ctrl, err := h.sessions.Current()
	if err != nil {
		fail(c, err)
		return
	}
	if err := ctrl.ObserveVisibility(*req.Hidden); err != nil {
		fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"hidden": *req.Hidden})
}

// Submit godoc
// POST /api/v1/session/submit
// Submits the attempt once the candidate has confirmed. A failure keeps the
// answers and may be retried with the same call.
func (h *SessionHandler) Submit(c *gin.Context) {
	ctrl, err := h.sessions.Current()
	if err != nil {
		fail(c, err)
		return
	}
	res, err := ctrl.Submit(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"result": res, "session": ctrl.Snapshot()})
}

// Results godoc
// GET /api/v1/session/results
// Returns the graded results of the submitted attempt.
func (h *SessionHandler) Results(c *gin.Context) {
	res, err := h.sessions.Results(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, res)
}
