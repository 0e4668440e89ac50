package model

import (
	"time"

	"github.com/google/uuid"
)

// AttemptStatus enumerates the backend's attempt states.
type AttemptStatus string

const (
	AttemptStatusInProgress AttemptStatus = "in_progress"
	AttemptStatusSubmitted  AttemptStatus = "submitted"
	AttemptStatusEvaluated  AttemptStatus = "evaluated"
)

// Attempt is the backend record returned by POST /attempts/start.
type Attempt struct {
	ID            uuid.UUID     `json:"id"`
	ExamID        uuid.UUID     `json:"exam_id"`
	StudentID     uuid.UUID     `json:"student_id"`
	StartedAt     time.Time     `json:"started_at"`
	SubmittedAt   *time.Time    `json:"submitted_at,omitempty"`
	Status        AttemptStatus `json:"status"`
	CheatingFlags int           `json:"cheating_flags"`
}

// ExamAttempt is the client-side attempt state owned by a session.
// RemainingSeconds is written only by the session clock and Terminal only by
// the submission coordinator.
type ExamAttempt struct {
	ID               uuid.UUID `json:"id"`
	ExamID           uuid.UUID `json:"exam_id"`
	RemainingSeconds int       `json:"remaining_seconds"`
	Terminal         bool      `json:"terminal"`
}

// StartAttemptRequest is the body of POST /attempts/start.
type StartAttemptRequest struct {
	ExamID uuid.UUID `json:"exam_id"`
}

// SubmitResult is the evaluation summary the backend returns on submit.
type SubmitResult struct {
	Score          float64 `json:"score"`
	ObtainedMarks  float64 `json:"obtained_marks"`
	TotalMarks     float64 `json:"total_marks"`
	CorrectCount   int     `json:"correct_count"`
	TotalQuestions int     `json:"total_questions"`
	TimeTaken      int     `json:"time_taken_seconds"`
	CheatingFlags  int     `json:"cheating_flags"`
	PassPercentage float64 `json:"pass_percentage"`
}

// TopicStat is one entry of the per-topic breakdown in a result.
type TopicStat struct {
	Correct    int     `json:"correct"`
	Total      int     `json:"total"`
	Percentage float64 `json:"percentage"`
}

// AttemptResult is returned by GET /attempts/{id}/results.
type AttemptResult struct {
	SubmitResult
	TopicWise map[string]TopicStat `json:"topic_wise"`
}
