package model

import (
	"time"

	"github.com/google/uuid"
)

// ExamStatus enumerates the possible states of an exam on the backend.
type ExamStatus string

const (
	ExamStatusDraft ExamStatus = "draft"
	ExamStatusLive  ExamStatus = "live"
	ExamStatusEnded ExamStatus = "ended"
)

// Exam is the exam metadata returned by GET /exams/{id}.
type Exam struct {
	ID              uuid.UUID  `json:"id"`
	Title           string     `json:"title"`
	Description     string     `json:"description"`
	DurationMinutes int        `json:"duration_minutes"`
	TotalMarks      float64    `json:"total_marks"`
	PassPercentage  float64    `json:"pass_percentage"`
	Status          ExamStatus `json:"status"`
	StartTime       *time.Time `json:"start_time,omitempty"`
	EndTime         *time.Time `json:"end_time,omitempty"`
	QuestionCount   int        `json:"question_count,omitempty"`
}

// DurationSeconds converts the backend's minute-denominated duration into the
// seconds the session clock runs on.
func (e *Exam) DurationSeconds() int {
	return e.DurationMinutes * 60
}
