package model

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// QuestionType distinguishes single- from multi-select questions.
type QuestionType string

const (
	QuestionTypeSingle   QuestionType = "single-select"
	QuestionTypeMultiple QuestionType = "multi-select"
)

// ParseQuestionType accepts both the canonical names and the short
// "single"/"multiple" strings the backend emits.
func ParseQuestionType(s string) (QuestionType, error) {
	switch s {
	case "single", "single-select", "SINGLE":
		return QuestionTypeSingle, nil
	case "multiple", "multi-select", "MULTIPLE":
		return QuestionTypeMultiple, nil
	}
	return "", fmt.Errorf("unknown question type %q", s)
}

// Option is one choice of a question. Ordinal is its position in the
// display-ordered option list and is the value recorded in answers.
type Option struct {
	ID      uuid.UUID `json:"id"`
	Text    string    `json:"option_text"`
	Ordinal int       `json:"ordinal"`
}

// Question is immutable once loaded into a session.
type Question struct {
	ID      uuid.UUID    `json:"id"`
	ExamID  uuid.UUID    `json:"exam_id"`
	Text    string       `json:"question_text"`
	Type    QuestionType `json:"question_type"`
	Points  float64      `json:"marks"`
	Topic   string       `json:"topic,omitempty"`
	Order   int          `json:"display_order"`
	Options []Option     `json:"options"`
}

// wireQuestion mirrors GET /exams/{id}/questions. The correctness flag on
// options is deliberately absent so it is dropped on decode.
type wireQuestion struct {
	ID           uuid.UUID `json:"id"`
	ExamID       uuid.UUID `json:"exam_id"`
	QuestionText string    `json:"question_text"`
	QuestionType string    `json:"question_type"`
	Marks        float64   `json:"marks"`
	Topic        *string   `json:"topic"`
	DisplayOrder int       `json:"display_order"`
	Options      []wireOpt `json:"options"`
}

type wireOpt struct {
	ID           uuid.UUID `json:"id"`
	OptionText   string    `json:"option_text"`
	DisplayOrder int       `json:"display_order"`
}

// UnmarshalJSON decodes the backend representation, sorting options by
// display order and assigning ordinals.
func (q *Question) UnmarshalJSON(data []byte) error {
	var w wireQuestion
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	qt, err := ParseQuestionType(w.QuestionType)
	if err != nil {
		return err
	}

	sort.SliceStable(w.Options, func(i, j int) bool {
		return w.Options[i].DisplayOrder < w.Options[j].DisplayOrder
	})
	opts := make([]Option, len(w.Options))
	for i, o := range w.Options {
		opts[i] = Option{ID: o.ID, Text: o.OptionText, Ordinal: i}
	}

	*q = Question{
		ID:      w.ID,
		ExamID:  w.ExamID,
		Text:    w.QuestionText,
		Type:    qt,
		Points:  w.Marks,
		Order:   w.DisplayOrder,
		Options: opts,
	}
	if w.Topic != nil {
		q.Topic = *w.Topic
	}
	return nil
}
