package model

import "github.com/google/uuid"

// Answer is the per-question answer state held by the ledger.
type Answer struct {
	QuestionID      uuid.UUID `json:"question_id"`
	Selected        []int     `json:"selected_options"`
	MarkedForReview bool      `json:"marked_for_review"`
	Visited         bool      `json:"visited"`
}

// Answered reports whether at least one option is selected.
func (a *Answer) Answered() bool {
	return len(a.Selected) > 0
}

// ResponseItem is the wire form of one answer in autosave and submit payloads.
type ResponseItem struct {
	QuestionID      uuid.UUID `json:"question_id"`
	SelectedOptions []int     `json:"selected_option_ids"`
	MarkedForReview bool      `json:"marked_for_review"`
}

// ResponsesPayload is the body of POST /attempts/{id}/auto-save and
// POST /attempts/{id}/submit.
type ResponsesPayload struct {
	Responses []ResponseItem `json:"responses"`
}
