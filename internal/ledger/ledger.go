// Package ledger holds the in-memory answer state of one exam session.
package ledger

import (
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// Errors returned for caller bugs; they are never user-facing.
var (
	ErrUnknownQuestion  = errors.New("unknown question")
	ErrOptionOutOfRange = errors.New("option ordinal out of range")
)

// Ledger maps question identity to answer state. It performs no I/O and is
// not safe for concurrent use; the session controller is its single writer.
type Ledger struct {
	questions []model.Question
	index     map[uuid.UUID]int
	answers   map[uuid.UUID]*model.Answer
}

// New seeds one empty answer per question.
func New(questions []model.Question) *Ledger {
	l := &Ledger{
		questions: questions,
		index:     make(map[uuid.UUID]int, len(questions)),
		answers:   make(map[uuid.UUID]*model.Answer, len(questions)),
	}
	for i, q := range questions {
		l.index[q.ID] = i
		l.answers[q.ID] = &model.Answer{QuestionID: q.ID, Selected: []int{}}
	}
	return l
}

// Len returns the number of questions (and answers).
func (l *Ledger) Len() int {
	return len(l.questions)
}

// Question returns the question at position i.
func (l *Ledger) Question(i int) (model.Question, bool) {
	if i < 0 || i >= len(l.questions) {
		return model.Question{}, false
	}
	return l.questions[i], true
}

// Select applies an option choice. Single-select replaces the selection with
// {ordinal}; multi-select toggles membership. The question becomes visited.
func (l *Ledger) Select(questionID uuid.UUID, ordinal int) error {
	a, q, err := l.lookup(questionID)
	if err != nil {
		return err
	}
	if ordinal < 0 || ordinal >= len(q.Options) {
		return fmt.Errorf("%w: question %s has %d options, got %d", ErrOptionOutOfRange, questionID, len(q.Options), ordinal)
	}

	if q.Type == model.QuestionTypeMultiple {
		a.Selected = toggle(a.Selected, ordinal)
	} else {
		a.Selected = []int{ordinal}
	}
	a.Visited = true
	return nil
}

// ToggleReview flips the marked-for-review flag.
func (l *Ledger) ToggleReview(questionID uuid.UUID) error {
	a, _, err := l.lookup(questionID)
	if err != nil {
		return err
	}
	a.MarkedForReview = !a.MarkedForReview
	return nil
}

// Visit marks the question visited without touching its selection.
func (l *Ledger) Visit(questionID uuid.UUID) error {
	a, _, err := l.lookup(questionID)
	if err != nil {
		return err
	}
	a.Visited = true
	return nil
}

// Answer returns a copy of the answer for a question.
func (l *Ledger) Answer(questionID uuid.UUID) (model.Answer, bool) {
	a, ok := l.answers[questionID]
	if !ok {
		return model.Answer{}, false
	}
	return copyAnswer(a), true
}

// Answers returns copies of all answers in question order.
func (l *Ledger) Answers() []model.Answer {
	out := make([]model.Answer, 0, len(l.questions))
	for _, q := range l.questions {
		out = append(out, copyAnswer(l.answers[q.ID]))
	}
	return out
}

// AnsweredCount is the number of answers with a non-empty selection.
func (l *Ledger) AnsweredCount() int {
	n := 0
	for _, a := range l.answers {
		if a.Answered() {
			n++
		}
	}
	return n
}

// UnansweredCount is the number of answers with an empty selection.
func (l *Ledger) UnansweredCount() int {
	return len(l.questions) - l.AnsweredCount()
}

// MarkedCount is the number of answers marked for review.
func (l *Ledger) MarkedCount() int {
	n := 0
	for _, a := range l.answers {
		if a.MarkedForReview {
			n++
		}
	}
	return n
}

// Responses serialises every answer, in question order, into the autosave
// and submit wire shape.
func (l *Ledger) Responses() []model.ResponseItem {
	out := make([]model.ResponseItem, 0, len(l.questions))
	for _, q := range l.questions {
		a := l.answers[q.ID]
		sel := make([]int, len(a.Selected))
		copy(sel, a.Selected)
		out = append(out, model.ResponseItem{
			QuestionID:      q.ID,
			SelectedOptions: sel,
			MarkedForReview: a.MarkedForReview,
		})
	}
	return out
}

// Restore applies previously serialised responses. Items for unknown
// questions or with out-of-range ordinals are rejected as a whole so a
// corrupt snapshot never half-applies.
func (l *Ledger) Restore(items []model.ResponseItem) error {
	for _, it := range items {
		_, q, err := l.lookup(it.QuestionID)
		if err != nil {
			return err
		}
		for _, o := range it.SelectedOptions {
			if o < 0 || o >= len(q.Options) {
				return fmt.Errorf("%w: question %s ordinal %d", ErrOptionOutOfRange, it.QuestionID, o)
			}
		}
		if q.Type == model.QuestionTypeSingle && len(it.SelectedOptions) > 1 {
			return fmt.Errorf("%w: single-select question %s restored with %d selections", ErrOptionOutOfRange, it.QuestionID, len(it.SelectedOptions))
		}
	}

	for _, it := range items {
		a := l.answers[it.QuestionID]
		a.Selected = normalize(it.SelectedOptions)
		a.MarkedForReview = it.MarkedForReview
		if len(a.Selected) > 0 || a.MarkedForReview {
			a.Visited = true
		}
	}
	return nil
}

func (l *Ledger) lookup(questionID uuid.UUID) (*model.Answer, *model.Question, error) {
	i, ok := l.index[questionID]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownQuestion, questionID)
	}
	return l.answers[questionID], &l.questions[i], nil
}

// toggle returns a new sorted set with ordinal added or removed.
func toggle(set []int, ordinal int) []int {
	out := make([]int, 0, len(set)+1)
	found := false
	for _, v := range set {
		if v == ordinal {
			found = true
			continue
		}
		out = append(out, v)
	}
	if !found {
		out = append(out, ordinal)
		sort.Ints(out)
	}
	return out
}

func normalize(sel []int) []int {
	seen := make(map[int]struct{}, len(sel))
	out := make([]int, 0, len(sel))
	for _, v := range sel {
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Ints(out)
	return out
}

func copyAnswer(a *model.Answer) model.Answer {
	c := *a
	c.Selected = make([]int, len(a.Selected))
	copy(c.Selected, a.Selected)
	return c
}
