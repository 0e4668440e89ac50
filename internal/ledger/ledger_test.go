package ledger

import (
	"math/rand"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stemsi/exstem-proctor/internal/model"
)

func question(t model.QuestionType, options int) model.Question {
	q := model.Question{ID: uuid.New(), Type: t, Text: "q"}
	for i := 0; i < options; i++ {
		q.Options = append(q.Options, model.Option{ID: uuid.New(), Ordinal: i})
	}
	return q
}

func TestNewSeedsOneEmptyAnswerPerQuestion(t *testing.T) {
	qs := []model.Question{question(model.QuestionTypeSingle, 4), question(model.QuestionTypeMultiple, 3)}
	l := New(qs)

	require.Equal(t, 2, l.Len())
	for _, q := range qs {
		a, ok := l.Answer(q.ID)
		require.True(t, ok)
		assert.Empty(t, a.Selected)
		assert.False(t, a.MarkedForReview)
		assert.False(t, a.Visited)
	}
	assert.Equal(t, 0, l.AnsweredCount())
	assert.Equal(t, 2, l.UnansweredCount())
	assert.Equal(t, 0, l.MarkedCount())
}

func TestSingleSelectNeverHoldsMoreThanOne(t *testing.T) {
	q := question(model.QuestionTypeSingle, 5)
	l := New([]model.Question{q})
	r := rand.New(rand.NewSource(7))

	for i := 0; i < 200; i++ {
		require.NoError(t, l.Select(q.ID, r.Intn(5)))
		a, _ := l.Answer(q.ID)
		require.LessOrEqual(t, len(a.Selected), 1)
	}

	require.NoError(t, l.Select(q.ID, 3))
	a, _ := l.Answer(q.ID)
	assert.Equal(t, []int{3}, a.Selected)
	assert.True(t, a.Visited)
}

func TestMultiSelectToggleTwiceRestoresState(t *testing.T) {
	q := question(model.QuestionTypeMultiple, 6)
	l := New([]model.Question{q})
	r := rand.New(rand.NewSource(11))

	for i := 0; i < 100; i++ {
		before, _ := l.Answer(q.ID)
		o := r.Intn(6)
		require.NoError(t, l.Select(q.ID, o))
		require.NoError(t, l.Select(q.ID, o))
		after, _ := l.Answer(q.ID)
		assert.Equal(t, before.Selected, after.Selected)

		// Leave a random residue so the next round starts from a new state.
		require.NoError(t, l.Select(q.ID, r.Intn(6)))
	}
}

func TestMultiSelectKeepsSortedSet(t *testing.T) {
	q := question(model.QuestionTypeMultiple, 4)
	l := New([]model.Question{q})

	require.NoError(t, l.Select(q.ID, 3))
	require.NoError(t, l.Select(q.ID, 0))
	require.NoError(t, l.Select(q.ID, 2))
	a, _ := l.Answer(q.ID)
	assert.Equal(t, []int{0, 2, 3}, a.Selected)

	require.NoError(t, l.Select(q.ID, 2))
	a, _ = l.Answer(q.ID)
	assert.Equal(t, []int{0, 3}, a.Selected)
}

func TestUnknownQuestionAndBadOrdinal(t *testing.T) {
	q := question(model.QuestionTypeSingle, 2)
	l := New([]model.Question{q})

	assert.ErrorIs(t, l.Select(uuid.New(), 0), ErrUnknownQuestion)
	assert.ErrorIs(t, l.ToggleReview(uuid.New()), ErrUnknownQuestion)
	assert.ErrorIs(t, l.Visit(uuid.New()), ErrUnknownQuestion)
	assert.ErrorIs(t, l.Select(q.ID, 2), ErrOptionOutOfRange)
	assert.ErrorIs(t, l.Select(q.ID, -1), ErrOptionOutOfRange)

	a, _ := l.Answer(q.ID)
	assert.Empty(t, a.Selected)
	assert.False(t, a.Visited)
}

func TestReviewVisitAndCounts(t *testing.T) {
	q1 := question(model.QuestionTypeSingle, 3)
	q2 := question(model.QuestionTypeMultiple, 3)
	q3 := question(model.QuestionTypeSingle, 3)
	l := New([]model.Question{q1, q2, q3})

	require.NoError(t, l.Select(q1.ID, 1))
	require.NoError(t, l.ToggleReview(q2.ID))
	require.NoError(t, l.Visit(q3.ID))

	assert.Equal(t, 1, l.AnsweredCount())
	assert.Equal(t, 2, l.UnansweredCount())
	assert.Equal(t, 1, l.MarkedCount())

	a3, _ := l.Answer(q3.ID)
	assert.True(t, a3.Visited)
	assert.Empty(t, a3.Selected)

	require.NoError(t, l.ToggleReview(q2.ID))
	assert.Equal(t, 0, l.MarkedCount())
}

func TestResponsesFollowQuestionOrder(t *testing.T) {
	q1 := question(model.QuestionTypeSingle, 2)
	q2 := question(model.QuestionTypeSingle, 2)
	l := New([]model.Question{q1, q2})

	require.NoError(t, l.Select(q1.ID, 0))
	require.NoError(t, l.ToggleReview(q2.ID))

	assert.Equal(t, []model.ResponseItem{
		{QuestionID: q1.ID, SelectedOptions: []int{0}, MarkedForReview: false},
		{QuestionID: q2.ID, SelectedOptions: []int{}, MarkedForReview: true},
	}, l.Responses())
}

func TestResponsesAreDetachedCopies(t *testing.T) {
	q := question(model.QuestionTypeMultiple, 3)
	l := New([]model.Question{q})
	require.NoError(t, l.Select(q.ID, 1))

	items := l.Responses()
	items[0].SelectedOptions[0] = 2

	a, _ := l.Answer(q.ID)
	assert.Equal(t, []int{1}, a.Selected)
}

func TestRestoreRoundTrip(t *testing.T) {
	q1 := question(model.QuestionTypeSingle, 3)
	q2 := question(model.QuestionTypeMultiple, 4)
	q3 := question(model.QuestionTypeSingle, 2)
	src := New([]model.Question{q1, q2, q3})
	require.NoError(t, src.Select(q1.ID, 2))
	require.NoError(t, src.Select(q2.ID, 3))
	require.NoError(t, src.Select(q2.ID, 1))
	require.NoError(t, src.ToggleReview(q3.ID))

	dst := New([]model.Question{q1, q2, q3})
	require.NoError(t, dst.Restore(src.Responses()))

	assert.Equal(t, src.Responses(), dst.Responses())
}

func TestRestoreRejectsCorruptSnapshotAtomically(t *testing.T) {
	q1 := question(model.QuestionTypeSingle, 3)
	q2 := question(model.QuestionTypeSingle, 3)
	l := New([]model.Question{q1, q2})

	err := l.Restore([]model.ResponseItem{
		{QuestionID: q1.ID, SelectedOptions: []int{1}},
		{QuestionID: q2.ID, SelectedOptions: []int{0, 1}},
	})
	require.ErrorIs(t, err, ErrOptionOutOfRange)

	a, _ := l.Answer(q1.ID)
	assert.Empty(t, a.Selected)

	err = l.Restore([]model.ResponseItem{{QuestionID: uuid.New()}})
	assert.ErrorIs(t, err, ErrUnknownQuestion)
}
