package remote

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/remote/remotetest"
)

func newTestClient(t *testing.T) (*Client, *remotetest.Backend) {
	t.Helper()
	b := remotetest.New()
	t.Cleanup(b.Close)
	return NewClient(b.URL(), b.Token(), 2*time.Second, zerolog.Nop()), b
}

func TestGetQuestionsOrdersOptionsAndDropsCorrectness(t *testing.T) {
	c, b := newTestClient(t)
	exam, ids := b.AddExam(1, "single", "multiple")

	got, err := c.GetExam(context.Background(), exam.ID)
	require.NoError(t, err)
	assert.Equal(t, 60, got.DurationSeconds())

	qs, err := c.GetQuestions(context.Background(), exam.ID)
	require.NoError(t, err)
	require.Len(t, qs, 2)
	assert.Equal(t, ids[0], qs[0].ID)
	assert.Equal(t, model.QuestionTypeSingle, qs[0].Type)
	assert.Equal(t, model.QuestionTypeMultiple, qs[1].Type)
	for i, o := range qs[0].Options {
		assert.Equal(t, i, o.Ordinal)
	}
	assert.Equal(t, "option 0", qs[0].Options[0].Text)
	assert.Equal(t, "Bearer "+b.Token(), b.LastAuthorization())
}

func TestMissingExamIsNotFound(t *testing.T) {
	c, _ := newTestClient(t)

	_, err := c.GetExam(context.Background(), uuid.New())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "Exam not found", apiErr.Detail)
}

func TestStartAttemptTwiceConflicts(t *testing.T) {
	c, b := newTestClient(t)
	exam, _ := b.AddExam(30, "single")

	a, err := c.StartAttempt(context.Background(), exam.ID)
	require.NoError(t, err)
	assert.Equal(t, exam.ID, a.ExamID)
	assert.Equal(t, model.AttemptStatusInProgress, a.Status)

	_, err = c.StartAttempt(context.Background(), exam.ID)
	assert.ErrorIs(t, err, ErrAttemptConflict)
	assert.NotErrorIs(t, err, ErrAlreadySubmitted)
}

func TestSubmitThenReloadRoundTripsResponses(t *testing.T) {
	c, b := newTestClient(t)
	exam, ids := b.AddExam(30, "single", "multiple")
	a, err := c.StartAttempt(context.Background(), exam.ID)
	require.NoError(t, err)

	items := []model.ResponseItem{
		{QuestionID: ids[0], SelectedOptions: []int{2}},
		{QuestionID: ids[1], SelectedOptions: []int{0, 3}, MarkedForReview: true},
	}
	res, err := c.Submit(context.Background(), a.ID, items)
	require.NoError(t, err)
	assert.Equal(t, 2, res.TotalQuestions)

	back, err := c.GetResponses(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, items, back)

	_, err = c.Submit(context.Background(), a.ID, items)
	assert.ErrorIs(t, err, ErrAlreadySubmitted)

	result, err := c.GetResults(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, 50.0, result.Score)
}

func TestAutoSaveSendsResponsesEnvelope(t *testing.T) {
	c, b := newTestClient(t)
	exam, ids := b.AddExam(30, "single")
	a, err := c.StartAttempt(context.Background(), exam.ID)
	require.NoError(t, err)

	items := []model.ResponseItem{{QuestionID: ids[0], SelectedOptions: []int{}, MarkedForReview: true}}
	require.NoError(t, c.AutoSave(context.Background(), a.ID, items))
	require.Len(t, b.Autosaves(), 1)
	assert.Equal(t, items, b.Autosaves()[0].Responses)

	b.FailAutosave(true)
	err = c.AutoSave(context.Background(), a.ID, items)
	assert.ErrorIs(t, err, ErrBackendUnavailable)
}

func TestUploadFrameIsMultipartJPEG(t *testing.T) {
	c, b := newTestClient(t)
	b.SetFrameResult(model.DetectionResult{
		FacesDetected: 2,
		MultipleFaces: true,
		FacePresent:   true,
	})

	res, err := c.UploadFrame(context.Background(), uuid.New(), []byte{0xff, 0xd8, 0xff, 0xd9})
	require.NoError(t, err)
	assert.Equal(t, 2, res.FacesDetected)
	assert.Equal(t, 1, b.Frames())
}

func TestUploadFrameDecodesStringAndObjectFlags(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"faces_detected":0,"flags":["no_face_detected",{"type":"looking_away","severity":"low","message":"eyes off screen"}]}`))
	}))
	defer srv.Close()
	c := NewClient(srv.URL, "", time.Second, zerolog.Nop())

	res, err := c.UploadFrame(context.Background(), uuid.New(), []byte{1})
	require.NoError(t, err)
	require.Len(t, res.Flags, 2)
	assert.Equal(t, model.FlagNoFace, res.Flags[0].Type)
	assert.Equal(t, model.SeverityMedium, res.Flags[0].Severity)
	assert.Equal(t, model.FlagLookingAway, res.Flags[1].Type)
	assert.Equal(t, model.SeverityLow, res.Flags[1].Severity)
}

func TestReportViolation(t *testing.T) {
	c, b := newTestClient(t)
	id := uuid.New()
	now := time.Now().UTC().Truncate(time.Second)

	err := c.ReportViolation(context.Background(), model.ViolationReport{
		AttemptID: id,
		EventType: model.FlagTabSwitch,
		Flags:     []model.Violation{{Type: model.FlagTabSwitch, Severity: model.SeverityHigh, Timestamp: now}},
		Timestamp: now,
	})
	require.NoError(t, err)
	require.Len(t, b.Violations(), 1)
	assert.Equal(t, id, b.Violations()[0].AttemptID)
	assert.Equal(t, model.SeverityHigh, b.Violations()[0].Flags[0].Severity)
}

func TestLogin(t *testing.T) {
	c, b := newTestClient(t)
	c = c.WithToken("")

	tok, err := c.Login(context.Background(), "student@example.com", "secret")
	require.NoError(t, err)
	assert.Equal(t, b.Token(), tok)

	_, err = c.Login(context.Background(), "student@example.com", "wrong")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestChannelURL(t *testing.T) {
	id := uuid.MustParse("7b0c7a4e-4a55-4d4f-9a57-5d1f3f7f0b11")

	c := NewClient("https://exam.example.com/api/v1/", "abc", time.Second, zerolog.Nop())
	u, err := c.ChannelURL(id)
	require.NoError(t, err)
	assert.Equal(t, "wss://exam.example.com/api/v1/monitor/enhanced/ws/proctoring/"+id.String()+"?token=abc", u)

	c = NewClient("http://localhost:8000/api/v1", "", time.Second, zerolog.Nop())
	u, err = c.ChannelURL(id)
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:8000/api/v1/monitor/enhanced/ws/proctoring/"+id.String(), u)
}

func TestAPIErrorClassification(t *testing.T) {
	tests := []struct {
		name   string
		err    *APIError
		target error
		want   bool
	}{
		{"401 unauthorized", &APIError{Status: 401}, ErrUnauthorized, true},
		{"403 unauthorized", &APIError{Status: 403}, ErrUnauthorized, true},
		{"404 not found", &APIError{Status: 404}, ErrNotFound, true},
		{"400 already submitted", &APIError{Status: 400, Detail: "Attempt already submitted"}, ErrAlreadySubmitted, true},
		{"409 already submitted", &APIError{Status: 409, Detail: "already submitted"}, ErrAlreadySubmitted, true},
		{"400 other", &APIError{Status: 400, Detail: "bad payload"}, ErrAlreadySubmitted, false},
		{"409 conflict", &APIError{Status: 409}, ErrAttemptConflict, true},
		{"400 in progress", &APIError{Status: 400, Detail: "You have an exam in progress"}, ErrAttemptConflict, true},
		{"502 unavailable", &APIError{Status: 502}, ErrBackendUnavailable, true},
		{"422 available", &APIError{Status: 422}, ErrBackendUnavailable, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, errors.Is(tt.err, tt.target))
		})
	}
}

func signed(t *testing.T, exp time.Time) string {
	t.Helper()
	claims := jwt.RegisteredClaims{Subject: "student"}
	if !exp.IsZero() {
		claims.ExpiresAt = jwt.NewNumericDate(exp)
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("backend-key"))
	require.NoError(t, err)
	return tok
}

func TestCheckToken(t *testing.T) {
	now := time.Now()

	assert.NoError(t, CheckToken(signed(t, now.Add(3*time.Hour)), now, 2*time.Hour))
	assert.ErrorIs(t, CheckToken(signed(t, now.Add(time.Hour)), now, 2*time.Hour), ErrTokenExpired)
	assert.NoError(t, CheckToken(signed(t, time.Time{}), now, time.Hour))
	assert.Error(t, CheckToken("not-a-jwt", now, 0))

	exp, err := TokenExpiry(signed(t, now.Add(time.Hour)))
	require.NoError(t, err)
	assert.WithinDuration(t, now.Add(time.Hour), exp, time.Second)
}
