package session

import (
	"context"
	"image"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stemsi/exstem-proctor/internal/capture"
	"github.com/stemsi/exstem-proctor/internal/checkpoint"
	"github.com/stemsi/exstem-proctor/internal/health"
	"github.com/stemsi/exstem-proctor/internal/ledger"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/profile"
	"github.com/stemsi/exstem-proctor/internal/remote"
	"github.com/stemsi/exstem-proctor/internal/remote/remotetest"
	ws "github.com/stemsi/exstem-proctor/internal/websocket"
)

type eventLog struct {
	mu     sync.Mutex
	events []ws.EventEnvelope
}

func (e *eventLog) Publish(ev ws.EventEnvelope) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
}

func (e *eventLog) has(kind ws.Event, data interface{}) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ev := range e.events {
		if ev.Event == kind && ev.Data == data {
			return true
		}
	}
	return false
}

func (e *eventLog) count(kind ws.Event) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, ev := range e.events {
		if ev.Event == kind {
			n++
		}
	}
	return n
}

type harness struct {
	b       *remotetest.Backend
	client  *remote.Client
	exam    model.Exam
	qs      []model.Question
	attempt *model.Attempt
	store   *checkpoint.Memory
	events  *eventLog
}

func newHarness(t *testing.T, types ...string) *harness {
	t.Helper()
	b := remotetest.New()
	t.Cleanup(b.Close)

	client := remote.NewClient(b.URL(), b.Token(), 2*time.Second, zerolog.Nop())
	exam, _ := b.AddExam(1, types...)
	qs, err := client.GetQuestions(context.Background(), exam.ID)
	require.NoError(t, err)
	a, err := client.StartAttempt(context.Background(), exam.ID)
	require.NoError(t, err)

	return &harness{b: b, client: client, exam: exam, qs: qs, attempt: a, store: checkpoint.NewMemory(), events: &eventLog{}}
}

func (h *harness) backend() Backend { return h.client }

func (h *harness) controller(t *testing.T, backend Backend, cam capture.Camera, tune func(*Tuning)) *Controller {
	t.Helper()
	tuning := Tuning{
		ClockTick:        time.Hour,
		AutosaveInterval: time.Hour,
		ReconnectDelay:   30 * time.Millisecond,
		PingInterval:     time.Second,
		SubmitTimeout:    2 * time.Second,
		ViolationWindow:  5,
	}
	if tune != nil {
		tune(&tuning)
	}
	c := New(Deps{Backend: backend, Camera: cam, Store: h.store, Sink: h.events, Log: zerolog.Nop(), Tuning: tuning})
	t.Cleanup(c.Close)
	return c
}

func (h *harness) params(settings model.ProctoringSettings) InitParams {
	return InitParams{
		ExamID:          h.exam.ID,
		AttemptID:       h.attempt.ID,
		Title:           h.exam.Title,
		Questions:       h.qs,
		DurationSeconds: h.exam.DurationSeconds(),
		Settings:        settings,
	}
}

func proctored() model.ProctoringSettings {
	s := profile.Default()
	s.DetectionInterval = 1
	return s
}

type deniedCamera struct{}

func (deniedCamera) Open(context.Context) error { return capture.ErrPermissionDenied }

func (deniedCamera) Frame(context.Context) (image.Image, error) { return nil, capture.ErrDeviceClosed }

func (deniedCamera) Close() error { return nil }

// gatedBackend holds Submit until gate is closed and counts calls.
type gatedBackend struct {
	*remote.Client
	gate  chan struct{}
	calls atomic.Int32
}

func (g *gatedBackend) Submit(ctx context.Context, id uuid.UUID, items []model.ResponseItem) (*model.SubmitResult, error) {
	g.calls.Add(1)
	<-g.gate
	return g.Client.Submit(ctx, id, items)
}

func TestInitExamRejectsIncompleteParams(t *testing.T) {
	h := newHarness(t, "single")
	c := h.controller(t, h.backend(), nil, nil)

	cases := map[string]func(p *InitParams){
		"no exam":       func(p *InitParams) { p.ExamID = uuid.Nil },
		"no attempt":    func(p *InitParams) { p.AttemptID = uuid.Nil },
		"no questions":  func(p *InitParams) { p.Questions = nil },
		"zero duration": func(p *InitParams) { p.DurationSeconds = 0 },
		"bad restore":   func(p *InitParams) { p.Restore = []model.ResponseItem{{QuestionID: uuid.New()}} },
		"duplicate ids": func(p *InitParams) { p.Questions = append(p.Questions, p.Questions[0]) },
		"option-less q": func(p *InitParams) { p.Questions = []model.Question{{ID: uuid.New(), Type: model.QuestionTypeSingle}} },
	}
	for name, mod := range cases {
		t.Run(name, func(t *testing.T) {
			p := h.params(model.ProctoringSettings{})
			mod(&p)
			assert.ErrorIs(t, c.InitExam(context.Background(), p), ErrInvalidInit)
			assert.Equal(t, StateUninitialized, c.State())
		})
	}

	require.NoError(t, c.InitExam(context.Background(), h.params(model.ProctoringSettings{})))
	assert.ErrorIs(t, c.InitExam(context.Background(), h.params(model.ProctoringSettings{})), ErrAlreadyStarted)
}

func TestCommandsBeforeInitFail(t *testing.T) {
	h := newHarness(t, "single")
	c := h.controller(t, h.backend(), nil, nil)

	assert.ErrorIs(t, c.Select(h.qs[0].ID, 0), ErrNotActive)
	_, err := c.Next()
	assert.ErrorIs(t, err, ErrNotActive)
	_, err = c.Submit(context.Background())
	assert.ErrorIs(t, err, ErrNotActive)
	assert.Equal(t, 0, len(h.b.Submits()))
}

func TestNavigationClampsAndVisits(t *testing.T) {
	h := newHarness(t, "single", "multiple", "single")
	c := h.controller(t, h.backend(), nil, nil)
	require.NoError(t, c.InitExam(context.Background(), h.params(model.ProctoringSettings{})))

	snap := c.Snapshot()
	assert.Equal(t, 0, snap.Cursor)
	assert.True(t, snap.CurrentAnswer.Visited)

	i, err := c.Previous()
	require.NoError(t, err)
	assert.Equal(t, 0, i)

	i, _ = c.Next()
	assert.Equal(t, 1, i)
	i, _ = c.GoTo(99)
	assert.Equal(t, 2, i)
	i, _ = c.Next()
	assert.Equal(t, 2, i)
	i, _ = c.GoTo(-4)
	assert.Equal(t, 0, i)

	for _, a := range c.Snapshot().Answers {
		assert.True(t, a.Visited)
	}
	assert.Equal(t, h.qs[0].ID, c.Snapshot().CurrentQuestion.ID)
}

func TestUnknownQuestionIsRejected(t *testing.T) {
	h := newHarness(t, "single")
	c := h.controller(t, h.backend(), nil, nil)
	require.NoError(t, c.InitExam(context.Background(), h.params(model.ProctoringSettings{})))

	assert.ErrorIs(t, c.Select(uuid.New(), 0), ledger.ErrUnknownQuestion)
	assert.ErrorIs(t, c.Select(h.qs[0].ID, 9), ledger.ErrOptionOutOfRange)
	assert.ErrorIs(t, c.ToggleReview(uuid.New()), ledger.ErrUnknownQuestion)
	assert.Equal(t, StateActive, c.State())
	assert.Equal(t, 0, c.Snapshot().Answered)
}

func TestClockExpiryAutosavesThenSubmitsOnce(t *testing.T) {
	h := newHarness(t, "single", "multiple")
	c := h.controller(t, h.backend(), nil, func(tu *Tuning) {
		tu.ClockTick = 5 * time.Millisecond
		tu.AutosaveInterval = 20 * time.Millisecond
	})
	require.NoError(t, c.InitExam(context.Background(), h.params(model.ProctoringSettings{})))
	assert.Equal(t, 60, c.Snapshot().RemainingSeconds)

	q1, q2 := h.qs[0].ID, h.qs[1].ID
	require.NoError(t, c.Select(q1, 0))
	require.NoError(t, c.ToggleReview(q2))

	want := []model.ResponseItem{
		{QuestionID: q1, SelectedOptions: []int{0}, MarkedForReview: false},
		{QuestionID: q2, SelectedOptions: []int{}, MarkedForReview: true},
	}

	require.Eventually(t, func() bool {
		for _, p := range h.b.Autosaves() {
			if assert.ObjectsAreEqual(want, p.Responses) {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool { return c.State() == StateTerminal }, 3*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	submits := h.b.Submits()
	require.Len(t, submits, 1)
	assert.Equal(t, want, submits[0].Responses)

	snap := c.Snapshot()
	assert.Equal(t, 0, snap.RemainingSeconds)
	assert.True(t, snap.Terminal)
	assert.Equal(t, TriggerTimeout, snap.Trigger)
	require.NotNil(t, snap.Result)
	assert.False(t, c.clock.Running())
	assert.False(t, c.autosave.Running())

	n := len(h.b.Autosaves())
	_, err := c.Submit(context.Background())
	assert.ErrorIs(t, err, ErrAlreadySubmitted)
	assert.ErrorIs(t, c.Select(q1, 1), ErrNotActive)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, h.b.Submits(), 1)
	assert.Equal(t, n, len(h.b.Autosaves()))
	assert.Equal(t, 1, h.events.count(ws.EventSubmitted))
}

func TestSubmittedAnswersRoundTrip(t *testing.T) {
	h := newHarness(t, "multiple", "single", "multiple")
	c := h.controller(t, h.backend(), nil, nil)
	require.NoError(t, c.InitExam(context.Background(), h.params(model.ProctoringSettings{})))

	require.NoError(t, c.Select(h.qs[0].ID, 3))
	require.NoError(t, c.Select(h.qs[0].ID, 1))
	require.NoError(t, c.Select(h.qs[1].ID, 2))
	require.NoError(t, c.ToggleReview(h.qs[1].ID))
	require.NoError(t, c.ToggleReview(h.qs[2].ID))
	before := c.Snapshot().Answers

	_, err := c.Submit(context.Background())
	require.NoError(t, err)

	stored, err := h.client.GetResponses(context.Background(), h.attempt.ID)
	require.NoError(t, err)

	reloaded := ledger.New(h.qs)
	require.NoError(t, reloaded.Restore(stored))
	for i, a := range reloaded.Answers() {
		assert.Equal(t, before[i].Selected, a.Selected)
		assert.Equal(t, before[i].MarkedForReview, a.MarkedForReview)
	}
}

func TestConcurrentSubmitsSendOnce(t *testing.T) {
	h := newHarness(t, "single")
	gb := &gatedBackend{Client: h.client, gate: make(chan struct{})}
	c := h.controller(t, gb, nil, nil)
	require.NoError(t, c.InitExam(context.Background(), h.params(model.ProctoringSettings{})))

	first := make(chan error, 1)
	go func() {
		_, err := c.Submit(context.Background())
		first <- err
	}()
	require.Eventually(t, func() bool { return gb.calls.Load() == 1 }, time.Second, 2*time.Millisecond)

	_, err := c.Submit(context.Background())
	assert.ErrorIs(t, err, ErrSubmitInFlight)
	_, err = c.coord.Submit(context.Background(), TriggerTimeout)
	assert.ErrorIs(t, err, ErrSubmitInFlight)
	assert.Equal(t, StateSubmitting, c.State())

	close(gb.gate)
	require.NoError(t, <-first)
	assert.Equal(t, int32(1), gb.calls.Load())
	assert.Equal(t, StateTerminal, c.State())
}

func TestFailedSubmitIsRetryable(t *testing.T) {
	h := newHarness(t, "single", "single")
	c := h.controller(t, h.backend(), nil, nil)
	require.NoError(t, c.InitExam(context.Background(), h.params(model.ProctoringSettings{})))
	require.NoError(t, c.Select(h.qs[1].ID, 2))

	h.b.FailSubmits(1)
	_, err := c.Submit(context.Background())
	require.ErrorIs(t, err, ErrSubmissionFailed)
	assert.ErrorIs(t, err, remote.ErrBackendUnavailable)
	assert.Equal(t, StateSubmitFailed, c.State())
	assert.False(t, c.Snapshot().Terminal)
	assert.NotEmpty(t, c.Snapshot().SubmitError)
	assert.Equal(t, 1, h.events.count(ws.EventSubmitFailed))

	cp, err := h.store.Load(context.Background(), h.attempt.ID)
	require.NoError(t, err)
	assert.Equal(t, []int{2}, cp.Responses[1].SelectedOptions)

	// The answer set is frozen while the retry is pending.
	assert.ErrorIs(t, c.Select(h.qs[0].ID, 1), ErrNotActive)

	res, err := c.Submit(context.Background())
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, StateTerminal, c.State())
	require.Len(t, h.b.Submits(), 1)
	assert.Equal(t, []int{}, h.b.Submits()[0].Responses[0].SelectedOptions)

	_, err = h.store.Load(context.Background(), h.attempt.ID)
	assert.ErrorIs(t, err, checkpoint.ErrNotFound)
}

func TestBackendAlreadySubmittedIsTerminal(t *testing.T) {
	h := newHarness(t, "single")
	_, err := h.client.Submit(context.Background(), h.attempt.ID, nil)
	require.NoError(t, err)

	c := h.controller(t, h.backend(), nil, nil)
	require.NoError(t, c.InitExam(context.Background(), h.params(model.ProctoringSettings{})))

	res, err := c.Submit(context.Background())
	require.NoError(t, err)
	assert.Nil(t, res)
	assert.Equal(t, StateTerminal, c.State())
}

func TestCameraDeniedKeepsExamRunning(t *testing.T) {
	h := newHarness(t, "single", "single")
	c := h.controller(t, h.backend(), deniedCamera{}, nil)
	require.NoError(t, c.InitExam(context.Background(), h.params(proctored())))

	snap := c.Snapshot()
	assert.True(t, snap.ProctoringEnabled)
	assert.False(t, snap.ProctoringAvailable)
	assert.Equal(t, capture.StateDegraded, snap.CaptureState)
	assert.Contains(t, snap.CameraError, "permission denied")

	require.NoError(t, c.Select(h.qs[0].ID, 1))
	i, err := c.Next()
	require.NoError(t, err)
	assert.Equal(t, 1, i)

	require.NoError(t, c.ObserveVisibility(true))
	require.Eventually(t, func() bool { return len(h.b.Violations()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, model.FlagTabSwitch, c.Snapshot().RecentViolations[0].Type)

	_, err = c.Submit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateTerminal, c.State())
	assert.Equal(t, 0, h.b.Frames())
}

func TestChannelReconnectKeepsAnswers(t *testing.T) {
	h := newHarness(t, "single", "multiple")
	c := h.controller(t, h.backend(), nil, nil)
	require.NoError(t, c.InitExam(context.Background(), h.params(proctored())))

	require.Eventually(t, func() bool {
		return c.Snapshot().Connection == string(health.StateOpen) && h.b.OpenChannels(h.attempt.ID) == 1
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, c.Select(h.qs[1].ID, 2))

	h.b.DropChannels()
	require.Eventually(t, func() bool {
		return h.events.has(ws.EventConnection, health.StateReconnectPending)
	}, 2*time.Second, 2*time.Millisecond)

	require.Eventually(t, func() bool {
		return c.Snapshot().Connection == string(health.StateOpen) && h.b.Dials(h.attempt.ID) >= 2
	}, 2*time.Second, 5*time.Millisecond)

	a, ok := c.Answer(h.qs[1].ID)
	require.True(t, ok)
	assert.Equal(t, []int{2}, a.Selected)
	assert.Equal(t, StateActive, c.State())

	h.b.SendHealth(h.attempt.ID, model.HealthStatus{Current: 35, Max: 100, Percentage: 35})
	require.Eventually(t, func() bool { return c.Snapshot().Health.Percentage == 35 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, h.events.count(ws.EventHealthWarning))
}

func TestZeroHealthSubmitsOnce(t *testing.T) {
	h := newHarness(t, "single")
	c := h.controller(t, h.backend(), nil, nil)
	require.NoError(t, c.InitExam(context.Background(), h.params(proctored())))
	require.Eventually(t, func() bool { return h.b.OpenChannels(h.attempt.ID) == 1 }, 2*time.Second, 5*time.Millisecond)

	h.b.SendHealth(h.attempt.ID, model.HealthStatus{Current: 0, Max: 100, Percentage: 0})
	h.b.SendHealth(h.attempt.ID, model.HealthStatus{Current: 0, Max: 100, Percentage: 0})

	require.Eventually(t, func() bool { return c.State() == StateTerminal }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, h.b.Submits(), 1)
	assert.Equal(t, TriggerHealth, c.Snapshot().Trigger)
	assert.Equal(t, string(health.StateClosed), c.Snapshot().Connection)
	assert.Equal(t, capture.StateStopped, c.Snapshot().CaptureState)
}

func TestHealthChannelRunsWithoutCamera(t *testing.T) {
	h := newHarness(t, "single")
	settings := proctored()
	settings.CameraEnabled = false
	c := h.controller(t, h.backend(), nil, nil)
	require.NoError(t, c.InitExam(context.Background(), h.params(settings)))

	require.Eventually(t, func() bool {
		return c.Snapshot().Connection == string(health.StateOpen) && h.b.OpenChannels(h.attempt.ID) == 1
	}, 2*time.Second, 5*time.Millisecond)
	snap := c.Snapshot()
	assert.False(t, snap.ProctoringEnabled)
	assert.Empty(t, snap.CaptureState)

	h.b.SendHealth(h.attempt.ID, model.HealthStatus{Current: 0, Max: 100, Percentage: 0})
	require.Eventually(t, func() bool { return c.State() == StateTerminal }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, h.b.Submits(), 1)
	assert.Equal(t, TriggerHealth, c.Snapshot().Trigger)
	assert.Equal(t, 0, h.b.Frames())
}

func TestZeroHealthWithoutAutoSubmit(t *testing.T) {
	h := newHarness(t, "single")
	settings := proctored()
	settings.AutoSubmitOnZeroHealth = false
	c := h.controller(t, h.backend(), nil, nil)
	require.NoError(t, c.InitExam(context.Background(), h.params(settings)))
	require.Eventually(t, func() bool { return h.b.OpenChannels(h.attempt.ID) == 1 }, 2*time.Second, 5*time.Millisecond)

	h.b.SendHealth(h.attempt.ID, model.HealthStatus{Current: 0, Max: 100, Percentage: 0})
	require.Eventually(t, func() bool { return c.Snapshot().Health.Status == model.HealthFailed }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, StateActive, c.State())
	assert.Empty(t, h.b.Submits())
}

func TestCloseStopsWithoutSubmitting(t *testing.T) {
	h := newHarness(t, "single")
	c := h.controller(t, h.backend(), nil, func(tu *Tuning) { tu.AutosaveInterval = 10 * time.Millisecond })
	require.NoError(t, c.InitExam(context.Background(), h.params(proctored())))
	require.NoError(t, c.Select(h.qs[0].ID, 0))
	require.Eventually(t, func() bool { return len(h.b.Autosaves()) > 0 }, time.Second, 5*time.Millisecond)

	c.Close()
	c.Close()
	n := len(h.b.Autosaves())
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, StateClosed, c.State())
	assert.Equal(t, n, len(h.b.Autosaves()))
	assert.Empty(t, h.b.Submits())
	assert.ErrorIs(t, c.Select(h.qs[0].ID, 1), ErrNotActive)
	_, err := c.Submit(context.Background())
	assert.ErrorIs(t, err, ErrNotActive)

	cp, err := h.store.Load(context.Background(), h.attempt.ID)
	require.NoError(t, err)
	assert.Equal(t, []int{0}, cp.Responses[0].SelectedOptions)
}

func TestInitRestoresCheckpoint(t *testing.T) {
	h := newHarness(t, "single", "multiple")
	c := h.controller(t, h.backend(), nil, nil)
	p := h.params(model.ProctoringSettings{})
	p.DurationSeconds = 17
	p.Restore = []model.ResponseItem{
		{QuestionID: h.qs[0].ID, SelectedOptions: []int{3}},
		{QuestionID: h.qs[1].ID, SelectedOptions: []int{0, 2}, MarkedForReview: true},
	}
	require.NoError(t, c.InitExam(context.Background(), p))

	snap := c.Snapshot()
	assert.Equal(t, 17, snap.RemainingSeconds)
	assert.Equal(t, 2, snap.Answered)
	assert.Equal(t, 1, snap.Marked)
	assert.Equal(t, []int{0, 2}, snap.Answers[1].Selected)
}
