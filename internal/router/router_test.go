package router

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stemsi/exstem-proctor/internal/checkpoint"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/handler"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/profile"
	"github.com/stemsi/exstem-proctor/internal/remote"
	"github.com/stemsi/exstem-proctor/internal/remote/remotetest"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/session"
	"github.com/stemsi/exstem-proctor/internal/validator"
	ws "github.com/stemsi/exstem-proctor/internal/websocket"
)

type agent struct {
	server  *httptest.Server
	backend *remotetest.Backend
	auth    *service.AuthService
	token   string
}

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error *struct {
		Code string `json:"code"`
	} `json:"error"`
}

func newAgent(t *testing.T) *agent {
	t.Helper()
	validator.Setup()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	b := remotetest.New()
	t.Cleanup(b.Close)
	b.SetSettings(model.ProctoringSettings{})

	cfg := &config.Config{GinMode: gin.TestMode, RateLimit: 100, LocalAPISecret: "test"}
	log := zerolog.Nop()
	hub := ws.NewHub(log)
	t.Cleanup(hub.Close)

	client := remote.NewClient(b.URL(), b.Token(), 2*time.Second, log)
	sessions := service.NewExamSessionService(client, service.ExamSessionOptions{
		Store:    checkpoint.NewMemory(),
		Fallback: profile.Default(),
		Sink:     hub,
		Tuning: session.Tuning{
			ClockTick:        time.Hour,
			AutosaveInterval: time.Hour,
			ReconnectDelay:   20 * time.Millisecond,
			PingInterval:     time.Second,
			SubmitTimeout:    2 * time.Second,
		},
	}, log)
	t.Cleanup(sessions.Shutdown)

	auth, err := service.NewAuthService(cfg)
	require.NoError(t, err)
	token, err := auth.IssueShellToken()
	require.NoError(t, err)

	r := SetupRouter(ctx, auth, &Handlers{
		Session: handler.NewSessionHandler(sessions, log),
		WS:      handler.NewWSHandler(hub, sessions, log, nil),
		System:  handler.NewSystemHandler(sessions, hub, handler.SystemInfo{Version: "test"}, log),
	}, cfg, log)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &agent{server: srv, backend: b, auth: auth, token: token}
}

func (a *agent) do(t *testing.T, method, path, body string) (int, envelope) {
	t.Helper()
	req, err := http.NewRequest(method, a.server.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()

	var env envelope
	require.NoError(t, json.NewDecoder(res.Body).Decode(&env))
	return res.StatusCode, env
}

func errCode(env envelope) string {
	if env.Error == nil {
		return ""
	}
	return env.Error.Code
}

func (a *agent) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(a.server.URL, "http") + "/ws/v1/session/events?token=" + a.token
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// await reads events until one of kind arrives.
func await(t *testing.T, conn *websocket.Conn, kind ws.Event) json.RawMessage {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		require.NoError(t, conn.SetReadDeadline(deadline))
		var msg struct {
			Event ws.Event        `json:"event"`
			Data  json.RawMessage `json:"data"`
		}
		require.NoError(t, conn.ReadJSON(&msg), "waiting for %s", kind)
		if msg.Event == kind {
			return msg.Data
		}
	}
}

func TestHealthAndMetricsArePublic(t *testing.T) {
	a := newAgent(t)

	res, err := http.Get(a.server.URL + "/health")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)

	res, err = http.Get(a.server.URL + "/metrics")
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Empty(t, res.Header.Get("Content-Encoding"))
}

func TestSessionRoutesRequireShellToken(t *testing.T) {
	a := newAgent(t)
	current := a.token

	a.token = ""
	status, env := a.do(t, http.MethodGet, "/api/v1/session", "")
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "TOKEN_REQUIRED", errCode(env))

	a.token = current
	_, err := a.auth.IssueShellToken()
	require.NoError(t, err)
	status, env = a.do(t, http.MethodGet, "/api/v1/session", "")
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "SESSION_INVALIDATED", errCode(env))
}

func TestExamFlowOverControlAPI(t *testing.T) {
	a := newAgent(t)
	exam, qids := a.backend.AddExam(10, "single", "multiple")

	status, env := a.do(t, http.MethodGet, "/api/v1/session", "")
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "NO_SESSION", errCode(env))

	status, env = a.do(t, http.MethodPost, "/api/v1/session", `{"exam_id":"nope"}`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "VALIDATION_ERROR", errCode(env))

	status, env = a.do(t, http.MethodPost, "/api/v1/session", `{"exam_id":"`+uuid.NewString()+`"}`)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "NOT_FOUND", errCode(env))

	status, env = a.do(t, http.MethodPost, "/api/v1/session", `{"exam_id":"`+exam.ID.String()+`"}`)
	require.Equal(t, http.StatusCreated, status)
	var started service.StartResult
	require.NoError(t, json.Unmarshal(env.Data, &started))
	assert.Equal(t, session.StateActive, started.Session.State)
	assert.Equal(t, 600, started.Session.RemainingSeconds)

	status, env = a.do(t, http.MethodPost, "/api/v1/session", `{"exam_id":"`+exam.ID.String()+`"}`)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "SESSION_IN_PROGRESS", errCode(env))

	conn := a.dial(t)
	var snap session.Snapshot
	require.NoError(t, json.Unmarshal(await(t, conn, ws.EventSnapshot), &snap))
	assert.Equal(t, started.Session.AttemptID, snap.AttemptID)

	require.NoError(t, conn.WriteJSON(ws.RequestEnvelope{Action: ws.ActionPing}))
	await(t, conn, ws.EventPong)

	status, env = a.do(t, http.MethodPost, "/api/v1/session/answers",
		`{"question_id":"`+qids[0].String()+`","option":0}`)
	require.Equal(t, http.StatusOK, status)
	var answered struct {
		Answer   model.Answer `json:"answer"`
		Answered int          `json:"answered"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &answered))
	assert.Equal(t, []int{0}, answered.Answer.Selected)
	assert.Equal(t, 1, answered.Answered)

	status, env = a.do(t, http.MethodPost, "/api/v1/session/answers",
		`{"question_id":"`+uuid.NewString()+`","option":0}`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "UNKNOWN_QUESTION", errCode(env))

	status, env = a.do(t, http.MethodPost, "/api/v1/session/answers",
		`{"question_id":"`+qids[1].String()+`","option":9}`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "OPTION_OUT_OF_RANGE", errCode(env))

	status, _ = a.do(t, http.MethodPost, "/api/v1/session/review", `{"question_id":"`+qids[1].String()+`"}`)
	assert.Equal(t, http.StatusOK, status)

	status, env = a.do(t, http.MethodPost, "/api/v1/session/navigate", `{"action":"next"}`)
	require.Equal(t, http.StatusOK, status)
	require.NoError(t, json.Unmarshal(env.Data, &snap))
	assert.Equal(t, 1, snap.Cursor)
	assert.Equal(t, 1, snap.Marked)

	status, env = a.do(t, http.MethodPost, "/api/v1/session/navigate", `{"action":"goto","index":99}`)
	require.Equal(t, http.StatusOK, status)
	require.NoError(t, json.Unmarshal(env.Data, &snap))
	assert.Equal(t, 1, snap.Cursor)

	status, env = a.do(t, http.MethodPost, "/api/v1/session/navigate", `{"action":"sideways"}`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "VALIDATION_ERROR", errCode(env))

	status, _ = a.do(t, http.MethodPost, "/api/v1/session/visibility", `{"hidden":true}`)
	assert.Equal(t, http.StatusOK, status)

	status, env = a.do(t, http.MethodGet, "/api/v1/session/results", "")
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "NOT_SUBMITTED", errCode(env))

	status, _ = a.do(t, http.MethodPost, "/api/v1/session/submit", "")
	require.Equal(t, http.StatusOK, status)
	await(t, conn, ws.EventSubmitted)
	require.Len(t, a.backend.Submits(), 1)

	status, env = a.do(t, http.MethodPost, "/api/v1/session/submit", "")
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "ALREADY_SUBMITTED", errCode(env))

	status, env = a.do(t, http.MethodPost, "/api/v1/session/answers",
		`{"question_id":"`+qids[0].String()+`","option":1}`)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "SESSION_NOT_ACTIVE", errCode(env))

	status, env = a.do(t, http.MethodGet, "/api/v1/session/results", "")
	require.Equal(t, http.StatusOK, status)
	var result model.AttemptResult
	require.NoError(t, json.Unmarshal(env.Data, &result))
	assert.Equal(t, 50.0, result.Score)

	status, env = a.do(t, http.MethodGet, "/api/v1/system/status", "")
	require.Equal(t, http.StatusOK, status)
	var st struct {
		SessionState session.State `json:"session_state"`
		Subscribers  int           `json:"subscribers"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &st))
	assert.Equal(t, session.StateTerminal, st.SessionState)
	assert.Equal(t, 1, st.Subscribers)

	status, _ = a.do(t, http.MethodDelete, "/api/v1/session", "")
	assert.Equal(t, http.StatusOK, status)
	status, _ = a.do(t, http.MethodGet, "/api/v1/session", "")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestSubmitFailureIsRetryable(t *testing.T) {
	a := newAgent(t)
	exam, _ := a.backend.AddExam(10, "single")

	status, _ := a.do(t, http.MethodPost, "/api/v1/session", `{"exam_id":"`+exam.ID.String()+`"}`)
	require.Equal(t, http.StatusCreated, status)

	a.backend.FailSubmits(1)
	status, env := a.do(t, http.MethodPost, "/api/v1/session/submit", "")
	assert.Equal(t, http.StatusBadGateway, status)
	assert.Equal(t, "SUBMISSION_FAILED", errCode(env))

	status, _ = a.do(t, http.MethodPost, "/api/v1/session/submit", "")
	assert.Equal(t, http.StatusOK, status)
}
