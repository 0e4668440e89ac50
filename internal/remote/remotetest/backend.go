// Package remotetest provides an in-process fake of the proctoring backend
// for tests.
package remotetest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/stemsi/exstem-proctor/internal/model"
)

// Backend is a fake backend served by httptest.
type Backend struct {
	Server *httptest.Server

	mu            sync.Mutex
	exams         map[uuid.UUID]model.Exam
	questions     map[uuid.UUID][]map[string]interface{}
	settings      *model.ProctoringSettings
	settingsFail  bool
	attempts      map[uuid.UUID]model.Attempt
	activeByExam  map[uuid.UUID]uuid.UUID
	autosaves     []model.ResponsesPayload
	autosaveFail  bool
	autosaveDelay time.Duration
	submits       []model.ResponsesPayload
	stored        map[uuid.UUID][]model.ResponseItem
	submitFail    int
	frames        int
	frameResult   model.DetectionResult
	frameFail     bool
	violations    []model.ViolationReport
	conns         map[uuid.UUID][]*peer
	dials         map[uuid.UUID]int
	rejectWS      bool
	lastAuth      string
	token         string
}

// New starts a fake backend. Close it with b.Server.Close().
func New() *Backend {
	b := &Backend{
		exams:        map[uuid.UUID]model.Exam{},
		questions:    map[uuid.UUID][]map[string]interface{}{},
		attempts:     map[uuid.UUID]model.Attempt{},
		activeByExam: map[uuid.UUID]uuid.UUID{},
		stored:       map[uuid.UUID][]model.ResponseItem{},
		conns:        map[uuid.UUID][]*peer{},
		dials:        map[uuid.UUID]int{},
		frameResult:  model.DetectionResult{FacesDetected: 1, FacePresent: true, LookingAtScreen: true, FaceConfidence: 0.9},
		token:        "test-token",
	}
	b.Server = httptest.NewServer(http.HandlerFunc(b.route))
	return b
}

// URL is the API base URL (".../api/v1").
func (b *Backend) URL() string {
	return b.Server.URL + "/api/v1"
}

// Close shuts the server and its channel connections down.
func (b *Backend) Close() {
	b.DropChannels()
	b.Server.Close()
}

// AddExam registers an exam with questions given as (type, optionCount) pairs
// and returns the exam and the question ids in order.
func (b *Backend) AddExam(durationMinutes int, types ...string) (model.Exam, []uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	exam := model.Exam{ID: uuid.New(), Title: "Fake exam", DurationMinutes: durationMinutes, Status: model.ExamStatusLive}
	b.exams[exam.ID] = exam

	var ids []uuid.UUID
	for i, t := range types {
		qid := uuid.New()
		ids = append(ids, qid)
		var opts []map[string]interface{}
		for o := 3; o >= 0; o-- {
			opts = append(opts, map[string]interface{}{
				"id":            uuid.New(),
				"option_text":   fmt.Sprintf("option %d", o),
				"is_correct":    o == 0,
				"display_order": o,
			})
		}
		b.questions[exam.ID] = append(b.questions[exam.ID], map[string]interface{}{
			"id":            qid,
			"exam_id":       exam.ID,
			"question_text": fmt.Sprintf("question %d", i+1),
			"question_type": t,
			"marks":         1,
			"topic":         nil,
			"display_order": i,
			"options":       opts,
		})
	}
	return exam, ids
}

// SetSettings sets the proctoring settings served for every exam.
func (b *Backend) SetSettings(s model.ProctoringSettings) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.settings = &s
}

// FailSettings makes the settings endpoint return 500.
func (b *Backend) FailSettings(fail bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.settingsFail = fail
}

// FailAutosave makes autosave return 503.
func (b *Backend) FailAutosave(fail bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.autosaveFail = fail
}

// SetAutosaveDelay holds autosave requests for d before replying.
func (b *Backend) SetAutosaveDelay(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.autosaveDelay = d
}

// FailSubmits makes the next n submits return 503.
func (b *Backend) FailSubmits(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.submitFail = n
}

// SetFrameResult sets the analysis returned for uploaded frames.
func (b *Backend) SetFrameResult(r model.DetectionResult) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.frameResult = r
}

// FailFrames makes frame uploads return 500.
func (b *Backend) FailFrames(fail bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.frameFail = fail
}

// RejectChannels makes WebSocket upgrades fail with 503.
func (b *Backend) RejectChannels(reject bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rejectWS = reject
}

// Autosaves returns the autosave payloads received so far.
func (b *Backend) Autosaves() []model.ResponsesPayload {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]model.ResponsesPayload(nil), b.autosaves...)
}

// Submits returns the accepted submit payloads.
func (b *Backend) Submits() []model.ResponsesPayload {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]model.ResponsesPayload(nil), b.submits...)
}

// Frames returns the number of frames uploaded.
func (b *Backend) Frames() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.frames
}

// Violations returns the violation reports received.
func (b *Backend) Violations() []model.ViolationReport {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]model.ViolationReport(nil), b.violations...)
}

// Dials returns how many channel connections an attempt has opened.
func (b *Backend) Dials(attemptID uuid.UUID) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials[attemptID]
}

// LastAuthorization returns the Authorization header of the last request.
func (b *Backend) LastAuthorization() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastAuth
}

// Token is the token handed out by the login endpoint.
func (b *Backend) Token() string {
	return b.token
}

// SendHealth pushes a health_update to every open channel of an attempt.
func (b *Backend) SendHealth(attemptID uuid.UUID, h model.HealthStatus) {
	b.send(attemptID, map[string]interface{}{"type": "health_update", "data": h})
}

// SendViolation pushes a violation_alert to every open channel of an attempt.
func (b *Backend) SendViolation(attemptID uuid.UUID, v model.Violation) {
	b.send(attemptID, map[string]interface{}{"type": "violation_alert", "data": v})
}

// SendRaw pushes raw text to every open channel of an attempt.
func (b *Backend) SendRaw(attemptID uuid.UUID, raw string) {
	for _, p := range b.peers(attemptID) {
		_ = p.write(websocket.TextMessage, []byte(raw))
	}
}

func (b *Backend) send(attemptID uuid.UUID, msg interface{}) {
	data, _ := json.Marshal(msg)
	for _, p := range b.peers(attemptID) {
		_ = p.write(websocket.TextMessage, data)
	}
}

func (b *Backend) peers(attemptID uuid.UUID) []*peer {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*peer(nil), b.conns[attemptID]...)
}

// peer serialises writes on one server-side connection.
type peer struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (p *peer) write(kind int, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn.WriteMessage(kind, data)
}

// DropChannels closes every open channel connection.
func (b *Backend) DropChannels() {
	b.mu.Lock()
	all := b.conns
	b.conns = map[uuid.UUID][]*peer{}
	b.mu.Unlock()
	for _, ps := range all {
		for _, p := range ps {
			_ = p.conn.Close()
		}
	}
}

// OpenChannels returns the number of live channel connections of an attempt.
func (b *Backend) OpenChannels(attemptID uuid.UUID) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns[attemptID])
}

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

func (b *Backend) route(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	b.lastAuth = r.Header.Get("Authorization")
	token := b.token
	b.mu.Unlock()

	path := strings.TrimPrefix(r.URL.Path, "/api/v1")
	authorized := bearerMatches(r, token)
	if path != "/auth/login" && !authorized {
		writeDetail(w, http.StatusUnauthorized, "Could not validate credentials")
		return
	}
	parts := strings.Split(strings.Trim(path, "/"), "/")

	switch {
	case r.Method == http.MethodPost && path == "/auth/login":
		b.login(w, r)
	case r.Method == http.MethodGet && len(parts) == 2 && parts[0] == "exams":
		b.getExam(w, parts[1])
	case r.Method == http.MethodGet && len(parts) == 3 && parts[0] == "exams" && parts[2] == "questions":
		b.getQuestions(w, parts[1])
	case r.Method == http.MethodPost && path == "/attempts/start":
		b.startAttempt(w, r)
	case r.Method == http.MethodPost && len(parts) == 3 && parts[0] == "attempts" && parts[2] == "auto-save":
		b.autosave(w, r)
	case r.Method == http.MethodPost && len(parts) == 3 && parts[0] == "attempts" && parts[2] == "submit":
		b.submit(w, r, parts[1])
	case r.Method == http.MethodGet && len(parts) == 3 && parts[0] == "attempts" && parts[2] == "responses":
		b.responses(w, parts[1])
	case r.Method == http.MethodGet && len(parts) == 3 && parts[0] == "attempts" && parts[2] == "results":
		writeJSON(w, http.StatusOK, model.AttemptResult{SubmitResult: model.SubmitResult{Score: 50}})
	case r.Method == http.MethodPost && path == "/monitor/frame":
		b.frame(w, r)
	case r.Method == http.MethodPost && path == "/monitor/enhanced/violation":
		b.violation(w, r)
	case r.Method == http.MethodGet && strings.HasPrefix(path, "/monitor/enhanced/exam/"):
		b.getSettings(w)
	case strings.HasPrefix(path, "/monitor/enhanced/ws/proctoring/"):
		b.channel(w, r, parts[len(parts)-1])
	default:
		writeDetail(w, http.StatusNotFound, "Not Found")
	}
}

// bearerMatches accepts the bearer header or, for WebSocket dials, the
// token query parameter.
func bearerMatches(r *http.Request, token string) bool {
	return r.Header.Get("Authorization") == "Bearer "+token || r.URL.Query().Get("token") == token
}

func (b *Backend) login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.Password != "secret" {
		writeDetail(w, http.StatusUnauthorized, "Incorrect email or password")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"access_token": b.token, "token_type": "bearer"})
}

func (b *Backend) getExam(w http.ResponseWriter, raw string) {
	id, _ := uuid.Parse(raw)
	b.mu.Lock()
	exam, ok := b.exams[id]
	b.mu.Unlock()
	if !ok {
		writeDetail(w, http.StatusNotFound, "Exam not found")
		return
	}
	writeJSON(w, http.StatusOK, exam)
}

func (b *Backend) getQuestions(w http.ResponseWriter, raw string) {
	id, _ := uuid.Parse(raw)
	b.mu.Lock()
	qs, ok := b.questions[id]
	b.mu.Unlock()
	if !ok {
		writeDetail(w, http.StatusNotFound, "Exam not found")
		return
	}
	writeJSON(w, http.StatusOK, qs)
}

func (b *Backend) getSettings(w http.ResponseWriter) {
	b.mu.Lock()
	fail, s := b.settingsFail, b.settings
	b.mu.Unlock()
	if fail {
		writeDetail(w, http.StatusInternalServerError, "settings unavailable")
		return
	}
	if s == nil {
		writeDetail(w, http.StatusNotFound, "no settings")
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (b *Backend) startAttempt(w http.ResponseWriter, r *http.Request) {
	var req model.StartAttemptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.exams[req.ExamID]; !ok {
		writeDetail(w, http.StatusNotFound, "Exam not found")
		return
	}
	if _, busy := b.activeByExam[req.ExamID]; busy {
		writeDetail(w, http.StatusBadRequest, "You have an exam in progress. Please complete or submit it first.")
		return
	}
	a := model.Attempt{ID: uuid.New(), ExamID: req.ExamID, StartedAt: time.Now().UTC(), Status: model.AttemptStatusInProgress}
	b.attempts[a.ID] = a
	b.activeByExam[req.ExamID] = a.ID
	writeJSON(w, http.StatusCreated, a)
}

func (b *Backend) autosave(w http.ResponseWriter, r *http.Request) {
	var p model.ResponsesPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	b.mu.Lock()
	fail, delay := b.autosaveFail, b.autosaveDelay
	b.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}
	if fail {
		writeDetail(w, http.StatusServiceUnavailable, "try later")
		return
	}
	b.mu.Lock()
	b.autosaves = append(b.autosaves, p)
	b.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"message": "Progress saved"})
}

func (b *Backend) submit(w http.ResponseWriter, r *http.Request, raw string) {
	id, _ := uuid.Parse(raw)
	var p model.ResponsesPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	a, ok := b.attempts[id]
	if !ok {
		writeDetail(w, http.StatusNotFound, "Attempt not found")
		return
	}
	if b.submitFail > 0 {
		b.submitFail--
		writeDetail(w, http.StatusServiceUnavailable, "database busy")
		return
	}
	if a.Status != model.AttemptStatusInProgress {
		writeDetail(w, http.StatusBadRequest, "Attempt already submitted")
		return
	}
	a.Status = model.AttemptStatusSubmitted
	b.attempts[id] = a
	delete(b.activeByExam, a.ExamID)
	b.submits = append(b.submits, p)
	b.stored[id] = p.Responses
	writeJSON(w, http.StatusOK, model.SubmitResult{Score: 50, TotalQuestions: len(p.Responses)})
}

func (b *Backend) responses(w http.ResponseWriter, raw string) {
	id, _ := uuid.Parse(raw)
	b.mu.Lock()
	items, ok := b.stored[id]
	b.mu.Unlock()
	if !ok {
		writeDetail(w, http.StatusNotFound, "Attempt not found")
		return
	}
	writeJSON(w, http.StatusOK, model.ResponsesPayload{Responses: items})
}

func (b *Backend) frame(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}
	f, hdr, err := r.FormFile("file")
	if err != nil || r.FormValue("attempt_id") == "" {
		writeDetail(w, http.StatusUnprocessableEntity, "file and attempt_id are required")
		return
	}
	defer f.Close()
	data, _ := io.ReadAll(f)
	if len(data) == 0 || hdr.Header.Get("Content-Type") != "image/jpeg" {
		writeDetail(w, http.StatusUnprocessableEntity, "jpeg frame required")
		return
	}

	b.mu.Lock()
	fail, res := b.frameFail, b.frameResult
	if !fail {
		b.frames++
	}
	b.mu.Unlock()
	if fail {
		writeDetail(w, http.StatusInternalServerError, "detector crashed")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (b *Backend) violation(w http.ResponseWriter, r *http.Request) {
	var rep model.ViolationReport
	if err := json.NewDecoder(r.Body).Decode(&rep); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	b.mu.Lock()
	b.violations = append(b.violations, rep)
	b.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]interface{}{"violations_logged": len(rep.Flags)})
}

func (b *Backend) channel(w http.ResponseWriter, r *http.Request, raw string) {
	id, _ := uuid.Parse(raw)
	b.mu.Lock()
	reject := b.rejectWS
	b.dials[id]++
	b.mu.Unlock()
	if reject {
		writeDetail(w, http.StatusServiceUnavailable, "channel unavailable")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	p := &peer{conn: conn}
	_ = p.write(websocket.TextMessage, []byte(`{"type":"connected","attempt_id":"`+raw+`"}`))

	b.mu.Lock()
	b.conns[id] = append(b.conns[id], p)
	b.mu.Unlock()

	go func() {
		defer b.forget(id, p)
		for {
			var msg map[string]interface{}
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			if msg["type"] == "ping" {
				_ = p.write(websocket.TextMessage, []byte(`{"type":"pong"}`))
			}
		}
	}()
}

func (b *Backend) forget(id uuid.UUID, p *peer) {
	_ = p.conn.Close()
	b.mu.Lock()
	defer b.mu.Unlock()
	ps := b.conns[id]
	for i, c := range ps {
		if c == p {
			b.conns[id] = append(ps[:i], ps[i+1:]...)
			break
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
