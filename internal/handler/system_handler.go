package handler

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/session"
	ws "github.com/stemsi/exstem-proctor/internal/websocket"
)

const statusInterval = 7 * time.Second

// SystemInfo is the static part of the agent status.
type SystemInfo struct {
	Version           string
	BackendURL        string
	CheckpointBackend string
}

// SystemHandler reports agent health and runtime figures to the shell.
type SystemHandler struct {
	sessions  *service.ExamSessionService
	hub       *ws.Hub
	info      SystemInfo
	startTime time.Time
	log       zerolog.Logger
}

func NewSystemHandler(sessions *service.ExamSessionService, hub *ws.Hub, info SystemInfo, log zerolog.Logger) *SystemHandler {
	return &SystemHandler{
		sessions:  sessions,
		hub:       hub,
		info:      info,
		startTime: time.Now(),
		log:       log.With().Str("component", "system_handler").Logger(),
	}
}

type agentStatus struct {
	Timestamp int64  `json:"timestamp"`
	Uptime    string `json:"uptime"`
	Version   string `json:"version"`

	// Session
	SessionState     session.State `json:"session_state,omitempty"`
	AttemptID        *uuid.UUID    `json:"attempt_id,omitempty"`
	RemainingSeconds int           `json:"remaining_seconds"`
	Connection       string        `json:"connection,omitempty"`
	Subscribers      int           `json:"subscribers"`

	// Wiring
	BackendURL        string `json:"backend_url"`
	CheckpointBackend string `json:"checkpoint_backend"`

	// Go Application
	Goroutines  int    `json:"goroutines"`
	HeapAlloc   uint64 `json:"heap_alloc"`
	HeapSys     uint64 `json:"heap_sys"`
	NumGC       uint32 `json:"num_gc"`
	AppRSSBytes uint64 `json:"app_rss_bytes,omitempty"`
	GoVersion   string `json:"go_version"`
	NumCPU      int    `json:"num_cpu"`
	OS          string `json:"os"`
}

// Status godoc
// GET /api/v1/system/status
func (h *SystemHandler) Status(c *gin.Context) {
	response.Success(c, http.StatusOK, h.collect())
}

// StatusSSE godoc
// GET /api/v1/system/status/stream
// Streams the agent status every few seconds until the client leaves.
func (h *SystemHandler) StatusSSE(c *gin.Context) {
	reqCtx := c.Request.Context()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	h.log.Debug().Msg("Shell connected to status SSE")

	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()

	// Send immediately on connect, then every tick
	h.writeStatus(c)

	for {
		select {
		case <-reqCtx.Done():
			h.log.Debug().Msg("Shell disconnected from status SSE")
			return
		case <-ticker.C:
			h.writeStatus(c)
		}
	}
}

func (h *SystemHandler) writeStatus(c *gin.Context) {
	data, err := json.Marshal(h.collect())
	if err != nil {
		return
	}
	c.Writer.Write([]byte("data: "))
	c.Writer.Write(data)
	c.Writer.Write([]byte("\n\n"))
	c.Writer.Flush()
}

func (h *SystemHandler) collect() agentStatus {
	m := agentStatus{
		Timestamp:         time.Now().Unix(),
		Uptime:            formatDuration(time.Since(h.startTime)),
		Version:           h.info.Version,
		Subscribers:       h.hub.Len(),
		BackendURL:        h.info.BackendURL,
		CheckpointBackend: h.info.CheckpointBackend,
		GoVersion:         runtime.Version(),
		NumCPU:            runtime.NumCPU(),
		OS:                runtime.GOOS,
	}

	if ctrl, err := h.sessions.Current(); err == nil {
		snap := ctrl.Snapshot()
		m.SessionState = snap.State
		m.AttemptID = &snap.AttemptID
		m.RemainingSeconds = snap.RemainingSeconds
		m.Connection = snap.Connection
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	m.Goroutines = runtime.NumGoroutine()
	m.HeapAlloc = ms.HeapAlloc
	m.HeapSys = ms.Sys
	m.NumGC = ms.NumGC

	// Only available on Linux.
	m.AppRSSBytes, _ = readProcessRSS()

	return m
}

// readProcessRSS reads VmRSS from /proc/self/status.
func readProcessRSS() (uint64, error) {
	f, err := os.Open("/proc/self/status")
	if err != nil {
		return 0, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "VmRSS:") {
			// Format: "VmRSS:     16384 kB"
			fields := strings.Fields(line)
			if len(fields) < 2 {
				return 0, fmt.Errorf("unexpected VmRSS format")
			}
			val, _ := strconv.ParseUint(fields[1], 10, 64)
			return val * 1024, nil
		}
	}
	return 0, fmt.Errorf("VmRSS not found")
}

// ---------- Helpers ----------

func formatDuration(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm %ds", days, hours, minutes, seconds)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	}
	return fmt.Sprintf("%dm %ds", minutes, seconds)
}
