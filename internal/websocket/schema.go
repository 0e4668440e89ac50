package websocket

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ─── Backend proctoring channel ─────────────────────────────────────

type MessageType string

const (
	MessagePing           MessageType = "ping"
	MessagePong           MessageType = "pong"
	MessageConnected      MessageType = "connected"
	MessageHealthUpdate   MessageType = "health_update"
	MessageViolationAlert MessageType = "violation_alert"
)

// Message is the envelope of every frame on the proctoring channel. Data is
// decoded once Type is known.
type Message struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// PingMessage is the keep-alive sent to the backend.
type PingMessage struct {
	Type MessageType `json:"type"`
}

// ─── Actions (Shell → Agent) ────────────────────────────────────────

type Action string

const (
	ActionPing       Action = "ping"
	ActionVisibility Action = "visibility"
)

// RequestEnvelope is used to peek at the action before full parsing.
type RequestEnvelope struct {
	Action Action `json:"action"`
}

// VisibilityRequest reports that the exam window was hidden or shown.
type VisibilityRequest struct {
	Action Action `json:"action"`
	Hidden bool   `json:"hidden"`
}

// ─── Events (Agent → Shell) ─────────────────────────────────────────

type Event string

const (
	EventError         Event = "error"
	EventPong          Event = "pong"
	EventSnapshot      Event = "snapshot"
	EventState         Event = "state"
	EventHealth        Event = "health"
	EventHealthWarning Event = "health_warning"
	EventViolation     Event = "violation"
	EventDetection     Event = "detection"
	EventConnection    Event = "connection"
	EventAutosave      Event = "autosave"
	EventSubmitted     Event = "submitted"
	EventSubmitFailed  Event = "submit_failed"
)

// EventEnvelope carries one engine event to the shell.
type EventEnvelope struct {
	Event     Event       `json:"event"`
	AttemptID uuid.UUID   `json:"attempt_id,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

type ErrorResponse struct {
	Event Event  `json:"event"`
	Error string `json:"error"`
}

type PongResponse struct {
	Event Event `json:"event"`
}
