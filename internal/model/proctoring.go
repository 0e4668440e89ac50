package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ProctoringSettings is the per-exam proctoring configuration served by
// GET /monitor/enhanced/exam/{id}/proctoring-settings.
type ProctoringSettings struct {
	CameraEnabled          bool    `json:"camera_enabled" toml:"camera_enabled"`
	MicrophoneEnabled      bool    `json:"microphone_enabled" toml:"microphone_enabled"`
	FaceDetectionEnabled   bool    `json:"face_detection_enabled" toml:"face_detection_enabled"`
	MultipleFaceDetection  bool    `json:"multiple_face_detection" toml:"multiple_face_detection"`
	HeadPoseDetection      bool    `json:"head_pose_detection" toml:"head_pose_detection"`
	TabSwitchDetection     bool    `json:"tab_switch_detection" toml:"tab_switch_detection"`
	MinFaceConfidence      float64 `json:"min_face_confidence" toml:"min_face_confidence"`
	MaxHeadRotation        float64 `json:"max_head_rotation" toml:"max_head_rotation"`
	DetectionInterval      int     `json:"detection_interval" toml:"detection_interval"`
	InitialHealth          int     `json:"initial_health" toml:"initial_health"`
	HealthWarningThreshold int     `json:"health_warning_threshold" toml:"health_warning_threshold"`
	AutoSubmitOnZeroHealth bool    `json:"auto_submit_on_zero_health" toml:"auto_submit_on_zero_health"`
}

// ProctoringEnabled reports whether the camera and visibility watch run. The
// health channel runs for every attempt.
func (s *ProctoringSettings) ProctoringEnabled() bool {
	return s.CameraEnabled
}

// FrameInterval is the capture cadence. Values below one second are clamped.
func (s *ProctoringSettings) FrameInterval() time.Duration {
	if s.DetectionInterval < 1 {
		return time.Second
	}
	return time.Duration(s.DetectionInterval) * time.Second
}

// HealthState is the categorical health band.
type HealthState string

const (
	HealthGood     HealthState = "good"
	HealthWarning  HealthState = "warning"
	HealthCritical HealthState = "critical"
	HealthFailed   HealthState = "failed"
)

// BandFor derives the band from a percentage when the backend omits it.
func BandFor(percentage float64) HealthState {
	switch {
	case percentage > 70:
		return HealthGood
	case percentage > 40:
		return HealthWarning
	case percentage > 0:
		return HealthCritical
	default:
		return HealthFailed
	}
}

// HealthStatus is the payload of a health_update message.
type HealthStatus struct {
	Current         int         `json:"current"`
	Max             int         `json:"max"`
	Percentage      float64     `json:"percentage"`
	Status          HealthState `json:"status"`
	ViolationsCount int         `json:"violations_count"`
}

// Severity of a violation.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Violation flag types observed by the client or returned by frame analysis.
const (
	FlagNoFace        = "no_face_detected"
	FlagMultipleFaces = "multiple_faces_detected"
	FlagLookingAway   = "looking_away"
	FlagTabSwitch     = "tab_switch"
)

// Violation is a discrete proctoring event.
type Violation struct {
	Type      string                 `json:"type"`
	Severity  Severity               `json:"severity"`
	Message   string                 `json:"message"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// DetectionResult is the server-side analysis of one uploaded frame.
type DetectionResult struct {
	FacesDetected   int      `json:"faces_detected"`
	FacePresent     bool     `json:"face_present"`
	MultipleFaces   bool     `json:"multiple_faces"`
	LookingAtScreen bool     `json:"looking_at_screen"`
	FaceConfidence  float64  `json:"face_confidence"`
	Flags           FlagList `json:"flags"`
}

// FlagList decodes frame-analysis flags, which the backend emits either as
// bare type strings or as full violation objects.
type FlagList []Violation

// UnmarshalJSON implements json.Unmarshaler.
func (f *FlagList) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(FlagList, 0, len(raw))
	for _, r := range raw {
		var name string
		if err := json.Unmarshal(r, &name); err == nil {
			out = append(out, Violation{Type: name, Severity: SeverityMedium})
			continue
		}
		var v Violation
		if err := json.Unmarshal(r, &v); err != nil {
			return err
		}
		if v.Severity == "" {
			v.Severity = SeverityMedium
		}
		out = append(out, v)
	}
	*f = out
	return nil
}

// ViolationReport is the body of POST /monitor/enhanced/violation.
type ViolationReport struct {
	AttemptID uuid.UUID   `json:"attempt_id"`
	EventType string      `json:"event_type"`
	Flags     []Violation `json:"flags"`
	Timestamp time.Time   `json:"timestamp"`
}
