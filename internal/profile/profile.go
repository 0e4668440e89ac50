// Package profile provides the fallback proctoring settings applied when the
// backend's settings endpoint is unavailable.
package profile

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"

	toml "github.com/pelletier/go-toml/v2"

	"github.com/stemsi/exstem-proctor/internal/model"
)

//go:embed default.toml
var defaultProfile []byte

// Default returns the built-in profile.
func Default() model.ProctoringSettings {
	var s model.ProctoringSettings
	if err := toml.Unmarshal(defaultProfile, &s); err != nil {
		panic(fmt.Sprintf("embedded proctoring profile: %v", err))
	}
	return s
}

// Load returns the built-in profile overlaid with the keys present in the
// TOML file at path. An empty path returns the built-in profile.
func Load(path string) (model.ProctoringSettings, error) {
	s := Default()
	if path == "" {
		return s, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return s, fmt.Errorf("read proctoring profile: %w", err)
	}
	if err := Parse(data, &s); err != nil {
		return Default(), fmt.Errorf("parse proctoring profile %s: %w", path, err)
	}
	return s, nil
}

// Parse decodes a TOML profile onto s. Keys absent from data keep their
// current value; unknown keys are rejected.
func Parse(data []byte, s *model.ProctoringSettings) error {
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(s); err != nil {
		return err
	}
	return Validate(s)
}

// Validate rejects settings the engine cannot run with.
func Validate(s *model.ProctoringSettings) error {
	switch {
	case s.DetectionInterval < 1:
		return fmt.Errorf("detection_interval must be at least 1, got %d", s.DetectionInterval)
	case s.InitialHealth < 1:
		return fmt.Errorf("initial_health must be positive, got %d", s.InitialHealth)
	case s.HealthWarningThreshold < 0 || s.HealthWarningThreshold > 100:
		return fmt.Errorf("health_warning_threshold must be within 0..100, got %d", s.HealthWarningThreshold)
	case s.MinFaceConfidence < 0 || s.MinFaceConfidence > 1:
		return fmt.Errorf("min_face_confidence must be within 0..1, got %v", s.MinFaceConfidence)
	}
	return nil
}
