// Package checkpoint keeps a local durable copy of an attempt's answers so a
// session can be resumed after the agent restarts.
package checkpoint

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stemsi/exstem-proctor/internal/model"
)

// ErrNotFound is returned when no checkpoint exists for an attempt or exam.
var ErrNotFound = errors.New("checkpoint not found")

// Checkpoint is one snapshot of an attempt.
type Checkpoint struct {
	AttemptID        uuid.UUID            `json:"attempt_id"`
	ExamID           uuid.UUID            `json:"exam_id"`
	Responses        []model.ResponseItem `json:"responses"`
	RemainingSeconds int                  `json:"remaining_seconds"`
	SavedAt          time.Time            `json:"saved_at"`
}

// Store persists checkpoints. Implementations are safe for concurrent use.
type Store interface {
	Save(ctx context.Context, cp *Checkpoint) error
	Load(ctx context.Context, attemptID uuid.UUID) (*Checkpoint, error)
	// Active returns the newest checkpoint recorded for an exam.
	Active(ctx context.Context, examID uuid.UUID) (*Checkpoint, error)
	Delete(ctx context.Context, attemptID uuid.UUID) error
}

// Nop discards everything. It is used when CHECKPOINT_BACKEND is "none".
type Nop struct{}

func (Nop) Save(context.Context, *Checkpoint) error { return nil }

func (Nop) Load(context.Context, uuid.UUID) (*Checkpoint, error) { return nil, ErrNotFound }

func (Nop) Active(context.Context, uuid.UUID) (*Checkpoint, error) { return nil, ErrNotFound }

func (Nop) Delete(context.Context, uuid.UUID) error { return nil }

// Memory is an in-process store.
type Memory struct {
	mu     sync.Mutex
	byID   map[uuid.UUID]Checkpoint
	byExam map[uuid.UUID]uuid.UUID
}

// NewMemory creates an empty in-process store.
func NewMemory() *Memory {
	return &Memory{
		byID:   make(map[uuid.UUID]Checkpoint),
		byExam: make(map[uuid.UUID]uuid.UUID),
	}
}

func (m *Memory) Save(_ context.Context, cp *Checkpoint) error {
	c := clone(cp)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[c.AttemptID] = c
	m.byExam[c.ExamID] = c.AttemptID
	return nil
}

func (m *Memory) Load(_ context.Context, attemptID uuid.UUID) (*Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.byID[attemptID]
	if !ok {
		return nil, ErrNotFound
	}
	out := clone(&c)
	return &out, nil
}

func (m *Memory) Active(ctx context.Context, examID uuid.UUID) (*Checkpoint, error) {
	m.mu.Lock()
	id, ok := m.byExam[examID]
	m.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	return m.Load(ctx, id)
}

func (m *Memory) Delete(_ context.Context, attemptID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.byID[attemptID]; ok {
		if m.byExam[c.ExamID] == attemptID {
			delete(m.byExam, c.ExamID)
		}
		delete(m.byID, attemptID)
	}
	return nil
}

// Purge deletes checkpoints last saved before cutoff.
func (m *Memory) Purge(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, c := range m.byID {
		if !c.SavedAt.Before(before) {
			continue
		}
		if m.byExam[c.ExamID] == id {
			delete(m.byExam, c.ExamID)
		}
		delete(m.byID, id)
		n++
	}
	return n, nil
}

func clone(cp *Checkpoint) Checkpoint {
	c := *cp
	c.Responses = make([]model.ResponseItem, len(cp.Responses))
	for i, r := range cp.Responses {
		r.SelectedOptions = append([]int{}, r.SelectedOptions...)
		c.Responses[i] = r
	}
	return c
}
