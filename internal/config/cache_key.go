package config

import (
	"fmt"

	"github.com/google/uuid"
)

type CacheKeyStruct struct{}

func NewCacheKeyStruct() *CacheKeyStruct {
	return &CacheKeyStruct{}
}

// AttemptCheckpointKey returns the key holding an attempt's answer checkpoint
func (r *CacheKeyStruct) AttemptCheckpointKey(attemptID uuid.UUID) string {
	return fmt.Sprintf("proctor:attempt:%s:checkpoint", attemptID)
}

// ExamActiveAttemptKey returns the key recording the attempt in progress for an exam
func (r *CacheKeyStruct) ExamActiveAttemptKey(examID uuid.UUID) string {
	return fmt.Sprintf("proctor:exam:%s:active_attempt", examID)
}

var CacheKey = NewCacheKeyStruct()
