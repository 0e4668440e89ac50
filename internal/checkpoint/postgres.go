package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore keeps checkpoints in the session_checkpoints table created by
// cmd/migrate.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Save(ctx context.Context, cp *Checkpoint) error {
	responses, err := json.Marshal(cp.Responses)
	if err != nil {
		return fmt.Errorf("marshal responses: %w", err)
	}

	// UPSERT keeps one row per attempt.
	_, err = s.pool.Exec(ctx,
		`INSERT INTO session_checkpoints (attempt_id, exam_id, responses, remaining_seconds, saved_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (attempt_id) DO UPDATE
		 SET responses = EXCLUDED.responses,
		     remaining_seconds = EXCLUDED.remaining_seconds,
		     saved_at = EXCLUDED.saved_at`,
		cp.AttemptID, cp.ExamID, responses, cp.RemainingSeconds, cp.SavedAt,
	)
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

func (s *PostgresStore) Load(ctx context.Context, attemptID uuid.UUID) (*Checkpoint, error) {
	return s.scanOne(ctx,
		`SELECT attempt_id, exam_id, responses, remaining_seconds, saved_at
		 FROM session_checkpoints
		 WHERE attempt_id = $1`, attemptID)
}

func (s *PostgresStore) Active(ctx context.Context, examID uuid.UUID) (*Checkpoint, error) {
	return s.scanOne(ctx,
		`SELECT attempt_id, exam_id, responses, remaining_seconds, saved_at
		 FROM session_checkpoints
		 WHERE exam_id = $1
		 ORDER BY saved_at DESC
		 LIMIT 1`, examID)
}

func (s *PostgresStore) Delete(ctx context.Context, attemptID uuid.UUID) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM session_checkpoints WHERE attempt_id = $1`, attemptID); err != nil {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	return nil
}

// Purge deletes checkpoints last saved before cutoff.
func (s *PostgresStore) Purge(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM session_checkpoints WHERE saved_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("purge checkpoints: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) scanOne(ctx context.Context, query string, arg uuid.UUID) (*Checkpoint, error) {
	var (
		cp        Checkpoint
		responses []byte
	)
	err := s.pool.QueryRow(ctx, query, arg).
		Scan(&cp.AttemptID, &cp.ExamID, &responses, &cp.RemainingSeconds, &cp.SavedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	if err := json.Unmarshal(responses, &cp.Responses); err != nil {
		return nil, fmt.Errorf("decode responses: %w", err)
	}
	return &cp, nil
}
