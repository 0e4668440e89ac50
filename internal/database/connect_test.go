package database

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDialRetriesUntilReachable(t *testing.T) {
	calls := 0
	err := dial(context.Background(), "redis", 3, zerolog.Nop(), func(context.Context) error {
		calls++
		if calls < 2 {
			return errors.New("connection refused")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestDialGivesUpAfterAttempts(t *testing.T) {
	refused := errors.New("connection refused")
	calls := 0
	err := dial(context.Background(), "postgres", 2, zerolog.Nop(), func(context.Context) error {
		calls++
		return refused
	})
	assert.ErrorIs(t, err, refused)
	assert.Equal(t, 2, calls)

	calls = 0
	_ = dial(context.Background(), "postgres", 0, zerolog.Nop(), func(context.Context) error {
		calls++
		return refused
	})
	assert.Equal(t, 1, calls)
}
