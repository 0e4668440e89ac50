package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetEnvDuration(t *testing.T) {
	t.Setenv("X_DUR", "750ms")
	assert.Equal(t, 750*time.Millisecond, getEnvDuration("X_DUR", time.Second))

	t.Setenv("X_DUR", "12")
	assert.Equal(t, 12*time.Second, getEnvDuration("X_DUR", time.Second))

	t.Setenv("X_DUR", "garbage")
	assert.Equal(t, time.Second, getEnvDuration("X_DUR", time.Second))
}

func TestParseOrigins(t *testing.T) {
	assert.Nil(t, parseOrigins(""))
	assert.Equal(t, []string{"http://a", "http://b"}, parseOrigins(" http://a , ,http://b"))
}

func TestLoadReadsTokenFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "token")
	require.NoError(t, os.WriteFile(path, []byte("abc.def.ghi\n"), 0o600))

	t.Setenv("BACKEND_TOKEN", "")
	t.Setenv("BACKEND_TOKEN_FILE", path)
	t.Setenv("BACKEND_URL", "http://backend/api/v1/")

	cfg := Load()
	assert.Equal(t, "abc.def.ghi", cfg.BackendToken)
	assert.True(t, cfg.TokenFromFile)
	assert.Equal(t, "http://backend/api/v1", cfg.BackendURL)
	assert.Equal(t, 10*time.Second, cfg.AutosaveInterval)
	assert.Equal(t, CheckpointNone, cfg.CheckpointBackend)

	t.Setenv("BACKEND_TOKEN", "from.env.token")
	cfg = Load()
	assert.Equal(t, "from.env.token", cfg.BackendToken)
	assert.False(t, cfg.TokenFromFile)

	_, err := ReadToken(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}
