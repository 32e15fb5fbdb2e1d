package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")

	require.NoError(t, err)
	assert.Equal(t, "localhost", cfg.Database.Host)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, "gpt-4o-mini", cfg.OpenAI.ScriptModel)
	assert.Equal(t, "gpt-4o-mini-tts", cfg.OpenAI.SpeechModel)
	assert.Equal(t, "eleven_turbo_v2_5", cfg.ElevenLabs.ModelID)
	assert.Equal(t, "nats://localhost:4222", cfg.NATS.URL)
	assert.Equal(t, 10, cfg.Worker.BatchSize)
	assert.Equal(t, 1, cfg.Worker.Concurrency)
	assert.Equal(t, 10, cfg.Worker.LeaseMinutes)
	assert.NotEmpty(t, cfg.Worker.WorkerID)
	assert.InDelta(t, 1.0, cfg.Locality.NeighborhoodWeight, 1e-9)
	assert.InDelta(t, 0.3, cfg.Locality.StateWeight, 1e-9)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("DB_HOST", "db.internal")
	t.Setenv("DB_PORT", "6543")
	t.Setenv("WORKER_BATCH_SIZE", "25")
	t.Setenv("WORKER_CONCURRENCY", "4")
	t.Setenv("LOCALITY_CITY_WEIGHT", "0.9")
	t.Setenv("WORKER_ID", "worker-7")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("LOG_FORMAT", "text")

	cfg, err := Load("")

	require.NoError(t, err)
	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.Equal(t, 6543, cfg.Database.Port)
	assert.Equal(t, 25, cfg.Worker.BatchSize)
	assert.Equal(t, 4, cfg.Worker.Concurrency)
	assert.InDelta(t, 0.9, cfg.Locality.CityWeight, 1e-9)
	assert.Equal(t, "worker-7", cfg.Worker.WorkerID)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
}

func TestLoad_InvalidNumericFallsBackToDefault(t *testing.T) {
	t.Setenv("DB_PORT", "not-a-number")
	t.Setenv("LOCALITY_STATE_WEIGHT", "abc")

	cfg, err := Load("")

	require.NoError(t, err)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.InDelta(t, 0.3, cfg.Locality.StateWeight, 1e-9)
}

func TestLoad_MissingEnvFileIsNotAnError(t *testing.T) {
	_, err := Load("/nonexistent/.env")
	assert.NoError(t, err)
}
