package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultEngineConfig(t *testing.T) {
	cfg := DefaultEngineConfig()
	assert.Equal(t, 8, cfg.WorkerCount)
	assert.Equal(t, 15*time.Second, cfg.TickInterval)
	assert.Equal(t, 5*time.Minute, cfg.PollTimeout)
	assert.Equal(t, 30*time.Second, cfg.HTTPTimeout)
	assert.Equal(t, 30*time.Second, cfg.MinPollInterval)
}

func TestLoadEngineConfigFromEnv(t *testing.T) {
	t.Run("overrides", func(t *testing.T) {
		t.Setenv("ENGINE_WORKER_COUNT", "4")
		t.Setenv("ENGINE_POLL_TIMEOUT", "2m")

		cfg, err := LoadEngineConfigFromEnv()
		require.NoError(t, err)
		assert.Equal(t, 4, cfg.WorkerCount)
		assert.Equal(t, 2*time.Minute, cfg.PollTimeout)
		assert.Equal(t, 15*time.Second, cfg.TickInterval)
	})

	t.Run("invalid values rejected", func(t *testing.T) {
		t.Setenv("ENGINE_WORKER_COUNT", "zero")
		_, err := LoadEngineConfigFromEnv()
		assert.Error(t, err)
	})

	t.Run("zero workers rejected", func(t *testing.T) {
		t.Setenv("ENGINE_WORKER_COUNT", "0")
		_, err := LoadEngineConfigFromEnv()
		assert.Error(t, err)
	})
}

func TestLoadTriageConfigFromEnv(t *testing.T) {
	t.Setenv("GROQ_API_KEY", "gsk-1")
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant")
	t.Setenv("GROQ_MODEL", "llama-3.1-8b-instant")

	cfg := LoadTriageConfigFromEnv()
	assert.Equal(t, "gsk-1", cfg.GroqAPIKey)
	assert.Empty(t, cfg.OpenAIAPIKey)
	assert.Equal(t, "sk-ant", cfg.AnthropicAPIKey)
	assert.Equal(t, "llama-3.1-8b-instant", cfg.GroqModel)
}
