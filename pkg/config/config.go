// Package config carries runtime configuration for the engine and its
// clients, with defaults plus environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/taskops/sentinel/pkg/triage"
)

// EngineConfig tunes the scheduler and worker pool.
type EngineConfig struct {
	// WorkerCount is the number of concurrent poll workers.
	WorkerCount int

	// TickInterval is how often the scheduler scans for due monitors.
	TickInterval time.Duration

	// PollTimeout is the per-monitor poll budget. A poll that exceeds
	// it is cancelled with status error and an untouched cursor.
	PollTimeout time.Duration

	// HTTPTimeout bounds each provider API call inside adapters.
	HTTPTimeout time.Duration

	// MinPollInterval is the floor enforced on monitor poll intervals.
	MinPollInterval time.Duration

	// GracefulShutdownTimeout bounds how long Stop waits for in-flight
	// polls to drain.
	GracefulShutdownTimeout time.Duration
}

// DefaultEngineConfig returns the production defaults.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		WorkerCount:             8,
		TickInterval:            15 * time.Second,
		PollTimeout:             5 * time.Minute,
		HTTPTimeout:             30 * time.Second,
		MinPollInterval:         30 * time.Second,
		GracefulShutdownTimeout: 30 * time.Second,
	}
}

// LoadEngineConfigFromEnv applies environment overrides to the
// defaults. Invalid values are rejected, not silently defaulted.
func LoadEngineConfigFromEnv() (EngineConfig, error) {
	cfg := DefaultEngineConfig()
	var err error
	if cfg.WorkerCount, err = intEnv("ENGINE_WORKER_COUNT", cfg.WorkerCount); err != nil {
		return cfg, err
	}
	if cfg.WorkerCount < 1 {
		return cfg, fmt.Errorf("ENGINE_WORKER_COUNT must be at least 1")
	}
	if cfg.TickInterval, err = durationEnv("ENGINE_TICK_INTERVAL", cfg.TickInterval); err != nil {
		return cfg, err
	}
	if cfg.PollTimeout, err = durationEnv("ENGINE_POLL_TIMEOUT", cfg.PollTimeout); err != nil {
		return cfg, err
	}
	if cfg.HTTPTimeout, err = durationEnv("ENGINE_HTTP_TIMEOUT", cfg.HTTPTimeout); err != nil {
		return cfg, err
	}
	if cfg.GracefulShutdownTimeout, err = durationEnv("ENGINE_SHUTDOWN_TIMEOUT", cfg.GracefulShutdownTimeout); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadTriageConfigFromEnv reads the LLM provider credentials. Absent
// keys simply leave the provider out of the pool.
func LoadTriageConfigFromEnv() triage.Config {
	cfg := triage.DefaultConfig()
	cfg.GroqAPIKey = os.Getenv("GROQ_API_KEY")
	cfg.OpenAIAPIKey = os.Getenv("OPENAI_API_KEY")
	cfg.AnthropicAPIKey = os.Getenv("ANTHROPIC_API_KEY")
	if m := os.Getenv("GROQ_MODEL"); m != "" {
		cfg.GroqModel = m
	}
	if m := os.Getenv("OPENAI_MODEL"); m != "" {
		cfg.OpenAIModel = m
	}
	if m := os.Getenv("ANTHROPIC_MODEL"); m != "" {
		cfg.AnthropicModel = m
	}
	return cfg
}

func intEnv(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return n, nil
}

func durationEnv(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	if d <= 0 {
		return def, fmt.Errorf("%s must be positive", key)
	}
	return d, nil
}
