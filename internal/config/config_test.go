package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doravidan/vibing2-sub003/pkg/types"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	assert.Equal(t, "7070", cfg.Port)
	assert.Equal(t, time.Duration(0), cfg.WriteTimeout)
	assert.Equal(t, "memory", cfg.RunStoreType)

	exec := cfg.ExecuteDefaults()
	require.NoError(t, exec.Validate())
	assert.Equal(t, types.DefaultExecuteConfig(), exec)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("ORCH_MAX_PARALLEL_AGENTS", "5")
	t.Setenv("ORCH_CONTEXT_STRATEGY", "isolated")
	t.Setenv("ORCH_GLOBAL_TIMEOUT", "90s")
	t.Setenv("ORCH_FAILURE_POLICY", "fail_fast")
	t.Setenv("CORS_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("AGENT_COMMAND", "python3 agent.py --json")
	t.Setenv("OTEL_ENABLED", "true")
	t.Setenv("REDIS_DB", "not-a-number")

	cfg := Load()
	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)
	assert.Equal(t, []string{"python3", "agent.py", "--json"}, cfg.AgentCommand)
	assert.True(t, cfg.OTelEnabled)
	assert.Equal(t, 0, cfg.RedisDB, "invalid values fall back to the default")

	exec := cfg.ExecuteDefaults()
	assert.Equal(t, 5, exec.MaxParallelAgents)
	assert.Equal(t, types.ContextIsolated, exec.ContextStrategy)
	assert.Equal(t, types.Duration(90*time.Second), exec.GlobalTimeout)
	assert.Equal(t, types.FailFast, exec.FailurePolicy)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
}
