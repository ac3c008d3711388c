// Package config provides configuration loading for the orchestrator service.
package config

import (
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/doravidan/vibing2-sub003/pkg/types"
)

// Config holds all configuration for the orchestrator service.
type Config struct {
	// Server configuration
	Port          string
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	ShutdownGrace time.Duration

	// Redis configuration
	RedisURL      string
	RedisPassword string
	RedisDB       int

	// Store backends: "memory" or "redis"
	RunStoreType      string
	RegistryType      string
	TemplateStoreType string
	RunStoreTTL       time.Duration
	EventMaxLen       int64
	TemplateDir       string
	TemplateWatch     bool

	// Scheduler defaults
	MaxParallelAgents int
	ContextStrategy   string
	PruningThreshold  int
	GlobalTimeout     time.Duration
	PerCallTimeout    time.Duration
	FailurePolicy     string
	RateLimitRetries  int

	// Invoker
	Invoker            string // "anthropic", "command" or "echo"
	AnthropicAPIKey    string
	AnthropicModel     string
	AnthropicMaxTokens int64
	AgentCommand       []string
	InvokerRPS         float64
	InvokerBurst       int

	// Event fan-out
	EventRedisChannel string
	NATSURL           string
	NATSSubjectPrefix string

	// CORS configuration
	CORSOrigins []string

	// Rate limiting
	RateLimitRPS   float64
	RateLimitBurst int

	// Tracing
	OTelEnabled     bool
	OTelEndpoint    string
	OTelServiceName string
	OTelSampleRate  float64

	// Logging
	LogLevel  string
	LogFormat string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		// Server
		Port:          getEnv("PORT", "7070"),
		ReadTimeout:   getDuration("READ_TIMEOUT", 30*time.Second),
		WriteTimeout:  getDuration("WRITE_TIMEOUT", 0), // 0 keeps SSE streams open
		ShutdownGrace: getDuration("SHUTDOWN_GRACE", 10*time.Second),

		// Redis
		RedisURL:      getEnv("REDIS_URL", "redis://localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getInt("REDIS_DB", 0),

		// Stores
		RunStoreType:      getEnv("ORCH_RUNSTORE", "memory"),
		RegistryType:      getEnv("ORCH_REGISTRY", "memory"),
		TemplateStoreType: getEnv("ORCH_TEMPLATESTORE", "memory"),
		RunStoreTTL:       getDuration("RUNSTORE_TTL", 7*24*time.Hour), // 7 days
		EventMaxLen:       getInt64("EVENT_MAX_LEN", 5000),
		TemplateDir:       getEnv("TEMPLATE_DIR", ""),
		TemplateWatch:     getBool("TEMPLATE_WATCH", false),

		// Scheduler
		MaxParallelAgents: getInt("ORCH_MAX_PARALLEL_AGENTS", 3),
		ContextStrategy:   getEnv("ORCH_CONTEXT_STRATEGY", string(types.ContextHierarchical)),
		PruningThreshold:  getInt("ORCH_PRUNING_THRESHOLD", 8000),
		GlobalTimeout:     getDuration("ORCH_GLOBAL_TIMEOUT", 10*time.Minute),
		PerCallTimeout:    getDuration("ORCH_PER_CALL_TIMEOUT", 2*time.Minute),
		FailurePolicy:     getEnv("ORCH_FAILURE_POLICY", string(types.FailIsolated)),
		RateLimitRetries:  getInt("ORCH_RATE_LIMIT_RETRIES", 0),

		// Invoker
		Invoker:            getEnv("ORCH_INVOKER", "echo"),
		AnthropicAPIKey:    getEnv("ANTHROPIC_API_KEY", ""),
		AnthropicModel:     getEnv("ANTHROPIC_MODEL", ""),
		AnthropicMaxTokens: getInt64("ANTHROPIC_MAX_TOKENS", 4096),
		AgentCommand:       getFields("AGENT_COMMAND", nil),
		InvokerRPS:         getFloat("INVOKER_RPS", 0), // 0 = unthrottled
		InvokerBurst:       getInt("INVOKER_BURST", 1),

		// Event fan-out
		EventRedisChannel: getEnv("EVENT_REDIS_CHANNEL", ""),
		NATSURL:           getEnv("NATS_URL", ""),
		NATSSubjectPrefix: getEnv("NATS_SUBJECT_PREFIX", "workflows"),

		// CORS
		CORSOrigins: getStringSlice("CORS_ORIGINS", []string{"http://localhost:5173", "http://localhost:3000"}),

		// Rate limiting
		RateLimitRPS:   getFloat("RATE_LIMIT_RPS", 100.0),
		RateLimitBurst: getInt("RATE_LIMIT_BURST", 200),

		// Tracing
		OTelEnabled:     getBool("OTEL_ENABLED", false),
		OTelEndpoint:    getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		OTelServiceName: getEnv("OTEL_SERVICE_NAME", "orchestrator"),
		OTelSampleRate:  getFloat("OTEL_SAMPLE_RATE", 1.0),

		// Logging
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
	}
}

// ExecuteDefaults returns the scheduler configuration used when a request
// leaves fields unset.
func (c *Config) ExecuteDefaults() types.ExecuteConfig {
	return types.ExecuteConfig{
		MaxParallelAgents: c.MaxParallelAgents,
		ContextStrategy:   types.ContextStrategy(c.ContextStrategy),
		PruningThreshold:  c.PruningThreshold,
		GlobalTimeout:     types.Duration(c.GlobalTimeout),
		PerCallTimeout:    types.Duration(c.PerCallTimeout),
		FailurePolicy:     types.FailurePolicy(c.FailurePolicy),
		RateLimitRetries:  c.RateLimitRetries,
	}
}

// NewLogger builds a logger writing to w from LogLevel and LogFormat.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(c.LogLevel)}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// ParseLevel maps a level name to a slog level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Helper functions for environment variable parsing

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getInt64(key string, defaultVal int64) int64 {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.ParseInt(val, 10, 64); err == nil {
			return i
		}
	}
	return defaultVal
}

func getFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

func getStringSlice(key string, defaultVal []string) []string {
	if val := os.Getenv(key); val != "" {
		parts := strings.Split(val, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts
	}
	return defaultVal
}

// getFields splits a command line on whitespace.
func getFields(key string, defaultVal []string) []string {
	if val := os.Getenv(key); val != "" {
		return strings.Fields(val)
	}
	return defaultVal
}
