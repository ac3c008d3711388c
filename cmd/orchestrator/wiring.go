package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/doravidan/vibing2-sub003/internal/builder"
	"github.com/doravidan/vibing2-sub003/internal/config"
	"github.com/doravidan/vibing2-sub003/internal/events"
	"github.com/doravidan/vibing2-sub003/internal/invoker"
	"github.com/doravidan/vibing2-sub003/internal/registry"
	"github.com/doravidan/vibing2-sub003/internal/runstore"
	"github.com/doravidan/vibing2-sub003/internal/scheduler"
	"github.com/doravidan/vibing2-sub003/internal/templates"
	"github.com/doravidan/vibing2-sub003/internal/tracing"
	"github.com/doravidan/vibing2-sub003/internal/validator"
)

// components are the long-lived services shared by the commands.
type components struct {
	cfg    *config.Config
	logger *slog.Logger

	redis *redis.Client

	// runsOwnRedis is set when the run store closes the Redis client.
	runsOwnRedis bool

	nats      *nats.Conn
	runs      runstore.Store
	registry  registry.AgentRegistry
	templates templates.Store
	validator *validator.Validator
	builder   *builder.Builder
	tracing   *tracing.Provider
	sinks     []events.Sink
}

// setup connects the configured backends. Backends are chosen per
// component, so the run store can live in Redis while templates stay in
// memory.
func setup(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*components, error) {
	c := &components{cfg: cfg, logger: logger}

	if usesRedis(cfg) {
		redisCfg := runstore.DefaultRedisConfig()
		redisCfg.URL = cfg.RedisURL
		redisCfg.Password = cfg.RedisPassword
		redisCfg.DB = cfg.RedisDB
		redisCfg.TTL = cfg.RunStoreTTL
		redisCfg.EventMaxLen = cfg.EventMaxLen
		client, err := runstore.NewRedisClient(redisCfg)
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		c.redis = client
		logger.Info("connected to redis", slog.String("url", cfg.RedisURL))

		if cfg.RunStoreType == "redis" {
			c.runs = runstore.NewRedisStore(client, redisCfg)
			c.runsOwnRedis = true
		}
		if cfg.RegistryType == "redis" {
			c.registry = registry.NewRedisRegistry(client, "")
		}
		if cfg.TemplateStoreType == "redis" {
			c.templates = templates.NewRedisStore(client, "")
		}
		if cfg.EventRedisChannel != "" {
			c.sinks = append(c.sinks, events.Named("redis", events.NewRedisSink(client, cfg.EventRedisChannel)))
		}
	}

	if c.runs == nil {
		c.runs = runstore.NewMemoryStore(&runstore.Config{EventMaxLen: cfg.EventMaxLen, TTL: cfg.RunStoreTTL})
	}
	if c.registry == nil {
		c.registry = registry.NewMemoryRegistry()
	}
	if c.templates == nil {
		c.templates = templates.NewMemoryStore()
	}

	if cfg.NATSURL != "" {
		conn, err := events.ConnectNATS(cfg.NATSURL, "orchestrator")
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("connect nats: %w", err)
		}
		c.nats = conn
		c.sinks = append(c.sinks, events.Named("nats", events.NewNATSSink(conn, cfg.NATSSubjectPrefix)))
		logger.Info("publishing events to nats", slog.String("url", cfg.NATSURL))
	}

	v, err := validator.New()
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("create validator: %w", err)
	}
	c.validator = v
	c.builder = builder.New(c.templates, builder.WithValidator(v), builder.WithLogger(logger))

	provider, err := tracing.Init(ctx, tracing.ConfigFrom(cfg), logger)
	if err != nil {
		logger.Warn("tracing disabled", "error", err)
		provider, _ = tracing.Init(ctx, &tracing.Config{}, logger)
	}
	c.tracing = provider

	return c, nil
}

func usesRedis(cfg *config.Config) bool {
	return cfg.RunStoreType == "redis" || cfg.RegistryType == "redis" ||
		cfg.TemplateStoreType == "redis" || cfg.EventRedisChannel != ""
}

// seed installs the default agents and the built-in templates.
func (c *components) seed(ctx context.Context) error {
	if err := registry.Seed(ctx, c.registry); err != nil {
		return fmt.Errorf("seed agents: %w", err)
	}
	builtins, err := templates.Builtins()
	if err != nil {
		return fmt.Errorf("load built-in templates: %w", err)
	}
	if err := templates.Sync(ctx, c.templates, builtins); err != nil {
		return fmt.Errorf("store built-in templates: %w", err)
	}
	return nil
}

// newInvoker builds the configured backend wrapped in a Guard that checks
// agents against the registry and throttles calls.
func (c *components) newInvoker(kind string) (*invoker.Guard, error) {
	var next invoker.Invoker
	switch kind {
	case "anthropic":
		inv, err := invoker.NewAnthropicInvoker(invoker.AnthropicConfig{
			APIKey:    c.cfg.AnthropicAPIKey,
			Model:     c.cfg.AnthropicModel,
			MaxTokens: c.cfg.AnthropicMaxTokens,
		})
		if err != nil {
			return nil, err
		}
		next = inv
	case "command":
		inv, err := invoker.NewCommandInvoker(invoker.CommandConfig{
			Command: c.cfg.AgentCommand,
			Logger:  c.logger,
		})
		if err != nil {
			return nil, err
		}
		next = inv
	case "echo", "":
		next = invoker.EchoInvoker{}
	default:
		return nil, fmt.Errorf("unknown invoker %q", kind)
	}

	var limiter *rate.Limiter
	if c.cfg.InvokerRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(c.cfg.InvokerRPS), max(c.cfg.InvokerBurst, 1))
	}
	retry := invoker.DefaultRetryConfig()
	retry.MaxRetries = c.cfg.RateLimitRetries

	c.logger.Info("invoker configured", slog.String("invoker", kind), slog.Float64("rps", c.cfg.InvokerRPS))
	return invoker.NewGuard(next, invoker.GuardConfig{
		Directory: registry.Directory{Registry: c.registry},
		Limiter:   limiter,
		Retry:     retry,
		Logger:    c.logger,
	}), nil
}

func (c *components) newScheduler(inv invoker.Invoker) *scheduler.Scheduler {
	return scheduler.New(inv,
		scheduler.WithLogger(c.logger),
		scheduler.WithTracer(c.tracing.Tracer("orchestrator/scheduler")),
	)
}

// Close releases every backend. The run store closes last since it may own
// the Redis client.
func (c *components) Close() {
	var errs []error
	if c.tracing != nil {
		errs = append(errs, c.tracing.Shutdown(context.Background()))
	}
	if c.nats != nil {
		errs = append(errs, c.nats.Drain())
	}
	if c.registry != nil {
		errs = append(errs, c.registry.Close())
	}
	if c.templates != nil {
		errs = append(errs, c.templates.Close())
	}
	if c.runs != nil {
		errs = append(errs, c.runs.Close())
	}
	if c.redis != nil && !c.runsOwnRedis {
		errs = append(errs, c.redis.Close())
	}
	if err := errors.Join(errs...); err != nil {
		c.logger.Warn("error during cleanup", "error", err)
	}
}
