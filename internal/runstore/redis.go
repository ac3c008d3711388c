package runstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/doravidan/vibing2-sub003/internal/metrics"
	"github.com/doravidan/vibing2-sub003/pkg/types"
)

// RedisStore implements Store backed by Redis.
// Uses Redis Streams for event streaming and plain keys for the workflow
// record, so any replica can serve a workflow's stream.
type RedisStore struct {
	client    redis.UniversalClient
	prefix    string
	ttl       time.Duration
	maxEvents int64
	logger    *slog.Logger
	mu        sync.Mutex
	closed    bool
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is the Redis connection URL (redis://host:port/db)
	URL string

	// Password for Redis authentication
	Password string

	// DB is the database number
	DB int

	// Prefix for all keys (default: "workflows")
	Prefix string

	// TTL for workflow data (default: 7 days)
	TTL time.Duration

	// EventMaxLen caps each event stream (approximate trimming)
	EventMaxLen int64

	// Connection pool settings
	PoolSize     int
	MinIdleConns int

	// Timeouts
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultRedisConfig returns sensible defaults.
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		URL:          "redis://localhost:6379/0",
		Prefix:       "workflows",
		TTL:          7 * 24 * time.Hour,
		EventMaxLen:  5000,
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// NewRedisClient connects to Redis and verifies the connection. The other
// Redis-backed components share the client it returns.
func NewRedisClient(cfg *RedisConfig) (*redis.Client, error) {
	if cfg == nil {
		cfg = DefaultRedisConfig()
	}

	opts := &redis.Options{
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		Password:     cfg.Password,
		DB:           cfg.DB,
	}

	if cfg.URL != "" {
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		opts.Addr = parsed.Addr
		if parsed.Password != "" && cfg.Password == "" {
			opts.Password = parsed.Password
		}
		if parsed.DB != 0 && cfg.DB == 0 {
			opts.DB = parsed.DB
		}
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

// NewRedisStore creates a Redis-backed Store on an existing client.
func NewRedisStore(client redis.UniversalClient, cfg *RedisConfig) *RedisStore {
	if cfg == nil {
		cfg = DefaultRedisConfig()
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "workflows"
	}
	maxEvents := cfg.EventMaxLen
	if maxEvents <= 0 {
		maxEvents = 5000
	}
	return &RedisStore{
		client:    client,
		prefix:    prefix,
		ttl:       cfg.TTL,
		maxEvents: maxEvents,
		logger:    slog.Default().With(slog.String("component", "runstore.redis")),
	}
}

// Key helpers
func (s *RedisStore) keyWorkflow(id string) string {
	return fmt.Sprintf("%s:%s:workflow", s.prefix, id)
}

func (s *RedisStore) keyEvents(id string) string {
	return fmt.Sprintf("%s:%s:events", s.prefix, id)
}

func (s *RedisStore) keyCancelled(id string) string {
	return fmt.Sprintf("%s:%s:cancelled", s.prefix, id)
}

func (s *RedisStore) record(op string, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	metrics.StoreOperations.WithLabelValues("runstore_redis", op, result).Inc()
}

// setTTL refreshes TTL on all keys for a workflow.
func (s *RedisStore) setTTL(ctx context.Context, id string) {
	if s.ttl <= 0 {
		return
	}
	pipe := s.client.Pipeline()
	pipe.Expire(ctx, s.keyWorkflow(id), s.ttl)
	pipe.Expire(ctx, s.keyEvents(id), s.ttl)
	pipe.Expire(ctx, s.keyCancelled(id), s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Warn("failed to set TTL for workflow", slog.String("workflow_id", id), slog.Any("error", err))
	}
}

func (s *RedisStore) load(ctx context.Context, id string) (*types.Workflow, error) {
	raw, err := s.client.Get(ctx, s.keyWorkflow(id)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrWorkflowNotFound
		}
		return nil, fmt.Errorf("get workflow: %w", err)
	}
	var wf types.Workflow
	if err := json.Unmarshal([]byte(raw), &wf); err != nil {
		return nil, fmt.Errorf("unmarshal workflow: %w", err)
	}
	return &wf, nil
}

func (s *RedisStore) save(ctx context.Context, wf *types.Workflow) error {
	data, err := json.Marshal(wf)
	if err != nil {
		return fmt.Errorf("marshal workflow: %w", err)
	}
	if err := s.client.Set(ctx, s.keyWorkflow(wf.ID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("save workflow: %w", err)
	}
	return nil
}

// update applies fn to the stored workflow inside an optimistic transaction.
func (s *RedisStore) update(ctx context.Context, id string, fn func(wf *types.Workflow) error) error {
	key := s.keyWorkflow(id)
	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return ErrWorkflowNotFound
			}
			return err
		}
		var wf types.Workflow
		if err := json.Unmarshal([]byte(raw), &wf); err != nil {
			return fmt.Errorf("unmarshal workflow: %w", err)
		}
		if err := fn(&wf); err != nil {
			return err
		}
		data, err := json.Marshal(&wf)
		if err != nil {
			return fmt.Errorf("marshal workflow: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, s.ttl)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < 5; attempt++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("update workflow %s: too much contention", id)
}

// CreateWorkflow stores a new workflow record.
func (s *RedisStore) CreateWorkflow(ctx context.Context, wf *types.Workflow) (string, error) {
	stored := clone(wf)
	if stored.ID == "" {
		stored.ID = generateWorkflowID()
	}
	now := time.Now().UTC()
	if stored.Status == "" {
		stored.Status = types.WorkflowStatusNotStarted
	}
	stored.CreatedAt = now
	stored.UpdatedAt = now

	data, err := json.Marshal(stored)
	if err != nil {
		return "", fmt.Errorf("marshal workflow: %w", err)
	}
	ok, err := s.client.SetNX(ctx, s.keyWorkflow(stored.ID), data, s.ttl).Result()
	s.record("create", err)
	if err != nil {
		return "", fmt.Errorf("create workflow: %w", err)
	}
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrWorkflowExists, stored.ID)
	}
	return stored.ID, nil
}

// GetWorkflow returns the full workflow record.
func (s *RedisStore) GetWorkflow(ctx context.Context, id string) (*types.Workflow, error) {
	wf, err := s.load(ctx, id)
	if err != nil && !errors.Is(err, ErrWorkflowNotFound) {
		s.record("get", err)
	}
	return wf, err
}

// ListWorkflows returns metadata for every stored workflow, newest first.
func (s *RedisStore) ListWorkflows(ctx context.Context) ([]*types.WorkflowMeta, error) {
	pattern := fmt.Sprintf("%s:*:workflow", s.prefix)
	var metas []*types.WorkflowMeta
	var cursor uint64

	for {
		keys, nextCursor, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			s.record("list", err)
			return nil, fmt.Errorf("scan workflows: %w", err)
		}

		for _, key := range keys {
			// Extract workflow ID from key pattern: prefix:id:workflow
			id := strings.TrimSuffix(strings.TrimPrefix(key, s.prefix+":"), ":workflow")
			wf, err := s.load(ctx, id)
			if err != nil {
				continue
			}
			metas = append(metas, wf.Meta())
		}

		cursor = nextCursor
		if cursor == 0 {
			break
		}
	}
	sortMetas(metas)
	return metas, nil
}

// UpdateWorkflowStatus updates the workflow's status and timestamps.
func (s *RedisStore) UpdateWorkflowStatus(ctx context.Context, id string, status types.WorkflowStatus, errMsg string) error {
	err := s.update(ctx, id, func(wf *types.Workflow) error {
		applyStatus(wf, status, errMsg, time.Now().UTC())
		return nil
	})
	s.record("update_status", err)
	return err
}

// UpdateTaskState replaces one task's state.
func (s *RedisStore) UpdateTaskState(ctx context.Context, id string, task types.Task) error {
	err := s.update(ctx, id, func(wf *types.Workflow) error {
		if !applyTask(wf, task, time.Now().UTC()) {
			return fmt.Errorf("task %s not found in workflow %s", task.ID, id)
		}
		return nil
	})
	s.record("update_task", err)
	return err
}

// CompleteWorkflow stores the final result. Stream readers stop on the
// workflow:results event, which the scheduler emits last.
func (s *RedisStore) CompleteWorkflow(ctx context.Context, id string, result *types.WorkflowResult) error {
	err := s.update(ctx, id, func(wf *types.Workflow) error {
		applyResult(wf, result, time.Now().UTC())
		return nil
	})
	s.record("complete", err)
	if err == nil {
		s.setTTL(ctx, id)
	}
	return err
}

// Cancel marks the workflow as cancelled.
func (s *RedisStore) Cancel(ctx context.Context, id string) error {
	exists, err := s.client.Exists(ctx, s.keyWorkflow(id)).Result()
	if err != nil {
		return fmt.Errorf("check workflow exists: %w", err)
	}
	if exists == 0 {
		return ErrWorkflowNotFound
	}
	err = s.client.Set(ctx, s.keyCancelled(id), "true", s.ttl).Err()
	s.record("cancel", err)
	if err != nil {
		return fmt.Errorf("cancel workflow: %w", err)
	}
	return nil
}

// IsCancelled checks if the workflow has been cancelled.
func (s *RedisStore) IsCancelled(ctx context.Context, id string) (bool, error) {
	val, err := s.client.Get(ctx, s.keyCancelled(id)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("get cancelled: %w", err)
	}
	return val == "true", nil
}

// Delete removes every key of the workflow.
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	n, err := s.client.Del(ctx, s.keyWorkflow(id), s.keyEvents(id), s.keyCancelled(id)).Result()
	s.record("delete", err)
	if err != nil {
		return fmt.Errorf("delete workflow: %w", err)
	}
	if n == 0 {
		return ErrWorkflowNotFound
	}
	return nil
}

// AppendEvent adds an event to the workflow's stream.
func (s *RedisStore) AppendEvent(ctx context.Context, id string, event *types.Event) error {
	streamFields := map[string]any{
		"id":      event.ID,
		"seq":     strconv.FormatInt(event.Seq, 10),
		"ts":      event.Timestamp.Format(time.RFC3339Nano),
		"type":    string(event.Type),
		"data":    string(event.Data),
		"task_id": event.TaskID,
	}

	err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.keyEvents(id),
		MaxLen: s.maxEvents,
		Approx: true,
		Values: streamFields,
	}).Err()
	s.record("append_event", err)
	if err != nil {
		return fmt.Errorf("xadd: %w", err)
	}
	if s.ttl > 0 {
		s.client.Expire(ctx, s.keyEvents(id), s.ttl)
	}
	return nil
}

func (s *RedisStore) decodeEvent(id string, entry redis.XMessage) *types.Event {
	str := func(k string) string {
		v, _ := entry.Values[k].(string)
		return v
	}
	seq, _ := strconv.ParseInt(str("seq"), 10, 64)
	ts, _ := time.Parse(time.RFC3339Nano, str("ts"))
	evt := &types.Event{
		ID:         str("id"),
		Seq:        seq,
		WorkflowID: id,
		Type:       types.EventType(str("type")),
		TaskID:     str("task_id"),
		Timestamp:  ts,
	}
	if data := str("data"); data != "" {
		evt.Data = json.RawMessage(data)
	}
	return evt
}

// GetEventsSince returns events after the given event ID.
func (s *RedisStore) GetEventsSince(ctx context.Context, id string, lastEventID string) ([]*types.Event, error) {
	exists, err := s.client.Exists(ctx, s.keyWorkflow(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("check workflow exists: %w", err)
	}
	if exists == 0 {
		return nil, ErrWorkflowNotFound
	}

	entries, err := s.client.XRange(ctx, s.keyEvents(id), "-", "+").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []*types.Event{}, nil
		}
		return nil, fmt.Errorf("xrange: %w", err)
	}

	events := make([]*types.Event, 0, len(entries))
	for _, entry := range entries {
		events = append(events, s.decodeEvent(id, entry))
	}
	return eventsAfter(events, lastEventID), nil
}

// Subscribe returns a channel that receives events appended after the call.
func (s *RedisStore) Subscribe(ctx context.Context, id string) (<-chan *types.Event, func(), error) {
	wf, err := s.load(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	ch := make(chan *types.Event, 100)
	if wf.Status.IsTerminal() {
		close(ch)
		return ch, func() {}, nil
	}

	// Resolve the current stream tail now so nothing appended between this
	// call and the reader's first XREAD is missed.
	lastID := "0-0"
	tail, err := s.client.XRevRangeN(ctx, s.keyEvents(id), "+", "-", 1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, nil, fmt.Errorf("xrevrange: %w", err)
	}
	if len(tail) > 0 {
		lastID = tail[0].ID
	}

	readCtx, cancel := context.WithCancel(ctx)
	go s.streamReader(readCtx, id, lastID, ch)

	return ch, cancel, nil
}

// streamReader reads from the Redis Stream and pushes to ch until the
// workflow finishes, is deleted, or ctx is cancelled. It owns ch.
func (s *RedisStore) streamReader(ctx context.Context, id, lastID string, ch chan *types.Event) {
	defer close(ch)

	for {
		if ctx.Err() != nil {
			return
		}

		streams, err := s.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{s.keyEvents(id), lastID},
			Count:   50,
			Block:   time.Second,
		}).Result()

		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, redis.Nil) {
				// Idle: stop if the workflow disappeared underneath us.
				if n, err := s.client.Exists(ctx, s.keyWorkflow(id)).Result(); err == nil && n == 0 {
					return
				}
				continue
			}
			// On error, wait briefly then retry
			select {
			case <-ctx.Done():
				return
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}

		for _, stream := range streams {
			for _, entry := range stream.Messages {
				lastID = entry.ID
				event := s.decodeEvent(id, entry)

				select {
				case ch <- event:
				case <-ctx.Done():
					return
				}
				if event.Type == types.EventWorkflowResults {
					return
				}
			}
		}
	}
}

// AdapterInfo returns diagnostic information.
func (s *RedisStore) AdapterInfo(ctx context.Context) (map[string]any, error) {
	pingStart := time.Now()
	if err := s.client.Ping(ctx).Err(); err != nil {
		return map[string]any{
			"adapter": "redis",
			"healthy": false,
			"error":   err.Error(),
		}, nil
	}
	pingLatency := time.Since(pingStart)

	info := map[string]any{
		"prefix":       s.prefix,
		"ttl_hours":    s.ttl.Hours(),
		"max_events":   s.maxEvents,
		"ping_latency": pingLatency.String(),
	}
	if c, ok := s.client.(*redis.Client); ok {
		poolStats := c.PoolStats()
		info["pool"] = map[string]any{
			"hits":       poolStats.Hits,
			"misses":     poolStats.Misses,
			"timeouts":   poolStats.Timeouts,
			"total_conn": poolStats.TotalConns,
			"idle_conn":  poolStats.IdleConns,
			"stale_conn": poolStats.StaleConns,
		}
	}

	return map[string]any{
		"adapter": "redis",
		"healthy": true,
		"details": info,
	}, nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	return s.client.Close()
}

// Ensure RedisStore implements Store
var _ Store = (*RedisStore)(nil)
