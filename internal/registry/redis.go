package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/doravidan/vibing2-sub003/internal/metrics"
	"github.com/doravidan/vibing2-sub003/pkg/types"
)

// RedisRegistry implements AgentRegistry using Redis for persistence.
//
// Each agent is a JSON document under "<prefix>:agent:<id>"; the set
// "<prefix>:agents" indexes the ids.
type RedisRegistry struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisRegistry creates a registry on an existing Redis client.
// The registry does not own the client; Close is a no-op.
func NewRedisRegistry(client redis.UniversalClient, prefix string) *RedisRegistry {
	if prefix == "" {
		prefix = "orchestrator"
	}
	return &RedisRegistry{client: client, prefix: prefix}
}

func (r *RedisRegistry) agentKey(id string) string { return r.prefix + ":agent:" + id }
func (r *RedisRegistry) indexKey() string          { return r.prefix + ":agents" }

func (r *RedisRegistry) record(op string, err error) {
	result := "success"
	if err != nil && !errors.Is(err, ErrAgentNotFound) {
		result = "error"
	}
	metrics.StoreOperations.WithLabelValues("registry_redis", op, result).Inc()
}

// Create registers a new agent.
func (r *RedisRegistry) Create(ctx context.Context, agent *types.Agent) (_ *types.Agent, err error) {
	defer func() { r.record("create", err) }()
	if err := validate(agent); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	stored := cloneAgent(agent)
	stored.CreatedAt = now
	stored.UpdatedAt = now

	data, err := json.Marshal(stored)
	if err != nil {
		return nil, fmt.Errorf("marshal agent: %w", err)
	}

	ok, err := r.client.SetNX(ctx, r.agentKey(agent.ID), data, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("create agent: %w", err)
	}
	if !ok {
		return nil, ErrAgentExists
	}
	if err := r.client.SAdd(ctx, r.indexKey(), agent.ID).Err(); err != nil {
		return nil, fmt.Errorf("index agent: %w", err)
	}
	return stored, nil
}

// Get retrieves an agent by ID.
func (r *RedisRegistry) Get(ctx context.Context, id string) (_ *types.Agent, err error) {
	defer func() { r.record("get", err) }()
	data, err := r.client.Get(ctx, r.agentKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrAgentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}

	var agent types.Agent
	if err := json.Unmarshal(data, &agent); err != nil {
		return nil, fmt.Errorf("unmarshal agent: %w", err)
	}
	return &agent, nil
}

// Update modifies an existing agent inside a WATCH transaction.
func (r *RedisRegistry) Update(ctx context.Context, id string, req *UpdateAgentRequest) (_ *types.Agent, err error) {
	defer func() { r.record("update", err) }()
	key := r.agentKey(id)
	var updated types.Agent

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrAgentNotFound
		}
		if err != nil {
			return err
		}
		if err := json.Unmarshal(data, &updated); err != nil {
			return fmt.Errorf("unmarshal agent: %w", err)
		}
		req.apply(&updated)
		if err := validate(&updated); err != nil {
			return err
		}
		updated.UpdatedAt = time.Now().UTC()
		out, err := json.Marshal(&updated)
		if err != nil {
			return fmt.Errorf("marshal agent: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, 0)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < 3; attempt++ {
		err = r.client.Watch(ctx, txf, key)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	if err != nil {
		if errors.Is(err, ErrAgentNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("update agent: %w", err)
	}
	return &updated, nil
}

// Delete removes an agent.
func (r *RedisRegistry) Delete(ctx context.Context, id string) (err error) {
	defer func() { r.record("delete", err) }()
	n, err := r.client.Del(ctx, r.agentKey(id)).Result()
	if err != nil {
		return fmt.Errorf("delete agent: %w", err)
	}
	if err := r.client.SRem(ctx, r.indexKey(), id).Err(); err != nil {
		return fmt.Errorf("unindex agent: %w", err)
	}
	if n == 0 {
		return ErrAgentNotFound
	}
	return nil
}

// List returns all agents matching the options.
func (r *RedisRegistry) List(ctx context.Context, opts *ListOptions) (_ []*types.Agent, err error) {
	defer func() { r.record("list", err) }()
	if opts == nil {
		opts = &ListOptions{}
	}

	ids, err := r.client.SMembers(ctx, r.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list agent ids: %w", err)
	}
	if len(ids) == 0 {
		return []*types.Agent{}, nil
	}
	sort.Strings(ids)

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.agentKey(id)
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("fetch agents: %w", err)
	}

	agents := make([]*types.Agent, 0, len(values))
	var stale []any
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		var agent types.Agent
		if err := json.Unmarshal([]byte(s), &agent); err != nil {
			return nil, fmt.Errorf("unmarshal agent %s: %w", ids[i], err)
		}
		if matches(&agent, opts) {
			agents = append(agents, &agent)
		}
	}
	if len(stale) > 0 {
		r.client.SRem(ctx, r.indexKey(), stale...)
	}
	return paginate(agents, opts), nil
}

// Exists checks if an agent with the given ID exists.
func (r *RedisRegistry) Exists(ctx context.Context, id string) (bool, error) {
	n, err := r.client.Exists(ctx, r.agentKey(id)).Result()
	r.record("exists", err)
	if err != nil {
		return false, fmt.Errorf("check exists: %w", err)
	}
	return n > 0, nil
}

// Close is a no-op; the client belongs to the caller.
func (r *RedisRegistry) Close() error {
	return nil
}
