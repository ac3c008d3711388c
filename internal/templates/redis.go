package templates

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/doravidan/vibing2-sub003/internal/metrics"
	"github.com/doravidan/vibing2-sub003/pkg/types"
)

// RedisStore implements Store using Redis.
//
// Templates are JSON documents under "<prefix>:template:<id>"; the set
// "<prefix>:templates" indexes the ids.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore creates a store on an existing Redis client. The client
// belongs to the caller; Close is a no-op.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "orchestrator"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) templateKey(id string) string { return s.prefix + ":template:" + id }

func (s *RedisStore) indexKey() string { return s.prefix + ":templates" }

func (s *RedisStore) record(op string, err error) {
	result := "success"
	if err != nil && !errors.Is(err, ErrTemplateNotFound) {
		result = "error"
	}
	metrics.StoreOperations.WithLabelValues("templates_redis", op, result).Inc()
}

// Create saves a new template.
func (s *RedisStore) Create(ctx context.Context, t *types.Template) (_ *types.Template, err error) {
	defer func() { s.record("create", err) }()
	stored, err := prepareNew(t)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(stored)
	if err != nil {
		return nil, fmt.Errorf("marshal template: %w", err)
	}

	ok, err := s.client.SetNX(ctx, s.templateKey(stored.ID), data, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("create template: %w", err)
	}
	if !ok {
		return nil, ErrTemplateExists
	}
	if err := s.client.SAdd(ctx, s.indexKey(), stored.ID).Err(); err != nil {
		return nil, fmt.Errorf("index template: %w", err)
	}
	return stored, nil
}

// Get retrieves a template by ID.
func (s *RedisStore) Get(ctx context.Context, id string) (_ *types.Template, err error) {
	defer func() { s.record("get", err) }()
	return s.get(ctx, s.client, id)
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *RedisStore) get(ctx context.Context, c getter, id string) (*types.Template, error) {
	data, err := c.Get(ctx, s.templateKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrTemplateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get template: %w", err)
	}
	var t types.Template
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("unmarshal template: %w", err)
	}
	return &t, nil
}

// Put creates or replaces a template.
func (s *RedisStore) Put(ctx context.Context, t *types.Template) (_ *types.Template, err error) {
	defer func() { s.record("put", err) }()
	if t.ID == "" {
		return s.Create(ctx, t)
	}
	return s.swap(ctx, t.ID, func(prev *types.Template) (*types.Template, error) {
		if prev == nil {
			return prepareNew(t)
		}
		next, err := replace(prev, t)
		if err == nil && t.Version == "" {
			next.Version = prev.Version
		}
		return next, err
	})
}

// Update replaces an existing template.
func (s *RedisStore) Update(ctx context.Context, id string, t *types.Template) (_ *types.Template, err error) {
	defer func() { s.record("update", err) }()
	return s.swap(ctx, id, func(prev *types.Template) (*types.Template, error) {
		if prev == nil {
			return nil, ErrTemplateNotFound
		}
		return replace(prev, t)
	})
}

// swap applies fn to the stored template (nil when absent) inside a WATCH
// transaction and writes its result.
func (s *RedisStore) swap(ctx context.Context, id string, fn func(prev *types.Template) (*types.Template, error)) (*types.Template, error) {
	key := s.templateKey(id)
	var next *types.Template

	txf := func(tx *redis.Tx) error {
		prev, err := s.get(ctx, tx, id)
		if err != nil && !errors.Is(err, ErrTemplateNotFound) {
			return err
		}
		next, err = fn(prev)
		if err != nil {
			return err
		}
		data, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("marshal template: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			pipe.SAdd(ctx, s.indexKey(), id)
			return nil
		})
		return err
	}

	var err error
	for attempt := 0; attempt < 3; attempt++ {
		err = s.client.Watch(ctx, txf, key)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	if err != nil {
		return nil, err
	}
	return next, nil
}

// Delete removes a template.
func (s *RedisStore) Delete(ctx context.Context, id string) (err error) {
	defer func() { s.record("delete", err) }()
	n, err := s.client.Del(ctx, s.templateKey(id)).Result()
	if err != nil {
		return fmt.Errorf("delete template: %w", err)
	}
	if err := s.client.SRem(ctx, s.indexKey(), id).Err(); err != nil {
		return fmt.Errorf("unindex template: %w", err)
	}
	if n == 0 {
		return ErrTemplateNotFound
	}
	return nil
}

// List returns templates matching the options.
func (s *RedisStore) List(ctx context.Context, opts *ListOptions) (_ []*types.TemplateMeta, err error) {
	defer func() { s.record("list", err) }()
	if opts == nil {
		opts = &ListOptions{}
	}

	ids, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list template ids: %w", err)
	}
	if len(ids) == 0 {
		return []*types.TemplateMeta{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.templateKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("fetch templates: %w", err)
	}

	metas := make([]*types.TemplateMeta, 0, len(values))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var t types.Template
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			return nil, fmt.Errorf("unmarshal template %s: %w", ids[i], err)
		}
		if matches(&t, opts) {
			metas = append(metas, t.Meta())
		}
	}
	return paginate(metas, opts), nil
}

// Close is a no-op; the client belongs to the caller.
func (s *RedisStore) Close() error {
	return nil
}
