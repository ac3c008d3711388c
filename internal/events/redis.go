package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/doravidan/vibing2-sub003/pkg/types"
)

// RedisSink publishes events on a Redis pub/sub channel. Events of every
// run go to Channel and to Channel:<workflow id>, so listeners can follow
// either all runs or one.
type RedisSink struct {
	client  redis.UniversalClient
	channel string
}

// NewRedisSink creates a sink publishing on channel.
func NewRedisSink(client redis.UniversalClient, channel string) *RedisSink {
	if channel == "" {
		channel = "workflow:events"
	}
	return &RedisSink{client: client, channel: channel}
}

// RunChannel returns the channel carrying one run's events.
func (s *RedisSink) RunChannel(workflowID string) string {
	return fmt.Sprintf("%s:%s", s.channel, workflowID)
}

func (s *RedisSink) Send(ctx context.Context, e *types.Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	pipe := s.client.Pipeline()
	pipe.Publish(ctx, s.channel, payload)
	pipe.Publish(ctx, s.RunChannel(e.WorkflowID), payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}
