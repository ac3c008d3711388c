package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"

	"github.com/doravidan/vibing2-sub003/pkg/types"
)

// NATSPublisher is the part of *nats.Conn the sink uses.
type NATSPublisher interface {
	Publish(subject string, data []byte) error
}

var _ NATSPublisher = (*nats.Conn)(nil)

// NATSSink publishes events to NATS subjects of the form
// <prefix>.<workflow id>.<type>, with ':' in the type replaced by '.',
// e.g. workflows.42.task.complete.
type NATSSink struct {
	conn   NATSPublisher
	prefix string
}

// NewNATSSink creates a sink publishing under prefix.
func NewNATSSink(conn NATSPublisher, prefix string) *NATSSink {
	if prefix == "" {
		prefix = "workflows"
	}
	return &NATSSink{conn: conn, prefix: prefix}
}

// Subject returns the subject an event is published on.
func (s *NATSSink) Subject(e *types.Event) string {
	return fmt.Sprintf("%s.%s.%s", s.prefix, e.WorkflowID, strings.ReplaceAll(string(e.Type), ":", "."))
}

func (s *NATSSink) Send(ctx context.Context, e *types.Event) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled before publish: %w", err)
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return s.conn.Publish(s.Subject(e), data)
}

// ConnectNATS dials the server with reconnect settings suited to a
// long-running publisher.
func ConnectNATS(url, name string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(nats.DefaultReconnectWait),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return nc, nil
}
