// Package bus is the in-process message bus agents use to talk to each
// other outside the dependency edges of a workflow.
//
// The bus takes no locks on the publish path. Subscribers live in an
// immutable slice swapped atomically on subscribe and unsubscribe, so
// publishers and subscribers on any goroutine never block each other.
// Delivery is synchronous, at most once per subscriber per publish, and
// messages are not retained for later subscribers.
package bus

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/doravidan/vibing2-sub003/pkg/types"
)

// ErrNoTarget is returned when a message has no target.
var ErrNoTarget = errors.New("message target is required")

// Handler receives a delivered message.
type Handler func(msg types.Message)

// Observer is called once per publish after delivery finished.
type Observer func(msg types.Message, delivered int)

type subscription struct {
	id      uint64
	agent   string
	handler Handler
}

// matches reports whether the subscription receives msg. A subscription on
// BroadcastTarget observes every message. Broadcasts are not echoed back to
// the sender.
func (s *subscription) matches(msg *types.Message) bool {
	switch {
	case s.agent == types.BroadcastTarget:
		return true
	case msg.IsBroadcast():
		return s.agent != msg.Sender
	default:
		return s.agent == msg.Target
	}
}

// Bus is a publish/subscribe channel for agent messages.
type Bus struct {
	workflowID string
	subs       atomic.Pointer[[]*subscription]
	nextID     atomic.Uint64
	published  atomic.Int64
	delivered  atomic.Int64
	observer   Observer
	logger     *slog.Logger
	now        func() time.Time
}

// Option configures a Bus.
type Option func(*Bus)

// WithObserver registers a callback run after every publish.
func WithObserver(fn Observer) Option {
	return func(b *Bus) { b.observer = fn }
}

// WithLogger sets the logger used to report handler panics.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) { b.logger = l }
}

// New creates a bus for one workflow.
func New(workflowID string, opts ...Option) *Bus {
	b := &Bus{
		workflowID: workflowID,
		logger:     slog.Default(),
		now:        func() time.Time { return time.Now().UTC() },
	}
	empty := []*subscription{}
	b.subs.Store(&empty)
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers handler for messages addressed to agentName or
// broadcast. Passing BroadcastTarget as agentName observes all messages.
// The returned function removes the subscription and is safe to call more
// than once.
func (b *Bus) Subscribe(agentName string, handler Handler) (unsubscribe func()) {
	sub := &subscription{
		id:      b.nextID.Add(1),
		agent:   agentName,
		handler: handler,
	}
	for {
		cur := b.subs.Load()
		next := make([]*subscription, len(*cur), len(*cur)+1)
		copy(next, *cur)
		next = append(next, sub)
		if b.subs.CompareAndSwap(cur, &next) {
			break
		}
	}

	var done atomic.Bool
	return func() {
		if !done.CompareAndSwap(false, true) {
			return
		}
		for {
			cur := b.subs.Load()
			next := make([]*subscription, 0, len(*cur))
			for _, s := range *cur {
				if s.id != sub.id {
					next = append(next, s)
				}
			}
			if b.subs.CompareAndSwap(cur, &next) {
				return
			}
		}
	}
}

// Publish delivers msg synchronously to every matching subscriber in
// subscription order and returns how many received it. A panicking handler
// is logged and counted as not delivered.
func (b *Bus) Publish(msg types.Message) (int, error) {
	if msg.Target == "" {
		return 0, ErrNoTarget
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = b.now()
	}
	if msg.WorkflowID == "" {
		msg.WorkflowID = b.workflowID
	}

	delivered := 0
	for _, sub := range *b.subs.Load() {
		if !sub.matches(&msg) {
			continue
		}
		if b.deliver(sub, msg) {
			delivered++
		}
	}

	b.published.Add(1)
	b.delivered.Add(int64(delivered))
	if b.observer != nil {
		b.observer(msg, delivered)
	}
	return delivered, nil
}

func (b *Bus) deliver(sub *subscription, msg types.Message) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("message handler panicked",
				slog.String("workflow_id", b.workflowID),
				slog.String("agent", sub.agent),
				slog.String("message_id", msg.ID),
				slog.String("panic", fmt.Sprint(r)),
			)
			ok = false
		}
	}()
	sub.handler(msg)
	return true
}

// Broadcast publishes payload to all agents.
func (b *Bus) Broadcast(sender, payload string) (int, error) {
	return b.Publish(types.Message{Sender: sender, Target: types.BroadcastTarget, Payload: payload})
}

// Subscribers returns the number of active subscriptions.
func (b *Bus) Subscribers() int {
	return len(*b.subs.Load())
}

// Stats returns the number of publishes and deliveries so far.
func (b *Bus) Stats() (published, delivered int64) {
	return b.published.Load(), b.delivered.Load()
}
