// Package events produces the ordered, typed event stream of a workflow
// run and delivers it to a sink.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/doravidan/vibing2-sub003/internal/metrics"
	"github.com/doravidan/vibing2-sub003/pkg/types"
)

// Sink consumes events. Send is called with events in emission order and
// never concurrently for the same emitter.
type Sink interface {
	Send(ctx context.Context, e *types.Event) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, e *types.Event) error

func (f SinkFunc) Send(ctx context.Context, e *types.Event) error { return f(ctx, e) }

// Emitter stamps events with a per-run sequence number and hands them to
// its sink. Emit is safe for concurrent use; the sequence numbers reflect
// the order in which the sink saw the events.
type Emitter struct {
	mu         sync.Mutex
	workflowID string
	seq        int64
	sink       Sink
	logger     *slog.Logger
	now        func() time.Time
}

// Option configures an Emitter.
type Option func(*Emitter)

// WithLogger sets the logger used to report sink failures.
func WithLogger(l *slog.Logger) Option {
	return func(e *Emitter) { e.logger = l }
}

// WithStartSeq continues numbering after seq, for runs whose earlier
// events are already stored.
func WithStartSeq(seq int64) Option {
	return func(e *Emitter) { e.seq = seq }
}

// NewEmitter creates an emitter for one workflow run. A nil sink discards
// events.
func NewEmitter(workflowID string, sink Sink, opts ...Option) *Emitter {
	e := &Emitter{
		workflowID: workflowID,
		sink:       sink,
		logger:     slog.Default(),
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// WorkflowID returns the run the emitter belongs to.
func (e *Emitter) WorkflowID() string { return e.workflowID }

// Emit builds an event from data and delivers it. Sink errors are logged
// and counted but never returned: observers must not affect the run.
func (e *Emitter) Emit(ctx context.Context, typ types.EventType, taskID string, data any) *types.Event {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			e.logger.Error("failed to marshal event data",
				slog.String("workflow_id", e.workflowID),
				slog.String("event_type", string(typ)),
				slog.Any("error", err),
			)
		} else {
			raw = b
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.seq++
	evt := &types.Event{
		ID:         strconv.FormatInt(e.seq, 10),
		Seq:        e.seq,
		WorkflowID: e.workflowID,
		Type:       typ,
		TaskID:     taskID,
		Timestamp:  e.now(),
		Data:       raw,
	}
	metrics.EventsTotal.WithLabelValues(string(typ)).Inc()

	if e.sink != nil {
		if err := e.sink.Send(ctx, evt); err != nil {
			e.logger.Warn("event sink failed",
				slog.String("workflow_id", e.workflowID),
				slog.String("event_id", evt.ID),
				slog.Any("error", err),
			)
		}
	}
	return evt
}

// Seq returns the sequence number of the last emitted event.
func (e *Emitter) Seq() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.seq
}
