package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/doravidan/vibing2-sub003/internal/metrics"
	"github.com/doravidan/vibing2-sub003/pkg/types"
)

// Fanout delivers each event to several sinks in order. Every sink sees
// every event even when an earlier one fails; the errors are joined.
func Fanout(sinks ...Sink) Sink {
	return SinkFunc(func(ctx context.Context, e *types.Event) error {
		var errs []error
		for _, s := range sinks {
			if s == nil {
				continue
			}
			if err := s.Send(ctx, e); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
}

// Named labels a sink's failures in metrics and errors.
func Named(name string, s Sink) Sink {
	return SinkFunc(func(ctx context.Context, e *types.Event) error {
		if err := s.Send(ctx, e); err != nil {
			metrics.SinkErrors.WithLabelValues(name).Inc()
			return fmt.Errorf("%s sink: %w", name, err)
		}
		return nil
	})
}

// ChannelSink forwards events to a buffered channel. When the channel is
// full it waits up to Grace for the reader, then drops the event.
type ChannelSink struct {
	events  chan *types.Event
	grace   time.Duration
	dropped atomic.Uint64
	closed  atomic.Bool
	mu      sync.RWMutex
}

// NewChannelSink creates a channel sink with the given buffer size.
func NewChannelSink(bufferSize int) *ChannelSink {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &ChannelSink{
		events: make(chan *types.Event, bufferSize),
		grace:  100 * time.Millisecond,
	}
}

// ErrSinkClosed is returned by sinks that no longer accept events.
var ErrSinkClosed = errors.New("sink closed")

func (c *ChannelSink) Send(ctx context.Context, e *types.Event) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed.Load() {
		return ErrSinkClosed
	}

	select {
	case c.events <- e:
		return nil
	default:
	}

	timer := time.NewTimer(c.grace)
	defer timer.Stop()
	select {
	case c.events <- e:
		return nil
	case <-ctx.Done():
		c.dropped.Add(1)
		return ctx.Err()
	case <-timer.C:
		n := c.dropped.Add(1)
		return fmt.Errorf("channel full, dropped event %s (total dropped: %d)", e.ID, n)
	}
}

// Events returns the channel events are delivered on.
func (c *ChannelSink) Events() <-chan *types.Event { return c.events }

// Dropped returns the number of events dropped so far.
func (c *ChannelSink) Dropped() uint64 { return c.dropped.Load() }

// Close closes the channel. Later sends fail with ErrSinkClosed.
func (c *ChannelSink) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.CompareAndSwap(false, true) {
		close(c.events)
	}
}

// Recorder keeps every event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []*types.Event
}

func (r *Recorder) Send(_ context.Context, e *types.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

// Events returns a snapshot of the recorded events.
func (r *Recorder) Events() []*types.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*types.Event(nil), r.events...)
}

// OfType returns the recorded events of one type.
func (r *Recorder) OfType(typ types.EventType) []*types.Event {
	var out []*types.Event
	for _, e := range r.Events() {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

// LogSink mirrors events to a logger. Errors are logged at warn, everything
// else at debug.
type LogSink struct {
	Logger *slog.Logger
}

func (l LogSink) Send(ctx context.Context, e *types.Event) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	level := slog.LevelDebug
	if e.Type == types.EventTaskError {
		level = slog.LevelWarn
	}
	logger.Log(ctx, level, "workflow event",
		slog.String("workflow_id", e.WorkflowID),
		slog.Int64("seq", e.Seq),
		slog.String("type", string(e.Type)),
		slog.String("task_id", e.TaskID),
		slog.String("data", string(e.Data)),
	)
	return nil
}

// EventAppender persists events; runstore.Store implements it.
type EventAppender interface {
	AppendEvent(ctx context.Context, workflowID string, e *types.Event) error
}

// StoreSink appends every event to a store so streams can be replayed.
type StoreSink struct {
	Store EventAppender
}

func (s StoreSink) Send(ctx context.Context, e *types.Event) error {
	return s.Store.AppendEvent(ctx, e.WorkflowID, e)
}
