package api

import (
	"context"
	"strconv"

	"github.com/doravidan/vibing2-sub003/internal/runstore"
	"github.com/doravidan/vibing2-sub003/pkg/types"
)

// eventStreamEnd marks the end of a stream once the workflow has finished.
const eventStreamEnd types.EventType = "stream:end"

// eventStream joins stored history with live events. It subscribes before
// reading history so nothing is lost in between, and drops anything at or
// below the last delivered sequence number. The store may drop live events
// for a slow subscriber; such gaps are filled from the stored log.
type eventStream struct {
	store   runstore.Store
	id      string
	backlog []*types.Event
	live    <-chan *types.Event
	cleanup func()
	lastSeq int64
}

func (h *Handlers) openStream(ctx context.Context, id, lastEventID string) (*eventStream, error) {
	live, cleanup, err := h.store.Subscribe(ctx, id)
	if err != nil {
		return nil, err
	}
	backlog, err := h.store.GetEventsSince(ctx, id, lastEventID)
	if err != nil {
		cleanup()
		return nil, err
	}
	s := &eventStream{store: h.store, id: id, backlog: backlog, live: live, cleanup: cleanup}
	if seq, err := strconv.ParseInt(lastEventID, 10, 64); err == nil {
		s.lastSeq = seq
	}
	return s, nil
}

// accept reports whether e has not been delivered yet and records it.
func (s *eventStream) accept(e *types.Event) bool {
	if e == nil || e.Seq <= s.lastSeq {
		return false
	}
	s.lastSeq = e.Seq
	return true
}

// drainBacklog returns the history events not yet delivered.
func (s *eventStream) drainBacklog() []*types.Event {
	out := make([]*types.Event, 0, len(s.backlog))
	for _, e := range s.backlog {
		if s.accept(e) {
			out = append(out, e)
		}
	}
	s.backlog = nil
	return out
}

// next returns the events to deliver for live event e, in order. When e
// skips sequence numbers the missing events are read from the store first.
func (s *eventStream) next(ctx context.Context, e *types.Event) []*types.Event {
	if e == nil || e.Seq <= s.lastSeq {
		return nil
	}
	var out []*types.Event
	if e.Seq > s.lastSeq+1 {
		for _, missed := range s.stored(ctx) {
			if missed.Seq <= e.Seq && s.accept(missed) {
				out = append(out, missed)
			}
		}
	}
	if s.accept(e) {
		out = append(out, e)
	}
	return out
}

// catchUp returns stored events never seen live. It runs once the live
// channel is closed, so the stream ends with the complete log.
func (s *eventStream) catchUp(ctx context.Context) []*types.Event {
	var out []*types.Event
	for _, e := range s.stored(ctx) {
		if s.accept(e) {
			out = append(out, e)
		}
	}
	return out
}

func (s *eventStream) stored(ctx context.Context) []*types.Event {
	events, err := s.store.GetEventsSince(ctx, s.id, strconv.FormatInt(s.lastSeq, 10))
	if err != nil {
		return nil
	}
	return events
}

// endEvent builds the closing event carrying the final workflow status.
func (h *Handlers) endEvent(ctx context.Context, id string, seq int64) *types.Event {
	evt := &types.Event{
		ID:         "end",
		Seq:        seq,
		WorkflowID: id,
		Type:       eventStreamEnd,
		Timestamp:  nowUTC(),
	}
	if wf, err := h.store.GetWorkflow(ctx, id); err == nil {
		evt.Data = mustJSON(map[string]any{"status": wf.Status, "error": wf.Error})
	}
	return evt
}
