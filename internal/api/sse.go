package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/doravidan/vibing2-sub003/internal/metrics"
	"github.com/doravidan/vibing2-sub003/pkg/types"
)

// StreamEvents handles GET /api/v1/workflows/{id}/events
// It implements Server-Sent Events (SSE) for streaming workflow events.
func (h *Handlers) StreamEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := mux.Vars(r)["id"]
	startTime := time.Now()
	requestID := GetRequestID(ctx, r)

	if _, err := h.store.GetWorkflow(ctx, id); err != nil {
		h.respondError(w, r, statusFor(err), "failed to get workflow", err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.respondError(w, r, http.StatusInternalServerError, "streaming not supported", nil)
		return
	}

	lastEventID := r.Header.Get("Last-Event-ID")
	if lastEventID == "" {
		lastEventID = r.URL.Query().Get("last_event_id")
	}
	stream, err := h.openStream(ctx, id, lastEventID)
	if err != nil {
		h.respondError(w, r, statusFor(err), "failed to subscribe to events", err)
		return
	}
	defer stream.cleanup()

	metrics.StreamConnections.WithLabelValues("sse").Inc()
	defer metrics.StreamConnections.WithLabelValues("sse").Dec()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	h.logger.Info("SSE connection opened",
		slog.String("workflow_id", id),
		slog.String("request_id", requestID),
		slog.String("last_event_id", lastEventID),
	)

	closed := func(reason string) {
		duration := time.Since(startTime)
		metrics.StreamConnectionDuration.WithLabelValues("sse").Observe(duration.Seconds())
		h.logger.Info("SSE connection closed",
			slog.String("workflow_id", id),
			slog.String("request_id", requestID),
			slog.Duration("duration", duration),
			slog.String("reason", reason),
		)
	}

	for _, evt := range stream.drainBacklog() {
		if err := h.writeSSE(w, flusher, evt); err != nil {
			closed("write_error")
			return
		}
	}

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			closed("client_disconnect")
			return

		case evt, ok := <-stream.live:
			if !ok {
				for _, missed := range stream.catchUp(ctx) {
					if err := h.writeSSE(w, flusher, missed); err != nil {
						closed("write_error")
						return
					}
				}
				_ = h.writeSSE(w, flusher, h.endEvent(ctx, id, stream.lastSeq+1))
				closed("workflow_finished")
				return
			}
			for _, e := range stream.next(ctx, evt) {
				if err := h.writeSSE(w, flusher, e); err != nil {
					closed("write_error")
					return
				}
			}

		case <-heartbeat.C:
			if err := h.writeComment(w, flusher, "heartbeat"); err != nil {
				closed("write_error")
				return
			}
		}
	}
}

// writeSSE writes an event in SSE format and flushes.
func (h *Handlers) writeSSE(w http.ResponseWriter, flusher http.Flusher, evt *types.Event) error {
	if _, err := w.Write(evt.ToSSE()); err != nil {
		h.logger.Debug("failed to write SSE event", "error", err)
		return err
	}
	flusher.Flush()
	return nil
}

// writeComment writes an SSE comment (for heartbeats).
func (h *Handlers) writeComment(w http.ResponseWriter, flusher http.Flusher, comment string) error {
	if _, err := w.Write([]byte(": " + comment + "\n\n")); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

func nowUTC() time.Time {
	return time.Now().UTC()
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
