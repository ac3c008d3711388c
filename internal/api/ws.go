package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/doravidan/vibing2-sub003/internal/metrics"
	"github.com/doravidan/vibing2-sub003/pkg/types"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 << 10
)

// wsFrame is an outbound websocket frame.
type wsFrame struct {
	Type      string       `json:"type"`
	Event     *types.Event `json:"event,omitempty"`
	Delivered *int         `json:"delivered,omitempty"`
	Error     string       `json:"error,omitempty"`
}

// wsInbound is a frame sent by the client. Only "message" is understood.
type wsInbound struct {
	Type string `json:"type"`
	PublishRequest
}

func (h *Handlers) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if h.allowOrigin(origin) {
				return true
			}
			h.logger.Warn("websocket origin rejected", slog.String("origin", origin))
			return false
		},
	}
}

// StreamWebSocket handles GET /api/v1/workflows/{id}/ws. It streams the same
// events as the SSE endpoint and accepts "message" frames that are published
// to the workflow's bus.
func (h *Handlers) StreamWebSocket(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := h.store.GetWorkflow(r.Context(), id); err != nil {
		h.respondError(w, r, statusFor(err), "failed to get workflow", err)
		return
	}

	conn, err := h.upgrader().Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	stream, err := h.openStream(ctx, id, r.URL.Query().Get("last_event_id"))
	if err != nil {
		_ = conn.WriteJSON(wsFrame{Type: "error", Error: err.Error()})
		return
	}
	defer stream.cleanup()

	metrics.StreamConnections.WithLabelValues("websocket").Inc()
	defer metrics.StreamConnections.WithLabelValues("websocket").Dec()
	start := time.Now()
	defer func() {
		metrics.StreamConnectionDuration.WithLabelValues("websocket").Observe(time.Since(start).Seconds())
	}()

	replies := make(chan wsFrame, 16)
	go h.readPump(ctx, cancel, conn, id, replies)
	h.writePump(ctx, conn, id, stream, replies)
}

// readPump reads inbound frames until the connection fails.
func (h *Handlers) readPump(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, id string, replies chan<- wsFrame) {
	defer cancel()
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("websocket read failed", "error", err, "workflow_id", id)
			}
			return
		}

		reply := h.handleFrame(ctx, id, data)
		select {
		case replies <- reply:
		case <-ctx.Done():
			return
		}
	}
}

func (h *Handlers) handleFrame(ctx context.Context, id string, data []byte) wsFrame {
	var in wsInbound
	if err := json.Unmarshal(data, &in); err != nil {
		return wsFrame{Type: "error", Error: "invalid frame: " + err.Error()}
	}
	if in.Type != "message" {
		return wsFrame{Type: "error", Error: "unsupported frame type " + in.Type}
	}
	if in.Target == "" || in.Payload == "" {
		return wsFrame{Type: "error", Error: "target and payload are required"}
	}
	delivered, err := h.service.Publish(ctx, id, in.message(id))
	if err != nil {
		return wsFrame{Type: "error", Error: err.Error()}
	}
	return wsFrame{Type: "ack", Delivered: &delivered}
}

// writePump owns all writes to conn.
func (h *Handlers) writePump(ctx context.Context, conn *websocket.Conn, id string, stream *eventStream, replies <-chan wsFrame) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	write := func(f wsFrame) error {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteJSON(f)
	}

	for _, evt := range stream.drainBacklog() {
		if err := write(wsFrame{Type: "event", Event: evt}); err != nil {
			return
		}
	}

	for {
		select {
		case <-ctx.Done():
			return

		case evt, ok := <-stream.live:
			if !ok {
				for _, missed := range stream.catchUp(ctx) {
					if err := write(wsFrame{Type: "event", Event: missed}); err != nil {
						return
					}
				}
				_ = write(wsFrame{Type: "event", Event: h.endEvent(ctx, id, stream.lastSeq+1)})
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "workflow finished"),
					time.Now().Add(writeWait))
				return
			}
			for _, e := range stream.next(ctx, evt) {
				if err := write(wsFrame{Type: "event", Event: e}); err != nil {
					return
				}
			}

		case f := <-replies:
			if err := write(f); err != nil {
				return
			}

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
