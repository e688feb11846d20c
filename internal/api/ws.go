package api

import (
	"context"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/flexinfer/blueprint-engine/internal/metrics"
	"github.com/flexinfer/blueprint-engine/pkg/types"
)

const (
	wsWriteWait      = 10 * time.Second
	wsPongWait       = 60 * time.Second
	wsMaxMessageSize = 4096
)

// checkOrigin allows same-origin requests and the configured CORS origins.
func (h *Handlers) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	allowed := h.config.Server.CORSOrigins
	if len(allowed) == 0 || slices.Contains(allowed, "*") || slices.Contains(allowed, origin) {
		return true
	}
	h.logger.Warn("websocket origin rejected", slog.String("origin", origin))
	return false
}

// StreamEventsWS handles GET /api/v1/runs/{id}/ws. It carries the same
// events as the SSE stream, one JSON object per message. ?last_event_id=
// resumes after an event.
func (h *Handlers) StreamEventsWS(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["id"]
	if _, err := h.Events.GetRun(r.Context(), runID); err != nil {
		h.respondDomainError(w, r, "failed to get run", err)
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	metrics.StreamConnections.WithLabelValues("websocket").Inc()
	defer metrics.StreamConnections.WithLabelValues("websocket").Dec()

	// The request context is not cancelled when a hijacked connection drops,
	// so the read pump ends the stream instead.
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()
	go readPump(conn, cancel)

	start := time.Now()
	reason, err := h.follow(ctx, runID, r.URL.Query().Get("last_event_id"), &wsSink{conn: conn})
	if err != nil {
		h.logger.Warn("websocket stream ended with error", "run_id", runID, "error", err)
	}
	if reason == "run_completed" {
		conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run finished"))
	}
	h.logger.Info("websocket connection closed",
		slog.String("run_id", runID),
		slog.Duration("duration", time.Since(start)),
		slog.String("reason", reason))
}

// readPump discards client messages and cancels the stream when the peer
// goes away or stops answering pings.
func readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	conn.SetReadLimit(wsMaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

type wsSink struct {
	conn *websocket.Conn
}

func (s *wsSink) send(evt *types.Event) error {
	s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return s.conn.WriteJSON(evt)
}

func (s *wsSink) heartbeat() error {
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
}
