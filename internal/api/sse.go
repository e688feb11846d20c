package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/flexinfer/blueprint-engine/internal/metrics"
	"github.com/flexinfer/blueprint-engine/pkg/types"
)

// EventTypeStreamEnd is the final event of a stream for a finished run.
const EventTypeStreamEnd types.EventType = "stream_end"

const heartbeatInterval = 15 * time.Second

// eventSink writes events to one stream client.
type eventSink interface {
	send(evt *types.Event) error
	heartbeat() error
}

// follow replays events after lastEventID, then forwards live events until
// the run finishes or ctx ends. It subscribes before replaying and drops
// duplicates, so an event appended in between is sent exactly once.
func (h *Handlers) follow(ctx context.Context, runID, lastEventID string, sink eventSink) (string, error) {
	live, cleanup, err := h.Events.Subscribe(ctx, runID)
	if err != nil {
		return "subscribe_failed", err
	}
	defer cleanup()

	last := lastEventID
	backlog, err := h.Events.GetEventsSince(ctx, runID, lastEventID)
	if err != nil {
		return "replay_failed", err
	}
	for _, evt := range backlog {
		if err := sink.send(evt); err != nil {
			return "write_failed", err
		}
		last = evt.ID
	}

	if rec, err := h.Events.GetRun(ctx, runID); err == nil && rec.Status.IsTerminal() {
		return "run_completed", sink.send(streamEnd(rec))
	}

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()
	for {
		select {
		case <-ctx.Done():
			return "client_disconnect", nil

		case evt, ok := <-live:
			if !ok {
				return "subscription_closed", nil
			}
			if !eventAfter(evt.ID, last) {
				continue
			}
			if err := sink.send(evt); err != nil {
				return "write_failed", err
			}
			last = evt.ID
			if terminalEvent(evt) {
				rec, err := h.Events.GetRun(ctx, runID)
				if err != nil {
					return "run_completed", nil
				}
				return "run_completed", sink.send(streamEnd(rec))
			}

		case <-heartbeat.C:
			if err := sink.heartbeat(); err != nil {
				return "write_failed", err
			}
		}
	}
}

// StreamEvents handles GET /api/v1/runs/{id}/events
// It implements Server-Sent Events (SSE) with Last-Event-ID replay.
func (h *Handlers) StreamEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	runID := mux.Vars(r)["id"]
	startTime := time.Now()
	requestID := GetRequestID(ctx, r)

	if _, err := h.Events.GetRun(ctx, runID); err != nil {
		h.respondDomainError(w, r, "failed to get run", err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.respondError(w, r, http.StatusInternalServerError, "streaming not supported", nil)
		return
	}

	metrics.StreamConnections.WithLabelValues("sse").Inc()
	defer metrics.StreamConnections.WithLabelValues("sse").Dec()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	lastEventID := r.Header.Get("Last-Event-ID")
	if lastEventID == "" {
		lastEventID = r.URL.Query().Get("last_event_id")
	}

	h.logger.Info("SSE connection opened",
		slog.String("run_id", runID),
		slog.String("request_id", requestID),
		slog.String("last_event_id", lastEventID))

	reason, err := h.follow(ctx, runID, lastEventID, &sseSink{w: w, flusher: flusher})
	if err != nil {
		h.logger.Warn("SSE stream ended with error", "run_id", runID, "error", err)
	}
	h.logger.Info("SSE connection closed",
		slog.String("run_id", runID),
		slog.String("request_id", requestID),
		slog.Duration("duration", time.Since(startTime)),
		slog.String("reason", reason))
}

type sseSink struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func (s *sseSink) send(evt *types.Event) error {
	if _, err := s.w.Write(evt.ToSSE()); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *sseSink) heartbeat() error {
	if _, err := s.w.Write([]byte(": heartbeat\n\n")); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// streamEnd builds the closing event carrying the final run status.
func streamEnd(rec *types.ExecutionRecord) *types.Event {
	data, _ := json.Marshal(types.RunStatusEvent{
		Status:     rec.Status,
		Error:      rec.Error,
		FailedNode: rec.FailedNode,
	})
	return &types.Event{
		ID:        "final",
		RunID:     rec.RunID,
		Type:      EventTypeStreamEnd,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

func terminalEvent(evt *types.Event) bool {
	if evt.Type != types.EventTypeRunStatus {
		return false
	}
	var data types.RunStatusEvent
	if err := json.Unmarshal(evt.Data, &data); err != nil {
		return false
	}
	return data.Status.IsTerminal()
}

// eventAfter orders event ids. Memory ids are sequence numbers; Redis ids
// are "<ms>-<seq>".
func eventAfter(id, last string) bool {
	if last == "" {
		return true
	}
	a, aok := parseEventID(id)
	b, bok := parseEventID(last)
	if !aok || !bok {
		return id != last
	}
	if a[0] != b[0] {
		return a[0] > b[0]
	}
	return a[1] > b[1]
}

func parseEventID(id string) ([2]uint64, bool) {
	var out [2]uint64
	head, tail, hasTail := strings.Cut(id, "-")
	n, err := strconv.ParseUint(head, 10, 64)
	if err != nil {
		return out, false
	}
	out[0] = n
	if hasTail {
		if out[1], err = strconv.ParseUint(tail, 10, 64); err != nil {
			return out, false
		}
	}
	return out, true
}
