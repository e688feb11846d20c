package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/flexinfer/blueprint-engine/internal/runstore"
	"github.com/flexinfer/blueprint-engine/pkg/types"
)

func appendEvent(t *testing.T, store runstore.RunStore, runID string, in *types.EventInput) *types.Event {
	t.Helper()
	evt, err := store.AppendEvent(context.Background(), runID, in)
	if err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}
	return evt
}

func finishRun(t *testing.T, store runstore.RunStore, runID string, status types.RunStatus) {
	t.Helper()
	if err := store.UpdateRun(context.Background(), runID, &runstore.RunPatch{Status: &status}); err != nil {
		t.Fatalf("UpdateRun: %v", err)
	}
	appendEvent(t, store, runID, &types.EventInput{Type: types.EventTypeRunStatus, Data: types.RunStatusEvent{Status: status}})
}

type sseFrame struct {
	id, event, data string
}

// readFrames parses an event stream until EOF, skipping comment lines.
func readFrames(sc *bufio.Scanner, n int) []sseFrame {
	var (
		out []sseFrame
		cur sseFrame
	)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if cur != (sseFrame{}) {
				out = append(out, cur)
				cur = sseFrame{}
				if n > 0 && len(out) == n {
					return out
				}
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "id: "):
			cur.id = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "event: "):
			cur.event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			cur.data = strings.TrimPrefix(line, "data: ")
		}
	}
	return out
}

func frameIDs(frames []sseFrame) string {
	ids := make([]string, len(frames))
	for i, f := range frames {
		ids[i] = f.id
	}
	return strings.Join(ids, ",")
}

func TestStreamEventsReplay(t *testing.T) {
	hs := newHarness(t, harnessOptions{})
	newRun(t, hs.runs, "r1")
	appendEvent(t, hs.runs, "r1", &types.EventInput{Type: types.EventTypeNodeStatus, NodeID: "start",
		Data: types.NodeStatusEvent{Status: types.NodeStatusCompleted, Attempt: 1}})
	appendEvent(t, hs.runs, "r1", &types.EventInput{Type: types.EventTypeLog,
		Data: types.LogEvent{Level: types.LogLevelInfo, Message: "hello"}})
	finishRun(t, hs.runs, "r1", types.RunStatusSucceeded)

	req, _ := http.NewRequest("GET", hs.srv.URL+"/api/v1/runs/r1/events", nil)
	req.Header.Set("Last-Event-ID", "1")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	frames := readFrames(bufio.NewScanner(resp.Body), 0)
	if got := frameIDs(frames); got != "2,3,final" {
		t.Fatalf("ids = %s", got)
	}
	last := frames[len(frames)-1]
	if last.event != string(EventTypeStreamEnd) {
		t.Errorf("last event = %s", last.event)
	}
	var end types.Event
	if err := json.Unmarshal([]byte(last.data), &end); err != nil {
		t.Fatal(err)
	}
	var status types.RunStatusEvent
	if err := json.Unmarshal(end.Data, &status); err != nil || status.Status != types.RunStatusSucceeded {
		t.Errorf("final status = %+v (%v)", status, err)
	}
}

func TestStreamEventsLive(t *testing.T) {
	hs := newHarness(t, harnessOptions{})
	newRun(t, hs.runs, "r1")
	appendEvent(t, hs.runs, "r1", &types.EventInput{Type: types.EventTypeRunStatus,
		Data: types.RunStatusEvent{Status: types.RunStatusRunning}})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, "GET", hs.srv.URL+"/api/v1/runs/r1/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	sc := bufio.NewScanner(resp.Body)

	if got := frameIDs(readFrames(sc, 1)); got != "1" {
		t.Fatalf("backlog ids = %s", got)
	}

	appendEvent(t, hs.runs, "r1", &types.EventInput{Type: types.EventTypeNodeStatus, NodeID: "say",
		Data: types.NodeStatusEvent{Status: types.NodeStatusRunning, Attempt: 1}})
	finishRun(t, hs.runs, "r1", types.RunStatusFailed)

	// The stream closes after the terminal status.
	if got := frameIDs(readFrames(sc, 0)); got != "2,3,final" {
		t.Errorf("live ids = %s", got)
	}
}

func TestStreamEventsUnknownRun(t *testing.T) {
	hs := newHarness(t, harnessOptions{})
	resp, _ := hs.do(t, "GET", "/api/v1/runs/nope/events", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestStreamEventsWebSocket(t *testing.T) {
	hs := newHarness(t, harnessOptions{})
	newRun(t, hs.runs, "r1")
	appendEvent(t, hs.runs, "r1", &types.EventInput{Type: types.EventTypeLog,
		Data: types.LogEvent{Level: types.LogLevelInfo, Message: "hello"}})
	finishRun(t, hs.runs, "r1", types.RunStatusCancelled)

	url := "ws" + strings.TrimPrefix(hs.srv.URL, "http") + "/api/v1/runs/r1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"https://ui.example"}})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var seen []types.EventType
	for {
		var evt types.Event
		err := conn.ReadJSON(&evt)
		if err != nil {
			var ce *websocket.CloseError
			if !errors.As(err, &ce) || ce.Code != websocket.CloseNormalClosure {
				t.Fatalf("read: %v", err)
			}
			break
		}
		seen = append(seen, evt.Type)
	}
	want := []types.EventType{types.EventTypeLog, types.EventTypeRunStatus, EventTypeStreamEnd}
	if len(seen) != len(want) {
		t.Fatalf("events = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("event %d = %s, want %s", i, seen[i], want[i])
		}
	}
}

func TestEventAfter(t *testing.T) {
	tests := []struct {
		id, last string
		want     bool
	}{
		{"1", "", true},
		{"2", "1", true},
		{"1", "1", false},
		{"9", "10", false},
		{"1700000000000-1", "1700000000000-0", true},
		{"1700000000000-0", "1700000000001-0", false},
		{"abc", "def", true},
		{"abc", "abc", false},
	}
	for _, tt := range tests {
		if got := eventAfter(tt.id, tt.last); got != tt.want {
			t.Errorf("eventAfter(%q, %q) = %v, want %v", tt.id, tt.last, got, tt.want)
		}
	}
}
