package gateway

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/flexinfer/blueprint-engine/pkg/types"
)

// lineCollector consumes the NDJSON protocol shared by the subprocess and k8s
// runtimes. "result" lines set the output, "error" lines fail the call and
// everything else is forwarded to the request's event callback.
type lineCollector struct {
	req *ToolRequest

	mu      sync.Mutex
	output  json.RawMessage
	toolErr *types.ToolError
}

func newLineCollector(req *ToolRequest) *lineCollector {
	return &lineCollector{req: req}
}

// stdout handles one stdout line. Lines that are not JSON become info logs.
func (c *lineCollector) stdout(ctx context.Context, line string) {
	tl, err := types.ParseNDJSON([]byte(line))
	if err != nil {
		c.log(ctx, types.LogLevelInfo, line)
		return
	}

	switch tl.Type {
	case "result":
		c.mu.Lock()
		c.output = tl.Output
		c.mu.Unlock()
	case "error":
		c.mu.Lock()
		c.toolErr = &types.ToolError{ToolID: c.req.ToolID, Code: tl.Code, Message: tl.Message}
		if c.toolErr.Code == "" {
			c.toolErr.Code = "tool_error"
		}
		c.mu.Unlock()
	case "log":
		level := tl.Level
		if level == "" {
			level = types.LogLevelInfo
		}
		c.log(ctx, level, tl.Message)
	default:
		c.emit(ctx, &types.EventInput{
			Type: types.EventTypeStreamData,
			Data: json.RawMessage(line),
		})
	}
}

// stderr handles one stderr line.
func (c *lineCollector) stderr(ctx context.Context, line string) {
	c.log(ctx, types.LogLevelError, line)
}

func (c *lineCollector) log(ctx context.Context, level types.LogLevel, msg string) {
	c.emit(ctx, &types.EventInput{
		Type: types.EventTypeLog,
		Data: types.LogEvent{Level: level, Message: msg},
	})
}

func (c *lineCollector) emit(ctx context.Context, ev *types.EventInput) {
	if c.req.OnEvent == nil {
		return
	}
	ev.NodeID = c.req.NodeID
	c.req.OnEvent(ctx, ev)
}

// result returns the tool output once the process has exited cleanly. A
// missing result line yields a nil output.
func (c *lineCollector) result() (*ToolOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.toolErr != nil {
		return nil, c.toolErr
	}
	if len(c.output) == 0 {
		return &ToolOutput{}, nil
	}
	var out any
	if err := json.Unmarshal(c.output, &out); err != nil {
		return nil, &types.ToolError{ToolID: c.req.ToolID, Code: "invalid_output", Message: err.Error()}
	}
	return &ToolOutput{Output: out}, nil
}

// failure reports the tool error line, if any, for a process that exited
// non-zero.
func (c *lineCollector) failure() *types.ToolError {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.toolErr
}
