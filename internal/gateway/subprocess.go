package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/flexinfer/blueprint-engine/pkg/types"
)

// SubprocessConfig holds configuration for the subprocess runtime.
type SubprocessConfig struct {
	// EnvPassthrough contains environment variables passed to every tool.
	EnvPassthrough map[string]string

	// CWD is the working directory for tools (empty = inherit).
	CWD string
}

// Subprocess runs tools as local processes. Params are written to stdin as
// JSON; stdout is read as NDJSON.
type Subprocess struct {
	envPassthrough map[string]string
	cwd            string
}

// NewSubprocess creates a subprocess runtime.
func NewSubprocess(cfg *SubprocessConfig) *Subprocess {
	if cfg == nil {
		cfg = &SubprocessConfig{}
	}
	return &Subprocess{
		envPassthrough: cfg.EnvPassthrough,
		cwd:            cfg.CWD,
	}
}

// Invoke runs the manifest command and waits for it to exit.
func (s *Subprocess) Invoke(ctx context.Context, m *types.ToolManifest, req *ToolRequest) (*ToolOutput, error) {
	if len(m.Command) == 0 {
		return nil, &types.ToolError{ToolID: m.ID, Code: "invalid_manifest", Message: "empty command"}
	}

	stdin, err := json.Marshal(req.Params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}

	env := os.Environ()
	for k, v := range s.envPassthrough {
		env = append(env, k+"="+v)
	}
	for k, v := range m.Env {
		env = append(env, k+"="+v)
	}
	for k, v := range req.Credentials {
		env = append(env, k+"="+v)
	}
	env = append(env,
		"RUN_ID="+req.RunID,
		"NODE_ID="+req.NodeID,
		"TOOL_ID="+m.ID,
	)

	c := exec.CommandContext(ctx, m.Command[0], m.Command[1:]...)
	c.Env = env
	c.Stdin = bytes.NewReader(stdin)
	if s.cwd != "" {
		c.Dir = s.cwd
	}

	stdout, err := c.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := c.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := c.Start(); err != nil {
		return nil, &types.ToolError{ToolID: m.ID, Code: "start_failed", Message: err.Error()}
	}

	lines := newLineCollector(req)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		scanLines(stdout, func(line string) { lines.stdout(ctx, line) })
	}()
	go func() {
		defer wg.Done()
		scanLines(stderr, func(line string) { lines.stderr(ctx, line) })
	}()
	wg.Wait()

	err = c.Wait()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err != nil {
		if te := lines.failure(); te != nil {
			return nil, te
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, &types.ToolError{
				ToolID:  m.ID,
				Code:    fmt.Sprintf("exit_%d", exitErr.ExitCode()),
				Message: "tool exited with non-zero status",
			}
		}
		return nil, &types.ToolError{ToolID: m.ID, Code: "wait_failed", Message: err.Error()}
	}
	return lines.result()
}

// scanLines calls fn for every non-empty line of r.
func scanLines(r io.Reader, fn func(string)) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			fn(line)
		}
	}
}

var _ Runtime = (*Subprocess)(nil)
