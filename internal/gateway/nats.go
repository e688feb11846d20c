package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"

	"github.com/flexinfer/blueprint-engine/pkg/types"
)

// Requester is the part of *nats.Conn the NATS runtime uses.
type Requester interface {
	RequestMsgWithContext(ctx context.Context, msg *nats.Msg) (*nats.Msg, error)
}

// NATS invokes tools over NATS request/reply. The subject is the manifest's,
// or "<prefix>.<tool id>" when it sets none.
type NATS struct {
	conn   Requester
	prefix string
}

// NewNATS creates a NATS runtime. prefix defaults to "tools".
func NewNATS(conn Requester, prefix string) *NATS {
	if prefix == "" {
		prefix = "tools"
	}
	return &NATS{conn: conn, prefix: strings.TrimSuffix(prefix, ".")}
}

// Subject returns the request subject for m.
func (n *NATS) Subject(m *types.ToolManifest) string {
	if m.Subject != "" {
		return m.Subject
	}
	return n.prefix + "." + m.ID
}

func (n *NATS) Invoke(ctx context.Context, m *types.ToolManifest, req *ToolRequest) (*ToolOutput, error) {
	payload, err := json.Marshal(&ToolCall{ToolID: m.ID, RunID: req.RunID, NodeID: req.NodeID, Params: req.Params})
	if err != nil {
		return nil, fmt.Errorf("marshal call: %w", err)
	}
	msg := &nats.Msg{Subject: n.Subject(m), Data: payload, Header: nats.Header{}}
	msg.Header.Set("Run-Id", req.RunID)
	msg.Header.Set("Node-Id", req.NodeID)
	for k, v := range req.Credentials {
		msg.Header.Set(credentialHeader(k), v)
	}

	resp, err := n.conn.RequestMsgWithContext(ctx, msg)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case errors.Is(err, nats.ErrNoResponders):
			return nil, &types.ToolError{ToolID: m.ID, Code: "no_responders", Message: msg.Subject}
		}
		return nil, &types.ToolError{ToolID: m.ID, Code: "unavailable", Message: err.Error()}
	}

	var reply ToolReply
	if err := json.Unmarshal(resp.Data, &reply); err != nil {
		return nil, &types.ToolError{ToolID: m.ID, Code: "invalid_output", Message: err.Error()}
	}
	return reply.toOutput(m.ID)
}

var (
	_ Runtime   = (*NATS)(nil)
	_ Requester = (*nats.Conn)(nil)
)
