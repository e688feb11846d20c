package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/flexinfer/blueprint-engine/internal/metrics"
	"github.com/flexinfer/blueprint-engine/pkg/types"
)

// BrainConfig configures the OpenAI compatible brain gateway.
type BrainConfig struct {
	// Endpoint is the API base URL, e.g. "https://api.openai.com/v1".
	Endpoint string
	// APIKey is sent as a bearer token when OAuth2 is not configured.
	APIKey string
	// DefaultModel is used when the request names no model.
	DefaultModel string

	// OAuth2 client credentials. TokenURL enables them.
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string
}

// Brain calls an OpenAI compatible chat completions endpoint.
type Brain struct {
	endpoint     string
	apiKey       string
	defaultModel string
	client       *http.Client
}

// NewBrain creates the brain gateway. Token fetches and completions go
// through a traced transport.
func NewBrain(ctx context.Context, cfg *BrainConfig) (*Brain, error) {
	if cfg == nil || cfg.Endpoint == "" {
		return nil, fmt.Errorf("brain endpoint is required")
	}
	base := otelhttp.NewTransport(http.DefaultTransport)
	client := &http.Client{Transport: base}

	if cfg.TokenURL != "" {
		cc := &clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
			Scopes:       cfg.Scopes,
		}
		tokenCtx := context.WithValue(ctx, oauth2.HTTPClient, &http.Client{Transport: base})
		client = &http.Client{Transport: &oauth2.Transport{
			Source: cc.TokenSource(tokenCtx),
			Base:   base,
		}}
	}
	return NewBrainWithClient(cfg, client), nil
}

// NewBrainWithClient creates the brain gateway on an existing client.
func NewBrainWithClient(cfg *BrainConfig, client *http.Client) *Brain {
	model := cfg.DefaultModel
	if model == "" {
		model = types.DefaultModel
	}
	return &Brain{
		endpoint:     strings.TrimSuffix(cfg.Endpoint, "/"),
		apiKey:       cfg.APIKey,
		defaultModel: model,
		client:       client,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// SplitModelRef splits "provider/model" into its parts. A bare model name
// has no provider.
func SplitModelRef(ref string) (provider, model string) {
	if p, m, ok := strings.Cut(ref, "/"); ok {
		return p, m
	}
	return "", ref
}

// Invoke sends one chat completion.
func (b *Brain) Invoke(ctx context.Context, req *BrainRequest) (*BrainOutput, error) {
	ref := req.ModelRef
	if ref == "" {
		ref = b.defaultModel
	}
	_, model := SplitModelRef(ref)

	system, err := systemPrompt(req)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(&chatRequest{
		Model:       model,
		Temperature: req.Temperature,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: req.Prompt},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal completion: %w", err)
	}

	callCtx, cancel := withTimeout(ctx, req.Timeout)
	defer cancel()
	out, err := b.complete(callCtx, ref, body)
	err = mapDeadline(callCtx, "brain "+ref, req.Timeout, err)
	metrics.GatewayCalls.WithLabelValues("brain", "http", metrics.Result(err)).Inc()
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (b *Brain) complete(ctx context.Context, ref string, body []byte) (*BrainOutput, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if b.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+b.apiKey)
	}

	resp, err := b.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &types.BrainError{Model: ref, Code: "unavailable", Message: err.Error()}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &types.BrainError{Model: ref, Code: "read_failed", Message: err.Error()}
	}

	var cr chatResponse
	decodeErr := json.Unmarshal(raw, &cr)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := string(bytes.TrimSpace(raw))
		if decodeErr == nil && cr.Error != nil {
			msg = cr.Error.Message
		}
		return nil, &types.BrainError{Model: ref, Code: fmt.Sprintf("http_%d", resp.StatusCode), Message: msg}
	}
	if decodeErr != nil {
		return nil, &types.BrainError{Model: ref, Code: "invalid_response", Message: decodeErr.Error()}
	}
	if len(cr.Choices) == 0 {
		return nil, &types.BrainError{Model: ref, Code: "empty_response", Message: "no choices returned"}
	}

	out := ParseBrainContent(cr.Choices[0].Message.Content)
	out.Model = ref
	return out, nil
}

// ParseBrainContent reads a completion. Content that is a JSON object with
// "text" or "actions" is split into both; anything else is plain text.
func ParseBrainContent(content string) *BrainOutput {
	trimmed := strings.TrimSpace(content)
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimSuffix(strings.TrimPrefix(trimmed, "```"), "```")
	trimmed = strings.TrimSpace(trimmed)

	if strings.HasPrefix(trimmed, "{") {
		var structured struct {
			Text    *string           `json:"text"`
			Actions []json.RawMessage `json:"actions"`
		}
		if err := json.Unmarshal([]byte(trimmed), &structured); err == nil && (structured.Text != nil || structured.Actions != nil) {
			out := &BrainOutput{Actions: structured.Actions}
			if structured.Text != nil {
				out.Text = *structured.Text
			}
			return out
		}
	}
	return &BrainOutput{Text: content}
}

// systemPrompt renders the run context and the tools the brain may hand
// work to.
func systemPrompt(req *BrainRequest) (string, error) {
	var sb strings.Builder
	sb.WriteString("You are a reasoning step inside an automated workflow.\n")
	if len(req.Context) > 0 {
		ctxJSON, err := json.Marshal(req.Context)
		if err != nil {
			return "", fmt.Errorf("marshal context: %w", err)
		}
		sb.WriteString("Workflow context (JSON):\n")
		sb.Write(ctxJSON)
		sb.WriteString("\n")
	}
	if len(req.Tools) > 0 {
		sb.WriteString("Tools that run after this step:\n")
		for _, t := range req.Tools {
			fmt.Fprintf(&sb, "- %s: %s\n", t.ID, t.Description)
		}
	}
	return sb.String(), nil
}

var _ BrainGateway = (*Brain)(nil)
