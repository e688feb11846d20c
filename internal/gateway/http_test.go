package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"

	"github.com/flexinfer/blueprint-engine/pkg/types"
)

func TestHTTP_Invoke(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		want     any
		wantCode string
	}{
		{name: "success", status: http.StatusOK, body: `{"output":{"sent":true}}`, want: map[string]any{"sent": true}},
		{name: "explicit success flag", status: http.StatusOK, body: `{"success":true,"output":"done"}`, want: "done"},
		{name: "tool error", status: http.StatusOK, body: `{"error":"mailbox full","code":"quota"}`, wantCode: "quota"},
		{name: "unsuccessful without code", status: http.StatusOK, body: `{"success":false}`, wantCode: "tool_error"},
		{name: "server error", status: http.StatusServiceUnavailable, body: "down", wantCode: "http_503"},
		{name: "invalid json", status: http.StatusOK, body: "not json", wantCode: "invalid_output"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got ToolCall
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodPost {
					t.Errorf("method = %s", r.Method)
				}
				if r.Header.Get("X-Run-Id") != "run-1" || r.Header.Get("X-Node-Id") != "call" {
					t.Errorf("missing correlation headers: %v", r.Header)
				}
				if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
					t.Errorf("decode body: %v", err)
				}
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			m := &types.ToolManifest{ID: "mailer", Runtime: types.ToolRuntimeHTTP, Endpoint: srv.URL}
			out, err := NewHTTP(nil).Invoke(context.Background(), m, &ToolRequest{
				ToolID: "mailer",
				RunID:  "run-1",
				NodeID: "call",
				Params: map[string]any{"to": "ada"},
			})

			if got.ToolID != "mailer" || got.Params["to"] != "ada" {
				t.Errorf("request body = %+v", got)
			}
			if tt.wantCode != "" {
				var te *types.ToolError
				if !errors.As(err, &te) || te.Code != tt.wantCode {
					t.Fatalf("error = %v, want code %s", err, tt.wantCode)
				}
				return
			}
			if err != nil {
				t.Fatalf("Invoke() error = %v", err)
			}
			if !reflect.DeepEqual(out.Output, tt.want) {
				t.Errorf("output = %#v, want %#v", out.Output, tt.want)
			}
		})
	}
}

func TestHTTP_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	m := &types.ToolManifest{ID: "gone", Runtime: types.ToolRuntimeHTTP, Endpoint: url}
	_, err := NewHTTP(nil).Invoke(context.Background(), m, &ToolRequest{ToolID: "gone"})
	var te *types.ToolError
	if !errors.As(err, &te) || te.Code != "unavailable" {
		t.Fatalf("error = %v, want unavailable", err)
	}
	if !types.IsRetryable(err) {
		t.Error("unavailable tool should be retryable")
	}
}

func TestHTTP_CredentialHeaders(t *testing.T) {
	var header http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header = r.Header.Clone()
		_, _ = w.Write([]byte(`{"output":"ok"}`))
	}))
	defer srv.Close()

	m := &types.ToolManifest{ID: "mailer", Runtime: types.ToolRuntimeHTTP, Endpoint: srv.URL}
	_, err := NewHTTP(nil).Invoke(context.Background(), m, &ToolRequest{
		ToolID:      "mailer",
		Credentials: map[string]string{"API_KEY": "k-1", "SMTP_USER": "bot"},
	})
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if header.Get("X-Tool-Credential-Api-Key") != "k-1" || header.Get("X-Tool-Credential-Smtp-User") != "bot" {
		t.Errorf("headers = %v", header)
	}
}
