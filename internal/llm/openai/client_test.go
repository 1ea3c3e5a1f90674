package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	xerrors "claudeflow/internal/errors"
	"claudeflow/internal/llm"
)

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient(Config{}); err == nil {
		t.Fatalf("expected error when api key is missing")
	}
}

func TestGenerateSuccess(t *testing.T) {
	var captured struct {
		Authorization string
		Body          map[string]any
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured.Authorization = r.Header.Get("Authorization")
		defer r.Body.Close()
		if err := json.NewDecoder(r.Body).Decode(&captured.Body); err != nil {
			t.Errorf("failed to decode body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{
					"message": map[string]any{
						"content": `{"thought":"analizar","reply":"hola"}`,
					},
				},
			},
		})
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "test", BaseURL: srv.URL, Timeout: time.Second})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	client.httpClient = srv.Client()

	resp, err := client.Generate(context.Background(), llm.Request{
		Agent:   "profesor",
		Prompt:  "explica goroutines",
		Context: map[string]any{"nivel": "básico"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if resp.Reply != "hola" || resp.Thought != "analizar" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if !strings.HasPrefix(captured.Authorization, "Bearer ") {
		t.Fatalf("authorization header missing: %q", captured.Authorization)
	}
	if captured.Body["model"] != defaultModelName {
		t.Fatalf("unexpected model: %v", captured.Body["model"])
	}
	messages, _ := captured.Body["messages"].([]any)
	if len(messages) != 2 {
		t.Fatalf("expected system and user messages, got %d", len(messages))
	}
	user, _ := messages[1].(map[string]any)
	content, _ := user["content"].(string)
	if !strings.Contains(content, "profesor") || !strings.Contains(content, "nivel: básico") {
		t.Fatalf("user prompt missing role or context: %q", content)
	}
}

func TestGeneratePlainTextReply(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"texto libre"}}]}`))
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "test", BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp, err := client.Generate(context.Background(), llm.Request{Prompt: "x"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Reply != "texto libre" || resp.Thought != "" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestGenerateHTTPErrorRetryability(t *testing.T) {
	cases := []struct {
		status    int
		retryable bool
	}{
		{http.StatusBadRequest, false},
		{http.StatusTooManyRequests, true},
		{http.StatusBadGateway, true},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			_, _ = w.Write([]byte(`{"error":{"message":"boom"}}`))
		}))

		client, err := NewClient(Config{APIKey: "test", BaseURL: srv.URL, Timeout: time.Second})
		if err != nil {
			srv.Close()
			t.Fatalf("unexpected error: %v", err)
		}
		_, err = client.Generate(context.Background(), llm.Request{Prompt: "test"})
		srv.Close()
		if err == nil {
			t.Fatalf("status %d: expected error", tc.status)
		}
		if xerrors.CodeOf(err) != xerrors.CodeAgentFailure {
			t.Fatalf("status %d: unexpected code %s", tc.status, xerrors.CodeOf(err))
		}
		if got := xerrors.RetryableError(err); got != tc.retryable {
			t.Fatalf("status %d: retryable=%v, want %v", tc.status, got, tc.retryable)
		}
		if !strings.Contains(err.Error(), "boom") {
			t.Fatalf("status %d: error should carry provider message: %v", tc.status, err)
		}
	}
}
