package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newCompatServer(t *testing.T, status int, body string, captured *map[string]any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if captured != nil {
			_ = json.NewDecoder(r.Body).Decode(captured)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestOpenAICompat_Complete(t *testing.T) {
	var req map[string]any
	srv := newCompatServer(t, http.StatusOK, `{
		"id": "cmpl-1",
		"object": "chat.completion",
		"model": "test-model",
		"choices": [{"index": 0, "message": {"role": "assistant", "content": "The answer [1]."}, "finish_reason": "stop"}],
		"usage": {"prompt_tokens": 12, "completion_tokens": 4, "total_tokens": 16}
	}`, &req)

	p, err := NewOpenAICompatProvider(ProviderConfig{
		Provider:    "groq",
		APIKey:      "k",
		BaseURL:     srv.URL,
		Model:       "test-model",
		MaxTokens:   1000,
		Temperature: 0.3,
	}, testLogger())
	if err != nil {
		t.Fatalf("NewOpenAICompatProvider() error = %v", err)
	}

	got, err := p.Complete(context.Background(), CompletionRequest{SystemPrompt: "sys", UserPrompt: "question"})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if got.Text != "The answer [1]." {
		t.Errorf("Text = %q", got.Text)
	}
	if got.Usage.TotalTokens() != 16 {
		t.Errorf("TotalTokens() = %d, want 16", got.Usage.TotalTokens())
	}

	msgs, _ := req["messages"].([]any)
	if len(msgs) != 2 {
		t.Fatalf("sent %d messages, want 2", len(msgs))
	}
	if first, _ := msgs[0].(map[string]any); first["role"] != "system" || first["content"] != "sys" {
		t.Errorf("first message = %v", first)
	}
	if mt, _ := req["max_tokens"].(float64); mt != 1000 {
		t.Errorf("max_tokens = %v, want 1000", req["max_tokens"])
	}
}

func TestOpenAICompat_ErrorClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   error
	}{
		{"unauthorized", http.StatusUnauthorized, ErrUnauthorized},
		{"rate limited", http.StatusTooManyRequests, ErrServiceUnavailable},
		{"server error", http.StatusServiceUnavailable, ErrServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newCompatServer(t, tt.status, `{"error": {"message": "nope", "type": "error"}}`, nil)
			p, err := NewOpenAICompatProvider(ProviderConfig{Provider: "groq", APIKey: "k", BaseURL: srv.URL}, testLogger())
			if err != nil {
				t.Fatal(err)
			}
			_, err = p.Complete(context.Background(), CompletionRequest{UserPrompt: "q"})
			if !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestNewProvider(t *testing.T) {
	if _, err := NewProvider(ProviderConfig{Provider: "groq"}, testLogger()); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("groq without key: error = %v, want ErrNotConfigured", err)
	}
	if _, err := NewProvider(ProviderConfig{Provider: "anthropic"}, testLogger()); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("anthropic without key: error = %v, want ErrNotConfigured", err)
	}
	if _, err := NewProvider(ProviderConfig{Provider: "bogus", APIKey: "k"}, testLogger()); err == nil {
		t.Error("expected error for unknown provider")
	}

	p, err := NewProvider(ProviderConfig{Provider: "Ollama"}, testLogger())
	if err != nil {
		t.Fatalf("ollama: %v", err)
	}
	if p.Name() != "ollama" || p.Model() != "llama3.2" {
		t.Errorf("ollama provider = %s/%s", p.Name(), p.Model())
	}

	p, err = NewProvider(ProviderConfig{Provider: "groq", APIKey: "k"}, testLogger())
	if err != nil {
		t.Fatalf("groq: %v", err)
	}
	if p.Model() != "deepseek-r1-distill-llama-70b" {
		t.Errorf("groq default model = %s", p.Model())
	}
}

type stubProvider struct {
	name  string
	text  string
	err   error
	calls int
}

func (s *stubProvider) Complete(ctx context.Context, req CompletionRequest) (*Completion, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &Completion{Text: s.text}, nil
}

func (s *stubProvider) Name() string  { return s.name }
func (s *stubProvider) Model() string { return s.name + "-model" }

func TestFallbackProvider(t *testing.T) {
	t.Run("moves on when unavailable", func(t *testing.T) {
		primary := &stubProvider{name: "a", err: ErrServiceUnavailable}
		secondary := &stubProvider{name: "b", text: "from b"}
		p := NewFallbackProvider(testLogger(), primary, secondary)

		got, err := p.Complete(context.Background(), CompletionRequest{})
		if err != nil {
			t.Fatalf("Complete() error = %v", err)
		}
		if got.Text != "from b" {
			t.Errorf("Text = %q", got.Text)
		}
		if p.Name() != "a+b" || p.Model() != "a-model" {
			t.Errorf("Name/Model = %s/%s", p.Name(), p.Model())
		}
	})

	t.Run("stops on other errors", func(t *testing.T) {
		primary := &stubProvider{name: "a", err: ErrUnauthorized}
		secondary := &stubProvider{name: "b", text: "from b"}
		p := NewFallbackProvider(testLogger(), primary, secondary)

		_, err := p.Complete(context.Background(), CompletionRequest{})
		if !errors.Is(err, ErrUnauthorized) {
			t.Errorf("error = %v", err)
		}
		if secondary.calls != 0 {
			t.Error("secondary should not be called")
		}
	})

	t.Run("all unavailable", func(t *testing.T) {
		p := NewFallbackProvider(testLogger(),
			&stubProvider{name: "a", err: ErrServiceUnavailable},
			&stubProvider{name: "b", err: ErrServiceUnavailable})
		_, err := p.Complete(context.Background(), CompletionRequest{})
		if !errors.Is(err, ErrServiceUnavailable) {
			t.Errorf("error = %v", err)
		}
	})

	t.Run("single provider is unwrapped", func(t *testing.T) {
		only := &stubProvider{name: "a"}
		if p := NewFallbackProvider(testLogger(), nil, only); p != Provider(only) {
			t.Error("expected the single provider back")
		}
		if p := NewFallbackProvider(testLogger()); p != nil {
			t.Error("expected nil for no providers")
		}
	})
}
