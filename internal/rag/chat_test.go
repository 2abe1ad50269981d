package rag

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/alqutdigital/docqa-agent/internal/llm"
	"github.com/alqutdigital/docqa-agent/internal/storage"
	"github.com/google/uuid"
)

// MockProvider implements llm.Provider for testing.
type MockProvider struct {
	text    string
	err     error
	lastReq llm.CompletionRequest
	calls   int
}

func (m *MockProvider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.Completion, error) {
	m.calls++
	m.lastReq = req
	if m.err != nil {
		return nil, m.err
	}
	return &llm.Completion{Text: m.text}, nil
}

func (m *MockProvider) Name() string  { return "mock" }
func (m *MockProvider) Model() string { return "mock-model" }

// failingRetriever implements Retriever with a fixed error.
type failingRetriever struct{ err error }

func (f failingRetriever) Retrieve(ctx context.Context, query string, sessionID uuid.UUID, limit int) (*RetrievalResult, error) {
	return nil, f.err
}

func newChatService(t *testing.T, provider llm.Provider, docs ...string) (*Service, *storage.MemoryStore, uuid.UUID) {
	t.Helper()
	store := storage.NewMemoryStore()
	sid := uuid.New()
	if len(docs) > 0 {
		seedChunks(t, store, sid, docs, nil)
	}
	scorer := NewScorer(store, nil, nil, nil, testLogger(), DefaultScorerConfig())
	svc := NewService(store, scorer, nil, provider, testLogger(), DefaultChatConfig())
	return svc, store, sid
}

func TestService_Chat_Generated(t *testing.T) {
	provider := &MockProvider{text: "<think>hmm</think>\nCats are great [1]."}
	svc, _, sid := newChatService(t, provider, "cats are great", "dogs are loyal")

	result, err := svc.Chat(context.Background(), sid, "  cats  ")
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if result.Response != "Cats are great [1]." {
		t.Errorf("Response = %q", result.Response)
	}
	if result.Degraded {
		t.Error("generated answer should not be degraded")
	}
	if len(result.Sources) != 2 || result.Sources[0].Content != "cats are great" {
		t.Errorf("Sources = %+v", result.Sources)
	}
	if result.Sources[0].Metadata.Filename == "" || result.Sources[0].ID == uuid.Nil {
		t.Errorf("source chunk lacks identity: %+v", result.Sources[0])
	}
	if !strings.Contains(provider.lastReq.UserPrompt, "[1] cats are great\n\n[2] dogs are loyal") {
		t.Errorf("prompt context = %q", provider.lastReq.UserPrompt)
	}
	if provider.lastReq.MaxTokens != 1000 || provider.lastReq.Temperature != 0.3 {
		t.Errorf("request = %+v", provider.lastReq)
	}

	history, err := svc.History(context.Background(), sid)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("history has %d messages, want 2", len(history))
	}
	if history[0].Role != storage.RoleUser || history[0].Content != "cats" {
		t.Errorf("first message = %+v", history[0])
	}
	if history[1].Role != storage.RoleAssistant || len(history[1].Metadata.Sources) != 2 {
		t.Fatalf("second message = %+v", history[1])
	}
	if got := history[1].Metadata.Sources[0].Content; got != "cats are great..." {
		t.Errorf("stored source = %q, want the preview", got)
	}
}

func TestService_Chat_NoDocuments(t *testing.T) {
	provider := &MockProvider{text: "unused"}
	svc, _, sid := newChatService(t, provider)

	result, err := svc.Chat(context.Background(), sid, "anything")
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if result.Response != MsgNoDocuments {
		t.Errorf("Response = %q", result.Response)
	}
	if result.Sources == nil || len(result.Sources) != 0 {
		t.Errorf("Sources = %v, want empty", result.Sources)
	}
	if provider.calls != 0 {
		t.Error("provider should not be called without documents")
	}
	if svc.Stats().NoDocuments != 1 {
		t.Errorf("NoDocuments = %d", svc.Stats().NoDocuments)
	}
}

func TestService_Chat_NotConfigured(t *testing.T) {
	svc, _, sid := newChatService(t, nil, "cats are great", "dogs are loyal")

	result, err := svc.Chat(context.Background(), sid, "cats")
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if result.Response != MsgNotConfigured {
		t.Errorf("Response = %q", result.Response)
	}
	if !result.Degraded {
		t.Error("expected a degraded answer")
	}
	if len(result.Sources) != 2 {
		t.Fatalf("Sources = %+v, want the ranked matches", result.Sources)
	}
	if result.Sources[0].Content != "cats are great" || result.Sources[0].Similarity != 1.0 {
		t.Errorf("top source = %+v", result.Sources[0])
	}
	if svc.Configured() {
		t.Error("Configured() = true without provider")
	}

	history, err := svc.History(context.Background(), sid)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 2 || len(history[1].Metadata.Sources) != 2 {
		t.Errorf("stored sources = %+v", history)
	}
}

func TestService_Chat_GenerationFailure(t *testing.T) {
	tests := []struct {
		name         string
		err          error
		wantFallback bool
	}{
		{"service unavailable", fmt.Errorf("%w: groq: 503", llm.ErrServiceUnavailable), true},
		{"unauthorized", fmt.Errorf("%w: groq: 401", llm.ErrUnauthorized), true},
		{"not configured", llm.ErrNotConfigured, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, _, sid := newChatService(t, &MockProvider{err: tt.err}, "cats are great", "dogs are loyal")

			result, err := svc.Chat(context.Background(), sid, "cats")
			if err != nil {
				t.Fatalf("Chat() error = %v", err)
			}
			if !result.Degraded {
				t.Error("expected a degraded answer")
			}
			if tt.wantFallback {
				if !strings.Contains(result.Response, "Here are the most relevant sections:\n\n[1] cats are great...") {
					t.Errorf("Response = %q", result.Response)
				}
				if len(result.Sources) != 2 {
					t.Errorf("Sources = %v", result.Sources)
				}
			} else {
				if result.Response != MsgNotConfigured {
					t.Errorf("Response = %q", result.Response)
				}
				if len(result.Sources) != 2 {
					t.Errorf("Sources = %v, want the ranked matches", result.Sources)
				}
			}
		})
	}
}

func TestService_Chat_EmptyCompletion(t *testing.T) {
	svc, _, sid := newChatService(t, &MockProvider{text: "<think>only thoughts</think>"}, "cats are great")

	result, err := svc.Chat(context.Background(), sid, "cats")
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if result.Response != MsgEmptyAnswer {
		t.Errorf("Response = %q", result.Response)
	}
}

func TestService_Chat_Errors(t *testing.T) {
	svc, store, sid := newChatService(t, &MockProvider{text: "x"}, "cats are great")

	if _, err := svc.Chat(context.Background(), sid, "   "); !errors.Is(err, ErrEmptyMessage) {
		t.Errorf("blank message: error = %v, want ErrEmptyMessage", err)
	}
	if msgs, _ := store.ListMessages(context.Background(), sid, storage.MessageQuery{}); len(msgs) != 0 {
		t.Errorf("blank message persisted %d messages", len(msgs))
	}

	searchErr := errors.New("store down")
	failing := NewService(store, failingRetriever{err: searchErr}, nil, &MockProvider{}, testLogger(), DefaultChatConfig())
	if _, err := failing.Chat(context.Background(), sid, "cats"); !errors.Is(err, searchErr) {
		t.Errorf("search failure: error = %v", err)
	}
}
