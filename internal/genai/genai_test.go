package genai

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/avazbek-dev/chatrelay/internal/history"
	"github.com/avazbek-dev/chatrelay/internal/models"
	"github.com/openai/openai-go"
)

// mockChatService implements chatService for testing. It fails the
// first failBefore calls and records every request it receives.
type mockChatService struct {
	resp       openai.ChatCompletion
	err        error
	failBefore int
	calls      int
	lastParams openai.ChatCompletionNewParams
}

func (m *mockChatService) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	m.calls++
	m.lastParams = params
	if m.err != nil {
		return openai.ChatCompletion{}, m.err
	}
	if m.calls <= m.failBefore {
		return openai.ChatCompletion{}, errors.New("transient service failure")
	}
	return m.resp, nil
}

func replyWith(content string) openai.ChatCompletion {
	return openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: content}},
		},
	}
}

func writePromptFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "prompt.txt")
	if err := os.WriteFile(path, []byte("You are a helpful sales assistant."), 0644); err != nil {
		t.Fatalf("failed to write prompt file: %v", err)
	}
	return path
}

func newTestClient(t *testing.T, hist *history.Store, chat chatService, opts ...Option) *Client {
	t.Helper()
	cfg := Opts{
		SystemPromptFile: writePromptFile(t),
		DefaultModel:     openai.ChatModelGPT4oMini,
		PremiumModel:     openai.ChatModelGPT4o,
		MaxAttempts:      3,
		RetryDelay:       0,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Client{chat: chat, history: hist, opts: cfg}
}

func lastUserContent(t *testing.T, params openai.ChatCompletionNewParams) string {
	t.Helper()
	last := params.Messages[len(params.Messages)-1]
	if last.OfUser == nil {
		t.Fatalf("expected final message to be a user message, got %+v", last)
	}
	return last.OfUser.Content.OfString.Value
}

func TestCompleteSuccess(t *testing.T) {
	hist := history.NewStore()
	hist.Append("u1", models.RoleUser, "Hello")

	mock := &mockChatService{resp: replyWith("Hi! How can I help?")}
	client := newTestClient(t, hist, mock)

	reply, err := client.Complete(context.Background(), "u1", "Hello")
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if reply != "Hi! How can I help?" {
		t.Errorf("unexpected reply: %q", reply)
	}
	if mock.lastParams.Model != openai.ChatModelGPT4oMini {
		t.Errorf("expected default model, got %v", mock.lastParams.Model)
	}
	// system + 1 history turn + new message
	if got := len(mock.lastParams.Messages); got != 3 {
		t.Errorf("expected 3 prompt messages, got %d", got)
	}

	// Gateway appends the assistant turn itself.
	if role, ok := hist.LastRole("u1"); !ok || role != models.RoleAssistant {
		t.Errorf("expected assistant turn appended, got %v ok=%v", role, ok)
	}
	if got := hist.Len("u1"); got != 2 {
		t.Errorf("expected 2 history turns, got %d", got)
	}
}

func TestCompletePremiumMarker(t *testing.T) {
	hist := history.NewStore()
	mock := &mockChatService{resp: replyWith("Our price is 100 USD.")}
	client := newTestClient(t, hist, mock)

	if _, err := client.Complete(context.Background(), "u1", "use gpt-4 what is your price"); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if mock.lastParams.Model != openai.ChatModelGPT4o {
		t.Errorf("expected premium model, got %v", mock.lastParams.Model)
	}
	if got := lastUserContent(t, mock.lastParams); got != "what is your price" {
		t.Errorf("expected marker stripped, got %q", got)
	}
}

func TestCompletePremiumMarkerCaseInsensitive(t *testing.T) {
	hist := history.NewStore()
	mock := &mockChatService{resp: replyWith("ok")}
	client := newTestClient(t, hist, mock)

	if _, err := client.Complete(context.Background(), "u1", "USE GPT-4 hello"); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if mock.lastParams.Model != openai.ChatModelGPT4o {
		t.Errorf("expected premium model, got %v", mock.lastParams.Model)
	}
	if got := lastUserContent(t, mock.lastParams); got != "hello" {
		t.Errorf("expected marker stripped, got %q", got)
	}
}

func TestCompleteRetriesThenSucceeds(t *testing.T) {
	hist := history.NewStore()
	mock := &mockChatService{resp: replyWith("finally"), failBefore: 2}
	client := newTestClient(t, hist, mock)

	reply, err := client.Complete(context.Background(), "u1", "hello")
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if reply != "finally" {
		t.Errorf("unexpected reply: %q", reply)
	}
	if mock.calls != 3 {
		t.Errorf("expected 3 attempts, got %d", mock.calls)
	}
}

func TestCompleteExhaustedRetriesDegrades(t *testing.T) {
	hist := history.NewStore()
	mock := &mockChatService{err: errors.New("service down")}
	client := newTestClient(t, hist, mock)

	reply, err := client.Complete(context.Background(), "u1", "hello")
	if err != nil {
		t.Fatalf("Complete should not fail the caller: %v", err)
	}
	if reply != DegradedServiceMessage {
		t.Errorf("expected degraded message, got %q", reply)
	}
	if mock.calls != 3 {
		t.Errorf("expected 3 attempts, got %d", mock.calls)
	}
	// The degraded message is never recorded as an assistant turn.
	if got := hist.Len("u1"); got != 0 {
		t.Errorf("expected no history append on degrade, got %d turns", got)
	}
}

func TestCompleteNoChoicesRetried(t *testing.T) {
	hist := history.NewStore()
	mock := &mockChatService{resp: openai.ChatCompletion{}}
	client := newTestClient(t, hist, mock)

	reply, err := client.Complete(context.Background(), "u1", "hello")
	if err != nil {
		t.Fatalf("Complete should not fail the caller: %v", err)
	}
	if reply != DegradedServiceMessage {
		t.Errorf("expected degraded message, got %q", reply)
	}
}

func TestCompleteIgnoredUserRefused(t *testing.T) {
	hist := history.NewStore()
	mock := &mockChatService{resp: replyWith("should not happen")}
	client := newTestClient(t, hist, mock, WithIgnoreChecker(func(userID string) bool {
		return userID == "blocked"
	}))

	reply, err := client.Complete(context.Background(), "blocked", "hello")
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if reply != "" {
		t.Errorf("expected empty reply for ignored user, got %q", reply)
	}
	if mock.calls != 0 {
		t.Errorf("expected no upstream call for ignored user, got %d", mock.calls)
	}
}

func TestCompleteMissingSystemPrompt(t *testing.T) {
	hist := history.NewStore()
	mock := &mockChatService{resp: replyWith("nope")}
	client := &Client{chat: mock, history: hist, opts: Opts{
		SystemPromptFile: "/nonexistent/prompt.txt",
		MaxAttempts:      3,
	}}

	reply, err := client.Complete(context.Background(), "u1", "hello")
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if reply != SystemPromptMissingMessage {
		t.Errorf("expected system prompt error message, got %q", reply)
	}
	if mock.calls != 0 {
		t.Errorf("expected no upstream call without system prompt, got %d", mock.calls)
	}
}

func TestNewClientRequiresKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	if _, err := NewClient(history.NewStore()); err == nil {
		t.Error("expected error when API key not provided, got nil")
	}
}

func TestNewClientWithKey(t *testing.T) {
	cli, err := NewClient(history.NewStore(), WithAPIKey("test-key"))
	if err != nil {
		t.Fatalf("expected no error with API key, got %v", err)
	}
	if cli == nil {
		t.Error("expected client instance, got nil")
	}
}
