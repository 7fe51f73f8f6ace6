// Package genai provides the completion gateway over the OpenAI API.
//
// It builds a chat prompt from the fixed system instruction plus the
// user's capped conversation history, retries transient service errors
// a bounded number of times, and degrades to a fixed message instead of
// failing the caller.
package genai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/avazbek-dev/chatrelay/internal/history"
	"github.com/avazbek-dev/chatrelay/internal/models"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// Completion request defaults.
const (
	// DefaultMaxAttempts is the number of attempts before degrading.
	DefaultMaxAttempts = 3
	// DefaultRetryDelay is the sleep between retry attempts.
	DefaultRetryDelay = 1 * time.Second
	// DefaultMaxTokens caps the completion length.
	DefaultMaxTokens = 512
	// DefaultTemperature is the sampling temperature for completions.
	DefaultTemperature = 0.7
)

// PremiumModelMarker selects the richer model tier when it appears
// anywhere in the inbound text (case-insensitive). The marker is
// stripped from the message before it is sent upstream.
const PremiumModelMarker = "use gpt-4"

// DegradedServiceMessage is returned after all retry attempts fail.
const DegradedServiceMessage = "I'm having trouble accessing the AI at the moment. Please try again later."

// SystemPromptMissingMessage is returned when the system prompt file
// is missing or empty. It is user-visible by design: a broken prompt
// must not be answered silently.
const SystemPromptMissingMessage = "Error: System prompt not found."

// ErrNoChoicesReturned indicates the service responded without any completion choices.
var ErrNoChoicesReturned = errors.New("no choices returned")

// chatService defines the minimal interface for chat completions.
type chatService interface {
	Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error)
}

// openaiChatService adapts the openai-go client to chatService.
type openaiChatService struct {
	client openai.Client
}

func (s openaiChatService) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	resp, err := s.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return openai.ChatCompletion{}, err
	}
	return *resp, nil
}

// Opts holds configuration options for the gateway client.
type Opts struct {
	APIKey           string
	SystemPromptFile string
	DefaultModel     openai.ChatModel
	PremiumModel     openai.ChatModel
	MaxAttempts      int
	RetryDelay       time.Duration
	Ignored          func(userID string) bool
}

// Option defines a configuration option for the gateway client.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key (overrides $OPENAI_API_KEY).
func WithAPIKey(key string) Option {
	return func(o *Opts) {
		o.APIKey = key
	}
}

// WithSystemPromptFile sets the path of the system instruction file.
func WithSystemPromptFile(path string) Option {
	return func(o *Opts) {
		o.SystemPromptFile = path
	}
}

// WithModels sets the default and premium model tiers.
func WithModels(defaultModel, premiumModel openai.ChatModel) Option {
	return func(o *Opts) {
		o.DefaultModel = defaultModel
		o.PremiumModel = premiumModel
	}
}

// WithRetryPolicy bounds the retry loop. Tests inject a zero-delay policy.
func WithRetryPolicy(maxAttempts int, delay time.Duration) Option {
	return func(o *Opts) {
		o.MaxAttempts = maxAttempts
		o.RetryDelay = delay
	}
}

// WithIgnoreChecker installs the ignored-user check. Ignored users
// never trigger an upstream call.
func WithIgnoreChecker(ignored func(userID string) bool) Option {
	return func(o *Opts) {
		o.Ignored = ignored
	}
}

// Client is the retrying completion gateway.
type Client struct {
	chat    chatService
	history *history.Store
	opts    Opts
}

// NewClient initializes a gateway client. The API key is taken from the
// options or the OPENAI_API_KEY environment variable.
func NewClient(hist *history.Store, opts ...Option) (*Client, error) {
	cfg := Opts{
		DefaultModel: openai.ChatModelGPT4oMini,
		PremiumModel: openai.ChatModelGPT4o,
		MaxAttempts:  DefaultMaxAttempts,
		RetryDelay:   DefaultRetryDelay,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}

	cli := openai.NewClient(option.WithAPIKey(apiKey))
	slog.Debug("GenAI client initialized", "default_model", cfg.DefaultModel, "premium_model", cfg.PremiumModel, "max_attempts", cfg.MaxAttempts)
	return &Client{chat: openaiChatService{client: cli}, history: hist, opts: cfg}, nil
}

// Complete produces a reply for the user's message, or a degraded
// message when the service stays unavailable. A successful reply is
// appended to the user's history as an assistant turn before being
// returned; callers must not append it again.
//
// For ignored users no call is made and the empty string is returned.
func (c *Client) Complete(ctx context.Context, userID, text string) (string, error) {
	if c.opts.Ignored != nil && c.opts.Ignored(userID) {
		slog.Debug("Completion blocked for ignored user", "user", userID)
		return "", nil
	}

	model, text := c.selectModel(text)

	systemPrompt, err := c.readSystemPrompt()
	if err != nil {
		slog.Error("System prompt unavailable", "error", err, "file", c.opts.SystemPromptFile)
		return SystemPromptMissingMessage, nil
	}

	messages := []openai.ChatCompletionMessageParamUnion{openai.SystemMessage(systemPrompt)}
	for _, turn := range c.history.Snapshot(userID) {
		switch turn.Role {
		case models.RoleAssistant:
			messages = append(messages, openai.AssistantMessage(turn.Content))
		default:
			messages = append(messages, openai.UserMessage(turn.Content))
		}
	}
	messages = append(messages, openai.UserMessage(text))

	params := openai.ChatCompletionNewParams{
		Model:       model,
		Messages:    messages,
		MaxTokens:   openai.Int(DefaultMaxTokens),
		Temperature: openai.Float(DefaultTemperature),
	}

	for attempt := 1; attempt <= c.opts.MaxAttempts; attempt++ {
		resp, err := c.chat.Create(ctx, params)
		if err == nil && len(resp.Choices) == 0 {
			err = ErrNoChoicesReturned
		}
		if err != nil {
			slog.Warn("Completion attempt failed", "attempt", attempt, "error", err, "user", userID)
			if attempt < c.opts.MaxAttempts {
				time.Sleep(c.opts.RetryDelay)
			}
			continue
		}

		reply := strings.TrimSpace(resp.Choices[0].Message.Content)
		c.history.Append(userID, models.RoleAssistant, reply)
		slog.Debug("Completion succeeded", "user", userID, "model", model, "attempt", attempt, "reply_length", len(reply))
		return reply, nil
	}

	slog.Error("Completion attempts exhausted, degrading", "user", userID, "attempts", c.opts.MaxAttempts)
	return DegradedServiceMessage, nil
}

// selectModel picks the model tier and strips the premium marker from
// the message when present.
func (c *Client) selectModel(text string) (openai.ChatModel, string) {
	lower := strings.ToLower(text)
	idx := strings.Index(lower, PremiumModelMarker)
	if idx < 0 {
		return c.opts.DefaultModel, text
	}
	stripped := strings.TrimSpace(text[:idx] + text[idx+len(PremiumModelMarker):])
	return c.opts.PremiumModel, stripped
}

// readSystemPrompt loads the system instruction. It is re-read on
// every request so the file can be edited without a restart.
func (c *Client) readSystemPrompt() (string, error) {
	if c.opts.SystemPromptFile == "" {
		return "", fmt.Errorf("system prompt file not configured")
	}
	data, err := os.ReadFile(c.opts.SystemPromptFile)
	if err != nil {
		return "", fmt.Errorf("failed to read system prompt: %w", err)
	}
	prompt := strings.TrimSpace(string(data))
	if prompt == "" {
		return "", fmt.Errorf("system prompt file is empty")
	}
	return prompt, nil
}
