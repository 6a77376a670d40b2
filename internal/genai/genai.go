// Package genai provides LLM-backed operations using the OpenAI API.
//
// It wraps chat completions in the small surface the workflow nodes need:
// plain prompts, history-seeded prompts, tool-enabled completions, and
// structured (JSON) output.
package genai

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/BTreeMap/FlowDesk/internal/models"
)

// DefaultModel is used when a node does not configure its own model id.
const DefaultModel = openai.ChatModelGPT4oMini

// ToolCallResponse is a model reply that may carry tool-invocation requests
// alongside (or instead of) plain text.
type ToolCallResponse struct {
	Content   string
	ToolCalls []models.ToolCall
}

// HasToolCalls reports whether the model requested any tool invocations.
func (r *ToolCallResponse) HasToolCalls() bool {
	return len(r.ToolCalls) > 0
}

// ClientInterface is the LLM surface consumed by workflow nodes. Tests
// substitute fakes for it.
type ClientInterface interface {
	GeneratePrompt(ctx context.Context, systemPrompt, userPrompt string) (string, error)
	GenerateWithMessages(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion) (string, error)
	GenerateWithTools(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion, tools []openai.ChatCompletionToolParam) (*ToolCallResponse, error)
	GenerateStructured(ctx context.Context, systemPrompt, userPrompt string, out interface{}) error
}

// Opts holds configuration for the GenAI client.
type Opts struct {
	APIKey  string
	BaseURL string
	Model   string
}

// Option configures the GenAI client.
type Option func(*Opts)

// WithAPIKey overrides the OPENAI_API_KEY environment variable.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithBaseURL points the client at a compatible non-default endpoint.
func WithBaseURL(url string) Option {
	return func(o *Opts) { o.BaseURL = url }
}

// WithModel sets the default model for completions.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// Client wraps the OpenAI chat completion service.
type Client struct {
	client openai.Client
	model  string
}

// NewClient initializes a GenAI client. The API key falls back to the
// OPENAI_API_KEY environment variable when not set via options.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}
	reqOpts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	slog.Debug("genai.NewClient: client configured", "model", model, "custom_base_url", cfg.BaseURL != "")
	return &Client{client: openai.NewClient(reqOpts...), model: model}, nil
}

// GeneratePrompt generates a reply from a system and user prompt pair.
func (c *Client) GeneratePrompt(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	messages := []openai.ChatCompletionMessageParamUnion{}
	if systemPrompt != "" {
		messages = append(messages, openai.SystemMessage(systemPrompt))
	}
	messages = append(messages, openai.UserMessage(userPrompt))
	return c.GenerateWithMessages(ctx, messages)
}

// GenerateWithMessages generates a reply from an already assembled message
// history.
func (c *Client) GenerateWithMessages(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion) (string, error) {
	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:    c.model,
		Messages: messages,
	})
	if err != nil {
		slog.Error("genai.GenerateWithMessages: completion failed", "error", err)
		return "", fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no choices returned")
	}
	return resp.Choices[0].Message.Content, nil
}

// GenerateWithTools generates a reply with the given tools offered to the
// model. The response preserves the order of any requested tool calls.
func (c *Client) GenerateWithTools(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion, tools []openai.ChatCompletionToolParam) (*ToolCallResponse, error) {
	params := openai.ChatCompletionNewParams{
		Model:    c.model,
		Messages: messages,
	}
	if len(tools) > 0 {
		params.Tools = tools
	}
	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		slog.Error("genai.GenerateWithTools: completion failed", "error", err, "tool_count", len(tools))
		return nil, fmt.Errorf("chat completion with tools failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no choices returned")
	}
	msg := resp.Choices[0].Message
	result := &ToolCallResponse{Content: msg.Content}
	for _, tc := range msg.ToolCalls {
		result.ToolCalls = append(result.ToolCalls, models.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: json.RawMessage(tc.Function.Arguments),
		})
	}
	slog.Debug("genai.GenerateWithTools: completion received", "has_content", msg.Content != "", "tool_calls", len(result.ToolCalls))
	return result, nil
}

// GenerateStructured asks the model for a JSON-only reply and decodes it into
// out. Code fences around the payload are tolerated and stripped.
func (c *Client) GenerateStructured(ctx context.Context, systemPrompt, userPrompt string, out interface{}) error {
	instruction := systemPrompt + "\n\nRespond with a single JSON object only. No prose, no code fences."
	raw, err := c.GeneratePrompt(ctx, instruction, userPrompt)
	if err != nil {
		return err
	}
	cleaned := StripCodeFences(raw)
	if err := json.Unmarshal([]byte(cleaned), out); err != nil {
		slog.Warn("genai.GenerateStructured: reply was not valid JSON", "error", err)
		return fmt.Errorf("structured reply is not valid JSON: %w", err)
	}
	return nil
}

// StripCodeFences removes a surrounding markdown code fence from a model
// reply, if present.
func StripCodeFences(s string) string {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	return strings.TrimSpace(trimmed)
}
