package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/openai/openai-go"

	"github.com/BTreeMap/FlowDesk/internal/models"
)

// ToolCallState is the per-reasoning-step state machine tracking pending and
// completed tool invocations. Lifetime is one reasoning-node invocation
// unless suspension persists it into a snapshot.
type ToolCallState struct {
	Status  models.ToolCallStatus `json:"status"`
	Pending []models.ToolCall     `json:"pending,omitempty"`
	Results []models.ToolResult   `json:"results,omitempty"`
	// FollowupQuestion is set when the state is WAITING_USER_INPUT.
	FollowupQuestion string `json:"followupQuestion,omitempty"`
}

// NewToolCallState starts in NONE.
func NewToolCallState() *ToolCallState {
	return &ToolCallState{Status: models.ToolCallNone}
}

// Detect records the model's tool-call requests and moves to DETECTED.
func (s *ToolCallState) Detect(calls []models.ToolCall) {
	s.Pending = calls
	s.Results = nil
	s.FollowupQuestion = ""
	s.Status = models.ToolCallDetected
}

// Reset clears all state back to NONE.
func (s *ToolCallState) Reset() {
	s.Pending = nil
	s.Results = nil
	s.FollowupQuestion = ""
	s.Status = models.ToolCallNone
}

// ConversationMessage is one turn of the serialized exchange kept in a
// suspension snapshot so a later run can rebuild the model conversation.
type ConversationMessage struct {
	Role       string            `json:"role"`
	Content    string            `json:"content,omitempty"`
	ToolCallID string            `json:"toolCallId,omitempty"`
	ToolCalls  []models.ToolCall `json:"toolCalls,omitempty"`
}

// MarshalConversation serializes an exchange for snapshot storage.
func MarshalConversation(messages []ConversationMessage) (string, error) {
	data, err := json.Marshal(messages)
	if err != nil {
		return "", fmt.Errorf("failed to serialize conversation: %w", err)
	}
	return string(data), nil
}

// suspendedConversation closes out a pending tool-call batch before the
// exchange is snapshotted. Every call the assistant issued gets a tool-role
// answer: the real result for calls that already executed, and a placeholder
// for the call that stopped the batch waiting on the user. The chat API
// rejects an assistant tool_calls turn whose ids are not all answered, so
// the snapshot must never end on one.
func suspendedConversation(conversation []ConversationMessage, state *ToolCallState) []ConversationMessage {
	answered := make(map[string]string, len(state.Results))
	for _, r := range state.Results {
		answered[r.ToolCallID] = r.ResultText()
	}
	for _, call := range state.Pending {
		content, ok := answered[call.ID]
		if !ok {
			content = "awaiting user input: " + state.FollowupQuestion
		}
		conversation = append(conversation, ConversationMessage{Role: "tool", Content: content, ToolCallID: call.ID})
	}
	return conversation
}

// UnmarshalConversation restores an exchange from snapshot storage.
func UnmarshalConversation(s string) ([]ConversationMessage, error) {
	if s == "" {
		return nil, nil
	}
	var messages []ConversationMessage
	if err := json.Unmarshal([]byte(s), &messages); err != nil {
		return nil, fmt.Errorf("failed to restore conversation: %w", err)
	}
	return messages, nil
}

// ToOpenAIMessages converts a serialized exchange into API message params.
func ToOpenAIMessages(messages []ConversationMessage) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case "system":
			out = append(out, openai.SystemMessage(m.Content))
		case "user":
			out = append(out, openai.UserMessage(m.Content))
		case "tool":
			out = append(out, openai.ToolMessage(m.Content, m.ToolCallID))
		case "assistant":
			if len(m.ToolCalls) == 0 {
				out = append(out, openai.AssistantMessage(m.Content))
				continue
			}
			out = append(out, assistantMessageWithToolCalls(m.Content, m.ToolCalls))
		}
	}
	return out
}

func assistantMessageWithToolCalls(content string, calls []models.ToolCall) openai.ChatCompletionMessageParamUnion {
	var toolCalls []openai.ChatCompletionMessageToolCallParam
	for _, tc := range calls {
		toolCalls = append(toolCalls, openai.ChatCompletionMessageToolCallParam{
			ID:   tc.ID,
			Type: "function",
			Function: openai.ChatCompletionMessageToolCallFunctionParam{
				Name:      tc.Name,
				Arguments: string(tc.Arguments),
			},
		})
	}
	assistant := openai.ChatCompletionAssistantMessageParam{ToolCalls: toolCalls}
	if content != "" {
		assistant.Content = openai.ChatCompletionAssistantMessageParamContentUnion{OfString: openai.String(content)}
	}
	return openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant}
}

// ToolExecutor is the subset of the tool registry the orchestrator needs.
type ToolExecutor interface {
	Execute(ctx context.Context, name string, args map[string]interface{}) (string, error)
	Lookup(name string) (*models.ToolDefinition, bool)
}

// Orchestrator runs the tool-invocation requests emitted by a reasoning
// node: sequentially, in request order, persisting each exchange for
// history replay.
type Orchestrator struct {
	tools   ToolExecutor
	history HistoryStore
}

// NewOrchestrator creates a tool-call orchestrator.
func NewOrchestrator(tools ToolExecutor, history HistoryStore) *Orchestrator {
	return &Orchestrator{tools: tools, history: history}
}

// ExecuteAll processes the pending requests in order. When a request is
// missing required arguments, execution stops and the state moves to
// WAITING_USER_INPUT with a follow-up question for the user; otherwise every
// request is executed and the state ends COMPLETED with all results
// appended.
func (o *Orchestrator) ExecuteAll(ctx context.Context, ec *ExecutionContext, state *ToolCallState) error {
	state.Status = models.ToolCallExecuting
	for _, call := range state.Pending {
		args, err := call.ParsedArguments()
		if err != nil {
			state.Results = append(state.Results, models.ToolResult{
				ToolCallID: call.ID, ToolName: call.Name, Success: false, Error: err.Error(),
			})
			continue
		}

		def, found := o.tools.Lookup(call.Name)
		if !found {
			slog.Warn("flow.Orchestrator.ExecuteAll: unknown tool requested", "tool", call.Name)
			state.Results = append(state.Results, models.ToolResult{
				ToolCallID: call.ID, ToolName: call.Name, Success: false,
				Error: fmt.Sprintf("tool %s is not available", call.Name),
			})
			continue
		}

		if missing := missingRequiredArgs(def, args); len(missing) > 0 {
			state.FollowupQuestion = buildFollowupQuestion(def, missing)
			state.Status = models.ToolCallWaitingUserInput
			slog.Info("flow.Orchestrator.ExecuteAll: awaiting user input for tool arguments",
				"tool", call.Name, "missing", strings.Join(missingNames(missing), ","))
			return nil
		}

		start := now()
		output, execErr := o.tools.Execute(ctx, call.Name, args)
		result := models.ToolResult{
			ToolCallID: call.ID,
			ToolName:   call.Name,
			Success:    execErr == nil,
			Output:     output,
			Duration:   time.Since(start),
		}
		if execErr != nil {
			result.Error = execErr.Error()
			slog.Warn("flow.Orchestrator.ExecuteAll: tool execution failed", "tool", call.Name, "error", execErr)
		}
		state.Results = append(state.Results, result)
		o.persistExchange(ctx, ec.SessionID, call, result)
	}
	state.Status = models.ToolCallCompleted
	return nil
}

func (o *Orchestrator) persistExchange(ctx context.Context, sessionID string, call models.ToolCall, result models.ToolResult) {
	if o.history == nil {
		return
	}
	callJSON, _ := json.Marshal([]models.ToolCall{call})
	turn := &models.ConversationTurn{
		SessionID:  sessionID,
		Role:       models.RoleTool,
		Content:    result.ResultText(),
		ToolCallID: call.ID,
		ToolCalls:  callJSON,
		CreatedAt:  now(),
	}
	if err := o.history.AddConversationTurn(ctx, turn); err != nil {
		slog.Warn("flow.Orchestrator.persistExchange: failed to persist tool exchange", "error", err, "tool", call.Name)
	}
}

func missingRequiredArgs(def *models.ToolDefinition, args map[string]interface{}) []models.ToolParameter {
	var missing []models.ToolParameter
	for _, p := range def.Parameters {
		if !p.Required {
			continue
		}
		v, ok := args[p.Name]
		if !ok || isBlankValue(v) {
			missing = append(missing, p)
		}
	}
	return missing
}

func isBlankValue(v interface{}) bool {
	s, ok := v.(string)
	if !ok {
		return v == nil
	}
	trimmed := strings.TrimSpace(s)
	return trimmed == "" || trimmed == "null" || trimmed == "Null"
}

func missingNames(params []models.ToolParameter) []string {
	names := make([]string, len(params))
	for i, p := range params {
		names[i] = p.Name
	}
	return names
}

// buildFollowupQuestion composes the question sent to the user when a tool
// call cannot proceed without more information.
func buildFollowupQuestion(def *models.ToolDefinition, missing []models.ToolParameter) string {
	var b strings.Builder
	b.WriteString("I need a bit more information before I can continue")
	if def.Description != "" {
		b.WriteString(" with ")
		b.WriteString(def.Name)
	}
	b.WriteString(". Please provide:\n")
	for _, p := range missing {
		b.WriteString("- ")
		b.WriteString(p.Name)
		if p.Description != "" {
			b.WriteString(": ")
			b.WriteString(p.Description)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
