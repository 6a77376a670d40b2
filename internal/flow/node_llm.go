package flow

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/openai/openai-go"

	"github.com/BTreeMap/FlowDesk/internal/genai"
	"github.com/BTreeMap/FlowDesk/internal/models"
	"github.com/BTreeMap/FlowDesk/internal/tools"
)

const (
	// defaultMaxToolRounds bounds the completion/tool-execution loop of one
	// reasoning step.
	defaultMaxToolRounds = 5

	// genericApologyReply is the user-visible fallback when a reasoning step
	// fails without a configured fallback.
	genericApologyReply = "I'm sorry, I wasn't able to complete your request right now. Please try again in a moment."
)

type llmConfig struct {
	SystemPrompt string `json:"systemPrompt,omitempty"`
	HistoryCount int    `json:"historyCount,omitempty"`
	// ToolNames restricts which registered tools the model may call. Empty
	// offers every registered tool.
	ToolNames     []string `json:"toolNames,omitempty"`
	MaxToolRounds int      `json:"maxToolRounds,omitempty"`
}

// llmNode is the reasoning step: a history-seeded completion that may emit
// tool calls, which the orchestrator executes sequentially before the model
// is re-invoked with the results. A tool call that needs more information
// from the user suspends the run with a follow-up question.
type llmNode struct {
	id      string
	cfg     llmConfig
	ai      genai.ClientInterface
	tools   tools.Executor
	history HistoryStore
	orch    *Orchestrator
}

func newLLMNode(cfg models.NodeConfig, deps *Deps) (Node, error) {
	var c llmConfig
	if err := decodeConfig(cfg.Config, &c); err != nil {
		return nil, err
	}
	if c.HistoryCount <= 0 {
		c.HistoryCount = 10
	}
	if c.MaxToolRounds <= 0 {
		c.MaxToolRounds = defaultMaxToolRounds
	}
	if deps.GenAI == nil {
		return nil, fmt.Errorf("llm node requires a GenAI client")
	}
	return &llmNode{
		id:      cfg.ID,
		cfg:     c,
		ai:      deps.GenAI,
		tools:   deps.Tools,
		history: deps.History,
		orch:    NewOrchestrator(deps.Tools, deps.History),
	}, nil
}

func (n *llmNode) Execute(ctx context.Context, ec *ExecutionContext) (*NodeResult, error) {
	conversation, err := n.buildConversation(ctx, ec)
	if err != nil {
		return nil, err
	}

	state := NewToolCallState()
	for round := 0; round < n.cfg.MaxToolRounds; round++ {
		resp, err := n.ai.GenerateWithTools(ctx, ToOpenAIMessages(conversation), n.offeredTools())
		if err != nil {
			slog.Error("flow.llmNode: completion failed", "error", err, "round", round)
			return &NodeResult{Output: genericApologyReply}, nil
		}

		if !resp.HasToolCalls() {
			state.Reset()
			return &NodeResult{Output: resp.Content}, nil
		}

		conversation = append(conversation, ConversationMessage{Role: "assistant", Content: resp.Content, ToolCalls: resp.ToolCalls})
		state.Detect(resp.ToolCalls)
		if err := n.orch.ExecuteAll(ctx, ec, state); err != nil {
			return nil, err
		}

		if state.Status == models.ToolCallWaitingUserInput {
			snapshot, err := MarshalConversation(suspendedConversation(conversation, state))
			if err != nil {
				return nil, err
			}
			slog.Info("flow.llmNode: suspending for user input", "sessionID", ec.SessionID, "node", n.id)
			return &NodeResult{Output: state.FollowupQuestion, Suspend: true, ConversationJSON: snapshot}, nil
		}

		for _, result := range state.Results {
			conversation = append(conversation, ConversationMessage{
				Role:       "tool",
				Content:    result.ResultText(),
				ToolCallID: result.ToolCallID,
			})
		}
		state.Reset()
	}

	slog.Warn("flow.llmNode: tool round budget exhausted", "sessionID", ec.SessionID, "node", n.id, "rounds", n.cfg.MaxToolRounds)
	return &NodeResult{Output: genericApologyReply}, nil
}

// buildConversation assembles the model exchange: either restored from a
// suspension snapshot with the new user input appended, or built fresh from
// the system prompt, recent history, and the working input.
func (n *llmNode) buildConversation(ctx context.Context, ec *ExecutionContext) ([]ConversationMessage, error) {
	if ec.ResumedNodeID == n.id && ec.ResumedConversation != "" {
		conversation, err := UnmarshalConversation(ec.ResumedConversation)
		if err != nil {
			return nil, err
		}
		conversation = append(conversation, ConversationMessage{Role: "user", Content: ec.Query})
		slog.Debug("flow.llmNode: resumed conversation restored", "sessionID", ec.SessionID, "messages", len(conversation))
		return conversation, nil
	}

	var conversation []ConversationMessage
	if n.cfg.SystemPrompt != "" {
		conversation = append(conversation, ConversationMessage{Role: "system", Content: ResolveTemplate(n.cfg.SystemPrompt, ec)})
	}
	if n.history != nil {
		turns, err := n.history.RecentConversationTurns(ctx, ec.SessionID, n.cfg.HistoryCount)
		if err != nil {
			slog.Warn("flow.llmNode: failed to load history", "error", err)
		}
		for _, t := range turns {
			switch t.Role {
			case models.RoleUser:
				conversation = append(conversation, ConversationMessage{Role: "user", Content: t.Content})
			case models.RoleAssistant:
				conversation = append(conversation, ConversationMessage{Role: "assistant", Content: t.Content})
			}
		}
	}
	conversation = append(conversation, ConversationMessage{Role: "user", Content: ec.Input()})
	return conversation, nil
}

func (n *llmNode) offeredTools() []openai.ChatCompletionToolParam {
	if n.tools == nil {
		return nil
	}
	all := n.tools.Definitions()
	if len(n.cfg.ToolNames) == 0 {
		return all
	}
	wanted := make(map[string]bool, len(n.cfg.ToolNames))
	for _, name := range n.cfg.ToolNames {
		wanted[name] = true
	}
	var filtered []openai.ChatCompletionToolParam
	for _, def := range all {
		if wanted[def.Function.Name] {
			filtered = append(filtered, def)
		}
	}
	return filtered
}
