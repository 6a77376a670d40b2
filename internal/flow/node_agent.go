package flow

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/FlowDesk/internal/genai"
	"github.com/BTreeMap/FlowDesk/internal/models"
	"github.com/BTreeMap/FlowDesk/internal/tools"
)

const (
	// defaultAgentMaxIterations bounds the autonomous reasoning loop.
	defaultAgentMaxIterations = 10

	// agentExhaustedReply is the deterministic fallback when the loop ends
	// without a plain-text final answer.
	agentExhaustedReply = "Agent reached maximum iterations without a final answer."
)

type agentConfig struct {
	SystemPrompt  string   `json:"systemPrompt,omitempty"`
	HistoryCount  int      `json:"historyCount,omitempty"`
	ToolNames     []string `json:"toolNames,omitempty"`
	MaxIterations int      `json:"maxIterations,omitempty"`
}

// agentNode runs a bounded autonomous loop: each iteration is one completion
// that may request tools, whose results feed the next iteration. The loop
// ends at the first plain-text answer or at the iteration budget.
type agentNode struct {
	id      string
	cfg     agentConfig
	ai      genai.ClientInterface
	tools   tools.Executor
	history HistoryStore
	orch    *Orchestrator
}

func newAgentNode(cfg models.NodeConfig, deps *Deps) (Node, error) {
	var c agentConfig
	if err := decodeConfig(cfg.Config, &c); err != nil {
		return nil, err
	}
	if c.HistoryCount <= 0 {
		c.HistoryCount = 10
	}
	if c.MaxIterations <= 0 {
		c.MaxIterations = defaultAgentMaxIterations
	}
	if deps.GenAI == nil {
		return nil, fmt.Errorf("agent node requires a GenAI client")
	}
	return &agentNode{
		id:      cfg.ID,
		cfg:     c,
		ai:      deps.GenAI,
		tools:   deps.Tools,
		history: deps.History,
		orch:    NewOrchestrator(deps.Tools, deps.History),
	}, nil
}

func (n *agentNode) Execute(ctx context.Context, ec *ExecutionContext) (*NodeResult, error) {
	inner := &llmNode{id: n.id, ai: n.ai, tools: n.tools, history: n.history, orch: n.orch, cfg: llmConfig{
		SystemPrompt: n.cfg.SystemPrompt,
		HistoryCount: n.cfg.HistoryCount,
		ToolNames:    n.cfg.ToolNames,
	}}
	conversation, err := inner.buildConversation(ctx, ec)
	if err != nil {
		return nil, err
	}

	state := NewToolCallState()
	for iteration := 0; iteration < n.cfg.MaxIterations; iteration++ {
		resp, err := n.ai.GenerateWithTools(ctx, ToOpenAIMessages(conversation), inner.offeredTools())
		if err != nil {
			slog.Error("flow.agentNode: completion failed", "error", err, "iteration", iteration)
			return &NodeResult{Output: genericApologyReply}, nil
		}

		if !resp.HasToolCalls() {
			slog.Debug("flow.agentNode: final answer produced", "sessionID", ec.SessionID, "iterations", iteration+1)
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
			slog.Info("flow.agentNode: suspending for user input", "sessionID", ec.SessionID, "node", n.id)
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

	slog.Warn("flow.agentNode: iteration budget exhausted", "sessionID", ec.SessionID, "node", n.id, "max", n.cfg.MaxIterations)
	return &NodeResult{Output: agentExhaustedReply}, nil
}
