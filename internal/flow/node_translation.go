package flow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/openai/openai-go"

	"github.com/BTreeMap/FlowDesk/internal/genai"
	"github.com/BTreeMap/FlowDesk/internal/models"
)

type translationConfig struct {
	SystemPrompt string `json:"systemPrompt,omitempty"`
	TargetText   string `json:"targetText,omitempty"`
	HistoryCount int    `json:"historyCount,omitempty"`
	OutputVar    string `json:"outputVar,omitempty"`
}

// translationNode rewrites text through the model, seeded with recent
// conversation history for context. Any failure returns the original text
// untranslated.
type translationNode struct {
	cfg     translationConfig
	ai      genai.ClientInterface
	history HistoryStore
}

func newTranslationNode(cfg models.NodeConfig, deps *Deps) (Node, error) {
	var c translationConfig
	if err := decodeConfig(cfg.Config, &c); err != nil {
		return nil, err
	}
	if c.SystemPrompt == "" {
		c.SystemPrompt = "Translate the user's text, preserving tone and meaning. Reply with the translation only."
	}
	if c.HistoryCount <= 0 {
		c.HistoryCount = 10
	}
	if c.OutputVar == "" {
		c.OutputVar = "translationResult"
	}
	if deps.GenAI == nil {
		return nil, fmt.Errorf("translation node requires a GenAI client")
	}
	return &translationNode{cfg: c, ai: deps.GenAI, history: deps.History}, nil
}

func (n *translationNode) Execute(ctx context.Context, ec *ExecutionContext) (*NodeResult, error) {
	target := ec.Input()
	if n.cfg.TargetText != "" {
		target = ResolveTemplate(n.cfg.TargetText, ec)
	}

	messages := []openai.ChatCompletionMessageParamUnion{openai.SystemMessage(ResolveTemplate(n.cfg.SystemPrompt, ec))}
	messages = append(messages, historyMessages(ctx, n.history, ec.SessionID, n.cfg.HistoryCount)...)
	messages = append(messages, openai.UserMessage(target))

	translated, err := n.ai.GenerateWithMessages(ctx, messages)
	if err != nil || strings.TrimSpace(translated) == "" {
		// Upstream failure: fall back to the untranslated text.
		slog.Warn("flow.translationNode: translation failed, returning original", "error", err)
		ec.SetVariable(n.cfg.OutputVar, target)
		return &NodeResult{Output: target}, nil
	}
	ec.SetVariable(n.cfg.OutputVar, translated)
	return &NodeResult{Output: translated}, nil
}

// historyMessages loads up to limit recent turns as model messages, oldest
// first. A load failure degrades to no history.
func historyMessages(ctx context.Context, store HistoryStore, sessionID string, limit int) []openai.ChatCompletionMessageParamUnion {
	if store == nil || limit <= 0 {
		return nil
	}
	turns, err := store.RecentConversationTurns(ctx, sessionID, limit)
	if err != nil {
		slog.Warn("flow.historyMessages: failed to load history", "error", err, "sessionID", sessionID)
		return nil
	}
	var messages []openai.ChatCompletionMessageParamUnion
	for _, t := range turns {
		switch t.Role {
		case models.RoleUser:
			messages = append(messages, openai.UserMessage(t.Content))
		case models.RoleAssistant:
			messages = append(messages, openai.AssistantMessage(t.Content))
		}
	}
	return messages
}
