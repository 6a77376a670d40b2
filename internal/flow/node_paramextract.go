package flow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/FlowDesk/internal/genai"
	"github.com/BTreeMap/FlowDesk/internal/models"
	"github.com/BTreeMap/FlowDesk/internal/tools"
)

type paramExtractConfig struct {
	ToolName string `json:"toolName"`
	// Parameters optionally restricts extraction to a subset of the tool's
	// declared parameters. Empty means all of them.
	Parameters   []string `json:"parameters,omitempty"`
	HistoryCount int      `json:"historyCount,omitempty"`
	SystemPrompt string   `json:"systemPrompt,omitempty"`
}

// paramExtractNode fills a tool's parameter map from the conversation with a
// structured LLM call. Routes success when every configured required
// parameter is present; otherwise routes incomplete with a prompt listing
// the missing parameters, leaving the params bag untouched.
type paramExtractNode struct {
	cfg     paramExtractConfig
	ai      genai.ClientInterface
	tools   tools.Executor
	history HistoryStore
}

func newParamExtractNode(cfg models.NodeConfig, deps *Deps) (Node, error) {
	var c paramExtractConfig
	if err := decodeConfig(cfg.Config, &c); err != nil {
		return nil, err
	}
	if c.ToolName == "" {
		return nil, fmt.Errorf("parameter_extraction node requires toolName")
	}
	if c.HistoryCount <= 0 {
		c.HistoryCount = 10
	}
	if deps.GenAI == nil {
		return nil, fmt.Errorf("parameter_extraction node requires a GenAI client")
	}
	if deps.Tools == nil {
		return nil, fmt.Errorf("parameter_extraction node requires a tool registry")
	}
	return &paramExtractNode{cfg: c, ai: deps.GenAI, tools: deps.Tools, history: deps.History}, nil
}

func (n *paramExtractNode) Execute(ctx context.Context, ec *ExecutionContext) (*NodeResult, error) {
	def, found := n.tools.Lookup(n.cfg.ToolName)
	if !found {
		return nil, fmt.Errorf("parameter_extraction node: %w: %s", models.ErrToolNotFound, n.cfg.ToolName)
	}
	params := n.configuredParameters(def)
	if len(params) == 0 {
		// Nothing to extract: trivially complete.
		ec.SetToolParams(def.Name, map[string]string{})
		return &NodeResult{Output: ec.Input(), RouteKey: models.RouteSuccess}, nil
	}

	extracted := n.extract(ctx, ec, def, params)

	var missing []models.ToolParameter
	values := make(map[string]string, len(params))
	for _, p := range params {
		v, ok := extracted[p.Name]
		if ok && !isBlankString(v) {
			values[p.Name] = strings.TrimSpace(v)
			continue
		}
		if p.Required {
			missing = append(missing, p)
		}
	}

	if len(missing) > 0 {
		// Incomplete: write nothing so a retry starts clean.
		prompt := buildMissingParamsPrompt(missing)
		slog.Debug("flow.paramExtractNode: extraction incomplete", "tool", def.Name, "missing", len(missing))
		return &NodeResult{Output: prompt, RouteKey: models.RouteIncomplete}, nil
	}

	ec.SetToolParams(def.Name, values)
	slog.Debug("flow.paramExtractNode: extraction complete", "tool", def.Name, "params", len(values))
	return &NodeResult{Output: ec.Input(), RouteKey: models.RouteSuccess}, nil
}

func (n *paramExtractNode) configuredParameters(def *models.ToolDefinition) []models.ToolParameter {
	if len(n.cfg.Parameters) == 0 {
		return def.Parameters
	}
	wanted := make(map[string]bool, len(n.cfg.Parameters))
	for _, name := range n.cfg.Parameters {
		wanted[name] = true
	}
	var subset []models.ToolParameter
	for _, p := range def.Parameters {
		if wanted[p.Name] {
			subset = append(subset, p)
		}
	}
	return subset
}

func (n *paramExtractNode) extract(ctx context.Context, ec *ExecutionContext, def *models.ToolDefinition, params []models.ToolParameter) map[string]string {
	var lines []string
	for _, p := range params {
		lines = append(lines, fmt.Sprintf("- %s: %s", p.Name, p.Description))
	}
	system := n.cfg.SystemPrompt
	if system == "" {
		system = "Extract the following parameters from the conversation."
	}
	prompt := fmt.Sprintf("%s\nParameters:\n%s\nReturn a JSON object with one key per parameter. Use null for values not present in the conversation.",
		system, strings.Join(lines, "\n"))

	var conversation strings.Builder
	if n.history != nil {
		turns, err := n.history.RecentConversationTurns(ctx, ec.SessionID, n.cfg.HistoryCount)
		if err != nil {
			slog.Warn("flow.paramExtractNode: failed to load history", "error", err)
		}
		for _, t := range turns {
			if t.Role == models.RoleUser || t.Role == models.RoleAssistant {
				conversation.WriteString(string(t.Role) + ": " + t.Content + "\n")
			}
		}
	}
	conversation.WriteString("user: " + ec.Query)

	var raw map[string]interface{}
	if err := n.ai.GenerateStructured(ctx, prompt, conversation.String(), &raw); err != nil {
		slog.Warn("flow.paramExtractNode: structured extraction failed", "error", err, "tool", def.Name)
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if v == nil {
			continue
		}
		out[k] = fmt.Sprintf("%v", v)
	}
	return out
}

// isBlankString reports whether an extracted value counts as absent: empty,
// whitespace, or the literal null spellings the model tends to emit.
func isBlankString(s string) bool {
	trimmed := strings.TrimSpace(s)
	return trimmed == "" || trimmed == "null" || trimmed == "Null"
}

func buildMissingParamsPrompt(missing []models.ToolParameter) string {
	var b strings.Builder
	b.WriteString("To proceed I still need the following information:\n")
	for _, p := range missing {
		b.WriteString("- ")
		b.WriteString(p.Name)
		if p.Description != "" {
			b.WriteString(" (")
			b.WriteString(p.Description)
			b.WriteString(")")
		}
		b.WriteString("\n")
	}
	b.WriteString("Could you provide these?")
	return b.String()
}
