package flow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/FlowDesk/internal/genai"
	"github.com/BTreeMap/FlowDesk/internal/models"
)

type setMetadataConfig struct {
	SystemPrompt string `json:"systemPrompt,omitempty"`
	// Mappings lists metadata keys to extract: key -> description of what to
	// extract from the conversation.
	Mappings map[string]string `json:"mappings"`
}

// setMetadataNode extracts configured values from the current input with a
// structured LLM call and persists them as session metadata.
type setMetadataNode struct {
	cfg      setMetadataConfig
	ai       genai.ClientInterface
	metadata MetadataStore
}

func newSetMetadataNode(cfg models.NodeConfig, deps *Deps) (Node, error) {
	var c setMetadataConfig
	if err := decodeConfig(cfg.Config, &c); err != nil {
		return nil, err
	}
	if len(c.Mappings) == 0 {
		return nil, fmt.Errorf("set_metadata node requires mappings")
	}
	if c.SystemPrompt == "" {
		c.SystemPrompt = "Extract the requested fields from the user's message."
	}
	if deps.GenAI == nil {
		return nil, fmt.Errorf("set_metadata node requires a GenAI client")
	}
	return &setMetadataNode{cfg: c, ai: deps.GenAI, metadata: deps.Metadata}, nil
}

func (n *setMetadataNode) Execute(ctx context.Context, ec *ExecutionContext) (*NodeResult, error) {
	var fields []string
	for key, desc := range n.cfg.Mappings {
		fields = append(fields, fmt.Sprintf("%q: %s", key, desc))
	}
	prompt := fmt.Sprintf("%s\nFields to extract (JSON keys with their meaning):\n%s\nUse null for anything not present.",
		ResolveTemplate(n.cfg.SystemPrompt, ec), strings.Join(fields, "\n"))

	var extracted map[string]interface{}
	if err := n.ai.GenerateStructured(ctx, prompt, ec.Input(), &extracted); err != nil {
		// Extraction is best effort: the run continues with nothing set.
		slog.Warn("flow.setMetadataNode: extraction failed", "error", err)
		return &NodeResult{Output: ec.Input()}, nil
	}

	values := make(map[string]string)
	for key := range n.cfg.Mappings {
		v, ok := extracted[key]
		if !ok || isBlankValue(v) {
			continue
		}
		values[key] = fmt.Sprintf("%v", v)
	}
	for k, v := range values {
		ec.Customer[k] = v
	}
	if len(values) > 0 && n.metadata != nil {
		if err := n.metadata.SetSessionMetadata(ctx, ec.SessionID, values); err != nil {
			slog.Warn("flow.setMetadataNode: failed to persist metadata", "error", err, "sessionID", ec.SessionID)
		}
	}
	slog.Debug("flow.setMetadataNode: metadata extracted", "sessionID", ec.SessionID, "fields", len(values))
	return &NodeResult{Output: ec.Input()}, nil
}
