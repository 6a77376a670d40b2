package flow

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/BTreeMap/FlowDesk/internal/models"
)

type knowledgeConfig struct {
	KnowledgeBaseID string `json:"knowledgeBaseId,omitempty"`
	QuerySource     string `json:"querySource,omitempty"` // query (default) | lastOutput | custom
	CustomQuery     string `json:"customQuery,omitempty"`
	MaxResults      int    `json:"maxResults,omitempty"`
	OutputFormat    string `json:"outputFormat,omitempty"` // text (default) | list
	NoResultMessage string `json:"noResultMessage,omitempty"`
	ErrorMessage    string `json:"errorMessage,omitempty"`
}

// knowledgeNode looks up the knowledge base and publishes the hits as both
// the node output and the knowledge* variables.
type knowledgeNode struct {
	cfg  knowledgeConfig
	know KnowledgeStore
}

func newKnowledgeNode(cfg models.NodeConfig, deps *Deps) (Node, error) {
	var c knowledgeConfig
	if err := decodeConfig(cfg.Config, &c); err != nil {
		return nil, err
	}
	if c.MaxResults <= 0 {
		c.MaxResults = 3
	}
	if c.NoResultMessage == "" {
		c.NoResultMessage = "No relevant knowledge found."
	}
	if c.ErrorMessage == "" {
		c.ErrorMessage = "Knowledge lookup is temporarily unavailable."
	}
	return &knowledgeNode{cfg: c, know: deps.Know}, nil
}

func (n *knowledgeNode) Execute(ctx context.Context, ec *ExecutionContext) (*NodeResult, error) {
	if n.know == nil {
		return nil, fmt.Errorf("knowledge node: no knowledge store configured")
	}
	query := n.lookupQuery(ec)
	results, err := n.know.SearchKnowledge(ctx, n.cfg.KnowledgeBaseID, query, n.cfg.MaxResults)
	if err != nil {
		slog.Warn("flow.knowledgeNode: lookup failed", "error", err, "kb", n.cfg.KnowledgeBaseID)
		return &NodeResult{Output: n.cfg.ErrorMessage}, nil
	}

	ec.SetVariable("knowledgeResultCount", strconv.Itoa(len(results)))
	if len(results) == 0 {
		ec.SetVariable("knowledgeContent", "")
		return &NodeResult{Output: n.cfg.NoResultMessage}, nil
	}

	content := formatKnowledge(results, n.cfg.OutputFormat)
	ec.SetVariable("knowledgeContent", content)
	ec.SetVariable("knowledgeResults", content)
	slog.Debug("flow.knowledgeNode: lookup succeeded", "hits", len(results), "kb", n.cfg.KnowledgeBaseID)
	return &NodeResult{Output: content}, nil
}

func (n *knowledgeNode) lookupQuery(ec *ExecutionContext) string {
	switch n.cfg.QuerySource {
	case "lastOutput":
		return ec.LastOutput
	case "custom":
		return ResolveTemplate(n.cfg.CustomQuery, ec)
	default:
		return ec.Query
	}
}

func formatKnowledge(results []models.KnowledgeResult, format string) string {
	var b strings.Builder
	for i, r := range results {
		if format == "list" {
			b.WriteString(strconv.Itoa(i+1) + ". ")
		}
		if r.Title != "" {
			b.WriteString(r.Title)
			b.WriteString(": ")
		}
		b.WriteString(r.Content)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
