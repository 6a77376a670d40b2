package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/FlowDesk/internal/models"
)

// decodeConfig unmarshals a node's raw config into its typed struct. An
// absent config decodes into the zero value so defaults apply.
func decodeConfig(raw json.RawMessage, out interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode node config: %w", err)
	}
	return nil
}

// startNode seeds the pipe with the inbound query.
type startNode struct{}

func newStartNode(cfg models.NodeConfig, deps *Deps) (Node, error) {
	return &startNode{}, nil
}

func (n *startNode) Execute(ctx context.Context, ec *ExecutionContext) (*NodeResult, error) {
	return &NodeResult{Output: ec.Query}, nil
}

// endNode terminates the run. The final reply falls back to the last
// produced output when no node set one explicitly.
type endNode struct{}

func newEndNode(cfg models.NodeConfig, deps *Deps) (Node, error) {
	return &endNode{}, nil
}

func (n *endNode) Execute(ctx context.Context, ec *ExecutionContext) (*NodeResult, error) {
	if ec.FinalReply == "" {
		ec.FinalReply = ec.LastOutput
	}
	return &NodeResult{Output: ec.FinalReply}, nil
}

type replyConfig struct {
	Content string `json:"content"`
}

// replyNode resolves a templated message and makes it the reply candidate.
type replyNode struct {
	cfg replyConfig
}

func newReplyNode(cfg models.NodeConfig, deps *Deps) (Node, error) {
	var c replyConfig
	if err := decodeConfig(cfg.Config, &c); err != nil {
		return nil, err
	}
	return &replyNode{cfg: c}, nil
}

func (n *replyNode) Execute(ctx context.Context, ec *ExecutionContext) (*NodeResult, error) {
	resolved := ResolveTemplate(n.cfg.Content, ec)
	ec.FinalReply = resolved
	return &NodeResult{Output: resolved}, nil
}

type variableConfig struct {
	VariableName string `json:"variableName"`
	Operation    string `json:"operation"` // set (default) | append | delete
	Value        string `json:"value,omitempty"`
	SourceField  string `json:"sourceField,omitempty"`
	SourceNodeID string `json:"sourceNodeId,omitempty"`
}

// variableNode mutates one entry of the rolling variable bag.
type variableNode struct {
	cfg variableConfig
}

func newVariableNode(cfg models.NodeConfig, deps *Deps) (Node, error) {
	var c variableConfig
	if err := decodeConfig(cfg.Config, &c); err != nil {
		return nil, err
	}
	if c.VariableName == "" {
		return nil, fmt.Errorf("variable node requires variableName")
	}
	if c.Operation == "" {
		c.Operation = "set"
	}
	return &variableNode{cfg: c}, nil
}

func (n *variableNode) Execute(ctx context.Context, ec *ExecutionContext) (*NodeResult, error) {
	value := n.sourceValue(ec)
	switch n.cfg.Operation {
	case "set":
		ec.SetVariable(n.cfg.VariableName, value)
	case "append":
		existing, _ := ec.Variable(n.cfg.VariableName)
		if existing != "" {
			value = existing + "\n" + value
		}
		ec.SetVariable(n.cfg.VariableName, value)
	case "delete":
		delete(ec.Variables, n.cfg.VariableName)
		value = ""
	default:
		return nil, fmt.Errorf("variable node: unsupported operation %q", n.cfg.Operation)
	}
	slog.Debug("flow.variableNode: variable updated", "name", n.cfg.VariableName, "operation", n.cfg.Operation)
	return &NodeResult{Output: value}, nil
}

func (n *variableNode) sourceValue(ec *ExecutionContext) string {
	if n.cfg.Value != "" {
		return ResolveTemplate(n.cfg.Value, ec)
	}
	switch n.cfg.SourceField {
	case "query":
		return ec.Query
	case "intent":
		return ec.Intent
	case "nodeOutput":
		return ec.NodeOutputs[n.cfg.SourceNodeID]
	default:
		return ec.LastOutput
	}
}

type humanTransferConfig struct {
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message,omitempty"`
}

// humanTransferNode flags the session for handoff to a human operator and
// emits the transfer acknowledgement as the reply.
type humanTransferNode struct {
	cfg      humanTransferConfig
	notifier EscalationNotifier
}

func newHumanTransferNode(cfg models.NodeConfig, deps *Deps) (Node, error) {
	var c humanTransferConfig
	if err := decodeConfig(cfg.Config, &c); err != nil {
		return nil, err
	}
	if c.Message == "" {
		c.Message = "Transferring you to a human agent, one moment please."
	}
	if c.Reason == "" {
		c.Reason = "workflow requested transfer"
	}
	return &humanTransferNode{cfg: c, notifier: deps.Notifier}, nil
}

func (n *humanTransferNode) Execute(ctx context.Context, ec *ExecutionContext) (*NodeResult, error) {
	reason := ResolveTemplate(n.cfg.Reason, ec)
	message := ResolveTemplate(n.cfg.Message, ec)
	ec.NeedHumanTransfer = true
	ec.TransferReason = reason
	ec.FinalReply = message
	slog.Info("flow.humanTransferNode: transfer requested", "sessionID", ec.SessionID, "reason", reason)
	if n.notifier != nil {
		// Best effort: a failed alert must not fail the run.
		if err := n.notifier.NotifyTransfer(ctx, ec.SessionID, reason); err != nil {
			slog.Warn("flow.humanTransferNode: escalation notify failed", "error", err)
		}
	}
	return &NodeResult{Output: message}, nil
}

type imageTextSplitConfig struct {
	OutputVar string `json:"outputVar,omitempty"`
}

// imageTextSplitNode separates image URLs from the text of a mixed inbound
// message so downstream nodes can handle each part.
type imageTextSplitNode struct {
	cfg imageTextSplitConfig
}

func newImageTextSplitNode(cfg models.NodeConfig, deps *Deps) (Node, error) {
	var c imageTextSplitConfig
	if err := decodeConfig(cfg.Config, &c); err != nil {
		return nil, err
	}
	if c.OutputVar == "" {
		c.OutputVar = "imageUrls"
	}
	return &imageTextSplitNode{cfg: c}, nil
}

func (n *imageTextSplitNode) Execute(ctx context.Context, ec *ExecutionContext) (*NodeResult, error) {
	input := ec.Input()
	urls, text := splitImageURLs(input)
	if len(urls) > 0 {
		ec.SetVariable(n.cfg.OutputVar, strings.Join(urls, "\n"))
	}
	ec.SetVariable("textPart", text)
	slog.Debug("flow.imageTextSplitNode: input split", "images", len(urls), "text_len", len(text))
	return &NodeResult{Output: text}, nil
}

func splitImageURLs(input string) (urls []string, text string) {
	var textParts []string
	for _, token := range strings.Fields(input) {
		if isImageURL(token) {
			urls = append(urls, token)
			continue
		}
		textParts = append(textParts, token)
	}
	return urls, strings.Join(textParts, " ")
}

func isImageURL(s string) bool {
	if !strings.HasPrefix(s, "http://") && !strings.HasPrefix(s, "https://") {
		return false
	}
	lower := strings.ToLower(s)
	for _, ext := range []string{".png", ".jpg", ".jpeg", ".gif", ".webp"} {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}
