package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/FlowDesk/internal/models"
)

type flowNodeConfig struct {
	TargetWorkflowID string `json:"targetWorkflowId"`
	Input            string `json:"input,omitempty"`
}

// flowNode delegates the session to a target workflow: it creates the
// takeover record (idempotently) and runs the target graph synchronously,
// returning that run's reply as its own output.
type flowNode struct {
	cfg      flowNodeConfig
	sessions *AgentSessionManager
	subflows SubflowRunner
}

func newFlowNode(cfg models.NodeConfig, deps *Deps) (Node, error) {
	var c flowNodeConfig
	if err := decodeConfig(cfg.Config, &c); err != nil {
		return nil, err
	}
	if c.TargetWorkflowID == "" {
		return nil, fmt.Errorf("flow node requires targetWorkflowId")
	}
	if deps.Sessions == nil || deps.Subflows == nil {
		return nil, fmt.Errorf("flow node requires the session manager and subflow runner")
	}
	return &flowNode{cfg: c, sessions: deps.Sessions, subflows: deps.Subflows}, nil
}

func (n *flowNode) Execute(ctx context.Context, ec *ExecutionContext) (*NodeResult, error) {
	input := ec.Input()
	if n.cfg.Input != "" {
		input = ResolveTemplate(n.cfg.Input, ec)
	}

	outcome, err := n.sessions.Delegate(ctx, ec.SessionID, n.cfg.TargetWorkflowID, input)
	if err != nil {
		return nil, err
	}
	if !outcome.Created {
		slog.Debug("flow.flowNode: session already delegated", "sessionID", ec.SessionID, "target", n.cfg.TargetWorkflowID)
		return &NodeResult{Output: input}, nil
	}

	result, err := n.subflows.RunWorkflow(ctx, n.cfg.TargetWorkflowID, ec.SessionID, input)
	if err != nil {
		return nil, fmt.Errorf("delegated workflow %s failed: %w", n.cfg.TargetWorkflowID, err)
	}
	if result.NeedHumanTransfer {
		ec.NeedHumanTransfer = true
		ec.TransferReason = result.TransferReason
	}
	ec.FinalReply = result.FinalReply
	return &NodeResult{Output: result.FinalReply}, nil
}

type flowUpdateConfig struct {
	TargetWorkflowID string `json:"targetWorkflowId"`
	Value            string `json:"value"`
	Mode             string `json:"mode,omitempty"` // replace (default) | append
}

// flowUpdateNode mutates the seed value of an active takeover record.
type flowUpdateNode struct {
	cfg      flowUpdateConfig
	sessions *AgentSessionManager
}

func newFlowUpdateNode(cfg models.NodeConfig, deps *Deps) (Node, error) {
	var c flowUpdateConfig
	if err := decodeConfig(cfg.Config, &c); err != nil {
		return nil, err
	}
	if c.TargetWorkflowID == "" {
		return nil, fmt.Errorf("flow_update node requires targetWorkflowId")
	}
	if c.Mode == "" {
		c.Mode = "replace"
	}
	if deps.Sessions == nil {
		return nil, fmt.Errorf("flow_update node requires the session manager")
	}
	return &flowUpdateNode{cfg: c, sessions: deps.Sessions}, nil
}

func (n *flowUpdateNode) Execute(ctx context.Context, ec *ExecutionContext) (*NodeResult, error) {
	value := ResolveTemplate(n.cfg.Value, ec)
	if err := n.sessions.Update(ctx, ec.SessionID, n.cfg.TargetWorkflowID, value, n.cfg.Mode); err != nil {
		// An already-ended takeover is not a run failure; the update is
		// simply stale.
		if errors.Is(err, models.ErrAgentSessionEnded) {
			slog.Warn("flow.flowUpdateNode: no active takeover to update", "sessionID", ec.SessionID, "target", n.cfg.TargetWorkflowID)
			return &NodeResult{Output: ec.Input()}, nil
		}
		return nil, err
	}
	return &NodeResult{Output: ec.Input()}, nil
}

type agentEndConfig struct {
	// TargetWorkflowID defaults to the workflow being executed, which is the
	// common case of a sub-flow ending its own takeover.
	TargetWorkflowID string `json:"targetWorkflowId,omitempty"`
}

// agentEndNode closes the session's takeover record so subsequent turns
// dispatch normally again.
type agentEndNode struct {
	cfg      agentEndConfig
	sessions *AgentSessionManager
}

func newAgentEndNode(cfg models.NodeConfig, deps *Deps) (Node, error) {
	var c agentEndConfig
	if err := decodeConfig(cfg.Config, &c); err != nil {
		return nil, err
	}
	if deps.Sessions == nil {
		return nil, fmt.Errorf("agent_end node requires the session manager")
	}
	return &agentEndNode{cfg: c, sessions: deps.Sessions}, nil
}

func (n *agentEndNode) Execute(ctx context.Context, ec *ExecutionContext) (*NodeResult, error) {
	target := n.cfg.TargetWorkflowID
	if target == "" {
		target = ec.WorkflowID
	}
	if err := n.sessions.End(ctx, ec.SessionID, target); err != nil {
		return nil, err
	}
	return &NodeResult{Output: ec.Input()}, nil
}
