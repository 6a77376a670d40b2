package flow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/FlowDesk/internal/models"
)

// MaxDelayMinutes caps a scheduled continuation at 24 hours.
const MaxDelayMinutes = 1440

type delayConfig struct {
	DelayMinutes int `json:"delayMinutes"`
	// InputData is the templated input the delayed run is seeded with.
	InputData string `json:"inputData,omitempty"`
	// TargetWorkflowID defaults to the current workflow.
	TargetWorkflowID string `json:"targetWorkflowId,omitempty"`
	WorkflowName     string `json:"workflowName,omitempty"`
}

// delayNode serializes a resume-later task onto the durable queue. The
// requested delay is clamped to MaxDelayMinutes.
type delayNode struct {
	cfg   delayConfig
	queue DelayQueue
}

func newDelayNode(cfg models.NodeConfig, deps *Deps) (Node, error) {
	var c delayConfig
	if err := decodeConfig(cfg.Config, &c); err != nil {
		return nil, err
	}
	if c.DelayMinutes <= 0 {
		return nil, fmt.Errorf("delay node requires a positive delayMinutes")
	}
	if deps.Delay == nil {
		return nil, fmt.Errorf("delay node requires a delay queue")
	}
	return &delayNode{cfg: c, queue: deps.Delay}, nil
}

func (n *delayNode) Execute(ctx context.Context, ec *ExecutionContext) (*NodeResult, error) {
	minutes := n.cfg.DelayMinutes
	if minutes > MaxDelayMinutes {
		slog.Warn("flow.delayNode: delay clamped", "requested", minutes, "max", MaxDelayMinutes)
		minutes = MaxDelayMinutes
	}

	targetID := n.cfg.TargetWorkflowID
	if targetID == "" {
		targetID = ec.WorkflowID
	}
	input := ec.Input()
	if n.cfg.InputData != "" {
		input = ResolveTemplate(n.cfg.InputData, ec)
	}

	task := models.DelayTask{
		SessionID:          ec.SessionID,
		WorkflowID:         targetID,
		WorkflowName:       n.cfg.WorkflowName,
		InputData:          input,
		OriginalWorkflowID: ec.WorkflowID,
	}
	if err := n.queue.Enqueue(ctx, task, time.Duration(minutes)*time.Minute); err != nil {
		return nil, fmt.Errorf("failed to enqueue delayed task: %w", err)
	}
	slog.Info("flow.delayNode: task scheduled", "sessionID", ec.SessionID, "workflowID", targetID, "delayMinutes", minutes)
	return &NodeResult{Output: input}, nil
}
