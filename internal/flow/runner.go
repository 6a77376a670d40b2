package flow

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/FlowDesk/internal/models"
)

// maxRunSteps guards against cyclic graph configurations.
const maxRunSteps = 100

// Runner walks a compiled graph from its start node, invoking nodes against
// the shared context, recording execution detail, and honoring suspension
// signals. One traversal runs synchronously on the calling goroutine.
type Runner struct{}

// NewRunner creates a runner. It is stateless and safe for concurrent use.
func NewRunner() *Runner {
	return &Runner{}
}

// Run executes the graph from its start node.
func (r *Runner) Run(ctx context.Context, g *CompiledGraph, ec *ExecutionContext) *RunResult {
	return r.RunFrom(ctx, g, ec, g.StartNodeID)
}

// RunFrom executes the graph starting at the given node, which is how a
// resumed continuation re-enters at its suspended node.
func (r *Runner) RunFrom(ctx context.Context, g *CompiledGraph, ec *ExecutionContext, startNodeID string) *RunResult {
	currentID := startNodeID
	for steps := 0; currentID != ""; steps++ {
		if steps >= maxRunSteps {
			return r.fail(ec, fmt.Errorf("run exceeded %d steps, likely a cyclic graph: workflow %s", maxRunSteps, g.WorkflowID))
		}

		node, ok := g.Node(currentID)
		if !ok {
			return r.fail(ec, fmt.Errorf("node %s not found in workflow %s", currentID, g.WorkflowID))
		}
		cfg, _ := g.Config(currentID)

		started := now()
		input := ec.Input()
		result, err := node.Execute(ctx, ec)
		ended := now()

		rec := models.NodeExecutionRecord{
			NodeID:    currentID,
			NodeType:  cfg.Type,
			Label:     cfg.Label,
			Input:     input,
			StartedAt: started,
			EndedAt:   ended,
			Success:   err == nil,
		}
		if err != nil {
			rec.Error = err.Error()
			ec.RecordExecution(rec)
			slog.Error("flow.Runner.RunFrom: node failed", "workflow", g.WorkflowID, "node", currentID, "type", cfg.Type, "error", err)
			return r.fail(ec, fmt.Errorf("node %s (%s) failed: %w", currentID, cfg.Type, err))
		}
		rec.Output = result.Output
		rec.RouteKey = result.RouteKey
		ec.RecordExecution(rec)

		if result.Suspend {
			// Stop immediately: nothing past this node executes. The caller
			// persists the snapshot and sends the follow-up question.
			snapshot, serr := ec.Snapshot()
			if serr != nil {
				return r.fail(ec, serr)
			}
			slog.Info("flow.Runner.RunFrom: run suspended", "workflow", g.WorkflowID, "node", currentID, "sessionID", ec.SessionID)
			return &RunResult{
				Status:     RunSuspended,
				FinalReply: result.Output,
				Suspension: &models.PausedExecution{
					SessionID:        ec.SessionID,
					WorkflowID:       g.WorkflowID,
					NodeID:           currentID,
					ContextJSON:      snapshot,
					ConversationJSON: result.ConversationJSON,
				},
				Records: ec.Records,
			}
		}

		if result.Output != "" {
			ec.LastOutput = result.Output
		}

		if cfg.Type == models.NodeTypeEnd {
			break
		}

		if models.IsBranchType(cfg.Type) {
			next, rerr := g.NextForRoute(currentID, result.RouteKey)
			if rerr != nil {
				return r.fail(ec, rerr)
			}
			slog.Debug("flow.Runner.RunFrom: branch resolved", "node", currentID, "routeKey", result.RouteKey, "next", next)
			currentID = next
		} else {
			currentID = g.NextForStep(currentID)
		}
	}

	if ec.FinalReply == "" {
		ec.FinalReply = ec.LastOutput
	}
	slog.Debug("flow.Runner.RunFrom: run completed", "workflow", g.WorkflowID, "sessionID", ec.SessionID, "nodes", len(ec.Records))
	return &RunResult{
		Status:            RunCompleted,
		FinalReply:        ec.FinalReply,
		Records:           ec.Records,
		NeedHumanTransfer: ec.NeedHumanTransfer,
		TransferReason:    ec.TransferReason,
	}
}

func (r *Runner) fail(ec *ExecutionContext, err error) *RunResult {
	return &RunResult{Status: RunFailed, Records: ec.Records, Err: err}
}
