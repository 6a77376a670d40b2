package flow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/FlowDesk/internal/models"
	"github.com/BTreeMap/FlowDesk/internal/tools"
)

type toolNodeConfig struct {
	ToolName string `json:"toolName"`
}

// toolNode conditionally invokes a tool with the parameter map a preceding
// extraction node placed in the context. Missing or incomplete parameters
// route not_executed without touching the tool backend; an actual invocation
// routes executed regardless of the tool's own outcome, which is recorded in
// the output instead.
type toolNode struct {
	cfg   toolNodeConfig
	tools tools.Executor
}

func newToolNode(cfg models.NodeConfig, deps *Deps) (Node, error) {
	var c toolNodeConfig
	if err := decodeConfig(cfg.Config, &c); err != nil {
		return nil, err
	}
	if c.ToolName == "" {
		return nil, fmt.Errorf("tool node requires toolName")
	}
	if deps.Tools == nil {
		return nil, fmt.Errorf("tool node requires a tool registry")
	}
	return &toolNode{cfg: c, tools: deps.Tools}, nil
}

func (n *toolNode) Execute(ctx context.Context, ec *ExecutionContext) (*NodeResult, error) {
	def, found := n.tools.Lookup(n.cfg.ToolName)
	if !found {
		slog.Warn("flow.toolNode: tool not registered", "tool", n.cfg.ToolName)
		return &NodeResult{Output: "tool not available: " + n.cfg.ToolName, RouteKey: models.RouteNotExecuted}, nil
	}

	params, ok := ec.ToolParamsFor(def.Name)
	if !ok {
		slog.Debug("flow.toolNode: no parameters in context", "tool", def.Name)
		return &NodeResult{Output: "", RouteKey: models.RouteNotExecuted}, nil
	}
	for _, required := range def.RequiredParameters() {
		if isBlankString(params[required]) {
			slog.Debug("flow.toolNode: required parameter missing", "tool", def.Name, "param", required)
			return &NodeResult{Output: "", RouteKey: models.RouteNotExecuted}, nil
		}
	}

	args := make(map[string]interface{}, len(params))
	for k, v := range params {
		args[k] = v
	}
	start := time.Now()
	output, err := n.tools.Execute(ctx, def.Name, args)
	if err != nil {
		slog.Warn("flow.toolNode: tool execution failed", "tool", def.Name, "error", err, "duration", time.Since(start))
		return &NodeResult{Output: "error: " + err.Error(), RouteKey: models.RouteExecuted}, nil
	}
	slog.Debug("flow.toolNode: tool executed", "tool", def.Name, "duration", time.Since(start))
	return &NodeResult{Output: output, RouteKey: models.RouteExecuted}, nil
}
