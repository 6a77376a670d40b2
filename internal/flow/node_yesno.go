package flow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/FlowDesk/internal/genai"
	"github.com/BTreeMap/FlowDesk/internal/models"
)

const yesNoInstruction = "You are a strict binary classifier. Answer with exactly one word: YES or NO. No punctuation, no explanation."

type yesNoConfig struct {
	Question string `json:"question,omitempty"`
}

// yesNoNode asks the model a binary question and normalizes the reply into
// the YES or NO route. Any model failure fails closed to NO.
type yesNoNode struct {
	cfg yesNoConfig
	ai  genai.ClientInterface
}

func newYesNoNode(cfg models.NodeConfig, deps *Deps) (Node, error) {
	var c yesNoConfig
	if err := decodeConfig(cfg.Config, &c); err != nil {
		return nil, err
	}
	if deps.GenAI == nil {
		return nil, fmt.Errorf("yes_no node requires a GenAI client")
	}
	return &yesNoNode{cfg: c, ai: deps.GenAI}, nil
}

func (n *yesNoNode) Execute(ctx context.Context, ec *ExecutionContext) (*NodeResult, error) {
	question := ec.Input()
	if n.cfg.Question != "" {
		question = ResolveTemplate(n.cfg.Question, ec)
	}

	reply, err := n.ai.GeneratePrompt(ctx, yesNoInstruction, question)
	if err != nil {
		slog.Warn("flow.yesNoNode: classification failed, answering NO", "error", err)
		return &NodeResult{Output: models.RouteNo, RouteKey: models.RouteNo}, nil
	}
	if strings.Contains(strings.ToUpper(reply), models.RouteYes) {
		return &NodeResult{Output: models.RouteYes, RouteKey: models.RouteYes}, nil
	}
	return &NodeResult{Output: models.RouteNo, RouteKey: models.RouteNo}, nil
}
