package flow

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/BTreeMap/FlowDesk/internal/models"
)

type conditionClause struct {
	Source   string `json:"source,omitempty"` // lastOutput (default) | query | intent | variable | entity
	Name     string `json:"name,omitempty"`   // variable/entity name when source needs one
	Operator string `json:"operator"`
	Value    string `json:"value,omitempty"`
	Route    string `json:"route,omitempty"` // route returned on match, default "true"
}

type conditionConfig struct {
	Conditions []conditionClause `json:"conditions"`
}

// conditionNode evaluates its clauses in order and returns the first
// matching clause's route; no match returns "false". Evaluation is
// deterministic and side-effect-free.
type conditionNode struct {
	cfg conditionConfig
	// compiled regex per clause index, for the regex operator only.
	patterns map[int]*regexp.Regexp
}

func newConditionNode(cfg models.NodeConfig, deps *Deps) (Node, error) {
	var c conditionConfig
	if err := decodeConfig(cfg.Config, &c); err != nil {
		return nil, err
	}
	if len(c.Conditions) == 0 {
		return nil, fmt.Errorf("condition node requires at least one condition")
	}
	patterns := make(map[int]*regexp.Regexp)
	for i, clause := range c.Conditions {
		if clause.Operator == "regex" {
			re, err := regexp.Compile(clause.Value)
			if err != nil {
				return nil, fmt.Errorf("condition node: invalid regex %q: %w", clause.Value, err)
			}
			patterns[i] = re
		}
	}
	return &conditionNode{cfg: c, patterns: patterns}, nil
}

func (n *conditionNode) Execute(ctx context.Context, ec *ExecutionContext) (*NodeResult, error) {
	for i, clause := range n.cfg.Conditions {
		if n.matches(i, clause, ec) {
			route := clause.Route
			if route == "" {
				route = models.RouteTrue
			}
			slog.Debug("flow.conditionNode: condition matched", "index", i, "operator", clause.Operator, "route", route)
			return &NodeResult{Output: ec.LastOutput, RouteKey: route}, nil
		}
	}
	return &NodeResult{Output: ec.LastOutput, RouteKey: models.RouteFalse}, nil
}

func (n *conditionNode) matches(index int, clause conditionClause, ec *ExecutionContext) bool {
	subject := n.subject(clause, ec)
	expected := ResolveTemplate(clause.Value, ec)
	switch clause.Operator {
	case "contains":
		return strings.Contains(subject, expected)
	case "notContains":
		return !strings.Contains(subject, expected)
	case "equals":
		return subject == expected
	case "startsWith":
		return strings.HasPrefix(subject, expected)
	case "endsWith":
		return strings.HasSuffix(subject, expected)
	case "regex":
		return n.patterns[index].MatchString(subject)
	case "isEmpty":
		return strings.TrimSpace(subject) == ""
	case "isNotEmpty":
		return strings.TrimSpace(subject) != ""
	case "intentEquals":
		return ec.Intent == expected
	case "confidenceGreaterThan":
		threshold, err := strconv.ParseFloat(expected, 64)
		return err == nil && ec.IntentConfidence > threshold
	case "gt", "lt", "gte", "lte":
		return compareNumeric(subject, expected, clause.Operator)
	default:
		slog.Warn("flow.conditionNode: unknown operator treated as no match", "operator", clause.Operator)
		return false
	}
}

func (n *conditionNode) subject(clause conditionClause, ec *ExecutionContext) string {
	switch clause.Source {
	case "query":
		return ec.Query
	case "intent":
		return ec.Intent
	case "variable":
		v, _ := ec.Variable(clause.Name)
		return v
	case "entity":
		return ec.Entities[clause.Name]
	default:
		return ec.LastOutput
	}
}

func compareNumeric(subject, expected, op string) bool {
	a, errA := strconv.ParseFloat(strings.TrimSpace(subject), 64)
	b, errB := strconv.ParseFloat(strings.TrimSpace(expected), 64)
	if errA != nil || errB != nil {
		return false
	}
	switch op {
	case "gt":
		return a > b
	case "lt":
		return a < b
	case "gte":
		return a >= b
	case "lte":
		return a <= b
	}
	return false
}
