package flow

import (
	"context"
	"testing"

	"github.com/BTreeMap/FlowDesk/internal/models"
)

func newTestConditionNode(t *testing.T, clauses []map[string]string) Node {
	t.Helper()
	cfg := models.NodeConfig{
		ID: "cond", Type: models.NodeTypeCondition,
		Config: rawConfig(t, map[string]interface{}{"conditions": clauses}),
	}
	n, err := newConditionNode(cfg, &Deps{})
	if err != nil {
		t.Fatalf("newConditionNode failed: %v", err)
	}
	return n
}

func TestConditionNodeOperators(t *testing.T) {
	ec := testContext("I want a refund for order A-100")
	ec.LastOutput = "amount: 42.5"
	ec.Intent = "refund"
	ec.IntentConfidence = 0.8
	ec.SetVariable("tier", "gold")
	ec.Entities["city"] = "Berlin"

	cases := []struct {
		name   string
		clause map[string]string
		want   string
	}{
		{"contains on query", map[string]string{"source": "query", "operator": "contains", "value": "refund"}, models.RouteTrue},
		{"notContains misses", map[string]string{"source": "query", "operator": "notContains", "value": "refund"}, models.RouteFalse},
		{"equals on variable", map[string]string{"source": "variable", "name": "tier", "operator": "equals", "value": "gold"}, models.RouteTrue},
		{"startsWith on last output", map[string]string{"operator": "startsWith", "value": "amount"}, models.RouteTrue},
		{"endsWith on entity", map[string]string{"source": "entity", "name": "city", "operator": "endsWith", "value": "lin"}, models.RouteTrue},
		{"regex", map[string]string{"source": "query", "operator": "regex", "value": `A-\d+`}, models.RouteTrue},
		{"isEmpty on unset variable", map[string]string{"source": "variable", "name": "nope", "operator": "isEmpty"}, models.RouteTrue},
		{"isNotEmpty on intent", map[string]string{"source": "intent", "operator": "isNotEmpty"}, models.RouteTrue},
		{"intentEquals", map[string]string{"operator": "intentEquals", "value": "refund"}, models.RouteTrue},
		{"confidenceGreaterThan passes", map[string]string{"operator": "confidenceGreaterThan", "value": "0.5"}, models.RouteTrue},
		{"confidenceGreaterThan fails", map[string]string{"operator": "confidenceGreaterThan", "value": "0.9"}, models.RouteFalse},
		{"gt numeric on variable", map[string]string{"source": "variable", "name": "tier", "operator": "gt", "value": "1"}, models.RouteFalse},
		{"unknown operator never matches", map[string]string{"operator": "sounds_like", "value": "x"}, models.RouteFalse},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			n := newTestConditionNode(t, []map[string]string{tc.clause})
			res, err := n.Execute(context.Background(), ec)
			if err != nil {
				t.Fatalf("Execute failed: %v", err)
			}
			if res.RouteKey != tc.want {
				t.Errorf("RouteKey = %q, want %q", res.RouteKey, tc.want)
			}
		})
	}
}

func TestConditionNodeNumericComparisons(t *testing.T) {
	ec := testContext("q")
	ec.LastOutput = " 42 "

	cases := []struct {
		op    string
		value string
		want  string
	}{
		{"gt", "41", models.RouteTrue},
		{"gt", "42", models.RouteFalse},
		{"lt", "43", models.RouteTrue},
		{"gte", "42", models.RouteTrue},
		{"lte", "41.9", models.RouteFalse},
	}
	for _, tc := range cases {
		n := newTestConditionNode(t, []map[string]string{{"operator": tc.op, "value": tc.value}})
		res, err := n.Execute(context.Background(), ec)
		if err != nil {
			t.Fatalf("Execute failed: %v", err)
		}
		if res.RouteKey != tc.want {
			t.Errorf("%s %s: RouteKey = %q, want %q", tc.op, tc.value, res.RouteKey, tc.want)
		}
	}
}

func TestConditionNodeFirstMatchWins(t *testing.T) {
	n := newTestConditionNode(t, []map[string]string{
		{"source": "query", "operator": "contains", "value": "billing", "route": "billing"},
		{"source": "query", "operator": "contains", "value": "help", "route": "support"},
	})
	ec := testContext("billing help please")
	res, err := n.Execute(context.Background(), ec)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if res.RouteKey != "billing" {
		t.Errorf("RouteKey = %q, want the first matching clause's route", res.RouteKey)
	}
}

func TestConditionNodeTemplatedValue(t *testing.T) {
	n := newTestConditionNode(t, []map[string]string{
		{"source": "query", "operator": "contains", "value": "{{var.keyword}}"},
	})
	ec := testContext("please cancel my plan")
	ec.SetVariable("keyword", "cancel")
	res, err := n.Execute(context.Background(), ec)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if res.RouteKey != models.RouteTrue {
		t.Errorf("RouteKey = %q, want true for a templated value", res.RouteKey)
	}
}

func TestConditionNodeRejectsEmptyConfig(t *testing.T) {
	cfg := models.NodeConfig{ID: "cond", Type: models.NodeTypeCondition}
	if _, err := newConditionNode(cfg, &Deps{}); err == nil {
		t.Error("expected an error for a condition node without conditions")
	}
}

func TestConditionNodeRejectsBadRegex(t *testing.T) {
	cfg := models.NodeConfig{
		ID: "cond", Type: models.NodeTypeCondition,
		Config: rawConfig(t, map[string]interface{}{
			"conditions": []map[string]string{{"operator": "regex", "value": "("}},
		}),
	}
	if _, err := newConditionNode(cfg, &Deps{}); err == nil {
		t.Error("expected an error for an invalid regex")
	}
}
