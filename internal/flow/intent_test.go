package flow

import (
	"context"
	"fmt"
	"testing"

	"github.com/BTreeMap/FlowDesk/internal/models"
)

func newTestIntentNode(t *testing.T, ai *fakeGenAI, cfg map[string]interface{}) Node {
	t.Helper()
	nc := models.NodeConfig{ID: "intent", Type: models.NodeTypeIntent, Config: rawConfig(t, cfg)}
	n, err := newIntentNode(nc, &Deps{GenAI: ai})
	if err != nil {
		t.Fatalf("newIntentNode failed: %v", err)
	}
	return n
}

func intentCandidates() []map[string]interface{} {
	return []map[string]interface{}{
		{"id": "refund", "label": "Refund Request", "keywords": []string{"money back"}},
		{"id": "shipping", "label": "Shipping Status", "keywords": []string{"where is my order"}},
	}
}

func TestIntentNodeEmptyCandidatesRoutesDefault(t *testing.T) {
	n := newTestIntentNode(t, nil, map[string]interface{}{})
	ec := testContext("anything")
	res, err := n.Execute(context.Background(), ec)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if res.RouteKey != models.RouteDefault {
		t.Errorf("RouteKey = %q, want default", res.RouteKey)
	}
	if ec.Intent != "unknown" || ec.IntentConfidence != 0 {
		t.Errorf("context intent = %q/%v, want unknown/0", ec.Intent, ec.IntentConfidence)
	}
}

func TestIntentNodeLLMExactMatch(t *testing.T) {
	ai := &fakeGenAI{promptFn: func(system, user string) (string, error) {
		return `"Refund Request".`, nil
	}}
	n := newTestIntentNode(t, ai, map[string]interface{}{"candidates": intentCandidates()})
	ec := testContext("I want my money back")
	res, err := n.Execute(context.Background(), ec)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if res.RouteKey != "refund" || res.Output != "Refund Request" {
		t.Errorf("route/output = %q/%q", res.RouteKey, res.Output)
	}
	if ec.IntentConfidence != 0.85 {
		t.Errorf("confidence = %v, want 0.85 for an exact label match", ec.IntentConfidence)
	}
}

func TestIntentNodeLLMFuzzyMatch(t *testing.T) {
	ai := &fakeGenAI{promptFn: func(system, user string) (string, error) {
		return "that looks like a Shipping Status question", nil
	}}
	n := newTestIntentNode(t, ai, map[string]interface{}{"candidates": intentCandidates()})
	ec := testContext("where is it")
	res, err := n.Execute(context.Background(), ec)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if res.RouteKey != "shipping" {
		t.Errorf("RouteKey = %q, want shipping", res.RouteKey)
	}
	if ec.IntentConfidence != 0.7 {
		t.Errorf("confidence = %v, want 0.7 for a fuzzy label match", ec.IntentConfidence)
	}
}

func TestIntentNodeLLMNoneFallsThroughToKeywords(t *testing.T) {
	ai := &fakeGenAI{promptFn: func(system, user string) (string, error) {
		return "none", nil
	}}
	n := newTestIntentNode(t, ai, map[string]interface{}{"candidates": intentCandidates()})
	ec := testContext("I want my money back now")
	res, err := n.Execute(context.Background(), ec)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if res.RouteKey != "refund" {
		t.Errorf("RouteKey = %q, want the keyword fallback to match refund", res.RouteKey)
	}
	if ec.IntentConfidence != 0.9 {
		t.Errorf("confidence = %v, want 0.9 for a phrase hit", ec.IntentConfidence)
	}
}

func TestIntentNodeLLMFailureFallsBackToKeywords(t *testing.T) {
	ai := &fakeGenAI{promptFn: func(system, user string) (string, error) {
		return "", fmt.Errorf("model unavailable")
	}}
	n := newTestIntentNode(t, ai, map[string]interface{}{"candidates": intentCandidates()})
	ec := testContext("where is my order")
	res, err := n.Execute(context.Background(), ec)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if res.RouteKey != "shipping" {
		t.Errorf("RouteKey = %q, want shipping via keywords", res.RouteKey)
	}
}

func TestIntentNodeKeywordConfidenceTiers(t *testing.T) {
	cfg := map[string]interface{}{
		"mode": "keyword",
		"candidates": []map[string]interface{}{
			{"id": "c1", "label": "c1", "keywords": []string{"track my parcel today"}},
		},
	}
	cases := []struct {
		name  string
		query string
		want  float64
	}{
		{"full phrase", "please track my parcel today", 0.9},
		{"all tokens scattered", "today I must track a parcel because it is my gift", 0.8},
		{"most tokens", "track my gift", 0.7},
		{"some tokens", "track it", 0.6},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			n := newTestIntentNode(t, nil, cfg)
			ec := testContext(tc.query)
			res, err := n.Execute(context.Background(), ec)
			if err != nil {
				t.Fatalf("Execute failed: %v", err)
			}
			if res.RouteKey != "c1" {
				t.Fatalf("RouteKey = %q, want c1", res.RouteKey)
			}
			if ec.IntentConfidence != tc.want {
				t.Errorf("confidence = %v, want %v", ec.IntentConfidence, tc.want)
			}
		})
	}
}

func TestIntentNodeNoMatchRoutesDefault(t *testing.T) {
	cfg := map[string]interface{}{"mode": "keyword", "candidates": intentCandidates()}
	n := newTestIntentNode(t, nil, cfg)
	ec := testContext("xyzzy")
	res, err := n.Execute(context.Background(), ec)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if res.RouteKey != models.RouteDefault {
		t.Errorf("RouteKey = %q, want default", res.RouteKey)
	}
	if ec.Intent != "unknown" {
		t.Errorf("Intent = %q, want unknown", ec.Intent)
	}
}
