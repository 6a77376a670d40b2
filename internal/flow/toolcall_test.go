package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/BTreeMap/FlowDesk/internal/models"
)

func orderLookupDef() models.ToolDefinition {
	return models.ToolDefinition{
		Name:        "order_lookup",
		Description: "Look up an order",
		Parameters: []models.ToolParameter{
			{Name: "orderId", Description: "the order id", Required: true},
			{Name: "note", Required: false},
		},
	}
}

func toolCall(id, name string, args map[string]string) models.ToolCall {
	data, _ := json.Marshal(args)
	return models.ToolCall{ID: id, Name: name, Arguments: data}
}

func TestOrchestratorExecutesAllInOrder(t *testing.T) {
	reg := newFakeToolExec()
	reg.add(orderLookupDef(), func(args map[string]interface{}) (string, error) {
		return "order " + args["orderId"].(string) + " shipped", nil
	})
	reg.add(models.ToolDefinition{Name: "notify"}, func(args map[string]interface{}) (string, error) {
		return "ok", nil
	})

	history := &memHistory{}
	orch := NewOrchestrator(reg, history)
	state := NewToolCallState()
	state.Detect([]models.ToolCall{
		toolCall("c1", "order_lookup", map[string]string{"orderId": "A-1"}),
		toolCall("c2", "notify", nil),
	})

	ec := testContext("q")
	if err := orch.ExecuteAll(context.Background(), ec, state); err != nil {
		t.Fatalf("ExecuteAll failed: %v", err)
	}
	if state.Status != models.ToolCallCompleted {
		t.Errorf("status = %q, want COMPLETED", state.Status)
	}
	if len(state.Results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(state.Results))
	}
	if !state.Results[0].Success || state.Results[0].Output != "order A-1 shipped" {
		t.Errorf("first result = %+v", state.Results[0])
	}
	if got := reg.executed; got[0] != "order_lookup" || got[1] != "notify" {
		t.Errorf("execution order = %v", got)
	}
	// Each exchange lands in history as a tool turn.
	if len(history.turns) != 2 || history.turns[0].Role != models.RoleTool {
		t.Errorf("persisted turns = %+v", history.turns)
	}
}

func TestOrchestratorMissingRequiredArgWaitsForUser(t *testing.T) {
	reg := newFakeToolExec()
	reg.add(orderLookupDef(), func(args map[string]interface{}) (string, error) {
		t.Fatal("tool must not execute with missing required arguments")
		return "", nil
	})

	orch := NewOrchestrator(reg, nil)
	state := NewToolCallState()
	state.Detect([]models.ToolCall{toolCall("c1", "order_lookup", map[string]string{"note": "hi"})})

	if err := orch.ExecuteAll(context.Background(), testContext("q"), state); err != nil {
		t.Fatalf("ExecuteAll failed: %v", err)
	}
	if state.Status != models.ToolCallWaitingUserInput {
		t.Fatalf("status = %q, want WAITING_USER_INPUT", state.Status)
	}
	if !strings.Contains(state.FollowupQuestion, "orderId") {
		t.Errorf("follow-up question should name the missing parameter, got %q", state.FollowupQuestion)
	}
	if reg.executeCount() != 0 {
		t.Errorf("tool executed %d times, want 0", reg.executeCount())
	}
}

func TestOrchestratorBlankRequiredArgCountsAsMissing(t *testing.T) {
	reg := newFakeToolExec()
	reg.add(orderLookupDef(), nil)
	orch := NewOrchestrator(reg, nil)
	for _, blank := range []string{"", "  ", "null", "Null"} {
		state := NewToolCallState()
		state.Detect([]models.ToolCall{toolCall("c1", "order_lookup", map[string]string{"orderId": blank})})
		if err := orch.ExecuteAll(context.Background(), testContext("q"), state); err != nil {
			t.Fatalf("ExecuteAll failed: %v", err)
		}
		if state.Status != models.ToolCallWaitingUserInput {
			t.Errorf("blank %q: status = %q, want WAITING_USER_INPUT", blank, state.Status)
		}
	}
}

func TestOrchestratorUnknownToolRecordsFailure(t *testing.T) {
	orch := NewOrchestrator(newFakeToolExec(), nil)
	state := NewToolCallState()
	state.Detect([]models.ToolCall{toolCall("c1", "no_such_tool", nil)})

	if err := orch.ExecuteAll(context.Background(), testContext("q"), state); err != nil {
		t.Fatalf("ExecuteAll failed: %v", err)
	}
	if state.Status != models.ToolCallCompleted {
		t.Errorf("status = %q, want COMPLETED", state.Status)
	}
	if len(state.Results) != 1 || state.Results[0].Success {
		t.Fatalf("results = %+v, want one failure", state.Results)
	}
}

func TestOrchestratorToolErrorBecomesFailedResult(t *testing.T) {
	reg := newFakeToolExec()
	reg.add(models.ToolDefinition{Name: "flaky"}, func(args map[string]interface{}) (string, error) {
		return "", fmt.Errorf("backend down")
	})
	orch := NewOrchestrator(reg, nil)
	state := NewToolCallState()
	state.Detect([]models.ToolCall{toolCall("c1", "flaky", nil)})

	if err := orch.ExecuteAll(context.Background(), testContext("q"), state); err != nil {
		t.Fatalf("ExecuteAll failed: %v", err)
	}
	r := state.Results[0]
	if r.Success || r.Error != "backend down" {
		t.Errorf("result = %+v", r)
	}
	if got := r.ResultText(); got != "Error: backend down" {
		t.Errorf("ResultText = %q", got)
	}
}

func TestConversationRoundTrip(t *testing.T) {
	messages := []ConversationMessage{
		{Role: "system", Content: "be helpful"},
		{Role: "user", Content: "find my order"},
		{Role: "assistant", ToolCalls: []models.ToolCall{toolCall("c1", "order_lookup", map[string]string{"orderId": "A-1"})}},
		{Role: "tool", Content: "shipped", ToolCallID: "c1"},
	}
	serialized, err := MarshalConversation(messages)
	if err != nil {
		t.Fatalf("MarshalConversation failed: %v", err)
	}
	restored, err := UnmarshalConversation(serialized)
	if err != nil {
		t.Fatalf("UnmarshalConversation failed: %v", err)
	}
	if len(restored) != 4 || restored[2].ToolCalls[0].ID != "c1" {
		t.Errorf("restored = %+v", restored)
	}
	if got := ToOpenAIMessages(restored); len(got) != 4 {
		t.Errorf("ToOpenAIMessages produced %d params, want 4", len(got))
	}
}

func TestUnmarshalConversationEmpty(t *testing.T) {
	restored, err := UnmarshalConversation("")
	if err != nil || restored != nil {
		t.Errorf("empty snapshot should restore to nil, got %v, %v", restored, err)
	}
}
