package flow

import (
	"context"
	"fmt"
	"testing"

	"github.com/BTreeMap/FlowDesk/internal/models"
)

func newTestToolNode(t *testing.T, reg *fakeToolExec, toolName string) Node {
	t.Helper()
	nc := models.NodeConfig{
		ID: "tool", Type: models.NodeTypeTool,
		Config: rawConfig(t, map[string]string{"toolName": toolName}),
	}
	n, err := newToolNode(nc, &Deps{Tools: reg})
	if err != nil {
		t.Fatalf("newToolNode failed: %v", err)
	}
	return n
}

func TestToolNodeExecutesWithParams(t *testing.T) {
	reg := newFakeToolExec()
	reg.add(orderLookupDef(), func(args map[string]interface{}) (string, error) {
		return "order " + args["orderId"].(string) + " shipped", nil
	})
	n := newTestToolNode(t, reg, "order_lookup")
	ec := testContext("q")
	ec.SetToolParams("order_lookup", map[string]string{"orderId": "A-1"})

	res, err := n.Execute(context.Background(), ec)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if res.RouteKey != models.RouteExecuted || res.Output != "order A-1 shipped" {
		t.Errorf("result = %+v", res)
	}
}

func TestToolNodeSkipsWithoutParams(t *testing.T) {
	reg := newFakeToolExec()
	reg.add(orderLookupDef(), func(args map[string]interface{}) (string, error) {
		t.Fatal("tool must not run without extracted parameters")
		return "", nil
	})
	n := newTestToolNode(t, reg, "order_lookup")

	res, err := n.Execute(context.Background(), testContext("q"))
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if res.RouteKey != models.RouteNotExecuted {
		t.Errorf("RouteKey = %q, want not_executed", res.RouteKey)
	}
	if reg.executeCount() != 0 {
		t.Errorf("tool executed %d times, want 0", reg.executeCount())
	}
}

func TestToolNodeSkipsOnBlankRequiredParam(t *testing.T) {
	reg := newFakeToolExec()
	reg.add(orderLookupDef(), func(args map[string]interface{}) (string, error) {
		t.Fatal("tool must not run with a blank required parameter")
		return "", nil
	})
	n := newTestToolNode(t, reg, "order_lookup")
	ec := testContext("q")
	ec.SetToolParams("order_lookup", map[string]string{"orderId": "  "})

	res, err := n.Execute(context.Background(), ec)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if res.RouteKey != models.RouteNotExecuted {
		t.Errorf("RouteKey = %q, want not_executed", res.RouteKey)
	}
}

func TestToolNodeUnregisteredTool(t *testing.T) {
	n := newTestToolNode(t, newFakeToolExec(), "ghost")
	res, err := n.Execute(context.Background(), testContext("q"))
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if res.RouteKey != models.RouteNotExecuted {
		t.Errorf("RouteKey = %q, want not_executed", res.RouteKey)
	}
}

func TestToolNodeFailureStillRoutesExecuted(t *testing.T) {
	reg := newFakeToolExec()
	reg.add(orderLookupDef(), func(args map[string]interface{}) (string, error) {
		return "", fmt.Errorf("backend down")
	})
	n := newTestToolNode(t, reg, "order_lookup")
	ec := testContext("q")
	ec.SetToolParams("order_lookup", map[string]string{"orderId": "A-1"})

	res, err := n.Execute(context.Background(), ec)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if res.RouteKey != models.RouteExecuted {
		t.Errorf("RouteKey = %q, want executed even on tool failure", res.RouteKey)
	}
	if res.Output != "error: backend down" {
		t.Errorf("Output = %q", res.Output)
	}
}

func TestToolNodeRequiresToolName(t *testing.T) {
	nc := models.NodeConfig{ID: "tool", Type: models.NodeTypeTool}
	if _, err := newToolNode(nc, &Deps{Tools: newFakeToolExec()}); err == nil {
		t.Error("expected an error without toolName")
	}
}
