package flow

import (
	"context"
	"testing"
	"time"

	"github.com/BTreeMap/FlowDesk/internal/models"
)

func newTestDelayNode(t *testing.T, queue DelayQueue, cfg map[string]interface{}) Node {
	t.Helper()
	nc := models.NodeConfig{ID: "wait", Type: models.NodeTypeDelay, Config: rawConfig(t, cfg)}
	n, err := newDelayNode(nc, &Deps{Delay: queue})
	if err != nil {
		t.Fatalf("newDelayNode failed: %v", err)
	}
	return n
}

func TestDelayNodeEnqueuesTask(t *testing.T) {
	queue := &captureDelayQueue{}
	n := newTestDelayNode(t, queue, map[string]interface{}{
		"delayMinutes": 30, "inputData": "follow up on {{sys.query}}", "workflowName": "followup",
	})
	ec := testContext("my ticket")
	res, err := n.Execute(context.Background(), ec)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if len(queue.tasks) != 1 {
		t.Fatalf("enqueued %d tasks, want 1", len(queue.tasks))
	}
	task := queue.tasks[0]
	if task.SessionID != "sess-1" || task.WorkflowID != "wf-1" || task.OriginalWorkflowID != "wf-1" {
		t.Errorf("task = %+v", task)
	}
	if task.InputData != "follow up on my ticket" {
		t.Errorf("InputData = %q", task.InputData)
	}
	if queue.delays[0] != 30*time.Minute {
		t.Errorf("delay = %v", queue.delays[0])
	}
	if res.Output != "follow up on my ticket" {
		t.Errorf("Output = %q", res.Output)
	}
}

func TestDelayNodeClampsToMaximum(t *testing.T) {
	queue := &captureDelayQueue{}
	n := newTestDelayNode(t, queue, map[string]interface{}{"delayMinutes": 1500})
	if _, err := n.Execute(context.Background(), testContext("q")); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if queue.delays[0] != time.Duration(MaxDelayMinutes)*time.Minute {
		t.Errorf("delay = %v, want the 24h cap", queue.delays[0])
	}
}

func TestDelayNodeTargetsAnotherWorkflow(t *testing.T) {
	queue := &captureDelayQueue{}
	n := newTestDelayNode(t, queue, map[string]interface{}{"delayMinutes": 5, "targetWorkflowId": "wf-followup"})
	if _, err := n.Execute(context.Background(), testContext("q")); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	task := queue.tasks[0]
	if task.WorkflowID != "wf-followup" || task.OriginalWorkflowID != "wf-1" {
		t.Errorf("task = %+v", task)
	}
}

func TestDelayNodeRejectsNonPositiveDelay(t *testing.T) {
	nc := models.NodeConfig{
		ID: "wait", Type: models.NodeTypeDelay,
		Config: rawConfig(t, map[string]interface{}{"delayMinutes": 0}),
	}
	if _, err := newDelayNode(nc, &Deps{Delay: &captureDelayQueue{}}); err == nil {
		t.Error("expected an error for a non-positive delay")
	}
}
