package models

import (
	"errors"
	"testing"
)

func TestWorkflowValidate(t *testing.T) {
	valid := func() *Workflow {
		return &Workflow{
			ID: "wf-1", Name: "greeter", Enabled: true,
			Nodes: []NodeConfig{
				{ID: "start", Type: NodeTypeStart},
				{ID: "end", Type: NodeTypeEnd},
			},
			Edges: []Edge{{Source: "start", Target: "end"}},
		}
	}

	if err := valid().Validate(); err != nil {
		t.Errorf("valid workflow rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Workflow)
		want   error
	}{
		{"empty id", func(w *Workflow) { w.ID = "" }, ErrEmptyWorkflowID},
		{"no nodes", func(w *Workflow) { w.Nodes = nil }, ErrEmptyWorkflowGraph},
		{"duplicate node id", func(w *Workflow) {
			w.Nodes = append(w.Nodes, NodeConfig{ID: "end", Type: NodeTypeReply})
		}, ErrDuplicateNodeID},
		{"no start node", func(w *Workflow) {
			w.Nodes = []NodeConfig{{ID: "end", Type: NodeTypeEnd}}
			w.Edges = nil
		}, ErrMissingStartNode},
		{"dangling edge", func(w *Workflow) {
			w.Edges = append(w.Edges, Edge{Source: "end", Target: "nowhere"})
		}, ErrDanglingEdge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := valid()
			tt.mutate(w)
			if err := w.Validate(); !errors.Is(err, tt.want) {
				t.Errorf("Validate() = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestIsBranchType(t *testing.T) {
	for _, branch := range []NodeType{NodeTypeCondition, NodeTypeIntent, NodeTypeParamExtract, NodeTypeTool, NodeTypeYesNo} {
		if !IsBranchType(branch) {
			t.Errorf("IsBranchType(%q) = false", branch)
		}
	}
	for _, linear := range []NodeType{NodeTypeStart, NodeTypeReply, NodeTypeLLM, NodeTypeEnd} {
		if IsBranchType(linear) {
			t.Errorf("IsBranchType(%q) = true", linear)
		}
	}
}

func TestDelayTaskValidate(t *testing.T) {
	task := DelayTask{SessionID: "sess-1", WorkflowID: "wf-1"}
	if err := task.Validate(); err != nil {
		t.Errorf("valid task rejected: %v", err)
	}
	if err := (&DelayTask{WorkflowID: "wf-1"}).Validate(); !errors.Is(err, ErrEmptySessionID) {
		t.Errorf("missing session = %v", err)
	}
	if err := (&DelayTask{SessionID: "sess-1"}).Validate(); !errors.Is(err, ErrEmptyWorkflowID) {
		t.Errorf("missing workflow = %v", err)
	}
}

func TestRequiredParameters(t *testing.T) {
	def := ToolDefinition{
		Name: "order_lookup",
		Parameters: []ToolParameter{
			{Name: "orderId", Required: true},
			{Name: "note"},
			{Name: "customerId", Required: true},
		},
	}
	got := def.RequiredParameters()
	if len(got) != 2 || got[0] != "orderId" || got[1] != "customerId" {
		t.Errorf("RequiredParameters() = %v", got)
	}
}
