package flow

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/BTreeMap/FlowDesk/internal/models"
)

// ExecutionContext is the per-run mutable state shared by every node in one
// graph traversal. It is created fresh per inbound turn (or per resumed
// continuation), mutated sequentially, and never shared across concurrent
// runs.
type ExecutionContext struct {
	SessionID  string `json:"sessionId"`
	WorkflowID string `json:"workflowId"`
	MessageID  string `json:"messageId,omitempty"`
	CustomerID string `json:"customerId,omitempty"`

	Query      string `json:"query"`
	LastOutput string `json:"lastOutput,omitempty"`

	Variables  map[string]string            `json:"variables,omitempty"`
	ToolParams map[string]map[string]string `json:"toolParams,omitempty"`
	// Entities backs {{entity.*}} references and entity conditions. Seeded
	// from the inbound turn payload, e.g. by an upstream NLU pass.
	Entities  map[string]string `json:"entities,omitempty"`
	Customer  map[string]string `json:"customer,omitempty"`
	EventData map[string]string `json:"eventData,omitempty"`

	Intent           string  `json:"intent,omitempty"`
	IntentID         string  `json:"intentId,omitempty"`
	IntentConfidence float64 `json:"intentConfidence,omitempty"`

	FinalReply        string `json:"finalReply,omitempty"`
	NeedHumanTransfer bool   `json:"needHumanTransfer,omitempty"`
	TransferReason    string `json:"transferReason,omitempty"`

	// NodeOutputs records each node's output for {{node.<id>}} references.
	NodeOutputs map[string]string `json:"nodeOutputs,omitempty"`

	// Records is the append-only audit trail; never read by nodes.
	Records []models.NodeExecutionRecord `json:"records,omitempty"`

	// ResumedConversation carries the restored tool-call exchange when this
	// context was rebuilt from a suspension snapshot. Empty otherwise.
	ResumedConversation string `json:"-"`
	// ResumedNodeID is the node to re-enter on resumption.
	ResumedNodeID string `json:"-"`
}

// NewExecutionContext seeds a fresh context for one inbound turn.
func NewExecutionContext(sessionID, workflowID, query string) *ExecutionContext {
	return &ExecutionContext{
		SessionID:   sessionID,
		WorkflowID:  workflowID,
		Query:       query,
		Variables:   make(map[string]string),
		ToolParams:  make(map[string]map[string]string),
		Entities:    make(map[string]string),
		Customer:    make(map[string]string),
		EventData:   make(map[string]string),
		NodeOutputs: make(map[string]string),
	}
}

// Input returns the working input for a node: the previous node's output if
// any, otherwise the original query.
func (ec *ExecutionContext) Input() string {
	if ec.LastOutput != "" {
		return ec.LastOutput
	}
	return ec.Query
}

// SetVariable stores a rolling variable.
func (ec *ExecutionContext) SetVariable(name, value string) {
	if ec.Variables == nil {
		ec.Variables = make(map[string]string)
	}
	ec.Variables[name] = value
}

// SetEntity stores one extracted entity value.
func (ec *ExecutionContext) SetEntity(name, value string) {
	if ec.Entities == nil {
		ec.Entities = make(map[string]string)
	}
	ec.Entities[name] = value
}

// Variable returns a rolling variable and whether it is set.
func (ec *ExecutionContext) Variable(name string) (string, bool) {
	v, ok := ec.Variables[name]
	return v, ok
}

// SetToolParams replaces the parameter map for a tool name. The extraction
// node only calls this once all required values are present.
func (ec *ExecutionContext) SetToolParams(toolName string, params map[string]string) {
	if ec.ToolParams == nil {
		ec.ToolParams = make(map[string]map[string]string)
	}
	ec.ToolParams[toolName] = params
}

// ToolParamsFor returns the pre-populated parameter map for a tool name.
func (ec *ExecutionContext) ToolParamsFor(toolName string) (map[string]string, bool) {
	p, ok := ec.ToolParams[toolName]
	return p, ok
}

// RecordExecution appends one node execution record to the audit trail and
// mirrors the output into the node-output namespace.
func (ec *ExecutionContext) RecordExecution(rec models.NodeExecutionRecord) {
	ec.Records = append(ec.Records, rec)
	if ec.NodeOutputs == nil {
		ec.NodeOutputs = make(map[string]string)
	}
	if rec.Output != "" {
		ec.NodeOutputs[rec.NodeID] = rec.Output
	}
}

// Snapshot serializes the context for durable suspension storage.
func (ec *ExecutionContext) Snapshot() (string, error) {
	data, err := json.Marshal(ec)
	if err != nil {
		return "", fmt.Errorf("failed to serialize execution context: %w", err)
	}
	return string(data), nil
}

// RestoreExecutionContext rebuilds a context from a suspension snapshot and
// merges in the new inbound query.
func RestoreExecutionContext(snapshot, newQuery string) (*ExecutionContext, error) {
	var ec ExecutionContext
	if err := json.Unmarshal([]byte(snapshot), &ec); err != nil {
		return nil, fmt.Errorf("failed to restore execution context: %w", err)
	}
	if ec.Variables == nil {
		ec.Variables = make(map[string]string)
	}
	if ec.ToolParams == nil {
		ec.ToolParams = make(map[string]map[string]string)
	}
	if ec.NodeOutputs == nil {
		ec.NodeOutputs = make(map[string]string)
	}
	if newQuery != "" {
		ec.Query = newQuery
	}
	return &ec, nil
}

// now is stubbed in tests.
var now = time.Now
