// Package models defines the core data structures for FlowDesk.
//
// It includes workflow graph definitions, execution records, tool call
// types, and agent session records shared across modules.
package models

import (
	"encoding/json"
	"errors"
	"time"
)

// NodeType identifies the behavior of a workflow node.
type NodeType string

const (
	// Step nodes: single outgoing edge, output flows to the next node.
	NodeTypeStart          NodeType = "start"
	NodeTypeEnd            NodeType = "end"
	NodeTypeReply          NodeType = "reply"
	NodeTypeVariable       NodeType = "variable"
	NodeTypeAPI            NodeType = "api"
	NodeTypeKnowledge      NodeType = "knowledge"
	NodeTypeTranslation    NodeType = "translation"
	NodeTypeSetMetadata    NodeType = "set_metadata"
	NodeTypeImageTextSplit NodeType = "image_text_split"
	NodeTypeHumanTransfer  NodeType = "human_transfer"
	NodeTypeLLM            NodeType = "llm"
	NodeTypeAgent          NodeType = "agent"
	NodeTypeFlow           NodeType = "flow"
	NodeTypeFlowUpdate     NodeType = "flow_update"
	NodeTypeAgentEnd       NodeType = "agent_end"
	NodeTypeDelay          NodeType = "delay"

	// Branch nodes: execution yields a route key selecting the next node.
	NodeTypeCondition    NodeType = "condition"
	NodeTypeIntent       NodeType = "intent"
	NodeTypeParamExtract NodeType = "parameter_extraction"
	NodeTypeTool         NodeType = "tool"
	NodeTypeYesNo        NodeType = "yes_no"
)

// RouteDefault is the fallback route key every branch node must resolve.
const RouteDefault = "default"

// Common branch route keys.
const (
	RouteTrue        = "true"
	RouteFalse       = "false"
	RouteSuccess     = "success"
	RouteIncomplete  = "incomplete"
	RouteExecuted    = "executed"
	RouteNotExecuted = "not_executed"
	RouteYes         = "YES"
	RouteNo          = "NO"
)

// Error variables for graph validation and lookup.
var (
	ErrWorkflowNotFound   = errors.New("workflow not found")
	ErrWorkflowDisabled   = errors.New("workflow is disabled")
	ErrMissingStartNode   = errors.New("workflow has no start node")
	ErrDuplicateNodeID    = errors.New("duplicate node id")
	ErrDanglingEdge       = errors.New("edge references unknown node")
	ErrUnknownNodeType    = errors.New("unknown node type")
	ErrNoOutgoingEdge     = errors.New("step node has no outgoing edge")
	ErrUnresolvableRoute  = errors.New("route key cannot be resolved")
	ErrEmptyWorkflowID    = errors.New("workflow id cannot be empty")
	ErrEmptyWorkflowGraph = errors.New("workflow graph has no nodes")
)

// NodeConfig is one node of a workflow graph. Config holds the type-specific
// settings as raw JSON; each node type decodes it into its own struct when
// the graph is compiled.
type NodeConfig struct {
	ID     string          `json:"id"`
	Type   NodeType        `json:"type"`
	Label  string          `json:"label,omitempty"`
	Config json.RawMessage `json:"config,omitempty"`
}

// Edge connects two nodes. RouteKey is ignored for step nodes and matched
// against the source node's returned route for branch nodes.
type Edge struct {
	Source   string `json:"source"`
	Target   string `json:"target"`
	RouteKey string `json:"routeKey,omitempty"`
}

// Workflow is one configured graph as stored. Nodes and Edges are immutable
// after load; the flow package compiles them into a runnable form.
type Workflow struct {
	ID        string       `json:"id"`
	Name      string       `json:"name"`
	Category  string       `json:"category,omitempty"`
	Enabled   bool         `json:"enabled"`
	IsDefault bool         `json:"isDefault,omitempty"`
	Nodes     []NodeConfig `json:"nodes"`
	Edges     []Edge       `json:"edges"`
	CreatedAt time.Time    `json:"createdAt,omitempty"`
	UpdatedAt time.Time    `json:"updatedAt,omitempty"`
}

// Validate checks the structural invariants that do not require compiling
// the graph: non-empty id, at least one node, unique node ids, edges that
// reference declared nodes.
func (w *Workflow) Validate() error {
	if w.ID == "" {
		return ErrEmptyWorkflowID
	}
	if len(w.Nodes) == 0 {
		return ErrEmptyWorkflowGraph
	}
	seen := make(map[string]bool, len(w.Nodes))
	hasStart := false
	for _, n := range w.Nodes {
		if seen[n.ID] {
			return ErrDuplicateNodeID
		}
		seen[n.ID] = true
		if n.Type == NodeTypeStart {
			hasStart = true
		}
	}
	if !hasStart {
		return ErrMissingStartNode
	}
	for _, e := range w.Edges {
		if !seen[e.Source] || !seen[e.Target] {
			return ErrDanglingEdge
		}
	}
	return nil
}

// IsBranchType reports whether the node type resolves a route key instead of
// following a single outgoing edge.
func IsBranchType(t NodeType) bool {
	switch t {
	case NodeTypeCondition, NodeTypeIntent, NodeTypeParamExtract, NodeTypeTool, NodeTypeYesNo:
		return true
	}
	return false
}
