package models

import (
	"encoding/json"
	"errors"
	"time"
)

// Error variables for execution bookkeeping.
var (
	ErrEmptySessionID    = errors.New("session id cannot be empty")
	ErrSnapshotExpired   = errors.New("paused execution snapshot has expired")
	ErrSnapshotNotFound  = errors.New("no paused execution for session")
	ErrAgentSessionEnded = errors.New("agent session already ended")
)

// NodeExecutionRecord captures one node invocation for audit and debugging.
// Records are append-only and never read back by subsequent nodes.
type NodeExecutionRecord struct {
	NodeID    string    `json:"nodeId"`
	NodeType  NodeType  `json:"nodeType"`
	Label     string    `json:"label,omitempty"`
	Input     string    `json:"input,omitempty"`
	Output    string    `json:"output,omitempty"`
	RouteKey  string    `json:"routeKey,omitempty"`
	StartedAt time.Time `json:"startedAt"`
	EndedAt   time.Time `json:"endedAt"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
}

// ConversationRole identifies who produced a stored conversation turn.
type ConversationRole string

const (
	RoleUser      ConversationRole = "user"
	RoleAssistant ConversationRole = "assistant"
	RoleSystem    ConversationRole = "system"
	RoleTool      ConversationRole = "tool"
)

// ConversationTurn is one persisted message in a session's history. Tool
// turns carry the originating call id so history replay can rebuild the
// exchange for the model.
type ConversationTurn struct {
	SessionID  string           `json:"sessionId"`
	Role       ConversationRole `json:"role"`
	Content    string           `json:"content"`
	ToolCallID string           `json:"toolCallId,omitempty"`
	ToolCalls  json.RawMessage  `json:"toolCalls,omitempty"`
	CreatedAt  time.Time        `json:"createdAt"`
}

// PausedExecution is the durable snapshot taken when a run suspends while
// waiting for user input. ContextJSON holds the serialized execution context
// and ConversationJSON the tool-call exchange built so far, so a later turn
// can rebuild both and resume at the suspended node.
type PausedExecution struct {
	SessionID        string    `json:"sessionId"`
	WorkflowID       string    `json:"workflowId"`
	NodeID           string    `json:"nodeId"`
	ContextJSON      string    `json:"contextJson"`
	ConversationJSON string    `json:"conversationJson,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
	ExpiresAt        time.Time `json:"expiresAt"`
}

// Expired reports whether the snapshot is past its expiry at the given time.
func (p *PausedExecution) Expired(now time.Time) bool {
	return now.After(p.ExpiresAt)
}

// AgentSession is the durable takeover record binding a chat session to a
// target workflow. At most one non-ended record may exist per
// (SessionID, WorkflowID) pair; the store enforces this with a uniqueness
// constraint.
type AgentSession struct {
	ID         string     `json:"id"`
	SessionID  string     `json:"sessionId"`
	WorkflowID string     `json:"workflowId"`
	SysPrompt  string     `json:"sysPrompt,omitempty"`
	Ended      bool       `json:"ended"`
	EndedAt    *time.Time `json:"endedAt,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
}

// DelayTask is the queue message produced by a delay node and consumed later
// to re-enter the target workflow.
type DelayTask struct {
	SessionID          string `json:"sessionId"`
	WorkflowID         string `json:"workflowId"`
	WorkflowName       string `json:"workflowName"`
	InputData          string `json:"inputData"`
	OriginalWorkflowID string `json:"originalWorkflowId,omitempty"`
}

// Validate checks the fields the delay consumer depends on.
func (t *DelayTask) Validate() error {
	if t.SessionID == "" {
		return ErrEmptySessionID
	}
	if t.WorkflowID == "" {
		return ErrEmptyWorkflowID
	}
	return nil
}
