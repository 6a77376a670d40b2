// Package flow implements the workflow execution engine: the node type
// registry, compiled graph routing, the execution runner, the tool-call
// orchestrator, agent sub-flow takeover, and suspension/resumption.
package flow

import (
	"context"
	"time"

	"github.com/BTreeMap/FlowDesk/internal/models"
)

// WorkflowStore loads graph definitions.
type WorkflowStore interface {
	GetWorkflow(ctx context.Context, id string) (*models.Workflow, error)
	GetDefaultWorkflow(ctx context.Context) (*models.Workflow, error)
	GetWorkflowByCategory(ctx context.Context, category string) (*models.Workflow, error)
}

// AgentSessionStore persists sub-flow takeover records. CreateAgentSession
// must enforce at most one non-ended record per (sessionID, workflowID); when
// a live record already exists it returns created=false and that record.
type AgentSessionStore interface {
	CreateAgentSession(ctx context.Context, s *models.AgentSession) (created bool, existing *models.AgentSession, err error)
	FindActiveAgentSession(ctx context.Context, sessionID, workflowID string) (*models.AgentSession, error)
	FindAnyActiveAgentSession(ctx context.Context, sessionID string) (*models.AgentSession, error)
	UpdateAgentSysPrompt(ctx context.Context, sessionID, workflowID, sysPrompt string) error
	EndAgentSession(ctx context.Context, sessionID, workflowID string) (bool, error)
}

// PauseStore persists suspension snapshots. SavePausedExecution replaces any
// previous snapshot for the same session.
type PauseStore interface {
	SavePausedExecution(ctx context.Context, p *models.PausedExecution) error
	GetPausedExecution(ctx context.Context, sessionID string) (*models.PausedExecution, error)
	DeletePausedExecution(ctx context.Context, sessionID string) error
}

// HistoryStore persists conversation turns for history-seeded LLM calls.
type HistoryStore interface {
	AddConversationTurn(ctx context.Context, turn *models.ConversationTurn) error
	RecentConversationTurns(ctx context.Context, sessionID string, limit int) ([]models.ConversationTurn, error)
}

// ExecutionLogStore persists per-node execution records for audit.
type ExecutionLogStore interface {
	SaveNodeExecutions(ctx context.Context, sessionID, workflowID string, records []models.NodeExecutionRecord) error
	RecentNodeExecutions(ctx context.Context, sessionID string, limit int) ([]models.NodeExecutionRecord, error)
}

// KnowledgeStore searches a knowledge base. The backing implementation is a
// collaborator; the engine only consumes ranked text results.
type KnowledgeStore interface {
	SearchKnowledge(ctx context.Context, knowledgeBaseID, query string, limit int) ([]models.KnowledgeResult, error)
}

// MetadataStore persists session metadata extracted by the set-metadata node.
type MetadataStore interface {
	SetSessionMetadata(ctx context.Context, sessionID string, values map[string]string) error
}

// DelayQueue hands a serialized resume-later task to a durable queue.
type DelayQueue interface {
	Enqueue(ctx context.Context, task models.DelayTask, delay time.Duration) error
}

// MessagingService delivers an outbound reply for a session. Channel
// adapters implement it; the engine only produces the text.
type MessagingService interface {
	SendMessage(ctx context.Context, sessionID, body string) error
}

// EscalationNotifier alerts a human operator when a run requests transfer.
type EscalationNotifier interface {
	NotifyTransfer(ctx context.Context, sessionID, reason string) error
}

// SubflowRunner runs a target workflow synchronously on behalf of a
// delegation node. Implemented by the dispatch service; declared here so
// nodes do not depend on it directly.
type SubflowRunner interface {
	RunWorkflow(ctx context.Context, workflowID, sessionID, input string) (*RunResult, error)
}
