// Package store provides storage backends for FlowDesk.
//
// It persists workflow definitions, agent takeover sessions, suspension
// snapshots, conversation history, node execution logs, and the durable
// delay-job queue, with SQLite and PostgreSQL implementations behind one
// interface.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/BTreeMap/FlowDesk/internal/models"
)

// Common store errors.
var (
	ErrDSNNotSet = errors.New("database DSN not set")
	ErrNotFound  = errors.New("record not found")
)

// JobStatus is the lifecycle state of a durable delay job.
type JobStatus string

const (
	JobStatusQueued   JobStatus = "queued"
	JobStatusRunning  JobStatus = "running"
	JobStatusDone     JobStatus = "done"
	JobStatusFailed   JobStatus = "failed"
	JobStatusCanceled JobStatus = "canceled"
)

// Job is one durable queue entry. RunAt carries the delay; a claimed job
// that is neither completed nor failed is requeued after the stale
// threshold, which gives the queue its redelivery semantics.
type Job struct {
	ID          string     `json:"id"`
	Kind        string     `json:"kind"`
	RunAt       time.Time  `json:"runAt"`
	PayloadJSON string     `json:"payloadJson"`
	Status      JobStatus  `json:"status"`
	Attempt     int        `json:"attempt"`
	MaxAttempts int        `json:"maxAttempts"`
	LastError   string     `json:"lastError,omitempty"`
	LockedAt    *time.Time `json:"lockedAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// JobRepo is the durable queue surface consumed by the job runner.
type JobRepo interface {
	// EnqueueJob inserts a job to run no earlier than runAt.
	EnqueueJob(kind string, runAt time.Time, payloadJSON string) (string, error)
	// ClaimDueJobs atomically marks up to limit due queued jobs as running
	// and returns them.
	ClaimDueJobs(now time.Time, limit int) ([]Job, error)
	// CompleteJob acknowledges a job after successful processing.
	CompleteJob(id string) error
	// FailJob records a transient failure and schedules redelivery at
	// nextRunAt while attempts remain; otherwise the job is parked failed.
	FailJob(id string, errMsg string, nextRunAt time.Time) error
	// CancelJob acknowledges a job that must never be retried, such as one
	// whose target workflow no longer exists.
	CancelJob(id string) error
	// RequeueStaleRunningJobs returns crashed claims to the queue.
	RequeueStaleRunningJobs(staleBefore time.Time) (int, error)
	// PurgeFinishedJobs deletes done/canceled jobs older than before.
	PurgeFinishedJobs(before time.Time) (int, error)
}

// Store is the full persistence surface. Both SQL backends implement it;
// the in-memory store backs tests.
type Store interface {
	JobRepo

	// Workflows.
	SaveWorkflow(ctx context.Context, w *models.Workflow) error
	GetWorkflow(ctx context.Context, id string) (*models.Workflow, error)
	GetDefaultWorkflow(ctx context.Context) (*models.Workflow, error)
	GetWorkflowByCategory(ctx context.Context, category string) (*models.Workflow, error)
	ListWorkflows(ctx context.Context) ([]models.Workflow, error)

	// Agent takeover sessions.
	CreateAgentSession(ctx context.Context, s *models.AgentSession) (created bool, existing *models.AgentSession, err error)
	FindActiveAgentSession(ctx context.Context, sessionID, workflowID string) (*models.AgentSession, error)
	FindAnyActiveAgentSession(ctx context.Context, sessionID string) (*models.AgentSession, error)
	UpdateAgentSysPrompt(ctx context.Context, sessionID, workflowID, sysPrompt string) error
	EndAgentSession(ctx context.Context, sessionID, workflowID string) (bool, error)

	// Suspension snapshots.
	SavePausedExecution(ctx context.Context, p *models.PausedExecution) error
	GetPausedExecution(ctx context.Context, sessionID string) (*models.PausedExecution, error)
	DeletePausedExecution(ctx context.Context, sessionID string) error
	DeleteExpiredPausedExecutions(ctx context.Context, before time.Time) (int, error)

	// Conversation history.
	AddConversationTurn(ctx context.Context, turn *models.ConversationTurn) error
	RecentConversationTurns(ctx context.Context, sessionID string, limit int) ([]models.ConversationTurn, error)

	// Node execution audit log.
	SaveNodeExecutions(ctx context.Context, sessionID, workflowID string, records []models.NodeExecutionRecord) error
	RecentNodeExecutions(ctx context.Context, sessionID string, limit int) ([]models.NodeExecutionRecord, error)

	// Session metadata.
	SetSessionMetadata(ctx context.Context, sessionID string, values map[string]string) error
	GetSessionMetadata(ctx context.Context, sessionID string) (map[string]string, error)

	// Knowledge base.
	AddKnowledgeEntry(ctx context.Context, entry *models.KnowledgeEntry) error
	SearchKnowledge(ctx context.Context, knowledgeBaseID, query string, limit int) ([]models.KnowledgeResult, error)

	Close() error
}

// Opts holds store configuration.
type Opts struct {
	DSN string
}

// Option configures a store backend.
type Option func(*Opts)

// WithDSN sets the database DSN: a postgres:// URL selects PostgreSQL,
// anything else is treated as an SQLite file path.
func WithDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// IsPostgresDSN reports whether the DSN targets PostgreSQL.
func IsPostgresDSN(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=")
}

// NewStore opens the backend matching the DSN.
func NewStore(opts ...Option) (Store, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		return nil, ErrDSNNotSet
	}
	if IsPostgresDSN(cfg.DSN) {
		return NewPostgresStore(opts...)
	}
	return NewSQLiteStore(opts...)
}
