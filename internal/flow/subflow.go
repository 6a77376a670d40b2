package flow

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/BTreeMap/FlowDesk/internal/models"
)

// AgentSessionManager owns the sub-flow takeover records: one non-ended
// record per (session, target workflow) lets the target graph own the
// session's turns until an explicit end. Uniqueness under concurrent
// delegation is enforced by the backing store.
type AgentSessionManager struct {
	store AgentSessionStore
}

// NewAgentSessionManager creates the manager over a session store.
func NewAgentSessionManager(store AgentSessionStore) *AgentSessionManager {
	return &AgentSessionManager{store: store}
}

// DelegateOutcome reports what Delegate did.
type DelegateOutcome struct {
	Created bool
	Session *models.AgentSession
}

// Delegate creates the takeover record for (sessionID, workflowID) if no
// active one exists. Idempotent: a live record short-circuits with
// Created=false and the existing record.
func (m *AgentSessionManager) Delegate(ctx context.Context, sessionID, workflowID, sysPrompt string) (*DelegateOutcome, error) {
	record := &models.AgentSession{
		ID:         uuid.NewString(),
		SessionID:  sessionID,
		WorkflowID: workflowID,
		SysPrompt:  sysPrompt,
		CreatedAt:  now(),
	}
	created, existing, err := m.store.CreateAgentSession(ctx, record)
	if err != nil {
		return nil, fmt.Errorf("failed to create agent session: %w", err)
	}
	if !created {
		slog.Debug("flow.AgentSessionManager.Delegate: already delegated", "sessionID", sessionID, "workflowID", workflowID)
		return &DelegateOutcome{Created: false, Session: existing}, nil
	}
	slog.Info("flow.AgentSessionManager.Delegate: session delegated", "sessionID", sessionID, "workflowID", workflowID)
	return &DelegateOutcome{Created: true, Session: record}, nil
}

// Update mutates the stored seed value. Mode "replace" overwrites, "append"
// concatenates with a newline.
func (m *AgentSessionManager) Update(ctx context.Context, sessionID, workflowID, value, mode string) error {
	active, err := m.store.FindActiveAgentSession(ctx, sessionID, workflowID)
	if err != nil {
		return fmt.Errorf("failed to look up agent session: %w", err)
	}
	if active == nil {
		return fmt.Errorf("no active takeover for session %s and workflow %s: %w", sessionID, workflowID, models.ErrAgentSessionEnded)
	}
	next := value
	if mode == "append" && active.SysPrompt != "" {
		next = active.SysPrompt + "\n" + value
	}
	if err := m.store.UpdateAgentSysPrompt(ctx, sessionID, workflowID, next); err != nil {
		return fmt.Errorf("failed to update agent session: %w", err)
	}
	slog.Debug("flow.AgentSessionManager.Update: sys prompt updated", "sessionID", sessionID, "workflowID", workflowID, "mode", mode)
	return nil
}

// End closes the active record. Idempotent: ending a session with no active
// record logs and no-ops.
func (m *AgentSessionManager) End(ctx context.Context, sessionID, workflowID string) error {
	ended, err := m.store.EndAgentSession(ctx, sessionID, workflowID)
	if err != nil {
		return fmt.Errorf("failed to end agent session: %w", err)
	}
	if !ended {
		slog.Debug("flow.AgentSessionManager.End: no active session to end", "sessionID", sessionID, "workflowID", workflowID)
		return nil
	}
	slog.Info("flow.AgentSessionManager.End: session ended", "sessionID", sessionID, "workflowID", workflowID)
	return nil
}

// FindActive returns a session's live takeover record for a target workflow.
func (m *AgentSessionManager) FindActive(ctx context.Context, sessionID, workflowID string) (*models.AgentSession, error) {
	return m.store.FindActiveAgentSession(ctx, sessionID, workflowID)
}

// FindAnyActive returns a session's live takeover record regardless of the
// target, for dispatch decisions.
func (m *AgentSessionManager) FindAnyActive(ctx context.Context, sessionID string) (*models.AgentSession, error) {
	return m.store.FindAnyActiveAgentSession(ctx, sessionID)
}
