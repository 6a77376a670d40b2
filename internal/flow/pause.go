package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/FlowDesk/internal/models"
)

// PauseTTL is how long a suspension snapshot stays resumable.
const PauseTTL = 30 * time.Minute

// PauseService persists suspension snapshots and rebuilds contexts from
// them. A new suspension for a session replaces the previous one.
type PauseService struct {
	store PauseStore
}

// NewPauseService creates the service over a pause store.
func NewPauseService(store PauseStore) *PauseService {
	return &PauseService{store: store}
}

// Suspend persists the snapshot taken by the runner, stamping creation and
// expiry times.
func (s *PauseService) Suspend(ctx context.Context, p *models.PausedExecution) error {
	p.CreatedAt = now()
	p.ExpiresAt = p.CreatedAt.Add(PauseTTL)
	if err := s.store.SavePausedExecution(ctx, p); err != nil {
		return fmt.Errorf("failed to persist suspension snapshot: %w", err)
	}
	slog.Info("flow.PauseService.Suspend: snapshot saved", "sessionID", p.SessionID, "workflowID", p.WorkflowID, "node", p.NodeID)
	return nil
}

// Resume loads a session's snapshot, rebuilds the execution context with the
// new inbound query, and consumes the snapshot. An expired snapshot is
// deleted and reported as ErrSnapshotExpired.
func (s *PauseService) Resume(ctx context.Context, sessionID, newQuery string) (*models.PausedExecution, *ExecutionContext, error) {
	p, err := s.store.GetPausedExecution(ctx, sessionID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load suspension snapshot: %w", err)
	}
	if p == nil {
		return nil, nil, models.ErrSnapshotNotFound
	}
	if p.Expired(now()) {
		slog.Debug("flow.PauseService.Resume: snapshot expired", "sessionID", sessionID)
		if derr := s.store.DeletePausedExecution(ctx, sessionID); derr != nil {
			slog.Warn("flow.PauseService.Resume: failed to delete expired snapshot", "error", derr)
		}
		return nil, nil, models.ErrSnapshotExpired
	}

	ec, err := RestoreExecutionContext(p.ContextJSON, newQuery)
	if err != nil {
		return nil, nil, err
	}
	ec.ResumedConversation = p.ConversationJSON
	ec.ResumedNodeID = p.NodeID

	if err := s.store.DeletePausedExecution(ctx, sessionID); err != nil {
		slog.Warn("flow.PauseService.Resume: failed to consume snapshot", "error", err, "sessionID", sessionID)
	}
	slog.Info("flow.PauseService.Resume: snapshot resumed", "sessionID", sessionID, "workflowID", p.WorkflowID, "node", p.NodeID)
	return p, ec, nil
}

// HasResumable reports whether the session has a live snapshot.
func (s *PauseService) HasResumable(ctx context.Context, sessionID string) bool {
	p, err := s.store.GetPausedExecution(ctx, sessionID)
	if err != nil || p == nil {
		return false
	}
	return !p.Expired(now())
}

// IsNotResumable reports whether err means there was nothing to resume, as
// opposed to an infrastructure failure.
func IsNotResumable(err error) bool {
	return errors.Is(err, models.ErrSnapshotNotFound) || errors.Is(err, models.ErrSnapshotExpired)
}
