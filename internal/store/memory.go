package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/BTreeMap/FlowDesk/internal/models"
)

// InMemoryStore keeps everything in process memory. Used in tests and for
// quick local runs without a database.
type InMemoryStore struct {
	mu sync.Mutex

	workflows     map[string]*models.Workflow
	agentSessions []*models.AgentSession
	paused        map[string]*models.PausedExecution
	turns         map[string][]models.ConversationTurn
	executions    map[string][]models.NodeExecutionRecord
	metadata      map[string]map[string]string
	jobs          map[string]*Job
	knowledge     map[string][]models.KnowledgeEntry
}

var _ Store = (*InMemoryStore)(nil)

// NewInMemoryStore returns an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		workflows:  make(map[string]*models.Workflow),
		paused:     make(map[string]*models.PausedExecution),
		turns:      make(map[string][]models.ConversationTurn),
		executions: make(map[string][]models.NodeExecutionRecord),
		metadata:   make(map[string]map[string]string),
		jobs:       make(map[string]*Job),
		knowledge:  make(map[string][]models.KnowledgeEntry),
	}
}

func (s *InMemoryStore) Close() error { return nil }

// --- workflows ---

func (s *InMemoryStore) SaveWorkflow(ctx context.Context, w *models.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *w
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	cp.UpdatedAt = time.Now()
	s.workflows[w.ID] = &cp
	return nil
}

func (s *InMemoryStore) GetWorkflow(ctx context.Context, id string) (*models.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workflows[id]
	if !ok {
		return nil, models.ErrWorkflowNotFound
	}
	cp := *w
	return &cp, nil
}

func (s *InMemoryStore) GetDefaultWorkflow(ctx context.Context) (*models.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range s.workflows {
		if w.IsDefault && w.Enabled {
			cp := *w
			return &cp, nil
		}
	}
	return nil, models.ErrWorkflowNotFound
}

func (s *InMemoryStore) GetWorkflowByCategory(ctx context.Context, category string) (*models.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range s.workflows {
		if w.Category == category && w.Enabled {
			cp := *w
			return &cp, nil
		}
	}
	return nil, models.ErrWorkflowNotFound
}

func (s *InMemoryStore) ListWorkflows(ctx context.Context) ([]models.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Workflow, 0, len(s.workflows))
	for _, w := range s.workflows {
		out = append(out, *w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// --- agent sessions ---

func (s *InMemoryStore) CreateAgentSession(ctx context.Context, rec *models.AgentSession) (bool, *models.AgentSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.agentSessions {
		if existing.SessionID == rec.SessionID && existing.WorkflowID == rec.WorkflowID && !existing.Ended {
			cp := *existing
			return false, &cp, nil
		}
	}
	cp := *rec
	s.agentSessions = append(s.agentSessions, &cp)
	return true, nil, nil
}

func (s *InMemoryStore) FindActiveAgentSession(ctx context.Context, sessionID, workflowID string) (*models.AgentSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.agentSessions {
		if rec.SessionID == sessionID && rec.WorkflowID == workflowID && !rec.Ended {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *InMemoryStore) FindAnyActiveAgentSession(ctx context.Context, sessionID string) (*models.AgentSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *models.AgentSession
	for _, rec := range s.agentSessions {
		if rec.SessionID == sessionID && !rec.Ended {
			if latest == nil || rec.CreatedAt.After(latest.CreatedAt) {
				latest = rec
			}
		}
	}
	if latest == nil {
		return nil, nil
	}
	cp := *latest
	return &cp, nil
}

func (s *InMemoryStore) UpdateAgentSysPrompt(ctx context.Context, sessionID, workflowID, sysPrompt string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.agentSessions {
		if rec.SessionID == sessionID && rec.WorkflowID == workflowID && !rec.Ended {
			rec.SysPrompt = sysPrompt
		}
	}
	return nil
}

func (s *InMemoryStore) EndAgentSession(ctx context.Context, sessionID, workflowID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ended := false
	for _, rec := range s.agentSessions {
		if rec.SessionID == sessionID && rec.WorkflowID == workflowID && !rec.Ended {
			nowT := time.Now()
			rec.Ended = true
			rec.EndedAt = &nowT
			ended = true
		}
	}
	return ended, nil
}

// --- paused executions ---

func (s *InMemoryStore) SavePausedExecution(ctx context.Context, p *models.PausedExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.paused[p.SessionID] = &cp
	return nil
}

func (s *InMemoryStore) GetPausedExecution(ctx context.Context, sessionID string) (*models.PausedExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.paused[sessionID]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (s *InMemoryStore) DeletePausedExecution(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.paused, sessionID)
	return nil
}

func (s *InMemoryStore) DeleteExpiredPausedExecutions(ctx context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, p := range s.paused {
		if p.ExpiresAt.Before(before) {
			delete(s.paused, id)
			n++
		}
	}
	return n, nil
}

// --- conversation history ---

func (s *InMemoryStore) AddConversationTurn(ctx context.Context, turn *models.ConversationTurn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns[turn.SessionID] = append(s.turns[turn.SessionID], *turn)
	return nil
}

func (s *InMemoryStore) RecentConversationTurns(ctx context.Context, sessionID string, limit int) ([]models.ConversationTurn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.turns[sessionID]
	if len(all) > limit {
		all = all[len(all)-limit:]
	}
	out := make([]models.ConversationTurn, len(all))
	copy(out, all)
	return out, nil
}

// --- node executions ---

func (s *InMemoryStore) SaveNodeExecutions(ctx context.Context, sessionID, workflowID string, records []models.NodeExecutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executions[sessionID] = append(s.executions[sessionID], records...)
	return nil
}

func (s *InMemoryStore) RecentNodeExecutions(ctx context.Context, sessionID string, limit int) ([]models.NodeExecutionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.executions[sessionID]
	if len(all) > limit {
		all = all[len(all)-limit:]
	}
	out := make([]models.NodeExecutionRecord, len(all))
	copy(out, all)
	return out, nil
}

// --- session metadata ---

func (s *InMemoryStore) SetSessionMetadata(ctx context.Context, sessionID string, values map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.metadata[sessionID]
	if !ok {
		m = make(map[string]string)
		s.metadata[sessionID] = m
	}
	for k, v := range values {
		m[k] = v
	}
	return nil
}

func (s *InMemoryStore) GetSessionMetadata(ctx context.Context, sessionID string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.metadata[sessionID]))
	for k, v := range s.metadata[sessionID] {
		out[k] = v
	}
	return out, nil
}

// --- knowledge base ---

func (s *InMemoryStore) AddKnowledgeEntry(ctx context.Context, entry *models.KnowledgeEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *entry
	if cp.ID == "" {
		cp.ID = "kn_" + uuid.NewString()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	s.knowledge[cp.KnowledgeBaseID] = append(s.knowledge[cp.KnowledgeBaseID], cp)
	return nil
}

func (s *InMemoryStore) SearchKnowledge(ctx context.Context, knowledgeBaseID, query string, limit int) ([]models.KnowledgeResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return rankKnowledge(s.knowledge[knowledgeBaseID], query, limit), nil
}

// --- durable jobs ---

func (s *InMemoryStore) EnqueueJob(kind string, runAt time.Time, payloadJSON string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := "job_" + uuid.NewString()
	nowT := time.Now()
	s.jobs[id] = &Job{
		ID:          id,
		Kind:        kind,
		RunAt:       runAt,
		PayloadJSON: payloadJSON,
		Status:      JobStatusQueued,
		MaxAttempts: 3,
		CreatedAt:   nowT,
		UpdatedAt:   nowT,
	}
	return id, nil
}

func (s *InMemoryStore) ClaimDueJobs(nowT time.Time, limit int) ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*Job
	for _, j := range s.jobs {
		if j.Status == JobStatusQueued && !j.RunAt.After(nowT) {
			due = append(due, j)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].RunAt.Before(due[j].RunAt) })
	if len(due) > limit {
		due = due[:limit]
	}
	out := make([]Job, 0, len(due))
	for _, j := range due {
		j.Status = JobStatusRunning
		j.Attempt++
		j.LockedAt = &nowT
		j.UpdatedAt = nowT
		out = append(out, *j)
	}
	return out, nil
}

func (s *InMemoryStore) CompleteJob(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[id]; ok {
		j.Status = JobStatusDone
		j.UpdatedAt = time.Now()
	}
	return nil
}

func (s *InMemoryStore) FailJob(id string, errMsg string, nextRunAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil
	}
	j.LastError = errMsg
	j.UpdatedAt = time.Now()
	if j.Attempt < j.MaxAttempts {
		j.Status = JobStatusQueued
		j.RunAt = nextRunAt
		j.LockedAt = nil
	} else {
		j.Status = JobStatusFailed
	}
	return nil
}

func (s *InMemoryStore) CancelJob(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[id]; ok {
		j.Status = JobStatusCanceled
		j.UpdatedAt = time.Now()
	}
	return nil
}

func (s *InMemoryStore) RequeueStaleRunningJobs(staleBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, j := range s.jobs {
		if j.Status == JobStatusRunning && j.LockedAt != nil && j.LockedAt.Before(staleBefore) {
			j.Status = JobStatusQueued
			j.LockedAt = nil
			j.UpdatedAt = time.Now()
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) PurgeFinishedJobs(before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, j := range s.jobs {
		if (j.Status == JobStatusDone || j.Status == JobStatusCanceled) && j.UpdatedAt.Before(before) {
			delete(s.jobs, id)
			n++
		}
	}
	return n, nil
}
