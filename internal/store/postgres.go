// PostgreSQL-backed implementation of the Store interface.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/BTreeMap/FlowDesk/internal/models"
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore persists everything in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore connects with the DSN and applies migrations.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, ErrDSNNotSet
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		slog.Error("PostgresStore failed to open connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	if _, err := db.Exec(postgresMigrations); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("PostgresStore ready")
	return &PostgresStore{db: db}, nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// --- workflows ---

func (s *PostgresStore) SaveWorkflow(ctx context.Context, w *models.Workflow) error {
	nodes, err := json.Marshal(w.Nodes)
	if err != nil {
		return fmt.Errorf("failed to encode workflow nodes: %w", err)
	}
	edges, err := json.Marshal(w.Edges)
	if err != nil {
		return fmt.Errorf("failed to encode workflow edges: %w", err)
	}
	nowT := time.Now()
	_, err = s.db.ExecContext(ctx, `INSERT INTO workflows (id, name, category, enabled, is_default, nodes_json, edges_json, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET name=EXCLUDED.name, category=EXCLUDED.category, enabled=EXCLUDED.enabled,
			is_default=EXCLUDED.is_default, nodes_json=EXCLUDED.nodes_json, edges_json=EXCLUDED.edges_json, updated_at=EXCLUDED.updated_at`,
		w.ID, w.Name, w.Category, w.Enabled, w.IsDefault, string(nodes), string(edges), nowT, nowT)
	if err != nil {
		slog.Error("PostgresStore.SaveWorkflow failed", "error", err, "id", w.ID)
		return fmt.Errorf("failed to save workflow %s: %w", w.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetWorkflow(ctx context.Context, id string) (*models.Workflow, error) {
	return s.scanWorkflow(s.db.QueryRowContext(ctx,
		`SELECT id, name, category, enabled, is_default, nodes_json, edges_json, created_at, updated_at FROM workflows WHERE id = $1`, id))
}

func (s *PostgresStore) GetDefaultWorkflow(ctx context.Context) (*models.Workflow, error) {
	return s.scanWorkflow(s.db.QueryRowContext(ctx,
		`SELECT id, name, category, enabled, is_default, nodes_json, edges_json, created_at, updated_at
		 FROM workflows WHERE is_default AND enabled LIMIT 1`))
}

func (s *PostgresStore) GetWorkflowByCategory(ctx context.Context, category string) (*models.Workflow, error) {
	return s.scanWorkflow(s.db.QueryRowContext(ctx,
		`SELECT id, name, category, enabled, is_default, nodes_json, edges_json, created_at, updated_at
		 FROM workflows WHERE category = $1 AND enabled LIMIT 1`, category))
}

func (s *PostgresStore) ListWorkflows(ctx context.Context) ([]models.Workflow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, category, enabled, is_default, nodes_json, edges_json, created_at, updated_at FROM workflows ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}
	defer rows.Close()
	var out []models.Workflow
	for rows.Next() {
		w, err := s.scanWorkflowRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *w)
	}
	return out, rows.Err()
}

func (s *PostgresStore) scanWorkflow(row *sql.Row) (*models.Workflow, error) {
	w, err := s.scanWorkflowRow(row)
	if err == sql.ErrNoRows {
		return nil, models.ErrWorkflowNotFound
	}
	return w, err
}

func (s *PostgresStore) scanWorkflowRow(row rowScanner) (*models.Workflow, error) {
	var w models.Workflow
	var nodes, edges string
	if err := row.Scan(&w.ID, &w.Name, &w.Category, &w.Enabled, &w.IsDefault, &nodes, &edges, &w.CreatedAt, &w.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(nodes), &w.Nodes); err != nil {
		return nil, fmt.Errorf("failed to decode workflow nodes: %w", err)
	}
	if err := json.Unmarshal([]byte(edges), &w.Edges); err != nil {
		return nil, fmt.Errorf("failed to decode workflow edges: %w", err)
	}
	return &w, nil
}

// --- agent sessions ---

// CreateAgentSession relies on the partial unique index over live records:
// the loser of a concurrent delegation observes the winner's record instead
// of inserting a second one.
func (s *PostgresStore) CreateAgentSession(ctx context.Context, rec *models.AgentSession) (bool, *models.AgentSession, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO agent_sessions (id, session_id, workflow_id, sys_prompt, ended, created_at)
		VALUES ($1, $2, $3, $4, FALSE, $5)
		ON CONFLICT (session_id, workflow_id) WHERE NOT ended DO NOTHING`,
		rec.ID, rec.SessionID, rec.WorkflowID, rec.SysPrompt, rec.CreatedAt)
	if err != nil {
		return false, nil, fmt.Errorf("failed to insert agent session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, nil, err
	}
	if affected == 1 {
		return true, nil, nil
	}
	existing, err := s.FindActiveAgentSession(ctx, rec.SessionID, rec.WorkflowID)
	if err != nil {
		return false, nil, err
	}
	return false, existing, nil
}

func (s *PostgresStore) FindActiveAgentSession(ctx context.Context, sessionID, workflowID string) (*models.AgentSession, error) {
	return scanAgentSession(s.db.QueryRowContext(ctx,
		`SELECT id, session_id, workflow_id, sys_prompt, ended, ended_at, created_at
		 FROM agent_sessions WHERE session_id = $1 AND workflow_id = $2 AND NOT ended`, sessionID, workflowID))
}

func (s *PostgresStore) FindAnyActiveAgentSession(ctx context.Context, sessionID string) (*models.AgentSession, error) {
	return scanAgentSession(s.db.QueryRowContext(ctx,
		`SELECT id, session_id, workflow_id, sys_prompt, ended, ended_at, created_at
		 FROM agent_sessions WHERE session_id = $1 AND NOT ended ORDER BY created_at DESC LIMIT 1`, sessionID))
}

func (s *PostgresStore) UpdateAgentSysPrompt(ctx context.Context, sessionID, workflowID, sysPrompt string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE agent_sessions SET sys_prompt = $1 WHERE session_id = $2 AND workflow_id = $3 AND NOT ended`,
		sysPrompt, sessionID, workflowID)
	if err != nil {
		return fmt.Errorf("failed to update agent session: %w", err)
	}
	return nil
}

func (s *PostgresStore) EndAgentSession(ctx context.Context, sessionID, workflowID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE agent_sessions SET ended = TRUE, ended_at = $1 WHERE session_id = $2 AND workflow_id = $3 AND NOT ended`,
		time.Now(), sessionID, workflowID)
	if err != nil {
		return false, fmt.Errorf("failed to end agent session: %w", err)
	}
	affected, err := res.RowsAffected()
	return affected > 0, err
}

// --- paused executions ---

func (s *PostgresStore) SavePausedExecution(ctx context.Context, p *models.PausedExecution) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO paused_executions (session_id, workflow_id, node_id, context_json, conversation_json, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (session_id) DO UPDATE SET workflow_id=EXCLUDED.workflow_id, node_id=EXCLUDED.node_id,
			context_json=EXCLUDED.context_json, conversation_json=EXCLUDED.conversation_json,
			created_at=EXCLUDED.created_at, expires_at=EXCLUDED.expires_at`,
		p.SessionID, p.WorkflowID, p.NodeID, p.ContextJSON, p.ConversationJSON, p.CreatedAt, p.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to save paused execution: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPausedExecution(ctx context.Context, sessionID string) (*models.PausedExecution, error) {
	var p models.PausedExecution
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id, workflow_id, node_id, context_json, conversation_json, created_at, expires_at
		 FROM paused_executions WHERE session_id = $1`, sessionID).
		Scan(&p.SessionID, &p.WorkflowID, &p.NodeID, &p.ContextJSON, &p.ConversationJSON, &p.CreatedAt, &p.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load paused execution: %w", err)
	}
	return &p, nil
}

func (s *PostgresStore) DeletePausedExecution(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM paused_executions WHERE session_id = $1`, sessionID)
	return err
}

func (s *PostgresStore) DeleteExpiredPausedExecutions(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM paused_executions WHERE expires_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired paused executions: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// --- conversation history ---

func (s *PostgresStore) AddConversationTurn(ctx context.Context, turn *models.ConversationTurn) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO conversation_turns (session_id, role, content, tool_call_id, tool_calls_json, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		turn.SessionID, string(turn.Role), turn.Content, turn.ToolCallID, string(turn.ToolCalls), turn.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert conversation turn: %w", err)
	}
	return nil
}

func (s *PostgresStore) RecentConversationTurns(ctx context.Context, sessionID string, limit int) ([]models.ConversationTurn, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT session_id, role, content, tool_call_id, tool_calls_json, created_at FROM
		(SELECT id, session_id, role, content, tool_call_id, tool_calls_json, created_at
		 FROM conversation_turns WHERE session_id = $1 ORDER BY id DESC LIMIT $2) recent
		ORDER BY id ASC`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversation turns: %w", err)
	}
	defer rows.Close()
	var out []models.ConversationTurn
	for rows.Next() {
		var t models.ConversationTurn
		var role, toolCalls string
		if err := rows.Scan(&t.SessionID, &role, &t.Content, &t.ToolCallID, &toolCalls, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Role = models.ConversationRole(role)
		if toolCalls != "" {
			t.ToolCalls = json.RawMessage(toolCalls)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// --- node executions ---

func (s *PostgresStore) SaveNodeExecutions(ctx context.Context, sessionID, workflowID string, records []models.NodeExecutionRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO node_executions
		(session_id, workflow_id, node_id, node_type, label, input, output, route_key, success, error, started_at, ended_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, r := range records {
		if _, err := stmt.ExecContext(ctx, sessionID, workflowID, r.NodeID, string(r.NodeType), r.Label,
			r.Input, r.Output, r.RouteKey, r.Success, r.Error, r.StartedAt, r.EndedAt); err != nil {
			return fmt.Errorf("failed to insert node execution: %w", err)
		}
	}
	return tx.Commit()
}

func (s *PostgresStore) RecentNodeExecutions(ctx context.Context, sessionID string, limit int) ([]models.NodeExecutionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT node_id, node_type, label, input, output, route_key, success, error, started_at, ended_at FROM
		(SELECT id, node_id, node_type, label, input, output, route_key, success, error, started_at, ended_at
		 FROM node_executions WHERE session_id = $1 ORDER BY id DESC LIMIT $2) recent
		ORDER BY id ASC`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query node executions: %w", err)
	}
	defer rows.Close()
	var out []models.NodeExecutionRecord
	for rows.Next() {
		var r models.NodeExecutionRecord
		var nodeType string
		if err := rows.Scan(&r.NodeID, &nodeType, &r.Label, &r.Input, &r.Output, &r.RouteKey, &r.Success, &r.Error, &r.StartedAt, &r.EndedAt); err != nil {
			return nil, err
		}
		r.NodeType = models.NodeType(nodeType)
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- session metadata ---

func (s *PostgresStore) SetSessionMetadata(ctx context.Context, sessionID string, values map[string]string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for k, v := range values {
		if _, err := tx.ExecContext(ctx, `INSERT INTO session_metadata (session_id, key, value) VALUES ($1, $2, $3)
			ON CONFLICT (session_id, key) DO UPDATE SET value=EXCLUDED.value`, sessionID, k, v); err != nil {
			return fmt.Errorf("failed to set session metadata: %w", err)
		}
	}
	return tx.Commit()
}

func (s *PostgresStore) GetSessionMetadata(ctx context.Context, sessionID string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM session_metadata WHERE session_id = $1`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

// --- durable jobs ---

func (s *PostgresStore) EnqueueJob(kind string, runAt time.Time, payloadJSON string) (string, error) {
	id := "job_" + uuid.NewString()
	nowT := time.Now()
	_, err := s.db.Exec(`INSERT INTO jobs (id, kind, run_at, payload_json, status, attempt, max_attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 'queued', 0, 3, $5, $6)`, id, kind, runAt, payloadJSON, nowT, nowT)
	if err != nil {
		return "", fmt.Errorf("failed to enqueue job: %w", err)
	}
	slog.Debug("PostgresStore.EnqueueJob: job queued", "id", id, "kind", kind, "runAt", runAt)
	return id, nil
}

func (s *PostgresStore) ClaimDueJobs(nowT time.Time, limit int) ([]Job, error) {
	rows, err := s.db.Query(`UPDATE jobs SET status = 'running', attempt = attempt + 1, locked_at = $1, updated_at = $1
		WHERE id IN (SELECT id FROM jobs WHERE status = 'queued' AND run_at <= $1 ORDER BY run_at LIMIT $2 FOR UPDATE SKIP LOCKED)
		RETURNING id, kind, run_at, payload_json, attempt, max_attempts, created_at`, nowT, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim due jobs: %w", err)
	}
	defer rows.Close()
	var jobs []Job
	for rows.Next() {
		var j Job
		if err := rows.Scan(&j.ID, &j.Kind, &j.RunAt, &j.PayloadJSON, &j.Attempt, &j.MaxAttempts, &j.CreatedAt); err != nil {
			return nil, err
		}
		j.Status = JobStatusRunning
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (s *PostgresStore) CompleteJob(id string) error {
	_, err := s.db.Exec(`UPDATE jobs SET status = 'done', updated_at = $1 WHERE id = $2`, time.Now(), id)
	return err
}

func (s *PostgresStore) FailJob(id string, errMsg string, nextRunAt time.Time) error {
	nowT := time.Now()
	res, err := s.db.Exec(`UPDATE jobs SET status = 'queued', last_error = $1, run_at = $2, locked_at = NULL, updated_at = $3
		WHERE id = $4 AND attempt < max_attempts`, errMsg, nextRunAt, nowT, id)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		_, err = s.db.Exec(`UPDATE jobs SET status = 'failed', last_error = $1, updated_at = $2 WHERE id = $3`, errMsg, nowT, id)
	}
	return err
}

func (s *PostgresStore) CancelJob(id string) error {
	_, err := s.db.Exec(`UPDATE jobs SET status = 'canceled', updated_at = $1 WHERE id = $2`, time.Now(), id)
	return err
}

func (s *PostgresStore) RequeueStaleRunningJobs(staleBefore time.Time) (int, error) {
	res, err := s.db.Exec(`UPDATE jobs SET status = 'queued', locked_at = NULL, updated_at = $1
		WHERE status = 'running' AND locked_at < $2`, time.Now(), staleBefore)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *PostgresStore) PurgeFinishedJobs(before time.Time) (int, error) {
	res, err := s.db.Exec(`DELETE FROM jobs WHERE status IN ('done', 'canceled') AND updated_at < $1`, before)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// --- knowledge base ---

func (s *PostgresStore) AddKnowledgeEntry(ctx context.Context, entry *models.KnowledgeEntry) error {
	if entry.ID == "" {
		entry.ID = "kn_" + uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO knowledge_entries (id, knowledge_base_id, title, content, created_at)
		VALUES ($1, $2, $3, $4, $5)`, entry.ID, entry.KnowledgeBaseID, entry.Title, entry.Content, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert knowledge entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) SearchKnowledge(ctx context.Context, knowledgeBaseID, query string, limit int) ([]models.KnowledgeResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, knowledge_base_id, title, content, created_at FROM knowledge_entries WHERE knowledge_base_id = $1 LIMIT 1000`,
		knowledgeBaseID)
	if err != nil {
		return nil, fmt.Errorf("failed to query knowledge entries: %w", err)
	}
	defer rows.Close()
	var entries []models.KnowledgeEntry
	for rows.Next() {
		var e models.KnowledgeEntry
		if err := rows.Scan(&e.ID, &e.KnowledgeBaseID, &e.Title, &e.Content, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return rankKnowledge(entries, query, limit), nil
}
