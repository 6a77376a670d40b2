package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/openai/openai-go"

	"github.com/BTreeMap/FlowDesk/internal/genai"
	"github.com/BTreeMap/FlowDesk/internal/models"
	"github.com/BTreeMap/FlowDesk/internal/tools"
)

// fakeGenAI substitutes the LLM client with canned behavior per method.
type fakeGenAI struct {
	mu sync.Mutex

	promptFn     func(systemPrompt, userPrompt string) (string, error)
	messagesFn   func(messages []openai.ChatCompletionMessageParamUnion) (string, error)
	toolsFn      func(messages []openai.ChatCompletionMessageParamUnion, tools []openai.ChatCompletionToolParam) (*genai.ToolCallResponse, error)
	structuredFn func(systemPrompt, userPrompt string, out interface{}) error

	promptCalls int
	toolsCalls  int
}

var _ genai.ClientInterface = (*fakeGenAI)(nil)

func (f *fakeGenAI) GeneratePrompt(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	f.mu.Lock()
	f.promptCalls++
	f.mu.Unlock()
	if f.promptFn == nil {
		return "", fmt.Errorf("GeneratePrompt not stubbed")
	}
	return f.promptFn(systemPrompt, userPrompt)
}

func (f *fakeGenAI) GenerateWithMessages(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion) (string, error) {
	if f.messagesFn == nil {
		return "", fmt.Errorf("GenerateWithMessages not stubbed")
	}
	return f.messagesFn(messages)
}

func (f *fakeGenAI) GenerateWithTools(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion, tools []openai.ChatCompletionToolParam) (*genai.ToolCallResponse, error) {
	f.mu.Lock()
	f.toolsCalls++
	f.mu.Unlock()
	if f.toolsFn == nil {
		return nil, fmt.Errorf("GenerateWithTools not stubbed")
	}
	return f.toolsFn(messages, tools)
}

func (f *fakeGenAI) GenerateStructured(ctx context.Context, systemPrompt, userPrompt string, out interface{}) error {
	if f.structuredFn == nil {
		return fmt.Errorf("GenerateStructured not stubbed")
	}
	return f.structuredFn(systemPrompt, userPrompt, out)
}

// fakeToolExec is an in-memory tool registry with call accounting.
type fakeToolExec struct {
	mu    sync.Mutex
	defs  map[string]models.ToolDefinition
	execs map[string]func(args map[string]interface{}) (string, error)

	executed []string
}

func newFakeToolExec() *fakeToolExec {
	return &fakeToolExec{
		defs:  make(map[string]models.ToolDefinition),
		execs: make(map[string]func(args map[string]interface{}) (string, error)),
	}
}

func (f *fakeToolExec) add(def models.ToolDefinition, exec func(args map[string]interface{}) (string, error)) {
	f.defs[def.Name] = def
	f.execs[def.Name] = exec
}

func (f *fakeToolExec) Execute(ctx context.Context, name string, args map[string]interface{}) (string, error) {
	f.mu.Lock()
	f.executed = append(f.executed, name)
	f.mu.Unlock()
	exec, ok := f.execs[name]
	if !ok || exec == nil {
		return "", models.ErrToolNotFound
	}
	return exec(args)
}

func (f *fakeToolExec) Lookup(name string) (*models.ToolDefinition, bool) {
	def, ok := f.defs[name]
	if !ok {
		return nil, false
	}
	return &def, true
}

func (f *fakeToolExec) Definitions() []openai.ChatCompletionToolParam {
	var out []openai.ChatCompletionToolParam
	for _, def := range f.defs {
		out = append(out, tools.ToOpenAITool(def))
	}
	return out
}

func (f *fakeToolExec) executeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.executed)
}

// memHistory keeps conversation turns in memory.
type memHistory struct {
	mu    sync.Mutex
	turns []models.ConversationTurn
}

func (h *memHistory) AddConversationTurn(ctx context.Context, turn *models.ConversationTurn) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.turns = append(h.turns, *turn)
	return nil
}

func (h *memHistory) RecentConversationTurns(ctx context.Context, sessionID string, limit int) ([]models.ConversationTurn, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []models.ConversationTurn
	for _, t := range h.turns {
		if t.SessionID == sessionID {
			out = append(out, t)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// memPauseStore keeps suspension snapshots in memory, one per session.
type memPauseStore struct {
	mu        sync.Mutex
	snapshots map[string]models.PausedExecution
}

func newMemPauseStore() *memPauseStore {
	return &memPauseStore{snapshots: make(map[string]models.PausedExecution)}
}

func (s *memPauseStore) SavePausedExecution(ctx context.Context, p *models.PausedExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[p.SessionID] = *p
	return nil
}

func (s *memPauseStore) GetPausedExecution(ctx context.Context, sessionID string) (*models.PausedExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.snapshots[sessionID]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (s *memPauseStore) DeletePausedExecution(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.snapshots, sessionID)
	return nil
}

// fakeWorkflowStore serves workflows from a map.
type fakeWorkflowStore struct {
	workflows map[string]*models.Workflow
	defaultID string
}

func newFakeWorkflowStore(ws ...*models.Workflow) *fakeWorkflowStore {
	s := &fakeWorkflowStore{workflows: make(map[string]*models.Workflow)}
	for _, w := range ws {
		s.workflows[w.ID] = w
		if w.IsDefault {
			s.defaultID = w.ID
		}
	}
	return s
}

func (s *fakeWorkflowStore) GetWorkflow(ctx context.Context, id string) (*models.Workflow, error) {
	w, ok := s.workflows[id]
	if !ok {
		return nil, models.ErrWorkflowNotFound
	}
	return w, nil
}

func (s *fakeWorkflowStore) GetDefaultWorkflow(ctx context.Context) (*models.Workflow, error) {
	if s.defaultID == "" {
		return nil, models.ErrWorkflowNotFound
	}
	return s.workflows[s.defaultID], nil
}

func (s *fakeWorkflowStore) GetWorkflowByCategory(ctx context.Context, category string) (*models.Workflow, error) {
	for _, w := range s.workflows {
		if w.Category == category {
			return w, nil
		}
	}
	return nil, models.ErrWorkflowNotFound
}

// captureMessenger records outbound deliveries and escalation alerts.
type captureMessenger struct {
	mu        sync.Mutex
	sent      []string
	transfers []string
	err       error
}

func (m *captureMessenger) SendMessage(ctx context.Context, sessionID, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, body)
	return nil
}

func (m *captureMessenger) NotifyTransfer(ctx context.Context, sessionID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transfers = append(m.transfers, reason)
	return nil
}

func (m *captureMessenger) sentBodies() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.sent...)
}

// captureDelayQueue records enqueued tasks instead of persisting them.
type captureDelayQueue struct {
	tasks  []models.DelayTask
	delays []time.Duration
}

func (q *captureDelayQueue) Enqueue(ctx context.Context, task models.DelayTask, delay time.Duration) error {
	q.tasks = append(q.tasks, task)
	q.delays = append(q.delays, delay)
	return nil
}

func rawConfig(t interface{ Fatalf(string, ...interface{}) }, v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal node config: %v", err)
	}
	return data
}

// linearWorkflow builds start -> middle nodes -> end with implicit edges.
func linearWorkflow(id string, middle ...models.NodeConfig) *models.Workflow {
	nodes := []models.NodeConfig{{ID: "start", Type: models.NodeTypeStart}}
	nodes = append(nodes, middle...)
	nodes = append(nodes, models.NodeConfig{ID: "end", Type: models.NodeTypeEnd})
	var edges []models.Edge
	for i := 0; i < len(nodes)-1; i++ {
		edges = append(edges, models.Edge{Source: nodes[i].ID, Target: nodes[i+1].ID})
	}
	return &models.Workflow{ID: id, Name: id, Enabled: true, Nodes: nodes, Edges: edges}
}

func testContext(query string) *ExecutionContext {
	return NewExecutionContext("sess-1", "wf-1", query)
}
