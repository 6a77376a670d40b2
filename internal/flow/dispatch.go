package flow

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/FlowDesk/internal/models"
)

// DefaultDebounce coalesces rapid consecutive turns from one session into a
// single run over the concatenated input.
const DefaultDebounce = 3 * time.Second

// DispatcherConfig wires the dispatch service.
type DispatcherConfig struct {
	Workflows WorkflowStore
	ExecLog   ExecutionLogStore
	Pauses    *PauseService
	Messaging MessagingService
	Deps      *Deps
	// Debounce overrides DefaultDebounce; useful in tests.
	Debounce time.Duration
}

// Dispatcher routes inbound turns to the right workflow and owns the
// asynchronous fan-out: per-session debounce for inbound messages and a
// bounded worker pool for scheduled runs. It also serves as the subflow
// runner for delegation nodes.
type Dispatcher struct {
	workflows WorkflowStore
	execLog   ExecutionLogStore
	pauses    *PauseService
	messaging MessagingService
	deps      *Deps
	runner    *Runner

	debounce time.Duration

	graphMu sync.RWMutex
	graphs  map[string]*CompiledGraph

	pendingMu sync.Mutex
	pending   map[string]*pendingTurn

	wg sync.WaitGroup
}

type pendingTurn struct {
	customerID string
	messageID  string
	category   string
	texts      []string
	entities   map[string]string
	timer      *time.Timer
}

// NewDispatcher creates the dispatch service and registers itself as the
// subflow runner in the shared deps.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	d := &Dispatcher{
		workflows: cfg.Workflows,
		execLog:   cfg.ExecLog,
		pauses:    cfg.Pauses,
		messaging: cfg.Messaging,
		deps:      cfg.Deps,
		runner:    NewRunner(),
		debounce:  cfg.Debounce,
		graphs:    make(map[string]*CompiledGraph),
		pending:   make(map[string]*pendingTurn),
	}
	if d.debounce <= 0 {
		d.debounce = DefaultDebounce
	}
	if d.deps != nil && d.deps.Subflows == nil {
		d.deps.Subflows = d
	}
	return d
}

// HandleInbound accepts one inbound turn and schedules its run after the
// debounce window. Messages arriving inside the window are drained into the
// same run. Returns immediately; the run happens on a background goroutine
// so the caller never blocks on LLM latency.
func (d *Dispatcher) HandleInbound(sessionID, customerID, messageID, category, text string, entities map[string]string) {
	d.pendingMu.Lock()
	defer d.pendingMu.Unlock()

	if p, ok := d.pending[sessionID]; ok {
		p.texts = append(p.texts, text)
		p.messageID = messageID
		p.entities = mergeEntities(p.entities, entities)
		p.timer.Reset(d.debounce)
		slog.Debug("flow.Dispatcher.HandleInbound: turn coalesced", "sessionID", sessionID, "queued", len(p.texts))
		return
	}

	p := &pendingTurn{customerID: customerID, messageID: messageID, category: category, texts: []string{text}, entities: mergeEntities(nil, entities)}
	p.timer = time.AfterFunc(d.debounce, func() { d.flush(sessionID) })
	d.pending[sessionID] = p
	slog.Debug("flow.Dispatcher.HandleInbound: turn queued", "sessionID", sessionID)
}

func (d *Dispatcher) flush(sessionID string) {
	d.pendingMu.Lock()
	p, ok := d.pending[sessionID]
	if ok {
		delete(d.pending, sessionID)
	}
	d.pendingMu.Unlock()
	if !ok {
		return
	}

	input := strings.Join(p.texts, "\n")
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx := context.Background()
		result, err := d.ExecuteForSession(ctx, sessionID, p.customerID, p.messageID, p.category, input, p.entities)
		if err != nil {
			slog.Error("flow.Dispatcher.flush: run failed", "sessionID", sessionID, "error", err)
			d.deliver(ctx, sessionID, genericApologyReply)
			return
		}
		if result.FinalReply != "" {
			d.deliver(ctx, sessionID, result.FinalReply)
		}
	}()
}

// Wait blocks until all in-flight background runs finish. Used on shutdown
// and by tests.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// ExecuteForSession runs one inbound turn through the dispatch priority:
// a resumable suspension snapshot first, then an active agent takeover,
// then the category-bound workflow, then the default workflow.
func (d *Dispatcher) ExecuteForSession(ctx context.Context, sessionID, customerID, messageID, category, input string, entities map[string]string) (*RunResult, error) {
	d.persistTurn(ctx, sessionID, models.RoleUser, input)

	// Priority 1: resumption of a suspended run.
	if d.pauses != nil {
		paused, ec, err := d.pauses.Resume(ctx, sessionID, input)
		if err == nil {
			ec.CustomerID = customerID
			ec.MessageID = messageID
			for k, v := range entities {
				ec.SetEntity(k, v)
			}
			return d.runResumed(ctx, paused, ec)
		}
		if !IsNotResumable(err) {
			slog.Warn("flow.Dispatcher.ExecuteForSession: resume check failed", "sessionID", sessionID, "error", err)
		}
	}

	workflowID, agentSeed, err := d.targetWorkflowID(ctx, sessionID, category)
	if err != nil {
		return nil, err
	}

	ec := NewExecutionContext(sessionID, workflowID, input)
	ec.CustomerID = customerID
	ec.MessageID = messageID
	for k, v := range entities {
		ec.SetEntity(k, v)
	}
	if agentSeed != "" {
		ec.SetVariable("agent.sysPrompt", agentSeed)
	}
	return d.run(ctx, workflowID, ec)
}

// mergeEntities copies src over dst, allocating dst on first use. Later
// turns in a debounce window win on key collisions.
func mergeEntities(dst, src map[string]string) map[string]string {
	if len(src) == 0 {
		return dst
	}
	if dst == nil {
		dst = make(map[string]string, len(src))
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// targetWorkflowID resolves dispatch priorities 2-4: an active agent
// takeover, then the workflow bound to the session's category, then the
// default workflow. For a takeover it also returns the session's stored
// seed value so the target graph can reference {{agent.sysPrompt}}.
func (d *Dispatcher) targetWorkflowID(ctx context.Context, sessionID, category string) (string, string, error) {
	if d.deps != nil && d.deps.Sessions != nil {
		active, err := d.deps.Sessions.FindAnyActive(ctx, sessionID)
		if err != nil {
			slog.Warn("flow.Dispatcher.targetWorkflowID: agent session lookup failed", "sessionID", sessionID, "error", err)
		} else if active != nil {
			slog.Debug("flow.Dispatcher.targetWorkflowID: active agent session", "sessionID", sessionID, "workflowID", active.WorkflowID)
			return active.WorkflowID, active.SysPrompt, nil
		}
	}
	if category != "" {
		if w, err := d.workflows.GetWorkflowByCategory(ctx, category); err == nil && w != nil && w.Enabled {
			return w.ID, "", nil
		}
	}
	w, err := d.workflows.GetDefaultWorkflow(ctx)
	if err != nil {
		return "", "", fmt.Errorf("no workflow available for session %s: %w", sessionID, err)
	}
	return w.ID, "", nil
}

// RunWorkflow runs a target workflow synchronously with a fresh context.
// This is the subflow-runner entry used by delegation nodes and the delay
// consumer.
func (d *Dispatcher) RunWorkflow(ctx context.Context, workflowID, sessionID, input string) (*RunResult, error) {
	ec := NewExecutionContext(sessionID, workflowID, input)
	if d.deps != nil && d.deps.Sessions != nil {
		if active, err := d.deps.Sessions.FindActive(ctx, sessionID, workflowID); err == nil && active != nil {
			ec.SetVariable("agent.sysPrompt", active.SysPrompt)
		}
	}
	return d.run(ctx, workflowID, ec)
}

func (d *Dispatcher) run(ctx context.Context, workflowID string, ec *ExecutionContext) (*RunResult, error) {
	g, err := d.compiled(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	result := d.runner.Run(ctx, g, ec)
	return d.finish(ctx, g, ec, result)
}

func (d *Dispatcher) runResumed(ctx context.Context, paused *models.PausedExecution, ec *ExecutionContext) (*RunResult, error) {
	g, err := d.compiled(ctx, paused.WorkflowID)
	if err != nil {
		return nil, err
	}
	result := d.runner.RunFrom(ctx, g, ec, paused.NodeID)
	return d.finish(ctx, g, ec, result)
}

func (d *Dispatcher) finish(ctx context.Context, g *CompiledGraph, ec *ExecutionContext, result *RunResult) (*RunResult, error) {
	d.saveRecords(ctx, ec.SessionID, g.WorkflowID, result.Records)

	switch result.Status {
	case RunSuspended:
		if d.pauses != nil && result.Suspension != nil {
			if err := d.pauses.Suspend(ctx, result.Suspension); err != nil {
				return nil, err
			}
		}
		d.persistTurn(ctx, ec.SessionID, models.RoleAssistant, result.FinalReply)
		return result, nil
	case RunFailed:
		return nil, result.Err
	default:
		d.persistTurn(ctx, ec.SessionID, models.RoleAssistant, result.FinalReply)
		return result, nil
	}
}

// RunForSessions fans a scheduled run across many sessions with a bounded
// worker pool, one independent task per session. Failures are isolated and
// logged, never retried here.
func (d *Dispatcher) RunForSessions(ctx context.Context, workflowID, input string, sessionIDs []string) {
	workers := runtime.GOMAXPROCS(0)
	if workers < 2 {
		workers = 2
	}
	if workers > len(sessionIDs) {
		workers = len(sessionIDs)
	}
	if workers == 0 {
		return
	}

	jobs := make(chan string)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for sessionID := range jobs {
				result, err := d.RunWorkflow(ctx, workflowID, sessionID, input)
				if err != nil {
					slog.Error("flow.Dispatcher.RunForSessions: run failed", "sessionID", sessionID, "workflowID", workflowID, "error", err)
					continue
				}
				if result.FinalReply != "" {
					d.deliver(ctx, sessionID, result.FinalReply)
				}
			}
		}()
	}
	for _, id := range sessionIDs {
		jobs <- id
	}
	close(jobs)
	wg.Wait()
	slog.Info("flow.Dispatcher.RunForSessions: fan-out complete", "workflowID", workflowID, "sessions", len(sessionIDs), "workers", workers)
}

// compiled returns the cached compiled graph for a workflow, compiling and
// caching it on first use. Compiled graphs are immutable and shared across
// concurrent runs.
func (d *Dispatcher) compiled(ctx context.Context, workflowID string) (*CompiledGraph, error) {
	d.graphMu.RLock()
	g, ok := d.graphs[workflowID]
	d.graphMu.RUnlock()
	if ok {
		return g, nil
	}

	w, err := d.workflows.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if !w.Enabled {
		return nil, fmt.Errorf("workflow %s: %w", workflowID, models.ErrWorkflowDisabled)
	}
	g, err = Compile(w, d.deps)
	if err != nil {
		return nil, err
	}

	d.graphMu.Lock()
	d.graphs[workflowID] = g
	d.graphMu.Unlock()
	return g, nil
}

// Invalidate drops a workflow's cached compiled graph after an update.
func (d *Dispatcher) Invalidate(workflowID string) {
	d.graphMu.Lock()
	delete(d.graphs, workflowID)
	d.graphMu.Unlock()
}

func (d *Dispatcher) deliver(ctx context.Context, sessionID, body string) {
	if d.messaging == nil {
		return
	}
	if err := d.messaging.SendMessage(ctx, sessionID, body); err != nil {
		slog.Error("flow.Dispatcher.deliver: outbound delivery failed", "sessionID", sessionID, "error", err)
	}
}

func (d *Dispatcher) persistTurn(ctx context.Context, sessionID string, role models.ConversationRole, content string) {
	if d.deps == nil || d.deps.History == nil || content == "" {
		return
	}
	turn := &models.ConversationTurn{SessionID: sessionID, Role: role, Content: content, CreatedAt: now()}
	if err := d.deps.History.AddConversationTurn(ctx, turn); err != nil {
		slog.Warn("flow.Dispatcher.persistTurn: failed to persist turn", "sessionID", sessionID, "role", role, "error", err)
	}
}

func (d *Dispatcher) saveRecords(ctx context.Context, sessionID, workflowID string, records []models.NodeExecutionRecord) {
	if d.execLog == nil || len(records) == 0 {
		return
	}
	if err := d.execLog.SaveNodeExecutions(ctx, sessionID, workflowID, records); err != nil {
		slog.Warn("flow.Dispatcher.saveRecords: failed to persist execution records", "sessionID", sessionID, "error", err)
	}
}
