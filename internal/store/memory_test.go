package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/BTreeMap/FlowDesk/internal/models"
)

func sampleWorkflow(id, category string, isDefault bool) *models.Workflow {
	return &models.Workflow{
		ID: id, Name: "wf " + id, Category: category, Enabled: true, IsDefault: isDefault,
		Nodes: []models.NodeConfig{
			{ID: "start", Type: models.NodeTypeStart},
			{ID: "end", Type: models.NodeTypeEnd},
		},
		Edges: []models.Edge{{Source: "start", Target: "end"}},
	}
}

func TestInMemoryWorkflowLookups(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()

	if err := s.SaveWorkflow(ctx, sampleWorkflow("wf-1", "billing", false)); err != nil {
		t.Fatalf("SaveWorkflow failed: %v", err)
	}
	if err := s.SaveWorkflow(ctx, sampleWorkflow("wf-2", "", true)); err != nil {
		t.Fatalf("SaveWorkflow failed: %v", err)
	}

	w, err := s.GetWorkflow(ctx, "wf-1")
	if err != nil || w.Category != "billing" {
		t.Errorf("GetWorkflow = %+v, %v", w, err)
	}
	if _, err := s.GetWorkflow(ctx, "wf-missing"); !errors.Is(err, models.ErrWorkflowNotFound) {
		t.Errorf("missing workflow = %v, want ErrWorkflowNotFound", err)
	}
	if w, err = s.GetDefaultWorkflow(ctx); err != nil || w.ID != "wf-2" {
		t.Errorf("GetDefaultWorkflow = %+v, %v", w, err)
	}
	if w, err = s.GetWorkflowByCategory(ctx, "billing"); err != nil || w.ID != "wf-1" {
		t.Errorf("GetWorkflowByCategory = %+v, %v", w, err)
	}
	all, err := s.ListWorkflows(ctx)
	if err != nil || len(all) != 2 {
		t.Errorf("ListWorkflows = %d, %v", len(all), err)
	}
}

func TestInMemoryAgentSessionUniqueness(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()

	created, existing, err := s.CreateAgentSession(ctx, &models.AgentSession{ID: "a1", SessionID: "sess-1", WorkflowID: "wf-1", CreatedAt: time.Now()})
	if err != nil || !created || existing != nil {
		t.Fatalf("first create = %v/%v/%v", created, existing, err)
	}
	created, existing, err = s.CreateAgentSession(ctx, &models.AgentSession{ID: "a2", SessionID: "sess-1", WorkflowID: "wf-1", CreatedAt: time.Now()})
	if err != nil || created {
		t.Fatalf("duplicate create = %v/%v", created, err)
	}
	if existing == nil || existing.ID != "a1" {
		t.Errorf("existing = %+v, want the first record", existing)
	}

	ended, err := s.EndAgentSession(ctx, "sess-1", "wf-1")
	if err != nil || !ended {
		t.Fatalf("EndAgentSession = %v/%v", ended, err)
	}
	if ended, _ = s.EndAgentSession(ctx, "sess-1", "wf-1"); ended {
		t.Error("second end should report nothing to end")
	}

	// An ended record frees the slot.
	created, _, err = s.CreateAgentSession(ctx, &models.AgentSession{ID: "a3", SessionID: "sess-1", WorkflowID: "wf-1", CreatedAt: time.Now()})
	if err != nil || !created {
		t.Errorf("create after end = %v/%v", created, err)
	}
}

func TestInMemoryPausedExecutions(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()
	old := time.Now().Add(-time.Hour)

	_ = s.SavePausedExecution(ctx, &models.PausedExecution{SessionID: "sess-old", WorkflowID: "wf", NodeID: "n", CreatedAt: old, ExpiresAt: old.Add(30 * time.Minute)})
	_ = s.SavePausedExecution(ctx, &models.PausedExecution{SessionID: "sess-new", WorkflowID: "wf", NodeID: "n", CreatedAt: time.Now(), ExpiresAt: time.Now().Add(30 * time.Minute)})

	removed, err := s.DeleteExpiredPausedExecutions(ctx, time.Now())
	if err != nil || removed != 1 {
		t.Errorf("DeleteExpiredPausedExecutions = %d, %v", removed, err)
	}
	if p, _ := s.GetPausedExecution(ctx, "sess-old"); p != nil {
		t.Error("expired snapshot should be gone")
	}
	if p, _ := s.GetPausedExecution(ctx, "sess-new"); p == nil {
		t.Error("live snapshot should survive the sweep")
	}
}

func TestInMemoryJobLifecycle(t *testing.T) {
	s := NewInMemoryStore()
	base := time.Now()

	id, err := s.EnqueueJob("test.kind", base.Add(time.Minute), `{"k":"v"}`)
	if err != nil || id == "" {
		t.Fatalf("EnqueueJob = %q, %v", id, err)
	}

	// Not due yet.
	jobs, err := s.ClaimDueJobs(base, 10)
	if err != nil || len(jobs) != 0 {
		t.Fatalf("early claim = %d, %v", len(jobs), err)
	}

	jobs, err = s.ClaimDueJobs(base.Add(2*time.Minute), 10)
	if err != nil || len(jobs) != 1 {
		t.Fatalf("claim = %d, %v", len(jobs), err)
	}
	job := jobs[0]
	if job.Status != JobStatusRunning || job.Attempt != 1 {
		t.Errorf("claimed job = %+v", job)
	}
	// A claimed job is invisible to other claimers.
	if again, _ := s.ClaimDueJobs(base.Add(2*time.Minute), 10); len(again) != 0 {
		t.Errorf("double claim returned %d jobs", len(again))
	}

	// Transient failure requeues for the backoff time.
	next := base.Add(10 * time.Minute)
	if err := s.FailJob(job.ID, "transient", next); err != nil {
		t.Fatalf("FailJob failed: %v", err)
	}
	if jobs, _ = s.ClaimDueJobs(base.Add(5*time.Minute), 10); len(jobs) != 0 {
		t.Error("failed job should wait for its redelivery time")
	}
	jobs, _ = s.ClaimDueJobs(next.Add(time.Second), 10)
	if len(jobs) != 1 || jobs[0].Attempt != 2 || jobs[0].LastError != "transient" {
		t.Fatalf("redelivered job = %+v", jobs)
	}

	if err := s.CompleteJob(jobs[0].ID); err != nil {
		t.Fatalf("CompleteJob failed: %v", err)
	}
	if jobs, _ = s.ClaimDueJobs(next.Add(time.Hour), 10); len(jobs) != 0 {
		t.Error("completed job must not be redelivered")
	}

	// Done jobs age out of the table.
	purged, err := s.PurgeFinishedJobs(time.Now().Add(time.Hour))
	if err != nil || purged != 1 {
		t.Errorf("PurgeFinishedJobs = %d, %v", purged, err)
	}
}

func TestInMemoryJobExhaustsAttempts(t *testing.T) {
	s := NewInMemoryStore()
	base := time.Now()
	id, err := s.EnqueueJob("test.kind", base, "{}")
	if err != nil {
		t.Fatalf("EnqueueJob failed: %v", err)
	}

	for attempt := 1; ; attempt++ {
		jobs, err := s.ClaimDueJobs(base.Add(time.Duration(attempt)*time.Hour), 10)
		if err != nil {
			t.Fatalf("ClaimDueJobs failed: %v", err)
		}
		if len(jobs) == 0 {
			break
		}
		if err := s.FailJob(id, "still broken", base.Add(time.Duration(attempt)*time.Hour+time.Minute)); err != nil {
			t.Fatalf("FailJob failed: %v", err)
		}
		if attempt > 20 {
			t.Fatal("job never parked as failed")
		}
	}
}

func TestInMemoryRequeueStaleRunningJobs(t *testing.T) {
	s := NewInMemoryStore()
	base := time.Now().Add(-time.Hour)
	if _, err := s.EnqueueJob("test.kind", base, "{}"); err != nil {
		t.Fatalf("EnqueueJob failed: %v", err)
	}
	jobs, err := s.ClaimDueJobs(time.Now(), 10)
	if err != nil || len(jobs) != 1 {
		t.Fatalf("claim = %d, %v", len(jobs), err)
	}

	// Simulates a crashed worker: the claim goes stale and is requeued.
	requeued, err := s.RequeueStaleRunningJobs(time.Now().Add(time.Minute))
	if err != nil || requeued != 1 {
		t.Fatalf("RequeueStaleRunningJobs = %d, %v", requeued, err)
	}
	if jobs, _ = s.ClaimDueJobs(time.Now(), 10); len(jobs) != 1 {
		t.Errorf("requeued job not claimable, got %d", len(jobs))
	}
}

func TestInMemoryConversationAndMetadata(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()

	for i, content := range []string{"one", "two", "three"} {
		role := models.RoleUser
		if i%2 == 1 {
			role = models.RoleAssistant
		}
		if err := s.AddConversationTurn(ctx, &models.ConversationTurn{SessionID: "sess-1", Role: role, Content: content, CreatedAt: time.Now()}); err != nil {
			t.Fatalf("AddConversationTurn failed: %v", err)
		}
	}
	turns, err := s.RecentConversationTurns(ctx, "sess-1", 2)
	if err != nil {
		t.Fatalf("RecentConversationTurns failed: %v", err)
	}
	if len(turns) != 2 || turns[0].Content != "two" || turns[1].Content != "three" {
		t.Errorf("turns = %+v, want the most recent two in order", turns)
	}

	if err := s.SetSessionMetadata(ctx, "sess-1", map[string]string{"tier": "gold"}); err != nil {
		t.Fatalf("SetSessionMetadata failed: %v", err)
	}
	if err := s.SetSessionMetadata(ctx, "sess-1", map[string]string{"lang": "de"}); err != nil {
		t.Fatalf("SetSessionMetadata failed: %v", err)
	}
	meta, err := s.GetSessionMetadata(ctx, "sess-1")
	if err != nil || meta["tier"] != "gold" || meta["lang"] != "de" {
		t.Errorf("metadata = %v, %v, want merged keys", meta, err)
	}
}
