package store

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func TestJobRunnerPollCompletesJob(t *testing.T) {
	s := NewInMemoryStore()
	runner := NewJobRunner(s, time.Minute)

	var gotPayload string
	runner.RegisterHandler("email.send", func(ctx context.Context, payload string) error {
		gotPayload = payload
		return nil
	})

	if _, err := s.EnqueueJob("email.send", time.Now().Add(-time.Second), `{"to":"ada"}`); err != nil {
		t.Fatalf("EnqueueJob failed: %v", err)
	}

	runner.poll(context.Background())
	if gotPayload != `{"to":"ada"}` {
		t.Errorf("handler payload = %q", gotPayload)
	}
	if jobs, _ := s.ClaimDueJobs(time.Now().Add(time.Hour), 10); len(jobs) != 0 {
		t.Errorf("completed job still claimable: %+v", jobs)
	}
}

func TestJobRunnerPollRequeuesFailure(t *testing.T) {
	s := NewInMemoryStore()
	runner := NewJobRunner(s, time.Minute)
	runner.RegisterHandler("email.send", func(ctx context.Context, payload string) error {
		return fmt.Errorf("smtp down")
	})

	id, err := s.EnqueueJob("email.send", time.Now().Add(-time.Second), `{}`)
	if err != nil {
		t.Fatalf("EnqueueJob failed: %v", err)
	}
	runner.poll(context.Background())

	// Requeued with backoff: due later, not now.
	if jobs, _ := s.ClaimDueJobs(time.Now(), 10); len(jobs) != 0 {
		t.Errorf("failed job claimable before its backoff: %+v", jobs)
	}
	jobs, _ := s.ClaimDueJobs(time.Now().Add(time.Hour), 10)
	if len(jobs) != 1 || jobs[0].ID != id || jobs[0].Attempt != 2 {
		t.Fatalf("requeued job = %+v", jobs)
	}
	if jobs[0].LastError != "smtp down" {
		t.Errorf("lastError = %q", jobs[0].LastError)
	}
}

func TestJobRunnerPollFailsUnknownKind(t *testing.T) {
	s := NewInMemoryStore()
	runner := NewJobRunner(s, time.Minute)

	if _, err := s.EnqueueJob("mystery.kind", time.Now().Add(-time.Second), `{}`); err != nil {
		t.Fatalf("EnqueueJob failed: %v", err)
	}
	runner.poll(context.Background())

	jobs, _ := s.ClaimDueJobs(time.Now().Add(time.Hour), 10)
	if len(jobs) != 1 || jobs[0].LastError == "" {
		t.Errorf("unhandled job = %+v, want a requeue with the missing-handler error", jobs)
	}
}

func TestJobRunnerRecoverStaleJobs(t *testing.T) {
	s := NewInMemoryStore()
	runner := NewJobRunner(s, time.Minute)

	id, err := s.EnqueueJob("email.send", time.Now().Add(-time.Minute), `{}`)
	if err != nil {
		t.Fatalf("EnqueueJob failed: %v", err)
	}
	if jobs, _ := s.ClaimDueJobs(time.Now(), 10); len(jobs) != 1 {
		t.Fatal("claim did not return the job")
	}

	// Freshly claimed jobs are not stale.
	if err := runner.RecoverStaleJobs(); err != nil {
		t.Fatalf("RecoverStaleJobs failed: %v", err)
	}
	if jobs, _ := s.ClaimDueJobs(time.Now(), 10); len(jobs) != 0 {
		t.Error("fresh running job was requeued")
	}

	// Age the lock past the stale cutoff, as after a crash.
	s.mu.Lock()
	old := time.Now().Add(-10 * time.Minute)
	s.jobs[id].LockedAt = &old
	s.mu.Unlock()

	if err := runner.RecoverStaleJobs(); err != nil {
		t.Fatalf("RecoverStaleJobs failed: %v", err)
	}
	jobs, _ := s.ClaimDueJobs(time.Now(), 10)
	if len(jobs) != 1 || jobs[0].ID != id {
		t.Errorf("stale job not reclaimed: %+v", jobs)
	}
}
