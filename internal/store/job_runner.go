package store

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// JobHandler executes one claimed job given its payload JSON. A non-nil
// error requeues the job with backoff until its attempts run out.
type JobHandler func(ctx context.Context, payload string) error

const (
	defaultPollInterval = 5 * time.Second
	defaultClaimLimit   = 20
	staleRunningAfter   = 5 * time.Minute
)

// JobRunner polls the jobs table for due work and dispatches each job to the
// handler registered for its kind. Delayed workflow resumptions ride on this
// queue, so the runner must survive restarts: claimed-but-unfinished jobs are
// requeued by RecoverStaleJobs on the next boot.
type JobRunner struct {
	repo         JobRepo
	mu           sync.RWMutex
	handlers     map[string]JobHandler
	pollInterval time.Duration
	claimLimit   int
}

// NewJobRunner wraps the repo with a polling dispatcher.
func NewJobRunner(repo JobRepo, pollInterval time.Duration) *JobRunner {
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	return &JobRunner{
		repo:         repo,
		handlers:     make(map[string]JobHandler),
		pollInterval: pollInterval,
		claimLimit:   defaultClaimLimit,
	}
}

// RegisterHandler binds a job kind to its handler. Later registrations for
// the same kind replace earlier ones.
func (r *JobRunner) RegisterHandler(kind string, handler JobHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = handler
	slog.Debug("JobRunner.RegisterHandler: handler registered", "kind", kind)
}

// RecoverStaleJobs requeues jobs stuck in running state from a previous
// process. Call once at startup before Run.
func (r *JobRunner) RecoverStaleJobs() error {
	n, err := r.repo.RequeueStaleRunningJobs(time.Now().Add(-staleRunningAfter))
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("JobRunner.RecoverStaleJobs: requeued jobs from previous run", "count", n)
	}
	return nil
}

// Run blocks, polling for due jobs until the context is cancelled.
func (r *JobRunner) Run(ctx context.Context) {
	slog.Info("JobRunner.Run: polling for due jobs", "pollInterval", r.pollInterval)
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("JobRunner.Run: stopped")
			return
		case <-ticker.C:
			r.poll(ctx)
		}
	}
}

func (r *JobRunner) poll(ctx context.Context) {
	nowT := time.Now()
	jobs, err := r.repo.ClaimDueJobs(nowT, r.claimLimit)
	if err != nil {
		slog.Error("JobRunner.poll: failed to claim jobs", "error", err)
		return
	}
	for _, job := range jobs {
		r.mu.RLock()
		handler, ok := r.handlers[job.Kind]
		r.mu.RUnlock()
		if !ok {
			slog.Warn("JobRunner.poll: unknown job kind", "kind", job.Kind, "id", job.ID)
			if err := r.repo.FailJob(job.ID, "no handler for kind "+job.Kind, nowT.Add(time.Minute)); err != nil {
				slog.Error("JobRunner.poll: failed to fail job", "id", job.ID, "error", err)
			}
			continue
		}

		err := handler(ctx, job.PayloadJSON)
		if err != nil {
			// Exponential backoff: 30s, 60s, 120s, ...
			backoff := time.Duration(30*(1<<job.Attempt)) * time.Second
			slog.Error("JobRunner.poll: job failed", "id", job.ID, "kind", job.Kind, "attempt", job.Attempt, "error", err)
			if err := r.repo.FailJob(job.ID, err.Error(), nowT.Add(backoff)); err != nil {
				slog.Error("JobRunner.poll: failed to record job failure", "id", job.ID, "error", err)
			}
			continue
		}
		if err := r.repo.CompleteJob(job.ID); err != nil {
			slog.Error("JobRunner.poll: failed to complete job", "id", job.ID, "error", err)
		}
	}
}
