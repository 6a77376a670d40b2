// Package scheduler provides cron-based housekeeping for FlowDesk.
//
// Periodic jobs sweep expired pause snapshots and finished queue entries so
// the tables holding transient run state do not grow without bound.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler wraps a cron runner with panic recovery.
type Scheduler struct {
	cron *cron.Cron
}

// NewScheduler creates and starts a cron scheduler using the standard
// 5-field expression format.
func NewScheduler() *Scheduler {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger)))
	c.Start()
	return &Scheduler{cron: c}
}

// AddJob schedules a task under the given cron expression.
func (s *Scheduler) AddJob(expr string, task func()) error {
	_, err := s.cron.AddFunc(expr, task)
	return err
}

// Stop stops the scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	s.cron.Stop()
}

// HousekeepingStore is the storage surface swept by the periodic jobs.
type HousekeepingStore interface {
	DeleteExpiredPausedExecutions(ctx context.Context, before time.Time) (int, error)
	PurgeFinishedJobs(before time.Time) (int, error)
}

const finishedJobRetention = 7 * 24 * time.Hour

// RegisterHousekeeping schedules the periodic cleanup jobs: expired pause
// snapshots every 15 minutes, finished queue entries once a day.
func RegisterHousekeeping(s *Scheduler, st HousekeepingStore) error {
	if err := s.AddJob("*/15 * * * *", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		n, err := st.DeleteExpiredPausedExecutions(ctx, time.Now())
		if err != nil {
			slog.Error("scheduler: failed to sweep expired pauses", "error", err)
			return
		}
		if n > 0 {
			slog.Info("scheduler: swept expired pauses", "count", n)
		}
	}); err != nil {
		return err
	}
	return s.AddJob("30 3 * * *", func() {
		n, err := st.PurgeFinishedJobs(time.Now().Add(-finishedJobRetention))
		if err != nil {
			slog.Error("scheduler: failed to purge finished jobs", "error", err)
			return
		}
		if n > 0 {
			slog.Info("scheduler: purged finished jobs", "count", n)
		}
	})
}
