package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/FlowDesk/internal/models"
	"github.com/BTreeMap/FlowDesk/internal/store"
)

// DelayJobKind tags delayed workflow resumptions in the durable job queue.
const DelayJobKind = "workflow.delay.v1"

// DurableDelayQueue implements DelayQueue on top of the store's job table,
// so scheduled resumptions survive process restarts.
type DurableDelayQueue struct {
	jobs store.JobRepo
}

// NewDurableDelayQueue wraps the job repo.
func NewDurableDelayQueue(jobs store.JobRepo) *DurableDelayQueue {
	return &DurableDelayQueue{jobs: jobs}
}

var _ DelayQueue = (*DurableDelayQueue)(nil)

// Enqueue serializes the task and schedules it to run after the delay.
func (q *DurableDelayQueue) Enqueue(ctx context.Context, task models.DelayTask, delay time.Duration) error {
	if err := task.Validate(); err != nil {
		return fmt.Errorf("invalid delay task: %w", err)
	}
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to encode delay task: %w", err)
	}
	runAt := time.Now().Add(delay)
	id, err := q.jobs.EnqueueJob(DelayJobKind, runAt, string(payload))
	if err != nil {
		return fmt.Errorf("failed to enqueue delay task: %w", err)
	}
	slog.Info("DurableDelayQueue.Enqueue: delay scheduled",
		"jobID", id, "sessionID", task.SessionID, "workflowID", task.WorkflowID, "runAt", runAt)
	return nil
}

// RegisterJobHandlers wires the delayed-resumption handler into the runner.
func RegisterJobHandlers(runner *store.JobRunner, dispatcher *Dispatcher, workflows WorkflowStore, messaging MessagingService) {
	runner.RegisterHandler(DelayJobKind, makeDelayHandler(dispatcher, workflows, messaging))
}

// makeDelayHandler builds the consumer for delayed resumptions. Malformed
// payloads and vanished or disabled workflows are acknowledged and dropped;
// only transient run errors propagate so the job retries.
func makeDelayHandler(dispatcher *Dispatcher, workflows WorkflowStore, messaging MessagingService) store.JobHandler {
	return func(ctx context.Context, payload string) error {
		var task models.DelayTask
		if err := json.Unmarshal([]byte(payload), &task); err != nil {
			slog.Error("delay handler: malformed payload, dropping", "error", err)
			return nil
		}
		if err := task.Validate(); err != nil {
			slog.Error("delay handler: invalid task, dropping", "error", err, "sessionID", task.SessionID)
			return nil
		}

		w, err := workflows.GetWorkflow(ctx, task.WorkflowID)
		if errors.Is(err, models.ErrWorkflowNotFound) {
			slog.Warn("delay handler: target workflow gone, dropping",
				"workflowID", task.WorkflowID, "sessionID", task.SessionID)
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to load workflow %s: %w", task.WorkflowID, err)
		}
		if !w.Enabled {
			slog.Warn("delay handler: target workflow disabled, dropping",
				"workflowID", task.WorkflowID, "sessionID", task.SessionID)
			return nil
		}

		slog.Info("delay handler: resuming session",
			"sessionID", task.SessionID, "workflowID", task.WorkflowID, "workflow", task.WorkflowName)
		result, err := dispatcher.RunWorkflow(ctx, task.WorkflowID, task.SessionID, task.InputData)
		if err != nil {
			return fmt.Errorf("delayed run of workflow %s failed: %w", task.WorkflowID, err)
		}
		if result.Status == RunFailed {
			if result.Err != nil {
				return fmt.Errorf("delayed run of workflow %s failed: %w", task.WorkflowID, result.Err)
			}
			return fmt.Errorf("delayed run of workflow %s failed", task.WorkflowID)
		}
		if result.FinalReply != "" && messaging != nil {
			if err := messaging.SendMessage(ctx, task.SessionID, result.FinalReply); err != nil {
				return fmt.Errorf("failed to deliver delayed reply: %w", err)
			}
		}
		return nil
	}
}
