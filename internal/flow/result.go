package flow

import "github.com/BTreeMap/FlowDesk/internal/models"

// RunStatus is the outcome class of one graph traversal.
type RunStatus string

const (
	RunCompleted RunStatus = "completed"
	RunSuspended RunStatus = "suspended"
	RunFailed    RunStatus = "failed"
)

// RunResult is the sum type returned by the runner: exactly one of the three
// outcomes, propagated explicitly instead of by unwinding.
type RunResult struct {
	Status     RunStatus
	FinalReply string
	// Suspension carries the durable snapshot when Status is RunSuspended.
	Suspension *models.PausedExecution
	// Records is the full audit trail of the run.
	Records []models.NodeExecutionRecord
	// NeedHumanTransfer and TransferReason surface the escalation side
	// effect to the caller.
	NeedHumanTransfer bool
	TransferReason    string
	// Err is set when Status is RunFailed.
	Err error
}

// Completed reports whether the run produced a final reply.
func (r *RunResult) Completed() bool { return r.Status == RunCompleted }

// Suspended reports whether the run paused awaiting user input.
func (r *RunResult) Suspended() bool { return r.Status == RunSuspended }

// NodeResult is what one node invocation produces. Step nodes fill Output;
// branch nodes additionally return a RouteKey. Suspend signals that the run
// must pause: Output then carries the question to send the user and
// ConversationJSON the serialized exchange to persist.
type NodeResult struct {
	Output           string
	RouteKey         string
	Suspend          bool
	ConversationJSON string
}
