package model

type Status string

// One-shot task statuses.
const (
	StatusCreated                 Status = "created"
	StatusApproving               Status = "approving"
	StatusWaitForConfirm          Status = "wait_for_confirm"
	StatusWaitForExecution        Status = "wait_for_execution"
	StatusExecuting               Status = "executing"
	StatusExecutionSucceeded      Status = "execution_succeeded"
	StatusExecutionFailed         Status = "execution_failed"
	StatusExecutionAbnormal       Status = "execution_abnormal"
	StatusRejected                Status = "rejected"
	StatusCancelled               Status = "cancelled"
	StatusCompleted               Status = "completed"
	StatusRollbackSucceeded       Status = "rollback_succeeded"
	StatusRollbackFailed          Status = "rollback_failed"
	StatusApprovalExpired         Status = "approval_expired"
	StatusWaitForExecutionExpired Status = "wait_for_execution_expired"
	StatusExecutionExpired        Status = "execution_expired"
	StatusPreCheckFailed          Status = "pre_check_failed"
)

// Cyclic task statuses. approving, rejected, approval_expired, completed,
// execution_failed and cancelled are shared with the one-shot vocabulary.
const (
	StatusEnabled    Status = "enabled"
	StatusPaused     Status = "paused"
	StatusTerminated Status = "terminated"
)

var oneShotStatuses = map[Status]bool{
	StatusCreated:                 true,
	StatusApproving:               true,
	StatusWaitForConfirm:          true,
	StatusWaitForExecution:        true,
	StatusExecuting:               true,
	StatusExecutionSucceeded:      true,
	StatusExecutionFailed:         true,
	StatusExecutionAbnormal:       true,
	StatusRejected:                true,
	StatusCancelled:               true,
	StatusCompleted:               true,
	StatusRollbackSucceeded:       true,
	StatusRollbackFailed:          true,
	StatusApprovalExpired:         true,
	StatusWaitForExecutionExpired: true,
	StatusExecutionExpired:        true,
	StatusPreCheckFailed:          true,
}

var cyclicStatuses = map[Status]bool{
	StatusApproving:       true,
	StatusRejected:        true,
	StatusApprovalExpired: true,
	StatusEnabled:         true,
	StatusPaused:          true,
	StatusTerminated:      true,
	StatusCompleted:       true,
	StatusExecutionFailed: true,
	StatusCancelled:       true,
}

var terminalOneShot = map[Status]bool{
	StatusExecutionSucceeded:      true,
	StatusExecutionFailed:         true,
	StatusExecutionAbnormal:       true,
	StatusRejected:                true,
	StatusCancelled:               true,
	StatusCompleted:               true,
	StatusRollbackSucceeded:       true,
	StatusRollbackFailed:          true,
	StatusApprovalExpired:         true,
	StatusWaitForExecutionExpired: true,
	StatusExecutionExpired:        true,
	StatusPreCheckFailed:          true,
}

// A failed cyclic run does not end the schedule; only these do.
var terminalCyclic = map[Status]bool{
	StatusRejected:        true,
	StatusApprovalExpired: true,
	StatusTerminated:      true,
	StatusCompleted:       true,
	StatusCancelled:       true,
}

// IsKnownStatus reports whether s belongs to the vocabulary of kind k.
func IsKnownStatus(k TaskKind, s Status) bool {
	if IsCyclic(k) {
		return cyclicStatuses[s]
	}
	return oneShotStatuses[s]
}

// IsValidStatus reports whether s belongs to either vocabulary.
func IsValidStatus(s Status) bool {
	return oneShotStatuses[s] || cyclicStatuses[s]
}

func IsValidCyclicStatus(s Status) bool {
	return cyclicStatuses[s]
}

func IsValidOneShotStatus(s Status) bool {
	return oneShotStatuses[s]
}

// IsTerminal reports whether a task of kind k in status s will not change
// status again. Unknown statuses are never terminal.
func IsTerminal(k TaskKind, s Status) bool {
	if IsCyclic(k) {
		return terminalCyclic[s]
	}
	return terminalOneShot[s]
}
