package coordinator

import (
	"fmt"
	"time"
)

// ValidationError reports a task or workflow submission rejected before it
// entered the queue.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return "validation: " + e.Reason }

// DependencyError reports a task failed because one of its dependencies
// terminated without completing.
type DependencyError struct {
	TaskID       string
	DependencyID string
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("task %s: dependency %s did not complete", e.TaskID, e.DependencyID)
}

// AgentExecutionError wraps an error returned by an agent's Execute.
type AgentExecutionError struct {
	TaskID string
	Err    error
}

func (e *AgentExecutionError) Error() string {
	return fmt.Sprintf("task %s: agent execution: %v", e.TaskID, e.Err)
}

func (e *AgentExecutionError) Unwrap() error { return e.Err }

// WorkerFaultError reports a worker that panicked or went silent while
// running a task.
type WorkerFaultError struct {
	TaskID string
	Reason string
}

func (e *WorkerFaultError) Error() string {
	return fmt.Sprintf("task %s: worker fault: %s", e.TaskID, e.Reason)
}

// TimeoutError reports a task that exceeded its execution deadline, or one
// whose agent did not stop within the cancellation grace period.
type TimeoutError struct {
	TaskID  string
	Timeout time.Duration
	// Cancel marks a cancellation grace expiry rather than an execution
	// deadline.
	Cancel bool
}

func (e *TimeoutError) Error() string {
	if e.Cancel {
		return fmt.Sprintf("task %s: cancellation deadline exceeded after %s", e.TaskID, e.Timeout)
	}
	return fmt.Sprintf("task %s: execution exceeded %s", e.TaskID, e.Timeout)
}
