// Package agent defines the execution contract between the coordinator and
// autonomous worker implementations, and the registry that tracks which agent
// types are available.
package agent

import (
	"context"
	"encoding/json"

	"github.com/forgecrew/foreman/memory"
	"github.com/forgecrew/foreman/task"
)

// Result is what an agent returns on successful execution.
type Result struct {
	Output any `json:"output,omitempty"`
}

// ExecContext carries everything an agent receives for one execution: the
// task, its validated parameters, injected memory context, and a progress
// callback. Agents must treat the injected slices as read-only.
type ExecContext struct {
	Task    *task.Task
	Params  map[string]any
	Atoms   []*memory.Node
	Similar []memory.ScoredMemory

	// Progress reports completion percent (0-100). Safe to call from the
	// agent goroutine; never nil.
	Progress func(percent int)
}

// Agent executes a single task. Execute must honor ctx cancellation: when ctx
// is done the agent should stop and return promptly. Returning an error marks
// the task failed; a nil error with a Result marks it completed.
type Agent interface {
	Execute(ctx context.Context, ec *ExecContext) (*Result, error)
}

// Registration describes an agent type offered to the coordinator.
type Registration struct {
	// Type is the unique agent type name, e.g. "code-review".
	Type string
	// Description is a short human-readable summary.
	Description string
	// MaxConcurrent caps simultaneous executions of this type. Zero means
	// unlimited.
	MaxConcurrent int
	// ParamsSchema is an optional JSON Schema document validated against
	// task params at submission time.
	ParamsSchema json.RawMessage

	Agent Agent
}
