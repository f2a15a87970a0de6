// Package task defines the task model and persistence for agent work items.
package task

import (
	"errors"
	"time"
)

// Status represents the lifecycle state of a task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is final. A task in a terminal state
// never transitions again.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Priority determines task scheduling order.
type Priority int

const (
	PriorityLow      Priority = 0
	PriorityMedium   Priority = 1
	PriorityHigh     Priority = 2
	PriorityCritical Priority = 3
)

// Valid reports whether p is a known priority level.
func (p Priority) Valid() bool {
	return p >= PriorityLow && p <= PriorityCritical
}

// ErrNotFound is returned when a task id does not exist.
var ErrNotFound = errors.New("task not found")

// Spec is the submission input for a new task.
type Spec struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	AgentType   string         `json:"agent_type"`
	Priority    Priority       `json:"priority"`
	Params      map[string]any `json:"params,omitempty"`
	DependsOn   []string       `json:"depends_on,omitempty"`
}

// Task is a unit of work for an agent. It is mutated exclusively by the
// coordinator; everyone else sees snapshots.
type Task struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	AgentType   string         `json:"agent_type"`
	Status      Status         `json:"status"`
	Priority    Priority       `json:"priority"`
	Params      map[string]any `json:"params,omitempty"`
	DependsOn   []string       `json:"depends_on,omitempty"`
	Progress    int            `json:"progress"`
	Result      any            `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	Warnings    []string       `json:"warnings,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// Clone returns a copy safe to hand to callers while the coordinator keeps
// mutating the original.
func (t *Task) Clone() *Task {
	c := *t
	if t.Params != nil {
		c.Params = make(map[string]any, len(t.Params))
		for k, v := range t.Params {
			c.Params[k] = v
		}
	}
	c.DependsOn = append([]string(nil), t.DependsOn...)
	c.Warnings = append([]string(nil), t.Warnings...)
	if t.StartedAt != nil {
		st := *t.StartedAt
		c.StartedAt = &st
	}
	if t.CompletedAt != nil {
		ct := *t.CompletedAt
		c.CompletedAt = &ct
	}
	return &c
}

// Store persists and retrieves task history.
type Store interface {
	// Create persists a new task and returns its ID.
	Create(t *Task) (string, error)

	// Get retrieves a task by ID.
	Get(id string) (*Task, error)

	// Update saves changes to an existing task.
	Update(t *Task) error

	// List returns tasks matching the given filter, ordered by
	// priority descending then creation time ascending.
	List(filter Filter) ([]*Task, error)

	// Delete removes a task by ID. Normal operation never deletes;
	// this is the hook for external retention policies.
	Delete(id string) error
}

// Filter controls which tasks are returned by List.
type Filter struct {
	Status        *Status    `json:"status,omitempty"`
	AgentType     string     `json:"agent_type,omitempty"`
	CreatedAfter  *time.Time `json:"created_after,omitempty"`
	CreatedBefore *time.Time `json:"created_before,omitempty"`
	Limit         int        `json:"limit,omitempty"`
	Offset        int        `json:"offset,omitempty"`
}

// Matches reports whether t satisfies the filter.
func (f Filter) Matches(t *Task) bool {
	if f.Status != nil && t.Status != *f.Status {
		return false
	}
	if f.AgentType != "" && t.AgentType != f.AgentType {
		return false
	}
	if f.CreatedAfter != nil && !t.CreatedAt.After(*f.CreatedAfter) {
		return false
	}
	if f.CreatedBefore != nil && !t.CreatedAt.Before(*f.CreatedBefore) {
		return false
	}
	return true
}
