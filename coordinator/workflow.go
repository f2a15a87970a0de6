package coordinator

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/forgecrew/foreman/task"
)

// WorkflowStep is one task within a workflow. DependsOn entries may name
// other step keys in the same workflow or ids of already submitted tasks.
type WorkflowStep struct {
	Key         string         `json:"key"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	AgentType   string         `json:"agent_type"`
	Priority    task.Priority  `json:"priority"`
	Params      map[string]any `json:"params,omitempty"`
	DependsOn   []string       `json:"depends_on,omitempty"`
}

// WorkflowSpec is the submission input for a dependency graph of tasks.
type WorkflowSpec struct {
	Name  string         `json:"name"`
	Steps []WorkflowStep `json:"steps"`
}

// Workflow maps the submitted steps to their task ids.
type Workflow struct {
	ID      string            `json:"id"`
	Name    string            `json:"name"`
	TaskIDs map[string]string `json:"task_ids"` // step key -> task id
}

// SubmitWorkflow validates an entire workflow and submits its steps in
// dependency order. Validation is all-or-nothing: a bad step, duplicate key
// or dependency cycle rejects the whole workflow with no tasks created.
func (c *Coordinator) SubmitWorkflow(spec WorkflowSpec) (*Workflow, error) {
	if spec.Name == "" {
		return nil, &ValidationError{Reason: "workflow name is required"}
	}
	if len(spec.Steps) == 0 {
		return nil, &ValidationError{Reason: "workflow has no steps"}
	}

	steps := make(map[string]WorkflowStep, len(spec.Steps))
	for _, s := range spec.Steps {
		if s.Key == "" {
			return nil, &ValidationError{Reason: "workflow step key is required"}
		}
		if _, dup := steps[s.Key]; dup {
			return nil, &ValidationError{Reason: fmt.Sprintf("duplicate step key %q", s.Key)}
		}
		if s.Name == "" {
			return nil, &ValidationError{Reason: fmt.Sprintf("step %q: name is required", s.Key)}
		}
		if !s.Priority.Valid() {
			return nil, &ValidationError{Reason: fmt.Sprintf("step %q: unknown priority %d", s.Key, s.Priority)}
		}
		if _, ok := c.registry.Get(s.AgentType); !ok {
			return nil, &ValidationError{Reason: fmt.Sprintf("step %q: unknown agent type %q", s.Key, s.AgentType)}
		}
		if err := c.registry.ValidateParams(s.AgentType, s.Params); err != nil {
			return nil, &ValidationError{Reason: fmt.Sprintf("step %q: %v", s.Key, err)}
		}
		steps[s.Key] = s
	}

	// External (non-step) dependencies must already exist as tasks.
	for _, s := range spec.Steps {
		for _, dep := range s.DependsOn {
			if _, internal := steps[dep]; internal {
				continue
			}
			if _, err := c.Status(dep); err != nil {
				return nil, &ValidationError{Reason: fmt.Sprintf("step %q: dependency %s not found", s.Key, dep)}
			}
		}
	}

	order, err := topoSort(spec.Steps, steps)
	if err != nil {
		return nil, err
	}

	wf := &Workflow{
		ID:      uuid.NewString(),
		Name:    spec.Name,
		TaskIDs: make(map[string]string, len(spec.Steps)),
	}
	for _, key := range order {
		s := steps[key]
		dependsOn := make([]string, 0, len(s.DependsOn))
		for _, dep := range s.DependsOn {
			if id, internal := wf.TaskIDs[dep]; internal {
				dependsOn = append(dependsOn, id)
			} else {
				dependsOn = append(dependsOn, dep)
			}
		}
		id, err := c.Submit(task.Spec{
			Name:        s.Name,
			Description: s.Description,
			AgentType:   s.AgentType,
			Priority:    s.Priority,
			Params:      s.Params,
			DependsOn:   dependsOn,
		})
		if err != nil {
			// Pre-validation makes this unreachable short of a race with
			// Cancel; surface it rather than leave the workflow half done.
			return nil, fmt.Errorf("workflow %s step %q: %w", spec.Name, s.Key, err)
		}
		wf.TaskIDs[s.Key] = id
	}
	return wf, nil
}

// topoSort orders step keys so every internal dependency precedes its
// dependents, rejecting cycles.
func topoSort(ordered []WorkflowStep, steps map[string]WorkflowStep) ([]string, error) {
	indegree := make(map[string]int, len(steps))
	children := make(map[string][]string, len(steps))
	for _, s := range ordered {
		for _, dep := range s.DependsOn {
			if _, internal := steps[dep]; internal {
				indegree[s.Key]++
				children[dep] = append(children[dep], s.Key)
			}
		}
	}

	var frontier []string
	for _, s := range ordered {
		if indegree[s.Key] == 0 {
			frontier = append(frontier, s.Key)
		}
	}

	var order []string
	for len(frontier) > 0 {
		key := frontier[0]
		frontier = frontier[1:]
		order = append(order, key)
		for _, child := range children[key] {
			indegree[child]--
			if indegree[child] == 0 {
				frontier = append(frontier, child)
			}
		}
	}
	if len(order) != len(steps) {
		return nil, &ValidationError{Reason: "workflow contains a dependency cycle"}
	}
	return order, nil
}
