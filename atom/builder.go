// Package atom converts completed work into immutable context atoms and
// records their provenance edges in the memory graph.
package atom

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/forgecrew/foreman/memory"
	"github.com/forgecrew/foreman/task"
)

// Builder distills task outcomes into context atoms. Persistence problems are
// reported as warnings on the task, never as task failures: losing a memory
// write must not undo finished work.
type Builder struct {
	mem    *memory.Adapter
	logger *slog.Logger
}

// New creates a Builder writing through the given memory adapter.
func New(mem *memory.Adapter, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Builder{mem: mem, logger: logger}
}

// FromTask records a terminal task as a context atom: an observation for a
// completed task, an error atom for a failed one. basedOn lists atom ids the
// work drew on; each becomes a based_on edge. The returned warnings describe
// any persistence problems and should be attached to the task.
func (b *Builder) FromTask(ctx context.Context, t *task.Task, basedOn []string) (*memory.Node, []string) {
	var warnings []string

	atomType := memory.TypeObservation
	content := fmt.Sprintf("task %q (%s) completed", t.Name, t.AgentType)
	if t.Status == task.StatusFailed {
		atomType = memory.TypeError
		content = fmt.Sprintf("task %q (%s) failed: %s", t.Name, t.AgentType, t.Error)
	}
	if s, ok := t.Result.(string); ok && s != "" {
		content += ": " + s
	}

	n := &memory.Node{
		Type:     atomType,
		Content:  content,
		TaskID:   t.ID,
		Metadata: taskMetadata(t),
	}
	id, err := b.mem.AddNode(ctx, n)
	if err != nil {
		warnings = append(warnings, fmt.Sprintf("memory atom not persisted: %v", err))
		b.logger.Warn("atom persist failed", slog.String("task", t.ID), slog.Any("err", err))
		return nil, warnings
	}

	for _, src := range basedOn {
		if err := b.mem.AddEdge(ctx, id, src, memory.RelationBasedOn); err != nil {
			warnings = append(warnings, fmt.Sprintf("provenance edge to %s not persisted: %v", src, err))
		}
	}

	if _, err := b.mem.AddVector(ctx, content, n.Metadata); err != nil {
		warnings = append(warnings, fmt.Sprintf("similarity memory not persisted: %v", err))
	}
	return n, warnings
}

// Correct records a replacement atom linked to the original with a corrects
// edge. The original is untouched; readers traversing from it discover the
// correction.
func (b *Builder) Correct(ctx context.Context, originalID, content string, metadata map[string]string) (*memory.Node, error) {
	return b.link(ctx, originalID, content, metadata, memory.RelationCorrects)
}

// Supersede records a newer atom linked to the original with a supersedes
// edge.
func (b *Builder) Supersede(ctx context.Context, originalID, content string, metadata map[string]string) (*memory.Node, error) {
	return b.link(ctx, originalID, content, metadata, memory.RelationSupersedes)
}

func (b *Builder) link(ctx context.Context, originalID, content string, metadata map[string]string, relation string) (*memory.Node, error) {
	orig, err := b.mem.GetNode(ctx, originalID)
	if err != nil {
		return nil, fmt.Errorf("%s target: %w", relation, err)
	}

	n := &memory.Node{
		Type:     orig.Type,
		Content:  content,
		Metadata: metadata,
	}
	id, err := b.mem.AddNode(ctx, n)
	if err != nil {
		return nil, fmt.Errorf("add %s atom: %w", relation, err)
	}
	if err := b.mem.AddEdge(ctx, id, originalID, relation); err != nil {
		return nil, fmt.Errorf("%s edge: %w", relation, err)
	}

	if _, err := b.mem.AddVector(ctx, content, metadata); err != nil {
		b.logger.Warn("similarity memory not persisted", slog.String("atom", id), slog.Any("err", err))
	}
	return n, nil
}

func taskMetadata(t *task.Task) map[string]string {
	md := map[string]string{
		"agent_type": t.AgentType,
		"status":     string(t.Status),
		"priority":   strconv.Itoa(int(t.Priority)),
	}
	if t.StartedAt != nil && t.CompletedAt != nil {
		md["duration"] = t.CompletedAt.Sub(*t.StartedAt).String()
	}
	return md
}
