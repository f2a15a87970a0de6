package memory

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
)

// LocalGraph is the in-process fallback graph store: a plain map mirroring
// the node/edge schema. It keeps the adapter serving when the durable graph
// store is unreachable. Contents do not survive a restart.
type LocalGraph struct {
	mu    sync.RWMutex
	nodes map[string]*Node
	order []string // insertion order, newest last
	edges []*Edge
}

// NewLocalGraph creates an empty in-process graph store.
func NewLocalGraph() *LocalGraph {
	return &LocalGraph{nodes: make(map[string]*Node)}
}

// Close is a no-op for the in-process store.
func (g *LocalGraph) Close() error { return nil }

// AddNode stores an atom in memory.
func (g *LocalGraph) AddNode(_ context.Context, n *Node) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.nodes[n.ID]; ok {
		return fmt.Errorf("node %s already exists", n.ID)
	}
	g.nodes[n.ID] = n
	g.order = append(g.order, n.ID)
	return nil
}

// AddEdge stores a directed edge in memory.
func (g *LocalGraph) AddEdge(_ context.Context, e *Edge) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, ex := range g.edges {
		if ex.FromID == e.FromID && ex.ToID == e.ToID && ex.Relation == e.Relation {
			return nil
		}
	}
	g.edges = append(g.edges, e)
	return nil
}

// GetNode retrieves a single node by ID.
func (g *LocalGraph) GetNode(_ context.Context, id string) (*Node, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[id]
	if !ok {
		return nil, fmt.Errorf("node %s: %w", id, ErrNotFound)
	}
	return n, nil
}

// QueryNodes returns nodes matching the filter, newest first.
func (g *LocalGraph) QueryNodes(_ context.Context, f NodeFilter) ([]*Node, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var nodes []*Node
	for i := len(g.order) - 1; i >= 0; i-- {
		n := g.nodes[g.order[i]]
		if !f.CrossProject && f.Project != "" && n.Project != f.Project {
			continue
		}
		if f.Type != "" && n.Type != f.Type {
			continue
		}
		if f.TaskID != "" && n.TaskID != f.TaskID {
			continue
		}
		nodes = append(nodes, n)
		if f.Limit > 0 && len(nodes) >= f.Limit {
			break
		}
	}
	return nodes, nil
}

// Edges returns all edges touching the given node, in either direction.
func (g *LocalGraph) Edges(_ context.Context, nodeID string) ([]*Edge, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var edges []*Edge
	for _, e := range g.edges {
		if e.FromID == nodeID || e.ToID == nodeID {
			edges = append(edges, e)
		}
	}
	return edges, nil
}

// Counts returns the total node and edge counts.
func (g *LocalGraph) Counts(_ context.Context) (int, int, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes), len(g.edges), nil
}

// LocalVectors is the in-process fallback similarity store. Without
// embeddings it scores by cosine similarity over term-frequency vectors;
// with embeddings it blends 70% embedding cosine and 30% keyword score,
// mirroring the durable backend.
type LocalVectors struct {
	mu       sync.RWMutex
	memories []*VectorMemory
}

// NewLocalVectors creates an empty in-process vector store.
func NewLocalVectors() *LocalVectors {
	return &LocalVectors{}
}

// Close is a no-op for the in-process store.
func (v *LocalVectors) Close() error { return nil }

// Add stores a memory in memory.
func (v *LocalVectors) Add(_ context.Context, m *VectorMemory) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.memories = append(v.memories, m)
	return nil
}

// Search returns the topK most relevant memories in a project.
func (v *LocalVectors) Search(_ context.Context, project, query string, embedding []float32, topK int) ([]ScoredMemory, error) {
	if topK <= 0 {
		topK = 5
	}
	queryTF := termFrequency(query)

	v.mu.RLock()
	var results []ScoredMemory
	for _, m := range v.memories {
		if m.Project != project {
			continue
		}
		keyword := tfCosine(queryTF, termFrequency(m.Content))
		score := keyword
		if len(embedding) > 0 && len(m.Embedding) > 0 {
			score = 0.7*float64(cosineSimilarity(embedding, m.Embedding)) + 0.3*keyword
		}
		if score <= 0 {
			continue
		}
		results = append(results, ScoredMemory{Memory: *m, Score: score})
	}
	v.mu.RUnlock()

	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

// Count returns the total number of stored memories.
func (v *LocalVectors) Count(_ context.Context) (int, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.memories), nil
}

func termFrequency(s string) map[string]float64 {
	tf := make(map[string]float64)
	for _, t := range tokenize(s) {
		tf[t]++
	}
	return tf
}

func tfCosine(a, b map[string]float64) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for t, w := range a {
		dot += w * b[t]
		normA += w * w
	}
	for _, w := range b {
		normB += w * w
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
