package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
)

// Config controls which durable backends the adapter opens. An empty path
// leaves that side on the in-process fallback.
type Config struct {
	Project    string
	GraphPath  string
	VectorPath string
}

// Option customizes an Adapter.
type Option func(*Adapter)

// WithEmbedder attaches an embedding provider for vector writes and queries.
func WithEmbedder(e Embedder) Option {
	return func(a *Adapter) { a.embedder = e }
}

// WithLogger attaches a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Adapter) { a.logger = l }
}

// Adapter is the single writer-of-record for project memory. It fronts a
// durable graph store and a durable vector store; if either is unreachable
// the affected side is served from an in-process fallback and a background
// probe keeps trying to bring the durable store back. Recovered stores serve
// new operations only — fallback data accumulated in the interim is retained
// in-process and not reconciled.
type Adapter struct {
	project  string
	logger   *slog.Logger
	embedder Embedder

	graphPath  string
	vectorPath string

	mu             sync.RWMutex
	graph          GraphStore
	vectors        VectorStore
	graphDurable   bool
	vectorsDurable bool
	localGraph     *LocalGraph
	localVectors   *LocalVectors

	probeKick chan struct{}
	stop      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewAdapter creates an Adapter for the given project. Connection failures
// are logged and degrade to the fallback; they never abort startup.
func NewAdapter(cfg Config, opts ...Option) *Adapter {
	a := &Adapter{
		project:      cfg.Project,
		logger:       slog.New(slog.DiscardHandler),
		graphPath:    cfg.GraphPath,
		vectorPath:   cfg.VectorPath,
		localGraph:   NewLocalGraph(),
		localVectors: NewLocalVectors(),
		probeKick:    make(chan struct{}, 1),
		stop:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}

	a.graph = a.localGraph
	a.vectors = a.localVectors

	if cfg.GraphPath != "" {
		if g, err := NewSQLiteGraph(cfg.GraphPath); err != nil {
			a.logger.Warn("graph store unreachable, serving from local fallback",
				slog.String("path", cfg.GraphPath), slog.Any("err", err))
		} else {
			a.graph = g
			a.graphDurable = true
		}
	}
	if cfg.VectorPath != "" {
		if v, err := NewSQLiteVectors(cfg.VectorPath); err != nil {
			a.logger.Warn("vector store unreachable, serving from local fallback",
				slog.String("path", cfg.VectorPath), slog.Any("err", err))
		} else {
			a.vectors = v
			a.vectorsDurable = true
		}
	}

	if cfg.GraphPath != "" || cfg.VectorPath != "" {
		a.wg.Add(1)
		go a.probeLoop()
	}
	return a
}

// Close stops the reconnect probe and releases both backends.
func (a *Adapter) Close() error {
	a.closeOnce.Do(func() { close(a.stop) })
	a.wg.Wait()

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.graphDurable {
		a.graph.Close()
	}
	if a.vectorsDurable {
		a.vectors.Close()
	}
	return nil
}

// Mode returns the adapter's current degradation level. A side with no
// durable backend configured counts as unreachable.
func (a *Adapter) Mode() Mode {
	a.mu.RLock()
	defer a.mu.RUnlock()
	switch {
	case a.graphDurable && a.vectorsDurable:
		return ModeFull
	case a.graphDurable || a.vectorsDurable:
		return ModeDegraded
	default:
		return ModeLocalOnly
	}
}

// Project returns the project id all writes are scoped to.
func (a *Adapter) Project() string { return a.project }

// AddNode persists an atom tagged with the adapter's project and returns its
// id. Atoms are immutable once persisted.
func (a *Adapter) AddNode(ctx context.Context, n *Node) (string, error) {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	n.Project = a.project
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}

	g, durable := a.currentGraph()
	err := g.AddNode(ctx, n)
	if err != nil && durable {
		a.demoteGraph(err)
		err = a.localGraph.AddNode(ctx, n)
	}
	if err != nil {
		return "", fmt.Errorf("add node: %w", err)
	}
	return n.ID, nil
}

// AddEdge records a directed, typed relationship between two atoms.
func (a *Adapter) AddEdge(ctx context.Context, fromID, toID, relation string) error {
	if fromID == "" || toID == "" || relation == "" {
		return fmt.Errorf("add edge: from, to and relation are required")
	}
	e := &Edge{FromID: fromID, ToID: toID, Relation: relation, CreatedAt: time.Now().UTC()}

	g, durable := a.currentGraph()
	err := g.AddEdge(ctx, e)
	if err != nil && durable {
		a.demoteGraph(err)
		err = a.localGraph.AddEdge(ctx, e)
	}
	if err != nil {
		return fmt.Errorf("add edge: %w", err)
	}
	return nil
}

// GetNode retrieves a single atom by id, scoped to the adapter's project.
func (a *Adapter) GetNode(ctx context.Context, id string) (*Node, error) {
	g, durable := a.currentGraph()
	n, err := g.GetNode(ctx, id)
	if err != nil && durable && !isNotFound(err) {
		a.demoteGraph(err)
		n, err = a.localGraph.GetNode(ctx, id)
	}
	if err != nil {
		return nil, err
	}
	if n.Project != a.project {
		return nil, fmt.Errorf("node %s: %w", id, ErrNotFound)
	}
	return n, nil
}

// QueryNodes returns atoms matching the filter. Queries default-scope to the
// adapter's project unless the filter sets CrossProject.
func (a *Adapter) QueryNodes(ctx context.Context, f NodeFilter) ([]*Node, error) {
	if !f.CrossProject && f.Project == "" {
		f.Project = a.project
	}
	g, durable := a.currentGraph()
	nodes, err := g.QueryNodes(ctx, f)
	if err != nil && durable {
		a.demoteGraph(err)
		nodes, err = a.localGraph.QueryNodes(ctx, f)
	}
	if err != nil {
		return nil, fmt.Errorf("query nodes: %w", err)
	}
	return nodes, nil
}

// Traverse walks the edge graph outward from a seed atom up to maxDepth hops
// and returns every reached atom with the relation and direction it was
// reached through. The seed itself is not included.
func (a *Adapter) Traverse(ctx context.Context, seedID string, maxDepth int) ([]TraversalNode, error) {
	if maxDepth <= 0 {
		maxDepth = 2
	}
	if _, err := a.GetNode(ctx, seedID); err != nil {
		return nil, err
	}

	g, _ := a.currentGraph()
	visited := map[string]bool{seedID: true}
	frontier := []string{seedID}
	var result []TraversalNode

	for depth := 1; depth <= maxDepth && len(frontier) > 0; depth++ {
		var next []string
		for _, id := range frontier {
			edges, err := g.Edges(ctx, id)
			if err != nil {
				return nil, fmt.Errorf("traverse edges: %w", err)
			}
			for _, e := range edges {
				other, direction := e.ToID, "outgoing"
				if e.ToID == id {
					other, direction = e.FromID, "incoming"
				}
				if visited[other] {
					continue
				}
				visited[other] = true
				n, err := g.GetNode(ctx, other)
				if err != nil {
					continue
				}
				result = append(result, TraversalNode{
					Node:      n,
					Relation:  e.Relation,
					Direction: direction,
					Depth:     depth,
				})
				next = append(next, other)
			}
		}
		frontier = next
	}
	return result, nil
}

// AddVector persists content for similarity recall and returns its memory id.
// Embedding failures degrade to keyword-only matching, they never fail the
// write.
func (a *Adapter) AddVector(ctx context.Context, content string, metadata map[string]string) (string, error) {
	m := &VectorMemory{
		ID:        uuid.NewString(),
		Project:   a.project,
		Content:   content,
		Metadata:  metadata,
		CreatedAt: time.Now().UTC(),
	}
	if a.embedder != nil {
		emb, err := a.embedder.Embed(ctx, content)
		if err != nil {
			a.logger.Warn("embedding failed, storing keyword-only", slog.Any("err", err))
		} else {
			m.Embedding = emb
		}
	}

	v, durable := a.currentVectors()
	err := v.Add(ctx, m)
	if err != nil && durable {
		a.demoteVectors(err)
		err = a.localVectors.Add(ctx, m)
	}
	if err != nil {
		return "", fmt.Errorf("add vector: %w", err)
	}
	return m.ID, nil
}

// QuerySimilar returns up to topK memories most similar to content, scoped to
// the adapter's project.
func (a *Adapter) QuerySimilar(ctx context.Context, content string, topK int) ([]ScoredMemory, error) {
	var embedding []float32
	if a.embedder != nil {
		emb, err := a.embedder.Embed(ctx, content)
		if err != nil {
			a.logger.Warn("query embedding failed, keyword-only search", slog.Any("err", err))
		} else {
			embedding = emb
		}
	}

	v, durable := a.currentVectors()
	results, err := v.Search(ctx, a.project, content, embedding, topK)
	if err != nil && durable {
		a.demoteVectors(err)
		results, err = a.localVectors.Search(ctx, a.project, content, embedding, topK)
	}
	if err != nil {
		return nil, fmt.Errorf("query similar: %w", err)
	}
	return results, nil
}

// Stats reports the storage mode and store counts. This is the only path
// that surfaces ErrStoreUnavailable.
func (a *Adapter) Stats(ctx context.Context) (Stats, error) {
	s := Stats{Mode: a.Mode()}

	g, _ := a.currentGraph()
	nodes, edges, err := g.Counts(ctx)
	if err != nil {
		return s, fmt.Errorf("graph counts: %w: %w", ErrStoreUnavailable, err)
	}
	s.Nodes, s.Edges = nodes, edges

	v, _ := a.currentVectors()
	vectors, err := v.Count(ctx)
	if err != nil {
		return s, fmt.Errorf("vector count: %w: %w", ErrStoreUnavailable, err)
	}
	s.Vectors = vectors
	return s, nil
}

func (a *Adapter) currentGraph() (GraphStore, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.graph, a.graphDurable
}

func (a *Adapter) currentVectors() (VectorStore, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.vectors, a.vectorsDurable
}

func (a *Adapter) demoteGraph(cause error) {
	a.mu.Lock()
	if a.graphDurable {
		a.logger.Warn("graph store failed, switching to local fallback", slog.Any("err", cause))
		a.graph.Close()
		a.graph = a.localGraph
		a.graphDurable = false
	}
	a.mu.Unlock()
	a.kickProbe()
}

func (a *Adapter) demoteVectors(cause error) {
	a.mu.Lock()
	if a.vectorsDurable {
		a.logger.Warn("vector store failed, switching to local fallback", slog.Any("err", cause))
		a.vectors.Close()
		a.vectors = a.localVectors
		a.vectorsDurable = false
	}
	a.mu.Unlock()
	a.kickProbe()
}

func (a *Adapter) kickProbe() {
	select {
	case a.probeKick <- struct{}{}:
	default:
	}
}

// probeLoop retries unreachable durable stores with exponential backoff and
// swaps them back in when they recover.
func (a *Adapter) probeLoop() {
	defer a.wg.Done()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0 // retry forever

	for {
		if a.allDurable() {
			// Nothing to recover — park until a demotion kicks us.
			select {
			case <-a.stop:
				return
			case <-a.probeKick:
				b.Reset()
			}
		}

		select {
		case <-a.stop:
			return
		case <-time.After(b.NextBackOff()):
		}
		a.tryReconnect()
	}
}

func (a *Adapter) allDurable() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	graphOK := a.graphPath == "" || a.graphDurable
	vectorsOK := a.vectorPath == "" || a.vectorsDurable
	return graphOK && vectorsOK
}

func (a *Adapter) tryReconnect() {
	a.mu.RLock()
	needGraph := a.graphPath != "" && !a.graphDurable
	needVectors := a.vectorPath != "" && !a.vectorsDurable
	a.mu.RUnlock()

	if needGraph {
		if g, err := NewSQLiteGraph(a.graphPath); err == nil {
			a.mu.Lock()
			a.graph = g
			a.graphDurable = true
			a.mu.Unlock()
			a.logger.Info("graph store recovered; interim fallback data retained in-process",
				slog.String("path", a.graphPath))
		}
	}
	if needVectors {
		if v, err := NewSQLiteVectors(a.vectorPath); err == nil {
			a.mu.Lock()
			a.vectors = v
			a.vectorsDurable = true
			a.mu.Unlock()
			a.logger.Info("vector store recovered; interim fallback data retained in-process",
				slog.String("path", a.vectorPath))
		}
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
