package memory

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func newTestAdapter(t *testing.T, project string) *Adapter {
	t.Helper()
	dir := t.TempDir()
	a := NewAdapter(Config{
		Project:    project,
		GraphPath:  filepath.Join(dir, "graph.db"),
		VectorPath: filepath.Join(dir, "vectors.db"),
	})
	t.Cleanup(func() { a.Close() })
	return a
}

func TestAdapter_ModeFull(t *testing.T) {
	a := newTestAdapter(t, "proj")
	if m := a.Mode(); m != ModeFull {
		t.Errorf("Mode = %s, want %s", m, ModeFull)
	}
}

func TestAdapter_LocalOnlyWhenUnconfigured(t *testing.T) {
	a := NewAdapter(Config{Project: "proj"})
	defer a.Close()

	if m := a.Mode(); m != ModeLocalOnly {
		t.Errorf("Mode = %s, want %s", m, ModeLocalOnly)
	}

	// Reads and writes still work from the fallback.
	id, err := a.AddNode(context.Background(), &Node{Type: TypeObservation, Content: "works offline"})
	if err != nil {
		t.Fatalf("AddNode: %v", err)
	}
	if _, err := a.GetNode(context.Background(), id); err != nil {
		t.Fatalf("GetNode: %v", err)
	}
}

func TestAdapter_DegradedOnBadPath(t *testing.T) {
	dir := t.TempDir()
	a := NewAdapter(Config{
		Project:    "proj",
		GraphPath:  filepath.Join(dir, "graph.db"),
		VectorPath: filepath.Join(dir, "no", "such", "dir", "vectors.db"),
	})
	defer a.Close()

	if m := a.Mode(); m != ModeDegraded {
		t.Errorf("Mode = %s, want %s", m, ModeDegraded)
	}

	// The degraded side serves from the fallback without surfacing errors.
	if _, err := a.AddVector(context.Background(), "fallback write", nil); err != nil {
		t.Fatalf("AddVector in degraded mode: %v", err)
	}
}

func TestAdapter_WritesTaggedWithProject(t *testing.T) {
	a := newTestAdapter(t, "proj-a")

	n := &Node{Type: TypeDecision, Content: "use sqlite", Project: "spoofed"}
	id, err := a.AddNode(context.Background(), n)
	if err != nil {
		t.Fatalf("AddNode: %v", err)
	}

	got, err := a.GetNode(context.Background(), id)
	if err != nil {
		t.Fatalf("GetNode: %v", err)
	}
	if got.Project != "proj-a" {
		t.Errorf("Project = %q, want %q", got.Project, "proj-a")
	}
}

func TestAdapter_QueryScoping(t *testing.T) {
	dir := t.TempDir()
	graphPath := filepath.Join(dir, "graph.db")
	vectorPath := filepath.Join(dir, "vectors.db")

	a := NewAdapter(Config{Project: "proj-a", GraphPath: graphPath, VectorPath: vectorPath})
	b := NewAdapter(Config{Project: "proj-b", GraphPath: graphPath, VectorPath: vectorPath})
	defer a.Close()
	defer b.Close()

	ctx := context.Background()
	if _, err := a.AddNode(ctx, &Node{Type: TypeObservation, Content: "from a"}); err != nil {
		t.Fatalf("AddNode a: %v", err)
	}
	if _, err := b.AddNode(ctx, &Node{Type: TypeObservation, Content: "from b"}); err != nil {
		t.Fatalf("AddNode b: %v", err)
	}

	nodes, err := a.QueryNodes(ctx, NodeFilter{})
	if err != nil {
		t.Fatalf("QueryNodes: %v", err)
	}
	if len(nodes) != 1 || nodes[0].Content != "from a" {
		t.Errorf("default scope returned %v, want only proj-a nodes", nodes)
	}

	nodes, err = a.QueryNodes(ctx, NodeFilter{CrossProject: true})
	if err != nil {
		t.Fatalf("QueryNodes cross-project: %v", err)
	}
	if len(nodes) != 2 {
		t.Errorf("cross-project scope returned %d nodes, want 2", len(nodes))
	}
}

func TestAdapter_QueryNodesNewestFirst(t *testing.T) {
	a := newTestAdapter(t, "proj")
	ctx := context.Background()

	for _, content := range []string{"first", "second", "third"} {
		if _, err := a.AddNode(ctx, &Node{Type: TypeObservation, Content: content}); err != nil {
			t.Fatalf("AddNode %s: %v", content, err)
		}
	}

	nodes, err := a.QueryNodes(ctx, NodeFilter{Limit: 2})
	if err != nil {
		t.Fatalf("QueryNodes: %v", err)
	}
	if len(nodes) != 2 {
		t.Fatalf("QueryNodes returned %d nodes, want 2", len(nodes))
	}
	if nodes[0].Content != "third" || nodes[1].Content != "second" {
		t.Errorf("order = [%s, %s], want newest first", nodes[0].Content, nodes[1].Content)
	}
}

func TestAdapter_TraverseFindsCorrections(t *testing.T) {
	a := newTestAdapter(t, "proj")
	ctx := context.Background()

	origID, err := a.AddNode(ctx, &Node{Type: TypeObservation, Content: "api returns 200"})
	if err != nil {
		t.Fatalf("AddNode original: %v", err)
	}
	fixID, err := a.AddNode(ctx, &Node{Type: TypeObservation, Content: "api actually returns 204"})
	if err != nil {
		t.Fatalf("AddNode correction: %v", err)
	}
	if err := a.AddEdge(ctx, fixID, origID, RelationCorrects); err != nil {
		t.Fatalf("AddEdge: %v", err)
	}

	// Original is untouched.
	orig, err := a.GetNode(ctx, origID)
	if err != nil {
		t.Fatalf("GetNode: %v", err)
	}
	if orig.Content != "api returns 200" {
		t.Errorf("original mutated: %q", orig.Content)
	}

	// Traversing from the original discovers the correction.
	reached, err := a.Traverse(ctx, origID, 2)
	if err != nil {
		t.Fatalf("Traverse: %v", err)
	}
	if len(reached) != 1 {
		t.Fatalf("Traverse returned %d nodes, want 1", len(reached))
	}
	tn := reached[0]
	if tn.Node.ID != fixID || tn.Relation != RelationCorrects || tn.Direction != "incoming" {
		t.Errorf("Traverse = %+v, want incoming corrects edge to the correction", tn)
	}
}

func TestAdapter_TraverseDepthLimit(t *testing.T) {
	a := newTestAdapter(t, "proj")
	ctx := context.Background()

	// Chain: n1 <- n2 <- n3 (based_on edges pointing backwards).
	ids := make([]string, 3)
	for i := range ids {
		id, err := a.AddNode(ctx, &Node{Type: TypeObservation, Content: "step"})
		if err != nil {
			t.Fatalf("AddNode: %v", err)
		}
		ids[i] = id
		if i > 0 {
			if err := a.AddEdge(ctx, ids[i], ids[i-1], RelationBasedOn); err != nil {
				t.Fatalf("AddEdge: %v", err)
			}
		}
	}

	reached, err := a.Traverse(ctx, ids[0], 1)
	if err != nil {
		t.Fatalf("Traverse: %v", err)
	}
	if len(reached) != 1 {
		t.Errorf("depth 1 reached %d nodes, want 1", len(reached))
	}

	reached, err = a.Traverse(ctx, ids[0], 2)
	if err != nil {
		t.Fatalf("Traverse: %v", err)
	}
	if len(reached) != 2 {
		t.Errorf("depth 2 reached %d nodes, want 2", len(reached))
	}
}

func TestAdapter_TraverseUnknownSeed(t *testing.T) {
	a := newTestAdapter(t, "proj")
	if _, err := a.Traverse(context.Background(), "nope", 2); !errors.Is(err, ErrNotFound) {
		t.Errorf("Traverse unknown seed: err = %v, want ErrNotFound", err)
	}
}

func TestAdapter_QuerySimilar(t *testing.T) {
	a := newTestAdapter(t, "proj")
	ctx := context.Background()

	for _, content := range []string{
		"database connection pooling tuned for sqlite",
		"frontend button color changed to blue",
		"sqlite busy timeout raised for the task store",
	} {
		if _, err := a.AddVector(ctx, content, nil); err != nil {
			t.Fatalf("AddVector: %v", err)
		}
	}

	results, err := a.QuerySimilar(ctx, "sqlite database tuning", 2)
	if err != nil {
		t.Fatalf("QuerySimilar: %v", err)
	}
	if len(results) == 0 {
		t.Fatal("QuerySimilar returned nothing")
	}
	for _, r := range results {
		if r.Memory.Content == "frontend button color changed to blue" {
			t.Errorf("irrelevant memory ranked into top results: %+v", r)
		}
	}
}

func TestAdapter_Stats(t *testing.T) {
	a := newTestAdapter(t, "proj")
	ctx := context.Background()

	id1, _ := a.AddNode(ctx, &Node{Type: TypeObservation, Content: "one"})
	id2, _ := a.AddNode(ctx, &Node{Type: TypeObservation, Content: "two"})
	if err := a.AddEdge(ctx, id2, id1, RelationBasedOn); err != nil {
		t.Fatalf("AddEdge: %v", err)
	}
	if _, err := a.AddVector(ctx, "a memory", nil); err != nil {
		t.Fatalf("AddVector: %v", err)
	}

	stats, err := a.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Mode != ModeFull {
		t.Errorf("Mode = %s, want %s", stats.Mode, ModeFull)
	}
	if stats.Nodes != 2 || stats.Edges != 1 || stats.Vectors != 1 {
		t.Errorf("Stats = %+v, want 2 nodes, 1 edge, 1 vector", stats)
	}
}

func TestAdapter_EmbedderFailureDegradesToKeyword(t *testing.T) {
	a := NewAdapter(Config{Project: "proj"}, WithEmbedder(failingEmbedder{}))
	defer a.Close()

	ctx := context.Background()
	if _, err := a.AddVector(ctx, "keyword only memory about sqlite", nil); err != nil {
		t.Fatalf("AddVector with failing embedder: %v", err)
	}
	results, err := a.QuerySimilar(ctx, "sqlite memory", 5)
	if err != nil {
		t.Fatalf("QuerySimilar with failing embedder: %v", err)
	}
	if len(results) != 1 {
		t.Errorf("QuerySimilar returned %d results, want 1", len(results))
	}
}

type failingEmbedder struct{}

func (failingEmbedder) Embed(context.Context, string) ([]float32, error) {
	return nil, errors.New("provider down")
}
