package memory

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestGraph(t *testing.T) *SQLiteGraph {
	t.Helper()
	g, err := NewSQLiteGraph(filepath.Join(t.TempDir(), "graph.db"))
	if err != nil {
		t.Fatalf("NewSQLiteGraph: %v", err)
	}
	t.Cleanup(func() { g.Close() })
	return g
}

func newTestVectors(t *testing.T) *SQLiteVectors {
	t.Helper()
	v, err := NewSQLiteVectors(filepath.Join(t.TempDir(), "vectors.db"))
	if err != nil {
		t.Fatalf("NewSQLiteVectors: %v", err)
	}
	t.Cleanup(func() { v.Close() })
	return v
}

func TestSQLiteGraph_NodesAndEdges(t *testing.T) {
	g := newTestGraph(t)
	ctx := context.Background()

	n1 := &Node{
		ID: "n1", Project: "p", Type: TypeObservation, Content: "one",
		Metadata: map[string]string{"agent_type": "echo"}, TaskID: "t1",
		CreatedAt: time.Now().UTC(),
	}
	n2 := &Node{ID: "n2", Project: "p", Type: TypeError, Content: "two", CreatedAt: time.Now().UTC()}
	for _, n := range []*Node{n1, n2} {
		if err := g.AddNode(ctx, n); err != nil {
			t.Fatalf("AddNode %s: %v", n.ID, err)
		}
	}

	got, err := g.GetNode(ctx, "n1")
	if err != nil {
		t.Fatalf("GetNode: %v", err)
	}
	if got.Content != "one" || got.Metadata["agent_type"] != "echo" || got.TaskID != "t1" {
		t.Errorf("GetNode = %+v", got)
	}
	if _, err := g.GetNode(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetNode missing: err = %v, want ErrNotFound", err)
	}

	e := &Edge{FromID: "n2", ToID: "n1", Relation: RelationBasedOn, CreatedAt: time.Now().UTC()}
	if err := g.AddEdge(ctx, e); err != nil {
		t.Fatalf("AddEdge: %v", err)
	}
	// Duplicate edges are ignored, not errors.
	if err := g.AddEdge(ctx, e); err != nil {
		t.Fatalf("AddEdge duplicate: %v", err)
	}

	edges, err := g.Edges(ctx, "n1")
	if err != nil {
		t.Fatalf("Edges: %v", err)
	}
	if len(edges) != 1 || edges[0].Relation != RelationBasedOn {
		t.Errorf("Edges = %v, want one based_on edge", edges)
	}

	nodes, edgeCount, err := g.Counts(ctx)
	if err != nil {
		t.Fatalf("Counts: %v", err)
	}
	if nodes != 2 || edgeCount != 1 {
		t.Errorf("Counts = (%d, %d), want (2, 1)", nodes, edgeCount)
	}
}

func TestSQLiteGraph_QueryFilters(t *testing.T) {
	g := newTestGraph(t)
	ctx := context.Background()
	base := time.Now().UTC()

	seed := []*Node{
		{ID: "a", Project: "p1", Type: TypeObservation, TaskID: "t1", CreatedAt: base},
		{ID: "b", Project: "p1", Type: TypeError, TaskID: "t2", CreatedAt: base.Add(time.Second)},
		{ID: "c", Project: "p2", Type: TypeObservation, TaskID: "t1", CreatedAt: base.Add(2 * time.Second)},
	}
	for _, n := range seed {
		if err := g.AddNode(ctx, n); err != nil {
			t.Fatalf("AddNode %s: %v", n.ID, err)
		}
	}

	nodes, err := g.QueryNodes(ctx, NodeFilter{Project: "p1"})
	if err != nil {
		t.Fatalf("QueryNodes: %v", err)
	}
	if len(nodes) != 2 || nodes[0].ID != "b" {
		t.Errorf("project filter = %v, want [b a]", nodes)
	}

	nodes, err = g.QueryNodes(ctx, NodeFilter{Project: "p1", Type: TypeError})
	if err != nil {
		t.Fatalf("QueryNodes by type: %v", err)
	}
	if len(nodes) != 1 || nodes[0].ID != "b" {
		t.Errorf("type filter = %v, want [b]", nodes)
	}

	nodes, err = g.QueryNodes(ctx, NodeFilter{Project: "p2", TaskID: "t1"})
	if err != nil {
		t.Fatalf("QueryNodes by task: %v", err)
	}
	if len(nodes) != 1 || nodes[0].ID != "c" {
		t.Errorf("task filter = %v, want [c]", nodes)
	}
}

func TestSQLiteVectors_KeywordSearch(t *testing.T) {
	v := newTestVectors(t)
	ctx := context.Background()

	seed := []string{
		"coordinator dispatches tasks by priority",
		"graph store keeps provenance edges",
		"worker pool size defaults to four",
	}
	for i, content := range seed {
		m := &VectorMemory{
			ID: string(rune('a' + i)), Project: "p", Content: content,
			CreatedAt: time.Now().UTC(),
		}
		if err := v.Add(ctx, m); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}

	results, err := v.Search(ctx, "p", "task priority dispatch", nil, 2)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) == 0 {
		t.Fatal("Search returned nothing")
	}
	if results[0].Memory.Content != seed[0] {
		t.Errorf("top result = %q, want %q", results[0].Memory.Content, seed[0])
	}

	// Other projects stay invisible.
	results, err = v.Search(ctx, "other", "task priority dispatch", nil, 2)
	if err != nil {
		t.Fatalf("Search other project: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("cross-project leak: %v", results)
	}
}

func TestSQLiteVectors_HybridSearch(t *testing.T) {
	v := newTestVectors(t)
	ctx := context.Background()

	add := func(id, content string, emb []float32) {
		t.Helper()
		err := v.Add(ctx, &VectorMemory{
			ID: id, Project: "p", Content: content, Embedding: emb,
			CreatedAt: time.Now().UTC(),
		})
		if err != nil {
			t.Fatalf("Add %s: %v", id, err)
		}
	}
	add("close", "first entry", []float32{1, 0, 0})
	add("far", "second entry", []float32{0, 1, 0})

	results, err := v.Search(ctx, "p", "entry", []float32{0.9, 0.1, 0}, 2)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("Search returned %d results, want 2", len(results))
	}
	if results[0].Memory.ID != "close" {
		t.Errorf("top result = %s, want the embedding-similar memory", results[0].Memory.ID)
	}
	if results[0].Score <= results[1].Score {
		t.Errorf("scores not descending: %v then %v", results[0].Score, results[1].Score)
	}
}

func TestSQLiteVectors_MetadataRoundTrip(t *testing.T) {
	v := newTestVectors(t)
	ctx := context.Background()

	err := v.Add(ctx, &VectorMemory{
		ID: "m1", Project: "p", Content: "lint pass on the auth package",
		Metadata:  map[string]string{"agent_type": "lint", "status": "completed"},
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	results, err := v.Search(ctx, "p", "lint auth", nil, 1)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("Search returned %d results, want 1", len(results))
	}
	md := results[0].Memory.Metadata
	if md["agent_type"] != "lint" || md["status"] != "completed" {
		t.Errorf("metadata = %v, want agent_type and status preserved", md)
	}
}

func TestEmbeddingRoundTrip(t *testing.T) {
	in := []float32{0.5, -1.25, 3.75}
	out := bytesToFloat32Slice(float32SliceToBytes(in))
	if len(out) != len(in) {
		t.Fatalf("round trip length = %d, want %d", len(out), len(in))
	}
	for i := range in {
		if in[i] != out[i] {
			t.Errorf("out[%d] = %v, want %v", i, out[i], in[i])
		}
	}
	if bytesToFloat32Slice([]byte{1, 2, 3}) != nil {
		t.Error("truncated blob should decode to nil")
	}
}

func TestTokenize(t *testing.T) {
	got := tokenize("Fix SQLITE_BUSY errors, re-try twice!")
	want := []string{"fix", "sqlite_busy", "errors", "re-try", "twice"}
	if len(got) != len(want) {
		t.Fatalf("tokenize = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("token %d = %q, want %q", i, got[i], want[i])
		}
	}
}
