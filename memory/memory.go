// Package memory unifies a durable graph store and a durable similarity store
// behind a single project-scoped adapter. When a backing store is unreachable
// the adapter serves from an in-process fallback instead of failing: the
// orchestration core must never be blocked or crashed by a store outage.
package memory

import (
	"context"
	"errors"
	"strings"
	"time"

	"golang.org/x/text/cases"
)

// Mode is the adapter's current degradation level.
type Mode string

const (
	// ModeFull means both backing stores are reachable.
	ModeFull Mode = "full"
	// ModeDegraded means one backing store is down and served from fallback.
	ModeDegraded Mode = "degraded"
	// ModeLocalOnly means neither backing store is reachable.
	ModeLocalOnly Mode = "local_only"
)

// Relation labels for typed edges between atoms.
const (
	RelationBasedOn    = "based_on"
	RelationCorrects   = "corrects"
	RelationSupersedes = "supersedes"
)

// Atom types.
const (
	TypeDecision    = "decision"
	TypeError       = "error"
	TypeObservation = "observation"
)

// ErrStoreUnavailable reports that a backing store is down. It surfaces only
// from diagnostics (Stats), never from read/write paths.
var ErrStoreUnavailable = errors.New("backing store unavailable")

// ErrNotFound is returned when a node id does not exist.
var ErrNotFound = errors.New("memory node not found")

// Node is an immutable context atom. Corrections are new atoms linked via a
// "corrects" edge, never in-place mutation.
type Node struct {
	ID        string            `json:"id"`
	Project   string            `json:"project"`
	Type      string            `json:"type"`
	Content   string            `json:"content"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	TaskID    string            `json:"task_id,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// Edge is a directed, typed relationship between two atoms.
type Edge struct {
	FromID    string    `json:"from_id"`
	ToID      string    `json:"to_id"`
	Relation  string    `json:"relation"`
	CreatedAt time.Time `json:"created_at"`
}

// VectorMemory is a similarity-searchable piece of recorded context.
type VectorMemory struct {
	ID        string            `json:"id"`
	Project   string            `json:"project"`
	Content   string            `json:"content"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Embedding []float32         `json:"-"`
	CreatedAt time.Time         `json:"created_at"`
}

// ScoredMemory pairs a memory with its similarity score in [0, 1].
type ScoredMemory struct {
	Memory VectorMemory `json:"memory"`
	Score  float64      `json:"score"`
}

// NodeFilter controls which nodes QueryNodes returns. Queries are scoped to
// the adapter's project unless CrossProject is set.
type NodeFilter struct {
	Project      string `json:"project,omitempty"`
	Type         string `json:"type,omitempty"`
	TaskID       string `json:"task_id,omitempty"`
	CrossProject bool   `json:"cross_project,omitempty"`
	Limit        int    `json:"limit,omitempty"`
}

// TraversalNode is one node reached by a graph walk from a seed atom.
type TraversalNode struct {
	Node      *Node  `json:"node"`
	Relation  string `json:"relation"`
	Direction string `json:"direction"` // "outgoing" or "incoming"
	Depth     int    `json:"depth"`
}

// Stats reports the adapter's degradation level and store counts.
type Stats struct {
	Mode    Mode `json:"storage_mode"`
	Nodes   int  `json:"nodes"`
	Edges   int  `json:"edges"`
	Vectors int  `json:"vectors"`
}

// GraphStore persists atoms and their typed edges.
type GraphStore interface {
	AddNode(ctx context.Context, n *Node) error
	AddEdge(ctx context.Context, e *Edge) error
	GetNode(ctx context.Context, id string) (*Node, error)
	QueryNodes(ctx context.Context, f NodeFilter) ([]*Node, error)
	// Edges returns all edges touching the given node, in either direction.
	Edges(ctx context.Context, nodeID string) ([]*Edge, error)
	Counts(ctx context.Context) (nodes, edges int, err error)
	Close() error
}

// VectorStore persists memories for similarity search. embedding may be nil,
// in which case implementations fall back to keyword matching.
type VectorStore interface {
	Add(ctx context.Context, m *VectorMemory) error
	Search(ctx context.Context, project, query string, embedding []float32, topK int) ([]ScoredMemory, error)
	Count(ctx context.Context) (int, error)
	Close() error
}

// Embedder computes vector embeddings for text. Implementations wrap external
// model providers and are out of scope here.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

var foldCaser = cases.Fold()

// tokenize splits free text into case-folded alphanumeric terms for keyword
// matching. Shared by the FTS query sanitizer and the local fallback scorer.
func tokenize(s string) []string {
	s = foldCaser.String(s)
	var tokens []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			tokens = append(tokens, cur.String())
			cur.Reset()
		}
	}
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' || r == '_' || r > 127 {
			cur.WriteRune(r)
		} else {
			flush()
		}
	}
	flush()
	return tokens
}
