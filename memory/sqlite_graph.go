package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	_ "modernc.org/sqlite" // SQLite driver
)

const graphSchema = `
CREATE TABLE IF NOT EXISTS nodes (
	id         TEXT PRIMARY KEY,
	project    TEXT NOT NULL,
	type       TEXT NOT NULL,
	content    TEXT NOT NULL DEFAULT '',
	metadata   TEXT NOT NULL DEFAULT '{}',
	task_id    TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_nodes_project ON nodes(project, created_at);

CREATE TABLE IF NOT EXISTS edges (
	from_id    TEXT NOT NULL,
	to_id      TEXT NOT NULL,
	relation   TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	PRIMARY KEY (from_id, to_id, relation)
);
CREATE INDEX IF NOT EXISTS idx_edges_to ON edges(to_id);
`

// SQLiteGraph is the durable graph store backend.
type SQLiteGraph struct {
	db *sql.DB
}

// NewSQLiteGraph opens (or creates) a SQLite graph database at dbPath and
// ensures the node/edge tables exist.
func NewSQLiteGraph(dbPath string) (*SQLiteGraph, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(1) // prevent SQLITE_BUSY
	if _, err := db.Exec(graphSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create graph schema: %w", err)
	}
	// Surface an unreachable path now rather than on first write.
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping graph store: %w", err)
	}
	return &SQLiteGraph{db: db}, nil
}

// Close releases the underlying database connection.
func (g *SQLiteGraph) Close() error { return g.db.Close() }

// AddNode persists an atom. Nodes are insert-only; there is no update path.
func (g *SQLiteGraph) AddNode(ctx context.Context, n *Node) error {
	metadata, _ := json.Marshal(n.Metadata)
	_, err := g.db.ExecContext(ctx, `
		INSERT INTO nodes (id, project, type, content, metadata, task_id, created_at)
		VALUES (?,?,?,?,?,?,?)`,
		n.ID, n.Project, n.Type, n.Content, string(metadata), n.TaskID, n.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert node: %w", err)
	}
	return nil
}

// AddEdge persists a directed, typed edge.
func (g *SQLiteGraph) AddEdge(ctx context.Context, e *Edge) error {
	_, err := g.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO edges (from_id, to_id, relation, created_at)
		VALUES (?,?,?,?)`,
		e.FromID, e.ToID, e.Relation, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert edge: %w", err)
	}
	return nil
}

// GetNode retrieves a single node by ID.
func (g *SQLiteGraph) GetNode(ctx context.Context, id string) (*Node, error) {
	row := g.db.QueryRowContext(ctx, `SELECT * FROM nodes WHERE id = ?`, id)
	n, err := scanNode(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("node %s: %w", id, ErrNotFound)
	}
	return n, err
}

// QueryNodes returns nodes matching the filter, newest first.
func (g *SQLiteGraph) QueryNodes(ctx context.Context, f NodeFilter) ([]*Node, error) {
	q := strings.Builder{}
	q.WriteString("SELECT * FROM nodes WHERE 1=1")
	args := []any{}

	if !f.CrossProject && f.Project != "" {
		q.WriteString(" AND project=?")
		args = append(args, f.Project)
	}
	if f.Type != "" {
		q.WriteString(" AND type=?")
		args = append(args, f.Type)
	}
	if f.TaskID != "" {
		q.WriteString(" AND task_id=?")
		args = append(args, f.TaskID)
	}
	q.WriteString(" ORDER BY created_at DESC")
	if f.Limit > 0 {
		q.WriteString(fmt.Sprintf(" LIMIT %d", f.Limit))
	}

	rows, err := g.db.QueryContext(ctx, q.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("query nodes: %w", err)
	}
	defer rows.Close()

	var nodes []*Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

// Edges returns all edges touching the given node, in either direction.
func (g *SQLiteGraph) Edges(ctx context.Context, nodeID string) ([]*Edge, error) {
	rows, err := g.db.QueryContext(ctx,
		`SELECT from_id, to_id, relation, created_at FROM edges
		 WHERE from_id = ? OR to_id = ?`, nodeID, nodeID)
	if err != nil {
		return nil, fmt.Errorf("query edges: %w", err)
	}
	defer rows.Close()

	var edges []*Edge
	for rows.Next() {
		var e Edge
		if err := rows.Scan(&e.FromID, &e.ToID, &e.Relation, &e.CreatedAt); err != nil {
			return nil, err
		}
		edges = append(edges, &e)
	}
	return edges, rows.Err()
}

// Counts returns the total node and edge counts.
func (g *SQLiteGraph) Counts(ctx context.Context) (int, int, error) {
	var nodes, edges int
	if err := g.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM nodes`).Scan(&nodes); err != nil {
		return 0, 0, fmt.Errorf("count nodes: %w", err)
	}
	if err := g.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM edges`).Scan(&edges); err != nil {
		return 0, 0, fmt.Errorf("count edges: %w", err)
	}
	return nodes, edges, nil
}

func scanNode(s interface{ Scan(...any) error }) (*Node, error) {
	var n Node
	var metadataJSON string
	err := s.Scan(&n.ID, &n.Project, &n.Type, &n.Content, &metadataJSON, &n.TaskID, &n.CreatedAt)
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(metadataJSON), &n.Metadata)
	return &n, nil
}
