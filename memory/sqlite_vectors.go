package memory

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	_ "modernc.org/sqlite" // SQLite driver
)

// SQLiteVectors is the durable similarity-search backend. It combines SQLite
// FTS5 keyword ranking with optional vector embeddings for hybrid search.
type SQLiteVectors struct {
	db *sql.DB
}

// NewSQLiteVectors opens (or creates) a SQLite vector database at dbPath and
// ensures the memory tables exist.
func NewSQLiteVectors(dbPath string) (*SQLiteVectors, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(1) // prevent SQLITE_BUSY

	_, err = db.Exec(`
CREATE TABLE IF NOT EXISTS vector_memories (
    id TEXT PRIMARY KEY,
    project TEXT NOT NULL,
    content TEXT NOT NULL DEFAULT '',
    metadata TEXT NOT NULL DEFAULT '{}',
    embedding BLOB,
    created_at DATETIME NOT NULL
);`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("vector_memories table: %w", err)
	}

	// Standalone FTS5 virtual table — populated explicitly in Add to avoid
	// trigger compatibility issues.
	_, err = db.Exec(`
CREATE VIRTUAL TABLE IF NOT EXISTS vector_memories_fts USING fts5(
    id UNINDEXED,
    project UNINDEXED,
    content
);`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("vector_memories_fts table: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping vector store: %w", err)
	}
	return &SQLiteVectors{db: db}, nil
}

// Close releases the underlying database connection.
func (v *SQLiteVectors) Close() error { return v.db.Close() }

// Add persists a memory and keeps the FTS index in sync.
func (v *SQLiteVectors) Add(ctx context.Context, m *VectorMemory) error {
	var embBlob []byte
	if len(m.Embedding) > 0 {
		embBlob = float32SliceToBytes(m.Embedding)
	}
	metadata, _ := json.Marshal(m.Metadata)

	_, err := v.db.ExecContext(ctx,
		`INSERT INTO vector_memories (id, project, content, metadata, embedding, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID, m.Project, m.Content, string(metadata), embBlob, m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("vector add: %w", err)
	}

	_, err = v.db.ExecContext(ctx,
		`INSERT INTO vector_memories_fts (id, project, content) VALUES (?, ?, ?)`,
		m.ID, m.Project, m.Content,
	)
	if err != nil {
		return fmt.Errorf("vector add FTS: %w", err)
	}
	return nil
}

// Search finds the topK most relevant memories in a project. With an
// embedding the score blends 70% cosine similarity and 30% normalized BM25;
// without one it is BM25 only.
func (v *SQLiteVectors) Search(ctx context.Context, project, query string, embedding []float32, topK int) ([]ScoredMemory, error) {
	if topK <= 0 {
		topK = 5
	}
	bm25, err := v.bm25Scores(ctx, project, query, topK*3)
	if err != nil {
		return nil, err
	}

	if len(embedding) == 0 {
		results := make([]ScoredMemory, 0, topK)
		for _, s := range bm25 {
			m, err := v.get(ctx, s.id)
			if err != nil {
				continue
			}
			results = append(results, ScoredMemory{Memory: *m, Score: s.score})
			if len(results) >= topK {
				break
			}
		}
		return results, nil
	}

	// Hybrid: score every embedded memory in the project by cosine
	// similarity, then blend in the BM25 keyword signal.
	rows, err := v.db.QueryContext(ctx,
		`SELECT id, project, content, metadata, embedding, created_at
		 FROM vector_memories WHERE project = ? AND embedding IS NOT NULL`,
		project,
	)
	if err != nil {
		return nil, fmt.Errorf("vector hybrid fetch: %w", err)
	}
	defer rows.Close()

	bm25Map := make(map[string]float64, len(bm25))
	for _, s := range bm25 {
		bm25Map[s.id] = s.score
	}

	var results []ScoredMemory
	for rows.Next() {
		m, err := scanVectorMemory(rows)
		if err != nil {
			continue
		}
		cos := float64(cosineSimilarity(embedding, m.Embedding))
		results = append(results, ScoredMemory{
			Memory: *m,
			Score:  0.7*cos + 0.3*bm25Map[m.ID],
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("vector hybrid scan: %w", err)
	}

	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

// Count returns the total number of stored memories.
func (v *SQLiteVectors) Count(ctx context.Context) (int, error) {
	var n int
	if err := v.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM vector_memories`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count vectors: %w", err)
	}
	return n, nil
}

func (v *SQLiteVectors) get(ctx context.Context, id string) (*VectorMemory, error) {
	row := v.db.QueryRowContext(ctx,
		`SELECT id, project, content, metadata, embedding, created_at FROM vector_memories WHERE id = ?`, id)
	return scanVectorMemory(row)
}

type idScore struct {
	id    string
	score float64
}

// bm25Scores queries FTS5 and normalizes BM25 ranks into [0, 1]
// (lower BM25 = better match, so the scale is inverted).
func (v *SQLiteVectors) bm25Scores(ctx context.Context, project, query string, limit int) ([]idScore, error) {
	ftsQuery := sanitizeFTSQuery(query)
	rows, err := v.db.QueryContext(ctx, `
SELECT id, bm25(vector_memories_fts) AS score
FROM vector_memories_fts
WHERE vector_memories_fts MATCH ? AND project = ?
ORDER BY score ASC
LIMIT ?`,
		ftsQuery, project, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	defer rows.Close()

	var scores []idScore
	var minS, maxS float64
	for rows.Next() {
		var s idScore
		if rows.Scan(&s.id, &s.score) != nil {
			continue
		}
		if len(scores) == 0 {
			minS, maxS = s.score, s.score
		}
		if s.score < minS {
			minS = s.score
		}
		if s.score > maxS {
			maxS = s.score
		}
		scores = append(scores, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("vector search scan: %w", err)
	}

	rng := maxS - minS
	for i := range scores {
		if rng == 0 {
			scores[i].score = 0.5
		} else {
			scores[i].score = 1.0 - (scores[i].score-minS)/rng
		}
	}
	return scores, nil
}

func scanVectorMemory(s interface{ Scan(...any) error }) (*VectorMemory, error) {
	var m VectorMemory
	var metadataJSON string
	var embBlob []byte
	if err := s.Scan(&m.ID, &m.Project, &m.Content, &metadataJSON, &embBlob, &m.CreatedAt); err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(metadataJSON), &m.Metadata)
	if len(embBlob) > 0 {
		m.Embedding = bytesToFloat32Slice(embBlob)
	}
	return &m, nil
}

// float32SliceToBytes converts a []float32 to a little-endian byte slice.
func float32SliceToBytes(f []float32) []byte {
	b := make([]byte, len(f)*4)
	for i, v := range f {
		binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(v))
	}
	return b
}

// bytesToFloat32Slice converts a little-endian byte slice back to []float32.
func bytesToFloat32Slice(b []byte) []float32 {
	if len(b)%4 != 0 {
		return nil
	}
	f := make([]float32, len(b)/4)
	for i := range f {
		f[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return f
}

// cosineSimilarity computes cosine similarity between two vectors.
// Returns 0 if either vector has zero magnitude.
func cosineSimilarity(a, b []float32) float32 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, normA, normB float64
	for i := 0; i < n; i++ {
		ai, bi := float64(a[i]), float64(b[i])
		dot += ai * bi
		normA += ai * ai
		normB += bi * bi
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}

// sanitizeFTSQuery converts a natural-language query to a safe FTS5 query.
// Each term is quoted and OR-joined so any overlap matches.
func sanitizeFTSQuery(q string) string {
	tokens := tokenize(q)
	if len(tokens) == 0 {
		return `""`
	}
	quoted := make([]string, len(tokens))
	for i, t := range tokens {
		quoted[i] = `"` + t + `"`
	}
	return strings.Join(quoted, " OR ")
}
