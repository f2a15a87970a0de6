package task

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // SQLite driver
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id           TEXT PRIMARY KEY,
	name         TEXT NOT NULL,
	description  TEXT NOT NULL DEFAULT '',
	agent_type   TEXT NOT NULL,
	status       TEXT NOT NULL,
	priority     INTEGER NOT NULL DEFAULT 1,
	params       TEXT NOT NULL DEFAULT '{}',
	depends_on   TEXT NOT NULL DEFAULT '[]',
	progress     INTEGER NOT NULL DEFAULT 0,
	result       TEXT NOT NULL DEFAULT 'null',
	error        TEXT NOT NULL DEFAULT '',
	warnings     TEXT NOT NULL DEFAULT '[]',
	created_at   DATETIME NOT NULL,
	started_at   DATETIME,
	completed_at DATETIME
);
`

// SQLiteStore persists task history in a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and ensures
// the tasks table exists. The caller is responsible for calling Close.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(1) // prevent SQLITE_BUSY
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the underlying database connection.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// Create persists a new task. If the task has no ID yet, one is assigned.
func (s *SQLiteStore) Create(t *Task) (string, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}

	params, _ := json.Marshal(t.Params)
	dependsOn, _ := json.Marshal(t.DependsOn)
	result, _ := json.Marshal(t.Result)
	warnings, _ := json.Marshal(t.Warnings)

	_, err := s.db.Exec(`
		INSERT INTO tasks
			(id, name, description, agent_type, status, priority, params, depends_on,
			 progress, result, error, warnings, created_at, started_at, completed_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.Name, t.Description, t.AgentType, string(t.Status), int(t.Priority),
		string(params), string(dependsOn),
		t.Progress, string(result), t.Error, string(warnings),
		t.CreatedAt, nullTime(t.StartedAt), nullTime(t.CompletedAt),
	)
	if err != nil {
		return "", fmt.Errorf("insert task: %w", err)
	}
	return t.ID, nil
}

// Get retrieves a task by ID.
func (s *SQLiteStore) Get(id string) (*Task, error) {
	row := s.db.QueryRow(`SELECT * FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return t, err
}

// Update saves changes to an existing task.
func (s *SQLiteStore) Update(t *Task) error {
	params, _ := json.Marshal(t.Params)
	dependsOn, _ := json.Marshal(t.DependsOn)
	result, _ := json.Marshal(t.Result)
	warnings, _ := json.Marshal(t.Warnings)

	res, err := s.db.Exec(`
		UPDATE tasks SET
			name=?, description=?, agent_type=?, status=?, priority=?, params=?, depends_on=?,
			progress=?, result=?, error=?, warnings=?, started_at=?, completed_at=?
		WHERE id=?`,
		t.Name, t.Description, t.AgentType, string(t.Status), int(t.Priority),
		string(params), string(dependsOn),
		t.Progress, string(result), t.Error, string(warnings),
		nullTime(t.StartedAt), nullTime(t.CompletedAt),
		t.ID,
	)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("task %s: %w", t.ID, ErrNotFound)
	}
	return nil
}

// List returns tasks matching the filter.
func (s *SQLiteStore) List(filter Filter) ([]*Task, error) {
	q := strings.Builder{}
	q.WriteString("SELECT * FROM tasks WHERE 1=1")
	args := []any{}

	if filter.Status != nil {
		q.WriteString(" AND status=?")
		args = append(args, string(*filter.Status))
	}
	if filter.AgentType != "" {
		q.WriteString(" AND agent_type=?")
		args = append(args, filter.AgentType)
	}
	if filter.CreatedAfter != nil {
		q.WriteString(" AND created_at > ?")
		args = append(args, *filter.CreatedAfter)
	}
	if filter.CreatedBefore != nil {
		q.WriteString(" AND created_at < ?")
		args = append(args, *filter.CreatedBefore)
	}
	q.WriteString(" ORDER BY priority DESC, created_at ASC")
	if filter.Limit > 0 {
		q.WriteString(fmt.Sprintf(" LIMIT %d", filter.Limit))
		if filter.Offset > 0 {
			q.WriteString(fmt.Sprintf(" OFFSET %d", filter.Offset))
		}
	}

	rows, err := s.db.Query(q.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// Delete removes a task by ID.
func (s *SQLiteStore) Delete(id string) error {
	res, err := s.db.Exec("DELETE FROM tasks WHERE id=?", id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return nil
}

// scanner abstracts sql.Row and sql.Rows for scanTask.
type scanner interface {
	Scan(dest ...any) error
}

func scanTask(s scanner) (*Task, error) {
	var t Task
	var status, paramsJSON, dependsOnJSON, resultJSON, warningsJSON string
	var priority int
	var startedAt, completedAt sql.NullTime

	err := s.Scan(
		&t.ID, &t.Name, &t.Description, &t.AgentType, &status, &priority,
		&paramsJSON, &dependsOnJSON,
		&t.Progress, &resultJSON, &t.Error, &warningsJSON,
		&t.CreatedAt,
		&startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	t.Status = Status(status)
	t.Priority = Priority(priority)

	_ = json.Unmarshal([]byte(paramsJSON), &t.Params)
	_ = json.Unmarshal([]byte(dependsOnJSON), &t.DependsOn)
	_ = json.Unmarshal([]byte(resultJSON), &t.Result)
	_ = json.Unmarshal([]byte(warningsJSON), &t.Warnings)

	if startedAt.Valid {
		t.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	return &t, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
