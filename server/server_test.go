package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/forgecrew/foreman/agent"
	"github.com/forgecrew/foreman/atom"
	"github.com/forgecrew/foreman/bus"
	"github.com/forgecrew/foreman/config"
	"github.com/forgecrew/foreman/coordinator"
	"github.com/forgecrew/foreman/memory"
	"github.com/forgecrew/foreman/task"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()

	mem := memory.NewAdapter(memory.Config{Project: "test"})
	t.Cleanup(func() { mem.Close() })
	b := bus.New(nil)

	registry := agent.NewRegistry()
	if err := registry.Register(agent.Registration{Type: "echo", Agent: &agent.Mock{Output: "ok"}}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	coord := coordinator.New(coordinator.Config{}, task.NewMemoryStore(), registry, mem, atom.New(mem, nil), b, nil)
	if err := coord.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		coord.Stop(ctx)
	})

	return New(config.DefaultConfig(), coord, mem, b, "test", nil)
}

func doJSON(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	var decoded map[string]any
	_ = json.Unmarshal(w.Body.Bytes(), &decoded)
	return w, decoded
}

func TestCreateAndGetTask(t *testing.T) {
	s := newTestServer(t)

	w, body := doJSON(t, s.Handler(), http.MethodPost, "/api/tasks",
		`{"name":"greet","agent_type":"echo","priority":2}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body = %s", w.Code, w.Body.String())
	}
	id, _ := body["id"].(string)
	if id == "" {
		t.Fatal("create returned no id")
	}

	w, got := doJSON(t, s.Handler(), http.MethodGet, "/api/tasks/"+id, "")
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}
	if got["name"] != "greet" || got["agent_type"] != "echo" {
		t.Errorf("get body = %v", got)
	}
}

func TestCreateTaskValidationError(t *testing.T) {
	s := newTestServer(t)

	w, body := doJSON(t, s.Handler(), http.MethodPost, "/api/tasks",
		`{"name":"x","agent_type":"unknown"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
	if msg, _ := body["error"].(string); !strings.Contains(msg, "unknown agent type") {
		t.Errorf("error = %v", body["error"])
	}

	w, _ = doJSON(t, s.Handler(), http.MethodPost, "/api/tasks", `{not json`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("malformed body status = %d, want 400", w.Code)
	}
}

func TestGetTaskNotFound(t *testing.T) {
	s := newTestServer(t)
	w, _ := doJSON(t, s.Handler(), http.MethodGet, "/api/tasks/ghost", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestListTasks(t *testing.T) {
	s := newTestServer(t)

	for i := 0; i < 3; i++ {
		w, _ := doJSON(t, s.Handler(), http.MethodPost, "/api/tasks",
			`{"name":"t","agent_type":"echo"}`)
		if w.Code != http.StatusCreated {
			t.Fatalf("create status = %d", w.Code)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/api/tasks?limit=2", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("list status = %d", w.Code)
	}
	var tasks []map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &tasks); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(tasks) != 2 {
		t.Errorf("list returned %d tasks, want 2", len(tasks))
	}
}

func TestCancelTask(t *testing.T) {
	s := newTestServer(t)

	w, body := doJSON(t, s.Handler(), http.MethodPost, "/api/tasks",
		`{"name":"x","agent_type":"echo"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d", w.Code)
	}
	id := body["id"].(string)

	w, _ = doJSON(t, s.Handler(), http.MethodPost, "/api/tasks/"+id+"/cancel", "")
	if w.Code != http.StatusAccepted {
		t.Errorf("cancel status = %d, want 202", w.Code)
	}

	w, _ = doJSON(t, s.Handler(), http.MethodPost, "/api/tasks/ghost/cancel", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("cancel unknown status = %d, want 404", w.Code)
	}
}

func TestCreateWorkflow(t *testing.T) {
	s := newTestServer(t)

	w, body := doJSON(t, s.Handler(), http.MethodPost, "/api/workflows", `{
		"name": "pipeline",
		"steps": [
			{"key": "a", "name": "a", "agent_type": "echo"},
			{"key": "b", "name": "b", "agent_type": "echo", "depends_on": ["a"]}
		]
	}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	ids, _ := body["task_ids"].(map[string]any)
	if len(ids) != 2 {
		t.Errorf("task_ids = %v, want 2 entries", ids)
	}

	w, _ = doJSON(t, s.Handler(), http.MethodPost, "/api/workflows", `{
		"name": "cyclic",
		"steps": [
			{"key": "a", "name": "a", "agent_type": "echo", "depends_on": ["b"]},
			{"key": "b", "name": "b", "agent_type": "echo", "depends_on": ["a"]}
		]
	}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("cycle status = %d, want 400", w.Code)
	}
}

// sseRecorder is a flushable ResponseWriter safe to read while the SSE
// handler is still writing from its own goroutine.
type sseRecorder struct {
	mu     sync.Mutex
	header http.Header
	body   strings.Builder
	code   int
}

func newSSERecorder() *sseRecorder {
	return &sseRecorder{header: make(http.Header)}
}

func (r *sseRecorder) Header() http.Header { return r.header }

func (r *sseRecorder) WriteHeader(code int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.code = code
}

func (r *sseRecorder) Write(b []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.body.Write(b)
}

func (r *sseRecorder) Flush() {}

func (r *sseRecorder) snapshot() (int, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.code, r.body.String()
}

func TestSSEStreamFiltersByType(t *testing.T) {
	s := newTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/events?types=task_completed", nil).WithContext(ctx)
	w := newSSERecorder()

	done := make(chan struct{})
	go func() {
		s.Handler().ServeHTTP(w, req)
		close(done)
	}()

	// Wait for the handler's bus subscription before publishing.
	deadline := time.Now().Add(5 * time.Second)
	for s.bus.Subscribers() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("SSE handler never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	s.bus.Publish(bus.Event{Type: bus.EventTaskProgress, TaskID: "t1"})
	s.bus.Publish(bus.Event{Type: bus.EventTaskCompleted, TaskID: "t1"})

	deadline = time.Now().Add(5 * time.Second)
	for {
		if _, body := w.snapshot(); strings.Contains(body, "task_completed") {
			break
		}
		if time.Now().After(deadline) {
			_, body := w.snapshot()
			t.Fatalf("matching event never streamed, body = %q", body)
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	<-done

	code, body := w.snapshot()
	if code != http.StatusOK {
		t.Errorf("status = %d, want 200", code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}
	if !strings.Contains(body, `"type":"connected"`) {
		t.Errorf("stream missing the initial connected event: %q", body)
	}
	if strings.Contains(body, "task_progress") {
		t.Errorf("filtered event type leaked into the stream: %q", body)
	}
	for _, line := range strings.Split(strings.TrimSpace(body), "\n") {
		if line != "" && !strings.HasPrefix(line, "data: ") {
			t.Errorf("non-SSE line in stream: %q", line)
		}
	}
}

func TestMemoryStatsAndStatus(t *testing.T) {
	s := newTestServer(t)

	w, stats := doJSON(t, s.Handler(), http.MethodGet, "/api/memory/stats", "")
	if w.Code != http.StatusOK {
		t.Fatalf("stats status = %d", w.Code)
	}
	if stats["storage_mode"] != string(memory.ModeLocalOnly) {
		t.Errorf("storage_mode = %v, want local_only", stats["storage_mode"])
	}

	w, status := doJSON(t, s.Handler(), http.MethodGet, "/api/status", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status status = %d", w.Code)
	}
	if status["status"] != "ok" || status["project"] != "test" {
		t.Errorf("status body = %v", status)
	}
}
