// Package server implements the foreman HTTP API and SSE event stream.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/forgecrew/foreman/bus"
	"github.com/forgecrew/foreman/config"
	"github.com/forgecrew/foreman/coordinator"
	"github.com/forgecrew/foreman/memory"
)

// Server is the foreman HTTP server.
type Server struct {
	cfg     *config.Config
	mux     *http.ServeMux
	httpSrv *http.Server
	logger  *slog.Logger

	coord *coordinator.Coordinator
	mem   *memory.Adapter
	bus   *bus.Bus

	startTime time.Time
	version   string
}

// New creates a Server wired to the coordinator, memory adapter and bus.
func New(cfg *config.Config, coord *coordinator.Coordinator, mem *memory.Adapter, b *bus.Bus, ver string, logger *slog.Logger) *Server {
	s := &Server{
		cfg:       cfg,
		mux:       http.NewServeMux(),
		logger:    logger,
		coord:     coord,
		mem:       mem,
		bus:       b,
		startTime: time.Now(),
		version:   ver,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("POST /api/tasks", s.createTask)
	s.mux.HandleFunc("GET /api/tasks", s.listTasks)
	s.mux.HandleFunc("GET /api/tasks/{id}", s.getTask)
	s.mux.HandleFunc("POST /api/tasks/{id}/cancel", s.cancelTask)

	s.mux.HandleFunc("POST /api/workflows", s.createWorkflow)

	s.mux.HandleFunc("GET /api/memory/stats", s.memoryStats)
	s.mux.HandleFunc("GET /api/status", s.status)

	s.mux.HandleFunc("GET /events", s.handleSSE)
}

// Start begins listening. It blocks until the listener fails or Stop is
// called.
func (s *Server) Start() error {
	addr := s.cfg.Server.Addr
	if addr == "" {
		addr = ":7478"
	}
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 15 * time.Second,
	}
	s.logger.Info("server listening", slog.String("addr", addr))
	return s.httpSrv.ListenAndServe()
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// Handler exposes the route mux for tests.
func (s *Server) Handler() http.Handler { return s.mux }

// handleSSE streams bus events as Server-Sent Events. An optional "types"
// query parameter (comma-separated event types) narrows the stream.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	var pred bus.Predicate
	if typesParam := r.URL.Query().Get("types"); typesParam != "" {
		var types []bus.EventType
		for _, t := range strings.Split(typesParam, ",") {
			if t = strings.TrimSpace(t); t != "" {
				types = append(types, bus.EventType(t))
			}
		}
		pred = bus.MatchTypes(types...)
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	ch := make(chan []byte, 64)
	sub := s.bus.Subscribe(pred, func(ev bus.Event) {
		data, err := json.Marshal(ev)
		if err != nil {
			return
		}
		select {
		case ch <- data:
		default:
			// Client not keeping up, skip
		}
	})
	defer sub.Close()

	fmt.Fprintf(w, "data: {\"type\":\"connected\"}\n\n") //nolint:errcheck
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case data := <-ch:
			for _, line := range strings.Split(string(data), "\n") {
				fmt.Fprintf(w, "data: %s\n", line) //nolint:errcheck
			}
			fmt.Fprintln(w) //nolint:errcheck
			flusher.Flush()
		}
	}
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeJSONError writes a JSON error response.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
