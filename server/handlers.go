package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/forgecrew/foreman/coordinator"
	"github.com/forgecrew/foreman/task"
)

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var spec task.Spec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	id, err := s.coord.Submit(spec)
	if err != nil {
		var verr *coordinator.ValidationError
		if errors.As(err, &verr) {
			writeJSONError(w, http.StatusBadRequest, verr.Error())
			return
		}
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := task.Filter{}

	if v := q.Get("status"); v != "" {
		st := task.Status(v)
		filter.Status = &st
	}
	if v := q.Get("agent_type"); v != "" {
		filter.AgentType = v
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			filter.Limit = n
		}
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			filter.Offset = n
		}
	}

	tasks, err := s.coord.List(filter)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if tasks == nil {
		tasks = []*task.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.coord.Status(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, task.ErrNotFound) {
			writeJSONError(w, http.StatusNotFound, "task not found")
			return
		}
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request) {
	if err := s.coord.Cancel(r.PathValue("id")); err != nil {
		if errors.Is(err, task.ErrNotFound) {
			writeJSONError(w, http.StatusNotFound, "task not found")
			return
		}
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) createWorkflow(w http.ResponseWriter, r *http.Request) {
	var spec coordinator.WorkflowSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	wf, err := s.coord.SubmitWorkflow(spec)
	if err != nil {
		var verr *coordinator.ValidationError
		if errors.As(err, &verr) {
			writeJSONError(w, http.StatusBadRequest, verr.Error())
			return
		}
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, wf)
}

func (s *Server) memoryStats(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	stats, err := s.mem.Stats(ctx)
	if err != nil {
		// Mode is still meaningful when a count query failed.
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"storage_mode": stats.Mode,
			"error":        err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"version":        s.version,
		"project":        s.mem.Project(),
		"storage_mode":   s.mem.Mode(),
		"uptime_seconds": int(time.Since(s.startTime).Seconds()),
	})
}
