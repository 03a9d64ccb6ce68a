package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/havocsh/havoc-sub000/pkg/apierr"
	"github.com/havocsh/havoc-sub000/pkg/metrics"
	"github.com/havocsh/havoc-sub000/pkg/tasks"
	"github.com/havocsh/havoc-sub000/pkg/types"
)

// Task-facing endpoints. These accept both scopes, but a remote-task
// credential may only act as the task it is pinned to.

func (s *Server) handleRegisterTask(w http.ResponseWriter, r *http.Request) {
	authCtx := authContext(r)

	var req tasks.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierr.Validation("malformed request body"))
		return
	}
	if !authCtx.AllowsTask(req.TaskName) {
		s.denyRemote(w)
		return
	}

	task, err := s.tasks.Register(authCtx.UserID, &req)
	if err != nil {
		metrics.RequestsTotal.WithLabelValues("task", "register_task", types.OutcomeFailed).Inc()
		writeError(w, err)
		return
	}
	metrics.RequestsTotal.WithLabelValues("task", "register_task", types.OutcomeSuccess).Inc()
	writeResult(w, fmt.Sprintf("task %s registered", task.TaskName), map[string]any{"task": viewTask(task)})
}

// commandsDetail names the task whose mailbox prefix to drain
type commandsDetail struct {
	TaskName string `json:"task_name"`
}

func (s *Server) handleGetCommands(w http.ResponseWriter, r *http.Request) {
	authCtx := authContext(r)

	var d commandsDetail
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		writeError(w, apierr.Validation("malformed request body"))
		return
	}
	if !authCtx.AllowsTask(d.TaskName) {
		s.denyRemote(w)
		return
	}

	pending, err := s.tasks.GetCommands(d.TaskName)
	if err != nil {
		metrics.RequestsTotal.WithLabelValues("task", "get_commands", types.OutcomeFailed).Inc()
		writeError(w, err)
		return
	}
	metrics.RequestsTotal.WithLabelValues("task", "get_commands", types.OutcomeSuccess).Inc()
	writeResult(w, fmt.Sprintf("%d pending instructions", len(pending)), map[string]any{"instructions": pending})
}

func (s *Server) handlePostResults(w http.ResponseWriter, r *http.Request) {
	authCtx := authContext(r)

	var res types.TaskResult
	if err := json.NewDecoder(r.Body).Decode(&res); err != nil {
		writeError(w, apierr.Validation("malformed request body"))
		return
	}
	if !authCtx.AllowsTask(res.TaskName) {
		s.denyRemote(w)
		return
	}
	res.UserID = authCtx.UserID

	if err := s.tasks.PostResult(r.Context(), &res); err != nil {
		metrics.RequestsTotal.WithLabelValues("task", "post_results", types.OutcomeFailed).Inc()
		writeError(w, err)
		return
	}
	metrics.RequestsTotal.WithLabelValues("task", "post_results", types.OutcomeSuccess).Inc()
	writeResult(w, "result accepted", nil)
}

func (s *Server) denyRemote(w http.ResponseWriter) {
	metrics.AuthDeniedTotal.Inc()
	writeJSON(w, http.StatusForbidden, map[string]any{
		"outcome": types.OutcomeFailed,
		"message": "denied",
	})
}
