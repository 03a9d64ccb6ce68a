package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/havocsh/havoc-sub000/pkg/apierr"
	"github.com/havocsh/havoc-sub000/pkg/auth"
	"github.com/havocsh/havoc-sub000/pkg/log"
	"github.com/havocsh/havoc-sub000/pkg/metrics"
	"github.com/havocsh/havoc-sub000/pkg/orchestrator"
	"github.com/havocsh/havoc-sub000/pkg/tasks"
	"github.com/havocsh/havoc-sub000/pkg/types"
	"github.com/havocsh/havoc-sub000/pkg/users"
)

// resourceHandler is the compile-time dispatch table: one variant per
// entity kind implementing the envelope's command set. Commands a resource
// does not support fall through to the unsupported default.
type resourceHandler interface {
	Create(r *http.Request, detail json.RawMessage) (string, map[string]any, error)
	Delete(r *http.Request, detail json.RawMessage) (string, map[string]any, error)
	Get(r *http.Request, detail json.RawMessage) (string, map[string]any, error)
	List(r *http.Request, detail json.RawMessage) (string, map[string]any, error)
	Update(r *http.Request, detail json.RawMessage) (string, map[string]any, error)
	Kill(r *http.Request, detail json.RawMessage) (string, map[string]any, error)
}

// unsupported rejects every command; concrete handlers override what they
// implement.
type unsupported struct{}

func (unsupported) Create(*http.Request, json.RawMessage) (string, map[string]any, error) {
	return "", nil, apierr.Unsupported("command not supported for this resource")
}
func (unsupported) Delete(*http.Request, json.RawMessage) (string, map[string]any, error) {
	return "", nil, apierr.Unsupported("command not supported for this resource")
}
func (unsupported) Get(*http.Request, json.RawMessage) (string, map[string]any, error) {
	return "", nil, apierr.Unsupported("command not supported for this resource")
}
func (unsupported) List(*http.Request, json.RawMessage) (string, map[string]any, error) {
	return "", nil, apierr.Unsupported("command not supported for this resource")
}
func (unsupported) Update(*http.Request, json.RawMessage) (string, map[string]any, error) {
	return "", nil, apierr.Unsupported("command not supported for this resource")
}
func (unsupported) Kill(*http.Request, json.RawMessage) (string, map[string]any, error) {
	return "", nil, apierr.Unsupported("command not supported for this resource")
}

// handleEnvelope dispatches one control-plane request envelope
func (s *Server) handleEnvelope(w http.ResponseWriter, r *http.Request) {
	authCtx := authContext(r)
	if authCtx.Scope != auth.ScopeFullAPI {
		metrics.AuthDeniedTotal.Inc()
		writeJSON(w, http.StatusForbidden, map[string]any{
			"outcome": types.OutcomeFailed,
			"message": "denied",
		})
		return
	}

	var req types.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierr.Validation("malformed request envelope"))
		return
	}

	handler, ok := s.handlers[req.Resource]
	if !ok {
		s.finish(w, &req, authCtx, "", nil, apierr.Validation("unknown resource %q", req.Resource))
		return
	}

	var (
		message string
		fields  map[string]any
		err     error
	)
	switch req.Command {
	case types.CommandCreate:
		message, fields, err = handler.Create(r, req.Detail)
	case types.CommandDelete:
		message, fields, err = handler.Delete(r, req.Detail)
	case types.CommandGet:
		message, fields, err = handler.Get(r, req.Detail)
	case types.CommandList:
		message, fields, err = handler.List(r, req.Detail)
	case types.CommandUpdate:
		message, fields, err = handler.Update(r, req.Detail)
	case types.CommandKill:
		message, fields, err = handler.Kill(r, req.Detail)
	default:
		err = apierr.Validation("unknown command %q", req.Command)
	}
	s.finish(w, &req, authCtx, message, fields, err)
}

// finish records metrics and the audit line, then writes the response
func (s *Server) finish(w http.ResponseWriter, req *types.Request, authCtx *auth.Context, message string, fields map[string]any, err error) {
	outcome := types.OutcomeSuccess
	if err != nil {
		outcome = types.OutcomeFailed
	}
	metrics.RequestsTotal.WithLabelValues(req.Resource, req.Command, outcome).Inc()

	if err != nil {
		log.WithUser(authCtx.UserID).Warn().
			Str("resource", req.Resource).
			Str("command", req.Command).
			RawJSON("detail", nonEmptyJSON(req.Detail)).
			Err(err).
			Msg("request failed")
		writeError(w, err)
		return
	}
	writeResult(w, message, fields)
}

func nonEmptyJSON(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return []byte("{}")
	}
	return raw
}

func decodeDetail(detail json.RawMessage, v any) error {
	if len(detail) == 0 {
		return apierr.Validation("detail is required")
	}
	if err := json.Unmarshal(detail, v); err != nil {
		return apierr.Validation("malformed detail: %v", err)
	}
	return nil
}

// nameDetail is the detail payload for get/delete/kill commands
type nameDetail struct {
	TaskName      string `json:"task_name,omitempty"`
	ListenerName  string `json:"listener_name,omitempty"`
	DomainName    string `json:"domain_name,omitempty"`
	PortGroupName string `json:"portgroup_name,omitempty"`
	UserID        string `json:"user_id,omitempty"`
}

// ---- task ----

type taskHandler struct {
	s *Server
}

var _ resourceHandler = (*taskHandler)(nil)

func (h *taskHandler) Create(r *http.Request, detail json.RawMessage) (string, map[string]any, error) {
	var req tasks.RunRequest
	if err := decodeDetail(detail, &req); err != nil {
		return "", nil, err
	}
	task, err := h.s.tasks.Run(r.Context(), authContext(r).UserID, &req)
	if err != nil {
		return "", nil, err
	}
	return fmt.Sprintf("task %s launched", task.TaskName), map[string]any{"task": viewTask(task)}, nil
}

func (h *taskHandler) Delete(*http.Request, json.RawMessage) (string, map[string]any, error) {
	return "", nil, apierr.Unsupported("tasks are terminated with kill, never deleted")
}

func (h *taskHandler) Get(r *http.Request, detail json.RawMessage) (string, map[string]any, error) {
	var d nameDetail
	if err := decodeDetail(detail, &d); err != nil {
		return "", nil, err
	}
	task, err := h.s.tasks.Get(d.TaskName)
	if err != nil {
		return "", nil, err
	}
	results, err := h.s.tasks.ListResults(d.TaskName)
	if err != nil {
		return "", nil, err
	}
	return fmt.Sprintf("task %s", task.TaskName), map[string]any{
		"task":    viewTask(task),
		"results": results,
	}, nil
}

func (h *taskHandler) List(r *http.Request, _ json.RawMessage) (string, map[string]any, error) {
	list, err := h.s.tasks.List()
	if err != nil {
		return "", nil, err
	}
	views := make([]*types.Task, 0, len(list))
	for _, t := range list {
		views = append(views, viewTask(t))
	}
	return fmt.Sprintf("%d tasks", len(views)), map[string]any{"tasks": views}, nil
}

// instructDetail is the update payload dispatching one instruction
type instructDetail struct {
	TaskName   string            `json:"task_name"`
	InstructID string            `json:"instruct_id,omitempty"`
	Command    string            `json:"command"`
	Args       map[string]string `json:"args,omitempty"`
}

func (h *taskHandler) Update(r *http.Request, detail json.RawMessage) (string, map[string]any, error) {
	var d instructDetail
	if err := decodeDetail(detail, &d); err != nil {
		return "", nil, err
	}
	ins, err := h.s.tasks.Instruct(authContext(r).UserID, d.TaskName, d.InstructID, d.Command, d.Args)
	if err != nil {
		return "", nil, err
	}
	return fmt.Sprintf("instruction %s dispatched", ins.Command), map[string]any{"instruction": ins}, nil
}

func (h *taskHandler) Kill(r *http.Request, detail json.RawMessage) (string, map[string]any, error) {
	var d nameDetail
	if err := decodeDetail(detail, &d); err != nil {
		return "", nil, err
	}
	task, err := h.s.tasks.Kill(r.Context(), authContext(r).UserID, d.TaskName)
	if err != nil {
		return "", nil, err
	}
	return fmt.Sprintf("task %s terminated", task.TaskName), map[string]any{"task": viewTask(task)}, nil
}

// ---- listener ----

type listenerHandler struct {
	s *Server
}

var _ resourceHandler = (*listenerHandler)(nil)

func (h *listenerHandler) Create(r *http.Request, detail json.RawMessage) (string, map[string]any, error) {
	var req orchestrator.CreateListenerRequest
	if err := decodeDetail(detail, &req); err != nil {
		return "", nil, err
	}
	l, err := h.s.orchestrator.CreateListener(authContext(r).UserID, &req)
	if err != nil {
		return "", nil, err
	}
	return fmt.Sprintf("listener %s provisioned", l.ListenerName), map[string]any{"listener": viewListener(l)}, nil
}

func (h *listenerHandler) Delete(r *http.Request, detail json.RawMessage) (string, map[string]any, error) {
	var d nameDetail
	if err := decodeDetail(detail, &d); err != nil {
		return "", nil, err
	}
	if err := h.s.orchestrator.DeleteListener(authContext(r).UserID, d.ListenerName); err != nil {
		return "", nil, err
	}
	return fmt.Sprintf("listener %s deleted", d.ListenerName), nil, nil
}

func (h *listenerHandler) Get(r *http.Request, detail json.RawMessage) (string, map[string]any, error) {
	var d nameDetail
	if err := decodeDetail(detail, &d); err != nil {
		return "", nil, err
	}
	l, err := h.s.orchestrator.GetListener(d.ListenerName)
	if err != nil {
		return "", nil, err
	}
	return fmt.Sprintf("listener %s", l.ListenerName), map[string]any{"listener": viewListener(l)}, nil
}

func (h *listenerHandler) List(r *http.Request, _ json.RawMessage) (string, map[string]any, error) {
	list, err := h.s.orchestrator.ListListeners()
	if err != nil {
		return "", nil, err
	}
	views := make([]*types.Listener, 0, len(list))
	for _, l := range list {
		views = append(views, viewListener(l))
	}
	return fmt.Sprintf("%d listeners", len(views)), map[string]any{"listeners": views}, nil
}

func (h *listenerHandler) Update(*http.Request, json.RawMessage) (string, map[string]any, error) {
	return "", nil, apierr.Unsupported("listeners are immutable; delete and recreate")
}

func (h *listenerHandler) Kill(*http.Request, json.RawMessage) (string, map[string]any, error) {
	return "", nil, apierr.Unsupported("command not supported for this resource")
}

// ---- domain ----

type domainHandler struct {
	s *Server
}

var _ resourceHandler = (*domainHandler)(nil)

func (h *domainHandler) Create(r *http.Request, detail json.RawMessage) (string, map[string]any, error) {
	var req orchestrator.CreateDomainRequest
	if err := decodeDetail(detail, &req); err != nil {
		return "", nil, err
	}
	d, err := h.s.orchestrator.CreateDomain(authContext(r).UserID, &req)
	if err != nil {
		return "", nil, err
	}
	return fmt.Sprintf("domain %s created", d.DomainName), map[string]any{"domain": viewDomain(d)}, nil
}

func (h *domainHandler) Delete(r *http.Request, detail json.RawMessage) (string, map[string]any, error) {
	var d nameDetail
	if err := decodeDetail(detail, &d); err != nil {
		return "", nil, err
	}
	if err := h.s.orchestrator.DeleteDomain(authContext(r).UserID, d.DomainName); err != nil {
		return "", nil, err
	}
	return fmt.Sprintf("domain %s deleted", d.DomainName), nil, nil
}

func (h *domainHandler) Get(r *http.Request, detail json.RawMessage) (string, map[string]any, error) {
	var d nameDetail
	if err := decodeDetail(detail, &d); err != nil {
		return "", nil, err
	}
	domain, err := h.s.orchestrator.GetDomain(d.DomainName)
	if err != nil {
		return "", nil, err
	}
	return fmt.Sprintf("domain %s", domain.DomainName), map[string]any{"domain": viewDomain(domain)}, nil
}

func (h *domainHandler) List(r *http.Request, _ json.RawMessage) (string, map[string]any, error) {
	list, err := h.s.orchestrator.ListDomains()
	if err != nil {
		return "", nil, err
	}
	views := make([]*types.Domain, 0, len(list))
	for _, d := range list {
		views = append(views, viewDomain(d))
	}
	return fmt.Sprintf("%d domains", len(views)), map[string]any{"domains": views}, nil
}

func (h *domainHandler) Update(*http.Request, json.RawMessage) (string, map[string]any, error) {
	return "", nil, apierr.Unsupported("command not supported for this resource")
}

func (h *domainHandler) Kill(*http.Request, json.RawMessage) (string, map[string]any, error) {
	return "", nil, apierr.Unsupported("command not supported for this resource")
}

// ---- portgroup ----

type portGroupHandler struct {
	s *Server
}

var _ resourceHandler = (*portGroupHandler)(nil)

func (h *portGroupHandler) Create(r *http.Request, detail json.RawMessage) (string, map[string]any, error) {
	var req orchestrator.CreatePortGroupRequest
	if err := decodeDetail(detail, &req); err != nil {
		return "", nil, err
	}
	pg, err := h.s.orchestrator.CreatePortGroup(authContext(r).UserID, &req)
	if err != nil {
		return "", nil, err
	}
	return fmt.Sprintf("portgroup %s created", pg.PortGroupName), map[string]any{"portgroup": viewPortGroup(pg)}, nil
}

func (h *portGroupHandler) Delete(r *http.Request, detail json.RawMessage) (string, map[string]any, error) {
	var d nameDetail
	if err := decodeDetail(detail, &d); err != nil {
		return "", nil, err
	}
	if err := h.s.orchestrator.DeletePortGroup(authContext(r).UserID, d.PortGroupName); err != nil {
		return "", nil, err
	}
	return fmt.Sprintf("portgroup %s deleted", d.PortGroupName), nil, nil
}

func (h *portGroupHandler) Get(r *http.Request, detail json.RawMessage) (string, map[string]any, error) {
	var d nameDetail
	if err := decodeDetail(detail, &d); err != nil {
		return "", nil, err
	}
	pg, err := h.s.orchestrator.GetPortGroup(d.PortGroupName)
	if err != nil {
		return "", nil, err
	}
	return fmt.Sprintf("portgroup %s", pg.PortGroupName), map[string]any{"portgroup": viewPortGroup(pg)}, nil
}

func (h *portGroupHandler) List(r *http.Request, _ json.RawMessage) (string, map[string]any, error) {
	list, err := h.s.orchestrator.ListPortGroups()
	if err != nil {
		return "", nil, err
	}
	views := make([]*types.PortGroup, 0, len(list))
	for _, pg := range list {
		views = append(views, viewPortGroup(pg))
	}
	return fmt.Sprintf("%d portgroups", len(views)), map[string]any{"portgroups": views}, nil
}

func (h *portGroupHandler) Update(r *http.Request, detail json.RawMessage) (string, map[string]any, error) {
	var req orchestrator.UpdatePortGroupRequest
	if err := decodeDetail(detail, &req); err != nil {
		return "", nil, err
	}
	pg, err := h.s.orchestrator.UpdatePortGroup(authContext(r).UserID, &req)
	if err != nil {
		return "", nil, err
	}
	return fmt.Sprintf("portgroup %s updated", pg.PortGroupName), map[string]any{"portgroup": viewPortGroup(pg)}, nil
}

func (h *portGroupHandler) Kill(*http.Request, json.RawMessage) (string, map[string]any, error) {
	return "", nil, apierr.Unsupported("command not supported for this resource")
}

// ---- user ----

type userHandler struct {
	s *Server
}

var _ resourceHandler = (*userHandler)(nil)

func (h *userHandler) Create(r *http.Request, detail json.RawMessage) (string, map[string]any, error) {
	var req users.CreateRequest
	if err := decodeDetail(detail, &req); err != nil {
		return "", nil, err
	}
	cred, err := h.s.users.Create(authContext(r).UserID, &req)
	if err != nil {
		return "", nil, err
	}
	// The only response that ever carries the secret.
	return fmt.Sprintf("user %s created", cred.UserID), map[string]any{"user": cred}, nil
}

func (h *userHandler) Delete(r *http.Request, detail json.RawMessage) (string, map[string]any, error) {
	var d nameDetail
	if err := decodeDetail(detail, &d); err != nil {
		return "", nil, err
	}
	if err := h.s.users.Delete(authContext(r).UserID, d.UserID); err != nil {
		return "", nil, err
	}
	return fmt.Sprintf("user %s deleted", d.UserID), nil, nil
}

func (h *userHandler) Get(r *http.Request, detail json.RawMessage) (string, map[string]any, error) {
	var d nameDetail
	if err := decodeDetail(detail, &d); err != nil {
		return "", nil, err
	}
	cred, err := h.s.users.Get(d.UserID)
	if err != nil {
		return "", nil, err
	}
	return fmt.Sprintf("user %s", cred.UserID), map[string]any{"user": cred}, nil
}

func (h *userHandler) List(r *http.Request, _ json.RawMessage) (string, map[string]any, error) {
	creds, err := h.s.users.List()
	if err != nil {
		return "", nil, err
	}
	return fmt.Sprintf("%d users", len(creds)), map[string]any{"users": creds}, nil
}

func (h *userHandler) Update(*http.Request, json.RawMessage) (string, map[string]any, error) {
	return "", nil, apierr.Unsupported("credentials are immutable; delete and recreate")
}

func (h *userHandler) Kill(*http.Request, json.RawMessage) (string, map[string]any, error) {
	return "", nil, apierr.Unsupported("command not supported for this resource")
}

// ---- wire views ----

// The wire format represents empty reference sets with the "None"
// sentinel. The views apply that normalization at the boundary without
// touching stored state.

func viewTask(t *types.Task) *types.Task {
	cp := *t
	cp.PortGroups = types.SentinelRefs(t.PortGroups)
	cp.Listeners = types.SentinelRefs(t.Listeners)
	return &cp
}

func viewListener(l *types.Listener) *types.Listener {
	cp := *l
	cp.PortGroups = types.SentinelRefs(l.PortGroups)
	return &cp
}

func viewDomain(d *types.Domain) *types.Domain {
	cp := *d
	cp.Tasks = types.SentinelRefs(d.Tasks)
	cp.Listeners = types.SentinelRefs(d.Listeners)
	cp.HostNames = types.SentinelRefs(d.HostNames)
	return &cp
}

func viewPortGroup(pg *types.PortGroup) *types.PortGroup {
	cp := *pg
	cp.Tasks = types.SentinelRefs(pg.Tasks)
	cp.Listeners = types.SentinelRefs(pg.Listeners)
	return &cp
}
