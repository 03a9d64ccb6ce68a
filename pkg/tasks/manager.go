package tasks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/havocsh/havoc-sub000/pkg/apierr"
	"github.com/havocsh/havoc-sub000/pkg/events"
	"github.com/havocsh/havoc-sub000/pkg/fleet"
	"github.com/havocsh/havoc-sub000/pkg/log"
	"github.com/havocsh/havoc-sub000/pkg/mailbox"
	"github.com/havocsh/havoc-sub000/pkg/metrics"
	"github.com/havocsh/havoc-sub000/pkg/storage"
	"github.com/havocsh/havoc-sub000/pkg/types"
)

// CommandTerminate is the instruction that ends a task's lifecycle.
const CommandTerminate = "terminate"

// Manager owns the task state machine. All coordination state lives in the
// store; the manager itself holds no per-task state, so concurrent requests
// contend only through conditional status writes.
type Manager struct {
	store    storage.Store
	exchange *mailbox.Exchange
	fleet    fleet.Provider
	broker   *events.Broker
	registry *TypeRegistry

	taskContext string
	retention   time.Duration
	settleDelay time.Duration
}

// ManagerConfig wires the manager's collaborators
type ManagerConfig struct {
	Store       storage.Store
	Exchange    *mailbox.Exchange
	Fleet       fleet.Provider
	Broker      *events.Broker
	Registry    *TypeRegistry
	TaskContext string
	Retention   time.Duration
	SettleDelay time.Duration
}

// NewManager creates a task lifecycle manager
func NewManager(cfg ManagerConfig) *Manager {
	return &Manager{
		store:       cfg.Store,
		exchange:    cfg.Exchange,
		fleet:       cfg.Fleet,
		broker:      cfg.Broker,
		registry:    cfg.Registry,
		taskContext: cfg.TaskContext,
		retention:   cfg.Retention,
		settleDelay: cfg.SettleDelay,
	}
}

// RunRequest asks the fleet to launch a new worker
type RunRequest struct {
	TaskName   string            `json:"task_name"`
	TaskType   string            `json:"task_type"`
	PortGroups []string          `json:"portgroups,omitempty"`
	EndTime    time.Time         `json:"end_time,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
}

// Run launches a fleet-managed task. The task starts in status starting
// and moves to idle on the worker's first status report.
func (m *Manager) Run(ctx context.Context, userID string, req *RunRequest) (*types.Task, error) {
	if req.TaskName == "" {
		return nil, apierr.Validation("task_name is required")
	}
	if req.TaskType == "" {
		return nil, apierr.Validation("task_type is required")
	}

	tt, err := m.registry.Resolve(req.TaskType)
	if err != nil {
		return nil, err
	}

	if existing, err := m.store.GetTask(req.TaskName); err == nil {
		if existing.Status != types.TaskTerminated {
			return nil, apierr.Conflict("task %s already exists", req.TaskName)
		}
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, apierr.Provider("get_task", err)
	}

	// Back-references land before the launch so a partial failure leaves
	// a visible reference instead of an orphaned worker.
	portGroups := types.ParseRefs(req.PortGroups)
	for _, pgName := range portGroups {
		pg, err := m.store.GetPortGroup(pgName)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil, apierr.NotFound("portgroup %s not found", pgName)
			}
			return nil, apierr.Provider("get_portgroup", err)
		}
		pg.Tasks = types.AddRef(pg.Tasks, req.TaskName)
		if err := m.store.UpdatePortGroup(pg); err != nil {
			return nil, apierr.Provider("update_portgroup", err)
		}
	}

	env := make([]string, 0, len(req.Env))
	for k, v := range req.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	handle, err := m.fleet.Launch(ctx, &fleet.Spec{
		TaskName:    req.TaskName,
		TaskType:    req.TaskType,
		TaskContext: m.taskContext,
		Image:       tt.Image,
		Env:         env,
	})
	if err != nil {
		return nil, apierr.Provider("launch_task", err)
	}

	task := &types.Task{
		TaskName:         req.TaskName,
		TaskType:         req.TaskType,
		TaskVersion:      tt.Version,
		TaskContext:      m.taskContext,
		Status:           types.TaskStarting,
		PortGroups:       portGroups,
		CreateTime:       time.Now().UTC(),
		ScheduledEndTime: req.EndTime,
		UserID:           userID,
		Placement:        handle,
		Env:              req.Env,
	}
	if err := m.store.CreateTask(task); err != nil {
		return nil, apierr.Provider("create_task", err)
	}

	m.broker.Publish(&events.Event{
		Type:    events.EventTaskCreated,
		Entity:  task.TaskName,
		UserID:  userID,
		Message: fmt.Sprintf("task %s launched", task.TaskName),
	})
	log.WithTask(task.TaskName).Info().
		Str("task_type", task.TaskType).
		Str("user_id", userID).
		Msg("task launched")

	return task, nil
}

// RegisterRequest is a worker's first contact: identity, context and
// network addresses.
type RegisterRequest struct {
	TaskName    string   `json:"task_name"`
	TaskType    string   `json:"task_type"`
	TaskContext string   `json:"task_context,omitempty"`
	PublicIP    string   `json:"public_ip,omitempty"`
	LocalIP     []string `json:"local_ip,omitempty"`
}

// Register handles a worker's first status report. For a fleet-launched
// task this is the starting to idle transition; for an externally deployed
// worker it creates a fresh entry. An existing non-terminated entry under
// the same name is a Conflict.
func (m *Manager) Register(userID string, req *RegisterRequest) (*types.Task, error) {
	if req.TaskName == "" {
		return nil, apierr.Validation("task_name is required")
	}

	existing, err := m.store.GetTask(req.TaskName)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, apierr.Provider("get_task", err)
	}

	if existing != nil && existing.Status == types.TaskStarting {
		if err := m.store.CompareAndSwapTaskStatus(req.TaskName, types.TaskStarting, types.TaskIdle); err != nil {
			if errors.Is(err, storage.ErrStatusConflict) {
				return nil, apierr.Conflict("task %s already registered", req.TaskName)
			}
			return nil, apierr.Provider("update_task", err)
		}
		task, err := m.store.GetTask(req.TaskName)
		if err != nil {
			return nil, apierr.Provider("get_task", err)
		}
		task.PublicIP = req.PublicIP
		task.LocalIP = req.LocalIP
		if req.TaskContext != "" {
			task.TaskContext = req.TaskContext
		}
		if err := m.store.UpdateTask(task); err != nil {
			return nil, apierr.Provider("update_task", err)
		}
		m.publishRegistered(task, userID)
		return task, nil
	}

	if existing != nil && existing.Status != types.TaskTerminated {
		return nil, apierr.Conflict("task %s already exists", req.TaskName)
	}

	if req.TaskType == "" {
		return nil, apierr.Validation("task_type is required")
	}
	if _, err := m.registry.Resolve(req.TaskType); err != nil {
		return nil, err
	}

	task := &types.Task{
		TaskName:    req.TaskName,
		TaskType:    req.TaskType,
		TaskContext: req.TaskContext,
		Status:      types.TaskIdle,
		PublicIP:    req.PublicIP,
		LocalIP:     req.LocalIP,
		CreateTime:  time.Now().UTC(),
		UserID:      userID,
		Placement:   types.PlacementExternal,
	}
	if existing != nil {
		// Name reuse after termination replaces the terminated entry.
		if err := m.store.UpdateTask(task); err != nil {
			return nil, apierr.Provider("update_task", err)
		}
	} else {
		if err := m.store.CreateTask(task); err != nil {
			return nil, apierr.Provider("create_task", err)
		}
	}

	m.publishRegistered(task, userID)
	return task, nil
}

func (m *Manager) publishRegistered(task *types.Task, userID string) {
	m.broker.Publish(&events.Event{
		Type:    events.EventTaskRegistered,
		Entity:  task.TaskName,
		UserID:  userID,
		Message: fmt.Sprintf("task %s registered from %s", task.TaskName, task.PublicIP),
	})
	log.WithTask(task.TaskName).Info().
		Str("public_ip", task.PublicIP).
		Msg("task registered")
}

// Instruct dispatches one command to an idle task. The status moves to
// busy synchronously with the mailbox write so a second instruction is
// refused until the result comes back.
func (m *Manager) Instruct(userID, taskName, instructID, command string, args map[string]string) (*types.Instruction, error) {
	if taskName == "" {
		return nil, apierr.Validation("task_name is required")
	}
	if command == "" {
		return nil, apierr.Validation("command is required")
	}

	task, err := m.store.GetTask(taskName)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apierr.NotFound("task %s not found", taskName)
		}
		return nil, apierr.Provider("get_task", err)
	}

	// Command admission happens before any state mutation.
	if err := m.registry.ValidateCommand(task.TaskType, command); err != nil {
		return nil, err
	}
	if command == CommandTerminate && task.HasListeners() {
		return nil, apierr.Conflict("task %s is fronted by a listener; delete the listener first", taskName)
	}

	if err := m.claimIdle(taskName); err != nil {
		return nil, err
	}

	if instructID == "" {
		instructID = uuid.New().String()
	}
	// The instance number counts repeats of the same instruct ID so
	// queue consumers can tell re-runs apart.
	instance := 1
	for _, id := range task.InstructIDs {
		if id == instructID {
			instance++
		}
	}

	ins := &types.Instruction{
		UserID:           userID,
		TaskName:         taskName,
		InstructID:       instructID,
		InstructInstance: fmt.Sprintf("%d", instance),
		Command:          command,
		Args:             args,
		Time:             time.Now().UTC(),
	}

	if err := m.exchange.PutInstruction(ins); err != nil {
		// Give the slot back; the instruction never reached the mailbox.
		if casErr := m.store.CompareAndSwapTaskStatus(taskName, types.TaskBusy, types.TaskIdle); casErr != nil {
			log.WithTask(taskName).Error().Err(casErr).Msg("failed to release busy status after mailbox failure")
		}
		return nil, apierr.Provider("put_instruction", err)
	}

	task, err = m.store.GetTask(taskName)
	if err != nil {
		return nil, apierr.Provider("get_task", err)
	}
	task.InstructIDs = append(task.InstructIDs, ins.InstructID)
	task.InstructInstances = append(task.InstructInstances, ins.InstructInstance)
	task.LastInstruct = ins
	if err := m.store.UpdateTask(task); err != nil {
		return nil, apierr.Provider("update_task", err)
	}

	metrics.InstructionsTotal.WithLabelValues(command).Inc()
	m.broker.Publish(&events.Event{
		Type:    events.EventTaskInstructed,
		Entity:  taskName,
		UserID:  userID,
		Message: fmt.Sprintf("instruction %s dispatched to %s", command, taskName),
		Metadata: map[string]string{
			"instruct_id": ins.InstructID,
			"command":     command,
		},
	})
	log.WithTask(taskName).Info().
		Str("command", command).
		Str("instruct_id", ins.InstructID).
		Msg("instruction dispatched")

	return ins, nil
}

// claimIdle performs the conditional idle to busy write, retrying once on
// conflict before surfacing it.
func (m *Manager) claimIdle(taskName string) error {
	err := m.store.CompareAndSwapTaskStatus(taskName, types.TaskIdle, types.TaskBusy)
	if errors.Is(err, storage.ErrStatusConflict) {
		err = m.store.CompareAndSwapTaskStatus(taskName, types.TaskIdle, types.TaskBusy)
	}
	if err != nil {
		if errors.Is(err, storage.ErrStatusConflict) {
			return apierr.Conflict("task %s is not idle", taskName)
		}
		if errors.Is(err, storage.ErrNotFound) {
			return apierr.NotFound("task %s not found", taskName)
		}
		return apierr.Provider("update_task", err)
	}
	return nil
}

// GetCommands drains and deletes the pending instruction objects for the
// task. Delivery is at-least-once; a worker that crashed after reading but
// before this call completes sees the same instruction again.
func (m *Manager) GetCommands(taskName string) ([]*types.Instruction, error) {
	task, err := m.store.GetTask(taskName)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apierr.NotFound("task %s not found", taskName)
		}
		return nil, apierr.Provider("get_task", err)
	}
	if task.Status == types.TaskTerminated {
		return nil, apierr.Conflict("task %s is terminated", taskName)
	}

	pending, err := m.exchange.Drain(taskName)
	if err != nil {
		return nil, apierr.Provider("get_commands", err)
	}
	return pending, nil
}

// PostResult records one command's output into the result queue and moves
// the task back to idle, or through termination teardown for a terminate
// command. The queue is append-only: a re-delivered result appends a
// second entry rather than deduplicating.
func (m *Manager) PostResult(ctx context.Context, res *types.TaskResult) error {
	if res.TaskName == "" {
		return apierr.Validation("task_name is required")
	}
	if res.InstructID == "" {
		return apierr.Validation("instruct_id is required")
	}

	task, err := m.store.GetTask(res.TaskName)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return apierr.NotFound("task %s not found", res.TaskName)
		}
		return apierr.Provider("get_task", err)
	}

	now := time.Now().UTC()
	runTime := res.Timestamp
	if runTime == 0 {
		runTime = now.Unix()
	}
	entry := &types.ResultEntry{
		Name:             res.TaskName,
		RunTime:          runTime,
		InstructID:       res.InstructID,
		InstructInstance: res.InstructInstance,
		Command:          res.Command,
		Args:             res.Args,
		Output:           res.Output,
		UserID:           res.UserID,
		ForwardLog:       res.ForwardLog,
		ExpireTime:       now.Add(m.retention).Unix(),
	}
	if err := m.store.AppendTaskResult(entry); err != nil {
		return apierr.Provider("append_result", err)
	}
	metrics.ResultsTotal.Inc()

	if res.PublicIP != "" {
		task.PublicIP = res.PublicIP
	}
	if len(res.LocalIP) > 0 {
		task.LocalIP = res.LocalIP
	}

	if res.Command == CommandTerminate {
		if err := m.terminate(ctx, task, res.UserID); err != nil {
			return err
		}
		// Settle: give back-reference cleanup time to land before the
		// worker sees the task as fully gone.
		time.Sleep(m.settleDelay)
	} else {
		if task.Status == types.TaskBusy {
			task.Status = types.TaskIdle
		}
		if err := m.store.UpdateTask(task); err != nil {
			return apierr.Provider("update_task", err)
		}
	}

	m.broker.Publish(&events.Event{
		Type:    events.EventTaskResult,
		Entity:  res.TaskName,
		UserID:  res.UserID,
		Message: fmt.Sprintf("result for %s delivered by %s", res.Command, res.TaskName),
		Metadata: map[string]string{
			"instruct_id": res.InstructID,
			"command":     res.Command,
		},
	})
	log.WithTask(res.TaskName).Info().
		Str("command", res.Command).
		Str("instruct_id", res.InstructID).
		Msg("result delivered")

	return nil
}

// Kill terminates a task from the operator side, skipping the worker's
// terminate round-trip.
func (m *Manager) Kill(ctx context.Context, userID, taskName string) (*types.Task, error) {
	task, err := m.store.GetTask(taskName)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apierr.NotFound("task %s not found", taskName)
		}
		return nil, apierr.Provider("get_task", err)
	}
	if task.Status == types.TaskTerminated {
		return nil, apierr.Conflict("task %s is already terminated", taskName)
	}
	if task.HasListeners() {
		return nil, apierr.Conflict("task %s is fronted by a listener; delete the listener first", taskName)
	}

	if err := m.terminate(ctx, task, userID); err != nil {
		return nil, err
	}
	return task, nil
}

// terminate runs teardown: release back-references, stop the fleet
// placement, drop pending instructions, then persist the final status.
// Cleanup failures are logged but never block the transition.
func (m *Manager) terminate(ctx context.Context, task *types.Task, userID string) error {
	logger := log.WithTask(task.TaskName)

	for _, pgName := range types.ParseRefs(task.PortGroups) {
		pg, err := m.store.GetPortGroup(pgName)
		if err != nil {
			logger.Warn().Err(err).Str("portgroup", pgName).Msg("failed to load portgroup during teardown")
			continue
		}
		pg.Tasks = types.RemoveRef(pg.Tasks, task.TaskName)
		if err := m.store.UpdatePortGroup(pg); err != nil {
			logger.Warn().Err(err).Str("portgroup", pgName).Msg("failed to release portgroup back-reference")
		}
	}

	domains, err := m.store.ListDomains()
	if err != nil {
		logger.Warn().Err(err).Msg("failed to list domains during teardown")
	}
	for _, d := range domains {
		if !contains(types.ParseRefs(d.Tasks), task.TaskName) {
			continue
		}
		d.Tasks = types.RemoveRef(d.Tasks, task.TaskName)
		if err := m.store.UpdateDomain(d); err != nil {
			logger.Warn().Err(err).Str("domain", d.DomainName).Msg("failed to release domain back-reference")
		}
	}

	if task.FleetManaged() {
		if err := m.fleet.Stop(ctx, task.Placement); err != nil {
			logger.Warn().Err(err).Msg("failed to stop fleet placement")
		}
	}

	if err := m.exchange.Discard(task.TaskName); err != nil {
		logger.Warn().Err(err).Msg("failed to discard pending instructions")
	}

	task.Status = types.TaskTerminated
	if err := m.store.UpdateTask(task); err != nil {
		return apierr.Provider("update_task", err)
	}

	m.broker.Publish(&events.Event{
		Type:    events.EventTaskTerminated,
		Entity:  task.TaskName,
		UserID:  userID,
		Message: fmt.Sprintf("task %s terminated", task.TaskName),
	})
	logger.Info().Msg("task terminated")
	return nil
}

// Get returns one task
func (m *Manager) Get(taskName string) (*types.Task, error) {
	task, err := m.store.GetTask(taskName)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apierr.NotFound("task %s not found", taskName)
		}
		return nil, apierr.Provider("get_task", err)
	}
	return task, nil
}

// List returns all tasks
func (m *Manager) List() ([]*types.Task, error) {
	tasks, err := m.store.ListTasks()
	if err != nil {
		return nil, apierr.Provider("list_tasks", err)
	}
	return tasks, nil
}

// ListResults returns the task's result-queue entries
func (m *Manager) ListResults(taskName string) ([]*types.ResultEntry, error) {
	entries, err := m.store.ListTaskResults(taskName)
	if err != nil {
		return nil, apierr.Provider("list_results", err)
	}
	return entries, nil
}

func contains(refs []string, name string) bool {
	for _, r := range refs {
		if r == name {
			return true
		}
	}
	return false
}
