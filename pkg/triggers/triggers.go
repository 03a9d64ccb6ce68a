package triggers

import (
	"context"
	"strings"
	"time"

	"github.com/havocsh/havoc-sub000/pkg/apierr"
	"github.com/havocsh/havoc-sub000/pkg/config"
	"github.com/havocsh/havoc-sub000/pkg/log"
	"github.com/havocsh/havoc-sub000/pkg/storage"
	"github.com/havocsh/havoc-sub000/pkg/tasks"
	"github.com/havocsh/havoc-sub000/pkg/types"
)

const (
	// resultWaitAttempts bounds how long a trigger waits for a command's
	// result before giving up on the cycle.
	resultWaitAttempts = 30
	resultWaitInterval = 2 * time.Second
)

// Runner executes scheduled trigger rules: run the filter command against
// a task, and if the filter yields output, run the execute command. Both
// outcomes land in the trigger result queue.
type Runner struct {
	store     storage.Store
	tasks     *tasks.Manager
	triggers  []config.Trigger
	retention time.Duration
}

// NewRunner creates a trigger runner
func NewRunner(store storage.Store, manager *tasks.Manager, triggers []config.Trigger, retention time.Duration) *Runner {
	return &Runner{
		store:     store,
		tasks:     manager,
		triggers:  triggers,
		retention: retention,
	}
}

// Start launches one scheduling loop per configured trigger
func (r *Runner) Start(ctx context.Context) {
	for i := range r.triggers {
		go r.loop(ctx, r.triggers[i])
	}
}

func (r *Runner) loop(ctx context.Context, trig config.Trigger) {
	interval := trig.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	logger := log.WithComponent("triggers")
	logger.Info().
		Str("trigger", trig.Name).
		Dur("interval", interval).
		Msg("trigger scheduled")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.runOnce(ctx, trig)
		}
	}
}

// runOnce runs one filter-then-execute cycle. A busy task skips the cycle
// rather than queueing behind it.
func (r *Runner) runOnce(ctx context.Context, trig config.Trigger) {
	logger := log.WithComponent("triggers")
	callerID := "trigger:" + trig.Name

	filterOut, err := r.dispatch(ctx, callerID, trig.TaskName, trig.FilterCommand, trig.FilterArgs)
	if err != nil {
		if apierr.IsKind(err, apierr.KindConflict) {
			logger.Debug().Str("trigger", trig.Name).Msg("task busy, skipping cycle")
			return
		}
		logger.Warn().Err(err).Str("trigger", trig.Name).Msg("filter command failed")
		return
	}
	r.record(trig.Name, callerID, trig.FilterCommand, trig.FilterArgs, filterOut)

	if strings.TrimSpace(filterOut) == "" || trig.ExecuteCommand == "" {
		return
	}

	execOut, err := r.dispatch(ctx, callerID, trig.TaskName, trig.ExecuteCommand, trig.ExecuteArgs)
	if err != nil {
		logger.Warn().Err(err).Str("trigger", trig.Name).Msg("execute command failed")
		return
	}
	r.record(trig.Name, callerID, trig.ExecuteCommand, trig.ExecuteArgs, execOut)

	logger.Info().
		Str("trigger", trig.Name).
		Str("task", trig.TaskName).
		Msg("trigger fired")
}

// dispatch sends one instruction and waits for its result entry
func (r *Runner) dispatch(ctx context.Context, callerID, taskName, command string, args map[string]string) (string, error) {
	ins, err := r.tasks.Instruct(callerID, taskName, "", command, args)
	if err != nil {
		return "", err
	}

	for attempt := 0; attempt < resultWaitAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(resultWaitInterval):
		}

		entries, err := r.store.ListTaskResults(taskName)
		if err != nil {
			return "", err
		}
		for _, e := range entries {
			if e.InstructID == ins.InstructID && e.InstructInstance == ins.InstructInstance {
				return e.Output, nil
			}
		}
	}
	return "", apierr.Provider("trigger_wait", context.DeadlineExceeded)
}

func (r *Runner) record(triggerName, callerID, command string, args map[string]string, output string) {
	now := time.Now().UTC()
	entry := &types.ResultEntry{
		Name:       triggerName,
		RunTime:    now.Unix(),
		Command:    command,
		Args:       args,
		Output:     output,
		UserID:     callerID,
		ExpireTime: now.Add(r.retention).Unix(),
	}
	if err := r.store.AppendTriggerResult(entry); err != nil {
		log.WithComponent("triggers").Warn().Err(err).Str("trigger", triggerName).Msg("failed to record trigger result")
	}
}
