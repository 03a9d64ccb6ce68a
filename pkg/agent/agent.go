package agent

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/havocsh/havoc-sub000/pkg/client"
	"github.com/havocsh/havoc-sub000/pkg/log"
	"github.com/havocsh/havoc-sub000/pkg/tasks"
	"github.com/havocsh/havoc-sub000/pkg/types"
)

const defaultPollInterval = 5 * time.Second

// Agent is the reference worker: it registers with the control plane,
// polls its mailbox prefix, executes instructions, and posts results
// until told to terminate.
type Agent struct {
	api          *client.Client
	taskName     string
	taskType     string
	taskContext  string
	pollInterval time.Duration
}

// Config describes the worker's identity
type Config struct {
	API          *client.Client
	TaskName     string
	TaskType     string
	TaskContext  string
	PollInterval time.Duration
}

// New creates an agent
func New(cfg Config) *Agent {
	interval := cfg.PollInterval
	if interval == 0 {
		interval = defaultPollInterval
	}
	return &Agent{
		api:          cfg.API,
		taskName:     cfg.TaskName,
		taskType:     cfg.TaskType,
		taskContext:  cfg.TaskContext,
		pollInterval: interval,
	}
}

// Run registers the worker and polls until terminated or the context is
// cancelled.
func (a *Agent) Run(ctx context.Context) error {
	logger := log.WithTask(a.taskName)

	resp, err := a.api.RegisterTask(ctx, map[string]any{
		"task_name":    a.taskName,
		"task_type":    a.taskType,
		"task_context": a.taskContext,
		"local_ip":     localAddrs(),
	})
	if err != nil {
		return fmt.Errorf("failed to register: %w", err)
	}
	if !resp.Success() {
		return fmt.Errorf("registration refused: %s", resp.Message)
	}
	logger.Info().Msg("registered with control plane")

	ticker := time.NewTicker(a.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		pending, err := a.api.GetCommands(ctx, a.taskName)
		if err != nil {
			logger.Warn().Err(err).Msg("poll failed")
			continue
		}

		for _, ins := range pending {
			terminated := a.execute(ctx, ins)
			if terminated {
				logger.Info().Msg("terminate instruction processed, shutting down")
				return nil
			}
		}
	}
}

// execute runs one instruction and posts its result. Returns true when
// the instruction was a terminate.
func (a *Agent) execute(ctx context.Context, ins *types.Instruction) bool {
	logger := log.WithTask(a.taskName)
	logger.Info().
		Str("command", ins.Command).
		Str("instruct_id", ins.InstructID).
		Msg("executing instruction")

	var output string
	switch ins.Command {
	case "shell_command":
		output = a.runShell(ctx, ins.Args["command"])
	case "sleep":
		output = a.runSleep(ctx, ins.Args["seconds"])
	case tasks.CommandTerminate:
		output = "terminating"
	default:
		output = fmt.Sprintf("unrecognized command %q", ins.Command)
	}

	res := &types.TaskResult{
		TaskName:         a.taskName,
		TaskContext:      a.taskContext,
		InstructID:       ins.InstructID,
		InstructInstance: ins.InstructInstance,
		Command:          ins.Command,
		Args:             ins.Args,
		Output:           output,
		LocalIP:          localAddrs(),
		ForwardLog:       true,
		Timestamp:        time.Now().UTC().Unix(),
	}
	if resp, err := a.api.PostResults(ctx, res); err != nil {
		logger.Error().Err(err).Msg("failed to post result")
	} else if !resp.Success() {
		logger.Error().Str("message", resp.Message).Msg("result refused")
	}

	return ins.Command == tasks.CommandTerminate
}

func (a *Agent) runShell(ctx context.Context, command string) string {
	if command == "" {
		return "no command supplied"
	}
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	cmd.Env = os.Environ()
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Sprintf("%s\ncommand failed: %v", out, err)
	}
	return string(out)
}

func (a *Agent) runSleep(ctx context.Context, seconds string) string {
	n, err := strconv.Atoi(seconds)
	if err != nil || n < 0 {
		return fmt.Sprintf("invalid sleep duration %q", seconds)
	}
	select {
	case <-time.After(time.Duration(n) * time.Second):
		return fmt.Sprintf("slept %d seconds", n)
	case <-ctx.Done():
		return "sleep interrupted"
	}
}

// localAddrs lists the host's non-loopback IPv4 addresses
func localAddrs() []string {
	var out []string
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return out
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if v4 := ipNet.IP.To4(); v4 != nil {
			out = append(out, v4.String())
		}
	}
	return out
}
