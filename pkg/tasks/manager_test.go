package tasks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/havocsh/havoc-sub000/pkg/apierr"
	"github.com/havocsh/havoc-sub000/pkg/blob"
	"github.com/havocsh/havoc-sub000/pkg/config"
	"github.com/havocsh/havoc-sub000/pkg/events"
	"github.com/havocsh/havoc-sub000/pkg/fleet"
	"github.com/havocsh/havoc-sub000/pkg/mailbox"
	"github.com/havocsh/havoc-sub000/pkg/storage"
	"github.com/havocsh/havoc-sub000/pkg/types"
)

type fakeFleet struct {
	launched []*fleet.Spec
	stopped  []string
	failNext bool
}

func (f *fakeFleet) Launch(ctx context.Context, spec *fleet.Spec) (string, error) {
	if f.failNext {
		f.failNext = false
		return "", errors.New("no capacity")
	}
	f.launched = append(f.launched, spec)
	return "container-" + spec.TaskName, nil
}

func (f *fakeFleet) Stop(ctx context.Context, handle string) error {
	f.stopped = append(f.stopped, handle)
	return nil
}

func (f *fakeFleet) Describe(ctx context.Context, handle string) (*fleet.Attachment, error) {
	return &fleet.Attachment{}, nil
}

func testManager(t *testing.T) (*Manager, storage.Store, *fakeFleet) {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.NewBoltStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	blobs, err := blob.NewBoltStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { blobs.Close() })

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	ff := &fakeFleet{}
	m := NewManager(ManagerConfig{
		Store:    store,
		Exchange: mailbox.NewExchange(blobs),
		Fleet:    ff,
		Broker:   broker,
		Registry: NewTypeRegistry([]config.TaskType{
			{
				Name:         "shell",
				Version:      "1.0",
				Image:        "docker.io/library/alpine:latest",
				Capabilities: []string{"shell_command", "sleep", "terminate"},
			},
		}),
		TaskContext: "exercise1",
		Retention:   time.Hour,
		SettleDelay: 0,
	})
	return m, store, ff
}

func registerIdle(t *testing.T, m *Manager, name string) *types.Task {
	t.Helper()
	task, err := m.Register("worker", &RegisterRequest{
		TaskName: name,
		TaskType: "shell",
		PublicIP: "203.0.113.10",
		LocalIP:  []string{"10.0.0.5"},
	})
	require.NoError(t, err)
	require.Equal(t, types.TaskIdle, task.Status)
	return task
}

func TestRunLaunchesStartingTask(t *testing.T) {
	m, store, ff := testManager(t)

	task, err := m.Run(context.Background(), "operator1", &RunRequest{
		TaskName: "task1",
		TaskType: "shell",
		Env:      map[string]string{"LHOST": "203.0.113.1"},
	})
	require.NoError(t, err)
	assert.Equal(t, types.TaskStarting, task.Status)
	assert.Equal(t, "container-task1", task.Placement)
	assert.Equal(t, "exercise1", task.TaskContext)
	assert.True(t, task.FleetManaged())
	require.Len(t, ff.launched, 1)
	assert.Contains(t, ff.launched[0].Env, "LHOST=203.0.113.1")

	stored, err := store.GetTask("task1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStarting, stored.Status)
}

func TestRunValidation(t *testing.T) {
	m, _, _ := testManager(t)
	ctx := context.Background()

	_, err := m.Run(ctx, "op", &RunRequest{TaskType: "shell"})
	assert.True(t, apierr.IsKind(err, apierr.KindValidation))

	_, err = m.Run(ctx, "op", &RunRequest{TaskName: "t"})
	assert.True(t, apierr.IsKind(err, apierr.KindValidation))

	_, err = m.Run(ctx, "op", &RunRequest{TaskName: "t", TaskType: "nosuch"})
	assert.True(t, apierr.IsKind(err, apierr.KindNotFound))

	_, err = m.Run(ctx, "op", &RunRequest{TaskName: "t", TaskType: "shell", PortGroups: []string{"nopg"}})
	assert.True(t, apierr.IsKind(err, apierr.KindNotFound))
}

func TestRunRefusesLiveDuplicate(t *testing.T) {
	m, _, _ := testManager(t)
	ctx := context.Background()

	_, err := m.Run(ctx, "op", &RunRequest{TaskName: "task1", TaskType: "shell"})
	require.NoError(t, err)

	_, err = m.Run(ctx, "op", &RunRequest{TaskName: "task1", TaskType: "shell"})
	assert.True(t, apierr.IsKind(err, apierr.KindConflict))
}

func TestRunRecordsPortGroupBackRef(t *testing.T) {
	m, store, _ := testManager(t)
	require.NoError(t, store.CreatePortGroup(&types.PortGroup{PortGroupName: "pg1"}))

	_, err := m.Run(context.Background(), "op", &RunRequest{
		TaskName:   "task1",
		TaskType:   "shell",
		PortGroups: []string{"pg1"},
	})
	require.NoError(t, err)

	pg, err := store.GetPortGroup("pg1")
	require.NoError(t, err)
	assert.Contains(t, pg.Tasks, "task1")
}

func TestRegisterMovesStartingToIdle(t *testing.T) {
	m, store, _ := testManager(t)
	ctx := context.Background()

	_, err := m.Run(ctx, "op", &RunRequest{TaskName: "task1", TaskType: "shell"})
	require.NoError(t, err)

	task, err := m.Register("worker", &RegisterRequest{
		TaskName: "task1",
		PublicIP: "203.0.113.10",
		LocalIP:  []string{"10.0.0.5"},
	})
	require.NoError(t, err)
	assert.Equal(t, types.TaskIdle, task.Status)
	assert.Equal(t, "203.0.113.10", task.PublicIP)

	// The fleet placement survives the transition.
	stored, _ := store.GetTask("task1")
	assert.Equal(t, "container-task1", stored.Placement)

	// A second registration under the same live name is refused.
	_, err = m.Register("worker", &RegisterRequest{TaskName: "task1", TaskType: "shell"})
	assert.True(t, apierr.IsKind(err, apierr.KindConflict))
}

func TestRegisterExternalWorker(t *testing.T) {
	m, _, _ := testManager(t)

	task := registerIdle(t, m, "ext1")
	assert.Equal(t, types.PlacementExternal, task.Placement)
	assert.False(t, task.FleetManaged())
}

func TestRegisterReusesTerminatedName(t *testing.T) {
	m, _, _ := testManager(t)
	ctx := context.Background()

	registerIdle(t, m, "task1")
	_, err := m.Kill(ctx, "op", "task1")
	require.NoError(t, err)

	task := registerIdle(t, m, "task1")
	assert.Empty(t, task.InstructIDs, "terminated history does not carry over")
}

func TestInstructDispatchesToIdleTask(t *testing.T) {
	m, store, _ := testManager(t)
	registerIdle(t, m, "task1")

	ins, err := m.Instruct("op", "task1", "", "shell_command", map[string]string{"cmd": "whoami"})
	require.NoError(t, err)
	assert.NotEmpty(t, ins.InstructID)
	assert.Equal(t, "1", ins.InstructInstance)

	task, _ := store.GetTask("task1")
	assert.Equal(t, types.TaskBusy, task.Status)
	assert.Equal(t, []string{ins.InstructID}, task.InstructIDs)
	require.NotNil(t, task.LastInstruct)
	assert.Equal(t, "shell_command", task.LastInstruct.Command)

	// The instruction is waiting in the mailbox.
	pending, err := m.GetCommands("task1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "whoami", pending[0].Args["cmd"])
}

func TestInstructRefusesBusyTask(t *testing.T) {
	m, _, _ := testManager(t)
	registerIdle(t, m, "task1")

	_, err := m.Instruct("op", "task1", "", "shell_command", nil)
	require.NoError(t, err)

	_, err = m.Instruct("op", "task1", "", "sleep", nil)
	require.Error(t, err)
	assert.True(t, apierr.IsKind(err, apierr.KindConflict))
	assert.Contains(t, err.Error(), "not idle")
}

func TestInstructUnknownCommand(t *testing.T) {
	m, store, _ := testManager(t)
	registerIdle(t, m, "task1")

	_, err := m.Instruct("op", "task1", "", "rm_rf", nil)
	assert.True(t, apierr.IsKind(err, apierr.KindConflict))

	// Admission failed before any state mutation.
	task, _ := store.GetTask("task1")
	assert.Equal(t, types.TaskIdle, task.Status)
	assert.Empty(t, task.InstructIDs)
}

func TestInstructInstanceCountsReruns(t *testing.T) {
	m, _, _ := testManager(t)
	registerIdle(t, m, "task1")

	first, err := m.Instruct("op", "task1", "fixed-id", "shell_command", nil)
	require.NoError(t, err)
	assert.Equal(t, "1", first.InstructInstance)

	require.NoError(t, m.PostResult(context.Background(), &types.TaskResult{
		TaskName:   "task1",
		InstructID: first.InstructID,
		Command:    "shell_command",
		Output:     "ok",
	}))

	second, err := m.Instruct("op", "task1", "fixed-id", "shell_command", nil)
	require.NoError(t, err)
	assert.Equal(t, "2", second.InstructInstance)
}

func TestTerminateGuardedByListeners(t *testing.T) {
	m, store, _ := testManager(t)
	registerIdle(t, m, "task1")

	task, _ := store.GetTask("task1")
	task.Listeners = []string{"lst1"}
	require.NoError(t, store.UpdateTask(task))

	_, err := m.Instruct("op", "task1", "", "terminate", nil)
	require.Error(t, err)
	assert.True(t, apierr.IsKind(err, apierr.KindConflict))

	_, err = m.Kill(context.Background(), "op", "task1")
	require.Error(t, err)
	assert.True(t, apierr.IsKind(err, apierr.KindConflict))

	// Clearing the listener unblocks the kill.
	task, _ = store.GetTask("task1")
	task.Listeners = nil
	require.NoError(t, store.UpdateTask(task))
	_, err = m.Kill(context.Background(), "op", "task1")
	assert.NoError(t, err)
}

func TestPostResultReturnsTaskToIdle(t *testing.T) {
	m, store, _ := testManager(t)
	registerIdle(t, m, "task1")

	ins, err := m.Instruct("op", "task1", "", "shell_command", nil)
	require.NoError(t, err)

	require.NoError(t, m.PostResult(context.Background(), &types.TaskResult{
		TaskName:   "task1",
		InstructID: ins.InstructID,
		Command:    "shell_command",
		Output:     "root",
		Timestamp:  time.Now().Unix(),
	}))

	task, _ := store.GetTask("task1")
	assert.Equal(t, types.TaskIdle, task.Status)

	entries, err := m.ListResults("task1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "root", entries[0].Output)
	assert.Greater(t, entries[0].ExpireTime, time.Now().Unix())
}

// TestPostResultRedeliveryAppends verifies at-least-once delivery
// semantics: the same result posted twice lands as two queue entries.
func TestPostResultRedeliveryAppends(t *testing.T) {
	m, _, _ := testManager(t)
	registerIdle(t, m, "task1")

	ins, err := m.Instruct("op", "task1", "", "shell_command", nil)
	require.NoError(t, err)

	res := &types.TaskResult{
		TaskName:   "task1",
		InstructID: ins.InstructID,
		Command:    "shell_command",
		Output:     "same output",
		Timestamp:  1700000000,
	}
	require.NoError(t, m.PostResult(context.Background(), res))
	require.NoError(t, m.PostResult(context.Background(), res))

	entries, err := m.ListResults("task1")
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestPostTerminateResultTearsDown(t *testing.T) {
	m, store, ff := testManager(t)
	ctx := context.Background()

	require.NoError(t, store.CreatePortGroup(&types.PortGroup{PortGroupName: "pg1"}))
	_, err := m.Run(ctx, "op", &RunRequest{TaskName: "task1", TaskType: "shell", PortGroups: []string{"pg1"}})
	require.NoError(t, err)
	_, err = m.Register("worker", &RegisterRequest{TaskName: "task1"})
	require.NoError(t, err)

	ins, err := m.Instruct("op", "task1", "", "terminate", nil)
	require.NoError(t, err)

	require.NoError(t, m.PostResult(ctx, &types.TaskResult{
		TaskName:   "task1",
		InstructID: ins.InstructID,
		Command:    "terminate",
		Output:     "shutting down",
	}))

	task, _ := store.GetTask("task1")
	assert.Equal(t, types.TaskTerminated, task.Status)
	assert.Equal(t, []string{"container-task1"}, ff.stopped)

	pg, _ := store.GetPortGroup("pg1")
	assert.NotContains(t, pg.Tasks, "task1")

	// Terminated tasks stay queryable but refuse further work.
	_, err = m.GetCommands("task1")
	assert.True(t, apierr.IsKind(err, apierr.KindConflict))
	_, err = m.Kill(ctx, "op", "task1")
	assert.True(t, apierr.IsKind(err, apierr.KindConflict))
}

func TestKillDiscardsPendingInstructions(t *testing.T) {
	m, _, _ := testManager(t)
	registerIdle(t, m, "task1")

	_, err := m.Instruct("op", "task1", "", "shell_command", nil)
	require.NoError(t, err)

	_, err = m.Kill(context.Background(), "op", "task1")
	require.NoError(t, err)

	// Nothing pending survives termination; the mailbox prefix is clean
	// for an eventual name reuse.
	task := registerIdle(t, m, "task1")
	pending, err := m.GetCommands(task.TaskName)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestGetCommandsUnknownTask(t *testing.T) {
	m, _, _ := testManager(t)
	_, err := m.GetCommands("ghost")
	assert.True(t, apierr.IsKind(err, apierr.KindNotFound))
}
