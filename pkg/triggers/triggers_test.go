package triggers

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/havocsh/havoc-sub000/pkg/blob"
	"github.com/havocsh/havoc-sub000/pkg/config"
	"github.com/havocsh/havoc-sub000/pkg/events"
	"github.com/havocsh/havoc-sub000/pkg/mailbox"
	"github.com/havocsh/havoc-sub000/pkg/storage"
	"github.com/havocsh/havoc-sub000/pkg/tasks"
	"github.com/havocsh/havoc-sub000/pkg/types"
)

func testRunner(t *testing.T, triggers []config.Trigger) (*Runner, *tasks.Manager, storage.Store) {
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

	manager := tasks.NewManager(tasks.ManagerConfig{
		Store:    store,
		Exchange: mailbox.NewExchange(blobs),
		Broker:   broker,
		Registry: tasks.NewTypeRegistry([]config.TaskType{
			{Name: "shell", Capabilities: []string{"check_access", "loot", "terminate"}},
		}),
		Retention: time.Hour,
	})
	return NewRunner(store, manager, triggers, time.Hour), manager, store
}

// emulateWorker polls the mailbox and answers every instruction with the
// canned output for its command.
func emulateWorker(ctx context.Context, m *tasks.Manager, taskName string, outputs map[string]string) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pending, err := m.GetCommands(taskName)
			if err != nil {
				continue
			}
			for _, ins := range pending {
				m.PostResult(ctx, &types.TaskResult{
					TaskName:         taskName,
					InstructID:       ins.InstructID,
					InstructInstance: ins.InstructInstance,
					Command:          ins.Command,
					Output:           outputs[ins.Command],
					Timestamp:        time.Now().Unix(),
				})
			}
		}
	}
}

func TestRunOnceFiltersThenExecutes(t *testing.T) {
	trig := config.Trigger{
		Name:           "loot-on-access",
		TaskName:       "task1",
		FilterCommand:  "check_access",
		ExecuteCommand: "loot",
	}
	r, manager, store := testRunner(t, []config.Trigger{trig})

	_, err := manager.Register("worker", &tasks.RegisterRequest{TaskName: "task1", TaskType: "shell"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go emulateWorker(ctx, manager, "task1", map[string]string{
		"check_access": "session established",
		"loot":         "3 files staged",
	})

	r.runOnce(ctx, trig)

	entries, err := store.ListTriggerResults("loot-on-access")
	require.NoError(t, err)
	require.Len(t, entries, 2, "filter and execute both recorded")
	byCommand := make(map[string]*types.ResultEntry)
	for _, e := range entries {
		byCommand[e.Command] = e
	}
	require.Contains(t, byCommand, "check_access")
	require.Contains(t, byCommand, "loot")
	assert.Equal(t, "session established", byCommand["check_access"].Output)
	assert.Equal(t, "3 files staged", byCommand["loot"].Output)
	assert.Equal(t, "trigger:loot-on-access", byCommand["loot"].UserID)
}

func TestRunOnceSkipsExecuteOnEmptyFilterOutput(t *testing.T) {
	trig := config.Trigger{
		Name:           "quiet",
		TaskName:       "task1",
		FilterCommand:  "check_access",
		ExecuteCommand: "loot",
	}
	r, manager, store := testRunner(t, []config.Trigger{trig})

	_, err := manager.Register("worker", &tasks.RegisterRequest{TaskName: "task1", TaskType: "shell"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go emulateWorker(ctx, manager, "task1", map[string]string{"check_access": "   "})

	r.runOnce(ctx, trig)

	entries, err := store.ListTriggerResults("quiet")
	require.NoError(t, err)
	require.Len(t, entries, 1, "only the filter recorded")
	assert.Equal(t, "check_access", entries[0].Command)
}

func TestRunOnceSkipsBusyTask(t *testing.T) {
	trig := config.Trigger{
		Name:          "busy-skip",
		TaskName:      "task1",
		FilterCommand: "check_access",
	}
	r, manager, store := testRunner(t, []config.Trigger{trig})

	_, err := manager.Register("worker", &tasks.RegisterRequest{TaskName: "task1", TaskType: "shell"})
	require.NoError(t, err)

	// Occupy the task so the trigger's claim conflicts.
	_, err = manager.Instruct("op", "task1", "", "check_access", nil)
	require.NoError(t, err)

	r.runOnce(context.Background(), trig)

	entries, err := store.ListTriggerResults("busy-skip")
	require.NoError(t, err)
	assert.Empty(t, entries, "busy cycle records nothing")
}
