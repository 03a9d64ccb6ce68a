package storage

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/havocsh/havoc-sub000/pkg/types"
)

func openTestStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestTaskCRUD(t *testing.T) {
	store := openTestStore(t)

	task := &types.Task{
		TaskName:   "task1",
		TaskType:   "shell",
		Status:     types.TaskStarting,
		CreateTime: time.Now().UTC(),
		UserID:     "operator1",
	}
	require.NoError(t, store.CreateTask(task))

	got, err := store.GetTask("task1")
	require.NoError(t, err)
	assert.Equal(t, "shell", got.TaskType)
	assert.Equal(t, types.TaskStarting, got.Status)

	got.Status = types.TaskIdle
	require.NoError(t, store.UpdateTask(got))
	got, err = store.GetTask("task1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskIdle, got.Status)

	_, err = store.GetTask("missing")
	assert.ErrorIs(t, err, ErrNotFound)

	tasks, err := store.ListTasks()
	require.NoError(t, err)
	assert.Len(t, tasks, 1)
}

func TestCompareAndSwapTaskStatus(t *testing.T) {
	store := openTestStore(t)
	require.NoError(t, store.CreateTask(&types.Task{TaskName: "task1", Status: types.TaskIdle}))

	require.NoError(t, store.CompareAndSwapTaskStatus("task1", types.TaskIdle, types.TaskBusy))

	// The slot is taken; the same swap must now conflict.
	err := store.CompareAndSwapTaskStatus("task1", types.TaskIdle, types.TaskBusy)
	assert.ErrorIs(t, err, ErrStatusConflict)

	got, _ := store.GetTask("task1")
	assert.Equal(t, types.TaskBusy, got.Status)

	require.NoError(t, store.CompareAndSwapTaskStatus("task1", types.TaskBusy, types.TaskIdle))

	err = store.CompareAndSwapTaskStatus("missing", types.TaskIdle, types.TaskBusy)
	assert.ErrorIs(t, err, ErrNotFound)
}

// TestCompareAndSwapConcurrent hammers the conditional write from many
// goroutines; exactly one claim per release cycle may win.
func TestCompareAndSwapConcurrent(t *testing.T) {
	store := openTestStore(t)
	require.NoError(t, store.CreateTask(&types.Task{TaskName: "task1", Status: types.TaskIdle}))

	const claimers = 16
	wins := make(chan bool, claimers)
	for i := 0; i < claimers; i++ {
		go func() {
			err := store.CompareAndSwapTaskStatus("task1", types.TaskIdle, types.TaskBusy)
			wins <- err == nil
		}()
	}

	won := 0
	for i := 0; i < claimers; i++ {
		if <-wins {
			won++
		}
	}
	assert.Equal(t, 1, won)
}

func TestListTasksPage(t *testing.T) {
	store := openTestStore(t)
	for _, name := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, store.CreateTask(&types.Task{TaskName: name}))
	}

	page1, next, err := store.ListTasksPage("", 2)
	require.NoError(t, err)
	require.Len(t, page1, 2)
	assert.Equal(t, "a", page1[0].TaskName)
	assert.Equal(t, "b", next)

	page2, next, err := store.ListTasksPage(next, 2)
	require.NoError(t, err)
	require.Len(t, page2, 2)
	assert.Equal(t, "c", page2[0].TaskName)

	page3, next, err := store.ListTasksPage(next, 2)
	require.NoError(t, err)
	require.Len(t, page3, 1)
	assert.Equal(t, "e", page3[0].TaskName)
	assert.Empty(t, next)
}

func TestListenerAndDomainCRUD(t *testing.T) {
	store := openTestStore(t)

	l := &types.Listener{ListenerName: "lst1", Port: 8080, TaskName: "task1"}
	require.NoError(t, store.CreateListener(l))
	got, err := store.GetListener("lst1")
	require.NoError(t, err)
	assert.Equal(t, 8080, got.Port)
	require.NoError(t, store.DeleteListener("lst1"))
	_, err = store.GetListener("lst1")
	assert.ErrorIs(t, err, ErrNotFound)

	d := &types.Domain{DomainName: "example.com", HostedZone: "zone1"}
	require.NoError(t, store.CreateDomain(d))
	domains, err := store.ListDomains()
	require.NoError(t, err)
	assert.Len(t, domains, 1)
	require.NoError(t, store.DeleteDomain("example.com"))
}

func TestCredentialLookupByAPIKey(t *testing.T) {
	store := openTestStore(t)

	require.NoError(t, store.CreateCredential(&types.Credential{UserID: "u1", APIKey: "key1", Secret: "s1"}))
	require.NoError(t, store.CreateCredential(&types.Credential{UserID: "u2", APIKey: "key2", Secret: "s2"}))

	cred, err := store.GetCredentialByAPIKey("key2")
	require.NoError(t, err)
	assert.Equal(t, "u2", cred.UserID)

	_, err = store.GetCredentialByAPIKey("nope")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.DeleteCredential("u1"))
	creds, err := store.ListCredentials()
	require.NoError(t, err)
	assert.Len(t, creds, 1)
}

func TestResultQueueAppendOnly(t *testing.T) {
	store := openTestStore(t)

	entry := &types.ResultEntry{
		Name:       "task1",
		RunTime:    1000,
		InstructID: "id1",
		Output:     "hello",
		ExpireTime: time.Now().Add(time.Hour).Unix(),
	}
	// Same logical key twice; both entries must survive.
	require.NoError(t, store.AppendTaskResult(entry))
	require.NoError(t, store.AppendTaskResult(entry))

	entries, err := store.ListTaskResults("task1")
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	// Prefix isolation: task1 must not leak into task10's queue.
	require.NoError(t, store.AppendTaskResult(&types.ResultEntry{Name: "task10", RunTime: 1000}))
	entries, err = store.ListTaskResults("task1")
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestExpireResults(t *testing.T) {
	store := openTestStore(t)
	now := time.Now().Unix()

	require.NoError(t, store.AppendTaskResult(&types.ResultEntry{Name: "t", RunTime: 1, ExpireTime: now - 10}))
	require.NoError(t, store.AppendTaskResult(&types.ResultEntry{Name: "t", RunTime: 2, ExpireTime: now + 1000}))
	require.NoError(t, store.AppendTriggerResult(&types.ResultEntry{Name: "trg", RunTime: 1, ExpireTime: now - 10}))

	swept, err := store.ExpireResults(now)
	require.NoError(t, err)
	assert.Equal(t, 2, swept)

	entries, err := store.ListTaskResults("t")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, int64(2), entries[0].RunTime)

	trig, err := store.ListTriggerResults("trg")
	require.NoError(t, err)
	assert.Empty(t, trig)
}

func TestDeleteIsIdempotent(t *testing.T) {
	store := openTestStore(t)
	assert.NoError(t, store.DeleteListener("never-existed"))
	assert.NoError(t, store.DeletePortGroup("never-existed"))
	assert.False(t, errors.Is(store.DeleteDomain("never-existed"), ErrNotFound))
}
