package reconciler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/havocsh/havoc-sub000/pkg/storage"
	"github.com/havocsh/havoc-sub000/pkg/types"
)

func testReconciler(t *testing.T) (*Reconciler, storage.Store) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return New(store, time.Minute), store
}

func TestReconcileSweepsExpiredResults(t *testing.T) {
	r, store := testReconciler(t)
	now := time.Now().Unix()

	require.NoError(t, store.AppendTaskResult(&types.ResultEntry{Name: "t", RunTime: 1, ExpireTime: now - 60}))
	require.NoError(t, store.AppendTaskResult(&types.ResultEntry{Name: "t", RunTime: 2, ExpireTime: now + 3600}))

	r.reconcile()

	entries, err := store.ListTaskResults("t")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, int64(2), entries[0].RunTime)
}

func TestReconcileDropsDanglingPortGroupRefs(t *testing.T) {
	r, store := testReconciler(t)

	require.NoError(t, store.CreateTask(&types.Task{TaskName: "alive", Status: types.TaskIdle}))
	require.NoError(t, store.CreateTask(&types.Task{TaskName: "dead", Status: types.TaskTerminated}))
	require.NoError(t, store.CreateListener(&types.Listener{ListenerName: "lst-alive"}))
	require.NoError(t, store.CreatePortGroup(&types.PortGroup{
		PortGroupName: "pg1",
		Tasks:         []string{"alive", "dead", "vanished"},
		Listeners:     []string{"lst-alive", "lst-vanished"},
	}))

	r.reconcile()

	pg, err := store.GetPortGroup("pg1")
	require.NoError(t, err)
	assert.Equal(t, []string{"alive"}, pg.Tasks)
	assert.Equal(t, []string{"lst-alive"}, pg.Listeners)
}

func TestReconcileDropsDanglingDomainRefs(t *testing.T) {
	r, store := testReconciler(t)

	require.NoError(t, store.CreateTask(&types.Task{TaskName: "dead", Status: types.TaskTerminated}))
	require.NoError(t, store.CreateDomain(&types.Domain{
		DomainName: "example.com",
		Tasks:      []string{"dead"},
		Listeners:  []string{"lst-vanished"},
		HostNames:  []string{"www"},
	}))

	r.reconcile()

	d, err := store.GetDomain("example.com")
	require.NoError(t, err)
	assert.Empty(t, d.Tasks)
	assert.Empty(t, d.Listeners)
	// Host names are operator-facing history, never reconciled away.
	assert.Equal(t, []string{"www"}, d.HostNames)
}

func TestReconcileLeavesCleanStateAlone(t *testing.T) {
	r, store := testReconciler(t)

	require.NoError(t, store.CreateTask(&types.Task{TaskName: "alive", Status: types.TaskBusy}))
	require.NoError(t, store.CreatePortGroup(&types.PortGroup{
		PortGroupName: "pg1",
		Tasks:         []string{"alive"},
	}))

	r.reconcile()

	pg, err := store.GetPortGroup("pg1")
	require.NoError(t, err)
	assert.Equal(t, []string{"alive"}, pg.Tasks)
}
