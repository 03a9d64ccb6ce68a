package reconciler

import (
	"context"
	"time"

	"github.com/havocsh/havoc-sub000/pkg/log"
	"github.com/havocsh/havoc-sub000/pkg/metrics"
	"github.com/havocsh/havoc-sub000/pkg/storage"
	"github.com/havocsh/havoc-sub000/pkg/types"
)

const defaultInterval = 60 * time.Second

// Reconciler runs the periodic drift pass: it sweeps expired result-queue
// entries and drops dangling back-references left behind by interrupted
// provisioning workflows. Cross-entity writes are never transactional, so
// a reference to a terminated task or deleted listener is an expected
// state, not an error.
type Reconciler struct {
	store    storage.Store
	interval time.Duration
}

// New creates a reconciler
func New(store storage.Store, interval time.Duration) *Reconciler {
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Reconciler{store: store, interval: interval}
}

// Start begins the reconciliation loop
func (r *Reconciler) Start(ctx context.Context) {
	go r.run(ctx)
}

func (r *Reconciler) run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reconcile()
		}
	}
}

// reconcile performs one cycle. Failures are logged and retried next tick.
func (r *Reconciler) reconcile() {
	logger := log.WithComponent("reconciler")

	swept, err := r.store.ExpireResults(time.Now().UTC().Unix())
	if err != nil {
		logger.Warn().Err(err).Msg("result expiry sweep failed")
	} else if swept > 0 {
		metrics.QueueEntriesExpired.Add(float64(swept))
		logger.Info().Int("entries", swept).Msg("expired result-queue entries swept")
	}

	if err := r.cleanPortGroups(); err != nil {
		logger.Warn().Err(err).Msg("portgroup back-reference pass failed")
	}
	if err := r.cleanDomains(); err != nil {
		logger.Warn().Err(err).Msg("domain back-reference pass failed")
	}
}

// cleanPortGroups drops portgroup references to terminated tasks and
// deleted listeners.
func (r *Reconciler) cleanPortGroups() error {
	pgs, err := r.store.ListPortGroups()
	if err != nil {
		return err
	}
	for _, pg := range pgs {
		changed := false

		for _, taskName := range types.ParseRefs(pg.Tasks) {
			if r.taskGone(taskName) {
				pg.Tasks = types.RemoveRef(pg.Tasks, taskName)
				changed = true
			}
		}
		for _, listenerName := range types.ParseRefs(pg.Listeners) {
			if r.listenerGone(listenerName) {
				pg.Listeners = types.RemoveRef(pg.Listeners, listenerName)
				changed = true
			}
		}

		if changed {
			if err := r.store.UpdatePortGroup(pg); err != nil {
				return err
			}
			log.WithComponent("reconciler").Info().
				Str("portgroup", pg.PortGroupName).
				Msg("dangling back-references removed")
		}
	}
	return nil
}

// cleanDomains drops domain references to terminated tasks and deleted
// listeners.
func (r *Reconciler) cleanDomains() error {
	domains, err := r.store.ListDomains()
	if err != nil {
		return err
	}
	for _, d := range domains {
		changed := false

		for _, taskName := range types.ParseRefs(d.Tasks) {
			if r.taskGone(taskName) {
				d.Tasks = types.RemoveRef(d.Tasks, taskName)
				changed = true
			}
		}
		for _, listenerName := range types.ParseRefs(d.Listeners) {
			if r.listenerGone(listenerName) {
				d.Listeners = types.RemoveRef(d.Listeners, listenerName)
				changed = true
			}
		}

		if changed {
			if err := r.store.UpdateDomain(d); err != nil {
				return err
			}
			log.WithComponent("reconciler").Info().
				Str("domain", d.DomainName).
				Msg("dangling back-references removed")
		}
	}
	return nil
}

func (r *Reconciler) taskGone(name string) bool {
	task, err := r.store.GetTask(name)
	if err != nil {
		return true
	}
	return task.Status == types.TaskTerminated
}

func (r *Reconciler) listenerGone(name string) bool {
	_, err := r.store.GetListener(name)
	return err != nil
}
