package metrics

import (
	"context"
	"time"

	"github.com/havocsh/havoc-sub000/pkg/log"
	"github.com/havocsh/havoc-sub000/pkg/storage"
	"github.com/havocsh/havoc-sub000/pkg/types"
)

// Collector periodically refreshes entity gauges from the store.
type Collector struct {
	store    storage.Store
	interval time.Duration
}

// NewCollector creates a collector with the given refresh interval.
func NewCollector(store storage.Store, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{store: store, interval: interval}
}

// Start runs the refresh loop until the context is cancelled.
func (c *Collector) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.collect()
			}
		}
	}()
}

func (c *Collector) collect() {
	tasks, err := c.store.ListTasks()
	if err != nil {
		log.WithComponent("metrics").Warn().Err(err).Msg("failed to list tasks")
		return
	}

	counts := map[types.TaskStatus]int{
		types.TaskStarting:   0,
		types.TaskIdle:       0,
		types.TaskBusy:       0,
		types.TaskTerminated: 0,
	}
	for _, task := range tasks {
		counts[task.Status]++
	}
	for status, n := range counts {
		TasksByStatus.WithLabelValues(string(status)).Set(float64(n))
	}

	listeners, err := c.store.ListListeners()
	if err != nil {
		return
	}
	ListenersTotal.Set(float64(len(listeners)))
}
