package events

import (
	"context"

	"github.com/havocsh/havoc-sub000/pkg/log"
)

// StartAuditLog subscribes to the broker and writes every event to the
// structured log until the context is cancelled. This is the audit trail
// behind the API's request logging.
func StartAuditLog(ctx context.Context, broker *Broker) {
	sub := broker.Subscribe()
	logger := log.WithComponent("audit")

	go func() {
		defer broker.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-sub:
				if !ok {
					return
				}
				ev := logger.Info().
					Str("event", string(event.Type)).
					Str("entity", event.Entity).
					Str("user_id", event.UserID)
				for k, v := range event.Metadata {
					ev = ev.Str(k, v)
				}
				ev.Msg(event.Message)
			}
		}
	}()
}
