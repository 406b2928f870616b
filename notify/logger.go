package notify

import (
	"github.com/maxpert/txsandbox/db"
	"github.com/rs/zerolog/log"
)

// LogEvents writes every event matching filter to the global logger until
// the returned stop function is called
func LogEvents(h *Hub, filter db.EventFilter) (stop func()) {
	events, cancel := h.Subscribe(filter)
	done := make(chan struct{})

	go func() {
		defer close(done)
		for ev := range events {
			entry := log.Info()
			if ev.Type == db.EventDeadlock || ev.Type == db.EventUpdateConflict || ev.Type == db.EventDoomed {
				entry = log.Warn()
			}
			entry.
				Str("event", string(ev.Type)).
				Uint64("txn_id", ev.TxnID).
				Str("isolation", ev.Isolation).
				Uint64("commit_seq", ev.CommitSeq).
				Str("savepoint", ev.Savepoint).
				Str("detail", ev.Detail).
				Msg("Transaction event")
		}
	}()

	return func() {
		cancel()
		<-done
	}
}
