package db

import "time"

// EventType names a transaction lifecycle event
type EventType string

const (
	EventBegin          EventType = "begin"
	EventCommit         EventType = "commit"
	EventRollback       EventType = "rollback"
	EventSavepoint      EventType = "savepoint"
	EventRollbackTo     EventType = "rollback_to_savepoint"
	EventDoomed         EventType = "doomed"
	EventDeadlock       EventType = "deadlock"
	EventUpdateConflict EventType = "update_conflict"
	EventCancel         EventType = "cancel"
)

// TxnEvent is published by the transaction manager
type TxnEvent struct {
	Type      EventType `json:"type"`
	TxnID     uint64    `json:"txn_id"`
	Isolation string    `json:"isolation"`
	CommitSeq uint64    `json:"commit_seq,omitempty"`
	Savepoint string    `json:"savepoint,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	At        time.Time `json:"at"`
}

// EventFilter selects events for a subscriber. Empty Types means all.
type EventFilter struct {
	Types []EventType
	TxnID uint64 // 0 = any transaction
}

// Matches reports whether ev passes the filter
func (f EventFilter) Matches(ev TxnEvent) bool {
	if f.TxnID != 0 && f.TxnID != ev.TxnID {
		return false
	}
	if len(f.Types) == 0 {
		return true
	}
	for _, t := range f.Types {
		if t == ev.Type {
			return true
		}
	}
	return false
}

// EventSink receives transaction events. Publish must not block.
type EventSink interface {
	Publish(ev TxnEvent)
}
