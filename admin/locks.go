package admin

import (
	"net/http"
	"sort"

	"github.com/maxpert/txsandbox/db"
)

type waitEdge struct {
	TxnID     uint64   `json:"txn_id"`
	WaitsFor  []uint64 `json:"waits_for"`
	WaitingOn string   `json:"waiting_on,omitempty"`
}

// handleLocks lists granted locks and queued requests
func (h *AdminHandlers) handleLocks(w http.ResponseWriter, r *http.Request) {
	locks := h.engine.Locks.Snapshot()
	if locks == nil {
		locks = []db.LockInfo{}
	}
	writeJSONResponse(w, locks)
}

// handleWaits returns the wait-for graph with the resource each waiter is
// blocked on
func (h *AdminHandlers) handleWaits(w http.ResponseWriter, r *http.Request) {
	waitingOn := make(map[uint64]string)
	for _, info := range h.engine.Txns.ActiveTransactions() {
		if info.WaitingOn != "" {
			waitingOn[info.ID] = info.WaitingOn
		}
	}

	edges := h.engine.Locks.WaitEdges()
	out := make([]waitEdge, 0, len(edges))
	for txnID, holders := range edges {
		targets := append([]uint64(nil), holders...)
		sort.Slice(targets, func(i, j int) bool { return targets[i] < targets[j] })
		out = append(out, waitEdge{
			TxnID:     txnID,
			WaitsFor:  targets,
			WaitingOn: waitingOn[txnID],
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TxnID < out[j].TxnID })

	writeJSONResponse(w, out)
}

// handleSessions lists open sessions
func (h *AdminHandlers) handleSessions(w http.ResponseWriter, r *http.Request) {
	if h.sessions == nil {
		writeJSONResponse(w, []interface{}{})
		return
	}
	writeJSONResponse(w, h.sessions.List())
}
