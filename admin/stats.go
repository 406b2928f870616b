package admin

import "net/http"

var endpoints = []string{
	"GET /admin/stats",
	"GET /admin/health",
	"GET /admin/transactions",
	"GET /admin/transactions/{txnID}",
	"POST /admin/transactions/{txnID}/kill",
	"GET /admin/locks",
	"GET /admin/waits",
	"GET /admin/sessions",
	"GET /admin/tables",
	"GET /admin/tables/{table}/rows",
	"GET /admin/tables/{table}/rows/{rowID}/versions",
	"GET /admin/snapshot",
}

func (h *AdminHandlers) handleIndex(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, map[string]interface{}{"endpoints": endpoints})
}

// handleStats returns engine statistics
func (h *AdminHandlers) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := h.engine.Stats()

	sessions := 0
	if h.sessions != nil {
		sessions = h.sessions.Count()
	}

	writeJSONResponse(w, map[string]interface{}{
		"engine":   stats,
		"sessions": sessions,
	})
}

// handleHealth reports whether the store image is consistent enough to checksum
func (h *AdminHandlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	sum, err := h.engine.Store.Checksum()
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSONResponse(w, map[string]interface{}{
		"healthy":    true,
		"commit_seq": h.engine.Txns.CommitSeq(),
		"checksum":   sum,
	})
}
