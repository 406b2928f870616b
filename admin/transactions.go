package admin

import (
	"errors"
	"net/http"

	"github.com/maxpert/txsandbox/db"
	"github.com/rs/zerolog/log"
)

// handleTransactions lists live transactions, oldest first
func (h *AdminHandlers) handleTransactions(w http.ResponseWriter, r *http.Request) {
	txns := h.engine.Txns.ActiveTransactions()
	if txns == nil {
		txns = []db.TxnInfo{}
	}
	writeJSONResponse(w, txns)
}

// handleTransaction describes one live transaction
func (h *AdminHandlers) handleTransaction(w http.ResponseWriter, r *http.Request) {
	txnID, err := parseIDParam(r, "txnID")
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	txn, ok := h.engine.Txns.Get(txnID)
	if !ok {
		writeErrorResponse(w, http.StatusNotFound, "transaction not found")
		return
	}

	writeJSONResponse(w, txn.Describe())
}

// handleKillTransaction cancels a transaction from outside. A blocked
// statement is woken and the transaction is fully rolled back.
func (h *AdminHandlers) handleKillTransaction(w http.ResponseWriter, r *http.Request) {
	txnID, err := parseIDParam(r, "txnID")
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.engine.Txns.Cancel(txnID); err != nil {
		if errors.Is(err, db.ErrTxnNotFound) {
			writeErrorResponse(w, http.StatusNotFound, "transaction not found")
			return
		}
		if errors.Is(err, db.ErrTxnNotActive) {
			writeErrorResponse(w, http.StatusConflict, err.Error())
			return
		}
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	log.Info().Uint64("txn_id", txnID).Msg("Transaction killed via admin API")
	writeJSONResponse(w, map[string]interface{}{
		"txn_id": txnID,
		"killed": true,
	})
}
