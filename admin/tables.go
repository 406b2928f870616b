package admin

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/maxpert/txsandbox/db"
	"github.com/rs/zerolog/log"
)

// handleTables lists catalog tables
func (h *AdminHandlers) handleTables(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, h.engine.Catalog.Tables())
}

// handleRows returns the latest committed rows of a table
func (h *AdminHandlers) handleRows(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	rows, err := h.engine.CommittedRows(chi.URLParam(r, "table"))
	if err != nil {
		writeErrorResponse(w, statusFor(err), err.Error())
		return
	}
	if rows == nil {
		rows = []db.ResultRow{}
	}

	hasMore := len(rows) > limit
	if hasMore {
		rows = rows[:limit]
	}

	w.Header().Set("X-Has-More", fmt.Sprint(hasMore))
	writeJSONResponse(w, rows)
}

// handleRowVersions returns the version chain of a row, oldest first
func (h *AdminHandlers) handleRowVersions(w http.ResponseWriter, r *http.Request) {
	rowID, err := parseIDParam(r, "rowID")
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	versions, err := h.engine.RowHistory(chi.URLParam(r, "table"), rowID)
	if err != nil {
		writeErrorResponse(w, statusFor(err), err.Error())
		return
	}

	writeJSONResponse(w, versions)
}

// handleSnapshot downloads the zstd-compressed msgpack image of the store
func (h *AdminHandlers) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	data, err := h.engine.Snapshot()
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	name := fmt.Sprintf("txsandbox-%s.msgpack.zst", time.Now().UTC().Format("20060102T150405Z"))
	w.Header().Set("Content-Type", "application/zstd")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	if _, err := w.Write(data); err != nil {
		log.Warn().Err(err).Msg("Failed to write snapshot")
	}
}

func statusFor(err error) int {
	if errors.Is(err, db.ErrUnknownTable) || errors.Is(err, db.ErrRowNotFound) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}
