package api

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
)

// Items pagination bounds
const (
	DefaultItemsLimit = 50
	MaxItemsLimit     = 200
)

// handleGetImport returns the import summary without its items
func (s *Server) handleGetImport(w http.ResponseWriter, r *http.Request) {
	rs, err := s.store.GetResultSet(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, rs.Summary())
}

// handleGetImportItems returns one page of an import's leads
func (s *Server) handleGetImportItems(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	limit := clampLimit(parseIntOr(query.Get("limit"), DefaultItemsLimit))
	offset := max(parseIntOr(query.Get("offset"), 0), 0)

	page, err := s.store.GetResultSetPage(r.Context(), mux.Vars(r)["id"], limit, offset)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, page)
}

// parseIntOr parses raw, falling back to def when absent or non-numeric
func parseIntOr(raw string, def int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func clampLimit(limit int) int {
	if limit < 1 {
		return 1
	}
	if limit > MaxItemsLimit {
		return MaxItemsLimit
	}
	return limit
}
