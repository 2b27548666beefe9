package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/driftlabs/synccore/internal/auth"
	"github.com/driftlabs/synccore/internal/conflict"
)

// ListConflicts handles GET /v1/conflicts?entityType=&limit=&offset=
// Returns the caller's unresolved conflicts, newest first.
func (s *Server) ListConflicts(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())

	limit := parseLimit(r.URL.Query().Get("limit"), 50, 200)
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	records, err := s.Conflicts.Unresolved(r.Context(), userID, r.URL.Query().Get("entityType"), limit, offset)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conflicts": records})
}

// ResolveConflict handles POST /v1/conflicts/{conflictId}/resolve
// Body: {"strategy": "...", "resolvedData": {...}, "fieldPriorities": {...}}
func (s *Server) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	conflictID, err := uuid.Parse(chi.URLParam(r, "conflictId"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "conflictId must be a uuid")
		return
	}

	var body struct {
		Strategy        conflict.Strategy `json:"strategy"`
		ResolvedData    map[string]any    `json:"resolvedData"`
		FieldPriorities map[string]string `json:"fieldPriorities"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid json")
		return
	}

	rec, err := s.Conflicts.Resolve(r.Context(), conflictID, conflict.Resolution{
		Strategy:        body.Strategy,
		ResolvedData:    body.ResolvedData,
		FieldPriorities: body.FieldPriorities,
		ResolvedBy:      auth.UserID(r.Context()),
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	s.Cache.Invalidate(r.Context(), rec.EntityType, rec.EntityID, true)
	writeJSON(w, http.StatusOK, rec)
}

// AutoResolveConflicts handles POST /v1/conflicts/auto-resolve
// Body: {"entityType": "...", "defaultStrategy": "...", "fieldPriorities": {...}}
// Resolves the caller's unresolved conflicts in bulk; per-conflict failures
// are skipped.
func (s *Server) AutoResolveConflicts(w http.ResponseWriter, r *http.Request) {
	var body struct {
		EntityType      string            `json:"entityType"`
		DefaultStrategy conflict.Strategy `json:"defaultStrategy"`
		FieldPriorities map[string]string `json:"fieldPriorities"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, r, http.StatusBadRequest, "invalid json")
			return
		}
	}

	resolved, err := s.Conflicts.AutoResolve(r.Context(), auth.UserID(r.Context()), body.EntityType, &conflict.AutoRules{
		DefaultStrategy: body.DefaultStrategy,
		FieldPriorities: body.FieldPriorities,
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"resolved": resolved})
}

// ConflictStats handles GET /v1/conflicts/stats
func (s *Server) ConflictStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.Conflicts.Stats(r.Context(), auth.UserID(r.Context()))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
