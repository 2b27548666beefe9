package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/driftlabs/synccore/internal/auth"
)

func entityParams(r *http.Request) (string, string) {
	return chi.URLParam(r, "entityType"), chi.URLParam(r, "entityId")
}

// VersionHistory handles GET /v1/entities/{entityType}/{entityId}/versions?limit=&offset=
func (s *Server) VersionHistory(w http.ResponseWriter, r *http.Request) {
	entityType, entityID := entityParams(r)

	limit := parseLimit(r.URL.Query().Get("limit"), 50, 200)
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	records, err := s.Versions.History(r.Context(), entityType, entityID, limit, offset)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"versions": records})
}

// GetVersion handles GET /v1/entities/{entityType}/{entityId}/versions/{version}
func (s *Server) GetVersion(w http.ResponseWriter, r *http.Request) {
	entityType, entityID := entityParams(r)

	v, err := strconv.ParseInt(chi.URLParam(r, "version"), 10, 64)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "version must be an integer")
		return
	}

	rec, err := s.Versions.Get(r.Context(), entityType, entityID, v)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// CompareVersions handles GET /v1/entities/{entityType}/{entityId}/compare?from=&to=
// Returns the field-level diff keyed by dotted path.
func (s *Server) CompareVersions(w http.ResponseWriter, r *http.Request) {
	entityType, entityID := entityParams(r)

	from, errFrom := strconv.ParseInt(r.URL.Query().Get("from"), 10, 64)
	to, errTo := strconv.ParseInt(r.URL.Query().Get("to"), 10, 64)
	if errFrom != nil || errTo != nil {
		writeError(w, r, http.StatusBadRequest, "from and to must be integers")
		return
	}

	diff, err := s.Versions.Compare(r.Context(), entityType, entityID, from, to)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"from":        from,
		"to":          to,
		"differences": diff,
	})
}

// Rollback handles POST /v1/entities/{entityType}/{entityId}/rollback
// Body: {"targetVersion": N}. Creates a new version carrying the target's
// data; history is never rewritten.
func (s *Server) Rollback(w http.ResponseWriter, r *http.Request) {
	entityType, entityID := entityParams(r)

	var body struct {
		TargetVersion int64 `json:"targetVersion"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid json")
		return
	}

	rec, err := s.Versions.Rollback(r.Context(), entityType, entityID, body.TargetVersion, auth.UserID(r.Context()))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	s.Cache.Invalidate(r.Context(), entityType, entityID, true)
	writeJSON(w, http.StatusOK, rec)
}

// ValidateIntegrity handles POST /v1/entities/{entityType}/{entityId}/integrity
// Optional body: {"version": N} narrows the check to one version.
func (s *Server) ValidateIntegrity(w http.ResponseWriter, r *http.Request) {
	entityType, entityID := entityParams(r)

	var target *int64
	if r.ContentLength > 0 {
		var body struct {
			Version *int64 `json:"version"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, r, http.StatusBadRequest, "invalid json")
			return
		}
		target = body.Version
	}

	report, err := s.Versions.ValidateIntegrity(r.Context(), entityType, entityID, target)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// CleanupVersions handles POST /v1/entities/{entityType}/{entityId}/cleanup
// Body: {"keep": N}. Deletes all but the N newest versions; an absent keep
// falls back to the server's configured retention.
func (s *Server) CleanupVersions(w http.ResponseWriter, r *http.Request) {
	entityType, entityID := entityParams(r)

	var body struct {
		Keep int `json:"keep"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, r, http.StatusBadRequest, "invalid json")
			return
		}
	}

	keep := body.Keep
	if keep <= 0 {
		keep = s.VersionRetentionKeep
	}

	deleted, err := s.Versions.CleanupOld(r.Context(), entityType, entityID, keep)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": deleted})
}
