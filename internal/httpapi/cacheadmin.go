package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
)

// CacheMetrics handles GET /v1/cache/metrics
func (s *Server) CacheMetrics(w http.ResponseWriter, r *http.Request) {
	m, err := s.Cache.Metrics(r.Context())
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// InvalidateCache handles POST /v1/cache/invalidate
// Body: {"entityType": "...", "entityId": "...", "cascade": true}
// Without entityId, every cached entry of the type is swept.
func (s *Server) InvalidateCache(w http.ResponseWriter, r *http.Request) {
	var body struct {
		EntityType string `json:"entityType"`
		EntityID   string `json:"entityId"`
		Cascade    bool   `json:"cascade"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid json")
		return
	}
	if body.EntityType == "" {
		writeError(w, r, http.StatusBadRequest, "entityType is required")
		return
	}

	if body.EntityID == "" {
		s.Cache.InvalidateType(r.Context(), body.EntityType, nil)
	} else {
		s.Cache.Invalidate(r.Context(), body.EntityType, body.EntityID, body.Cascade)
	}
	w.WriteHeader(http.StatusNoContent)
}

// WarmCache handles POST /v1/cache/warm
// Body: {"entityType": "...", "entityIds": [...]}
// Populates entries from the latest version records of the given entities.
func (s *Server) WarmCache(w http.ResponseWriter, r *http.Request) {
	var body struct {
		EntityType string   `json:"entityType"`
		EntityIDs  []string `json:"entityIds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid json")
		return
	}
	if body.EntityType == "" || len(body.EntityIDs) == 0 {
		writeError(w, r, http.StatusBadRequest, "entityType and entityIds are required")
		return
	}

	warmed := s.Cache.Warm(r.Context(), body.EntityType, body.EntityIDs,
		func(ctx context.Context, entityID string) (any, error) {
			rec, err := s.Versions.LatestRecord(ctx, body.EntityType, entityID)
			if err != nil {
				return nil, err
			}
			return rec.Data, nil
		})
	writeJSON(w, http.StatusOK, map[string]int{"warmed": warmed})
}

// OptimizeCache handles POST /v1/cache/optimize
// Triggers an adaptive TTL tuning pass outside the maintenance schedule.
func (s *Server) OptimizeCache(w http.ResponseWriter, r *http.Request) {
	adjusted := s.Cache.Optimize(r.Context())
	writeJSON(w, http.StatusOK, map[string]int{"adjusted": adjusted})
}
