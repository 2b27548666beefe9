package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/driftlabs/synccore/internal/auth"
	"github.com/driftlabs/synccore/internal/conflict"
	"github.com/driftlabs/synccore/internal/syncx"
	"github.com/driftlabs/synccore/internal/version"
)

// mutation is one client-side change offered for push
type mutation struct {
	EntityType  string              `json:"entityType"`
	EntityID    string              `json:"entityId"`
	Operation   string              `json:"operation"` // create|update|delete, defaults to update
	BaseVersion int64               `json:"baseVersion"`
	Data        map[string]any      `json:"data"`
	RelatedIDs  map[string][]string `json:"relatedIds,omitempty"`
}

type pushReq struct {
	Mutations []mutation `json:"mutations"`
}

// pushAck is the per-mutation outcome. Status is "applied", "conflict", or
// "error"; a conflict ack carries the persisted conflict record so the client
// can resolve it.
type pushAck struct {
	EntityType string           `json:"entityType"`
	EntityID   string           `json:"entityId"`
	Status     string           `json:"status"`
	Version    int64            `json:"version,omitempty"`
	Conflict   *conflict.Record `json:"conflict,omitempty"`
	Error      string           `json:"error,omitempty"`
}

type pushResp struct {
	Acks []pushAck `json:"acks"`
}

// Push handles POST /v1/sync/push
//
// Each mutation carries the version the client last saw (baseVersion). A
// mutation whose baseVersion equals the server's current version is applied
// as a new version; a stale baseVersion records a conflict instead of
// overwriting server state. Mutations are independent: one bad item never
// fails the batch. The response is 409 when any mutation conflicted.
func (s *Server) Push(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := auth.UserID(ctx)

	var req pushReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid json")
		return
	}
	if len(req.Mutations) == 0 {
		writeError(w, r, http.StatusBadRequest, "mutations must not be empty")
		return
	}

	acks := make([]pushAck, 0, len(req.Mutations))
	conflicted := false

	for _, m := range req.Mutations {
		ack := s.applyMutation(r, userID, m)
		if ack.Status == "conflict" {
			conflicted = true
		}
		acks = append(acks, ack)
	}

	code := http.StatusOK
	if conflicted {
		code = http.StatusConflict
	}
	writeJSON(w, code, pushResp{Acks: acks})
}

func (s *Server) applyMutation(r *http.Request, userID string, m mutation) pushAck {
	ctx := r.Context()
	ack := pushAck{EntityType: m.EntityType, EntityID: m.EntityID}

	op := version.Operation(m.Operation)
	if op == "" {
		op = version.OpUpdate
	}
	if !op.Valid() {
		ack.Status = "error"
		ack.Error = "unknown operation " + m.Operation
		return ack
	}

	serverVersion, err := s.Versions.Latest(ctx, m.EntityType, m.EntityID)
	if err != nil {
		log.Ctx(ctx).Error().Err(err).
			Str("entityType", m.EntityType).
			Str("entityId", m.EntityID).
			Msg("failed to read latest version")
		ack.Status = "error"
		ack.Error = "failed to read server version"
		return ack
	}

	if m.BaseVersion != serverVersion {
		rec, err := s.recordConflict(r, userID, m, op, serverVersion)
		if err != nil {
			ack.Status = "error"
			ack.Error = err.Error()
			return ack
		}
		ack.Status = "conflict"
		ack.Version = serverVersion
		ack.Conflict = rec
		return ack
	}

	var metadata map[string]any
	if sessionID := GetSessionID(ctx); sessionID != "" {
		metadata = map[string]any{"sessionId": sessionID}
	}
	rec, err := s.Versions.Create(ctx, m.EntityType, m.EntityID, m.Data, userID, op, metadata)
	if err != nil {
		ack.Status = "error"
		ack.Error = err.Error()
		return ack
	}

	s.Cache.Invalidate(ctx, m.EntityType, m.EntityID, true)

	ack.Status = "applied"
	ack.Version = rec.Version
	return ack
}

// recordConflict persists the divergence between the client's offered state
// and the server's current state.
func (s *Server) recordConflict(r *http.Request, userID string, m mutation, op version.Operation, serverVersion int64) (*conflict.Record, error) {
	ctx := r.Context()

	var serverData map[string]any
	if serverVersion > 0 {
		latest, err := s.Versions.LatestRecord(ctx, m.EntityType, m.EntityID)
		if err != nil {
			return nil, err
		}
		serverData = latest.Data
	}

	conflictType := conflict.TypeUpdate
	switch {
	case op == version.OpDelete:
		conflictType = conflict.TypeDelete
	case op == version.OpCreate && serverVersion > 0:
		// Both sides created the entity independently
		conflictType = conflict.TypeCreate
	}

	return s.Conflicts.Detect(ctx, conflict.DetectParams{
		UserID:        userID,
		EntityType:    m.EntityType,
		EntityID:      m.EntityID,
		LocalVersion:  m.BaseVersion,
		ServerVersion: serverVersion,
		LocalData:     m.Data,
		ServerData:    serverData,
		ConflictType:  conflictType,
	})
}

type changesResp struct {
	Changes    []version.Record `json:"changes"`
	NextCursor *string          `json:"nextCursor,omitempty"`

	// ServerTime lets clients gauge their clock drift before the next pull
	ServerTime string `json:"serverTime"`
}

// Changes handles GET /v1/sync/changes?cursor=<opaque>&limit=<int>&entityType=<t>
//
// Returns version records in deterministic (created_at, id) order so clients
// can resume from an opaque cursor after interruption.
func (s *Server) Changes(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	limit := parseLimit(r.URL.Query().Get("limit"), 500, 1000)
	cur, ok := syncx.DecodeCursor(r.URL.Query().Get("cursor"))
	if !ok {
		cur = syncx.Cursor{} // start from the beginning
	}

	records, err := s.Versions.Changes(ctx, r.URL.Query().Get("entityType"), cur, limit)
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Msg("failed to query change feed")
		writeError(w, r, http.StatusInternalServerError, "query failed")
		return
	}

	var nextCursor *string
	if len(records) > 0 {
		last := records[len(records)-1]
		encoded := syncx.EncodeCursor(syncx.Cursor{Ms: last.CreatedAt.UnixMilli(), UID: last.ID})
		nextCursor = &encoded
	}

	writeJSON(w, http.StatusOK, changesResp{
		Changes:    records,
		NextCursor: nextCursor,
		ServerTime: syncx.RFC3339(syncx.NowMs()),
	})
}
