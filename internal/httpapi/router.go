package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/driftlabs/synccore/internal/auth"
	"github.com/driftlabs/synccore/internal/cache"
	"github.com/driftlabs/synccore/internal/conflict"
	"github.com/driftlabs/synccore/internal/version"
)

// Server holds dependencies for HTTP handlers
type Server struct {
	DB        *pgxpool.Pool
	Versions  *version.Store
	Conflicts *conflict.Resolver
	Cache     *cache.Selective

	RateLimitConfig RateLimitConfig

	// VersionRetentionKeep is the default version count kept by the cleanup
	// endpoint when the request does not name one.
	VersionRetentionKeep int
}

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode json response")
	}
}

// writeError writes a JSON error body with the given status code, echoing
// the request's correlation id so clients can quote it when reporting
// failures.
func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	body := map[string]string{"error": msg}
	if cid := GetCorrelationID(r.Context()); cid != "" {
		body["correlationId"] = cid
	}
	writeJSON(w, code, body)
}

// writeDomainError maps domain sentinel errors onto HTTP status codes
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, version.ErrNotFound), errors.Is(err, conflict.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, version.ErrInvalidArgument), errors.Is(err, conflict.ErrInvalidArgument):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, conflict.ErrAlreadyResolved):
		writeError(w, r, http.StatusConflict, err.Error())
	default:
		log.Ctx(r.Context()).Error().Err(err).Msg("request failed")
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

// parseLimit parses a limit query param with default and max
func parseLimit(q string, def, max int) int {
	if q == "" {
		return def
	}
	n, err := strconv.Atoi(q)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

// Routes creates the HTTP router with all sync endpoints
func (s *Server) Routes(jwt auth.JWTCfg) http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(CorrelationMiddleware)

	// Health check (unauthenticated)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
		w.Write([]byte("ok"))
	})

	// All sync endpoints require authentication
	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(s.DB, jwt))
		r.Use(SessionMiddleware)
		r.Use(RateLimitMiddleware(s.RateLimitConfig))

		// Mutation push and change feed
		r.Post("/v1/sync/push", s.Push)
		r.Get("/v1/sync/changes", s.Changes)

		// Version history
		r.Route("/v1/entities/{entityType}/{entityId}", func(r chi.Router) {
			r.Get("/versions", s.VersionHistory)
			r.Get("/versions/{version}", s.GetVersion)
			r.Get("/compare", s.CompareVersions)
			r.Post("/rollback", s.Rollback)
			r.Post("/integrity", s.ValidateIntegrity)
			r.Post("/cleanup", s.CleanupVersions)
		})

		// Conflicts
		r.Route("/v1/conflicts", func(r chi.Router) {
			r.Get("/", s.ListConflicts)
			r.Get("/stats", s.ConflictStats)
			r.Post("/auto-resolve", s.AutoResolveConflicts)
			r.Post("/{conflictId}/resolve", s.ResolveConflict)
		})

		// Cache administration
		r.Route("/v1/cache", func(r chi.Router) {
			r.Get("/metrics", s.CacheMetrics)
			r.Post("/invalidate", s.InvalidateCache)
			r.Post("/warm", s.WarmCache)
			r.Post("/optimize", s.OptimizeCache)
		})
	})

	log.Info().Msg("HTTP routes registered")
	return r
}
