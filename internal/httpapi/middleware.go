package httpapi

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

type contextKey string

const (
	sessionIDKey     contextKey = "sessionId"
	correlationIDKey contextKey = "correlationId"
)

// SessionMiddleware reads X-Sync-Session header and adds it to context so all
// operations of one client sync run can be correlated in the logs.
func SessionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sessionID := r.Header.Get("X-Sync-Session")

		if sessionID != "" {
			ctx := context.WithValue(r.Context(), sessionIDKey, sessionID)

			// Build session logger from existing contextual logger (preserves correlation ID)
			logger := log.Ctx(ctx).With().Str("sessionId", sessionID).Logger()
			ctx = logger.WithContext(ctx)

			r = r.WithContext(ctx)
		}

		next.ServeHTTP(w, r)
	})
}

// GetSessionID retrieves the session ID from context
func GetSessionID(ctx context.Context) string {
	if sessionID, ok := ctx.Value(sessionIDKey).(string); ok {
		return sessionID
	}
	return ""
}

// CorrelationMiddleware reads X-Correlation-ID (generating one when absent),
// echoes it on the response, and threads a correlation-scoped logger through
// the request context.
func CorrelationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		correlationID := r.Header.Get("X-Correlation-ID")
		if correlationID == "" {
			correlationID = uuid.NewString()
		}

		w.Header().Set("X-Correlation-ID", correlationID)

		ctx := context.WithValue(r.Context(), correlationIDKey, correlationID)
		logger := log.With().Str("correlationId", correlationID).Logger()
		ctx = logger.WithContext(ctx)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetCorrelationID retrieves the correlation ID from context
func GetCorrelationID(ctx context.Context) string {
	if correlationID, ok := ctx.Value(correlationIDKey).(string); ok {
		return correlationID
	}
	return ""
}
