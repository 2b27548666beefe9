package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

type ctxKey string

const CtxUserID ctxKey = "uid"

// JWTCfg holds JWT authentication configuration
type JWTCfg struct {
	HS256Secret string // HMAC secret for HS256 tokens
	DevMode     bool   // Allow X-Debug-Sub header (DANGEROUS: only for local dev)
}

var errNoSubject = errors.New("auth: token carries no subject")

// subjectFromToken validates an HS256 token and returns its sub claim
func subjectFromToken(tok string, secret string) (string, error) {
	claims := jwt.MapClaims{}
	t, err := jwt.ParseWithClaims(tok, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(secret), nil
	})
	if err != nil {
		return "", err
	}
	if !t.Valid {
		return "", jwt.ErrTokenUnverifiable
	}
	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", errNoSubject
	}
	return sub, nil
}

// Middleware authenticates requests and resolves them to an app_user row,
// creating the user on first sight. Two modes:
// 1. Production: Bearer token with HS256 JWT validation
// 2. Development: X-Debug-Sub header (ONLY when DevMode=true)
func Middleware(db *pgxpool.Pool, cfg JWTCfg) func(http.Handler) http.Handler {
	if cfg.DevMode {
		log.Warn().Msg("SECURITY WARNING: DevMode enabled - X-Debug-Sub header will bypass JWT authentication")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tok := ""
			if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
				tok = h[len("Bearer "):]
			}

			sub := ""
			if cfg.DevMode && tok == "" {
				sub = r.Header.Get("X-Debug-Sub")
				if sub != "" {
					log.Debug().Str("sub", sub).Msg("using X-Debug-Sub header (dev mode)")
				}
			}

			if tok != "" {
				s, err := subjectFromToken(tok, cfg.HS256Secret)
				if err != nil {
					log.Warn().Err(err).Msg("jwt validation failed")
					http.Error(w, "unauthorized", http.StatusUnauthorized)
					return
				}
				sub = s
			}

			if sub == "" {
				log.Warn().Msg("missing subject (no JWT sub or X-Debug-Sub header)")
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			// Upsert app_user by subject (creates user on first auth)
			var userID string
			if err := db.QueryRow(r.Context(),
				`INSERT INTO app_user (sub) VALUES ($1)
				 ON CONFLICT (sub) DO UPDATE SET sub = excluded.sub
				 RETURNING id`, sub).Scan(&userID); err != nil {
				log.Error().Err(err).Str("sub", sub).Msg("failed to upsert user")
				http.Error(w, "server error", http.StatusInternalServerError)
				return
			}

			ctx := context.WithValue(r.Context(), CtxUserID, userID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// UserID extracts the authenticated user ID from request context.
// Returns empty string if not authenticated (should never happen after middleware).
func UserID(ctx context.Context) string {
	if s, ok := ctx.Value(CtxUserID).(string); ok {
		return s
	}
	return ""
}
