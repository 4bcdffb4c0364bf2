package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"

	"github.com/coordline-dev/coordline/internal/access"
	"github.com/coordline-dev/coordline/internal/apikeys"
)

// AuthConfig configures the bearer/api-key authentication chain, mirroring
// the teacher's AuthConfig{JWTSecret, AllowLegacyActorHeader, Logger}.
type AuthConfig struct {
	JWTSecret              string
	AllowLegacyUserHeader  bool
	Logger                 *slog.Logger
}

func (c AuthConfig) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

type identityKey struct{}

func withIdentity(ctx context.Context, id access.Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// identityFromContext returns the caller's ambient identity, or an
// UnauthenticatedError if none was resolved by the auth middleware. The
// design note in §9 is load-bearing here: handlers must never accept a
// user_id from request input, only from this function.
func identityFromContext(ctx context.Context) (access.Identity, error) {
	if id, ok := ctx.Value(identityKey{}).(access.Identity); ok && id.UserID != "" {
		return id, nil
	}
	return access.Identity{}, access.UnauthenticatedError{}
}

type jwtClaims struct {
	jwt.RegisteredClaims
	TenantID string `json:"tenant_id"`
}

func authenticateJWT(token, secret string) (access.Identity, error) {
	if strings.TrimSpace(secret) == "" {
		return access.Identity{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &jwtClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return access.Identity{}, err
	}
	if !parsed.Valid || claims.Subject == "" {
		return access.Identity{}, errors.New("invalid token")
	}
	return access.Identity{UserID: claims.Subject, TenantID: claims.TenantID}, nil
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

// newAuthMiddleware resolves an ambient identity from a bearer JWT or an
// X-Api-Key header before any handler runs, exactly the chain order
// internal/server/auth.go's newAuthMiddleware uses, minus the legacy
// header path which here is opt-in and logged at warn level every time it
// fires (through AuthConfig.Logger, falling back to slog.Default()).
func newAuthMiddleware(env Env, basePath string) func(http.Handler) http.Handler {
	healthPath := path.Join(basePath, "health")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if basePath != "" && !strings.HasPrefix(r.URL.Path, basePath) {
				next.ServeHTTP(w, r)
				return
			}
			if r.URL.Path == healthPath {
				next.ServeHTTP(w, r)
				return
			}

			authz := strings.TrimSpace(r.Header.Get("Authorization"))
			apiKeyHeader := strings.TrimSpace(r.Header.Get("X-Api-Key"))
			legacyUser := strings.TrimSpace(r.Header.Get("X-User-Id"))

			if authz != "" {
				token, ok := bearerToken(authz)
				if !ok {
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				id, err := authenticateJWT(token, env.Auth.JWTSecret)
				if err != nil {
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				next.ServeHTTP(w, r.WithContext(withIdentity(r.Context(), id)))
				return
			}

			if apiKeyHeader != "" {
				key, err := apikeys.ByHash(r.Context(), env.Engine.DB, apikeys.Hash(apiKeyHeader))
				if err != nil {
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				id := access.Identity{UserID: key.UserID, TenantID: key.TenantID}
				next.ServeHTTP(w, r.WithContext(withIdentity(r.Context(), id)))
				return
			}

			if legacyUser != "" && env.Auth.AllowLegacyUserHeader {
				env.Auth.logger().Warn("api.legacy_header_auth", "user_id", legacyUser)
				id := access.Identity{UserID: legacyUser}
				next.ServeHTTP(w, r.WithContext(withIdentity(r.Context(), id)))
				return
			}

			respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil))
		})
	}
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.GetStatus())
	_ = json.NewEncoder(w).Encode(err)
}
