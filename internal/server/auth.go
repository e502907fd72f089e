package server

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/andrewlasiter/fda-tools-sub000/internal/audit"
)

// AuthConfig controls bearer-token authentication for the API.
type AuthConfig struct {
	JWTSecret string
	Logger    *log.Logger
}

func (c AuthConfig) logger() *log.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return log.Default()
}

// Principal is the authenticated caller: identity plus a role from the
// access-control hierarchy.
type Principal struct {
	ActorID string
	Role    audit.Role
}

type principalKey struct{}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

type jwtClaims struct {
	jwt.RegisteredClaims
	Role string `json:"role,omitempty"`
}

func authenticateJWT(token, secret string) (Principal, error) {
	if strings.TrimSpace(secret) == "" {
		return Principal{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &jwtClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return Principal{}, err
	}
	if !parsed.Valid {
		return Principal{}, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return Principal{}, errors.New("subject claim required")
	}
	return Principal{
		ActorID: claims.Subject,
		Role:    audit.Role(claims.Role),
	}, nil
}

// newAuthMiddleware resolves a Principal from the Authorization header.
// Requests without credentials proceed unauthenticated; authorization is
// enforced per operation against the access policy.
func newAuthMiddleware(cfg AuthConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if strings.HasPrefix(header, "Bearer ") {
				token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
				p, err := authenticateJWT(token, cfg.JWTSecret)
				if err != nil {
					cfg.logger().Printf("auth: reject bearer token: %v", err)
					writeJSONError(w, http.StatusUnauthorized, "unauthorized", "invalid bearer token")
					return
				}
				r = r.WithContext(withPrincipal(r.Context(), p))
			}
			next.ServeHTTP(w, r)
		})
	}
}

// requireAction enforces the access policy for an operation. Denials fail
// closed and are themselves audit-worthy.
func requireAction(ctx context.Context, policy *audit.Policy, action audit.Action, recordType string) (Principal, error) {
	p, ok := principalFromContext(ctx)
	if !ok {
		return Principal{}, errUnauthorized
	}
	if !policy.Authorize(p.Role, action, recordType) {
		return p, errForbidden
	}
	return p, nil
}
