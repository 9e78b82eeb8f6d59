// Package middleware provides HTTP and gRPC middleware for the polyroute
// admin surfaces.
package middleware

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/TFMV/polyroute/cmd/polyroute/config"
	"github.com/TFMV/polyroute/pkg/errors"
)

// Claims are the JWT claims accepted by the admin API.
type Claims struct {
	Roles []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// AuthMiddleware provides authentication middleware.
type AuthMiddleware struct {
	config config.AuthConfig
	logger zerolog.Logger
	parser *jwt.Parser
	key    []byte
}

// NewAuthMiddleware creates a new authentication middleware.
func NewAuthMiddleware(cfg config.AuthConfig, logger zerolog.Logger) *AuthMiddleware {
	m := &AuthMiddleware{
		config: cfg,
		logger: logger,
	}
	if cfg.Type == "jwt" {
		opts := []jwt.ParserOption{
			jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
			jwt.WithExpirationRequired(),
		}
		if cfg.JWTAuth.Issuer != "" {
			opts = append(opts, jwt.WithIssuer(cfg.JWTAuth.Issuer))
		}
		if cfg.JWTAuth.Audience != "" {
			opts = append(opts, jwt.WithAudience(cfg.JWTAuth.Audience))
		}
		m.parser = jwt.NewParser(opts...)
		m.key = []byte(cfg.JWTAuth.Secret)
	}
	return m
}

// Handler authenticates every request except the health probe.
func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		ctx, err := m.authenticate(r)
		if err != nil {
			m.logger.Warn().Err(err).Str("path", r.URL.Path).Msg("Authentication failed")
			writeUnauthorized(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// authenticate performs authentication based on configured type.
func (m *AuthMiddleware) authenticate(r *http.Request) (context.Context, error) {
	ctx := r.Context()
	if !m.config.Enabled {
		return ctx, nil
	}

	token, err := bearerToken(r)
	if err != nil {
		return nil, err
	}

	switch m.config.Type {
	case "bearer":
		return m.authenticateBearer(ctx, token)
	case "jwt":
		return m.authenticateJWT(ctx, token)
	default:
		return nil, errors.Newf(errors.CodeInternal, "unsupported auth type: %s", m.config.Type)
	}
}

func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", errors.New(errors.CodeUnauthorized, "missing authorization header")
	}
	if !strings.HasPrefix(header, "Bearer ") {
		return "", errors.New(errors.CodeUnauthorized, "invalid authorization header")
	}
	return strings.TrimPrefix(header, "Bearer "), nil
}

// authenticateBearer compares the token against every configured token in
// constant time.
func (m *AuthMiddleware) authenticateBearer(ctx context.Context, token string) (context.Context, error) {
	user := ""
	for name, t := range m.config.BearerAuth.Tokens {
		if subtle.ConstantTimeCompare([]byte(token), []byte(t)) == 1 {
			user = name
		}
	}
	if user == "" {
		return nil, errors.New(errors.CodeUnauthorized, "invalid token")
	}
	return context.WithValue(ctx, contextKeyUser, user), nil
}

// authenticateJWT validates an HMAC signed token.
func (m *AuthMiddleware) authenticateJWT(ctx context.Context, token string) (context.Context, error) {
	claims := &Claims{}
	_, err := m.parser.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return m.key, nil
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeUnauthorized, "invalid token")
	}

	user, err := claims.GetSubject()
	if err != nil || user == "" {
		return nil, errors.New(errors.CodeUnauthorized, "token has no subject")
	}

	ctx = context.WithValue(ctx, contextKeyUser, user)
	ctx = context.WithValue(ctx, contextKeyRoles, claims.Roles)
	return ctx, nil
}

// IssueToken signs a token for user. It is used by operators' tooling and
// tests; the admin API only verifies tokens.
func IssueToken(cfg config.JWTAuthConfig, user string, roles []string, claims jwt.RegisteredClaims) (string, error) {
	if cfg.Secret == "" {
		return "", fmt.Errorf("JWT secret is empty")
	}
	claims.Subject = user
	if claims.Issuer == "" {
		claims.Issuer = cfg.Issuer
	}
	if len(claims.Audience) == 0 && cfg.Audience != "" {
		claims.Audience = jwt.ClaimStrings{cfg.Audience}
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{Roles: roles, RegisteredClaims: claims})
	return t.SignedString([]byte(cfg.Secret))
}

// Context keys for authentication
type contextKey string

const (
	contextKeyUser  contextKey = "user"
	contextKeyRoles contextKey = "roles"
)

// GetUser extracts the authenticated user from context.
func GetUser(ctx context.Context) (string, bool) {
	user, ok := ctx.Value(contextKeyUser).(string)
	return user, ok
}

// GetRoles extracts the user's roles from context.
func GetRoles(ctx context.Context) ([]string, bool) {
	roles, ok := ctx.Value(contextKeyRoles).([]string)
	return roles, ok
}

func writeUnauthorized(w http.ResponseWriter, err error) {
	msg := "unauthorized"
	if re, ok := err.(*errors.RoutingError); ok {
		msg = re.Message
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", "Bearer")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(errors.New(errors.CodeUnauthorized, msg))
}
