package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Role is the permission level carried in a token.
type Role string

// Roles. A viewer may only read; an operator may also switch channels,
// change the plugin state and edit devices.
const (
	RoleViewer   Role = "viewer"
	RoleOperator Role = "operator"
)

// DefaultTokenTTL is the lifetime of tokens issued without an explicit TTL.
const DefaultTokenTTL = 90 * 24 * time.Hour

// ctxKeyClaims is the context key for validated token claims.
const ctxKeyClaims contextKey = "claims"

// ErrTokenInvalid is returned by ParseToken for any rejected token.
var ErrTokenInvalid = errors.New("api: invalid token")

// Claims are the token claims accepted by the API.
type Claims struct {
	jwt.RegisteredClaims
	Role Role `json:"role"`
}

// IssueToken signs an HS256 token for subject. Tokens are issued out of
// band (powertime token) and handed to the billing application or a
// dashboard.
func IssueToken(secret, issuer, subject string, role Role, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("issuing token: no secret configured")
	}
	if role != RoleViewer && role != RoleOperator {
		return "", fmt.Errorf("issuing token: unknown role %q", role)
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}

	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
		Role: role,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// ParseToken validates signature, expiry and issuer and returns the claims.
func ParseToken(tokenString, secret, issuer string) (*Claims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(_ *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTokenInvalid, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrTokenInvalid
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrTokenInvalid)
	}
	if claims.Role != RoleViewer && claims.Role != RoleOperator {
		return nil, fmt.Errorf("%w: unknown role %q", ErrTokenInvalid, claims.Role)
	}
	return claims, nil
}

// authEnabled reports whether bearer tokens are required.
func (s *Server) authEnabled() bool {
	return s.secCfg.JWT.Secret != ""
}

// authMiddleware validates the bearer token on protected routes. WebSocket
// upgrades may carry the token in the access_token query parameter.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.authEnabled() {
			next.ServeHTTP(w, r)
			return
		}

		raw := bearerToken(r)
		if raw == "" && websocket.IsWebSocketUpgrade(r) {
			raw = r.URL.Query().Get("access_token")
		}
		if raw == "" {
			writeUnauthorized(w, "missing bearer token")
			return
		}

		claims, err := ParseToken(raw, s.secCfg.JWT.Secret, s.secCfg.JWT.Issuer)
		if err != nil {
			s.logger.Debug("token rejected", "error", err, "path", r.URL.Path)
			writeUnauthorized(w, "invalid or expired token")
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyClaims, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireOperator rejects viewer tokens. It passes everything through when
// authentication is disabled.
func (s *Server) requireOperator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.authEnabled() {
			claims := claimsFromContext(r.Context())
			if claims == nil || claims.Role != RoleOperator {
				writeForbidden(w, "operator role required")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// claimsFromContext returns the claims stored by authMiddleware, or nil.
func claimsFromContext(ctx context.Context) *Claims {
	c, _ := ctx.Value(ctxKeyClaims).(*Claims)
	return c
}

// switchOrigin names the caller of a switch for the journal: the token
// subject when known, otherwise "api".
func switchOrigin(r *http.Request) string {
	if c := claimsFromContext(r.Context()); c != nil {
		return "api:" + c.Subject
	}
	return "api"
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(h, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}
