package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestIssueToken_Validation(t *testing.T) {
	tests := []struct {
		name    string
		secret  string
		role    Role
		wantErr bool
	}{
		{"operator", testSecret, RoleOperator, false},
		{"viewer", testSecret, RoleViewer, false},
		{"no secret", "", RoleOperator, true},
		{"unknown role", testSecret, Role("admin"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := IssueToken(tt.secret, "powertime", "billing", tt.role, time.Hour)
			if (err != nil) != tt.wantErr {
				t.Errorf("IssueToken() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseToken(t *testing.T) {
	valid, err := IssueToken(testSecret, "powertime", "billing", RoleOperator, 0)
	if err != nil {
		t.Fatal(err)
	}
	claims, err := ParseToken(valid, testSecret, "powertime")
	if err != nil {
		t.Fatalf("ParseToken() error: %v", err)
	}
	if claims.Subject != "billing" || claims.Role != RoleOperator || claims.ID == "" {
		t.Errorf("claims = %+v", claims)
	}
	if ttl := time.Until(claims.ExpiresAt.Time); ttl < DefaultTokenTTL-time.Minute {
		t.Errorf("default TTL not applied: expires in %v", ttl)
	}

	expired := signClaims(t, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "billing",
			Issuer:    "powertime",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
		Role: RoleOperator,
	}, jwt.SigningMethodHS256)
	noRole := signClaims(t, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "billing", Issuer: "powertime"},
	}, jwt.SigningMethodHS256)
	wrongAlg := signClaims(t, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "billing", Issuer: "powertime"},
		Role:             RoleOperator,
	}, jwt.SigningMethodHS512)

	tests := []struct {
		name   string
		token  string
		secret string
		issuer string
	}{
		{"wrong secret", valid, "another-secret-key-at-least-32-characters", "powertime"},
		{"wrong issuer", valid, testSecret, "someone-else"},
		{"expired", expired, testSecret, "powertime"},
		{"missing role", noRole, testSecret, "powertime"},
		{"wrong algorithm", wrongAlg, testSecret, "powertime"},
		{"garbage", "not.a.token", testSecret, "powertime"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseToken(tt.token, tt.secret, tt.issuer)
			if !errors.Is(err, ErrTokenInvalid) {
				t.Errorf("ParseToken() error = %v, want ErrTokenInvalid", err)
			}
		})
	}
}

func signClaims(t *testing.T, c Claims, method jwt.SigningMethod) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, c).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestAuthMiddleware_Roles(t *testing.T) {
	env := newTestEnv(t, testSecret)
	env.saveDefaultDevices(t)
	if _, err := env.plugin.Activate(context.Background()); err != nil {
		t.Fatal(err)
	}

	viewer, _ := IssueToken(testSecret, "powertime", "dashboard", RoleViewer, time.Hour)   //nolint:errcheck // Valid inputs
	operator, _ := IssueToken(testSecret, "powertime", "billing", RoleOperator, time.Hour) //nolint:errcheck // Valid inputs

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		token  string
		want   int
	}{
		{"health is public", http.MethodGet, "/api/v1/health", "", "", http.StatusOK},
		{"missing token", http.MethodGet, "/api/v1/channels", "", "", http.StatusUnauthorized},
		{"bad token", http.MethodGet, "/api/v1/channels", "", "nope", http.StatusUnauthorized},
		{"viewer reads", http.MethodGet, "/api/v1/channels", "", viewer, http.StatusOK},
		{"viewer cannot switch", http.MethodPut, "/api/v1/channels/0", `{"on":true}`, viewer, http.StatusForbidden},
		{"viewer cannot deactivate", http.MethodPost, "/api/v1/plugin/deactivate", "", viewer, http.StatusForbidden},
		{"operator switches", http.MethodPut, "/api/v1/channels/0", `{"on":true}`, operator, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, tt.method, tt.path, tt.body, tt.token)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d; body: %s", w.Code, tt.want, w.Body.String())
			}
		})
	}

	w := env.do(t, http.MethodGet, "/api/v1/channels/0/history", "", operator)
	if w.Code != http.StatusOK {
		t.Fatalf("history = %d", w.Code)
	}
	if body := w.Body.String(); !strings.Contains(body, `"source":"api:billing"`) {
		t.Errorf("switch origin not recorded from token subject: %s", body)
	}
}
