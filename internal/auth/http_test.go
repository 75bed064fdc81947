// ABOUTME: Tests for HTTP authentication middleware
// ABOUTME: Covers token extraction, validation, the disabled mode and the admin gate

package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func serve(t *testing.T, h http.Handler, authHeader string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/api/test", nil)
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHTTPAuthMiddleware_ValidToken(t *testing.T) {
	verifier := newTestVerifier(t)
	token, _ := verifier.Generate("ops-bot", RoleAdmin, time.Hour)

	var got *AuthContext
	h := HTTPAuthMiddleware(verifier)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = FromContext(r.Context())
	}))

	rec := serve(t, h, "Bearer "+token)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if got == nil {
		t.Fatal("expected AuthContext in context")
	}
	if got.Subject != "ops-bot" || !got.IsAdmin() {
		t.Errorf("AuthContext = %+v", got)
	}
}

func TestHTTPAuthMiddleware_Rejections(t *testing.T) {
	verifier := newTestVerifier(t)
	expired, _ := verifier.Generate("ops-bot", RoleAdmin, -time.Hour)

	tests := []struct {
		name    string
		header  string
		wantMsg string
	}{
		{"missing header", "", "missing authorization header"},
		{"wrong scheme", "Basic abc", "invalid authorization header format"},
		{"empty token", "Bearer ", "empty token"},
		{"garbage token", "Bearer nope", "invalid token"},
		{"expired token", "Bearer " + expired, "token expired"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := HTTPAuthMiddleware(verifier)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				t.Error("handler should not be called")
			}))

			rec := serve(t, h, tt.header)
			if rec.Code != http.StatusUnauthorized {
				t.Errorf("expected status 401, got %d", rec.Code)
			}
			if !strings.Contains(rec.Body.String(), tt.wantMsg) {
				t.Errorf("body = %q, want %q", rec.Body.String(), tt.wantMsg)
			}
			if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %q, want application/json", ct)
			}
		})
	}
}

func TestHTTPAuthMiddleware_DisabledWithoutVerifier(t *testing.T) {
	var got *AuthContext
	h := HTTPAuthMiddleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = FromContext(r.Context())
	}))

	rec := serve(t, h, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if got == nil || !got.IsAdmin() {
		t.Errorf("expected anonymous admin, got %+v", got)
	}
}

func TestRequireAdminHTTP(t *testing.T) {
	tests := []struct {
		name string
		auth *AuthContext
		want int
	}{
		{"no auth", nil, http.StatusUnauthorized},
		{"operator", &AuthContext{Subject: "viewer", Role: RoleOperator}, http.StatusForbidden},
		{"admin", &AuthContext{Subject: "ops", Role: RoleAdmin}, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := RequireAdminHTTP()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

			req := httptest.NewRequest(http.MethodPost, "/api/distribution/reset", nil)
			if tt.auth != nil {
				req = req.WithContext(WithAuth(context.Background(), tt.auth))
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestFromContext_Missing(t *testing.T) {
	if FromContext(context.Background()) != nil {
		t.Error("expected nil AuthContext")
	}
}
