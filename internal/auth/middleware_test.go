package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func TestAuthenticate(t *testing.T) {
	hash, err := hashAPIKeyCost("hashed-key", bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	a := NewAuthenticator("admin-123", hash)

	tests := []struct {
		name   string
		header string
		ok     bool
		status int
	}{
		{"plain key", "Bearer admin-123", true, 0},
		{"hashed key", "Bearer hashed-key", true, 0},
		{"missing", "", false, http.StatusUnauthorized},
		{"wrong", "Bearer nope", false, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := a.Authenticate(tt.header)
			if res.Authenticated != tt.ok {
				t.Fatalf("Authenticated = %v, want %v", res.Authenticated, tt.ok)
			}
			if res.Status != tt.status {
				t.Errorf("Status = %d, want %d", res.Status, tt.status)
			}
			if tt.ok && res.Actor == "" {
				t.Error("expected an actor for authenticated requests")
			}
		})
	}
}

func TestAuthenticate_EmptyKeyDisablesPlainMethod(t *testing.T) {
	a := NewAuthenticator("", "")
	if res := a.Authenticate("Bearer "); res.Authenticated {
		t.Error("empty token must not authenticate")
	}
	if res := a.Authenticate("Bearer anything"); res.Authenticated {
		t.Error("no configured key must reject everything")
	}
}

func TestRequireAdmin(t *testing.T) {
	a := NewAuthenticator("admin-123", "")
	var actor string
	h := a.RequireAdmin(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, _ = ActorFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer admin-123")
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if actor != "admin:"+Fingerprint("admin-123") {
		t.Errorf("actor = %q", actor)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestRequireAdmin_CustomFailure(t *testing.T) {
	a := NewAuthenticator("admin-123", "")
	var gotStatus int
	h := a.RequireAdmin(func(w http.ResponseWriter, r *http.Request, status int, msg string) {
		gotStatus = status
		w.WriteHeader(http.StatusTeapot)
	})(http.NotFoundHandler())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if gotStatus != http.StatusForbidden || rec.Code != http.StatusTeapot {
		t.Errorf("gotStatus = %d, code = %d", gotStatus, rec.Code)
	}
}

func TestGetIPAddress(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.195, 70.41.3.18")
	if ip := GetIPAddress(req); ip != "203.0.113.195" {
		t.Errorf("Expected first X-Forwarded-For hop, got '%s'", ip)
	}

	req = httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Real-IP", "198.51.100.42")
	if ip := GetIPAddress(req); ip != "198.51.100.42" {
		t.Errorf("Expected IP from X-Real-IP, got '%s'", ip)
	}

	req = httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "192.0.2.1:1234"
	if ip := GetIPAddress(req); ip != "192.0.2.1:1234" {
		t.Errorf("Expected RemoteAddr, got '%s'", ip)
	}
}

func TestRequireProvider(t *testing.T) {
	a := NewAuthenticator("admin-123", "").WithProviderKey("provider-456")
	var actor string
	h := a.RequireProvider(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, _ = ActorFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name   string
		header string
		status int
		actor  string
	}{
		{"provider key", "Bearer provider-456", http.StatusNoContent, "provider:" + Fingerprint("provider-456")},
		{"admin key", "Bearer admin-123", http.StatusNoContent, "admin:" + Fingerprint("admin-123")},
		{"missing", "", http.StatusUnauthorized, ""},
		{"wrong", "Bearer nope", http.StatusForbidden, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			actor = ""
			req := httptest.NewRequest(http.MethodPost, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d", rec.Code, tt.status)
			}
			if actor != tt.actor {
				t.Errorf("actor = %q, want %q", actor, tt.actor)
			}
		})
	}
}

func TestRequireAdmin_RejectsProviderKey(t *testing.T) {
	a := NewAuthenticator("admin-123", "").WithProviderKey("provider-456")
	h := a.RequireAdmin(nil)(http.NotFoundHandler())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer provider-456")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}
}
