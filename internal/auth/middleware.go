package auth

import (
	"context"
	"net/http"
	"strings"
)

type contextKey string

// ContextKeyActor holds the fingerprint of the key that authenticated the request.
const ContextKeyActor contextKey = "actor"

// Authenticator checks admin bearer tokens against a plain key, a bcrypt
// hash, or both. An empty plain key and an empty hash disable that method.
// A separate provider key lets the test page backend report completions
// without admin rights.
type Authenticator struct {
	adminKey     string
	adminKeyHash string
	providerKey  string
}

func NewAuthenticator(adminKey, adminKeyHash string) *Authenticator {
	return &Authenticator{adminKey: adminKey, adminKeyHash: adminKeyHash}
}

// WithProviderKey sets the key accepted by RequireProvider. Empty leaves
// completions to admin keys only.
func (a *Authenticator) WithProviderKey(key string) *Authenticator {
	a.providerKey = key
	return a
}

// AuthResult contains the result of an authentication attempt
type AuthResult struct {
	Authenticated bool
	Actor         string
	Status        int
	Error         string
}

// Authenticate validates the Authorization header. A missing token is 401, a
// wrong one 403.
func (a *Authenticator) Authenticate(authHeader string) AuthResult {
	token := ExtractBearerToken(authHeader)
	if token == "" {
		return AuthResult{Status: http.StatusUnauthorized, Error: "missing bearer token"}
	}

	if a.adminKey != "" && VerifyAPIKeyConstantTime(token, a.adminKey) {
		return AuthResult{Authenticated: true, Actor: "admin:" + Fingerprint(token)}
	}
	if a.adminKeyHash != "" && VerifyAPIKey(token, a.adminKeyHash) {
		return AuthResult{Authenticated: true, Actor: "admin:" + Fingerprint(token)}
	}
	return AuthResult{Status: http.StatusForbidden, Error: "invalid token"}
}

// AuthenticateProvider accepts the provider key or any admin key.
func (a *Authenticator) AuthenticateProvider(authHeader string) AuthResult {
	token := ExtractBearerToken(authHeader)
	if token != "" && a.providerKey != "" && VerifyAPIKeyConstantTime(token, a.providerKey) {
		return AuthResult{Authenticated: true, Actor: "provider:" + Fingerprint(token)}
	}
	return a.Authenticate(authHeader)
}

// FailureFunc renders an authentication failure.
type FailureFunc func(w http.ResponseWriter, r *http.Request, status int, message string)

// RequireAdmin rejects requests without a valid admin token. onFail renders
// the error; nil falls back to http.Error.
func (a *Authenticator) RequireAdmin(onFail FailureFunc) func(http.Handler) http.Handler {
	return require(a.Authenticate, onFail)
}

// RequireProvider rejects requests carrying neither the provider key nor an
// admin key.
func (a *Authenticator) RequireProvider(onFail FailureFunc) func(http.Handler) http.Handler {
	return require(a.AuthenticateProvider, onFail)
}

func require(check func(string) AuthResult, onFail FailureFunc) func(http.Handler) http.Handler {
	if onFail == nil {
		onFail = func(w http.ResponseWriter, _ *http.Request, status int, message string) {
			http.Error(w, message, status)
		}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			result := check(r.Header.Get("Authorization"))
			if !result.Authenticated {
				onFail(w, r, result.Status, result.Error)
				return
			}
			ctx := context.WithValue(r.Context(), ContextKeyActor, result.Actor)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ActorFromContext returns the authenticated actor, if any.
func ActorFromContext(ctx context.Context) (string, bool) {
	actor, ok := ctx.Value(ContextKeyActor).(string)
	return actor, ok && actor != ""
}

// GetIPAddress extracts the client IP from the request, preferring the first
// X-Forwarded-For hop.
func GetIPAddress(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	return r.RemoteAddr
}
