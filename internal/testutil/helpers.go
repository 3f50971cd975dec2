// Package testutil assembles a fully in-memory gate for tests that cross
// package boundaries.
package testutil

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/TimurManjosov/qualiopigate/internal/api"
	"github.com/TimurManjosov/qualiopigate/internal/audit"
	"github.com/TimurManjosov/qualiopigate/internal/auth"
	"github.com/TimurManjosov/qualiopigate/internal/clock"
	"github.com/TimurManjosov/qualiopigate/internal/completion"
	"github.com/TimurManjosov/qualiopigate/internal/flags"
	"github.com/TimurManjosov/qualiopigate/internal/guard"
	"github.com/TimurManjosov/qualiopigate/internal/mapping"
	"github.com/TimurManjosov/qualiopigate/internal/session"
	"github.com/TimurManjosov/qualiopigate/internal/token"
)

// Keys accepted by a Stack.
const (
	AdminKey    = "test-admin-key"
	ProviderKey = "test-provider-key"
)

// Epoch is the start time of a Stack's fake clock.
var Epoch = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

// Stack is a gate wired on memory stores and a fake clock.
type Stack struct {
	Server      *api.Server
	Handler     http.Handler
	Clock       *clock.Fake
	Flags       *flags.Set
	Mappings    *mapping.MemoryStore
	Cache       *mapping.Cache
	Sessions    *session.MemoryStore
	Completions *completion.MemoryStore
	Tokens      *token.Signer
	Nonces      *token.MemoryNonceStore
	Audit       *audit.MemorySink
}

// NewStack builds a Stack with enforcement on and the given mappings loaded.
func NewStack(t *testing.T, entries ...mapping.Entry) *Stack {
	t.Helper()
	fc := clock.NewFake(Epoch)
	s := &Stack{
		Clock:       fc,
		Flags:       flags.New(true, true),
		Mappings:    mapping.NewMemoryStore(),
		Cache:       mapping.NewCache().WithClock(fc),
		Sessions:    session.NewMemoryStore(fc),
		Completions: completion.NewMemoryStore(),
		Nonces:      token.NewMemoryNonceStore(fc),
		Audit:       audit.NewMemorySink(),
	}

	ctx := context.Background()
	if err := SeedMappings(ctx, s.Mappings, entries); err != nil {
		t.Fatalf("seed mappings: %v", err)
	}

	signer, err := token.NewSigner("test-secret", "", fc, 0)
	if err != nil {
		t.Fatalf("token signer: %v", err)
	}
	s.Tokens = signer

	g := guard.New(guard.Options{
		Flags:       s.Flags,
		Mappings:    s.Cache,
		Sessions:    s.Sessions,
		Completions: completion.NewChecker(s.Completions, fc, 0),
		Tokens:      signer,
		Nonces:      s.Nonces,
		Logger:      zerolog.Nop(),
	})
	auditSvc := audit.NewService(s.Audit, audit.Options{Clock: fc, Logger: zerolog.Nop()})
	t.Cleanup(func() { _ = auditSvc.Close() })

	s.Server = api.NewServer(api.Options{
		Guard:    g,
		Flags:    s.Flags,
		Mappings: s.Mappings,
		Cache:    s.Cache,
		Sessions: s.Sessions,
		Auth:     auth.NewAuthenticator(AdminKey, "").WithProviderKey(ProviderKey),
		Audit:    auditSvc,
		Clock:    fc,
		Logger:   zerolog.Nop(),
	})
	if err := s.Server.RebuildSnapshot(ctx); err != nil {
		t.Fatalf("rebuild snapshot: %v", err)
	}
	s.Handler = s.Server.Router()
	return s
}

// HTTPRequest is a helper for making test HTTP requests. Admin sends the
// admin key, Provider the test provider key.
type HTTPRequest struct {
	Method   string
	Path     string
	Body     string
	Admin    bool
	Provider bool
	Headers  map[string]string
}

// Do executes the HTTP request and returns the response recorder.
func (r *HTTPRequest) Do(t *testing.T, handler http.Handler) *httptest.ResponseRecorder {
	t.Helper()
	var body io.Reader
	if r.Body != "" {
		body = bytes.NewBufferString(r.Body)
	}
	req := httptest.NewRequest(r.Method, r.Path, body)
	if r.Body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	switch {
	case r.Admin:
		req.Header.Set("Authorization", "Bearer "+AdminKey)
	case r.Provider:
		req.Header.Set("Authorization", "Bearer "+ProviderKey)
	}
	for k, v := range r.Headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

// SeedMappings populates the store with mappings.
func SeedMappings(ctx context.Context, st mapping.Store, entries []mapping.Entry) error {
	for _, e := range entries {
		if err := st.Upsert(ctx, e); err != nil {
			return err
		}
	}
	return nil
}
