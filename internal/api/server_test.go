package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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

const (
	adminKey    = "test-admin-key"
	providerKey = "test-provider-key"
)

type testServer struct {
	srv      *Server
	handler  http.Handler
	flags    *flags.Set
	mappings *mapping.MemoryStore
	cache    *mapping.Cache
	sessions *session.MemoryStore
	sink     *audit.MemorySink
	audit    *audit.Service
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	fc := clock.NewFake(time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC))

	ts := &testServer{
		flags:    flags.New(true, true),
		mappings: mapping.NewMemoryStore(),
		cache:    mapping.NewCache().WithClock(fc),
		sessions: session.NewMemoryStore(fc),
		sink:     audit.NewMemorySink(),
	}
	ctx := context.Background()
	require.NoError(t, ts.mappings.Upsert(ctx, mapping.Entry{ProductID: 123, PageID: 10, TestPageURL: "/test-positionnement-123", Active: true}))
	require.NoError(t, ts.mappings.Upsert(ctx, mapping.Entry{ProductID: 789, PageID: 12, TestPageURL: "/test-789", Active: false}))

	signer, err := token.NewSigner("secret", "", fc, 0)
	require.NoError(t, err)

	g := guard.New(guard.Options{
		Flags:       ts.flags,
		Mappings:    ts.cache,
		Sessions:    ts.sessions,
		Completions: completion.NewChecker(completion.NewMemoryStore(), fc, 0),
		Tokens:      signer,
		Logger:      zerolog.Nop(),
	})
	ts.audit = audit.NewService(ts.sink, audit.Options{Logger: zerolog.Nop()})
	t.Cleanup(func() { _ = ts.audit.Close() })

	ts.srv = NewServer(Options{
		Guard:      g,
		Flags:      ts.flags,
		Mappings:   ts.mappings,
		Cache:      ts.cache,
		Sessions:   ts.sessions,
		Auth:       auth.NewAuthenticator(adminKey, "").WithProviderKey(providerKey),
		Audit:      ts.audit,
		Clock:      fc,
		Logger:     zerolog.Nop(),
		PingPeriod: 20 * time.Millisecond,
	})
	require.NoError(t, ts.srv.RebuildSnapshot(ctx))
	ts.handler = ts.srv.Router()
	return ts
}

func (ts *testServer) do(method, path, body string, admin bool) *httptest.ResponseRecorder {
	key := ""
	if admin {
		key = adminKey
	}
	return ts.doWithKey(method, path, body, key)
}

func (ts *testServer) doWithKey(method, path, body, key string) *httptest.ResponseRecorder {
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rdr)
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	w := httptest.NewRecorder()
	ts.handler.ServeHTTP(w, req)
	return w
}

// complete reports a passed test the way the test page backend does.
func (ts *testServer) complete(body string) *httptest.ResponseRecorder {
	return ts.doWithKey(http.MethodPost, "/v1/tests/complete", body, providerKey)
}

// events closes the audit service so every queued event is flushed.
func (ts *testServer) events(t *testing.T) []audit.Event {
	t.Helper()
	require.NoError(t, ts.audit.Close())
	return ts.sink.Events()
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(w.Body).Decode(&v))
	return v
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(http.MethodGet, "/healthz", "", false)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", w.Body.String())
}

func TestDecide_BlocksThenAllowsAfterCompletion(t *testing.T) {
	ts := newTestServer(t)
	body := `{"session_id":"s1","user_id":42,"product_ids":[123,789],"return_url":"/checkout"}`

	w := ts.do(http.MethodPost, "/v1/checkout/decide", body, false)
	require.Equal(t, http.StatusOK, w.Code)
	res := decode[guard.CheckResult](t, w)
	assert.False(t, res.Allowed)
	require.Len(t, res.Decisions, 2)
	assert.Equal(t, "no_validation", string(res.Decisions[0].Decision.Reason))
	assert.Equal(t, "no_mapping", string(res.Decisions[1].Decision.Reason))
	require.Len(t, res.Pending, 1)
	require.NotNil(t, res.RedirectURL)
	assert.Contains(t, *res.RedirectURL, "wcqs_product_id=123")
	assert.Contains(t, *res.RedirectURL, "wcqs_return=%2Fcheckout")

	w = ts.complete(`{"session_id":"s1","user_id":42,"product_id":123}`)
	require.Equal(t, http.StatusOK, w.Code)
	completed := decode[guard.CompleteResult](t, w)
	assert.NotEmpty(t, completed.Token)

	w = ts.do(http.MethodPost, "/v1/checkout/decide", body, false)
	require.Equal(t, http.StatusOK, w.Code)
	res = decode[guard.CheckResult](t, w)
	assert.True(t, res.Allowed)
	assert.Nil(t, res.RedirectURL)
	assert.Empty(t, res.Pending)

	events := ts.events(t)
	require.Len(t, events, 1)
	assert.Equal(t, audit.TypeTestCompleted, events[0].Type)
	assert.Equal(t, audit.ActorKindProvider, events[0].Actor.Kind)
	assert.Equal(t, "42:123", events[0].ResourceID)
}

func TestDecide_RejectsBadInput(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name   string
		body   string
		status int
		code   ErrorCode
	}{
		{"empty body", "", http.StatusBadRequest, ErrCodeInvalidJSON},
		{"malformed", `{"product_ids":`, http.StatusBadRequest, ErrCodeInvalidJSON},
		{"unknown field", `{"products":[1]}`, http.StatusBadRequest, ErrCodeInvalidJSON},
		{"bad session", `{"session_id":"a b","product_ids":[1]}`, http.StatusBadRequest, ErrCodeValidation},
		{"negative product", `{"product_ids":[-1]}`, http.StatusBadRequest, ErrCodeValidation},
		{"bad stage", `{"product_ids":[1],"stage":"shipping"}`, http.StatusBadRequest, ErrCodeValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := ts.do(http.MethodPost, "/v1/checkout/decide", tt.body, false)
			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, tt.code, decode[ErrorResponse](t, w).Code)
		})
	}
}

func TestDecide_TooLarge(t *testing.T) {
	ts := newTestServer(t)
	big := `{"session_id":"` + strings.Repeat("a", maxJSONBody) + `"}`
	w := ts.do(http.MethodPost, "/v1/checkout/decide", big, false)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestDecide_CartStageHonoursEnforceCart(t *testing.T) {
	ts := newTestServer(t)
	require.NoError(t, ts.flags.SetFlag(flags.EnforceCart, false))

	w := ts.do(http.MethodPost, "/v1/checkout/decide", `{"session_id":"s1","product_ids":[123],"stage":"cart"}`, false)
	require.Equal(t, http.StatusOK, w.Code)
	res := decode[guard.CheckResult](t, w)
	assert.True(t, res.Allowed)
	assert.Equal(t, "flag_off", string(res.Decisions[0].Decision.Reason))
}

func TestAuthorize(t *testing.T) {
	ts := newTestServer(t)

	t.Run("blocked", func(t *testing.T) {
		w := ts.do(http.MethodPost, "/v1/checkout/authorize", `{"session_id":"s1","product_ids":[123]}`, false)
		require.Equal(t, http.StatusForbidden, w.Code)
		var body blockedResponse
		require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
		assert.Equal(t, ErrCodeCheckoutBlocked, body.Code)
		require.Len(t, body.Pending, 1)
		assert.Equal(t, int64(123), body.Pending[0].ProductID)
		require.NotNil(t, body.RedirectURL)
		assert.True(t, strings.HasPrefix(*body.RedirectURL, "/test-positionnement-123?"))
	})

	t.Run("guest token allows one order", func(t *testing.T) {
		w := ts.complete(`{"session_id":"s2","user_id":0,"product_id":123}`)
		require.Equal(t, http.StatusOK, w.Code)
		tok := decode[guard.CompleteResult](t, w).Token

		// other sessions, so only the token can allow it
		body := `{"session_id":"other","product_ids":[123],"token":"` + tok + `"}`
		w = ts.do(http.MethodPost, "/v1/checkout/authorize", body, false)
		assert.Equal(t, http.StatusNoContent, w.Code)

		body = `{"session_id":"another","product_ids":[123],"token":"` + tok + `"}`
		w = ts.do(http.MethodPost, "/v1/checkout/authorize", body, false)
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("token bound to user", func(t *testing.T) {
		w := ts.complete(`{"session_id":"s3","user_id":7,"product_id":123}`)
		tok := decode[guard.CompleteResult](t, w).Token

		body := `{"session_id":"other","user_id":8,"product_ids":[123],"token":"` + tok + `"}`
		w = ts.do(http.MethodPost, "/v1/checkout/authorize", body, false)
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("stage is forced to checkout", func(t *testing.T) {
		require.NoError(t, ts.flags.SetFlag(flags.EnforceCart, false))
		w := ts.do(http.MethodPost, "/v1/checkout/authorize", `{"session_id":"s9","product_ids":[123],"stage":"cart"}`, false)
		assert.Equal(t, http.StatusForbidden, w.Code)
	})
}

func TestComplete_Validation(t *testing.T) {
	ts := newTestServer(t)

	w := ts.complete(`{"session_id":"s1","product_id":0}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.complete(`{"session_id":"","product_id":123}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, ErrCodeValidation, decode[ErrorResponse](t, w).Code)
}

func TestComplete_RequiresProviderKey(t *testing.T) {
	ts := newTestServer(t)
	body := `{"session_id":"attacker","user_id":42,"product_id":123}`

	w := ts.do(http.MethodPost, "/v1/tests/complete", body, false)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, ErrCodeUnauthorized, decode[ErrorResponse](t, w).Code)

	w = ts.doWithKey(http.MethodPost, "/v1/tests/complete", body, "guessed")
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = ts.do(http.MethodPost, "/v1/checkout/authorize", `{"session_id":"buyer","user_id":42,"product_ids":[123]}`, false)
	assert.Equal(t, http.StatusForbidden, w.Code, "a rejected completion must not unlock checkout")

	// admin keys may report completions too
	w = ts.do(http.MethodPost, "/v1/tests/complete", body, true)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestTestURL(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(http.MethodGet, "/v1/mappings/123/test-url", "", false)
	require.Equal(t, http.StatusOK, w.Code)
	got := decode[testURLResponse](t, w)
	assert.True(t, got.Active)
	require.NotNil(t, got.TestURL)
	assert.Equal(t, "/test-positionnement-123", *got.TestURL)

	w = ts.do(http.MethodGet, "/v1/mappings/789/test-url", "", false)
	got = decode[testURLResponse](t, w)
	assert.False(t, got.Active)
	assert.Nil(t, got.TestURL)

	w = ts.do(http.MethodGet, "/v1/mappings/abc/test-url", "", false)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, ErrCodeInvalidProductID, decode[ErrorResponse](t, w).Code)
}

func TestAdminRoutesRequireAuth(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(http.MethodGet, "/v1/flags", "", false)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, ErrCodeUnauthorized, decode[ErrorResponse](t, w).Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/mappings", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, ErrCodeForbidden, decode[ErrorResponse](t, rec).Code)
}

func TestFlags(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(http.MethodGet, "/v1/flags", "", true)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, map[string]bool{"enforce_checkout": true, "enforce_cart": true}, decode[map[string]bool](t, w))

	w = ts.do(http.MethodPut, "/v1/flags", `{"enforce_checkout":false,"nope":true}`, true)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, ErrCodeUnknownFlag, decode[ErrorResponse](t, w).Code)
	assert.True(t, ts.flags.Get(flags.EnforceCheckout), "rejected update must not apply")

	w = ts.do(http.MethodPut, "/v1/flags", `{"enforce_checkout":false}`, true)
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, ts.flags.Get(flags.EnforceCheckout))

	// enforcement off lets everything through
	w = ts.do(http.MethodPost, "/v1/checkout/authorize", `{"session_id":"s1","product_ids":[123]}`, false)
	assert.Equal(t, http.StatusNoContent, w.Code)

	events := ts.events(t)
	require.Len(t, events, 1)
	assert.Equal(t, audit.TypeFlagsUpdated, events[0].Type)
	assert.Equal(t, audit.ActorKindAdmin, events[0].Actor.Kind)
	assert.Contains(t, events[0].Changes, "enforce_checkout")
}

func TestMappings_CRUD(t *testing.T) {
	ts := newTestServer(t)
	initialETag := ts.cache.Load().ETag

	w := ts.do(http.MethodPut, "/v1/mappings/456", `{"page_id":20,"test_url":"https://shop.example/test-456","notes":"B2 level"}`, true)
	require.Equal(t, http.StatusOK, w.Code)
	put := decode[mappingResponse](t, w)
	assert.True(t, put.Mapping.Active, "active defaults to true")
	assert.NotEqual(t, initialETag, put.ETag)
	assert.Equal(t, put.ETag, ts.cache.Load().ETag)
	assert.True(t, ts.cache.Load().Lookup(456).Active)

	w = ts.do(http.MethodGet, "/v1/mappings/456", "", true)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "B2 level", decode[mappingResponse](t, w).Mapping.Notes)

	w = ts.do(http.MethodGet, "/v1/mappings?q=shop.example", "", true)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, put.ETag, w.Header().Get("ETag"))
	list := decode[mappingListResponse](t, w)
	require.Len(t, list.Mappings, 1)
	assert.Equal(t, int64(456), list.Mappings[0].ProductID)

	w = ts.do(http.MethodGet, "/v1/mappings", "", true)
	assert.Len(t, decode[mappingListResponse](t, w).Mappings, 3)

	w = ts.do(http.MethodDelete, "/v1/mappings/456", "", true)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.False(t, ts.cache.Load().Lookup(456).Active)

	w = ts.do(http.MethodDelete, "/v1/mappings/456", "", true)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = ts.do(http.MethodGet, "/v1/mappings/456", "", true)
	assert.Equal(t, http.StatusNotFound, w.Code)

	events := ts.events(t)
	require.Len(t, events, 2)
	assert.Equal(t, audit.TypeMappingUpdated, events[0].Type)
	assert.Nil(t, events[0].BeforeState)
	assert.Equal(t, audit.TypeMappingDeleted, events[1].Type)
	assert.Equal(t, "456", events[1].ResourceID)
}

func TestMappings_PutValidation(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(http.MethodPut, "/v1/mappings/456", `{"page_id":0,"test_url":"ftp://x"}`, true)
	require.Equal(t, http.StatusBadRequest, w.Code)
	resp := decode[ErrorResponse](t, w)
	assert.Equal(t, ErrCodeValidation, resp.Code)
	assert.Contains(t, resp.Fields, "page_id")
	assert.Contains(t, resp.Fields, "test_url")

	w = ts.do(http.MethodPut, "/v1/mappings/456", `{"product_id":1,"page_id":3,"test_url":"/t"}`, true)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, decode[ErrorResponse](t, w).Fields, "product_id")

	w = ts.do(http.MethodPut, "/v1/mappings/0", `{"page_id":3,"test_url":"/t"}`, true)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMappings_Stats(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(http.MethodGet, "/v1/mappings/stats", "", true)
	require.Equal(t, http.StatusOK, w.Code)
	stats := decode[mapping.Stats](t, w)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.Active)
	assert.Equal(t, 1, stats.Inactive)
}

func TestMappings_ExportImportRoundTrip(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(http.MethodGet, "/v1/mappings/export.csv", "", true)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/csv; charset=utf-8", w.Header().Get("Content-Type"))
	assert.Equal(t, `attachment; filename="wcqs-mappings-2025-03-01.csv"`, w.Header().Get("Content-Disposition"))
	exported := w.Body.String()
	assert.True(t, strings.HasPrefix(exported, "\xEF\xBB\xBF"))

	require.NoError(t, ts.mappings.Delete(context.Background(), 123))
	require.NoError(t, ts.srv.RebuildSnapshot(context.Background()))
	require.False(t, ts.cache.Load().Lookup(123).Active)

	w = ts.do(http.MethodPost, "/v1/mappings/import", exported, true)
	require.Equal(t, http.StatusOK, w.Code)
	res := decode[importResponse](t, w)
	assert.Equal(t, 2, res.Imported)
	assert.Equal(t, importReplace, res.Mode)
	assert.True(t, ts.cache.Load().Lookup(123).Active)
}

func TestMappings_ImportModes(t *testing.T) {
	ts := newTestServer(t)
	doc := "Product ID;Page ID;Test URL;Form ID;Active;Notes\n555;30;/test-555;;1;new\n"

	w := ts.do(http.MethodPost, "/v1/mappings/import?mode=merge", doc, true)
	require.Equal(t, http.StatusOK, w.Code)
	entries, err := ts.mappings.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, entries, 3)

	w = ts.do(http.MethodPost, "/v1/mappings/import", doc, true)
	require.Equal(t, http.StatusOK, w.Code)
	entries, err = ts.mappings.List(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, int64(555), entries[0].ProductID)

	w = ts.do(http.MethodPost, "/v1/mappings/import?mode=append", doc, true)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	events := ts.events(t)
	require.Len(t, events, 2)
	assert.Equal(t, audit.TypeMappingImported, events[1].Type)
	assert.Equal(t, "replace", events[1].AfterState["mode"])
}

func TestMappings_ImportRejectsInvalidLines(t *testing.T) {
	ts := newTestServer(t)
	doc := "Product ID;Page ID;Test URL\n555;30;/test-555\nabc;1;/x\n555;31;/dup\n"

	w := ts.do(http.MethodPost, "/v1/mappings/import", doc, true)
	require.Equal(t, http.StatusBadRequest, w.Code)
	resp := decode[ErrorResponse](t, w)
	assert.Equal(t, ErrCodeInvalidCSV, resp.Code)
	assert.Len(t, resp.Fields, 2)

	entries, err := ts.mappings.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, entries, 2, "nothing imported")
}

func TestMappings_ImportTooLarge(t *testing.T) {
	ts := newTestServer(t)
	var buf bytes.Buffer
	buf.WriteString("Product ID;Page ID;Test URL\n")
	for buf.Len() <= maxImportBody {
		buf.WriteString("1;1;/" + strings.Repeat("x", 100) + "\n")
	}
	w := ts.do(http.MethodPost, "/v1/mappings/import", buf.String(), true)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestSessionsAndReset(t *testing.T) {
	ts := newTestServer(t)

	w := ts.complete(`{"session_id":"s1","user_id":42,"product_id":123}`)
	require.Equal(t, http.StatusOK, w.Code)

	w = ts.do(http.MethodGet, "/v1/sessions/s1", "", true)
	require.Equal(t, http.StatusOK, w.Code)
	sess := decode[sessionResponse](t, w)
	require.Len(t, sess.Products, 1)
	assert.Equal(t, int64(123), sess.Products[0].ProductID)

	w = ts.do(http.MethodGet, "/v1/sessions/bad%20id", "", true)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(http.MethodDelete, "/v1/validations", `{"product_id":123}`, true)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(http.MethodDelete, "/v1/validations", `{"session_id":"s1","user_id":42,"product_id":123}`, true)
	require.Equal(t, http.StatusNoContent, w.Code)

	w = ts.do(http.MethodPost, "/v1/checkout/authorize", `{"session_id":"s1","user_id":42,"product_ids":[123]}`, false)
	assert.Equal(t, http.StatusForbidden, w.Code, "reset must clear session and durable validation")

	events := ts.events(t)
	require.Len(t, events, 2)
	assert.Equal(t, audit.TypeValidationReset, events[1].Type)
}

func TestRateLimit(t *testing.T) {
	ts := newTestServer(t)
	ts.srv.rateLimit = 2
	h := ts.srv.Router()

	var last *httptest.ResponseRecorder
	for i := 0; i < 3; i++ {
		last = httptest.NewRecorder()
		h.ServeHTTP(last, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	}
	assert.Equal(t, http.StatusTooManyRequests, last.Code)
	assert.Equal(t, ErrCodeRateLimited, decode[ErrorResponse](t, last).Code)
}
