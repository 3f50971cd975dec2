package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/rs/zerolog"

	"github.com/TimurManjosov/qualiopigate/internal/audit"
	"github.com/TimurManjosov/qualiopigate/internal/auth"
	"github.com/TimurManjosov/qualiopigate/internal/clock"
	"github.com/TimurManjosov/qualiopigate/internal/flags"
	"github.com/TimurManjosov/qualiopigate/internal/guard"
	"github.com/TimurManjosov/qualiopigate/internal/logging"
	"github.com/TimurManjosov/qualiopigate/internal/mapping"
	"github.com/TimurManjosov/qualiopigate/internal/session"
	"github.com/TimurManjosov/qualiopigate/internal/telemetry"
)

const (
	maxJSONBody   = 64 << 10
	maxImportBody = 1 << 20

	requestTimeout = 5 * time.Second
)

// Options wires a Server. Audit may be nil.
type Options struct {
	Guard      *guard.Guard
	Flags      *flags.Set
	Mappings   mapping.Store
	Cache      *mapping.Cache
	Sessions   session.Store
	Auth       *auth.Authenticator
	Audit      *audit.Service
	RateLimit  int // requests per minute per IP, 0 disables
	Clock      clock.Clock
	Logger     zerolog.Logger
	PingPeriod time.Duration
}

type Server struct {
	guard      *guard.Guard
	flags      *flags.Set
	mappings   mapping.Store
	cache      *mapping.Cache
	sessions   session.Store
	auth       *auth.Authenticator
	audit      *audit.Service
	rateLimit  int
	clock      clock.Clock
	logger     zerolog.Logger
	pingPeriod time.Duration
}

func NewServer(opts Options) *Server {
	ping := opts.PingPeriod
	if ping <= 0 {
		ping = 25 * time.Second
	}
	return &Server{
		guard:      opts.Guard,
		flags:      opts.Flags,
		mappings:   opts.Mappings,
		cache:      opts.Cache,
		sessions:   opts.Sessions,
		auth:       opts.Auth,
		audit:      opts.Audit,
		rateLimit:  opts.RateLimit,
		clock:      clock.OrSystem(opts.Clock),
		logger:     opts.Logger.With().Str("component", "api").Logger(),
		pingPeriod: ping,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)
	r.Use(logging.RequestLogger(s.logger))
	r.Use(telemetry.Middleware)
	if s.rateLimit > 0 {
		r.Use(httprate.Limit(s.rateLimit, time.Minute,
			httprate.WithKeyFuncs(httprate.KeyByIP),
			httprate.WithLimitHandler(func(w http.ResponseWriter, req *http.Request) {
				RateLimitedError(w, req, "Rate limit exceeded, retry later")
			}),
		))
	}

	// health
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	// long-lived stream, outside the request timeout
	r.Get("/v1/mappings/stream", s.handleMappingStream)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(requestTimeout))

		// public: storefront calls
		r.Post("/v1/checkout/decide", s.handleDecide)
		r.Post("/v1/checkout/authorize", s.handleAuthorize)
		r.Get("/v1/mappings/{productID}/test-url", s.handleTestURL)

		// test page backend (provider or admin key)
		r.Group(func(r chi.Router) {
			r.Use(s.auth.RequireProvider(authFailure))
			r.Post("/v1/tests/complete", s.handleComplete)
		})

		// admin (protected)
		r.Group(func(r chi.Router) {
			r.Use(s.auth.RequireAdmin(authFailure))

			r.Get("/v1/flags", s.handleGetFlags)
			r.Put("/v1/flags", s.handlePutFlags)

			r.Get("/v1/mappings", s.handleListMappings)
			r.Get("/v1/mappings/stats", s.handleMappingStats)
			r.Get("/v1/mappings/export.csv", s.handleExportMappings)
			r.Post("/v1/mappings/import", s.handleImportMappings)
			r.Get("/v1/mappings/{productID}", s.handleGetMapping)
			r.Put("/v1/mappings/{productID}", s.handlePutMapping)
			r.Delete("/v1/mappings/{productID}", s.handleDeleteMapping)

			r.Get("/v1/sessions/{sessionID}", s.handleGetSession)
			r.Delete("/v1/validations", s.handleResetValidation)
		})
	})

	return r
}

// RebuildSnapshot reloads every mapping and swaps the in-memory snapshot.
func (s *Server) RebuildSnapshot(ctx context.Context) error {
	_, err := s.cache.Rebuild(ctx, s.mappings)
	return err
}

func authFailure(w http.ResponseWriter, r *http.Request, status int, message string) {
	if status == http.StatusForbidden {
		ForbiddenError(w, r, message)
		return
	}
	UnauthorizedError(w, r, message)
}

func (s *Server) record(ev audit.Event) {
	if s.audit != nil {
		s.audit.Log(ev)
	}
}

// decodeJSON reads a bounded JSON body into v and renders the error itself.
// It returns false when the handler must stop.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	body := http.MaxBytesReader(w, r.Body, maxJSONBody)
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			RequestTooLargeError(w, r, "Request body too large")
		case errors.Is(err, io.EOF):
			BadRequestError(w, r, ErrCodeInvalidJSON, "Request body is empty")
		default:
			BadRequestError(w, r, ErrCodeInvalidJSON, "Invalid JSON: "+err.Error())
		}
		return false
	}
	return true
}

func productIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "productID"), 10, 64)
	if err != nil || id <= 0 {
		BadRequestError(w, r, ErrCodeInvalidProductID, "Product ID must be a positive integer")
		return 0, false
	}
	return id, true
}
