package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/TimurManjosov/qualiopigate/internal/api"
	"github.com/TimurManjosov/qualiopigate/internal/audit"
	"github.com/TimurManjosov/qualiopigate/internal/auth"
	"github.com/TimurManjosov/qualiopigate/internal/clock"
	"github.com/TimurManjosov/qualiopigate/internal/completion"
	"github.com/TimurManjosov/qualiopigate/internal/config"
	mydb "github.com/TimurManjosov/qualiopigate/internal/db"
	"github.com/TimurManjosov/qualiopigate/internal/decision"
	"github.com/TimurManjosov/qualiopigate/internal/flags"
	"github.com/TimurManjosov/qualiopigate/internal/guard"
	"github.com/TimurManjosov/qualiopigate/internal/logging"
	"github.com/TimurManjosov/qualiopigate/internal/mapping"
	"github.com/TimurManjosov/qualiopigate/internal/session"
	"github.com/TimurManjosov/qualiopigate/internal/telemetry"
	"github.com/TimurManjosov/qualiopigate/internal/token"
)

const sessionCleanupInterval = 5 * time.Minute

func main() {
	boot := zerolog.New(os.Stderr).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		boot.Fatal().Err(err).Msg("config")
	}
	if err := cfg.Validate(); err != nil {
		boot.Fatal().Err(err).Msg("config")
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	if err != nil {
		boot.Fatal().Err(err).Msg("logger")
	}
	logger = logger.With().Str("env", cfg.AppEnv).Logger()
	if cfg.TokenSecretGenerated() {
		logger.Warn().Msg("TOKEN_SECRET not set, using a random secret: proof tokens will not survive a restart")
	}

	ctx := context.Background()
	sysClock := clock.System{}

	var pool *pgxpool.Pool
	if cfg.StoreType == "postgres" {
		pool, err = mydb.NewPool(ctx, cfg.DatabaseDSN)
		if err != nil {
			logger.Fatal().Err(err).Msg("db")
		}
		defer pool.Close()
		if err := mydb.Migrate(ctx, pool); err != nil {
			logger.Fatal().Err(err).Msg("migrate")
		}
	}

	var rdb *redis.Client
	if cfg.SessionStore == "redis" {
		rdb, err = mydb.NewRedis(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis")
		}
		defer rdb.Close()
	}

	mappings, err := mapping.NewStore(cfg.StoreType, pool)
	if err != nil {
		logger.Fatal().Err(err).Msg("mapping store")
	}
	completions, err := completion.NewStore(cfg.StoreType, pool)
	if err != nil {
		logger.Fatal().Err(err).Msg("completion store")
	}
	sessions, err := session.NewStore(cfg.SessionStore, rdb, sysClock)
	if err != nil {
		logger.Fatal().Err(err).Msg("session store")
	}
	defer sessions.Close()

	// initial snapshot
	cache := mapping.NewCache().WithClock(sysClock)
	snap, err := cache.Rebuild(ctx, mappings)
	if err != nil {
		logger.Fatal().Err(err).Msg("load mappings")
	}
	logger.Info().Int("mappings", len(snap.Entries)).Str("etag", snap.ETag).Msg("snapshot loaded")

	signer, err := token.NewSigner(cfg.TokenSecret, cfg.TokenPreviousSecret, sysClock, cfg.TokenTTL)
	if err != nil {
		logger.Fatal().Err(err).Msg("token signer")
	}

	// spent tokens live next to the session marks
	nonces := token.NewNonceStore(rdb, sysClock)

	flagSet := flags.New(cfg.EnforceCheckout, cfg.EnforceCart)
	g := guard.New(guard.Options{
		Engine:      decision.NewEngine(),
		Flags:       flagSet,
		Mappings:    cache,
		Sessions:    sessions,
		Completions: completion.NewChecker(completions, sysClock, cfg.ValidationFreshness),
		Tokens:      signer,
		Nonces:      nonces,
		SessionTTL:  cfg.SessionTTL,
		Logger:      logger,
	})

	var sink audit.Sink = audit.NewLogSink(logger)
	if pool != nil {
		sink = audit.NewPostgresSink(pool)
	}
	auditSvc := audit.NewService(sink, audit.Options{Clock: sysClock, Logger: logger})
	defer auditSvc.Close()

	telemetry.Init()

	srvAPI := api.NewServer(api.Options{
		Guard:     g,
		Flags:     flagSet,
		Mappings:  mappings,
		Cache:     cache,
		Sessions:  sessions,
		Auth:      auth.NewAuthenticator(cfg.AdminAPIKey, cfg.AdminAPIKeyHash).WithProviderKey(cfg.TestProviderKey),
		Audit:     auditSvc,
		RateLimit: cfg.RateLimitPerIP,
		Clock:     sysClock,
		Logger:    logger,
	})

	// cancelled on shutdown so open event streams end
	baseCtx, cancelBase := context.WithCancel(context.Background())
	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srvAPI.Router(),
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 0, // event streams stay open
		IdleTimeout:  60 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return baseCtx },
	}
	srv.RegisterOnShutdown(cancelBase)
	go func() {
		logger.Info().Str("addr", cfg.HTTPAddr).Msg("listening")
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server")
		}
	}()

	metricsSrv := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           telemetry.Handler(),
		ReadHeaderTimeout: 3 * time.Second,
	}
	go func() {
		logger.Info().Str("addr", cfg.MetricsAddr).Msg("metrics listening")
		if err := metricsSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics server")
		}
	}()

	stopCleanup := make(chan struct{})
	memSessions, _ := sessions.(*session.MemoryStore)
	memNonces, _ := nonces.(*token.MemoryNonceStore)
	if memSessions != nil || memNonces != nil {
		go cleanupMemory(memSessions, memNonces, logger, stopCleanup)
	}

	// graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	close(stopCleanup)

	ctxShut, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctxShut); err != nil {
		logger.Error().Err(err).Msg("shutdown")
	}
	_ = metricsSrv.Shutdown(ctxShut)
	logger.Info().Msg("bye")
}

// cleanupMemory drops expired session marks and spent tokens from the
// in-memory stores; redis expires keys on its own. Either store may be nil.
func cleanupMemory(sessions *session.MemoryStore, nonces *token.MemoryNonceStore, logger zerolog.Logger, stop <-chan struct{}) {
	t := time.NewTicker(sessionCleanupInterval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			if sessions != nil {
				if n := sessions.CleanupExpired(); n > 0 {
					logger.Debug().Int("removed", n).Msg("expired session marks cleaned up")
				}
			}
			if nonces != nil {
				if n := nonces.CleanupExpired(); n > 0 {
					logger.Debug().Int("removed", n).Msg("spent tokens forgotten")
				}
			}
		}
	}
}
