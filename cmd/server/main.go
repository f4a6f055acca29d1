// Command server runs the credit ledger HTTP API.
//
//	@title			Credit Ledger API
//	@version		1.0
//	@description	Daily per-bucket credits, generation jobs and refunds.
//	@BasePath		/
//
//	@securityDefinitions.apikey	BearerAuth
//	@in							header
//	@name						Authorization
//
//	@securityDefinitions.apikey	InternalKey
//	@in							header
//	@name						X-Internal-API-Key
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-credit-ledger/internal/app"
	"github.com/tbourn/go-credit-ledger/internal/auth"
	"github.com/tbourn/go-credit-ledger/internal/config"
	httpapi "github.com/tbourn/go-credit-ledger/internal/http"
	"github.com/tbourn/go-credit-ledger/internal/http/middleware"
	"github.com/tbourn/go-credit-ledger/internal/observability"
	"github.com/tbourn/go-credit-ledger/internal/queue"
	"github.com/tbourn/go-credit-ledger/internal/ratelimit"
	"github.com/tbourn/go-credit-ledger/internal/services"
	"github.com/tbourn/go-credit-ledger/internal/sysutil"
)

var version = "dev"

func main() {
	_ = godotenv.Load()
	cfg := config.MustLoad()
	sysutil.SetupLogger(os.Stdout, cfg.LogLevel, cfg.LogPretty, "ledger-api")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, version)
	if err != nil {
		log.Fatal().Err(err).Msg("otel setup failed")
	}

	db, err := app.OpenDB(cfg)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.DBDriver).Msg("database open failed")
	}
	svc, err := app.NewServices(cfg, db)
	if err != nil {
		log.Fatal().Err(err).Msg("service wiring failed")
	}

	q := queue.NewClient(cfg.RedisClientOpt(), cfg.QueueName, cfg.Worker.MaxRetry, cfg.Worker.TaskTimeout)
	generations := &services.GenerationService{
		Credits: svc.Credits,
		Jobs:    svc.Jobs,
		Queue:   q,
		NewID:   uuid.NewString,
	}

	var (
		limiter middleware.Allower
		rdb     *redis.Client
	)
	if cfg.RateBackend == "redis" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		bucket, err := ratelimit.New(rdb, cfg.RateRPS, cfg.RateBurst, "ledger:rl")
		if err != nil {
			log.Fatal().Err(err).Msg("rate limiter setup failed")
		}
		limiter = bucket
	}

	gin.SetMode(cfg.GinMode)
	r := gin.New()
	httpapi.RegisterRoutes(r, cfg, httpapi.Deps{
		DB:          db,
		Credits:     svc.Credits,
		Jobs:        svc.Jobs,
		Users:       svc.Users,
		Generations: generations,
		Verifier:    auth.NewVerifier(cfg.Auth.FirebaseProjectID, auth.NewKeyCache(cfg.Auth.FirebaseKeysURL, nil)),
		Limiter:     limiter,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Str("version", version).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
	if err := q.Close(); err != nil {
		log.Warn().Err(err).Msg("queue client close")
	}
	if rdb != nil {
		_ = rdb.Close()
	}
	if err := svc.Close(); err != nil {
		log.Warn().Err(err).Msg("database close")
	}
	if err := shutdownOTel(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("otel shutdown")
	}
}
