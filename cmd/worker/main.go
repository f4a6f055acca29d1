// Command worker consumes the generation queue: it calls the generator,
// completes jobs, stores cover images and refunds failed work.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-credit-ledger/internal/app"
	"github.com/tbourn/go-credit-ledger/internal/config"
	"github.com/tbourn/go-credit-ledger/internal/executor"
	"github.com/tbourn/go-credit-ledger/internal/observability"
	"github.com/tbourn/go-credit-ledger/internal/storage"
	"github.com/tbourn/go-credit-ledger/internal/sysutil"
)

var version = "dev"

func main() {
	_ = godotenv.Load()
	cfg := config.MustLoad()
	sysutil.SetupLogger(os.Stdout, cfg.LogLevel, cfg.LogPretty, "ledger-worker")

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

	gen, err := executor.NewHTTPGenerator(executor.GeneratorConfig{
		URL:           cfg.Worker.GeneratorURL,
		SigningSecret: cfg.Worker.GeneratorSecret,
		Timeout:       cfg.Worker.GeneratorTimeout,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("generator setup failed")
	}

	var covers executor.CoverStore
	if cfg.Storage.Endpoint != "" {
		store, err := storage.NewClient(storage.Config{
			Endpoint:  cfg.Storage.Endpoint,
			Access:    cfg.Storage.AccessKey,
			Secret:    cfg.Storage.SecretKey,
			Bucket:    cfg.Storage.Bucket,
			UseSSL:    cfg.Storage.UseSSL,
			PublicURL: cfg.Storage.PublicURL,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("object storage setup failed")
		}
		ensureCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		err = store.EnsureBucket(ensureCtx)
		cancel()
		if err != nil {
			log.Fatal().Err(err).Str("bucket", store.Bucket()).Msg("bucket check failed")
		}
		covers = store
	} else {
		log.Warn().Msg("MINIO_ENDPOINT not set; image generations will fail and refund")
	}

	h := executor.NewHandler(gen, svc.Jobs, svc.Credits, covers)
	worker := executor.NewServer(cfg.RedisClientOpt(), cfg.QueueName, cfg.Worker.Concurrency, h)

	metricsSrv := &http.Server{
		Addr:              ":" + cfg.Worker.MetricsPort,
		Handler:           h.MetricsHandler(),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("metrics listener failed")
		}
	}()

	log.Info().
		Int("concurrency", cfg.Worker.Concurrency).
		Str("queue", cfg.QueueName).
		Str("redis", cfg.Redis.Addr).
		Str("version", version).
		Msg("starting worker")
	if err := worker.Start(); err != nil {
		log.Fatal().Err(err).Msg("worker failed")
	}

	<-ctx.Done()
	log.Info().Msg("shutting down")
	worker.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("metrics shutdown")
	}
	if err := svc.Close(); err != nil {
		log.Warn().Err(err).Msg("database close")
	}
	if err := shutdownOTel(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("otel shutdown")
	}
}
