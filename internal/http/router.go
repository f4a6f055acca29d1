// Package httpapi wires the HTTP transport (Gin) to the ledger services,
// middleware, and route handlers. It centralizes cross-cutting concerns such
// as tracing, correlation IDs, logging/redaction, panic recovery, metrics,
// CORS, security headers, authentication, idempotency, and rate limiting.
//
// Two surfaces are mounted:
//   - /internal/*: trusted callers (the generation worker, provisioning),
//     authenticated by a shared secret header.
//   - cfg.APIBasePath (e.g. /api/v1): end users, authenticated by Firebase
//     ID tokens, rate limited per user.
package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	"github.com/tbourn/go-credit-ledger/internal/config"
	_ "github.com/tbourn/go-credit-ledger/internal/http/docs" // swagger spec
	"github.com/tbourn/go-credit-ledger/internal/http/handlers"
	"github.com/tbourn/go-credit-ledger/internal/http/middleware"
	"github.com/tbourn/go-credit-ledger/internal/repo"
)

// Deps are the collaborators RegisterRoutes mounts. Services are injected so
// the server binary decides how they are built.
type Deps struct {
	DB          *gorm.DB
	Credits     handlers.CreditService
	Jobs        handlers.JobService
	Users       handlers.UserService
	Generations handlers.GenerationService

	// Verifier checks Firebase ID tokens on the public API.
	Verifier middleware.TokenVerifier
	// Limiter backs the public rate limit when cfg.RateBackend is "redis".
	// Nil falls back to the in-process limiter.
	Limiter middleware.Allower
}

var corsHeaders = []string{"Origin", "Content-Type", "Accept", "Authorization", middleware.HeaderIdempotencyKey}

// RegisterRoutes attaches all middleware and HTTP endpoints to the given Gin
// engine.
//
// Middleware order matters:
//  1. OpenTelemetry: trace everything
//  2. RequestID: generate/propagate correlation id
//  3. RedactingLogger: structured logs with PII scrubbing
//  4. Recovery: capture panics after logger
//  5. Body size limiter
//  6. Metrics
//  7. CORS and Security headers
//
// The public group then adds FirebaseAuth, the idempotency validator (after
// auth, so replays are scoped to the caller) and the rate limiter (bypassed
// on replay).
func RegisterRoutes(r *gin.Engine, cfg config.Config, d Deps) {
	r.HandleMethodNotAllowed = true

	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))
	r.Use(middleware.RequestID())
	r.Use(middleware.RedactingLogger(middleware.RedactOptions{}))
	r.Use(middleware.Recovery())
	r.Use(limitBody(1 << 20))

	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.Use(corsMiddleware(cfg.CORS.AllowedOrigins)...)
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:   cfg.Security.EnableHSTS,
		HSTSMaxAge:   cfg.Security.HSTSMaxAge,
		NoStore:      false,
		EnablePolicy: true,
	}))

	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	h := handlers.New(handlers.Deps{
		Credits:        d.Credits,
		Jobs:           d.Jobs,
		Users:          d.Users,
		Generations:    d.Generations,
		DB:             d.DB,
		IdempotencyTTL: cfg.IdempotencyTTL,
	})

	internal := r.Group("/internal", middleware.InternalAPIKey(cfg.Auth.InternalAPIKey))
	{
		internal.POST("/credits/reserve", h.Reserve)
		internal.POST("/credits/refund", h.Refund)
		internal.POST("/generations/update", h.UpdateGeneration)
		internal.POST("/users", h.CreateUser)
	}

	api := groupWithPrefix(r, cfg.APIBasePath)
	api.Use(middleware.FirebaseAuth(d.Verifier))
	api.Use(middleware.IdempotencyValidator(middleware.IdempotencyOptions{MaxLen: 200}, idempotencyLookup(d.DB)))
	api.Use(rateLimit(cfg, d.Limiter))
	{
		api.POST("/generations/:kind", h.StartGeneration)

		reads := api.Group("", gzip.Gzip(gzip.DefaultCompression))
		reads.GET("/credits", h.GetCredits)
		reads.GET("/jobs/:collection", h.ListJobs)
		reads.GET("/jobs/:collection/:requestId", h.GetJob)
	}
}

// idempotencyLookup reports whether a live idempotency record exists. Lookup
// errors read as a miss; the handler repeats the lookup before replaying.
func idempotencyLookup(db *gorm.DB) middleware.IdempotencyLookup {
	if db == nil {
		return nil
	}
	return func(ctx context.Context, userID, scope, key string, now time.Time) (bool, error) {
		rec, err := repo.GetIdempotency(ctx, db, userID, scope, key, now)
		if err != nil || rec == nil {
			return false, nil
		}
		return true, nil
	}
}

// rateLimit picks the shared Redis bucket when configured, else a per-process
// token bucket.
func rateLimit(cfg config.Config, shared middleware.Allower) gin.HandlerFunc {
	if strings.EqualFold(cfg.RateBackend, "redis") && shared != nil {
		return middleware.DistributedRateLimit(shared, middleware.KeyByUserOrIP())
	}
	return middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByUserOrIP()).Handler()
}

// corsMiddleware allows every origin when none are configured; otherwise it
// echoes allowlisted origins.
func corsMiddleware(origins []string) []gin.HandlerFunc {
	if len(origins) == 0 {
		return []gin.HandlerFunc{
			// ACAO is forced even without an Origin header so health checks see it.
			func(c *gin.Context) {
				c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
				c.Next()
			},
			cors.New(cors.Config{
				AllowAllOrigins:  true,
				AllowMethods:     []string{"GET", "POST", "OPTIONS"},
				AllowHeaders:     corsHeaders,
				ExposeHeaders:    []string{"X-Request-ID", "Content-Length", "ETag", "Retry-After", "Idempotency-Replayed"},
				AllowCredentials: false,
				MaxAge:           12 * time.Hour,
			}),
		}
	}

	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		allowed[o] = struct{}{}
	}
	return []gin.HandlerFunc{
		func(c *gin.Context) {
			if origin := c.GetHeader("Origin"); origin != "" {
				if _, ok := allowed[origin]; ok {
					h := c.Writer.Header()
					h.Set("Access-Control-Allow-Origin", origin)
					h.Add("Vary", "Origin")
				}
			}
			c.Next()
		},
		cors.New(cors.Config{
			AllowOrigins:     origins,
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:     corsHeaders,
			ExposeHeaders:    []string{"X-Request-ID", "Content-Length", "ETag", "Retry-After", "Idempotency-Replayed"},
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}),
	}
}

// limitBody caps the request body size at maxBytes using http.MaxBytesReader.
// Requests exceeding the cap cause downstream body reads to error.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// groupWithPrefix mounts a group at prefix, treating "/" (or empty) as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}
