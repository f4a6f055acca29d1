package httpapi

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-credit-ledger/internal/auth"
	"github.com/tbourn/go-credit-ledger/internal/config"
	"github.com/tbourn/go-credit-ledger/internal/domain"
	"github.com/tbourn/go-credit-ledger/internal/http/middleware"
	"github.com/tbourn/go-credit-ledger/internal/ratelimit"
	"github.com/tbourn/go-credit-ledger/internal/repo"
	"github.com/tbourn/go-credit-ledger/internal/services"
)

// --- stubs ---

type okVerifier struct{}

func (okVerifier) Verify(_ context.Context, raw string) (*auth.Token, error) {
	if raw != "good" {
		return nil, auth.ErrInvalidToken
	}
	return &auth.Token{UID: "u1"}, nil
}

type stubCredits struct{}

func (stubCredits) Reserve(context.Context, services.ReserveInput) (*services.ReserveResult, error) {
	return &services.ReserveResult{RemainingCredits: domain.Credits{"story": 1}}, nil
}
func (stubCredits) Refund(context.Context, services.RefundInput) error { return nil }

type stubJobs struct{}

func (stubJobs) UpdateStatus(context.Context, services.UpdateStatusInput) error { return nil }
func (stubJobs) Get(context.Context, string, string, string) (*domain.Job, error) {
	return nil, services.ErrJobNotFound
}
func (stubJobs) ListPage(context.Context, string, string, int, int) ([]domain.Job, int64, error) {
	return []domain.Job{}, 0, nil
}

type stubUsers struct{}

func (stubUsers) Create(_ context.Context, id, email string) (*domain.User, error) {
	return &domain.User{ID: id, Email: email, Plan: domain.PlanFree}, nil
}
func (stubUsers) Balance(_ context.Context, id string) (*domain.User, error) {
	return &domain.User{ID: id, Plan: domain.PlanFree, Credits: domain.Credits{"story": 3}, LastResetDate: "2025-03-10"}, nil
}

type countingGenerations struct{ calls int }

func (g *countingGenerations) Start(context.Context, services.StartInput) (*services.StartResult, error) {
	g.calls++
	return &services.StartResult{RequestID: fmt.Sprintf("g%d", g.calls), Collection: "stories", RemainingCredits: domain.Credits{"story": 2}}, nil
}

type denyAll struct{}

func (denyAll) Allow(context.Context, string) (ratelimit.Decision, error) {
	return ratelimit.Decision{Allowed: false, RetryAfter: 3 * time.Second}, nil
}

type brokenAllower struct{}

func (brokenAllower) Allow(context.Context, string) (ratelimit.Decision, error) {
	return ratelimit.Decision{}, errors.New("redis: connection refused")
}

// --- helpers ---

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:routerdb_%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func testConfig() config.Config {
	return config.Config{
		APIBasePath:    "/api/v1",
		RateRPS:        100,
		RateBurst:      10,
		RateBackend:    "memory",
		IdempotencyTTL: time.Hour,
		Auth:           config.AuthConfig{InternalAPIKey: "s3cret"},
		OTEL:           config.OTELConfig{ServiceName: "test-svc"},
	}
}

func newEngine(t *testing.T, cfg config.Config, d Deps) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	if d.Credits == nil {
		d.Credits = stubCredits{}
	}
	if d.Jobs == nil {
		d.Jobs = stubJobs{}
	}
	if d.Users == nil {
		d.Users = stubUsers{}
	}
	if d.Generations == nil {
		d.Generations = &countingGenerations{}
	}
	if d.Verifier == nil {
		d.Verifier = okVerifier{}
	}
	r := gin.New()
	RegisterRoutes(r, cfg, d)
	return r
}

func send(r http.Handler, method, path string, body string, headers ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

// --- tests ---

func TestRegisterRoutes_CORSAllowAll_Health_Metrics_Fallbacks(t *testing.T) {
	r := newEngine(t, testConfig(), Deps{})

	w := send(r, http.MethodGet, "/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("GET /health = %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("AllowAllOrigins expected '*', got %q", got)
	}
	if rid := w.Header().Get("X-Request-ID"); rid == "" {
		t.Fatalf("expected X-Request-ID header to be set")
	}

	if w := send(r, http.MethodGet, "/metrics", ""); w.Code != http.StatusOK || w.Body.Len() == 0 {
		t.Fatalf("GET /metrics bad: code=%d len=%d", w.Code, w.Body.Len())
	}
	if w := send(r, http.MethodGet, "/nope", ""); w.Code != http.StatusNotFound {
		t.Fatalf("GET /nope expected 404, got %d", w.Code)
	}
	if w := send(r, http.MethodPost, "/health", ""); w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("POST /health expected 405, got %d", w.Code)
	}
	if w := send(r, http.MethodGet, "/swagger/doc.json", ""); w.Code != http.StatusOK || !bytes.Contains(w.Body.Bytes(), []byte("/internal/credits/reserve")) {
		t.Fatalf("GET /swagger/doc.json bad: code=%d", w.Code)
	}
}

func TestRegisterRoutes_CORSWithOrigins_HeaderEcho(t *testing.T) {
	cfg := testConfig()
	cfg.CORS = config.CORSConfig{AllowedOrigins: []string{"http://example.com"}}
	r := newEngine(t, cfg, Deps{})

	w := send(r, http.MethodGet, "/health", "", "Origin", "http://example.com")
	if w.Code != http.StatusOK {
		t.Fatalf("GET /health = %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://example.com" {
		t.Fatalf("expected ACAO echo, got %q", got)
	}
}

func TestRegisterRoutes_InternalRequiresKey(t *testing.T) {
	r := newEngine(t, testConfig(), Deps{})
	body := `{"userId":"u1","email":"a@example.com"}`

	if w := send(r, http.MethodPost, "/internal/users", body); w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without key, got %d", w.Code)
	}
	if w := send(r, http.MethodPost, "/internal/users", body, middleware.HeaderInternalAPIKey, "wrong"); w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 with wrong key, got %d", w.Code)
	}
	if w := send(r, http.MethodPost, "/internal/users", body, middleware.HeaderInternalAPIKey, "s3cret"); w.Code != http.StatusCreated {
		t.Fatalf("expected 201 with key, got %d: %s", w.Code, w.Body.String())
	}
	// Internal routes do not take end-user tokens.
	if w := send(r, http.MethodPost, "/internal/credits/refund", body, "Authorization", "Bearer good"); w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for bearer token on internal route, got %d", w.Code)
	}
}

func TestRegisterRoutes_PublicRequiresToken(t *testing.T) {
	r := newEngine(t, testConfig(), Deps{})

	w := send(r, http.MethodGet, "/api/v1/credits", "")
	if w.Code != http.StatusUnauthorized || w.Header().Get("WWW-Authenticate") == "" {
		t.Fatalf("expected 401 with challenge, got %d", w.Code)
	}
	if w := send(r, http.MethodGet, "/api/v1/credits", "", "Authorization", "Bearer bad"); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for invalid token, got %d", w.Code)
	}
	if w := send(r, http.MethodGet, "/api/v1/credits", "", "Authorization", "Bearer good"); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestRegisterRoutes_GzipOnReads(t *testing.T) {
	r := newEngine(t, testConfig(), Deps{})

	w := send(r, http.MethodGet, "/api/v1/credits", "", "Authorization", "Bearer good", "Accept-Encoding", "gzip")
	if w.Code != http.StatusOK || w.Header().Get("Content-Encoding") != "gzip" {
		t.Fatalf("expected gzip-encoded 200, got %d %q", w.Code, w.Header().Get("Content-Encoding"))
	}
	w = send(r, http.MethodPost, "/api/v1/generations/story", "", "Authorization", "Bearer good", "Accept-Encoding", "gzip")
	if w.Code != http.StatusCreated || w.Header().Get("Content-Encoding") != "" {
		t.Fatalf("expected plain 201 on POST, got %d %q", w.Code, w.Header().Get("Content-Encoding"))
	}
}

func TestRegisterRoutes_IdempotentReplayBypassesLimiter(t *testing.T) {
	cfg := testConfig()
	cfg.RateRPS = 0.001
	cfg.RateBurst = 1
	db := newTestDB(t)
	gens := &countingGenerations{}
	r := newEngine(t, cfg, Deps{DB: db, Generations: gens})

	hdr := []string{"Authorization", "Bearer good", middleware.HeaderIdempotencyKey, "k-1"}
	if w := send(r, http.MethodPost, "/api/v1/generations/story", "", hdr...); w.Code != http.StatusCreated {
		t.Fatalf("first: expected 201, got %d: %s", w.Code, w.Body.String())
	}

	// The bucket is empty now; a replay still answers from the stored record.
	w := send(r, http.MethodPost, "/api/v1/generations/story", "", hdr...)
	if w.Code != http.StatusCreated || w.Header().Get("Idempotency-Replayed") != "true" {
		t.Fatalf("replay: expected 201 replay, got %d %v", w.Code, w.Header())
	}
	if gens.calls != 1 {
		t.Fatalf("expected one generation, got %d", gens.calls)
	}

	w = send(r, http.MethodPost, "/api/v1/generations/story", "", "Authorization", "Bearer good")
	if w.Code != http.StatusTooManyRequests || w.Header().Get("Retry-After") == "" {
		t.Fatalf("expected 429 for a fresh request, got %d", w.Code)
	}

	if w := send(r, http.MethodPost, "/api/v1/generations/story", "", "Authorization", "Bearer good", middleware.HeaderIdempotencyKey, "bad key!"); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed key, got %d", w.Code)
	}
}

func TestRegisterRoutes_RedisBackend(t *testing.T) {
	cfg := testConfig()
	cfg.RateBackend = "redis"

	r := newEngine(t, cfg, Deps{Limiter: denyAll{}})
	w := send(r, http.MethodGet, "/api/v1/credits", "", "Authorization", "Bearer good")
	if w.Code != http.StatusTooManyRequests || w.Header().Get("Retry-After") != "3" {
		t.Fatalf("expected 429 with Retry-After 3, got %d %q", w.Code, w.Header().Get("Retry-After"))
	}

	r = newEngine(t, cfg, Deps{Limiter: brokenAllower{}})
	if w := send(r, http.MethodGet, "/api/v1/credits", "", "Authorization", "Bearer good"); w.Code != http.StatusOK {
		t.Fatalf("expected fail-open 200, got %d", w.Code)
	}
}

func TestIdempotencyLookup(t *testing.T) {
	if idempotencyLookup(nil) != nil {
		t.Fatalf("expected nil lookup without a DB")
	}
	db := newTestDB(t)
	ctx := context.Background()
	lookup := idempotencyLookup(db)
	now := time.Now().UTC()

	if hit, _ := lookup(ctx, "u1", "/api/v1/generations/story", "k", now); hit {
		t.Fatalf("expected miss on empty table")
	}
	if _, err := repo.CreateIdempotency(ctx, db, "u1", "/api/v1/generations/story", "k", "stories", "r1", http.StatusCreated, time.Hour); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if hit, _ := lookup(ctx, "u1", "/api/v1/generations/story", "k", now); !hit {
		t.Fatalf("expected hit")
	}
	if hit, _ := lookup(ctx, "u1", "/api/v1/generations/story", "k", now.Add(2*time.Hour)); hit {
		t.Fatalf("expected expired record to miss")
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db.DB(): %v", err)
	}
	_ = sqlDB.Close()
	if hit, err := lookup(ctx, "u1", "/api/v1/generations/story", "k", now); hit || err != nil {
		t.Fatalf("lookup errors must read as a miss, got %v %v", hit, err)
	}
}

func Test_limitBody_Middleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(limitBody(10))
	r.POST("/echo", func(c *gin.Context) {
		if _, err := io.ReadAll(c.Request.Body); err != nil {
			c.String(http.StatusRequestEntityTooLarge, "too big")
			return
		}
		c.String(http.StatusOK, "ok")
	})

	w := send(r, http.MethodPost, "/echo", "0123456789AB")
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413 from limitBody, got %d", w.Code)
	}
}

func Test_groupWithPrefix(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()

	groupWithPrefix(r, "/").GET("/one", func(c *gin.Context) { c.String(http.StatusOK, "one") })
	groupWithPrefix(r, "").GET("/two", func(c *gin.Context) { c.String(http.StatusOK, "two") })
	groupWithPrefix(r, "/api").GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })

	for path, want := range map[string]string{"/one": "one", "/two": "two", "/api/ping": "pong"} {
		w := send(r, http.MethodGet, path, "")
		if w.Code != http.StatusOK || w.Body.String() != want {
			t.Fatalf("GET %s got %d %q", path, w.Code, w.Body.String())
		}
	}
}
