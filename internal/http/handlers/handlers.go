// Package handlers implements the HTTP endpoints of the credit ledger.
//
// Two audiences are served:
//   - internal routes (reserve, refund, status updates, provisioning) called
//     by the generation worker and trusted backends behind X-Internal-API-Key;
//   - public routes (start a generation, read balance, poll jobs) called by
//     end users with a Firebase ID token.
//
// Handlers are transport-thin: they bind input, call a service, and map the
// service's sentinel errors to status codes (see writeServiceError).
package handlers

import (
	"context"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/tbourn/go-credit-ledger/internal/domain"
	"github.com/tbourn/go-credit-ledger/internal/http/middleware"
	"github.com/tbourn/go-credit-ledger/internal/services"
)

//
// Service contracts (context-aware)
//

// CreditService reserves and refunds credits.
type CreditService interface {
	Reserve(ctx context.Context, in services.ReserveInput) (*services.ReserveResult, error)
	Refund(ctx context.Context, in services.RefundInput) error
}

// JobService applies status updates and serves job reads.
type JobService interface {
	UpdateStatus(ctx context.Context, in services.UpdateStatusInput) error
	Get(ctx context.Context, uid, collection, requestID string) (*domain.Job, error)
	ListPage(ctx context.Context, uid, collection string, page, pageSize int) ([]domain.Job, int64, error)
}

// UserService provisions users and reports balances.
type UserService interface {
	Create(ctx context.Context, userID, email string) (*domain.User, error)
	Balance(ctx context.Context, userID string) (*domain.User, error)
}

// GenerationService starts end-user generations.
type GenerationService interface {
	Start(ctx context.Context, in services.StartInput) (*services.StartResult, error)
}

//
// Handler wiring
//

// Deps are the collaborators of Handlers. DB is optional: without it list
// ETags and Idempotency-Key replays are disabled.
type Deps struct {
	Credits     CreditService
	Jobs        JobService
	Users       UserService
	Generations GenerationService

	DB             *gorm.DB
	IdempotencyTTL time.Duration
}

// Handlers groups the HTTP endpoints.
type Handlers struct {
	credits     CreditService
	jobs        JobService
	users       UserService
	generations GenerationService

	db      *gorm.DB
	idemTTL time.Duration
}

// New constructs Handlers. IdempotencyTTL defaults to 24h.
func New(d Deps) *Handlers {
	ttl := d.IdempotencyTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Handlers{
		credits:     d.Credits,
		jobs:        d.Jobs,
		users:       d.Users,
		generations: d.Generations,
		db:          d.DB,
		idemTTL:     ttl,
	}
}

// userID returns the authenticated uid set by FirebaseAuth.
func userID(c *gin.Context) string { return middleware.UserID(c) }

// Pagination carries pagination metadata for list responses.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

// clampPagination parses page and page_size, bounding page_size to [1, 100].
func clampPagination(c *gin.Context) (page, pageSize int) {
	const (
		defaultPage     = 1
		defaultPageSize = 20
		maxPageSize     = 100
	)
	page = atoiDefault(c.Query("page"), defaultPage)
	if page < 1 {
		page = 1
	}
	pageSize = atoiDefault(c.Query("page_size"), defaultPageSize)
	if pageSize < 1 {
		pageSize = 1
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	return
}

func newPagination(page, pageSize int, total int64) Pagination {
	totalPages := int((total + int64(pageSize) - 1) / int64(pageSize))
	return Pagination{
		Page:       page,
		PageSize:   pageSize,
		Total:      total,
		TotalPages: totalPages,
		HasNext:    page < totalPages,
	}
}

// atoiDefault parses s, returning def when s is empty or not an integer.
func atoiDefault(s string, def int) int {
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}
