// Balance and job HTTP handlers.
//
//   - GET /credits                          (caller's balance)
//   - GET /jobs/{collection}/{requestId}    (poll one job, ETag support)
//   - GET /jobs/{collection}                (list, paginated, ETag support)
package handlers

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-credit-ledger/internal/domain"
	"github.com/tbourn/go-credit-ledger/internal/repo"
)

// CreditsResponse is the caller's wallet as of today.
type CreditsResponse struct {
	Plan          string         `json:"plan"          example:"free"`
	Credits       domain.Credits `json:"credits"`
	Usage         domain.Credits `json:"usage"`
	LastResetDate string         `json:"lastResetDate" example:"2025-03-10"`
}

// ListJobsResponse wraps a page of jobs and pagination information.
type ListJobsResponse struct {
	Jobs       []domain.Job `json:"jobs"`
	Pagination Pagination   `json:"pagination"`
}

// GetCredits godoc
// @ID          getCredits
// @Summary     Current credit balance
// @Description Balances reflect today's reset even before the next write persists it.
// @Tags        Credits
// @Produce     json
// @Security    BearerAuth
// @Success     200  {object}  handlers.CreditsResponse
// @Failure     404  {object}  handlers.ErrorResponse  "User not provisioned"
// @Failure     500  {object}  handlers.ErrorResponse
// @Router      /credits [get]
func (h *Handlers) GetCredits(c *gin.Context) {
	uid := userID(c)
	u, err := h.users.Balance(c.Request.Context(), uid)
	if err != nil {
		writeServiceError(c, err, "credits.balance", uid, "")
		return
	}
	ok(c, http.StatusOK, CreditsResponse{
		Plan:          u.Plan,
		Credits:       u.Credits,
		Usage:         u.Usage,
		LastResetDate: u.LastResetDate,
	})
}

// GetJob godoc
// @ID          getJob
// @Summary     Poll a job
// @Tags        Jobs
// @Produce     json
// @Security    BearerAuth
// @Param       If-None-Match  header  string  false "Return 304 if ETag matches"
// @Param       collection  path  string  true  "stories | dictionary | images"
// @Param       requestId   path  string  true  "Request id"
// @Success     200  {object}  domain.Job
// @Header      200  {string}  ETag  "Weak ETag of the job version"
// @Success     304  {string}  string "Not Modified"
// @Failure     400  {object}  handlers.ErrorResponse
// @Failure     404  {object}  handlers.ErrorResponse
// @Router      /jobs/{collection}/{requestId} [get]
func (h *Handlers) GetJob(c *gin.Context) {
	uid := userID(c)
	collection, requestID := c.Param("collection"), c.Param("requestId")

	j, err := h.jobs.Get(c.Request.Context(), uid, collection, requestID)
	if err != nil {
		writeServiceError(c, err, "jobs.get", uid, requestID)
		return
	}

	etag := fmt.Sprintf(`W/"job:%s:%s:%d"`, j.Collection, j.RequestID, j.Version)
	c.Header("ETag", etag)
	if inm := c.GetHeader("If-None-Match"); inm != "" && inm == etag {
		c.Status(http.StatusNotModified)
		return
	}
	ok(c, http.StatusOK, j)
}

// ListJobs godoc
// @ID          listJobs
// @Summary     List jobs (paginated)
// @Description Returns a page of the caller's jobs in a collection, newest first. Supports weak ETag via If-None-Match.
// @Tags        Jobs
// @Produce     json
// @Security    BearerAuth
// @Param       If-None-Match  header  string  false "Return 304 if ETag matches"
// @Param       collection     path    string  true  "stories | dictionary | images"
// @Param       page           query   int     false "Page number"    minimum(1) default(1)
// @Param       page_size      query   int     false "Items per page" minimum(1) maximum(100) default(20)
// @Success     200  {object}  handlers.ListJobsResponse
// @Header      200  {string}  ETag  "Weak ETag for current result"
// @Success     304  {string}  string "Not Modified"
// @Failure     400  {object}  handlers.ErrorResponse
// @Failure     500  {object}  handlers.ErrorResponse
// @Router      /jobs/{collection} [get]
func (h *Handlers) ListJobs(c *gin.Context) {
	ctx := c.Request.Context()
	uid := userID(c)
	collection := c.Param("collection")
	page, pageSize := clampPagination(c)

	if _, known := domain.CategoryByCollection(collection); known && h.db != nil {
		count, maxTS, err := repo.JobsStats(ctx, h.db, uid, collection)
		if err == nil {
			var ts int64
			if maxTS != nil {
				ts = maxTS.UnixNano()
			}
			etag := fmt.Sprintf(`W/"jobs:%s:%s:%d:%d:%d:%d"`, uid, collection, count, ts, page, pageSize)
			c.Header("ETag", etag)
			if inm := c.GetHeader("If-None-Match"); inm != "" && inm == etag {
				c.Status(http.StatusNotModified)
				return
			}
		}
	}

	items, total, err := h.jobs.ListPage(ctx, uid, collection, page, pageSize)
	if err != nil {
		writeServiceError(c, err, "jobs.list", uid, "")
		return
	}
	ok(c, http.StatusOK, ListJobsResponse{
		Jobs:       items,
		Pagination: newPagination(page, pageSize, total),
	})
}
