// Internal HTTP handlers.
//
// These endpoints are mounted under /internal behind the shared-secret
// middleware and are called by the generation worker and trusted backends:
//   - POST /internal/credits/reserve
//   - POST /internal/credits/refund
//   - POST /internal/generations/update
//   - POST /internal/users
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-credit-ledger/internal/domain"
	"github.com/tbourn/go-credit-ledger/internal/services"
)

//
// DTOs
//

// ReserveRequest is the JSON payload for reserving a credit.
type ReserveRequest struct {
	UserID       string          `json:"userId"       binding:"required" example:"uid_123"`
	CreditBucket string          `json:"creditBucket" binding:"required" example:"story"`
	Collection   string          `json:"collection"   binding:"required" example:"stories"`
	RequestID    string          `json:"requestId"    binding:"required" example:"req_01"`
	Fields       json.RawMessage `json:"fields,omitempty" swaggertype:"object"`
}

// RefundRequest is the JSON payload for refunding a failed job.
type RefundRequest struct {
	UserID       string `json:"userId"       binding:"required" example:"uid_123"`
	CreditBucket string `json:"creditBucket" binding:"required" example:"story"`
	Collection   string `json:"collection"   binding:"required" example:"stories"`
	RequestID    string `json:"requestId"    binding:"required" example:"req_01"`
}

// RefundResponse confirms a refund.
type RefundResponse struct {
	Refunded bool `json:"refunded" example:"true"`
}

// UpdateGenerationRequest is a status update from the worker. Content is the
// generated result for "completed" and the cover URL string for
// "completed-with-image".
type UpdateGenerationRequest struct {
	Collection string          `json:"collection" binding:"required" example:"stories"`
	RequestID  string          `json:"requestId"  binding:"required" example:"req_01"`
	Status     string          `json:"status"     binding:"required" example:"completed"`
	Content    json.RawMessage `json:"content,omitempty" swaggertype:"object"`
}

// UpdateGenerationResponse echoes the applied status.
type UpdateGenerationResponse struct {
	Status string `json:"status" example:"completed"`
}

// CreateUserRequest provisions a user with the default allotment.
type CreateUserRequest struct {
	UserID string `json:"userId" binding:"required" example:"uid_123"`
	Email  string `json:"email"  example:"reader@example.com"`
}

//
// Handlers
//

// Reserve godoc
// @ID          reserveCredit
// @Summary     Reserve one credit and create the pending job
// @Tags        Internal
// @Accept      json
// @Produce     json
// @Param       X-Internal-API-Key  header  string  true  "Shared secret"
// @Param       body  body  handlers.ReserveRequest  true  "Reservation"
// @Success     200  {object}  services.ReserveResult
// @Failure     400  {object}  handlers.ErrorResponse
// @Failure     404  {object}  handlers.ErrorResponse  "User not found"
// @Failure     409  {object}  handlers.ErrorResponse  "Request id already used"
// @Failure     429  {object}  handlers.ErrorResponse  "Insufficient credits"
// @Failure     500  {object}  handlers.ErrorResponse
// @Router      /internal/credits/reserve [post]
func (h *Handlers) Reserve(c *gin.Context) {
	var req ReserveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "userId, creditBucket, collection and requestId are required")
		return
	}
	res, err := h.credits.Reserve(c.Request.Context(), services.ReserveInput{
		UserID:     req.UserID,
		Bucket:     req.CreditBucket,
		Collection: req.Collection,
		RequestID:  req.RequestID,
		Fields:     domain.JSON(req.Fields),
	})
	if err != nil {
		writeServiceError(c, err, "reserve", req.UserID, req.RequestID)
		return
	}
	ok(c, http.StatusOK, res)
}

// Refund godoc
// @ID          refundCredit
// @Summary     Refund the credit of a failed job (at most once)
// @Tags        Internal
// @Accept      json
// @Produce     json
// @Param       X-Internal-API-Key  header  string  true  "Shared secret"
// @Param       body  body  handlers.RefundRequest  true  "Refund"
// @Success     200  {object}  handlers.RefundResponse
// @Failure     400  {object}  handlers.ErrorResponse
// @Failure     404  {object}  handlers.ErrorResponse
// @Failure     409  {object}  handlers.ErrorResponse  "Already refunded or not failed"
// @Failure     500  {object}  handlers.ErrorResponse
// @Router      /internal/credits/refund [post]
func (h *Handlers) Refund(c *gin.Context) {
	var req RefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "userId, creditBucket, collection and requestId are required")
		return
	}
	err := h.credits.Refund(c.Request.Context(), services.RefundInput{
		UserID:     req.UserID,
		Bucket:     req.CreditBucket,
		Collection: req.Collection,
		RequestID:  req.RequestID,
	})
	if err != nil {
		writeServiceError(c, err, "refund", req.UserID, req.RequestID)
		return
	}
	ok(c, http.StatusOK, RefundResponse{Refunded: true})
}

// UpdateGeneration godoc
// @ID          updateGeneration
// @Summary     Apply a job status update from the worker
// @Tags        Internal
// @Accept      json
// @Produce     json
// @Param       X-Internal-API-Key  header  string  true  "Shared secret"
// @Param       body  body  handlers.UpdateGenerationRequest  true  "Status update"
// @Success     200  {object}  handlers.UpdateGenerationResponse
// @Failure     400  {object}  handlers.ErrorResponse
// @Failure     404  {object}  handlers.ErrorResponse
// @Failure     409  {object}  handlers.ErrorResponse  "Already completed or failed"
// @Failure     500  {object}  handlers.ErrorResponse
// @Router      /internal/generations/update [post]
func (h *Handlers) UpdateGeneration(c *gin.Context) {
	var req UpdateGenerationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "collection, requestId and status are required")
		return
	}
	err := h.jobs.UpdateStatus(c.Request.Context(), services.UpdateStatusInput{
		Collection: req.Collection,
		RequestID:  req.RequestID,
		Status:     req.Status,
		Content:    domain.JSON(req.Content),
	})
	if err != nil {
		writeServiceError(c, err, "generations.update", "", req.RequestID)
		return
	}
	ok(c, http.StatusOK, UpdateGenerationResponse{Status: req.Status})
}

// CreateUser godoc
// @ID          createUser
// @Summary     Provision a user with the default daily allotment
// @Tags        Internal
// @Accept      json
// @Produce     json
// @Param       X-Internal-API-Key  header  string  true  "Shared secret"
// @Param       body  body  handlers.CreateUserRequest  true  "User"
// @Success     201  {object}  domain.User
// @Failure     400  {object}  handlers.ErrorResponse
// @Failure     409  {object}  handlers.ErrorResponse  "User exists"
// @Failure     500  {object}  handlers.ErrorResponse
// @Router      /internal/users [post]
func (h *Handlers) CreateUser(c *gin.Context) {
	var req CreateUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "userId is required")
		return
	}
	u, err := h.users.Create(c.Request.Context(), req.UserID, req.Email)
	if err != nil {
		writeServiceError(c, err, "users.create", req.UserID, "")
		return
	}
	ok(c, http.StatusCreated, u)
}
