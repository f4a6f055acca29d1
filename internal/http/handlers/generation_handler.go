// Generation HTTP handler.
//
//   - POST /generations/{kind}   (reserve a credit and enqueue the job)
//
// Idempotency:
// When the client sends an Idempotency-Key and an earlier request with the same
// key on the same path succeeded, the stored job reference is returned with
// `Idempotency-Replayed: true` and no credit is spent.
package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-credit-ledger/internal/domain"
	"github.com/tbourn/go-credit-ledger/internal/http/middleware"
	"github.com/tbourn/go-credit-ledger/internal/repo"
	"github.com/tbourn/go-credit-ledger/internal/services"
)

// StartGenerationRequest is the optional JSON body of a generation request.
type StartGenerationRequest struct {
	// StoryID names the story a cover image is generated for (kind "image").
	StoryID string `json:"storyId,omitempty" example:"req_01"`
	// Fields are the generation inputs, stored with the job.
	Fields json.RawMessage `json:"fields,omitempty" swaggertype:"object"`
}

// GenerationResponse identifies the scheduled job. RemainingCredits holds
// every bucket's balance after the reservation and is absent on replays.
type GenerationResponse struct {
	RequestID        string         `json:"requestId"  example:"5f0c8a9e-9f57-4a43-8d53-0a2b8f9b7d10"`
	Collection       string         `json:"collection" example:"stories"`
	RemainingCredits domain.Credits `json:"remainingCredits,omitempty" swaggertype:"object,integer"`
}

// StartGeneration godoc
// @ID          startGeneration
// @Summary     Start a generation
// @Description Spends one credit from the kind's bucket and schedules the job. Poll GET /jobs/{collection}/{requestId} for the result.
// @Tags        Generations
// @Accept      json
// @Produce     json
// @Security    BearerAuth
// @Param       Idempotency-Key  header  string  false "Idempotency key for safe retries"
// @Param       kind  path  string  true  "story | definition | image"
// @Param       body  body  handlers.StartGenerationRequest  false  "Inputs"
// @Success     201  {object}  handlers.GenerationResponse
// @Failure     400  {object}  handlers.ErrorResponse
// @Failure     404  {object}  handlers.ErrorResponse  "User or story not found"
// @Failure     429  {object}  handlers.ErrorResponse  "Insufficient credits or rate limited"
// @Failure     500  {object}  handlers.ErrorResponse
// @Router      /generations/{kind} [post]
func (h *Handlers) StartGeneration(c *gin.Context) {
	ctx := c.Request.Context()
	uid := userID(c)
	if uid == "" {
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "authentication required")
		return
	}

	var req StartGenerationRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}

	idemKey, _ := middleware.GetIdempotencyKey(c)
	scope := middleware.IdempotencyScope(c)
	if idemKey != "" && h.db != nil {
		rec, err := repo.GetIdempotency(ctx, h.db, uid, scope, idemKey, time.Now().UTC())
		if err == nil && rec != nil {
			c.Header("Idempotency-Replayed", "true")
			ok(c, rec.Status, GenerationResponse{RequestID: rec.RequestID, Collection: rec.Collection})
			return
		}
	}

	res, err := h.generations.Start(ctx, services.StartInput{
		UserID:  uid,
		Kind:    c.Param("kind"),
		StoryID: req.StoryID,
		Fields:  domain.JSON(req.Fields),
	})
	if err != nil {
		writeServiceError(c, err, "generations.start", uid, "")
		return
	}

	if idemKey != "" && h.db != nil {
		if _, err := repo.CreateIdempotency(ctx, h.db, uid, scope, idemKey, res.Collection, res.RequestID, http.StatusCreated, h.idemTTL); err != nil {
			middleware.LoggerFrom(c).Warn().Err(err).Str("request_id", res.RequestID).Msg("store idempotency record")
		}
	}

	ok(c, http.StatusCreated, GenerationResponse{
		RequestID:        res.RequestID,
		Collection:       res.Collection,
		RemainingCredits: res.RemainingCredits,
	})
}
