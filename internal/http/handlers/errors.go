// Package handlers: error codes and the service-error mapping.
//
// Codes are stable, lowercase snake_case strings clients can branch on.
// Every error response is an ErrorResponse carrying one of them.
//
// Example response:
//
//	HTTP/1.1 429 Too Many Requests
//	{
//	  "request_id": "e1b9be03-4999-4289-9f03-999b042d65d6",
//	  "code": "insufficient_credits",
//	  "message": "insufficient credits"
//	}
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-credit-ledger/internal/http/middleware"
	"github.com/tbourn/go-credit-ledger/internal/services"
)

const (
	ErrCodeBadRequest       = "bad_request"
	ErrCodeUnauthorized     = "unauthorized"
	ErrCodeForbidden        = "forbidden"
	ErrCodeNotFound         = "not_found"
	ErrCodeConflict         = "conflict"
	ErrCodeInternal         = "internal_error"
	ErrCodeMethodNotAllowed = "method_not_allowed"

	// Ledger:
	ErrCodeInsufficientCredits = "insufficient_credits"
	ErrCodeUnknownBucket       = "unknown_bucket"
	ErrCodeUnknownKind         = "unknown_kind"
	ErrCodeUserNotFound        = "user_not_found"
	ErrCodeUserExists          = "user_exists"
	ErrCodeDuplicateRequest    = "duplicate_request"
	ErrCodeJobNotFound         = "job_not_found"
	ErrCodeAlreadyRefunded     = "already_refunded"
	ErrCodeNotFailed           = "not_failed"
	ErrCodeAlreadyCompleted    = "already_completed"
	ErrCodeAlreadyFailed       = "already_failed"
	ErrCodeStoryAlreadyFailed  = "story_already_failed"
	ErrCodeCoverNotSupported   = "cover_not_supported"
)

type errMapping struct {
	err    error
	status int
	code   string
	msg    string
}

// Order matters only where sentinels wrap each other; none currently do.
var errMappings = []errMapping{
	{services.ErrInsufficientCredits, http.StatusTooManyRequests, ErrCodeInsufficientCredits, "insufficient credits"},
	{services.ErrUnknownBucket, http.StatusBadRequest, ErrCodeUnknownBucket, "unknown credit bucket"},
	{services.ErrUnknownKind, http.StatusBadRequest, ErrCodeUnknownKind, "unknown generation kind"},
	{services.ErrCoverNotSupported, http.StatusBadRequest, ErrCodeCoverNotSupported, "collection does not support cover images"},
	{services.ErrUserNotFound, http.StatusNotFound, ErrCodeUserNotFound, "user not found"},
	{services.ErrJobNotFound, http.StatusNotFound, ErrCodeJobNotFound, "job not found"},
	{services.ErrUserExists, http.StatusConflict, ErrCodeUserExists, "user already exists"},
	{services.ErrDuplicateRequest, http.StatusConflict, ErrCodeDuplicateRequest, "request id already used"},
	{services.ErrAlreadyRefunded, http.StatusConflict, ErrCodeAlreadyRefunded, "job already refunded"},
	{services.ErrNotFailed, http.StatusConflict, ErrCodeNotFailed, "job has not failed"},
	{services.ErrAlreadyCompleted, http.StatusConflict, ErrCodeAlreadyCompleted, "job already completed"},
	{services.ErrStoryAlreadyFailed, http.StatusConflict, ErrCodeStoryAlreadyFailed, "story already failed"},
	{services.ErrAlreadyFailed, http.StatusConflict, ErrCodeAlreadyFailed, "job already failed"},
}

// writeServiceError maps a service error to a response. Invalid input keeps
// its message, which never carries store detail. Anything unmapped is a 500
// with an opaque message, logged with the caller, request and operation.
func writeServiceError(c *gin.Context, err error, op, uid, requestID string) {
	for _, m := range errMappings {
		if errors.Is(err, m.err) {
			fail(c, m.status, m.code, m.msg)
			return
		}
	}
	if errors.Is(err, services.ErrInvalidInput) {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
		return
	}

	_ = c.Error(err)
	middleware.LoggerFrom(c).Error().
		Err(err).
		Str("op", op).
		Str("user_id", uid).
		Str("job_request_id", requestID).
		Msg("request failed")
	fail(c, http.StatusInternalServerError, ErrCodeInternal, "internal server error")
}
