// Package services defines the business logic for credit reservation, the
// job lifecycle, refunds, user provisioning and generation requests.
// This file centralizes the service-level error values so that they can be
// consistently returned by service methods and checked by callers.
//
// Translation into user-facing messages or HTTP status codes is performed at
// the handler layer.
package services

import (
	"errors"

	"github.com/tbourn/go-credit-ledger/internal/ledger"
)

// Ledger errors, re-exported so callers only need this package.
var (
	// ErrInsufficientCredits indicates the bucket holds fewer units than the
	// job costs.
	ErrInsufficientCredits = ledger.ErrInsufficientCredits

	// ErrUnknownBucket indicates the user's credit map has no such bucket.
	ErrUnknownBucket = ledger.ErrUnknownBucket
)

// Validation and lookup errors.
var (
	// ErrInvalidInput is returned when a request is missing required fields or
	// names something that does not fit together (e.g. a bucket that does not
	// match the job). It is raised before any write.
	ErrInvalidInput = errors.New("invalid input")

	// ErrUserNotFound indicates that the user record does not exist.
	ErrUserNotFound = errors.New("user not found")

	// ErrUserExists is returned when provisioning an id that is already taken.
	ErrUserExists = errors.New("user already exists")

	// ErrJobNotFound indicates that no job exists under (collection, requestId),
	// or that it is not visible to the caller.
	ErrJobNotFound = errors.New("job not found")

	// ErrUnknownKind is returned for a generation kind outside the category
	// registry.
	ErrUnknownKind = errors.New("unknown generation kind")
)

// Lifecycle and refund conflicts.
var (
	// ErrAlreadyCompleted is returned when a completion signal arrives for a
	// job that is already completed, or a cover arrives twice.
	ErrAlreadyCompleted = errors.New("job already completed")

	// ErrAlreadyFailed is returned when a completion or status update arrives
	// for a job that already failed.
	ErrAlreadyFailed = errors.New("job already failed")

	// ErrStoryAlreadyFailed is returned when a cover image targets a failed job.
	ErrStoryAlreadyFailed = errors.New("story already failed")

	// ErrCoverNotSupported is returned when a cover image targets a category
	// without cover images.
	ErrCoverNotSupported = errors.New("category does not support cover images")

	// ErrAlreadyRefunded is returned when the job's credit was already restored.
	ErrAlreadyRefunded = errors.New("job already refunded")

	// ErrNotFailed is returned when a refund targets a job that has not failed.
	ErrNotFailed = errors.New("job has not failed")

	// ErrDuplicateRequest is returned when a reservation reuses a request id
	// whose job already exists.
	ErrDuplicateRequest = errors.New("request id already used")
)

// Infrastructure errors.
var (
	// ErrJobCreationFailed means the credit was spent but the pending job
	// could not be written. The gap is not healed automatically.
	ErrJobCreationFailed = errors.New("job creation failed after credit reservation")

	// ErrEnqueueFailed means the job was reserved but could not be handed to
	// the worker queue; the reservation was compensated.
	ErrEnqueueFailed = errors.New("could not enqueue generation")
)
