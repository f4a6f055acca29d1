// Package services – CreditService
//
// This file implements CreditService, which owns the two operations that move
// credits: Reserve gates a new generation job behind an available credit and
// records the pending job, and Refund reverses a reservation for a job that
// failed. Both apply the lazy daily reset first and go through
// repo.RunOptimistic, so concurrent callers for the same user serialize on the
// user row's version.
//
// Observability: both methods are OpenTelemetry-instrumented and counted in
// credit_reservations_total / credit_refunds_total.
package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/go-credit-ledger/internal/domain"
	"github.com/tbourn/go-credit-ledger/internal/ledger"
	"github.com/tbourn/go-credit-ledger/internal/repo"
)

// CreditService reserves and refunds credits.
type CreditService struct {
	// DB is the GORM handle used for all ledger operations.
	DB *gorm.DB
	// Policy supplies the default allotment, the reset time zone and costs.
	Policy ledger.Policy
	// RecentCap bounds User.RecentRequests (0 = ledger.DefaultRecentCapacity).
	RecentCap int
	// Tx tunes the optimistic retry loop.
	Tx repo.TxOptions
	// Now is the clock; nil means time.Now.
	Now func() time.Time
}

// NewCreditService constructs a CreditService with the given policy.
func NewCreditService(db *gorm.DB, policy ledger.Policy, recentCap int, tx repo.TxOptions) *CreditService {
	return &CreditService{DB: db, Policy: policy, RecentCap: recentCap, Tx: tx}
}

// ReserveInput names the user, the bucket to spend and the job to create.
type ReserveInput struct {
	UserID     string
	Bucket     string
	Collection string
	RequestID  string
	// Fields are caller-supplied job fields stored with the pending job.
	Fields domain.JSON
}

// ReserveResult reports every bucket's balance after the reservation
// committed, with the lazy reset applied.
type ReserveResult struct {
	RemainingCredits domain.Credits `json:"remainingCredits"`
}

// RefundInput identifies the failed job whose credit is restored.
type RefundInput struct {
	UserID     string
	Bucket     string
	Collection string
	RequestID  string
}

// Reserve spends one job's worth of credit from in.Bucket and creates the
// pending job.
//
// Semantics:
//   - Input is validated before any store access (ErrInvalidInput).
//   - A request id whose job already exists is rejected (ErrDuplicateRequest).
//   - Inside an optimistic transaction: read the user (ErrUserNotFound), apply
//     the lazy reset, decrement by the bucket cost (ErrUnknownBucket,
//     ErrInsufficientCredits), append the request id to the audit trail and
//     write the user conditionally on its version.
//   - After commit the job is created with status pending, no content and no
//     refund marker. This create is not part of the transaction.
//
// Errors:
//   - ErrJobCreationFailed when the credit committed but the job could not be
//     written. The credit stays spent; the failure is logged with the user id
//     and request id for reconciliation.
//   - repo.ErrTxnExhausted when every attempt conflicted.
func (s *CreditService) Reserve(ctx context.Context, in ReserveInput) (*ReserveResult, error) {
	tr := otel.Tracer("services/CreditService")
	ctx, span := tr.Start(ctx, "Reserve",
		trace.WithAttributes(
			attribute.String("user.id", in.UserID),
			attribute.String("credit.bucket", in.Bucket),
			attribute.String("job.collection", in.Collection),
			attribute.String("job.request_id", in.RequestID),
		),
	)
	defer span.End()

	res, err := s.reserve(ctx, in)
	reservationsTotal.WithLabelValues(in.Bucket, outcome(err)).Inc()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return res, err
}

func (s *CreditService) reserve(ctx context.Context, in ReserveInput) (*ReserveResult, error) {
	if err := validateJobRef(in.UserID, in.Bucket, in.Collection, in.RequestID); err != nil {
		return nil, err
	}
	if !in.Fields.IsNull() && !json.Valid(in.Fields) {
		return nil, fmt.Errorf("%w: fields must be valid JSON", ErrInvalidInput)
	}

	// 1) Job ids are single use.
	if exists, err := repo.JobExists(ctx, s.DB, in.Collection, in.RequestID); err != nil {
		return nil, err
	} else if exists {
		return nil, ErrDuplicateRequest
	}

	// 2) Spend the credit.
	cost := s.Policy.Cost(in.Bucket)
	var remaining domain.Credits
	err := repo.RunOptimistic(ctx, s.DB, s.txOptions("reserve"), func(tx *gorm.DB) error {
		u, err := repo.GetUser(ctx, tx, in.UserID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return ErrUserNotFound
			}
			return err
		}
		now := s.now()
		next := s.Policy.Reset(*u, now)
		next, err = ledger.Decrement(next, in.Bucket, cost)
		if err != nil {
			return err
		}
		next = ledger.AppendRecent(next, in.RequestID, s.RecentCap)
		next = ledger.AddUsage(next, in.Bucket, cost)
		if err := repo.SaveUserVersioned(ctx, tx, &next, u.Version, now); err != nil {
			return err
		}
		remaining = next.Credits.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}

	// 3) Record the pending job outside the transaction.
	job := &domain.Job{
		Collection: in.Collection,
		RequestID:  in.RequestID,
		UID:        in.UserID,
		Type:       in.Bucket,
		Status:     domain.JobStatusPending,
		Fields:     in.Fields,
	}
	if err := repo.CreateJob(ctx, s.DB, job); err != nil {
		log.Error().Err(err).
			Str("user_id", in.UserID).
			Str("request_id", in.RequestID).
			Str("collection", in.Collection).
			Str("bucket", in.Bucket).
			Str("op", "reserve.create_job").
			Msg("credit reserved but job creation failed")
		return nil, fmt.Errorf("%w: %v", ErrJobCreationFailed, err)
	}

	jobTransitionsTotal.WithLabelValues(in.Collection, domain.JobStatusPending).Inc()
	return &ReserveResult{RemainingCredits: remaining}, nil
}

// Refund restores the credit of a failed job and marks it refunded.
//
// Semantics:
//   - Preconditions are checked before the transaction: the job must exist
//     (ErrJobNotFound), belong to in.UserID and have consumed in.Bucket
//     (ErrInvalidInput), not be refunded (ErrAlreadyRefunded) and be failed
//     (ErrNotFailed). A pending job is never refundable.
//   - Inside one optimistic transaction: read the user, apply the lazy reset,
//     increment the bucket, write the user; re-read the job, re-check the
//     preconditions and write refunded = true. Both writes commit or neither.
//   - There is no cap: a refund landing after a reset stacks on the fresh
//     allotment.
func (s *CreditService) Refund(ctx context.Context, in RefundInput) error {
	tr := otel.Tracer("services/CreditService")
	ctx, span := tr.Start(ctx, "Refund",
		trace.WithAttributes(
			attribute.String("user.id", in.UserID),
			attribute.String("credit.bucket", in.Bucket),
			attribute.String("job.collection", in.Collection),
			attribute.String("job.request_id", in.RequestID),
		),
	)
	defer span.End()

	err := s.refund(ctx, in)
	refundsTotal.WithLabelValues(in.Bucket, outcome(err)).Inc()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (s *CreditService) refund(ctx context.Context, in RefundInput) error {
	if err := validateJobRef(in.UserID, in.Bucket, in.Collection, in.RequestID); err != nil {
		return err
	}

	job, err := repo.GetJob(ctx, s.DB, in.Collection, in.RequestID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ErrJobNotFound
		}
		return err
	}
	if err := refundable(job, in); err != nil {
		return err
	}

	cost := s.Policy.Cost(in.Bucket)
	return repo.RunOptimistic(ctx, s.DB, s.txOptions("refund"), func(tx *gorm.DB) error {
		u, err := repo.GetUser(ctx, tx, in.UserID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return ErrUserNotFound
			}
			return err
		}
		now := s.now()
		next := s.Policy.Reset(*u, now)
		next, err = ledger.Increment(next, in.Bucket, cost)
		if err != nil {
			return err
		}
		next = ledger.AddUsage(next, in.Bucket, -cost)
		if err := repo.SaveUserVersioned(ctx, tx, &next, u.Version, now); err != nil {
			return err
		}

		j, err := repo.GetJob(ctx, tx, in.Collection, in.RequestID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return ErrJobNotFound
			}
			return err
		}
		if err := refundable(j, in); err != nil {
			return err
		}
		return repo.UpdateJobVersioned(ctx, tx, j, map[string]any{
			"refunded":   true,
			"updated_at": now,
		})
	})
}

// refundable checks the refund preconditions against a loaded job.
func refundable(j *domain.Job, in RefundInput) error {
	if j.UID != in.UserID || j.Type != in.Bucket {
		return fmt.Errorf("%w: job does not match user or bucket", ErrInvalidInput)
	}
	if j.IsRefunded() {
		return ErrAlreadyRefunded
	}
	if j.Status != domain.JobStatusFailed {
		return ErrNotFailed
	}
	return nil
}

func (s *CreditService) txOptions(op string) repo.TxOptions {
	opts := s.Tx
	next := opts.OnRetry
	opts.OnRetry = func(attempt int, err error) {
		txnConflictsTotal.WithLabelValues(op).Inc()
		if next != nil {
			next(attempt, err)
		}
	}
	return opts
}

func (s *CreditService) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

// validateJobRef rejects blank identifiers and unknown collections.
func validateJobRef(userID, bucket, collection, requestID string) error {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(bucket) == "" ||
		strings.TrimSpace(collection) == "" || strings.TrimSpace(requestID) == "" {
		return fmt.Errorf("%w: userId, creditBucket, collection and requestId are required", ErrInvalidInput)
	}
	if _, ok := domain.CategoryByCollection(collection); !ok {
		return fmt.Errorf("%w: unknown collection %q", ErrInvalidInput, collection)
	}
	return nil
}
