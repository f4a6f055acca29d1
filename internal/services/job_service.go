// Package services – JobService
//
// This file implements JobService, the state machine over generation jobs:
//
//	pending -> completed
//	pending -> failed
//	pending|completed -> (cover image attached), for categories with covers
//	pending -> <auxiliary label>, any number of times
//
// completed and failed are terminal. Every transition runs as an optimistic
// transaction on the job's version, so duplicate or racing signals from the
// generation worker resolve to exactly one winner and a conflict error for
// the rest.
package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/go-credit-ledger/internal/domain"
	"github.com/tbourn/go-credit-ledger/internal/repo"
)

// JobService applies lifecycle transitions and serves job reads.
type JobService struct {
	DB  *gorm.DB
	Tx  repo.TxOptions
	Now func() time.Time
}

// NewJobService constructs a JobService.
func NewJobService(db *gorm.DB, tx repo.TxOptions) *JobService {
	return &JobService{DB: db, Tx: tx}
}

// UpdateStatusInput is the generic status update sent by the worker.
type UpdateStatusInput struct {
	Collection string
	RequestID  string
	Status     string
	// Content is the generated result for "completed", and the cover image
	// URL (a JSON string) for "completed-with-image".
	Content domain.JSON
}

// transitionFunc inspects the current job and returns the columns to write.
// A nil map with a nil error means "nothing to do".
type transitionFunc func(j *domain.Job, now time.Time) (map[string]any, error)

// Complete marks a job completed with content.
//
// Errors:
//   - ErrInvalidInput when content is missing or not JSON.
//   - ErrJobNotFound when the job does not exist.
//   - ErrAlreadyCompleted for a duplicate completion signal.
//   - ErrAlreadyFailed when the job failed; failed is terminal.
func (s *JobService) Complete(ctx context.Context, collection, requestID string, content domain.JSON) error {
	if err := validateJobKey(collection, requestID); err != nil {
		return err
	}
	if content.IsNull() {
		return fmt.Errorf("%w: content is required", ErrInvalidInput)
	}
	if !json.Valid(content) {
		return fmt.Errorf("%w: content must be valid JSON", ErrInvalidInput)
	}
	return s.transition(ctx, "Complete", collection, requestID, func(j *domain.Job, now time.Time) (map[string]any, error) {
		switch j.Status {
		case domain.JobStatusCompleted:
			return nil, ErrAlreadyCompleted
		case domain.JobStatusFailed:
			return nil, ErrAlreadyFailed
		}
		return map[string]any{
			"status":       domain.JobStatusCompleted,
			"content":      content,
			"completed_at": now,
			"updated_at":   now,
		}, nil
	})
}

// CompleteWithImage attaches a cover image URL to a job without touching its
// status or content. Only categories with SupportsCoverImage accept covers,
// and each job accepts one.
//
// Errors:
//   - ErrCoverNotSupported for categories without covers.
//   - ErrJobNotFound when the job does not exist.
//   - ErrStoryAlreadyFailed when the job failed.
//   - ErrAlreadyCompleted when a cover is already attached.
func (s *JobService) CompleteWithImage(ctx context.Context, collection, requestID, imageURL string) error {
	if err := validateJobKey(collection, requestID); err != nil {
		return err
	}
	if cat, _ := domain.CategoryByCollection(collection); !cat.SupportsCoverImage {
		return ErrCoverNotSupported
	}
	imageURL = strings.TrimSpace(imageURL)
	if imageURL == "" {
		return fmt.Errorf("%w: image url is required", ErrInvalidInput)
	}
	return s.transition(ctx, "CompleteWithImage", collection, requestID, func(j *domain.Job, now time.Time) (map[string]any, error) {
		if j.Status == domain.JobStatusFailed {
			return nil, ErrStoryAlreadyFailed
		}
		if j.CoverImageURL != nil && *j.CoverImageURL != "" {
			return nil, ErrAlreadyCompleted
		}
		return map[string]any{
			"cover_image_url": imageURL,
			"updated_at":      now,
		}, nil
	})
}

// Fail marks a job failed. It does not touch credits; the caller follows up
// with CreditService.Refund. Failing an already failed job is a no-op.
//
// Errors:
//   - ErrJobNotFound when the job does not exist.
//   - ErrAlreadyCompleted when the job already completed.
func (s *JobService) Fail(ctx context.Context, collection, requestID string) error {
	if err := validateJobKey(collection, requestID); err != nil {
		return err
	}
	return s.transition(ctx, "Fail", collection, requestID, func(j *domain.Job, now time.Time) (map[string]any, error) {
		switch j.Status {
		case domain.JobStatusFailed:
			return nil, nil
		case domain.JobStatusCompleted:
			return nil, ErrAlreadyCompleted
		}
		return map[string]any{
			"status":     domain.JobStatusFailed,
			"updated_at": now,
		}, nil
	})
}

// UpdateStatus dispatches a generic status update.
//
// "completed" and "completed-with-image" require content and route to
// Complete and CompleteWithImage; "failed" routes to Fail. Any other label
// except "pending" is written as-is while the job is not terminal.
func (s *JobService) UpdateStatus(ctx context.Context, in UpdateStatusInput) error {
	if err := validateJobKey(in.Collection, in.RequestID); err != nil {
		return err
	}
	status := strings.TrimSpace(in.Status)
	switch status {
	case "":
		return fmt.Errorf("%w: status is required", ErrInvalidInput)
	case domain.JobStatusCompleted:
		return s.Complete(ctx, in.Collection, in.RequestID, in.Content)
	case domain.JobStatusCompletedWithImage:
		if in.Content.IsNull() {
			return fmt.Errorf("%w: content is required", ErrInvalidInput)
		}
		var url string
		if err := json.Unmarshal(in.Content, &url); err != nil {
			return fmt.Errorf("%w: content must be the cover image url", ErrInvalidInput)
		}
		return s.CompleteWithImage(ctx, in.Collection, in.RequestID, url)
	case domain.JobStatusFailed:
		return s.Fail(ctx, in.Collection, in.RequestID)
	case domain.JobStatusPending:
		return fmt.Errorf("%w: a job cannot return to pending", ErrInvalidInput)
	}

	return s.transition(ctx, "UpdateStatus", in.Collection, in.RequestID, func(j *domain.Job, now time.Time) (map[string]any, error) {
		switch j.Status {
		case domain.JobStatusCompleted:
			return nil, ErrAlreadyCompleted
		case domain.JobStatusFailed:
			return nil, ErrAlreadyFailed
		}
		return map[string]any{
			"status":     status,
			"updated_at": now,
		}, nil
	})
}

// Get returns the job if it exists and belongs to uid.
func (s *JobService) Get(ctx context.Context, uid, collection, requestID string) (*domain.Job, error) {
	if err := validateJobKey(collection, requestID); err != nil {
		return nil, err
	}
	j, err := repo.GetJob(ctx, s.DB, collection, requestID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	if j.UID != uid {
		return nil, ErrJobNotFound
	}
	return j, nil
}

// ListPage returns a page of uid's jobs in collection, newest first, and the
// total count. It applies defaults for invalid page/pageSize.
func (s *JobService) ListPage(ctx context.Context, uid, collection string, page, pageSize int) ([]domain.Job, int64, error) {
	tr := otel.Tracer("services/JobService")
	ctx, span := tr.Start(ctx, "ListPage",
		trace.WithAttributes(
			attribute.String("user.id", uid),
			attribute.String("job.collection", collection),
			attribute.Int("page", page),
			attribute.Int("page_size", pageSize),
		),
	)
	defer span.End()

	if _, ok := domain.CategoryByCollection(collection); !ok {
		return nil, 0, fmt.Errorf("%w: unknown collection %q", ErrInvalidInput, collection)
	}
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	offset := (page - 1) * pageSize

	total, err := repo.CountJobs(ctx, s.DB, uid, collection)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.Job{}, 0, nil
	}
	items, err := repo.ListJobsPage(ctx, s.DB, uid, collection, offset, pageSize)
	return items, total, err
}

// transition runs fn against the current job inside an optimistic transaction
// and writes what it returns.
func (s *JobService) transition(ctx context.Context, op, collection, requestID string, fn transitionFunc) error {
	tr := otel.Tracer("services/JobService")
	ctx, span := tr.Start(ctx, op,
		trace.WithAttributes(
			attribute.String("job.collection", collection),
			attribute.String("job.request_id", requestID),
		),
	)
	defer span.End()

	opts := s.Tx
	opts.OnRetry = func(int, error) { txnConflictsTotal.WithLabelValues(strings.ToLower(op)).Inc() }

	var written string
	err := repo.RunOptimistic(ctx, s.DB, opts, func(tx *gorm.DB) error {
		written = ""
		j, err := repo.GetJob(ctx, tx, collection, requestID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return ErrJobNotFound
			}
			return err
		}
		changes, err := fn(j, s.now())
		if err != nil || changes == nil {
			return err
		}
		if st, ok := changes["status"].(string); ok {
			written = st
		} else if _, ok := changes["cover_image_url"]; ok {
			written = domain.JobStatusCompletedWithImage
		}
		return repo.UpdateJobVersioned(ctx, tx, j, changes)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if written != "" {
		jobTransitionsTotal.WithLabelValues(collection, statusLabel(written)).Inc()
	}
	return nil
}

func (s *JobService) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

// statusLabel keeps auxiliary labels out of metric cardinality.
func statusLabel(status string) string {
	switch status {
	case domain.JobStatusPending, domain.JobStatusCompleted, domain.JobStatusCompletedWithImage, domain.JobStatusFailed:
		return status
	}
	return "other"
}

// validateJobKey rejects blank keys and unknown collections.
func validateJobKey(collection, requestID string) error {
	if strings.TrimSpace(collection) == "" || strings.TrimSpace(requestID) == "" {
		return fmt.Errorf("%w: collection and requestId are required", ErrInvalidInput)
	}
	if _, ok := domain.CategoryByCollection(collection); !ok {
		return fmt.Errorf("%w: unknown collection %q", ErrInvalidInput, collection)
	}
	return nil
}
