// Package services – GenerationService
//
// This file implements GenerationService, the public entry point for a new
// generation. It maps the requested kind to its category, reserves the
// credit through CreditService, and hands the job to the worker queue. If the
// hand-off fails the job is failed and refunded before the error is returned,
// so a caller never pays for work that was never scheduled.
package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-credit-ledger/internal/domain"
	"github.com/tbourn/go-credit-ledger/internal/queue"
)

// Enqueuer hands a generation to the worker.
type Enqueuer interface {
	EnqueueGeneration(ctx context.Context, payload queue.GenerationPayload) (*asynq.TaskInfo, error)
}

// GenerationService starts generations on behalf of end users.
type GenerationService struct {
	Credits *CreditService
	Jobs    *JobService
	Queue   Enqueuer
	// NewID mints request ids; nil means uuid.NewString.
	NewID func() string
}

// StartInput is an end-user generation request.
type StartInput struct {
	UserID string
	Kind   string
	// StoryID is required for kind "image": the cover is attached to it.
	StoryID string
	Fields  domain.JSON
}

// StartResult identifies the scheduled job.
type StartResult struct {
	RequestID        string         `json:"requestId"`
	Collection       string         `json:"collection"`
	RemainingCredits domain.Credits `json:"remainingCredits"`
}

// Start reserves a credit for in.Kind and enqueues the generation.
//
// Errors:
//   - ErrUnknownKind for kinds outside the category registry.
//   - ErrInvalidInput / ErrJobNotFound when an image names no story of the
//     caller's.
//   - Any Reserve error.
//   - ErrEnqueueFailed when the queue refused the task; the reservation has
//     been compensated by then.
func (s *GenerationService) Start(ctx context.Context, in StartInput) (*StartResult, error) {
	tr := otel.Tracer("services/GenerationService")
	ctx, span := tr.Start(ctx, "Start",
		trace.WithAttributes(
			attribute.String("user.id", in.UserID),
			attribute.String("generation.kind", in.Kind),
		),
	)
	defer span.End()

	cat, ok := domain.CategoryByKind(strings.ToLower(strings.TrimSpace(in.Kind)))
	if !ok {
		return nil, ErrUnknownKind
	}
	if cat.Kind == "image" {
		if strings.TrimSpace(in.StoryID) == "" {
			return nil, fmt.Errorf("%w: storyId is required for image generation", ErrInvalidInput)
		}
		story, ok := domain.CategoryByKind("story")
		if !ok {
			return nil, ErrUnknownKind
		}
		if _, err := s.Jobs.Get(ctx, in.UserID, story.Collection, in.StoryID); err != nil {
			return nil, err
		}
	}

	requestID := s.newID()
	span.SetAttributes(attribute.String("job.request_id", requestID))

	res, err := s.Credits.Reserve(ctx, ReserveInput{
		UserID:     in.UserID,
		Bucket:     cat.Bucket,
		Collection: cat.Collection,
		RequestID:  requestID,
		Fields:     in.Fields,
	})
	if err != nil {
		return nil, err
	}

	payload := queue.GenerationPayload{
		Kind:        cat.Kind,
		Collection:  cat.Collection,
		Bucket:      cat.Bucket,
		UserID:      in.UserID,
		RequestID:   requestID,
		StoryID:     in.StoryID,
		Fields:      json.RawMessage(in.Fields),
		RequestedAt: time.Now().UTC(),
	}
	if in.Fields.IsNull() {
		payload.Fields = nil
	}
	if _, err := s.Queue.EnqueueGeneration(ctx, payload); err != nil {
		s.compensate(ctx, payload, err)
		return nil, fmt.Errorf("%w: %v", ErrEnqueueFailed, err)
	}

	return &StartResult{RequestID: requestID, Collection: cat.Collection, RemainingCredits: res.RemainingCredits}, nil
}

// compensate fails and refunds a job that never reached the queue. Errors
// are logged; the caller already gets ErrEnqueueFailed.
func (s *GenerationService) compensate(ctx context.Context, p queue.GenerationPayload, cause error) {
	ctx = context.WithoutCancel(ctx)
	l := log.With().
		Str("user_id", p.UserID).
		Str("request_id", p.RequestID).
		Str("collection", p.Collection).
		Logger()
	l.Error().Err(cause).Str("op", "generation.enqueue").Msg("enqueue failed; compensating")

	if err := s.Jobs.Fail(ctx, p.Collection, p.RequestID); err != nil && !errors.Is(err, ErrAlreadyFailed) {
		l.Error().Err(err).Str("op", "generation.compensate.fail").Msg("could not fail job")
		return
	}
	if err := s.Credits.Refund(ctx, RefundInput{
		UserID:     p.UserID,
		Bucket:     p.Bucket,
		Collection: p.Collection,
		RequestID:  p.RequestID,
	}); err != nil {
		l.Error().Err(err).Str("op", "generation.compensate.refund").Msg("could not refund job")
	}
}

func (s *GenerationService) newID() string {
	if s.NewID != nil {
		return s.NewID()
	}
	return uuid.NewString()
}
