// Package executor runs generation jobs off the asynq queue: it calls the
// generator, records the result through the job lifecycle, and on failure
// fails the job and refunds its credit.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-credit-ledger/internal/domain"
	"github.com/tbourn/go-credit-ledger/internal/queue"
	"github.com/tbourn/go-credit-ledger/internal/services"
)

// Lifecycle is satisfied by *services.JobService.
type Lifecycle interface {
	Complete(ctx context.Context, collection, requestID string, content domain.JSON) error
	CompleteWithImage(ctx context.Context, collection, requestID, imageURL string) error
	Fail(ctx context.Context, collection, requestID string) error
}

// Refunder is satisfied by *services.CreditService.
type Refunder interface {
	Refund(ctx context.Context, in services.RefundInput) error
}

// CoverStore is satisfied by *storage.Client.
type CoverStore interface {
	PutCover(ctx context.Context, storyID, requestID string, data []byte, contentType string) (string, error)
}

// errGenerationFailed marks a task that was failed and refunded; asynq must
// not retry it.
var errGenerationFailed = errors.New("generation failed")

// Handler processes queue.TypeGenerate tasks. It implements asynq.Handler.
type Handler struct {
	gen     Generator
	jobs    Lifecycle
	credits Refunder
	covers  CoverStore
	metrics *metrics
	tracer  trace.Tracer

	// finalAttempt reports whether asynq will not redeliver the task.
	finalAttempt func(context.Context) bool
}

func NewHandler(gen Generator, jobs Lifecycle, credits Refunder, covers CoverStore) *Handler {
	return &Handler{
		gen:          gen,
		jobs:         jobs,
		credits:      credits,
		covers:       covers,
		metrics:      newMetrics(),
		tracer:       otel.Tracer("credit-ledger/executor"),
		finalAttempt: lastAttempt,
	}
}

// MetricsHandler exposes the worker's own registry.
func (h *Handler) MetricsHandler() http.Handler {
	return h.metrics.Handler()
}

// ProcessTask runs one generation.
//
// Returned errors follow asynq conventions: a plain error asks for a retry,
// one wrapping asynq.SkipRetry archives the task. A missing job is retried
// because the API may enqueue before its job row is visible to the worker.
func (h *Handler) ProcessTask(ctx context.Context, task *asynq.Task) error {
	startedAt := time.Now()
	p, err := queue.ParseGenerationPayload(task)
	if err != nil {
		h.metrics.tasksTotal.WithLabelValues("unknown", "invalid").Inc()
		return fmt.Errorf("parse payload: %v: %w", err, asynq.SkipRetry)
	}

	ctx, span := h.tracer.Start(ctx, "executor.generate", trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(
		attribute.String("job.collection", p.Collection),
		attribute.String("job.request_id", p.RequestID),
		attribute.String("generation.kind", p.Kind),
	)
	defer span.End()

	h.metrics.activeTasks.Inc()
	defer h.metrics.activeTasks.Dec()

	l := log.With().
		Str("user_id", p.UserID).
		Str("request_id", p.RequestID).
		Str("collection", p.Collection).
		Str("kind", p.Kind).
		Logger()

	err = h.run(ctx, &l, p)

	result := "completed"
	switch {
	case err == nil:
		span.SetStatus(codes.Ok, "completed")
	case errors.Is(err, errGenerationFailed):
		result = "failed"
		span.RecordError(err)
		span.SetStatus(codes.Error, "generation failed")
		err = fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	default:
		result = "retry"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		l.Warn().Err(err).Msg("generation task will be retried")
	}
	h.metrics.tasksTotal.WithLabelValues(p.Kind, result).Inc()
	h.metrics.taskDuration.WithLabelValues(p.Kind).Observe(time.Since(startedAt).Seconds())
	return err
}

func (h *Handler) run(ctx context.Context, l *zerolog.Logger, p queue.GenerationPayload) error {
	res, err := h.gen.Generate(ctx, Request{
		Kind:       p.Kind,
		Collection: p.Collection,
		RequestID:  p.RequestID,
		UserID:     p.UserID,
		StoryID:    p.StoryID,
		Fields:     p.Fields,
	})
	if err != nil {
		if ctx.Err() != nil && !h.finalAttempt(ctx) {
			// Shutdown or task timeout: leave the job pending for redelivery.
			// On the last attempt it is failed and refunded like any error.
			return err
		}
		return h.failAndRefund(ctx, l, p, err)
	}

	if p.Kind == "image" {
		return h.completeImage(ctx, l, p, res)
	}

	if domain.JSON(res.Content).IsNull() || !json.Valid(res.Content) {
		return h.failAndRefund(ctx, l, p, errors.New("generator returned no content"))
	}
	return h.complete(ctx, l, p.Collection, p.RequestID, domain.JSON(res.Content))
}

// completeImage uploads the cover, attaches it to the story, then completes
// the image job with the URL as content.
func (h *Handler) completeImage(ctx context.Context, l *zerolog.Logger, p queue.GenerationPayload, res *Result) error {
	if p.StoryID == "" || len(res.Image) == 0 {
		return h.failAndRefund(ctx, l, p, errors.New("image job without story or image bytes"))
	}
	if h.covers == nil {
		return h.failAndRefund(ctx, l, p, errors.New("no cover store configured"))
	}

	url, err := h.covers.PutCover(ctx, p.StoryID, p.RequestID, res.Image, res.ContentType)
	if err != nil {
		if h.finalAttempt(ctx) {
			return h.failAndRefund(ctx, l, p, err)
		}
		return fmt.Errorf("upload cover: %w", err)
	}

	story, _ := domain.CategoryByKind("story")
	err = h.jobs.CompleteWithImage(ctx, story.Collection, p.StoryID, url)
	switch {
	case err == nil, errors.Is(err, services.ErrAlreadyCompleted):
		// A redelivered task finds its own cover already attached.
	case errors.Is(err, services.ErrStoryAlreadyFailed), errors.Is(err, services.ErrJobNotFound):
		return h.failAndRefund(ctx, l, p, err)
	default:
		return fmt.Errorf("attach cover: %w", err)
	}

	return h.complete(ctx, l, p.Collection, p.RequestID, domain.StringJSON(url))
}

func (h *Handler) complete(ctx context.Context, l *zerolog.Logger, collection, requestID string, content domain.JSON) error {
	err := h.jobs.Complete(ctx, collection, requestID, content)
	switch {
	case err == nil:
		l.Info().Msg("generation completed")
		return nil
	case errors.Is(err, services.ErrAlreadyCompleted):
		l.Info().Msg("duplicate completion ignored")
		return nil
	case errors.Is(err, services.ErrAlreadyFailed):
		l.Warn().Msg("job failed before its result arrived; result dropped")
		return nil
	default:
		return fmt.Errorf("complete job: %w", err)
	}
}

// failAndRefund fails the job and refunds its credit, detached from the task's
// cancellation. Refund errors are logged and not retried; a job that completed
// in the meantime is left alone.
func (h *Handler) failAndRefund(ctx context.Context, l *zerolog.Logger, p queue.GenerationPayload, cause error) error {
	// The task deadline may have passed; the bookkeeping still has to land.
	ctx = context.WithoutCancel(ctx)
	l.Error().Err(cause).Str("op", "executor.generate").Msg("generation failed")

	err := h.jobs.Fail(ctx, p.Collection, p.RequestID)
	switch {
	case err == nil:
	case errors.Is(err, services.ErrAlreadyCompleted):
		return nil
	case errors.Is(err, services.ErrJobNotFound) && !h.finalAttempt(ctx):
		return fmt.Errorf("fail job: %w", err)
	default:
		l.Error().Err(err).Str("op", "executor.fail").Msg("could not fail job")
		return fmt.Errorf("%w: %v", errGenerationFailed, cause)
	}

	err = h.credits.Refund(ctx, services.RefundInput{
		UserID:     p.UserID,
		Bucket:     p.Bucket,
		Collection: p.Collection,
		RequestID:  p.RequestID,
	})
	switch {
	case err == nil:
		h.metrics.refundsTotal.WithLabelValues("refunded").Inc()
	case errors.Is(err, services.ErrAlreadyRefunded):
		h.metrics.refundsTotal.WithLabelValues("already_refunded").Inc()
	default:
		h.metrics.refundsTotal.WithLabelValues("error").Inc()
		l.Error().Err(err).Str("op", "executor.refund").Msg("could not refund failed job")
	}
	return fmt.Errorf("%w: %v", errGenerationFailed, cause)
}

// lastAttempt reports whether asynq will not redeliver this task after a
// failure. Outside asynq it is false.
func lastAttempt(ctx context.Context) bool {
	retried, ok := asynq.GetRetryCount(ctx)
	if !ok {
		return false
	}
	maxRetry, ok := asynq.GetMaxRetry(ctx)
	return ok && retried >= maxRetry
}
