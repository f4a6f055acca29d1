package executor

import (
	"context"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-credit-ledger/internal/queue"
)

// Server consumes the generation queue.
type Server struct {
	server  *asynq.Server
	handler *Handler
}

func NewServer(redisOpt asynq.RedisConnOpt, queueName string, concurrency int, h *Handler) *Server {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Server{
		server: asynq.NewServer(redisOpt, asynq.Config{
			Concurrency: concurrency,
			Queues:      map[string]int{queueName: 1},
			Logger:      asynqLogger{l: log.Logger.With().Str("component", "asynq").Logger()},
			LogLevel:    asynq.WarnLevel,
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				retried, _ := asynq.GetRetryCount(ctx)
				maxRetry, _ := asynq.GetMaxRetry(ctx)
				log.Warn().Err(err).
					Str("task_type", task.Type()).
					Int("retry", retried).
					Int("max_retry", maxRetry).
					Msg("task failed")
			}),
		}),
		handler: h,
	}
}

// Start begins processing in the background.
func (s *Server) Start() error {
	mux := asynq.NewServeMux()
	mux.Handle(queue.TypeGenerate, s.handler)
	if err := s.server.Start(mux); err != nil {
		return fmt.Errorf("start asynq server: %w", err)
	}
	return nil
}

// Shutdown stops fetching tasks and waits for in-flight ones.
func (s *Server) Shutdown() {
	s.server.Shutdown()
}

// asynqLogger routes asynq's internal logging through zerolog.
type asynqLogger struct{ l zerolog.Logger }

func (a asynqLogger) Debug(args ...interface{}) { a.l.Debug().Msg(fmt.Sprint(args...)) }
func (a asynqLogger) Info(args ...interface{})  { a.l.Info().Msg(fmt.Sprint(args...)) }
func (a asynqLogger) Warn(args ...interface{})  { a.l.Warn().Msg(fmt.Sprint(args...)) }
func (a asynqLogger) Error(args ...interface{}) { a.l.Error().Msg(fmt.Sprint(args...)) }
func (a asynqLogger) Fatal(args ...interface{}) { a.l.Fatal().Msg(fmt.Sprint(args...)) }
