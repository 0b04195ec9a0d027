// Package worker runs the asynq server that delivers queued push
// notifications.
package worker

import (
	"context"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dunamismax/florique/internal/config"
	"github.com/dunamismax/florique/internal/notify"
	"github.com/dunamismax/florique/internal/queue"
	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type Server struct {
	logger   *zap.SugaredLogger
	server   *asynq.Server
	notifier notify.Notifier
	metrics  *metrics
	tracer   trace.Tracer
}

func NewServer(
	logger *zap.SugaredLogger,
	queueCfg config.QueueConfig,
	workerCfg config.WorkerConfig,
	notifier notify.Notifier,
) (*Server, error) {
	if notifier == nil {
		return nil, errors.New("notifier is required")
	}
	logger = logger.Named("worker")

	s := &Server{
		logger:   logger,
		notifier: notifier,
		metrics:  newMetrics(),
		tracer:   otel.Tracer("florique/worker"),
	}
	s.server = asynq.NewServer(
		queueCfg.RedisClientOpt(),
		asynq.Config{
			Concurrency: workerCfg.Concurrency,
			Queues: map[string]int{
				queueCfg.Name: 1,
			},
			LogLevel: asynq.InfoLevel,
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				retried, _ := asynq.GetRetryCount(ctx)
				maxRetry, _ := asynq.GetMaxRetry(ctx)
				logger.Warnw("task failed", "type", task.Type(), "retry", retried, "max_retry", maxRetry, "error", err)
			}),
		},
	)
	return s, nil
}

func (s *Server) Run() error {
	return s.server.Run(s.mux())
}

func (s *Server) Shutdown() {
	s.server.Shutdown()
}

func (s *Server) MetricsHandler() http.Handler {
	return s.metrics.Handler()
}

func (s *Server) mux() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TypeSendNotification, s.handleSendNotification)
	return mux
}

func (s *Server) handleSendNotification(ctx context.Context, task *asynq.Task) error {
	startedAt := time.Now()
	result := "failed"

	payload, err := queue.ParseSendNotificationPayload(task)
	if err != nil {
		s.metrics.deliveriesTotal.WithLabelValues("malformed").Inc()
		return errors.Wrapf(asynq.SkipRetry, "parse payload: %v", err)
	}

	jobID := payload.Message.Data["jobId"]
	ctx, span := s.tracer.Start(ctx, "worker.send_notification", trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(
		attribute.String("job.id", jobID),
		attribute.String("notification.title", payload.Message.Title),
	)
	defer span.End()
	defer func() {
		s.metrics.deliveryDuration.WithLabelValues(result).Observe(time.Since(startedAt).Seconds())
		s.metrics.deliveriesTotal.WithLabelValues(result).Inc()
		s.metrics.queueLatency.Observe(startedAt.Sub(payload.RequestedAt).Seconds())
	}()

	if err := s.notifier.Send(ctx, payload.Message); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "delivery failed")
		if errors.Is(err, notify.ErrPermanent) {
			result = "rejected"
			s.logger.Warnw("push rejected by gateway", "job_id", jobID, "error", err)
			return errors.Wrapf(asynq.SkipRetry, "deliver notification: %v", err)
		}
		return errors.Wrap(err, "deliver notification")
	}

	result = "sent"
	span.SetStatus(codes.Ok, "delivered")
	s.logger.Infow("push delivered", "job_id", jobID, "queued_for", startedAt.Sub(payload.RequestedAt).String())
	return nil
}
