package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dunamismax/rasterflow/internal/codec"
	"github.com/dunamismax/rasterflow/internal/config"
	"github.com/dunamismax/rasterflow/internal/domain"
	"github.com/dunamismax/rasterflow/internal/pipeline"
	"github.com/dunamismax/rasterflow/internal/queue"
	"github.com/dunamismax/rasterflow/internal/store"
	"github.com/dunamismax/rasterflow/internal/webhook"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var errNoObjectStore = errors.New("object storage is not configured")

type Server struct {
	logger          zerolog.Logger
	server          *asynq.Server
	sem             chan struct{}
	localProcessor  *pipeline.Processor
	objectProcessor *pipeline.Processor
	webhookClient   webhookSender
	jobStore        store.JobStore
	usageStore      store.UsageStore
	metrics         *metrics
	tracer          trace.Tracer
	now             func() time.Time
}

type webhookSender interface {
	Send(ctx context.Context, endpoint, event string, payload any) error
}

// Deps are the collaborators of a worker. Storage may be nil, in which case
// object-store jobs fail without retry.
type Deps struct {
	Storage pipeline.ObjectStore
	Webhook webhookSender
	Jobs    store.JobStore
	Usage   store.UsageStore
	Imaging pipeline.Defaults
}

func NewServer(logger zerolog.Logger, queueCfg config.QueueConfig, workerCfg config.WorkerConfig, deps Deps) (*Server, error) {
	s, err := newServer(logger, workerCfg, deps)
	if err != nil {
		return nil, err
	}

	s.server = asynq.NewServer(
		queueCfg.RedisClientOpt(),
		asynq.Config{
			Concurrency: workerCfg.Concurrency,
			Queues: map[string]int{
				queueCfg.Name: 1,
			},
			Logger:   asynqLogger{logger: logger.With().Str("component", "asynq").Logger()},
			LogLevel: asynq.InfoLevel,
			IsFailure: func(err error) bool {
				return !errors.Is(err, context.Canceled)
			},
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				retried, _ := asynq.GetRetryCount(ctx)
				maxRetry, _ := asynq.GetMaxRetry(ctx)
				logger.Warn().Err(err).
					Str("type", task.Type()).
					Int("retry", retried).
					Int("max_retry", maxRetry).
					Msg("task failed")
			}),
		},
	)
	return s, nil
}

func newServer(logger zerolog.Logger, workerCfg config.WorkerConfig, deps Deps) (*Server, error) {
	m := newMetrics()
	opts := []pipeline.Option{
		pipeline.WithDefaults(deps.Imaging),
		pipeline.WithObserver(func(stage string, format codec.Format, elapsed time.Duration) {
			m.stageDuration.WithLabelValues(stage, format.String()).Observe(elapsed.Seconds())
		}),
	}

	localProcessor, err := pipeline.NewLocalProcessor(workerCfg.LocalOutputDir, opts...)
	if err != nil {
		return nil, fmt.Errorf("initialize pipeline processor: %w", err)
	}

	var objectProcessor *pipeline.Processor
	if deps.Storage != nil {
		objectProcessor, err = pipeline.NewObjectStoreProcessor(
			pipeline.ObjectStoreFetcher{Storage: deps.Storage},
			pipeline.ObjectStoreEmitter{Storage: deps.Storage, OutputPrefix: workerCfg.OutputPrefix},
			opts...,
		)
		if err != nil {
			return nil, fmt.Errorf("initialize object-store processor: %w", err)
		}
	}

	usageStore := deps.Usage
	if usageStore == nil {
		if jobAndUsageStore, ok := deps.Jobs.(store.UsageStore); ok {
			usageStore = jobAndUsageStore
		}
	}

	return &Server{
		logger:          logger,
		sem:             make(chan struct{}, max(1, workerCfg.MaxActiveJobs)),
		localProcessor:  localProcessor,
		objectProcessor: objectProcessor,
		webhookClient:   deps.Webhook,
		jobStore:        deps.Jobs,
		usageStore:      usageStore,
		metrics:         m,
		tracer:          otel.Tracer("rasterflow/worker"),
		now:             time.Now,
	}, nil
}

func (s *Server) Run() error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TypeProcessImage, s.handleProcessImage)
	return s.server.Run(mux)
}

func (s *Server) Shutdown() {
	s.server.Shutdown()
}

func (s *Server) MetricsHandler() http.Handler {
	return s.metrics.Handler()
}

func (s *Server) handleProcessImage(ctx context.Context, task *asynq.Task) error {
	startedAt := s.now()
	outcome := domain.JobStatusFailed

	payload, err := queue.ParseProcessImagePayload(task)
	if err != nil {
		return fmt.Errorf("parse payload: %v: %w", err, asynq.SkipRetry)
	}

	ctx, span := s.tracer.Start(ctx, "worker.process_image", trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(
		attribute.String("job.id", payload.JobID),
		attribute.String("job.source_type", payload.SourceType),
		attribute.Int("job.pipeline_steps", len(payload.Pipeline)),
	)
	defer span.End()
	defer func() {
		s.metrics.jobDuration.WithLabelValues(payload.SourceType, outcome).Observe(time.Since(startedAt).Seconds())
		s.metrics.jobsTotal.WithLabelValues(payload.SourceType, outcome).Inc()
	}()

	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.metrics.activeJobs.Inc()
	defer func() {
		<-s.sem
		s.metrics.activeJobs.Dec()
	}()

	log := s.logger.With().Str("job_id", payload.JobID).Logger()
	log.Info().
		Str("source_type", payload.SourceType).
		Int("outputs", len(payload.Pipeline)).
		Str("object_key", payload.ObjectKey).
		Msg("processing job")

	s.updateJobStatus(ctx, payload.JobID, domain.JobStatusProcessing)

	result, err := s.process(ctx, payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "pipeline failed")

		permanent := pipeline.IsPermanent(err) || errors.Is(err, errNoObjectStore)
		if permanent || finalAttempt(ctx) {
			s.updateJobStatus(ctx, payload.JobID, domain.JobStatusFailed)
			s.dispatchWebhook(ctx, payload, webhook.EventJobFailed, map[string]any{
				"job_id":       payload.JobID,
				"status":       domain.JobStatusFailed,
				"source_type":  payload.SourceType,
				"object_key":   payload.ObjectKey,
				"requested_at": payload.RequestedAt,
				"failed_at":    s.now().UTC(),
				"error":        err.Error(),
			})
		}
		log.Error().Err(err).Bool("permanent", permanent).Msg("pipeline failed")
		if permanent {
			return fmt.Errorf("run pipeline: %w: %w", err, asynq.SkipRetry)
		}
		return fmt.Errorf("run pipeline: %w", err)
	}

	log.Info().Int("outputs", len(result.Outputs)).Int("source_bytes", result.SourceBytes).Msg("processed job")
	s.updateJobStatus(ctx, payload.JobID, domain.JobStatusSucceeded)
	s.metrics.pipelineOutputsTotal.Add(float64(len(result.Outputs)))
	s.recordUsage(ctx, payload, result, time.Since(startedAt))

	// Delivery already retried inside the client; the job itself succeeded.
	s.dispatchWebhook(ctx, payload, webhook.EventJobCompleted, map[string]any{
		"job_id":       payload.JobID,
		"status":       domain.JobStatusSucceeded,
		"source_type":  payload.SourceType,
		"object_key":   payload.ObjectKey,
		"requested_at": payload.RequestedAt,
		"completed_at": s.now().UTC(),
		"outputs":      result.Outputs,
	})

	outcome = domain.JobStatusSucceeded
	span.SetStatus(codes.Ok, "processed")
	return nil
}

func (s *Server) process(ctx context.Context, payload queue.ProcessImagePayload) (pipeline.Result, error) {
	request := pipeline.Request{
		JobID:      payload.JobID,
		SourceType: payload.SourceType,
		ObjectKey:  payload.ObjectKey,
		Pipeline:   payload.Pipeline,
	}

	if strings.EqualFold(payload.SourceType, domain.SourceTypeLocalFile) {
		return s.localProcessor.Process(ctx, request)
	}
	if s.objectProcessor == nil {
		return pipeline.Result{}, errNoObjectStore
	}
	return s.objectProcessor.Process(ctx, request)
}

// finalAttempt reports whether asynq will not retry the task after this run.
func finalAttempt(ctx context.Context) bool {
	retried, ok := asynq.GetRetryCount(ctx)
	if !ok {
		return true
	}
	maxRetry, _ := asynq.GetMaxRetry(ctx)
	return retried >= maxRetry
}

func (s *Server) updateJobStatus(ctx context.Context, jobID, status string) {
	if s.jobStore == nil {
		return
	}
	if _, err := s.jobStore.UpdateStatus(ctx, jobID, status); err != nil {
		s.logger.Warn().Err(err).Str("job_id", jobID).Str("status", status).Msg("job status update failed")
	}
}

func (s *Server) dispatchWebhook(ctx context.Context, payload queue.ProcessImagePayload, event string, body map[string]any) {
	if payload.WebhookURL == "" || s.webhookClient == nil {
		return
	}

	if err := s.webhookClient.Send(ctx, payload.WebhookURL, event, body); err != nil {
		s.metrics.webhookFailures.WithLabelValues(event).Inc()
		s.logger.Warn().Err(err).Str("job_id", payload.JobID).Str("event", event).Msg("webhook delivery failed")
	}
}

func (s *Server) recordUsage(ctx context.Context, payload queue.ProcessImagePayload, result pipeline.Result, computeDuration time.Duration) {
	if s.usageStore == nil {
		return
	}

	usage := domain.UsageLog{
		UserID:        s.usageOwner(ctx, payload),
		JobID:         payload.JobID,
		Steps:         len(result.Outputs),
		BytesIn:       int64(result.SourceBytes),
		ComputeTimeMS: max(computeDuration.Milliseconds(), 1),
		CreatedAt:     s.now().UTC(),
	}
	for _, output := range result.Outputs {
		usage.PixelsProcessed += domain.Pixels(output.Width, output.Height)
		usage.BytesOut += int64(output.Bytes)
	}

	if err := s.usageStore.CreateUsageLog(ctx, usage); err != nil {
		s.logger.Warn().Err(err).Str("job_id", payload.JobID).Msg("usage log write failed")
		return
	}

	s.metrics.pixelsProcessedTotal.Add(float64(usage.PixelsProcessed))
	s.metrics.bytesSavedTotal.Add(float64(max(usage.BytesSaved(), 0)))
	s.metrics.computeTimeMSTotal.Add(float64(usage.ComputeTimeMS))
}

func (s *Server) usageOwner(ctx context.Context, payload queue.ProcessImagePayload) string {
	if id := strings.TrimSpace(payload.UserID); id != "" {
		return id
	}
	if s.jobStore != nil {
		job, ok, err := s.jobStore.Get(ctx, payload.JobID)
		if err != nil {
			s.logger.Warn().Err(err).Str("job_id", payload.JobID).Msg("usage lookup failed")
		} else if ok && strings.TrimSpace(job.UserID) != "" {
			return job.UserID
		}
	}
	return "anonymous"
}
