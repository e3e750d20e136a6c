// Package worker consumes scrape and answer jobs and records their terminal
// outcome.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/sukta/internal/logging"
	"github.com/JakeFAU/sukta/internal/qa"
	"github.com/JakeFAU/sukta/internal/telemetry"
)

// Defaults applied by New* when Config leaves a field zero.
const (
	DefaultJobTimeout   = 2 * time.Minute
	DefaultCallTimeout  = 60 * time.Second
	DefaultWriteTimeout = 10 * time.Second
	DefaultMaxAttempts  = 5
	DefaultPollBackoff  = time.Second
)

var (
	errInterrupted = errors.New("worker stopped before the job finished")
	errWrongKind   = errors.New("job kind not handled by this worker")
)

// Config controls a Worker.
type Config struct {
	// Name identifies the worker in logs.
	Name string
	// JobTimeout bounds the whole job. CallTimeout bounds the single
	// external call (fetch or generate) inside it.
	JobTimeout  time.Duration
	CallTimeout time.Duration
	// WriteTimeout bounds each store write and queue settlement. Writes use a
	// context detached from the job so an expired job can still record
	// failure.
	WriteTimeout time.Duration
	// MaxAttempts caps redelivery when the terminal write itself fails.
	MaxAttempts int
	PollBackoff time.Duration
}

func (c Config) withDefaults(kind qa.JobKind) Config {
	if c.Name == "" {
		c.Name = string(kind)
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = DefaultJobTimeout
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = DefaultCallTimeout
	}
	if c.CallTimeout > c.JobTimeout {
		c.CallTimeout = c.JobTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.PollBackoff <= 0 {
		c.PollBackoff = DefaultPollBackoff
	}
	return c
}

// processor performs one job and returns the error from its terminal write.
type processor interface {
	process(ctx context.Context, job qa.Job, w *Worker) error
}

// Worker pulls one job kind from a queue.
type Worker struct {
	kind   qa.JobKind
	queue  qa.Queue
	proc   processor
	cfg    Config
	tracer trace.Tracer
	logger *zap.Logger
}

func newWorker(kind qa.JobKind, queue qa.Queue, proc processor, cfg Config, logger *zap.Logger) *Worker {
	cfg = cfg.withDefaults(kind)
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		kind:   kind,
		queue:  queue,
		proc:   proc,
		cfg:    cfg,
		tracer: otel.Tracer("github.com/JakeFAU/sukta/internal/worker"),
		logger: logger.Named("worker").With(zap.String("worker", cfg.Name)),
	}
}

// Kind reports which job kind the worker handles.
func (w *Worker) Kind() qa.JobKind { return w.kind }

// Run blocks, consuming jobs until ctx is done or the queue is closed.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info("worker started")
	defer w.logger.Info("worker stopped")
	for {
		delivery, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, qa.ErrQueueClosed) {
				return
			}
			w.logger.Error("dequeue failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.cfg.PollBackoff):
			}
			continue
		}
		w.handle(ctx, delivery)
	}
}

func (w *Worker) handle(ctx context.Context, delivery qa.Delivery) {
	kind := string(w.kind)
	telemetry.IncActiveWorkers(kind)
	defer telemetry.DecActiveWorkers(kind)

	job := delivery.Job()
	ctx, span := w.startSpan(ctx, delivery)
	defer span.End()

	fields := append([]zap.Field{
		zap.String("job_kind", string(job.Kind)),
		zap.String("entity_id", job.EntityID()),
		zap.Int("attempt", delivery.Attempt()),
	}, logging.TraceFields(ctx)...)
	logger := w.logger.With(fields...)
	ctx = logging.WithContext(ctx, logger)
	logger.Debug("job received")

	start := time.Now()
	err := w.safeProcess(ctx, job)
	result := w.settle(ctx, delivery, err, logger)

	telemetry.ObserveJob(kind, result)
	span.SetAttributes(attribute.String("job.result", result))
	if err != nil && result != "done" {
		span.RecordError(err)
		span.SetStatus(codes.Error, result)
	}
	logger.Debug("job settled", zap.String("result", result), zap.Duration("elapsed", time.Since(start)))
}

func (w *Worker) safeProcess(ctx context.Context, job qa.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while processing job: %v", r)
		}
	}()
	if job.Kind != w.kind {
		return errWrongKind
	}
	if vErr := job.Validate(); vErr != nil {
		return fmt.Errorf("%w: %v", errWrongKind, vErr)
	}
	jobCtx, cancel := context.WithTimeout(ctx, w.cfg.JobTimeout)
	defer cancel()
	return w.proc.process(jobCtx, job, w)
}

// settle acks or nacks the delivery and returns the metric label for what
// happened. Only a failed terminal write is retried.
func (w *Worker) settle(ctx context.Context, delivery qa.Delivery, err error, logger *zap.Logger) string {
	var (
		result string
		ack    = true
	)
	var notFound *qa.NotFoundError
	switch {
	case err == nil:
		result = "done"
	case errors.Is(err, qa.ErrAlreadyTerminal):
		result = "duplicate"
		logger.Info("job target already terminal; dropping", zap.Error(err))
	case errors.As(err, &notFound):
		result = "orphaned"
		logger.Warn("job target no longer exists; dropping", zap.Error(err))
	case errors.Is(err, errWrongKind):
		result = "rejected"
		logger.Error("malformed job dropped", zap.Error(err))
	case errors.Is(err, errInterrupted):
		result = "interrupted"
		ack = false
		logger.Info("job interrupted; returning to queue")
	case delivery.Attempt() >= w.cfg.MaxAttempts:
		result = "abandoned"
		logger.Error("terminal write failed on final attempt; dropping job", zap.Error(err))
	default:
		result = "retry"
		ack = false
		logger.Warn("terminal write failed; requeueing", zap.Error(err))
	}

	settleCtx, cancel := w.writeContext(ctx)
	defer cancel()
	if ack {
		if aErr := delivery.Ack(settleCtx); aErr != nil {
			logger.Error("ack failed", zap.Error(aErr))
		}
	} else if nErr := delivery.Nack(settleCtx); nErr != nil {
		logger.Error("nack failed", zap.Error(nErr))
	}
	return result
}

// writeContext detaches from ctx so deadlines on the job do not cancel the
// write recording its outcome.
func (w *Worker) writeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), w.cfg.WriteTimeout)
}

// callContext bounds a single external call.
func (w *Worker) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, w.cfg.CallTimeout)
}

type traceCarrier interface {
	TraceContext() context.Context
}

func (w *Worker) startSpan(ctx context.Context, delivery qa.Delivery) (context.Context, trace.Span) {
	job := delivery.Job()
	opts := []trace.SpanStartOption{
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("job.kind", string(job.Kind)),
			attribute.String("job.entity_id", job.EntityID()),
			attribute.Int("job.attempt", delivery.Attempt()),
		),
	}
	if carrier, ok := delivery.(traceCarrier); ok {
		if sc := trace.SpanContextFromContext(carrier.TraceContext()); sc.IsValid() {
			ctx = trace.ContextWithRemoteSpanContext(ctx, sc)
		}
	}
	return w.tracer.Start(ctx, string(job.Kind)+" job", opts...)
}

// guard converts a panic inside an external call into an error so the job is
// recorded as failed instead of being redelivered.
func guard[T any](call func() (T, error)) (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return call()
}

// interrupted reports whether ctx ended because the worker is shutting down
// rather than because the job or call deadline passed.
func interrupted(ctx context.Context) bool {
	return errors.Is(context.Cause(ctx), context.Canceled)
}

// describe renders an external-call error for the user-facing reason text.
func describe(err error, timeout time.Duration) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Sprintf("timed out after %s", timeout)
	}
	var fetchErr *qa.FetchError
	if errors.As(err, &fetchErr) {
		if errors.Is(fetchErr.Err, context.DeadlineExceeded) {
			return fmt.Sprintf("timed out after %s", timeout)
		}
		if fetchErr.StatusCode >= 400 {
			return fmt.Sprintf("request failed with status code %d", fetchErr.StatusCode)
		}
		return fetchErr.Err.Error()
	}
	var genErr *qa.GenerationError
	if errors.As(err, &genErr) {
		if genErr.StatusCode >= 400 {
			return fmt.Sprintf("request failed with status code %d", genErr.StatusCode)
		}
		return genErr.Err.Error()
	}
	return err.Error()
}
