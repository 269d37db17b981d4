package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/JaimeStill/safeguard/internal/notify"
	"github.com/JaimeStill/safeguard/internal/observations"
	"github.com/JaimeStill/safeguard/internal/sources"
	"github.com/JaimeStill/safeguard/pkg/repository"
)

const instrumentation = "github.com/JaimeStill/safeguard/internal/scheduler"

// RetryConfig bounds the retries of one fetch or merge within a job.
type RetryConfig struct {
	MaxAttempts    uint
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 5
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = time.Minute
	}
	return c
}

// Runner executes single synchronization jobs.
type Runner struct {
	store    Store
	writer   observations.Writer
	notifier notify.Notifier
	retry    RetryConfig
	logger   *slog.Logger
	now      func() time.Time

	tracer  trace.Tracer
	jobs    metric.Int64Counter
	records metric.Int64Counter
}

func NewRunner(
	store Store,
	writer observations.Writer,
	notifier notify.Notifier,
	retry RetryConfig,
	logger *slog.Logger,
) *Runner {
	meter := otel.Meter(instrumentation)

	jobs, err := meter.Int64Counter("safeguard.sync.jobs",
		metric.WithDescription("Finished sync jobs by outcome"))
	if err != nil {
		otel.Handle(err)
	}
	records, err := meter.Int64Counter("safeguard.sync.records",
		metric.WithDescription("Synced records by result"))
	if err != nil {
		otel.Handle(err)
	}

	return &Runner{
		store:    store,
		writer:   writer,
		notifier: notifier,
		retry:    retry.withDefaults(),
		logger:   logger.With("module", "sync-runner"),
		now:      time.Now,
		tracer:   otel.Tracer(instrumentation),
		jobs:     jobs,
		records:  records,
	}
}

// Run executes one job against src and records it. The returned error is
// non-nil only when the job record itself could not be persisted; fetch and
// merge failures are reported through the job's outcome.
func (r *Runner) Run(ctx context.Context, src sources.Source) (Job, error) {
	job := Job{
		ID:        uuid.New(),
		Source:    src.Name(),
		StartedAt: r.now().UTC(),
		Failures:  []RecordFailure{},
	}

	ctx, span := r.tracer.Start(ctx, "sync.job", trace.WithAttributes(
		attribute.String("sync.source", job.Source),
		attribute.String("sync.job_id", job.ID.String()),
	))
	defer span.End()

	logger := r.logger.With("source", job.Source, "job_id", job.ID)
	logger.InfoContext(ctx, "sync job started")

	r.execute(ctx, src, &job, logger)
	job.EndedAt = r.now().UTC()

	if err := r.store.Finish(context.WithoutCancel(ctx), job); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "record job")
		return job, fmt.Errorf("record sync job: %w", err)
	}

	r.observe(ctx, job, span)

	logger.InfoContext(ctx, "sync job finished",
		"outcome", job.Outcome,
		"merged", job.Merged,
		"skipped", job.Skipped,
		"failed", job.Failed,
		"attempts", job.Attempts,
		"duration", job.EndedAt.Sub(job.StartedAt),
	)

	switch job.Outcome {
	case Failed:
		r.alert(ctx, notify.KindSyncFailed, job, logger)
	case Partial:
		r.alert(ctx, notify.KindSyncPartial, job, logger)
	}

	if job.Outcome != Failed && job.CursorAfter.After(job.CursorBefore) {
		if err := src.Ack(ctx, job.CursorAfter); err != nil {
			logger.WarnContext(ctx, "source ack failed", "error", err)
		}
	}

	return job, nil
}

func (r *Runner) execute(ctx context.Context, src sources.Source, job *Job, logger *slog.Logger) {
	cursor, err := r.store.Cursor(ctx, job.Source)
	if err != nil {
		job.fail(err)
		return
	}
	job.CursorBefore = cursor
	job.CursorAfter = cursor

	batch, attempts, err := r.fetch(ctx, src, cursor, logger)
	job.Attempts = attempts
	if err != nil {
		job.fail(fmt.Errorf("fetch: %w", err))
		return
	}

	for _, raw := range batch.Records {
		rec, cur, err := raw.Normalize(job.Source, batch.Location)
		if err != nil {
			job.reject(raw.NativeID, err)
			continue
		}
		rec.SyncJobID = &job.ID

		result, err := r.merge(ctx, rec)
		switch {
		case errors.Is(err, observations.ErrSubjectNotFound), errors.Is(err, observations.ErrInvalidRecord):
			job.reject(rec.NativeID, err)
			continue
		case err != nil:
			job.fail(fmt.Errorf("merge %s: %w", rec.NativeID, err))
			return
		}

		if result == observations.Stale {
			job.Skipped++
		} else {
			job.Merged++
		}
		if cur.After(job.CursorAfter) {
			job.CursorAfter = cur
		}
	}

	job.settle()
}

func (r *Runner) fetch(
	ctx context.Context,
	src sources.Source,
	since sources.Cursor,
	logger *slog.Logger,
) (sources.Batch, int, error) {
	var attempts int
	var last error

	op := func() (sources.Batch, error) {
		attempts++
		batch, err := src.Fetch(ctx, since)
		if err == nil {
			return batch, nil
		}
		last = err

		var limited *sources.RateLimitError
		if errors.As(err, &limited) {
			return sources.Batch{}, backoff.RetryAfter(int(math.Ceil(limited.RetryAfter.Seconds())))
		}
		if !sources.IsTransient(err) {
			return sources.Batch{}, backoff.Permanent(err)
		}
		return sources.Batch{}, err
	}

	onRetry := func(err error, wait time.Duration) {
		logger.WarnContext(ctx, "fetch retry", "attempt", attempts, "error", err, "wait", wait)
	}

	batch, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(r.newBackOff()),
		backoff.WithMaxTries(r.retry.MaxAttempts),
		backoff.WithNotify(onRetry),
	)
	if err != nil && ctx.Err() == nil && last != nil {
		err = last
	}
	return batch, attempts, err
}

func (r *Runner) merge(ctx context.Context, rec observations.Record) (observations.MergeResult, error) {
	op := func() (observations.MergeResult, error) {
		result, err := r.writer.Upsert(ctx, rec)
		if err != nil && !repository.IsTransient(err) {
			return "", backoff.Permanent(err)
		}
		return result, err
	}

	return backoff.Retry(ctx, op,
		backoff.WithBackOff(r.newBackOff()),
		backoff.WithMaxTries(r.retry.MaxAttempts),
	)
}

func (r *Runner) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.retry.InitialBackoff
	b.MaxInterval = r.retry.MaxBackoff
	return b
}

func (r *Runner) observe(ctx context.Context, job Job, span trace.Span) {
	source := attribute.String("source", job.Source)

	r.jobs.Add(ctx, 1, metric.WithAttributes(source, attribute.String("outcome", string(job.Outcome))))
	r.records.Add(ctx, int64(job.Merged), metric.WithAttributes(source, attribute.String("result", "merged")))
	r.records.Add(ctx, int64(job.Skipped), metric.WithAttributes(source, attribute.String("result", "skipped")))
	r.records.Add(ctx, int64(job.Failed), metric.WithAttributes(source, attribute.String("result", "failed")))

	span.SetAttributes(
		attribute.String("sync.outcome", string(job.Outcome)),
		attribute.Int("sync.merged", job.Merged),
		attribute.Int("sync.failed", job.Failed),
	)
	if job.Outcome == Failed {
		span.SetStatus(codes.Error, job.Error)
	}
}

func (r *Runner) alert(ctx context.Context, kind notify.Kind, job Job, logger *slog.Logger) {
	if r.notifier == nil {
		return
	}

	e := notify.NewEvent(kind, map[string]string{
		"job_id":  job.ID.String(),
		"merged":  strconv.Itoa(job.Merged),
		"skipped": strconv.Itoa(job.Skipped),
		"failed":  strconv.Itoa(job.Failed),
		"error":   job.Error,
	})
	e.Source = job.Source

	if err := r.notifier.Emit(context.WithoutCancel(ctx), e); err != nil {
		logger.ErrorContext(ctx, "sync alert not queued", "kind", kind, "error", err)
	}
}
