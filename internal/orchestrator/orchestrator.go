// Package orchestrator runs the job lifecycle: credit-gated admission,
// persistence, one background execution unit per job, progress, terminal
// finalization, outcome notification and cooperative cancellation.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dunamismax/florique/internal/domain"
	"github.com/dunamismax/florique/internal/enhance"
	"github.com/dunamismax/florique/internal/id"
	"github.com/dunamismax/florique/internal/registry"
	"github.com/dunamismax/florique/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// CreditGate is the admission check. A false result with a nil error means
// the balance was insufficient.
type CreditGate interface {
	TryDebit(ctx context.Context, owner string, amount int) (bool, error)
	Refund(ctx context.Context, owner string, amount int) error
}

// Notifier is the best-effort outcome delivery used after terminal writes.
type Notifier interface {
	Notify(ctx context.Context, target, jobID string, outcome domain.Outcome)
}

type Config struct {
	// StepDelay is the pause between worker steps.
	StepDelay        time.Duration
	EstimatedSeconds int
	// Cost is the credit debited per job.
	Cost int
}

type Deps struct {
	Store      store.JobStore
	Gate       CreditGate
	Registry   *registry.Registry
	Worker     enhance.Worker
	Notifier   Notifier
	Logger     *zap.SugaredLogger
	Registerer prometheus.Registerer
	Tracer     trace.Tracer
}

// Admission is the answer to an accepted start request.
type Admission struct {
	JobID            string           `json:"jobId"`
	Status           domain.JobStatus `json:"status"`
	EstimatedSeconds int              `json:"estimatedSeconds"`
}

var errCancelled = errors.New("job cancelled")

type Orchestrator struct {
	store    jobStoreAdapter
	gate     CreditGate
	registry *registry.Registry
	worker   enhance.Worker
	notifier Notifier
	logger   *zap.SugaredLogger
	metrics  *metrics
	tracer   trace.Tracer
	cfg      Config
	newID    func() string
	now      func() time.Time
	wg       sync.WaitGroup
}

func New(deps Deps, cfg Config) (*Orchestrator, error) {
	if deps.Store == nil {
		return nil, errors.New("job store is required")
	}
	if deps.Gate == nil {
		return nil, errors.New("credit gate is required")
	}
	if deps.Registry == nil {
		return nil, errors.New("job registry is required")
	}
	if deps.Worker == nil {
		return nil, errors.New("enhancement worker is required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop().Sugar()
	}
	if deps.Tracer == nil {
		deps.Tracer = otel.Tracer("florique/orchestrator")
	}
	if cfg.StepDelay < 0 {
		cfg.StepDelay = 0
	}
	if cfg.EstimatedSeconds <= 0 {
		cfg.EstimatedSeconds = 60
	}
	if cfg.Cost <= 0 {
		cfg.Cost = 1
	}

	return &Orchestrator{
		store:    jobStoreAdapter{store: deps.Store},
		gate:     deps.Gate,
		registry: deps.Registry,
		worker:   deps.Worker,
		notifier: deps.Notifier,
		logger:   deps.Logger.Named("orchestrator"),
		metrics:  newMetrics(deps.Registerer),
		tracer:   deps.Tracer,
		cfg:      cfg,
		newID:    id.New,
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// StartJob admits, persists and launches a job, returning as soon as the
// execution unit is spawned.
func (o *Orchestrator) StartJob(ctx context.Context, req domain.StartJobRequest) (Admission, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.start_job")
	defer span.End()

	if err := req.Validate(); err != nil {
		o.metrics.admissions.WithLabelValues("invalid").Inc()
		return Admission{}, err
	}
	owner := strings.TrimSpace(req.UserID)
	span.SetAttributes(attribute.String("user.id", owner), attribute.String("job.style", req.BackgroundStyle))

	ok, err := o.gate.TryDebit(ctx, owner, o.cfg.Cost)
	if err != nil {
		o.metrics.admissions.WithLabelValues("error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "credit check failed")
		return Admission{}, err
	}
	if !ok {
		o.metrics.admissions.WithLabelValues("insufficient_credit").Inc()
		return Admission{}, errors.Mark(errors.Newf("user %s has insufficient credit", owner), domain.ErrInsufficientCredit)
	}

	job := domain.Job{
		ID:                 o.newID(),
		Owner:              owner,
		Status:             domain.JobStatusProcessing,
		Progress:           domain.MinProgress,
		InputPayload:       req.ImagePath,
		StyleParameter:     req.BackgroundStyle,
		NotificationTarget: strings.TrimSpace(req.DeviceToken),
		CreatedAt:          o.now(),
	}
	span.SetAttributes(attribute.String("job.id", job.ID))

	if err := o.store.create(ctx, job); err != nil {
		o.metrics.admissions.WithLabelValues("error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "persist failed")
		if refundErr := o.gate.Refund(context.WithoutCancel(ctx), owner, o.cfg.Cost); refundErr != nil {
			o.logger.Errorw("credit refund failed after job persistence error",
				"job_id", job.ID, "user_id", owner, "error", refundErr)
		}
		return Admission{}, err
	}

	handle, err := o.registry.Track(job.ID)
	if err != nil {
		o.metrics.admissions.WithLabelValues("error").Inc()
		o.logger.Errorw("job id already tracked", "job_id", job.ID, "error", err)
		if failErr := o.store.fail(context.WithoutCancel(ctx), job.ID, "internal error: duplicate job id"); failErr != nil {
			o.logger.Errorw("could not fail untracked job", "job_id", job.ID, "error", failErr)
		}
		return Admission{}, err
	}

	o.metrics.admissions.WithLabelValues("accepted").Inc()
	o.logger.Infow("job started", "job_id", job.ID, "user_id", owner, "style", job.StyleParameter)

	o.wg.Add(1)
	go o.execute(handle, job)

	return Admission{
		JobID:            job.ID,
		Status:           domain.JobStatusProcessing,
		EstimatedSeconds: o.cfg.EstimatedSeconds,
	}, nil
}

func (o *Orchestrator) GetStatus(ctx context.Context, jobID string) (domain.StatusView, error) {
	job, err := o.store.get(ctx, jobID)
	if err != nil {
		return domain.StatusView{}, err
	}
	return domain.StatusView{JobID: job.ID, Status: job.Status, Progress: job.Progress}, nil
}

func (o *Orchestrator) GetResult(ctx context.Context, jobID string) (domain.JobResultView, error) {
	job, err := o.store.result(ctx, jobID)
	if err != nil {
		return domain.JobResultView{}, err
	}
	return domain.NewResultView(job), nil
}

// CancelJob signals the job's execution unit and returns without waiting for
// it to stop. The persisted record is left to the unit. A job whose terminal
// state is already persisted is no longer tracked, so it reports false.
func (o *Orchestrator) CancelJob(jobID string) bool {
	found := o.registry.Cancel(jobID)
	if found {
		o.metrics.cancelSignal.Inc()
		o.logger.Infow("job cancellation requested", "job_id", jobID)
	}
	return found
}

// Wait blocks until every execution unit has exited or ctx ends.
func (o *Orchestrator) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// execute is the execution unit. Untrack is deferred first so it runs last on
// every exit route, panics included.
func (o *Orchestrator) execute(handle *registry.Handle, job domain.Job) {
	defer o.wg.Done()
	defer o.registry.Untrack(job.ID)

	startedAt := time.Now()
	o.metrics.activeJobs.Inc()
	defer o.metrics.activeJobs.Dec()

	ctx, span := o.tracer.Start(handle.Context(), "orchestrator.execute", trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("user.id", job.Owner),
		attribute.String("job.style", job.StyleParameter),
	)
	defer span.End()

	// Terminal writes and notifications must outlive cancellation.
	finalCtx := context.WithoutCancel(ctx)

	// finalized is set once a terminal state is persisted; nothing after that
	// point may write or count the job again.
	var finalized bool
	settle := func(outcome domain.Outcome, persisted bool) {
		if !persisted {
			return
		}
		finalized = true
		o.registry.Untrack(job.ID)
		o.notify(finalCtx, job, outcome)
	}

	defer func() {
		if r := recover(); r != nil {
			err := errors.Mark(errors.Newf("enhancement fault: %v", r), domain.ErrWorkerFault)
			span.RecordError(err)
			if finalized {
				o.logger.Errorw("execution unit panicked after finalization", "job_id", job.ID, "panic", fmt.Sprint(r))
				return
			}
			o.logger.Errorw("execution unit panicked", "job_id", job.ID, "panic", fmt.Sprint(r))
			span.SetStatus(codes.Error, "panic")
			settle(o.finishFailed(finalCtx, job, err, startedAt))
		}
	}()

	output, err := o.run(ctx, handle, job)
	switch {
	case err == nil:
		settle(o.finishCompleted(finalCtx, job, output, startedAt))
		span.SetStatus(codes.Ok, "completed")
	case errors.Is(err, errCancelled):
		o.logger.Infow("job cancelled", "job_id", job.ID, "user_id", job.Owner)
		o.observeExit("cancelled", startedAt)
		span.SetAttributes(attribute.Bool("job.cancelled", true))
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed")
		settle(o.finishFailed(finalCtx, job, err, startedAt))
	}
}

// run drives the worker until it reports a result. Cancellation is observed
// before each step, during the inter-step delay and around each write.
func (o *Orchestrator) run(ctx context.Context, handle *registry.Handle, job domain.Job) (string, error) {
	state := enhance.State{
		JobID:    job.ID,
		Style:    job.StyleParameter,
		Input:    job.InputPayload,
		Progress: job.Progress,
	}

	for {
		if handle.Cancelled() {
			return "", errCancelled
		}

		step, err := o.worker.Step(ctx, state)
		if err != nil {
			if handle.Cancelled() {
				return "", errCancelled
			}
			return "", errors.Mark(errors.Wrapf(err, "enhancement step %d", state.Iteration), domain.ErrWorkerFault)
		}
		if step.Done {
			return step.Output, nil
		}

		next := clampProgress(state.Progress, step.ProgressDelta)
		if next != state.Progress {
			if err := o.store.progress(ctx, job.ID, next); err != nil {
				if handle.Cancelled() {
					return "", errCancelled
				}
				return "", err
			}
			o.logger.Debugw("job progress", "job_id", job.ID, "progress", next)
		}

		state.Progress = next
		state.Iteration++
		state.Scratch = step.Scratch

		if err := o.pause(handle); err != nil {
			return "", err
		}
	}
}

func (o *Orchestrator) pause(handle *registry.Handle) error {
	if o.cfg.StepDelay <= 0 {
		return nil
	}
	timer := time.NewTimer(o.cfg.StepDelay)
	defer timer.Stop()

	select {
	case <-handle.Done():
		return errCancelled
	case <-timer.C:
		return nil
	}
}

// finishCompleted persists the completion, falling back to a failure write
// when that is refused. It reports the outcome to notify and whether any
// terminal state was persisted.
func (o *Orchestrator) finishCompleted(ctx context.Context, job domain.Job, output string, startedAt time.Time) (domain.Outcome, bool) {
	if err := o.store.complete(ctx, job.ID, output); err != nil {
		o.logger.Errorw("could not persist completion", "job_id", job.ID, "error", err)
		return o.finishFailed(ctx, job, err, startedAt)
	}

	o.logger.Infow("job completed", "job_id", job.ID, "user_id", job.Owner, "status", domain.JobStatusCompleted)
	o.observeExit(string(domain.JobStatusCompleted), startedAt)
	return domain.OutcomeSuccess, true
}

func (o *Orchestrator) finishFailed(ctx context.Context, job domain.Job, cause error, startedAt time.Time) (domain.Outcome, bool) {
	detail := cause.Error()
	o.observeExit(string(domain.JobStatusFailed), startedAt)
	if err := o.store.fail(ctx, job.ID, detail); err != nil {
		// Without a terminal write there is nothing to notify about.
		o.logger.Errorw("could not persist failure", "job_id", job.ID, "cause", detail, "error", err)
		return domain.OutcomeFailure, false
	}

	o.logger.Warnw("job failed", "job_id", job.ID, "user_id", job.Owner, "status", domain.JobStatusFailed, "error", detail)
	return domain.OutcomeFailure, true
}

func (o *Orchestrator) notify(ctx context.Context, job domain.Job, outcome domain.Outcome) {
	if o.notifier == nil || job.NotificationTarget == "" {
		return
	}
	o.notifier.Notify(ctx, job.NotificationTarget, job.ID, outcome)
}

func (o *Orchestrator) observeExit(outcome string, startedAt time.Time) {
	o.metrics.finished.WithLabelValues(outcome).Inc()
	o.metrics.jobDuration.WithLabelValues(outcome).Observe(time.Since(startedAt).Seconds())
}

func clampProgress(current, delta int) int {
	next := current + delta
	if next < current {
		next = current
	}
	if next > domain.MaxProgress {
		next = domain.MaxProgress
	}
	return next
}
