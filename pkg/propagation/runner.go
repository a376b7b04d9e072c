package propagation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/gatehouse/pkg/access"
	"github.com/platinummonkey/gatehouse/pkg/observability"
	"github.com/platinummonkey/gatehouse/pkg/stores"
)

var runnerTracer = otel.Tracer("gatehouse/propagation")

// Config configures the runner
type Config struct {
	// MaxParallel bounds concurrent target mutations per job
	MaxParallel int
	Retry       RetryConfig
	// ExcludeHero leaves the hero tenant out of organization targets unless
	// a request asks for it
	ExcludeHero bool
}

// DefaultConfig returns the default runner configuration
func DefaultConfig() Config {
	return Config{
		MaxParallel: 8,
		Retry:       DefaultRetryConfig(),
		ExcludeHero: true,
	}
}

// Deps are the runner's collaborators
type Deps struct {
	Store      JobStore
	Directory  stores.Directory
	Authorizer Authorizer
	Applier    Applier
	Source     SourceReader
	// Listener, when set, is told about every job reaching a terminal status
	Listener JobListener
}

// JobListener observes finished jobs. It is called once per job, after the
// terminal status is persisted and before Wait returns.
type JobListener interface {
	JobFinished(ctx context.Context, job *Job)
}

// jobState is the runner's live copy of a running job
type jobState struct {
	mu        sync.Mutex
	job       *Job
	cancel    context.CancelFunc
	cancelled bool
	done      chan struct{}
}

func (s *jobState) snapshot() *Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.job.Clone()
}

// Runner executes propagation jobs in the background
type Runner struct {
	store   JobStore
	dir     stores.Directory
	auth    Authorizer
	applier Applier
	source  SourceReader
	listen  JobListener
	cfg     Config
	retry   *RetryPolicy
	log     *logrus.Logger
	metrics *observability.Metrics
	now     func() time.Time

	ctx     context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	active  map[string]*jobState
	closed  bool
}

// NewRunner creates a runner. log and metrics may be nil.
func NewRunner(deps Deps, cfg Config, log *logrus.Logger, metrics *observability.Metrics) *Runner {
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = DefaultConfig().MaxParallel
	}
	if log == nil {
		log = logrus.New()
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Runner{
		store:   deps.Store,
		dir:     deps.Directory,
		auth:    deps.Authorizer,
		applier: deps.Applier,
		source:  deps.Source,
		listen:  deps.Listener,
		cfg:     cfg,
		retry:   NewRetryPolicy(cfg.Retry),
		log:     log,
		metrics: metrics,
		now:     time.Now,
		ctx:     ctx,
		stop:    stop,
		active:  make(map[string]*jobState),
	}
}

// Submit records a queued job and starts it. The returned job is a snapshot;
// poll Get or block on Wait for progress.
func (r *Runner) Submit(ctx context.Context, req Request) (*Job, error) {
	if !req.Scope.Valid() {
		return nil, &access.ValidationError{Reason: fmt.Sprintf("unknown scope %q", req.Scope)}
	}

	now := r.now()
	job := &Job{
		ID:        uuid.NewString(),
		Request:   req,
		Status:    StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRunnerClosed
	}
	if err := r.store.Create(ctx, job); err != nil {
		r.mu.Unlock()
		return nil, fmt.Errorf("failed to record job: %w", err)
	}
	jobCtx, cancel := context.WithCancel(r.ctx)
	st := &jobState{job: job, cancel: cancel, done: make(chan struct{})}
	r.active[job.ID] = st
	r.wg.Add(1)
	r.mu.Unlock()

	r.metrics.RecordJobSubmitted(string(req.Scope), req.DryRun)
	r.log.WithFields(logrus.Fields{
		"job_id":    job.ID,
		"scope":     req.Scope,
		"initiator": req.InitiatorUserID,
		"dry_run":   req.DryRun,
	}).Info("Propagation job submitted")

	go r.run(jobCtx, st)
	return job.Clone(), nil
}

// Get returns the current state of a job
func (r *Runner) Get(ctx context.Context, id string) (*Job, error) {
	r.mu.Lock()
	st, ok := r.active[id]
	r.mu.Unlock()
	if ok {
		return st.snapshot(), nil
	}
	return r.store.Get(ctx, id)
}

// Wait blocks until the job is terminal or ctx is done
func (r *Runner) Wait(ctx context.Context, id string) (*Job, error) {
	r.mu.Lock()
	st, ok := r.active[id]
	r.mu.Unlock()
	if ok {
		select {
		case <-st.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return r.store.Get(ctx, id)
}

// Cancel stops a job. Queued and validating jobs stop before touching any
// target. Applying jobs stop prospectively: targets already mutated stay
// mutated and in-flight attempts finish.
func (r *Runner) Cancel(ctx context.Context, id string) (*Job, error) {
	r.mu.Lock()
	st, ok := r.active[id]
	r.mu.Unlock()
	if !ok {
		job, err := r.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		return job, ErrJobFinished
	}

	st.mu.Lock()
	if st.job.Status.Terminal() {
		st.mu.Unlock()
		return st.snapshot(), ErrJobFinished
	}
	st.cancelled = true
	st.mu.Unlock()
	st.cancel()

	r.log.WithField("job_id", id).Info("Propagation job cancellation requested")
	return st.snapshot(), nil
}

// Close cancels running jobs prospectively and waits for them to settle
func (r *Runner) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.stop()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("propagation runner close: %w", ctx.Err())
	}
}

func (r *Runner) run(ctx context.Context, st *jobState) {
	defer r.wg.Done()
	defer r.finish(st)
	defer func() {
		if err := observability.RecoveredError(recover()); err != nil {
			r.log.WithError(err).WithField("job_id", st.job.ID).Error("Propagation job panicked")
			r.transition(st, func(j *Job) {
				j.Status = StatusFailed
				j.Error = err.Error()
			})
		}
	}()

	ctx, span := runnerTracer.Start(ctx, "propagation.Run")
	defer span.End()
	span.SetAttributes(
		attribute.String("job_id", st.job.ID),
		attribute.String("scope", string(st.job.Scope)),
		attribute.Bool("dry_run", st.job.DryRun),
	)

	if r.stopIfCancelled(st) {
		return
	}
	r.transition(st, func(j *Job) { j.Status = StatusValidating })

	p, err := r.validate(ctx, st.snapshot())
	if r.stopIfCancelled(st) {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "validation failed")
		r.log.WithError(err).WithField("job_id", st.job.ID).Warn("Propagation job failed validation")
		r.transition(st, func(j *Job) {
			j.Status = StatusFailed
			j.Error = err.Error()
		})
		return
	}

	r.transition(st, func(j *Job) {
		j.SourceTenantID = p.source
		j.Payload = p.payload
		j.Targets = make([]TargetResult, len(p.targets))
		for i, id := range p.targets {
			j.Targets[i] = TargetResult{TenantID: id, Status: TargetPending}
		}
		if j.DryRun {
			j.Status = StatusDryRun
		} else {
			j.Status = StatusApplying
		}
	})
	span.SetAttributes(attribute.Int("targets", len(p.targets)))

	if st.job.DryRun {
		r.dryRun(ctx, st, p)
		r.transition(st, func(j *Job) {
			if st.cancelled {
				j.Status = StatusCancelled
				return
			}
			j.Status = StatusCompleted
		})
		return
	}

	r.apply(ctx, st, p)
	r.transition(st, func(j *Job) {
		j.Status = settledStatus(j.Summary(), st.cancelled)
	})
}

// settledStatus is the terminal status of an applying job. A cancelled job
// that already changed some targets reports partially_completed so the
// applied changes stay visible; it is cancelled only when nothing succeeded.
func settledStatus(s Summary, cancelled bool) JobStatus {
	if (cancelled || s.Cancelled > 0) && s.Succeeded == 0 {
		return StatusCancelled
	}
	return outcome(s)
}

// dryRun computes every target's diff without mutating
func (r *Runner) dryRun(ctx context.Context, st *jobState, p *plan) {
	r.forEachTarget(ctx, p, func(ctx context.Context, i int, tenantID string) {
		changes, err := r.applier.Diff(ctx, tenantID, p.payload)
		r.transition(st, func(j *Job) {
			t := &j.Targets[i]
			now := r.now()
			t.CompletedAt = &now
			if err != nil {
				t.Status = TargetFailed
				t.Error = err.Error()
				return
			}
			t.Status = TargetSuccess
			t.Diff = changes
		})
	})
}

// apply mutates every target independently with bounded parallelism
func (r *Runner) apply(ctx context.Context, st *jobState, p *plan) {
	r.forEachTarget(ctx, p, func(ctx context.Context, i int, tenantID string) {
		r.applyTarget(ctx, st, p, i, tenantID)
	})
}

func (r *Runner) forEachTarget(ctx context.Context, p *plan, fn func(context.Context, int, string)) {
	var g errgroup.Group
	g.SetLimit(r.cfg.MaxParallel)
	for i, id := range p.targets {
		i, id := i, id
		g.Go(func() error {
			fn(ctx, i, id)
			return nil
		})
	}
	_ = g.Wait()
}

func (r *Runner) applyTarget(ctx context.Context, st *jobState, p *plan, i int, tenantID string) {
	entry := r.log.WithFields(logrus.Fields{"job_id": st.job.ID, "tenant_id": tenantID})

	var lastErr error
	for attempt := 1; ; attempt++ {
		if ctx.Err() != nil {
			r.settleTarget(st, i, TargetCancelled, lastErr)
			return
		}

		err := r.safeApply(ctx, tenantID, p.payload)
		r.transition(st, func(j *Job) { j.Targets[i].Attempts = attempt })
		if err == nil {
			r.metrics.RecordTargetAttempt("success")
			r.settleTarget(st, i, TargetSuccess, nil)
			return
		}
		lastErr = err
		r.metrics.RecordTargetAttempt("error")

		if !r.retry.ShouldRetry(attempt, err) {
			entry.WithError(err).WithField("attempts", attempt).Warn("Propagation target failed")
			r.settleTarget(st, i, TargetFailed, err)
			return
		}

		delay := r.retry.NextRetryDelay(attempt)
		entry.WithError(err).WithFields(logrus.Fields{
			"attempt": attempt,
			"delay":   delay,
		}).Debug("Retrying propagation target")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
		case <-timer.C:
		}
	}
}

// safeApply converts an applier panic into a target failure
func (r *Runner) safeApply(ctx context.Context, tenantID string, payload Payload) (err error) {
	defer func() {
		if perr := observability.RecoveredError(recover()); perr != nil {
			err = perr
		}
	}()
	return r.applier.Apply(ctx, tenantID, payload)
}

func (r *Runner) settleTarget(st *jobState, i int, status TargetStatus, err error) {
	r.transition(st, func(j *Job) {
		t := &j.Targets[i]
		now := r.now()
		t.Status = status
		t.CompletedAt = &now
		switch {
		case status == TargetFailed:
			t.Error = fmt.Errorf("%w: %v", access.ErrTargetMutationFailed, err).Error()
		case err != nil:
			t.Error = err.Error()
		}
	})
}

// stopIfCancelled finishes a job cancelled before it touched any target
func (r *Runner) stopIfCancelled(st *jobState) bool {
	st.mu.Lock()
	cancelled := st.cancelled
	st.mu.Unlock()
	if !cancelled {
		return false
	}
	r.transition(st, func(j *Job) { j.Status = StatusCancelled })
	return true
}

// transition mutates the live job and persists a snapshot
func (r *Runner) transition(st *jobState, fn func(*Job)) {
	st.mu.Lock()
	fn(st.job)
	now := r.now()
	st.job.UpdatedAt = now
	if st.job.Status.Terminal() && st.job.CompletedAt == nil {
		st.job.CompletedAt = &now
	}
	snap := st.job.Clone()
	st.mu.Unlock()

	// persisted on a fresh context so cancellation never loses the record
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.store.Update(ctx, snap); err != nil {
		r.log.WithError(err).WithField("job_id", snap.ID).Error("Failed to persist propagation job")
	}
}

func (r *Runner) finish(st *jobState) {
	job := st.snapshot()
	if !job.Status.Terminal() {
		r.transition(st, func(j *Job) { j.Status = StatusFailed })
		job = st.snapshot()
	}

	var d time.Duration
	if job.CompletedAt != nil {
		d = job.CompletedAt.Sub(job.CreatedAt)
	}
	r.metrics.RecordJobFinished(string(job.Status), d)

	s := job.Summary()
	r.log.WithFields(logrus.Fields{
		"job_id":    job.ID,
		"status":    job.Status,
		"succeeded": s.Succeeded,
		"failed":    s.Failed,
		"cancelled": s.Cancelled,
	}).Info("Propagation job finished")

	if r.listen != nil {
		r.notify(job)
	}

	r.mu.Lock()
	delete(r.active, job.ID)
	r.mu.Unlock()
	st.cancel()
	close(st.done)
}

func (r *Runner) notify(job *Job) {
	defer observability.RecoverPanic(r.log, "propagation job listener")
	r.listen.JobFinished(context.WithoutCancel(r.ctx), job)
}
