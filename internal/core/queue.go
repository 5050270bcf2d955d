package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/orrn/labelpress/internal/config"
	"github.com/orrn/labelpress/internal/events"
)

const (
	PolicyImmediateRetry     = "immediate_retry"
	PolicyDelayedRetry       = "delayed_retry"
	PolicyManualIntervention = "manual_intervention"
)

type Option func(*Queue)

func WithLogger(log zerolog.Logger) Option {
	return func(q *Queue) { q.log = log.With().Str("component", "queue").Logger() }
}

// WithClock replaces time.Now for job and printer timestamps. Timers still
// run on the wall clock.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

func WithBalancer(b Balancer) Option {
	return func(q *Queue) { q.balancer = b }
}

// run is one dispatched execution of a job on a printer.
type run struct {
	jobID     string
	printerID string
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	started   time.Time
	cancelled bool
	code      string
	reason    string
}

// Queue schedules print jobs onto printers. Every job and printer mutation
// happens with mu held.
type Queue struct {
	store     Store
	compiler  Compiler
	transport Transport
	events    events.Publisher
	balancer  Balancer
	cfg       config.QueueConfig
	pcfg      config.PrintersConfig
	weights   map[Priority]int
	log       zerolog.Logger
	now       func() time.Time

	mu       sync.Mutex
	running  bool
	stopping bool
	inflight map[string]*run
	timers   map[string]*time.Timer
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

func NewQueue(store Store, compiler Compiler, transport Transport, pub events.Publisher,
	cfg *config.QueueConfig, pcfg *config.PrintersConfig, opts ...Option) *Queue {
	defaults := config.Default()
	if cfg == nil {
		cfg = &defaults.Queue
	}
	if pcfg == nil {
		pcfg = &defaults.Printers
	}
	if pub == nil {
		pub = events.Nop
	}

	qc := *cfg
	if qc.MaxConcurrentJobs < 1 {
		qc.MaxConcurrentJobs = defaults.Queue.MaxConcurrentJobs
	}
	if qc.DefaultTimeout <= 0 {
		qc.DefaultTimeout = defaults.Queue.DefaultTimeout
	}
	if qc.RetryDelay <= 0 {
		qc.RetryDelay = defaults.Queue.RetryDelay
	}
	if qc.MaxRetryDelay < qc.RetryDelay {
		qc.MaxRetryDelay = qc.RetryDelay
	}
	if qc.CancelGrace <= 0 {
		qc.CancelGrace = defaults.Queue.CancelGrace
	}
	if qc.LoadBalancing == "" {
		qc.LoadBalancing = defaults.Queue.LoadBalancing
	}
	if qc.ErrorHandling == "" {
		qc.ErrorHandling = defaults.Queue.ErrorHandling
	}

	pc := *pcfg
	if pc.HeartbeatInterval <= 0 {
		pc.HeartbeatInterval = defaults.Printers.HeartbeatInterval
	}
	if pc.HeartbeatTimeout <= 0 {
		pc.HeartbeatTimeout = defaults.Printers.HeartbeatTimeout
	}
	if pc.ConnectionTimeout <= 0 {
		pc.ConnectionTimeout = defaults.Printers.ConnectionTimeout
	}

	weights := make(map[Priority]int, len(Priorities))
	for p, w := range DefaultPriorityWeights {
		weights[p] = w
	}
	for name, w := range qc.PriorityWeights {
		weights[Priority(strings.ToUpper(name))] = w
	}

	q := &Queue{
		store:     store,
		compiler:  compiler,
		transport: transport,
		events:    pub,
		balancer:  NewBalancer(qc.LoadBalancing),
		cfg:       qc,
		pcfg:      pc,
		weights:   weights,
		log:       zerolog.Nop(),
		now:       time.Now,
		inflight:  make(map[string]*run),
		timers:    make(map[string]*time.Timer),
		stopCh:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Start requeues jobs interrupted by a previous process, starts the
// heartbeat monitor and runs a first dispatch sweep.
func (q *Queue) Start() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.running {
		return nil
	}
	if q.stopping {
		return ErrQueueStopped
	}

	if err := q.recoverLocked(); err != nil {
		return fmt.Errorf("failed to recover jobs: %w", err)
	}

	q.running = true
	q.wg.Add(1)
	go q.monitorHeartbeats()

	q.dispatchLocked()
	q.log.Info().Int("max_concurrent_jobs", q.cfg.MaxConcurrentJobs).Str("load_balancing", q.cfg.LoadBalancing).Msg("queue started")
	return nil
}

func (q *Queue) recoverLocked() error {
	ctx := context.Background()

	stale, err := q.store.ListJobsByStatus(ctx, JobPending, JobCompiling, JobCompiled, JobPrinting)
	if err != nil {
		return err
	}
	for _, job := range stale {
		old := job.Status
		job.Status = JobQueued
		job.Progress = Progress{Phase: "queued", TotalItems: job.TotalLabels()}
		job.UpdatedAt = q.now()
		if err := q.store.SaveJob(ctx, job); err != nil {
			return err
		}
		q.emit(events.Event{Type: events.JobStatusChanged, JobID: job.ID, OldStatus: string(old), NewStatus: string(JobQueued), Message: "recovered after restart"})
		q.log.Info().Str("job_id", job.ID).Str("from", string(old)).Msg("recovered interrupted job")
	}

	printers, err := q.store.ListPrinters(ctx)
	if err != nil {
		return err
	}
	for _, p := range printers {
		if p.CurrentJobID == "" {
			continue
		}
		p.CurrentJobID = ""
		if p.Status == PrinterBusy {
			p.Status = PrinterOnline
		}
		if err := q.store.SavePrinter(ctx, p); err != nil {
			return err
		}
	}

	queued, err := q.store.ListJobsByStatus(ctx, JobQueued)
	if err != nil {
		return err
	}
	for _, job := range queued {
		q.armScheduleLocked(job)
	}
	return nil
}

// Shutdown cancels in-flight jobs, stops timers and waits for executions to
// return or for ctx to expire.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	if q.stopping {
		q.mu.Unlock()
		return nil
	}
	q.stopping = true
	for id, t := range q.timers {
		t.Stop()
		delete(q.timers, id)
	}
	runs := make([]*run, 0, len(q.inflight))
	for _, r := range q.inflight {
		r.cancelled = true
		r.code = CodeSystemShutdown
		r.reason = "System shutdown"
		r.cancel()
		runs = append(runs, r)
	}
	close(q.stopCh)
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		for _, r := range runs {
			q.forceCancel(r)
		}
		err = ctx.Err()
	}

	q.mu.Lock()
	q.running = false
	q.mu.Unlock()

	q.emit(events.Event{Type: events.Shutdown, Message: "queue stopped"})
	q.log.Info().Int("cancelled_jobs", len(runs)).Msg("queue stopped")
	return err
}

// Submit validates spec, queues the job and tries to dispatch it at once.
func (q *Queue) Submit(spec JobSpec) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopping {
		return "", ErrQueueStopped
	}

	job, err := q.buildJobLocked(spec)
	if err != nil {
		return "", err
	}

	ctx := context.Background()
	if err := q.store.SaveJob(ctx, job); err != nil {
		return "", fmt.Errorf("failed to save job: %w", err)
	}
	q.emit(events.Event{Type: events.JobAdded, JobID: job.ID, PrinterID: job.RequestedPrinterID, NewStatus: string(job.Status), Payload: job.Clone()})

	job.Progress.Phase = "queued"
	if err := q.setStatusLocked(job, JobQueued, ""); err != nil {
		return "", err
	}

	q.log.Info().Str("job_id", job.ID).Str("printer_id", job.RequestedPrinterID).Str("priority", string(job.Priority)).Int("labels", job.TotalLabels()).Msg("job submitted")

	q.armScheduleLocked(job)
	q.dispatchLocked()
	return job.ID, nil
}

func (q *Queue) buildJobLocked(spec JobSpec) (*Job, error) {
	ctx := context.Background()

	if len(spec.LabelItems) == 0 {
		return nil, invalid("label_items", "at least one label item is required")
	}
	for i, it := range spec.LabelItems {
		if it.Quantity < 0 {
			return nil, invalid(fmt.Sprintf("label_items[%d].quantity", i), "must not be negative")
		}
	}
	if spec.EstimatedDuration <= 0 {
		return nil, invalid("estimated_duration", "must be positive")
	}

	priority, err := ParsePriority(string(spec.Priority))
	if err != nil {
		return nil, invalid("priority", "%v", err)
	}

	maxRetries := q.cfg.MaxRetries
	if spec.MaxRetries != nil {
		if *spec.MaxRetries < 0 {
			return nil, invalid("max_retries", "must not be negative")
		}
		maxRetries = *spec.MaxRetries
	}

	balanced := q.balancer != nil && !spec.PinPrinter
	if spec.PrinterID == "" {
		if !balanced {
			return nil, invalid("printer_id", "required when load balancing is disabled")
		}
	} else if _, err := q.store.GetPrinter(ctx, spec.PrinterID); err != nil {
		if !errors.Is(err, ErrPrinterNotFound) {
			return nil, err
		}
		if !balanced {
			return nil, invalid("printer_id", "printer %s is not registered", spec.PrinterID)
		}
	}

	for _, dep := range spec.Dependencies {
		if _, err := q.store.GetJob(ctx, dep); err != nil {
			if errors.Is(err, ErrJobNotFound) {
				return nil, invalid("dependencies", "job %s does not exist", dep)
			}
			return nil, err
		}
	}

	if spec.Template != nil {
		if err := spec.Template.Validate(); err != nil {
			return nil, invalid("template", "%v", err)
		}
	}

	now := q.now()
	job := &Job{
		ID:                 uuid.NewString(),
		BatchID:            spec.BatchID,
		RequestedPrinterID: spec.PrinterID,
		LabelProfileID:     spec.LabelProfileID,
		PinPrinter:         spec.PinPrinter,
		Priority:           priority,
		Status:             JobPending,
		Template:           spec.Template.Clone(),
		RequiredFormat:     spec.RequiredFormat,
		MaxRetries:         maxRetries,
		Dependencies:       append([]string(nil), spec.Dependencies...),
		EstimatedDuration:  spec.EstimatedDuration,
		CreatedAt:          now,
		UpdatedAt:          now,
		ScheduledAt:        cloneTime(spec.ScheduledAt),
		Metadata:           spec.Metadata,
	}
	job.LabelItems = (&Job{LabelItems: spec.LabelItems}).Clone().LabelItems
	job.Progress = Progress{Phase: "pending", TotalItems: job.TotalLabels()}
	return job, nil
}

// Cancel stops a job that has not reached a terminal state. An executing job
// is signalled and given CancelGrace to unwind before it is force-marked.
func (q *Queue) Cancel(id, reason string) (bool, error) {
	if reason == "" {
		reason = "Cancelled by user"
	}

	q.mu.Lock()
	job, err := q.store.GetJob(context.Background(), id)
	if err != nil {
		q.mu.Unlock()
		return false, err
	}
	if job.Status.Terminal() {
		q.mu.Unlock()
		return false, nil
	}

	r, ok := q.inflight[id]
	if !ok {
		q.stopTimerLocked(id)
		err := q.markCancelledLocked(job, CodeUserCancelled, reason)
		q.mu.Unlock()
		return err == nil, err
	}
	if r.cancelled {
		q.mu.Unlock()
		return false, nil
	}
	r.cancelled = true
	r.code = CodeUserCancelled
	r.reason = reason
	r.cancel()
	q.mu.Unlock()

	select {
	case <-r.done:
	case <-time.After(q.cfg.CancelGrace):
		q.log.Warn().Str("job_id", id).Dur("grace", q.cfg.CancelGrace).Msg("job did not stop in time, forcing cancellation")
		q.forceCancel(r)
	}
	return true, nil
}

// forceCancel marks r's job cancelled and reclaims its printer without
// waiting for the execution to return. A late completion is ignored.
func (q *Queue) forceCancel(r *run) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.inflight[r.jobID] != r {
		return
	}
	delete(q.inflight, r.jobID)

	job, err := q.store.GetJob(context.Background(), r.jobID)
	if err != nil {
		q.log.Error().Err(err).Str("job_id", r.jobID).Msg("failed to load job for cancellation")
	} else if err := q.markCancelledLocked(job, r.code, r.reason); err != nil {
		q.log.Error().Err(err).Str("job_id", r.jobID).Msg("failed to cancel job")
	}
	q.releasePrinterLocked(r.printerID, r.jobID, false)
	q.dispatchLocked()
}

// Retry requeues a failed job while it has retries left.
func (q *Queue) Retry(id string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, err := q.store.GetJob(context.Background(), id)
	if err != nil {
		return false, err
	}
	if job.Status != JobFailed || job.RetryCount >= job.MaxRetries {
		return false, nil
	}
	if q.stopping {
		return false, ErrQueueStopped
	}

	q.stopTimerLocked(id)
	if err := q.requeueLocked(job); err != nil {
		return false, err
	}
	return true, nil
}

func (q *Queue) requeueLocked(job *Job) error {
	job.RetryCount++
	job.ErrorDetails = nil
	job.CompletedAt = nil
	job.Output = nil
	job.Progress = Progress{Phase: "queued", TotalItems: job.TotalLabels()}

	q.emit(events.Event{Type: events.JobStatusChanged, JobID: job.ID, PrinterID: job.PrinterID, OldStatus: string(JobFailed), NewStatus: string(JobRetrying)})
	job.Status = JobRetrying
	if err := q.setStatusLocked(job, JobQueued, ""); err != nil {
		return err
	}
	q.emit(events.Event{Type: events.JobRetried, JobID: job.ID, PrinterID: job.PrinterID, Payload: map[string]int{"retry_count": job.RetryCount, "max_retries": job.MaxRetries}})
	q.log.Info().Str("job_id", job.ID).Int("retry_count", job.RetryCount).Int("max_retries", job.MaxRetries).Msg("job requeued")

	q.dispatchLocked()
	return nil
}

func (q *Queue) scheduleRetryLocked(job *Job) {
	delay := q.cfg.RetryDelay
	if q.cfg.ErrorHandling == PolicyDelayedRetry {
		delay = q.cfg.RetryDelay << uint(job.RetryCount)
		if delay > q.cfg.MaxRetryDelay || delay <= 0 {
			delay = q.cfg.MaxRetryDelay
		}
	}

	id := job.ID
	q.stopTimerLocked(id)
	q.timers[id] = time.AfterFunc(delay, func() { q.autoRetry(id) })
	q.log.Info().Str("job_id", id).Dur("delay", delay).Int("retry_count", job.RetryCount).Msg("automatic retry scheduled")
}

func (q *Queue) autoRetry(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.timers, id)
	if q.stopping {
		return
	}
	job, err := q.store.GetJob(context.Background(), id)
	if err != nil || job.Status != JobFailed || job.RetryCount >= job.MaxRetries {
		return
	}
	if err := q.requeueLocked(job); err != nil {
		q.log.Error().Err(err).Str("job_id", id).Msg("automatic retry failed")
	}
}

func (q *Queue) shouldAutoRetry(job *Job, je *JobError) bool {
	return je.Recoverable &&
		job.RetryCount < job.MaxRetries &&
		q.cfg.ErrorHandling != PolicyManualIntervention &&
		q.running && !q.stopping
}

func (q *Queue) armScheduleLocked(job *Job) {
	if job.ScheduledAt == nil {
		return
	}
	delay := job.ScheduledAt.Sub(q.now())
	if delay <= 0 {
		return
	}
	id := job.ID
	q.stopTimerLocked(id)
	q.timers[id] = time.AfterFunc(delay, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		delete(q.timers, id)
		q.dispatchLocked()
	})
}

func (q *Queue) stopTimerLocked(id string) {
	if t, ok := q.timers[id]; ok {
		t.Stop()
		delete(q.timers, id)
	}
}

// Sweep runs a dispatch pass. It is triggered internally after every change
// that can free capacity; callers rarely need it.
func (q *Queue) Sweep() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.dispatchLocked()
}

// dispatchLocked matches eligible queued jobs to idle online printers in
// priority order until capacity or printers run out.
func (q *Queue) dispatchLocked() {
	if !q.running || q.stopping {
		return
	}
	free := q.cfg.MaxConcurrentJobs - len(q.inflight)
	if free <= 0 {
		return
	}

	ctx := context.Background()
	jobs, err := q.store.ListJobs(ctx)
	if err != nil {
		q.log.Error().Err(err).Msg("dispatch: failed to list jobs")
		return
	}
	printers, err := q.store.ListPrinters(ctx)
	if err != nil {
		q.log.Error().Err(err).Msg("dispatch: failed to list printers")
		return
	}

	q.failBlockedLocked(jobs)
	eligible := q.dispatchOrder(jobs, q.now())
	waiting := make(map[string]int)
	for _, j := range jobs {
		if j.Status == JobQueued {
			waiting[j.RequestedPrinterID]++
		}
	}

	var available []*Printer
	for _, p := range printers {
		if p.QueueLength != waiting[p.ID] {
			p.QueueLength = waiting[p.ID]
			if err := q.store.SavePrinter(ctx, p); err != nil {
				q.log.Error().Err(err).Str("printer_id", p.ID).Msg("dispatch: failed to save queue length")
			}
		}
		if p.Status == PrinterOnline && p.CurrentJobID == "" {
			available = append(available, p)
		}
	}
	if len(eligible) == 0 || len(available) == 0 {
		return
	}

	for _, job := range eligible {
		if free == 0 || len(available) == 0 {
			return
		}
		idx := -1
		for i, p := range available {
			if p.ID == job.RequestedPrinterID {
				idx = i
				break
			}
		}
		if idx < 0 && !job.PinPrinter && q.balancer != nil {
			if p := q.balancer.Pick(job, available); p != nil {
				for i := range available {
					if available[i].ID == p.ID {
						idx = i
						break
					}
				}
			}
		}
		if idx < 0 {
			continue
		}

		printer := available[idx]
		available = append(available[:idx], available[idx+1:]...)
		if err := q.startLocked(job, printer); err != nil {
			q.log.Error().Err(err).Str("job_id", job.ID).Str("printer_id", printer.ID).Msg("dispatch failed")
			continue
		}
		free--
	}
}

// dispatchOrder returns the queued jobs that may start at now, highest
// priority first, then oldest.
func (q *Queue) dispatchOrder(jobs []*Job, now time.Time) []*Job {
	status := make(map[string]JobStatus, len(jobs))
	for _, j := range jobs {
		status[j.ID] = j.Status
	}

	var eligible []*Job
	for _, j := range jobs {
		if j.Status != JobQueued {
			continue
		}
		if j.ScheduledAt != nil && j.ScheduledAt.After(now) {
			continue
		}
		ready := true
		for _, dep := range j.Dependencies {
			if status[dep] != JobCompleted {
				ready = false
				break
			}
		}
		if ready {
			eligible = append(eligible, j)
		}
	}

	sort.SliceStable(eligible, func(i, k int) bool {
		a, b := eligible[i], eligible[k]
		if wa, wb := q.weights[a.Priority], q.weights[b.Priority]; wa != wb {
			return wa > wb
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return eligible
}

// deadDependency reports whether j can never complete: it was cancelled, or
// it failed with no retries left.
func deadDependency(j *Job) bool {
	switch j.Status {
	case JobCancelled:
		return true
	case JobFailed:
		return j.RetryCount >= j.MaxRetries ||
			(j.ErrorDetails != nil && j.ErrorDetails.Code == CodeDependencyFailed)
	}
	return false
}

// failBlockedLocked fails queued jobs waiting on a dependency that can never
// complete. Failures cascade through the passed slice in one call.
func (q *Queue) failBlockedLocked(jobs []*Job) {
	byID := make(map[string]*Job, len(jobs))
	for _, j := range jobs {
		byID[j.ID] = j
	}

	for changed := true; changed; {
		changed = false
		for _, j := range jobs {
			if j.Status != JobQueued {
				continue
			}
			var blocker *Job
			for _, dep := range j.Dependencies {
				if d, ok := byID[dep]; ok && deadDependency(d) {
					blocker = d
					break
				}
			}
			if blocker == nil {
				continue
			}

			now := q.now()
			je := &JobError{
				Code:            CodeDependencyFailed,
				Message:         fmt.Sprintf("dependency %s is %s", blocker.ID, strings.ToLower(string(blocker.Status))),
				Timestamp:       now,
				SuggestedAction: suggestions[CodeDependencyFailed],
			}
			q.stopTimerLocked(j.ID)
			j.CompletedAt = &now
			j.ErrorDetails = je
			j.Progress.Message = je.Message
			if err := q.setStatusLocked(j, JobFailed, je.Message); err != nil {
				q.log.Error().Err(err).Str("job_id", j.ID).Msg("failed to fail blocked job")
				continue
			}
			q.emit(events.Event{Type: events.JobFailed, JobID: j.ID, PrinterID: j.PrinterID, Message: je.Message, Payload: je})
			q.log.Warn().Str("job_id", j.ID).Str("dependency", blocker.ID).Msg("job failed: dependency cannot complete")
			changed = true
		}
	}
}

func (q *Queue) startLocked(job *Job, printer *Printer) error {
	ctx := context.Background()
	now := q.now()

	oldStatus := printer.Status
	printer.Status = PrinterBusy
	printer.CurrentJobID = job.ID
	if err := q.store.SavePrinter(ctx, printer); err != nil {
		return fmt.Errorf("failed to reserve printer: %w", err)
	}
	q.emit(events.Event{Type: events.PrinterStatusUpdated, PrinterID: printer.ID, JobID: job.ID, OldStatus: string(oldStatus), NewStatus: string(PrinterBusy)})

	job.PrinterID = printer.ID
	if job.StartedAt == nil {
		job.StartedAt = &now
	}
	job.Progress = Progress{Phase: "compiling", TotalItems: job.TotalLabels()}
	if err := q.setStatusLocked(job, JobCompiling, ""); err != nil {
		return err
	}

	rctx, cancel := context.WithTimeout(context.Background(), q.cfg.DefaultTimeout)
	r := &run{
		jobID:     job.ID,
		printerID: printer.ID,
		ctx:       rctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		started:   now,
	}
	q.inflight[job.ID] = r

	q.log.Info().Str("job_id", job.ID).Str("printer_id", printer.ID).Str("requested_printer_id", job.RequestedPrinterID).Msg("job dispatched")

	q.wg.Add(1)
	go q.execute(r, job.Clone())
	return nil
}

func (q *Queue) execute(r *run, job *Job) {
	defer q.wg.Done()

	code, err := q.safePipeline(r, job)
	q.finish(r, job.TotalLabels(), code, err)
	close(r.done)
}

func (q *Queue) safePipeline(r *run, job *Job) (code string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			q.log.Error().Interface("panic", rec).Str("job_id", r.jobID).Msg("job execution panicked")
			code, err = CodeCompileFailed, fmt.Errorf("job execution panicked: %v", rec)
		}
	}()
	return q.executePipeline(r, job)
}

// executePipeline compiles and transmits job. The returned code names the
// stage that failed.
func (q *Queue) executePipeline(r *run, job *Job) (string, error) {
	if q.pcfg.PreflightCheck {
		pctx, cancel := context.WithTimeout(r.ctx, q.pcfg.ConnectionTimeout)
		ok := q.transport.TestConnection(pctx, r.printerID)
		cancel()
		if !ok {
			if err := r.ctx.Err(); err != nil {
				return CodeTransmitFailed, err
			}
			return CodePrinterUnreachable, &CodedError{Code: CodePrinterUnreachable, Message: "printer failed pre-flight connection check", Recoverable: true}
		}
	}

	var (
		out *CompiledOutput
		err error
	)
	if fc, ok := q.compiler.(FormatCompiler); ok && job.RequiredFormat != "" {
		out, err = fc.CompileFormat(r.ctx, job.RequiredFormat, job.Template, job.LabelItems)
	} else {
		out, err = q.compiler.Compile(r.ctx, job.Template, job.LabelItems)
	}
	if err == nil {
		err = r.ctx.Err()
	}
	if err != nil {
		return CodeCompileFailed, err
	}
	if out == nil {
		return CodeCompileFailed, errors.New("compiler returned no output")
	}

	if !q.advance(r, JobCompiled, Progress{Phase: "compiled", Percentage: 50}, out.Info()) {
		return CodeCompileFailed, abandoned(r)
	}
	if !q.advance(r, JobPrinting, Progress{Phase: "printing", Percentage: 60, Message: fmt.Sprintf("sending %d bytes", out.Size)}, nil) {
		return CodeTransmitFailed, abandoned(r)
	}

	res, err := q.transport.Send(r.ctx, r.printerID, out.Data)
	if err != nil {
		return CodeTransmitFailed, err
	}
	if res == nil || !res.Success {
		msg := "transport reported failure"
		if res != nil && res.Error != "" {
			msg = res.Error
		}
		return CodeTransmitFailed, errors.New(msg)
	}
	return "", nil
}

func abandoned(r *run) error {
	if err := r.ctx.Err(); err != nil {
		return err
	}
	return errors.New("job state could not be advanced")
}

// advance moves a running job forward. It returns false when the run has
// been cancelled or replaced.
func (q *Queue) advance(r *run, to JobStatus, progress Progress, output *OutputInfo) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.inflight[r.jobID] != r || r.cancelled {
		return false
	}
	job, err := q.store.GetJob(context.Background(), r.jobID)
	if err != nil {
		q.log.Error().Err(err).Str("job_id", r.jobID).Msg("failed to load running job")
		return false
	}
	progress.TotalItems = job.TotalLabels()
	job.Progress = progress
	if output != nil {
		job.Output = output
	}
	if err := q.setStatusLocked(job, to, ""); err != nil {
		q.log.Error().Err(err).Str("job_id", r.jobID).Msg("failed to advance job")
		return false
	}
	q.emit(events.Event{Type: events.JobProgress, JobID: job.ID, PrinterID: job.PrinterID, Payload: job.Progress})
	return true
}

func (q *Queue) finish(r *run, labels int, code string, execErr error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.inflight[r.jobID] != r {
		return
	}
	delete(q.inflight, r.jobID)
	r.cancel()

	ctx := context.Background()
	now := q.now()
	elapsed := now.Sub(r.started)
	success := execErr == nil && !r.cancelled

	job, err := q.store.GetJob(ctx, r.jobID)
	if err != nil {
		q.log.Error().Err(err).Str("job_id", r.jobID).Msg("failed to load finished job")
		q.releasePrinterLocked(r.printerID, r.jobID, false)
		q.dispatchLocked()
		return
	}

	switch {
	case r.cancelled:
		if err := q.markCancelledLocked(job, r.code, r.reason); err != nil {
			q.log.Error().Err(err).Str("job_id", job.ID).Msg("failed to cancel job")
		}

	case success:
		job.ActualDuration = elapsed
		job.CompletedAt = &now
		job.Progress = Progress{Phase: "completed", Percentage: 100, CompletedItems: labels, TotalItems: labels}
		if err := q.setStatusLocked(job, JobCompleted, ""); err != nil {
			q.log.Error().Err(err).Str("job_id", job.ID).Msg("failed to complete job")
			break
		}
		q.emit(events.Event{Type: events.JobCompleted, JobID: job.ID, PrinterID: job.PrinterID, Payload: job.Clone()})
		q.log.Info().Str("job_id", job.ID).Str("printer_id", job.PrinterID).Dur("duration", elapsed).Msg("job completed")

	default:
		je := ClassifyError(execErr, code, now)
		if p, err := q.store.GetPrinter(ctx, r.printerID); err == nil {
			je.PrinterStatus = p.Status
		}
		job.ActualDuration = elapsed
		job.CompletedAt = &now
		job.ErrorDetails = je
		job.Progress.Message = je.Message
		if err := q.setStatusLocked(job, JobFailed, je.Message); err != nil {
			q.log.Error().Err(err).Str("job_id", job.ID).Msg("failed to record job failure")
			break
		}
		q.emit(events.Event{Type: events.JobFailed, JobID: job.ID, PrinterID: job.PrinterID, Message: je.Message, Payload: je})
		q.log.Warn().Str("job_id", job.ID).Str("printer_id", job.PrinterID).Str("code", je.Code).Bool("recoverable", je.Recoverable).Msg("job failed")

		if q.shouldAutoRetry(job, je) {
			q.scheduleRetryLocked(job)
		}
	}

	if !r.cancelled {
		q.recordPerformanceLocked(r.printerID, success, labels, elapsed)
	}
	q.releasePrinterLocked(r.printerID, r.jobID, success)
	q.dispatchLocked()
}

func (q *Queue) markCancelledLocked(job *Job, code, reason string) error {
	now := q.now()
	job.CompletedAt = &now
	job.ErrorDetails = &JobError{Code: code, Message: reason, Timestamp: now}
	job.Progress.Message = reason
	if err := q.setStatusLocked(job, JobCancelled, reason); err != nil {
		return err
	}
	q.emit(events.Event{Type: events.JobCancelled, JobID: job.ID, PrinterID: job.PrinterID, Message: reason})
	q.log.Info().Str("job_id", job.ID).Str("reason", reason).Msg("job cancelled")
	return nil
}

// releasePrinterLocked frees a printer still held by jobID. A printer that
// went offline mid-job comes back only if the job succeeded.
func (q *Queue) releasePrinterLocked(printerID, jobID string, success bool) {
	ctx := context.Background()
	p, err := q.store.GetPrinter(ctx, printerID)
	if err != nil || p.CurrentJobID != jobID {
		return
	}

	old := p.Status
	p.CurrentJobID = ""
	if success {
		if p.Status == PrinterBusy || p.Status == PrinterOffline {
			p.Status = PrinterOnline
		}
		p.LastHeartbeat = q.now()
	} else if p.Status == PrinterBusy {
		p.Status = PrinterOnline
	}
	if err := q.store.SavePrinter(ctx, p); err != nil {
		q.log.Error().Err(err).Str("printer_id", printerID).Msg("failed to release printer")
		return
	}
	if old != p.Status {
		q.emit(events.Event{Type: events.PrinterStatusUpdated, PrinterID: p.ID, OldStatus: string(old), NewStatus: string(p.Status)})
	}
}

func (q *Queue) recordPerformanceLocked(printerID string, success bool, labels int, elapsed time.Duration) {
	ctx := context.Background()
	p, err := q.store.GetPrinter(ctx, printerID)
	if err != nil {
		return
	}

	perf := &p.Performance
	perf.TotalJobs++
	if !success {
		perf.FailedJobs++
	}
	perf.ErrorRate = float64(perf.FailedJobs) / float64(perf.TotalJobs)

	n := time.Duration(perf.TotalJobs)
	perf.AverageJobDuration = (perf.AverageJobDuration*(n-1) + elapsed) / n

	if success && elapsed > 0 {
		lpm := float64(labels) / elapsed.Minutes()
		ok := float64(perf.TotalJobs - perf.FailedJobs)
		perf.LabelsPerMinute = (perf.LabelsPerMinute*(ok-1) + lpm) / ok
	}

	if err := q.store.SavePrinter(ctx, p); err != nil {
		q.log.Error().Err(err).Str("printer_id", printerID).Msg("failed to save printer performance")
	}
}

func (q *Queue) setStatusLocked(job *Job, to JobStatus, msg string) error {
	from := job.Status
	if !canTransition(from, to) {
		return fmt.Errorf("illegal job transition %s -> %s", from, to)
	}
	job.Status = to
	job.UpdatedAt = q.now()
	if err := q.store.SaveJob(context.Background(), job); err != nil {
		job.Status = from
		return fmt.Errorf("failed to save job: %w", err)
	}
	q.emit(events.Event{Type: events.JobStatusChanged, JobID: job.ID, PrinterID: job.PrinterID, OldStatus: string(from), NewStatus: string(to), Message: msg})
	return nil
}

func (q *Queue) emit(e events.Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = q.now()
	}
	q.events.Publish(e)
}

func (q *Queue) RegisterPrinter(p Printer) (*Printer, error) {
	if p.ID == "" {
		return nil, invalid("id", "printer id is required")
	}
	if p.Status == "" {
		p.Status = PrinterOnline
	}
	if !p.Status.Valid() {
		return nil, invalid("status", "unknown printer status %q", p.Status)
	}
	if p.Name == "" {
		p.Name = p.ID
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	ctx := context.Background()
	now := q.now()
	p.CurrentJobID = ""
	p.RegisteredAt = now
	if existing, err := q.store.GetPrinter(ctx, p.ID); err == nil {
		p.RegisteredAt = existing.RegisteredAt
		p.QueueLength = existing.QueueLength
		if p.Performance == (Performance{}) {
			p.Performance = existing.Performance
		}
		if existing.CurrentJobID != "" {
			p.CurrentJobID = existing.CurrentJobID
			if p.Status == PrinterOnline {
				p.Status = PrinterBusy
			}
		}
	} else if !errors.Is(err, ErrPrinterNotFound) {
		return nil, err
	}
	p.LastHeartbeat = now

	if err := q.store.SavePrinter(ctx, &p); err != nil {
		return nil, fmt.Errorf("failed to save printer: %w", err)
	}
	q.emit(events.Event{Type: events.PrinterRegistered, PrinterID: p.ID, NewStatus: string(p.Status), Payload: p.Clone()})
	q.log.Info().Str("printer_id", p.ID).Str("status", string(p.Status)).Msg("printer registered")

	q.dispatchLocked()
	return p.Clone(), nil
}

func (q *Queue) UpdatePrinterStatus(id string, upd PrinterUpdate) (*Printer, error) {
	if upd.Status != nil && !upd.Status.Valid() {
		return nil, invalid("status", "unknown printer status %q", *upd.Status)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	ctx := context.Background()
	p, err := q.store.GetPrinter(ctx, id)
	if err != nil {
		return nil, err
	}

	old := p.Status
	if upd.Status != nil {
		p.Status = *upd.Status
		if p.Status == PrinterOnline && p.CurrentJobID != "" {
			p.Status = PrinterBusy
		}
	}
	if upd.Name != nil {
		p.Name = *upd.Name
	}
	if upd.Address != nil {
		p.Address = *upd.Address
	}
	if upd.Port != nil {
		p.Port = *upd.Port
	}
	if upd.Capabilities != nil {
		p.Capabilities = *upd.Capabilities
	}
	if upd.Supplies != nil {
		p.Supplies = *upd.Supplies
	}
	if upd.Performance != nil {
		p.Performance = *upd.Performance
	}
	p.LastHeartbeat = q.now()

	if err := q.store.SavePrinter(ctx, p); err != nil {
		return nil, fmt.Errorf("failed to save printer: %w", err)
	}
	q.emit(events.Event{Type: events.PrinterStatusUpdated, PrinterID: p.ID, OldStatus: string(old), NewStatus: string(p.Status), Payload: p.Clone()})

	q.dispatchLocked()
	return p, nil
}

// Heartbeat records a liveness signal. An offline printer comes back.
func (q *Queue) Heartbeat(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.heartbeatLocked(id)
}

func (q *Queue) heartbeatLocked(id string) error {
	ctx := context.Background()
	p, err := q.store.GetPrinter(ctx, id)
	if err != nil {
		return err
	}

	old := p.Status
	p.LastHeartbeat = q.now()
	if p.Status == PrinterOffline {
		p.Status = PrinterOnline
		if p.CurrentJobID != "" {
			p.Status = PrinterBusy
		}
	}
	if err := q.store.SavePrinter(ctx, p); err != nil {
		return fmt.Errorf("failed to save printer: %w", err)
	}
	if old != p.Status {
		q.emit(events.Event{Type: events.PrinterStatusUpdated, PrinterID: p.ID, OldStatus: string(old), NewStatus: string(p.Status), Message: "heartbeat received"})
		q.dispatchLocked()
	}
	return nil
}

func (q *Queue) RemovePrinter(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	ctx := context.Background()
	p, err := q.store.GetPrinter(ctx, id)
	if err != nil {
		return err
	}
	if p.CurrentJobID != "" {
		return ErrPrinterBusy
	}
	if err := q.store.DeletePrinter(ctx, id); err != nil {
		return err
	}
	q.emit(events.Event{Type: events.PrinterStatusUpdated, PrinterID: id, OldStatus: string(p.Status), NewStatus: string(PrinterOffline), Message: "printer removed"})
	q.log.Info().Str("printer_id", id).Msg("printer removed")
	return nil
}

func (q *Queue) GetPrinter(id string) (*Printer, error) {
	return q.store.GetPrinter(context.Background(), id)
}

func (q *Queue) ListPrinters() ([]*Printer, error) {
	return q.store.ListPrinters(context.Background())
}

func (q *Queue) GetJob(id string) (*Job, error) {
	return q.store.GetJob(context.Background(), id)
}

// DeleteJob removes a finished job from the repository. Jobs that are still
// in flight, or that an unfinished job depends on, are kept.
func (q *Queue) DeleteJob(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	ctx := context.Background()
	job, err := q.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if !job.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrJobActive, id, job.Status)
	}

	jobs, err := q.store.ListJobs(ctx)
	if err != nil {
		return err
	}
	for _, j := range jobs {
		if j.Status.Terminal() {
			continue
		}
		for _, dep := range j.Dependencies {
			if dep == id {
				return fmt.Errorf("%w: %s waits on %s", ErrJobInUse, j.ID, id)
			}
		}
	}

	q.stopTimerLocked(id)
	if err := q.store.DeleteJob(ctx, id); err != nil {
		return err
	}
	q.log.Debug().Str("job_id", id).Str("status", string(job.Status)).Msg("job deleted")
	return nil
}

type JobFilter struct {
	Status    JobStatus
	PrinterID string
	BatchID   string
}

// ListJobs returns jobs in submission order. PrinterID matches either the
// requested or the assigned printer.
func (q *Queue) ListJobs(f JobFilter) ([]*Job, error) {
	ctx := context.Background()
	var jobs []*Job
	var err error
	if f.Status != "" {
		jobs, err = q.store.ListJobsByStatus(ctx, f.Status)
	} else {
		jobs, err = q.store.ListJobs(ctx)
	}
	if err != nil {
		return nil, err
	}

	out := jobs[:0]
	for _, j := range jobs {
		if f.PrinterID != "" && j.PrinterID != f.PrinterID && j.RequestedPrinterID != f.PrinterID {
			continue
		}
		if f.BatchID != "" && j.BatchID != f.BatchID {
			continue
		}
		out = append(out, j)
	}
	return out, nil
}
