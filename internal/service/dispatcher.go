package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"math/rand/v2"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/LeventeLantos/wa-bulk-sender/internal/cache"
	"github.com/LeventeLantos/wa-bulk-sender/internal/client"
	"github.com/LeventeLantos/wa-bulk-sender/internal/metrics"
	"github.com/LeventeLantos/wa-bulk-sender/internal/model"
	"github.com/LeventeLantos/wa-bulk-sender/internal/repo"
	"github.com/LeventeLantos/wa-bulk-sender/internal/template"
)

var ErrDispatcherClosed = errors.New("dispatcher is closed")

type SendClient interface {
	Send(ctx context.Context, msg client.Message) (providerMessageID string, err error)
}

type Options struct {
	// Concurrency is the number of workers, and so the ceiling of in-flight
	// sends across all jobs.
	Concurrency int
	// RetryLimit is the number of retries after the first attempt.
	RetryLimit int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Template   template.Spec
	// StoreRetries bounds attempts of a failing job store write.
	StoreRetries int
}

func (o Options) withDefaults() Options {
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}
	if o.RetryLimit < 0 {
		o.RetryLimit = 0
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = 500 * time.Millisecond
	}
	if o.MaxDelay < o.BaseDelay {
		o.MaxDelay = o.BaseDelay
	}
	if o.StoreRetries <= 0 {
		o.StoreRetries = 3
	}
	return o
}

// SubmitRequest carries the parsed recipient rows, [phone, param1, ...].
// When Body is set the job sends free-text messages rendered from Body with
// the per-phone Vars and the positional params as {{1}}, {{2}}, ...
type SubmitRequest struct {
	Rows [][]string
	Body string
	Vars map[string]map[string]string
}

type Submission struct {
	JobID string `json:"jobId"`
	Total int    `json:"total"`
}

type task struct {
	run   *jobRun
	index int
}

// jobRun is the in-memory dispatch state of one job. attempts[i] is only
// touched by the worker currently holding recipient i.
type jobRun struct {
	id         string
	body       string
	recipients []model.Recipient
	attempts   []int
	remaining  atomic.Int64
	aborted    atomic.Bool
	reason     atomic.Pointer[string]
	log        *slog.Logger
}

func (r *jobRun) abortReason() string {
	if p := r.reason.Load(); p != nil {
		return *p
	}
	return ""
}

// Dispatcher sends every recipient of submitted jobs through a fixed pool
// of workers shared by all jobs, retrying with exponential backoff and
// writing each outcome to the job store.
type Dispatcher struct {
	store  repo.JobStore
	client SendClient
	index  cache.MessageIndex
	opts   Options
	log    *slog.Logger

	tasks chan task

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	runs    map[string]*jobRun
	started bool
	closed  bool
	workers errgroup.Group
	bg      sync.WaitGroup
}

func NewDispatcher(store repo.JobStore, c SendClient, opts Options, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		store:  store,
		client: c,
		opts:   opts.withDefaults(),
		log:    log,
		tasks:  make(chan task),
		ctx:    ctx,
		cancel: cancel,
		runs:   make(map[string]*jobRun),
	}
}

// WithIndex makes the dispatcher record provider message ids in idx.
func (d *Dispatcher) WithIndex(idx cache.MessageIndex) *Dispatcher {
	d.index = idx
	return d
}

// Start launches the worker pool. Cancelling ctx has the same effect as Close
// minus the wait.
func (d *Dispatcher) Start(ctx context.Context) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.started || d.closed {
		return false
	}
	d.started = true
	context.AfterFunc(ctx, d.cancel)

	for i := range d.opts.Concurrency {
		d.workers.Go(func() error {
			d.worker(i)
			return nil
		})
	}

	d.log.Info("dispatcher started",
		"concurrency", d.opts.Concurrency,
		"retry_limit", d.opts.RetryLimit,
	)
	return true
}

// Close stops the workers and waits for them. Sends in flight are abandoned
// and their recipients handed back as pending, so Resume can pick them up.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()

	d.cancel()
	_ = d.workers.Wait()
	d.bg.Wait()
	d.log.Info("dispatcher stopped")
}

// Active returns the number of jobs currently being dispatched.
func (d *Dispatcher) Active() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.runs)
}

// Submit validates rows, creates the job and returns before any send is made.
func (d *Dispatcher) Submit(ctx context.Context, req SubmitRequest) (Submission, error) {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return Submission{}, ErrDispatcherClosed
	}

	recipients := make([]model.Recipient, len(req.Rows))
	valid := make([]int, 0, len(req.Rows))
	for i, row := range req.Rows {
		r := model.Recipient{Status: model.RecipientPending}
		if len(row) > 0 {
			r.Phone = strings.TrimSpace(row[0])
		}
		if len(row) > 1 {
			r.Params = make([]string, 0, len(row)-1)
			for _, p := range row[1:] {
				r.Params = append(r.Params, strings.TrimSpace(p))
			}
		}

		if r.Phone == "" {
			r.Status = model.RecipientFailed
			r.LastError = model.ReasonInvalidRow
		} else {
			if vars := req.Vars[r.Phone]; len(vars) > 0 {
				r.Vars = maps.Clone(vars)
			}
			valid = append(valid, i)
		}
		recipients[i] = r
	}

	id, err := d.store.Create(ctx, model.NewJob{Body: req.Body, Recipients: recipients})
	if err != nil {
		return Submission{}, fmt.Errorf("create job: %w", err)
	}
	metrics.JobsSubmitted.Inc()

	run := d.newRun(id, req.Body, recipients)
	run.log.Info("job submitted", "total", len(recipients), "invalid_rows", len(recipients)-len(valid))
	d.launch(run, valid)

	return Submission{JobID: id, Total: len(recipients)}, nil
}

// Resume restarts dispatch of jobs a previous process left queued or running.
// Recipients caught mid-send are sent again; their attempts are kept.
func (d *Dispatcher) Resume(ctx context.Context) (int, error) {
	ids, err := d.store.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active jobs: %w", err)
	}

	resumed := 0
	for _, id := range ids {
		d.mu.Lock()
		_, running := d.runs[id]
		d.mu.Unlock()
		if running {
			continue
		}

		job, err := d.store.Get(ctx, id)
		if err != nil {
			return resumed, fmt.Errorf("load job %s: %w", id, err)
		}

		run := d.newRun(job.ID, job.Body, job.Recipients)
		var indices []int
		for i, r := range job.Recipients {
			run.attempts[i] = r.Attempts
			switch r.Status {
			case model.RecipientSending:
				err := d.store.UpdateRecipient(ctx, id, i, model.RecipientPatch{
					Status:       model.Ptr(model.RecipientPending),
					ExpectStatus: []model.RecipientStatus{model.RecipientSending},
				})
				if err != nil && !errors.Is(err, repo.ErrTransitionRejected) {
					return resumed, fmt.Errorf("reset recipient %d of job %s: %w", i, id, err)
				}
				indices = append(indices, i)
			case model.RecipientPending:
				indices = append(indices, i)
			}
		}

		run.log.Info("resuming job", "pending", len(indices))
		d.launch(run, indices)
		resumed++
	}
	return resumed, nil
}

func (d *Dispatcher) newRun(id, body string, recipients []model.Recipient) *jobRun {
	return &jobRun{
		id:         id,
		body:       body,
		recipients: recipients,
		attempts:   make([]int, len(recipients)),
		log:        d.log.With("job_id", id),
	}
}

func (d *Dispatcher) launch(run *jobRun, indices []int) {
	run.remaining.Store(int64(len(indices)))
	if len(indices) == 0 {
		d.finalize(run)
		return
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.runs[run.id] = run
	d.bg.Add(1)
	d.mu.Unlock()

	go d.feed(run, indices)
}

func (d *Dispatcher) forget(id string) {
	d.mu.Lock()
	delete(d.runs, id)
	d.mu.Unlock()
}

// feed hands a job's recipients to the pool in submission order.
func (d *Dispatcher) feed(run *jobRun, indices []int) {
	defer d.bg.Done()

	wctx := context.WithoutCancel(d.ctx)
	err := d.withStoreRetry(wctx, func() error {
		return d.store.SetStatus(wctx, run.id, model.JobRunning, "")
	})
	if err != nil && !errors.Is(err, repo.ErrTransitionRejected) {
		d.abort(run, "job store write failed: "+err.Error())
		return
	}

	for _, i := range indices {
		if run.aborted.Load() {
			return
		}
		select {
		case d.tasks <- task{run: run, index: i}:
		case <-d.ctx.Done():
			return
		}
	}
}

func (d *Dispatcher) enqueue(t task) {
	select {
	case d.tasks <- t:
	case <-d.ctx.Done():
	}
}

func (d *Dispatcher) scheduleRetry(run *jobRun, index int, delay time.Duration) {
	d.bg.Add(1)
	go func() {
		defer d.bg.Done()

		tmr := time.NewTimer(delay)
		defer tmr.Stop()

		select {
		case <-d.ctx.Done():
			return
		case <-tmr.C:
		}
		if run.aborted.Load() {
			// abort may have scanned the job before this recipient went back
			// to pending.
			d.failAborted(context.WithoutCancel(d.ctx), run, index)
			return
		}
		d.enqueue(task{run: run, index: index})
	}()
}

func (d *Dispatcher) worker(idx int) {
	for {
		select {
		case <-d.ctx.Done():
			return
		case t := <-d.tasks:
			d.safeProcess(idx, t)
		}
	}
}

func (d *Dispatcher) safeProcess(idx int, t task) {
	defer func() {
		if r := recover(); r != nil {
			t.run.log.Error("panic in dispatch worker",
				"worker", idx,
				"index", t.index,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			d.markFailed(context.WithoutCancel(d.ctx), t.run, t.index, t.run.attempts[t.index], "internal error")
		}
	}()
	d.process(d.ctx, t)
}

func (d *Dispatcher) maxAttempts() int { return d.opts.RetryLimit + 1 }

func (d *Dispatcher) process(ctx context.Context, t task) {
	run, i := t.run, t.index
	if run.aborted.Load() {
		return
	}
	wctx := context.WithoutCancel(ctx)

	attempts := run.attempts[i]
	if attempts >= d.maxAttempts() {
		d.markFailed(wctx, run, i, attempts, "retry limit exhausted")
		return
	}

	err := d.update(wctx, run, i, model.RecipientPatch{
		Status:       model.Ptr(model.RecipientSending),
		ExpectStatus: []model.RecipientStatus{model.RecipientPending},
	})
	if err != nil {
		if errors.Is(err, repo.ErrTransitionRejected) && !run.aborted.Load() {
			// Settled by someone else; it still counts towards completion.
			run.log.Warn("recipient no longer pending", "index", i)
			d.finishOne(run)
		}
		return
	}
	if run.aborted.Load() {
		d.markFailed(wctx, run, i, attempts, "job aborted: "+run.abortReason())
		return
	}

	msg, err := d.buildMessage(run, i)
	if err != nil {
		run.log.Warn("cannot build message", "index", i, "error", err)
		d.markFailed(wctx, run, i, attempts, err.Error())
		return
	}

	start := time.Now()
	metrics.InFlight.Inc()
	msgID, err := d.client.Send(ctx, msg)
	metrics.InFlight.Dec()
	metrics.SendDuration.Observe(time.Since(start).Seconds())

	if err != nil && ctx.Err() != nil {
		// Shutting down: the attempt is not counted.
		err := d.store.UpdateRecipient(wctx, run.id, i, model.RecipientPatch{
			Status:       model.Ptr(model.RecipientPending),
			ExpectStatus: []model.RecipientStatus{model.RecipientSending},
		})
		if err != nil {
			run.log.Error("failed to release recipient on shutdown", "index", i, "error", err)
		}
		return
	}

	attempts++
	run.attempts[i] = attempts
	d.handleOutcome(wctx, run, i, attempts, msgID, err)
}

func (d *Dispatcher) handleOutcome(ctx context.Context, run *jobRun, i, attempts int, msgID string, sendErr error) {
	if sendErr == nil {
		err := d.update(ctx, run, i, model.RecipientPatch{
			Status:            model.Ptr(model.RecipientSent),
			Attempts:          model.Ptr(attempts),
			ProviderMessageID: model.Ptr(msgID),
			LastError:         model.Ptr(""),
		})
		if err != nil {
			return
		}
		if d.index != nil {
			if err := d.index.Put(ctx, msgID, model.RecipientRef{JobID: run.id, Index: i}); err != nil {
				run.log.Warn("failed to index provider message id", "index", i, "error", err)
			}
		}
		metrics.SendAttempts.WithLabelValues("sent").Inc()
		run.log.Debug("message sent", "index", i, "attempts", attempts, "provider_message_id", msgID)
		d.finishOne(run)
		return
	}

	var pe *client.ProviderError
	if !errors.As(sendErr, &pe) {
		pe = &client.ProviderError{Kind: client.KindUnknown, Err: sendErr}
	}

	switch {
	case pe.Kind == client.KindAuth:
		d.abort(run, "provider authentication failed: "+pe.Error())
		d.markFailed(ctx, run, i, attempts, pe.Error())

	case pe.Retryable() && attempts <= d.opts.RetryLimit && !run.aborted.Load():
		if pe.Kind == client.KindUnknown {
			run.log.Warn("unclassified provider error, retrying", "index", i, "attempts", attempts, "error", pe)
		}
		delay := d.backoff(attempts, pe.RetryAfter)
		err := d.update(ctx, run, i, model.RecipientPatch{
			Status:       model.Ptr(model.RecipientPending),
			Attempts:     model.Ptr(attempts),
			LastError:    model.Ptr(pe.Error()),
			ExpectStatus: []model.RecipientStatus{model.RecipientSending},
		})
		if err != nil {
			return
		}
		if run.aborted.Load() {
			d.failAborted(ctx, run, i)
			return
		}
		metrics.SendAttempts.WithLabelValues("retried").Inc()
		run.log.Debug("send retry scheduled", "index", i, "attempts", attempts, "delay", delay, "kind", pe.Kind)
		d.scheduleRetry(run, i, delay)

	default:
		d.markFailed(ctx, run, i, attempts, pe.Error())
	}
}

func (d *Dispatcher) markFailed(ctx context.Context, run *jobRun, i, attempts int, reason string) {
	err := d.update(ctx, run, i, model.RecipientPatch{
		Status:       model.Ptr(model.RecipientFailed),
		Attempts:     model.Ptr(attempts),
		LastError:    model.Ptr(reason),
		ExpectStatus: []model.RecipientStatus{model.RecipientPending, model.RecipientSending},
	})
	if err != nil && !errors.Is(err, repo.ErrTransitionRejected) {
		return
	}
	metrics.SendAttempts.WithLabelValues("failed").Inc()
	run.log.Info("recipient failed", "index", i, "attempts", attempts, "reason", reason)
	d.finishOne(run)
}

func (d *Dispatcher) finishOne(run *jobRun) {
	if run.remaining.Add(-1) == 0 {
		d.finalize(run)
	}
}

// finalize settles the job status once every recipient is dispatched.
func (d *Dispatcher) finalize(run *jobRun) {
	if run.aborted.Load() {
		return
	}
	d.forget(run.id)
	ctx := context.WithoutCancel(d.ctx)

	var job *model.Job
	err := d.withStoreRetry(ctx, func() error {
		var err error
		job, err = d.store.Get(ctx, run.id)
		return err
	})
	if err != nil {
		run.log.Error("failed to load job for completion", "error", err)
		return
	}

	counts := job.Counts()
	status := model.JobCompleted
	if counts.Failed > 0 {
		status = model.JobCompletedWithErrors
	}
	err = d.withStoreRetry(ctx, func() error {
		return d.store.SetStatus(ctx, run.id, status, "")
	})
	if err != nil {
		run.log.Error("failed to complete job", "status", status, "error", err)
		return
	}
	if status == model.JobCompleted {
		// A failed webhook may have landed after the counts were read.
		if failed := d.lateFailures(ctx, run); failed > 0 {
			status = model.JobCompletedWithErrors
			counts.Failed = failed
		}
	}

	metrics.JobsFinished.WithLabelValues(string(status)).Inc()
	fields := []any{"status", status, "total", job.Total, "failed", counts.Failed}
	if counts.Failed > 0 {
		run.log.Warn("job finished with failures", fields...)
	} else {
		run.log.Info("job finished", fields...)
	}
}

// abort stops dispatch of a job: it is marked failed, recipients not yet
// sent are failed, and queued retries are dropped. Sends already in flight
// complete and record their outcome.
func (d *Dispatcher) abort(run *jobRun, reason string) {
	if !run.reason.CompareAndSwap(nil, &reason) {
		return
	}
	run.aborted.Store(true)
	d.forget(run.id)
	ctx := context.WithoutCancel(d.ctx)
	run.log.Error("aborting job", "reason", reason)

	err := d.withStoreRetry(ctx, func() error {
		return d.store.SetStatus(ctx, run.id, model.JobFailed, reason)
	})
	if err != nil {
		run.log.Error("failed to mark job failed", "error", err)
	}
	metrics.JobsFinished.WithLabelValues(string(model.JobFailed)).Inc()

	job, err := d.store.Get(ctx, run.id)
	if err != nil {
		run.log.Error("failed to load aborted job", "error", err)
		return
	}
	aborted := 0
	for i, r := range job.Recipients {
		if r.Status != model.RecipientPending {
			continue
		}
		err := d.withStoreRetry(ctx, func() error {
			return d.store.UpdateRecipient(ctx, run.id, i, model.RecipientPatch{
				Status:       model.Ptr(model.RecipientFailed),
				LastError:    model.Ptr("job aborted: " + reason),
				ExpectStatus: []model.RecipientStatus{model.RecipientPending},
			})
		})
		if err != nil && !errors.Is(err, repo.ErrTransitionRejected) {
			run.log.Error("failed to fail pending recipient", "index", i, "error", err)
			continue
		}
		aborted++
	}
	metrics.SendAttempts.WithLabelValues("aborted").Add(float64(aborted))
}

// lateFailures re-reads a job just marked completed and downgrades it when a
// recipient failed in the meantime. It returns the failed count it found.
func (d *Dispatcher) lateFailures(ctx context.Context, run *jobRun) int {
	var job *model.Job
	err := d.withStoreRetry(ctx, func() error {
		var err error
		job, err = d.store.Get(ctx, run.id)
		return err
	})
	if err != nil {
		run.log.Error("failed to reload completed job", "error", err)
		return 0
	}
	failed := job.Counts().Failed
	if failed == 0 {
		return 0
	}
	err = d.withStoreRetry(ctx, func() error {
		return d.store.SetStatus(ctx, run.id, model.JobCompletedWithErrors, "")
	})
	if err != nil && !errors.Is(err, repo.ErrTransitionRejected) {
		run.log.Error("failed to downgrade completed job", "error", err)
	}
	return failed
}

// failAborted fails a pending recipient of an aborted job.
func (d *Dispatcher) failAborted(ctx context.Context, run *jobRun, i int) {
	err := d.update(ctx, run, i, model.RecipientPatch{
		Status:       model.Ptr(model.RecipientFailed),
		LastError:    model.Ptr("job aborted: " + run.abortReason()),
		ExpectStatus: []model.RecipientStatus{model.RecipientPending},
	})
	if err != nil {
		if !errors.Is(err, repo.ErrTransitionRejected) {
			run.log.Error("failed to fail pending recipient", "index", i, "error", err)
		}
		return
	}
	metrics.SendAttempts.WithLabelValues("aborted").Inc()
}

// update writes a recipient patch. A write that keeps failing aborts the job.
func (d *Dispatcher) update(ctx context.Context, run *jobRun, i int, patch model.RecipientPatch) error {
	err := d.withStoreRetry(ctx, func() error {
		return d.store.UpdateRecipient(ctx, run.id, i, patch)
	})
	if err == nil || errors.Is(err, repo.ErrTransitionRejected) {
		return err
	}
	run.log.Error("job store write failed", "index", i, "error", err)
	d.abort(run, "job store write failed: "+err.Error())
	return err
}

func (d *Dispatcher) withStoreRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := range d.opts.StoreRetries {
		if err = fn(); err == nil || !retryableStoreErr(err) {
			return err
		}
		if attempt == d.opts.StoreRetries-1 {
			break
		}
		tmr := time.NewTimer(time.Duration(25<<attempt) * time.Millisecond)
		select {
		case <-ctx.Done():
			tmr.Stop()
			return err
		case <-tmr.C:
		}
	}
	return err
}

func retryableStoreErr(err error) bool {
	return !errors.Is(err, repo.ErrTransitionRejected) &&
		!errors.Is(err, repo.ErrJobNotFound) &&
		!errors.Is(err, repo.ErrRecipientIndex) &&
		!errors.Is(err, context.Canceled)
}

// backoff returns BaseDelay*2^(attempts-1) capped at MaxDelay, replaced by
// the provider's hint when that is longer, plus up to 10% jitter.
func (d *Dispatcher) backoff(attempts int, hint time.Duration) time.Duration {
	delay := d.opts.MaxDelay
	if shift := attempts - 1; shift < 32 {
		if v := d.opts.BaseDelay << shift; v > 0 && v < delay {
			delay = v
		}
	}
	if hint > delay {
		delay = hint
	}
	return delay + time.Duration(rand.Int64N(int64(delay)/10+1))
}

func (d *Dispatcher) buildMessage(run *jobRun, i int) (client.Message, error) {
	r := run.recipients[i]

	if run.body != "" {
		vars := make(map[string]string, len(r.Params)+len(r.Vars))
		for n, p := range r.Params {
			vars[strconv.Itoa(n+1)] = p
		}
		maps.Copy(vars, r.Vars)
		return client.Message{To: r.Phone, Text: template.Render(run.body, vars)}, nil
	}

	payload, err := d.opts.Template.Build(r.Params)
	if err != nil {
		return client.Message{}, err
	}
	return client.Message{To: r.Phone, Template: &payload}, nil
}
