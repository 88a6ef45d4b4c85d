package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"docflow/pkg/domain"
	"docflow/pkg/store"
)

func newJobID() string { return uuid.NewString() }

// shortID is the leading 8 hex digits of a UUID from newJobID, enough to keep
// output file names apart.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// InputFunc processes one batch input. The tracker fills in index, input
// and status; the function supplies outputs and warnings.
type InputFunc func(ctx context.Context, job domain.BatchJob, input string) (domain.JobResult, error)

// FinishFunc runs once after every input has been processed and at least
// one succeeded. It returns the job-level output path.
type FinishFunc func(ctx context.Context, job domain.BatchJob) (string, error)

// JobHandler is what a job kind plugs into the tracker.
type JobHandler struct {
	Validate func(inputs []string, options map[string]string) error
	Input    InputFunc
	Finish   FinishFunc
}

type cancelMark struct {
	JobID       string    `json:"jobId"`
	RequestedAt time.Time `json:"requestedAt"`
}

// liveJob is the in-process state of a running job. Only the worker writes
// job; readers take snapshots under mu.
type liveJob struct {
	mu        sync.RWMutex
	job       domain.BatchJob
	cancelled atomic.Bool
}

func (l *liveJob) snapshot() domain.BatchJob {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.job.Clone()
}

func (l *liveJob) update(fn func(*domain.BatchJob)) domain.BatchJob {
	l.mu.Lock()
	defer l.mu.Unlock()
	fn(&l.job)
	return l.job.Clone()
}

// BatchTracker owns the batch job lifecycle.
type BatchTracker struct {
	jobs       store.Records[domain.BatchJob]
	cancels    store.Records[cancelMark]
	handlers   map[domain.JobKind]JobHandler
	outputDir  string
	dispatcher Dispatcher

	mu   sync.Mutex
	live map[string]*liveJob
}

func NewBatchTracker(jobs store.Records[domain.BatchJob], cancels store.Records[cancelMark], outputDir string) *BatchTracker {
	return &BatchTracker{
		jobs:      jobs,
		cancels:   cancels,
		handlers:  make(map[domain.JobKind]JobHandler),
		outputDir: outputDir,
		live:      make(map[string]*liveJob),
	}
}

// Handle registers the handler for kind.
func (t *BatchTracker) Handle(kind domain.JobKind, h JobHandler) {
	t.handlers[kind] = h
}

// SetDispatcher installs how submitted jobs get started.
func (t *BatchTracker) SetDispatcher(d Dispatcher) {
	t.dispatcher = d
}

// Submit stores a pending job and hands it to the dispatcher. It never waits
// for execution.
func (t *BatchTracker) Submit(ctx context.Context, kind string, inputs []string, options map[string]string) (domain.BatchJob, error) {
	k, ok := domain.ParseJobKind(strings.TrimSpace(kind))
	if !ok {
		return domain.BatchJob{}, fmt.Errorf("%w: unknown job kind %q", domain.ErrInvalidOperation, kind)
	}
	handler, ok := t.handlers[k]
	if !ok {
		return domain.BatchJob{}, fmt.Errorf("%w: job kind %q not available", domain.ErrInvalidOperation, kind)
	}
	cleaned := make([]string, 0, len(inputs))
	for _, in := range inputs {
		if in = strings.TrimSpace(in); in != "" {
			cleaned = append(cleaned, in)
		}
	}
	if len(cleaned) == 0 {
		return domain.BatchJob{}, fmt.Errorf("%w: at least one input required", domain.ErrInvalidOperation)
	}
	if handler.Validate != nil {
		if err := handler.Validate(cleaned, options); err != nil {
			return domain.BatchJob{}, err
		}
	}
	job := domain.BatchJob{
		ID:        newJobID(),
		Kind:      k,
		Inputs:    cleaned,
		Options:   options,
		Status:    domain.JobPending,
		Results:   []domain.JobResult{},
		CreatedAt: time.Now().UTC(),
	}
	if err := t.jobs.Put(ctx, job.ID, job); err != nil {
		return domain.BatchJob{}, fmt.Errorf("save job: %w", err)
	}
	if t.dispatcher == nil {
		return job, nil
	}
	if err := t.dispatcher.Dispatch(ctx, job.ID); err != nil {
		now := time.Now().UTC()
		job.Status = domain.JobFailed
		job.ErrorMessage = "dispatch: " + err.Error()
		job.CompletedAt = &now
		_ = t.jobs.Put(ctx, job.ID, job)
		return job, fmt.Errorf("dispatch job: %w", err)
	}
	return job, nil
}

func (t *BatchTracker) attach(job domain.BatchJob) (*liveJob, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, busy := t.live[job.ID]; busy {
		return nil, false
	}
	l := &liveJob{job: job.Clone()}
	t.live[job.ID] = l
	return l, true
}

func (t *BatchTracker) detach(id string) {
	t.mu.Lock()
	delete(t.live, id)
	t.mu.Unlock()
}

func (t *BatchTracker) liveJob(id string) (*liveJob, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.live[id]
	return l, ok
}

// Run executes the job. It is the only writer of the job while it runs.
// Inputs are processed in order; a failing input is recorded and the loop
// moves on. If ctx ends between inputs the job stays running and a later
// Run resumes at CurrentIndex.
func (t *BatchTracker) Run(ctx context.Context, id string) error {
	job, ok, err := t.jobs.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: job %s", domain.ErrNotFound, id)
	}
	if job.Status.Terminal() {
		return nil
	}
	lj, ok := t.attach(job)
	if !ok {
		return fmt.Errorf("%w: job %s is already running", domain.ErrInvalidState, id)
	}
	defer t.detach(id)

	logger := slog.With("job_id", id, "kind", job.Kind)
	handler, ok := t.handlers[job.Kind]
	if !ok || handler.Input == nil {
		t.finish(ctx, lj, domain.JobFailed, "no handler for job kind "+string(job.Kind))
		return nil
	}

	snap := lj.update(func(j *domain.BatchJob) {
		j.Status = domain.JobRunning
		if j.StartedAt == nil {
			now := time.Now().UTC()
			j.StartedAt = &now
		}
	})
	if err := t.jobs.Put(ctx, id, snap); err != nil {
		t.finish(ctx, lj, domain.JobFailed, "save job: "+err.Error())
		return fmt.Errorf("save job: %w", err)
	}
	logger.Info("batch job started", "inputs", len(snap.Inputs), "resume_at", snap.CurrentIndex)

	for i := snap.CurrentIndex; i < len(snap.Inputs); i++ {
		if t.cancelRequested(ctx, lj) {
			t.finish(ctx, lj, domain.JobCancelled, "")
			logger.Info("batch job cancelled", "input_index", i)
			return nil
		}
		if err := ctx.Err(); err != nil {
			logger.Warn("batch job interrupted", "input_index", i, "err", err)
			return err
		}
		res := t.runInput(ctx, handler, snap, i)
		if ctx.Err() != nil && res.Status == domain.ResultFailed {
			logger.Warn("batch job interrupted", "input_index", i, "err", ctx.Err())
			return ctx.Err()
		}
		if res.Status == domain.ResultFailed {
			logger.Warn("batch input failed", "input_index", i, "err", res.Error)
		}
		snap = lj.update(func(j *domain.BatchJob) {
			j.Results = append(j.Results, res)
			if res.Status == domain.ResultSucceeded {
				j.SuccessCount++
			} else {
				j.FailureCount++
			}
			j.CurrentIndex = i + 1
		})
		if err := t.jobs.Put(ctx, id, snap); err != nil {
			logger.Warn("save job progress failed", "err", err)
		}
	}

	if t.cancelRequested(ctx, lj) {
		t.finish(ctx, lj, domain.JobCancelled, "")
		logger.Info("batch job cancelled", "input_index", len(snap.Inputs))
		return nil
	}
	if snap.SuccessCount > 0 && handler.Finish != nil {
		out, err := t.safeFinish(ctx, handler.Finish, snap)
		if err != nil {
			t.finish(ctx, lj, domain.JobFailed, err.Error())
			logger.Warn("batch job finish failed", "err", err)
			return nil
		}
		lj.update(func(j *domain.BatchJob) { j.OutputPath = out })
	}
	status := domain.JobCompleted
	switch {
	case snap.SuccessCount == 0:
		status = domain.JobFailed
	case snap.FailureCount > 0:
		status = domain.JobCompletedWithErrors
	}
	msg := ""
	if status == domain.JobFailed {
		msg = "all inputs failed"
	}
	final := t.finish(ctx, lj, status, msg)
	logger.Info("batch job finished", "status", final, "succeeded", snap.SuccessCount, "failed", snap.FailureCount)
	return nil
}

func (t *BatchTracker) runInput(ctx context.Context, h JobHandler, job domain.BatchJob, i int) (res domain.JobResult) {
	input := job.Inputs[i]
	defer func() {
		if rec := recover(); rec != nil {
			res = domain.JobResult{Index: i, Input: input, Status: domain.ResultFailed, Error: fmt.Sprintf("panic: %v", rec)}
		}
	}()
	out, err := h.Input(ctx, job, input)
	out.Index = i
	out.Input = input
	if err != nil {
		out.Status = domain.ResultFailed
		out.Error = err.Error()
		out.OutputPath = ""
		return out
	}
	out.Status = domain.ResultSucceeded
	return out
}

func (t *BatchTracker) safeFinish(ctx context.Context, fn FinishFunc, job domain.BatchJob) (out string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return fn(ctx, job)
}

// finish moves the job to its terminal status. A cancel accepted before this
// point wins over any other outcome. It returns the status that was stored.
func (t *BatchTracker) finish(ctx context.Context, lj *liveJob, status domain.JobStatus, msg string) domain.JobStatus {
	requested := status != domain.JobCancelled && t.cancelRequested(context.WithoutCancel(ctx), lj)
	snap := lj.update(func(j *domain.BatchJob) {
		if requested || lj.cancelled.Load() {
			status, msg = domain.JobCancelled, ""
		}
		now := time.Now().UTC()
		j.Status = status
		j.CompletedAt = &now
		if msg != "" {
			j.ErrorMessage = msg
		}
	})
	// The terminal state must land even if the run context is gone.
	if err := t.jobs.Put(context.WithoutCancel(ctx), snap.ID, snap); err != nil {
		slog.Warn("save finished job failed", "job_id", snap.ID, "err", err)
	}
	return snap.Status
}

func (t *BatchTracker) cancelRequested(ctx context.Context, lj *liveJob) bool {
	if lj.cancelled.Load() {
		return true
	}
	id := lj.snapshot().ID
	_, ok, err := t.cancels.Get(ctx, id)
	if err != nil {
		slog.Warn("read cancel flag failed", "job_id", id, "err", err)
		return false
	}
	return ok
}

// Get returns the latest view of the job.
func (t *BatchTracker) Get(ctx context.Context, id string) (domain.BatchJob, error) {
	if l, ok := t.liveJob(id); ok {
		return l.snapshot(), nil
	}
	job, ok, err := t.jobs.Get(ctx, id)
	if err != nil {
		return domain.BatchJob{}, fmt.Errorf("load job: %w", err)
	}
	if !ok {
		return domain.BatchJob{}, fmt.Errorf("%w: job %s", domain.ErrNotFound, id)
	}
	return job, nil
}

// Progress is safe to call while Run executes.
func (t *BatchTracker) Progress(ctx context.Context, id string) (domain.JobProgress, error) {
	job, err := t.Get(ctx, id)
	if err != nil {
		return domain.JobProgress{}, err
	}
	return job.Progress(), nil
}

// List returns every job, oldest first.
func (t *BatchTracker) List(ctx context.Context) ([]domain.BatchJob, error) {
	jobs, err := t.jobs.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	for i, j := range jobs {
		if l, ok := t.liveJob(j.ID); ok {
			jobs[i] = l.snapshot()
		}
	}
	return jobs, nil
}

// Cancel requests cooperative cancellation. It reports false when the job is
// already terminal; a true result means the job will end cancelled.
func (t *BatchTracker) Cancel(ctx context.Context, id string) (bool, error) {
	job, err := t.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if job.Status.Terminal() {
		return false, nil
	}
	// The mark goes first so a worker that starts from here on sees it.
	if err := t.cancels.Put(ctx, id, cancelMark{JobID: id, RequestedAt: time.Now().UTC()}); err != nil {
		return false, fmt.Errorf("save cancel request: %w", err)
	}
	accepted := true
	if l, ok := t.liveJob(id); ok {
		l.update(func(j *domain.BatchJob) {
			accepted = !j.Status.Terminal()
			if accepted {
				l.cancelled.Store(true)
			}
		})
	} else if job, err = t.Get(ctx, id); err != nil || job.Status.Terminal() {
		accepted = false
	}
	if !accepted {
		if err := t.cancels.Delete(ctx, id); err != nil {
			slog.Warn("delete cancel flag failed", "job_id", id, "err", err)
		}
		return false, nil
	}
	return true, nil
}

// Delete removes a terminal job and the outputs it wrote.
func (t *BatchTracker) Delete(ctx context.Context, id string) error {
	job, err := t.Get(ctx, id)
	if err != nil {
		return err
	}
	if !job.Status.Terminal() {
		return fmt.Errorf("%w: job %s is %s", domain.ErrInvalidState, id, job.Status)
	}
	if err := t.jobs.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if err := t.cancels.Delete(ctx, id); err != nil {
		slog.Warn("delete cancel flag failed", "job_id", id, "err", err)
	}
	t.removeOutputs(job)
	return nil
}

func (t *BatchTracker) removeOutputs(job domain.BatchJob) {
	paths := []string{job.OutputPath}
	for _, r := range job.Results {
		paths = append(paths, r.OutputPath)
	}
	for _, p := range paths {
		if p == "" || !withinDir(t.outputDir, p) {
			continue
		}
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			slog.Warn("remove job output failed", "job_id", job.ID, "path", p, "err", err)
		}
	}
}

// Sweep deletes jobs that completed more than maxAge ago. Jobs without a
// completion time are never swept.
func (t *BatchTracker) Sweep(ctx context.Context, maxAge time.Duration) (int, error) {
	jobs, err := t.jobs.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list jobs: %w", err)
	}
	cutoff := time.Now().UTC().Add(-maxAge)
	removed := 0
	for _, j := range jobs {
		if j.CompletedAt == nil || !j.CompletedAt.Before(cutoff) {
			continue
		}
		if err := t.Delete(ctx, j.ID); err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				continue
			}
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// StartSweeper runs Sweep every interval until ctx is done.
func (t *BatchTracker) StartSweeper(ctx context.Context, interval, maxAge time.Duration) {
	if interval <= 0 || maxAge <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := t.Sweep(ctx, maxAge)
				if err != nil {
					slog.Warn("job sweep failed", "err", err)
					continue
				}
				if n > 0 {
					slog.Info("swept finished jobs", "removed", n)
				}
			}
		}
	}()
}

// Resume dispatches every job left pending or running, e.g. after a restart.
func (t *BatchTracker) Resume(ctx context.Context) (int, error) {
	if t.dispatcher == nil {
		return 0, nil
	}
	jobs, err := t.jobs.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list jobs: %w", err)
	}
	n := 0
	for _, j := range jobs {
		if j.Status.Terminal() {
			continue
		}
		if _, running := t.liveJob(j.ID); running {
			continue
		}
		if err := t.dispatcher.Dispatch(ctx, j.ID); err != nil {
			return n, fmt.Errorf("dispatch job %s: %w", j.ID, err)
		}
		n++
	}
	return n, nil
}

func withinDir(dir, path string) bool {
	if dir == "" {
		return false
	}
	rel, err := filepath.Rel(dir, path)
	return err == nil && rel != "." && !strings.HasPrefix(rel, "..")
}
