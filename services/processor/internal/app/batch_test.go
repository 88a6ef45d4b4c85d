package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"docflow/pkg/domain"
	"docflow/pkg/store"
)

func newTestTracker(t *testing.T, h JobHandler) (*BatchTracker, store.Records[domain.BatchJob]) {
	t.Helper()
	jobs := store.NewMemoryStore[domain.BatchJob]()
	tracker := NewBatchTracker(jobs, store.NewMemoryStore[cancelMark](), t.TempDir())
	tracker.Handle(domain.JobConvert, h)
	return tracker, jobs
}

func failOn(bad ...string) InputFunc {
	return func(_ context.Context, _ domain.BatchJob, input string) (domain.JobResult, error) {
		for _, b := range bad {
			if input == b {
				return domain.JobResult{}, fmt.Errorf("%w: %s", domain.ErrCorruptInput, input)
			}
		}
		return domain.JobResult{Warnings: []string{"ok " + input}}, nil
	}
}

func TestSubmitValidation(t *testing.T) {
	tracker, _ := newTestTracker(t, JobHandler{Input: failOn()})
	ctx := context.Background()
	if _, err := tracker.Submit(ctx, "convert", nil, nil); !errors.Is(err, domain.ErrInvalidOperation) {
		t.Fatalf("Submit(no inputs) error = %v", err)
	}
	if _, err := tracker.Submit(ctx, "convert", []string{" ", ""}, nil); !errors.Is(err, domain.ErrInvalidOperation) {
		t.Fatalf("Submit(blank inputs) error = %v", err)
	}
	if _, err := tracker.Submit(ctx, "explode", []string{"a"}, nil); !errors.Is(err, domain.ErrInvalidOperation) {
		t.Fatalf("Submit(unknown kind) error = %v", err)
	}
	if _, err := tracker.Submit(ctx, "merge", []string{"a"}, nil); !errors.Is(err, domain.ErrInvalidOperation) {
		t.Fatalf("Submit(unregistered kind) error = %v", err)
	}
}

func TestRunPartialFailure(t *testing.T) {
	tracker, _ := newTestTracker(t, JobHandler{Input: failOn("b")})
	ctx := context.Background()
	job, err := tracker.Submit(ctx, "convert", []string{"a", "b", "c"}, nil)
	if err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	if err := tracker.Run(ctx, job.ID); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	got, err := tracker.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.Status != domain.JobCompletedWithErrors {
		t.Fatalf("status = %s", got.Status)
	}
	if got.SuccessCount != 2 || got.FailureCount != 1 || got.CurrentIndex != 3 {
		t.Fatalf("counts = %+v", got.Progress())
	}
	if got.SuccessCount+got.FailureCount != len(got.Results) {
		t.Fatalf("results = %d, counts = %d", len(got.Results), got.SuccessCount+got.FailureCount)
	}
	for i, r := range got.Results {
		if r.Index != i || r.Input != got.Inputs[i] {
			t.Fatalf("result %d = %+v", i, r)
		}
	}
	if got.Results[1].Status != domain.ResultFailed || !strings.Contains(got.Results[1].Error, "corrupt") {
		t.Fatalf("failed result = %+v", got.Results[1])
	}
	if got.StartedAt == nil || got.CompletedAt == nil || got.CompletedAt.Before(*got.StartedAt) {
		t.Fatalf("timestamps = %v %v", got.StartedAt, got.CompletedAt)
	}
}

func TestRunAllInputsFail(t *testing.T) {
	tracker, _ := newTestTracker(t, JobHandler{Input: failOn("a", "b")})
	ctx := context.Background()
	job, _ := tracker.Submit(ctx, "convert", []string{"a", "b"}, nil)
	if err := tracker.Run(ctx, job.ID); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	got, _ := tracker.Get(ctx, job.ID)
	if got.Status != domain.JobFailed || got.ErrorMessage != "all inputs failed" {
		t.Fatalf("status = %s (%q)", got.Status, got.ErrorMessage)
	}
}

func TestRunRecoversPanickingInput(t *testing.T) {
	tracker, _ := newTestTracker(t, JobHandler{Input: func(_ context.Context, _ domain.BatchJob, input string) (domain.JobResult, error) {
		if input == "boom" {
			panic("bad input")
		}
		return domain.JobResult{}, nil
	}})
	ctx := context.Background()
	job, _ := tracker.Submit(ctx, "convert", []string{"boom", "fine"}, nil)
	if err := tracker.Run(ctx, job.ID); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	got, _ := tracker.Get(ctx, job.ID)
	if got.Status != domain.JobCompletedWithErrors || !strings.Contains(got.Results[0].Error, "panic") {
		t.Fatalf("job = %+v", got)
	}
}

func TestCancelStopsAtInputBoundary(t *testing.T) {
	var tracker *BatchTracker
	tracker, _ = newTestTracker(t, JobHandler{Input: func(ctx context.Context, job domain.BatchJob, input string) (domain.JobResult, error) {
		if input == "a" {
			if ok, err := tracker.Cancel(ctx, job.ID); err != nil || !ok {
				return domain.JobResult{}, fmt.Errorf("cancel: %v %v", ok, err)
			}
		}
		return domain.JobResult{}, nil
	}})
	ctx := context.Background()
	job, _ := tracker.Submit(ctx, "convert", []string{"a", "b", "c"}, nil)
	if err := tracker.Run(ctx, job.ID); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	got, _ := tracker.Get(ctx, job.ID)
	if got.Status != domain.JobCancelled {
		t.Fatalf("status = %s", got.Status)
	}
	if len(got.Results) != 1 || got.Results[0].Status != domain.ResultSucceeded {
		t.Fatalf("results = %+v", got.Results)
	}
	if ok, err := tracker.Cancel(ctx, job.ID); err != nil || ok {
		t.Fatalf("Cancel() on terminal job = %v, %v", ok, err)
	}
}

func TestCancelBeforeRun(t *testing.T) {
	tracker, _ := newTestTracker(t, JobHandler{Input: failOn()})
	ctx := context.Background()
	job, _ := tracker.Submit(ctx, "convert", []string{"a"}, nil)
	if ok, err := tracker.Cancel(ctx, job.ID); err != nil || !ok {
		t.Fatalf("Cancel() = %v, %v", ok, err)
	}
	if err := tracker.Run(ctx, job.ID); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	got, _ := tracker.Get(ctx, job.ID)
	if got.Status != domain.JobCancelled || len(got.Results) != 0 {
		t.Fatalf("job = %+v", got)
	}
}

func TestRunResumesAfterInterruption(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var seen []string
	tracker, _ := newTestTracker(t, JobHandler{Input: func(_ context.Context, _ domain.BatchJob, input string) (domain.JobResult, error) {
		seen = append(seen, input)
		if input == "a" {
			cancel()
		}
		return domain.JobResult{}, nil
	}})
	job, _ := tracker.Submit(context.Background(), "convert", []string{"a", "b"}, nil)
	if err := tracker.Run(ctx, job.ID); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context canceled", err)
	}
	mid, _ := tracker.Get(context.Background(), job.ID)
	if mid.Status != domain.JobRunning || mid.CurrentIndex != 1 {
		t.Fatalf("interrupted job = %s at %d", mid.Status, mid.CurrentIndex)
	}

	if err := tracker.Run(context.Background(), job.ID); err != nil {
		t.Fatalf("second Run() error: %v", err)
	}
	got, _ := tracker.Get(context.Background(), job.ID)
	if got.Status != domain.JobCompleted || len(got.Results) != 2 {
		t.Fatalf("resumed job = %+v", got)
	}
	if strings.Join(seen, ",") != "a,b" {
		t.Fatalf("inputs processed = %v", seen)
	}
}

func TestFinishRunsOnSuccessfulInputs(t *testing.T) {
	var finished []string
	tracker, _ := newTestTracker(t, JobHandler{
		Input: failOn("x"),
		Finish: func(_ context.Context, job domain.BatchJob) (string, error) {
			for _, r := range job.Results {
				if r.Status == domain.ResultSucceeded {
					finished = append(finished, r.Input)
				}
			}
			return "/out/combined.pdf", nil
		},
	})
	ctx := context.Background()
	job, _ := tracker.Submit(ctx, "convert", []string{"a", "x", "b"}, nil)
	if err := tracker.Run(ctx, job.ID); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	got, _ := tracker.Get(ctx, job.ID)
	if got.OutputPath != "/out/combined.pdf" || strings.Join(finished, ",") != "a,b" {
		t.Fatalf("output = %q finished = %v", got.OutputPath, finished)
	}
}

func TestDeleteAndSweep(t *testing.T) {
	var (
		tracker *BatchTracker
		jobs    store.Records[domain.BatchJob]
	)
	tracker, jobs = newTestTracker(t, JobHandler{Input: func(_ context.Context, _ domain.BatchJob, input string) (domain.JobResult, error) {
		out := filepath.Join(tracker.outputDir, input+".txt")
		return domain.JobResult{OutputPath: out}, os.WriteFile(out, []byte(input), 0o644)
	}})
	ctx := context.Background()

	pending, _ := tracker.Submit(ctx, "convert", []string{"p"}, nil)
	if err := tracker.Delete(ctx, pending.ID); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("Delete(pending) error = %v, want invalid state", err)
	}

	old, _ := tracker.Submit(ctx, "convert", []string{"old"}, nil)
	fresh, _ := tracker.Submit(ctx, "convert", []string{"fresh"}, nil)
	for _, id := range []string{old.ID, fresh.ID} {
		if err := tracker.Run(ctx, id); err != nil {
			t.Fatalf("Run() error: %v", err)
		}
	}
	aged, _, _ := jobs.Get(ctx, old.ID)
	past := time.Now().UTC().Add(-48 * time.Hour)
	aged.CompletedAt = &past
	if err := jobs.Put(ctx, old.ID, aged); err != nil {
		t.Fatalf("Put() error: %v", err)
	}

	n, err := tracker.Sweep(ctx, 24*time.Hour)
	if err != nil || n != 1 {
		t.Fatalf("Sweep() = %d, %v", n, err)
	}
	if _, err := tracker.Get(ctx, old.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("swept job still present: %v", err)
	}
	if _, err := os.Stat(aged.Results[0].OutputPath); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("swept output still on disk: %v", err)
	}
	if _, err := tracker.Get(ctx, fresh.ID); err != nil {
		t.Fatalf("fresh job swept: %v", err)
	}
	if _, err := tracker.Get(ctx, pending.ID); err != nil {
		t.Fatalf("pending job swept: %v", err)
	}
}

func TestProgressPercent(t *testing.T) {
	job := domain.BatchJob{Inputs: []string{"a", "b", "c", "d"}, CurrentIndex: 1}
	if p := job.Progress(); p.Percent != 25 || p.Total != 4 {
		t.Fatalf("progress = %+v", p)
	}
}

func TestWithinDir(t *testing.T) {
	cases := []struct {
		path string
		want bool
	}{
		{"/data/out/a.pdf", true},
		{"/data/out/sub/b.pdf", true},
		{"/data/out", false},
		{"/data/other/a.pdf", false},
		{"/data/out/../secret", false},
	}
	for _, tc := range cases {
		if got := withinDir("/data/out", tc.path); got != tc.want {
			t.Fatalf("withinDir(%q) = %v, want %v", tc.path, got, tc.want)
		}
	}
}

func TestCancelDuringLastInput(t *testing.T) {
	started := make(chan struct{})
	proceed := make(chan struct{})
	tracker, _ := newTestTracker(t, JobHandler{Input: func(_ context.Context, _ domain.BatchJob, input string) (domain.JobResult, error) {
		if input == "b" {
			close(started)
			<-proceed
		}
		return domain.JobResult{}, nil
	}})
	ctx := context.Background()
	job, _ := tracker.Submit(ctx, "convert", []string{"a", "b"}, nil)
	done := make(chan error, 1)
	go func() { done <- tracker.Run(ctx, job.ID) }()

	<-started
	ok, err := tracker.Cancel(ctx, job.ID)
	close(proceed)
	if err != nil || !ok {
		t.Fatalf("Cancel() = %v, %v", ok, err)
	}
	if err := <-done; err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	got, _ := tracker.Get(ctx, job.ID)
	if got.Status != domain.JobCancelled {
		t.Fatalf("status = %s, want cancelled", got.Status)
	}
	if len(got.Results) != 2 {
		t.Fatalf("results = %+v", got.Results)
	}
}

// failingPuts fails the next Put once armed.
type failingPuts struct {
	store.Records[domain.BatchJob]
	armed atomic.Bool
}

func (f *failingPuts) Put(ctx context.Context, id string, v domain.BatchJob) error {
	if f.armed.CompareAndSwap(true, false) {
		return errors.New("disk full")
	}
	return f.Records.Put(ctx, id, v)
}

func TestRunFailsJobWhenStartCannotBeSaved(t *testing.T) {
	jobs := &failingPuts{Records: store.NewMemoryStore[domain.BatchJob]()}
	tracker := NewBatchTracker(jobs, store.NewMemoryStore[cancelMark](), t.TempDir())
	tracker.Handle(domain.JobConvert, JobHandler{Input: failOn()})
	ctx := context.Background()
	job, err := tracker.Submit(ctx, "convert", []string{"a"}, nil)
	if err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	jobs.armed.Store(true)
	if err := tracker.Run(ctx, job.ID); err == nil || !strings.Contains(err.Error(), "disk full") {
		t.Fatalf("Run() error = %v", err)
	}
	got, err := tracker.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.Status != domain.JobFailed || !strings.Contains(got.ErrorMessage, "disk full") || got.CompletedAt == nil {
		t.Fatalf("job = %s %q", got.Status, got.ErrorMessage)
	}
	if len(got.Results) != 0 {
		t.Fatalf("inputs ran after failed start: %+v", got.Results)
	}
}

func TestProgressReadsDuringRun(t *testing.T) {
	inputs := make([]string, 200)
	for i := range inputs {
		inputs[i] = fmt.Sprintf("in-%d", i)
	}
	tracker, _ := newTestTracker(t, JobHandler{Input: func(_ context.Context, _ domain.BatchJob, input string) (domain.JobResult, error) {
		if strings.HasSuffix(input, "7") {
			return domain.JobResult{}, errors.New("bad input")
		}
		return domain.JobResult{Warnings: []string{input}}, nil
	}})
	ctx := context.Background()
	job, _ := tracker.Submit(ctx, "convert", inputs, nil)

	done := make(chan struct{})
	var wg sync.WaitGroup
	errs := make(chan string, 4)
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			last := 0
			for {
				select {
				case <-done:
					return
				default:
				}
				p, err := tracker.Progress(ctx, job.ID)
				if err != nil {
					errs <- err.Error()
					return
				}
				if p.SuccessCount+p.FailureCount > p.CurrentIndex {
					errs <- fmt.Sprintf("counts %d+%d ahead of index %d", p.SuccessCount, p.FailureCount, p.CurrentIndex)
					return
				}
				if p.CurrentIndex < last {
					errs <- fmt.Sprintf("index went back from %d to %d", last, p.CurrentIndex)
					return
				}
				last = p.CurrentIndex
				if full, err := tracker.Get(ctx, job.ID); err == nil && len(full.Results) > full.CurrentIndex {
					errs <- fmt.Sprintf("%d results at index %d", len(full.Results), full.CurrentIndex)
					return
				}
			}
		}()
	}
	err := tracker.Run(ctx, job.ID)
	close(done)
	wg.Wait()
	close(errs)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	for msg := range errs {
		t.Fatalf("inconsistent snapshot: %s", msg)
	}
	got, _ := tracker.Get(ctx, job.ID)
	if got.CurrentIndex != len(inputs) || got.SuccessCount+got.FailureCount != len(inputs) {
		t.Fatalf("final progress = %+v", got.Progress())
	}
}

func TestShortID(t *testing.T) {
	id := newJobID()
	if got := shortID(id); len(got) != 8 || !strings.HasPrefix(id, got) {
		t.Fatalf("shortID(%q) = %q", id, got)
	}
	if got := shortID("abc"); got != "abc" {
		t.Fatalf("shortID(abc) = %q", got)
	}
}
