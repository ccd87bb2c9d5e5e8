package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"flarelocate/internal/logging"
	"flarelocate/internal/storage"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// funcProcessor adapts a function to Processor.
type funcProcessor func(ctx context.Context, job Job) Result

func (f funcProcessor) Process(ctx context.Context, job Job) Result { return f(ctx, job) }

func echo(_ context.Context, job Job) Result {
	if job.EventID == "bad" {
		return Result{Error: errors.New("bad event")}
	}
	return Result{Meta: map[string]any{"event": job.EventID}}
}

func TestSubmitAndWaitRecordsJob(t *testing.T) {
	store, err := storage.New(filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	p := NewWithProcessor(context.Background(), 2, logging.Discard(), store, funcProcessor(echo))
	defer p.Stop()

	job := NewJob(JobDiff, "event_0001", nil)
	res, err := p.SubmitAndWait(context.Background(), job)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Job.ID != job.ID || res.Meta["event"] != "event_0001" {
		t.Fatalf("unexpected result %+v", res)
	}

	rec, err := store.Job(job.ID)
	if err != nil {
		t.Fatalf("job not stored: %v", err)
	}
	if rec.Status != "completed" || rec.JobType != "diff" || rec.EventID != "event_0001" {
		t.Fatalf("unexpected record %+v", rec)
	}

	_, err = p.SubmitAndWait(context.Background(), NewJob(JobDiff, "bad", nil))
	if err == nil || !strings.Contains(err.Error(), "bad event") {
		t.Fatalf("expected processor error, got %v", err)
	}
	recs, err := store.RecentJobs(1)
	if err != nil || len(recs) != 1 || recs[0].Status != "failed" || recs[0].Error != "bad event" {
		t.Fatalf("expected failed record, got %+v (%v)", recs, err)
	}
}

func TestSubscribersSeeEveryResult(t *testing.T) {
	p := NewWithProcessor(context.Background(), 1, logging.Discard(), nil, funcProcessor(echo))
	defer p.Stop()

	a, unsubA := p.Subscribe()
	defer unsubA()
	b, unsubB := p.Subscribe()
	defer unsubB()

	if err := p.Submit(NewJob(JobMerge, "event_0002", nil)); err != nil {
		t.Fatal(err)
	}
	for _, ch := range []<-chan Result{a, b} {
		select {
		case res := <-ch:
			if res.Job.Type != JobMerge {
				t.Fatalf("unexpected job type %s", res.Job.Type)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for result")
		}
	}
}

func TestSubmitQueueFull(t *testing.T) {
	release := make(chan struct{})
	var once sync.Once
	block := funcProcessor(func(ctx context.Context, job Job) Result {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return Result{}
	})
	p := NewWithProcessor(context.Background(), 1, logging.Discard(), nil, block)
	defer p.Stop()
	defer once.Do(func() { close(release) })

	// One job occupies the worker; the buffer holds two more.
	var err error
	for i := 0; i < 10 && err == nil; i++ {
		err = p.Submit(NewJob(JobCheck, "", nil))
	}
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	once.Do(func() { close(release) })
}

func TestStopClosesSubscriptions(t *testing.T) {
	p := NewWithProcessor(context.Background(), 1, logging.Discard(), nil, funcProcessor(echo))
	ch, unsub := p.Subscribe()
	p.Stop()
	if _, ok := <-ch; ok {
		t.Fatalf("expected closed channel after Stop")
	}
	unsub()
	p.Stop()
}

func TestResultJSON(t *testing.T) {
	res := Result{Job: Job{ID: "j", Type: JobAlign}, Error: errors.New("boom"), Meta: map[string]any{"ok": 1}}
	b, err := json.Marshal(res)
	if err != nil {
		t.Fatal(err)
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatal(err)
	}
	if out["error"] != "boom" {
		t.Fatalf("expected flattened error, got %s", b)
	}
	if job, _ := out["job"].(map[string]any); job["type"] != "align" {
		t.Fatalf("unexpected job payload %s", b)
	}
}
