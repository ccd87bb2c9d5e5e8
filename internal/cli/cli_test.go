package cli

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"flarelocate/internal/config"
	"flarelocate/internal/logging"
	"flarelocate/internal/pipeline"
	"flarelocate/internal/server"
	"flarelocate/internal/storage"
	"flarelocate/internal/training"
)

type fakePipeline struct {
	mu     sync.Mutex
	jobs   []pipeline.Job
	subs   []chan pipeline.Result
	failOn pipeline.JobType
}

func (f *fakePipeline) Submit(job pipeline.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, job)
	res := pipeline.Result{Job: job, Meta: map[string]any{"events": 3}}
	if job.Type == f.failOn {
		res.Error = errors.New("stage failed")
	}
	for _, ch := range f.subs {
		select {
		case ch <- res:
		default:
		}
	}
	return nil
}

func (f *fakePipeline) Subscribe() (<-chan pipeline.Result, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan pipeline.Result, 4)
	f.subs = append(f.subs, ch)
	return ch, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		for i, c := range f.subs {
			if c == ch {
				f.subs = append(f.subs[:i], f.subs[i+1:]...)
				break
			}
		}
	}
}

func (f *fakePipeline) submitted() []pipeline.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]pipeline.Job(nil), f.jobs...)
}

func newTestRoot(t *testing.T) (*Root, *fakePipeline) {
	t.Helper()
	cfg := config.Default()
	cfg.Paths.DataRoot = t.TempDir()
	fake := &fakePipeline{}
	root := &Root{
		pipeline: fake,
		cfg:      cfg,
		log:      logging.Discard(),
		serveFn:  defaultServe,
	}
	return root, fake
}

func execute(t *testing.T, root *Root, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd(root)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}

func TestStageCommandsSubmitJobs(t *testing.T) {
	cases := []struct {
		args  []string
		typ   pipeline.JobType
		event string
		opts  map[string]string
	}{
		{[]string{"query"}, pipeline.JobQuery, "", nil},
		{[]string{"download", "--event", "event_0001"}, pipeline.JobDownload, "event_0001", nil},
		{[]string{"resample"}, pipeline.JobResample, "", nil},
		{[]string{"align", "--event", "event_0002"}, pipeline.JobAlign, "event_0002", nil},
		{[]string{"align", "--event", "event_0002", "--channel", "171A"}, pipeline.JobAlignDebug, "event_0002", map[string]string{"channel": "171A"}},
		{[]string{"check-aligned"}, pipeline.JobCheck, "", nil},
		{[]string{"diff"}, pipeline.JobDiff, "", nil},
		{[]string{"merge", "--event", "event_0003"}, pipeline.JobMerge, "event_0003", nil},
		{[]string{"heatmap"}, pipeline.JobHeatmap, "", nil},
		{[]string{"available"}, pipeline.JobAvailable, "", nil},
		{[]string{"split"}, pipeline.JobSplit, "", nil},
		{[]string{"train", "pseudo"}, pipeline.JobTrain, "", map[string]string{"stage": training.StagePseudo}},
		{[]string{"evaluate", "--list", "val_labeled", "--checkpoint", "joint_best"}, pipeline.JobEvaluate, "", map[string]string{"list": "val_labeled", "checkpoint_name": "joint_best"}},
		{[]string{"overlays", "--list", "val_labeled"}, pipeline.JobOverlays, "", map[string]string{"list": "val_labeled"}},
	}

	for _, tc := range cases {
		t.Run(strings.Join(tc.args, " "), func(t *testing.T) {
			root, fake := newTestRoot(t)
			out, err := execute(t, root, tc.args...)
			if err != nil {
				t.Fatalf("command failed: %v", err)
			}
			jobs := fake.submitted()
			if len(jobs) != 1 {
				t.Fatalf("expected one job, got %d", len(jobs))
			}
			job := jobs[0]
			if job.Type != tc.typ || job.EventID != tc.event {
				t.Fatalf("unexpected job %+v", job)
			}
			for k, v := range tc.opts {
				if job.Options[k] != v {
					t.Fatalf("option %s = %v, want %s", k, job.Options[k], v)
				}
			}
			if !strings.Contains(out, "events: 3") {
				t.Fatalf("expected result meta in output, got %q", out)
			}
		})
	}
}

func TestCommandsValidateArguments(t *testing.T) {
	root, fake := newTestRoot(t)
	for _, args := range [][]string{
		{"align", "--channel", "171A"},
		{"train"},
		{"train", "finetune"},
		{"query", "extra"},
	} {
		if _, err := execute(t, root, args...); err == nil {
			t.Fatalf("expected error for %v", args)
		}
	}
	if n := len(fake.submitted()); n != 0 {
		t.Fatalf("invalid commands submitted %d jobs", n)
	}
}

func TestRunStopsAtFirstFailure(t *testing.T) {
	root, fake := newTestRoot(t)
	fake.failOn = pipeline.JobAlign

	_, err := execute(t, root, "run")
	if err == nil || !strings.Contains(err.Error(), "stage failed") {
		t.Fatalf("expected align failure, got %v", err)
	}
	jobs := fake.submitted()
	if got := jobs[len(jobs)-1].Type; got != pipeline.JobAlign {
		t.Fatalf("expected run to stop at align, last job %s", got)
	}
	if len(jobs) != 4 {
		t.Fatalf("expected 4 stages before stopping, got %d", len(jobs))
	}
}

func TestRunWithTraining(t *testing.T) {
	root, fake := newTestRoot(t)
	if _, err := execute(t, root, "run", "--train"); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	jobs := fake.submitted()
	if len(jobs) != len(pipeline.Stages)+3 {
		t.Fatalf("expected %d jobs, got %d", len(pipeline.Stages)+3, len(jobs))
	}
	for i, stage := range pipeline.Stages {
		if jobs[i].Type != stage {
			t.Fatalf("job %d is %s, want %s", i, jobs[i].Type, stage)
		}
	}
	if last := jobs[len(jobs)-1]; last.Options["stage"] != training.StageJoint {
		t.Fatalf("expected joint training last, got %+v", last)
	}
}

func TestServeCommandUsesInjectedFunction(t *testing.T) {
	root, _ := newTestRoot(t)
	var (
		gotAddr string
		gotOpts server.Options
	)
	root.serveFn = func(ctx context.Context, addr string, opts server.Options, store *storage.Store, pipe pipelineClient, log *slog.Logger) error {
		gotAddr, gotOpts = addr, opts
		return nil
	}

	if _, err := execute(t, root, "serve"); err != nil {
		t.Fatalf("serve failed: %v", err)
	}
	if gotAddr != root.cfg.Server.Addr || gotOpts.WatchRoot != "" {
		t.Fatalf("unexpected serve args %q %+v", gotAddr, gotOpts)
	}

	if _, err := execute(t, root, "serve", "--addr", ":9999", "--watch"); err != nil {
		t.Fatalf("serve failed: %v", err)
	}
	if gotAddr != ":9999" {
		t.Fatalf("unexpected addr %s", gotAddr)
	}
	if gotOpts.WatchRoot != root.cfg.RawDir() || gotOpts.Debounce != root.cfg.Server.Debounce.Duration {
		t.Fatalf("watch options not taken from config: %+v", gotOpts)
	}
}

func TestServeRejectsForeignPipeline(t *testing.T) {
	root, _ := newTestRoot(t)
	if _, err := execute(t, root, "serve"); err == nil {
		t.Fatal("expected error serving without a real pipeline")
	}
}

func TestJobsCommandListsStoredJobs(t *testing.T) {
	root, _ := newTestRoot(t)
	store, err := storage.New(filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	root.store = store

	if err := store.RecordJobQueued(storage.JobRecord{ID: "job-1", JobType: "diff", EventID: "event_0009", Status: "pending"}); err != nil {
		t.Fatal(err)
	}
	out, err := execute(t, root, "jobs")
	if err != nil {
		t.Fatalf("jobs failed: %v", err)
	}
	if !strings.Contains(out, "job-1") || !strings.Contains(out, "event_0009") {
		t.Fatalf("expected stored job in output, got %q", out)
	}
}

func TestConfigCommands(t *testing.T) {
	root, _ := newTestRoot(t)
	t.Setenv("FLARELOCATE_CONFIG", "/tmp/flare.yaml")

	out, err := execute(t, root, "config", "show")
	if err != nil {
		t.Fatalf("config show failed: %v", err)
	}
	if !strings.Contains(out, "/tmp/flare.yaml") || !strings.Contains(out, "model_addr:") {
		t.Fatalf("unexpected config output %q", out)
	}

	if out, err = execute(t, root, "config", "validate"); err != nil || !strings.Contains(out, "ok") {
		t.Fatalf("expected valid default config, got %q (%v)", out, err)
	}

	root.cfg.Alignment.Channels = nil
	if _, err := execute(t, root, "config", "validate"); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestVersionCommand(t *testing.T) {
	root, _ := newTestRoot(t)
	out, err := execute(t, root, "version")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "flarelocate v"+version) {
		t.Fatalf("unexpected version output %q", out)
	}
}
