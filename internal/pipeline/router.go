package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"time"

	"flarelocate/internal/archive"
	"flarelocate/internal/config"
	"flarelocate/internal/dataset"
	"flarelocate/internal/fsutil"
	"flarelocate/internal/hek"
	"flarelocate/internal/model"
	"flarelocate/internal/render"
	"flarelocate/internal/storage"
	"flarelocate/internal/tasks"
	"flarelocate/internal/training"
)

// router implements Processor and routes jobs to their concrete handlers.
type router struct {
	cfg      *config.Config
	log      *slog.Logger
	store    *storage.Store
	searcher hek.Searcher
	archive  archive.Archive
	dial     modelDialer
}

type modelDialer func(addr string) (model.Model, io.Closer, error)

func dialModel(addr string) (model.Model, io.Closer, error) {
	c, err := model.Dial(addr)
	if err != nil {
		return nil, nil, err
	}
	return c, c, nil
}

func newRouter(cfg *config.Config, logger *slog.Logger, store *storage.Store) *router {
	return &router{
		cfg:      cfg,
		log:      logger,
		store:    store,
		searcher: hek.NewClient(cfg.Query.HEKURL, cfg.Query.PageSize, cfg.Query.RequestTimeout.Duration, logger),
		archive:  archive.NewClient(cfg.Download.ArchiveURL, cfg.Download.Series),
		dial:     dialModel,
	}
}

func (r *router) Process(ctx context.Context, job Job) Result {
	var meta map[string]any
	var err error
	switch job.Type {
	case JobQuery:
		meta, err = r.handleQuery(ctx, job)
	case JobDownload:
		meta, err = r.handleDownload(ctx, job)
	case JobResample:
		meta, err = r.handleResample(ctx, job)
	case JobAlign:
		meta, err = r.handleAlign(ctx, job)
	case JobAlignDebug:
		meta, err = r.handleAlignDebug(ctx, job)
	case JobCheck:
		meta, err = r.handleCheck(ctx, job)
	case JobDiff:
		meta, err = r.handleDiff(ctx, job)
	case JobMerge:
		meta, err = r.handleMerge(ctx, job)
	case JobHeatmap:
		meta, err = r.handleHeatmap(ctx, job)
	case JobAvailable:
		meta, err = r.handleAvailable(ctx, job)
	case JobSplit:
		meta, err = r.handleSplit(ctx, job)
	case JobTrain:
		meta, err = r.handleTrain(ctx, job)
	case JobEvaluate:
		meta, err = r.handleEvaluate(ctx, job)
	case JobOverlays:
		meta, err = r.handleOverlays(ctx, job)
	default:
		err = fmt.Errorf("unknown job type: %s", job.Type)
	}
	return Result{Job: job, Error: err, Meta: meta}
}

func optString(job Job, key, def string) string {
	if v, ok := job.Options[key].(string); ok && v != "" {
		return v
	}
	return def
}

// events loads the event table, limited to job.EventID when set.
func (r *router) events(job Job) ([]hek.Event, error) {
	events, err := hek.LoadEvents(r.cfg.EventCSV())
	if err != nil {
		return nil, fmt.Errorf("load event table: %w", err)
	}
	if job.EventID == "" {
		return events, nil
	}
	ev, err := hek.NewEventIndex(events).Lookup(job.EventID)
	if err != nil {
		return nil, err
	}
	return []hek.Event{ev}, nil
}

func (r *router) handleQuery(ctx context.Context, job Job) (map[string]any, error) {
	var windows []hek.Window
	for _, w := range r.cfg.Query.Windows {
		win, err := hek.ParseWindow(w.Start, w.End)
		if err != nil {
			return nil, err
		}
		windows = append(windows, win)
	}
	events, err := hek.QueryEvents(ctx, r.searcher, windows, r.cfg.Query.GOESThreshold, r.cfg.Query.MaxDistance, r.log)
	if err != nil {
		return nil, err
	}
	if err := hek.SaveEvents(r.cfg.EventCSV(), events); err != nil {
		return nil, err
	}
	if err := r.store.RecordEvents(events); err != nil {
		r.log.Warn("failed to store events", "error", err)
	}
	return map[string]any{"events": len(events), "output": r.cfg.EventCSV()}, nil
}

func (r *router) handleDownload(ctx context.Context, job Job) (map[string]any, error) {
	events, err := r.events(job)
	if err != nil {
		return nil, err
	}
	dl := &archive.Downloader{
		Archive:     r.archive,
		Root:        r.cfg.RawDir(),
		Wavelengths: r.cfg.Download.Wavelengths,
		Delta:       time.Duration(r.cfg.Download.DeltaMinutes) * time.Minute,
		Cadence:     r.cfg.Download.Cadence.Duration,
		MaxAttempts: r.cfg.Download.MaxAttempts,
		RetryDelay:  r.cfg.Download.RetryDelay.Duration,
		Workers:     r.cfg.Workers(),
		Logger:      r.log,
	}
	sums, err := dl.DownloadAll(ctx, events)
	if err != nil {
		return nil, err
	}
	summary := r.cfg.Path("aia_download_summary.csv")
	if err := archive.WriteSummary(summary, r.cfg.Download.Wavelengths, sums); err != nil {
		return nil, fmt.Errorf("write download summary: %w", err)
	}
	if err := r.store.RecordDownloads(sums); err != nil {
		r.log.Warn("failed to store download counts", "error", err)
	}
	return map[string]any{"events": len(sums), "summary": summary}, nil
}

func (r *router) handleResample(ctx context.Context, job Job) (map[string]any, error) {
	rs := &tasks.Resampler{RawRoot: r.cfg.RawDir(), OutRoot: r.cfg.ResampledDir(), Logger: r.log}
	dirs, err := rs.Run(ctx, job.EventID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"directories": len(dirs)}, nil
}

func (r *router) newAligner(job Job) (*tasks.Aligner, error) {
	events, err := hek.LoadEvents(r.cfg.EventCSV())
	if err != nil {
		return nil, fmt.Errorf("load event table: %w", err)
	}
	a := r.cfg.Alignment
	return &tasks.Aligner{
		ResampledRoot: r.cfg.ResampledDir(),
		AlignedRoot:   r.cfg.AlignedDir(),
		Channels:      a.Channels,
		MinFrames:     a.MinFrames,
		MaxFrames:     a.MaxFrames,
		Window:        a.Window,
		CropSize:      a.CropSize,
		OutputSize:    a.OutputSize,
		MaxReproject:  a.MaxReproject.Duration,
		Workers:       r.cfg.Workers(),
		Events:        hek.NewEventIndex(events),
		Logger:        r.log.With("job", job.ID),
	}, nil
}

func (r *router) handleAlign(ctx context.Context, job Job) (map[string]any, error) {
	al, err := r.newAligner(job)
	if err != nil {
		return nil, err
	}
	var report *tasks.AlignReport
	if job.EventID != "" {
		ev, frames := al.ProcessEvent(ctx, filepath.Join(al.ResampledRoot, job.EventID))
		report = &tasks.AlignReport{Events: []tasks.EventReport{ev}, Frames: frames}
	} else if report, err = al.AlignAll(ctx); err != nil {
		return nil, err
	}

	reportPath := filepath.Join(r.cfg.ReportDir(), "align_report.csv")
	detailPath := filepath.Join(r.cfg.ReportDir(), "align_detailed_log.csv")
	if err := tasks.WriteAlignReport(reportPath, detailPath, al.Channels, report); err != nil {
		return nil, fmt.Errorf("write align report: %w", err)
	}
	if err := r.store.RecordAlignReport(report); err != nil {
		r.log.Warn("failed to store align report", "error", err)
	}

	ok := 0
	for _, ev := range report.Events {
		if ev.Status == tasks.EventOK {
			ok++
		}
	}
	return map[string]any{"events": len(report.Events), "ok": ok, "frames": len(report.Frames), "report": reportPath}, nil
}

func (r *router) handleAlignDebug(ctx context.Context, job Job) (map[string]any, error) {
	channel := optString(job, "channel", "")
	if job.EventID == "" || channel == "" {
		return nil, fmt.Errorf("align-debug needs an event and a channel")
	}
	al, err := r.newAligner(job)
	if err != nil {
		return nil, err
	}
	frames, err := al.DebugEvent(ctx, job.EventID, channel)
	if err != nil {
		return nil, err
	}
	saved := 0
	for _, f := range frames {
		if f.Err == "" {
			saved++
		}
	}
	return map[string]any{"frames": len(frames), "saved": saved}, nil
}

func (r *router) handleCheck(ctx context.Context, job Job) (map[string]any, error) {
	res, err := tasks.CheckAligned(ctx, r.cfg.AlignedDir(), r.log)
	if err != nil {
		return nil, err
	}
	return map[string]any{"checked": res.Checked, "invalid": len(res.Invalid), "examples": res.Examples(5)}, nil
}

func (r *router) newDiffer() *tasks.Differ {
	return &tasks.Differ{
		AlignedRoot:      r.cfg.AlignedDir(),
		DiffRoot:         r.cfg.DiffDir(),
		Channels:         r.cfg.Alignment.Channels,
		FramesPerChannel: r.cfg.Dataset.FramesPerChannel,
		Workers:          r.cfg.Workers(),
		Logger:           r.log,
		WritePreview:     render.WritePreview,
	}
}

func (r *router) handleDiff(ctx context.Context, job Job) (map[string]any, error) {
	d := r.newDiffer()
	if job.EventID != "" {
		counts, err := d.DiffEvent(ctx, job.EventID)
		return map[string]any{"event": job.EventID, "frames": counts}, err
	}
	done, err := d.DiffAll(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"events": len(done)}, nil
}

func (r *router) handleMerge(ctx context.Context, job Job) (map[string]any, error) {
	d := r.newDiffer()
	if job.EventID != "" {
		return map[string]any{"event": job.EventID}, d.MergeEvent(job.EventID)
	}
	done, err := d.MergeAll(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"events": len(done)}, nil
}

func (r *router) handleHeatmap(ctx context.Context, job Job) (map[string]any, error) {
	events, err := hek.LoadEvents(r.cfg.EventCSV())
	if err != nil {
		return nil, fmt.Errorf("load event table: %w", err)
	}
	h := r.cfg.Heatmap
	g := &tasks.HeatmapGenerator{
		AlignedRoot: r.cfg.AlignedDir(),
		HeatmapRoot: r.cfg.HeatmapDir(),
		RefChannel:  h.RefChannel,
		RefIndex:    h.RefIndex,
		Size:        h.Size,
		Sigma:       h.Sigma,
		Events:      hek.NewEventIndex(events),
		Logger:      r.log,
	}
	recs, err := g.GenerateAll(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"heatmaps": len(recs)}, nil
}

func (r *router) handleAvailable(ctx context.Context, job Job) (map[string]any, error) {
	ids, err := dataset.CheckAvailable(r.cfg.DiffDir(), r.cfg.HeatmapDir())
	if err != nil {
		return nil, err
	}
	if err := fsutil.WriteLines(r.cfg.AvailableList(), ids); err != nil {
		return nil, err
	}
	r.log.Info("available events", "count", len(ids), "output", r.cfg.AvailableList())
	return map[string]any{"events": len(ids), "output": r.cfg.AvailableList()}, nil
}

func (r *router) handleSplit(ctx context.Context, job Job) (map[string]any, error) {
	ids, err := fsutil.ReadLines(r.cfg.AvailableList())
	if err != nil {
		return nil, fmt.Errorf("read available events: %w", err)
	}
	d := r.cfg.Dataset
	s := dataset.Split(ids, d.Seed, dataset.Fractions{Train: d.TrainFraction, Val: d.ValFraction, Pseudo: d.PseudoFraction})
	if err := s.Write(r.cfg.SplitDir()); err != nil {
		return nil, err
	}
	return map[string]any{
		dataset.TrainLabeled:    len(s.Train),
		dataset.ValLabeled:      len(s.Val),
		dataset.PseudoUnlabeled: len(s.Pseudo),
		dataset.TestLabeled:     len(s.Test),
	}, nil
}

func (r *router) trainer() (*training.Trainer, io.Closer, error) {
	t := r.cfg.Training
	m, closer, err := r.dial(t.ModelAddr)
	if err != nil {
		return nil, nil, err
	}
	return &training.Trainer{
		Model:           m,
		SplitDir:        r.cfg.SplitDir(),
		DiffRoot:        r.cfg.DiffDir(),
		HeatmapRoot:     r.cfg.HeatmapDir(),
		PseudoRoot:      r.cfg.PseudoDir(),
		OverlayDir:      r.cfg.OverlayDir(),
		CheckpointDir:   r.cfg.CheckpointDir(),
		Epochs:          t.Epochs,
		BatchSize:       t.BatchSize,
		LearningRate:    t.LearningRate,
		PseudoWeight:    t.PseudoWeight,
		PeakThreshold:   t.PeakThreshold,
		CentralRatio:    t.CentralRatio,
		CentralHalfSize: t.CentralHalfSize,
		CallTimeout:     t.CallTimeout.Duration,
		Logger:          r.log,
	}, closer, nil
}

func (r *router) handleTrain(ctx context.Context, job Job) (map[string]any, error) {
	stage := optString(job, "stage", training.StageSupervised)
	tr, closer, err := r.trainer()
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	switch stage {
	case training.StageSupervised, training.StageJoint:
		run := tr.Supervised
		if stage == training.StageJoint {
			run = tr.Joint
		}
		res, err := run(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"stage": stage, "checkpoint": res.Checkpoint, "train_loss": res.TrainLoss, "val_loss": res.ValLoss}, nil
	case training.StagePseudo:
		res, err := tr.Pseudo(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"stage": stage, "scored": res.Scored, "selected": len(res.Selected)}, nil
	default:
		return nil, fmt.Errorf("unknown training stage %q", stage)
	}
}

func (r *router) handleEvaluate(ctx context.Context, job Job) (map[string]any, error) {
	tr, closer, err := r.trainer()
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	checkpoint := optString(job, "checkpoint", "")
	if name := optString(job, "checkpoint_name", ""); checkpoint == "" && name != "" {
		checkpoint = tr.Checkpoint(name)
	}
	ev, err := tr.Evaluate(ctx, optString(job, "list", dataset.TestLabeled), checkpoint)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"checkpoint":      ev.Checkpoint,
		"events":          len(ev.Events),
		"unlabeled":       ev.Unlabeled,
		"mean_mse":        ev.MeanMSE,
		"mean_peak_error": ev.MeanPeakError,
		"weighted_loss":   ev.WeightedLoss,
	}, nil
}

// handleOverlays renders from files only; it needs no model connection.
func (r *router) handleOverlays(ctx context.Context, job Job) (map[string]any, error) {
	tr := &training.Trainer{
		SplitDir:    r.cfg.SplitDir(),
		DiffRoot:    r.cfg.DiffDir(),
		HeatmapRoot: r.cfg.HeatmapDir(),
		OverlayDir:  r.cfg.OverlayDir(),
		Logger:      r.log,
	}
	n, err := tr.Overlays(ctx, optString(job, "list", dataset.TestLabeled))
	if err != nil {
		return nil, err
	}
	return map[string]any{"overlays": n, "dir": r.cfg.OverlayDir()}, nil
}
