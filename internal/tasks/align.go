package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"flarelocate/internal/fitsframe"
	"flarelocate/internal/fsutil"
	"flarelocate/internal/hek"
)

// Frame-level statuses written to the detailed alignment log.
const (
	StatusAligned       = "aligned"
	StatusAlignFailed   = "align_failed"
	StatusLoadFailed    = "load_failed"
	StatusNoCoordinates = "no_coordinates"
)

// Event-level statuses written to the alignment report.
const (
	EventOK      = "ok"
	EventSkipped = "skipped"
)

// FrameLog is one row of the detailed alignment log.
type FrameLog struct {
	EventID string `json:"event_id"`
	Channel string `json:"channel"`
	Path    string `json:"filepath"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// EventReport is one row of the alignment report.
type EventReport struct {
	EventID string         `json:"event_id"`
	Counts  map[string]int `json:"counts"`
	Status  string         `json:"status"`
}

// AlignReport collects the outcome of a full alignment run.
type AlignReport struct {
	Events []EventReport
	Frames []FrameLog
}

// Aligner co-registers each event's frames per channel onto the middle
// frame and crops around the catalog flare position.
type Aligner struct {
	ResampledRoot string
	AlignedRoot   string
	Channels      []string
	MinFrames     int
	MaxFrames     int
	Window        int
	CropSize      int
	OutputSize    int
	MaxReproject  time.Duration
	Workers       int
	Events        hek.EventIndex
	Logger        *slog.Logger

	// Stubbable for tests.
	LoadFrame      func(path string) (*fitsframe.Frame, error)
	ReprojectFrame func(ctx context.Context, src, ref *fitsframe.Frame) (*fitsframe.Frame, error)
	SaveFrame      func(path string, f *fitsframe.Frame) error
}

func (a *Aligner) load(path string) (*fitsframe.Frame, error) {
	if a.LoadFrame != nil {
		return a.LoadFrame(path)
	}
	return fitsframe.Load(path)
}

func (a *Aligner) save(path string, f *fitsframe.Frame) error {
	if a.SaveFrame != nil {
		return a.SaveFrame(path, f)
	}
	return fitsframe.Save(path, f)
}

func (a *Aligner) reproject(ctx context.Context, src, ref *fitsframe.Frame) (*fitsframe.Frame, error) {
	if a.ReprojectFrame != nil {
		return a.ReprojectFrame(ctx, src, ref)
	}
	return Reproject(ctx, src, ref)
}

// FlarePixel converts catalog coordinates (arcsec) into a 0-based pixel
// position of frame.
func FlarePixel(frame *fitsframe.Frame, hpcX, hpcY float64) (float64, float64, error) {
	w, err := frame.WCS()
	if err != nil {
		return 0, 0, err
	}
	px, py, ok := w.WorldToPixel(hpcX, hpcY)
	if !ok {
		return 0, 0, fmt.Errorf("position (%.1f, %.1f) arcsec is not projectable", hpcX, hpcY)
	}
	return px, py, nil
}

// CropAndResize cuts a crop×crop window centered on (int(px), int(py)),
// zero-filling whatever lies outside the image, then resizes it to out×out.
// The returned frame carries the matching WCS.
func CropAndResize(frame *fitsframe.Frame, px, py float64, crop, out int) (*fitsframe.Frame, error) {
	if crop <= 0 || out <= 0 {
		return nil, fmt.Errorf("invalid crop %d or output size %d", crop, out)
	}
	half := crop / 2
	c := frame.Crop(int(px)-half, int(py)-half, crop, crop, 0)
	if out == crop {
		return c, nil
	}

	data, err := resizeArea(c.Data, crop, crop, out, out)
	if err != nil {
		return nil, err
	}
	c.Data, c.Width, c.Height = data, out, out
	if w, err := c.WCS(); err == nil {
		s := float64(out) / float64(crop)
		c.SetWCS(w.Scale(s, s))
	}
	c.Header.Set("NAXIS1", out)
	c.Header.Set("NAXIS2", out)
	return c, nil
}

// safeReproject bounds reprojection by MaxReproject and folds any failure
// into a status.
func (a *Aligner) safeReproject(ctx context.Context, src, ref *fitsframe.Frame) (*fitsframe.Frame, string, string) {
	rctx, cancel := context.WithTimeout(ctx, a.MaxReproject)
	defer cancel()

	out, err := a.reproject(rctx, src, ref)
	switch {
	case err == nil:
		return out, StatusAligned, ""
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		return nil, StatusAlignFailed, fmt.Sprintf("reproject exceeded time limit of %s", a.MaxReproject)
	default:
		return nil, StatusAlignFailed, err.Error()
	}
}

type loadedFrame struct {
	path  string
	frame *fitsframe.Frame
}

// prepare loads files and crops them around the flare when coordinates are
// known. Failures become load_failed entries.
func (a *Aligner) prepare(files []string, eventID, channel string, coords *[2]float64) ([]loadedFrame, []FrameLog) {
	var frames []loadedFrame
	var logs []FrameLog
	for _, f := range files {
		m, err := a.load(f)
		if err == nil && coords != nil {
			var px, py float64
			if px, py, err = FlarePixel(m, coords[0], coords[1]); err == nil {
				m, err = CropAndResize(m, px, py, a.CropSize, a.OutputSize)
			}
		}
		if err != nil {
			logs = append(logs, FrameLog{EventID: eventID, Channel: channel, Path: f, Status: StatusLoadFailed, Message: err.Error()})
			continue
		}
		frames = append(frames, loadedFrame{path: f, frame: m})
	}
	return frames, logs
}

func (a *Aligner) coordinates(eventID string) *[2]float64 {
	ev, ok := a.Events[eventID]
	if !ok || !ev.HasCoords() {
		return nil
	}
	return &[2]float64{*ev.HPCX, *ev.HPCY}
}

// AlignChannel aligns one channel of one event into outDir as NN.fits files
// numbered by valid-frame index. Per-frame failures are logged, not returned.
func (a *Aligner) AlignChannel(ctx context.Context, files []string, outDir, eventID, channel string) ([]FrameLog, error) {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, err
	}
	files = append([]string(nil), files...)
	sort.Strings(files)

	coords := a.coordinates(eventID)
	var logs []FrameLog
	if coords == nil {
		a.Logger.Warn("event has no catalog coordinates; frames left uncropped", "event", eventID, "channel", channel)
		logs = append(logs, FrameLog{EventID: eventID, Channel: channel, Status: StatusNoCoordinates, Message: "frames not cropped"})
	}

	frames, loadLogs := a.prepare(files, eventID, channel, coords)
	logs = append(logs, loadLogs...)
	if len(frames) == 0 {
		return logs, nil
	}

	ref := frames[len(frames)/2].frame
	for i, lf := range frames {
		if err := ctx.Err(); err != nil {
			return logs, err
		}
		aligned, status, msg := a.safeReproject(ctx, lf.frame, ref)
		if aligned != nil {
			if err := a.save(filepath.Join(outDir, fmt.Sprintf("%02d.fits", i)), aligned); err != nil {
				status, msg = StatusAlignFailed, err.Error()
			}
		}
		a.Logger.Debug("frame processed", "event", eventID, "channel", channel, "file", filepath.Base(lf.path), "status", status)
		logs = append(logs, FrameLog{EventID: eventID, Channel: channel, Path: lf.path, Status: status, Message: msg})
	}
	return logs, nil
}

// TrimWindow keeps the central window frames when there are more.
func TrimWindow(files []string, window int) []string {
	if window <= 0 || len(files) <= window {
		return files
	}
	start := len(files)/2 - window/2
	return files[start : start+window]
}

// ProcessEvent gates on frame counts and aligns every configured channel.
func (a *Aligner) ProcessEvent(ctx context.Context, eventDir string) (EventReport, []FrameLog) {
	eventID := filepath.Base(eventDir)
	if rel, err := filepath.Rel(a.ResampledRoot, eventDir); err == nil {
		eventID = rel
	}
	report := EventReport{EventID: eventID, Counts: map[string]int{}, Status: EventOK}

	files := map[string][]string{}
	inRange := true
	for _, ch := range a.Channels {
		fs, err := fsutil.ListFITS(filepath.Join(eventDir, ch))
		if err != nil {
			report.Status = "error: " + err.Error()
			return report, nil
		}
		files[ch] = fs
		report.Counts[ch] = len(fs)
		if len(fs) < a.MinFrames || len(fs) > a.MaxFrames {
			inRange = false
		}
	}
	if !inRange {
		report.Status = EventSkipped
		return report, nil
	}

	var logs []FrameLog
	for _, ch := range a.Channels {
		chLogs, err := a.AlignChannel(ctx, TrimWindow(files[ch], a.Window), filepath.Join(a.AlignedRoot, eventID, ch), eventID, ch)
		logs = append(logs, chLogs...)
		if err != nil {
			report.Status = "error: " + err.Error()
			break
		}
	}
	return report, logs
}

// AlignAll processes every event directory under the resampled root on a
// bounded worker pool. Results keep directory order.
func (a *Aligner) AlignAll(ctx context.Context) (*AlignReport, error) {
	events, err := fsutil.SubDirs(a.ResampledRoot)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	a.Logger.Info("aligning events", "total", len(events), "workers", a.Workers)

	reports := make([]EventReport, len(events))
	logs := make([][]FrameLog, len(events))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, a.Workers))
	for i, ev := range events {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			reports[i], logs[i] = a.ProcessEvent(gctx, filepath.Join(a.ResampledRoot, ev))
			a.Logger.Info("event aligned", "event", reports[i].EventID, "status", reports[i].Status)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := &AlignReport{Events: reports}
	for _, l := range logs {
		out.Frames = append(out.Frames, l...)
	}
	return out, nil
}
