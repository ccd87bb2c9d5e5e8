package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"flarelocate/internal/fitsframe"
	"flarelocate/internal/fsutil"
	"flarelocate/internal/npy"
	"flarelocate/internal/render"
)

const (
	diffEpsilon   = 1e-6
	previewFrames = 3
	previewClip   = 3.0
)

// ErrTooFewFrames marks a channel that cannot yield a difference.
var ErrTooFewFrames = errors.New("not enough frames")

// NormalizedDiffs returns f[i]-f[i-1] for consecutive frames, each
// standardized to zero mean and unit population deviation (plus epsilon).
// Statistics use finite pixels only; non-finite differences become 0.
func NormalizedDiffs(frames [][]float32) ([][]float32, error) {
	if len(frames) < 2 {
		return nil, ErrTooFewFrames
	}
	out := make([][]float32, 0, len(frames)-1)
	for i := 1; i < len(frames); i++ {
		prev, cur := frames[i-1], frames[i]
		if len(prev) != len(cur) {
			return nil, fmt.Errorf("frame %d has %d pixels, previous has %d", i, len(cur), len(prev))
		}
		d := make([]float64, len(cur))
		var sum float64
		n := 0
		for j := range cur {
			d[j] = float64(cur[j]) - float64(prev[j])
			if isFinite(d[j]) {
				sum += d[j]
				n++
			}
		}
		var mean, variance float64
		if n > 0 {
			mean = sum / float64(n)
			for _, v := range d {
				if isFinite(v) {
					variance += (v - mean) * (v - mean)
				}
			}
			variance /= float64(n)
		}
		std := math.Sqrt(variance) + diffEpsilon

		norm := make([]float32, len(d))
		for j, v := range d {
			if isFinite(v) {
				norm[j] = float32((v - mean) / std)
			}
		}
		out = append(out, norm)
	}
	return out, nil
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// Differ turns aligned frames into normalized difference sequences.
type Differ struct {
	AlignedRoot      string
	DiffRoot         string
	Channels         []string
	FramesPerChannel int
	Workers          int
	Logger           *slog.Logger

	// WritePreview renders the sanity-check strip. Nil disables previews.
	WritePreview func(path, title string, w, h int, panels []render.Panel, lo, hi float64) error
}

// DiffChannel writes NN.npy difference frames for one event channel and
// returns how many were written.
func (d *Differ) DiffChannel(eventID, channel string) (int, error) {
	files, err := fsutil.ListFITS(filepath.Join(d.AlignedRoot, eventID, channel))
	if err != nil {
		return 0, err
	}
	if len(files) < 2 {
		return 0, ErrTooFewFrames
	}

	var w, h int
	frames := make([][]float32, 0, len(files))
	for _, f := range files {
		fr, err := fitsframe.Load(f)
		if err != nil {
			return 0, err
		}
		if w == 0 {
			w, h = fr.Width, fr.Height
		} else if fr.Width != w || fr.Height != h {
			return 0, fmt.Errorf("%s is %dx%d, expected %dx%d", filepath.Base(f), fr.Width, fr.Height, w, h)
		}
		frames = append(frames, fr.Data)
	}

	diffs, err := NormalizedDiffs(frames)
	if err != nil {
		return 0, err
	}

	outDir := filepath.Join(d.DiffRoot, eventID, channel)
	for i, df := range diffs {
		if err := npy.WriteFile(filepath.Join(outDir, fmt.Sprintf("%02d.npy", i)), []int{h, w}, df); err != nil {
			return i, err
		}
	}

	if d.WritePreview != nil {
		var panels []render.Panel
		for i := 0; i < min(previewFrames, len(diffs)); i++ {
			panels = append(panels, render.Panel{Data: diffs[i], Label: fmt.Sprintf("Frame %d", i)})
		}
		path := filepath.Join(outDir, fmt.Sprintf("%s_%s_sanity_check.png", eventID, channel))
		title := fmt.Sprintf("%s - %s Diff Preview", eventID, channel)
		if err := d.WritePreview(path, title, w, h, panels, -previewClip, previewClip); err != nil {
			d.Logger.Warn("preview failed", "event", eventID, "channel", channel, "error", err)
		}
	}
	return len(diffs), nil
}

// DiffEvent processes every configured channel of an event. Channels with
// fewer than two frames are skipped.
func (d *Differ) DiffEvent(ctx context.Context, eventID string) (map[string]int, error) {
	counts := map[string]int{}
	for _, ch := range d.Channels {
		if err := ctx.Err(); err != nil {
			return counts, err
		}
		n, err := d.DiffChannel(eventID, ch)
		switch {
		case errors.Is(err, ErrTooFewFrames):
			d.Logger.Debug("channel skipped", "event", eventID, "channel", ch, "reason", err)
		case err != nil:
			return counts, fmt.Errorf("%s/%s: %w", eventID, ch, err)
		default:
			counts[ch] = n
		}
	}
	return counts, nil
}

// DiffAll runs DiffEvent over every aligned event. Per-event failures are
// logged and do not stop the stage. It returns the events that produced at
// least one channel.
func (d *Differ) DiffAll(ctx context.Context) ([]string, error) {
	events, err := fsutil.SubDirs(d.AlignedRoot)
	if err != nil {
		return nil, fmt.Errorf("list aligned events: %w", err)
	}

	done := make([]bool, len(events))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, d.Workers))
	for i, ev := range events {
		g.Go(func() error {
			counts, err := d.DiffEvent(gctx, ev)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				d.Logger.Error("diff failed", "event", ev, "error", err)
				return nil
			}
			done[i] = len(counts) > 0
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var processed []string
	for i, ok := range done {
		if ok {
			processed = append(processed, events[i])
		}
	}
	d.Logger.Info("difference sequences generated", "events", len(processed), "candidates", len(events))
	return processed, nil
}
