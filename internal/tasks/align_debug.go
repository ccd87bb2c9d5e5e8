package tasks

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"flarelocate/internal/fsutil"
	"flarelocate/internal/wcs"
)

// DebugFrame describes one frame of a debug alignment run.
type DebugFrame struct {
	Index    int
	Output   string
	NaNRatio float64
	Err      string
}

// DebugEvent runs the crop and reproject flow for a single event and
// channel, logging the NaN ratio of each saved frame.
func (a *Aligner) DebugEvent(ctx context.Context, eventID, channel string) ([]DebugFrame, error) {
	coords := a.coordinates(eventID)
	if coords == nil {
		return nil, fmt.Errorf("event %s: %w", eventID, wcs.ErrNoCoordinates)
	}

	files, err := fsutil.ListFITS(filepath.Join(a.ResampledRoot, eventID, channel))
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, errors.New("no FITS files found")
	}

	frames, logs := a.prepare(files, eventID, channel, coords)
	for _, l := range logs {
		a.Logger.Warn("failed to load or crop", "file", l.Path, "error", l.Message)
	}
	if len(frames) == 0 {
		return nil, errors.New("no valid frames loaded")
	}

	outDir := filepath.Join(a.AlignedRoot, eventID, channel)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, err
	}

	ref := frames[len(frames)/2].frame
	var out []DebugFrame
	for i, lf := range frames {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		df := DebugFrame{Index: i}
		aligned, _, msg := a.safeReproject(ctx, lf.frame, ref)
		if aligned == nil {
			df.Err = msg
			a.Logger.Warn("skipped frame", "index", i, "reason", msg)
			out = append(out, df)
			continue
		}
		df.Output = filepath.Join(outDir, fmt.Sprintf("%02d.fits", i))
		if err := a.save(df.Output, aligned); err != nil {
			df.Err = err.Error()
			df.Output = ""
			a.Logger.Warn("skipped frame", "index", i, "reason", err)
			out = append(out, df)
			continue
		}
		df.NaNRatio = aligned.NaNRatio()
		a.Logger.Info("saved frame", "path", df.Output, "nan_ratio", fmt.Sprintf("%.3f", df.NaNRatio))
		out = append(out, df)
	}
	return out, nil
}
