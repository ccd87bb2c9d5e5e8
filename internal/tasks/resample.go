package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"flarelocate/internal/fsutil"
)

// ParseFrameTime extracts the record time from a frame file name such as
// aia.lev1_euv_12s.2013-01-15T074303Z.94.image_lev1.fits.
func ParseFrameTime(name string) (time.Time, error) {
	for _, part := range strings.Split(filepath.Base(name), ".") {
		if strings.Contains(part, "T") && strings.HasSuffix(part, "Z") {
			t, err := time.Parse("2006-01-02T150405Z", part)
			if err != nil {
				return time.Time{}, fmt.Errorf("timestamp %q: %w", part, err)
			}
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("no timestamp component in %q", name)
}

// TimedFile pairs a path with its record time.
type TimedFile struct {
	Path string
	Time time.Time
}

// MinuteGrid returns one-minute targets from the first time truncated to the
// minute through the last time plus one minute, truncated, inclusive.
func MinuteGrid(first, last time.Time) []time.Time {
	start := first.Truncate(time.Minute)
	end := last.Add(time.Minute).Truncate(time.Minute)
	var grid []time.Time
	for t := start; !t.After(end); t = t.Add(time.Minute) {
		grid = append(grid, t)
	}
	return grid
}

// SelectNearest picks, for each grid time, the closest file (earliest on
// ties). A file is selected at most once; order follows the grid. files must
// be sorted by time.
func SelectNearest(files []TimedFile, grid []time.Time) []TimedFile {
	seen := make(map[string]bool, len(files))
	var out []TimedFile
	for _, target := range grid {
		best := -1
		var bestDist time.Duration
		for i, f := range files {
			d := f.Time.Sub(target).Abs()
			if best < 0 || d < bestDist {
				best, bestDist = i, d
			}
		}
		if best < 0 || seen[files[best].Path] {
			continue
		}
		seen[files[best].Path] = true
		out = append(out, files[best])
	}
	return out
}

// Resampler reduces raw bursts to a one-minute cadence.
type Resampler struct {
	RawRoot string
	OutRoot string
	Logger  *slog.Logger
}

// ResampleDir handles one <event>/<channel> directory. It returns false when
// the directory has nothing usable.
func (r *Resampler) ResampleDir(dir string) (bool, error) {
	paths, err := fsutil.ListFITS(dir)
	if err != nil {
		return false, err
	}
	if len(paths) == 0 {
		return false, nil
	}

	var files []TimedFile
	for _, p := range paths {
		t, err := ParseFrameTime(p)
		if err != nil {
			r.Logger.Warn("skipped file", "file", filepath.Base(p), "error", err)
			continue
		}
		files = append(files, TimedFile{Path: p, Time: t})
	}
	if len(files) == 0 {
		return false, nil
	}
	sort.SliceStable(files, func(i, j int) bool { return files[i].Time.Before(files[j].Time) })

	selected := SelectNearest(files, MinuteGrid(files[0].Time, files[len(files)-1].Time))

	rel, err := filepath.Rel(r.RawRoot, dir)
	if err != nil {
		return false, err
	}
	outDir := filepath.Join(r.OutRoot, rel)
	for _, f := range selected {
		if err := fsutil.CopyFile(f.Path, filepath.Join(outDir, filepath.Base(f.Path))); err != nil {
			return false, err
		}
	}
	r.Logger.Debug("resampled", "dir", rel, "input", len(files), "selected", len(selected))
	return true, nil
}

// ChannelDirs lists <root>/<event>/<channel> directories, optionally limited
// to one event.
func ChannelDirs(root, event string) ([]string, error) {
	events := []string{event}
	if event == "" {
		var err error
		if events, err = fsutil.SubDirs(root); err != nil {
			return nil, err
		}
	}
	var dirs []string
	for _, ev := range events {
		chans, err := fsutil.SubDirs(filepath.Join(root, ev))
		if err != nil {
			continue
		}
		for _, ch := range chans {
			dirs = append(dirs, filepath.Join(root, ev, ch))
		}
	}
	return dirs, nil
}

// Run resamples every channel directory (or only those of event) and returns
// the processed directories.
func (r *Resampler) Run(ctx context.Context, event string) ([]string, error) {
	dirs, err := ChannelDirs(r.RawRoot, event)
	if err != nil {
		return nil, err
	}
	var processed []string
	for _, dir := range dirs {
		if err := ctx.Err(); err != nil {
			return processed, err
		}
		ok, err := r.ResampleDir(dir)
		if err != nil {
			r.Logger.Error("resample failed", "dir", dir, "error", err)
			continue
		}
		if ok {
			processed = append(processed, dir)
		}
	}
	r.Logger.Info("resampling finished", "processed", len(processed), "candidates", len(dirs))
	return processed, nil
}
