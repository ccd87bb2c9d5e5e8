package tasks

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	"flarelocate/internal/fsutil"
	"flarelocate/internal/npy"
)

// MergedName is the stacked sequence written per event.
const MergedName = "diff.npy"

// listNPY returns the per-frame .npy files of a channel, excluding the
// merged stack.
func listNPY(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".npy") || e.Name() == MergedName {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	sort.Strings(files)
	return files, nil
}

// MergeEvent stacks the first FramesPerChannel difference frames of each
// channel into <event>/diff.npy with shape [frames*channels, H, W].
func (d *Differ) MergeEvent(eventID string) error {
	dir := filepath.Join(d.DiffRoot, eventID)
	perChannel := make([][]string, len(d.Channels))
	for i, ch := range d.Channels {
		files, err := listNPY(filepath.Join(dir, ch))
		if err != nil {
			return err
		}
		if len(files) < d.FramesPerChannel {
			return fmt.Errorf("%w: %s has %d of %d", ErrTooFewFrames, ch, len(files), d.FramesPerChannel)
		}
		perChannel[i] = files[:d.FramesPerChannel]
	}

	var frameShape []int
	var data []float32
	for _, files := range perChannel {
		for _, f := range files {
			a, err := npy.ReadFile(f)
			if err != nil {
				return err
			}
			if frameShape == nil {
				frameShape = a.Shape
				data = make([]float32, 0, len(a.Data)*d.FramesPerChannel*len(d.Channels))
			} else if !slices.Equal(frameShape, a.Shape) {
				return fmt.Errorf("%s has shape %v, expected %v", filepath.Base(f), a.Shape, frameShape)
			}
			data = append(data, a.Data...)
		}
	}
	shape := append([]int{d.FramesPerChannel * len(d.Channels)}, frameShape...)
	return npy.WriteFile(filepath.Join(dir, MergedName), shape, data)
}

// MergeAll merges every event under the diff root. Events short of frames
// are skipped with a log; other failures are logged and the stage goes on.
func (d *Differ) MergeAll(ctx context.Context) ([]string, error) {
	events, err := fsutil.SubDirs(d.DiffRoot)
	if err != nil {
		return nil, fmt.Errorf("list diff events: %w", err)
	}
	var merged []string
	for _, ev := range events {
		if err := ctx.Err(); err != nil {
			return merged, err
		}
		err := d.MergeEvent(ev)
		switch {
		case errors.Is(err, ErrTooFewFrames):
			d.Logger.Warn("skipped event", "event", ev, "reason", err)
		case err != nil:
			d.Logger.Error("merge failed", "event", ev, "error", err)
		default:
			merged = append(merged, ev)
		}
	}
	d.Logger.Info("difference sequences merged", "events", len(merged), "candidates", len(events))
	return merged, nil
}
