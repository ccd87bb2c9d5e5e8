package tasks

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"flarelocate/internal/fitsframe"
	"flarelocate/internal/hek"
	"flarelocate/internal/npy"
	"flarelocate/internal/render"
)

func TestNormalizedDiffsStandardize(t *testing.T) {
	frames := [][]float32{
		{1, 2, 3, 4},
		{2, 4, 6, 8},
		{2, 4, 6, float32(math.NaN())},
	}
	diffs, err := NormalizedDiffs(frames)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(diffs) != 2 {
		t.Fatalf("expected 2 diffs, got %d", len(diffs))
	}

	var mean, sq float64
	for _, v := range diffs[0] {
		mean += float64(v)
	}
	mean /= 4
	for _, v := range diffs[0] {
		sq += (float64(v) - mean) * (float64(v) - mean)
	}
	if !near(mean, 0, 1e-6) || !near(math.Sqrt(sq/4), 1, 1e-5) {
		t.Fatalf("diff not standardized: mean=%v std=%v", mean, math.Sqrt(sq/4))
	}

	// Constant finite difference collapses to zero; the NaN pixel becomes 0.
	for i, v := range diffs[1] {
		if v != 0 {
			t.Fatalf("pixel %d: got %v, want 0", i, v)
		}
	}
}

func TestNormalizedDiffsNeedsTwoFrames(t *testing.T) {
	if _, err := NormalizedDiffs([][]float32{{1}}); !errors.Is(err, ErrTooFewFrames) {
		t.Fatalf("expected ErrTooFewFrames, got %v", err)
	}
	if _, err := NormalizedDiffs([][]float32{{1, 2}, {1}}); err == nil {
		t.Fatalf("expected size mismatch error")
	}
}

func newTestDiffer(t *testing.T) *Differ {
	return &Differ{
		AlignedRoot:      t.TempDir(),
		DiffRoot:         t.TempDir(),
		Channels:         []string{"94A", "131A"},
		FramesPerChannel: 2,
		Workers:          2,
		Logger:           discard,
	}
}

func writeAligned(t *testing.T, root, event, channel string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		scale := float32(i + 1)
		f := solarFrame(6, 4, func(x, y int) float32 { return ramp(x, y) * scale * scale })
		writeFrame(t, filepath.Join(root, event, channel, fmt.Sprintf("%02d.fits", i)), f)
	}
}

func TestDiffAllWritesFramesAndPreview(t *testing.T) {
	d := newTestDiffer(t)
	writeAligned(t, d.AlignedRoot, "event_0001", "94A", 3)
	writeAligned(t, d.AlignedRoot, "event_0001", "131A", 1)
	writeAligned(t, d.AlignedRoot, "event_0002", "94A", 1)

	var previews []string
	d.WritePreview = func(path, title string, w, h int, panels []render.Panel, lo, hi float64) error {
		if w != 6 || h != 4 || lo != -3 || hi != 3 {
			t.Errorf("unexpected preview geometry %dx%d [%v,%v]", w, h, lo, hi)
		}
		previews = append(previews, filepath.Base(path))
		return nil
	}

	processed, err := d.DiffAll(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(processed) != 1 || processed[0] != "event_0001" {
		t.Fatalf("unexpected processed events %v", processed)
	}
	for _, name := range []string{"00.npy", "01.npy"} {
		a, err := npy.ReadFile(filepath.Join(d.DiffRoot, "event_0001", "94A", name))
		if err != nil {
			t.Fatalf("read %s: %v", name, err)
		}
		if len(a.Shape) != 2 || a.Shape[0] != 4 || a.Shape[1] != 6 {
			t.Fatalf("unexpected shape %v", a.Shape)
		}
	}
	if _, err := os.Stat(filepath.Join(d.DiffRoot, "event_0001", "131A")); !os.IsNotExist(err) {
		t.Fatalf("single-frame channel must be skipped")
	}
	if len(previews) != 1 || previews[0] != "event_0001_94A_sanity_check.png" {
		t.Fatalf("unexpected previews %v", previews)
	}
}

func TestDiffChannelRejectsMixedSizes(t *testing.T) {
	d := newTestDiffer(t)
	writeAligned(t, d.AlignedRoot, "event_0001", "94A", 1)
	writeFrame(t, filepath.Join(d.AlignedRoot, "event_0001", "94A", "01.fits"), solarFrame(5, 4, ramp))
	if _, err := d.DiffChannel("event_0001", "94A"); err == nil {
		t.Fatalf("expected size mismatch error")
	}
}

func writeDiffs(t *testing.T, root, event, channel string, n int, value float32) {
	t.Helper()
	for i := 0; i < n; i++ {
		data := make([]float32, 6)
		for j := range data {
			data[j] = value + float32(i)
		}
		if err := npy.WriteFile(filepath.Join(root, event, channel, fmt.Sprintf("%02d.npy", i)), []int{2, 3}, data); err != nil {
			t.Fatal(err)
		}
	}
}

func TestMergeStacksChannelsInOrder(t *testing.T) {
	d := newTestDiffer(t)
	writeDiffs(t, d.DiffRoot, "event_0001", "94A", 3, 10)
	writeDiffs(t, d.DiffRoot, "event_0001", "131A", 2, 20)
	writeDiffs(t, d.DiffRoot, "event_0002", "94A", 2, 0)
	writeDiffs(t, d.DiffRoot, "event_0002", "131A", 1, 0)

	merged, err := d.MergeAll(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(merged) != 1 || merged[0] != "event_0001" {
		t.Fatalf("unexpected merged events %v", merged)
	}

	a, err := npy.ReadFile(filepath.Join(d.DiffRoot, "event_0001", MergedName))
	if err != nil {
		t.Fatal(err)
	}
	if len(a.Shape) != 3 || a.Shape[0] != 4 || a.Shape[1] != 2 || a.Shape[2] != 3 {
		t.Fatalf("unexpected shape %v", a.Shape)
	}
	want := []float32{10, 11, 20, 21}
	for i, w := range want {
		if got := a.Slice(i).Data[0]; got != w {
			t.Fatalf("frame %d starts with %v, want %v", i, got, w)
		}
	}
	if _, err := os.Stat(filepath.Join(d.DiffRoot, "event_0002", MergedName)); !os.IsNotExist(err) {
		t.Fatalf("short event must not be merged")
	}

	// Re-running must ignore the merged stack itself.
	if err := d.MergeEvent("event_0001"); err != nil {
		t.Fatalf("re-merge: %v", err)
	}
}

func TestMergeRejectsMixedShapes(t *testing.T) {
	d := newTestDiffer(t)
	writeDiffs(t, d.DiffRoot, "event_0001", "94A", 2, 0)
	for i := 0; i < 2; i++ {
		path := filepath.Join(d.DiffRoot, "event_0001", "131A", fmt.Sprintf("%02d.npy", i))
		if err := npy.WriteFile(path, []int{3, 2}, make([]float32, 6)); err != nil {
			t.Fatal(err)
		}
	}
	err := d.MergeEvent("event_0001")
	if err == nil || !strings.Contains(err.Error(), "expected [2 3]") {
		t.Fatalf("expected shape mismatch, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(d.DiffRoot, "event_0001", MergedName)); !os.IsNotExist(err) {
		t.Fatalf("mismatched stack must not be written")
	}
}

func TestCheckAligned(t *testing.T) {
	root := t.TempDir()
	writeFrame(t, filepath.Join(root, "event_0001", "94A", "00.fits"), solarFrame(4, 4, ramp))
	nan := float32(math.NaN())
	writeFrame(t, filepath.Join(root, "event_0001", "94A", "01.fits"), solarFrame(4, 4, func(int, int) float32 { return nan }))
	touch(t, filepath.Join(root, "event_0001", "131A", "00.fits"))

	res, err := CheckAligned(context.Background(), root, discard)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Checked != 3 || len(res.Invalid) != 2 {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(res.Examples(1)) != 1 {
		t.Fatalf("examples must be capped")
	}
}

func TestGaussianPeak(t *testing.T) {
	g := Gaussian(9, 11, 5, 4, 2)
	if g[4*11+5] != 1 {
		t.Fatalf("peak should be 1, got %v", g[4*11+5])
	}
	want := math.Exp(-4.0 / 8.0)
	if got := float64(g[4*11+7]); !near(got, want, 1e-6) {
		t.Fatalf("two pixels away got %v, want %v", got, want)
	}
}

func TestHeatmapGenerateAll(t *testing.T) {
	aligned := t.TempDir()
	out := t.TempDir()
	ref := solarFrame(32, 32, ramp)
	writeFrame(t, filepath.Join(aligned, "event_0001", "94A", "10.fits"), ref)
	writeFrame(t, filepath.Join(aligned, "event_0003", "94A", "10.fits"), ref)
	if err := os.MkdirAll(filepath.Join(aligned, "event_0002", "94A"), 0o755); err != nil {
		t.Fatal(err)
	}

	g := &HeatmapGenerator{
		AlignedRoot: aligned,
		HeatmapRoot: out,
		RefChannel:  "94A",
		RefIndex:    10,
		Size:        32,
		Sigma:       5,
		Logger:      discard,
	}
	g.Events = hek.NewEventIndex([]hek.Event{
		eventAt("event_0001", 3, -1.2),
		eventAt("event_0002", 0, 0),
	})

	recs, err := g.GenerateAll(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(recs) != 1 || recs[0].EventID != "event_0001" {
		t.Fatalf("unexpected records %+v", recs)
	}
	// 0-based center is 15.5; +5 and -2 pixels.
	if !near(recs[0].X, 20.5, 1e-3) || !near(recs[0].Y, 13.5, 1e-3) {
		t.Fatalf("unexpected position (%v, %v)", recs[0].X, recs[0].Y)
	}

	hm, err := npy.ReadFile(recs[0].Path)
	if err != nil {
		t.Fatal(err)
	}
	x, y, _ := render.Peak(hm.Data, 32)
	if x != 20 && x != 21 || y != 13 && y != 14 {
		t.Fatalf("peak at (%d, %d)", x, y)
	}
	if _, err := os.Stat(filepath.Join(out, "heatmap_records.csv")); err != nil {
		t.Fatalf("records not written: %v", err)
	}
	if _, err := fitsframe.Load(g.ReferencePath("event_0001")); err != nil {
		t.Fatal(err)
	}
}
