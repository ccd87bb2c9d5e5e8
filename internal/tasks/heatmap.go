package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"path/filepath"
	"strconv"

	"flarelocate/internal/fitsframe"
	"flarelocate/internal/fsutil"
	"flarelocate/internal/hek"
	"flarelocate/internal/npy"
	"flarelocate/internal/wcs"
)

// HeatmapName is the ground-truth file written per event.
const HeatmapName = "heatmap.npy"

// Gaussian returns an h×w map of exp(-((x-cx)²+(y-cy)²)/(2σ²)).
func Gaussian(h, w int, cx, cy, sigma float64) []float32 {
	out := make([]float32, h*w)
	s2 := 2 * sigma * sigma
	for y := 0; y < h; y++ {
		dy := float64(y) - cy
		for x := 0; x < w; x++ {
			dx := float64(x) - cx
			out[y*w+x] = float32(math.Exp(-(dx*dx + dy*dy) / s2))
		}
	}
	return out
}

// HeatmapRecord is one row of heatmap_records.csv.
type HeatmapRecord struct {
	EventID string  `json:"event_id"`
	X       float64 `json:"x_pixel"`
	Y       float64 `json:"y_pixel"`
	Path    string  `json:"heatmap_path"`
}

// HeatmapGenerator stamps a Gaussian at each event's catalog position on
// the grid of its aligned reference frame.
type HeatmapGenerator struct {
	AlignedRoot string
	HeatmapRoot string
	RefChannel  string
	RefIndex    int
	Size        int
	Sigma       float64
	Events      hek.EventIndex
	Logger      *slog.Logger
}

// ReferencePath is the aligned frame whose WCS places the label.
func (g *HeatmapGenerator) ReferencePath(eventID string) string {
	return filepath.Join(g.AlignedRoot, eventID, g.RefChannel, fmt.Sprintf("%02d.fits", g.RefIndex))
}

// Generate writes the heatmap of one event.
func (g *HeatmapGenerator) Generate(ev hek.Event) (HeatmapRecord, error) {
	if !ev.HasCoords() {
		return HeatmapRecord{}, wcs.ErrNoCoordinates
	}
	ref, err := fitsframe.Load(g.ReferencePath(ev.ID))
	if err != nil {
		return HeatmapRecord{}, err
	}
	px, py, err := FlarePixel(ref, *ev.HPCX, *ev.HPCY)
	if err != nil {
		return HeatmapRecord{}, err
	}

	path := filepath.Join(g.HeatmapRoot, ev.ID, HeatmapName)
	if err := npy.WriteFile(path, []int{g.Size, g.Size}, Gaussian(g.Size, g.Size, px, py, g.Sigma)); err != nil {
		return HeatmapRecord{}, err
	}
	return HeatmapRecord{EventID: ev.ID, X: px, Y: py, Path: path}, nil
}

// GenerateAll labels every aligned event that appears in the event table
// and writes heatmap_records.csv. Per-event failures are logged and skipped.
func (g *HeatmapGenerator) GenerateAll(ctx context.Context) ([]HeatmapRecord, error) {
	events, err := fsutil.SubDirs(g.AlignedRoot)
	if err != nil {
		return nil, fmt.Errorf("list aligned events: %w", err)
	}

	var records []HeatmapRecord
	for _, id := range events {
		if err := ctx.Err(); err != nil {
			return records, err
		}
		ev, ok := g.Events[id]
		if !ok {
			continue
		}
		rec, err := g.Generate(ev)
		if err != nil {
			g.Logger.Warn("failed to generate heatmap", "event", id, "error", err)
			continue
		}
		records = append(records, rec)
	}

	rows := make([][]string, len(records))
	for i, r := range records {
		rows[i] = []string{r.EventID, strconv.FormatFloat(r.X, 'f', -1, 64), strconv.FormatFloat(r.Y, 'f', -1, 64), r.Path}
	}
	if err := writeCSV(filepath.Join(g.HeatmapRoot, "heatmap_records.csv"), []string{"event_id", "x_pixel", "y_pixel", "heatmap_path"}, rows); err != nil {
		return records, fmt.Errorf("write heatmap records: %w", err)
	}
	g.Logger.Info("heatmaps generated", "count", len(records))
	return records, nil
}
