package training

import (
	"context"
	"fmt"
	"math"
	"path/filepath"

	"flarelocate/internal/dataset"
	"flarelocate/internal/fsutil"
	"flarelocate/internal/npy"
)

// Confidence summarizes how sharply a predicted heatmap points at the
// center of the crop.
type Confidence struct {
	Peak         float64
	CentralRatio float64
}

// Score measures the peak value and the share of total mass inside the
// central (2·half)² window of an h×w heatmap.
func Score(hm []float32, w, h, half int) Confidence {
	var c Confidence
	c.Peak = math.Inf(-1)
	var total, central float64
	cx, cy := w/2, h/2
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := float64(hm[y*w+x])
			c.Peak = math.Max(c.Peak, v)
			total += v
			if x >= cx-half && x < cx+half && y >= cy-half && y < cy+half {
				central += v
			}
		}
	}
	c.CentralRatio = central / (total + 1e-6)
	return c
}

// Accept applies the selection thresholds.
func (t *Trainer) Accept(c Confidence) bool {
	return c.Peak > t.PeakThreshold && c.CentralRatio > t.CentralRatio
}

// PseudoResult lists accepted events and how many were scored.
type PseudoResult struct {
	Scored   int      `json:"scored"`
	Selected []string `json:"selected"`
}

// Pseudo predicts every pseudo_unlabeled event with the supervised
// checkpoint, keeps confident heatmaps as pseudo labels with an overlay, and
// writes pseudo_selected.txt.
func (t *Trainer) Pseudo(ctx context.Context) (*PseudoResult, error) {
	ds, err := dataset.Open(dataset.ListFile(t.SplitDir, dataset.PseudoUnlabeled), dataset.Options{DiffRoot: t.DiffRoot})
	if err != nil {
		return nil, err
	}
	checkpoint := t.Checkpoint(SupervisedCheckpoint)
	res := &PseudoResult{}

	for i := 0; i < ds.Len(); i++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		id := ds.IDs[i]
		s, err := ds.Get(i)
		if err != nil {
			t.Logger.Warn("skipping event", "event", id, "error", err)
			continue
		}
		accepted, err := t.scoreSample(ctx, checkpoint, s)
		s.Close()
		if err != nil {
			return res, err
		}
		res.Scored++
		if accepted {
			res.Selected = append(res.Selected, id)
		}
	}

	if err := fsutil.WriteLines(dataset.ListFile(t.SplitDir, dataset.PseudoSelected), res.Selected); err != nil {
		return res, fmt.Errorf("write selected list: %w", err)
	}
	t.Logger.Info("pseudo labels selected", "selected", len(res.Selected), "scored", res.Scored)
	return res, nil
}

func (t *Trainer) scoreSample(ctx context.Context, checkpoint string, s *dataset.Sample) (bool, error) {
	hm, err := t.predict(ctx, checkpoint, s.EventID, s.Diff)
	if err != nil {
		return false, err
	}
	if len(hm.Shape) != 2 {
		return false, fmt.Errorf("event %s: heatmap shape %v", s.EventID, hm.Shape)
	}
	h, w := hm.Shape[0], hm.Shape[1]
	c := Score(hm.Data, w, h, t.CentralHalfSize)
	accepted := t.Accept(c)
	t.Logger.Debug("scored prediction", "event", s.EventID, "peak", c.Peak, "central_ratio", c.CentralRatio, "accepted", accepted)
	if !accepted {
		return false, nil
	}

	if err := npy.WriteFile(filepath.Join(t.PseudoRoot, s.EventID+".npy"), hm.Shape, hm.Data); err != nil {
		return false, err
	}
	overlay := filepath.Join(t.OverlayDir, "pseudo", s.EventID+".png")
	if err := t.writeOverlay(overlay, s.EventID, s.Diff, hm); err != nil {
		t.Logger.Warn("overlay failed", "event", s.EventID, "error", err)
	}
	return true, nil
}
