package training

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"flarelocate/internal/dataset"
)

// EventScore is the evaluation of one labeled event.
type EventScore struct {
	EventID   string  `json:"event_id"`
	MSE       float64 `json:"mse"`
	PeakError float64 `json:"peak_error"`
	Pseudo    bool    `json:"pseudo"`
}

// Evaluation aggregates a checkpoint's scores over an event list.
type Evaluation struct {
	Checkpoint    string       `json:"checkpoint"`
	List          string       `json:"list"`
	Events        []EventScore `json:"events"`
	Unlabeled     int          `json:"unlabeled"`
	MeanMSE       float64      `json:"mean_mse"`
	MeanPeakError float64      `json:"mean_peak_error"`
	WeightedLoss  float64      `json:"weighted_loss"`
}

// Evaluate predicts every event of a split list with checkpoint and compares
// against its labels. Pseudo labels count with the pseudo weight in the
// weighted loss; unlabeled events are counted and skipped.
func (t *Trainer) Evaluate(ctx context.Context, list, checkpoint string) (*Evaluation, error) {
	ds, err := dataset.Open(dataset.ListFile(t.SplitDir, list), dataset.Options{
		DiffRoot:    t.DiffRoot,
		HeatmapRoot: t.HeatmapRoot,
		PseudoRoot:  t.PseudoRoot,
	})
	if err != nil {
		return nil, err
	}
	if checkpoint == "" {
		checkpoint = t.Checkpoint(SupervisedCheckpoint)
	}
	ev := &Evaluation{Checkpoint: checkpoint, List: list}
	loader := &dataset.Loader{Data: ds, BatchSize: t.BatchSize}

	var weighted float64
	batches := 0
	for _, idx := range loader.Batches() {
		b, err := loader.Load(idx)
		if err != nil {
			return nil, err
		}
		loss, err := t.evaluateBatch(ctx, checkpoint, b, ev)
		b.Close()
		switch {
		case errors.Is(err, dataset.ErrNoLabels):
		case err != nil:
			return nil, err
		default:
			weighted += loss
			batches++
		}
	}

	for _, s := range ev.Events {
		ev.MeanMSE += s.MSE
		ev.MeanPeakError += s.PeakError
	}
	if n := len(ev.Events); n > 0 {
		ev.MeanMSE /= float64(n)
		ev.MeanPeakError /= float64(n)
	}
	if batches > 0 {
		ev.WeightedLoss = weighted / float64(batches)
	}
	t.Logger.Info("evaluation finished", "list", list, "events", len(ev.Events),
		"mean_mse", ev.MeanMSE, "mean_peak_error_px", ev.MeanPeakError)
	return ev, nil
}

func (t *Trainer) evaluateBatch(ctx context.Context, checkpoint string, b dataset.Batch, ev *Evaluation) (float64, error) {
	preds := make([][]float32, len(b))
	for i, s := range b {
		if !s.Labeled() {
			ev.Unlabeled++
			continue
		}
		hm, err := t.predict(ctx, checkpoint, s.EventID, s.Diff)
		if err != nil {
			return 0, err
		}
		if len(hm.Data) != len(s.Heatmap.Data) {
			return 0, fmt.Errorf("event %s: prediction has %d pixels, label %d", s.EventID, len(hm.Data), len(s.Heatmap.Data))
		}
		preds[i] = hm.Data
		mse, err := dataset.HeatmapLoss(hm.Data, s.Heatmap.Data)
		if err != nil {
			return 0, err
		}
		ev.Events = append(ev.Events, EventScore{
			EventID:   s.EventID,
			MSE:       mse,
			PeakError: dataset.PeakError(hm.Data, s.Heatmap.Data, s.Heatmap.Shape[len(s.Heatmap.Shape)-1]),
			Pseudo:    s.Pseudo,
		})
	}
	return dataset.WeightedLoss(preds, b, t.PseudoWeight)
}

// Overlays renders ground-truth overlays for the events of a split list
// that have both inputs and labels. It returns how many were written.
func (t *Trainer) Overlays(ctx context.Context, list string) (int, error) {
	ds, err := dataset.Open(dataset.ListFile(t.SplitDir, list), dataset.Options{
		DiffRoot:    t.DiffRoot,
		HeatmapRoot: t.HeatmapRoot,
	})
	if err != nil {
		return 0, err
	}
	written := 0
	for i := 0; i < ds.Len(); i++ {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		id := ds.IDs[i]
		s, err := ds.Get(i)
		if err != nil {
			t.Logger.Warn("skipping event", "event", id, "error", err)
			continue
		}
		if !s.Labeled() {
			s.Close()
			t.Logger.Warn("skipping event", "event", id, "reason", "missing heatmap")
			continue
		}
		err = t.writeOverlay(filepath.Join(t.OverlayDir, id+".png"), id, s.Diff, s.Heatmap)
		s.Close()
		if err != nil {
			t.Logger.Warn("failed to visualize", "event", id, "error", err)
			continue
		}
		written++
	}
	t.Logger.Info("overlays written", "count", written, "dir", t.OverlayDir)
	return written, nil
}
