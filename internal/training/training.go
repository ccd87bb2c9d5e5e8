// Package training drives the supervised, pseudo-label and joint stages
// against the model service and evaluates the resulting checkpoints.
package training

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"flarelocate/internal/dataset"
	"flarelocate/internal/fsutil"
	"flarelocate/internal/logging"
	"flarelocate/internal/model"
	"flarelocate/internal/npy"
	"flarelocate/internal/render"
)

// Stage names.
const (
	StageSupervised = "supervised"
	StagePseudo     = "pseudo"
	StageJoint      = "joint"
)

// Checkpoint names.
const (
	SupervisedCheckpoint = "supervised_best"
	JointCheckpoint      = "joint_best"
)

// overlayFrame is the input frame drawn under a heatmap.
const overlayFrame = 10

// Trainer owns everything around the network: which events go where,
// pseudo-label selection and evaluation.
type Trainer struct {
	Model model.Model

	SplitDir      string
	DiffRoot      string
	HeatmapRoot   string
	PseudoRoot    string
	OverlayDir    string
	CheckpointDir string

	Epochs       int
	BatchSize    int
	LearningRate float64
	PseudoWeight float64

	PeakThreshold   float64
	CentralRatio    float64
	CentralHalfSize int

	CallTimeout time.Duration
	Logger      *slog.Logger
}

// Checkpoint returns the path of a named checkpoint.
func (t *Trainer) Checkpoint(name string) string {
	return filepath.Join(t.CheckpointDir, name)
}

func (t *Trainer) list(name string) ([]string, error) {
	ids, err := fsutil.ReadLines(dataset.ListFile(t.SplitDir, name))
	if err != nil {
		return nil, fmt.Errorf("read %s list: %w", name, err)
	}
	return ids, nil
}

// callContext bounds a single model call by CallTimeout.
func (t *Trainer) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if t.CallTimeout > 0 {
		return context.WithTimeout(ctx, t.CallTimeout)
	}
	return context.WithCancel(ctx)
}

func (t *Trainer) predict(ctx context.Context, checkpoint, eventID string, diff *npy.Array) (*npy.Array, error) {
	ctx, cancel := t.callContext(ctx)
	defer cancel()
	hm, err := t.Model.Predict(ctx, checkpoint, eventID, diff)
	if err != nil {
		return nil, fmt.Errorf("predict %s: %w", eventID, err)
	}
	return hm, nil
}

func (t *Trainer) train(ctx context.Context, req model.TrainRequest) (model.TrainResult, error) {
	ctx, cancel := t.callContext(ctx)
	defer cancel()
	start := time.Now()
	logging.LogJobStart(t.Logger, "train", req.Stage, req.Checkpoint, map[string]any{
		"train_events": len(req.TrainIDs),
		"val_events":   len(req.ValIDs),
		"epochs":       req.Epochs,
	})
	res, err := t.Model.Train(ctx, req)
	if err != nil {
		logging.LogJobError(t.Logger, "train", req.Stage, time.Since(start), err, nil)
		return res, err
	}
	for i := range res.TrainLoss {
		attrs := []any{"stage", req.Stage, "epoch", i + 1, "train_loss", res.TrainLoss[i]}
		if i < len(res.ValLoss) {
			attrs = append(attrs, "val_loss", res.ValLoss[i])
		}
		t.Logger.Info("epoch finished", attrs...)
	}
	logging.LogJobComplete(t.Logger, "train", req.Stage, time.Since(start), map[string]any{"checkpoint": res.Checkpoint})
	return res, nil
}

// Supervised trains from scratch on train_labeled, validating on val_labeled.
func (t *Trainer) Supervised(ctx context.Context) (model.TrainResult, error) {
	train, err := t.list(dataset.TrainLabeled)
	if err != nil {
		return model.TrainResult{}, err
	}
	val, err := t.list(dataset.ValLabeled)
	if err != nil {
		return model.TrainResult{}, err
	}
	return t.train(ctx, model.TrainRequest{
		Stage:        StageSupervised,
		TrainIDs:     train,
		ValIDs:       val,
		DiffRoot:     t.DiffRoot,
		HeatmapRoot:  t.HeatmapRoot,
		Epochs:       t.Epochs,
		BatchSize:    t.BatchSize,
		LearningRate: t.LearningRate,
		Checkpoint:   t.Checkpoint(SupervisedCheckpoint),
	})
}

// Joint writes joint_train.txt (labeled plus selected pseudo events) and
// fine-tunes the supervised checkpoint on it with down-weighted pseudo labels.
func (t *Trainer) Joint(ctx context.Context) (model.TrainResult, error) {
	joint, err := dataset.ConcatJoint(t.SplitDir)
	if err != nil {
		return model.TrainResult{}, fmt.Errorf("build joint list: %w", err)
	}
	val, err := t.list(dataset.ValLabeled)
	if err != nil {
		return model.TrainResult{}, err
	}
	t.Logger.Info("joint training set", "events", len(joint))
	return t.train(ctx, model.TrainRequest{
		Stage:          StageJoint,
		TrainIDs:       joint,
		ValIDs:         val,
		DiffRoot:       t.DiffRoot,
		HeatmapRoot:    t.HeatmapRoot,
		PseudoRoot:     t.PseudoRoot,
		Epochs:         t.Epochs,
		BatchSize:      t.BatchSize,
		LearningRate:   t.LearningRate,
		PseudoWeight:   t.PseudoWeight,
		InitCheckpoint: t.Checkpoint(SupervisedCheckpoint),
		Checkpoint:     t.Checkpoint(JointCheckpoint),
	})
}

// frameOf returns frame i (clamped) of a [T, H, W] stack with its size.
func frameOf(stack *npy.Array, i int) ([]float32, int, int, error) {
	if len(stack.Shape) != 3 || stack.Shape[0] == 0 {
		return nil, 0, 0, fmt.Errorf("expected a [T, H, W] stack, got shape %v", stack.Shape)
	}
	f := stack.Slice(min(i, stack.Shape[0]-1))
	return f.Data, stack.Shape[2], stack.Shape[1], nil
}

func (t *Trainer) writeOverlay(path, title string, diff, heatmap *npy.Array) error {
	base, w, h, err := frameOf(diff, overlayFrame)
	if err != nil {
		return err
	}
	return render.WriteOverlay(path, base, heatmap.Data, w, h, title)
}
