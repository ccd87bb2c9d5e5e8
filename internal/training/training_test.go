package training

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flarelocate/internal/dataset"
	"flarelocate/internal/fsutil"
	"flarelocate/internal/logging"
	"flarelocate/internal/model"
	"flarelocate/internal/npy"
	"flarelocate/internal/tasks"
)

const side = 16

// fakeModel predicts a sharp centered blob for events named "sharp_*" and a
// flat map for everything else.
type fakeModel struct {
	mu       sync.Mutex
	requests []model.TrainRequest
	predicts []string
	failOn   string
	// hang makes Predict wait for its context instead of answering.
	hang bool
}

func (m *fakeModel) Train(_ context.Context, req model.TrainRequest) (model.TrainResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	return model.TrainResult{Checkpoint: req.Checkpoint, TrainLoss: []float64{1, 0.5}, ValLoss: []float64{1.2}}, nil
}

func (m *fakeModel) Predict(ctx context.Context, checkpoint, eventID string, diff *npy.Array) (*npy.Array, error) {
	m.mu.Lock()
	m.predicts = append(m.predicts, filepath.Base(checkpoint)+":"+eventID)
	m.mu.Unlock()
	if m.hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if eventID == m.failOn {
		return nil, errors.New("service unavailable")
	}
	h, w := diff.Shape[1], diff.Shape[2]
	if strings.HasPrefix(eventID, "sharp_") {
		return &npy.Array{Shape: []int{h, w}, Data: tasks.Gaussian(h, w, float64(w/2), float64(h/2), 1)}, nil
	}
	flat := make([]float32, h*w)
	for i := range flat {
		flat[i] = 0.5
	}
	return &npy.Array{Shape: []int{h, w}, Data: flat}, nil
}

type fixture struct {
	root    string
	trainer *Trainer
	model   *fakeModel
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	m := &fakeModel{}
	return &fixture{
		root:  root,
		model: m,
		trainer: &Trainer{
			Model:           m,
			SplitDir:        filepath.Join(root, "splits"),
			DiffRoot:        filepath.Join(root, "diff_images"),
			HeatmapRoot:     filepath.Join(root, "hek_heatmap"),
			PseudoRoot:      filepath.Join(root, "pseudo_heatmap"),
			OverlayDir:      filepath.Join(root, "overlays"),
			CheckpointDir:   filepath.Join(root, "checkpoints"),
			Epochs:          2,
			BatchSize:       2,
			LearningRate:    1e-4,
			PseudoWeight:    0.3,
			PeakThreshold:   0.8,
			CentralRatio:    0.3,
			CentralHalfSize: 2,
			Logger:          logging.Discard(),
		},
	}
}

func (f *fixture) diff(t *testing.T, id string) {
	t.Helper()
	data := make([]float32, 12*side*side)
	for i := range data {
		data[i] = float32(i % 7)
	}
	require.NoError(t, npy.WriteFile(filepath.Join(f.trainer.DiffRoot, id, tasks.MergedName), []int{12, side, side}, data))
}

func (f *fixture) label(t *testing.T, id string, cx, cy float64) {
	t.Helper()
	require.NoError(t, npy.WriteFile(filepath.Join(f.trainer.HeatmapRoot, id, tasks.HeatmapName),
		[]int{side, side}, tasks.Gaussian(side, side, cx, cy, 1)))
}

func (f *fixture) list(t *testing.T, name string, ids ...string) {
	t.Helper()
	require.NoError(t, fsutil.WriteLines(dataset.ListFile(f.trainer.SplitDir, name), ids))
}

func TestScoreCentralWindow(t *testing.T) {
	hm := tasks.Gaussian(side, side, 8, 8, 1)
	c := Score(hm, side, side, 2)
	assert.InDelta(t, 1.0, c.Peak, 1e-6)
	assert.Greater(t, c.CentralRatio, 0.8)

	off := Score(tasks.Gaussian(side, side, 2, 2, 1), side, side, 2)
	assert.InDelta(t, 1.0, off.Peak, 1e-6)
	assert.Less(t, off.CentralRatio, 0.01)

	zero := Score(make([]float32, side*side), side, side, 2)
	assert.Zero(t, zero.CentralRatio)
}

func TestAccept(t *testing.T) {
	tr := &Trainer{PeakThreshold: 0.8, CentralRatio: 0.3}
	assert.True(t, tr.Accept(Confidence{Peak: 0.9, CentralRatio: 0.5}))
	assert.False(t, tr.Accept(Confidence{Peak: 0.8, CentralRatio: 0.5}), "threshold is strict")
	assert.False(t, tr.Accept(Confidence{Peak: 0.9, CentralRatio: 0.3}))
}

func TestSupervisedRequest(t *testing.T) {
	f := newFixture(t)
	f.list(t, dataset.TrainLabeled, "event_0001", "event_0002")
	f.list(t, dataset.ValLabeled, "event_0003")

	res, err := f.trainer.Supervised(context.Background())
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(f.trainer.CheckpointDir, SupervisedCheckpoint), res.Checkpoint)

	require.Len(t, f.model.requests, 1)
	req := f.model.requests[0]
	assert.Equal(t, StageSupervised, req.Stage)
	assert.Equal(t, []string{"event_0001", "event_0002"}, req.TrainIDs)
	assert.Equal(t, []string{"event_0003"}, req.ValIDs)
	assert.Empty(t, req.PseudoRoot)
	assert.Empty(t, req.InitCheckpoint)
}

func TestSupervisedMissingList(t *testing.T) {
	f := newFixture(t)
	_, err := f.trainer.Supervised(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist))
	assert.Empty(t, f.model.requests)
}

func TestPseudoSelectsConfidentPredictions(t *testing.T) {
	f := newFixture(t)
	for _, id := range []string{"sharp_0001", "flat_0002", "sharp_0003"} {
		f.diff(t, id)
	}
	f.list(t, dataset.PseudoUnlabeled, "sharp_0001", "flat_0002", "missing_0004", "sharp_0003")

	res, err := f.trainer.Pseudo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, res.Scored)
	assert.Equal(t, []string{"sharp_0001", "sharp_0003"}, res.Selected)

	selected, err := fsutil.ReadLines(dataset.ListFile(f.trainer.SplitDir, dataset.PseudoSelected))
	require.NoError(t, err)
	assert.Equal(t, res.Selected, selected)

	for _, id := range res.Selected {
		hm, err := npy.ReadFile(filepath.Join(f.trainer.PseudoRoot, id+".npy"))
		require.NoError(t, err)
		assert.Equal(t, []int{side, side}, hm.Shape)
		assert.FileExists(t, filepath.Join(f.trainer.OverlayDir, "pseudo", id+".png"))
	}
	assert.NoFileExists(t, filepath.Join(f.trainer.PseudoRoot, "flat_0002.npy"))
	assert.Contains(t, f.model.predicts, SupervisedCheckpoint+":sharp_0001")
}

func TestPseudoStopsOnModelFailure(t *testing.T) {
	f := newFixture(t)
	f.diff(t, "sharp_0001")
	f.list(t, dataset.PseudoUnlabeled, "sharp_0001")
	f.model.failOn = "sharp_0001"

	_, err := f.trainer.Pseudo(context.Background())
	require.Error(t, err)
	assert.NoFileExists(t, dataset.ListFile(f.trainer.SplitDir, dataset.PseudoSelected))
}

func TestPredictCallsHonorCallTimeout(t *testing.T) {
	f := newFixture(t)
	f.diff(t, "sharp_0001")
	f.label(t, "sharp_0001", 8, 8)
	f.list(t, dataset.PseudoUnlabeled, "sharp_0001")
	f.list(t, dataset.TestLabeled, "sharp_0001")
	f.model.hang = true
	f.trainer.CallTimeout = 50 * time.Millisecond

	start := time.Now()
	_, err := f.trainer.Pseudo(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	_, err = f.trainer.Evaluate(context.Background(), dataset.TestLabeled, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestJointUsesLabeledAndSelected(t *testing.T) {
	f := newFixture(t)
	f.list(t, dataset.TrainLabeled, "event_0001", "event_0002")
	f.list(t, dataset.ValLabeled, "event_0003")
	f.list(t, dataset.PseudoSelected, "sharp_0009", "event_0002")

	_, err := f.trainer.Joint(context.Background())
	require.NoError(t, err)

	require.Len(t, f.model.requests, 1)
	req := f.model.requests[0]
	assert.Equal(t, StageJoint, req.Stage)
	assert.Equal(t, []string{"event_0001", "event_0002", "sharp_0009"}, req.TrainIDs)
	assert.Equal(t, 0.3, req.PseudoWeight)
	assert.Equal(t, f.trainer.PseudoRoot, req.PseudoRoot)
	assert.Equal(t, f.trainer.Checkpoint(SupervisedCheckpoint), req.InitCheckpoint)
	assert.Equal(t, f.trainer.Checkpoint(JointCheckpoint), req.Checkpoint)

	joint, err := fsutil.ReadLines(dataset.ListFile(f.trainer.SplitDir, dataset.JointTrain))
	require.NoError(t, err)
	assert.Equal(t, req.TrainIDs, joint)
}

func TestJointWithoutPseudoList(t *testing.T) {
	f := newFixture(t)
	f.list(t, dataset.TrainLabeled, "event_0001")
	f.list(t, dataset.ValLabeled, "event_0003")

	_, err := f.trainer.Joint(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"event_0001"}, f.model.requests[0].TrainIDs)
}

func TestEvaluate(t *testing.T) {
	f := newFixture(t)
	// sharp_ predictions land at (8, 8); the second label sits 3-4 px away.
	f.diff(t, "sharp_0001")
	f.label(t, "sharp_0001", 8, 8)
	f.diff(t, "sharp_0002")
	f.label(t, "sharp_0002", 11, 12)
	f.diff(t, "event_0003")
	f.list(t, dataset.TestLabeled, "sharp_0001", "sharp_0002", "event_0003")

	ev, err := f.trainer.Evaluate(context.Background(), dataset.TestLabeled, "")
	require.NoError(t, err)
	assert.Equal(t, f.trainer.Checkpoint(SupervisedCheckpoint), ev.Checkpoint)
	require.Len(t, ev.Events, 2)
	assert.Equal(t, 1, ev.Unlabeled)

	assert.InDelta(t, 0, ev.Events[0].MSE, 1e-12)
	assert.InDelta(t, 0, ev.Events[0].PeakError, 1e-12)
	assert.InDelta(t, 5, ev.Events[1].PeakError, 1e-12)
	assert.InDelta(t, 2.5, ev.MeanPeakError, 1e-12)
	assert.Greater(t, ev.MeanMSE, 0.0)
	assert.Greater(t, ev.WeightedLoss, 0.0)
}

func TestEvaluateWeightsPseudoLabels(t *testing.T) {
	f := newFixture(t)
	f.diff(t, "flat_0001")
	require.NoError(t, npy.WriteFile(filepath.Join(f.trainer.PseudoRoot, "flat_0001.npy"),
		[]int{side, side}, make([]float32, side*side)))
	f.list(t, dataset.JointTrain, "flat_0001")

	ev, err := f.trainer.Evaluate(context.Background(), dataset.JointTrain, "joint")
	require.NoError(t, err)
	require.Len(t, ev.Events, 1)
	assert.True(t, ev.Events[0].Pseudo)
	assert.InDelta(t, 0.25, ev.Events[0].MSE, 1e-9)
	assert.InDelta(t, 0.25*0.3, ev.WeightedLoss, 1e-9)
}

func TestOverlays(t *testing.T) {
	f := newFixture(t)
	f.diff(t, "event_0001")
	f.label(t, "event_0001", 4, 5)
	f.diff(t, "event_0002")
	f.list(t, dataset.TestLabeled, "event_0001", "event_0002", "event_0404")

	n, err := f.trainer.Overlays(context.Background(), dataset.TestLabeled)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.FileExists(t, filepath.Join(f.trainer.OverlayDir, "event_0001.png"))
	assert.NoFileExists(t, filepath.Join(f.trainer.OverlayDir, "event_0002.png"))
}

func TestFrameOfClamps(t *testing.T) {
	stack := &npy.Array{Shape: []int{3, 1, 2}, Data: []float32{0, 0, 1, 1, 2, 2}}
	data, w, h, err := frameOf(stack, overlayFrame)
	require.NoError(t, err)
	assert.Equal(t, []float32{2, 2}, data)
	assert.Equal(t, 2, w)
	assert.Equal(t, 1, h)

	_, _, _, err = frameOf(&npy.Array{Shape: []int{4}}, 0)
	assert.Error(t, err)
}
