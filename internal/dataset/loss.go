package dataset

import (
	"errors"
	"math"
)

// ErrNoLabels is returned when no sample in a batch carries a heatmap.
var ErrNoLabels = errors.New("no labeled samples")

// HeatmapLoss is the mean squared error between two maps of equal size.
func HeatmapLoss(pred, target []float32) (float64, error) {
	if len(pred) != len(target) {
		return 0, errors.New("prediction and target sizes differ")
	}
	if len(pred) == 0 {
		return 0, nil
	}
	var sum float64
	for i := range pred {
		d := float64(pred[i]) - float64(target[i])
		sum += d * d
	}
	return sum / float64(len(pred)), nil
}

// WeightedLoss averages per-sample MSE over the labeled samples of a batch.
// Samples with pseudo labels count with pseudoWeight. preds is indexed like
// batch.
func WeightedLoss(preds [][]float32, batch Batch, pseudoWeight float64) (float64, error) {
	if len(preds) != len(batch) {
		return 0, errors.New("prediction count does not match batch")
	}
	var total float64
	n := 0
	for i, s := range batch {
		if !s.Labeled() {
			continue
		}
		l, err := HeatmapLoss(preds[i], s.Heatmap.Data)
		if err != nil {
			return 0, err
		}
		w := 1.0
		if s.Pseudo {
			w = pseudoWeight
		}
		total += w * l
		n++
	}
	if n == 0 {
		return 0, ErrNoLabels
	}
	return total / float64(n), nil
}

// PeakError is the Euclidean distance in pixels between the maxima of two
// w-wide maps.
func PeakError(pred, target []float32, w int) float64 {
	px, py := argmax(pred, w)
	tx, ty := argmax(target, w)
	return math.Hypot(float64(px-tx), float64(py-ty))
}

func argmax(data []float32, w int) (int, int) {
	best := 0
	for i, v := range data {
		if v > data[best] {
			best = i
		}
	}
	return best % w, best / w
}
