// Package render turns float images into viewable PNGs.
package render

import "math"

// Gray maps data linearly from [lo, hi] to 0..255, clipping outside values.
// Non-finite pixels become 0.
func Gray(data []float32, lo, hi float64) []byte {
	out := make([]byte, len(data))
	span := hi - lo
	if span <= 0 {
		return out
	}
	for i, v := range data {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			continue
		}
		t := (math.Max(lo, math.Min(hi, f)) - lo) / span
		out[i] = uint8(math.Round(t * 255))
	}
	return out
}

// Range returns the minimum and maximum finite values. An image without
// finite values yields (0, 0).
func Range(data []float32) (lo, hi float64) {
	first := true
	for _, v := range data {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			continue
		}
		if first {
			lo, hi, first = f, f, false
			continue
		}
		lo, hi = math.Min(lo, f), math.Max(hi, f)
	}
	return lo, hi
}

// Peak returns the position and value of the largest finite pixel.
func Peak(data []float32, w int) (x, y int, v float32) {
	best := -1
	for i, p := range data {
		if math.IsNaN(float64(p)) {
			continue
		}
		if best < 0 || p > data[best] {
			best = i
		}
	}
	if best < 0 || w <= 0 {
		return 0, 0, float32(math.NaN())
	}
	return best % w, best / w, data[best]
}
