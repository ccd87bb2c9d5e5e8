//go:build !gocv

package tasks

import "math"

// ResizeBackend names the active resize implementation.
const ResizeBackend = "pure-go"

// resizeArea resamples a w×h image to ow×oh by area averaging. Each output
// pixel is the overlap-weighted mean of the finite input pixels it covers.
func resizeArea(src []float32, w, h, ow, oh int) ([]float32, error) {
	if w == ow && h == oh {
		return append([]float32(nil), src...), nil
	}
	xs := areaWeights(w, ow)
	ys := areaWeights(h, oh)

	out := make([]float32, ow*oh)
	for oy, wy := range ys {
		for ox, wx := range xs {
			var sum, norm float64
			for _, cy := range wy {
				row := cy.index * w
				for _, cx := range wx {
					v := float64(src[row+cx.index])
					if math.IsNaN(v) || math.IsInf(v, 0) {
						continue
					}
					wgt := cy.weight * cx.weight
					sum += v * wgt
					norm += wgt
				}
			}
			if norm == 0 {
				out[oy*ow+ox] = float32(math.NaN())
				continue
			}
			out[oy*ow+ox] = float32(sum / norm)
		}
	}
	return out, nil
}

type contribution struct {
	index  int
	weight float64
}

// areaWeights maps each output cell to the input cells it overlaps.
func areaWeights(in, out int) [][]contribution {
	scale := float64(in) / float64(out)
	res := make([][]contribution, out)
	for o := 0; o < out; o++ {
		lo := float64(o) * scale
		hi := lo + scale
		first := int(math.Floor(lo))
		last := int(math.Ceil(hi)) - 1
		for i := max(first, 0); i <= min(last, in-1); i++ {
			overlap := math.Min(hi, float64(i+1)) - math.Max(lo, float64(i))
			if overlap > 1e-12 {
				res[o] = append(res[o], contribution{index: i, weight: overlap})
			}
		}
	}
	return res
}
