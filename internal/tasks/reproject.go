package tasks

import (
	"context"
	"fmt"
	"math"

	"flarelocate/internal/fitsframe"
	"flarelocate/internal/wcs"
)

// Reproject resamples src onto the pixel grid and coordinate system of ref
// with bilinear interpolation. Output pixels whose world position falls
// outside src are NaN. The header keeps src's keywords with ref's WCS.
func Reproject(ctx context.Context, src, ref *fitsframe.Frame) (*fitsframe.Frame, error) {
	sw, err := src.WCS()
	if err != nil {
		return nil, fmt.Errorf("source: %w", err)
	}
	rw, err := ref.WCS()
	if err != nil {
		return nil, fmt.Errorf("reference: %w", err)
	}

	out := &fitsframe.Frame{
		Path:   src.Path,
		Width:  ref.Width,
		Height: ref.Height,
		Data:   make([]float32, ref.Width*ref.Height),
		Header: src.Header.Clone(),
	}
	out.SetWCS(rw)
	out.Header.Set("NAXIS1", ref.Width)
	out.Header.Set("NAXIS2", ref.Height)

	for y := 0; y < ref.Height; y++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("reproject %s: %w", src.Path, err)
		}
		for x := 0; x < ref.Width; x++ {
			out.Data[y*ref.Width+x] = sampleAt(src, sw, rw, float64(x), float64(y))
		}
	}
	return out, nil
}

func sampleAt(src *fitsframe.Frame, sw, rw *wcs.WCS, x, y float64) float32 {
	lon, lat := rw.PixelToWorld(x, y)
	sx, sy, ok := sw.WorldToPixel(lon, lat)
	if !ok {
		return float32(math.NaN())
	}
	return bilinear(src.Data, src.Width, src.Height, sx, sy)
}

// bilinear interpolates at a 0-based position. Positions within half a pixel
// of the border clamp to the edge; anything further out is NaN.
func bilinear(data []float32, w, h int, x, y float64) float32 {
	if x < -0.5 || y < -0.5 || x > float64(w)-0.5 || y > float64(h)-0.5 {
		return float32(math.NaN())
	}
	x = math.Max(0, math.Min(snap(x), float64(w-1)))
	y = math.Max(0, math.Min(snap(y), float64(h-1)))

	x0, y0 := int(math.Floor(x)), int(math.Floor(y))
	x1, y1 := min(x0+1, w-1), min(y0+1, h-1)
	fx, fy := x-float64(x0), y-float64(y0)

	var sum float64
	for _, c := range [4]struct {
		idx int
		wgt float64
	}{
		{y0*w + x0, (1 - fx) * (1 - fy)},
		{y0*w + x1, fx * (1 - fy)},
		{y1*w + x0, (1 - fx) * fy},
		{y1*w + x1, fx * fy},
	} {
		if c.wgt == 0 {
			continue
		}
		sum += float64(data[c.idx]) * c.wgt
	}
	return float32(sum)
}

// snap removes round-off so grid-aligned positions hit pixel centers exactly.
func snap(v float64) float64 {
	if r := math.Round(v); math.Abs(v-r) < 1e-6 {
		return r
	}
	return v
}
