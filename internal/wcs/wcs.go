// Package wcs implements the subset of the FITS world coordinate system
// needed for solar imagery: linear and gnomonic (TAN) projections of a
// two-axis celestial-like system such as helioprojective longitude/latitude.
//
// Pixel coordinates are 0-based throughout; the 1-based FITS convention is
// confined to CRPIX.
package wcs

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// ErrNoCoordinates is returned when a header lacks the keywords needed to
// build a coordinate system.
var ErrNoCoordinates = errors.New("header has no usable world coordinates")

const (
	deg2rad = math.Pi / 180
	rad2deg = 180 / math.Pi
)

// WCS is an immutable two-axis coordinate system.
type WCS struct {
	CRPIX [2]float64
	CRVAL [2]float64
	CDELT [2]float64
	PC    [2][2]float64
	CUNIT [2]string
	CTYPE [2]string

	inv [2][2]float64
}

// Getter looks up a header keyword.
type Getter interface {
	Float(key string) (float64, bool)
	String(key string) (string, bool)
}

// FromHeader builds a WCS from FITS keywords. PCi_j takes precedence over
// CROTA2 when both are present.
func FromHeader(h Getter) (*WCS, error) {
	w := &WCS{}
	for i := 0; i < 2; i++ {
		n := i + 1
		var ok bool
		if w.CRPIX[i], ok = h.Float(fmt.Sprintf("CRPIX%d", n)); !ok {
			return nil, fmt.Errorf("%w: CRPIX%d missing", ErrNoCoordinates, n)
		}
		if w.CRVAL[i], ok = h.Float(fmt.Sprintf("CRVAL%d", n)); !ok {
			return nil, fmt.Errorf("%w: CRVAL%d missing", ErrNoCoordinates, n)
		}
		if w.CDELT[i], ok = h.Float(fmt.Sprintf("CDELT%d", n)); !ok || w.CDELT[i] == 0 {
			return nil, fmt.Errorf("%w: CDELT%d missing or zero", ErrNoCoordinates, n)
		}
		w.CUNIT[i], _ = h.String(fmt.Sprintf("CUNIT%d", n))
		w.CTYPE[i], _ = h.String(fmt.Sprintf("CTYPE%d", n))
		w.CUNIT[i] = strings.TrimSpace(w.CUNIT[i])
		w.CTYPE[i] = strings.TrimSpace(w.CTYPE[i])
		if w.CUNIT[i] == "" {
			w.CUNIT[i] = "arcsec"
		}
		if _, err := unitToDeg(w.CUNIT[i]); err != nil {
			return nil, err
		}
	}

	pc, havePC := [2][2]float64{{1, 0}, {0, 1}}, false
	for i := 0; i < 2; i++ {
		for j := 0; j < 2; j++ {
			if v, ok := h.Float(fmt.Sprintf("PC%d_%d", i+1, j+1)); ok {
				pc[i][j] = v
				havePC = true
			}
		}
	}
	if !havePC {
		if rot, ok := h.Float("CROTA2"); ok && rot != 0 {
			r := rot * deg2rad
			ratio := w.CDELT[1] / w.CDELT[0]
			pc = [2][2]float64{
				{math.Cos(r), -math.Sin(r) * ratio},
				{math.Sin(r) / ratio, math.Cos(r)},
			}
		}
	}
	w.PC = pc
	if err := w.invert(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *WCS) invert() error {
	det := w.PC[0][0]*w.PC[1][1] - w.PC[0][1]*w.PC[1][0]
	if det == 0 || math.IsNaN(det) {
		return fmt.Errorf("%w: singular PC matrix", ErrNoCoordinates)
	}
	w.inv = [2][2]float64{
		{w.PC[1][1] / det, -w.PC[0][1] / det},
		{-w.PC[1][0] / det, w.PC[0][0] / det},
	}
	return nil
}

// Gnomonic reports whether both axes use the TAN projection.
func (w *WCS) Gnomonic() bool {
	return strings.HasSuffix(w.CTYPE[0], "-TAN") && strings.HasSuffix(w.CTYPE[1], "-TAN")
}

// PixelToWorld converts a 0-based pixel position into world coordinates in
// the header's units.
func (w *WCS) PixelToWorld(x, y float64) (float64, float64) {
	p0 := x + 1 - w.CRPIX[0]
	p1 := y + 1 - w.CRPIX[1]
	i0 := w.CDELT[0] * (w.PC[0][0]*p0 + w.PC[0][1]*p1)
	i1 := w.CDELT[1] * (w.PC[1][0]*p0 + w.PC[1][1]*p1)

	if !w.Gnomonic() {
		return w.CRVAL[0] + i0, w.CRVAL[1] + i1
	}

	u0, _ := unitToDeg(w.CUNIT[0])
	u1, _ := unitToDeg(w.CUNIT[1])
	xd, yd := i0*u0, i1*u1

	r := math.Hypot(xd, yd)
	phi := math.Atan2(xd, -yd)
	theta := math.Atan2(rad2deg, r)

	a0 := w.CRVAL[0] * u0 * deg2rad
	d0 := w.CRVAL[1] * u1 * deg2rad
	dphi := phi - math.Pi

	sinD := math.Sin(theta)*math.Sin(d0) + math.Cos(theta)*math.Cos(d0)*math.Cos(dphi)
	delta := math.Asin(clamp(sinD, -1, 1))
	alpha := a0 + math.Atan2(-math.Cos(theta)*math.Sin(dphi),
		math.Sin(theta)*math.Cos(d0)-math.Cos(theta)*math.Sin(d0)*math.Cos(dphi))

	return wrap(alpha) * rad2deg / u0, delta * rad2deg / u1
}

// WorldToPixel converts world coordinates into a 0-based pixel position.
// ok is false for points on the far side of the projection.
func (w *WCS) WorldToPixel(lon, lat float64) (x, y float64, ok bool) {
	var i0, i1 float64
	if !w.Gnomonic() {
		i0, i1 = lon-w.CRVAL[0], lat-w.CRVAL[1]
	} else {
		u0, _ := unitToDeg(w.CUNIT[0])
		u1, _ := unitToDeg(w.CUNIT[1])
		a := lon * u0 * deg2rad
		d := lat * u1 * deg2rad
		a0 := w.CRVAL[0] * u0 * deg2rad
		d0 := w.CRVAL[1] * u1 * deg2rad

		sinT := math.Sin(d)*math.Sin(d0) + math.Cos(d)*math.Cos(d0)*math.Cos(a-a0)
		if sinT <= 0 {
			return 0, 0, false
		}
		theta := math.Asin(clamp(sinT, -1, 1))
		phi := math.Pi + math.Atan2(-math.Cos(d)*math.Sin(a-a0),
			math.Sin(d)*math.Cos(d0)-math.Cos(d)*math.Sin(d0)*math.Cos(a-a0))

		r := rad2deg * math.Cos(theta) / math.Sin(theta)
		i0 = r * math.Sin(phi) / u0
		i1 = -r * math.Cos(phi) / u1
	}

	q0 := i0 / w.CDELT[0]
	q1 := i1 / w.CDELT[1]
	p0 := w.inv[0][0]*q0 + w.inv[0][1]*q1
	p1 := w.inv[1][0]*q0 + w.inv[1][1]*q1
	x = p0 + w.CRPIX[0] - 1
	y = p1 + w.CRPIX[1] - 1
	if math.IsNaN(x) || math.IsNaN(y) || math.IsInf(x, 0) || math.IsInf(y, 0) {
		return 0, 0, false
	}
	return x, y, true
}

// Crop returns the system for a sub-image whose 0-based origin is (x0, y0).
func (w *WCS) Crop(x0, y0 int) *WCS {
	c := *w
	c.CRPIX[0] -= float64(x0)
	c.CRPIX[1] -= float64(y0)
	return &c
}

// Scale returns the system for the image resampled by factor s per axis
// (s > 1 enlarges). Pixel centers map as x' = (x+0.5)s - 0.5.
func (w *WCS) Scale(sx, sy float64) *WCS {
	c := *w
	c.CRPIX[0] = (w.CRPIX[0]-0.5)*sx + 0.5
	c.CRPIX[1] = (w.CRPIX[1]-0.5)*sy + 0.5
	c.CDELT[0] = w.CDELT[0] / sx
	c.CDELT[1] = w.CDELT[1] / sy
	return &c
}

// Keywords returns the FITS keywords describing w, suitable for writing
// back into a header.
func (w *WCS) Keywords() map[string]any {
	kw := map[string]any{}
	for i := 0; i < 2; i++ {
		n := i + 1
		kw[fmt.Sprintf("CRPIX%d", n)] = w.CRPIX[i]
		kw[fmt.Sprintf("CRVAL%d", n)] = w.CRVAL[i]
		kw[fmt.Sprintf("CDELT%d", n)] = w.CDELT[i]
		kw[fmt.Sprintf("CUNIT%d", n)] = w.CUNIT[i]
		if w.CTYPE[i] != "" {
			kw[fmt.Sprintf("CTYPE%d", n)] = w.CTYPE[i]
		}
		for j := 0; j < 2; j++ {
			kw[fmt.Sprintf("PC%d_%d", n, j+1)] = w.PC[i][j]
		}
	}
	return kw
}

func unitToDeg(unit string) (float64, error) {
	switch strings.ToLower(strings.TrimSpace(unit)) {
	case "deg", "degree", "degrees":
		return 1, nil
	case "arcmin":
		return 1.0 / 60, nil
	case "arcsec", "":
		return 1.0 / 3600, nil
	case "rad":
		return rad2deg, nil
	default:
		return 0, fmt.Errorf("%w: unsupported unit %q", ErrNoCoordinates, unit)
	}
}

func wrap(a float64) float64 {
	for a > math.Pi {
		a -= 2 * math.Pi
	}
	for a <= -math.Pi {
		a += 2 * math.Pi
	}
	return a
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
