package tasks

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/astrogo/fitsio"

	"flarelocate/internal/fitsframe"
	"flarelocate/internal/hek"
	"flarelocate/internal/logging"
)

// solarFrame builds a w×h frame with a 0.6 arcsec/pixel TAN grid whose
// reference pixel sits at the image center.
func solarFrame(w, h int, value func(x, y int) float32) *fitsframe.Frame {
	data := make([]float32, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			data[y*w+x] = value(x, y)
		}
	}
	return &fitsframe.Frame{
		Width:  w,
		Height: h,
		Data:   data,
		Header: fitsframe.NewHeader([]fitsio.Card{
			{Name: "NAXIS1", Value: w},
			{Name: "NAXIS2", Value: h},
			{Name: "CRPIX1", Value: float64(w+1) / 2},
			{Name: "CRPIX2", Value: float64(h+1) / 2},
			{Name: "CRVAL1", Value: 0.0},
			{Name: "CRVAL2", Value: 0.0},
			{Name: "CDELT1", Value: 0.6},
			{Name: "CDELT2", Value: 0.6},
			{Name: "CUNIT1", Value: "arcsec"},
			{Name: "CUNIT2", Value: "arcsec"},
			{Name: "CTYPE1", Value: "HPLN-TAN"},
			{Name: "CTYPE2", Value: "HPLT-TAN"},
			{Name: "WAVELNTH", Value: 94},
		}),
	}
}

func ramp(x, y int) float32 { return float32(y*100 + x + 1) }

func writeFrame(t *testing.T, path string, f *fitsframe.Frame) {
	t.Helper()
	if err := fitsframe.Save(path, f); err != nil {
		t.Fatalf("save %s: %v", path, err)
	}
}

func touch(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
}

func ptr(v float64) *float64 { return &v }

func eventAt(id string, x, y float64) hek.Event {
	return hek.Event{ID: id, HPCX: ptr(x), HPCY: ptr(y), GOESClass: "M1.0"}
}

func near(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

var discard = logging.Discard()
