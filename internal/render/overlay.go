package render

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// Overlay blends a heatmap over a grayscale base image at half opacity with
// a hot colormap, circles the heatmap peak and writes title in the corner.
// base and heat are both w×h.
func Overlay(base, heat []float32, w, h int, title string) (*image.RGBA, error) {
	if len(base) != w*h || len(heat) != w*h {
		return nil, fmt.Errorf("overlay: base %d and heatmap %d pixels for %dx%d", len(base), len(heat), w, h)
	}
	blo, bhi := Range(base)
	gray := Gray(base, blo, bhi)
	hlo, hhi := Range(heat)
	hot := Gray(heat, hlo, hhi)

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := range gray {
		hr, hg, hb := hotColor(hot[i])
		g := float64(gray[i])
		img.Pix[i*4+0] = uint8(0.5*g + 0.5*hr)
		img.Pix[i*4+1] = uint8(0.5*g + 0.5*hg)
		img.Pix[i*4+2] = uint8(0.5*g + 0.5*hb)
		img.Pix[i*4+3] = 255
	}

	if px, py, v := Peak(heat, w); !math.IsNaN(float64(v)) {
		drawCircle(img, px, py, max(4, w/64), color.RGBA{0, 255, 255, 255})
	}
	if title != "" {
		drawText(img, basicfont.Face7x13, title, 6, 16, color.RGBA{255, 255, 255, 255})
	}
	return img, nil
}

// WriteOverlay renders an overlay and saves it as PNG.
func WriteOverlay(path string, base, heat []float32, w, h int, title string) error {
	img, err := Overlay(base, heat, w, h, title)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create overlay file: %w", err)
	}
	defer f.Close()

	if err := png.Encode(f, img); err != nil {
		return fmt.Errorf("encode overlay: %w", err)
	}
	return f.Close()
}

// hotColor approximates the black→red→yellow→white ramp.
func hotColor(v uint8) (r, g, b float64) {
	t := float64(v) / 255
	r = math.Min(1, t/0.375)
	g = math.Max(0, math.Min(1, (t-0.375)/0.375))
	b = math.Max(0, (t-0.75)/0.25)
	return r * 255, g * 255, b * 255
}

func drawText(img *image.RGBA, face font.Face, s string, x, y int, c color.RGBA) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: face,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(s)
}

// drawCircle draws a circle outline using the midpoint algorithm.
func drawCircle(img *image.RGBA, cx, cy, radius int, c color.RGBA) {
	x, y, e := radius, 0, 0
	for x >= y {
		for _, p := range [8][2]int{
			{cx + x, cy + y}, {cx + y, cy + x}, {cx - y, cy + x}, {cx - x, cy + y},
			{cx - x, cy - y}, {cx - y, cy - x}, {cx + y, cy - x}, {cx + x, cy - y},
		} {
			img.Set(p[0], p[1], c)
		}
		y++
		e += 1 + 2*y
		if 2*(e-x)+1 > 0 {
			x--
			e += 1 - 2*x
		}
	}
}
