package render

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/gographics/imagick.v3/imagick"
)

var initOnce sync.Once

// ensureInit starts the MagickWand environment once per process. Wands are
// used from several workers at a time, so it is only torn down by Shutdown.
func ensureInit() {
	initOnce.Do(imagick.Initialize)
}

// Shutdown releases the MagickWand environment. Call it once, after every
// renderer has returned.
func Shutdown() {
	imagick.Terminate()
}

// Panel is one grayscale tile of a preview strip.
type Panel struct {
	Data  []float32
	Label string
}

// WritePreview lays panels out left to right, each w×h and scaled from
// [lo, hi], titles the strip and writes it as PNG.
func WritePreview(path, title string, w, h int, panels []Panel, lo, hi float64) error {
	if len(panels) == 0 {
		return fmt.Errorf("preview %s: no panels", filepath.Base(path))
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	ensureInit()

	strip := imagick.NewMagickWand()
	defer strip.Destroy()

	dw := imagick.NewDrawingWand()
	defer dw.Destroy()
	pw := imagick.NewPixelWand()
	defer pw.Destroy()
	pw.SetColor("white")
	dw.SetFillColor(pw)
	dw.SetFontSize(14)

	for _, p := range panels {
		if len(p.Data) != w*h {
			return fmt.Errorf("preview panel %q: have %d pixels for %dx%d", p.Label, len(p.Data), w, h)
		}
		mw := imagick.NewMagickWand()
		if err := mw.ConstituteImage(uint(w), uint(h), "I", imagick.PIXEL_CHAR, Gray(p.Data, lo, hi)); err != nil {
			mw.Destroy()
			return fmt.Errorf("failed to create panel: %v", err)
		}
		if p.Label != "" {
			if err := mw.AnnotateImage(dw, 6, 18, 0, p.Label); err != nil {
				mw.Destroy()
				return fmt.Errorf("failed to label panel: %v", err)
			}
		}
		err := strip.AddImage(mw)
		mw.Destroy()
		if err != nil {
			return fmt.Errorf("failed to add panel: %v", err)
		}
	}

	strip.ResetIterator()
	out := strip.AppendImages(false)
	defer out.Destroy()

	if title != "" {
		if err := out.AnnotateImage(dw, 6, float64(h-8), 0, title); err != nil {
			return fmt.Errorf("failed to title preview: %v", err)
		}
	}
	if err := out.SetImageFormat("PNG"); err != nil {
		return err
	}
	if err := out.WriteImage(path); err != nil {
		return fmt.Errorf("failed to write preview: %v", err)
	}
	return nil
}
