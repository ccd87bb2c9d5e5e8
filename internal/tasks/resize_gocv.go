//go:build gocv

package tasks

import (
	"fmt"
	"image"
	"unsafe"

	"gocv.io/x/gocv"
)

// ResizeBackend names the active resize implementation.
const ResizeBackend = "opencv"

// resizeArea resamples a w×h image to ow×oh with OpenCV INTER_AREA.
func resizeArea(src []float32, w, h, ow, oh int) ([]float32, error) {
	if w == ow && h == oh {
		return append([]float32(nil), src...), nil
	}
	if len(src) != w*h || len(src) == 0 {
		return nil, fmt.Errorf("resize: have %d pixels for %dx%d", len(src), w, h)
	}
	raw := unsafe.Slice((*byte)(unsafe.Pointer(&src[0])), len(src)*4)
	m, err := gocv.NewMatFromBytes(h, w, gocv.MatTypeCV32F, raw)
	if err != nil {
		return nil, fmt.Errorf("resize: %w", err)
	}
	defer m.Close()

	dst := gocv.NewMat()
	defer dst.Close()
	gocv.Resize(m, &dst, image.Pt(ow, oh), 0, 0, gocv.InterpolationArea)

	data, err := dst.DataPtrFloat32()
	if err != nil {
		return nil, fmt.Errorf("resize: %w", err)
	}
	return append([]float32(nil), data...), nil
}
