// Package fitsframe loads and stores single 2-D FITS images together with
// their header and world coordinate system.
package fitsframe

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/astrogo/fitsio"

	"flarelocate/internal/wcs"
)

var (
	// ErrCompressedImage marks tile-compressed files, which are not decoded.
	ErrCompressedImage = errors.New("tile-compressed FITS images are not supported")
	// ErrNoImage is returned when no HDU carries 2-D image data.
	ErrNoImage = errors.New("no 2-D image HDU")
)

// structural keywords are regenerated by the writer.
var structural = map[string]struct{}{
	"SIMPLE": {}, "XTENSION": {}, "BITPIX": {}, "NAXIS": {}, "NAXIS1": {}, "NAXIS2": {},
	"NAXIS3": {}, "EXTEND": {}, "PCOUNT": {}, "GCOUNT": {}, "BSCALE": {}, "BZERO": {},
	"BLANK": {}, "END": {}, "COMMENT": {}, "HISTORY": {}, "CHECKSUM": {}, "DATASUM": {},
	"TFIELDS": {},
}

// Header is an ordered set of keyword cards.
type Header struct {
	cards []fitsio.Card
	index map[string]int
}

// NewHeader copies cards. A repeated keyword keeps its first position and
// its last value.
func NewHeader(cards []fitsio.Card) *Header {
	h := &Header{index: map[string]int{}}
	for _, c := range cards {
		h.Set(c.Name, c.Value)
		h.cards[h.index[strings.ToUpper(c.Name)]].Comment = c.Comment
	}
	return h
}

// Get returns the raw value of a keyword.
func (h *Header) Get(key string) (any, bool) {
	i, ok := h.index[strings.ToUpper(key)]
	if !ok {
		return nil, false
	}
	return h.cards[i].Value, true
}

// Float returns a numeric keyword as float64.
func (h *Header) Float(key string) (float64, bool) {
	v, ok := h.Get(key)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(n), 64); err == nil {
			return f, true
		}
	}
	return 0, false
}

// String returns a keyword rendered as text.
func (h *Header) String(key string) (string, bool) {
	v, ok := h.Get(key)
	if !ok {
		return "", false
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s), true
	}
	return fmt.Sprint(v), true
}

// Set adds or replaces a keyword, keeping its original position.
func (h *Header) Set(key string, value any) {
	key = strings.ToUpper(key)
	if i, ok := h.index[key]; ok {
		h.cards[i].Value = value
		return
	}
	h.index[key] = len(h.cards)
	h.cards = append(h.cards, fitsio.Card{Name: key, Value: value})
}

// Cards returns the non-structural cards in order.
func (h *Header) Cards() []fitsio.Card {
	out := make([]fitsio.Card, 0, len(h.cards))
	for _, c := range h.cards {
		if _, skip := structural[c.Name]; skip {
			continue
		}
		if strings.HasPrefix(c.Name, "Z") || strings.HasPrefix(c.Name, "TTYPE") || strings.HasPrefix(c.Name, "TFORM") {
			continue
		}
		out = append(out, c)
	}
	return out
}

// Clone returns a deep copy.
func (h *Header) Clone() *Header {
	return NewHeader(h.cards)
}

// Frame is a single-channel image. Data is row-major with Width columns;
// missing pixels are NaN.
type Frame struct {
	Path   string
	Width  int
	Height int
	Data   []float32
	Header *Header
}

// At returns the pixel at column x, row y.
func (f *Frame) At(x, y int) float32 {
	return f.Data[y*f.Width+x]
}

// WCS builds the frame's coordinate system from its header.
func (f *Frame) WCS() (*wcs.WCS, error) {
	return wcs.FromHeader(f.Header)
}

// SetWCS writes the keywords of w into the header.
func (f *Frame) SetWCS(w *wcs.WCS) {
	for k, v := range w.Keywords() {
		f.Header.Set(k, v)
	}
}

// ObsTime returns the observation time from T_OBS, DATE-OBS or T_REC.
func (f *Frame) ObsTime() (time.Time, bool) {
	for _, key := range []string{"T_OBS", "DATE-OBS", "DATE_OBS", "T_REC"} {
		s, ok := f.Header.String(key)
		if !ok || s == "" {
			continue
		}
		if t, err := ParseTime(s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// ParseTime accepts the ISO-like timestamps found in solar FITS headers,
// including the dotted JSOC form "2012.01.01_00:00:00_TAI".
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, suffix := range []string{"_TAI", "_UTC", "Z"} {
		s = strings.TrimSuffix(s, suffix)
	}
	if len(s) >= 10 && s[4] == '.' && s[7] == '.' {
		s = s[:4] + "-" + s[5:7] + "-" + s[8:]
	}
	s = strings.Replace(s, "_", "T", 1)
	for _, layout := range []string{
		"2006-01-02T15:04:05.999999999",
		"2006-01-02T15:04",
		"2006-01-02 15:04:05.999999999",
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q", s)
}

// NaNRatio returns the fraction of non-finite pixels.
func (f *Frame) NaNRatio() float64 {
	if len(f.Data) == 0 {
		return 1
	}
	n := 0
	for _, v := range f.Data {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			n++
		}
	}
	return float64(n) / float64(len(f.Data))
}

// AllNaN reports whether no pixel carries a finite value.
func (f *Frame) AllNaN() bool {
	for _, v := range f.Data {
		if !math.IsNaN(float64(v)) && !math.IsInf(float64(v), 0) {
			return false
		}
	}
	return true
}

// Load reads the first HDU carrying 2-D image data.
func Load(path string) (*Frame, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	fits, err := fitsio.Open(f)
	if err != nil {
		return nil, fmt.Errorf("open fits %s: %w", path, err)
	}
	defer fits.Close()

	for _, hdu := range fits.HDUs() {
		hdr := hdu.Header()
		if card := hdr.Get("ZIMAGE"); card != nil {
			if b, ok := card.Value.(bool); ok && b {
				return nil, fmt.Errorf("%s: %w", path, ErrCompressedImage)
			}
		}
		img, ok := hdu.(fitsio.Image)
		if !ok {
			continue
		}
		axes := hdr.Axes()
		if len(axes) != 2 || axes[0] == 0 || axes[1] == 0 {
			continue
		}
		data, err := readPixels(img, hdr.Bitpix(), axes[0]*axes[1])
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}

		cards := make([]fitsio.Card, 0, len(hdr.Keys()))
		for _, k := range hdr.Keys() {
			if c := hdr.Get(k); c != nil {
				cards = append(cards, *c)
			}
		}
		header := NewHeader(cards)
		applyScaling(data, header, hdr.Bitpix())

		return &Frame{
			Path:   path,
			Width:  axes[0],
			Height: axes[1],
			Data:   data,
			Header: header,
		}, nil
	}
	return nil, fmt.Errorf("%s: %w", path, ErrNoImage)
}

func readPixels(img fitsio.Image, bitpix, n int) ([]float32, error) {
	out := make([]float32, n)
	switch bitpix {
	case 8:
		raw := make([]uint8, n)
		if err := img.Read(&raw); err != nil {
			return nil, err
		}
		for i, v := range raw {
			out[i] = float32(v)
		}
	case 16:
		raw := make([]int16, n)
		if err := img.Read(&raw); err != nil {
			return nil, err
		}
		for i, v := range raw {
			out[i] = float32(v)
		}
	case 32:
		raw := make([]int32, n)
		if err := img.Read(&raw); err != nil {
			return nil, err
		}
		for i, v := range raw {
			out[i] = float32(v)
		}
	case -32:
		if err := img.Read(&out); err != nil {
			return nil, err
		}
	case -64:
		raw := make([]float64, n)
		if err := img.Read(&raw); err != nil {
			return nil, err
		}
		for i, v := range raw {
			out[i] = float32(v)
		}
	default:
		return nil, fmt.Errorf("unsupported BITPIX %d", bitpix)
	}
	return out, nil
}

// applyScaling converts stored integers to physical values and BLANK to NaN.
func applyScaling(data []float32, h *Header, bitpix int) {
	scale, ok := h.Float("BSCALE")
	if !ok {
		scale = 1
	}
	zero, _ := h.Float("BZERO")
	blank, hasBlank := h.Float("BLANK")
	if bitpix < 0 {
		hasBlank = false
	}
	if scale == 1 && zero == 0 && !hasBlank {
		return
	}
	for i, v := range data {
		if hasBlank && float64(v) == blank {
			data[i] = float32(math.NaN())
			continue
		}
		data[i] = float32(float64(v)*scale + zero)
	}
}

// Save writes f as a single float32 primary image. The file is written to a
// temporary name first and renamed into place.
func Save(path string, f *Frame) error {
	if len(f.Data) != f.Width*f.Height {
		return fmt.Errorf("frame data has %d pixels, want %d", len(f.Data), f.Width*f.Height)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*.fits")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := writeFrame(tmp, f); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func writeFrame(w *os.File, f *Frame) error {
	fits, err := fitsio.Create(w)
	if err != nil {
		return err
	}
	defer fits.Close()

	im := fitsio.NewImage(-32, []int{f.Width, f.Height})
	defer im.Close()
	if err := im.Header().Append(f.Header.Cards()...); err != nil {
		return err
	}
	if err := im.Write(f.Data); err != nil {
		return err
	}
	return fits.Write(im)
}

// Crop returns the sub-image with 0-based origin (x0, y0). Regions outside
// the source take the fill value. The header's WCS is shifted accordingly.
func (f *Frame) Crop(x0, y0, w, h int, fill float32) *Frame {
	out := &Frame{Path: f.Path, Width: w, Height: h, Data: make([]float32, w*h), Header: f.Header.Clone()}
	for y := 0; y < h; y++ {
		sy := y0 + y
		for x := 0; x < w; x++ {
			sx := x0 + x
			if sx < 0 || sy < 0 || sx >= f.Width || sy >= f.Height {
				out.Data[y*w+x] = fill
				continue
			}
			out.Data[y*w+x] = f.Data[sy*f.Width+sx]
		}
	}
	if cw, err := f.WCS(); err == nil {
		out.SetWCS(cw.Crop(x0, y0))
	}
	out.Header.Set("NAXIS1", w)
	out.Header.Set("NAXIS2", h)
	return out
}
