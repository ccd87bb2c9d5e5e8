package fitsframe

import (
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/astrogo/fitsio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testFrame(w, h int) *Frame {
	data := make([]float32, w*h)
	for i := range data {
		data[i] = float32(i)
	}
	data[3] = float32(math.NaN())
	return &Frame{
		Width:  w,
		Height: h,
		Data:   data,
		Header: NewHeader([]fitsio.Card{
			{Name: "TELESCOP", Value: "SDO/AIA"},
			{Name: "WAVELNTH", Value: 94},
			{Name: "T_OBS", Value: "2012-03-07T00:10:02.57Z"},
			{Name: "CRPIX1", Value: 4.5},
			{Name: "CRPIX2", Value: 3.5},
			{Name: "CRVAL1", Value: 0.0},
			{Name: "CRVAL2", Value: 0.0},
			{Name: "CDELT1", Value: 0.6},
			{Name: "CDELT2", Value: 0.6},
			{Name: "CUNIT1", Value: "arcsec"},
			{Name: "CUNIT2", Value: "arcsec"},
			{Name: "CTYPE1", Value: "HPLN-TAN"},
			{Name: "CTYPE2", Value: "HPLT-TAN"},
			{Name: "BITPIX", Value: 16},
		}),
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "00.fits")
	src := testFrame(8, 6)

	require.NoError(t, Save(path, src))
	got, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8, got.Width)
	assert.Equal(t, 6, got.Height)
	require.Len(t, got.Data, 48)
	assert.True(t, math.IsNaN(float64(got.Data[3])))
	assert.Equal(t, float32(47), got.Data[47])

	wl, ok := got.Header.Float("WAVELNTH")
	require.True(t, ok)
	assert.Equal(t, 94.0, wl)

	w, err := got.WCS()
	require.NoError(t, err)
	assert.InDelta(t, 4.5, w.CRPIX[0], 1e-9)

	ts, ok := got.ObsTime()
	require.True(t, ok)
	assert.Equal(t, time.Date(2012, 3, 7, 0, 10, 2, 570000000, time.UTC), ts)
}

func TestSaveRejectsShortData(t *testing.T) {
	f := testFrame(4, 4)
	f.Data = f.Data[:3]
	require.Error(t, Save(filepath.Join(t.TempDir(), "x.fits"), f))
}

func TestCropShiftsWCSAndPads(t *testing.T) {
	f := testFrame(8, 6)
	c := f.Crop(6, 4, 4, 4, float32(math.NaN()))

	assert.Equal(t, f.At(6, 4), c.At(0, 0))
	assert.Equal(t, f.At(7, 5), c.At(1, 1))
	assert.True(t, math.IsNaN(float64(c.At(2, 0))))
	assert.True(t, math.IsNaN(float64(c.At(0, 3))))

	w, err := c.WCS()
	require.NoError(t, err)
	assert.InDelta(t, 4.5-6, w.CRPIX[0], 1e-9)
	assert.InDelta(t, 3.5-4, w.CRPIX[1], 1e-9)

	z := f.Crop(-2, -2, 3, 3, 0)
	assert.Equal(t, float32(0), z.At(0, 0))
	assert.Equal(t, f.At(0, 0), z.At(2, 2))

	// Source header is untouched.
	v, _ := f.Header.Float("CRPIX1")
	assert.Equal(t, 4.5, v)
}

func TestParseTime(t *testing.T) {
	for in, want := range map[string]time.Time{
		"2012.01.01_00:00:00_TAI":  time.Date(2012, 1, 1, 0, 0, 0, 0, time.UTC),
		"2013-05-13T02:17:30Z":     time.Date(2013, 5, 13, 2, 17, 30, 0, time.UTC),
		"2011-02-15T01:56:00.1234": time.Date(2011, 2, 15, 1, 56, 0, 123400000, time.UTC),
		"2014-10-22T14:02":         time.Date(2014, 10, 22, 14, 2, 0, 0, time.UTC),
	} {
		got, err := ParseTime(in)
		require.NoError(t, err, in)
		assert.True(t, want.Equal(got), "%s: got %v", in, got)
	}

	_, err := ParseTime("yesterday")
	assert.Error(t, err)
}

func TestNaNRatio(t *testing.T) {
	f := testFrame(2, 2)
	assert.InDelta(t, 0.25, f.NaNRatio(), 1e-12)
	assert.Equal(t, 1.0, (&Frame{}).NaNRatio())
}

func TestHeaderCardsDropStructural(t *testing.T) {
	h := NewHeader([]fitsio.Card{
		{Name: "SIMPLE", Value: true},
		{Name: "NAXIS1", Value: 10},
		{Name: "ZBITPIX", Value: 16},
		{Name: "EXPTIME", Value: 2.9},
		{Name: "exptime", Value: 3.0},
	})
	cards := h.Cards()
	require.Len(t, cards, 1)
	assert.Equal(t, "EXPTIME", cards[0].Name)
	assert.Equal(t, 3.0, cards[0].Value)
}

func TestHeaderKeepsComments(t *testing.T) {
	h := NewHeader([]fitsio.Card{
		{Name: "CDELT1", Value: 0.6, Comment: "[arcsec/pixel] image scale"},
		{Name: "WAVELNTH", Value: 94},
	})
	c := h.Clone().Cards()
	require.Len(t, c, 2)
	assert.Equal(t, "[arcsec/pixel] image scale", c[0].Comment)
	v, ok := h.Float("CDELT1")
	require.True(t, ok)
	assert.Equal(t, 0.6, v)
}
