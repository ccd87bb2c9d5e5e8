package wcs

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mapHeader map[string]any

func (m mapHeader) Float(key string) (float64, bool) {
	v, ok := m[key].(float64)
	return v, ok
}

func (m mapHeader) String(key string) (string, bool) {
	v, ok := m[key].(string)
	return v, ok
}

func aiaHeader() mapHeader {
	return mapHeader{
		"CRPIX1": 2048.5, "CRPIX2": 2048.5,
		"CRVAL1": 0.0, "CRVAL2": 0.0,
		"CDELT1": 0.6, "CDELT2": 0.6,
		"CUNIT1": "arcsec", "CUNIT2": "arcsec",
		"CTYPE1": "HPLN-TAN", "CTYPE2": "HPLT-TAN",
		"CROTA2": 0.12,
	}
}

func TestReferencePixelMapsToReferenceValue(t *testing.T) {
	w, err := FromHeader(aiaHeader())
	require.NoError(t, err)

	lon, lat := w.PixelToWorld(2047.5, 2047.5)
	assert.InDelta(t, 0, lon, 1e-9)
	assert.InDelta(t, 0, lat, 1e-9)
}

func TestRoundTrip(t *testing.T) {
	w, err := FromHeader(aiaHeader())
	require.NoError(t, err)

	for _, pt := range [][2]float64{{-700, 300}, {250, -400}, {0, 950}, {12.5, 3.25}} {
		x, y, ok := w.WorldToPixel(pt[0], pt[1])
		require.True(t, ok)
		lon, lat := w.PixelToWorld(x, y)
		assert.InDelta(t, pt[0], lon, 1e-6, "lon for %v", pt)
		assert.InDelta(t, pt[1], lat, 1e-6, "lat for %v", pt)
	}
}

func TestNearDiskCenterIsNearlyLinear(t *testing.T) {
	h := aiaHeader()
	delete(h, "CROTA2")
	w, err := FromHeader(h)
	require.NoError(t, err)

	x, y, ok := w.WorldToPixel(60, -30)
	require.True(t, ok)
	assert.InDelta(t, 2047.5+100, x, 0.01)
	assert.InDelta(t, 2047.5-50, y, 0.01)
}

func TestCropShiftsReference(t *testing.T) {
	w, err := FromHeader(aiaHeader())
	require.NoError(t, err)

	x, y, _ := w.WorldToPixel(-300, 200)
	c := w.Crop(1000, 1500)
	cx, cy, ok := c.WorldToPixel(-300, 200)
	require.True(t, ok)
	assert.InDelta(t, x-1000, cx, 1e-6)
	assert.InDelta(t, y-1500, cy, 1e-6)
}

func TestScalePreservesWorldPositions(t *testing.T) {
	w, err := FromHeader(aiaHeader())
	require.NoError(t, err)

	s := w.Crop(1792, 1792).Scale(0.5, 0.5)
	// Pixel (0,0) of the half-size image covers pixels 0..1 of the crop,
	// whose shared corner is at crop coordinate 0.5.
	lon, lat := s.PixelToWorld(0, 0)
	wantLon, wantLat := w.Crop(1792, 1792).PixelToWorld(0.5, 0.5)
	assert.InDelta(t, wantLon, lon, 1e-6)
	assert.InDelta(t, wantLat, lat, 1e-6)
	assert.InDelta(t, 1.2, s.CDELT[0], 1e-12)
}

func TestLinearProjection(t *testing.T) {
	w, err := FromHeader(mapHeader{
		"CRPIX1": 1.0, "CRPIX2": 1.0,
		"CRVAL1": 10.0, "CRVAL2": 20.0,
		"CDELT1": 2.0, "CDELT2": 3.0,
		"CUNIT1": "arcsec", "CUNIT2": "arcsec",
	})
	require.NoError(t, err)
	assert.False(t, w.Gnomonic())

	lon, lat := w.PixelToWorld(4, 5)
	assert.Equal(t, 18.0, lon)
	assert.Equal(t, 35.0, lat)
}

func TestMissingUnitIsArcsec(t *testing.T) {
	h := aiaHeader()
	delete(h, "CUNIT1")
	delete(h, "CUNIT2")
	w, err := FromHeader(h)
	require.NoError(t, err)
	assert.Equal(t, [2]string{"arcsec", "arcsec"}, w.CUNIT)

	ref, err := FromHeader(aiaHeader())
	require.NoError(t, err)
	x, y, ok := w.WorldToPixel(500, 300)
	require.True(t, ok)
	wx, wy, _ := ref.WorldToPixel(500, 300)
	assert.InDelta(t, wx, x, 1e-9)
	assert.InDelta(t, wy, y, 1e-9)
}

func TestMissingKeywords(t *testing.T) {
	h := aiaHeader()
	delete(h, "CDELT2")
	_, err := FromHeader(h)
	require.ErrorIs(t, err, ErrNoCoordinates)

	h = aiaHeader()
	h["CUNIT1"] = "furlong"
	_, err = FromHeader(h)
	require.ErrorIs(t, err, ErrNoCoordinates)
}

func TestFarSideRejected(t *testing.T) {
	w, err := FromHeader(mapHeader{
		"CRPIX1": 1.0, "CRPIX2": 1.0, "CRVAL1": 0.0, "CRVAL2": 0.0,
		"CDELT1": 1.0, "CDELT2": 1.0, "CTYPE1": "RA---TAN", "CTYPE2": "DEC--TAN",
		"CUNIT1": "deg", "CUNIT2": "deg",
	})
	require.NoError(t, err)
	_, _, ok := w.WorldToPixel(180, 0)
	assert.False(t, ok)
	assert.False(t, math.IsNaN(w.CRPIX[0]))
}
