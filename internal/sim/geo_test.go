package sim

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDistance(t *testing.T) {
	// One degree of latitude is roughly 111 km.
	d := Distance(Point{Lat: 40, Lon: -3}, Point{Lat: 41, Lon: -3})
	assert.InDelta(t, 111195, d, 50)
	assert.Zero(t, Distance(Point{Lat: 1, Lon: 1}, Point{Lat: 1, Lon: 1}))
}

func TestCumDistances(t *testing.T) {
	assert.Nil(t, CumDistances(nil))
	pts := []Point{{0, 0}, {0, 0.001}, {0, 0.002}}
	cum := CumDistances(pts)
	require.Len(t, cum, 3)
	assert.Zero(t, cum[0])
	assert.InDelta(t, cum[1]*2, cum[2], 0.01)
}

func TestInterpolate(t *testing.T) {
	pts := []Point{{0, 0}, {0, 0.01}, {0.01, 0.01}}
	cum := CumDistances(pts)

	lat, lon, bearing := Interpolate(pts, cum, -5)
	assert.Equal(t, 0.0, lat)
	assert.Equal(t, 0.0, lon)
	assert.InDelta(t, 90, bearing, 0.01)

	lat, lon, bearing = Interpolate(pts, cum, cum[1]/2)
	assert.InDelta(t, 0, lat, 1e-9)
	assert.InDelta(t, 0.005, lon, 1e-9)
	assert.InDelta(t, 90, bearing, 0.01)

	lat, lon, bearing = Interpolate(pts, cum, cum[2]+100)
	assert.Equal(t, 0.01, lat)
	assert.Equal(t, 0.01, lon)
	assert.InDelta(t, 0, bearing, 0.01)

	lat, lon, _ = Interpolate([]Point{{1, 2}}, []float64{0}, 10)
	assert.Equal(t, 1.0, lat)
	assert.Equal(t, 2.0, lon)
}

func TestBearing(t *testing.T) {
	assert.InDelta(t, 180, bearingDeg(Point{1, 0}, Point{0, 0}), 0.01)
	assert.InDelta(t, 270, bearingDeg(Point{0, 1}, Point{0, 0}), 0.01)
}

func TestCadence(t *testing.T) {
	c := DefaultCadence()
	t0 := time.Date(2024, 5, 1, 7, 0, 0, 0, time.UTC)
	here := Point{Lat: 40.41, Lon: -3.70}

	assert.True(t, c.Due(t0, here), "first fix is always due")
	c.Mark(t0, here)

	assert.False(t, c.Due(t0.Add(4*time.Second), here))
	assert.True(t, c.Due(t0.Add(5*time.Second), here))

	// ~11 m north
	moved := Point{Lat: 40.4101, Lon: -3.70}
	assert.True(t, c.Due(t0.Add(time.Second), moved))
	nearby := Point{Lat: 40.41005, Lon: -3.70}
	assert.False(t, c.Due(t0.Add(time.Second), nearby))

	c.Mark(t0.Add(time.Second), moved)
	assert.False(t, c.Due(t0.Add(2*time.Second), moved))
}
