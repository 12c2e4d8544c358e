package sim

import "math"

// Point is a WGS84 coordinate.
type Point struct {
	Lat float64
	Lon float64
}

func haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	toRad := func(d float64) float64 { return d * math.Pi / 180 }
	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}

// Distance returns the great-circle distance between a and b in meters.
func Distance(a, b Point) float64 { return haversine(a.Lat, a.Lon, b.Lat, b.Lon) }

// CumDistances returns the cumulative distance in meters at each point.
func CumDistances(pts []Point) []float64 {
	n := len(pts)
	if n == 0 {
		return nil
	}
	cum := make([]float64, n)
	sum := 0.0
	for i := 1; i < n; i++ {
		sum += Distance(pts[i-1], pts[i])
		cum[i] = sum
	}
	return cum
}

// Interpolate walks dist meters along the path; returns lat,lon and bearing.
func Interpolate(pts []Point, cum []float64, dist float64) (lat, lon, bearing float64) {
	n := len(pts)
	if n == 0 {
		return 0, 0, 0
	}
	total := cum[n-1]
	if total == 0 {
		p := pts[0]
		return p.Lat, p.Lon, 0
	}
	if dist <= 0 {
		if n > 1 {
			return pts[0].Lat, pts[0].Lon, bearingDeg(pts[0], pts[1])
		}
		return pts[0].Lat, pts[0].Lon, 0
	}
	if dist >= total {
		if n > 1 {
			return pts[n-1].Lat, pts[n-1].Lon, bearingDeg(pts[n-2], pts[n-1])
		}
		return pts[n-1].Lat, pts[n-1].Lon, 0
	}
	// find segment
	i := 1
	for i < n && cum[i] < dist {
		i++
	}
	if i >= n {
		i = n - 1
	}
	d0 := cum[i-1]
	d1 := cum[i]
	p0 := pts[i-1]
	p1 := pts[i]
	if d1 == d0 {
		return p0.Lat, p0.Lon, bearingDeg(p0, p1)
	}
	frac := (dist - d0) / (d1 - d0)
	lat = p0.Lat + (p1.Lat-p0.Lat)*frac
	lon = p0.Lon + (p1.Lon-p0.Lon)*frac
	return lat, lon, bearingDeg(p0, p1)
}

func bearingDeg(a, b Point) float64 {
	y := math.Sin((b.Lon-a.Lon)*math.Pi/180.0) * math.Cos(b.Lat*math.Pi/180.0)
	x := math.Cos(a.Lat*math.Pi/180.0)*math.Sin(b.Lat*math.Pi/180.0) - math.Sin(a.Lat*math.Pi/180.0)*math.Cos(b.Lat*math.Pi/180.0)*math.Cos((b.Lon-a.Lon)*math.Pi/180.0)
	brng := math.Atan2(y, x) * 180.0 / math.Pi
	if brng < 0 {
		brng += 360
	}
	return brng
}
