package tiling

import (
	"math"

	"github.com/paulmach/orb"
)

// Web Mercator latitude bounds, per the standard projection.
const (
	maxLat = 85.05112878
	minLat = -85.05112878
)

// LatLonToTileCoords converts a WGS84 coordinate to fractional tile
// coordinates at the given zoom, clamping latitude to the Mercator
// bounds.
func LatLonToTileCoords(lat, lon float64, zoom uint8) (x, y float64) {
	if lat > maxLat {
		lat = maxLat
	} else if lat < minLat {
		lat = minLat
	}

	n := math.Exp2(float64(zoom))
	x = (lon + 180.0) / 360.0 * n

	latRad := lat * math.Pi / 180.0
	y = (1.0 - math.Log(math.Tan(latRad)+1.0/math.Cos(latRad))/math.Pi) / 2.0 * n
	return x, y
}

// TileToLatLon returns the lat/lon of the north-west corner of tile
// (x, y) at the given zoom.
func TileToLatLon(x, y float64, zoom uint8) (lat, lon float64) {
	n := math.Exp2(float64(zoom))
	lon = x/n*360.0 - 180.0
	latRad := math.Atan(math.Sinh(math.Pi * (1.0 - 2.0*y/n)))
	lat = latRad * 180.0 / math.Pi
	return lat, lon
}

// Polygon is a geographic request polygon: at least 3 lat/lon vertices,
// source and destination zoom, and a clip flag for coverage requests.
type Polygon struct {
	Coords     []orb.Point // [lon, lat] pairs, per orb convention
	SourceZoom uint8
	DestZoom   uint8
	Clip       bool
}

// Valid reports whether every coordinate is finite and therefore
// convertible to web-mercator [0,1]^2, and the zoom bounds are sane.
func (p Polygon) Valid() bool {
	if len(p.Coords) < 3 {
		return false
	}
	if p.SourceZoom < 1 || p.SourceZoom > 20 || p.DestZoom < 1 || p.DestZoom > 20 {
		return false
	}
	for _, c := range p.Coords {
		lon, lat := c[0], c[1]
		if math.IsNaN(lon) || math.IsInf(lon, 0) || math.IsNaN(lat) || math.IsInf(lat, 0) {
			return false
		}
		if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
			return false
		}
	}
	return true
}

// Bound returns the orb.Bound (lon/lat bounding rectangle) of the
// polygon's vertices.
func (p Polygon) Bound() orb.Bound {
	b := orb.Bound{Min: orb.Point{math.Inf(1), math.Inf(1)}, Max: orb.Point{math.Inf(-1), math.Inf(-1)}}
	for _, c := range p.Coords {
		b = b.Extend(c)
	}
	return b
}

// TileBound returns the integer tile-index bounding rectangle of the
// polygon at the given zoom: [minX,maxX] x [minY,maxY] inclusive.
func (p Polygon) TileBound(zoom uint8) (minX, minY, maxX, maxY uint64) {
	b := p.Bound()

	x0, y0 := LatLonToTileCoords(b.Max[1], b.Min[0], zoom) // north-west
	x1, y1 := LatLonToTileCoords(b.Min[1], b.Max[0], zoom) // south-east

	if x0 > x1 {
		x0, x1 = x1, x0
	}
	if y0 > y1 {
		y0, y1 = y1, y0
	}

	n := uint64(1)<<zoom - 1
	minX = clampU64(uint64(math.Floor(x0)), 0, n)
	maxX = clampU64(uint64(math.Floor(x1)), 0, n)
	minY = clampU64(uint64(math.Floor(y0)), 0, n)
	maxY = clampU64(uint64(math.Floor(y1)), 0, n)
	return
}

func clampU64(v, lo, hi uint64) uint64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
