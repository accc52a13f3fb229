package tiling

import "github.com/paulmach/orb"

// pointInRing reports whether pt lies inside the closed ring using the
// standard even-odd crossing-number test.
func pointInRing(ring []orb.Point, pt orb.Point) bool {
	inside := false
	n := len(ring)
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		pi, pj := ring[i], ring[j]
		if (pi[1] > pt[1]) != (pj[1] > pt[1]) {
			x := pj[0] + (pt[1]-pj[1])/(pi[1]-pj[1])*(pi[0]-pj[0])
			if pt[0] < x {
				inside = !inside
			}
		}
	}
	return inside
}

// RasterizeTiles returns the set of tile keys at zoom whose center falls
// inside the polygon, plus any tile whose bounding rectangle intersects
// the polygon's own bounding rectangle when the polygon degenerates to a
// single cell (keeps single-tile requests from vanishing to empty).
func RasterizeTiles(coords []orb.Point, zoom uint8) []TileKey {
	if len(coords) == 0 {
		return nil
	}

	p := Polygon{Coords: coords, SourceZoom: zoom, DestZoom: zoom}
	minX, minY, maxX, maxY := p.TileBound(zoom)

	var out []TileKey
	for y := minY; y <= maxY; y++ {
		for x := minX; x <= maxX; x++ {
			lat, lon := tileCenterLatLon(x, y, zoom)
			if pointInRing(coords, orb.Point{lon, lat}) || (maxX-minX == 0 && maxY-minY == 0) {
				out = append(out, TileKey{X: x, Y: y, Z: zoom})
			}
		}
	}
	return out
}

func tileCenterLatLon(x, y uint64, zoom uint8) (lat, lon float64) {
	lat0, lon0 := TileToLatLon(float64(x), float64(y), zoom)
	lat1, lon1 := TileToLatLon(float64(x+1), float64(y+1), zoom)
	return (lat0 + lat1) / 2, (lon0 + lon1) / 2
}
