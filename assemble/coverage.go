package assemble

import (
	"image"
	"image/draw"
	"sync"

	"github.com/paoletto/tileforge/tiling"
)

// Coverage is the result of stitching every tile inside a polygon's
// rectangular tile set into one large image, optionally clipped to the
// polygon's bounding rectangle in pixel space.
type Coverage struct {
	Pixels *image.RGBA
	MD5    [16]byte
}

// CoverageBucket is the coverage-mode analogue of Bucket: the same
// partial-bucket mechanism, but keyed by request id rather than
// destination tile key.
type CoverageBucket struct {
	mu    sync.Mutex
	MinX  uint64
	MinY  uint64
	Cols  int
	Rows  int
	want  int
	tiles map[tiling.TileKey]*image.RGBA
}

// NewCoverageBucket creates a coverage bucket for a minX..maxX, minY..maxY
// rectangular tile-space window.
func NewCoverageBucket(minX, minY, maxX, maxY uint64) *CoverageBucket {
	cols := int(maxX-minX) + 1
	rows := int(maxY-minY) + 1
	return &CoverageBucket{
		MinX: minX, MinY: minY,
		Cols: cols, Rows: rows,
		want:  cols * rows,
		tiles: make(map[tiling.TileKey]*image.RGBA, cols*rows),
	}
}

// Add deposits one decoded tile. Returns (coverage, true) once every
// tile in the rectangle has arrived. The stitched canvas is y-flipped
// on emit, the same rule raster tiles follow in Direct and Bucket; a
// caller that clips must therefore mirror its pixel window (see Clip).
func (b *CoverageBucket) Add(key tiling.TileKey, img *image.RGBA) (Coverage, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.tiles[key] = img
	if len(b.tiles) < b.want {
		return Coverage{}, false
	}

	canvas := image.NewRGBA(image.Rect(0, 0, b.Cols*TileSize, b.Rows*TileSize))
	for k, img := range b.tiles {
		ox := int(k.X-b.MinX) * TileSize
		oy := int(k.Y-b.MinY) * TileSize
		draw.Draw(canvas, image.Rect(ox, oy, ox+TileSize, oy+TileSize), img, image.Point{}, draw.Src)
	}

	flipY(canvas)
	return Coverage{Pixels: canvas, MD5: fingerprint(canvas)}, true
}

// Clip crops cov to the pixel-space bounding rectangle of a polygon's
// coordinates. minPx/maxPx are the clip window relative to the coverage canvas's
// own origin (computed by the caller from the polygon's tile-space
// bounds vs. its exact lat/lon bounds). Since Add emits the canvas
// y-flipped, a window derived in source orientation must have its Y
// range mirrored before calling Clip.
func Clip(cov Coverage, minPx, maxPx image.Point) Coverage {
	rect := image.Rect(minPx.X, minPx.Y, maxPx.X, maxPx.Y).Intersect(cov.Pixels.Bounds())
	out := image.NewRGBA(image.Rect(0, 0, rect.Dx(), rect.Dy()))
	draw.Draw(out, out.Bounds(), cov.Pixels, rect.Min, draw.Src)
	return Coverage{Pixels: out, MD5: fingerprint(out)}
}
