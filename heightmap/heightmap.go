// Package heightmap implements the heightmap stitcher: it decodes
// a terrarium-encoded PNG into a meters-above-sea-level float grid and,
// when neighbor tiles are present, fuses edge pixels with the matching
// neighbor edges to produce seam-free borders.
package heightmap

import (
	"image"
	"math"
	"sync"

	"github.com/paoletto/tileforge/tiling"
)

// Heightmap is a w x h float32 elevation grid in meters. When stitched,
// Size is (inner+2) x (inner+2) and HasBorders is set.
type Heightmap struct {
	Width, Height int
	Values        []float32 // row-major, len == Width*Height
	HasBorders    bool
	Min, Max      float32
}

func (h *Heightmap) at(x, y int) float32   { return h.Values[y*h.Width+x] }
func (h *Heightmap) set(x, y int, v float32) {
	h.Values[y*h.Width+x] = v
	if v < h.Min {
		h.Min = v
	}
	if v > h.Max {
		h.Max = v
	}
}

// elevation applies the terrarium formula: e = R*256 + G + B/256 - 32768.
func elevation(r, g, b uint8) float32 {
	return float32(r)*256 + float32(g) + float32(b)/256 - 32768
}

// DecodeTerrarium decodes a terrarium-encoded RGBA image into a raw
// (unstitched) elevation grid the same size as img.
func DecodeTerrarium(img *image.RGBA) *Heightmap {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()

	out := &Heightmap{Width: w, Height: h, Values: make([]float32, w*h), Min: float32(math.Inf(1)), Max: float32(math.Inf(-1))}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := img.PixOffset(b.Min.X+x, b.Min.Y+y)
			v := elevation(img.Pix[i], img.Pix[i+1], img.Pix[i+2])
			out.set(x, y, v)
		}
	}
	return out
}

// Tracker accumulates arriving neighbor tiles for one (request id, tile
// key) pair and fires exactly once, at the instant the last expected
// neighbor shows up, even if extra (unexpected) neighbor arrivals occur
// afterward.
type Tracker struct {
	mu        sync.Mutex
	center    *image.RGBA
	mask      tiling.NeighborMask
	neighbors map[tiling.Direction]*image.RGBA
	fired     bool
}

// NewTracker creates a stitch tracker for a tile that expects neighbors
// per mask.
func NewTracker(center *image.RGBA, mask tiling.NeighborMask) *Tracker {
	return &Tracker{center: center, mask: mask, neighbors: make(map[tiling.Direction]*image.RGBA)}
}

// AddNeighbor deposits a neighbor tile's image for direction dir. It
// returns true exactly once, the moment every direction set in the
// tracker's mask has arrived; the caller then schedules the stitch.
func (t *Tracker) AddNeighbor(dir tiling.Direction, img *image.RGBA) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.fired || !t.mask.Has(dir) {
		return false
	}
	t.neighbors[dir] = img
	return t.checkReadyLocked()
}

// MarkAbsent records that the neighbor in dir will never arrive (its
// fetch or decode failed); the matching border cells stay unwritten.
// Like AddNeighbor, it returns true exactly once, when every still-
// expected neighbor has arrived.
func (t *Tracker) MarkAbsent(dir tiling.Direction) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.fired || !t.mask.Has(dir) {
		return false
	}
	t.mask = t.mask.Clear(dir)
	return t.checkReadyLocked()
}

func (t *Tracker) checkReadyLocked() bool {
	for _, d := range t.mask.Directions() {
		if _, ok := t.neighbors[d]; !ok {
			return false
		}
	}
	t.fired = true
	return true
}

// Stitch fuses the tracked center tile with its accumulated neighbors.
// Meaningful only after AddNeighbor/MarkAbsent has reported readiness.
func (t *Tracker) Stitch() *Heightmap {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Stitch(t.center, t.mask, t.neighbors)
}

// Stitch produces an (inner+2) x (inner+2) float grid from center, with
// the outer ring filled by averaging center's edge pixel with the
// matching edge of whichever neighbors are present in mask. A neighbor
// absent from mask (or from neighbors) leaves its border cells
// unwritten.
func Stitch(center *image.RGBA, mask tiling.NeighborMask, neighbors map[tiling.Direction]*image.RGBA) *Heightmap {
	b := center.Bounds()
	inner := b.Dx()
	size := inner + 2

	out := &Heightmap{Width: size, Height: size, Values: make([]float32, size*size), HasBorders: true,
		Min: float32(math.Inf(1)), Max: float32(math.Inf(-1))}

	centerElev := func(x, y int) float32 {
		i := center.PixOffset(b.Min.X+x, b.Min.Y+y)
		return elevation(center.Pix[i], center.Pix[i+1], center.Pix[i+2])
	}
	neighborElev := func(img *image.RGBA, x, y int) float32 {
		nb := img.Bounds()
		i := img.PixOffset(nb.Min.X+x, nb.Min.Y+y)
		return elevation(img.Pix[i], img.Pix[i+1], img.Pix[i+2])
	}

	// Interior: direct copy, offset by 1,1 into the bordered grid.
	for y := 0; y < inner; y++ {
		for x := 0; x < inner; x++ {
			out.set(x+1, y+1, centerElev(x, y))
		}
	}

	// Cardinal edges: average this tile's edge row/column with the
	// neighbor's opposite edge.
	if img, ok := neighbors[tiling.North]; ok && mask.Has(tiling.North) {
		for x := 0; x < inner; x++ {
			v := (centerElev(x, 0) + neighborElev(img, x, inner-1)) / 2
			out.set(x+1, 0, v)
		}
	}
	if img, ok := neighbors[tiling.South]; ok && mask.Has(tiling.South) {
		for x := 0; x < inner; x++ {
			v := (centerElev(x, inner-1) + neighborElev(img, x, 0)) / 2
			out.set(x+1, size-1, v)
		}
	}
	if img, ok := neighbors[tiling.West]; ok && mask.Has(tiling.West) {
		for y := 0; y < inner; y++ {
			v := (centerElev(0, y) + neighborElev(img, inner-1, y)) / 2
			out.set(0, y+1, v)
		}
	}
	if img, ok := neighbors[tiling.East]; ok && mask.Has(tiling.East) {
		for y := 0; y < inner; y++ {
			v := (centerElev(inner-1, y) + neighborElev(img, 0, y)) / 2
			out.set(size-1, y+1, v)
		}
	}

	// Corners: average the center's corner pixel with the three
	// adjacent neighbors' corresponding edge pixels, weight 1/4 each.
	stitchCorner(out, 0, 0, centerElev(0, 0), mask, neighbors,
		tiling.North, func(img *image.RGBA) float32 { return neighborElev(img, 0, inner-1) },
		tiling.West, func(img *image.RGBA) float32 { return neighborElev(img, inner-1, 0) },
		tiling.NorthWest, func(img *image.RGBA) float32 { return neighborElev(img, inner-1, inner-1) })

	stitchCorner(out, size-1, 0, centerElev(inner-1, 0), mask, neighbors,
		tiling.North, func(img *image.RGBA) float32 { return neighborElev(img, inner-1, inner-1) },
		tiling.East, func(img *image.RGBA) float32 { return neighborElev(img, 0, 0) },
		tiling.NorthEast, func(img *image.RGBA) float32 { return neighborElev(img, 0, inner-1) })

	stitchCorner(out, 0, size-1, centerElev(0, inner-1), mask, neighbors,
		tiling.South, func(img *image.RGBA) float32 { return neighborElev(img, 0, 0) },
		tiling.West, func(img *image.RGBA) float32 { return neighborElev(img, inner-1, inner-1) },
		tiling.SouthWest, func(img *image.RGBA) float32 { return neighborElev(img, inner-1, 0) })

	stitchCorner(out, size-1, size-1, centerElev(inner-1, inner-1), mask, neighbors,
		tiling.South, func(img *image.RGBA) float32 { return neighborElev(img, inner-1, 0) },
		tiling.East, func(img *image.RGBA) float32 { return neighborElev(img, 0, inner-1) },
		tiling.SouthEast, func(img *image.RGBA) float32 { return neighborElev(img, 0, 0) })

	return out
}

// stitchCorner averages the center corner value with the three
// adjacent-direction neighbor samples, weight 1/4 each. The corner is
// written only when all three neighbors are present; a partial
// neighborhood leaves the cell unwritten (zero-value default), the same
// strict per-direction gating the cardinal edges use.
func stitchCorner(out *Heightmap, ox, oy int, centerVal float32, mask tiling.NeighborMask,
	neighbors map[tiling.Direction]*image.RGBA,
	d1 tiling.Direction, f1 func(*image.RGBA) float32,
	d2 tiling.Direction, f2 func(*image.RGBA) float32,
	d3 tiling.Direction, f3 func(*image.RGBA) float32,
) {
	img1, ok1 := neighbors[d1]
	img2, ok2 := neighbors[d2]
	img3, ok3 := neighbors[d3]
	if !ok1 || !mask.Has(d1) || !ok2 || !mask.Has(d2) || !ok3 || !mask.Has(d3) {
		return
	}
	out.set(ox, oy, (centerVal+f1(img1)+f2(img2)+f3(img3))/4)
}

// Rescale performs nearest-integer downsampling to width/divisor x
// height/divisor. Border-bearing heightmaps refuse rescale, to avoid
// destroying the carefully-assembled stitched edge.
func (h *Heightmap) Rescale(divisor int) (*Heightmap, error) {
	if h.HasBorders {
		return nil, ErrBorderedRescale
	}
	if divisor <= 0 || h.Width%divisor != 0 || h.Height%divisor != 0 {
		return nil, ErrNonDivisibleRescale
	}

	w, hh := h.Width/divisor, h.Height/divisor
	out := &Heightmap{Width: w, Height: hh, Values: make([]float32, w*hh), Min: float32(math.Inf(1)), Max: float32(math.Inf(-1))}
	for y := 0; y < hh; y++ {
		for x := 0; x < w; x++ {
			out.set(x, y, h.at(x*divisor, y*divisor))
		}
	}
	return out, nil
}

// rescaleErr is a trivial sentinel error type, a plain string-backed
// error rather than a structured error package.
type rescaleErr string

func (e rescaleErr) Error() string { return string(e) }

var (
	ErrBorderedRescale     = rescaleErr("heightmap: cannot rescale a bordered heightmap")
	ErrNonDivisibleRescale = rescaleErr("heightmap: divisor does not evenly divide dimensions")
)
