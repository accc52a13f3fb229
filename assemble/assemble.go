// Package assemble implements the reply assembler: it turns raw
// PNG bytes from the throttled fetcher into decoded tile images,
// picking one of three branches by comparing a reply's source zoom
// against its request's destination zoom:
//
//   - z == d: decode and emit directly.
//   - z >  d: accumulate subtiles in a per-destination-key bucket until
//     complete, then paste into a destination-zoom canvas and write
//     through to the compound-tile cache.
//   - z <  d: decode and partition into per-subtile pixel windows.
package assemble

import (
	"bytes"
	"crypto/md5"
	"fmt"
	"image"
	"image/draw"
	"image/png"
	"sync"

	xdraw "golang.org/x/image/draw"

	"github.com/paoletto/tileforge/compoundcache"
	"github.com/paoletto/tileforge/tferrors"
	"github.com/paoletto/tileforge/tiling"
)

const TileSize = 256

// Tile is a decoded raster tile: RGBA8 pixels plus its content
// fingerprint (MD5 of the raw RGBA bytes, invariant: always recomputed
// from Pixels, never trusted from upstream).
type Tile struct {
	Key    tiling.TileKey
	Pixels *image.RGBA
	MD5    [16]byte
}

func fingerprint(img *image.RGBA) [16]byte {
	return md5.Sum(img.Pix)
}

// flipY flips an RGBA image vertically in place, applied to raster
// tiles on emit (DEM tiles keep the source orientation).
func flipY(img *image.RGBA) {
	b := img.Bounds()
	stride := img.Stride
	tmp := make([]byte, stride)
	for y0, y1 := b.Min.Y, b.Max.Y-1; y0 < y1; y0, y1 = y0+1, y1-1 {
		row0 := img.Pix[(y0-b.Min.Y)*stride : (y0-b.Min.Y)*stride+stride]
		row1 := img.Pix[(y1-b.Min.Y)*stride : (y1-b.Min.Y)*stride+stride]
		copy(tmp, row0)
		copy(row0, row1)
		copy(row1, tmp)
	}
}

// DecodePNG decodes raw bytes into an RGBA8 image, erroring with a
// DecodeError on malformed input or unexpected dimensions.
func DecodePNG(body []byte, expectSize int) (*image.RGBA, error) {
	img, err := png.Decode(bytes.NewReader(body))
	if err != nil {
		return nil, &tferrors.DecodeError{Context: "png decode", Err: err}
	}

	b := img.Bounds()
	if expectSize > 0 && (b.Dx() != expectSize || b.Dy() != expectSize) {
		return nil, &tferrors.DecodeError{Context: "png decode", Err: fmt.Errorf("unexpected tile size %dx%d, want %dx%d", b.Dx(), b.Dy(), expectSize, expectSize)}
	}

	rgba := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(rgba, rgba.Bounds(), img, b.Min, draw.Src)
	return rgba, nil
}

// DirectResult is the output of the z == d branch: a ready tile, flipped
// for raster display.
type DirectResult struct {
	Tile Tile
}

// Direct decodes body and emits the ready tile, with the Y axis flipped
// for raster display.
func Direct(key tiling.TileKey, body []byte) (DirectResult, error) {
	img, err := DecodePNG(body, TileSize)
	if err != nil {
		return DirectResult{}, err
	}
	flipY(img)
	return DirectResult{Tile: Tile{Key: key, Pixels: img, MD5: fingerprint(img)}}, nil
}

// Bucket accumulates subtile replies for one destination-zoom compound
// tile until it is complete, keyed on the destination key.
type Bucket struct {
	mu       sync.Mutex
	Dest     tiling.TileKey
	SourceZ  uint8
	want     int
	flip     bool
	subtiles map[tiling.TileKey]*image.RGBA
}

// NewBucket creates a partial-tile bucket expecting want subtiles. flip
// selects the raster y-flip on assembly; DEM buckets pass false so the
// stitcher sees source orientation.
func NewBucket(dest tiling.TileKey, sourceZoom uint8, want int, flip bool) *Bucket {
	return &Bucket{Dest: dest, SourceZ: sourceZoom, want: want, flip: flip, subtiles: make(map[tiling.TileKey]*image.RGBA, want)}
}

// Add deposits one decoded subtile. It returns (tile, true) once the
// bucket has received all `want` subtiles, assembling them into the
// destination-zoom canvas; otherwise it returns (Tile{}, false).
func (b *Bucket) Add(key tiling.TileKey, img *image.RGBA) (Tile, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.subtiles[key] = img
	if len(b.subtiles) < b.want {
		return Tile{}, false
	}

	return b.assembleLocked(), true
}

// assembleLocked pastes every accumulated subtile into the destination
// canvas at its computed placement: ((k.x - minX) * subRes, (k.y -
// minY) * subRes).
func (b *Bucket) assembleLocked() Tile {
	var minX, minY uint64
	first := true
	for k := range b.subtiles {
		if first {
			minX, minY = k.X, k.Y
			first = false
			continue
		}
		if k.X < minX {
			minX = k.X
		}
		if k.Y < minY {
			minY = k.Y
		}
	}

	shift := uint(b.SourceZ - b.Dest.Z)
	n := 1 << shift
	subRes := TileSize / n
	canvasSize := TileSize

	canvas := image.NewRGBA(image.Rect(0, 0, canvasSize, canvasSize))
	for k, img := range b.subtiles {
		ox := int(k.X-minX) * subRes
		oy := int(k.Y-minY) * subRes
		dstRect := image.Rect(ox, oy, ox+subRes, oy+subRes)
		scaled := resizeNearest(img, subRes, subRes)
		draw.Draw(canvas, dstRect, scaled, image.Point{}, draw.Src)
	}

	if b.flip {
		flipY(canvas)
	}
	return Tile{Key: b.Dest, Pixels: canvas, MD5: fingerprint(canvas)}
}

// resizeNearest performs nearest-neighbor resampling: it shrinks a
// subtile to fit its destination-canvas cell when compounding, and Split
// uses it to scale each carved sub-image back up to 256px.
func resizeNearest(src *image.RGBA, w, h int) *image.RGBA {
	sb := src.Bounds()
	if sb.Dx() == w && sb.Dy() == h {
		return src
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	xdraw.NearestNeighbor.Scale(dst, dst.Bounds(), src, sb, xdraw.Src, nil)
	return dst
}

// WriteThrough persists an assembled raster tile to the compound-tile
// cache under its destination key. Splits are never written through —
// a subdivided tile's pixels are a lossy nearest-neighbor upscale of
// its source, not something worth caching at the destination zoom.
func WriteThrough(ctc *compoundcache.Cache, urlTemplate string, dest tiling.TileKey, sourceZoom uint8, t Tile) error {
	if ctc == nil {
		return nil
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, t.Pixels); err != nil {
		return &tferrors.DecodeError{Context: "png encode for write-through", Err: err}
	}

	_, err := ctc.Put(compoundcache.Key{
		URLTemplate: urlTemplate,
		X:           dest.X,
		Y:           dest.Y,
		SourceZoom:  sourceZoom,
		DestZoom:    dest.Z,
	}, buf.Bytes())
	return err
}

// Split partitions a decoded source tile into 2^(d-z) x 2^(d-z)
// sub-images, each with its own synthesized key and MD5, for the
// destination-zoom-above-source-zoom case. Splits are pixelated
// (nearest-neighbor) and are never written through to the compound
// cache, though each sub-image's MD5 is still computed so fingerprint
// uniqueness holds for every emitted tile.
func Split(img *image.RGBA, source tiling.TileKey, destZoom uint8) []Tile {
	shift := destZoom - source.Z
	n := 1 << shift
	subRes := TileSize / n

	out := make([]Tile, 0, n*n)
	children := source.Children(destZoom)
	for _, dest := range children {
		localX := int(dest.X - source.X<<shift)
		localY := int(dest.Y - source.Y<<shift)
		rect := image.Rect(localX*subRes, localY*subRes, (localX+1)*subRes, (localY+1)*subRes)
		sub := image.NewRGBA(image.Rect(0, 0, subRes, subRes))
		draw.Draw(sub, sub.Bounds(), img, rect.Min, draw.Src)
		upscaled := resizeNearest(sub, TileSize, TileSize)
		out = append(out, Tile{Key: dest, Pixels: upscaled, MD5: fingerprint(upscaled)})
	}
	return out
}
