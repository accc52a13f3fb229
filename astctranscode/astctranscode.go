// Package astctranscode implements the raster->ASTC transcoder: it
// produces a mip chain of ASTC-compressed textures for a tile,
// consulting the ASTC block cache before encoding and inserting after
// encoding on a miss.
//
// The real ASTC encoder is consumed only as a pure function
// (rgba_bytes, block_dims, quality) -> astc_block_bytes, modeled here
// as the narrow Encoder interface, so the rest of the package never
// sees codec state.
package astctranscode

import (
	"encoding/binary"
	"fmt"
	"image"
	"image/color"
	"io"
	"log"

	"github.com/paoletto/tileforge/astccache"
)

// MagicHeader is the ASTC file header magic number written before
// transcoded blocks.
const MagicHeader uint32 = 0x5CA1AB13

// Encoder is the narrow contract this package consumes the real ASTC
// encoder through: pure function (rgba, dims, block, quality) -> bytes.
// Satisfied in this repo by astctranscode/native's cgo adapter over
// github.com/arm-software/astc-encoder.
type Encoder interface {
	Encode(rgba []byte, width, height int, blockX, blockY uint8, quality float32) ([]byte, error)
}

// MipLevel is one level of an ASTC-compressed mip chain.
type MipLevel struct {
	Width, Height  int
	BlockX, BlockY uint8
	Data           []byte
}

// MipChain is the ordered mip list, largest first.
type MipChain []MipLevel

// Config identifies one transcode request's block size and quality,
// also used as the astccache lookup dimension (along with content MD5
// and per-mip width/height).
type Config struct {
	BlockX, BlockY uint8
	Quality        float32
	BlockMin       int // stop halving once min(w,h) < BlockMin
}

// Transcoder produces mip chains, consulting/populating an ASTC block
// cache. Per-configuration encoder contexts are the Encoder
// implementation's concern (the native adapter keeps one per
// (block, quality) pair); the Transcoder itself is stateless beyond its
// two handles.
type Transcoder struct {
	encoder Encoder
	cache   *astccache.Cache
}

// NewTranscoder constructs a Transcoder. Failure to initialize enc is
// the only fatal construction path; everything downstream of a
// constructed Transcoder degrades to cache misses or logged errors
// rather than aborting.
func NewTranscoder(enc Encoder, cache *astccache.Cache) (*Transcoder, error) {
	if enc == nil {
		return nil, fmt.Errorf("astctranscode: nil encoder")
	}
	return &Transcoder{encoder: enc, cache: cache}, nil
}

// Transcode produces the full mip chain for img, identified by md5 and
// tile coordinate hint (x, y, z) for cache sharding/purging. A cache
// hit strictly skips re-encoding that mip; a miss always leads to an
// insert on success.
func (t *Transcoder) Transcode(img *image.RGBA, md5 [16]byte, x, y uint64, z uint8, cfg Config) (MipChain, error) {
	if cfg.BlockMin == 0 {
		cfg.BlockMin = int(cfg.BlockX)
	}

	var chain MipChain
	cur := img
	for min(cur.Bounds().Dx(), cur.Bounds().Dy()) >= cfg.BlockMin {
		w, h := cur.Bounds().Dx(), cur.Bounds().Dy()

		key := astccache.Key{MD5: md5, BlockX: cfg.BlockX, BlockY: cfg.BlockY, Quality: cfg.Quality, Width: w, Height: h}

		var data []byte
		if t.cache != nil {
			var err error
			data, err = t.cache.Get(key)
			if err != nil {
				data = nil // CacheError: fall through to encode
			}
		}

		if data == nil {
			var err error
			data, err = t.encoder.Encode(cur.Pix, w, h, cfg.BlockX, cfg.BlockY, cfg.Quality)
			if err != nil {
				return nil, fmt.Errorf("astctranscode: encode %dx%d: %w", w, h, err)
			}
			if t.cache != nil {
				if putErr := t.cache.Put(key, astccache.Hint{X: x, Y: y, Z: z}, data); putErr != nil {
					log.Printf("astctranscode: warning: cache insert %dx%d: %v", w, h, putErr)
				}
			}
		}

		chain = append(chain, MipLevel{Width: w, Height: h, BlockX: cfg.BlockX, BlockY: cfg.BlockY, Data: data})

		if min(w, h)/2 < cfg.BlockMin {
			break
		}
		cur = halveBoxFilter(cur)
	}

	return chain, nil
}

// halveBoxFilter halves an RGBA image via 2x2 box averaging.
func halveBoxFilter(src *image.RGBA) *image.RGBA {
	sb := src.Bounds()
	w, h := sb.Dx()/2, sb.Dy()/2
	dst := image.NewRGBA(image.Rect(0, 0, w, h))

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			sx, sy := sb.Min.X+x*2, sb.Min.Y+y*2
			var r, g, b, a uint32
			for _, o := range [4][2]int{{0, 0}, {1, 0}, {0, 1}, {1, 1}} {
				c := src.RGBAAt(sx+o[0], sy+o[1])
				r += uint32(c.R)
				g += uint32(c.G)
				b += uint32(c.B)
				a += uint32(c.A)
			}
			dst.SetRGBA(x, y, color.RGBA{R: uint8(r / 4), G: uint8(g / 4), B: uint8(b / 4), A: uint8(a / 4)})
		}
	}
	return dst
}

// WriteHeader writes the ASTC file header: the 0x5CA1AB13 magic
// (little-endian), 1-byte block_x/block_y/block_z, and three 3-byte LE
// dims dim_x/dim_y/dim_z.
func WriteHeader(w io.Writer, blockX, blockY, blockZ uint8, dimX, dimY, dimZ uint32) error {
	var hdr [16]byte
	binary.LittleEndian.PutUint32(hdr[0:4], MagicHeader)
	hdr[4], hdr[5], hdr[6] = blockX, blockY, blockZ
	put3(hdr[7:10], dimX)
	put3(hdr[10:13], dimY)
	put3(hdr[13:16], dimZ)
	_, err := w.Write(hdr[:])
	return err
}

func put3(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
}
