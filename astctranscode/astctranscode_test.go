package astctranscode

import (
	"bytes"
	"crypto/md5"
	"image"
	"image/color"
	"path/filepath"
	"testing"

	"github.com/paoletto/tileforge/astccache"
)

// countingEncoder is a fake Encoder that records every call and returns
// a deterministic blob derived from the input dimensions.
type countingEncoder struct {
	calls int
}

func (e *countingEncoder) Encode(rgba []byte, width, height int, blockX, blockY uint8, quality float32) ([]byte, error) {
	e.calls++
	return []byte{byte(width >> 8), byte(width), byte(height >> 8), byte(height)}, nil
}

func solidImage(size int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

func openTestCache(t *testing.T) *astccache.Cache {
	t.Helper()
	c, err := astccache.Open(filepath.Join(t.TempDir(), "astc.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func testConfig() Config {
	return Config{BlockX: 8, BlockY: 8, Quality: 60, BlockMin: 8}
}

func TestTranscodeMipChain(t *testing.T) {
	enc := &countingEncoder{}
	tr, err := NewTranscoder(enc, openTestCache(t))
	if err != nil {
		t.Fatal(err)
	}

	img := solidImage(64, color.RGBA{R: 50, G: 60, B: 70, A: 255})
	sum := md5.Sum(img.Pix)

	chain, err := tr.Transcode(img, sum, 1, 2, 3, testConfig())
	if err != nil {
		t.Fatal(err)
	}

	// 64 -> 32 -> 16 -> 8, largest first.
	wantDims := []int{64, 32, 16, 8}
	if len(chain) != len(wantDims) {
		t.Fatalf("chain has %d mips, want %d", len(chain), len(wantDims))
	}
	for i, want := range wantDims {
		if chain[i].Width != want || chain[i].Height != want {
			t.Errorf("mip %d is %dx%d, want %dx%d", i, chain[i].Width, chain[i].Height, want, want)
		}
		if chain[i].BlockX != 8 || chain[i].BlockY != 8 {
			t.Errorf("mip %d block = %dx%d, want 8x8", i, chain[i].BlockX, chain[i].BlockY)
		}
	}
	if enc.calls != len(wantDims) {
		t.Errorf("encoder called %d times, want %d", enc.calls, len(wantDims))
	}
}

// TestTranscodeCacheHitSkipsEncode: a hit strictly
// skips re-encoding; a miss always leads to an insert on success.
func TestTranscodeCacheHitSkipsEncode(t *testing.T) {
	cache := openTestCache(t)
	enc := &countingEncoder{}
	tr, err := NewTranscoder(enc, cache)
	if err != nil {
		t.Fatal(err)
	}

	img := solidImage(32, color.RGBA{R: 1, A: 255})
	sum := md5.Sum(img.Pix)

	first, err := tr.Transcode(img, sum, 0, 0, 0, testConfig())
	if err != nil {
		t.Fatal(err)
	}
	callsAfterFirst := enc.calls

	// Every produced mip must now be present in the cache.
	for _, mip := range first {
		key := astccache.Key{MD5: sum, BlockX: 8, BlockY: 8, Quality: 60, Width: mip.Width, Height: mip.Height}
		data, err := cache.Get(key)
		if err != nil {
			t.Fatal(err)
		}
		if data == nil {
			t.Errorf("mip %dx%d missing from cache after miss-path encode", mip.Width, mip.Height)
		}
	}

	second, err := tr.Transcode(img, sum, 0, 0, 0, testConfig())
	if err != nil {
		t.Fatal(err)
	}

	if enc.calls != callsAfterFirst {
		t.Errorf("second transcode re-encoded: %d calls, want %d", enc.calls, callsAfterFirst)
	}
	if len(second) != len(first) {
		t.Fatalf("second chain has %d mips, want %d", len(second), len(first))
	}
	for i := range first {
		if !bytes.Equal(first[i].Data, second[i].Data) {
			t.Errorf("mip %d differs between cached and encoded runs", i)
		}
	}
}

func TestHalveBoxFilter(t *testing.T) {
	// 2x2 distinct values collapse to their average.
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	img.SetRGBA(0, 0, color.RGBA{R: 10, A: 255})
	img.SetRGBA(1, 0, color.RGBA{R: 20, A: 255})
	img.SetRGBA(0, 1, color.RGBA{R: 30, A: 255})
	img.SetRGBA(1, 1, color.RGBA{R: 40, A: 255})

	half := halveBoxFilter(img)
	if b := half.Bounds(); b.Dx() != 1 || b.Dy() != 1 {
		t.Fatalf("halved to %dx%d, want 1x1", b.Dx(), b.Dy())
	}
	if got := half.RGBAAt(0, 0); got != (color.RGBA{R: 25, A: 255}) {
		t.Errorf("box average = %v, want R=25 A=255", got)
	}
}

func TestWriteHeader(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteHeader(&buf, 8, 8, 1, 256, 256, 1); err != nil {
		t.Fatal(err)
	}

	got := buf.Bytes()
	want := []byte{
		0x13, 0xAB, 0xA1, 0x5C, // magic, little-endian
		8, 8, 1, // block dims
		0x00, 0x01, 0x00, // dim_x = 256, 3-byte LE
		0x00, 0x01, 0x00, // dim_y = 256
		0x01, 0x00, 0x00, // dim_z = 1
	}
	if !bytes.Equal(got, want) {
		t.Errorf("header = % x, want % x", got, want)
	}
}

func TestNewTranscoderRequiresEncoder(t *testing.T) {
	if _, err := NewTranscoder(nil, nil); err == nil {
		t.Error("nil encoder must be rejected at construction")
	}
}
