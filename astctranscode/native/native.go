// Package native adapts github.com/arm-software/astc-encoder's cgo
// binding to the astctranscode.Encoder interface. It is the only part
// of this repository that talks to a real ASTC encoder; the rest of
// astctranscode treats encoding as a narrow pure function.
package native

import (
	"fmt"
	"sync"

	"github.com/arm-software/astc-encoder/astc"
	astcnative "github.com/arm-software/astc-encoder/astc/native"
)

// Adapter implements astctranscode.Encoder over the astc-encoder cgo
// binding, keeping one context per (block size, quality) pair so
// repeated encodes at the same configuration don't pay context-init
// cost twice.
type Adapter struct {
	mu       sync.Mutex
	contexts map[contextKey]*astcnative.Context
}

type contextKey struct {
	blockX, blockY uint8
	quality        float32
}

// NewAdapter constructs an Adapter. Contexts are initialized lazily,
// one per configuration, on first use; a failed config init surfaces
// as a per-call error rather than aborting.
func NewAdapter() (*Adapter, error) {
	return &Adapter{contexts: make(map[contextKey]*astcnative.Context)}, nil
}

func (a *Adapter) contextFor(blockX, blockY uint8, quality float32) (*astcnative.Context, error) {
	key := contextKey{blockX, blockY, quality}

	a.mu.Lock()
	defer a.mu.Unlock()

	if ctx, ok := a.contexts[key]; ok {
		return ctx, nil
	}

	cfg, err := astcnative.ConfigInit(astc.ProfileLDRSRGB,
		uint32(blockX), uint32(blockY), 1, quality, astcnative.FlagUseAlphaWeight)
	if err != nil {
		return nil, fmt.Errorf("native: config init (block=%dx%d q=%.1f): %w", blockX, blockY, quality, err)
	}

	ctx, err := astcnative.NewContext(&cfg, 1)
	if err != nil {
		return nil, fmt.Errorf("native: alloc astc context (block=%dx%d q=%.1f): %w", blockX, blockY, quality, err)
	}

	a.contexts[key] = ctx
	return ctx, nil
}

// Encode satisfies astctranscode.Encoder: compresses an RGBA8 image of
// the given dimensions into ASTC blocks at the given block size and
// quality preset.
func (a *Adapter) Encode(rgba []byte, width, height int, blockX, blockY uint8, quality float32) ([]byte, error) {
	ctx, err := a.contextFor(blockX, blockY, quality)
	if err != nil {
		return nil, err
	}

	img := &astcnative.Image{
		DimX:     width,
		DimY:     height,
		DimZ:     1,
		DataType: astcnative.TypeU8,
		DataU8:   rgba,
	}

	out, err := ctx.CompressImage(img, astcnative.SwizzleRGBA, 0)
	if err != nil {
		return nil, fmt.Errorf("native: compress %dx%d: %w", width, height, err)
	}
	return out, nil
}

// Close releases every pooled context.
func (a *Adapter) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()

	for k, ctx := range a.contexts {
		ctx.Close()
		delete(a.contexts, k)
	}
}
