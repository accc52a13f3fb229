// Package tiling holds the shared geo/tile primitives used across the
// fetch pipeline: tile coordinates, neighbor masks and web-mercator
// projection helpers.
package tiling

import (
	"crypto/md5"
	"encoding/binary"
	"fmt"
)

// TileKey identifies a single slippy-map tile in the web-mercator tile
// hierarchy. Equality is structural; ordering is by Z, then Y, then X.
type TileKey struct {
	X uint64
	Y uint64
	Z uint8
}

// Less gives TileKey a total ordering: by Z, then Y, then X.
func (k TileKey) Less(o TileKey) bool {
	if k.Z != o.Z {
		return k.Z < o.Z
	}
	if k.Y != o.Y {
		return k.Y < o.Y
	}
	return k.X < o.X
}

func (k TileKey) String() string {
	return fmt.Sprintf("%d/%d/%d", k.Z, k.X, k.Y)
}

// Hash returns a content-addressable fingerprint of the three fields,
// used as a map/cache key where a comparable struct isn't convenient
// (e.g. as part of a byte-keyed cache row).
func (k TileKey) Hash() [16]byte {
	var buf [17]byte
	binary.LittleEndian.PutUint64(buf[0:8], k.X)
	binary.LittleEndian.PutUint64(buf[8:16], k.Y)
	buf[16] = k.Z
	return md5.Sum(buf[:])
}

// Parent returns the tile's ancestor at zoom dz (dz <= k.Z).
func (k TileKey) Parent(dz uint8) TileKey {
	if dz >= k.Z {
		return k
	}
	shift := uint(k.Z - dz)
	return TileKey{X: k.X >> shift, Y: k.Y >> shift, Z: dz}
}

// Children returns the 2^(dz-k.Z) x 2^(dz-k.Z) descendants of k at zoom
// dz (dz >= k.Z), in row-major order.
func (k TileKey) Children(dz uint8) []TileKey {
	if dz <= k.Z {
		return []TileKey{k}
	}
	shift := uint(dz - k.Z)
	n := uint64(1) << shift
	out := make([]TileKey, 0, n*n)
	baseX := k.X << shift
	baseY := k.Y << shift
	for y := uint64(0); y < n; y++ {
		for x := uint64(0); x < n; x++ {
			out = append(out, TileKey{X: baseX + x, Y: baseY + y, Z: dz})
		}
	}
	return out
}
