// Package planner implements the tile planner: it decomposes a polygon
// + zoom + destination-zoom request into the set of source tiles to
// fetch or serve from the compound-tile cache, plus the neighbor mask
// each tile needs for heightmap stitching.
package planner

import (
	"github.com/paoletto/tileforge/compoundcache"
	"github.com/paoletto/tileforge/tiling"
)

// PlannedTile is one tile to fetch or serve, with the neighbor mask
// computed against the rest of the planned set.
type PlannedTile struct {
	Key          tiling.TileKey
	NeighborMask tiling.NeighborMask
	// CachedDest, when non-nil, is the destination-zoom key this tile
	// should be served from the compound cache under, bypassing network
	// fetch of its source-zoom subtiles entirely.
	CachedDest *tiling.TileKey
}

// SplitTile describes a single output sub-image produced when
// DestZoom > SourceZoom: Dest is the synthesized per-subtile key, and
// PixelOrigin/PixelSize give the pixel-range extraction window within
// the decoded source tile.
type SplitTile struct {
	Source      tiling.TileKey
	Dest        tiling.TileKey
	PixelOrigin [2]int
	PixelSize   [2]int
}

// Plan is the full output of planning one request: either a set of
// network/cache tiles to fetch (assemble or passthrough case), or a set
// of splits (sub-tile rendering case). Exactly one of NetworkTiles or
// Splits is populated, per whether DestZoom <= SourceZoom or > it.
type Plan struct {
	NetworkTiles []PlannedTile
	Splits       []SplitTile
}

// PlanRequest decomposes poly into the tiles to request, consulting ctc
// (which may be nil to force an all-network plan) for each destination
// tile before expanding its source-zoom subtiles.
//
// Planning proceeds in three steps:
//  1. Rasterise the polygon to destination-zoom tiles.
//  2. For each destination tile, probe the compound cache; a hit records a cached-tile
//     job and skips network fetch of its subtiles; a miss expands the
//     tile into its 2^(z-d) x 2^(z-d) source-zoom subtiles.
//  3. Compute each planned tile's NeighborMask against the full planned
//     set (raster paths ignore it; only the heightmap stitcher uses it).
//
// When poly.DestZoom > poly.SourceZoom, tiles are planned at SourceZoom
// and split into sub-images instead (pixel-range extraction, no compound caching).
func PlanRequest(poly tiling.Polygon, urlTemplate string, ctc *compoundcache.Cache) (Plan, error) {
	if poly.DestZoom > poly.SourceZoom {
		return planSplit(poly)
	}
	return planAssembleOrDirect(poly, urlTemplate, ctc)
}

func planAssembleOrDirect(poly tiling.Polygon, urlTemplate string, ctc *compoundcache.Cache) (Plan, error) {
	destTiles := tiling.RasterizeTiles(poly.Coords, poly.DestZoom)
	if len(destTiles) == 0 {
		return Plan{}, nil
	}

	var networkTiles []tiling.TileKey
	var direct []PlannedTile

	for _, dt := range destTiles {
		if poly.DestZoom == poly.SourceZoom {
			// z == d: the destination tile *is* the source tile, no
			// compound assembly or compound-cache lookup applies.
			networkTiles = append(networkTiles, dt)
			continue
		}

		hit, err := probeCTC(ctc, urlTemplate, dt, poly.SourceZoom, poly.DestZoom)
		if err != nil {
			// CacheError: fall through to network path.
			hit = nil
		}
		if hit != nil {
			dtCopy := dt
			direct = append(direct, PlannedTile{Key: dt, CachedDest: &dtCopy})
			continue
		}

		networkTiles = append(networkTiles, dt.Children(poly.SourceZoom)...)
	}

	inSet := make(map[tiling.TileKey]bool, len(networkTiles))
	for _, k := range networkTiles {
		inSet[k] = true
	}

	plan := Plan{NetworkTiles: make([]PlannedTile, 0, len(networkTiles)+len(direct))}
	for _, k := range networkTiles {
		mask := tiling.ComputeNeighborMask(k, func(nk tiling.TileKey) bool { return inSet[nk] })
		plan.NetworkTiles = append(plan.NetworkTiles, PlannedTile{Key: k, NeighborMask: mask})
	}
	plan.NetworkTiles = append(plan.NetworkTiles, direct...)

	return plan, nil
}

func probeCTC(ctc *compoundcache.Cache, urlTemplate string, dt tiling.TileKey, sourceZoom, destZoom uint8) (*compoundcache.Record, error) {
	if ctc == nil {
		return nil, nil
	}
	return ctc.Get(compoundcache.Key{
		URLTemplate: urlTemplate,
		X:           dt.X,
		Y:           dt.Y,
		SourceZoom:  sourceZoom,
		DestZoom:    destZoom,
	})
}

// planSplit handles DestZoom > SourceZoom (sub-tile rendering): each
// source-zoom tile produces 2^(d-z) x 2^(d-z) output sub-images by
// pixel-range extraction.
func planSplit(poly tiling.Polygon) (Plan, error) {
	sourceTiles := tiling.RasterizeTiles(poly.Coords, poly.SourceZoom)
	if len(sourceTiles) == 0 {
		return Plan{}, nil
	}

	shift := poly.DestZoom - poly.SourceZoom
	n := 1 << shift

	const tileSize = 256
	subRes := tileSize / n

	var splits []SplitTile
	for _, src := range sourceTiles {
		children := src.Children(poly.DestZoom)
		for _, dest := range children {
			ox := int(dest.X-src.X<<shift) * subRes
			oy := int(dest.Y-src.Y<<shift) * subRes
			splits = append(splits, SplitTile{
				Source:      src,
				Dest:        dest,
				PixelOrigin: [2]int{ox, oy},
				PixelSize:   [2]int{subRes, subRes},
			})
		}
	}

	return Plan{Splits: splits}, nil
}

// CoverageZoom returns the largest zoom in [1, maxZoom] such that the
// rectangular tile set covering coords keeps its total pixel extent, on
// each axis, at or below maxTotalRes pixels (tileRes pixels per tile
// side).
func CoverageZoom(coords []tiling.TileKey, tileRes, maxTotalRes int, maxZoom uint8) uint8 {
	best := uint8(1)
	for z := uint8(1); z <= maxZoom; z++ {
		minX, minY, maxX, maxY := uint64(0), uint64(0), uint64(0), uint64(0)
		first := true
		for _, k := range coords {
			parent := k.Parent(z)
			if first {
				minX, maxX, minY, maxY = parent.X, parent.X, parent.Y, parent.Y
				first = false
				continue
			}
			if parent.X < minX {
				minX = parent.X
			}
			if parent.X > maxX {
				maxX = parent.X
			}
			if parent.Y < minY {
				minY = parent.Y
			}
			if parent.Y > maxY {
				maxY = parent.Y
			}
		}
		if first {
			break
		}

		widthPx := int(maxX-minX+1) * tileRes
		heightPx := int(maxY-minY+1) * tileRes
		if widthPx > maxTotalRes || heightPx > maxTotalRes {
			break
		}
		best = z
	}
	return best
}

// CoverageZoomForPolygon is the polygon-bounds variant of CoverageZoom:
// it returns the largest zoom in [1, maxZoom] whose rectangular tile
// set over poly's bounding rectangle keeps each axis at or below
// maxTotalRes pixels.
func CoverageZoomForPolygon(poly tiling.Polygon, tileRes, maxTotalRes int, maxZoom uint8) uint8 {
	best := uint8(1)
	for z := uint8(1); z <= maxZoom; z++ {
		minX, minY, maxX, maxY := poly.TileBound(z)
		if int(maxX-minX+1)*tileRes > maxTotalRes || int(maxY-minY+1)*tileRes > maxTotalRes {
			break
		}
		best = z
	}
	return best
}

// CoverageBounds computes the rectangular tile-space bounds (the convex
// hull's bounding rectangle) for a coverage request, forcing rectangular
// tiling.
func CoverageBounds(poly tiling.Polygon, zoom uint8) (minX, minY, maxX, maxY uint64) {
	return poly.TileBound(zoom)
}
