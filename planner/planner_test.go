package planner

import (
	"bytes"
	"image"
	"image/png"
	"path/filepath"
	"testing"

	"github.com/paulmach/orb"

	"github.com/paoletto/tileforge/compoundcache"
	"github.com/paoletto/tileforge/tiling"
)

var world = []orb.Point{{-180, -85}, {180, -85}, {180, 85}, {-180, 85}}

func worldPolygon(source, dest uint8) tiling.Polygon {
	return tiling.Polygon{Coords: world, SourceZoom: source, DestZoom: dest}
}

func planKeys(p Plan) map[tiling.TileKey]bool {
	out := make(map[tiling.TileKey]bool)
	for _, pt := range p.NetworkTiles {
		out[pt.Key] = true
	}
	return out
}

func TestPlanDirect(t *testing.T) {
	plan, err := PlanRequest(worldPolygon(1, 1), "t", nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(plan.Splits) != 0 {
		t.Fatalf("z == d plan has %d splits, want 0", len(plan.Splits))
	}
	if len(plan.NetworkTiles) != 4 {
		t.Fatalf("world at z=d=1 plans %d tiles, want 4", len(plan.NetworkTiles))
	}
	for _, pt := range plan.NetworkTiles {
		if pt.CachedDest != nil {
			t.Errorf("tile %v marked cached with nil cache", pt.Key)
		}
		if pt.Key.Z != 1 {
			t.Errorf("tile %v planned at wrong zoom", pt.Key)
		}
	}
}

// TestPlanExpansion verifies the refinement property: every destination
// tile missing from the cache expands into exactly its (2^(z-d))^2
// source-zoom children, and nothing else.
func TestPlanExpansion(t *testing.T) {
	plan, err := PlanRequest(worldPolygon(3, 1), "t", nil)
	if err != nil {
		t.Fatal(err)
	}

	// 4 destination tiles at z1, each refined 4x4 at z3.
	if len(plan.NetworkTiles) != 64 {
		t.Fatalf("planned %d network tiles, want 64", len(plan.NetworkTiles))
	}

	keys := planKeys(plan)
	for y := uint64(0); y < 2; y++ {
		for x := uint64(0); x < 2; x++ {
			dest := tiling.TileKey{X: x, Y: y, Z: 1}
			for _, child := range dest.Children(3) {
				if !keys[child] {
					t.Errorf("missing subtile %v of destination %v", child, dest)
				}
			}
		}
	}
}

func TestPlanNeighborMaskMatchesSet(t *testing.T) {
	plan, err := PlanRequest(worldPolygon(2, 2), "t", nil)
	if err != nil {
		t.Fatal(err)
	}

	keys := planKeys(plan)
	for _, pt := range plan.NetworkTiles {
		want := tiling.ComputeNeighborMask(pt.Key, func(k tiling.TileKey) bool { return keys[k] })
		if pt.NeighborMask != want {
			t.Errorf("tile %v mask = %08b, want %08b", pt.Key, pt.NeighborMask, want)
		}
	}
}

func TestPlanCTCHit(t *testing.T) {
	ctc, err := compoundcache.Open(filepath.Join(t.TempDir(), "ctc.db"), 10)
	if err != nil {
		t.Fatal(err)
	}
	defer ctc.Close()

	// Pre-populate the cache for destination tile 1/0/0 only.
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 256, 256))); err != nil {
		t.Fatal(err)
	}
	if _, err := ctc.Put(compoundcache.Key{URLTemplate: "t", X: 0, Y: 0, SourceZoom: 3, DestZoom: 1}, buf.Bytes()); err != nil {
		t.Fatal(err)
	}

	plan, err := PlanRequest(worldPolygon(3, 1), "t", ctc)
	if err != nil {
		t.Fatal(err)
	}

	var cached, network int
	for _, pt := range plan.NetworkTiles {
		if pt.CachedDest != nil {
			cached++
			if *pt.CachedDest != (tiling.TileKey{X: 0, Y: 0, Z: 1}) {
				t.Errorf("cached dest = %v, want 1/0/0", *pt.CachedDest)
			}
		} else {
			network++
		}
	}

	if cached != 1 {
		t.Errorf("cached tiles = %d, want 1", cached)
	}
	// Three remaining destinations, 16 subtiles each.
	if network != 48 {
		t.Errorf("network tiles = %d, want 48", network)
	}
}

func TestPlanSplit(t *testing.T) {
	poly := tiling.Polygon{Coords: world, SourceZoom: 1, DestZoom: 3}

	plan, err := PlanRequest(poly, "t", nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(plan.NetworkTiles) != 0 {
		t.Fatalf("split plan has %d network tiles, want 0", len(plan.NetworkTiles))
	}
	// 4 source tiles, each split 4x4.
	if len(plan.Splits) != 64 {
		t.Fatalf("planned %d splits, want 64", len(plan.Splits))
	}

	destSeen := make(map[tiling.TileKey]bool)
	for _, s := range plan.Splits {
		if s.Dest.Z != 3 || s.Source.Z != 1 {
			t.Errorf("split %v has wrong zooms", s)
		}
		if s.Dest.Parent(1) != s.Source {
			t.Errorf("split dest %v not a child of source %v", s.Dest, s.Source)
		}
		if s.PixelSize != [2]int{64, 64} {
			t.Errorf("split pixel size = %v, want 64x64", s.PixelSize)
		}
		if s.PixelOrigin[0]%64 != 0 || s.PixelOrigin[1]%64 != 0 {
			t.Errorf("split pixel origin %v not on the subtile grid", s.PixelOrigin)
		}
		if destSeen[s.Dest] {
			t.Errorf("destination %v emitted twice", s.Dest)
		}
		destSeen[s.Dest] = true
	}
}

func TestPlanEmptyPolygon(t *testing.T) {
	poly := tiling.Polygon{SourceZoom: 2, DestZoom: 2}
	plan, err := PlanRequest(poly, "t", nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(plan.NetworkTiles) != 0 || len(plan.Splits) != 0 {
		t.Errorf("empty polygon planned %d tiles, %d splits; want none",
			len(plan.NetworkTiles), len(plan.Splits))
	}
}

func TestCoverageZoom(t *testing.T) {
	keys := []tiling.TileKey{
		{X: 0, Y: 0, Z: 4},
		{X: 15, Y: 15, Z: 4},
	}

	// At z4 the rectangle is 16x16 tiles = 4096px per axis; at z3 it is
	// 8x8 = 2048px.
	if got := CoverageZoom(keys, 256, 4096, 4); got != 4 {
		t.Errorf("CoverageZoom(max 4096) = %d, want 4", got)
	}
	if got := CoverageZoom(keys, 256, 2048, 4); got != 3 {
		t.Errorf("CoverageZoom(max 2048) = %d, want 3", got)
	}
	if got := CoverageZoom(nil, 256, 4096, 4); got != 1 {
		t.Errorf("CoverageZoom(no tiles) = %d, want 1", got)
	}
}

func TestCoverageZoomForPolygon(t *testing.T) {
	poly := worldPolygon(1, 1)

	// World coverage: z1 is 2 tiles per axis (512px), z2 is 4 (1024px),
	// z4 is 16 (4096px), z5 would be 8192px.
	if got := CoverageZoomForPolygon(poly, 256, 4096, 20); got != 4 {
		t.Errorf("CoverageZoomForPolygon(max 4096) = %d, want 4", got)
	}
	if got := CoverageZoomForPolygon(poly, 256, 600, 20); got != 1 {
		t.Errorf("CoverageZoomForPolygon(max 600) = %d, want 1", got)
	}
}
