package tileforge

import (
	"crypto/md5"
	"fmt"
	"image"
	"sync"
	"sync/atomic"

	"github.com/paoletto/tileforge/assemble"
	"github.com/paoletto/tileforge/astctranscode"
	"github.com/paoletto/tileforge/compoundcache"
	"github.com/paoletto/tileforge/fetch"
	"github.com/paoletto/tileforge/heightmap"
	"github.com/paoletto/tileforge/planner"
	"github.com/paoletto/tileforge/tferrors"
	"github.com/paoletto/tileforge/tiling"
	"github.com/paoletto/tileforge/workqueue"
)

// neighborWaiter records that trackerKey's stitch tracker still needs a
// neighbor in direction dir, to be resolved once that neighbor tile
// arrives (or its fetch fails).
type neighborWaiter struct {
	trackerKey tiling.TileKey
	dir        tiling.Direction
}

// stitchState pairs a stitch tracker with the completion hook for its
// destination tile; done fires only after the stitched heightmap has
// been delivered, which keeps RequestFinished strictly last.
type stitchState struct {
	tracker *heightmap.Tracker
	done    func()
}

// requestState tracks one in-flight RequestSlippyTiles/RequestCoverage
// call: its assembly buckets, DEM stitch trackers, and the remaining/
// done counters, which only ever move toward completion.
type requestState struct {
	id          uint64
	mode        Mode
	poly        tiling.Polygon
	sourceZoom  uint8
	destZoom    uint8
	urlTemplate string
	isCoverage  bool
	cbs         Callbacks
	astcCfg     astctranscode.Config

	mu        sync.Mutex
	total     int
	done      int
	remaining int

	destSet  map[tiling.TileKey]bool
	doneDest map[tiling.TileKey]bool
	buckets  map[tiling.TileKey]*assemble.Bucket

	trackers  map[tiling.TileKey]*stitchState
	arrived   map[tiling.TileKey]*image.RGBA
	failed    map[tiling.TileKey]bool
	waitingOn map[tiling.TileKey][]neighborWaiter

	coverageBucket *assemble.CoverageBucket
	coverageClip   bool
	coverageMinXY  [2]uint64
}

func (rs *requestState) destMask(dest tiling.TileKey) tiling.NeighborMask {
	return tiling.ComputeNeighborMask(dest, func(k tiling.TileKey) bool { return rs.destSet[k] })
}

// coverageClipWindow computes the polygon's pixel-space bounding
// rectangle on the coverage canvas. The Y range is mirrored because the
// bucket emits the canvas y-flipped while the mercator math runs in
// source orientation.
func (rs *requestState) coverageClipWindow() (image.Point, image.Point) {
	b := rs.poly.Bound()
	x0f, y0f := tiling.LatLonToTileCoords(b.Max[1], b.Min[0], rs.destZoom)
	x1f, y1f := tiling.LatLonToTileCoords(b.Min[1], b.Max[0], rs.destZoom)

	minX, minY := rs.coverageMinXY[0], rs.coverageMinXY[1]
	top := int((y0f - float64(minY)) * assemble.TileSize)
	bottom := int((y1f - float64(minY)) * assemble.TileSize)
	canvasH := rs.coverageBucket.Rows * assemble.TileSize

	min := image.Point{
		X: int((x0f - float64(minX)) * assemble.TileSize),
		Y: canvasH - bottom,
	}
	max := image.Point{
		X: int((x1f - float64(minX)) * assemble.TileSize),
		Y: canvasH - top,
	}
	return min, max
}

func (f *Fetcher) newRequestState(mode Mode, poly tiling.Polygon, tmpl string, cbs Callbacks, isCoverage bool) *requestState {
	return &requestState{
		id:          f.nextID.Add(1),
		mode:        mode,
		poly:        poly,
		sourceZoom:  poly.SourceZoom,
		destZoom:    poly.DestZoom,
		urlTemplate: tmpl,
		isCoverage:  isCoverage,
		cbs:         cbs,
		destSet:     make(map[tiling.TileKey]bool),
		doneDest:    make(map[tiling.TileKey]bool),
		buckets:     make(map[tiling.TileKey]*assemble.Bucket),
		trackers:    make(map[tiling.TileKey]*stitchState),
		arrived:     make(map[tiling.TileKey]*image.RGBA),
		failed:      make(map[tiling.TileKey]bool),
		waitingOn:   make(map[tiling.TileKey][]neighborWaiter),
	}
}

// RequestSlippyTiles plans and dispatches a polygon + zoom request,
// returning a request id immediately. Results arrive on cbs.TileReady,
// one call per destination tile (or per split sub-tile when
// DestZoom > SourceZoom), followed by exactly one cbs.RequestFinished.
func (f *Fetcher) RequestSlippyTiles(poly tiling.Polygon, mode Mode, astcCfg astctranscode.Config, cbs Callbacks) (uint64, error) {
	if !poly.Valid() {
		return 0, &tferrors.ConfigurationError{Context: "invalid request polygon"}
	}
	f.mu.Lock()
	tmpl, maxZoom, overzoom, astcEnabled := f.urlTemplate, f.maxZoom, f.overzoom, f.astcEnabled
	f.mu.Unlock()

	if mode == ModeASTC && !astcEnabled {
		return 0, &tferrors.ConfigurationError{Context: "ASTC mode requested but ASTC is not enabled on this fetcher"}
	}

	if poly.DestZoom > maxZoom && !overzoom {
		return 0, &tferrors.ConfigurationError{Context: fmt.Sprintf("destination zoom %d exceeds max zoom %d and overzoom is disabled", poly.DestZoom, maxZoom)}
	}

	plan, err := planner.PlanRequest(poly, tmpl, f.compoundCache)
	if err != nil {
		return 0, err
	}

	rs := f.newRequestState(mode, poly, tmpl, cbs, false)
	rs.astcCfg = astcCfg

	f.mu.Lock()
	f.requests[rs.id] = rs
	f.mu.Unlock()

	if len(plan.Splits) > 0 {
		f.dispatchSplits(rs, plan.Splits)
	} else {
		f.dispatchNetworkTiles(rs, plan.NetworkTiles)
	}

	return rs.id, nil
}

// RequestCoverage plans and dispatches a rectangular-coverage request:
// every destination-zoom tile inside poly's bounds is stitched into one
// raster image, delivered via a single cbs.CoverageReady call.
func (f *Fetcher) RequestCoverage(poly tiling.Polygon, cbs Callbacks) (uint64, error) {
	if !poly.Valid() {
		return 0, &tferrors.ConfigurationError{Context: "invalid coverage polygon"}
	}

	f.mu.Lock()
	tmpl, maxZoom := f.urlTemplate, f.maxZoom
	f.mu.Unlock()

	zoom := planner.CoverageZoomForPolygon(poly, assemble.TileSize, 4096, maxZoom)

	reqPoly := poly
	reqPoly.SourceZoom, reqPoly.DestZoom = zoom, zoom

	minX, minY, maxX, maxY := planner.CoverageBounds(reqPoly, zoom)

	rs := f.newRequestState(ModeRaster, poly, tmpl, cbs, true)
	rs.destZoom = zoom
	rs.coverageBucket = assemble.NewCoverageBucket(minX, minY, maxX, maxY)
	rs.coverageClip = poly.Clip
	rs.coverageMinXY = [2]uint64{minX, minY}

	f.mu.Lock()
	f.requests[rs.id] = rs
	f.mu.Unlock()

	var keys []tiling.TileKey
	for y := minY; y <= maxY; y++ {
		for x := minX; x <= maxX; x++ {
			keys = append(keys, tiling.TileKey{X: x, Y: y, Z: zoom})
		}
	}

	rs.total = len(keys)
	rs.remaining = len(keys)
	if rs.total == 0 {
		f.finishRequest(rs)
		return rs.id, nil
	}

	expander, _ := fetch.NewTemplateExpander(tmpl)
	for _, k := range keys {
		k := k
		f.tf.Request(&fetch.Request{
			URL: expander.Expand(k.X, k.Y, k.Z), Key: k, DestZoom: zoom, RequestID: rs.id, IsCoverage: true,
			OnDone: func(rep fetch.Reply) { f.onCoverageReply(rs, rep) },
		})
	}

	return rs.id, nil
}

func (f *Fetcher) dispatchNetworkTiles(rs *requestState, tiles []planner.PlannedTile) {
	for _, pt := range tiles {
		if pt.CachedDest != nil {
			rs.destSet[*pt.CachedDest] = true
			continue
		}
		rs.destSet[pt.Key.Parent(rs.destZoom)] = true
	}

	rs.total = len(rs.destSet)
	rs.remaining = len(rs.destSet)
	if rs.total == 0 {
		f.finishRequest(rs)
		return
	}

	expander, _ := fetch.NewTemplateExpander(rs.urlTemplate)
	for _, pt := range tiles {
		pt := pt
		if pt.CachedDest != nil {
			f.wq.Submit(&cachedCompoundJob{f: f, rs: rs, dest: *pt.CachedDest})
			continue
		}
		f.tf.Request(&fetch.Request{
			URL: expander.Expand(pt.Key.X, pt.Key.Y, pt.Key.Z), Key: pt.Key, DestZoom: rs.destZoom,
			RequestID: rs.id, NeighborMask: pt.NeighborMask,
			OnDone: func(rep fetch.Reply) { f.onNetworkReply(rs, rep) },
		})
	}
}

// dispatchSplits issues one network fetch per unique source tile
// backing a set of splits (the z < d planning case): remaining is
// counted in source-fetch units (not output sub-tiles), since that is
// the unit of outstanding network/decode work.
func (f *Fetcher) dispatchSplits(rs *requestState, splits []planner.SplitTile) {
	bySource := make(map[tiling.TileKey][]planner.SplitTile)
	for _, s := range splits {
		bySource[s.Source] = append(bySource[s.Source], s)
	}

	rs.total = len(bySource)
	rs.remaining = len(bySource)
	if rs.total == 0 {
		f.finishRequest(rs)
		return
	}

	expander, _ := fetch.NewTemplateExpander(rs.urlTemplate)
	for src := range bySource {
		src := src
		f.tf.Request(&fetch.Request{
			URL: expander.Expand(src.X, src.Y, src.Z), Key: src, DestZoom: rs.destZoom, RequestID: rs.id,
			OnDone: func(rep fetch.Reply) { f.onSplitReply(rs, rep) },
		})
	}
}

func (f *Fetcher) onNetworkReply(rs *requestState, rep fetch.Reply) {
	if rep.Err != nil {
		logf("tileforge: request %d tile %s: %v", rs.id, rep.Key, rep.Err)
		f.failDest(rs, rep.Key.Parent(rs.destZoom))
		return
	}
	f.wq.Submit(&decodeJob{f: f, rs: rs, rep: rep})
}

func (f *Fetcher) onSplitReply(rs *requestState, rep fetch.Reply) {
	if rep.Err != nil {
		logf("tileforge: request %d split source %s: %v", rs.id, rep.Key, rep.Err)
		f.finishDest(rs, rep.Key)
		return
	}
	f.wq.Submit(&splitDecodeJob{f: f, rs: rs, rep: rep})
}

func (f *Fetcher) onCoverageReply(rs *requestState, rep fetch.Reply) {
	if rep.Err != nil {
		logf("tileforge: request %d coverage tile %s: %v", rs.id, rep.Key, rep.Err)
		f.finishDest(rs, rep.Key)
		return
	}
	f.wq.Submit(&coverageDecodeJob{f: f, rs: rs, rep: rep})
}

// failDest is the error-path counterpart of finishDest: the destination
// counts as done, and in DEM mode the failure is propagated to any
// trackers waiting on it as a neighbor.
func (f *Fetcher) failDest(rs *requestState, dest tiling.TileKey) {
	if rs.mode == ModeDEM {
		f.propagateDEMFailure(rs, dest)
	}
	f.finishDest(rs, dest)
}

// finishDest records one destination's work as complete, exactly once,
// and fires Progress/RequestFinished as the counters dictate; remaining
// only ever decreases.
func (f *Fetcher) finishDest(rs *requestState, dest tiling.TileKey) {
	rs.mu.Lock()
	if rs.doneDest[dest] {
		rs.mu.Unlock()
		return
	}
	if rs.remaining <= 0 {
		rs.mu.Unlock()
		logf("tileforge: %v", &tferrors.InvariantViolation{
			Context: fmt.Sprintf("request %d: completion for %s with no remaining work", rs.id, dest)})
		return
	}
	rs.doneDest[dest] = true
	rs.remaining--
	rs.done++
	done, total, remaining, cbs, id := rs.done, rs.total, rs.remaining, rs.cbs, rs.id
	rs.mu.Unlock()

	if cbs.Progress != nil {
		cbs.Progress(id, done, total)
	}
	if remaining == 0 {
		f.finishRequest(rs)
	}
}

func (f *Fetcher) finishRequest(rs *requestState) {
	if rs.cbs.RequestFinished != nil {
		rs.cbs.RequestFinished(rs.id)
	}
	f.mu.Lock()
	delete(f.requests, rs.id)
	f.mu.Unlock()
}

func (f *Fetcher) bucketFor(rs *requestState, dest tiling.TileKey, want int) *assemble.Bucket {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	b, ok := rs.buckets[dest]
	if !ok {
		b = assemble.NewBucket(dest, rs.sourceZoom, want, rs.mode != ModeDEM)
		rs.buckets[dest] = b
	}
	return b
}

func (f *Fetcher) deliverTile(rs *requestState, key tiling.TileKey, payload TilePayload) {
	if rs.isCoverage {
		return
	}
	if rs.cbs.TileReady != nil {
		rs.cbs.TileReady(rs.id, key, payload)
	}
}

func (f *Fetcher) deliverHeightmap(rs *requestState, key tiling.TileKey, payload TilePayload) {
	if rs.isCoverage {
		return
	}
	if rs.cbs.HeightmapReady != nil {
		rs.cbs.HeightmapReady(rs.id, key, payload)
	}
}

// processTile routes a decoded destination-tile image through the
// mode-specific post-processing step: the three modes differ only in
// the post-assembly job. done is invoked after the tile's delivery has
// completed (synchronously for raster, from the stitch job for a
// bordered DEM tile, from the transcode job for ASTC), so
// RequestFinished is always emitted strictly after every
// TileReady/HeightmapReady for the request.
func (f *Fetcher) processTile(rs *requestState, key tiling.TileKey, img *image.RGBA, sum [16]byte, mask tiling.NeighborMask, done func()) {
	switch rs.mode {
	case ModeDEM:
		f.processDEMTile(rs, key, img, mask, done)
	case ModeASTC:
		f.wq.Submit(&astcJob{f: f, rs: rs, key: key, img: img, md5: sum, done: done})
	default:
		f.deliverTile(rs, key, TilePayload{Raster: &assemble.Tile{Key: key, Pixels: img, MD5: sum}})
		done()
	}
}

// processDEMTile implements neighbor-arrival propagation: a tile
// with no expected neighbors decodes straight to a borderless
// heightmap; otherwise it registers a Tracker, deposits into any
// trackers already waiting on it, and deposits any already-arrived
// neighbors (or records already-failed ones) into its own tracker.
// A tracker that becomes ready is handed to the work queue as a
// stitch job; the tile's done hook fires from that job, after its
// heightmap has been delivered.
func (f *Fetcher) processDEMTile(rs *requestState, key tiling.TileKey, img *image.RGBA, mask tiling.NeighborMask, done func()) {
	if mask == 0 {
		f.deliverHeightmap(rs, key, TilePayload{Heightmap: heightmap.DecodeTerrarium(img)})
		done()
		return
	}

	st := &stitchState{tracker: heightmap.NewTracker(img, mask), done: done}

	rs.mu.Lock()
	rs.trackers[key] = st
	rs.arrived[key] = img
	waiters := rs.waitingOn[key]
	delete(rs.waitingOn, key)

	type readyNeighbor struct {
		dir tiling.Direction
		img *image.RGBA
	}
	var already []readyNeighbor
	var absent []tiling.Direction
	for _, d := range mask.Directions() {
		nk, ok := key.Neighbor(d)
		if !ok {
			continue
		}
		if nimg, ok := rs.arrived[nk]; ok {
			already = append(already, readyNeighbor{dir: d, img: nimg})
		} else if rs.failed[nk] {
			absent = append(absent, d)
		} else {
			rs.waitingOn[nk] = append(rs.waitingOn[nk], neighborWaiter{trackerKey: key, dir: d})
		}
	}
	rs.mu.Unlock()

	for _, n := range already {
		if st.tracker.AddNeighbor(n.dir, n.img) {
			f.wq.Submit(&demStitchJob{f: f, rs: rs, key: key, st: st})
		}
	}
	for _, d := range absent {
		if st.tracker.MarkAbsent(d) {
			f.wq.Submit(&demStitchJob{f: f, rs: rs, key: key, st: st})
		}
	}

	for _, w := range waiters {
		rs.mu.Lock()
		t := rs.trackers[w.trackerKey]
		rs.mu.Unlock()
		if t == nil {
			continue
		}
		if t.tracker.AddNeighbor(w.dir, img) {
			f.wq.Submit(&demStitchJob{f: f, rs: rs, key: w.trackerKey, st: t})
		}
	}
}

// propagateDEMFailure marks a destination tile as permanently missing
// and releases every tracker waiting on it, so a single failed tile
// never strands its neighbors (their borders toward it simply stay
// unwritten).
func (f *Fetcher) propagateDEMFailure(rs *requestState, key tiling.TileKey) {
	rs.mu.Lock()
	rs.failed[key] = true
	waiters := rs.waitingOn[key]
	delete(rs.waitingOn, key)
	rs.mu.Unlock()

	for _, w := range waiters {
		rs.mu.Lock()
		st := rs.trackers[w.trackerKey]
		rs.mu.Unlock()
		if st == nil {
			continue
		}
		if st.tracker.MarkAbsent(w.dir) {
			f.wq.Submit(&demStitchJob{f: f, rs: rs, key: w.trackerKey, st: st})
		}
	}
}

// demStitchJob fuses a ready tracker's center tile with its accumulated
// neighbors and delivers the bordered heightmap.
type demStitchJob struct {
	f   *Fetcher
	rs  *requestState
	key tiling.TileKey
	st  *stitchState
}

func (j *demStitchJob) Priority() int { return workqueue.PriorityDEMStitch }

func (j *demStitchJob) Run() {
	j.f.deliverHeightmap(j.rs, j.key, TilePayload{Heightmap: j.st.tracker.Stitch()})
	j.st.done()
}

type decodeJob struct {
	f   *Fetcher
	rs  *requestState
	rep fetch.Reply
}

func (j *decodeJob) Priority() int { return decodePriority(j.rs.mode == ModeDEM) }

func (j *decodeJob) Run() {
	dest := j.rep.Key.Parent(j.rs.destZoom)

	if j.rs.sourceZoom == j.rs.destZoom {
		var img *image.RGBA
		var sum [16]byte
		if j.rs.mode == ModeDEM {
			decoded, err := assemble.DecodePNG(j.rep.Body, assemble.TileSize)
			if err != nil {
				logf("tileforge: request %d tile %s: %v", j.rs.id, j.rep.Key, err)
				j.f.failDest(j.rs, dest)
				return
			}
			img = decoded
		} else {
			res, err := assemble.Direct(j.rep.Key, j.rep.Body)
			if err != nil {
				logf("tileforge: request %d tile %s: %v", j.rs.id, j.rep.Key, err)
				j.f.finishDest(j.rs, dest)
				return
			}
			img, sum = res.Tile.Pixels, res.Tile.MD5
		}
		j.f.processTile(j.rs, j.rep.Key, img, sum, j.rep.NeighborMask,
			func() { j.f.finishDest(j.rs, dest) })
		return
	}

	img, err := assemble.DecodePNG(j.rep.Body, assemble.TileSize)
	if err != nil {
		logf("tileforge: request %d subtile %s: %v", j.rs.id, j.rep.Key, err)
		j.f.failDest(j.rs, dest)
		return
	}

	shift := j.rs.sourceZoom - j.rs.destZoom
	want := 1 << (2 * shift)
	bucket := j.f.bucketFor(j.rs, dest, want)
	tile, ready := bucket.Add(j.rep.Key, img)
	if !ready {
		return
	}

	if j.rs.mode != ModeDEM {
		if err := assemble.WriteThrough(j.f.compoundCache, j.rs.urlTemplate, dest, j.rs.sourceZoom, tile); err != nil {
			logf("tileforge: request %d write-through %s: %v", j.rs.id, dest, err)
		}
	}

	mask := j.rs.destMask(dest)
	j.f.processTile(j.rs, dest, tile.Pixels, tile.MD5, mask,
		func() { j.f.finishDest(j.rs, dest) })
}

// cachedCompoundJob decodes a compound-cache hit off the network's hot
// path at workqueue.PriorityCachedCompound, which ranks below raster
// decode and level with ASTC encoding, and above all DEM work.
type cachedCompoundJob struct {
	f    *Fetcher
	rs   *requestState
	dest tiling.TileKey
}

func (j *cachedCompoundJob) Priority() int { return workqueue.PriorityCachedCompound }

func (j *cachedCompoundJob) Run() {
	rec, err := j.f.compoundCache.Get(compoundcache.Key{
		URLTemplate: j.rs.urlTemplate, X: j.dest.X, Y: j.dest.Y,
		SourceZoom: j.rs.sourceZoom, DestZoom: j.rs.destZoom,
	})
	if err != nil || rec == nil {
		logf("tileforge: request %d cached tile %s missing on redo: %v", j.rs.id, j.dest, err)
		j.f.failDest(j.rs, j.dest)
		return
	}

	img, err := assemble.DecodePNG(rec.PNG, assemble.TileSize)
	if err != nil {
		logf("tileforge: request %d cached tile %s: %v", j.rs.id, j.dest, err)
		j.f.failDest(j.rs, j.dest)
		return
	}

	// The emitted fingerprint is always the MD5 of the raw RGBA bytes,
	// matching what the assemble path emitted when this tile was first
	// built; rec.MD5 fingerprints the PNG blob and only guards the
	// cache row itself.
	mask := j.rs.destMask(j.dest)
	j.f.processTile(j.rs, j.dest, img, md5.Sum(img.Pix), mask,
		func() { j.f.finishDest(j.rs, j.dest) })
}

type splitDecodeJob struct {
	f   *Fetcher
	rs  *requestState
	rep fetch.Reply
}

func (j *splitDecodeJob) Priority() int { return decodePriority(j.rs.mode == ModeDEM) }

func (j *splitDecodeJob) Run() {
	img, err := assemble.DecodePNG(j.rep.Body, assemble.TileSize)
	if err != nil {
		logf("tileforge: request %d split source %s: %v", j.rs.id, j.rep.Key, err)
		j.f.finishDest(j.rs, j.rep.Key)
		return
	}

	tiles := assemble.Split(img, j.rep.Key, j.rs.destZoom)

	// The source counts as finished only after every one of its split
	// sub-tiles has been delivered, ASTC transcodes included.
	var remaining atomic.Int32
	remaining.Store(int32(len(tiles)))
	done := func() {
		if remaining.Add(-1) == 0 {
			j.f.finishDest(j.rs, j.rep.Key)
		}
	}
	for _, t := range tiles {
		j.f.processTile(j.rs, t.Key, t.Pixels, t.MD5, 0, done)
	}
}

type coverageDecodeJob struct {
	f   *Fetcher
	rs  *requestState
	rep fetch.Reply
}

func (j *coverageDecodeJob) Priority() int { return workqueue.PriorityRasterDecode }

func (j *coverageDecodeJob) Run() {
	img, err := assemble.DecodePNG(j.rep.Body, assemble.TileSize)
	if err != nil {
		logf("tileforge: request %d coverage tile %s: %v", j.rs.id, j.rep.Key, err)
		j.f.finishDest(j.rs, j.rep.Key)
		return
	}

	cov, ready := j.rs.coverageBucket.Add(j.rep.Key, img)
	if !ready {
		j.f.finishDest(j.rs, j.rep.Key)
		return
	}

	if j.rs.coverageClip {
		minPx, maxPx := j.rs.coverageClipWindow()
		cov = assemble.Clip(cov, minPx, maxPx)
	}
	if j.rs.cbs.CoverageReady != nil {
		j.rs.cbs.CoverageReady(j.rs.id, TilePayload{Raster: &assemble.Tile{Pixels: cov.Pixels, MD5: cov.MD5}})
	}
	j.f.finishDest(j.rs, j.rep.Key)
}

// astcJob transcodes a decoded raster tile into an ASTC mip chain,
// forwarding the original RGBA alongside it when ForwardUncompressed is
// set.
type astcJob struct {
	f    *Fetcher
	rs   *requestState
	key  tiling.TileKey
	img  *image.RGBA
	md5  [16]byte
	done func()
}

func (j *astcJob) Priority() int { return workqueue.PriorityRasterToASTC }

func (j *astcJob) Run() {
	defer j.done()

	chain, err := j.f.transcoder.Transcode(j.img, j.md5, j.key.X, j.key.Y, j.key.Z, j.rs.astcCfg)
	if err != nil {
		logf("tileforge: request %d astc transcode %s: %v", j.rs.id, j.key, err)
		return
	}

	j.f.mu.Lock()
	forward := j.f.forwardUncompressed
	j.f.mu.Unlock()

	payload := TilePayload{ASTC: chain}
	if forward {
		payload.ForwardedRGBA = &assemble.Tile{Key: j.key, Pixels: j.img, MD5: j.md5}
	}
	j.f.deliverTile(j.rs, j.key, payload)
}
