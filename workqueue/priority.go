package workqueue

// Job priorities, highest first. Raster decodes outrank everything so
// freshly-arrived network replies never queue behind encode work; DEM
// decodes drain last since stitching waits on whole neighborhoods
// anyway.
const (
	PriorityRasterDecode   = 10 // tile reply decode (raster)
	PriorityCachedCompound = 9  // cached compound tile
	PriorityRasterToASTC   = 9  // raster -> ASTC mip
	PriorityDEMStitch      = 8  // DEM ready (stitch)
	PriorityDEMDecode      = 7  // DEM tile reply decode
)
