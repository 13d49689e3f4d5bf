// Package tile provides the tile and render-task geometry shared by sparse
// framebuffers and the kernels that render into them.
//
// The logical image is divided into Size x Size pixel tiles addressed by a
// flat tile id (row-major over the tile grid). Each tile is further divided
// into fixed-size render tasks. Task ids are flat and tile-major: all tasks of
// the first owned tile come first, then the second, and so on.
//
// Thread safety: Geometry and Index are immutable values and safe for
// concurrent use. Tile values are plain data; the AccumID field must be
// accessed atomically when it is shared between goroutines.
package tile

import (
	"image"
	"sync/atomic"
)

// Tile size constants.
const (
	// Size is the width and height of a tile in pixels.
	Size = 32

	// Pixels is the number of pixels in a full tile.
	Pixels = Size * Size
)

// Tile is the per-tile state visible to rendering kernels.
//
// Edge tiles keep the full Size x Size pixel storage; Region tells the kernel
// which part of it maps onto the image.
type Tile struct {
	// Region is the tile's pixel rectangle in image space, clipped to the image.
	Region image.Rectangle

	// ImageSize is the full logical image size.
	ImageSize image.Point

	// RcpImageSize holds 1/ImageSize per axis for screen-space sampling.
	RcpImageSize [2]float32

	// AccumID is the frame id the tile was last begun with.
	// Use LoadAccumID/StoreAccumID when readers may run concurrently.
	AccumID int32

	// Weight is the per-pixel working weight (coverage) of the tile.
	Weight [Pixels]float32
}

// Init resets t for the given region of an image of the given size.
// The accumulation id is reset to 0 and every pixel weight to 1.
func (t *Tile) Init(region image.Rectangle, imageSize image.Point) {
	t.Region = region
	t.ImageSize = imageSize
	t.RcpImageSize = [2]float32{1 / float32(imageSize.X), 1 / float32(imageSize.Y)}
	t.AccumID = 0
	for i := range t.Weight {
		t.Weight[i] = 1
	}
}

// LoadAccumID atomically reads the tile's accumulation id.
func (t *Tile) LoadAccumID() int32 {
	return atomic.LoadInt32(&t.AccumID)
}

// StoreAccumID atomically sets the tile's accumulation id.
func (t *Tile) StoreAccumID(id int32) {
	atomic.StoreInt32(&t.AccumID, id)
}

// PixelOffset returns the index into Weight (and into the tile's slice of
// per-pixel buffers) for tile-local pixel (px, py).
// Returns -1 if the coordinates are outside the tile storage.
func PixelOffset(px, py int) int {
	if px < 0 || px >= Size || py < 0 || py >= Size {
		return -1
	}
	return py*Size + px
}
