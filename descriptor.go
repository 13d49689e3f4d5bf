package sparsefb

import (
	"image"

	"golang.org/x/image/math/f32"

	"github.com/gogpu/sparsefb/internal/tile"
)

// TileSize is the width and height of a tile in pixels.
const TileSize = tile.Size

// Tile is the per-tile state shared with rendering kernels.
type Tile = tile.Tile

// Descriptor is the kernel-facing view of a framebuffer: grid dimensions and
// the device views of every buffer.
//
// A Descriptor is immutable once published. SetTiles, BeginFrame and Clear
// publish a new one; kernels must fetch it again after any of them and must
// not retain slices across reconfiguration. Slice contents (not headers) are
// written by kernels.
type Descriptor struct {
	// ImageSize is the full logical image size.
	ImageSize image.Point

	// TotalTiles is the tile grid of the full image.
	TotalTiles image.Point

	// NumRenderTasks is the render task grid of the owned tiles.
	NumRenderTasks image.Point

	// TaskSize is the render task size in pixels.
	TaskSize image.Point

	// NumTiles is the number of owned tiles.
	NumTiles int

	// FrameID is the frame id at publication; -1 before the first frame.
	FrameID int32

	// Channels is the set of enabled channels.
	Channels Channels

	// ColorFormat is the color buffer format.
	ColorFormat ColorFormat

	// Tiles is the device view of the owned tiles.
	Tiles []Tile

	// TaskAccumID is the device view of per-task accumulation ids; nil
	// without accumulation tracking. 0 means the next sample overwrites.
	TaskAccumID []int32

	// Accumulation is the per-pixel accumulation buffer; nil without
	// ChannelAccum. Tile slot s owns pixels [s*TileSize², (s+1)*TileSize²).
	Accumulation []f32.Vec4

	// Variance is the per-pixel variance buffer; nil without ChannelVariance.
	Variance []f32.Vec4

	// TaskError is the per-task error estimate; nil without ChannelVariance.
	TaskError []float32

	// RenderTaskIDs is the full intra-tile sorted task list.
	RenderTaskIDs []uint32

	geom tile.Geometry
}

// TasksPerTile returns the number of render tasks in one tile.
func (d *Descriptor) TasksPerTile() int {
	return d.geom.TasksPerTile()
}

// TileSlot returns the slot of the tile owning taskID.
func (d *Descriptor) TileSlot(taskID uint32) int {
	return d.geom.TileSlotForTask(taskID)
}

// TaskRegion returns the image-space pixel rectangle of taskID, clipped to
// its tile. Tasks in the clipped-off part of an edge tile have an empty region.
func (d *Descriptor) TaskRegion(taskID uint32) image.Rectangle {
	return d.geom.TaskRegion(d.Tiles[d.TileSlot(taskID)].Region, taskID)
}

// PixelIndex returns the index into Accumulation/Variance of image pixel
// (x, y) in tile slot. The pixel must lie inside the tile's region.
func (d *Descriptor) PixelIndex(slot, x, y int) int {
	r := d.Tiles[slot].Region
	return slot*tile.Pixels + tile.PixelOffset(x-r.Min.X, y-r.Min.Y)
}
