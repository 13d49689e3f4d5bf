package tile

import (
	"errors"
	"image"
)

// Geometry errors.
var (
	// ErrInvalidSize is returned when an image dimension is not positive.
	ErrInvalidSize = errors.New("tile: image dimensions must be greater than 0")

	// ErrInvalidTaskSize is returned when the render task size does not
	// evenly divide the tile size.
	ErrInvalidTaskSize = errors.New("tile: render task size must be positive and divide the tile size")
)

// DefaultTaskSize is the default render task size in pixels per axis.
const DefaultTaskSize = 8

// Geometry maps between logical tile ids, pixel regions, and render task
// placement for one image size and task size.
type Geometry struct {
	imageSize image.Point
	grid      image.Point
	taskSize  image.Point
}

// NewGeometry creates the geometry for an image of the given size divided
// into render tasks of taskSize pixels.
func NewGeometry(imageSize, taskSize image.Point) (Geometry, error) {
	if imageSize.X <= 0 || imageSize.Y <= 0 {
		return Geometry{}, ErrInvalidSize
	}
	if !ValidTaskSize(taskSize) {
		return Geometry{}, ErrInvalidTaskSize
	}
	return Geometry{
		imageSize: imageSize,
		grid: image.Pt(
			(imageSize.X+Size-1)/Size,
			(imageSize.Y+Size-1)/Size,
		),
		taskSize: taskSize,
	}, nil
}

// ValidTaskSize reports whether p can be used as a render task size.
func ValidTaskSize(p image.Point) bool {
	return p.X > 0 && p.Y > 0 && Size%p.X == 0 && Size%p.Y == 0
}

// ImageSize returns the full image size.
func (g Geometry) ImageSize() image.Point { return g.imageSize }

// Grid returns the number of tiles per axis covering the image.
func (g Geometry) Grid() image.Point { return g.grid }

// TaskSize returns the render task size.
func (g Geometry) TaskSize() image.Point { return g.taskSize }

// TotalTiles returns the number of tiles in the full image grid.
func (g Geometry) TotalTiles() int { return g.grid.X * g.grid.Y }

// TileRegion returns the pixel rectangle of the tile with the given logical id.
// Edge tiles are clipped to the image size.
func (g Geometry) TileRegion(tileID uint32) image.Rectangle {
	gw := uint32(g.grid.X) //nolint:gosec // grid is positive
	pos := image.Pt(int(tileID%gw), int(tileID/gw))
	lower := pos.Mul(Size)
	upper := image.Pt(
		min(lower.X+Size, g.imageSize.X),
		min(lower.Y+Size, g.imageSize.Y),
	)
	return image.Rectangle{Min: lower, Max: upper}
}

// TasksPerTileAxis returns the number of render tasks per tile along each axis.
func (g Geometry) TasksPerTileAxis() image.Point {
	return image.Pt(Size/g.taskSize.X, Size/g.taskSize.Y)
}

// TasksPerTile returns the number of render tasks in one tile.
func (g Geometry) TasksPerTile() int {
	p := g.TasksPerTileAxis()
	return p.X * p.Y
}

// NumRenderTasks returns the render task grid for numTiles owned tiles.
// Tiles are laid out side by side along x.
func (g Geometry) NumRenderTasks(numTiles int) image.Point {
	return image.Pt(numTiles*Size/g.taskSize.X, Size/g.taskSize.Y)
}

// TaskPosInTile returns the tile-local pixel offset of the task's lower corner.
func (g Geometry) TaskPosInTile(taskID uint32) image.Point {
	per := g.TasksPerTileAxis()
	local := int(taskID % uint32(per.X*per.Y)) //nolint:gosec // bounded by tile size
	return image.Pt((local%per.X)*g.taskSize.X, (local/per.X)*g.taskSize.Y)
}

// TileSlotForTask returns the slot (position in the owned tile list) of the
// tile that owns taskID.
func (g Geometry) TileSlotForTask(taskID uint32) int {
	return int(taskID) / g.TasksPerTile()
}

// TaskRegion returns the image-space pixel rectangle covered by taskID inside
// a tile with the given region. The result is clipped to the tile region and
// is empty for tasks lying entirely in the clipped-off part of an edge tile.
func (g Geometry) TaskRegion(tileRegion image.Rectangle, taskID uint32) image.Rectangle {
	lower := tileRegion.Min.Add(g.TaskPosInTile(taskID))
	r := image.Rectangle{Min: lower, Max: lower.Add(g.taskSize)}
	return r.Intersect(tileRegion)
}
