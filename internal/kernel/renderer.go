// Package kernel provides a CPU reference renderer for sparse framebuffers.
//
// A Renderer executes render tasks against a framebuffer Descriptor: it
// samples a Shader for every pixel of each task, blends the sample into the
// accumulation buffer, folds every odd sample into the variance buffer and
// finally updates the task's error estimate and accumulation id. This is the
// work a device kernel would do; it keeps the framebuffer's adaptive
// scheduling testable without a GPU.
package kernel

import (
	"math"

	"golang.org/x/image/math/f32"

	"github.com/gogpu/sparsefb"
	"github.com/gogpu/sparsefb/internal/parallel"
	"github.com/gogpu/sparsefb/internal/tile"
)

// Shader returns the color sample of image pixel (x, y) for a frame.
// It is called concurrently for distinct pixels.
type Shader func(x, y int, frame int32) f32.Vec4

// minLuma bounds the error normalization for dark pixels.
const minLuma = 1e-3

// Renderer renders tasks with a Shader on an Executor.
type Renderer struct {
	shader Shader
	exec   parallel.Executor
}

// NewRenderer returns a renderer for shader. A nil exec renders serially.
func NewRenderer(shader Shader, exec parallel.Executor) *Renderer {
	if exec == nil {
		exec = parallel.Serial{}
	}
	return &Renderer{shader: shader, exec: exec}
}

// Render renders taskIDs into the buffers of d. Each task is rendered once
// and by exactly one goroutine, so task ids must be distinct.
func (r *Renderer) Render(d *sparsefb.Descriptor, taskIDs []uint32) {
	if d == nil || len(taskIDs) == 0 {
		return
	}
	r.exec.ParallelFor(len(taskIDs), func(i int) {
		r.renderTask(d, taskIDs[i])
	})
}

func (r *Renderer) renderTask(d *sparsefb.Descriptor, taskID uint32) {
	region := d.TaskRegion(taskID)
	slot := d.TileSlot(taskID)
	t := &d.Tiles[slot]

	var accumID int32
	if d.TaskAccumID != nil {
		accumID = d.TaskAccumID[taskID]
	}

	for y := region.Min.Y; y < region.Max.Y; y++ {
		for x := region.Min.X; x < region.Max.X; x++ {
			c := r.shader(x, y, d.FrameID)
			if d.Accumulation == nil {
				continue
			}
			off := tile.PixelOffset(x-t.Region.Min.X, y-t.Region.Min.Y)
			idx := slot*tile.Pixels + off
			c = scale(c, t.Weight[off])
			d.Accumulation[idx] = blend(d.Accumulation[idx], c, accumID)
			if d.Variance != nil && accumID%2 == 1 {
				// The variance buffer averages samples 1, 3, 5, ...
				d.Variance[idx] = blend(d.Variance[idx], c, accumID/2)
			}
		}
	}

	r.completeTask(d, taskID, region.Empty(), accumID)
}

// completeTask updates the error estimate and accumulation id of a task
// whose pixels were just rendered with sample index accumID. The error is
// only refreshed when the variance buffer received the sample.
func (r *Renderer) completeTask(d *sparsefb.Descriptor, taskID uint32, empty bool, accumID int32) {
	if d.TaskError != nil {
		switch {
		case empty:
			d.TaskError[taskID] = 0
		case accumID%2 == 1:
			d.TaskError[taskID] = taskError(d, taskID)
		}
	}
	if d.TaskAccumID != nil {
		d.TaskAccumID[taskID] = accumID + 1
	}
}

// taskError estimates the remaining noise of a task as the mean difference
// between the full accumulation and the half-sample variance buffer,
// normalized by the square root of the accumulated luminance.
func taskError(d *sparsefb.Descriptor, taskID uint32) float32 {
	region := d.TaskRegion(taskID)
	slot := d.TileSlot(taskID)

	var sum float64
	for y := region.Min.Y; y < region.Max.Y; y++ {
		for x := region.Min.X; x < region.Max.X; x++ {
			idx := d.PixelIndex(slot, x, y)
			acc, v := d.Accumulation[idx], d.Variance[idx]
			diff := abs32(acc[0]-v[0]) + abs32(acc[1]-v[1]) + abs32(acc[2]-v[2])
			sum += float64(diff) / math.Sqrt(float64(max(luma(acc), minLuma)))
		}
	}
	n := region.Dx() * region.Dy()
	return float32(sum / float64(n))
}

// blend folds sample c into the running mean m of n previous samples.
// With n == 0 the sample replaces m.
func blend(m, c f32.Vec4, n int32) f32.Vec4 {
	if n <= 0 {
		return c
	}
	w := 1 / float32(n+1)
	return f32.Vec4{
		m[0] + (c[0]-m[0])*w,
		m[1] + (c[1]-m[1])*w,
		m[2] + (c[2]-m[2])*w,
		m[3] + (c[3]-m[3])*w,
	}
}

func scale(c f32.Vec4, w float32) f32.Vec4 {
	if w == 1 {
		return c
	}
	return f32.Vec4{c[0] * w, c[1] * w, c[2] * w, c[3] * w}
}

// luma returns the Rec. 709 luminance of c.
func luma(c f32.Vec4) float32 {
	return 0.2126*c[0] + 0.7152*c[1] + 0.0722*c[2]
}

func abs32(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}
