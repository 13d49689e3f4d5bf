package sparsefb

import (
	"fmt"
	"math"

	"golang.org/x/image/math/f32"

	"github.com/gogpu/sparsefb/internal/device"
	"github.com/gogpu/sparsefb/internal/parallel"
	"github.com/gogpu/sparsefb/internal/tile"
)

// SetTiles replaces the owned tile set and reallocates every dependent buffer.
//
// Every per-task accumulation id is set to initialAccumID (when accumulation
// tracking is enabled), every task error to +Inf, and the frame id to -1.
// An empty tileIDs leaves the framebuffer unconfigured with no buffers.
// tileIDs is copied.
//
// On failure (typically an error wrapping ErrOutOfMemory) the framebuffer is
// left in StateFailed: every buffer is released and later mutating calls
// return ErrFailed.
func (fb *SparseFrameBuffer) SetTiles(tileIDs []uint32, initialAccumID int32) error {
	if err := fb.checkUsable(); err != nil {
		return err
	}

	next, err := fb.buildLayout(tileIDs, initialAccumID)
	if err != nil {
		Logger().Warn("sparsefb: reconfiguration failed", "tiles", len(tileIDs), "err", err)
		fb.l.release()
		fb.l = nil
		fb.state.Store(int32(StateFailed))
		fb.publish()
		return fmt.Errorf("sparsefb: set tiles: %w", err)
	}

	prev := fb.l
	fb.l = next
	prev.release()

	// taskAccumID already holds the caller's initial value, so only the
	// frame numbering is reset here.
	fb.frameID.Store(-1)

	if len(next.tileIDs) == 0 {
		fb.state.Store(int32(StateUnconfigured))
	} else {
		fb.state.Store(int32(StateConfigured))
	}
	fb.publish()

	Logger().Debug("sparsefb: tiles configured",
		"tiles", len(next.tileIDs),
		"tasks", next.totalTasks(),
		"initial_accum_id", initialAccumID,
		"device", fb.dev.Stats())
	return nil
}

// buildLayout allocates and populates a complete layout for tileIDs. On error
// everything allocated so far is released.
func (fb *SparseFrameBuffer) buildLayout(tileIDs []uint32, initialAccumID int32) (l *layout, err error) {
	l = &layout{
		tileIDs:        append([]uint32(nil), tileIDs...),
		index:          tile.NewIndex(tileIDs),
		numRenderTasks: fb.geom.NumRenderTasks(len(tileIDs)),
		dirtyTiles:     parallel.NewDirtySet(len(tileIDs)),
	}
	if len(tileIDs) == 0 {
		return l, nil
	}

	defer func() {
		if err != nil {
			l.release()
			l = nil
		}
	}()

	numTiles := len(tileIDs)
	numTasks := l.totalTasks()
	numPixels := numTiles * tile.Pixels
	q := fb.dev.Queue()

	if fb.hasVariance {
		if l.taskError, err = device.NewBuffer[float32](fb.dev, "taskError", device.KindShared, numTasks); err != nil {
			return l, err
		}
		l.taskError.Fill(float32(math.Inf(1)))
	}

	if l.tiles, err = device.NewBuffer[tile.Tile](fb.dev, "tiles", device.KindShadowed, numTiles); err != nil {
		return l, err
	}
	hostTiles := l.tiles.Host()
	size := fb.geom.ImageSize()
	fb.cpuExec.ParallelFor(numTiles, func(i int) {
		hostTiles[i].Init(fb.geom.TileRegion(l.tileIDs[i]), size)
	})
	if err = l.tiles.CopyToDevice(q); err != nil {
		return l, err
	}
	q.Sync()

	if fb.hasVariance {
		if l.variance, err = device.NewBuffer[f32.Vec4](fb.dev, "variance", device.KindDevice, numPixels); err != nil {
			return l, err
		}
	}
	if fb.hasAccum {
		if l.accumulation, err = device.NewBuffer[f32.Vec4](fb.dev, "accumulation", device.KindDevice, numPixels); err != nil {
			return l, err
		}
	}

	if fb.useTaskAccumIDs {
		if l.taskAccumID, err = device.NewBuffer[int32](fb.dev, "taskAccumID", device.KindShadowed, numTasks); err != nil {
			return l, err
		}
		l.taskAccumID.Fill(initialAccumID)
		if err = l.taskAccumID.CopyToDevice(q); err != nil {
			return l, err
		}
		q.Sync()
	}

	if l.renderTaskIDs, err = device.NewBuffer[uint32](fb.dev, "renderTaskIDs", device.KindShared, numTasks); err != nil {
		return l, err
	}
	ids := l.renderTaskIDs.Host()
	for i := range ids {
		ids[i] = uint32(i) //nolint:gosec // task count fits in uint32
	}

	if fb.hasVariance {
		if l.activeTaskIDs, err = device.NewBuffer[uint32](fb.dev, "activeTaskIDs", device.KindShared, numTasks); err != nil {
			return l, err
		}
	}

	// Z-order each tile's tasks. Tiles are independent; tile order stays
	// the assignment order.
	per := fb.geom.TasksPerTile()
	fb.cpuExec.ParallelFor(numTiles, func(i int) {
		fb.geom.SortTileTasks(ids[i*per : (i+1)*per])
	})

	return l, nil
}
