package sparsefb

import (
	"fmt"
	"math"

	"github.com/gogpu/sparsefb/internal/device"
)

// BeginFrame advances the frame id and stamps every owned tile's
// accumulation id with it, so kernels can detect frame boundaries.
//
// The update runs on the configured backend (CPU executor or device queue).
// Each tile's id is stored atomically; concurrent readers of TileAccumID see
// either the previous or the new id. Each stamped tile's host copy is marked
// stale.
func (fb *SparseFrameBuffer) BeginFrame() error {
	if err := fb.checkUsable(); err != nil {
		return err
	}

	frame := fb.frameID.Add(1)
	if l := fb.l; l != nil && l.tiles != nil {
		tiles := l.tiles.Device()
		if fb.frameKernel != nil {
			fb.frameKernel.Bind(device.BeginFrameParams(frame, len(tiles)), l.tiles.HAL())
		}
		fb.tileExec.ParallelFor(len(tiles), func(i int) {
			tiles[i].StoreAccumID(frame)
			l.dirtyTiles.Mark(i)
		})
		fb.state.Store(int32(StateFrameActive))
	}
	fb.publish()
	return nil
}

// Clear resets accumulation: every per-task accumulation id becomes 0 (the
// next sample overwrites instead of blending), every task error +Inf, and the
// frame id -1. Tile geometry is untouched. Clear is idempotent.
func (fb *SparseFrameBuffer) Clear() error {
	if err := fb.checkUsable(); err != nil {
		return err
	}

	fb.frameID.Store(-1)
	if l := fb.l; l != nil {
		if l.taskAccumID != nil {
			l.taskAccumID.Fill(0)
			q := fb.dev.Queue()
			if err := l.taskAccumID.CopyToDevice(q); err != nil {
				return fmt.Errorf("sparsefb: clear: %w", err)
			}
			q.Sync()
		}
		if l.taskError != nil {
			l.taskError.Fill(float32(math.Inf(1)))
		}
	}
	fb.publish()
	return nil
}

// RenderTaskIDs returns the render tasks to execute.
//
// With errorThreshold > 0 and the variance channel enabled, only tasks whose
// error estimate is above the threshold are returned, in their original
// order. Otherwise every task is returned. The result is empty when no tiles
// are owned.
//
// The slice aliases framebuffer memory and must not be modified. A filtered
// result is valid until the next filtered call or reconfiguration.
func (fb *SparseFrameBuffer) RenderTaskIDs(errorThreshold float32) []uint32 {
	l := fb.l
	if l == nil || l.renderTaskIDs == nil {
		return nil
	}

	all := l.renderTaskIDs.Host()
	if errorThreshold <= 0 || !fb.hasVariance {
		return all
	}

	fb.filterMu.Lock()
	defer fb.filterMu.Unlock()

	errs := l.taskError.Host()
	active := l.activeTaskIDs.Host()[:0]
	for _, id := range all {
		if errs[id] > errorThreshold {
			active = append(active, id)
		}
	}
	return active
}

// TaskError returns the error estimate of a render task.
//
// Returns 0 when no tiles are owned, ErrNoVarianceBuffer without the variance
// channel, and ErrTaskOutOfRange for ids outside [0, TotalRenderTasks).
func (fb *SparseFrameBuffer) TaskError(taskID uint32) (float32, error) {
	l := fb.l
	if l == nil || l.tiles == nil {
		return 0, nil
	}
	if l.taskError == nil {
		return 0, ErrNoVarianceBuffer
	}
	errs := l.taskError.Host()
	if int(taskID) >= len(errs) {
		return 0, fmt.Errorf("%w: %d of %d", ErrTaskOutOfRange, taskID, len(errs))
	}
	return errs[taskID], nil
}

// SetTaskError sets the error estimate of a render task.
//
// A no-op when no tiles are owned; ErrNoVarianceBuffer without the variance
// channel; ErrTaskOutOfRange for ids outside [0, TotalRenderTasks).
func (fb *SparseFrameBuffer) SetTaskError(taskID uint32, value float32) error {
	l := fb.l
	if l == nil || l.tiles == nil {
		return nil
	}
	if l.taskError == nil {
		return ErrNoVarianceBuffer
	}
	errs := l.taskError.Host()
	if int(taskID) >= len(errs) {
		return fmt.Errorf("%w: %d of %d", ErrTaskOutOfRange, taskID, len(errs))
	}
	errs[taskID] = value
	return nil
}

// Tiles returns the host copy of the owned tiles, first copying back from
// the device every tile that changed since the last call. Repeated calls
// within one frame do not copy again. The slice must not be modified.
//
// On a failed transfer the untransferred tiles stay marked for the next call.
func (fb *SparseFrameBuffer) Tiles() ([]Tile, error) {
	l := fb.l
	if l == nil || l.tiles == nil {
		return nil, nil
	}

	slots := l.dirtyTiles.GetAndClear()
	if len(slots) == 0 {
		return l.tiles.Host(), nil
	}

	q := fb.dev.Queue()
	// Copy contiguous runs of dirty slots as single transfers.
	for begin := 0; begin < len(slots); {
		end := begin + 1
		for end < len(slots) && slots[end] == slots[end-1]+1 {
			end++
		}
		if err := l.tiles.CopyRangeToHost(q, slots[begin], slots[end-1]+1); err != nil {
			for _, slot := range slots[begin:] {
				l.dirtyTiles.Mark(slot)
			}
			q.Sync()
			return nil, fmt.Errorf("sparsefb: tiles: %w", err)
		}
		begin = end
	}
	q.Sync()

	Logger().Debug("sparsefb: tiles synchronized to host", "tiles", len(slots))
	return l.tiles.Host(), nil
}

// TilesDevice returns the device view of the owned tiles without
// synchronizing. Kernels read and write it directly.
func (fb *SparseFrameBuffer) TilesDevice() []Tile {
	l := fb.l
	if l == nil || l.tiles == nil {
		return nil
	}
	return l.tiles.Device()
}

// TileAccumID atomically reads the device-side accumulation id of the tile in
// slot. Safe to call concurrently with BeginFrame.
func (fb *SparseFrameBuffer) TileAccumID(slot int) (int32, bool) {
	tiles := fb.TilesDevice()
	if slot < 0 || slot >= len(tiles) {
		return 0, false
	}
	return tiles[slot].LoadAccumID(), true
}

// TaskAccumIDs copies the per-task accumulation ids back from the device and
// returns the host copy, or nil without accumulation tracking. The slice must
// not be modified.
func (fb *SparseFrameBuffer) TaskAccumIDs() ([]int32, error) {
	l := fb.l
	if l == nil || l.taskAccumID == nil {
		return nil, nil
	}
	q := fb.dev.Queue()
	if err := l.taskAccumID.CopyToHost(q); err != nil {
		return nil, fmt.Errorf("sparsefb: task accum ids: %w", err)
	}
	q.Sync()
	return l.taskAccumID.Host(), nil
}
