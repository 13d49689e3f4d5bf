package sparsefb

import (
	"fmt"
	"image"
	"sync"
	"sync/atomic"

	"golang.org/x/image/math/f32"

	"github.com/gogpu/sparsefb/internal/device"
	"github.com/gogpu/sparsefb/internal/parallel"
	"github.com/gogpu/sparsefb/internal/tile"
)

// State is the lifecycle state of a SparseFrameBuffer.
type State int32

const (
	// StateUnconfigured means the framebuffer owns no tiles.
	StateUnconfigured State = iota
	// StateConfigured means tiles and buffers are allocated.
	StateConfigured
	// StateFrameActive means a frame has begun since the last reconfiguration.
	StateFrameActive
	// StateFailed means a reconfiguration failed; rebuild the framebuffer.
	StateFailed
	// StateClosed means Close was called.
	StateClosed
)

// String returns the string representation of State.
func (s State) String() string {
	switch s {
	case StateUnconfigured:
		return "Unconfigured"
	case StateConfigured:
		return "Configured"
	case StateFrameActive:
		return "FrameActive"
	case StateFailed:
		return "Failed"
	case StateClosed:
		return "Closed"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// layout is everything SetTiles derives from a tile assignment. A layout is
// built completely before it replaces the previous one.
type layout struct {
	tileIDs        []uint32
	index          tile.Index
	numRenderTasks image.Point

	tiles         *device.Buffer[tile.Tile]
	taskAccumID   *device.Buffer[int32]
	accumulation  *device.Buffer[f32.Vec4]
	variance      *device.Buffer[f32.Vec4]
	taskError     *device.Buffer[float32]
	renderTaskIDs *device.Buffer[uint32]
	activeTaskIDs *device.Buffer[uint32]

	// dirtyTiles marks tiles whose host copy is stale.
	dirtyTiles *parallel.DirtySet
}

// release returns every buffer to the device. Safe on a nil layout.
func (l *layout) release() {
	if l == nil {
		return
	}
	l.tiles.Release()
	l.taskAccumID.Release()
	l.accumulation.Release()
	l.variance.Release()
	l.taskError.Release()
	l.renderTaskIDs.Release()
	l.activeTaskIDs.Release()
}

func (l *layout) totalTasks() int {
	return l.numRenderTasks.X * l.numRenderTasks.Y
}

// SparseFrameBuffer is one worker's view of a subset of a logical image's
// tiles, with the accumulation, variance and error state needed to schedule
// progressive, adaptively sampled render tasks.
//
// See the package documentation for the concurrency contract.
type SparseFrameBuffer struct {
	geom            tile.Geometry
	channels        Channels
	colorFormat     ColorFormat
	useTaskAccumIDs bool
	hasAccum        bool
	hasVariance     bool

	dev      *device.Device
	ownsDev  bool
	pool     *parallel.WorkerPool // nil when the executor is supplied
	cpuExec  Executor
	tileExec Executor
	// frameKernel is the device pipeline behind tileExec on BackendDevice.
	frameKernel *device.Executor
	backend     Backend

	l       *layout
	frameID atomic.Int32
	state   atomic.Int32

	// filterMu serializes writes to the active task scratch list.
	filterMu sync.Mutex

	desc atomic.Pointer[Descriptor]
}

// New creates a sparse framebuffer for an image of width x height pixels.
//
// Returns ErrInvalidSize for non-positive dimensions, ErrInvalidTaskSize for
// an unusable task size, and ErrUnknownChannel for an invalid channel set.
// The variance channel is dropped, with a warning, unless accum is also
// requested. With WithTiles the initial assignment is configured
// before New returns.
func New(width, height int, opts ...Option) (*SparseFrameBuffer, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: got %dx%d", ErrInvalidSize, width, height)
	}
	geom, err := tile.NewGeometry(image.Pt(width, height), o.taskSize)
	if err != nil {
		return nil, fmt.Errorf("%w: got %dx%d", ErrInvalidTaskSize, o.taskSize.X, o.taskSize.Y)
	}
	if err := o.channels.validate(); err != nil {
		return nil, err
	}
	if eff := o.channels.effective(); eff != o.channels {
		Logger().Warn("sparsefb: variance channel needs accum, disabled",
			"requested", o.channels)
		o.channels = eff
	}

	fb := &SparseFrameBuffer{
		geom:            geom,
		channels:        o.channels,
		colorFormat:     o.colorFormat,
		hasAccum:        o.channels.Has(ChannelAccum),
		hasVariance:     o.channels.Has(ChannelVariance),
		useTaskAccumIDs: o.channels.Has(ChannelAccum) || o.overrideTaskAccumIDs,
		backend:         BackendCPU,
	}
	fb.frameID.Store(-1)

	fb.dev = o.device
	if fb.dev == nil {
		dev, err := device.New(device.Config{Label: "sparsefb", MemoryBudget: o.memoryBudget})
		if err != nil {
			return nil, fmt.Errorf("sparsefb: %w", err)
		}
		fb.dev = dev
		fb.ownsDev = true
	}

	fb.cpuExec = o.executor
	if fb.cpuExec == nil {
		fb.pool = parallel.NewWorkerPool(o.workers)
		fb.cpuExec = parallel.NewPoolExecutor(fb.pool)
	}
	fb.tileExec = fb.cpuExec

	if o.backend == BackendDevice {
		exec, err := newFrameKernel(fb.dev)
		if err != nil {
			Logger().Warn("sparsefb: device kernel unavailable, using CPU backend", "err", err)
		} else {
			fb.frameKernel = exec
			fb.tileExec = exec
			fb.backend = BackendDevice
		}
	}

	Logger().Debug("sparsefb: created",
		"size", geom.ImageSize(),
		"grid", geom.Grid(),
		"task_size", geom.TaskSize(),
		"channels", o.channels,
		"backend", fb.backend)

	if err := fb.SetTiles(o.tileIDs, o.initialAccumID); err != nil {
		fb.Close()
		return nil, err
	}
	return fb, nil
}

// newFrameKernel compiles the begin-frame kernel and builds its pipeline on dev.
func newFrameKernel(dev *device.Device) (*device.Executor, error) {
	k, err := device.CompileBeginFrameKernel()
	if err != nil {
		return nil, err
	}
	return device.NewExecutor(dev, k, device.BeginFrameParamsSize)
}

// Close releases every buffer and the resources the framebuffer owns.
// Close is safe to call multiple times.
func (fb *SparseFrameBuffer) Close() {
	if State(fb.state.Load()) == StateClosed {
		return
	}
	fb.state.Store(int32(StateClosed))
	fb.l.release()
	fb.l = nil
	fb.desc.Store(nil)
	if fb.frameKernel != nil {
		fb.frameKernel.Close()
	}
	if fb.pool != nil {
		fb.pool.Close()
	}
	if fb.ownsDev {
		fb.dev.Close()
	}
}

// checkUsable returns the error a mutating call must fail with, if any.
func (fb *SparseFrameBuffer) checkUsable() error {
	switch State(fb.state.Load()) {
	case StateClosed:
		return ErrClosed
	case StateFailed:
		return ErrFailed
	default:
		return nil
	}
}

// State returns the lifecycle state.
func (fb *SparseFrameBuffer) State() State {
	return State(fb.state.Load())
}

// Size returns the full image size.
func (fb *SparseFrameBuffer) Size() image.Point {
	return fb.geom.ImageSize()
}

// TotalTiles returns the tile grid of the full image.
func (fb *SparseFrameBuffer) TotalTiles() image.Point {
	return fb.geom.Grid()
}

// TaskSize returns the render task size.
func (fb *SparseFrameBuffer) TaskSize() image.Point {
	return fb.geom.TaskSize()
}

// Channels returns the enabled channels.
func (fb *SparseFrameBuffer) Channels() Channels {
	return fb.channels
}

// ColorFormat returns the color buffer format.
func (fb *SparseFrameBuffer) ColorFormat() ColorFormat {
	return fb.colorFormat
}

// Backend returns the backend that runs per-tile frame updates. It differs
// from the requested backend when the device kernel could not be compiled.
func (fb *SparseFrameBuffer) Backend() Backend {
	return fb.backend
}

// UsesTaskAccumIDs reports whether per-task accumulation ids are tracked.
func (fb *SparseFrameBuffer) UsesTaskAccumIDs() bool {
	return fb.useTaskAccumIDs
}

// FrameID returns the current frame id; -1 before the first BeginFrame after
// a reconfiguration or Clear.
func (fb *SparseFrameBuffer) FrameID() int32 {
	return fb.frameID.Load()
}

// TileIDs returns the owned logical tile ids in assignment order.
// The slice must not be modified.
func (fb *SparseFrameBuffer) TileIDs() []uint32 {
	if fb.l == nil {
		return nil
	}
	return fb.l.tileIDs
}

// NumTiles returns the number of owned tiles.
func (fb *SparseFrameBuffer) NumTiles() int {
	if fb.l == nil {
		return 0
	}
	return len(fb.l.tileIDs)
}

// SlotOf returns the slot of a logical tile id in the owned tile list.
func (fb *SparseFrameBuffer) SlotOf(tileID uint32) (int, bool) {
	if fb.l == nil {
		return 0, false
	}
	return fb.l.index.SlotOf(tileID)
}

// NumRenderTasks returns the render task grid of the owned tiles.
func (fb *SparseFrameBuffer) NumRenderTasks() image.Point {
	if fb.l == nil {
		return image.Point{}
	}
	return fb.l.numRenderTasks
}

// TotalRenderTasks returns the number of render tasks over all owned tiles.
func (fb *SparseFrameBuffer) TotalRenderTasks() int {
	if fb.l == nil {
		return 0
	}
	return fb.l.totalTasks()
}

// NumTasksPerTile returns the number of render tasks in one tile.
func (fb *SparseFrameBuffer) NumTasksPerTile() int {
	return fb.geom.TasksPerTile()
}

// TileRegion returns the pixel rectangle of a logical tile id, clipped to
// the image.
func (fb *SparseFrameBuffer) TileRegion(tileID uint32) image.Rectangle {
	return fb.geom.TileRegion(tileID)
}

// TaskPosInTile returns the tile-local pixel offset of a render task.
func (fb *SparseFrameBuffer) TaskPosInTile(taskID uint32) image.Point {
	return fb.geom.TaskPosInTile(taskID)
}

// TileIndexForTask returns the slot of the tile owning taskID.
func (fb *SparseFrameBuffer) TileIndexForTask(taskID uint32) int {
	return fb.geom.TileSlotForTask(taskID)
}

// Descriptor returns the most recently published kernel descriptor, or nil
// when the framebuffer is closed.
func (fb *SparseFrameBuffer) Descriptor() *Descriptor {
	return fb.desc.Load()
}

// DeviceStats is a snapshot of device memory and transfer activity.
type DeviceStats = device.Stats

// DeviceStats returns a snapshot of the framebuffer's device activity.
func (fb *SparseFrameBuffer) DeviceStats() DeviceStats {
	return fb.dev.Stats()
}

// publish builds and stores a new descriptor from the current layout.
func (fb *SparseFrameBuffer) publish() {
	d := &Descriptor{
		ImageSize:   fb.geom.ImageSize(),
		TotalTiles:  fb.geom.Grid(),
		TaskSize:    fb.geom.TaskSize(),
		FrameID:     fb.frameID.Load(),
		Channels:    fb.channels,
		ColorFormat: fb.colorFormat,
		geom:        fb.geom,
	}
	if l := fb.l; l != nil {
		d.NumRenderTasks = l.numRenderTasks
		d.NumTiles = len(l.tileIDs)
		d.Tiles = deviceView(l.tiles)
		d.TaskAccumID = deviceView(l.taskAccumID)
		d.Accumulation = deviceView(l.accumulation)
		d.Variance = deviceView(l.variance)
		d.TaskError = deviceView(l.taskError)
		d.RenderTaskIDs = deviceView(l.renderTaskIDs)
	}
	fb.desc.Store(d)
}

func deviceView[T any](b *device.Buffer[T]) []T {
	if b == nil {
		return nil
	}
	return b.Device()
}
