package sparsefb

import (
	"fmt"
	"image"
	"strings"

	"github.com/gogpu/sparsefb/internal/device"
	"github.com/gogpu/sparsefb/internal/tile"
)

// Executor runs a parallel loop over n independent items. ParallelFor calls
// fn(i) once for every i in [0, n) and returns after all calls completed.
//
// Framebuffers use an Executor for per-tile work (initialization, intra-tile
// sorting, frame begin) instead of starting goroutines of their own.
type Executor interface {
	ParallelFor(n int, fn func(i int))
}

// Backend selects where per-tile frame updates execute.
type Backend int

const (
	// BackendCPU runs per-tile updates on the CPU executor.
	BackendCPU Backend = iota
	// BackendDevice runs per-tile updates as kernel dispatches on the device
	// queue. Falls back to BackendCPU if the kernel cannot be compiled.
	BackendDevice
)

// String returns the backend's configuration name.
func (b Backend) String() string {
	switch b {
	case BackendCPU:
		return "cpu"
	case BackendDevice:
		return "device"
	default:
		return fmt.Sprintf("Backend(%d)", int(b))
	}
}

// ParseBackend returns the backend with the given configuration name.
func ParseBackend(name string) (Backend, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "cpu":
		return BackendCPU, nil
	case "device":
		return BackendDevice, nil
	default:
		return 0, fmt.Errorf("%w: backend %q", ErrInvalidConfig, name)
	}
}

// Option configures a SparseFrameBuffer during creation.
//
// Example:
//
//	fb, err := sparsefb.New(800, 600,
//	    sparsefb.WithChannels(sparsefb.ChannelColor, sparsefb.ChannelAccum),
//	    sparsefb.WithTaskSize(8, 8))
type Option func(*options)

// options holds optional configuration for framebuffer creation.
type options struct {
	channels             Channels
	taskSize             image.Point
	colorFormat          ColorFormat
	overrideTaskAccumIDs bool
	backend              Backend
	workers              int
	executor             Executor
	memoryBudget         uint64
	tileIDs              []uint32
	initialAccumID       int32
	device               *device.Device
}

// defaultOptions returns the default framebuffer options.
func defaultOptions() options {
	return options{
		channels:    NewChannels(ChannelColor),
		taskSize:    image.Pt(tile.DefaultTaskSize, tile.DefaultTaskSize),
		colorFormat: ColorFormatRGBA8,
		backend:     BackendCPU,
	}
}

// WithChannels sets the enabled channels. The default is ChannelColor only.
func WithChannels(cs ...Channel) Option {
	return func(o *options) {
		o.channels = NewChannels(cs...)
	}
}

// WithChannelSet sets the enabled channels from an existing set.
func WithChannelSet(s Channels) Option {
	return func(o *options) {
		o.channels = s
	}
}

// WithTaskSize sets the render task size in pixels. Both components must be
// positive and divide the 32-pixel tile size. The default is 8x8.
func WithTaskSize(w, h int) Option {
	return func(o *options) {
		o.taskSize = image.Pt(w, h)
	}
}

// WithColorFormat sets the color buffer format recorded in the descriptor.
func WithColorFormat(f ColorFormat) Option {
	return func(o *options) {
		o.colorFormat = f
	}
}

// WithOverrideTaskAccumIDs forces per-task accumulation ids even when the
// accumulation channel is disabled. Parent framebuffers that accumulate
// themselves use this to track per-task sample counts.
func WithOverrideTaskAccumIDs(enabled bool) Option {
	return func(o *options) {
		o.overrideTaskAccumIDs = enabled
	}
}

// WithBackend selects where per-tile frame updates run.
func WithBackend(b Backend) Option {
	return func(o *options) {
		o.backend = b
	}
}

// WithWorkers sets the number of workers of the framebuffer's own pool.
// Zero or negative means GOMAXPROCS. Ignored when WithExecutor is given.
func WithWorkers(n int) Option {
	return func(o *options) {
		o.workers = n
	}
}

// WithExecutor supplies the executor for per-tile CPU loops. The
// framebuffer does not own it and will not start a worker pool.
func WithExecutor(e Executor) Option {
	return func(o *options) {
		o.executor = e
	}
}

// WithMemoryBudget limits the device-visible bytes the framebuffer may
// allocate. Zero means unlimited.
func WithMemoryBudget(bytes uint64) Option {
	return func(o *options) {
		o.memoryBudget = bytes
	}
}

// WithTiles sets the initial tile assignment and initial task accumulation id.
// Without it the framebuffer starts with no tiles.
func WithTiles(tileIDs []uint32, initialAccumID int32) Option {
	return func(o *options) {
		o.tileIDs = tileIDs
		o.initialAccumID = initialAccumID
	}
}

// Device is a CPU-emulated compute device that owns framebuffer buffers,
// tracks their memory against a budget and executes copies and kernel
// dispatches in submission order.
type Device = device.Device

// NewDevice creates a device with the given label and memory budget in
// bytes (0 means unlimited). Close it after every framebuffer using it.
func NewDevice(label string, memoryBudget uint64) (*Device, error) {
	return device.New(device.Config{Label: label, MemoryBudget: memoryBudget})
}

// WithDevice shares an existing device instead of creating one, so several
// framebuffers draw from one memory budget. The framebuffer does not close
// it. WithMemoryBudget is ignored.
func WithDevice(d *Device) Option {
	return func(o *options) {
		o.device = d
	}
}
