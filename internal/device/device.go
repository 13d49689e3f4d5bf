// Package device provides managed host/device buffers and an in-order
// command queue for sparse framebuffers, on top of a wgpu HAL device.
//
// A Device owns a memory budget, a HAL device and a Queue. Buffers come in
// three kinds:
//
//   - KindDevice: device memory only, filled and read by kernels
//   - KindShadowed: a host copy mirrored by a device copy, synchronized
//     explicitly with CopyToDevice/CopyToHost followed by Queue.Sync
//   - KindShared: one allocation visible to both host and kernels
//
// Every buffer is backed by a HAL buffer; host-to-device copies are written
// through the HAL queue. Kernels are compiled from WGSL to SPIR-V with naga
// and turned into HAL compute pipelines. A dispatch records and submits a
// compute pass, then runs the kernel's Go invocation function over its
// global ids in workgroup-sized chunks. The invocation function produces the
// results read back by the host, so the device works unchanged on the
// headless noop HAL.
package device

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gogpu/wgpu/hal"
)

// Device errors.
var (
	// ErrOutOfMemory is returned when an allocation would exceed the budget.
	ErrOutOfMemory = errors.New("device: out of memory")

	// ErrDeviceClosed is returned when allocating on a closed device.
	ErrDeviceClosed = errors.New("device: device closed")

	// ErrInvalidBufferSize is returned for negative buffer lengths.
	ErrInvalidBufferSize = errors.New("device: invalid buffer size")

	// ErrUsageMismatch is returned when a copy is requested on a buffer whose
	// usage flags do not allow it.
	ErrUsageMismatch = errors.New("device: operation does not match buffer usage flags")

	// ErrBufferReleased is returned when operating on a released buffer.
	ErrBufferReleased = errors.New("device: buffer has been released")

	// ErrInvalidRange is returned when a copy range is out of bounds.
	ErrInvalidRange = errors.New("device: copy range out of bounds")

	// ErrIncompleteHAL is returned when only one of Config.HALDevice and
	// Config.HALQueue is set.
	ErrIncompleteHAL = errors.New("device: HAL device and queue must be set together")
)

// Config configures a Device.
type Config struct {
	// Label names the device in logs.
	Label string

	// MemoryBudget is the maximum number of device-visible bytes that may be
	// allocated at once. Zero means unlimited.
	MemoryBudget uint64

	// QueueDepth is the number of commands that may be pending on the queue
	// before submitters block. Defaults to 64.
	QueueDepth int

	// HALDevice and HALQueue supply an existing HAL device. The Device does
	// not destroy them. When both are nil a headless noop HAL is opened.
	HALDevice hal.Device
	HALQueue  hal.Queue
}

// Stats is a snapshot of device activity.
type Stats struct {
	// AllocatedBytes is the number of device-visible bytes currently allocated.
	AllocatedBytes uint64

	// PeakBytes is the highest AllocatedBytes seen.
	PeakBytes uint64

	// BudgetBytes is the configured budget (0 = unlimited).
	BudgetBytes uint64

	// Buffers is the number of live buffers.
	Buffers int

	// CopiesToDevice counts host-to-device transfers.
	CopiesToDevice uint64

	// CopiesToHost counts device-to-host transfers.
	CopiesToHost uint64

	// Dispatches counts kernel dispatches.
	Dispatches uint64

	// Submissions counts command buffers submitted to the HAL queue.
	Submissions uint64
}

// String returns a human-readable summary.
func (s Stats) String() string {
	return fmt.Sprintf("Device[%d buffers, %d KB used, %d KB peak, %d h2d, %d d2h, %d dispatches, %d submits]",
		s.Buffers,
		s.AllocatedBytes/1024,
		s.PeakBytes/1024,
		s.CopiesToDevice,
		s.CopiesToHost,
		s.Dispatches,
		s.Submissions)
}

// Device tracks allocations against a memory budget and owns a command queue.
//
// Device is safe for concurrent use.
type Device struct {
	label string
	gpu   *gpu
	queue *Queue

	mu      sync.Mutex
	budget  uint64
	used    uint64
	peak    uint64
	buffers int
	closed  bool

	copiesToDevice atomic.Uint64
	copiesToHost   atomic.Uint64
	dispatches     atomic.Uint64
	submissions    atomic.Uint64
}

// New creates a device on the configured HAL and starts its queue.
func New(cfg Config) (*Device, error) {
	depth := cfg.QueueDepth
	if depth <= 0 {
		depth = 64
	}
	label := cfg.Label
	if label == "" {
		label = "device"
	}

	var g *gpu
	switch {
	case cfg.HALDevice != nil && cfg.HALQueue != nil:
		g = &gpu{device: cfg.HALDevice, queue: cfg.HALQueue, adapter: "external"}
	case cfg.HALDevice != nil || cfg.HALQueue != nil:
		return nil, ErrIncompleteHAL
	default:
		var err error
		if g, err = openGPU(); err != nil {
			return nil, err
		}
	}

	d := &Device{
		label:  label,
		gpu:    g,
		budget: cfg.MemoryBudget,
	}
	d.queue = newQueue(d, depth)

	slogger().Info("device: created",
		"label", label,
		"adapter", g.adapter,
		"budget_bytes", cfg.MemoryBudget,
		"queue_depth", depth)
	return d, nil
}

// Label returns the device label.
func (d *Device) Label() string {
	return d.label
}

// Adapter returns the name of the HAL adapter backing the device.
func (d *Device) Adapter() string {
	return d.gpu.adapter
}

// Queue returns the device's command queue.
func (d *Device) Queue() *Queue {
	return d.queue
}

// reserve accounts for an allocation of size bytes.
func (d *Device) reserve(size uint64, label string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrDeviceClosed
	}
	if d.budget > 0 && d.used+size > d.budget {
		slogger().Warn("device: allocation exceeds budget",
			"buffer", label,
			"bytes", size,
			"used", d.used,
			"budget", d.budget)
		return fmt.Errorf("%w: %s needs %d bytes, %d of %d in use",
			ErrOutOfMemory, label, size, d.used, d.budget)
	}

	d.used += size
	d.peak = max(d.peak, d.used)
	d.buffers++
	return nil
}

// release returns size bytes to the budget.
func (d *Device) release(size uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.used -= min(size, d.used)
	if d.buffers > 0 {
		d.buffers--
	}
}

// isClosed reports whether Close has been called. HAL work is skipped
// from then on.
func (d *Device) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// destroyBuffer destroys hb unless the HAL device is already gone.
func (d *Device) destroyBuffer(hb hal.Buffer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed || hb == nil {
		return
	}
	d.gpu.device.DestroyBuffer(hb)
}

// Stats returns a snapshot of device activity.
func (d *Device) Stats() Stats {
	d.mu.Lock()
	s := Stats{
		AllocatedBytes: d.used,
		PeakBytes:      d.peak,
		BudgetBytes:    d.budget,
		Buffers:        d.buffers,
	}
	d.mu.Unlock()

	s.CopiesToDevice = d.copiesToDevice.Load()
	s.CopiesToHost = d.copiesToHost.Load()
	s.Dispatches = d.dispatches.Load()
	s.Submissions = d.submissions.Load()
	return s
}

// Close drains the queue, stops it and destroys an owned HAL device.
// Allocations fail after Close; live buffers stay readable on the host and
// their HAL buffers are left to the HAL device's teardown. Close is safe to
// call multiple times.
func (d *Device) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()

	d.queue.close()
	d.gpu.destroy()
	slogger().Debug("device: closed", "label", d.label)
}
