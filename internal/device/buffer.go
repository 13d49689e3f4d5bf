package device

import (
	"fmt"
	"unsafe"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
)

// Kind selects where a buffer's memory is visible.
type Kind int

const (
	// KindDevice is device memory only.
	KindDevice Kind = iota
	// KindShadowed is a host copy mirrored by a device copy.
	KindShadowed
	// KindShared is a single allocation visible to host and device.
	KindShared
)

// String returns the string representation of Kind.
func (k Kind) String() string {
	switch k {
	case KindDevice:
		return "Device"
	case KindShadowed:
		return "Shadowed"
	case KindShared:
		return "Shared"
	default:
		return fmt.Sprintf("Unknown(%d)", int(k))
	}
}

// Usage returns the buffer usage flags implied by the kind.
func (k Kind) Usage() gputypes.BufferUsage {
	switch k {
	case KindDevice:
		return gputypes.BufferUsageStorage | gputypes.BufferUsageCopyDst
	case KindShadowed:
		return gputypes.BufferUsageStorage | gputypes.BufferUsageCopySrc | gputypes.BufferUsageCopyDst
	case KindShared:
		return gputypes.BufferUsageStorage | gputypes.BufferUsageCopySrc | gputypes.BufferUsageCopyDst
	default:
		return 0
	}
}

// Buffer is a managed array of T with host and/or device visibility,
// backed by a HAL buffer of the same size.
//
// Buffer is owned by exactly one holder and is not safe for concurrent
// mutation. Kernels access the device view through Device(); the host
// accesses its copy through Host(). T must not contain pointers.
type Buffer[T any] struct {
	dev   *Device
	label string
	kind  Kind
	usage gputypes.BufferUsage
	n     int
	bytes uint64
	hal   hal.Buffer

	host   []T
	device []T

	released bool
}

// NewBuffer allocates a buffer of n elements on d.
// Device-visible memory is charged against the device budget; an allocation
// over budget returns an error wrapping ErrOutOfMemory.
func NewBuffer[T any](d *Device, label string, kind Kind, n int) (*Buffer[T], error) {
	if n < 0 {
		return nil, fmt.Errorf("%w: %s length %d", ErrInvalidBufferSize, label, n)
	}

	var zero T
	size := uint64(unsafe.Sizeof(zero)) * uint64(n) //nolint:gosec // n checked non-negative

	b := &Buffer[T]{
		dev:   d,
		label: label,
		kind:  kind,
		usage: kind.Usage(),
		n:     n,
		bytes: size,
	}

	if err := d.reserve(size, label); err != nil {
		return nil, err
	}
	hb, err := d.gpu.createBuffer(label, size, b.usage)
	if err != nil {
		d.release(size)
		return nil, fmt.Errorf("device: create buffer %q: %w", label, err)
	}
	b.hal = hb

	switch kind {
	case KindDevice:
		b.device = make([]T, n)
	case KindShadowed:
		b.host = make([]T, n)
		b.device = make([]T, n)
	case KindShared:
		b.host = make([]T, n)
		b.device = b.host
	}

	slogger().Debug("device: buffer allocated",
		"buffer", label,
		"kind", kind,
		"len", n,
		"bytes", size)
	return b, nil
}

// Len returns the number of elements.
func (b *Buffer[T]) Len() int { return b.n }

// Label returns the debug label.
func (b *Buffer[T]) Label() string { return b.label }

// Kind returns the buffer kind.
func (b *Buffer[T]) Kind() Kind { return b.kind }

// Usage returns the buffer usage flags.
func (b *Buffer[T]) Usage() gputypes.BufferUsage { return b.usage }

// Bytes returns the device-visible bytes charged to the budget.
func (b *Buffer[T]) Bytes() uint64 { return b.bytes }

// HAL returns the backing HAL buffer, or nil after Release.
func (b *Buffer[T]) HAL() hal.Buffer { return b.hal }

// Host returns the host view, or nil for device-only buffers.
func (b *Buffer[T]) Host() []T { return b.host }

// Device returns the device view, or nil after Release.
func (b *Buffer[T]) Device() []T { return b.device }

// Fill sets every host element to v. For device-only buffers the device
// copy is filled directly, standing in for a clear command.
func (b *Buffer[T]) Fill(v T) {
	dst := b.host
	if dst == nil {
		dst = b.device
	}
	for i := range dst {
		dst[i] = v
	}
}

// CopyToDevice enqueues a host-to-device copy of the whole buffer on q.
// Shared buffers need no copy and return nil. The copy is complete after
// q.Sync returns; the host copy must not be modified before then.
func (b *Buffer[T]) CopyToDevice(q *Queue) error {
	if b.released {
		return ErrBufferReleased
	}
	if b.kind == KindShared {
		return nil
	}
	if b.usage&gputypes.BufferUsageCopyDst == 0 || b.host == nil || b.device == nil {
		return fmt.Errorf("%w: copy to device on %s buffer %q", ErrUsageMismatch, b.kind, b.label)
	}

	host, dev, hb := b.host, b.device, b.hal
	q.enqueue(func() {
		copy(dev, host)
		if !q.dev.isClosed() {
			q.dev.gpu.queue.WriteBuffer(hb, 0, asBytes(host))
		}
		b.dev.copiesToDevice.Add(1)
	})
	return nil
}

// CopyToHost enqueues a device-to-host copy of the whole buffer on q.
func (b *Buffer[T]) CopyToHost(q *Queue) error {
	return b.CopyRangeToHost(q, 0, b.n)
}

// CopyRangeToHost enqueues a device-to-host copy of elements [begin, end).
// Shared buffers need no copy and return nil.
func (b *Buffer[T]) CopyRangeToHost(q *Queue, begin, end int) error {
	if b.released {
		return ErrBufferReleased
	}
	if b.kind == KindShared {
		return nil
	}
	if b.usage&gputypes.BufferUsageCopySrc == 0 || b.host == nil || b.device == nil {
		return fmt.Errorf("%w: copy to host on %s buffer %q", ErrUsageMismatch, b.kind, b.label)
	}
	if begin < 0 || end > b.n || begin > end {
		return fmt.Errorf("%w: [%d, %d) of %d", ErrInvalidRange, begin, end, b.n)
	}

	host, dev := b.host[begin:end], b.device[begin:end]
	q.enqueue(func() {
		copy(host, dev)
		b.dev.copiesToHost.Add(1)
	})
	return nil
}

// Release destroys the HAL buffer and returns its memory to the device
// budget. The views become nil. Release is safe to call on a nil buffer and
// more than once.
func (b *Buffer[T]) Release() {
	if b == nil || b.released {
		return
	}
	b.released = true
	b.dev.destroyBuffer(b.hal)
	b.dev.release(b.bytes)
	b.hal = nil
	b.host = nil
	b.device = nil
}

// asBytes views s as its raw bytes.
func asBytes[T any](s []T) []byte {
	if len(s) == 0 {
		return nil
	}
	var zero T
	return unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(s))), uintptr(len(s))*unsafe.Sizeof(zero))
}
