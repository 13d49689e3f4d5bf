package sparsefb

import (
	"errors"

	"github.com/gogpu/sparsefb/internal/device"
)

// Framebuffer errors.
var (
	// ErrInvalidSize is returned by New when an image dimension is not positive.
	ErrInvalidSize = errors.New("sparsefb: framebuffer dimensions must be greater than 0")

	// ErrInvalidTaskSize is returned when the render task size does not
	// evenly divide the tile size.
	ErrInvalidTaskSize = errors.New("sparsefb: render task size must be positive and divide the tile size")

	// ErrUnknownChannel is returned for channel bits or names that do not
	// name a channel.
	ErrUnknownChannel = errors.New("sparsefb: unknown channel")

	// ErrNoVarianceBuffer is returned when task errors are read or written on
	// a framebuffer created without the variance channel.
	ErrNoVarianceBuffer = errors.New("sparsefb: framebuffer has no variance/error buffers")

	// ErrTaskOutOfRange is returned for task ids outside [0, TotalRenderTasks).
	ErrTaskOutOfRange = errors.New("sparsefb: render task id out of range")

	// ErrOutOfMemory is wrapped by SetTiles when a buffer allocation would
	// exceed the memory budget.
	ErrOutOfMemory = device.ErrOutOfMemory

	// ErrFailed is returned by every mutating call after a reconfiguration
	// failed. The framebuffer must be closed and rebuilt.
	ErrFailed = errors.New("sparsefb: framebuffer unusable after failed reconfiguration")

	// ErrClosed is returned when operating on a closed framebuffer.
	ErrClosed = errors.New("sparsefb: framebuffer closed")

	// ErrInvalidConfig is returned for malformed configuration values.
	ErrInvalidConfig = errors.New("sparsefb: invalid configuration")

	// ErrUnsupportedConfigVersion is returned for configuration files written
	// for an incompatible format version.
	ErrUnsupportedConfigVersion = errors.New("sparsefb: unsupported configuration version")
)
