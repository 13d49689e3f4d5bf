package device

import (
	"errors"
	"fmt"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	"github.com/gogpu/wgpu/hal/noop"
)

// fenceTimeout bounds the wait for a submitted command buffer.
const fenceTimeout = 5 * time.Second

// errNoAdapter is returned when the HAL instance exposes no adapter.
var errNoAdapter = errors.New("device: no adapter available")

// gpu holds the HAL objects backing a Device.
type gpu struct {
	instance hal.Instance // nil when the device was supplied by the caller
	device   hal.Device
	queue    hal.Queue
	adapter  string
}

// openGPU opens the headless noop HAL. Buffers and pipelines created on it
// are real HAL objects; command buffers complete immediately.
func openGPU() (*gpu, error) {
	api := noop.API{}
	instance, err := api.CreateInstance(nil)
	if err != nil {
		return nil, fmt.Errorf("device: create instance: %w", err)
	}

	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		instance.Destroy()
		return nil, errNoAdapter
	}
	selected := &adapters[0]

	openDev, err := selected.Adapter.Open(0, gputypes.DefaultLimits())
	if err != nil {
		instance.Destroy()
		return nil, fmt.Errorf("device: open adapter: %w", err)
	}

	return &gpu{
		instance: instance,
		device:   openDev.Device,
		queue:    openDev.Queue,
		adapter:  selected.Info.Name,
	}, nil
}

// destroy releases the HAL device and instance if they are owned.
func (g *gpu) destroy() {
	if g.instance == nil {
		return
	}
	g.device.Destroy()
	g.instance.Destroy()
}

// createBuffer creates a HAL buffer of at least size bytes, 4-byte aligned.
func (g *gpu) createBuffer(label string, size uint64, usage gputypes.BufferUsage) (hal.Buffer, error) {
	const copyBufferAlignment uint64 = 4
	size = max((size+copyBufferAlignment-1)&^(copyBufferAlignment-1), copyBufferAlignment)
	return g.device.CreateBuffer(&hal.BufferDescriptor{
		Label: label,
		Size:  size,
		Usage: usage,
	})
}

// submitAndWait submits cmdBuf and blocks until the device signals completion.
func (g *gpu) submitAndWait(cmdBuf hal.CommandBuffer) error {
	fence, err := g.device.CreateFence()
	if err != nil {
		return fmt.Errorf("create fence: %w", err)
	}
	defer g.device.DestroyFence(fence)

	if err := g.queue.Submit([]hal.CommandBuffer{cmdBuf}, fence, 1); err != nil {
		return fmt.Errorf("submit: %w", err)
	}
	ok, err := g.device.Wait(fence, 1, fenceTimeout)
	if err != nil {
		return fmt.Errorf("wait for device: %w", err)
	}
	if !ok {
		return fmt.Errorf("device timeout after %v", fenceTimeout)
	}
	return nil
}
