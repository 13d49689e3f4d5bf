package device

import (
	"fmt"
	"slices"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/sparsefb/internal/parallel"
)

var _ parallel.Executor = (*Executor)(nil)

// Executor runs parallel loops as dispatches of one pipeline on a device
// queue. Each ParallelFor is one dispatch with the current bindings followed
// by a queue sync.
type Executor struct {
	dev      *Device
	pipeline *Pipeline
	uniform  hal.Buffer

	bindings Bindings
}

// NewExecutor builds a pipeline for k on d, with a uniform buffer of
// paramsSize bytes for the kernel's parameter block.
func NewExecutor(d *Device, k *Kernel, paramsSize int) (*Executor, error) {
	p, err := d.NewPipeline(k)
	if err != nil {
		return nil, err
	}
	uniform, err := d.gpu.createBuffer(k.Label()+"_params", uint64(max(paramsSize, 0)),
		gputypes.BufferUsageUniform|gputypes.BufferUsageCopyDst)
	if err != nil {
		p.Destroy()
		return nil, fmt.Errorf("device: create params buffer %q: %w", k.Label(), err)
	}
	return &Executor{
		dev:      d,
		pipeline: p,
		uniform:  uniform,
		bindings: Bindings{Uniform: uniform},
	}, nil
}

// Bind sets the parameter block and storage buffers used by the following
// dispatches.
func (e *Executor) Bind(params []byte, storage ...hal.Buffer) {
	e.bindings = Bindings{
		Uniform: e.uniform,
		Params:  slices.Clone(params),
		Storage: slices.Clone(storage),
	}
}

// ParallelFor implements parallel.Executor.
func (e *Executor) ParallelFor(n int, fn func(i int)) {
	if n <= 0 {
		return
	}
	q := e.dev.Queue()
	q.Dispatch(e.pipeline, n, e.bindings, fn)
	q.Sync()
}

// Pipeline returns the dispatched pipeline.
func (e *Executor) Pipeline() *Pipeline {
	return e.pipeline
}

// Close destroys the pipeline and the parameter buffer.
func (e *Executor) Close() {
	if e.uniform != nil {
		e.dev.destroyBuffer(e.uniform)
		e.uniform = nil
	}
	e.pipeline.Destroy()
	e.bindings = Bindings{}
}
