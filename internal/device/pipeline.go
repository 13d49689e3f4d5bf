package device

import (
	"fmt"

	"github.com/gogpu/wgpu/hal"
)

// Pipeline is a kernel turned into a HAL compute pipeline on a device.
type Pipeline struct {
	dev    *Device
	kernel *Kernel

	module   hal.ShaderModule
	bgLayout hal.BindGroupLayout
	layout   hal.PipelineLayout
	pipeline hal.ComputePipeline
}

// NewPipeline creates the shader module, bind group layout, pipeline layout
// and compute pipeline for k. On error every object created so far is
// destroyed.
func (d *Device) NewPipeline(k *Kernel) (*Pipeline, error) {
	if d.isClosed() {
		return nil, ErrDeviceClosed
	}

	hd := d.gpu.device
	p := &Pipeline{dev: d, kernel: k}
	fail := func(what string, err error) (*Pipeline, error) {
		p.Destroy()
		return nil, fmt.Errorf("device: create %s %q: %w", what, k.Label(), err)
	}

	var err error
	p.module, err = hd.CreateShaderModule(&hal.ShaderModuleDescriptor{
		Label: k.Label(),
		Source: hal.ShaderSource{
			SPIRV: k.SPIRV(),
		},
	})
	if err != nil {
		return fail("shader module", err)
	}

	p.bgLayout, err = hd.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
		Label:   k.Label() + "_bgl",
		Entries: k.layoutEntries(),
	})
	if err != nil {
		return fail("bind group layout", err)
	}

	p.layout, err = hd.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{
		Label:            k.Label() + "_pl",
		BindGroupLayouts: []hal.BindGroupLayout{p.bgLayout},
	})
	if err != nil {
		return fail("pipeline layout", err)
	}

	p.pipeline, err = hd.CreateComputePipeline(&hal.ComputePipelineDescriptor{
		Label:  k.Label(),
		Layout: p.layout,
		Compute: hal.ComputeState{
			Module:     p.module,
			EntryPoint: k.EntryPoint(),
		},
	})
	if err != nil {
		return fail("compute pipeline", err)
	}

	slogger().Debug("device: pipeline created",
		"kernel", k.Label(),
		"entry", k.EntryPoint(),
		"bindings", k.storage+1)
	return p, nil
}

// Kernel returns the kernel the pipeline was built from.
func (p *Pipeline) Kernel() *Kernel { return p.kernel }

// Destroy releases the pipeline's HAL objects in reverse creation order.
// Destroy is safe to call more than once.
func (p *Pipeline) Destroy() {
	if p == nil {
		return
	}
	p.dev.mu.Lock()
	defer p.dev.mu.Unlock()
	if p.dev.closed {
		return
	}

	hd := p.dev.gpu.device
	if p.pipeline != nil {
		hd.DestroyComputePipeline(p.pipeline)
		p.pipeline = nil
	}
	if p.layout != nil {
		hd.DestroyPipelineLayout(p.layout)
		p.layout = nil
	}
	if p.bgLayout != nil {
		hd.DestroyBindGroupLayout(p.bgLayout)
		p.bgLayout = nil
	}
	if p.module != nil {
		hd.DestroyShaderModule(p.module)
		p.module = nil
	}
}
