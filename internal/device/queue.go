package device

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
)

// Queue is an in-order command queue. Commands run one after another on a
// dedicated goroutine; Sync blocks until every command enqueued before it has
// completed. Sync has no timeout and no cancellation.
//
// Queue is safe for concurrent use, but commands from different submitters
// interleave in submission order.
type Queue struct {
	dev  *Device
	cmds chan func()
	wg   sync.WaitGroup

	// mu orders enqueue against close so a command is never sent on a
	// closed channel.
	mu     sync.RWMutex
	closed bool
}

func newQueue(d *Device, depth int) *Queue {
	q := &Queue{
		dev:  d,
		cmds: make(chan func(), depth),
	}
	q.wg.Add(1)
	go q.loop()
	return q
}

func (q *Queue) loop() {
	defer q.wg.Done()
	for cmd := range q.cmds {
		cmd()
	}
}

// enqueue submits cmd. After close, commands run on the caller.
func (q *Queue) enqueue(cmd func()) {
	q.mu.RLock()
	if q.closed {
		q.mu.RUnlock()
		cmd()
		return
	}
	q.cmds <- cmd
	q.mu.RUnlock()
}

// Sync blocks until all previously enqueued commands have completed.
func (q *Queue) Sync() {
	fence := make(chan struct{})
	q.enqueue(func() { close(fence) })
	<-fence
}

// WorkgroupSize is the number of invocations per dispatch workgroup.
const WorkgroupSize = 16

// Bindings are the resources bound to bind group 0 of a dispatch: the
// uniform buffer at binding 0, written with Params before the pass, and the
// storage buffers at bindings 1..len(Storage).
type Bindings struct {
	Uniform hal.Buffer
	Params  []byte
	Storage []hal.Buffer
}

// Dispatch enqueues a dispatch of p over n invocations. The compute pass is
// recorded and submitted to the HAL queue; fn is the kernel's invocation
// function, called once per global id in [0, n). Workgroups run
// concurrently; the dispatch completes before any later command starts.
//
// A failed submission is logged and fn still runs.
func (q *Queue) Dispatch(p *Pipeline, n int, b Bindings, fn func(globalID int)) {
	if n <= 0 {
		return
	}
	groups := uint32((n + WorkgroupSize - 1) / WorkgroupSize) //nolint:gosec // n > 0
	q.enqueue(func() {
		if err := q.submit(p, groups, b); err != nil {
			slogger().Warn("device: dispatch submission failed",
				"kernel", p.Kernel().Label(),
				"err", err)
		}
		runGroups(n, fn)
		q.dev.dispatches.Add(1)
		slogger().Debug("device: dispatch",
			"kernel", p.Kernel().Label(),
			"invocations", n,
			"workgroups", groups)
	})
}

// submit records one compute pass of p with bindings b and waits for the
// HAL queue to complete it.
func (q *Queue) submit(p *Pipeline, groups uint32, b Bindings) error {
	if q.dev.isClosed() {
		return ErrDeviceClosed
	}
	g := q.dev.gpu
	label := p.Kernel().Label()

	if len(b.Params) > 0 {
		g.queue.WriteBuffer(b.Uniform, 0, b.Params)
	}

	entries := make([]gputypes.BindGroupEntry, 0, len(b.Storage)+1)
	entries = append(entries, bufferEntry(0, b.Uniform))
	for i, sb := range b.Storage {
		entries = append(entries, bufferEntry(uint32(i+1), sb)) //nolint:gosec // binding counts are tiny
	}
	bg, err := g.device.CreateBindGroup(&hal.BindGroupDescriptor{
		Label:   label + "_bg",
		Layout:  p.bgLayout,
		Entries: entries,
	})
	if err != nil {
		return fmt.Errorf("create bind group: %w", err)
	}
	defer g.device.DestroyBindGroup(bg)

	encoder, err := g.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: label})
	if err != nil {
		return fmt.Errorf("create command encoder: %w", err)
	}
	if err := encoder.BeginEncoding(label); err != nil {
		return fmt.Errorf("begin encoding: %w", err)
	}

	pass := encoder.BeginComputePass(&hal.ComputePassDescriptor{Label: label})
	pass.SetPipeline(p.pipeline)
	pass.SetBindGroup(0, bg, nil)
	pass.Dispatch(groups, 1, 1)
	pass.End()

	cmdBuf, err := encoder.EndEncoding()
	if err != nil {
		return fmt.Errorf("end encoding: %w", err)
	}
	defer g.device.FreeCommandBuffer(cmdBuf)

	if err := g.submitAndWait(cmdBuf); err != nil {
		return err
	}
	q.dev.submissions.Add(1)
	return nil
}

func bufferEntry(binding uint32, buf hal.Buffer) gputypes.BindGroupEntry {
	return gputypes.BindGroupEntry{
		Binding: binding,
		Resource: gputypes.BufferBinding{
			Buffer: buf.NativeHandle(),
			Offset: 0,
			Size:   0, // 0 = entire buffer
		},
	}
}

// runGroups executes n invocations in workgroup-sized chunks spread over at
// most GOMAXPROCS goroutines.
func runGroups(n int, fn func(int)) {
	groups := (n + WorkgroupSize - 1) / WorkgroupSize
	lanes := min(groups, runtime.GOMAXPROCS(0))

	var wg sync.WaitGroup
	wg.Add(lanes)
	for lane := range lanes {
		go func() {
			defer wg.Done()
			for g := lane; g < groups; g += lanes {
				end := min((g+1)*WorkgroupSize, n)
				for id := g * WorkgroupSize; id < end; id++ {
					fn(id)
				}
			}
		}()
	}
	wg.Wait()
}

// close drains pending commands and stops the queue goroutine.
func (q *Queue) close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.cmds)
	q.mu.Unlock()

	q.wg.Wait()
}
