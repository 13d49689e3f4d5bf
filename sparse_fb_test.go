package sparsefb

import (
	"errors"
	"image"
	"math"
	"slices"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/gogpu/sparsefb/internal/device"
	"github.com/gogpu/sparsefb/internal/tile"
)

// =============================================================================
// Helpers
// =============================================================================

var adaptiveChannels = []Channel{ChannelColor, ChannelAccum, ChannelVariance}

func newTestFB(t *testing.T, w, h int, opts ...Option) *SparseFrameBuffer {
	t.Helper()
	fb, err := New(w, h, append([]Option{WithWorkers(4)}, opts...)...)
	if err != nil {
		t.Fatalf("New(%d, %d) error = %v", w, h, err)
	}
	t.Cleanup(fb.Close)
	return fb
}

// newSharedDevice creates a device closed after every framebuffer of the test.
func newSharedDevice(t *testing.T, label string) *Device {
	t.Helper()
	dev, err := NewDevice(label, 0)
	if err != nil {
		t.Fatalf("NewDevice(%q) error = %v", label, err)
	}
	t.Cleanup(dev.Close)
	return dev
}

func hostTiles(t *testing.T, fb *SparseFrameBuffer) []Tile {
	t.Helper()
	tiles, err := fb.Tiles()
	if err != nil {
		t.Fatalf("Tiles() error = %v", err)
	}
	return tiles
}

func accumIDs(t *testing.T, fb *SparseFrameBuffer) []int32 {
	t.Helper()
	ids, err := fb.TaskAccumIDs()
	if err != nil {
		t.Fatalf("TaskAccumIDs() error = %v", err)
	}
	return ids
}

func isPosInf(v float32) bool {
	return math.IsInf(float64(v), 1)
}

// countingExecutor runs loops serially and counts them.
type countingExecutor struct {
	loops atomic.Int32
}

func (e *countingExecutor) ParallelFor(n int, fn func(i int)) {
	e.loops.Add(1)
	for i := range n {
		fn(i)
	}
}

// =============================================================================
// Construction
// =============================================================================

func TestNew_InvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		w, h int
		opts []Option
		want error
	}{
		{"zero width", 0, 10, nil, ErrInvalidSize},
		{"negative height", 10, -1, nil, ErrInvalidSize},
		{"task size not dividing tile", 64, 64, []Option{WithTaskSize(5, 8)}, ErrInvalidTaskSize},
		{"zero task size", 64, 64, []Option{WithTaskSize(0, 8)}, ErrInvalidTaskSize},
		{"task larger than tile", 64, 64, []Option{WithTaskSize(64, 64)}, ErrInvalidTaskSize},
		{"unknown channel bit", 64, 64, []Option{WithChannels(Channel(1 << 30))}, ErrUnknownChannel},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fb, err := New(tt.w, tt.h, tt.opts...)
			if !errors.Is(err, tt.want) {
				t.Fatalf("New() error = %v, want %v", err, tt.want)
			}
			if fb != nil {
				t.Error("New() returned a framebuffer on error")
			}
		})
	}
}

func TestNew_Defaults(t *testing.T) {
	fb := newTestFB(t, 100, 50)

	if got := fb.Size(); got != image.Pt(100, 50) {
		t.Errorf("Size() = %v, want (100,50)", got)
	}
	if got := fb.TotalTiles(); got != image.Pt(4, 2) {
		t.Errorf("TotalTiles() = %v, want (4,2)", got)
	}
	if got := fb.TaskSize(); got != image.Pt(8, 8) {
		t.Errorf("TaskSize() = %v, want (8,8)", got)
	}
	if got := fb.NumTasksPerTile(); got != 16 {
		t.Errorf("NumTasksPerTile() = %d, want 16", got)
	}
	if fb.State() != StateUnconfigured {
		t.Errorf("State() = %v, want Unconfigured", fb.State())
	}
	if fb.FrameID() != -1 {
		t.Errorf("FrameID() = %d, want -1", fb.FrameID())
	}
	if fb.UsesTaskAccumIDs() {
		t.Error("color-only framebuffer should not track task accum ids")
	}
	if fb.ColorFormat() != ColorFormatRGBA8 {
		t.Errorf("ColorFormat() = %v, want rgba8", fb.ColorFormat())
	}
	if fb.Backend() != BackendCPU {
		t.Errorf("Backend() = %v, want cpu", fb.Backend())
	}
	if stats := fb.DeviceStats(); stats.Buffers != 0 || stats.AllocatedBytes != 0 {
		t.Errorf("unconfigured framebuffer allocated buffers: %v", stats)
	}
}

// =============================================================================
// Geometry
// =============================================================================

func TestTileRegion_1000x800(t *testing.T) {
	fb := newTestFB(t, 1000, 800)

	tests := []struct {
		id   uint32
		want image.Rectangle
	}{
		{0, image.Rect(0, 0, 32, 32)},
		{1, image.Rect(32, 0, 64, 32)},
		{31, image.Rect(992, 0, 1000, 32)},
		{32, image.Rect(0, 32, 32, 64)},
		{32*25 - 1, image.Rect(992, 768, 1000, 800)},
	}
	for _, tt := range tests {
		if got := fb.TileRegion(tt.id); got != tt.want {
			t.Errorf("TileRegion(%d) = %v, want %v", tt.id, got, tt.want)
		}
	}
}

func TestTaskPlacement(t *testing.T) {
	fb := newTestFB(t, 128, 128, WithTaskSize(16, 8))

	// 2x4 tasks per tile.
	tests := []struct {
		task uint32
		pos  image.Point
		slot int
	}{
		{0, image.Pt(0, 0), 0},
		{1, image.Pt(16, 0), 0},
		{2, image.Pt(0, 8), 0},
		{7, image.Pt(16, 24), 0},
		{8, image.Pt(0, 0), 1},
		{13, image.Pt(16, 16), 1},
	}
	for _, tt := range tests {
		if got := fb.TaskPosInTile(tt.task); got != tt.pos {
			t.Errorf("TaskPosInTile(%d) = %v, want %v", tt.task, got, tt.pos)
		}
		if got := fb.TileIndexForTask(tt.task); got != tt.slot {
			t.Errorf("TileIndexForTask(%d) = %d, want %d", tt.task, got, tt.slot)
		}
	}
}

// =============================================================================
// SetTiles
// =============================================================================

func TestSetTiles_Contract(t *testing.T) {
	tests := []struct {
		name    string
		ids     []uint32
		initial int32
	}{
		{"single", []uint32{5}, 0},
		{"ordered", []uint32{0, 1, 2, 3}, 7},
		{"unordered", []uint32{9, 2, 14, 0}, -3},
		{"duplicates", []uint32{4, 4, 1}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fb := newTestFB(t, 128, 128, WithChannels(adaptiveChannels...))
			if err := fb.SetTiles(tt.ids, tt.initial); err != nil {
				t.Fatalf("SetTiles() error = %v", err)
			}

			if got := fb.TileIDs(); !slices.Equal(got, tt.ids) {
				t.Errorf("TileIDs() = %v, want %v", got, tt.ids)
			}
			if got, want := fb.TotalRenderTasks(), len(tt.ids)*fb.NumTasksPerTile(); got != want {
				t.Errorf("TotalRenderTasks() = %d, want %d", got, want)
			}
			if got := fb.NumRenderTasks(); got != image.Pt(len(tt.ids)*4, 4) {
				t.Errorf("NumRenderTasks() = %v, want (%d,4)", got, len(tt.ids)*4)
			}
			for i, v := range accumIDs(t, fb) {
				if v != tt.initial {
					t.Fatalf("task %d accum id = %d, want %d", i, v, tt.initial)
				}
			}
			for id := range uint32(fb.TotalRenderTasks()) {
				if e, err := fb.TaskError(id); err != nil || !isPosInf(e) {
					t.Fatalf("TaskError(%d) = %v, %v; want +Inf", id, e, err)
				}
			}
			if fb.FrameID() != -1 {
				t.Errorf("FrameID() = %d, want -1", fb.FrameID())
			}
			if fb.State() != StateConfigured {
				t.Errorf("State() = %v, want Configured", fb.State())
			}
		})
	}
}

func TestSetTiles_CopiesInput(t *testing.T) {
	fb := newTestFB(t, 128, 128)
	ids := []uint32{3, 1}
	if err := fb.SetTiles(ids, 0); err != nil {
		t.Fatal(err)
	}
	ids[0] = 99
	if got := fb.TileIDs(); got[0] != 3 {
		t.Errorf("TileIDs()[0] = %d after caller modified input, want 3", got[0])
	}
}

func TestSetTiles_TileInit(t *testing.T) {
	fb := newTestFB(t, 100, 40, WithTiles([]uint32{3, 7}, 0))
	tiles := hostTiles(t, fb)
	if len(tiles) != 2 {
		t.Fatalf("len(Tiles()) = %d, want 2", len(tiles))
	}

	want := []image.Rectangle{image.Rect(96, 0, 100, 32), image.Rect(96, 32, 100, 40)}
	for i, tl := range tiles {
		if tl.Region != want[i] {
			t.Errorf("tile %d region = %v, want %v", i, tl.Region, want[i])
		}
		if tl.ImageSize != image.Pt(100, 40) {
			t.Errorf("tile %d image size = %v", i, tl.ImageSize)
		}
		if tl.RcpImageSize != [2]float32{1.0 / 100, 1.0 / 40} {
			t.Errorf("tile %d rcp size = %v", i, tl.RcpImageSize)
		}
		if tl.AccumID != 0 {
			t.Errorf("tile %d accum id = %d, want 0", i, tl.AccumID)
		}
		if tl.Weight[0] != 1 || tl.Weight[tile.Pixels-1] != 1 {
			t.Errorf("tile %d weights not initialized to 1", i)
		}
	}
	if slot, ok := fb.SlotOf(7); !ok || slot != 1 {
		t.Errorf("SlotOf(7) = %d, %v; want 1, true", slot, ok)
	}
	if _, ok := fb.SlotOf(0); ok {
		t.Error("SlotOf(0) reported an unowned tile")
	}
}

func TestSetTiles_ChannelGating(t *testing.T) {
	tests := []struct {
		name                   string
		opts                   []Option
		accum, variance, tasks bool
	}{
		{"color", []Option{WithChannels(ChannelColor)}, false, false, false},
		{"accum", []Option{WithChannels(ChannelColor, ChannelAccum)}, true, false, true},
		{"variance", []Option{WithChannels(adaptiveChannels...)}, true, true, true},
		{"override", []Option{WithChannels(ChannelColor), WithOverrideTaskAccumIDs(true)}, false, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fb := newTestFB(t, 64, 64, append(tt.opts, WithTiles([]uint32{0, 3}, 2))...)
			d := fb.Descriptor()

			if got := d.Accumulation != nil; got != tt.accum {
				t.Errorf("accumulation allocated = %v, want %v", got, tt.accum)
			}
			if tt.accum && len(d.Accumulation) != 2*TileSize*TileSize {
				t.Errorf("len(Accumulation) = %d, want %d", len(d.Accumulation), 2*TileSize*TileSize)
			}
			if got := d.Variance != nil; got != tt.variance {
				t.Errorf("variance allocated = %v, want %v", got, tt.variance)
			}
			if got := d.TaskError != nil; got != tt.variance {
				t.Errorf("task error allocated = %v, want %v", got, tt.variance)
			}
			if got := d.TaskAccumID != nil; got != tt.tasks {
				t.Errorf("task accum ids allocated = %v, want %v", got, tt.tasks)
			}
			if fb.UsesTaskAccumIDs() != tt.tasks {
				t.Errorf("UsesTaskAccumIDs() = %v, want %v", fb.UsesTaskAccumIDs(), tt.tasks)
			}
		})
	}
}

func TestSetTiles_RenderTaskOrder(t *testing.T) {
	for _, ts := range []image.Point{{8, 8}, {4, 4}, {16, 8}, {32, 32}} {
		fb := newTestFB(t, 256, 256, WithTaskSize(ts.X, ts.Y))
		ids := []uint32{6, 0, 17, 63, 8}
		if err := fb.SetTiles(ids, 0); err != nil {
			t.Fatal(err)
		}

		got := fb.RenderTaskIDs(0)
		total := fb.TotalRenderTasks()
		if len(got) != total {
			t.Fatalf("task size %v: len = %d, want %d", ts, len(got), total)
		}

		sorted := slices.Clone(got)
		slices.Sort(sorted)
		for i, id := range sorted {
			if id != uint32(i) {
				t.Fatalf("task size %v: task ids are not a permutation of 0..%d", ts, total-1)
			}
		}

		per := fb.NumTasksPerTile()
		for slot := range len(ids) {
			chunk := got[slot*per : (slot+1)*per]
			for i, id := range chunk {
				if fb.TileIndexForTask(id) != slot {
					t.Fatalf("task size %v: task %d sorted outside its tile slice", ts, id)
				}
				if i > 0 && fb.geom.MortonOf(chunk[i-1]) >= fb.geom.MortonOf(id) {
					t.Fatalf("task size %v: Morton codes not increasing in slot %d: %v", ts, slot, chunk)
				}
			}
		}
	}
}

func TestSetTiles_EmptyBoundary(t *testing.T) {
	fb := newTestFB(t, 128, 128, WithChannels(adaptiveChannels...), WithTiles([]uint32{1, 2}, 0))

	if err := fb.SetTiles(nil, 0); err != nil {
		t.Fatal(err)
	}
	if fb.NumTiles() != 0 {
		t.Errorf("NumTiles() = %d, want 0", fb.NumTiles())
	}
	for _, th := range []float32{0, 0.5, 100} {
		if got := fb.RenderTaskIDs(th); len(got) != 0 {
			t.Errorf("RenderTaskIDs(%v) = %v, want empty", th, got)
		}
	}
	if stats := fb.DeviceStats(); stats.Buffers != 0 || stats.AllocatedBytes != 0 {
		t.Errorf("empty configuration still holds buffers: %v", stats)
	}
	if e, err := fb.TaskError(0); e != 0 || err != nil {
		t.Errorf("TaskError on empty = %v, %v; want 0, nil", e, err)
	}
	if err := fb.SetTaskError(0, 5); err != nil {
		t.Errorf("SetTaskError on empty = %v, want nil", err)
	}
	if hostTiles(t, fb) != nil || accumIDs(t, fb) != nil {
		t.Error("empty configuration returned tile or accum id views")
	}
	if fb.State() != StateUnconfigured {
		t.Errorf("State() = %v, want Unconfigured", fb.State())
	}
	if err := fb.BeginFrame(); err != nil {
		t.Fatal(err)
	}
	if fb.State() != StateUnconfigured {
		t.Errorf("BeginFrame without tiles changed state to %v", fb.State())
	}

	// Restoring a non-empty assignment leaves nothing of the empty one.
	if err := fb.SetTiles([]uint32{4}, 3); err != nil {
		t.Fatal(err)
	}
	if got := fb.RenderTaskIDs(0); len(got) != fb.NumTasksPerTile() {
		t.Errorf("len(RenderTaskIDs(0)) = %d, want %d", len(got), fb.NumTasksPerTile())
	}
	if got := fb.RenderTaskIDs(0.5); len(got) != fb.NumTasksPerTile() {
		t.Errorf("fresh tasks should all be active, got %d", len(got))
	}
	if fb.FrameID() != -1 {
		t.Errorf("FrameID() = %d, want -1", fb.FrameID())
	}
	for _, v := range accumIDs(t, fb) {
		if v != 3 {
			t.Fatalf("accum id = %d, want 3", v)
		}
	}
}

func TestSetTiles_ReplacesBuffers(t *testing.T) {
	fb := newTestFB(t, 128, 128, WithChannels(ChannelColor, ChannelAccum), WithTiles([]uint32{0, 1, 2}, 0))
	before := fb.DeviceStats()

	if err := fb.SetTiles([]uint32{5}, 0); err != nil {
		t.Fatal(err)
	}
	after := fb.DeviceStats()
	if after.Buffers != before.Buffers {
		t.Errorf("buffer count changed from %d to %d", before.Buffers, after.Buffers)
	}
	if after.AllocatedBytes*3 != before.AllocatedBytes {
		t.Errorf("allocated bytes %d, want a third of %d", after.AllocatedBytes, before.AllocatedBytes)
	}
}

func TestSetTiles_OutOfMemory(t *testing.T) {
	fb := newTestFB(t, 256, 256,
		WithChannels(adaptiveChannels...),
		WithMemoryBudget(64<<10),
		WithTiles([]uint32{0}, 0))

	err := fb.SetTiles([]uint32{0, 1, 2, 3, 4, 5, 6, 7}, 0)
	if !errors.Is(err, ErrOutOfMemory) {
		t.Fatalf("SetTiles() error = %v, want ErrOutOfMemory", err)
	}
	if fb.State() != StateFailed {
		t.Errorf("State() = %v, want Failed", fb.State())
	}
	if stats := fb.DeviceStats(); stats.AllocatedBytes != 0 {
		t.Errorf("failed reconfiguration leaked %d bytes", stats.AllocatedBytes)
	}

	for name, call := range map[string]func() error{
		"SetTiles":   func() error { return fb.SetTiles([]uint32{0}, 0) },
		"BeginFrame": fb.BeginFrame,
		"Clear":      fb.Clear,
	} {
		if err := call(); !errors.Is(err, ErrFailed) {
			t.Errorf("%s after failure = %v, want ErrFailed", name, err)
		}
	}
	if fb.NumTiles() != 0 || fb.RenderTaskIDs(0) != nil {
		t.Error("failed framebuffer still exposes tiles")
	}
}

func TestNew_OutOfMemory(t *testing.T) {
	_, err := New(256, 256, WithMemoryBudget(1024), WithTiles([]uint32{0}, 0))
	if !errors.Is(err, ErrOutOfMemory) {
		t.Fatalf("New() error = %v, want ErrOutOfMemory", err)
	}
}

// =============================================================================
// Frame lifecycle
// =============================================================================

func TestBeginFrame(t *testing.T) {
	fb := newTestFB(t, 128, 128, WithTiles([]uint32{0, 5, 9}, 0))

	for frame := int32(0); frame < 3; frame++ {
		if err := fb.BeginFrame(); err != nil {
			t.Fatal(err)
		}
		if fb.FrameID() != frame {
			t.Errorf("FrameID() = %d, want %d", fb.FrameID(), frame)
		}
		for slot := range fb.NumTiles() {
			if id, ok := fb.TileAccumID(slot); !ok || id != frame {
				t.Errorf("frame %d: TileAccumID(%d) = %d, %v", frame, slot, id, ok)
			}
		}
		for i, tl := range hostTiles(t, fb) {
			if tl.AccumID != frame {
				t.Errorf("frame %d: host tile %d accum id = %d", frame, i, tl.AccumID)
			}
		}
	}
	if fb.State() != StateFrameActive {
		t.Errorf("State() = %v, want FrameActive", fb.State())
	}
	if _, ok := fb.TileAccumID(3); ok {
		t.Error("TileAccumID out of range reported ok")
	}

	if err := fb.SetTiles([]uint32{1}, 0); err != nil {
		t.Fatal(err)
	}
	if fb.FrameID() != -1 || fb.State() != StateConfigured {
		t.Errorf("after SetTiles: frame %d state %v", fb.FrameID(), fb.State())
	}
}

func TestTiles_SyncCoalescing(t *testing.T) {
	fb := newTestFB(t, 256, 256, WithTiles([]uint32{0, 1, 2, 3, 4, 5}, 0))

	if err := fb.BeginFrame(); err != nil {
		t.Fatal(err)
	}
	before := fb.DeviceStats().CopiesToHost
	hostTiles(t, fb)
	afterFirst := fb.DeviceStats().CopiesToHost
	hostTiles(t, fb)
	hostTiles(t, fb)
	afterRepeat := fb.DeviceStats().CopiesToHost

	if afterFirst-before != 1 {
		t.Errorf("first Tiles() issued %d copies, want 1 coalesced copy", afterFirst-before)
	}
	if afterRepeat != afterFirst {
		t.Errorf("repeated Tiles() issued %d more copies, want 0", afterRepeat-afterFirst)
	}

	if err := fb.BeginFrame(); err != nil {
		t.Fatal(err)
	}
	hostTiles(t, fb)
	if got := fb.DeviceStats().CopiesToHost; got != afterRepeat+1 {
		t.Errorf("Tiles() after BeginFrame copies = %d, want %d", got, afterRepeat+1)
	}
}

func TestTiles_FailedTransferKeepsDirty(t *testing.T) {
	fb := newTestFB(t, 256, 256, WithChannels(ChannelColor, ChannelAccum), WithTiles([]uint32{0, 1, 2, 4, 5}, 0))

	if err := fb.BeginFrame(); err != nil {
		t.Fatal(err)
	}
	fb.l.tiles.Release()
	fb.l.taskAccumID.Release()

	if _, err := fb.Tiles(); !errors.Is(err, device.ErrBufferReleased) {
		t.Fatalf("Tiles() error = %v, want ErrBufferReleased", err)
	}
	if got := len(fb.l.dirtyTiles.GetAndClear()); got != 5 {
		t.Errorf("dirty tiles after failed Tiles() = %d, want 5", got)
	}
	if _, err := fb.TaskAccumIDs(); !errors.Is(err, device.ErrBufferReleased) {
		t.Errorf("TaskAccumIDs() error = %v, want ErrBufferReleased", err)
	}
}

func TestClear_Idempotent(t *testing.T) {
	fb := newTestFB(t, 128, 128, WithChannels(adaptiveChannels...), WithTiles([]uint32{2, 3}, 5))

	if err := fb.BeginFrame(); err != nil {
		t.Fatal(err)
	}
	for id := range uint32(fb.TotalRenderTasks()) {
		if err := fb.SetTaskError(id, float32(id)); err != nil {
			t.Fatal(err)
		}
	}

	snapshot := func() ([]int32, []float32) {
		errs := make([]float32, fb.TotalRenderTasks())
		for id := range errs {
			errs[id], _ = fb.TaskError(uint32(id))
		}
		return slices.Clone(accumIDs(t, fb)), errs
	}

	if err := fb.Clear(); err != nil {
		t.Fatal(err)
	}
	ids1, errs1 := snapshot()
	frame1 := fb.FrameID()

	if err := fb.Clear(); err != nil {
		t.Fatal(err)
	}
	ids2, errs2 := snapshot()

	if !slices.Equal(ids1, ids2) || !slices.Equal(errs1, errs2) || frame1 != fb.FrameID() {
		t.Error("second Clear changed observable state")
	}
	for i := range ids1 {
		if ids1[i] != 0 {
			t.Fatalf("accum id %d = %d after Clear, want 0", i, ids1[i])
		}
		if !isPosInf(errs1[i]) {
			t.Fatalf("task error %d = %v after Clear, want +Inf", i, errs1[i])
		}
	}
	if frame1 != -1 {
		t.Errorf("FrameID() = %d after Clear, want -1", frame1)
	}
	if tl := hostTiles(t, fb); tl[1].Region != image.Rect(96, 0, 128, 32) {
		t.Errorf("Clear changed tile geometry: %v", tl[1].Region)
	}
}

// =============================================================================
// Task errors and adaptive filtering
// =============================================================================

func TestTaskError_RoundTrip(t *testing.T) {
	fb := newTestFB(t, 96, 64, WithChannels(adaptiveChannels...), WithTiles([]uint32{0, 4, 5}, 0))

	values := []float32{0, 1e-9, 0.25, 1, 3.5e6, math.MaxFloat32}
	for id := range uint32(fb.TotalRenderTasks()) {
		for _, v := range values {
			if err := fb.SetTaskError(id, v); err != nil {
				t.Fatalf("SetTaskError(%d, %v) = %v", id, v, err)
			}
			got, err := fb.TaskError(id)
			if err != nil || got != v {
				t.Fatalf("TaskError(%d) = %v, %v; want %v", id, got, err, v)
			}
		}
	}
}

func TestTaskError_Errors(t *testing.T) {
	t.Run("no variance", func(t *testing.T) {
		fb := newTestFB(t, 64, 64, WithChannels(ChannelColor, ChannelAccum), WithTiles([]uint32{0}, 0))
		if _, err := fb.TaskError(0); !errors.Is(err, ErrNoVarianceBuffer) {
			t.Errorf("TaskError() error = %v, want ErrNoVarianceBuffer", err)
		}
		if err := fb.SetTaskError(0, 1); !errors.Is(err, ErrNoVarianceBuffer) {
			t.Errorf("SetTaskError() error = %v, want ErrNoVarianceBuffer", err)
		}
	})
	t.Run("out of range", func(t *testing.T) {
		fb := newTestFB(t, 64, 64, WithChannels(adaptiveChannels...), WithTiles([]uint32{0}, 0))
		n := uint32(fb.TotalRenderTasks())
		if _, err := fb.TaskError(n); !errors.Is(err, ErrTaskOutOfRange) {
			t.Errorf("TaskError(%d) error = %v, want ErrTaskOutOfRange", n, err)
		}
		if err := fb.SetTaskError(n, 1); !errors.Is(err, ErrTaskOutOfRange) {
			t.Errorf("SetTaskError(%d) error = %v, want ErrTaskOutOfRange", n, err)
		}
	})
}

func TestRenderTaskIDs_Filter(t *testing.T) {
	fb := newTestFB(t, 128, 64, WithChannels(adaptiveChannels...), WithTiles([]uint32{1, 6, 0}, 0))

	all := slices.Clone(fb.RenderTaskIDs(0))
	errs := make([]float32, len(all))
	for id := range errs {
		errs[id] = float32((id*37)%11) / 10
		if err := fb.SetTaskError(uint32(id), errs[id]); err != nil {
			t.Fatal(err)
		}
	}

	for _, threshold := range []float32{0.05, 0.3, 0.5, 0.99, 2} {
		var want []uint32
		for _, id := range all {
			if errs[id] > threshold {
				want = append(want, id)
			}
		}
		got := fb.RenderTaskIDs(threshold)
		if !slices.Equal(got, want) {
			t.Errorf("RenderTaskIDs(%v) = %v, want %v", threshold, got, want)
		}
	}

	if got := fb.RenderTaskIDs(0); !slices.Equal(got, all) {
		t.Error("RenderTaskIDs(0) changed after filtering")
	}
	if got := fb.RenderTaskIDs(-1); !slices.Equal(got, all) {
		t.Error("negative threshold should return every task")
	}
}

func TestRenderTaskIDs_NoVarianceIgnoresThreshold(t *testing.T) {
	fb := newTestFB(t, 64, 64, WithChannels(ChannelColor, ChannelAccum), WithTiles([]uint32{0, 1}, 0))
	if got := fb.RenderTaskIDs(10); len(got) != fb.TotalRenderTasks() {
		t.Errorf("len(RenderTaskIDs(10)) = %d, want %d", len(got), fb.TotalRenderTasks())
	}
}

// =============================================================================
// Backends and executors
// =============================================================================

func TestBackendDevice(t *testing.T) {
	fb := newTestFB(t, 128, 128, WithBackend(BackendDevice), WithTiles([]uint32{0, 1, 2, 3, 4}, 0))

	before := fb.DeviceStats()
	if err := fb.BeginFrame(); err != nil {
		t.Fatal(err)
	}
	for slot := range fb.NumTiles() {
		if id, _ := fb.TileAccumID(slot); id != 0 {
			t.Errorf("TileAccumID(%d) = %d, want 0", slot, id)
		}
	}
	for i, tl := range hostTiles(t, fb) {
		if tl.AccumID != 0 {
			t.Errorf("host tile %d accum id = %d, want 0", i, tl.AccumID)
		}
	}

	after := fb.DeviceStats()
	got := after.Dispatches - before.Dispatches
	switch fb.Backend() {
	case BackendDevice:
		if got != 1 {
			t.Errorf("BeginFrame dispatched %d kernels, want 1", got)
		}
		if n := after.Submissions - before.Submissions; n != 1 {
			t.Errorf("BeginFrame submitted %d command buffers, want 1", n)
		}
	case BackendCPU:
		t.Logf("device kernel unavailable, fell back to CPU")
		if got != 0 {
			t.Errorf("CPU fallback dispatched %d kernels", got)
		}
	}
}

func TestWithExecutor(t *testing.T) {
	exec := &countingExecutor{}
	fb := newTestFB(t, 128, 128, WithExecutor(exec), WithTiles([]uint32{0, 1}, 0))

	// Tile init and intra-tile sort.
	if got := exec.loops.Load(); got != 2 {
		t.Errorf("SetTiles ran %d loops on the executor, want 2", got)
	}
	if err := fb.BeginFrame(); err != nil {
		t.Fatal(err)
	}
	if got := exec.loops.Load(); got != 3 {
		t.Errorf("BeginFrame loops = %d, want 3 total", got)
	}
}

func TestWithDevice_SharedBudget(t *testing.T) {
	dev := newSharedDevice(t, "shared")

	a := newTestFB(t, 128, 128, WithDevice(dev), WithTiles([]uint32{0}, 0))
	b := newTestFB(t, 128, 128, WithDevice(dev), WithTiles([]uint32{1, 2}, 0))

	// Tiles and render task ids for each framebuffer.
	if got := a.DeviceStats().Buffers; got != 4 {
		t.Errorf("shared device holds %d buffers, want 4", got)
	}
	used := dev.Stats().AllocatedBytes

	b.Close()
	if dev.Stats().AllocatedBytes >= used {
		t.Error("closing a framebuffer did not release its buffers")
	}
	if err := a.BeginFrame(); err != nil {
		t.Errorf("shared device closed with a framebuffer: %v", err)
	}
}

// =============================================================================
// Descriptor
// =============================================================================

func TestDescriptor(t *testing.T) {
	fb := newTestFB(t, 80, 40, WithChannels(adaptiveChannels...), WithColorFormat(ColorFormatSRGBA), WithTiles([]uint32{2, 5}, 0))

	d := fb.Descriptor()
	if d == nil {
		t.Fatal("Descriptor() = nil")
	}
	if d.ImageSize != image.Pt(80, 40) || d.TotalTiles != image.Pt(3, 2) || d.NumTiles != 2 {
		t.Errorf("descriptor sizes = %v %v %d", d.ImageSize, d.TotalTiles, d.NumTiles)
	}
	if d.NumRenderTasks != image.Pt(8, 4) || d.TaskSize != image.Pt(8, 8) || d.FrameID != -1 {
		t.Errorf("descriptor tasks = %v %v frame %d", d.NumRenderTasks, d.TaskSize, d.FrameID)
	}
	if d.ColorFormat != ColorFormatSRGBA || !d.Channels.Has(ChannelVariance) {
		t.Errorf("descriptor format %v channels %v", d.ColorFormat, d.Channels)
	}
	if len(d.RenderTaskIDs) != 32 || len(d.TaskError) != 32 || len(d.TaskAccumID) != 32 {
		t.Errorf("descriptor task buffer lengths %d %d %d", len(d.RenderTaskIDs), len(d.TaskError), len(d.TaskAccumID))
	}

	// Tile 2 covers x in [64, 80): task 2 of slot 0 starts at x=80 and is empty.
	if r := d.TaskRegion(0); r != image.Rect(64, 0, 72, 8) {
		t.Errorf("TaskRegion(0) = %v", r)
	}
	if r := d.TaskRegion(2); !r.Empty() {
		t.Errorf("TaskRegion(2) = %v, want empty", r)
	}
	if got := d.TileSlot(17); got != 1 {
		t.Errorf("TileSlot(17) = %d, want 1", got)
	}
	if got := d.PixelIndex(1, 65, 33); got != tile.Pixels+1*TileSize+1 {
		t.Errorf("PixelIndex(1, 65, 33) = %d", got)
	}

	if err := fb.BeginFrame(); err != nil {
		t.Fatal(err)
	}
	d2 := fb.Descriptor()
	if d2 == d || d2.FrameID != 0 {
		t.Errorf("BeginFrame did not publish a new descriptor (frame %d)", d2.FrameID)
	}
	if d.FrameID != -1 {
		t.Error("published descriptor was mutated")
	}

	fb.Close()
	if fb.Descriptor() != nil {
		t.Error("closed framebuffer still publishes a descriptor")
	}
}

// =============================================================================
// Lifecycle
// =============================================================================

func TestClose(t *testing.T) {
	dev := newSharedDevice(t, "close")

	fb, err := New(64, 64, WithDevice(dev), WithChannels(adaptiveChannels...), WithTiles([]uint32{0, 1}, 0))
	if err != nil {
		t.Fatal(err)
	}
	fb.Close()
	fb.Close()

	if fb.State() != StateClosed {
		t.Errorf("State() = %v, want Closed", fb.State())
	}
	if dev.Stats().AllocatedBytes != 0 {
		t.Errorf("Close leaked %d bytes", dev.Stats().AllocatedBytes)
	}
	if err := fb.BeginFrame(); !errors.Is(err, ErrClosed) {
		t.Errorf("BeginFrame after Close = %v, want ErrClosed", err)
	}
	if err := fb.SetTiles([]uint32{0}, 0); !errors.Is(err, ErrClosed) {
		t.Errorf("SetTiles after Close = %v, want ErrClosed", err)
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{StateUnconfigured, "Unconfigured"},
		{StateConfigured, "Configured"},
		{StateFrameActive, "FrameActive"},
		{StateFailed, "Failed"},
		{StateClosed, "Closed"},
		{State(42), "Unknown(42)"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", int(tt.s), got, tt.want)
		}
	}
}

// =============================================================================
// Concurrency
// =============================================================================

// TestBeginFrame_ConcurrentReaders runs readers against BeginFrame. Run with
// -race: every tile accum id must be either the previous or the new frame.
func TestBeginFrame_ConcurrentReaders(t *testing.T) {
	fb := newTestFB(t, 512, 512, WithChannels(adaptiveChannels...), WithTiles([]uint32{0, 1, 2, 3, 17, 18, 19, 40, 41, 42, 43, 44}, 0))
	const frames = 200

	// Stamp every tile once so ids never run ahead of the counter.
	if err := fb.BeginFrame(); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	var done atomic.Bool
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for !done.Load() {
				lo := fb.FrameID()
				for slot := range fb.NumTiles() {
					id, ok := fb.TileAccumID(slot)
					if !ok {
						t.Error("TileAccumID out of range during frames")
						return
					}
					if id > fb.FrameID() || id < lo-1 {
						t.Errorf("tile %d accum id %d outside [%d, %d]", slot, id, lo-1, fb.FrameID())
						return
					}
				}
				if n := len(fb.RenderTaskIDs(0)); n != fb.TotalRenderTasks() {
					t.Errorf("RenderTaskIDs(0) length %d", n)
					return
				}
				if len(fb.TileIDs()) != 12 {
					t.Error("TileIDs changed during frames")
					return
				}
				if _, err := fb.TaskError(0); err != nil {
					t.Error(err)
					return
				}
				if d := fb.Descriptor(); d == nil || d.FrameID > fb.FrameID() {
					t.Error("descriptor ahead of frame counter")
					return
				}
			}
		}()
	}

	for range frames {
		if err := fb.BeginFrame(); err != nil {
			t.Error(err)
			break
		}
	}
	done.Store(true)
	wg.Wait()

	for slot := range fb.NumTiles() {
		if id, _ := fb.TileAccumID(slot); id != frames {
			t.Errorf("final TileAccumID(%d) = %d, want %d", slot, id, frames)
		}
	}
}

// =============================================================================
// Benchmarks
// =============================================================================

func BenchmarkSetTiles(b *testing.B) {
	fb, err := New(1920, 1080, WithChannels(adaptiveChannels...))
	if err != nil {
		b.Fatal(err)
	}
	defer fb.Close()
	ids := make([]uint32, 256)
	for i := range ids {
		ids[i] = uint32(i * 7 % 2040)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := fb.SetTiles(ids, 0); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkRenderTaskIDs_Filter(b *testing.B) {
	fb, err := New(1920, 1080, WithChannels(adaptiveChannels...), WithTiles(make([]uint32, 512), 0))
	if err != nil {
		b.Fatal(err)
	}
	defer fb.Close()
	for id := range uint32(fb.TotalRenderTasks()) {
		_ = fb.SetTaskError(id, float32(id%10)/10)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = fb.RenderTaskIDs(0.45)
	}
}
