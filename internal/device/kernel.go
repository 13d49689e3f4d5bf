package device

import (
	_ "embed"
	"encoding/binary"
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/naga"
)

//go:embed shaders/tile_accum_id.wgsl
var tileAccumIDShaderWGSL string

// Kernel is a compute kernel compiled from WGSL.
//
// Its bind group 0 holds a uniform parameter block at binding 0 followed by
// storage bindings 1..storage, all read_write.
type Kernel struct {
	label   string
	entry   string
	storage int
	spirv   []uint32
}

// CompileKernel compiles WGSL source with the given entry point and number
// of storage bindings to SPIR-V.
func CompileKernel(label, wgsl, entry string, storage int) (*Kernel, error) {
	spirvBytes, err := naga.Compile(wgsl)
	if err != nil {
		return nil, fmt.Errorf("device: compile kernel %q: %w", label, err)
	}

	// SPIR-V is a stream of little-endian 32-bit words.
	words := make([]uint32, len(spirvBytes)/4)
	for i := range words {
		words[i] = uint32(spirvBytes[i*4]) |
			uint32(spirvBytes[i*4+1])<<8 |
			uint32(spirvBytes[i*4+2])<<16 |
			uint32(spirvBytes[i*4+3])<<24
	}

	slogger().Info("device: kernel compiled", "kernel", label, "entry", entry, "words", len(words))
	return &Kernel{label: label, entry: entry, storage: storage, spirv: words}, nil
}

// CompileBeginFrameKernel compiles the kernel that stamps every tile with the
// current frame id.
func CompileBeginFrameKernel() (*Kernel, error) {
	return CompileKernel("tile_accum_id", tileAccumIDShaderWGSL, "begin_frame", 1)
}

// BeginFrameParamsSize is the size of the begin-frame parameter block.
const BeginFrameParamsSize = 16

// BeginFrameParams encodes the begin-frame parameter block.
func BeginFrameParams(frameID int32, numTiles int) []byte {
	b := make([]byte, BeginFrameParamsSize)
	binary.LittleEndian.PutUint32(b[0:], uint32(frameID))  //nolint:gosec // two's complement i32
	binary.LittleEndian.PutUint32(b[4:], uint32(numTiles)) //nolint:gosec // tile counts fit in u32
	return b
}

// Label returns the kernel label.
func (k *Kernel) Label() string { return k.label }

// EntryPoint returns the entry point name.
func (k *Kernel) EntryPoint() string { return k.entry }

// SPIRV returns the compiled module as 32-bit words.
func (k *Kernel) SPIRV() []uint32 { return k.spirv }

// layoutEntries returns the bind group layout of the kernel.
func (k *Kernel) layoutEntries() []gputypes.BindGroupLayoutEntry {
	entries := make([]gputypes.BindGroupLayoutEntry, 0, k.storage+1)
	entries = append(entries, gputypes.BindGroupLayoutEntry{
		Binding:    0,
		Visibility: gputypes.ShaderStageCompute,
		Buffer:     &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeUniform},
	})
	for i := range k.storage {
		entries = append(entries, gputypes.BindGroupLayoutEntry{
			Binding:    uint32(i + 1), //nolint:gosec // binding counts are tiny
			Visibility: gputypes.ShaderStageCompute,
			Buffer:     &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeStorage},
		})
	}
	return entries
}
