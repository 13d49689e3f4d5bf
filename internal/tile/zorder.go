package tile

import (
	"cmp"
	"slices"

	lru "github.com/hashicorp/golang-lru"
)

// keyTableCacheSize bounds the number of distinct task sizes whose sort key
// tables stay cached. Renderers use one or two task sizes in practice.
const keyTableCacheSize = 16

// keyTables caches Morton sort keys per task size. Dynamic load balancing
// builds a fresh framebuffer for every tile set it receives, so the tables
// are shared across instances.
var keyTables = mustNewCache(keyTableCacheSize)

func mustNewCache(size int) *lru.Cache {
	c, err := lru.New(size)
	if err != nil {
		panic(err)
	}
	return c
}

// Interleave returns the Z-order (Morton) code of (x, y).
// Bits of x occupy the even positions and bits of y the odd positions.
// Only the low 16 bits of each coordinate contribute.
func Interleave(x, y uint32) uint32 {
	return spread(x) | spread(y)<<1
}

// spread inserts a zero bit between each of the low 16 bits of v.
func spread(v uint32) uint32 {
	v &= 0x0000ffff
	v = (v | v<<8) & 0x00ff00ff
	v = (v | v<<4) & 0x0f0f0f0f
	v = (v | v<<2) & 0x33333333
	v = (v | v<<1) & 0x55555555
	return v
}

// SortKeys returns the Morton code of every tile-local task index for g's
// task size. The returned slice is shared and must not be modified.
func (g Geometry) SortKeys() []uint32 {
	if v, ok := keyTables.Get(g.taskSize); ok {
		return v.([]uint32)
	}

	keys := make([]uint32, g.TasksPerTile())
	for i := range keys {
		p := g.TaskPosInTile(uint32(i))                //nolint:gosec // bounded by tile size
		keys[i] = Interleave(uint32(p.X), uint32(p.Y)) //nolint:gosec // tile-local, non-negative
	}
	keyTables.Add(g.taskSize, keys)
	return keys
}

// SortTileTasks orders one tile's slice of task ids by the Morton code of each
// task's position inside the tile. All ids in ids must belong to the same tile.
func (g Geometry) SortTileTasks(ids []uint32) {
	keys := g.SortKeys()
	per := uint32(len(keys)) //nolint:gosec // tasks per tile is small
	slices.SortFunc(ids, func(a, b uint32) int {
		return cmp.Compare(keys[a%per], keys[b%per])
	})
}

// MortonOf returns the Morton code of taskID's position inside its tile.
func (g Geometry) MortonOf(taskID uint32) uint32 {
	p := g.TaskPosInTile(taskID)
	return Interleave(uint32(p.X), uint32(p.Y)) //nolint:gosec // tile-local, non-negative
}
