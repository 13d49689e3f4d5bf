package tile

// Index maps logical tile ids to their slot in an owned tile list.
//
// If an id appears more than once in the list, the first slot wins.
type Index struct {
	slots map[uint32]int
}

// NewIndex builds an index over ids. Slot i corresponds to ids[i].
func NewIndex(ids []uint32) Index {
	slots := make(map[uint32]int, len(ids))
	for i, id := range ids {
		if _, dup := slots[id]; !dup {
			slots[id] = i
		}
	}
	return Index{slots: slots}
}

// SlotOf returns the slot of tileID and whether the tile is owned.
func (x Index) SlotOf(tileID uint32) (int, bool) {
	slot, ok := x.slots[tileID]
	return slot, ok
}
