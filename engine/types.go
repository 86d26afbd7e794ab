package engine

import (
	"unsafe"

	"github.com/outofforest/blabber/blocks"
)

const (
	// alignment specifies the alignment requirements of the architecture.
	alignment = 8

	// slotHeaderSize is the size of the header in a cache slot, rounded up so
	// that the block data following the header stays correctly aligned.
	slotHeaderSize = (int64(unsafe.Sizeof(slotHeader{})-1)/alignment + 1) * alignment

	// slotSize is the size of one cache slot stored in memory.
	slotSize = blocks.BlockSize + slotHeaderSize
)

// slotState is the enum representing the state of a cache slot.
type slotState byte

// Enum of possible slot states. A fetched slot holds committed content and may
// be evicted when unpinned. A dirty slot holds content modified by the current
// transaction; it is never evicted directly, but when the cache runs out of
// room its content may be spilled to the journal, which turns it into a
// fetched slot.
const (
	freeSlotState slotState = iota
	fetchedSlotState
	dirtySlotState
)

// slotHeader stores the metadata of a cache slot.
type slotHeader struct {
	Index blocks.BlockIndex
	Pins  int32
	State slotState
}
