package blabber

import (
	"unsafe"

	"github.com/google/uuid"
	"github.com/outofforest/photon"

	"github.com/outofforest/blabber/alloc"
	"github.com/outofforest/blabber/blocks"
)

// FormatVersion is the version of the database file format.
const FormatVersion uint32 = 1

var fileMagic = [10]byte{'B', 'L', 'A', 'B', 'B', 'E', 'R', '_', 'D', 'B'}

// fileHeader identifies the file. It is checked before the rest of the master
// block is interpreted.
type fileHeader struct {
	Magic   [10]byte
	Version uint32
}

// masterBlock is the full content of block 0. It anchors the entire persistent
// state: everything else is reachable through the allocator and store anchors.
type masterBlock struct {
	Header     fileHeader
	DatabaseID uuid.UUID
	Checksum   blocks.Hash
	Alloc      alloc.Anchor
	Store      storeAnchor
}

// ComputeChecksum computes checksum of the master block.
func (b masterBlock) ComputeChecksum() blocks.Hash {
	b.Checksum = 0
	return blocks.Checksum(photon.NewFromValue(&b).B)
}

// The file header must be serialized at offset 0 of the master block.
var _ [0]struct{} = [unsafe.Offsetof(masterBlock{}.Header)]struct{}{}

// The master block must fit into one block.
var _ [blocks.BlockSize - int64(unsafe.Sizeof(masterBlock{}))]struct{}
