package heap

import (
	"fmt"
	"io"
	"math"

	"github.com/outofforest/photon"
	"github.com/pkg/errors"

	"github.com/outofforest/blabber/alloc"
	"github.com/outofforest/blabber/blocks"
	"github.com/outofforest/blabber/engine"
)

// MaxBlobSize is the largest blob the heap accepts.
const MaxBlobSize = math.MaxUint32

// lengthSize is the size of the length prefix stored in front of every blob.
const lengthSize = 4

// Reference is an opaque handle to a blob. References compare by the position
// of the blob inside the store, which gives a stable total order. The zero
// reference is null.
type Reference uint64

// Anchor is the persistent state of the heap. Small blobs bump-allocate into
// the tail block; blobs that do not fit a single block get their own extent.
type Anchor struct {
	Tail     blocks.BlockIndex
	TailUsed uint32
	NBlobs   uint64
	NBytes   uint64
}

// Heap is an unordered variable-size blob store. Blobs are never freed.
type Heap struct {
	engine *engine.Engine
	alloc  *alloc.Allocator
	anchor *Anchor
	flag   *blocks.AnchorFlag
}

// New returns a heap over the anchor.
func New(a *alloc.Allocator, anchor *Anchor, flag *blocks.AnchorFlag) *Heap {
	return &Heap{
		engine: a.Engine(),
		alloc:  a,
		anchor: anchor,
		flag:   flag,
	}
}

// Allocate stores the blob and returns a reference to it.
func (h *Heap) Allocate(data []byte) (Reference, error) {
	if len(data) > MaxBlobSize {
		return 0, errors.Errorf("blob of %d bytes exceeds the heap limit", len(data))
	}

	recSize := int64(lengthSize + len(data))
	var ref Reference
	switch {
	case h.anchor.Tail != 0 && int64(h.anchor.TailUsed)+recSize <= blocks.BlockSize:
		handle, err := h.engine.Read(h.anchor.Tail)
		if err != nil {
			return 0, err
		}
		offset := int64(h.anchor.TailUsed)
		writeBlob(handle.Bytes()[offset:], data)
		handle.MarkDirty()
		handle.Release()

		ref = Reference(uint64(h.anchor.Tail)*uint64(blocks.BlockSize) + uint64(offset))
		h.anchor.TailUsed = nextBlobOffset(uint32(offset) + uint32(recSize))
	case recSize <= blocks.BlockSize:
		index, err := h.alloc.Allocate()
		if err != nil {
			return 0, err
		}
		handle, err := h.engine.Overwrite(index)
		if err != nil {
			return 0, err
		}
		writeBlob(handle.Bytes(), data)
		handle.Release()

		ref = Reference(uint64(index) * uint64(blocks.BlockSize))
		h.anchor.Tail = index
		h.anchor.TailUsed = nextBlobOffset(uint32(recSize))
	default:
		nBlocks := uint64((recSize + blocks.BlockSize - 1) / blocks.BlockSize)
		first, err := h.alloc.AllocateSequence(nBlocks)
		if err != nil {
			return 0, err
		}

		remaining := data
		for index := first; len(remaining) > 0 || index == first; index++ {
			handle, err := h.engine.Overwrite(index)
			if err != nil {
				return 0, err
			}
			buf := handle.Bytes()
			if index == first {
				*photon.NewFromBytes[uint32](buf).V = uint32(len(data))
				buf = buf[lengthSize:]
			}
			n := copy(buf, remaining)
			remaining = remaining[n:]
			handle.Release()
		}

		ref = Reference(uint64(first) * uint64(blocks.BlockSize))
	}

	h.anchor.NBlobs++
	h.anchor.NBytes += uint64(len(data))
	h.flag.Mark()
	return ref, nil
}

// Size returns the byte size of the referenced blob.
func (h *Heap) Size(ref Reference) (uint32, error) {
	index := blocks.BlockIndex(uint64(ref) / uint64(blocks.BlockSize))
	offset := int64(uint64(ref) % uint64(blocks.BlockSize))

	handle, err := h.engine.Read(index)
	if err != nil {
		return 0, err
	}
	size := *photon.NewFromBytes[uint32](handle.Bytes()[offset:]).V
	handle.Release()
	return size, nil
}

// Load returns the content of the referenced blob.
func (h *Heap) Load(ref Reference) ([]byte, error) {
	size, err := h.Size(ref)
	if err != nil {
		return nil, err
	}

	index := blocks.BlockIndex(uint64(ref) / uint64(blocks.BlockSize))
	offset := int64(uint64(ref)%uint64(blocks.BlockSize)) + lengthSize

	data := make([]byte, size)
	remaining := data
	for len(remaining) > 0 {
		handle, err := h.engine.Read(index)
		if err != nil {
			return nil, err
		}
		n := copy(remaining, handle.Bytes()[offset:])
		handle.Release()

		remaining = remaining[n:]
		offset = 0
		index++
	}
	return data, nil
}

// Dump writes a human-readable snapshot of the heap state.
func (h *Heap) Dump(w io.Writer) error {
	_, err := fmt.Fprintf(w, "heap: blobs=%d bytes=%d tail=%d tailUsed=%d\n",
		h.anchor.NBlobs, h.anchor.NBytes, h.anchor.Tail, h.anchor.TailUsed)
	return errors.WithStack(err)
}

// writeBlob writes the length prefix and the payload at the start of buf.
func writeBlob(buf []byte, data []byte) {
	*photon.NewFromBytes[uint32](buf).V = uint32(len(data))
	copy(buf[lengthSize:], data)
}

// nextBlobOffset aligns the offset of the next blob so its length prefix stays
// aligned for zero-copy access.
func nextBlobOffset(offset uint32) uint32 {
	return (offset + 7) &^ 7
}
