package alloc

import (
	"fmt"
	"io"

	"github.com/outofforest/photon"
	"github.com/pkg/errors"

	"github.com/outofforest/blabber/blocks"
	"github.com/outofforest/blabber/engine"
)

// Anchor is the persistent state of the allocator, stored in the master block.
// Free blocks form a singly linked list: each free block stores the index of
// the next free block in its first bytes.
type Anchor struct {
	FreeHead   blocks.BlockIndex
	NFree      uint64
	NAllocated uint64
}

// Allocator hands out single blocks and contiguous extents from the engine.
type Allocator struct {
	engine *engine.Engine
	anchor *Anchor
	flag   *blocks.AnchorFlag
}

// New returns an allocator over the anchor. Mutations mark the flag so the
// owner knows to write the anchor back.
func New(e *engine.Engine, anchor *Anchor, flag *blocks.AnchorFlag) *Allocator {
	return &Allocator{
		engine: e,
		anchor: anchor,
		flag:   flag,
	}
}

// Engine returns the engine the allocator works on.
func (a *Allocator) Engine() *engine.Engine {
	return a.engine
}

// Allocate returns one block, reusing a freed block if possible and growing
// the store otherwise. The content of the returned block is unspecified.
func (a *Allocator) Allocate() (blocks.BlockIndex, error) {
	if a.anchor.FreeHead != 0 {
		index := a.anchor.FreeHead

		h, err := a.engine.Read(index)
		if err != nil {
			return 0, err
		}
		next := *photon.NewFromBytes[blocks.BlockIndex](h.Bytes()).V
		h.Release()

		a.anchor.FreeHead = next
		a.anchor.NFree--
		a.anchor.NAllocated++
		a.flag.Mark()
		return index, nil
	}

	index := blocks.BlockIndex(a.engine.Size())
	if err := a.engine.Grow(1); err != nil {
		return 0, err
	}
	a.anchor.NAllocated++
	a.flag.Mark()
	return index, nil
}

// AllocateSequence returns the first block of a freshly grown contiguous
// extent of n blocks.
func (a *Allocator) AllocateSequence(n uint64) (blocks.BlockIndex, error) {
	if n == 0 {
		return 0, errors.New("extent must contain at least one block")
	}

	index := blocks.BlockIndex(a.engine.Size())
	if err := a.engine.Grow(n); err != nil {
		return 0, err
	}
	a.anchor.NAllocated += n
	a.flag.Mark()
	return index, nil
}

// Free returns the block to the allocator by pushing it onto the free list.
func (a *Allocator) Free(index blocks.BlockIndex) error {
	if index == 0 {
		return errors.New("block 0 cannot be freed")
	}

	h, err := a.engine.Overwrite(index)
	if err != nil {
		return err
	}
	*photon.NewFromBytes[blocks.BlockIndex](h.Bytes()).V = a.anchor.FreeHead
	h.Release()

	a.anchor.FreeHead = index
	a.anchor.NFree++
	a.anchor.NAllocated--
	a.flag.Mark()
	return nil
}

// Dump writes a human-readable snapshot of the allocator state.
func (a *Allocator) Dump(w io.Writer) error {
	_, err := fmt.Fprintf(w, "allocator: allocated=%d free=%d freeHead=%d storeBlocks=%d\n",
		a.anchor.NAllocated, a.anchor.NFree, a.anchor.FreeHead, a.engine.Size())
	return errors.WithStack(err)
}
