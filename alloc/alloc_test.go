package alloc

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/outofforest/blabber/blocks"
	"github.com/outofforest/blabber/engine"
	"github.com/outofforest/blabber/journal"
	"github.com/outofforest/blabber/persistence"
	"github.com/outofforest/blabber/pkg/memdev"
)

func newTestEngine(t *testing.T) *engine.Engine {
	id := uuid.New()
	j, err := journal.Create(memdev.New(0), id, true)
	require.NoError(t, err)
	e, err := engine.Open(persistence.NewStore(memdev.New(0)), j, 256)
	require.NoError(t, err)

	// Reserve block 0 for the master block, as the database driver does.
	require.NoError(t, e.Begin())
	require.NoError(t, e.Grow(1))
	return e
}

func TestAllocateGrowsStore(t *testing.T) {
	requireT := require.New(t)

	e := newTestEngine(t)
	var anchor Anchor
	var flag blocks.AnchorFlag
	a := New(e, &anchor, &flag)

	index1, err := a.Allocate()
	requireT.NoError(err)
	requireT.EqualValues(1, index1)
	index2, err := a.Allocate()
	requireT.NoError(err)
	requireT.EqualValues(2, index2)

	requireT.EqualValues(3, e.Size())
	requireT.EqualValues(2, anchor.NAllocated)
	requireT.True(flag.Fired())
}

func TestFreedBlocksAreReused(t *testing.T) {
	requireT := require.New(t)

	e := newTestEngine(t)
	var anchor Anchor
	var flag blocks.AnchorFlag
	a := New(e, &anchor, &flag)

	index1, err := a.Allocate()
	requireT.NoError(err)
	index2, err := a.Allocate()
	requireT.NoError(err)

	requireT.NoError(a.Free(index1))
	requireT.NoError(a.Free(index2))
	requireT.EqualValues(2, anchor.NFree)

	// The free list pops in LIFO order.

	reused, err := a.Allocate()
	requireT.NoError(err)
	requireT.Equal(index2, reused)
	reused, err = a.Allocate()
	requireT.NoError(err)
	requireT.Equal(index1, reused)
	requireT.EqualValues(0, anchor.NFree)

	// Nothing was freed anymore, so the next allocation grows the store.

	index3, err := a.Allocate()
	requireT.NoError(err)
	requireT.EqualValues(3, index3)
}

func TestAllocateSequence(t *testing.T) {
	requireT := require.New(t)

	e := newTestEngine(t)
	var anchor Anchor
	var flag blocks.AnchorFlag
	a := New(e, &anchor, &flag)

	first, err := a.AllocateSequence(4)
	requireT.NoError(err)
	requireT.EqualValues(1, first)
	requireT.EqualValues(5, e.Size())
	requireT.EqualValues(4, anchor.NAllocated)

	_, err = a.AllocateSequence(0)
	requireT.Error(err)
}

func TestFreeingMasterBlockIsRejected(t *testing.T) {
	requireT := require.New(t)

	e := newTestEngine(t)
	var anchor Anchor
	var flag blocks.AnchorFlag
	a := New(e, &anchor, &flag)

	requireT.Error(a.Free(0))
}
