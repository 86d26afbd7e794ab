package persistence

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/outofforest/blabber/blocks"
	"github.com/outofforest/blabber/pkg/memdev"
)

func TestGrowAndRoundTrip(t *testing.T) {
	requireT := require.New(t)

	store := NewStore(memdev.New(0))
	requireT.EqualValues(0, store.Size())

	requireT.NoError(store.Grow(3))
	requireT.EqualValues(3, store.Size())

	content := make([]byte, blocks.BlockSize)
	for i := range content {
		content[i] = byte(i)
	}
	requireT.NoError(store.WriteBlock(2, content))

	read := make([]byte, blocks.BlockSize)
	requireT.NoError(store.ReadBlock(2, read))
	requireT.Equal(content, read)

	// Untouched blocks read as zero pages.

	requireT.NoError(store.ReadBlock(1, read))
	requireT.Equal(make([]byte, blocks.BlockSize), read)
}

func TestShrinkingIsRejected(t *testing.T) {
	requireT := require.New(t)

	store := NewStore(memdev.New(0))
	requireT.NoError(store.Grow(2))
	requireT.Error(store.Grow(1))
}

func TestInvalidBufferSize(t *testing.T) {
	requireT := require.New(t)

	store := NewStore(memdev.New(blocks.BlockSize))
	requireT.Error(store.ReadBlock(0, nil))
	requireT.Error(store.ReadBlock(0, make([]byte, blocks.BlockSize+1)))
	requireT.Error(store.WriteBlock(0, nil))
	requireT.Error(store.WriteBlock(0, make([]byte, blocks.BlockSize+1)))
}
