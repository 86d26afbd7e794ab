package btree

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/outofforest/blabber/alloc"
	"github.com/outofforest/blabber/blocks"
	"github.com/outofforest/blabber/engine"
	"github.com/outofforest/blabber/journal"
	"github.com/outofforest/blabber/persistence"
	"github.com/outofforest/blabber/pkg/memdev"
)

type record struct {
	Key   uint64
	Value uint64
}

type testTree struct {
	engine *engine.Engine
	tree   *Tree[record]
	anchor *Anchor
	flag   *blocks.AnchorFlag
}

func newTestTree(t *testing.T) *testTree {
	id := uuid.New()
	j, err := journal.Create(memdev.New(0), id, true)
	require.NoError(t, err)
	e, err := engine.Open(persistence.NewStore(memdev.New(0)), j, 4096)
	require.NoError(t, err)

	// Reserve block 0 for the master block, as the database driver does.
	require.NoError(t, e.Begin())
	require.NoError(t, e.Grow(1))

	anchor := &Anchor{}
	flag := &blocks.AnchorFlag{}
	a := alloc.New(e, &alloc.Anchor{}, flag)
	tree, err := New[record](a, anchor, flag, func(r *record) uint64 {
		return r.Key
	})
	require.NoError(t, err)

	return &testTree{
		engine: e,
		tree:   tree,
		anchor: anchor,
		flag:   flag,
	}
}

// commitTx bounds the number of dirty blocks held in the cache during large
// test workloads.
func (tt *testTree) commitTx(t *testing.T) {
	require.NoError(t, tt.engine.Commit())
	require.NoError(t, tt.engine.Begin())
}

func TestInsertAndFind(t *testing.T) {
	requireT := require.New(t)

	tt := newTestTree(t)
	requireT.NoError(tt.tree.Insert(record{Key: 5, Value: 50}))
	requireT.NoError(tt.tree.Insert(record{Key: 1, Value: 10}))
	requireT.NoError(tt.tree.Insert(record{Key: 3, Value: 30}))
	requireT.True(tt.flag.Fired())
	requireT.EqualValues(3, tt.tree.Len())

	cursor, found, err := tt.tree.Find(3)
	requireT.NoError(err)
	requireT.True(found)
	r, err := cursor.Get()
	requireT.NoError(err)
	requireT.Equal(record{Key: 3, Value: 30}, r)

	_, found, err = tt.tree.Find(4)
	requireT.NoError(err)
	requireT.False(found)
}

func TestDuplicateKeyIsRejected(t *testing.T) {
	requireT := require.New(t)

	tt := newTestTree(t)
	requireT.NoError(tt.tree.Insert(record{Key: 1}))
	requireT.Error(tt.tree.Insert(record{Key: 1}))
}

func TestCursorSet(t *testing.T) {
	requireT := require.New(t)

	tt := newTestTree(t)
	requireT.NoError(tt.tree.Insert(record{Key: 1, Value: 10}))

	cursor, found, err := tt.tree.Find(1)
	requireT.NoError(err)
	requireT.True(found)

	requireT.NoError(cursor.Set(record{Key: 1, Value: 11}))
	r, err := cursor.Get()
	requireT.NoError(err)
	requireT.EqualValues(11, r.Value)

	// The key of the replacement record must not differ.

	requireT.Error(cursor.Set(record{Key: 2, Value: 20}))
}

func TestOrderedIterationAcrossSplits(t *testing.T) {
	requireT := require.New(t)

	tt := newTestTree(t)

	// Enough records to split leaves several times. Insertion order is
	// scrambled deterministically.
	const n = 10000
	for i := uint64(0); i < n; i++ {
		key := (i*7919)%n + 1
		requireT.NoError(tt.tree.Insert(record{Key: key, Value: key * 10}))
		if i%500 == 499 {
			tt.commitTx(t)
		}
	}
	requireT.EqualValues(n, tt.tree.Len())
	requireT.Greater(tt.tree.Height(), uint32(1))

	// Walk down from the maximum key.

	cursor, err := tt.tree.Cursor(SeekMax)
	requireT.NoError(err)
	expected := uint64(n)
	for cursor.Valid() {
		r, err := cursor.Get()
		requireT.NoError(err)
		requireT.Equal(expected, r.Key)
		requireT.Equal(expected*10, r.Value)
		requireT.NoError(cursor.MovePrev())
		expected--
	}
	requireT.EqualValues(0, expected)

	// And up from the minimum key.

	cursor, err = tt.tree.Cursor(SeekMin)
	requireT.NoError(err)
	expected = 1
	for cursor.Valid() {
		r, err := cursor.Get()
		requireT.NoError(err)
		requireT.Equal(expected, r.Key)
		requireT.NoError(cursor.MoveNext())
		expected++
	}
	requireT.EqualValues(n+1, expected)

	// Every key is still reachable through Find.

	for key := uint64(1); key <= n; key += 997 {
		_, found, err := tt.tree.Find(key)
		requireT.NoError(err)
		requireT.True(found)
	}
}

func TestEmptyTreeCursorIsInvalid(t *testing.T) {
	requireT := require.New(t)

	tt := newTestTree(t)
	cursor, err := tt.tree.Cursor(SeekMax)
	requireT.NoError(err)
	requireT.False(cursor.Valid())
}
