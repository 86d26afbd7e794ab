package btree

import (
	"unsafe"

	"github.com/outofforest/photon"
	"github.com/pkg/errors"

	"github.com/outofforest/blabber/alloc"
	"github.com/outofforest/blabber/blocks"
	"github.com/outofforest/blabber/engine"
)

// Anchor is the persistent state of the tree, stored in the owning record.
// Height 0 means the tree is empty, height 1 means the root is a leaf.
type Anchor struct {
	Root   blocks.BlockIndex
	Height uint32
	NItems uint64
}

// Seek selects the initial position of a cursor.
type Seek int

// Cursor seek targets.
const (
	SeekMin Seek = iota
	SeekMax
)

// Leaf blocks carry sibling links so cursors can walk the key order without
// touching inner blocks.
type leafHeader struct {
	Next   blocks.BlockIndex
	Prev   blocks.BlockIndex
	NItems uint16
}

type innerHeader struct {
	FirstChild blocks.BlockIndex
	NItems     uint16
}

// The child of an inner item covers keys greater than or equal to the item's
// key, up to the key of the following item. FirstChild covers everything below
// the first item's key.
type innerItem struct {
	Key   uint64
	Child blocks.BlockIndex
}

const (
	leafHeaderSize  = (int64(unsafe.Sizeof(leafHeader{})-1)/8 + 1) * 8
	innerHeaderSize = (int64(unsafe.Sizeof(innerHeader{})-1)/8 + 1) * 8
	innerItemSize   = int64(unsafe.Sizeof(innerItem{}))
	innerCap        = int((blocks.BlockSize - innerHeaderSize) / innerItemSize)
)

// Tree is a B-tree of fixed-size records ordered by a uint64 key extracted
// from the record. Records are packed into leaf blocks; deletion is not
// supported.
type Tree[T comparable] struct {
	engine   *engine.Engine
	alloc    *alloc.Allocator
	anchor   *Anchor
	flag     *blocks.AnchorFlag
	keyOf    func(*T) uint64
	itemSize int64
	leafCap  int
}

// New returns a tree view over the anchor. Mutations mark the flag so the
// owner knows to write the record holding the anchor back.
func New[T comparable](a *alloc.Allocator, anchor *Anchor, flag *blocks.AnchorFlag, keyOf func(*T) uint64) (*Tree[T], error) {
	var v T
	itemSize := (int64(unsafe.Sizeof(v)-1)/8 + 1) * 8
	leafCap := int((blocks.BlockSize - leafHeaderSize) / itemSize)
	if leafCap < 2 {
		return nil, errors.Errorf("item of %d bytes does not fit a tree leaf", unsafe.Sizeof(v))
	}

	return &Tree[T]{
		engine:   a.Engine(),
		alloc:    a,
		anchor:   anchor,
		flag:     flag,
		keyOf:    keyOf,
		itemSize: itemSize,
		leafCap:  leafCap,
	}, nil
}

// Len returns the number of records in the tree.
func (t *Tree[T]) Len() uint64 {
	return t.anchor.NItems
}

// Height returns the height of the tree.
func (t *Tree[T]) Height() uint32 {
	return t.anchor.Height
}

// Insert inserts the record. Inserting a key that already exists is an error.
func (t *Tree[T]) Insert(item T) error {
	key := t.keyOf(&item)

	if t.anchor.Root == 0 {
		index, err := t.newLeaf()
		if err != nil {
			return err
		}
		handle, err := t.engine.Read(index)
		if err != nil {
			return err
		}
		photon.NewFromBytes[leafHeader](handle.Bytes()).V.NItems = 1
		t.setLeafItem(handle.Bytes(), 0, item)
		handle.MarkDirty()
		handle.Release()

		t.anchor.Root = index
		t.anchor.Height = 1
		t.anchor.NItems = 1
		t.flag.Mark()
		return nil
	}

	path, leaf, err := t.descend(key)
	if err != nil {
		return err
	}

	sepKey, newChild, split, err := t.insertIntoLeaf(leaf, key, item)
	if err != nil {
		return err
	}
	for split && len(path) > 0 {
		parent := path[len(path)-1]
		path = path[:len(path)-1]
		sepKey, newChild, split, err = t.insertIntoInner(parent, sepKey, newChild)
		if err != nil {
			return err
		}
	}
	if split {
		index, err := t.alloc.Allocate()
		if err != nil {
			return err
		}
		handle, err := t.engine.Overwrite(index)
		if err != nil {
			return err
		}
		header := photon.NewFromBytes[innerHeader](handle.Bytes())
		header.V.FirstChild = t.anchor.Root
		header.V.NItems = 1
		t.setInnerItem(handle.Bytes(), 0, innerItem{Key: sepKey, Child: newChild})
		handle.Release()

		t.anchor.Root = index
		t.anchor.Height++
	}

	t.anchor.NItems++
	t.flag.Mark()
	return nil
}

// Find returns a cursor positioned at the record with the key, or false if the
// key does not exist.
func (t *Tree[T]) Find(key uint64) (*Cursor[T], bool, error) {
	if t.anchor.Root == 0 {
		return nil, false, nil
	}

	_, leaf, err := t.descend(key)
	if err != nil {
		return nil, false, err
	}

	handle, err := t.engine.Read(leaf)
	if err != nil {
		return nil, false, err
	}
	n := int(photon.NewFromBytes[leafHeader](handle.Bytes()).V.NItems)
	pos, found := t.searchLeaf(handle.Bytes(), n, key)
	handle.Release()

	if !found {
		return nil, false, nil
	}
	return &Cursor[T]{
		tree: t,
		node: leaf,
		pos:  pos,
	}, true, nil
}

// Cursor returns a cursor positioned at the record with the minimum or maximum
// key. The cursor of an empty tree is not valid.
func (t *Tree[T]) Cursor(seek Seek) (*Cursor[T], error) {
	cursor := &Cursor[T]{
		tree: t,
		pos:  -1,
	}
	if t.anchor.Root == 0 {
		return cursor, nil
	}

	node := t.anchor.Root
	for level := t.anchor.Height; level > 1; level-- {
		handle, err := t.engine.Read(node)
		if err != nil {
			return nil, err
		}
		header := photon.NewFromBytes[innerHeader](handle.Bytes())
		if seek == SeekMin {
			node = header.V.FirstChild
		} else {
			node = t.getInnerItem(handle.Bytes(), int(header.V.NItems)-1).Child
		}
		handle.Release()
	}

	handle, err := t.engine.Read(node)
	if err != nil {
		return nil, err
	}
	n := int(photon.NewFromBytes[leafHeader](handle.Bytes()).V.NItems)
	handle.Release()

	cursor.node = node
	if seek == SeekMin {
		cursor.pos = 0
	} else {
		cursor.pos = n - 1
	}
	return cursor, nil
}

// descend walks from the root to the leaf covering the key, returning the
// indexes of the visited inner blocks.
func (t *Tree[T]) descend(key uint64) ([]blocks.BlockIndex, blocks.BlockIndex, error) {
	var path []blocks.BlockIndex
	node := t.anchor.Root
	for level := t.anchor.Height; level > 1; level-- {
		handle, err := t.engine.Read(node)
		if err != nil {
			return nil, 0, err
		}
		child := t.innerChild(handle.Bytes(), key)
		handle.Release()

		path = append(path, node)
		node = child
	}
	return path, node, nil
}

func (t *Tree[T]) insertIntoLeaf(node blocks.BlockIndex, key uint64, item T) (uint64, blocks.BlockIndex, bool, error) {
	handle, err := t.engine.Read(node)
	if err != nil {
		return 0, 0, false, err
	}
	header := photon.NewFromBytes[leafHeader](handle.Bytes())
	n := int(header.V.NItems)
	pos, found := t.searchLeaf(handle.Bytes(), n, key)
	if found {
		handle.Release()
		return 0, 0, false, errors.Errorf("key %d already exists", key)
	}

	if n < t.leafCap {
		data := handle.Bytes()
		base := leafHeaderSize
		copy(data[base+int64(pos+1)*t.itemSize:base+int64(n+1)*t.itemSize],
			data[base+int64(pos)*t.itemSize:base+int64(n)*t.itemSize])
		t.setLeafItem(data, pos, item)
		header.V.NItems++
		handle.MarkDirty()
		handle.Release()
		return 0, 0, false, nil
	}

	// Split the leaf around the middle, keeping the sibling links intact.
	items := make([]T, 0, n+1)
	for i := 0; i < n; i++ {
		items = append(items, t.getLeafItem(handle.Bytes(), i))
	}
	items = append(items[:pos], append([]T{item}, items[pos:n]...)...)

	newIndex, err := t.newLeaf()
	if err != nil {
		handle.Release()
		return 0, 0, false, err
	}
	newHandle, err := t.engine.Read(newIndex)
	if err != nil {
		handle.Release()
		return 0, 0, false, err
	}
	newHeader := photon.NewFromBytes[leafHeader](newHandle.Bytes())

	mid := (n + 1) / 2
	left := items[:mid]
	right := items[mid:]

	for i, it := range right {
		t.setLeafItem(newHandle.Bytes(), i, it)
	}
	newHeader.V.NItems = uint16(len(right))
	newHeader.V.Prev = node
	newHeader.V.Next = header.V.Next
	newHandle.MarkDirty()

	if header.V.Next != 0 {
		nextHandle, err := t.engine.Read(header.V.Next)
		if err != nil {
			newHandle.Release()
			handle.Release()
			return 0, 0, false, err
		}
		photon.NewFromBytes[leafHeader](nextHandle.Bytes()).V.Prev = newIndex
		nextHandle.MarkDirty()
		nextHandle.Release()
	}

	for i, it := range left {
		t.setLeafItem(handle.Bytes(), i, it)
	}
	header.V.NItems = uint16(len(left))
	header.V.Next = newIndex
	handle.MarkDirty()

	sepKey := t.keyOf(&right[0])
	newHandle.Release()
	handle.Release()
	return sepKey, newIndex, true, nil
}

func (t *Tree[T]) insertIntoInner(node blocks.BlockIndex, sepKey uint64, child blocks.BlockIndex) (uint64, blocks.BlockIndex, bool, error) {
	handle, err := t.engine.Read(node)
	if err != nil {
		return 0, 0, false, err
	}
	header := photon.NewFromBytes[innerHeader](handle.Bytes())
	n := int(header.V.NItems)
	pos := t.searchInner(handle.Bytes(), n, sepKey)

	if n < innerCap {
		data := handle.Bytes()
		base := innerHeaderSize
		copy(data[base+int64(pos+1)*innerItemSize:base+int64(n+1)*innerItemSize],
			data[base+int64(pos)*innerItemSize:base+int64(n)*innerItemSize])
		t.setInnerItem(data, pos, innerItem{Key: sepKey, Child: child})
		header.V.NItems++
		handle.MarkDirty()
		handle.Release()
		return 0, 0, false, nil
	}

	// Split the inner block. The middle item moves up instead of being copied.
	items := make([]innerItem, 0, n+1)
	for i := 0; i < n; i++ {
		items = append(items, t.getInnerItem(handle.Bytes(), i))
	}
	items = append(items[:pos], append([]innerItem{{Key: sepKey, Child: child}}, items[pos:n]...)...)

	mid := (n + 1) / 2
	left := items[:mid]
	promoted := items[mid]
	right := items[mid+1:]

	newIndex, err := t.alloc.Allocate()
	if err != nil {
		handle.Release()
		return 0, 0, false, err
	}
	newHandle, err := t.engine.Overwrite(newIndex)
	if err != nil {
		handle.Release()
		return 0, 0, false, err
	}
	newHeader := photon.NewFromBytes[innerHeader](newHandle.Bytes())
	newHeader.V.FirstChild = promoted.Child
	newHeader.V.NItems = uint16(len(right))
	for i, it := range right {
		t.setInnerItem(newHandle.Bytes(), i, it)
	}
	newHandle.Release()

	for i, it := range left {
		t.setInnerItem(handle.Bytes(), i, it)
	}
	header.V.NItems = uint16(len(left))
	handle.MarkDirty()
	handle.Release()

	return promoted.Key, newIndex, true, nil
}

// newLeaf allocates a zeroed leaf block.
func (t *Tree[T]) newLeaf() (blocks.BlockIndex, error) {
	index, err := t.alloc.Allocate()
	if err != nil {
		return 0, err
	}
	handle, err := t.engine.Overwrite(index)
	if err != nil {
		return 0, err
	}
	handle.Release()
	return index, nil
}

// searchLeaf returns the position of the first item whose key is not below the
// key, and whether the key was found.
func (t *Tree[T]) searchLeaf(data []byte, n int, key uint64) (int, bool) {
	lo, hi := 0, n
	for lo < hi {
		mid := (lo + hi) / 2
		if t.leafKey(data, mid) < key {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo, lo < n && t.leafKey(data, lo) == key
}

// searchInner returns the position where an item with the key belongs.
func (t *Tree[T]) searchInner(data []byte, n int, key uint64) int {
	lo, hi := 0, n
	for lo < hi {
		mid := (lo + hi) / 2
		if t.getInnerItem(data, mid).Key <= key {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// innerChild returns the child covering the key.
func (t *Tree[T]) innerChild(data []byte, key uint64) blocks.BlockIndex {
	header := photon.NewFromBytes[innerHeader](data)
	pos := t.searchInner(data, int(header.V.NItems), key)
	if pos == 0 {
		return header.V.FirstChild
	}
	return t.getInnerItem(data, pos-1).Child
}

func (t *Tree[T]) leafKey(data []byte, i int) uint64 {
	return t.keyOf(photon.NewFromBytes[T](data[leafHeaderSize+int64(i)*t.itemSize:]).V)
}

func (t *Tree[T]) getLeafItem(data []byte, i int) T {
	return *photon.NewFromBytes[T](data[leafHeaderSize+int64(i)*t.itemSize:]).V
}

func (t *Tree[T]) setLeafItem(data []byte, i int, item T) {
	*photon.NewFromBytes[T](data[leafHeaderSize+int64(i)*t.itemSize:]).V = item
}

func (t *Tree[T]) getInnerItem(data []byte, i int) innerItem {
	return *photon.NewFromBytes[innerItem](data[innerHeaderSize+int64(i)*innerItemSize:]).V
}

func (t *Tree[T]) setInnerItem(data []byte, i int, item innerItem) {
	*photon.NewFromBytes[innerItem](data[innerHeaderSize+int64(i)*innerItemSize:]).V = item
}

// Cursor is a position inside the tree. It stays valid as long as the tree is
// not modified.
type Cursor[T comparable] struct {
	tree *Tree[T]
	node blocks.BlockIndex
	pos  int
}

// Valid returns true if the cursor points at a record.
func (c *Cursor[T]) Valid() bool {
	return c.node != 0 && c.pos >= 0
}

// Get returns the record the cursor points at.
func (c *Cursor[T]) Get() (T, error) {
	var item T
	if !c.Valid() {
		return item, errors.New("cursor is not positioned")
	}

	handle, err := c.tree.engine.Read(c.node)
	if err != nil {
		return item, err
	}
	item = c.tree.getLeafItem(handle.Bytes(), c.pos)
	handle.Release()
	return item, nil
}

// Set replaces the record the cursor points at. The key of the new record must
// equal the key of the old one.
func (c *Cursor[T]) Set(item T) error {
	if !c.Valid() {
		return errors.New("cursor is not positioned")
	}

	handle, err := c.tree.engine.Read(c.node)
	if err != nil {
		return err
	}
	if existing := c.tree.leafKey(handle.Bytes(), c.pos); existing != c.tree.keyOf(&item) {
		handle.Release()
		return errors.Errorf("key mismatch on update: %d != %d", c.tree.keyOf(&item), existing)
	}
	c.tree.setLeafItem(handle.Bytes(), c.pos, item)
	handle.MarkDirty()
	handle.Release()
	return nil
}

// MovePrev moves the cursor one record towards the minimum key. Moving past
// the first record invalidates the cursor.
func (c *Cursor[T]) MovePrev() error {
	if !c.Valid() {
		return errors.New("cursor is not positioned")
	}

	c.pos--
	if c.pos >= 0 {
		return nil
	}

	handle, err := c.tree.engine.Read(c.node)
	if err != nil {
		return err
	}
	prev := photon.NewFromBytes[leafHeader](handle.Bytes()).V.Prev
	handle.Release()

	c.node = prev
	if c.node == 0 {
		return nil
	}

	handle, err = c.tree.engine.Read(c.node)
	if err != nil {
		return err
	}
	c.pos = int(photon.NewFromBytes[leafHeader](handle.Bytes()).V.NItems) - 1
	handle.Release()
	return nil
}

// MoveNext moves the cursor one record towards the maximum key. Moving past
// the last record invalidates the cursor.
func (c *Cursor[T]) MoveNext() error {
	if !c.Valid() {
		return errors.New("cursor is not positioned")
	}

	handle, err := c.tree.engine.Read(c.node)
	if err != nil {
		return err
	}
	header := photon.NewFromBytes[leafHeader](handle.Bytes())
	nItems := int(header.V.NItems)
	next := header.V.Next
	handle.Release()

	c.pos++
	if c.pos < nItems {
		return nil
	}

	c.node = next
	c.pos = 0
	if c.node == 0 {
		c.pos = -1
	}
	return nil
}
