package list

import (
	"unsafe"

	"github.com/outofforest/photon"
	"github.com/pkg/errors"

	"github.com/outofforest/blabber/alloc"
	"github.com/outofforest/blabber/blocks"
	"github.com/outofforest/blabber/engine"
)

// Anchor is the persistent state of the list, stored inline in the owning
// record.
type Anchor struct {
	Head   blocks.BlockIndex
	Tail   blocks.BlockIndex
	NItems uint64
}

// Seek selects the initial position of a cursor.
type Seek int

// Cursor seek targets.
const (
	SeekFirst Seek = iota
	SeekLast
)

type nodeHeader struct {
	Next   blocks.BlockIndex
	Prev   blocks.BlockIndex
	NItems uint16
}

const nodeHeaderSize = (int64(unsafe.Sizeof(nodeHeader{})-1)/8 + 1) * 8

// List is a doubly linked list of fixed-size records packed into blocks.
type List[T comparable] struct {
	engine       *engine.Engine
	alloc        *alloc.Allocator
	anchor       *Anchor
	flag         *blocks.AnchorFlag
	itemSize     int64
	itemsPerNode uint16
}

// New returns a list view over the anchor. Mutations mark the flag so the
// owner knows to write the record holding the anchor back.
func New[T comparable](a *alloc.Allocator, anchor *Anchor, flag *blocks.AnchorFlag) (*List[T], error) {
	var v T
	itemSize := (int64(unsafe.Sizeof(v)-1)/8 + 1) * 8
	itemsPerNode := (blocks.BlockSize - nodeHeaderSize) / itemSize
	if itemsPerNode < 1 {
		return nil, errors.Errorf("item of %d bytes does not fit a list node", unsafe.Sizeof(v))
	}

	return &List[T]{
		engine:       a.Engine(),
		alloc:        a,
		anchor:       anchor,
		flag:         flag,
		itemSize:     itemSize,
		itemsPerNode: uint16(itemsPerNode),
	}, nil
}

// Len returns the number of items in the list.
func (l *List[T]) Len() uint64 {
	return l.anchor.NItems
}

// PushBack appends the item at the tail of the list.
func (l *List[T]) PushBack(item T) error {
	if l.anchor.Tail == 0 {
		index, err := l.alloc.Allocate()
		if err != nil {
			return err
		}
		handle, err := l.engine.Overwrite(index)
		if err != nil {
			return err
		}
		header := photon.NewFromBytes[nodeHeader](handle.Bytes())
		header.V.NItems = 1
		l.setItem(handle.Bytes(), 0, item)
		handle.Release()

		l.anchor.Head = index
		l.anchor.Tail = index
		l.anchor.NItems = 1
		l.flag.Mark()
		return nil
	}

	handle, err := l.engine.Read(l.anchor.Tail)
	if err != nil {
		return err
	}
	header := photon.NewFromBytes[nodeHeader](handle.Bytes())

	if header.V.NItems < l.itemsPerNode {
		l.setItem(handle.Bytes(), header.V.NItems, item)
		header.V.NItems++
		handle.MarkDirty()
		handle.Release()

		l.anchor.NItems++
		l.flag.Mark()
		return nil
	}

	index, err := l.alloc.Allocate()
	if err != nil {
		handle.Release()
		return err
	}
	newHandle, err := l.engine.Overwrite(index)
	if err != nil {
		handle.Release()
		return err
	}
	newHeader := photon.NewFromBytes[nodeHeader](newHandle.Bytes())
	newHeader.V.Prev = l.anchor.Tail
	newHeader.V.NItems = 1
	l.setItem(newHandle.Bytes(), 0, item)
	newHandle.Release()

	header.V.Next = index
	handle.MarkDirty()
	handle.Release()

	l.anchor.Tail = index
	l.anchor.NItems++
	l.flag.Mark()
	return nil
}

// Cursor returns a cursor positioned at the first or last item of the list.
// The cursor of an empty list is not valid.
func (l *List[T]) Cursor(seek Seek) (*Cursor[T], error) {
	cursor := &Cursor[T]{
		list: l,
	}
	switch seek {
	case SeekFirst:
		cursor.node = l.anchor.Head
		cursor.pos = 0
	case SeekLast:
		cursor.node = l.anchor.Tail
		if cursor.node != 0 {
			handle, err := l.engine.Read(cursor.node)
			if err != nil {
				return nil, err
			}
			cursor.pos = int(photon.NewFromBytes[nodeHeader](handle.Bytes()).V.NItems) - 1
			handle.Release()
		}
	default:
		return nil, errors.Errorf("unknown seek target: %d", seek)
	}
	return cursor, nil
}

func (l *List[T]) setItem(data []byte, i uint16, item T) {
	offset := nodeHeaderSize + int64(i)*l.itemSize
	*photon.NewFromBytes[T](data[offset:]).V = item
}

func (l *List[T]) getItem(data []byte, i uint16) T {
	offset := nodeHeaderSize + int64(i)*l.itemSize
	return *photon.NewFromBytes[T](data[offset:]).V
}

// Cursor is a position inside the list.
type Cursor[T comparable] struct {
	list *List[T]
	node blocks.BlockIndex
	pos  int
}

// Valid returns true if the cursor points at an item.
func (c *Cursor[T]) Valid() bool {
	return c.node != 0 && c.pos >= 0
}

// Get returns the item the cursor points at.
func (c *Cursor[T]) Get() (T, error) {
	var item T
	if !c.Valid() {
		return item, errors.New("cursor is not positioned")
	}

	handle, err := c.list.engine.Read(c.node)
	if err != nil {
		return item, err
	}
	item = c.list.getItem(handle.Bytes(), uint16(c.pos))
	handle.Release()
	return item, nil
}

// MovePrev moves the cursor one item towards the head. Moving past the first
// item invalidates the cursor.
func (c *Cursor[T]) MovePrev() error {
	if !c.Valid() {
		return errors.New("cursor is not positioned")
	}

	c.pos--
	if c.pos >= 0 {
		return nil
	}

	handle, err := c.list.engine.Read(c.node)
	if err != nil {
		return err
	}
	prev := photon.NewFromBytes[nodeHeader](handle.Bytes()).V.Prev
	handle.Release()

	c.node = prev
	if c.node == 0 {
		return nil
	}

	handle, err = c.list.engine.Read(c.node)
	if err != nil {
		return err
	}
	c.pos = int(photon.NewFromBytes[nodeHeader](handle.Bytes()).V.NItems) - 1
	handle.Release()
	return nil
}

// MoveNext moves the cursor one item towards the tail. Moving past the last
// item invalidates the cursor.
func (c *Cursor[T]) MoveNext() error {
	if !c.Valid() {
		return errors.New("cursor is not positioned")
	}

	handle, err := c.list.engine.Read(c.node)
	if err != nil {
		return err
	}
	header := photon.NewFromBytes[nodeHeader](handle.Bytes())
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
