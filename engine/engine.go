package engine

import (
	"github.com/outofforest/photon"
	"github.com/pkg/errors"

	"github.com/outofforest/blabber/blocks"
	"github.com/outofforest/blabber/journal"
	"github.com/outofforest/blabber/persistence"
)

var zeroContent = make([]byte, blocks.BlockSize)

// Engine combines the block cache and the journal into a transactional view of
// the store. Exactly one transaction may be active at a time. Committed block
// images live in the journal until a checkpoint merges them back into the
// database file.
type Engine struct {
	store   *persistence.Store
	journal *journal.Journal

	nSlots int64
	data   []byte
	dirty  map[int64]struct{}

	// journaled maps a block to the latest committed image sitting in the
	// journal. Reads consult it before falling back to the database file.
	journaled map[blocks.BlockIndex]journal.RecordRef

	// spilled maps a block to an uncommitted image pushed to the journal
	// because the dirty set outgrew the cache. The records sit past txStart
	// and are reclaimed by truncation if the transaction rolls back.
	spilled map[blocks.BlockIndex]journal.RecordRef
	txStart int64

	nBlocks uint64
	grown   uint64
	inTx    bool
	pins    int
}

// Open creates an engine over the store and the journal. If the journal
// contains committed records left over from a crash they are replayed into the
// database file before the size of the store is first observed.
func Open(store *persistence.Store, jrnl *journal.Journal, cacheBlocks uint32) (*Engine, error) {
	nSlots := int64(cacheBlocks)
	if nSlots < MinCacheBlocks {
		nSlots = MinCacheBlocks
	}

	e := &Engine{
		store:     store,
		journal:   jrnl,
		nSlots:    nSlots,
		data:      make([]byte, nSlots*slotSize),
		dirty:     map[int64]struct{}{},
		journaled: map[blocks.BlockIndex]journal.RecordRef{},
		spilled:   map[blocks.BlockIndex]journal.RecordRef{},
		nBlocks:   store.Size(),
	}

	if err := e.recover(); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Engine) recover() error {
	if !e.journal.HasChanges() {
		return nil
	}

	nBlocks, committed, err := e.journal.Replay(func(index blocks.BlockIndex, image []byte) error {
		return e.store.WriteBlock(index, image)
	})
	if err != nil {
		return err
	}
	if committed {
		if e.store.Size() < nBlocks {
			if err := e.store.Grow(nBlocks); err != nil {
				return err
			}
		}
		e.nBlocks = nBlocks
		if err := e.store.Sync(); err != nil {
			return err
		}
	}
	return e.journal.Truncate()
}

// Size returns the size of the store in blocks, including blocks grown by the
// current transaction.
func (e *Engine) Size() uint64 {
	return e.nBlocks + e.grown
}

// JournalSize returns the byte size of the journal.
func (e *Engine) JournalSize() int64 {
	return e.journal.Size()
}

// JournalHasChanges returns true if the journal contains records that have not
// been checkpointed yet.
func (e *Engine) JournalHasChanges() bool {
	return e.journal.HasChanges()
}

// Begin starts a transaction.
func (e *Engine) Begin() error {
	if e.inTx {
		return errors.New("transaction already in progress")
	}
	e.inTx = true
	e.txStart = e.journal.Size()
	return nil
}

// Grow extends the store by nBlocks blocks. The new blocks read as zero pages
// until written. The growth becomes persistent on commit.
func (e *Engine) Grow(nBlocks uint64) error {
	if !e.inTx {
		return errors.New("no transaction in progress")
	}
	e.grown += nBlocks
	return nil
}

// Read returns a pinned handle to the block. The handle observes committed
// content or the writes of the current transaction.
func (e *Engine) Read(index blocks.BlockIndex) (*Handle, error) {
	if !e.inTx {
		return nil, errors.New("no transaction in progress")
	}
	if uint64(index) >= e.Size() {
		return nil, errors.Errorf("block %d does not exist", index)
	}

	slotAddr, hit, err := e.findSlot(index)
	if err != nil {
		return nil, err
	}

	offset := slotAddr * slotSize
	header := photon.NewFromBytes[slotHeader](e.data[offset:])
	if !hit {
		if err := e.load(index, e.data[offset+slotHeaderSize:offset+slotSize]); err != nil {
			return nil, err
		}
		header.V.Index = index
		header.V.State = fetchedSlotState
		header.V.Pins = 0
	}

	header.V.Pins++
	e.pins++
	return &Handle{
		engine:   e,
		index:    index,
		slotAddr: slotAddr,
	}, nil
}

// Overwrite returns a pinned handle to the block without reading its previous
// content. The block is presented as a zero page and marked dirty.
func (e *Engine) Overwrite(index blocks.BlockIndex) (*Handle, error) {
	if !e.inTx {
		return nil, errors.New("no transaction in progress")
	}
	if uint64(index) >= e.Size() {
		return nil, errors.Errorf("block %d does not exist", index)
	}

	slotAddr, hit, err := e.findSlot(index)
	if err != nil {
		return nil, err
	}

	offset := slotAddr * slotSize
	header := photon.NewFromBytes[slotHeader](e.data[offset:])
	copy(e.data[offset+slotHeaderSize:offset+slotSize], zeroContent)
	if !hit {
		header.V.Index = index
		header.V.Pins = 0
	}
	header.V.State = dirtySlotState
	e.dirty[slotAddr] = struct{}{}

	header.V.Pins++
	e.pins++
	return &Handle{
		engine:   e,
		index:    index,
		slotAddr: slotAddr,
	}, nil
}

// load fills the buffer with the newest content of the block: an image
// spilled by the current transaction, the latest committed journal image, the
// database file content, or a zero page for blocks grown past the end of the
// file.
func (e *Engine) load(index blocks.BlockIndex, p []byte) error {
	if ref, exists := e.spilled[index]; exists {
		image, err := e.journal.ReadAt(ref)
		if err != nil {
			return err
		}
		copy(p, image)
		return nil
	}
	if ref, exists := e.journaled[index]; exists {
		image, err := e.journal.ReadAt(ref)
		if err != nil {
			return err
		}
		copy(p, image)
		return nil
	}
	if uint64(index) < e.store.Size() {
		return e.store.ReadBlock(index, p)
	}
	copy(p, zeroContent)
	return nil
}

// findSlot scans the whole probe window for the block before settling on a
// free or evictable slot, so a block is never cached in two slots at once.
// When every probed slot carries uncommitted writes, one of them is spilled to
// the journal to make room.
func (e *Engine) findSlot(index blocks.BlockIndex) (int64, bool, error) {
	freeAddr := int64(-1)
	candidate := int64(-1)
	spillCandidate := int64(-1)

	// Multiplying by 3 and adding 1 produces both even and odd probe
	// addresses and never gets stuck on slot 0.
	slotAddr := int64(index) % e.nSlots
	for i := 0; i < maxCacheTries; i, slotAddr = i+1, (slotAddr*3+1)%e.nSlots {
		offset := slotAddr * slotSize
		h := photon.NewFromBytes[slotHeader](e.data[offset:])

		switch h.V.State {
		case freeSlotState:
			if freeAddr < 0 {
				freeAddr = slotAddr
			}
		case fetchedSlotState:
			if h.V.Index == index {
				return slotAddr, true, nil
			}
			if candidate < 0 && h.V.Pins == 0 {
				candidate = slotAddr
			}
		case dirtySlotState:
			if h.V.Index == index {
				return slotAddr, true, nil
			}
			if spillCandidate < 0 && h.V.Pins == 0 {
				spillCandidate = slotAddr
			}
		}
	}

	if freeAddr >= 0 {
		return freeAddr, false, nil
	}
	if candidate < 0 && spillCandidate >= 0 {
		if err := e.spill(spillCandidate); err != nil {
			return 0, false, err
		}
		candidate = spillCandidate
	}
	if candidate < 0 {
		return 0, false, errors.New("cache exhausted: all probed slots are pinned")
	}

	offset := candidate * slotSize
	h := photon.NewFromBytes[slotHeader](e.data[offset:])
	h.V.State = freeSlotState
	return candidate, false, nil
}

// spill pushes the uncommitted content of a dirty slot to the journal so the
// slot can be reused. The record lies past txStart, so a rollback reclaims it.
func (e *Engine) spill(slotAddr int64) error {
	offset := slotAddr * slotSize
	header := photon.NewFromBytes[slotHeader](e.data[offset:])

	ref, err := e.journal.Append(header.V.Index, e.data[offset+slotHeaderSize:offset+slotSize])
	if err != nil {
		return err
	}
	e.spilled[header.V.Index] = ref
	header.V.State = fetchedSlotState
	delete(e.dirty, slotAddr)
	return nil
}

// Commit atomically publishes all writes of the current transaction. All block
// handles must have been released before.
func (e *Engine) Commit() error {
	if !e.inTx {
		return errors.New("no transaction in progress")
	}
	if e.pins != 0 {
		return errors.Errorf("%d block handles still held at commit", e.pins)
	}

	// A transaction that wrote nothing needs no journal record.
	if len(e.dirty) == 0 && len(e.spilled) == 0 && e.grown == 0 {
		e.inTx = false
		return nil
	}

	// Nothing becomes committed before the marker is written: on any failure
	// the transaction stays open and Rollback reclaims the appended records.
	staged := make(map[blocks.BlockIndex]journal.RecordRef, len(e.spilled)+len(e.dirty))
	for index, ref := range e.spilled {
		staged[index] = ref
	}
	for slotAddr := range e.dirty {
		offset := slotAddr * slotSize
		header := photon.NewFromBytes[slotHeader](e.data[offset:])
		ref, err := e.journal.Append(header.V.Index, e.data[offset+slotHeaderSize:offset+slotSize])
		if err != nil {
			return err
		}
		staged[header.V.Index] = ref
	}
	if err := e.journal.Commit(e.nBlocks + e.grown); err != nil {
		return err
	}

	for index, ref := range staged {
		e.journaled[index] = ref
	}
	for index := range e.spilled {
		delete(e.spilled, index)
	}
	for slotAddr := range e.dirty {
		offset := slotAddr * slotSize
		photon.NewFromBytes[slotHeader](e.data[offset:]).V.State = fetchedSlotState
		delete(e.dirty, slotAddr)
	}

	e.nBlocks += e.grown
	e.grown = 0
	e.inTx = false
	return nil
}

// Rollback discards all writes of the current transaction. All block handles
// must have been released before.
func (e *Engine) Rollback() error {
	if !e.inTx {
		return errors.New("no transaction in progress")
	}
	if e.pins != 0 {
		return errors.Errorf("%d block handles still held at rollback", e.pins)
	}

	for slotAddr := range e.dirty {
		offset := slotAddr * slotSize
		header := photon.NewFromBytes[slotHeader](e.data[offset:])
		header.V.State = freeSlotState
		delete(e.dirty, slotAddr)
	}

	// Cached copies of spilled blocks hold transaction content and must go
	// too; the journal shrinks back to where the transaction started.
	if len(e.spilled) > 0 {
		for slotAddr := int64(0); slotAddr < e.nSlots; slotAddr++ {
			offset := slotAddr * slotSize
			header := photon.NewFromBytes[slotHeader](e.data[offset:])
			if header.V.State == fetchedSlotState {
				if _, exists := e.spilled[header.V.Index]; exists {
					header.V.State = freeSlotState
				}
			}
		}
		for index := range e.spilled {
			delete(e.spilled, index)
		}
	}
	if err := e.journal.TruncateTo(e.txStart); err != nil {
		return err
	}

	e.grown = 0
	e.inTx = false
	return nil
}

// Checkpoint merges all committed journal records into the database file and
// truncates the journal. Must not be called inside a transaction.
func (e *Engine) Checkpoint() error {
	if e.inTx {
		return errors.New("checkpoint requires no transaction in progress")
	}

	for index, ref := range e.journaled {
		image, err := e.journal.ReadAt(ref)
		if err != nil {
			return err
		}
		if err := e.store.WriteBlock(index, image); err != nil {
			return err
		}
	}
	if e.store.Size() < e.nBlocks {
		if err := e.store.Grow(e.nBlocks); err != nil {
			return err
		}
	}
	if err := e.store.Sync(); err != nil {
		return err
	}

	for index := range e.journaled {
		delete(e.journaled, index)
	}
	return e.journal.Truncate()
}

// Handle is a pinned reference to one cached block. It must be released before
// the transaction commits or rolls back.
type Handle struct {
	engine   *Engine
	index    blocks.BlockIndex
	slotAddr int64
	released bool
}

// Index returns the index of the referenced block.
func (h *Handle) Index() blocks.BlockIndex {
	return h.index
}

// Bytes returns the full content of the block. The slice stays valid until the
// handle is released.
func (h *Handle) Bytes() []byte {
	offset := h.slotAddr * slotSize
	return h.engine.data[offset+slotHeaderSize : offset+slotSize]
}

// MarkDirty records that the block content has been modified by the current
// transaction.
func (h *Handle) MarkDirty() {
	offset := h.slotAddr * slotSize
	header := photon.NewFromBytes[slotHeader](h.engine.data[offset:])
	header.V.State = dirtySlotState
	h.engine.dirty[h.slotAddr] = struct{}{}
}

// Release unpins the block. Releasing twice is a no-op.
func (h *Handle) Release() {
	if h.released {
		return
	}
	h.released = true

	offset := h.slotAddr * slotSize
	header := photon.NewFromBytes[slotHeader](h.engine.data[offset:])
	header.V.Pins--
	h.engine.pins--
}
