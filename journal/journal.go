package journal

import (
	"io"
	"unsafe"

	"github.com/google/uuid"
	"github.com/outofforest/photon"
	"github.com/pierrec/lz4/v4"
	"github.com/pkg/errors"

	"github.com/outofforest/blabber/blocks"
	"github.com/outofforest/blabber/persistence"
)

// FormatVersion is the version of the journal file format.
const FormatVersion uint32 = 1

var magic = [10]byte{'B', 'L', 'A', 'B', 'B', 'E', 'R', 'W', 'A', 'L'}

type fileHeader struct {
	Magic      [10]byte
	Version    uint32
	DatabaseID uuid.UUID
}

type recordKind byte

const (
	blockRecord recordKind = iota + 1
	commitRecord
)

// Block records carry the after-image of one block, lz4-compressed when that
// helps. A commit record carries the database size in blocks resulting from
// the transaction in Index and has no payload.
type recordHeader struct {
	Checksum  blocks.Hash
	Index     blocks.BlockIndex
	RawLen    uint32
	StoredLen uint32
	Kind      recordKind
}

const (
	headerSize       = int64(unsafe.Sizeof(fileHeader{}))
	recordHeaderSize = int64(unsafe.Sizeof(recordHeader{}))
)

// RecordRef locates the payload of an appended block record inside the journal file.
type RecordRef struct {
	Offset    int64
	RawLen    uint32
	StoredLen uint32
}

// Journal is an append-only write-ahead log of block after-images. Records
// become effective only once a commit marker covering them has been written.
type Journal struct {
	dev          persistence.Dev
	databaseID   uuid.UUID
	syncOnCommit bool
	end          int64

	compressBuf []byte
}

// Create truncates the device and starts an empty journal for the database
// identified by databaseID.
func Create(dev persistence.Dev, databaseID uuid.UUID, syncOnCommit bool) (*Journal, error) {
	j := &Journal{
		dev:          dev,
		databaseID:   databaseID,
		syncOnCommit: syncOnCommit,
		compressBuf:  make([]byte, lz4.CompressBlockBound(int(blocks.BlockSize))),
	}
	if err := j.Truncate(); err != nil {
		return nil, err
	}
	return j, nil
}

// Open opens an existing journal device. A device too short to contain a
// header is treated as an empty journal and reinitialized. If expectedID is
// non-nil the journal must belong to that database.
func Open(dev persistence.Dev, databaseID uuid.UUID, expectedID *uuid.UUID, syncOnCommit bool) (*Journal, error) {
	if dev.Size() < headerSize {
		return Create(dev, databaseID, syncOnCommit)
	}

	header := photon.NewFromBytes[fileHeader](make([]byte, headerSize))
	if _, err := dev.Seek(0, io.SeekStart); err != nil {
		return nil, errors.WithStack(err)
	}
	if _, err := io.ReadFull(dev, header.B); err != nil {
		return nil, errors.WithStack(err)
	}

	if header.V.Magic != magic {
		return nil, errors.New("device does not contain a blabber journal")
	}
	if header.V.Version != FormatVersion {
		return nil, errors.Errorf("unsupported journal version: %d, supported: %d",
			header.V.Version, FormatVersion)
	}
	journalID := header.V.DatabaseID
	if expectedID != nil && journalID != *expectedID {
		return nil, errors.Errorf("journal belongs to database %s, expected %s",
			journalID, *expectedID)
	}

	return &Journal{
		dev:          dev,
		databaseID:   journalID,
		syncOnCommit: syncOnCommit,
		end:          dev.Size(),
		compressBuf:  make([]byte, lz4.CompressBlockBound(int(blocks.BlockSize))),
	}, nil
}

// DatabaseID returns the ID of the database the journal belongs to.
func (j *Journal) DatabaseID() uuid.UUID {
	return j.databaseID
}

// Size returns the byte size of the journal.
func (j *Journal) Size() int64 {
	return j.end
}

// HasChanges returns true if the journal contains any records.
func (j *Journal) HasChanges() bool {
	return j.end > headerSize
}

// Append appends the after-image of one block. The record is not effective
// until a commit marker is written.
func (j *Journal) Append(index blocks.BlockIndex, image []byte) (RecordRef, error) {
	if int64(len(image)) != blocks.BlockSize {
		return RecordRef{}, errors.Errorf("invalid size of block image: %d", len(image))
	}

	stored := image
	n, err := lz4.CompressBlock(image, j.compressBuf, nil)
	if err == nil && n > 0 && n < len(image) {
		stored = j.compressBuf[:n]
	}

	header := photon.NewFromValue(&recordHeader{
		Checksum:  blocks.Checksum(stored),
		Index:     index,
		RawLen:    uint32(len(image)),
		StoredLen: uint32(len(stored)),
		Kind:      blockRecord,
	})

	if _, err := j.dev.Seek(j.end, io.SeekStart); err != nil {
		return RecordRef{}, errors.WithStack(err)
	}
	if _, err := j.dev.Write(header.B); err != nil {
		return RecordRef{}, errors.WithStack(err)
	}
	if _, err := j.dev.Write(stored); err != nil {
		return RecordRef{}, errors.WithStack(err)
	}

	ref := RecordRef{
		Offset:    j.end + recordHeaderSize,
		RawLen:    uint32(len(image)),
		StoredLen: uint32(len(stored)),
	}
	j.end += recordHeaderSize + int64(len(stored))
	return ref, nil
}

// Commit writes a commit marker covering all records appended so far and,
// if the journal was configured to, syncs the device.
func (j *Journal) Commit(nBlocks uint64) error {
	header := photon.NewFromValue(&recordHeader{
		Checksum: commitChecksum(nBlocks),
		Index:    blocks.BlockIndex(nBlocks),
		Kind:     commitRecord,
	})

	if _, err := j.dev.Seek(j.end, io.SeekStart); err != nil {
		return errors.WithStack(err)
	}
	if _, err := j.dev.Write(header.B); err != nil {
		return errors.WithStack(err)
	}
	j.end += recordHeaderSize

	if j.syncOnCommit {
		return errors.WithStack(j.dev.Sync())
	}
	return nil
}

// ReadAt reads back and decompresses the payload of a block record.
func (j *Journal) ReadAt(ref RecordRef) ([]byte, error) {
	stored := make([]byte, ref.StoredLen)
	if _, err := j.dev.Seek(ref.Offset, io.SeekStart); err != nil {
		return nil, errors.WithStack(err)
	}
	if _, err := io.ReadFull(j.dev, stored); err != nil {
		return nil, errors.WithStack(err)
	}
	if ref.StoredLen == ref.RawLen {
		return stored, nil
	}

	image := make([]byte, ref.RawLen)
	if _, err := lz4.UncompressBlock(stored, image); err != nil {
		return nil, errors.WithStack(err)
	}
	return image, nil
}

// Replay walks the journal and invokes fn for every block image covered by a
// commit marker, in log order. It stops silently at the first torn or corrupt
// record, so a crash in the middle of an append loses only the uncommitted
// tail. It returns the database size recorded by the last commit marker seen.
func (j *Journal) Replay(fn func(index blocks.BlockIndex, image []byte) error) (nBlocks uint64, committed bool, err error) {
	cursor := headerSize
	var pending []struct {
		index blocks.BlockIndex
		ref   RecordRef
	}

	headerBuf := make([]byte, recordHeaderSize)
	for cursor+recordHeaderSize <= j.end {
		if _, err := j.dev.Seek(cursor, io.SeekStart); err != nil {
			return 0, false, errors.WithStack(err)
		}
		if _, err := io.ReadFull(j.dev, headerBuf); err != nil {
			return 0, false, errors.WithStack(err)
		}
		header := photon.NewFromBytes[recordHeader](headerBuf)

		switch header.V.Kind {
		case blockRecord:
			ref := RecordRef{
				Offset:    cursor + recordHeaderSize,
				RawLen:    header.V.RawLen,
				StoredLen: header.V.StoredLen,
			}
			if ref.RawLen != uint32(blocks.BlockSize) || ref.Offset+int64(ref.StoredLen) > j.end {
				return nBlocks, committed, nil
			}
			stored := make([]byte, ref.StoredLen)
			if _, err := io.ReadFull(j.dev, stored); err != nil {
				return 0, false, errors.WithStack(err)
			}
			if blocks.Checksum(stored) != header.V.Checksum {
				return nBlocks, committed, nil
			}
			pending = append(pending, struct {
				index blocks.BlockIndex
				ref   RecordRef
			}{index: header.V.Index, ref: ref})
			cursor += recordHeaderSize + int64(ref.StoredLen)
		case commitRecord:
			if commitChecksum(uint64(header.V.Index)) != header.V.Checksum {
				return nBlocks, committed, nil
			}
			for _, rec := range pending {
				image, err := j.ReadAt(rec.ref)
				if err != nil {
					return 0, false, err
				}
				if err := fn(rec.index, image); err != nil {
					return 0, false, err
				}
			}
			pending = pending[:0]
			nBlocks = uint64(header.V.Index)
			committed = true
			cursor += recordHeaderSize
		default:
			return nBlocks, committed, nil
		}
	}

	return nBlocks, committed, nil
}

// TruncateTo drops everything past offset. Used to reclaim records appended
// by a transaction that rolled back; offset must not cut into committed
// records.
func (j *Journal) TruncateTo(offset int64) error {
	if offset < headerSize || offset > j.end {
		return errors.Errorf("invalid journal truncation offset: %d", offset)
	}
	if offset == j.end {
		return nil
	}
	if err := j.dev.Truncate(offset); err != nil {
		return err
	}
	j.end = offset
	return nil
}

// Truncate drops all records and rewrites the journal header. Called after a
// checkpoint has merged the records into the database file.
func (j *Journal) Truncate() error {
	if err := j.dev.Truncate(0); err != nil {
		return err
	}

	header := photon.NewFromValue(&fileHeader{
		Magic:      magic,
		Version:    FormatVersion,
		DatabaseID: j.databaseID,
	})
	if _, err := j.dev.Seek(0, io.SeekStart); err != nil {
		return errors.WithStack(err)
	}
	if _, err := j.dev.Write(header.B); err != nil {
		return errors.WithStack(err)
	}
	j.end = headerSize
	return errors.WithStack(j.dev.Sync())
}

func commitChecksum(nBlocks uint64) blocks.Hash {
	marker := photon.NewFromValue(&nBlocks)
	return blocks.Checksum(marker.B)
}
