package persistence

import (
	"io"

	"github.com/pkg/errors"

	"github.com/outofforest/blabber/blocks"
)

// Dev is the interface required from the device.
type Dev interface {
	io.ReadWriteSeeker
	Sync() error
	Size() int64
	Truncate(size int64) error
}

// Store represents persistent block storage over a device.
type Store struct {
	dev Dev
}

// NewStore returns a store reading and writing fixed-size blocks of the device.
func NewStore(dev Dev) *Store {
	return &Store{
		dev: dev,
	}
}

// Size returns the number of blocks in the store.
func (s *Store) Size() uint64 {
	return uint64(s.dev.Size() / blocks.BlockSize)
}

// Grow resizes the device so it holds nBlocks blocks. Shrinking is not allowed.
func (s *Store) Grow(nBlocks uint64) error {
	size := int64(nBlocks) * blocks.BlockSize
	if size < s.dev.Size() {
		return errors.Errorf("store cannot shrink from %d to %d blocks", s.Size(), nBlocks)
	}
	return s.dev.Truncate(size)
}

// ReadBlock reads raw block bytes from the addressed block.
func (s *Store) ReadBlock(index blocks.BlockIndex, p []byte) error {
	if len(p) == 0 || int64(len(p)) > blocks.BlockSize {
		return errors.Errorf("invalid size of output buffer: %d", len(p))
	}

	if _, err := s.dev.Seek(int64(index)*blocks.BlockSize, io.SeekStart); err != nil {
		return errors.WithStack(err)
	}
	if _, err := io.ReadFull(s.dev, p); err != nil {
		return errors.WithStack(err)
	}
	return nil
}

// WriteBlock writes raw block bytes to the addressed block. The device grows
// if the block lies past its current end.
func (s *Store) WriteBlock(index blocks.BlockIndex, p []byte) error {
	if len(p) == 0 || int64(len(p)) > blocks.BlockSize {
		return errors.Errorf("invalid size of input buffer: %d", len(p))
	}

	offset := int64(index) * blocks.BlockSize
	if offset > s.dev.Size() {
		if err := s.dev.Truncate(offset); err != nil {
			return err
		}
	}
	if _, err := s.dev.Seek(offset, io.SeekStart); err != nil {
		return errors.WithStack(err)
	}
	if _, err := s.dev.Write(p); err != nil {
		return errors.WithStack(err)
	}
	return nil
}

// Sync forces data to be written to the dev.
func (s *Store) Sync() error {
	return errors.WithStack(s.dev.Sync())
}
