package memdev

import (
	"io"

	"github.com/pkg/errors"
)

var (
	_ io.Seeker = &MemDev{}
	_ io.Reader = &MemDev{}
	_ io.Writer = &MemDev{}
)

// MemDev simulates device io operations in memory.
type MemDev struct {
	size   int64
	offset int64
	data   []byte
}

// New returns new memdev.
func New(size int64) *MemDev {
	return &MemDev{
		size: size,
		data: make([]byte, size),
	}
}

// Seek seeks the position.
func (md *MemDev) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		offset = md.offset + offset
	case io.SeekEnd:
		offset = md.size + offset
	}

	if offset < 0 || offset > md.size {
		return 0, errors.Errorf("invalid offset: %d", offset)
	}

	md.offset = offset
	return offset, nil
}

// Read reads data from the memdev.
func (md *MemDev) Read(p []byte) (int, error) {
	if p == nil {
		return 0, nil
	}
	if md.offset >= md.size {
		return 0, errors.WithStack(io.EOF)
	}
	n := copy(p, md.data[md.offset:md.size])
	md.offset += int64(n)
	return n, nil
}

// Write writes data to the memdev. The device grows if the write extends past its end.
func (md *MemDev) Write(p []byte) (int, error) {
	if p == nil {
		return 0, nil
	}
	if end := md.offset + int64(len(p)); end > md.size {
		if err := md.Truncate(end); err != nil {
			return 0, err
		}
	}
	n := copy(md.data[md.offset:md.size], p)
	md.offset += int64(n)
	return n, nil
}

// Sync is a no-op for the in-memory device.
func (md *MemDev) Sync() error {
	return nil
}

// Size returns the byte size of the device.
func (md *MemDev) Size() int64 {
	return md.size
}

// Truncate resizes the device to the requested byte size.
func (md *MemDev) Truncate(size int64) error {
	if size < 0 {
		return errors.Errorf("invalid size: %d", size)
	}
	if size > int64(cap(md.data)) {
		data := make([]byte, size, 2*size)
		copy(data, md.data[:md.size])
		md.data = data
	} else {
		data := md.data[:size]
		for i := md.size; i < size; i++ {
			data[i] = 0
		}
		md.data = data
	}
	md.size = size
	if md.offset > md.size {
		md.offset = md.size
	}
	return nil
}
