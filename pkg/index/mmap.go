// Copyright © 2018 One Concern

package index

import (
	"fmt"
	"os"

	"github.com/oneconcern/dedupstore/pkg/digest"
	"github.com/oneconcern/dedupstore/pkg/status"
	"golang.org/x/sys/unix"
)

// mapping is a memory mapping of a whole index file.
//
// The file is mapped from offset 0 so the mapping offset is always page-aligned;
// the body is sliced past the header.
type mapping struct {
	data []byte
	pth  string
}

func mapFile(f *os.File, length int, writable bool) (*mapping, error) {
	if length < HeaderSize {
		return nil, status.ErrFormat.Wrapf("cannot map %q: %d bytes is shorter than the header", f.Name(), length)
	}

	prot, flags := unix.PROT_READ, unix.MAP_PRIVATE
	if writable {
		prot, flags = unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED
	}

	data, err := unix.Mmap(int(f.Fd()), 0, length, prot, flags)
	if err != nil {
		return nil, status.ErrIO.Wrap(fmt.Errorf("mmap %q: %w", f.Name(), err))
	}

	return &mapping{data: data, pth: f.Name()}, nil
}

func (m *mapping) body() []byte {
	return m.data[HeaderSize:]
}

func (m *mapping) sync() error {
	if err := unix.Msync(m.data, unix.MS_SYNC); err != nil {
		return status.ErrIO.Wrap(fmt.Errorf("msync %q: %w", m.pth, err))
	}
	return nil
}

// unmap releases the mapping. It may be called several times.
func (m *mapping) unmap() error {
	if m == nil || m.data == nil {
		return nil
	}

	err := unix.Munmap(m.data)
	m.data = nil
	if err != nil {
		return status.ErrIO.Wrap(fmt.Errorf("munmap %q: %w", m.pth, err))
	}

	return nil
}

// slots is a bounds-checked view over an array of digests
type slots struct {
	buf []byte
}

func newSlots(buf []byte) slots {
	return slots{buf: buf}
}

func (s slots) count() int {
	return len(s.buf) / digest.Size
}

func (s slots) get(i int) (digest.Digest, error) {
	var d digest.Digest
	if i < 0 || i >= s.count() {
		return d, status.ErrConsistency.Wrapf("slot %d out of range [0, %d)", i, s.count())
	}
	copy(d[:], s.buf[i*digest.Size:(i+1)*digest.Size])
	return d, nil
}

func (s slots) set(i int, d digest.Digest) error {
	if s.buf == nil {
		return status.ErrClosed.Wrapf("cannot write slot %d to a closed index", i)
	}
	if i < 0 || i >= s.count() {
		return status.ErrConsistency.Wrapf("slot %d out of range [0, %d)", i, s.count())
	}
	copy(s.buf[i*digest.Size:], d[:])
	return nil
}
