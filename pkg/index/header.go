// Copyright © 2018 One Concern

package index

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/oneconcern/dedupstore/pkg/digest"
	"github.com/oneconcern/dedupstore/pkg/status"
)

// HeaderSize is the size of the header of an index file: exactly one page
const HeaderSize = 4096

// MagicSize is the size of the magic number starting an index file
const MagicSize = 8

// header field offsets
const (
	offMagic     = 0
	offUUID      = offMagic + MagicSize
	offCTime     = offUUID + 16
	offChecksum  = offCTime + 8
	offSize      = offChecksum + digest.Size
	offChunkSize = offSize + 8
)

// Magic numbers of index files
var (
	FixedMagic   = [MagicSize]byte{0x2f, 0x7f, 0x65, 0xb8, 'f', 'i', 'd', 'x'}
	DynamicMagic = [MagicSize]byte{0x2f, 0x7f, 0x65, 0xb8, 'd', 'i', 'd', 'x'}
)

// Header of an index file.
//
// Fixed and dynamic indexes share the same header layout and differ by their magic number.
// Integers are little endian.
type Header struct {
	Magic     [MagicSize]byte
	UUID      uuid.UUID
	CTime     time.Time // second precision
	Checksum  digest.Digest
	Size      uint64
	ChunkSize uint64
}

func newHeader(magic [MagicSize]byte, size, chunkSize uint64) Header {
	return Header{
		Magic:     magic,
		UUID:      uuid.New(),
		CTime:     time.Now().Truncate(time.Second),
		Size:      size,
		ChunkSize: chunkSize,
	}
}

// MarshalBinary renders the header page, zero-padded
func (h Header) MarshalBinary() ([]byte, error) {
	buf := make([]byte, HeaderSize)
	copy(buf[offMagic:], h.Magic[:])
	copy(buf[offUUID:], h.UUID[:])
	binary.LittleEndian.PutUint64(buf[offCTime:], uint64(h.CTime.Unix()))
	copy(buf[offChecksum:], h.Checksum[:])
	binary.LittleEndian.PutUint64(buf[offSize:], h.Size)
	binary.LittleEndian.PutUint64(buf[offChunkSize:], h.ChunkSize)

	return buf, nil
}

// UnmarshalBinary decodes a header page
func (h *Header) UnmarshalBinary(buf []byte) error {
	if len(buf) < HeaderSize {
		return status.ErrFormat.Wrapf("index header too short: %d bytes", len(buf))
	}

	copy(h.Magic[:], buf[offMagic:offUUID])
	copy(h.UUID[:], buf[offUUID:offCTime])
	h.CTime = time.Unix(int64(binary.LittleEndian.Uint64(buf[offCTime:])), 0)
	copy(h.Checksum[:], buf[offChecksum:offSize])
	h.Size = binary.LittleEndian.Uint64(buf[offSize:])
	h.ChunkSize = binary.LittleEndian.Uint64(buf[offChunkSize:])

	return nil
}

func (h Header) checkMagic(expected [MagicSize]byte, pth string) error {
	if h.Magic != expected {
		return status.ErrFormat.Wrapf("got unknown magic number %x for %q", h.Magic[:], pth)
	}
	return nil
}

// Info is a human-readable description of an index file
type Info struct {
	Path      string
	Kind      string
	UUID      uuid.UUID
	CTime     time.Time
	Checksum  digest.Digest
	Size      uint64
	ChunkSize uint64
	Count     int
}

func (i Info) String() string {
	return fmt.Sprintf("Filename: %s\nType: %s\nSize: %d\nChunkSize: %d\nChunks: %d\nCTime: %s\nUUID: %s\nChecksum: %s\n",
		i.Path, i.Kind, i.Size, i.ChunkSize, i.Count, i.CTime.Local().Format(time.ANSIC), i.UUID, i.Checksum)
}
