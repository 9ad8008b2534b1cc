// Copyright © 2018 One Concern

// Package index implements the index files which map the logical byte stream of a
// backup onto chunks of the chunk store.
//
// Two formats are supported:
//   - fixed indexes (.fidx) for streams split into chunks of a fixed size, written in any order
//   - dynamic indexes (.didx) for streams split at content-defined boundaries, written in order
//
// Both formats start with a one page header (see Header). Writers stage their content in a
// temporary file and publish it with an atomic rename on Close: a published index is immutable.
package index

import (
	"path/filepath"
	"strings"

	"github.com/oneconcern/dedupstore/pkg/chunkstore"
	"github.com/oneconcern/dedupstore/pkg/digest"
	"github.com/oneconcern/dedupstore/pkg/gc"
	"github.com/oneconcern/dedupstore/pkg/status"
)

// File extensions of index files
const (
	FixedExt   = ".fidx"
	DynamicExt = ".didx"

	fixedTempExt   = ".tmp_fidx"
	dynamicTempExt = ".tmp_didx"
)

// ChunkRef locates a chunk in the logical stream described by an index.
//
// Offset is the END offset of the chunk.
type ChunkRef struct {
	Digest digest.Digest
	Offset uint64
	Length uint64
}

// Start offset of the chunk in the stream
func (r ChunkRef) Start() uint64 {
	return r.Offset - r.Length
}

// File is the read side common to fixed and dynamic indexes
type File interface {
	Path() string
	Header() Header
	IndexCount() int
	IndexDigest(int) (digest.Digest, error)
	// IndexBytes is the logical size of the stream
	IndexBytes() uint64
	ChunkInfo(int) (ChunkRef, error)
	ComputeChecksum() digest.Digest
	Verify() error
	MarkUsedChunks(*gc.Status, gc.MarkSet) error
	Info() Info
	Close() error
}

var (
	_ File = &FixedReader{}
	_ File = &DynamicReader{}
)

// IsIndex tells if a file name has the extension of an index
func IsIndex(name string) bool {
	ext := filepath.Ext(name)
	return ext == FixedExt || ext == DynamicExt
}

// Open an index file, selecting the reader from the file extension
func Open(store *chunkstore.ChunkStore, pth string) (File, error) {
	switch filepath.Ext(pth) {
	case FixedExt:
		return OpenFixedReader(store, pth)
	case DynamicExt:
		return OpenDynamicReader(store, pth)
	default:
		return nil, status.ErrFormat.Wrapf("cannot open index file of unknown type: %q", pth)
	}
}

func tempPath(pth, ext string) string {
	return strings.TrimSuffix(pth, filepath.Ext(pth)) + ext
}

// markUsedChunks marks every chunk referenced by an index.
//
// A digest referenced several times counts once in UsedChunks, but each reference adds its length to UsedBytes.
func markUsedChunks(idx File, st *gc.Status, marks gc.MarkSet) error {
	for i := 0; i < idx.IndexCount(); i++ {
		ref, err := idx.ChunkInfo(i)
		if err != nil {
			return err
		}

		newly, err := marks.Mark(ref.Digest)
		if err != nil {
			return err
		}
		if newly {
			st.UsedChunks++
		}
		st.UsedBytes += ref.Length
	}
	st.IndexFiles++

	return nil
}

func verify(idx File) error {
	if computed, stored := idx.ComputeChecksum(), idx.Header().Checksum; computed != stored {
		return status.ErrFormat.Wrapf("index %q: checksum mismatch (stored %v, computed %v)", idx.Path(), stored, computed)
	}
	return nil
}
