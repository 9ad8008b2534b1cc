// Copyright © 2018 One Concern

package chunkstore

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/oneconcern/dedupstore/pkg/digest"
	"github.com/oneconcern/dedupstore/pkg/status"
)

// MagicSize is the size of the header of a chunk file
const MagicSize = 8

var (
	magicRaw  = [MagicSize]byte{'d', 's', 'c', 'h', 'u', 'n', 'k', '0'}
	magicZstd = [MagicSize]byte{'d', 's', 'c', 'h', 'u', 'n', 'k', 'z'}
)

var (
	codecOnce sync.Once
	encoder   *zstd.Encoder
	decoder   *zstd.Decoder
	codecErr  error
)

func codecs() (*zstd.Encoder, *zstd.Decoder, error) {
	codecOnce.Do(func() {
		encoder, codecErr = zstd.NewWriter(nil,
			zstd.WithEncoderLevel(zstd.SpeedDefault),
			zstd.WithEncoderConcurrency(1),
		)
		if codecErr != nil {
			return
		}
		decoder, codecErr = zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	})
	return encoder, decoder, codecErr
}

// Chunk is a unit of stored data, named by the digest of its uncompressed content
type Chunk struct {
	digest digest.Digest
	data   []byte
}

// NewChunk computes the digest of some data and builds a chunk
func NewChunk(data []byte) *Chunk {
	return &Chunk{
		digest: digest.Sum(data),
		data:   data,
	}
}

// NewChunkWithDigest builds a chunk with a digest already computed by the chunker
func NewChunkWithDigest(d digest.Digest, data []byte) *Chunk {
	return &Chunk{
		digest: d,
		data:   data,
	}
}

// Digest of the chunk
func (c *Chunk) Digest() digest.Digest {
	return c.digest
}

// Data returns the uncompressed payload
func (c *Chunk) Data() []byte {
	return c.data
}

// Len is the uncompressed size of the chunk
func (c *Chunk) Len() uint64 {
	return uint64(len(c.data))
}

// ChunkInfo locates a chunk in the logical byte stream of a backup.
//
// Offset is the END offset of the chunk in the stream, i.e. the start offset plus Length.
type ChunkInfo struct {
	Chunk  *Chunk
	Offset uint64
	Length uint64
}

// NewChunkInfo builds the info for a chunk ending at offset end
func NewChunkInfo(chunk *Chunk, end uint64) ChunkInfo {
	return ChunkInfo{
		Chunk:  chunk,
		Offset: end,
		Length: chunk.Len(),
	}
}

// encodeChunk serializes a chunk payload into the on-disk blob format.
// The compressed form is retained only when it is smaller.
func encodeChunk(data []byte, compress bool) ([]byte, error) {
	if compress {
		enc, _, err := codecs()
		if err != nil {
			return nil, err
		}

		buf := make([]byte, MagicSize, MagicSize+len(data)/2)
		copy(buf, magicZstd[:])
		buf = enc.EncodeAll(data, buf)
		if len(buf) < MagicSize+len(data) {
			return buf, nil
		}
	}

	buf := make([]byte, MagicSize+len(data))
	copy(buf, magicRaw[:])
	copy(buf[MagicSize:], data)

	return buf, nil
}

// decodeChunk extracts the payload from a blob and verifies it against its digest
func decodeChunk(d digest.Digest, blob []byte) ([]byte, error) {
	if len(blob) < MagicSize {
		return nil, status.ErrFormat.Wrapf("chunk %v: blob too short (%d bytes)", d, len(blob))
	}

	var (
		data []byte
		err  error
	)

	switch {
	case bytes.Equal(blob[:MagicSize], magicRaw[:]):
		data = blob[MagicSize:]
	case bytes.Equal(blob[:MagicSize], magicZstd[:]):
		_, dec, erc := codecs()
		if erc != nil {
			return nil, erc
		}
		data, err = dec.DecodeAll(blob[MagicSize:], nil)
		if err != nil {
			return nil, status.ErrFormat.Wrap(fmt.Errorf("chunk %v: decompress: %w", d, err))
		}
	default:
		return nil, status.ErrFormat.Wrapf("chunk %v: unknown magic number %x", d, blob[:MagicSize])
	}

	if check := digest.Sum(data); check != d {
		return nil, status.ErrFormat.Wrapf("chunk %v: digest mismatch (computed %v)", d, check)
	}

	return data, nil
}
