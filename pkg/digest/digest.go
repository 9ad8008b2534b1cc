// Copyright © 2018 One Concern

// Package digest provides the 32-byte content address used to name chunks.
//
// Digests are computed with BLAKE2b-256 (https://github.com/minio/blake2b-simd),
// which is several times faster than SHA-2 on amd64.
package digest

import (
	"encoding/hex"
	"fmt"
	"hash"

	blake2b "github.com/minio/blake2b-simd"
)

const (
	// Size of a digest in bytes
	Size = 32

	// SizeHex is the length of the hex representation of a digest
	SizeHex = 2 * Size

	// PrefixLen is the number of hex characters used to shard chunk files into buckets
	PrefixLen = 2
)

// Digest identifies a chunk by the hash of its uncompressed content
type Digest [Size]byte

// Zero is the empty digest, which never names a chunk
var Zero Digest

// Sum computes the digest of some data
func Sum(data []byte) Digest {
	return Digest(blake2b.Sum256(data))
}

// NewHasher returns a streaming hasher producing Size bytes, suitable to compute
// digest-of-digests checksums
func NewHasher() hash.Hash {
	return blake2b.New256()
}

// New creates a digest from raw bytes
func New(data []byte) (Digest, error) {
	var d Digest
	if len(data) != Size {
		return Zero, &BadSize{Data: data}
	}
	copy(d[:], data)
	return d, nil
}

// MustNew creates a digest from raw bytes, and panics if the size is wrong
func MustNew(data []byte) Digest {
	d, err := New(data)
	if err != nil {
		panic(err.Error())
	}
	return d
}

// FromHex parses the hex representation of a digest
func FromHex(s string) (Digest, error) {
	if len(s) != SizeHex {
		return Zero, fmt.Errorf("invalid digest %q: expected %d hex characters", s, SizeHex)
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return Zero, fmt.Errorf("invalid digest %q: %w", s, err)
	}
	return MustNew(b), nil
}

func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// Prefix is the bucket name of this digest in a chunk store
func (d Digest) Prefix() string {
	return d.String()[:PrefixLen]
}

// IsZero tells if this digest is unset
func (d Digest) IsZero() bool {
	return d == Zero
}

// BadSize is an error that's returned when the digest to create has an invalid size.
type BadSize struct {
	Data []byte
}

func (b *BadSize) Error() string {
	return fmt.Sprintf("%x has invalid size of %d, expected %d", b.Data, len(b.Data), Size)
}
