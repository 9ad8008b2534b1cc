// Copyright © 2018 One Concern

package index

import (
	"context"
	"fmt"
	"io"

	"github.com/oneconcern/dedupstore/pkg/chunkstore"
	"github.com/oneconcern/dedupstore/pkg/status"
)

// Restore writes the logical stream described by an index, reading its chunks from the store.
//
// Every chunk is verified against its digest and its length in the index.
func Restore(ctx context.Context, store *chunkstore.ChunkStore, idx File, w io.Writer) (uint64, error) {
	var written uint64

	for i := 0; i < idx.IndexCount(); i++ {
		if err := ctx.Err(); err != nil {
			return written, err
		}

		ref, err := idx.ChunkInfo(i)
		if err != nil {
			return written, err
		}
		if ref.Start() != written {
			return written, status.ErrConsistency.Wrapf("index %q: chunk %d starts at %d, expected %d", idx.Path(), i, ref.Start(), written)
		}

		data, err := store.ReadChunk(ref.Digest)
		if err != nil {
			return written, err
		}
		if uint64(len(data)) != ref.Length {
			return written, status.ErrConsistency.Wrapf("index %q: chunk %v has %d bytes, expected %d", idx.Path(), ref.Digest, len(data), ref.Length)
		}

		n, err := w.Write(data)
		written += uint64(n)
		if err != nil {
			return written, status.ErrIO.Wrap(fmt.Errorf("restore %q: %w", idx.Path(), err))
		}
	}

	return written, nil
}
