package index

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/oneconcern/dedupstore/internal/rand"
	"github.com/oneconcern/dedupstore/pkg/chunkstore"
	"github.com/oneconcern/dedupstore/pkg/digest"
	"github.com/oneconcern/dedupstore/pkg/status"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFixedIndex_RoundTrip(t *testing.T) {
	s := setupStore(t)

	a := chunkstore.NewChunk(rand.Bytes(64))
	b := chunkstore.NewChunk(rand.Bytes(64))
	c := chunkstore.NewChunk(rand.Bytes(2))

	w, err := CreateFixedWriter(s, "disk.fidx", 130, 64)
	require.NoError(t, err)
	require.Equal(t, 3, w.IndexCount())

	_, err = os.Stat(filepath.Join(s.BasePath(), "disk.tmp_fidx"))
	require.NoError(t, err, "content is staged in a temp file")

	var stat chunkstore.ChunkStat
	// slots may be written in any order
	require.NoError(t, w.AddChunk(chunkstore.NewChunkInfo(c, 130), &stat))
	require.NoError(t, w.AddChunk(chunkstore.NewChunkInfo(a, 64), &stat))
	require.NoError(t, w.AddChunk(chunkstore.NewChunkInfo(b, 128), &stat))

	_, err = os.Stat(filepath.Join(s.BasePath(), "disk.fidx"))
	require.True(t, os.IsNotExist(err), "index is not published before close")

	csum, err := w.Close()
	require.NoError(t, err)

	_, err = w.Close()
	require.ErrorIs(t, err, status.ErrClosed)

	_, err = os.Stat(filepath.Join(s.BasePath(), "disk.tmp_fidx"))
	require.True(t, os.IsNotExist(err))

	fi, err := os.Stat(filepath.Join(s.BasePath(), "disk.fidx"))
	require.NoError(t, err)
	require.Equal(t, int64(HeaderSize+3*digest.Size), fi.Size())

	assert.Equal(t, uint64(130), stat.Size)
	assert.Equal(t, uint64(3), stat.ChunkCount)
	assert.Equal(t, uint64(0), stat.DuplicateChunks)

	r, err := OpenFixedReader(s, "disk.fidx")
	require.NoError(t, err)
	defer func() {
		_ = r.Close()
	}()

	assert.Equal(t, uint64(64), r.ChunkSize())
	assert.Equal(t, uint64(130), r.IndexBytes())
	assert.Equal(t, 3, r.IndexCount())

	var concat []byte
	for i, want := range []*chunkstore.Chunk{a, b, c} {
		d, erd := r.IndexDigest(i)
		require.NoError(t, erd)
		assert.Equal(t, want.Digest(), d)
		concat = append(concat, d[:]...)
	}
	_, err = r.IndexDigest(3)
	require.ErrorIs(t, err, status.ErrConsistency)

	assert.Equal(t, csum, r.Header().Checksum)
	assert.Equal(t, digest.Sum(concat), r.ComputeChecksum())
	require.NoError(t, r.Verify())

	last, err := r.ChunkInfo(2)
	require.NoError(t, err)
	assert.Equal(t, ChunkRef{Digest: c.Digest(), Offset: 130, Length: 2}, last)
	assert.Equal(t, uint64(128), last.Start())

	info := r.Info()
	assert.Equal(t, "fixed", info.Kind)
	assert.Equal(t, 3, info.Count)
	assert.Contains(t, info.String(), "ChunkSize: 64")

	require.NoError(t, r.Close())
	require.NoError(t, r.Close(), "close is idempotent")
}

func TestFixedIndex_AddChunkValidation(t *testing.T) {
	s := setupStore(t)

	w, err := CreateFixedWriter(s, "bad.fidx", 130, 64)
	require.NoError(t, err)
	defer func() {
		_ = w.Abort()
	}()

	var stat chunkstore.ChunkStat
	full := chunkstore.NewChunk(rand.Bytes(64))
	half := chunkstore.NewChunk(rand.Bytes(32))

	for _, toPin := range []struct {
		name string
		info chunkstore.ChunkInfo
	}{
		{name: "offset exceeds size", info: chunkstore.NewChunkInfo(full, 192)},
		{name: "unaligned offset", info: chunkstore.NewChunkInfo(full, 96)},
		{name: "short chunk before the end", info: chunkstore.NewChunkInfo(half, 32)},
		{name: "offset smaller than length", info: chunkstore.NewChunkInfo(full, 10)},
		{name: "empty chunk", info: chunkstore.NewChunkInfo(chunkstore.NewChunk([]byte{}), 64)},
		{name: "chunk longer than chunk size", info: chunkstore.NewChunkInfo(chunkstore.NewChunk(rand.Bytes(66)), 130)},
		{name: "length mismatch", info: chunkstore.ChunkInfo{Chunk: full, Offset: 64, Length: 63}},
		{name: "missing chunk", info: chunkstore.ChunkInfo{Offset: 64, Length: 64}},
	} {
		fixture := toPin
		t.Run(fixture.name, func(t *testing.T) {
			require.ErrorIs(t, w.AddChunk(fixture.info, &stat), status.ErrConsistency)
		})
	}
	assert.Equal(t, uint64(0), stat.ChunkCount, "rejected chunks are not inserted")

	require.ErrorIs(t, w.AddDigest(3, full.Digest()), status.ErrConsistency)
}

func TestFixedIndex_AddDigest(t *testing.T) {
	s := setupStore(t)
	a := chunkstore.NewChunk(rand.Bytes(10))
	_, _, err := s.InsertChunk(a)
	require.NoError(t, err)

	w, err := CreateFixedWriter(s, "digests.fidx", 20, 10)
	require.NoError(t, err)
	require.NoError(t, w.AddDigest(1, a.Digest()))
	require.NoError(t, w.AddDigest(0, a.Digest()))
	_, err = w.Close()
	require.NoError(t, err)

	r, err := OpenFixedReader(s, filepath.Join(s.BasePath(), "digests.fidx"))
	require.NoError(t, err)
	defer func() {
		_ = r.Close()
	}()
	require.Equal(t, 2, r.IndexCount())
}

func TestFixedIndex_IncompleteClose(t *testing.T) {
	s := setupStore(t)

	w, err := CreateFixedWriter(s, "partial.fidx", 130, 64)
	require.NoError(t, err)

	var stat chunkstore.ChunkStat
	require.NoError(t, w.AddChunk(chunkstore.NewChunkInfo(chunkstore.NewChunk(rand.Bytes(64)), 64), &stat))

	_, err = w.Close()
	require.ErrorIs(t, err, status.ErrConsistency)

	for _, name := range []string{"partial.fidx", "partial.tmp_fidx"} {
		_, err = os.Stat(filepath.Join(s.BasePath(), name))
		assert.True(t, os.IsNotExist(err), name)
	}

	// the store lock was released
	lock, err := s.TryExclusiveLock()
	require.NoError(t, err)
	require.NoError(t, lock.Close())
}

func TestFixedIndex_Abort(t *testing.T) {
	s := setupStore(t)

	w, err := CreateFixedWriter(s, "aborted.fidx", 64, 64)
	require.NoError(t, err)

	_, err = s.TryExclusiveLock()
	require.ErrorIs(t, err, status.ErrLocked, "a writer holds the shared lock")

	require.NoError(t, w.Abort())
	require.NoError(t, w.Abort())

	_, err = os.Stat(filepath.Join(s.BasePath(), "aborted.tmp_fidx"))
	assert.True(t, os.IsNotExist(err))

	var stat chunkstore.ChunkStat
	require.ErrorIs(t, w.AddChunk(chunkstore.NewChunkInfo(chunkstore.NewChunk(rand.Bytes(64)), 64), &stat), status.ErrClosed)

	lock, err := s.TryExclusiveLock()
	require.NoError(t, err)

	_, err = CreateFixedWriter(s, "locked.fidx", 64, 64)
	require.ErrorIs(t, err, status.ErrLocked, "no writer while collecting")
	require.NoError(t, lock.Close())
}

func TestFixedIndex_Empty(t *testing.T) {
	s := setupStore(t)

	w, err := CreateFixedWriter(s, "empty.fidx", 0, 64)
	require.NoError(t, err)
	_, err = w.Close()
	require.NoError(t, err)

	r, err := OpenFixedReader(s, "empty.fidx")
	require.NoError(t, err)
	assert.Equal(t, 0, r.IndexCount())
	require.NoError(t, r.Verify())
	require.NoError(t, r.Close())

	_, err = CreateFixedWriter(s, "zero.fidx", 10, 0)
	require.ErrorIs(t, err, status.ErrConfiguration)
}

func writeFixed(t *testing.T, s *chunkstore.ChunkStore, name string) string {
	t.Helper()
	w, err := CreateFixedWriter(s, name, 20, 10)
	require.NoError(t, err)

	var stat chunkstore.ChunkStat
	require.NoError(t, w.AddChunk(chunkstore.NewChunkInfo(chunkstore.NewChunk(rand.Bytes(10)), 10), &stat))
	require.NoError(t, w.AddChunk(chunkstore.NewChunkInfo(chunkstore.NewChunk(rand.Bytes(10)), 20), &stat))
	_, err = w.Close()
	require.NoError(t, err)

	return filepath.Join(s.BasePath(), name)
}

func TestFixedReader_Corrupt(t *testing.T) {
	s := setupStore(t)

	t.Run("should reject truncated index", func(t *testing.T) {
		pth := writeFixed(t, s, "truncated.fidx")
		require.NoError(t, os.Truncate(pth, HeaderSize+digest.Size))

		_, err := OpenFixedReader(s, pth)
		require.ErrorIs(t, err, status.ErrFormat)
	})

	t.Run("should reject oversized index", func(t *testing.T) {
		pth := writeFixed(t, s, "oversized.fidx")
		require.NoError(t, os.Truncate(pth, HeaderSize+3*digest.Size))

		_, err := OpenFixedReader(s, pth)
		require.ErrorIs(t, err, status.ErrFormat)
	})

	t.Run("should reject short header", func(t *testing.T) {
		pth := filepath.Join(s.BasePath(), "short.fidx")
		require.NoError(t, os.WriteFile(pth, FixedMagic[:], 0600))

		_, err := OpenFixedReader(s, pth)
		require.ErrorIs(t, err, status.ErrFormat)
	})

	t.Run("should reject bad magic", func(t *testing.T) {
		pth := writeFixed(t, s, "magic.fidx")
		f, err := os.OpenFile(pth, os.O_RDWR, 0)
		require.NoError(t, err)
		_, err = f.WriteAt(DynamicMagic[:], offMagic)
		require.NoError(t, err)
		require.NoError(t, f.Close())

		_, err = OpenFixedReader(s, pth)
		require.ErrorIs(t, err, status.ErrFormat)

		_, err = Open(s, pth)
		require.ErrorIs(t, err, status.ErrFormat)
	})

	t.Run("should detect checksum mismatch", func(t *testing.T) {
		pth := writeFixed(t, s, "tampered.fidx")
		f, err := os.OpenFile(pth, os.O_RDWR, 0)
		require.NoError(t, err)
		_, err = f.WriteAt([]byte{0xff, 0xff}, HeaderSize)
		require.NoError(t, err)
		require.NoError(t, f.Close())

		r, err := OpenFixedReader(s, pth)
		require.NoError(t, err, "checksums are not verified on open")
		defer func() {
			_ = r.Close()
		}()
		require.ErrorIs(t, r.Verify(), status.ErrFormat)
	})
}

func TestFixedIndex_SlotCount(t *testing.T) {
	assert.Equal(t, uint64(0), slotCount(0, 64))
	assert.Equal(t, uint64(1), slotCount(64, 64))
	assert.Equal(t, uint64(3), slotCount(130, 64))
	assert.Equal(t, uint64(1)<<63, slotCount(math.MaxUint64, 2))
	assert.Equal(t, uint64(1), slotCount(math.MaxUint64, math.MaxUint64))
}

func TestFixedIndex_HugeSize(t *testing.T) {
	s := setupStore(t)

	_, err := CreateFixedWriter(s, "huge.fidx", math.MaxUint64, 2)
	require.ErrorIs(t, err, status.ErrConfiguration)

	_, err = os.Stat(filepath.Join(s.BasePath(), "huge.tmp_fidx"))
	require.True(t, os.IsNotExist(err), "nothing is staged")

	lock, err := s.TryExclusiveLock()
	require.NoError(t, err, "the store lock is not held after a rejected writer")
	require.NoError(t, lock.Close())
}

func TestFixedIndex_Extension(t *testing.T) {
	s := setupStore(t)

	for _, name := range []string{"disk.didx", "disk.img", "disk", "disk.fidx.tmp"} {
		_, err := CreateFixedWriter(s, name, 20, 10)
		require.ErrorIsf(t, err, status.ErrConfiguration, "expected %q to be rejected", name)
	}
}

func TestFixedReader_HugeHeader(t *testing.T) {
	s := setupStore(t)

	// a header declaring 2^63 slots with an empty body
	page, err := newHeader(FixedMagic, math.MaxUint64, 2).MarshalBinary()
	require.NoError(t, err)
	pth := filepath.Join(s.BasePath(), "huge.fidx")
	require.NoError(t, os.WriteFile(pth, page, 0600))

	_, err = OpenFixedReader(s, pth)
	require.ErrorIs(t, err, status.ErrFormat)

	_, err = Open(s, pth)
	require.ErrorIs(t, err, status.ErrFormat)
}
