package chunkstore

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/oneconcern/dedupstore/internal/rand"
	"github.com/oneconcern/dedupstore/pkg/digest"
	"github.com/oneconcern/dedupstore/pkg/errors"
	"github.com/oneconcern/dedupstore/pkg/gc"
	"github.com/oneconcern/dedupstore/pkg/metrics"
	"github.com/oneconcern/dedupstore/pkg/status"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func setupStore(t *testing.T, opts ...Option) *ChunkStore {
	t.Helper()
	opts = append([]Option{Logger(zap.NewNop())}, opts...)
	s, err := Open("test", filepath.Join(t.TempDir(), "store"), opts...)
	require.NoError(t, err)
	return s
}

func countChunks(t *testing.T, s *ChunkStore) int {
	t.Helper()
	it := s.ChunkIterator(false)
	n := 0
	for it.Next() {
		n++
	}
	require.NoError(t, it.Err())
	return n
}

func TestOpen(t *testing.T) {
	t.Run("should create the sharded layout", func(t *testing.T) {
		s := setupStore(t)
		for _, bucket := range []string{"00", "7f", "ff"} {
			fi, err := os.Stat(filepath.Join(s.BasePath(), ChunkDir, bucket))
			require.NoError(t, err)
			require.True(t, fi.IsDir())
		}
		_, err := os.Stat(filepath.Join(s.BasePath(), LockFile))
		require.NoError(t, err)

		// open is idempotent
		again, err := Open("test", s.BasePath(), Logger(zap.NewNop()))
		require.NoError(t, err)
		assert.Equal(t, s.BasePath(), again.BasePath())
		assert.Equal(t, "test", again.Name())
	})

	t.Run("should reject invalid paths", func(t *testing.T) {
		_, err := Open("test", "")
		require.ErrorIs(t, err, status.ErrConfiguration)

		_, err = Open("test", "relative/path")
		require.ErrorIs(t, err, status.ErrConfiguration)

		file := filepath.Join(t.TempDir(), "file")
		require.NoError(t, os.WriteFile(file, []byte("x"), 0600))
		_, err = Open("test", file)
		require.ErrorIs(t, err, status.ErrConfiguration)
	})

	t.Run("should resolve relative paths", func(t *testing.T) {
		s := setupStore(t)
		assert.Equal(t, filepath.Join(s.BasePath(), "vm/100"), s.RelativePath("vm/100"))
		assert.Equal(t, "/abs", s.RelativePath("/abs"))
	})
}

func TestInsertChunk(t *testing.T) {
	m, err := metrics.New(nil)
	require.NoError(t, err)
	s := setupStore(t, Metrics(m))

	data := rand.LetterBytes(4096)
	chunk := NewChunk(data)

	t.Run("should store a new chunk", func(t *testing.T) {
		duplicate, size, err := s.InsertChunk(chunk)
		require.NoError(t, err)
		require.False(t, duplicate)
		require.Greater(t, size, uint64(0))
		assert.Less(t, size, uint64(len(data)), "letters should compress")

		fi, err := os.Stat(s.ChunkPath(chunk.Digest()))
		require.NoError(t, err)
		assert.Equal(t, int64(size), fi.Size())
		assert.Equal(t, chunk.Digest().Prefix(), filepath.Base(filepath.Dir(s.ChunkPath(chunk.Digest()))))
	})

	t.Run("should report duplicates", func(t *testing.T) {
		before := countChunks(t, s)

		duplicate, _, err := s.InsertChunk(NewChunk(append([]byte(nil), data...)))
		require.NoError(t, err)
		require.True(t, duplicate)

		assert.Equal(t, before, countChunks(t, s))
	})

	t.Run("should read back a chunk", func(t *testing.T) {
		back, err := s.ReadChunk(chunk.Digest())
		require.NoError(t, err)
		assert.Equal(t, data, back)

		has, err := s.Has(chunk.Digest())
		require.NoError(t, err)
		assert.True(t, has)
	})

	t.Run("should not find unknown chunk", func(t *testing.T) {
		_, err := s.ReadChunk(digest.Sum([]byte("unknown")))
		require.ErrorIs(t, err, status.ErrNotFound)

		has, err := s.Has(digest.Sum([]byte("unknown")))
		require.NoError(t, err)
		assert.False(t, has)
	})

	t.Run("should detect corrupt chunk", func(t *testing.T) {
		bad := NewChunkWithDigest(digest.Sum([]byte("not this content")), []byte("some content"))
		_, _, err := s.InsertChunk(bad)
		require.NoError(t, err)

		_, err = s.ReadChunk(bad.Digest())
		require.ErrorIs(t, err, status.ErrFormat)
	})

	t.Run("should record metrics", func(t *testing.T) {
		assert.Equal(t, float64(2), testutil.ToFloat64(m.ChunkInserts.WithLabelValues("test", "new")))
		assert.Equal(t, float64(1), testutil.ToFloat64(m.ChunkInserts.WithLabelValues("test", "duplicate")))
	})
}

func TestInsertChunk_Raw(t *testing.T) {
	s := setupStore(t, Compression(false))

	data := rand.LetterBytes(1024)
	_, size, err := s.InsertChunk(NewChunk(data))
	require.NoError(t, err)
	assert.Equal(t, uint64(len(data)+MagicSize), size)

	back, err := s.ReadChunk(digest.Sum(data))
	require.NoError(t, err)
	assert.Equal(t, data, back)
}

func TestInsertChunk_Concurrent(t *testing.T) {
	const writers = 16
	s := setupStore(t)
	data := rand.Bytes(4096)

	var grp errgroup.Group
	duplicates := make([]bool, writers)
	for i := 0; i < writers; i++ {
		i := i
		grp.Go(func() error {
			duplicate, stored, err := s.InsertChunk(NewChunk(data))
			if err != nil {
				return err
			}
			if stored == 0 {
				return status.ErrConsistency.Wrapf("writer %d reported an empty chunk", i)
			}
			duplicates[i] = duplicate
			return nil
		})
	}
	require.NoError(t, grp.Wait())

	created := 0
	for _, duplicate := range duplicates {
		if !duplicate {
			created++
		}
	}
	assert.GreaterOrEqual(t, created, 1, "at least one writer creates the chunk")

	d := digest.Sum(data)
	entries, err := os.ReadDir(filepath.Join(s.BasePath(), ChunkDir, d.Prefix()))
	require.NoError(t, err)
	require.Len(t, entries, 1, "exactly one chunk file, no staged leftovers")
	assert.Equal(t, d.String(), entries[0].Name())
	assert.False(t, strings.Contains(entries[0].Name(), tempMarker))

	got, err := s.ReadChunk(d)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got))
	assert.Equal(t, 1, countChunks(t, s))
}

func TestEncodeChunk(t *testing.T) {
	incompressible := rand.Bytes(512)
	blob, err := encodeChunk(incompressible, true)
	require.NoError(t, err)
	assert.Equal(t, magicRaw[:], blob[:MagicSize], "incompressible data is stored raw")

	compressible := rand.LetterBytes(4096)
	blob, err = encodeChunk(compressible, true)
	require.NoError(t, err)
	assert.Equal(t, magicZstd[:], blob[:MagicSize])

	back, err := decodeChunk(digest.Sum(compressible), blob)
	require.NoError(t, err)
	assert.Equal(t, compressible, back)

	_, err = decodeChunk(digest.Sum(compressible), []byte("short"))
	require.ErrorIs(t, err, status.ErrFormat)

	_, err = decodeChunk(digest.Sum(compressible), []byte("badmagic-payload"))
	require.ErrorIs(t, err, status.ErrFormat)
}

func TestChunkIterator(t *testing.T) {
	s := setupStore(t)

	want := make(map[digest.Digest]bool)
	for i := 0; i < 20; i++ {
		c := NewChunk(rand.Bytes(100))
		_, _, err := s.InsertChunk(c)
		require.NoError(t, err)
		want[c.Digest()] = true
	}

	// noise that the iterator skips
	require.NoError(t, os.WriteFile(filepath.Join(s.BasePath(), ChunkDir, "00", "README"), []byte("x"), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(s.BasePath(), ChunkDir, "00", "abc.tmp_123"), []byte("x"), 0600))

	it := s.ChunkIterator(true)
	got := make(map[digest.Digest]bool)
	for it.Next() {
		e := it.Entry()
		assert.Equal(t, e.Digest.Prefix(), e.Bucket)
		assert.Greater(t, e.Size, int64(0))
		got[e.Digest] = true
	}
	require.NoError(t, it.Err())
	assert.Equal(t, want, got)

	// non-restartable
	assert.False(t, it.Next())
}

func TestLocks(t *testing.T) {
	s := setupStore(t)

	shared1, err := s.TrySharedLock()
	require.NoError(t, err)
	shared2, err := s.TrySharedLock()
	require.NoError(t, err)
	assert.False(t, shared1.Exclusive())

	_, err = s.TryExclusiveLock()
	require.ErrorIs(t, err, status.ErrLocked)

	require.NoError(t, shared1.Close())
	require.NoError(t, shared1.Close(), "close is idempotent")

	_, err = s.TryExclusiveLock()
	require.ErrorIs(t, err, status.ErrLocked, "a shared lock is still held")

	require.NoError(t, shared2.Close())

	exclusive, err := s.TryExclusiveLock()
	require.NoError(t, err)
	assert.True(t, exclusive.Exclusive())

	_, err = s.TryExclusiveLock()
	require.ErrorIs(t, err, status.ErrLocked)
	_, err = s.TrySharedLock()
	require.ErrorIs(t, err, status.ErrLocked)
	assert.True(t, errors.Is(err, status.ErrLocked))

	require.NoError(t, exclusive.Close())

	shared, err := s.TrySharedLock()
	require.NoError(t, err)
	require.NoError(t, shared.Close())
}

func TestSweepUnusedChunks(t *testing.T) {
	s := setupStore(t, SweepParallel(3))

	var used, unused []*Chunk
	for i := 0; i < 10; i++ {
		c := NewChunk(rand.Bytes(200))
		_, _, err := s.InsertChunk(c)
		require.NoError(t, err)
		if i%2 == 0 {
			used = append(used, c)
		} else {
			unused = append(unused, c)
		}
	}

	// a stale temp file and a fresh one
	stale := filepath.Join(s.BasePath(), ChunkDir, "01", "deadbeef.tmp_1")
	fresh := filepath.Join(s.BasePath(), ChunkDir, "01", "deadbeef.tmp_2")
	require.NoError(t, os.WriteFile(stale, []byte("x"), 0600))
	require.NoError(t, os.WriteFile(fresh, []byte("x"), 0600))
	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(stale, old, old))

	// one unused chunk is recent: it must be preserved as pending
	recent := unused[0]
	for _, c := range unused[1:] {
		require.NoError(t, os.Chtimes(s.ChunkPath(c.Digest()), old, old))
	}
	for _, c := range used {
		require.NoError(t, os.Chtimes(s.ChunkPath(c.Digest()), old, old))
	}

	marks, err := gc.Open(gc.BackendMemory)
	require.NoError(t, err)
	defer func() {
		_ = marks.Close()
	}()
	for _, c := range used {
		_, err = marks.Mark(c.Digest())
		require.NoError(t, err)
	}

	var st gc.Status
	cutoff := time.Now().Add(-24 * time.Hour)
	require.NoError(t, s.SweepUnusedChunks(context.Background(), &st, marks, cutoff))

	assert.Equal(t, uint64(len(unused)-1), st.RemovedChunks)
	assert.Equal(t, uint64(1), st.PendingChunks)
	assert.Equal(t, uint64(len(used)+1), st.DiskChunks)
	assert.Equal(t, uint64(1), st.RemovedTempFiles)

	for _, c := range used {
		has, erh := s.Has(c.Digest())
		require.NoError(t, erh)
		assert.True(t, has)
	}
	has, err := s.Has(recent.Digest())
	require.NoError(t, err)
	assert.True(t, has)
	for _, c := range unused[1:] {
		has, err = s.Has(c.Digest())
		require.NoError(t, err)
		assert.False(t, has)
	}

	_, err = os.Stat(stale)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(fresh)
	assert.NoError(t, err)

	assert.Equal(t, len(used)+1, countChunks(t, s))
}

func TestSweepUnusedChunks_Cancelled(t *testing.T) {
	s := setupStore(t)
	_, _, err := s.InsertChunk(NewChunk(rand.Bytes(10)))
	require.NoError(t, err)

	marks, err := gc.Open(gc.BackendMemory)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var st gc.Status
	err = s.SweepUnusedChunks(ctx, &st, marks, time.Now().Add(time.Hour))
	require.ErrorIs(t, err, context.Canceled)
}

func TestChunkStore_ForeignFiles(t *testing.T) {
	s := setupStore(t)

	c := NewChunk(rand.Bytes(100))
	_, _, err := s.InsertChunk(c)
	require.NoError(t, err)

	// uppercase twin of a valid chunk name, in the right bucket
	bucket := filepath.Join(s.BasePath(), ChunkDir, c.Digest().Prefix())
	foreign := filepath.Join(bucket, strings.ToUpper(c.Digest().String()))
	require.NoError(t, os.WriteFile(foreign, []byte("not a chunk"), 0600))
	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(foreign, old, old))
	require.NoError(t, os.Chtimes(s.ChunkPath(c.Digest()), old, old))

	it := s.ChunkIterator(false)
	var seen []digest.Digest
	for it.Next() {
		seen = append(seen, it.Entry().Digest)
	}
	require.NoError(t, it.Err())
	assert.Equal(t, []digest.Digest{c.Digest()}, seen)

	marks, err := gc.Open(gc.BackendMemory)
	require.NoError(t, err)
	defer func() {
		_ = marks.Close()
	}()
	_, err = marks.Mark(c.Digest())
	require.NoError(t, err)

	var st gc.Status
	require.NoError(t, s.SweepUnusedChunks(context.Background(), &st, marks, time.Now()))
	assert.Equal(t, uint64(1), st.DiskChunks)
	assert.Equal(t, uint64(0), st.RemovedChunks)

	_, err = os.Stat(foreign)
	assert.NoError(t, err, "files which are not chunks are left alone")
	has, err := s.Has(c.Digest())
	require.NoError(t, err)
	assert.True(t, has)
}

func TestChunkStat(t *testing.T) {
	var st ChunkStat
	st.Add(64, false, 40)
	st.Add(64, true, 40)
	st.Add(2, false, 10)

	assert.Equal(t, uint64(130), st.Size)
	assert.Equal(t, uint64(3), st.ChunkCount)
	assert.Equal(t, uint64(1), st.DuplicateChunks)
	assert.Equal(t, uint64(90), st.CompressedSize)
	assert.Equal(t, uint64(50), st.DiskSize)
	assert.Contains(t, st.String(), "duplicates: 1")
}
