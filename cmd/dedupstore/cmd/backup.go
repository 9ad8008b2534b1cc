// Copyright © 2018 One Concern

package cmd

import (
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/oneconcern/dedupstore/pkg/chunkstore"
	"github.com/oneconcern/dedupstore/pkg/datastore"
	"github.com/oneconcern/dedupstore/pkg/digest"
	"github.com/oneconcern/dedupstore/pkg/index"
	"github.com/oneconcern/dedupstore/pkg/status"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// indexWriter is the common part of fixed and dynamic index writers
type indexWriter interface {
	AddChunk(chunkstore.ChunkInfo, *chunkstore.ChunkStat) error
	Close() (digest.Digest, error)
	Abort() error
}

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Back up a file into a snapshot",
	Long: `Back up a file into a snapshot of the datastore.

The file is split into chunks of a fixed size. Chunks already known to the store are not written again.
The snapshot directory is created if it does not exist yet.

By default, a fixed index (.fidx) is written. With --dynamic, a dynamic index (.didx) is written instead.
`,
	Example: `dedupstore backup --type vm --id 100 --file disk.img --chunk-size 4MiB`,
	Run: func(cmd *cobra.Command, args []string) {
		c, ds := mustContext()
		if ds == nil {
			return
		}
		defer c.flush()

		stat, pth, err := backupFile(c, ds)
		if err != nil {
			wrapFatalln("backup", err)
			return
		}

		infoLogger.Printf("wrote index %s", pth)
		infoLogger.Print(stat.String())
	},
}

func backupFile(c *cliContext, ds *datastore.DataStore) (chunkstore.ChunkStat, string, error) {
	var stat chunkstore.ChunkStat

	chunkSize, err := units.RAMInBytes(dedupFlags.backup.chunkSize)
	if err != nil || chunkSize <= 0 {
		return stat, "", status.ErrConfiguration.Wrapf("invalid chunk size %q", dedupFlags.backup.chunkSize)
	}

	ts, err := snapshotTime()
	if err != nil {
		return stat, "", err
	}

	file, err := os.Open(dedupFlags.backup.file)
	if err != nil {
		return stat, "", status.ErrIO.Wrap(err)
	}
	defer func() {
		_ = file.Close()
	}()

	fi, err := file.Stat()
	if err != nil {
		return stat, "", status.ErrIO.Wrap(err)
	}

	rel, _, err := ds.CreateBackupDir(dedupFlags.snapshot.backupType, dedupFlags.snapshot.backupID, ts)
	if err != nil {
		return stat, "", err
	}

	pth := filepath.Join(filepath.FromSlash(rel), indexName(fi.Name()))

	var w indexWriter
	if dedupFlags.backup.dynamic {
		w, err = ds.CreateDynamicWriter(pth, uint64(chunkSize))
	} else {
		w, err = ds.CreateFixedWriter(pth, uint64(fi.Size()), uint64(chunkSize))
	}
	if err != nil {
		return stat, "", err
	}

	c.logger.Info("backup started",
		zap.String("file", dedupFlags.backup.file),
		zap.String("index", pth),
		zap.String("chunk size", units.BytesSize(float64(chunkSize))),
	)
	start := time.Now()

	if err = writeChunks(file, w, uint64(chunkSize), &stat); err != nil {
		_ = w.Abort()
		return stat, "", err
	}

	csum, err := w.Close()
	if err != nil {
		return stat, "", err
	}

	c.logger.Info("backup completed",
		zap.String("index", pth),
		zap.Stringer("checksum", csum),
		zap.Duration("elapsed", time.Since(start)),
	)

	return stat, pth, nil
}

// writeChunks splits a stream into chunks of a fixed size
func writeChunks(r io.Reader, w indexWriter, chunkSize uint64, stat *chunkstore.ChunkStat) error {
	buf := make([]byte, chunkSize)
	var end uint64

	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			end += uint64(n)

			if erc := w.AddChunk(chunkstore.NewChunkInfo(chunkstore.NewChunk(data), end), stat); erc != nil {
				return erc
			}
		}

		switch err {
		case nil:
			continue
		case io.EOF, io.ErrUnexpectedEOF:
			return nil
		default:
			return status.ErrIO.Wrap(fmt.Errorf("read at offset %d: %w", end, err))
		}
	}
}

// indexName derives the name of the index file from the --name flag or the backed up file
func indexName(base string) string {
	name := dedupFlags.backup.name
	if name == "" {
		name = base
	}
	name = path.Base(filepath.ToSlash(name))

	ext := index.FixedExt
	if dedupFlags.backup.dynamic {
		ext = index.DynamicExt
	}
	if strings.HasSuffix(name, ext) {
		return name
	}
	return name + ext
}

func init() {
	requireFlags(backupCmd,
		addBackupTypeFlag(backupCmd),
		addBackupIDFlag(backupCmd),
		addFileFlag(backupCmd),
	)
	addBackupTimeFlag(backupCmd)
	addIndexNameFlag(backupCmd)
	addChunkSizeFlag(backupCmd)
	addDynamicFlag(backupCmd)

	rootCmd.AddCommand(backupCmd)
}
