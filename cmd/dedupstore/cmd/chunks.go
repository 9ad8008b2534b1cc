// Copyright © 2018 One Concern

package cmd

import (
	"github.com/docker/go-units"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var chunksCmd = &cobra.Command{
	Use:   "chunks",
	Short: "Scan the chunk store",
	Long: `Scan the chunk store and report the number and size of stored chunks.

With --verify, every chunk is read back and checked against its digest.
`,
	Example: `dedupstore chunks --datastore backup --verify`,
	Run: func(cmd *cobra.Command, args []string) {
		c, ds := mustContext()
		if ds == nil {
			return
		}
		defer c.flush()

		var (
			count, size uint64
			corrupt     int
		)

		it := ds.ChunkIterator(dedupFlags.chunks.progress)
		for it.Next() {
			entry := it.Entry()
			count++
			size += uint64(entry.Size)

			if !dedupFlags.chunks.verify {
				continue
			}
			if _, err := ds.ChunkStore().ReadChunk(entry.Digest); err != nil {
				corrupt++
				c.logger.Error("chunk verification failed", zap.Stringer("digest", entry.Digest), zap.Error(err))
			}
		}
		if err := it.Err(); err != nil {
			wrapFatalln("scan chunks", err)
			return
		}

		infoLogger.Printf("chunks: %d, size on disk: %s", count, units.BytesSize(float64(size)))

		if corrupt > 0 {
			wrapFatalWithCodef(1, "%d corrupt chunks", corrupt)
		}
	},
}

func init() {
	addVerifyFlag(chunksCmd, &dedupFlags.chunks.verify, "Read and verify every chunk")
	addProgressFlag(chunksCmd)

	rootCmd.AddCommand(chunksCmd)
}
