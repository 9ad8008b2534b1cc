// Copyright © 2018 One Concern

package cmd

import (
	"context"

	"github.com/oneconcern/dedupstore/pkg/errors"
	"github.com/oneconcern/dedupstore/pkg/status"
	"github.com/spf13/cobra"
)

// exit code when another garbage collection holds the datastore
const exitGCRunning = 2

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Remove chunks that are not referenced by any snapshot",
	Long: `Garbage collection proceeds in two phases:
1. every index file of every snapshot is read, and the chunks it references are marked as used
2. the chunk store is swept: chunks which are not marked are removed

Chunks inserted by a backup still in progress are not referenced by any index yet: unreferenced chunks
touched within the grace window (24h5m by default) are preserved. The grace window must exceed the
duration of the longest backup.

Only one garbage collection may run at a time on a datastore, and not while a backup is being written.
If the datastore is busy, the command fails immediately with exit code 2.
`,
	Example: `dedupstore gc --datastore backup`,
	Run: func(cmd *cobra.Command, args []string) {
		c, ds := mustContext()
		if ds == nil {
			return
		}
		defer c.flush()

		st, err := ds.GarbageCollection(context.Background())
		if err != nil {
			if errors.Is(err, status.ErrGCRunning) {
				wrapFatalWithCodef(exitGCRunning, "start GC failed: %v", err)
				return
			}
			wrapFatalln("garbage collection", err)
			return
		}

		infoLogger.Print(st.String())
	},
}

func init() {
	rootCmd.AddCommand(gcCmd)
}
