// Copyright © 2018 One Concern

package cmd

import (
	"context"
	"io"
	"os"

	"github.com/docker/go-units"
	"github.com/oneconcern/dedupstore/pkg/status"
	"github.com/spf13/cobra"
)

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Commands to inspect index files",
}

var indexInfoCmd = &cobra.Command{
	Use:     "info",
	Short:   "Display the header of an index file",
	Example: `dedupstore index info --index vm/100/2021-01-01T00:00:00+00:00/disk.img.fidx --verify`,
	Run: func(cmd *cobra.Command, args []string) {
		c, ds := mustContext()
		if ds == nil {
			return
		}
		defer c.flush()

		idx, err := ds.OpenIndex(dedupFlags.index.path)
		if err != nil {
			wrapFatalln("open index", err)
			return
		}
		defer func() {
			_ = idx.Close()
		}()

		infoLogger.Print(idx.Info().String())

		if !dedupFlags.index.verify {
			return
		}
		if err = idx.Verify(); err != nil {
			wrapFatalln("verify index", err)
			return
		}
		infoLogger.Print("checksum verified")
	},
}

var indexRestoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Write the content described by an index file",
	Long: `Reassemble the byte stream described by an index file from the chunk store.

Every chunk is verified against its digest while restoring.
`,
	Example: `dedupstore index restore --index vm/100/2021-01-01T00:00:00+00:00/disk.img.fidx -o disk.img`,
	Run: func(cmd *cobra.Command, args []string) {
		c, ds := mustContext()
		if ds == nil {
			return
		}
		defer c.flush()

		var w io.Writer = os.Stdout
		if dedupFlags.index.output != "" {
			file, err := os.Create(dedupFlags.index.output)
			if err != nil {
				wrapFatalln("create output", status.ErrIO.Wrap(err))
				return
			}
			defer func() {
				_ = file.Close()
			}()
			w = file
		}

		n, err := ds.Restore(context.Background(), dedupFlags.index.path, w)
		if err != nil {
			wrapFatalln("restore", err)
			return
		}

		if dedupFlags.index.output != "" {
			infoLogger.Printf("restored %s to %s", units.BytesSize(float64(n)), dedupFlags.index.output)
		}
	},
}

func init() {
	requireFlags(indexInfoCmd, addIndexPathFlag(indexInfoCmd))
	addVerifyFlag(indexInfoCmd, &dedupFlags.index.verify, "Verify the checksum of the index")

	requireFlags(indexRestoreCmd, addIndexPathFlag(indexRestoreCmd))
	addOutputFlag(indexRestoreCmd)

	indexCmd.AddCommand(indexInfoCmd, indexRestoreCmd)
	rootCmd.AddCommand(indexCmd)
}
