// Copyright © 2018 One Concern

package cmd

import (
	"time"

	"github.com/oneconcern/dedupstore/pkg/datastore"
	"github.com/oneconcern/dedupstore/pkg/status"
	"github.com/spf13/cobra"
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Commands to manage snapshots",
	Long: `Snapshots are directories of a datastore named after their backup type, id and time:

  <type>/<id>/<time>

where type is one of host, vm or ct, and time is an RFC 3339 timestamp with no fractional seconds.
`,
}

var snapshotCreateCmd = &cobra.Command{
	Use:     "create",
	Short:   "Create a snapshot directory",
	Long:    "Create a snapshot directory. Creating an existing snapshot is not an error.",
	Example: `dedupstore snapshot create --type vm --id 100 --time 2021-01-01T00:00:00+00:00`,
	Run: func(cmd *cobra.Command, args []string) {
		c, ds := mustContext()
		if ds == nil {
			return
		}
		defer c.flush()

		ts, err := snapshotTime()
		if err != nil {
			wrapFatalln("snapshot time", err)
			return
		}

		rel, created, err := ds.CreateBackupDir(dedupFlags.snapshot.backupType, dedupFlags.snapshot.backupID, ts)
		if err != nil {
			wrapFatalln("create snapshot", err)
			return
		}

		if created {
			infoLogger.Printf("created snapshot %s", rel)
		} else {
			infoLogger.Printf("snapshot %s already exists", rel)
		}
	},
}

var snapshotListCmd = &cobra.Command{
	Use:   "list",
	Short: "List snapshots",
	Run: func(cmd *cobra.Command, args []string) {
		c, ds := mustContext()
		if ds == nil {
			return
		}
		defer c.flush()

		list, err := ds.ListBackups()
		if err != nil {
			wrapFatalln("list snapshots", err)
			return
		}

		for _, info := range list {
			infoLogger.Printf("%s %v", info.Dir.Path(), info.Files)
		}
	},
}

var snapshotRemoveCmd = &cobra.Command{
	Use:   "remove",
	Short: "Remove a snapshot and all its files",
	Long: `Remove a snapshot and all its files. This cannot be undone.

Chunks which are no longer referenced are reclaimed by the next garbage collection.
`,
	Example: `dedupstore snapshot remove --snapshot vm/100/2021-01-01T00:00:00+00:00`,
	Run: func(cmd *cobra.Command, args []string) {
		c, ds := mustContext()
		if ds == nil {
			return
		}
		defer c.flush()

		dir, err := datastore.ParseBackupDir(dedupFlags.snapshot.path)
		if err != nil {
			wrapFatalln("remove snapshot", err)
			return
		}

		if err = ds.RemoveBackupDir(dir); err != nil {
			wrapFatalln("remove snapshot", err)
			return
		}

		infoLogger.Printf("removed snapshot %s", dir.Path())
	},
}

// snapshotTime parses the --time flag, defaulting to the current second
func snapshotTime() (time.Time, error) {
	if dedupFlags.snapshot.backupTime == "" {
		return time.Now().Truncate(time.Second), nil
	}

	ts, err := time.Parse(time.RFC3339, dedupFlags.snapshot.backupTime)
	if err != nil {
		return time.Time{}, status.ErrInvalidPath.Wrapf("invalid time %q: %v", dedupFlags.snapshot.backupTime, err)
	}
	return ts, nil
}

func init() {
	requireFlags(snapshotCreateCmd,
		addBackupTypeFlag(snapshotCreateCmd),
		addBackupIDFlag(snapshotCreateCmd),
	)
	addBackupTimeFlag(snapshotCreateCmd)

	requireFlags(snapshotRemoveCmd, addSnapshotFlag(snapshotRemoveCmd))

	snapshotCmd.AddCommand(snapshotCreateCmd, snapshotListCmd, snapshotRemoveCmd)
	rootCmd.AddCommand(snapshotCmd)
}
