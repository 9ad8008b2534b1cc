// Copyright © 2018 One Concern

package cmd

import (
	"fmt"
	"log"
	"os"
	"runtime/pprof"

	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "dedupstore",
	Short: "dedupstore manages deduplicated backup datastores",
	Long: `dedupstore manages deduplicated backup datastores.

A datastore keeps every distinct chunk of backed up data exactly once, in a content-addressed
chunk store. Snapshots are directories holding index files which map the byte stream of a
backup onto chunks.

Datastores are declared by name in a configuration file:

  datastores:
    backup:
      path: /srv/backup

Unreferenced chunks are reclaimed by "dedupstore gc".
`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if dedupFlags.root.cpuProf {
			f, err := os.Create("cpu.prof")
			if err != nil {
				logFatalln(err)
				return
			}
			_ = pprof.StartCPUProfile(f)
		}
	},
	// PostRun functions are not called when Run panics
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if dedupFlags.root.cpuProf {
			pprof.StopCPUProfile()
		}
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	log.SetFlags(0)

	addConfigFlag(rootCmd)
	addLogLevelFlag(rootCmd)
	addDatastoreFlag(rootCmd)
	addMetricsFileFlag(rootCmd)
	addCPUProfFlag(rootCmd)
}
