// Copyright © 2018 One Concern

package cmd

import (
	"time"

	"github.com/oneconcern/dedupstore/pkg/dlogger"
	"github.com/spf13/cobra"
)

type flagsT struct {
	root struct {
		config      string
		logLevel    string
		datastore   string
		metricsFile string
		cpuProf     bool
	}
	snapshot struct {
		backupType string
		backupID   string
		backupTime string
		path       string
	}
	backup struct {
		file      string
		name      string
		chunkSize string
		dynamic   bool
	}
	index struct {
		path   string
		verify bool
		output string
	}
	chunks struct {
		verify   bool
		progress bool
	}
	config struct {
		path          string
		graceWindow   time.Duration
		markSet       string
		markSetPath   string
		sweepParallel int
	}
}

var dedupFlags = flagsT{}

func addConfigFlag(cmd *cobra.Command) string {
	config := "config"
	cmd.PersistentFlags().StringVar(&dedupFlags.root.config, config, "",
		"Configuration file (defaults to $DEDUPSTORE_CONFIG, then dedupstore.yaml in ., $HOME/.dedupstore or /etc/dedupstore)")
	return config
}

func addLogLevelFlag(cmd *cobra.Command) string {
	logLevel := "loglevel"
	cmd.PersistentFlags().StringVar(&dedupFlags.root.logLevel, logLevel, dlogger.LogLevelInfo,
		"The logging level. Levels by increasing order of verbosity: none, error, warn, info, debug")
	return logLevel
}

func addDatastoreFlag(cmd *cobra.Command) string {
	datastore := "datastore"
	cmd.PersistentFlags().StringVarP(&dedupFlags.root.datastore, datastore, "s", "", "The name of the datastore, as configured")
	return datastore
}

func addMetricsFileFlag(cmd *cobra.Command) string {
	metricsFile := "metrics-file"
	cmd.PersistentFlags().StringVar(&dedupFlags.root.metricsFile, metricsFile, "",
		"Write metrics to this file in the prometheus text format when the command completes")
	return metricsFile
}

func addCPUProfFlag(cmd *cobra.Command) string {
	c := "cpuprof"
	cmd.PersistentFlags().BoolVar(&dedupFlags.root.cpuProf, c, false, "Write a CPU profile to cpu.prof")
	return c
}

func addBackupTypeFlag(cmd *cobra.Command) string {
	backupType := "type"
	cmd.Flags().StringVar(&dedupFlags.snapshot.backupType, backupType, "", "The backup type: host, vm or ct")
	return backupType
}

func addBackupIDFlag(cmd *cobra.Command) string {
	backupID := "id"
	cmd.Flags().StringVar(&dedupFlags.snapshot.backupID, backupID, "", "The backup id")
	return backupID
}

func addBackupTimeFlag(cmd *cobra.Command) string {
	backupTime := "time"
	cmd.Flags().StringVar(&dedupFlags.snapshot.backupTime, backupTime, "",
		"The snapshot time, in RFC 3339 format with no fractional seconds (defaults to now)")
	return backupTime
}

func addSnapshotFlag(cmd *cobra.Command) string {
	snapshot := "snapshot"
	cmd.Flags().StringVar(&dedupFlags.snapshot.path, snapshot, "", "The snapshot path, as type/id/time")
	return snapshot
}

func addFileFlag(cmd *cobra.Command) string {
	file := "file"
	cmd.Flags().StringVar(&dedupFlags.backup.file, file, "", "The file to back up")
	return file
}

func addIndexNameFlag(cmd *cobra.Command) string {
	name := "name"
	cmd.Flags().StringVar(&dedupFlags.backup.name, name, "",
		"The name of the index in the snapshot (defaults to the file name, with the index extension)")
	return name
}

func addChunkSizeFlag(cmd *cobra.Command) string {
	chunkSize := "chunk-size"
	cmd.Flags().StringVar(&dedupFlags.backup.chunkSize, chunkSize, "4MiB", "The size of chunks, e.g. 64KiB, 4MiB")
	return chunkSize
}

func addDynamicFlag(cmd *cobra.Command) string {
	dynamic := "dynamic"
	cmd.Flags().BoolVar(&dedupFlags.backup.dynamic, dynamic, false,
		"Write a dynamic index (.didx) instead of a fixed index (.fidx)")
	return dynamic
}

func addIndexPathFlag(cmd *cobra.Command) string {
	pth := "index"
	cmd.Flags().StringVar(&dedupFlags.index.path, pth, "",
		"The path to an index file (.fidx or .didx), absolute or relative to the datastore")
	return pth
}

func addVerifyFlag(cmd *cobra.Command, target *bool, usage string) string {
	verify := "verify"
	cmd.Flags().BoolVar(target, verify, false, usage)
	return verify
}

func addOutputFlag(cmd *cobra.Command) string {
	output := "output"
	cmd.Flags().StringVarP(&dedupFlags.index.output, output, "o", "", "The file to write to (defaults to stdout)")
	return output
}

func addProgressFlag(cmd *cobra.Command) string {
	progress := "progress"
	cmd.Flags().BoolVar(&dedupFlags.chunks.progress, progress, false, "Log the progress of the scan")
	return progress
}

func addStorePathFlag(cmd *cobra.Command) string {
	pth := "path"
	cmd.Flags().StringVar(&dedupFlags.config.path, pth, "", "The absolute base path of the datastore")
	return pth
}

func addGraceWindowFlag(cmd *cobra.Command) string {
	window := "gc-grace-window"
	cmd.Flags().DurationVar(&dedupFlags.config.graceWindow, window, 0,
		"Unreferenced chunks touched more recently than this are preserved by garbage collection (defaults to 24h5m, 0 preserves none)")
	return window
}

func addMarkSetFlags(cmd *cobra.Command) string {
	markSet := "markset"
	cmd.Flags().StringVar(&dedupFlags.config.markSet, markSet, "",
		"The structure tracking used chunks during garbage collection: memory, badger or pebble (defaults to memory)")
	cmd.Flags().StringVar(&dedupFlags.config.markSetPath, markSet+"-path", "",
		"The working directory of an on-disk mark set (defaults to a temporary directory)")
	return markSet
}

func addSweepParallelFlag(cmd *cobra.Command) string {
	parallel := "sweep-parallel"
	cmd.Flags().IntVar(&dedupFlags.config.sweepParallel, parallel, 0,
		"The number of chunk buckets swept concurrently (defaults to 4)")
	return parallel
}

func requireFlags(cmd *cobra.Command, flags ...string) {
	for _, flag := range flags {
		if err := cmd.MarkFlagRequired(flag); err != nil {
			wrapFatalln("mark required flag", err)
			return
		}
	}
}
