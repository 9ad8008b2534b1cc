// Copyright © 2018 One Concern

package cmd

import (
	"os"
	"path/filepath"

	"github.com/oneconcern/dedupstore/pkg/config"
	"github.com/oneconcern/dedupstore/pkg/status"
	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Commands to manage the configuration of datastores",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Display the current configuration",
	Run: func(cmd *cobra.Command, args []string) {
		conf, err := config.Load(dedupFlags.root.config)
		if err != nil {
			wrapFatalln("load config", err)
			return
		}

		if conf.File() != "" {
			infoLogger.Printf("# %s", conf.File())
		}
		if err = conf.Dump(os.Stdout); err != nil {
			wrapFatalln("dump config", err)
			return
		}
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Add or update a datastore in the configuration file",
	Long: `Add or update a datastore in the configuration file.

The configuration file is the one designated by --config, or the file currently in use,
or $HOME/.dedupstore/dedupstore.yaml.
`,
	Example: `dedupstore config set --datastore backup --path /srv/backup --markset badger`,
	Run: func(cmd *cobra.Command, args []string) {
		if dedupFlags.root.datastore == "" {
			wrapFatalln("config set", status.ErrConfiguration.Wrapf("a datastore name is required (--datastore)"))
			return
		}

		conf, err := loadOrNewConfig()
		if err != nil {
			wrapFatalln("load config", err)
			return
		}

		ds, _ := conf.Lookup(dedupFlags.root.datastore)
		flags := cmd.Flags()
		if flags.Changed("path") {
			ds.Path = dedupFlags.config.path
		}
		if flags.Changed("gc-grace-window") {
			ds.GCGraceWindow = config.GraceWindow(dedupFlags.config.graceWindow)
		}
		if flags.Changed("markset") {
			ds.MarkSet = dedupFlags.config.markSet
		}
		if flags.Changed("markset-path") {
			ds.MarkSetPath = dedupFlags.config.markSetPath
		}
		if flags.Changed("sweep-parallel") {
			ds.SweepParallel = dedupFlags.config.sweepParallel
		}

		if err = conf.Set(dedupFlags.root.datastore, ds); err != nil {
			wrapFatalln("config set", err)
			return
		}

		file, err := configFile(conf)
		if err != nil {
			wrapFatalln("config set", err)
			return
		}
		if err = conf.Save(file); err != nil {
			wrapFatalln("save config", err)
			return
		}

		infoLogger.Printf("datastore %q saved in %s", dedupFlags.root.datastore, file)
	},
}

// loadOrNewConfig starts from an empty configuration when an explicit config file does not exist yet
func loadOrNewConfig() (*config.Config, error) {
	if dedupFlags.root.config != "" {
		if _, err := os.Stat(dedupFlags.root.config); os.IsNotExist(err) {
			return config.New(), nil
		}
	}
	return config.Load(dedupFlags.root.config)
}

// configFile resolves where the configuration is saved
func configFile(conf *config.Config) (string, error) {
	switch {
	case dedupFlags.root.config != "":
		return dedupFlags.root.config, nil
	case conf.File() != "":
		return conf.File(), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", status.ErrConfiguration.Wrap(err)
	}
	return filepath.Join(home, ".dedupstore", "dedupstore.yaml"), nil
}

func init() {
	addStorePathFlag(configSetCmd)
	addGraceWindowFlag(configSetCmd)
	addMarkSetFlags(configSetCmd)
	addSweepParallelFlag(configSetCmd)

	configCmd.AddCommand(configShowCmd, configSetCmd)
	rootCmd.AddCommand(configCmd)
}
