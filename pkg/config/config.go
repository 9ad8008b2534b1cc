// Copyright © 2018 One Concern

// Package config loads the configuration of datastores.
//
// A configuration file declares named datastores:
//
//	datastores:
//	  backup:
//	    path: /srv/backup
//	    gc_grace_window: 24h5m
//	    markset: badger
//
// Datastore names are case insensitive. Settings may be overridden by environment
// variables prefixed with DEDUPSTORE_, e.g. DEDUPSTORE_DATASTORES_BACKUP_PATH.
package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/oneconcern/dedupstore/pkg/gc"
	"github.com/oneconcern/dedupstore/pkg/status"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v2"
)

const (
	// EnvPrefix is the prefix of environment variables overriding the configuration
	EnvPrefix = "DEDUPSTORE"

	// EnvConfig points to the configuration file to use
	EnvConfig = EnvPrefix + "_CONFIG"

	configName = "dedupstore"
)

// Datastore describes a configured datastore.
//
// A nil GCGraceWindow selects the default window. An explicit zero window lets garbage
// collection remove every unreferenced chunk, however recent.
type Datastore struct {
	Path          string         `json:"path" yaml:"path" mapstructure:"path"`
	GCGraceWindow *time.Duration `json:"gc_grace_window,omitempty" yaml:"gc_grace_window,omitempty" mapstructure:"gc_grace_window"`
	MarkSet       string         `json:"markset,omitempty" yaml:"markset,omitempty" mapstructure:"markset"`
	MarkSetPath   string         `json:"markset_path,omitempty" yaml:"markset_path,omitempty" mapstructure:"markset_path"`
	SweepParallel int            `json:"sweep_parallel,omitempty" yaml:"sweep_parallel,omitempty" mapstructure:"sweep_parallel"`
	NoCompression bool           `json:"no_compression,omitempty" yaml:"no_compression,omitempty" mapstructure:"no_compression"`
}

// GraceWindow builds an explicit GC grace window setting
func GraceWindow(window time.Duration) *time.Duration {
	return &window
}

// Validate a datastore configuration
func (d Datastore) Validate(name string) error {
	switch {
	case d.Path == "":
		return status.ErrConfiguration.Wrapf("datastore %q: path is required", name)
	case !filepath.IsAbs(d.Path):
		return status.ErrConfiguration.Wrapf("datastore %q: path %q is not absolute", name, d.Path)
	case d.GCGraceWindow != nil && *d.GCGraceWindow < 0:
		return status.ErrConfiguration.Wrapf("datastore %q: negative gc grace window %v", name, *d.GCGraceWindow)
	case !gc.IsBackend(d.MarkSet):
		return status.ErrConfiguration.Wrapf("datastore %q: unknown mark set backend %q", name, d.MarkSet)
	case d.SweepParallel < 0:
		return status.ErrConfiguration.Wrapf("datastore %q: negative sweep parallelism", name)
	}
	return nil
}

// Lookup resolves a datastore by name
type Lookup interface {
	Lookup(name string) (Datastore, error)
}

var _ Lookup = &Config{}

// Config holds all configured datastores
type Config struct {
	Datastores map[string]Datastore `json:"datastores" yaml:"datastores" mapstructure:"datastores"`

	file string
}

// New empty configuration
func New() *Config {
	return &Config{Datastores: make(map[string]Datastore)}
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the configuration from a file.
//
// Without an explicit file, the file designated by DEDUPSTORE_CONFIG is used, then
// dedupstore.yaml is searched in the current directory, $HOME/.dedupstore and /etc/dedupstore.
// Not finding any configuration file in the search path yields an empty configuration.
func Load(file string) (*Config, error) {
	v := newViper()

	if file == "" {
		file = os.Getenv(EnvConfig)
	}

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName(configName)
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.dedupstore")
		v.AddConfigPath("/etc/dedupstore")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound || file != "" {
			return nil, status.ErrConfiguration.Wrap(fmt.Errorf("reading config: %w", err))
		}
	}

	c, err := decode(v)
	if err != nil {
		return nil, err
	}
	c.file = v.ConfigFileUsed()

	return c, nil
}

// Parse reads a YAML configuration
func Parse(r io.Reader) (*Config, error) {
	v := newViper()
	if err := v.ReadConfig(r); err != nil {
		return nil, status.ErrConfiguration.Wrap(fmt.Errorf("parsing config: %w", err))
	}
	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	c := New()
	if err := v.Unmarshal(c); err != nil {
		return nil, status.ErrConfiguration.Wrap(fmt.Errorf("decoding config: %w", err))
	}
	if c.Datastores == nil {
		c.Datastores = make(map[string]Datastore)
	}

	for name, ds := range c.Datastores {
		if err := ds.Validate(name); err != nil {
			return nil, err
		}
	}

	return c, nil
}

// File used to load this configuration, if any
func (c *Config) File() string {
	return c.file
}

// Lookup a datastore by name
func (c *Config) Lookup(name string) (Datastore, error) {
	ds, ok := c.Datastores[strings.ToLower(name)]
	if !ok {
		return Datastore{}, status.ErrConfiguration.Wrapf("no such datastore %q", name)
	}
	return ds, nil
}

// Names of the configured datastores, sorted
func (c *Config) Names() []string {
	names := make([]string, 0, len(c.Datastores))
	for name := range c.Datastores {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Set adds or replaces a datastore
func (c *Config) Set(name string, ds Datastore) error {
	name = strings.ToLower(name)
	if err := ds.Validate(name); err != nil {
		return err
	}
	if c.Datastores == nil {
		c.Datastores = make(map[string]Datastore)
	}
	c.Datastores[name] = ds
	return nil
}

// dumpDatastore renders durations in their human form
type dumpDatastore struct {
	Path          string `yaml:"path"`
	GCGraceWindow string `yaml:"gc_grace_window,omitempty"`
	MarkSet       string `yaml:"markset,omitempty"`
	MarkSetPath   string `yaml:"markset_path,omitempty"`
	SweepParallel int    `yaml:"sweep_parallel,omitempty"`
	NoCompression bool   `yaml:"no_compression,omitempty"`
}

// Dump renders the configuration as YAML
func (c *Config) Dump(w io.Writer) error {
	out := struct {
		Datastores map[string]dumpDatastore `yaml:"datastores"`
	}{
		Datastores: make(map[string]dumpDatastore, len(c.Datastores)),
	}

	for name, ds := range c.Datastores {
		d := dumpDatastore{
			Path:          ds.Path,
			MarkSet:       ds.MarkSet,
			MarkSetPath:   ds.MarkSetPath,
			SweepParallel: ds.SweepParallel,
			NoCompression: ds.NoCompression,
		}
		if ds.GCGraceWindow != nil {
			d.GCGraceWindow = ds.GCGraceWindow.String()
		}
		out.Datastores[name] = d
	}

	b, err := yaml.Marshal(out)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// Save writes the configuration to a file
func (c *Config) Save(file string) error {
	var buf bytes.Buffer
	if err := c.Dump(&buf); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(file), 0700); err != nil {
		return status.ErrIO.Wrap(err)
	}
	if err := os.WriteFile(file, buf.Bytes(), 0600); err != nil {
		return status.ErrIO.Wrap(fmt.Errorf("writing config %q: %w", file, err))
	}
	c.file = file
	return nil
}
