// Copyright © 2018 One Concern

package cmd

import (
	"github.com/oneconcern/dedupstore/pkg/config"
	"github.com/oneconcern/dedupstore/pkg/datastore"
	"github.com/oneconcern/dedupstore/pkg/dlogger"
	"github.com/oneconcern/dedupstore/pkg/metrics"
	"github.com/oneconcern/dedupstore/pkg/status"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// cliContext gathers the collaborators of a command
type cliContext struct {
	conf     *config.Config
	logger   *zap.Logger
	registry *datastore.Registry
	gatherer *prometheus.Registry
}

func newCliContext() (*cliContext, error) {
	logger, err := dlogger.GetLogger(dedupFlags.root.logLevel, dlogger.Console())
	if err != nil {
		return nil, status.ErrConfiguration.Wrap(err)
	}

	conf, err := config.Load(dedupFlags.root.config)
	if err != nil {
		return nil, err
	}
	if conf.File() != "" {
		logger.Debug("using config file", zap.String("config", conf.File()))
	}

	c := &cliContext{
		conf:   conf,
		logger: logger,
	}

	opts := []datastore.Option{datastore.WithLogger(logger)}
	if dedupFlags.root.metricsFile != "" {
		c.gatherer = prometheus.NewRegistry()
		m, erm := metrics.New(c.gatherer)
		if erm != nil {
			return nil, erm
		}
		opts = append(opts, datastore.WithMetrics(m))
	}
	c.registry = datastore.NewRegistry(conf, opts...)

	return c, nil
}

// datastore opens the datastore selected on the command line
func (c *cliContext) datastore() (*datastore.DataStore, error) {
	name := dedupFlags.root.datastore
	if name == "" {
		names := c.conf.Names()
		if len(names) != 1 {
			return nil, status.ErrConfiguration.Wrapf("a datastore must be selected with --datastore among %v", names)
		}
		name = names[0]
	}
	return c.registry.Lookup(name)
}

// flush writes metrics, when enabled
func (c *cliContext) flush() {
	if c.gatherer == nil {
		return
	}
	if err := prometheus.WriteToTextfile(dedupFlags.root.metricsFile, c.gatherer); err != nil {
		c.logger.Warn("could not write metrics", zap.String("file", dedupFlags.root.metricsFile), zap.Error(err))
	}
	_ = c.logger.Sync()
}

// mustContext builds the context of a command, or exits
func mustContext() (*cliContext, *datastore.DataStore) {
	c, err := newCliContext()
	if err != nil {
		wrapFatalln("initialize", err)
		return nil, nil
	}
	ds, err := c.datastore()
	if err != nil {
		wrapFatalln("open datastore", err)
		return nil, nil
	}
	return c, ds
}
