// Copyright © 2018 One Concern

package datastore

import (
	"path/filepath"
	"strings"
	"sync"

	"github.com/oneconcern/dedupstore/pkg/config"
)

// Registry caches opened datastores by name.
//
// A cached datastore is returned as long as its configured path does not change.
// When it does, a new datastore is opened and replaces the cached one.
type Registry struct {
	mx     sync.Mutex
	lookup config.Lookup
	opts   []Option
	stores map[string]*DataStore
}

// NewRegistry builds a registry resolving names with a configuration lookup.
// Options apply to every datastore opened by the registry, before the options from the configuration.
func NewRegistry(lookup config.Lookup, opts ...Option) *Registry {
	return &Registry{
		lookup: lookup,
		opts:   opts,
		stores: make(map[string]*DataStore),
	}
}

// Lookup returns the datastore configured under a name
func (r *Registry) Lookup(name string) (*DataStore, error) {
	conf, err := r.lookup.Lookup(name)
	if err != nil {
		return nil, err
	}
	key := strings.ToLower(name)

	r.mx.Lock()
	defer r.mx.Unlock()

	if cached, ok := r.stores[key]; ok && cached.BasePath() == filepath.Clean(conf.Path) {
		return cached, nil
	}

	opts := append(append([]Option{}, r.opts...), FromConfig(conf)...)
	ds, err := Open(name, conf.Path, opts...)
	if err != nil {
		return nil, err
	}
	r.stores[key] = ds

	return ds, nil
}

// Len is the number of cached datastores
func (r *Registry) Len() int {
	r.mx.Lock()
	defer r.mx.Unlock()

	return len(r.stores)
}
