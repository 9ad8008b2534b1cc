// Copyright © 2018 One Concern

// Package status exports errors produced by the storage engine packages.
//
// NOTE: such constants are located in a separate package to avoid
// creating undue cyclical dependencies between the chunk store, the index
// formats and the datastore.
package status

import (
	"github.com/oneconcern/dedupstore/pkg/errors"
)

var (
	// ErrConfiguration indicates an unknown datastore name or an invalid base path
	ErrConfiguration = errors.New("configuration error")

	// ErrFormat indicates a corrupt or unsupported on-disk format (bad magic, size mismatch, unknown extension)
	ErrFormat = errors.New("invalid format")

	// ErrLocked indicates that a non-blocking lock could not be acquired
	ErrLocked = errors.New("locked")

	// ErrGCRunning indicates that another garbage collection holds the store
	ErrGCRunning = errors.New("garbage collection already running")

	// ErrIO wraps filesystem failures, with the offending path
	ErrIO = errors.New("i/o error")

	// ErrConsistency indicates an offset, length or alignment violation while writing an index
	ErrConsistency = errors.New("chunk consistency error")

	// ErrVanished indicates that a filesystem entry disappeared while enumerating
	ErrVanished = errors.New("vanished file")

	// ErrClosed indicates an operation on an index writer or reader that was already closed
	ErrClosed = errors.New("already closed")

	// ErrNotFound indicates that a chunk or a snapshot was not found
	ErrNotFound = errors.New("not found")

	// ErrInvalidPath indicates that a snapshot path does not match the naming grammar
	ErrInvalidPath = errors.New("invalid backup path")
)
