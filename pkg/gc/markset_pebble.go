// Copyright © 2018 One Concern

package gc

import (
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/oneconcern/dedupstore/pkg/digest"
	"github.com/oneconcern/dedupstore/pkg/errors"
)

// pebbleMarkSet keeps marks in a cockroachdb/pebble KV store
type pebbleMarkSet struct {
	*pebble.DB
	mx      sync.Mutex // serializes check-then-set in Mark
	count   uint64
	cleanup func() error
}

func makePebbleMarkSet(pth string, cleanup func() error) (*pebbleMarkSet, error) {
	options := new(pebble.Options)
	options.EnsureDefaults()
	options.DisableWAL = true

	db, err := pebble.Open(pth, options)
	if err != nil {
		return nil, fmt.Errorf("open KV: %w", err)
	}

	pb := &pebbleMarkSet{DB: db, cleanup: cleanup}
	if err = pb.drop(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("scratch KV: %w", err)
	}

	return pb, nil
}

// drop removes marks left over by a previous pass in the same directory
func (kv *pebbleMarkSet) drop() error {
	iterator, err := kv.DB.NewIter(nil)
	if err != nil {
		return err
	}

	var first, last []byte
	if iterator.First() {
		first = append([]byte(nil), iterator.Key()...)
	}
	if iterator.Last() {
		last = append([]byte(nil), iterator.Key()...)
	}
	if err = iterator.Close(); err != nil {
		return err
	}

	if first == nil {
		return nil
	}

	if err = kv.DB.DeleteRange(first, last, pebble.NoSync); err != nil {
		return err
	}

	// as DeleteRange excludes the upper bound
	if err = kv.DB.Delete(last, pebble.NoSync); err != nil && !errors.Is(err, pebble.ErrNotFound) {
		return err
	}

	return nil
}

func (kv *pebbleMarkSet) exists(d digest.Digest) (bool, error) {
	_, closer, err := kv.DB.Get(d[:])
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return false, nil
		}

		return false, err
	}

	_ = closer.Close()

	return true, nil
}

func (kv *pebbleMarkSet) Mark(d digest.Digest) (bool, error) {
	kv.mx.Lock()
	defer kv.mx.Unlock()

	found, err := kv.exists(d)
	if err != nil || found {
		return false, err
	}

	if err = kv.DB.Set(d[:], []byte{}, pebble.NoSync); err != nil {
		return false, err
	}
	kv.count++

	return true, nil
}

func (kv *pebbleMarkSet) Has(d digest.Digest) (bool, error) {
	return kv.exists(d)
}

func (kv *pebbleMarkSet) Len() uint64 {
	kv.mx.Lock()
	defer kv.mx.Unlock()

	return kv.count
}

func (kv *pebbleMarkSet) Close() error {
	err := kv.DB.Close()
	if erc := kv.cleanup(); erc != nil && err == nil {
		err = erc
	}

	return err
}
