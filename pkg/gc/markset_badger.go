// Copyright © 2018 One Concern

package gc

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dgraph-io/badger/v3"
	badgeroptions "github.com/dgraph-io/badger/v3/options"
	"github.com/oneconcern/dedupstore/pkg/digest"
	"github.com/oneconcern/dedupstore/pkg/errors"
)

// badgerMarkSet keeps marks in a dgraph-io/badger/v3 KV store
type badgerMarkSet struct {
	*badger.DB
	count   uint64
	cleanup func() error
}

func makeBadgerMarkSet(pth string, cleanup func() error) (*badgerMarkSet, error) {
	db, err := badger.Open(
		badger.LSMOnlyOptions(pth).
			WithLoggingLevel(badger.WARNING).
			WithCompression(badgeroptions.None), // digests are random: compression is futile
	)
	if err != nil {
		return nil, fmt.Errorf("open KV: %w", err)
	}

	//  scratch any pre-existing marks
	if err = db.DropAll(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("scratch KV: %w", err)
	}

	return &badgerMarkSet{DB: db, cleanup: cleanup}, nil
}

func (kv *badgerMarkSet) Mark(d digest.Digest) (bool, error) {
	var isNew bool

	err := backoff.Retry(func() error {
		isNew = false

		return kv.DB.Update(func(txn *badger.Txn) error {
			_, err := txn.Get(d[:])
			if err == nil {
				return nil
			}

			if !errors.Is(err, badger.ErrKeyNotFound) {
				return backoff.Permanent(err)
			}

			if err = txn.Set(d[:], []byte{}); err != nil {
				if errors.Is(err, badger.ErrConflict) {
					return err // retry
				}

				return backoff.Permanent(err)
			}
			isNew = true

			return nil
		})
	},
		backoff.NewConstantBackOff(10*time.Millisecond),
	)
	if err != nil {
		return false, err
	}

	if isNew {
		atomic.AddUint64(&kv.count, 1)
	}

	return isNew, nil
}

func (kv *badgerMarkSet) Has(d digest.Digest) (bool, error) {
	err := kv.DB.View(func(txn *badger.Txn) error {
		_, e := txn.Get(d[:])

		return e
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return false, nil
		}

		// some technical error occurred: interrupt
		return false, err
	}

	return true, nil
}

func (kv *badgerMarkSet) Len() uint64 {
	return atomic.LoadUint64(&kv.count)
}

func (kv *badgerMarkSet) Close() error {
	err := kv.DB.Close()
	if erc := kv.cleanup(); erc != nil && err == nil {
		err = erc
	}

	return err
}
