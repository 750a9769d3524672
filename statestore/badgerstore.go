/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package statestore

import (
	"sync"

	badger "github.com/dgraph-io/badger/v2"
	"github.com/pkg/errors"
)

// BadgerStore backs the Store interface with a badger database.  It is
// only correct within a single process (badger holds its directory
// exclusively), which is exactly the single-worker configuration; pass
// an empty path for a fully in-memory store.
type BadgerStore struct {
	db *badger.DB

	// Badger aborts conflicting update transactions rather than
	// serializing them; a plain mutex keeps concurrent Updates from ever
	// conflicting.
	mu sync.Mutex
}

// OpenBadgerStore opens a badger-backed store at dirPath, or in memory
// when dirPath is "".
func OpenBadgerStore(dirPath string) (*BadgerStore, error) {
	var badgerOpts badger.Options
	if dirPath == "" {
		badgerOpts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		badgerOpts = badger.DefaultOptions(dirPath).WithSyncWrites(false).WithTruncate(true)
	}
	badgerOpts = badgerOpts.WithLogger(nil)

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, errors.WithMessage(err, "could not open backing db")
	}

	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Update(key string, fn func(current []byte) ([]byte, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Update(func(txn *badger.Txn) error {
		var current []byte

		item, err := txn.Get([]byte(key))
		switch err {
		case nil:
			current, err = item.ValueCopy(nil)
			if err != nil {
				return err
			}
		case badger.ErrKeyNotFound:
		default:
			return err
		}

		next, err := fn(current)
		if err != nil {
			return err
		}

		return txn.Set([]byte(key), next)
	})
}

func (s *BadgerStore) View(key string) ([]byte, error) {
	var valCopy []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}

		valCopy, err = item.ValueCopy(nil)
		return err
	})

	return valCopy, err
}

func (s *BadgerStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}
