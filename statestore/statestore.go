/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package statestore abstracts the shared key-value state the harness
// keeps outside any single worker process.  All mutation goes through
// an atomic read-modify-write, which is what makes the resource
// coordinator correct across workers that share nothing but a
// filesystem.
//
// Two implementations are provided: a file-backed store for
// multi-worker runs and a badger-backed store for single-process runs
// and tests (in-memory when opened with an empty path).
package statestore

// Store is a small key-value store with atomic read-modify-write.
type Store interface {
	// Update atomically replaces the value at key with the result of fn.
	// fn receives nil when the key is absent.  An error from fn aborts
	// the update and is returned unchanged.
	Update(key string, fn func(current []byte) ([]byte, error)) error

	// View returns the value at key, or nil when absent.
	View(key string) ([]byte, error)

	// Delete removes the key.  Deleting an absent key is not an error.
	Delete(key string) error

	Close() error
}
