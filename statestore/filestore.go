/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package statestore

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/hyperledger-labs/clusterharness/flock"
)

// FileStore keeps one file per key under a scratch directory.  Updates
// run under the cross-process lock derived from the key, and writes go
// through a temp file plus rename so readers in other processes never
// observe a torn value.
type FileStore struct {
	dir    string
	locker *flock.Locker

	// Serializes goroutines within this process; the flock serializes
	// processes.
	mu sync.Mutex
}

// OpenFileStore returns a FileStore rooted at dir.  The locker should
// share the scratch directory convention with the rest of the harness.
func OpenFileStore(dir string, locker *flock.Locker) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, errors.WithMessagef(err, "could not create state directory %q", dir)
	}
	return &FileStore{dir: dir, locker: locker}, nil
}

func (s *FileStore) Update(key string, fn func(current []byte) ([]byte, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.locker.WithLock("state_"+key, func() error {
		current, err := s.read(key)
		if err != nil {
			return err
		}

		next, err := fn(current)
		if err != nil {
			return err
		}

		return s.write(key, next)
	})
}

func (s *FileStore) View(key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.read(key)
}

func (s *FileStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.path(key))
	if err != nil && !os.IsNotExist(err) {
		return errors.WithMessagef(err, "could not delete state key %q", key)
	}
	return nil
}

func (s *FileStore) Close() error {
	return nil
}

func (s *FileStore) read(key string) ([]byte, error) {
	data, err := ioutil.ReadFile(s.path(key))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "could not read state key %q", key)
	}
	return data, nil
}

func (s *FileStore) write(key string, data []byte) error {
	path := s.path(key)

	tmp, err := ioutil.TempFile(s.dir, ".tmp-state-*")
	if err != nil {
		return errors.WithMessage(err, "could not create temp state file")
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.WithMessagef(err, "could not write state key %q", key)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errors.WithMessagef(err, "could not write state key %q", key)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return errors.WithMessagef(err, "could not persist state key %q", key)
	}
	return nil
}

func (s *FileStore) path(key string) string {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.' || r == '-' || r == '_':
			return r
		default:
			return '_'
		}
	}, key)
	return filepath.Join(s.dir, safe+".json")
}
