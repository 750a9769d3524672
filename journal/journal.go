/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package journal records each worker's submitted transactions in an
// append-only log: one entry when a transaction is submitted, another
// once its confirming wait completes.  The log is worker-local; it
// exists so a run's transaction history survives the process for
// post-run inspection.
package journal

import (
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/tidwall/wal"
)

// Entry states.
const (
	StatePending   = "pending"
	StateConfirmed = "confirmed"
)

// Entry is one journal record.
type Entry struct {
	State  string    `json:"state"`
	TxID   string    `json:"tx_id"`
	Source string    `json:"source"`
	Time   time.Time `json:"time"`
}

// Journal is an append-only transaction journal backed by a write-ahead
// log directory.
type Journal struct {
	mu        sync.Mutex
	log       *wal.Log
	nextIndex uint64
}

// Open opens (or creates) a journal at path.
func Open(path string) (*Journal, error) {
	log, err := wal.Open(path, &wal.Options{
		NoSync: true,
		NoCopy: true,
	})
	if err != nil {
		return nil, errors.WithMessage(err, "could not open journal log")
	}

	lastIndex, err := log.LastIndex()
	if err != nil {
		log.Close()
		return nil, errors.WithMessage(err, "could not read last journal index")
	}

	return &Journal{
		log:       log,
		nextIndex: lastIndex + 1,
	}, nil
}

// Pending records a freshly submitted transaction.
func (j *Journal) Pending(txID, source string) error {
	return j.append(Entry{State: StatePending, TxID: txID, Source: source, Time: time.Now().UTC()})
}

// Confirmed records that the confirming wait for txID completed.
func (j *Journal) Confirmed(txID string) error {
	return j.append(Entry{State: StateConfirmed, TxID: txID, Time: time.Now().UTC()})
}

func (j *Journal) append(e Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	data, err := json.Marshal(e)
	if err != nil {
		return errors.WithMessage(err, "could not encode journal entry")
	}

	if err := j.log.Write(j.nextIndex, data); err != nil {
		return errors.WithMessagef(err, "could not write journal index %d", j.nextIndex)
	}
	j.nextIndex++
	return nil
}

// Entries returns every retained entry, oldest first.
func (j *Journal) Entries() ([]Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	first, err := j.log.FirstIndex()
	if err != nil {
		return nil, errors.WithMessage(err, "could not read first journal index")
	}
	last, err := j.log.LastIndex()
	if err != nil {
		return nil, errors.WithMessage(err, "could not read last journal index")
	}
	if last == 0 {
		return nil, nil
	}

	var entries []Entry
	for i := first; i <= last; i++ {
		data, err := j.log.Read(i)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.WithMessagef(err, "could not read journal index %d", i)
		}

		var e Entry
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, errors.WithMessagef(err, "could not decode journal index %d, is the journal corrupt?", i)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Compact drops the longest fully-confirmed prefix of the journal.  At
// least one entry is always retained, as the underlying log cannot be
// truncated to empty.
func (j *Journal) Compact() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	first, err := j.log.FirstIndex()
	if err != nil {
		return errors.WithMessage(err, "could not read first journal index")
	}
	last, err := j.log.LastIndex()
	if err != nil {
		return errors.WithMessage(err, "could not read last journal index")
	}
	if last == 0 {
		return nil
	}

	confirmed := map[string]bool{}
	pendingAt := map[uint64]string{}
	for i := first; i <= last; i++ {
		data, err := j.log.Read(i)
		if err != nil {
			return errors.WithMessagef(err, "could not read journal index %d", i)
		}

		var e Entry
		if err := json.Unmarshal(data, &e); err != nil {
			return errors.WithMessagef(err, "could not decode journal index %d", i)
		}
		switch e.State {
		case StatePending:
			pendingAt[i] = e.TxID
		case StateConfirmed:
			confirmed[e.TxID] = true
		}
	}

	// The cut point is the end of the longest prefix containing no
	// unconfirmed pending entry.
	cut := first - 1
	for i := first; i <= last; i++ {
		if txID, ok := pendingAt[i]; ok && !confirmed[txID] {
			break
		}
		cut = i
	}

	if cut < first {
		return nil
	}
	if cut == last {
		// Keep the newest entry; the log cannot be emptied.
		cut = last - 1
	}
	if cut < first {
		return nil
	}

	if err := j.log.TruncateFront(cut + 1); err != nil {
		return errors.WithMessagef(err, "could not truncate journal to %d", cut+1)
	}
	return nil
}

// Close closes the underlying log.
func (j *Journal) Close() error {
	return j.log.Close()
}
