/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package clusterharness

import (
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/hyperledger-labs/clusterharness/chain"
	"github.com/hyperledger-labs/clusterharness/faucet"
	"github.com/hyperledger-labs/clusterharness/flock"
	"github.com/hyperledger-labs/clusterharness/governance"
	"github.com/hyperledger-labs/clusterharness/journal"
	"github.com/hyperledger-labs/clusterharness/keystore"
	"github.com/hyperledger-labs/clusterharness/logging"
	"github.com/hyperledger-labs/clusterharness/statestore"
	"github.com/hyperledger-labs/clusterharness/wait"
)

// Harness wires the coordination layer for one worker process: the
// resource coordinator, the governance bootstrapper and the funds
// distributor, all sharing one locker and one state store.
type Harness struct {
	Settings    *Settings
	Client      chain.Client
	Coordinator *Coordinator
	Governance  *governance.Bootstrapper
	Faucet      *faucet.Distributor

	store   statestore.Store
	journal *journal.Journal
	logger  logging.Logger
}

// NewHarness builds a Harness from settings.  Multi-worker runs get
// file-backed shared state and real cross-process locks; a single
// worker gets an in-memory store and inline critical sections.
func NewHarness(s *Settings, client chain.Client, logger logging.Logger) (*Harness, error) {
	if logger == nil {
		logger = logging.Nop()
	}

	locker, err := flock.New(s.ScratchDir, s.MultiWorker())
	if err != nil {
		return nil, err
	}

	var store statestore.Store
	if s.MultiWorker() {
		store, err = statestore.OpenFileStore(s.ScratchDir, locker)
	} else {
		store, err = statestore.OpenBadgerStore("")
	}
	if err != nil {
		return nil, errors.WithMessage(err, "could not open state store")
	}

	var jnl *journal.Journal
	if s.JournalDir != "" {
		jnl, err = journal.Open(filepath.Join(s.JournalDir, s.WorkerID))
		if err != nil {
			store.Close()
			return nil, errors.WithMessage(err, "could not open transaction journal")
		}
	}

	coordinator := NewCoordinator(
		store,
		s.WorkerID,
		s.Pools,
		wait.New(s.PollInterval(), s.AcquireTimeout()),
		logger,
	)
	bootstrapper := governance.NewBootstrapper(
		client,
		store,
		locker,
		wait.New(s.PollInterval(), s.RatifyTimeout()),
		s.CommitteeMembers,
		s.DRepCount,
		logger,
	)
	distributor := faucet.New(
		client,
		locker,
		wait.New(s.PollInterval(), s.ConfirmTimeout()),
		jnl,
		logger,
	)

	return &Harness{
		Settings:    s,
		Client:      client,
		Coordinator: coordinator,
		Governance:  bootstrapper,
		Faucet:      distributor,
		store:       store,
		journal:     jnl,
		logger:      logger,
	}, nil
}

// AddrData loads the pre-funded address/key store named in settings.
func (h *Harness) AddrData() (keystore.Data, error) {
	return keystore.Load(h.Settings.AddrDataFile)
}

// Journal returns the worker's transaction journal, or nil when
// journaling is disabled.
func (h *Harness) Journal() *journal.Journal {
	return h.journal
}

// Close releases the worker's outstanding leases and shuts down the
// store and journal.
func (h *Harness) Close() error {
	h.Coordinator.Close()

	var firstErr error
	if h.journal != nil {
		if err := h.journal.Close(); err != nil {
			firstErr = err
		}
	}
	if err := h.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// The helpers below mirror the usage patterns tests reach for most: a
// resource grant paired with ready-to-use governance state, released
// together when the test completes.

// UseCommittee marks the committee as in use and returns the default
// governance state.
func (h *Harness) UseCommittee() (*Lease, *governance.State, error) {
	return h.acquireWithGovernance(AccessRequest{Use: []Resource{ResourceCommittee}}, false)
}

// UseDReps marks the drep set as in use and returns the default
// governance state.
func (h *Harness) UseDReps() (*Lease, *governance.State, error) {
	return h.acquireWithGovernance(AccessRequest{Use: []Resource{ResourceDReps}}, false)
}

// UseGovernance marks the whole governance state as in use.  Callers
// get ratified state: the delayed-ratification wait has completed by
// the time this returns.
func (h *Harness) UseGovernance() (*Lease, *governance.State, error) {
	return h.acquireWithGovernance(UseGovernance(h.Settings.Pools), true)
}

// LockGovernance locks the governance entities (pools stay shared) and
// waits for delayed ratification.
func (h *Harness) LockGovernance() (*Lease, *governance.State, error) {
	return h.acquireWithGovernance(LockGovernance(h.Settings.Pools), true)
}

// LockGovernancePlutus additionally locks the Plutus capability.
func (h *Harness) LockGovernancePlutus() (*Lease, *governance.State, error) {
	return h.acquireWithGovernance(LockGovernancePlutus(h.Settings.Pools), true)
}

func (h *Harness) acquireWithGovernance(req AccessRequest, ratified bool) (*Lease, *governance.State, error) {
	lease, err := h.Coordinator.Acquire(req)
	if err != nil {
		return nil, nil, err
	}

	st, err := h.Governance.GetDefault()
	if err != nil {
		h.Coordinator.Release(lease)
		return nil, nil, err
	}

	if ratified {
		if err := h.Governance.WaitDelayedRatification(); err != nil {
			h.Coordinator.Release(lease)
			return nil, nil, err
		}
		// Each GetDefault hands out a fresh copy; re-fetch so the caller
		// sees the ratification flag.
		st, err = h.Governance.GetDefault()
		if err != nil {
			h.Coordinator.Release(lease)
			return nil, nil, err
		}
	}

	return lease, st, nil
}
