/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package governance bootstraps the shared on-chain governance state
// (the committee and the default set of delegated representatives)
// exactly once per cluster lifetime, no matter how many workers race to
// request it.  The first caller performs the on-chain setup under the
// cross-process bootstrap lock and persists a record of what it
// created; every later caller, in any process, reconstructs the state
// from that record.
package governance

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/hyperledger-labs/clusterharness/chain"
	"github.com/hyperledger-labs/clusterharness/flock"
	"github.com/hyperledger-labs/clusterharness/logging"
	"github.com/hyperledger-labs/clusterharness/statestore"
	"github.com/hyperledger-labs/clusterharness/wait"
)

const (
	// BootstrapLockName is the fixed cross-process lock under which the
	// bootstrap marker is checked and written.
	BootstrapLockName = "governance_bootstrap"

	// MarkerKey is the state-store key holding the bootstrap record.
	MarkerKey = "governance/default"

	// markerVersion identifies the record layout.  A marker carrying a
	// different version was written by an incompatible harness and is
	// rebuilt from ledger queries.
	markerVersion = 1

	confirmBlocks = 2
)

// State is the shared governance bootstrap artifact.  It is created
// once per cluster lifetime; every GetDefault caller receives its own
// copy, so callers never observe another caller's mutations.
type State struct {
	Version       int                 `json:"version"`
	Committee     chain.CommitteeInfo `json:"committee"`
	DReps         []chain.DRepInfo    `json:"dreps"`
	ApprovalEpoch int64               `json:"approval_epoch"`

	// Ratified records that a delayed-ratification wait has already
	// observed an epoch past ApprovalEpoch, so later holders can skip
	// the wait.
	Ratified bool `json:"ratified"`
}

// Bootstrapper creates or loads the default governance state.
type Bootstrapper struct {
	client chain.Client
	store  statestore.Store
	locker *flock.Locker
	waiter wait.Waiter
	logger logging.Logger

	committeeMembers []string
	drepCount        int

	mu     sync.Mutex
	cached *State
}

// NewBootstrapper wires a Bootstrapper.  committeeMembers and drepCount
// describe the governance entities to create when this caller turns out
// to be the first; the waiter bounds the delayed-ratification wait.
func NewBootstrapper(
	client chain.Client,
	store statestore.Store,
	locker *flock.Locker,
	waiter wait.Waiter,
	committeeMembers []string,
	drepCount int,
	logger logging.Logger,
) *Bootstrapper {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Bootstrapper{
		client:           client,
		store:            store,
		locker:           locker,
		waiter:           waiter,
		logger:           logger,
		committeeMembers: committeeMembers,
		drepCount:        drepCount,
	}
}

// GetDefault returns the default governance state, creating it on chain
// when no prior caller has.  Concurrent callers across all worker
// processes observe exactly one bootstrap transaction sequence.  The
// returned State is the caller's own copy.
func (b *Bootstrapper) GetDefault() (*State, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.cached != nil {
		return b.snapshot(), nil
	}

	var st *State
	err := b.locker.WithLock(BootstrapLockName, func() error {
		raw, err := b.store.View(MarkerKey)
		if err != nil {
			return err
		}

		if raw != nil {
			loaded := &State{}
			if err := json.Unmarshal(raw, loaded); err == nil && loaded.Version == markerVersion {
				st = loaded
				return nil
			}

			// The marker exists but cannot be decoded (written by an
			// incompatible version, or damaged).  The chain already
			// carries the state, so rebuild the record from ledger
			// queries instead of bootstrapping again.
			b.logger.Warn("governance record unusable, rebuilding from ledger queries")
			st, err = b.requery()
			if err != nil {
				return err
			}
			return b.persist(st)
		}

		st, err = b.bootstrap()
		if err != nil {
			return err
		}
		return b.persist(st)
	})
	if err != nil {
		return nil, errors.WithMessage(err, "could not obtain default governance")
	}

	b.cached = st
	return b.snapshot(), nil
}

// snapshot copies the cached record.  Callers of GetDefault get their
// own State so reads never race the ratification flag update.  The
// slices inside are shared but written only during bootstrap, under the
// bootstrap lock.
func (b *Bootstrapper) snapshot() *State {
	st := *b.cached
	return &st
}

func (b *Bootstrapper) bootstrap() (*State, error) {
	b.logger.Info("bootstrapping default governance",
		zap.Strings("committee", b.committeeMembers),
		zap.Int("dreps", b.drepCount))

	committee, err := b.client.RegisterCommittee(b.committeeMembers)
	if err != nil {
		return nil, errors.WithMessage(err, "could not register committee")
	}
	if err := b.client.WaitForNewBlock(confirmBlocks); err != nil {
		return nil, errors.WithMessage(err, "could not confirm committee registration")
	}

	dreps, err := b.client.RegisterDReps(b.drepCount)
	if err != nil {
		return nil, errors.WithMessage(err, "could not register dreps")
	}
	if err := b.client.WaitForNewBlock(confirmBlocks); err != nil {
		return nil, errors.WithMessage(err, "could not confirm drep registration")
	}

	epoch, err := b.client.CurrentEpoch()
	if err != nil {
		return nil, errors.WithMessage(err, "could not query approval epoch")
	}

	return &State{
		Committee:     committee,
		DReps:         dreps,
		ApprovalEpoch: epoch,
	}, nil
}

func (b *Bootstrapper) requery() (*State, error) {
	committee, err := b.client.QueryCommittee()
	if err != nil {
		return nil, errors.WithMessage(err, "could not query committee")
	}
	dreps, err := b.client.QueryDReps()
	if err != nil {
		return nil, errors.WithMessage(err, "could not query dreps")
	}
	epoch, err := b.client.CurrentEpoch()
	if err != nil {
		return nil, errors.WithMessage(err, "could not query current epoch")
	}

	// The true approval epoch is unknown; assuming the current one only
	// makes the next ratification wait conservative.
	return &State{
		Committee:     committee,
		DReps:         dreps,
		ApprovalEpoch: epoch,
	}, nil
}

func (b *Bootstrapper) persist(st *State) error {
	st.Version = markerVersion
	raw, err := json.Marshal(st)
	if err != nil {
		return errors.WithMessage(err, "could not encode governance record")
	}
	return b.store.Update(MarkerKey, func([]byte) ([]byte, error) {
		return raw, nil
	})
}

// WaitDelayedRatification blocks until the chain's current epoch has
// advanced past the epoch in which the governance setup was approved.
// Governance actions take effect one epoch after approval; callers that
// assume ratified state must pass through here first.  A timeout is
// surfaced as a failure, never silently continued past.
func (b *Bootstrapper) WaitDelayedRatification() error {
	st, err := b.GetDefault()
	if err != nil {
		return err
	}
	if st.Ratified {
		return nil
	}

	approvalEpoch := st.ApprovalEpoch
	err = b.waiter.Until(
		fmt.Sprintf("observe ratification after epoch %d", approvalEpoch),
		func() (bool, error) {
			current, err := b.client.CurrentEpoch()
			if err != nil {
				return false, err
			}
			return current > approvalEpoch, nil
		},
	)
	if err != nil {
		return err
	}

	// Record the observation so later holders skip the wait.  Best
	// effort: a lost update only costs another wait.
	b.mu.Lock()
	if b.cached != nil {
		b.cached.Ratified = true
	}
	b.mu.Unlock()

	if err := b.store.Update(MarkerKey, func(current []byte) ([]byte, error) {
		loaded := &State{}
		if current != nil {
			if err := json.Unmarshal(current, loaded); err != nil {
				return current, nil
			}
		}
		loaded.Ratified = true
		return json.Marshal(loaded)
	}); err != nil {
		b.logger.Warn("could not record ratification", zap.Error(err))
	}

	return nil
}
