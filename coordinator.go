/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package clusterharness

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/hyperledger-labs/clusterharness/logging"
	"github.com/hyperledger-labs/clusterharness/statestore"
	"github.com/hyperledger-labs/clusterharness/wait"
)

// StateKey is the state-store key holding the coordinator's resource
// table.
const StateKey = "coordinator/state"

// resourceState is the persisted per-resource record.
type resourceState struct {
	UseCount int    `json:"use_count,omitempty"`
	LockedBy string `json:"locked_by,omitempty"`
}

type coordinatorState struct {
	Resources map[Resource]*resourceState `json:"resources"`
}

func decodeState(raw []byte) (*coordinatorState, error) {
	st := &coordinatorState{Resources: map[Resource]*resourceState{}}
	if len(raw) == 0 {
		return st, nil
	}
	if err := json.Unmarshal(raw, st); err != nil {
		return nil, errors.WithMessage(err, "could not decode coordinator state")
	}
	if st.Resources == nil {
		st.Resources = map[Resource]*resourceState{}
	}
	return st, nil
}

func (st *coordinatorState) resource(r Resource) *resourceState {
	rs, ok := st.Resources[r]
	if !ok {
		rs = &resourceState{}
		st.Resources[r] = rs
	}
	return rs
}

// Lease is the outcome of a granted AccessRequest: an opaque handle
// bound to the worker that requested it.  The holder must release it
// explicitly when its test completes; nothing is reclaimed by garbage
// collection.
type Lease struct {
	id     string
	worker string
	use    []Resource
	lock   []Resource

	released bool
}

// ID identifies the lease within its worker.
func (l *Lease) ID() string { return l.id }

// Held returns copies of the granted use and lock sets.
func (l *Lease) Held() (use, lock []Resource) {
	return append([]Resource(nil), l.use...), append([]Resource(nil), l.lock...)
}

// Coordinator grants and revokes combined use/lock requests against the
// resource catalogue.  Its state lives in the shared state store, so
// the grant rules hold across worker processes, not just goroutines.
//
// Acquisition is a polling lock: a blocked request re-evaluates the
// table on every poll tick and there is no wakeup queue, so no FIFO
// fairness is guaranteed and starvation under heavy contention is an
// accepted characteristic.
type Coordinator struct {
	store     statestore.Store
	workerID  string
	waiter    wait.Waiter
	logger    logging.Logger
	catalogue map[Resource]struct{}

	mu        sync.Mutex
	nextLease uint64
	leases    map[string]*Lease
}

// NewCoordinator returns a Coordinator for a cluster with the given
// number of pools.  workerID must be unique among the workers sharing
// the store; the waiter bounds how long Acquire blocks.
func NewCoordinator(store statestore.Store, workerID string, pools int, waiter wait.Waiter, logger logging.Logger) *Coordinator {
	if logger == nil {
		logger = logging.Nop()
	}

	catalogue := map[Resource]struct{}{}
	for _, r := range Catalogue(pools) {
		catalogue[r] = struct{}{}
	}

	return &Coordinator{
		store:     store,
		workerID:  workerID,
		waiter:    waiter,
		logger:    logger,
		catalogue: catalogue,
		leases:    map[string]*Lease{},
	}
}

func (c *Coordinator) validate(req AccessRequest) error {
	seen := map[Resource]string{}
	for _, r := range req.Use {
		if _, ok := c.catalogue[r]; !ok {
			return errors.Errorf("unknown resource %q", r)
		}
		seen[r] = "use"
	}
	for _, r := range req.Lock {
		if _, ok := c.catalogue[r]; !ok {
			return errors.Errorf("unknown resource %q", r)
		}
		if seen[r] != "" {
			return errors.Errorf("resource %q requested as both use and lock", r)
		}
		seen[r] = "lock"
	}
	if len(seen) == 0 {
		return errors.Errorf("empty access request")
	}
	return nil
}

// grantable holds the sharing rules: a lock needs zero use holders and
// no existing lock; a use only needs the absence of a lock.
func grantable(st *coordinatorState, req AccessRequest) bool {
	for _, r := range req.Lock {
		rs := st.resource(r)
		if rs.UseCount > 0 || rs.LockedBy != "" {
			return false
		}
	}
	for _, r := range req.Use {
		if st.resource(r).LockedBy != "" {
			return false
		}
	}
	return true
}

// Acquire blocks until the request is grantable, then applies it and
// returns the lease.  Contention never surfaces as an error; only an
// exhausted budget does, as wait.ErrTimeoutExceeded naming the request.
func (c *Coordinator) Acquire(req AccessRequest) (*Lease, error) {
	if err := c.validate(req); err != nil {
		return nil, err
	}

	desc := fmt.Sprintf("acquire resources use=%v lock=%v", req.Use, req.Lock)
	err := c.waiter.Until(desc, func() (bool, error) {
		granted := false
		err := c.store.Update(StateKey, func(current []byte) ([]byte, error) {
			st, err := decodeState(current)
			if err != nil {
				return nil, err
			}
			if !grantable(st, req) {
				return current, nil
			}

			for _, r := range req.Use {
				st.resource(r).UseCount++
			}
			for _, r := range req.Lock {
				st.resource(r).LockedBy = c.workerID
			}
			granted = true
			return json.Marshal(st)
		})
		if err != nil {
			return false, err
		}
		return granted, nil
	})
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.nextLease++
	lease := &Lease{
		id:     fmt.Sprintf("%s-%d", c.workerID, c.nextLease),
		worker: c.workerID,
		use:    append([]Resource(nil), req.Use...),
		lock:   append([]Resource(nil), req.Lock...),
	}
	c.leases[lease.id] = lease
	c.mu.Unlock()

	c.logger.Debug("resources acquired",
		zap.String("lease", lease.id),
		zap.Any("use", req.Use),
		zap.Any("lock", req.Lock))

	return lease, nil
}

// Release returns the lease's resources to the pool.  It never fails:
// problems persisting the release are logged, and releasing a lease
// twice (or a nil lease) is a no-op.
func (c *Coordinator) Release(l *Lease) {
	if l == nil {
		return
	}

	c.mu.Lock()
	if l.released {
		c.mu.Unlock()
		return
	}
	l.released = true
	delete(c.leases, l.id)
	c.mu.Unlock()

	err := c.store.Update(StateKey, func(current []byte) ([]byte, error) {
		st, err := decodeState(current)
		if err != nil {
			return nil, err
		}

		for _, r := range l.use {
			rs := st.resource(r)
			if rs.UseCount > 0 {
				rs.UseCount--
			}
		}
		for _, r := range l.lock {
			rs := st.resource(r)
			if rs.LockedBy == l.worker {
				rs.LockedBy = ""
			}
		}
		return json.Marshal(st)
	})
	if err != nil {
		c.logger.Error("could not release lease",
			zap.String("lease", l.id),
			zap.Error(err))
		return
	}

	c.logger.Debug("resources released", zap.String("lease", l.id))
}

// Status returns a snapshot of the shared resource table plus this
// worker's outstanding leases.
func (c *Coordinator) Status() (*Status, error) {
	raw, err := c.store.View(StateKey)
	if err != nil {
		return nil, err
	}
	status, err := LoadStatus(raw)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	ids := make([]string, 0, len(c.leases))
	for id := range c.leases {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		l := c.leases[id]
		status.Leases = append(status.Leases, LeaseStatus{
			ID:   l.id,
			Use:  append([]Resource(nil), l.use...),
			Lock: append([]Resource(nil), l.lock...),
		})
	}

	return status, nil
}

// Close releases every lease still held by this worker.  The shared
// table (and any other worker's holdings) is left intact.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	outstanding := make([]*Lease, 0, len(c.leases))
	for _, l := range c.leases {
		outstanding = append(outstanding, l)
	}
	c.mu.Unlock()

	for _, l := range outstanding {
		c.Release(l)
	}
	return nil
}
