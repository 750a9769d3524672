/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package clusterharness coordinates many independent test worker
// processes sharing one long-lived test cluster.  Workers declare the
// cluster resources a test is about to touch, shared ("use") or
// exclusive ("lock"), and block until compatible access is granted, so
// state-mutating tests never race tests that depend on stable state.
package clusterharness

import (
	"fmt"
)

// Resource names one shareable or exclusive facet of cluster state.
// The catalogue is closed: resources exist for the lifetime of the
// cluster and are never created or destroyed during a run.
type Resource string

const (
	// ResourceCommittee is the governance committee.
	ResourceCommittee Resource = "committee"

	// ResourceDReps is the default set of delegated representatives.
	ResourceDReps Resource = "dreps"

	// ResourcePlutus guards script-capability state.
	ResourcePlutus Resource = "plutus"
)

// PoolResource returns the resource for stake pool n (1-based).
func PoolResource(n int) Resource {
	return Resource(fmt.Sprintf("pool%d", n))
}

// AllPools returns the resources for pools 1..count.
func AllPools(count int) []Resource {
	pools := make([]Resource, count)
	for i := range pools {
		pools[i] = PoolResource(i + 1)
	}
	return pools
}

// Catalogue returns the full resource catalogue for a cluster with the
// given number of pools.
func Catalogue(pools int) []Resource {
	all := []Resource{ResourceCommittee, ResourceDReps, ResourcePlutus}
	return append(all, AllPools(pools)...)
}

// AccessRequest is a combined declaration of intended resource usage.
// Use is shared: any number of concurrent holders, but incompatible
// with a concurrent Lock holder of the same resource.  Lock is
// exclusive.  A resource must not appear in both sets.
type AccessRequest struct {
	Use  []Resource
	Lock []Resource
}

// Pools are rarely needed exclusively while governance entities often
// are, so the composite requests below default pools to shared access
// and leave governance exclusivity to the caller's choice.

// UseGovernance requests shared access to the whole governance state:
// committee, dreps and every pool.
func UseGovernance(pools int) AccessRequest {
	return AccessRequest{
		Use: append([]Resource{ResourceCommittee, ResourceDReps}, AllPools(pools)...),
	}
}

// LockGovernance requests exclusive access to the governance entities
// combined with shared access to every pool.
func LockGovernance(pools int) AccessRequest {
	return AccessRequest{
		Use:  AllPools(pools),
		Lock: []Resource{ResourceCommittee, ResourceDReps},
	}
}

// LockGovernancePlutus is LockGovernance plus exclusive access to the
// Plutus capability.
func LockGovernancePlutus(pools int) AccessRequest {
	return AccessRequest{
		Use:  AllPools(pools),
		Lock: []Resource{ResourceCommittee, ResourceDReps, ResourcePlutus},
	}
}
