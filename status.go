/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package clusterharness

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/pkg/errors"
)

// Status is a point-in-time view of the shared resource table, plus the
// observing worker's outstanding leases (empty when loaded outside a
// coordinator, e.g. by the inspection CLI).
type Status struct {
	Resources []ResourceStatus `json:"resources"`
	Leases    []LeaseStatus    `json:"leases,omitempty"`
}

// ResourceStatus is the visible state of one resource.
type ResourceStatus struct {
	Resource Resource `json:"resource"`
	UseCount int      `json:"use_count"`
	LockedBy string   `json:"locked_by,omitempty"`
}

// LeaseStatus describes one outstanding lease.
type LeaseStatus struct {
	ID   string     `json:"id"`
	Use  []Resource `json:"use,omitempty"`
	Lock []Resource `json:"lock,omitempty"`
}

// LoadStatus decodes raw coordinator state (as stored under StateKey)
// into a Status.  Resources no holder has ever touched are omitted.
func LoadStatus(raw []byte) (*Status, error) {
	st, err := decodeState(raw)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(st.Resources))
	for r := range st.Resources {
		names = append(names, string(r))
	}
	sort.Strings(names)

	status := &Status{}
	for _, name := range names {
		rs := st.Resources[Resource(name)]
		if rs.UseCount == 0 && rs.LockedBy == "" {
			continue
		}
		status.Resources = append(status.Resources, ResourceStatus{
			Resource: Resource(name),
			UseCount: rs.UseCount,
			LockedBy: rs.LockedBy,
		})
	}
	return status, nil
}

// JSON renders the status as indented JSON.
func (s *Status) JSON() (string, error) {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return "", errors.WithMessage(err, "could not encode status")
	}
	return string(data), nil
}

// Pretty renders the status for human consumption.
func (s *Status) Pretty() string {
	var buffer bytes.Buffer

	buffer.WriteString("===========================================\n")
	buffer.WriteString("Resources\n")
	buffer.WriteString("===========================================\n")
	if len(s.Resources) == 0 {
		buffer.WriteString("(all free)\n")
	}
	for _, rs := range s.Resources {
		buffer.WriteString(fmt.Sprintf("%-12s", rs.Resource))
		if rs.LockedBy != "" {
			buffer.WriteString(fmt.Sprintf(" locked by %s", rs.LockedBy))
		}
		if rs.UseCount > 0 {
			buffer.WriteString(fmt.Sprintf(" in use by %d holder(s)", rs.UseCount))
		}
		buffer.WriteString("\n")
	}

	if len(s.Leases) > 0 {
		buffer.WriteString("===========================================\n")
		buffer.WriteString("Leases\n")
		buffer.WriteString("===========================================\n")
		for _, ls := range s.Leases {
			buffer.WriteString(fmt.Sprintf("%s use=%v lock=%v\n", ls.ID, ls.Use, ls.Lock))
		}
	}

	return buffer.String()
}
