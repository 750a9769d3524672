/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package keystore holds the pre-funded signing material the cluster
// setup produced: addresses and key file paths, keyed by logical name.
// The store is written once during cluster setup and read-only
// afterwards.
package keystore

import (
	"encoding/json"
	"io/ioutil"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// FaucetName is the logical name of the entry funded from genesis that
// tests draw from.
const FaucetName = "user1"

// AddressRecord is one address with its key files.
type AddressRecord struct {
	Address  string `json:"address"`
	VKeyFile string `json:"vkey_file"`
	SKeyFile string `json:"skey_file"`
}

// PoolUser pairs a payment address with its stake address.
type PoolUser struct {
	Payment AddressRecord `json:"payment"`
	Stake   AddressRecord `json:"stake"`
}

// Entry is the signing material recorded for one logical name.
type Entry struct {
	Payment AddressRecord `json:"payment"`
	Stake   AddressRecord `json:"stake,omitempty"`
	Reward  AddressRecord `json:"reward,omitempty"`

	StakeRegistrationCert string `json:"stake_addr_registration_cert,omitempty"`
}

// PoolUser returns the entry's payment/stake pair.
func (e Entry) PoolUser() PoolUser {
	return PoolUser{Payment: e.Payment, Stake: e.Stake}
}

// Data maps logical names ("user1", "node-pool1", ...) to entries.
type Data map[string]Entry

// Entry returns the entry for name.
func (d Data) Entry(name string) (Entry, error) {
	e, ok := d[name]
	if !ok {
		return Entry{}, errors.Errorf("no address data for %q", name)
	}
	return e, nil
}

// Faucet returns the faucet entry.
func (d Data) Faucet() (Entry, error) {
	return d.Entry(FaucetName)
}

// Save writes the address data file.  Cluster setup is the only caller.
func Save(path string, d Data) error {
	data, err := json.MarshalIndent(d, "", "    ")
	if err != nil {
		return errors.WithMessage(err, "could not encode address data")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return errors.WithMessagef(err, "could not create directory for %q", path)
	}
	if err := ioutil.WriteFile(path, data, 0o600); err != nil {
		return errors.WithMessagef(err, "could not write address data to %q", path)
	}
	return nil
}

// Load reads the address data file written during cluster setup.
func Load(path string) (Data, error) {
	raw, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.WithMessagef(err, "could not read address data from %q", path)
	}

	var d Data
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, errors.WithMessagef(err, "could not decode address data in %q", path)
	}
	return d, nil
}
