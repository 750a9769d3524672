/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package chain defines the interface to the cluster's chain client.
// The harness treats every call as a synchronous, atomic unit which
// either succeeds or fails with a rejection; transaction construction
// and signing happen behind this interface.
package chain

import (
	"errors"
	"fmt"
)

// AmountAll is the sentinel amount meaning "the entire spendable
// balance" for outputs, or "the full reward balance" for withdrawals.
const AmountAll int64 = -1

// TxOut is a single transaction output.
type TxOut struct {
	Address string
	Amount  int64
}

// Withdrawal moves rewards from a stake address into the transaction.
type Withdrawal struct {
	StakeAddress string
	Amount       int64
}

// TxSpec describes a transaction for the client to build, sign and
// submit.  SigningKeys are paths into the pre-funded key store.
type TxSpec struct {
	Source      string
	Outputs     []TxOut
	Withdrawals []Withdrawal
	SigningKeys []string
}

// TxResult reports what the client actually submitted.
type TxResult struct {
	TxID      string
	Fee       int64
	Withdrawn int64
}

// CommitteeMember is one registered member of the governance committee.
type CommitteeMember struct {
	Name        string `json:"name"`
	ColdKeyHash string `json:"cold_key_hash"`
	HotKeyHash  string `json:"hot_key_hash"`
}

// CommitteeInfo identifies the registered governance committee.
type CommitteeInfo struct {
	Members []CommitteeMember `json:"members"`
}

// DRepInfo identifies one registered delegated representative.
type DRepInfo struct {
	Name         string `json:"name"`
	ID           string `json:"id"`
	StakeAddress string `json:"stake_address"`
}

// Client is the chain collaborator consumed by the harness.  All calls
// block until acknowledged.  WaitForNewBlock and WaitForNewEpoch return
// once the chain has produced the requested number of new blocks or
// epochs.
type Client interface {
	SubmitTx(tx TxSpec) (TxResult, error)
	AddressBalance(addr string) (int64, error)
	StakeRewardBalance(stakeAddr string) (int64, error)
	WaitForNewBlock(blocks int) error
	WaitForNewEpoch(epochs int) error
	CurrentEpoch() (int64, error)
	ProtocolParameters() (map[string]interface{}, error)
	SubmitParamUpdateProposal(cliArgs []string) error

	// Governance bootstrap.  Registration submits the necessary
	// transactions but does not wait for confirmation; the caller
	// confirms via WaitForNewBlock.
	RegisterCommittee(memberNames []string) (CommitteeInfo, error)
	RegisterDReps(count int) ([]DRepInfo, error)

	// Ledger-state queries used to reconstruct governance data when the
	// persisted record is unusable.
	QueryCommittee() (CommitteeInfo, error)
	QueryDReps() ([]DRepInfo, error)
}

// RejectionError reports a transaction or proposal the chain refused.
// It is propagated to the caller untouched; the harness never retries a
// rejection.
type RejectionError struct {
	Op     string
	Reason string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("chain rejected %s: %s", e.Op, e.Reason)
}

// IsRejection reports whether err is (or wraps) a RejectionError.
func IsRejection(err error) bool {
	var re *RejectionError
	return errors.As(err, &re)
}
