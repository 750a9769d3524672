/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package chaintest provides a deterministic in-memory chain.Client for
// tests.  Balances, rewards, epochs and protocol parameters are plain
// maps behind a mutex; block waits return immediately and are counted
// rather than slept.
package chaintest

import (
	"fmt"
	"sync"

	"github.com/hyperledger-labs/clusterharness/chain"
)

// Chain implements chain.Client.
type Chain struct {
	mu sync.Mutex

	balances map[string]int64
	rewards  map[string]int64
	fee      int64
	epoch    int64

	params        map[string]interface{}
	pendingParams map[string]interface{}

	committee     chain.CommitteeInfo
	dreps         []chain.DRepInfo
	committeeRegs int
	drepRegs      int

	submissions  []chain.TxSpec
	blocksWaited int

	rejections map[string]string

	// withdrawalShortfall is subtracted from the balance credited by a
	// reward withdrawal, to exercise post-condition checks.
	withdrawalShortfall int64
}

// New returns an empty chain with a default fee of 200_000.
func New() *Chain {
	return &Chain{
		balances:      map[string]int64{},
		rewards:       map[string]int64{},
		fee:           200_000,
		params:        map[string]interface{}{},
		pendingParams: map[string]interface{}{},
		rejections:    map[string]string{},
	}
}

func (c *Chain) SubmitTx(tx chain.TxSpec) (chain.TxResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if reason, ok := c.rejections[tx.Source]; ok {
		return chain.TxResult{}, &chain.RejectionError{
			Op:     fmt.Sprintf("transaction from %q", tx.Source),
			Reason: reason,
		}
	}

	withdrawn := int64(0)
	for _, w := range tx.Withdrawals {
		amount := w.Amount
		if amount == chain.AmountAll {
			amount = c.rewards[w.StakeAddress]
		}
		if amount > c.rewards[w.StakeAddress] {
			return chain.TxResult{}, &chain.RejectionError{
				Op:     fmt.Sprintf("withdrawal from %q", w.StakeAddress),
				Reason: "withdrawal exceeds reward balance",
			}
		}
		withdrawn += amount
	}

	available := c.balances[tx.Source] + withdrawn

	outputs := make([]chain.TxOut, len(tx.Outputs))
	outputTotal := int64(0)
	for i, out := range tx.Outputs {
		amount := out.Amount
		if amount == chain.AmountAll {
			amount = available - c.fee - outputTotal
		}
		if amount <= 0 {
			return chain.TxResult{}, &chain.RejectionError{
				Op:     fmt.Sprintf("transaction from %q", tx.Source),
				Reason: "insufficient funds",
			}
		}
		outputs[i] = chain.TxOut{Address: out.Address, Amount: amount}
		outputTotal += amount
	}

	if available < outputTotal+c.fee {
		return chain.TxResult{}, &chain.RejectionError{
			Op:     fmt.Sprintf("transaction from %q", tx.Source),
			Reason: "insufficient funds",
		}
	}

	c.balances[tx.Source] = available - outputTotal - c.fee - c.withdrawalShortfall
	for _, out := range outputs {
		c.balances[out.Address] += out.Amount
	}
	for _, w := range tx.Withdrawals {
		c.rewards[w.StakeAddress] = 0
	}

	c.submissions = append(c.submissions, tx)

	return chain.TxResult{
		TxID:      fmt.Sprintf("tx%06d", len(c.submissions)),
		Fee:       c.fee,
		Withdrawn: withdrawn,
	}, nil
}

func (c *Chain) AddressBalance(addr string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.balances[addr], nil
}

func (c *Chain) StakeRewardBalance(stakeAddr string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rewards[stakeAddr], nil
}

func (c *Chain) WaitForNewBlock(blocks int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blocksWaited += blocks
	return nil
}

func (c *Chain) WaitForNewEpoch(epochs int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.advanceEpoch(epochs)
	return nil
}

func (c *Chain) CurrentEpoch() (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch, nil
}

func (c *Chain) ProtocolParameters() (map[string]interface{}, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]interface{}, len(c.params))
	for k, v := range c.params {
		out[k] = v
	}
	return out, nil
}

// SubmitParamUpdateProposal interprets cliArgs as alternating flag and
// value pairs; the update takes effect on the next epoch boundary.
func (c *Chain) SubmitParamUpdateProposal(cliArgs []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := 0; i+1 < len(cliArgs); i += 2 {
		name := cliArgs[i]
		for len(name) > 0 && name[0] == '-' {
			name = name[1:]
		}
		c.pendingParams[name] = cliArgs[i+1]
	}
	return nil
}

func (c *Chain) RegisterCommittee(memberNames []string) (chain.CommitteeInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	members := make([]chain.CommitteeMember, len(memberNames))
	for i, name := range memberNames {
		members[i] = chain.CommitteeMember{
			Name:        name,
			ColdKeyHash: "cc_cold_" + name,
			HotKeyHash:  "cc_hot_" + name,
		}
	}

	c.committee = chain.CommitteeInfo{Members: members}
	c.committeeRegs++
	return c.committee, nil
}

func (c *Chain) RegisterDReps(count int) ([]chain.DRepInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	dreps := make([]chain.DRepInfo, count)
	for i := range dreps {
		dreps[i] = chain.DRepInfo{
			Name:         fmt.Sprintf("drep%02d", i+1),
			ID:           fmt.Sprintf("drep_id_%02d", i+1),
			StakeAddress: fmt.Sprintf("stake_drep%02d", i+1),
		}
	}

	c.dreps = dreps
	c.drepRegs++
	return dreps, nil
}

func (c *Chain) QueryCommittee() (chain.CommitteeInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.committee, nil
}

func (c *Chain) QueryDReps() ([]chain.DRepInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]chain.DRepInfo(nil), c.dreps...), nil
}

// Test knobs and observers.

func (c *Chain) SetBalance(addr string, amount int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.balances[addr] = amount
}

func (c *Chain) Balance(addr string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.balances[addr]
}

func (c *Chain) SetReward(stakeAddr string, amount int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rewards[stakeAddr] = amount
}

func (c *Chain) SetFee(fee int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fee = fee
}

func (c *Chain) SetParam(name string, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.params[name] = value
}

func (c *Chain) SetEpoch(epoch int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch = epoch
}

// AdvanceEpoch moves the chain forward, applying any pending parameter
// updates, as a background "the cluster kept running" event.
func (c *Chain) AdvanceEpoch(epochs int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.advanceEpoch(epochs)
}

func (c *Chain) advanceEpoch(epochs int) {
	c.epoch += int64(epochs)
	for k, v := range c.pendingParams {
		c.params[k] = v
	}
	c.pendingParams = map[string]interface{}{}
}

// RejectFrom makes every submission from source fail with reason until
// AcceptFrom is called.
func (c *Chain) RejectFrom(source, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rejections[source] = reason
}

func (c *Chain) AcceptFrom(source string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.rejections, source)
}

// SetWithdrawalShortfall makes subsequent transactions credit the
// source with the given amount less than they should, to trip balance
// post-conditions.
func (c *Chain) SetWithdrawalShortfall(amount int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.withdrawalShortfall = amount
}

func (c *Chain) Submissions() []chain.TxSpec {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]chain.TxSpec(nil), c.submissions...)
}

func (c *Chain) SubmissionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.submissions)
}

func (c *Chain) BlocksWaited() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.blocksWaited
}

func (c *Chain) CommitteeRegistrations() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.committeeRegs
}

func (c *Chain) DRepRegistrations() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.drepRegs
}
