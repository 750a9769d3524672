/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package faucet moves value between cluster addresses under the
// cross-process lock keyed by the contended address.  Checking a
// balance, deciding to fund and submitting the funding transaction
// happen inside one critical section, so workers drawing from the same
// source can neither double-fund a destination nor trip each other's
// balance assertions.
package faucet

import (
	"fmt"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/hyperledger-labs/clusterharness/chain"
	"github.com/hyperledger-labs/clusterharness/flock"
	"github.com/hyperledger-labs/clusterharness/journal"
	"github.com/hyperledger-labs/clusterharness/keystore"
	"github.com/hyperledger-labs/clusterharness/logging"
	"github.com/hyperledger-labs/clusterharness/wait"
)

const (
	confirmBlocks = 2

	updateParamsLockName = "update_params"
)

// ReturnResult reports the outcome of reclaiming funds from one source
// address.  A non-nil Err never aborted the loop; it is recorded for
// callers that care and otherwise only logged.
type ReturnResult struct {
	Address string
	Err     error
}

// Distributor performs synchronized funds movement.  The journal is
// optional; when present every submission and confirmation is recorded.
type Distributor struct {
	client  chain.Client
	locker  *flock.Locker
	waiter  wait.Waiter
	logger  logging.Logger
	journal *journal.Journal
}

// New wires a Distributor.  The waiter bounds post-confirmation balance
// verification.
func New(client chain.Client, locker *flock.Locker, waiter wait.Waiter, jnl *journal.Journal, logger logging.Logger) *Distributor {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Distributor{
		client:  client,
		locker:  locker,
		waiter:  waiter,
		logger:  logger,
		journal: jnl,
	}
}

// Fund tops destinations up from the faucet entry.  Destinations whose
// balance already meets the requested amount are skipped unless force
// is set; when nothing is left to fund, no transaction is submitted.
func (d *Distributor) Fund(src keystore.Entry, dests []chain.TxOut, force bool) error {
	srcAddr := src.Payment.Address

	return d.locker.WithLock(srcAddr, func() error {
		var outputs []chain.TxOut
		for _, out := range dests {
			if !force {
				balance, err := d.client.AddressBalance(out.Address)
				if err != nil {
					return errors.WithMessagef(err, "could not query balance of %q", out.Address)
				}
				if balance >= out.Amount {
					continue
				}
			}
			outputs = append(outputs, out)
		}

		if len(outputs) == 0 {
			d.logger.Debug("all destinations already funded", zap.String("source", srcAddr))
			return nil
		}

		result, err := d.client.SubmitTx(chain.TxSpec{
			Source:      srcAddr,
			Outputs:     outputs,
			SigningKeys: []string{src.Payment.SKeyFile},
		})
		if err != nil {
			return errors.WithMessagef(err, "could not fund %d address(es) from %q", len(outputs), srcAddr)
		}
		d.logger.Info("funding submitted",
			zap.String("source", srcAddr),
			zap.Int("destinations", len(outputs)),
			zap.String("tx", result.TxID))

		if err := d.confirm(result.TxID, srcAddr); err != nil {
			return err
		}

		// The confirming wait covers block production, not necessarily
		// the local view of every balance; re-verify before letting the
		// caller assert on them.
		return d.waiter.Until("observe funded balances", func() (bool, error) {
			for _, out := range outputs {
				balance, err := d.client.AddressBalance(out.Address)
				if err != nil {
					return false, err
				}
				if balance < out.Amount {
					return false, nil
				}
			}
			return true, nil
		})
	})
}

// ReturnAll sends the entire spendable balance of every source back to
// the faucet address.  This is best-effort reclamation: a source that
// cannot cover fees, or is rejected outright, is logged and skipped,
// never propagated.
func (d *Distributor) ReturnAll(srcs []keystore.AddressRecord, faucetAddr string) []ReturnResult {
	results := make([]ReturnResult, 0, len(srcs))

	lockErr := d.locker.WithLock(faucetAddr, func() error {
		for _, src := range srcs {
			err := d.returnOne(src, faucetAddr)
			if err != nil {
				d.logger.Warn("could not return funds",
					zap.String("address", src.Address),
					zap.Error(err))
			}
			results = append(results, ReturnResult{Address: src.Address, Err: err})
		}
		return nil
	})
	if lockErr != nil && len(results) == 0 {
		for _, src := range srcs {
			results = append(results, ReturnResult{Address: src.Address, Err: lockErr})
		}
	}

	return results
}

func (d *Distributor) returnOne(src keystore.AddressRecord, faucetAddr string) error {
	result, err := d.client.SubmitTx(chain.TxSpec{
		Source:      src.Address,
		Outputs:     []chain.TxOut{{Address: faucetAddr, Amount: chain.AmountAll}},
		SigningKeys: []string{src.SKeyFile},
	})
	if err != nil {
		return err
	}
	return d.confirm(result.TxID, src.Address)
}

// WithdrawReward withdraws the full reward balance of the pool user's
// stake address to its payment address, then asserts the withdrawal
// arithmetic: the reward balance must be exactly zero and the payment
// balance must have grown by exactly the withdrawn amount less the fee.
// A violation is a defect, not a transient state, and is never retried.
func (d *Distributor) WithdrawReward(user keystore.PoolUser) error {
	srcAddr := user.Payment.Address

	return d.locker.WithLock(srcAddr, func() error {
		initial, err := d.client.AddressBalance(srcAddr)
		if err != nil {
			return errors.WithMessagef(err, "could not query balance of %q", srcAddr)
		}

		result, err := d.client.SubmitTx(chain.TxSpec{
			Source: srcAddr,
			Withdrawals: []chain.Withdrawal{
				{StakeAddress: user.Stake.Address, Amount: chain.AmountAll},
			},
			SigningKeys: []string{user.Payment.SKeyFile, user.Stake.SKeyFile},
		})
		if err != nil {
			return errors.WithMessagef(err, "could not withdraw reward of %q", user.Stake.Address)
		}

		if err := d.confirm(result.TxID, srcAddr); err != nil {
			return err
		}

		reward, err := d.client.StakeRewardBalance(user.Stake.Address)
		if err != nil {
			return errors.WithMessagef(err, "could not query reward balance of %q", user.Stake.Address)
		}
		if reward != 0 {
			return errors.Errorf(
				"not all rewards were withdrawn from %q: %d remaining", user.Stake.Address, reward)
		}

		final, err := d.client.AddressBalance(srcAddr)
		if err != nil {
			return errors.WithMessagef(err, "could not query balance of %q", srcAddr)
		}
		expected := initial - result.Fee + result.Withdrawn
		if final != expected {
			return errors.Errorf(
				"incorrect balance for address %q after withdrawing %d (fee %d): expected %d, got %d",
				srcAddr, result.Withdrawn, result.Fee, expected, final)
		}

		return nil
	})
}

// UpdateParams drives a protocol parameter to value via an update
// proposal.  A parameter already at the requested value is left alone.
// Cluster-wide serialization uses a fixed lock name: parameter updates
// contend with each other, not with any particular address.
func (d *Distributor) UpdateParams(cliArg, paramName string, value interface{}) error {
	return d.locker.WithLock(updateParamsLockName, func() error {
		params, err := d.client.ProtocolParameters()
		if err != nil {
			return errors.WithMessage(err, "could not query protocol parameters")
		}
		if fmt.Sprint(params[paramName]) == fmt.Sprint(value) {
			d.logger.Info("parameter already at requested value",
				zap.String("param", paramName))
			return nil
		}

		// Proposals submitted mid-epoch can miss the boundary; start
		// from a fresh epoch.
		if err := d.client.WaitForNewEpoch(1); err != nil {
			return errors.WithMessage(err, "could not wait for a fresh epoch")
		}

		if err := d.client.SubmitParamUpdateProposal([]string{cliArg, fmt.Sprint(value)}); err != nil {
			return errors.WithMessagef(err, "could not submit update proposal for %q", paramName)
		}
		d.logger.Info("update proposal submitted",
			zap.String("cli_arg", cliArg),
			zap.String("param", paramName))

		if err := d.client.WaitForNewEpoch(1); err != nil {
			return errors.WithMessage(err, "could not wait for the proposal epoch")
		}

		params, err = d.client.ProtocolParameters()
		if err != nil {
			return errors.WithMessage(err, "could not re-query protocol parameters")
		}
		if fmt.Sprint(params[paramName]) != fmt.Sprint(value) {
			return errors.Errorf(
				"update proposal for %q failed: expected %v, got %v",
				paramName, value, params[paramName])
		}
		return nil
	})
}

func (d *Distributor) confirm(txID, source string) error {
	if d.journal != nil {
		if err := d.journal.Pending(txID, source); err != nil {
			d.logger.Warn("could not journal submission", zap.Error(err))
		}
	}

	if err := d.client.WaitForNewBlock(confirmBlocks); err != nil {
		return errors.WithMessagef(err, "could not confirm transaction %s", txID)
	}

	if d.journal != nil {
		if err := d.journal.Confirmed(txID); err != nil {
			d.logger.Warn("could not journal confirmation", zap.Error(err))
		}
	}
	return nil
}
