/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package faucet_test

import (
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/hyperledger-labs/clusterharness/chain"
	"github.com/hyperledger-labs/clusterharness/chain/chaintest"
	"github.com/hyperledger-labs/clusterharness/faucet"
	"github.com/hyperledger-labs/clusterharness/flock"
	"github.com/hyperledger-labs/clusterharness/keystore"
	"github.com/hyperledger-labs/clusterharness/wait"
)

var _ = Describe("Distributor", func() {
	var (
		fake        *chaintest.Chain
		distributor *faucet.Distributor

		faucetEntry = keystore.Entry{
			Payment: keystore.AddressRecord{
				Address:  "faucet_addr",
				SKeyFile: "faucet.skey",
			},
		}
	)

	BeforeEach(func() {
		fake = chaintest.New()
		fake.SetBalance("faucet_addr", 1_000_000_000)

		locker, err := flock.New("", false)
		Expect(err).NotTo(HaveOccurred())

		distributor = faucet.New(
			fake, locker, wait.New(2*time.Millisecond, 200*time.Millisecond), nil, nil)
	})

	Describe("Fund", func() {
		It("tops up only destinations below the requested amount", func() {
			fake.SetBalance("rich", 5_000_000)

			err := distributor.Fund(faucetEntry, []chain.TxOut{
				{Address: "rich", Amount: 3_000_000},
				{Address: "poor", Amount: 3_000_000},
			}, false)
			Expect(err).NotTo(HaveOccurred())

			Expect(fake.Balance("rich")).To(Equal(int64(5_000_000)))
			Expect(fake.Balance("poor")).To(Equal(int64(3_000_000)))

			submissions := fake.Submissions()
			Expect(submissions).To(HaveLen(1))
			Expect(submissions[0].Outputs).To(ConsistOf(
				chain.TxOut{Address: "poor", Amount: 3_000_000},
			))
			Expect(submissions[0].SigningKeys).To(ConsistOf("faucet.skey"))
		})

		It("is idempotent: a repeated call submits nothing", func() {
			dests := []chain.TxOut{{Address: "dst", Amount: 3_000_000}}

			Expect(distributor.Fund(faucetEntry, dests, false)).To(Succeed())
			Expect(fake.SubmissionCount()).To(Equal(1))

			Expect(distributor.Fund(faucetEntry, dests, false)).To(Succeed())
			Expect(fake.SubmissionCount()).To(Equal(1))
			Expect(fake.Balance("dst")).To(Equal(int64(3_000_000)))
		})

		It("funds regardless of balance when forced", func() {
			fake.SetBalance("dst", 9_000_000)

			err := distributor.Fund(faucetEntry, []chain.TxOut{{Address: "dst", Amount: 3_000_000}}, true)
			Expect(err).NotTo(HaveOccurred())
			Expect(fake.Balance("dst")).To(Equal(int64(12_000_000)))
		})

		It("propagates a chain rejection", func() {
			fake.RejectFrom("faucet_addr", "mempool full")

			err := distributor.Fund(faucetEntry, []chain.TxOut{{Address: "dst", Amount: 3_000_000}}, false)
			Expect(err).To(HaveOccurred())
			Expect(chain.IsRejection(err)).To(BeTrue())
			Expect(err.Error()).To(ContainSubstring("mempool full"))
		})
	})

	Describe("ReturnAll", func() {
		It("reclaims whole balances and swallows per-source failures", func() {
			fake.SetBalance("src1", 5_000_000)
			// src2 has nothing; its return attempt must fail without
			// aborting the loop.
			fake.SetBalance("src3", 7_000_000)

			before := fake.Balance("faucet_addr")
			results := distributor.ReturnAll([]keystore.AddressRecord{
				{Address: "src1", SKeyFile: "src1.skey"},
				{Address: "src2", SKeyFile: "src2.skey"},
				{Address: "src3", SKeyFile: "src3.skey"},
			}, "faucet_addr")

			Expect(results).To(HaveLen(3))
			Expect(results[0].Err).NotTo(HaveOccurred())
			Expect(results[1].Err).To(HaveOccurred())
			Expect(chain.IsRejection(results[1].Err)).To(BeTrue())
			Expect(results[2].Err).NotTo(HaveOccurred())

			fee := int64(200_000)
			Expect(fake.Balance("faucet_addr")).To(Equal(before + 5_000_000 + 7_000_000 - 2*fee))
			Expect(fake.Balance("src1")).To(BeZero())
			Expect(fake.Balance("src3")).To(BeZero())
		})

		It("returns no results for no sources", func() {
			Expect(distributor.ReturnAll(nil, "faucet_addr")).To(BeEmpty())
		})
	})

	Describe("WithdrawReward", func() {
		user := keystore.PoolUser{
			Payment: keystore.AddressRecord{Address: "payment_addr", SKeyFile: "payment.skey"},
			Stake:   keystore.AddressRecord{Address: "stake_addr", SKeyFile: "stake.skey"},
		}

		BeforeEach(func() {
			fake.SetBalance("payment_addr", 10_000_000)
			fake.SetReward("stake_addr", 5_000_000)
		})

		It("moves exactly the reward minus the fee", func() {
			Expect(distributor.WithdrawReward(user)).To(Succeed())

			// 5_000_000 withdrawn less the 200_000 fee.
			Expect(fake.Balance("payment_addr")).To(Equal(int64(14_800_000)))
			reward, err := fake.StakeRewardBalance("stake_addr")
			Expect(err).NotTo(HaveOccurred())
			Expect(reward).To(BeZero())

			submissions := fake.Submissions()
			Expect(submissions).To(HaveLen(1))
			Expect(submissions[0].SigningKeys).To(ConsistOf("payment.skey", "stake.skey"))
		})

		It("fails the arithmetic post-condition on any deviation", func() {
			fake.SetWithdrawalShortfall(1)

			err := distributor.WithdrawReward(user)
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("incorrect balance"))
			Expect(err.Error()).To(ContainSubstring("payment_addr"))
		})
	})

	Describe("UpdateParams", func() {
		BeforeEach(func() {
			fake.SetParam("maxTxSize", "16384")
		})

		It("leaves a parameter already at the requested value alone", func() {
			epochBefore, err := fake.CurrentEpoch()
			Expect(err).NotTo(HaveOccurred())

			Expect(distributor.UpdateParams("--maxTxSize", "maxTxSize", 16384)).To(Succeed())

			epochAfter, err := fake.CurrentEpoch()
			Expect(err).NotTo(HaveOccurred())
			Expect(epochAfter).To(Equal(epochBefore))
			Expect(fake.SubmissionCount()).To(BeZero())
		})

		It("drives the parameter to the requested value via a proposal", func() {
			Expect(distributor.UpdateParams("--maxTxSize", "maxTxSize", 32768)).To(Succeed())

			params, err := fake.ProtocolParameters()
			Expect(err).NotTo(HaveOccurred())
			Expect(params["maxTxSize"]).To(Equal("32768"))
		})
	})
})
