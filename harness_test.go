/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package clusterharness_test

import (
	"io/ioutil"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/hyperledger-labs/clusterharness"
	"github.com/hyperledger-labs/clusterharness/chain"
	"github.com/hyperledger-labs/clusterharness/chain/chaintest"
	"github.com/hyperledger-labs/clusterharness/keystore"
)

var _ = Describe("Harness", func() {
	var (
		tmpDir   string
		settings *clusterharness.Settings
		fake     *chaintest.Chain
		harness  *clusterharness.Harness
	)

	BeforeEach(func() {
		var err error
		tmpDir, err = ioutil.TempDir("", "harness-test-*")
		Expect(err).NotTo(HaveOccurred())

		settings = clusterharness.DefaultSettings()
		settings.ScratchDir = filepath.Join(tmpDir, "scratch")
		settings.AddrDataFile = filepath.Join(tmpDir, "addr_data.json")
		settings.JournalDir = filepath.Join(tmpDir, "journal")
		settings.PollIntervalSeconds = 1
		settings.WorkerID = "w1"

		fake = chaintest.New()
		harness, err = clusterharness.NewHarness(settings, fake, nil)
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		harness.Close()
		os.RemoveAll(tmpDir)
	})

	It("hands out ready governance state with a committee lease", func() {
		lease, st, err := harness.UseCommittee()
		Expect(err).NotTo(HaveOccurred())
		Expect(st.DReps).To(HaveLen(settings.DRepCount))
		Expect(fake.CommitteeRegistrations()).To(Equal(1))

		status, err := harness.Coordinator.Status()
		Expect(err).NotTo(HaveOccurred())
		Expect(status.Resources).To(ConsistOf(
			clusterharness.ResourceStatus{Resource: clusterharness.ResourceCommittee, UseCount: 1},
		))

		harness.Coordinator.Release(lease)
	})

	It("waits for delayed ratification before returning locked governance", func() {
		// Bootstrap first so the epoch bump below lands after approval.
		_, err := harness.Governance.GetDefault()
		Expect(err).NotTo(HaveOccurred())
		fake.AdvanceEpoch(1)

		lease, st, err := harness.LockGovernance()
		Expect(err).NotTo(HaveOccurred())
		Expect(st.Ratified).To(BeTrue())

		status, err := harness.Coordinator.Status()
		Expect(err).NotTo(HaveOccurred())
		Expect(status.Resources).To(ContainElement(
			clusterharness.ResourceStatus{Resource: clusterharness.ResourceDReps, LockedBy: "w1"},
		))

		harness.Coordinator.Release(lease)

		// Only one bootstrap ran for both calls.
		Expect(fake.CommitteeRegistrations()).To(Equal(1))
	})

	It("journals transactions moved through the faucet", func() {
		data := keystore.Data{
			keystore.FaucetName: {
				Payment: keystore.AddressRecord{Address: "faucet_addr", SKeyFile: "faucet.skey"},
			},
		}
		Expect(keystore.Save(settings.AddrDataFile, data)).To(Succeed())

		loaded, err := harness.AddrData()
		Expect(err).NotTo(HaveOccurred())
		faucetEntry, err := loaded.Faucet()
		Expect(err).NotTo(HaveOccurred())

		fake.SetBalance("faucet_addr", 1_000_000_000)
		err = harness.Faucet.Fund(faucetEntry, []chain.TxOut{{Address: "dst", Amount: 3_000_000}}, false)
		Expect(err).NotTo(HaveOccurred())
		Expect(fake.Balance("dst")).To(Equal(int64(3_000_000)))

		entries, err := harness.Journal().Entries()
		Expect(err).NotTo(HaveOccurred())
		Expect(entries).To(HaveLen(2))
		Expect(entries[0].State).To(Equal("pending"))
		Expect(entries[1].State).To(Equal("confirmed"))
	})
})
