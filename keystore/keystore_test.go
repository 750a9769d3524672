/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package keystore_test

import (
	"io/ioutil"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/hyperledger-labs/clusterharness/keystore"
)

var _ = Describe("Keystore", func() {
	var (
		tmpDir string
		path   string

		data = keystore.Data{
			"user1": {
				Payment: keystore.AddressRecord{
					Address:  "addr_user1",
					VKeyFile: "user1.vkey",
					SKeyFile: "user1.skey",
				},
			},
			"node-pool1": {
				Payment: keystore.AddressRecord{Address: "addr_pool1", SKeyFile: "pool1.skey"},
				Stake:   keystore.AddressRecord{Address: "stake_pool1", SKeyFile: "pool1_stake.skey"},

				StakeRegistrationCert: "pool1_stake.cert",
			},
		}
	)

	BeforeEach(func() {
		var err error
		tmpDir, err = ioutil.TempDir("", "keystore-test-*")
		Expect(err).NotTo(HaveOccurred())
		path = filepath.Join(tmpDir, "nested", "addr_data.json")
	})

	AfterEach(func() {
		os.RemoveAll(tmpDir)
	})

	It("round-trips through the data file, creating parent directories", func() {
		Expect(keystore.Save(path, data)).To(Succeed())

		loaded, err := keystore.Load(path)
		Expect(err).NotTo(HaveOccurred())
		Expect(loaded).To(Equal(data))
	})

	It("resolves the faucet entry", func() {
		faucet, err := data.Faucet()
		Expect(err).NotTo(HaveOccurred())
		Expect(faucet.Payment.Address).To(Equal("addr_user1"))
	})

	It("exposes a pool entry as a payment/stake pair", func() {
		entry, err := data.Entry("node-pool1")
		Expect(err).NotTo(HaveOccurred())

		user := entry.PoolUser()
		Expect(user.Payment.Address).To(Equal("addr_pool1"))
		Expect(user.Stake.Address).To(Equal("stake_pool1"))
	})

	It("fails on an unknown name", func() {
		_, err := data.Entry("node-pool9")
		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("node-pool9"))
	})

	It("fails to load a missing file", func() {
		_, err := keystore.Load(filepath.Join(tmpDir, "nope.json"))
		Expect(err).To(HaveOccurred())
	})

	It("fails to load a damaged file", func() {
		Expect(os.MkdirAll(filepath.Dir(path), 0o700)).To(Succeed())
		Expect(ioutil.WriteFile(path, []byte("not json"), 0o600)).To(Succeed())

		_, err := keystore.Load(path)
		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("decode"))
	})
})
