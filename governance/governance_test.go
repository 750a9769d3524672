/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package governance_test

import (
	stderrors "errors"
	"io/ioutil"
	"os"
	"sync"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/hyperledger-labs/clusterharness/chain/chaintest"
	"github.com/hyperledger-labs/clusterharness/flock"
	"github.com/hyperledger-labs/clusterharness/governance"
	"github.com/hyperledger-labs/clusterharness/statestore"
	"github.com/hyperledger-labs/clusterharness/wait"
)

var _ = Describe("Bootstrapper", func() {
	var (
		tmpDir string
		fake   *chaintest.Chain
		store  *statestore.FileStore
		locker *flock.Locker
		waiter wait.Waiter

		committeeNames = []string{"cc1", "cc2"}
	)

	newBootstrapper := func() *governance.Bootstrapper {
		return governance.NewBootstrapper(fake, store, locker, waiter, committeeNames, 3, nil)
	}

	BeforeEach(func() {
		var err error
		tmpDir, err = ioutil.TempDir("", "governance-test-*")
		Expect(err).NotTo(HaveOccurred())

		fake = chaintest.New()
		fake.SetEpoch(2)

		locker, err = flock.New(tmpDir, true)
		Expect(err).NotTo(HaveOccurred())
		store, err = statestore.OpenFileStore(tmpDir, locker)
		Expect(err).NotTo(HaveOccurred())

		waiter = wait.New(2*time.Millisecond, 500*time.Millisecond)
	})

	AfterEach(func() {
		store.Close()
		os.RemoveAll(tmpDir)
	})

	Describe("GetDefault", func() {
		It("performs the on-chain setup exactly once for concurrent callers", func() {
			bootstrapper := newBootstrapper()

			const callers = 8
			states := make([]*governance.State, callers)

			var wg sync.WaitGroup
			wg.Add(callers)
			for i := 0; i < callers; i++ {
				i := i
				go func() {
					defer GinkgoRecover()
					defer wg.Done()
					st, err := bootstrapper.GetDefault()
					Expect(err).NotTo(HaveOccurred())
					states[i] = st
				}()
			}
			wg.Wait()

			Expect(fake.CommitteeRegistrations()).To(Equal(1))
			Expect(fake.DRepRegistrations()).To(Equal(1))

			for _, st := range states {
				Expect(st).To(Equal(states[0]))
				Expect(st.DReps).To(HaveLen(3))
				Expect(st.ApprovalEpoch).To(Equal(int64(2)))
			}
		})

		It("confirms each registration before proceeding", func() {
			_, err := newBootstrapper().GetDefault()
			Expect(err).NotTo(HaveOccurred())
			Expect(fake.BlocksWaited()).To(Equal(4))
		})

		It("lets a second process observe the state without re-submitting", func() {
			first := newBootstrapper()
			original, err := first.GetDefault()
			Expect(err).NotTo(HaveOccurred())

			// A fresh bootstrapper over the same store stands in for
			// another worker process.
			second := newBootstrapper()
			loaded, err := second.GetDefault()
			Expect(err).NotTo(HaveOccurred())

			Expect(loaded).To(Equal(original))
			Expect(fake.CommitteeRegistrations()).To(Equal(1))
			Expect(fake.DRepRegistrations()).To(Equal(1))
		})

		It("hands each caller an independent copy of the record", func() {
			bootstrapper := newBootstrapper()
			st, err := bootstrapper.GetDefault()
			Expect(err).NotTo(HaveOccurred())

			st.ApprovalEpoch = 99
			st.Ratified = true

			again, err := bootstrapper.GetDefault()
			Expect(err).NotTo(HaveOccurred())
			Expect(again.ApprovalEpoch).To(Equal(int64(2)))
			Expect(again.Ratified).To(BeFalse())
		})

		It("reuses the record of a cluster configured without dreps", func() {
			first := governance.NewBootstrapper(fake, store, locker, waiter, committeeNames, 0, nil)
			original, err := first.GetDefault()
			Expect(err).NotTo(HaveOccurred())
			Expect(original.DReps).To(BeEmpty())

			second := governance.NewBootstrapper(fake, store, locker, waiter, committeeNames, 0, nil)
			loaded, err := second.GetDefault()
			Expect(err).NotTo(HaveOccurred())

			Expect(loaded).To(Equal(original))
			Expect(fake.CommitteeRegistrations()).To(Equal(1))
			Expect(fake.DRepRegistrations()).To(Equal(1))
		})

		It("rebuilds an unusable record from ledger queries instead of bootstrapping again", func() {
			original, err := newBootstrapper().GetDefault()
			Expect(err).NotTo(HaveOccurred())

			err = store.Update(governance.MarkerKey, func([]byte) ([]byte, error) {
				return []byte("certainly not json"), nil
			})
			Expect(err).NotTo(HaveOccurred())

			rebuilt, err := newBootstrapper().GetDefault()
			Expect(err).NotTo(HaveOccurred())
			Expect(rebuilt.Committee).To(Equal(original.Committee))
			Expect(rebuilt.DReps).To(Equal(original.DReps))
			Expect(fake.CommitteeRegistrations()).To(Equal(1))
			Expect(fake.DRepRegistrations()).To(Equal(1))
		})
	})

	Describe("WaitDelayedRatification", func() {
		It("blocks until the epoch advances past the approval epoch", func() {
			bootstrapper := newBootstrapper()
			_, err := bootstrapper.GetDefault()
			Expect(err).NotTo(HaveOccurred())

			done := make(chan error, 1)
			go func() {
				done <- bootstrapper.WaitDelayedRatification()
			}()

			Consistently(done, 50*time.Millisecond).ShouldNot(Receive())

			fake.AdvanceEpoch(1)

			var waitErr error
			Eventually(done).Should(Receive(&waitErr))
			Expect(waitErr).NotTo(HaveOccurred())
		})

		It("records the observation so later holders skip the wait", func() {
			bootstrapper := newBootstrapper()
			_, err := bootstrapper.GetDefault()
			Expect(err).NotTo(HaveOccurred())

			fake.AdvanceEpoch(1)
			Expect(bootstrapper.WaitDelayedRatification()).To(Succeed())

			// Another process would reload the record; even with the
			// epoch rolled back it must not wait again.
			fake.SetEpoch(2)
			second := newBootstrapper()
			st, err := second.GetDefault()
			Expect(err).NotTo(HaveOccurred())
			Expect(st.Ratified).To(BeTrue())
			Expect(second.WaitDelayedRatification()).To(Succeed())
		})

		It("is safe for concurrent waiters and readers", func() {
			bootstrapper := newBootstrapper()
			_, err := bootstrapper.GetDefault()
			Expect(err).NotTo(HaveOccurred())

			fake.AdvanceEpoch(1)

			var wg sync.WaitGroup
			for i := 0; i < 4; i++ {
				wg.Add(2)
				go func() {
					defer GinkgoRecover()
					defer wg.Done()
					Expect(bootstrapper.WaitDelayedRatification()).To(Succeed())
				}()
				go func() {
					defer GinkgoRecover()
					defer wg.Done()
					_, err := bootstrapper.GetDefault()
					Expect(err).NotTo(HaveOccurred())
				}()
			}
			wg.Wait()

			st, err := bootstrapper.GetDefault()
			Expect(err).NotTo(HaveOccurred())
			Expect(st.Ratified).To(BeTrue())
		})

		It("fails with ErrTimeoutExceeded rather than continuing unratified", func() {
			waiter = wait.New(2*time.Millisecond, 20*time.Millisecond)
			bootstrapper := newBootstrapper()
			_, err := bootstrapper.GetDefault()
			Expect(err).NotTo(HaveOccurred())

			err = bootstrapper.WaitDelayedRatification()
			Expect(err).To(HaveOccurred())
			Expect(stderrors.Is(err, wait.ErrTimeoutExceeded)).To(BeTrue())
			Expect(err.Error()).To(ContainSubstring("ratification"))
		})
	})
})
