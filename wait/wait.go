/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package wait implements the polling condition waiter used as the sole
// suspension mechanism of the harness.  All blocking in the harness is a
// fixed-interval sleep-and-recheck loop; there are no wakeup queues and
// no backoff growth.
package wait

import (
	"time"

	"github.com/pkg/errors"
)

// Defaults applied when a Waiter field is left zero.
const (
	DefaultInterval = 5 * time.Second
	DefaultTimeout  = 180 * time.Second
)

// ErrTimeoutExceeded is returned by Until when the condition did not
// become true within the budget.  It is matchable with errors.Is through
// the wrapping applied by Until.
var ErrTimeoutExceeded = errors.New("timeout exceeded")

// Condition is evaluated on every poll tick.  A returned error aborts
// the wait immediately; errors are never treated as a transient false.
type Condition func() (bool, error)

// Waiter repeatedly evaluates conditions at a fixed Interval until they
// hold or Timeout elapses.  The zero value uses the package defaults.
type Waiter struct {
	Interval time.Duration
	Timeout  time.Duration
}

// New returns a Waiter with the given interval and total budget.
func New(interval, timeout time.Duration) Waiter {
	return Waiter{Interval: interval, Timeout: timeout}
}

func (w Waiter) interval() time.Duration {
	if w.Interval <= 0 {
		return DefaultInterval
	}
	return w.Interval
}

func (w Waiter) timeout() time.Duration {
	if w.Timeout <= 0 {
		return DefaultTimeout
	}
	return w.Timeout
}

// Until blocks until cond returns true, cond returns an error, or the
// budget elapses.  On timeout it returns ErrTimeoutExceeded wrapped with
// desc and the elapsed budget.  desc should name the awaited outcome,
// e.g. "observe funded balances".
func (w Waiter) Until(desc string, cond Condition) error {
	ok, err := w.poll(cond)
	if err != nil {
		return errors.WithMessagef(err, "failed to %s", desc)
	}
	if !ok {
		return errors.WithMessagef(ErrTimeoutExceeded, "failed to %s within %s", desc, w.timeout())
	}
	return nil
}

// UntilSilent is Until without the timeout error: on timeout it returns
// (false, nil) so callers probing for an optional condition do not have
// to special-case the failure.  Condition errors still surface.
func (w Waiter) UntilSilent(desc string, cond Condition) (bool, error) {
	ok, err := w.poll(cond)
	if err != nil {
		return false, errors.WithMessagef(err, "failed to %s", desc)
	}
	return ok, nil
}

func (w Waiter) poll(cond Condition) (bool, error) {
	interval := w.interval()
	deadline := time.Now().Add(w.timeout())

	for time.Now().Before(deadline) {
		ok, err := cond()
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
		time.Sleep(interval)
	}

	return false, nil
}
