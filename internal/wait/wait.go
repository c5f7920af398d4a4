// Package wait provides the bounded polling primitive used wherever one side
// of a shared region waits for the other.
package wait

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrExhausted is returned when the condition was not met within the timeout.
var ErrExhausted = errors.New("wait: condition not met before timeout")

var errNotYet = errors.New("wait: not yet")

// Condition reports whether the awaited state was reached. A non-nil error
// aborts the wait and is returned as is.
type Condition func() (bool, error)

// Until checks cond every interval until it reports true, timeout elapses or
// ctx is done. The condition is always checked at least once.
func Until(ctx context.Context, interval, timeout time.Duration, cond Condition) error {
	if interval <= 0 {
		interval = time.Millisecond
	}
	deadline := time.Now().Add(timeout)
	attempts := uint64(timeout/interval) + 1

	op := func() error {
		ok, err := cond()
		if err != nil {
			return backoff.Permanent(err)
		}
		if ok {
			return nil
		}
		if !time.Now().Before(deadline) {
			return backoff.Permanent(ErrExhausted)
		}
		return errNotYet
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(interval), attempts), ctx)
	err := backoff.Retry(op, b)
	if errors.Is(err, errNotYet) {
		return ErrExhausted
	}
	return err
}

// Ticker calls fn every interval until fn returns false or ctx is done.
func Ticker(ctx context.Context, interval time.Duration, fn func() bool) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		if !fn() {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}
