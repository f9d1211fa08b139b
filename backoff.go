// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package genqueue

import (
	"context"
	"math"
	"time"

	"github.com/cenkalti/backoff"
)

// BackoffFunc is a callback that returns a backoff. It is configurable
// via the SetBackoffFunc option in the manager. The BackoffFunc is used to
// vary the timespan between attempts to send a prompt to the agent.
type BackoffFunc func(attempts int) time.Duration

// exponentialBackoff is the default backoff function. It performs
// exponential backoff.
func exponentialBackoff(attempts int) time.Duration {
	if attempts == 0 {
		return time.Duration(0)
	}
	return time.Duration(math.Pow(10, float64(attempts))) * time.Millisecond
}

// retry runs fn until it succeeds, ctx is done, or maxTries attempts
// have failed, waiting with exponential backoff in between.
func retry(ctx context.Context, maxTries int, maxElapsed time.Duration, fn func() error) error {
	if maxTries < 1 {
		maxTries = 1
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = maxElapsed
	return backoff.Retry(fn, backoff.WithContext(backoff.WithMaxRetries(b, uint64(maxTries-1)), ctx))
}
