// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package genqueue

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestExponentialBackoff(t *testing.T) {
	tests := []struct {
		Expected time.Duration
	}{
		{time.Duration(0 * time.Millisecond)},
		{time.Duration(10 * time.Millisecond)},
		{time.Duration(100 * time.Millisecond)},
		{time.Duration(1000 * time.Millisecond)},
		{time.Duration(10000 * time.Millisecond)},
		{time.Duration(100000 * time.Millisecond)},
	}

	for i, test := range tests {
		if want, have := test.Expected, exponentialBackoff(i); want != have {
			t.Fatalf("want %v, have %v", want, have)
		}
	}
}

func TestRetryStopsAfterMaxTries(t *testing.T) {
	calls := 0
	err := retry(context.Background(), 2, time.Minute, func() error {
		calls++
		return errors.New("boom")
	})
	if err == nil {
		t.Fatal("expected an error")
	}
	if have, want := calls, 2; have != want {
		t.Fatalf("calls = %d, want %d", have, want)
	}
}

func TestRetrySucceeds(t *testing.T) {
	calls := 0
	err := retry(context.Background(), 3, time.Minute, func() error {
		calls++
		if calls < 2 {
			return errors.New("boom")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("retry failed with %v", err)
	}
	if have, want := calls, 2; have != want {
		t.Fatalf("calls = %d, want %d", have, want)
	}
}
