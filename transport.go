// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package genqueue

import "context"

// Transport is the chat connection to the agent.
type Transport interface {
	// Send delivers text to recipient. It returns no identifier: replies
	// have to be correlated by content.
	Send(ctx context.Context, recipient, text string) error

	// OnInboundEvent registers handler for every message of the agent.
	// The transport calls handler in arrival order, one message at a time.
	OnInboundEvent(handler func(InboundEvent))

	// DownloadMedia stores the media referenced by handle at path and
	// returns the number of bytes written.
	DownloadMedia(ctx context.Context, handle, path string) (int64, error)
}

// Decision is the answer of a RetryPolicy.
type Decision int

const (
	// Retry puts the job back into the queue.
	Retry Decision = iota
	// Skip marks the job as skipped and continues with the next job.
	Skip
	// Abort stops the whole run.
	Abort
)

func (d Decision) String() string {
	switch d {
	case Retry:
		return "retry"
	case Skip:
		return "skip"
	case Abort:
		return "abort"
	}
	return "unknown"
}

// RetryPolicy decides what happens to a job that failed. It is typically
// implemented by asking an operator.
type RetryPolicy interface {
	Decide(ctx context.Context, job *Job, err error) Decision
}

// RetryPolicyFunc adapts a function to the RetryPolicy interface.
type RetryPolicyFunc func(ctx context.Context, job *Job, err error) Decision

// Decide calls f.
func (f RetryPolicyFunc) Decide(ctx context.Context, job *Job, err error) Decision {
	return f(ctx, job, err)
}
