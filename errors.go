// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package genqueue

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound must be returned from the Store interface when a certain job
	// could not be found in the specific data store.
	ErrNotFound = errors.New("genqueue: job not found")

	// ErrInvalidTransition is matched by every *TransitionError.
	ErrInvalidTransition = errors.New("genqueue: invalid state transition")

	// ErrAborted is the cause of cancellation when the operator aborts the run.
	ErrAborted = errors.New("genqueue: run aborted")

	// ErrSkipped is the cause of cancellation when the operator skips a job.
	ErrSkipped = errors.New("genqueue: job skipped")

	// ErrResultTimeout is reported when the agent did not deliver a result
	// within the wait budget.
	ErrResultTimeout = errors.New("genqueue: timed out waiting for result")

	// ErrManagerRunning is returned by Run when the manager is already running.
	ErrManagerRunning = errors.New("genqueue: manager already running")

	// ErrNoTransport is returned by Run when no transport was configured.
	ErrNoTransport = errors.New("genqueue: no transport configured")
)

// TransitionError is returned when a job is asked to make a move its
// current status does not allow.
type TransitionError struct {
	JobID string
	From  Status
	To    Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("genqueue: job %s cannot move from %s to %s", e.JobID, e.From, e.To)
}

// Is makes errors.Is(err, ErrInvalidTransition) work.
func (e *TransitionError) Is(target error) bool { return target == ErrInvalidTransition }

// TransportError wraps a failure of the transport collaborator.
type TransportError struct {
	Op  string // send or download
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("genqueue: transport %s failed: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// PersistError wraps a failure of the job store.
type PersistError struct {
	JobID string
	Err   error
}

func (e *PersistError) Error() string {
	if e.JobID == "" {
		return fmt.Sprintf("genqueue: store failed: %v", e.Err)
	}
	return fmt.Sprintf("genqueue: persisting job %s failed: %v", e.JobID, e.Err)
}

func (e *PersistError) Unwrap() error { return e.Err }
