// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package genqueue

import (
	"context"
	"time"
)

// Store implements persistent storage of jobs.
type Store interface {
	// Start is called when the manager starts up, before the jobs left
	// active by a previous run are reconciled.
	Start(context.Context) error

	// Create adds a job to the store. Creating a job whose identifier is
	// already known is not an error: the stored job is left untouched.
	Create(context.Context, *Job) error

	// Persist records a status change of the job with the given identifier.
	// If the job could not be found, ErrNotFound must be returned.
	Persist(context.Context, string, StatusUpdate) error

	// LoadPending returns the jobs in Pending state, in queue order.
	LoadPending(context.Context) ([]*Job, error)

	// ListActive returns the jobs bound to a slot, e.g. because a previous
	// run crashed while they were in flight.
	ListActive(context.Context) ([]*Job, error)

	// Lookup returns the details of a job by its identifier.
	// If the job could not be found, ErrNotFound must be returned.
	Lookup(context.Context, string) (*Job, error)

	// List returns a list of jobs filtered by the ListRequest.
	List(context.Context, *ListRequest) (*ListResponse, error)

	// Stats returns statistics about the store.
	Stats(context.Context) (*Stats, error)
}

// StatusUpdate is the part of a job that changes with its status.
type StatusUpdate struct {
	Status       Status
	Category     string
	Slot         int
	AttemptCount int
	Retries      int
	ArtifactPath string
	Message      string
	At           time.Time
}

// Apply copies the update onto job.
func (u StatusUpdate) Apply(job *Job) {
	job.Status = u.Status
	if u.Category != "" {
		job.Category = u.Category
	}
	job.Slot = u.Slot
	job.AttemptCount = u.AttemptCount
	job.Retries = u.Retries
	if u.ArtifactPath != "" {
		job.ArtifactPath = u.ArtifactPath
	}
	if u.Message != "" {
		job.LastStatusMessage = u.Message
	}
	job.LastEventAt = u.At
}

// ListRequest specifies a filter for listing jobs.
type ListRequest struct {
	Status   Status // filter by job status
	Category string // filter by category
	Limit    int    // maximum number of jobs to return
	Offset   int    // number of jobs to skip (for pagination)
}

// ListResponse is the outcome of invoking List on the Store.
type ListResponse struct {
	Total int    // total number of jobs found, excluding pagination
	Jobs  []*Job // list of jobs
}

// ActiveStatuses are the statuses returned by Store.ListActive.
var ActiveStatuses = []Status{Queued, PromptSent, GenerationStarted, WaitingResult}
