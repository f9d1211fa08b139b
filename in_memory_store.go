// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package genqueue

import (
	"context"
	"sync"
)

// InMemoryStore is a simple in-memory store implementation.
// It implements the Store interface. Do not use in production.
type InMemoryStore struct {
	mu    sync.Mutex
	jobs  map[string]*Job
	order []string // creation order
}

// NewInMemoryStore creates a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		jobs: make(map[string]*Job),
	}
}

// Start the store.
func (st *InMemoryStore) Start(ctx context.Context) error {
	return nil
}

// Create adds a new job.
func (st *InMemoryStore) Create(ctx context.Context, job *Job) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, found := st.jobs[job.ID]; found {
		return nil
	}
	st.jobs[job.ID] = job.Clone()
	st.order = append(st.order, job.ID)
	return nil
}

// Persist updates the job.
func (st *InMemoryStore) Persist(ctx context.Context, id string, u StatusUpdate) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	job, found := st.jobs[id]
	if !found {
		return ErrNotFound
	}
	u.Apply(job)
	return nil
}

// LoadPending returns the pending jobs in creation order.
func (st *InMemoryStore) LoadPending(ctx context.Context) ([]*Job, error) {
	return st.filter(func(job *Job) bool {
		return job.Status == Pending || job.Status == LimitReached
	}), nil
}

// ListActive returns the jobs bound to a slot.
func (st *InMemoryStore) ListActive(ctx context.Context) ([]*Job, error) {
	return st.filter(func(job *Job) bool {
		return job.Status.IsActive()
	}), nil
}

func (st *InMemoryStore) filter(fn func(*Job) bool) []*Job {
	st.mu.Lock()
	defer st.mu.Unlock()
	var list []*Job
	for _, id := range st.order {
		if job := st.jobs[id]; fn(job) {
			list = append(list, job.Clone())
		}
	}
	return list
}

// Lookup returns the job with the specified identifier (or ErrNotFound).
func (st *InMemoryStore) Lookup(ctx context.Context, id string) (*Job, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	job, found := st.jobs[id]
	if !found {
		return nil, ErrNotFound
	}
	return job.Clone(), nil
}

// List finds matching jobs.
func (st *InMemoryStore) List(ctx context.Context, req *ListRequest) (*ListResponse, error) {
	matches := st.filter(func(job *Job) bool {
		if req.Status != "" && job.Status != req.Status {
			return false
		}
		if req.Category != "" && job.Category != req.Category {
			return false
		}
		return true
	})
	rsp := &ListResponse{Total: len(matches)}
	if req.Offset > 0 {
		if req.Offset >= len(matches) {
			return rsp, nil
		}
		matches = matches[req.Offset:]
	}
	if req.Limit > 0 && len(matches) > req.Limit {
		matches = matches[:req.Limit]
	}
	rsp.Jobs = matches
	return rsp, nil
}

// Stats returns statistics about the jobs in the store.
func (st *InMemoryStore) Stats(ctx context.Context) (*Stats, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	stats := &Stats{}
	for _, job := range st.jobs {
		stats.Add(job.Status, 1)
	}
	return stats, nil
}
