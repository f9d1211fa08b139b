// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package genqueue

import (
	"context"
	"sync"
	"time"
)

// signal is an inbound event attributed to a job by the dispatcher.
type signal struct {
	kind  EventKind
	ev    InboundEvent
	match Correlation
}

// machine tracks a single job while it is bound to a slot.
type machine struct {
	seq     int
	signals chan signal
	cancel  context.CancelCauseFunc

	mu  sync.Mutex // guards job
	job *Job
}

func newMachine(job *Job, seq int) *machine {
	return &machine{
		seq:     seq,
		signals: make(chan signal, 16),
		job:     job,
	}
}

// snapshot returns a copy of the job.
func (mc *machine) snapshot() *Job {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return mc.job.Clone()
}

// candidate returns the job as seen by the correlator.
func (mc *machine) candidate() (Candidate, bool) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	if mc.job.Status.IsTerminal() || mc.job.Status == Pending {
		return Candidate{}, false
	}
	return Candidate{
		JobID:    mc.job.ID,
		Prompt:   mc.job.Prompt,
		Category: mc.job.Category,
		Status:   mc.job.Status,
		Seq:      mc.seq,
	}, true
}

// move transitions the job and returns the transition together with the
// update to persist.
func (mc *machine) move(to Status, message string, now time.Time) (Transition, StatusUpdate, error) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	t, err := mc.job.transition(to, shorten(message, 50), now)
	if err != nil {
		return t, StatusUpdate{}, err
	}
	return t, mc.job.update(), nil
}

// status returns the current status of the job.
func (mc *machine) status() Status {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return mc.job.Status
}

// setArtifact records the file the result was stored in.
func (mc *machine) setArtifact(path string) {
	mc.mu.Lock()
	mc.job.ArtifactPath = path
	mc.mu.Unlock()
}

// deliver hands sig to the job's workflow without blocking.
func (mc *machine) deliver(sig signal) bool {
	select {
	case mc.signals <- sig:
		return true
	default:
		return false
	}
}
