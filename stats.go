// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package genqueue

// Stats returns statistics about the job queue.
type Stats struct {
	Pending   int `json:"pending"`   // number of jobs waiting in the queue
	Active    int `json:"active"`    // number of jobs bound to a slot
	Completed int `json:"completed"` // number of jobs with an artifact
	Error     int `json:"error"`     // number of failed jobs
	Timeout   int `json:"timeout"`   // number of jobs that timed out for good
	Skipped   int `json:"skipped"`   // number of jobs skipped by the operator
}

// Add counts a job in status s.
func (s *Stats) Add(status Status, n int) {
	switch {
	case status == Pending || status == LimitReached:
		s.Pending += n
	case status.IsActive():
		s.Active += n
	case status == Completed:
		s.Completed += n
	case status == Error:
		s.Error += n
	case status == Timeout:
		s.Timeout += n
	case status == Skipped:
		s.Skipped += n
	}
}
