// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package genqueue

import "sync"

// Slots bounds the number of jobs in flight. Slots are numbered 1..Max and
// interchangeable; at most one job is bound to a slot at any time.
//
// Acquire never blocks: when all slots are taken it fails, and the caller
// has to try again later.
type Slots struct {
	mu     sync.Mutex
	owners []string // owners[i] is the job bound to slot i+1
}

// NewSlots creates an allocator with max slots. max is at least 1.
func NewSlots(max int) *Slots {
	if max < 1 {
		max = 1
	}
	return &Slots{owners: make([]string, max)}
}

// Acquire binds the lowest free slot to jobID. It returns false if all
// slots are in use. A job that already holds a slot gets the same slot back.
func (s *Slots) Acquire(jobID string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	free := 0
	for i, owner := range s.owners {
		if owner == jobID {
			return i + 1, true
		}
		if owner == "" && free == 0 {
			free = i + 1
		}
	}
	if free == 0 {
		return 0, false
	}
	s.owners[free-1] = jobID
	return free, true
}

// Release frees slot. Releasing an unknown or free slot does nothing.
func (s *Slots) Release(slot int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if slot < 1 || slot > len(s.owners) {
		return
	}
	s.owners[slot-1] = ""
}

// Owner returns the job bound to slot, or "" if the slot is free.
func (s *Slots) Owner(slot int) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if slot < 1 || slot > len(s.owners) {
		return ""
	}
	return s.owners[slot-1]
}

// InUse returns the number of bound slots.
func (s *Slots) InUse() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, owner := range s.owners {
		if owner != "" {
			n++
		}
	}
	return n
}

// Max returns the number of slots.
func (s *Slots) Max() int {
	return len(s.owners)
}
