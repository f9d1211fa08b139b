// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package genqueue

import (
	"context"
	"sync"
)

// CategoryLimiter counts the jobs in flight per category and refuses
// reservations beyond a fixed cap. It is independent of Slots: a job may
// hold a slot while its category is full.
//
// Besides the counter, a category can be saturated by the agent: a limit
// notice marks it as full until the next result event is observed anywhere.
type CategoryLimiter struct {
	mu        sync.Mutex
	cap       int
	counts    map[string]int
	saturated map[string]bool
	released  chan struct{} // closed and replaced on every release signal
}

// NewCategoryLimiter creates a limiter that allows cap jobs per category.
// cap is at least 1.
func NewCategoryLimiter(cap int) *CategoryLimiter {
	if cap < 1 {
		cap = 1
	}
	return &CategoryLimiter{
		cap:       cap,
		counts:    make(map[string]int),
		saturated: make(map[string]bool),
		released:  make(chan struct{}),
	}
}

// TryReserve takes one unit of category. It returns false, and changes
// nothing, if the category is limited.
func (l *CategoryLimiter) TryReserve(category string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.limited(category) {
		return false
	}
	l.counts[category]++
	return true
}

// Release gives back one unit of category and wakes up waiters.
// The counter never drops below zero.
func (l *CategoryLimiter) Release(category string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.counts[category] > 0 {
		l.counts[category]--
	}
	if l.counts[category] == 0 {
		delete(l.counts, category)
	}
	l.signal()
}

// Saturate marks category as limited by the agent, regardless of the
// number of reservations.
func (l *CategoryLimiter) Saturate(category string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.saturated[category] = true
}

// ObserveResult is called for every result event the agent delivers. The
// agent frees capacity when it delivers a result, so all saturated
// categories are cleared and waiters are woken up.
func (l *CategoryLimiter) ObserveResult() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for c := range l.saturated {
		delete(l.saturated, c)
	}
	l.signal()
}

// Clear removes the agent's saturation mark from category and wakes up
// waiters.
func (l *CategoryLimiter) Clear(category string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.saturated[category] {
		delete(l.saturated, category)
		l.signal()
	}
}

// Limited reports whether a reservation for category would fail.
func (l *CategoryLimiter) Limited(category string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.limited(category)
}

// Saturated reports whether the agent marked category as limited.
func (l *CategoryLimiter) Saturated(category string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.saturated[category]
}

// Count returns the number of reservations held for category.
func (l *CategoryLimiter) Count(category string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counts[category]
}

// Cap returns the per-category limit.
func (l *CategoryLimiter) Cap() int {
	return l.cap
}

// Released returns a channel that is closed on the next release signal.
func (l *CategoryLimiter) Released() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.released
}

// Wait blocks until category is no longer limited or ctx is done.
func (l *CategoryLimiter) Wait(ctx context.Context, category string) error {
	for {
		l.mu.Lock()
		if !l.limited(category) {
			l.mu.Unlock()
			return nil
		}
		ch := l.released
		l.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (l *CategoryLimiter) limited(category string) bool {
	return l.saturated[category] || l.counts[category] >= l.cap
}

func (l *CategoryLimiter) signal() {
	close(l.released)
	l.released = make(chan struct{})
}
