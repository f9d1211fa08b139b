// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package genqueue

import (
	"sync"
	"testing"
)

func TestSlotsAcquireLowestFree(t *testing.T) {
	s := NewSlots(2)
	slot, ok := s.Acquire("a")
	if !ok || slot != 1 {
		t.Fatalf("Acquire(a) = %d, %v; want 1, true", slot, ok)
	}
	slot, ok = s.Acquire("b")
	if !ok || slot != 2 {
		t.Fatalf("Acquire(b) = %d, %v; want 2, true", slot, ok)
	}
	if _, ok := s.Acquire("c"); ok {
		t.Fatal("expected Acquire(c) to fail")
	}
	s.Release(1)
	slot, ok = s.Acquire("c")
	if !ok || slot != 1 {
		t.Fatalf("Acquire(c) = %d, %v; want 1, true", slot, ok)
	}
	if have, want := s.Owner(1), "c"; have != want {
		t.Fatalf("Owner(1) = %q, want %q", have, want)
	}
}

func TestSlotsAcquireTwiceReturnsSameSlot(t *testing.T) {
	s := NewSlots(2)
	first, _ := s.Acquire("a")
	second, ok := s.Acquire("a")
	if !ok || first != second {
		t.Fatalf("Acquire(a) twice = %d, %d", first, second)
	}
	if have, want := s.InUse(), 1; have != want {
		t.Fatalf("InUse = %d, want %d", have, want)
	}
}

func TestSlotsReleaseIsIdempotent(t *testing.T) {
	s := NewSlots(1)
	slot, _ := s.Acquire("a")
	s.Release(slot)
	s.Release(slot)
	s.Release(0)
	s.Release(42)
	if have, want := s.InUse(), 0; have != want {
		t.Fatalf("InUse = %d, want %d", have, want)
	}
	if _, ok := s.Acquire("b"); !ok {
		t.Fatal("expected Acquire(b) to succeed")
	}
	if _, ok := s.Acquire("c"); ok {
		t.Fatal("double release must not create a second slot")
	}
}

func TestSlotsMinimumOfOne(t *testing.T) {
	if have, want := NewSlots(0).Max(), 1; have != want {
		t.Fatalf("Max = %d, want %d", have, want)
	}
}

func TestSlotsConcurrentAcquire(t *testing.T) {
	s := NewSlots(2)
	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, ok := s.Acquire(JobID(string(rune('a' + i)))); ok {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	if have, want := granted, 2; have != want {
		t.Fatalf("granted = %d, want %d", have, want)
	}
}
