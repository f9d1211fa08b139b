// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

// Package storetest checks that a genqueue.Store behaves like the
// manager expects.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/olivere/genqueue"
)

// Run runs the store checks. newStore must return an empty, started store.
func Run(t *testing.T, newStore func(t *testing.T) genqueue.Store) {
	t.Run("CreateIsIdempotent", func(t *testing.T) { testCreateIsIdempotent(t, newStore(t)) })
	t.Run("PersistUnknownJob", func(t *testing.T) { testPersistUnknownJob(t, newStore(t)) })
	t.Run("PersistAndLookup", func(t *testing.T) { testPersistAndLookup(t, newStore(t)) })
	t.Run("LoadPending", func(t *testing.T) { testLoadPending(t, newStore(t)) })
	t.Run("ListActive", func(t *testing.T) { testListActive(t, newStore(t)) })
	t.Run("List", func(t *testing.T) { testList(t, newStore(t)) })
	t.Run("Stats", func(t *testing.T) { testStats(t, newStore(t)) })
}

func create(t *testing.T, st genqueue.Store, prompt, category string) *genqueue.Job {
	t.Helper()
	job := genqueue.NewJob(prompt, category)
	if err := st.Create(context.Background(), job); err != nil {
		t.Fatalf("Create failed with %v", err)
	}
	return job
}

func persist(t *testing.T, st genqueue.Store, id string, status genqueue.Status) {
	t.Helper()
	u := genqueue.StatusUpdate{Status: status, At: time.Now().Truncate(time.Second)}
	if status.IsActive() {
		u.Slot = 1
	}
	if err := st.Persist(context.Background(), id, u); err != nil {
		t.Fatalf("Persist(%s, %s) failed with %v", id, status, err)
	}
}

func testCreateIsIdempotent(t *testing.T, st genqueue.Store) {
	ctx := context.Background()
	job := create(t, st, "a cat on a roof", "sora")
	persist(t, st, job.ID, genqueue.Queued)

	again := genqueue.NewJob("a cat on a roof", "kling")
	if err := st.Create(ctx, again); err != nil {
		t.Fatalf("Create of existing job failed with %v", err)
	}
	stored, err := st.Lookup(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if have, want := stored.Status, genqueue.Queued; have != want {
		t.Fatalf("Status = %s, want %s", have, want)
	}
	if have, want := stored.Category, "sora"; have != want {
		t.Fatalf("Category = %s, want %s", have, want)
	}
}

func testPersistUnknownJob(t *testing.T, st genqueue.Store) {
	err := st.Persist(context.Background(), "deadbeef", genqueue.StatusUpdate{Status: genqueue.Queued, At: time.Now()})
	if !errors.Is(err, genqueue.ErrNotFound) {
		t.Fatalf("want ErrNotFound, have %v", err)
	}
	if _, err := st.Lookup(context.Background(), "deadbeef"); !errors.Is(err, genqueue.ErrNotFound) {
		t.Fatalf("want ErrNotFound, have %v", err)
	}
}

func testPersistAndLookup(t *testing.T, st genqueue.Store) {
	ctx := context.Background()
	job := create(t, st, "a lighthouse at night", "luma")
	at := time.Now().Truncate(time.Second)
	u := genqueue.StatusUpdate{
		Status:       genqueue.Completed,
		AttemptCount: 2,
		Retries:      1,
		ArtifactPath: "downloads/x.mp4",
		Message:      "done",
		At:           at,
	}
	if err := st.Persist(ctx, job.ID, u); err != nil {
		t.Fatal(err)
	}
	stored, err := st.Lookup(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if have, want := stored.Prompt, job.Prompt; have != want {
		t.Fatalf("Prompt = %q, want %q", have, want)
	}
	if have, want := stored.Status, genqueue.Completed; have != want {
		t.Fatalf("Status = %s, want %s", have, want)
	}
	if have, want := stored.AttemptCount, 2; have != want {
		t.Fatalf("AttemptCount = %d, want %d", have, want)
	}
	if have, want := stored.Retries, 1; have != want {
		t.Fatalf("Retries = %d, want %d", have, want)
	}
	if have, want := stored.ArtifactPath, "downloads/x.mp4"; have != want {
		t.Fatalf("ArtifactPath = %q, want %q", have, want)
	}
	if have, want := stored.LastStatusMessage, "done"; have != want {
		t.Fatalf("LastStatusMessage = %q, want %q", have, want)
	}
	if !stored.LastEventAt.Equal(at) {
		t.Fatalf("LastEventAt = %v, want %v", stored.LastEventAt, at)
	}
}

func testLoadPending(t *testing.T, st genqueue.Store) {
	ctx := context.Background()
	a := create(t, st, "first prompt", "sora")
	b := create(t, st, "second prompt", "sora")
	c := create(t, st, "third prompt", "sora")
	d := create(t, st, "fourth prompt", "sora")
	persist(t, st, b.ID, genqueue.Completed)
	persist(t, st, c.ID, genqueue.LimitReached)

	pending, err := st.LoadPending(ctx)
	if err != nil {
		t.Fatal(err)
	}
	var ids []string
	for _, job := range pending {
		ids = append(ids, job.ID)
	}
	want := []string{a.ID, c.ID, d.ID}
	if len(ids) != len(want) {
		t.Fatalf("LoadPending = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("LoadPending = %v, want %v", ids, want)
		}
	}
}

func testListActive(t *testing.T, st genqueue.Store) {
	ctx := context.Background()
	a := create(t, st, "first prompt", "sora")
	b := create(t, st, "second prompt", "sora")
	create(t, st, "third prompt", "sora")
	persist(t, st, a.ID, genqueue.WaitingResult)
	persist(t, st, b.ID, genqueue.Error)

	active, err := st.ListActive(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 1 || active[0].ID != a.ID {
		t.Fatalf("ListActive returned %d job(s), want only %s", len(active), a.ID)
	}
	if have, want := active[0].Status, genqueue.WaitingResult; have != want {
		t.Fatalf("Status = %s, want %s", have, want)
	}
}

func testList(t *testing.T, st genqueue.Store) {
	ctx := context.Background()
	for _, p := range []string{"one", "two", "three", "four", "five"} {
		create(t, st, p, "sora")
	}
	create(t, st, "six", "kling")

	rsp, err := st.List(ctx, &genqueue.ListRequest{Category: "sora", Offset: 1, Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if have, want := rsp.Total, 5; have != want {
		t.Fatalf("Total = %d, want %d", have, want)
	}
	if have, want := len(rsp.Jobs), 2; have != want {
		t.Fatalf("len(Jobs) = %d, want %d", have, want)
	}

	rsp, err = st.List(ctx, &genqueue.ListRequest{Status: genqueue.Completed})
	if err != nil {
		t.Fatal(err)
	}
	if have, want := rsp.Total, 0; have != want {
		t.Fatalf("Total = %d, want %d", have, want)
	}
}

func testStats(t *testing.T, st genqueue.Store) {
	a := create(t, st, "first prompt", "sora")
	b := create(t, st, "second prompt", "sora")
	c := create(t, st, "third prompt", "sora")
	create(t, st, "fourth prompt", "sora")
	persist(t, st, a.ID, genqueue.Completed)
	persist(t, st, b.ID, genqueue.PromptSent)
	persist(t, st, c.ID, genqueue.Skipped)

	stats, err := st.Stats(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	want := genqueue.Stats{Pending: 1, Active: 1, Completed: 1, Skipped: 1}
	if *stats != want {
		t.Fatalf("Stats = %+v, want %+v", *stats, want)
	}
}
