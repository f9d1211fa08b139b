// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/olivere/genqueue"
	"github.com/olivere/genqueue/storetest"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := NewStore(filepath.Join(t.TempDir(), "jobs.db"), SetDebug(testing.Verbose()))
	if err != nil {
		t.Fatalf("NewStore returned %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestSQLiteStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) genqueue.Store {
		return newTestStore(t)
	})
}

func TestSQLiteStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.db")
	st, err := NewStore(path)
	if err != nil {
		t.Fatal(err)
	}
	job := genqueue.NewJob("a tram in the rain", "kling")
	if err := st.Create(context.Background(), job); err != nil {
		t.Fatal(err)
	}
	st.Close()

	st, err = NewStore(path)
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	stored, err := st.Lookup(context.Background(), job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if have, want := stored.Category, "kling"; have != want {
		t.Fatalf("Category = %q, want %q", have, want)
	}
}

func TestSQLiteStoreWithManager(t *testing.T) {
	st := newTestStore(t)
	m := genqueue.New(genqueue.SetLogger(nil), genqueue.SetStore(st))
	if err := m.AddPrompts(context.Background(), "sora", "first", "second", "first"); err != nil {
		t.Fatal(err)
	}
	stats, err := m.Stats(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if have, want := stats.Pending, 2; have != want {
		t.Fatalf("Pending = %d, want %d", have, want)
	}
}
