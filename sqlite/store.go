// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

// Package sqlite implements a genqueue.Store in a SQLite database file.
package sqlite

import (
	"context"
	"database/sql"
	"net/url"

	_ "modernc.org/sqlite"

	"github.com/olivere/genqueue/internal/dbtx"
	"github.com/olivere/genqueue/internal/sqlstore"
)

const (
	sqliteSchema = `CREATE TABLE IF NOT EXISTS genqueue_jobs (
pos INTEGER PRIMARY KEY AUTOINCREMENT,
id TEXT NOT NULL UNIQUE,
prompt TEXT NOT NULL,
category TEXT NOT NULL DEFAULT '',
status TEXT NOT NULL,
slot INTEGER NOT NULL DEFAULT 0,
attempt_count INTEGER NOT NULL DEFAULT 0,
retries INTEGER NOT NULL DEFAULT 0,
artifact_path TEXT NOT NULL DEFAULT '',
message TEXT NOT NULL DEFAULT '',
created INTEGER NOT NULL,
updated INTEGER NOT NULL);`

	sqliteStatusIndex = `CREATE INDEX IF NOT EXISTS ix_jobs_status ON genqueue_jobs (status);`
)

// Store keeps jobs in a SQLite database.
// It implements the genqueue.Store interface.
type Store struct {
	*sqlstore.Store
	debug bool
}

// StoreOption is an options provider for Store.
type StoreOption func(*Store)

// SetDebug indicates whether to enable or disable debugging (which will
// output SQL to the console).
func SetDebug(enabled bool) StoreOption {
	return func(s *Store) {
		s.debug = enabled
	}
}

// NewStore opens, and creates if necessary, the database file at path.
func NewStore(path string, options ...StoreOption) (*Store, error) {
	st := &Store{}
	for _, opt := range options {
		opt(st)
	}
	q := url.Values{}
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "journal_mode(WAL)")
	db, err := sql.Open("sqlite", "file:"+path+"?"+q.Encode())
	if err != nil {
		return nil, err
	}
	// One writer at a time.
	db.SetMaxOpenConns(1)

	st.Store, err = sqlstore.New(context.Background(), db, sqlstore.Dialect{
		Schema:        []string{sqliteSchema, sqliteStatusIndex},
		InsertOptions: "OR IGNORE",
		Retryable:     dbtx.IsBusy,
	}, st.debug)
	if err != nil {
		db.Close()
		return nil, err
	}
	return st, nil
}
