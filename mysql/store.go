// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

// Package mysql implements a genqueue.Store on MySQL.
package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	mysqldriver "github.com/go-sql-driver/mysql"

	"github.com/olivere/genqueue/internal/dbtx"
	"github.com/olivere/genqueue/internal/sqlstore"
)

const (
	mysqlSchema = `CREATE TABLE IF NOT EXISTS genqueue_jobs (
pos bigint not null auto_increment,
id varchar(16) primary key,
prompt text not null,
category varchar(64) not null default '',
status varchar(30) not null,
slot integer not null default 0,
attempt_count integer not null default 0,
retries integer not null default 0,
artifact_path varchar(1024) not null default '',
message varchar(255) not null default '',
created bigint not null,
updated bigint not null,
unique index ix_jobs_pos (pos),
index ix_jobs_status (status),
index ix_jobs_category (category),
index ix_jobs_updated (updated));`
)

// Store represents a persistent MySQL storage implementation.
// It implements the genqueue.Store interface.
type Store struct {
	*sqlstore.Store
	debug bool
}

// StoreOption is an options provider for Store.
type StoreOption func(*Store)

// NewStore initializes a new MySQL-based storage. The database in url is
// created if it does not exist.
func NewStore(url string, options ...StoreOption) (*Store, error) {
	st := &Store{}
	for _, opt := range options {
		opt(st)
	}
	cfg, err := mysqldriver.ParseDSN(url)
	if err != nil {
		return nil, err
	}
	dbname := cfg.DBName
	if dbname == "" {
		return nil, errors.New("mysql: no database specified")
	}
	ctx := context.Background()

	// First connect without DB name
	cfg.DBName = ""
	setupdb, err := sql.Open("mysql", cfg.FormatDSN())
	if err != nil {
		return nil, err
	}
	defer setupdb.Close()
	// Create database
	err = dbtx.RunWithRetry(ctx, setupdb, func(ctx context.Context) error {
		_, err := setupdb.ExecContext(ctx, fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s`", dbname))
		return err
	}, func(err error) bool {
		return errors.Is(err, mysqldriver.ErrInvalidConn)
	})
	if err != nil {
		return nil, err
	}

	// Now connect again, this time with the db name
	db, err := sql.Open("mysql", url)
	if err != nil {
		return nil, err
	}
	st.Store, err = sqlstore.New(ctx, db, sqlstore.Dialect{
		Schema:        []string{mysqlSchema},
		InsertOptions: "IGNORE",
		Retryable:     dbtx.IsDeadlock,
	}, st.debug)
	if err != nil {
		db.Close()
		return nil, err
	}
	return st, nil
}

// SetDebug indicates whether to enable or disable debugging (which will
// output SQL to the console).
func SetDebug(enabled bool) StoreOption {
	return func(s *Store) {
		s.debug = enabled
	}
}
