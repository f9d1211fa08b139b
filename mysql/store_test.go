// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package mysql

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"testing"

	"github.com/go-sql-driver/mysql"

	"github.com/olivere/genqueue"
	"github.com/olivere/genqueue/storetest"
)

// testDBURL is e.g. "root@tcp(127.0.0.1:3306)/genqueue_test?loc=UTC".
var testDBURL = os.Getenv("GENQUEUE_MYSQL_URL")

func TestMain(m *testing.M) {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	if testDBURL == "" {
		os.Exit(m.Run())
	}

	cfg, err := mysql.ParseDSN(testDBURL)
	if err != nil {
		panic(fmt.Sprintf("unable to parse connection string %q: %v", testDBURL, err))
	}
	dbname := cfg.DBName
	if dbname == "" {
		panic(fmt.Sprintf("no database specified in connection string %q", testDBURL))
	}
	// Connect without DB name
	cfg.DBName = ""
	db, err := sql.Open("mysql", cfg.FormatDSN())
	if err != nil {
		panic(fmt.Sprintf("unable to open connection string %q: %v", cfg.FormatDSN(), err))
	}
	defer db.Close()

	code := m.Run()

	// Drop database
	_, err = db.Exec(fmt.Sprintf("DROP DATABASE IF EXISTS `%s`", dbname))
	if err != nil {
		panic(fmt.Sprintf("unable to drop database %q from connection string %q: %v", dbname, testDBURL, err))
	}

	os.Exit(code)
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	if testDBURL == "" {
		t.Skip("GENQUEUE_MYSQL_URL not set")
	}
	st, err := NewStore(testDBURL, SetDebug(testing.Verbose()))
	if err != nil {
		t.Fatalf("NewStore returned %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if _, err := st.DB().Exec("TRUNCATE TABLE genqueue_jobs"); err != nil {
		t.Fatal(err)
	}
	return st
}

func TestMySQLNewStoreWithoutDatabase(t *testing.T) {
	if _, err := NewStore("root@tcp(127.0.0.1:3306)/"); err == nil {
		t.Fatal("expected NewStore to fail without a database")
	}
}

func TestMySQLStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) genqueue.Store {
		return newTestStore(t)
	})
}
