// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

// Package sqlstore implements genqueue.Store on top of database/sql.
// The mysql and sqlite packages configure it for their database.
package sqlstore

import (
	"context"
	"database/sql"
	"log"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/olivere/genqueue"
	"github.com/olivere/genqueue/internal/dbtx"
)

// Table is the name of the jobs table.
const Table = "genqueue_jobs"

// maxLimit is used when a list request has an offset but no limit.
const maxLimit = 1 << 62

var columns = []string{
	"id", "prompt", "category", "status", "slot", "attempt_count",
	"retries", "artifact_path", "message", "created", "updated",
}

// Dialect describes the differences between databases.
type Dialect struct {
	// Schema is executed when the store is created.
	Schema []string
	// InsertOptions makes an INSERT skip existing rows, e.g. "IGNORE".
	InsertOptions string
	// Retryable reports whether a failed statement should be repeated.
	Retryable func(error) bool
}

// Store is a SQL-based genqueue.Store.
type Store struct {
	db      *sql.DB
	dialect Dialect
	debug   bool
}

// New creates the schema and returns the store.
func New(ctx context.Context, db *sql.DB, dialect Dialect, debug bool) (*Store, error) {
	if dialect.Retryable == nil {
		dialect.Retryable = func(error) bool { return false }
	}
	st := &Store{db: db, dialect: dialect, debug: debug}
	for _, stmt := range dialect.Schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, err
		}
	}
	return st, nil
}

// DB returns the underlying database handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) wrapError(err error) error {
	if dbtx.IsNotFound(err) {
		// Map sql.ErrNoRows to genqueue-specific "not found" error
		return genqueue.ErrNotFound
	}
	return err
}

func (s *Store) trace(b sq.Sqlizer) {
	if !s.debug {
		return
	}
	query, args, err := b.ToSql()
	if err == nil {
		log.Printf("sqlstore: %s %v", query, args)
	}
}

// Start checks that the database is reachable.
func (s *Store) Start(ctx context.Context) error {
	return dbtx.RunWithRetry(ctx, s.db, func(ctx context.Context) error {
		return s.db.PingContext(ctx)
	}, nil)
}

// Create adds a new job to the store. Existing jobs are left untouched.
func (s *Store) Create(ctx context.Context, job *genqueue.Job) error {
	updated := job.LastEventAt
	if updated.IsZero() {
		updated = job.CreatedAt
	}
	b := sq.Insert(Table).
		Columns(columns...).
		Values(job.ID, job.Prompt, job.Category, string(job.Status), job.Slot, job.AttemptCount,
			job.Retries, job.ArtifactPath, job.LastStatusMessage, job.CreatedAt.UnixNano(), updated.UnixNano())
	if s.dialect.InsertOptions != "" {
		b = b.Options(s.dialect.InsertOptions)
	}
	s.trace(b)
	err := dbtx.RunWithRetry(ctx, s.db, func(ctx context.Context) error {
		_, err := b.RunWith(s.db).ExecContext(ctx)
		return err
	}, s.dialect.Retryable)
	return s.wrapError(err)
}

// Persist records a status change of the job.
func (s *Store) Persist(ctx context.Context, id string, u genqueue.StatusUpdate) error {
	b := sq.Update(Table).
		Set("status", string(u.Status)).
		Set("slot", u.Slot).
		Set("attempt_count", u.AttemptCount).
		Set("retries", u.Retries).
		Set("updated", u.At.UnixNano()).
		Where(sq.Eq{"id": id})
	if u.Category != "" {
		b = b.Set("category", u.Category)
	}
	if u.ArtifactPath != "" {
		b = b.Set("artifact_path", u.ArtifactPath)
	}
	if u.Message != "" {
		b = b.Set("message", u.Message)
	}
	s.trace(b)
	err := dbtx.RunInTxWithRetry(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		var n int
		err := sq.Select("COUNT(*)").From(Table).Where(sq.Eq{"id": id}).
			RunWith(tx).QueryRowContext(ctx).Scan(&n)
		if err != nil {
			return err
		}
		if n == 0 {
			return genqueue.ErrNotFound
		}
		_, err = b.RunWith(tx).ExecContext(ctx)
		return err
	}, s.dialect.Retryable)
	return s.wrapError(err)
}

// LoadPending returns the jobs waiting in the queue, in creation order.
func (s *Store) LoadPending(ctx context.Context) ([]*genqueue.Job, error) {
	return s.find(ctx, sq.Select(columns...).From(Table).
		Where(sq.Eq{"status": []string{string(genqueue.Pending), string(genqueue.LimitReached)}}).
		OrderBy("pos"))
}

// ListActive returns the jobs bound to a slot.
func (s *Store) ListActive(ctx context.Context) ([]*genqueue.Job, error) {
	var statuses []string
	for _, status := range genqueue.ActiveStatuses {
		statuses = append(statuses, string(status))
	}
	return s.find(ctx, sq.Select(columns...).From(Table).
		Where(sq.Eq{"status": statuses}).
		OrderBy("pos"))
}

// Lookup retrieves a single job in the store by its identifier.
func (s *Store) Lookup(ctx context.Context, id string) (*genqueue.Job, error) {
	b := sq.Select(columns...).From(Table).Where(sq.Eq{"id": id})
	s.trace(b)
	row := b.RunWith(s.db).QueryRowContext(ctx)
	job, err := scanJob(row)
	if err != nil {
		return nil, s.wrapError(err)
	}
	return job, nil
}

// List returns a list of jobs matching the request.
func (s *Store) List(ctx context.Context, req *genqueue.ListRequest) (*genqueue.ListResponse, error) {
	where := sq.Eq{}
	if req.Status != "" {
		where["status"] = string(req.Status)
	}
	if req.Category != "" {
		where["category"] = req.Category
	}

	rsp := &genqueue.ListResponse{}
	cnt := sq.Select("COUNT(*)").From(Table).Where(where)
	s.trace(cnt)
	if err := cnt.RunWith(s.db).QueryRowContext(ctx).Scan(&rsp.Total); err != nil {
		return nil, s.wrapError(err)
	}

	b := sq.Select(columns...).From(Table).Where(where).OrderBy("pos")
	if req.Limit > 0 {
		b = b.Limit(uint64(req.Limit))
	}
	if req.Offset > 0 {
		if req.Limit <= 0 {
			b = b.Limit(maxLimit)
		}
		b = b.Offset(uint64(req.Offset))
	}
	jobs, err := s.find(ctx, b)
	if err != nil {
		return nil, err
	}
	rsp.Jobs = jobs
	return rsp, nil
}

// Stats returns statistics about the jobs in the store.
func (s *Store) Stats(ctx context.Context) (*genqueue.Stats, error) {
	b := sq.Select("status", "COUNT(*)").From(Table).GroupBy("status")
	s.trace(b)
	rows, err := b.RunWith(s.db).QueryContext(ctx)
	if err != nil {
		return nil, s.wrapError(err)
	}
	defer rows.Close()
	stats := new(genqueue.Stats)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		stats.Add(genqueue.Status(status), n)
	}
	return stats, rows.Err()
}

func (s *Store) find(ctx context.Context, b sq.SelectBuilder) ([]*genqueue.Job, error) {
	s.trace(b)
	rows, err := b.RunWith(s.db).QueryContext(ctx)
	if err != nil {
		return nil, s.wrapError(err)
	}
	defer rows.Close()
	var jobs []*genqueue.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row scanner) (*genqueue.Job, error) {
	var (
		job              genqueue.Job
		status           string
		created, updated int64
	)
	err := row.Scan(&job.ID, &job.Prompt, &job.Category, &status, &job.Slot, &job.AttemptCount,
		&job.Retries, &job.ArtifactPath, &job.LastStatusMessage, &created, &updated)
	if err != nil {
		return nil, err
	}
	job.Status = genqueue.Status(status)
	job.CreatedAt = time.Unix(0, created)
	job.LastEventAt = time.Unix(0, updated)
	return &job, nil
}
