// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

// Package csvstore keeps the job table in a CSV file, one row per job.
//
// The whole table is held in memory and the file is rewritten after every
// change, so it is meant for a few thousand prompts at most.
package csvstore

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/olivere/genqueue"
)

// Header is the first row of a job table.
var Header = []string{
	"id",
	"prompt",
	"status",
	"model",
	"video_path",
	"timestamp",
	"slot",
	"attempt_count",
	"last_status_message",
	"retries",
	"created",
}

// Store is a job table in a CSV file.
// It implements the genqueue.Store interface.
type Store struct {
	path string

	mu  sync.Mutex // serializes writes to path
	mem *genqueue.InMemoryStore
}

// NewStore opens the job table at path. A missing file is created with
// just the header row.
func NewStore(path string) (*Store, error) {
	st := &Store{
		path: path,
		mem:  genqueue.NewInMemoryStore(),
	}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		if err := st.write(context.Background()); err != nil {
			return nil, err
		}
		return st, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	jobs, err := ReadJobs(f)
	if err != nil {
		return nil, fmt.Errorf("csvstore: %s: %w", path, err)
	}
	for _, job := range jobs {
		if err := st.mem.Create(context.Background(), job); err != nil {
			return nil, err
		}
	}
	return st, nil
}

// Path returns the file name of the table.
func (st *Store) Path() string {
	return st.path
}

// Start the store.
func (st *Store) Start(ctx context.Context) error {
	return nil
}

// Create adds a new job and rewrites the table.
func (st *Store) Create(ctx context.Context, job *genqueue.Job) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, err := st.mem.Lookup(ctx, job.ID); err == nil {
		return nil
	}
	if err := st.mem.Create(ctx, job); err != nil {
		return err
	}
	return st.write(ctx)
}

// Persist updates the job and rewrites the table.
func (st *Store) Persist(ctx context.Context, id string, u genqueue.StatusUpdate) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if err := st.mem.Persist(ctx, id, u); err != nil {
		return err
	}
	return st.write(ctx)
}

// LoadPending returns the pending jobs in table order.
func (st *Store) LoadPending(ctx context.Context) ([]*genqueue.Job, error) {
	return st.mem.LoadPending(ctx)
}

// ListActive returns the jobs bound to a slot.
func (st *Store) ListActive(ctx context.Context) ([]*genqueue.Job, error) {
	return st.mem.ListActive(ctx)
}

// Lookup returns the job with the specified identifier (or ErrNotFound).
func (st *Store) Lookup(ctx context.Context, id string) (*genqueue.Job, error) {
	return st.mem.Lookup(ctx, id)
}

// List finds matching jobs.
func (st *Store) List(ctx context.Context, req *genqueue.ListRequest) (*genqueue.ListResponse, error) {
	return st.mem.List(ctx, req)
}

// Stats returns statistics about the jobs in the table.
func (st *Store) Stats(ctx context.Context) (*genqueue.Stats, error) {
	return st.mem.Stats(ctx)
}

// write replaces the file with the current table. st.mu must be held.
func (st *Store) write(ctx context.Context) error {
	rsp, err := st.mem.List(ctx, &genqueue.ListRequest{})
	if err != nil {
		return err
	}
	dir := filepath.Dir(st.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, filepath.Base(st.path)+".*")
	if err != nil {
		return err
	}
	if err := WriteJobs(f, rsp.Jobs); err != nil {
		f.Close()
		os.Remove(f.Name())
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return err
	}
	return os.Rename(f.Name(), st.path)
}

// WriteJobs writes the header and one row per job.
func WriteJobs(w io.Writer, jobs []*genqueue.Job) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Header); err != nil {
		return err
	}
	for _, job := range jobs {
		if err := cw.Write(record(job)); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadJobs reads a table written by WriteJobs. Tables lacking the retries
// and created columns are accepted.
func ReadJobs(r io.Reader) ([]*genqueue.Job, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	rows, err := cr.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	cols := make(map[string]int, len(rows[0]))
	for i, name := range rows[0] {
		cols[name] = i
	}
	for _, name := range Header[:9] {
		if _, found := cols[name]; !found {
			return nil, fmt.Errorf("missing column %q", name)
		}
	}
	var jobs []*genqueue.Job
	for n, row := range rows[1:] {
		job, err := parse(row, cols)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", n+2, err)
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func record(job *genqueue.Job) []string {
	return []string{
		job.ID,
		job.Prompt,
		string(job.Status),
		job.Category,
		job.ArtifactPath,
		formatTime(job.LastEventAt),
		strconv.Itoa(job.Slot),
		strconv.Itoa(job.AttemptCount),
		job.LastStatusMessage,
		strconv.Itoa(job.Retries),
		formatTime(job.CreatedAt),
	}
}

func parse(row []string, cols map[string]int) (*genqueue.Job, error) {
	get := func(name string) string {
		if i, found := cols[name]; found && i < len(row) {
			return row[i]
		}
		return ""
	}
	job := &genqueue.Job{
		ID:                get("id"),
		Prompt:            get("prompt"),
		Status:            genqueue.Status(get("status")),
		Category:          get("model"),
		ArtifactPath:      get("video_path"),
		LastStatusMessage: get("last_status_message"),
	}
	if job.ID == "" {
		job.ID = genqueue.JobID(job.Prompt)
	}
	if job.Status == "" {
		job.Status = genqueue.Pending
	}
	if !job.Status.IsValid() {
		return nil, fmt.Errorf("job %s: invalid status %q", job.ID, job.Status)
	}
	var err error
	if job.LastEventAt, err = parseTime(get("timestamp")); err != nil {
		return nil, fmt.Errorf("job %s: %w", job.ID, err)
	}
	if job.CreatedAt, err = parseTime(get("created")); err != nil {
		return nil, fmt.Errorf("job %s: %w", job.ID, err)
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = job.LastEventAt
	}
	for name, dst := range map[string]*int{
		"slot":          &job.Slot,
		"attempt_count": &job.AttemptCount,
		"retries":       &job.Retries,
	} {
		s := get(name)
		if s == "" {
			continue
		}
		if *dst, err = strconv.Atoi(s); err != nil {
			return nil, fmt.Errorf("job %s: %s: %w", job.ID, name, err)
		}
	}
	return job, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	return time.ParseInLocation("2006-01-02 15:04:05", s, time.Local)
}
