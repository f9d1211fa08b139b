// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

// Package mongodb implements a genqueue.Store on MongoDB.
package mongodb

import (
	"context"
	"errors"
	"net/url"
	"time"

	"github.com/globalsign/mgo"
	"github.com/globalsign/mgo/bson"

	"github.com/olivere/genqueue"
)

const (
	// socketTimeout should be long enough that even a slow mongo server
	// will respond in that length of time. Since mongo servers ping themselves
	// every 10 seconds, we use a value just over 2 ping periods to allow
	// for delayed pings due to issues such as CPU starvation etc.
	socketTimeout = 21 * time.Second

	// dialTimeout should be representative of the upper bound of the
	// time taken to dial a mongo server from within the same cloud/private
	// network.
	dialTimeout = 30 * time.Second

	// defaultCollectionName is the name of the collection in MongoDB.
	// It can be overridden by SetCollectionName.
	defaultCollectionName = "genqueue_jobs"
)

// Store represents a MongoDB-based storage backend.
type Store struct {
	session        *mgo.Session
	db             *mgo.Database
	coll           *mgo.Collection
	counters       *mgo.Collection
	collectionName string
}

// StoreOption is an options provider for Store.
type StoreOption func(*Store)

// NewStore creates a new MongoDB-based storage backend.
func NewStore(mongodbURL string, options ...StoreOption) (*Store, error) {
	st := &Store{
		collectionName: defaultCollectionName,
	}
	for _, opt := range options {
		opt(st)
	}

	uri, err := url.Parse(mongodbURL)
	if err != nil {
		return nil, err
	}
	if uri.Path == "" || uri.Path == "/" {
		return nil, errors.New("mongodb: database missing in URL")
	}
	dbname := uri.Path[1:]

	st.session, err = mgo.DialWithTimeout(mongodbURL, dialTimeout)
	if err != nil {
		return nil, err
	}

	st.session.SetMode(mgo.Monotonic, true)
	st.session.SetSocketTimeout(socketTimeout)

	// Create collection if it does not exist
	st.db = st.session.DB(dbname)
	st.coll = st.db.C(st.collectionName)
	st.counters = st.db.C(st.collectionName + "_counters")

	// Create indices
	for _, key := range [][]string{
		{"status", "pos"},
		{"category", "pos"},
		{"pos"},
	} {
		if err := st.coll.EnsureIndexKey(key...); err != nil {
			st.session.Close()
			return nil, err
		}
	}

	return st, nil
}

// Close the MongoDB store.
func (s *Store) Close() error {
	s.session.Close()
	return nil
}

// SetCollectionName overrides the default collection name.
func SetCollectionName(collectionName string) StoreOption {
	return func(s *Store) {
		s.collectionName = collectionName
	}
}

func (s *Store) wrapError(err error) error {
	if err == mgo.ErrNotFound {
		// Map mgo.ErrNotFound to genqueue-specific "not found" error
		return genqueue.ErrNotFound
	}
	return err
}

// Start checks that the server is reachable.
func (s *Store) Start(ctx context.Context) error {
	return s.wrapError(s.session.Ping())
}

// nextPos returns the next value of the insertion counter.
func (s *Store) nextPos() (int64, error) {
	var doc struct {
		Seq int64 `bson:"seq"`
	}
	_, err := s.counters.FindId("pos").Apply(mgo.Change{
		Update:    bson.M{"$inc": bson.M{"seq": 1}},
		Upsert:    true,
		ReturnNew: true,
	}, &doc)
	if err != nil {
		return 0, err
	}
	return doc.Seq, nil
}

// Create adds a new job to the store. Creating a known job is a no-op.
func (s *Store) Create(ctx context.Context, job *genqueue.Job) error {
	pos, err := s.nextPos()
	if err != nil {
		return s.wrapError(err)
	}
	j := newJob(job)
	j.Pos = pos
	err = s.coll.Insert(j)
	if mgo.IsDup(err) {
		return nil
	}
	return s.wrapError(err)
}

// Persist records a status change of the job.
func (s *Store) Persist(ctx context.Context, id string, u genqueue.StatusUpdate) error {
	set := bson.M{
		"status":        string(u.Status),
		"slot":          u.Slot,
		"attempt_count": u.AttemptCount,
		"retries":       u.Retries,
		"updated":       u.At.UnixNano(),
	}
	if u.Category != "" {
		set["category"] = u.Category
	}
	if u.ArtifactPath != "" {
		set["artifact_path"] = u.ArtifactPath
	}
	if u.Message != "" {
		set["message"] = u.Message
	}
	return s.wrapError(s.coll.UpdateId(id, bson.M{"$set": set}))
}

// LoadPending returns the jobs waiting in the queue, in insertion order.
func (s *Store) LoadPending(ctx context.Context) ([]*genqueue.Job, error) {
	return s.find(bson.M{"status": bson.M{"$in": []string{
		string(genqueue.Pending),
		string(genqueue.LimitReached),
	}}}, 0, 0)
}

// ListActive returns the jobs bound to a slot.
func (s *Store) ListActive(ctx context.Context) ([]*genqueue.Job, error) {
	var statuses []string
	for _, status := range genqueue.ActiveStatuses {
		statuses = append(statuses, string(status))
	}
	return s.find(bson.M{"status": bson.M{"$in": statuses}}, 0, 0)
}

// Lookup retrieves a single job in the store by its identifier.
func (s *Store) Lookup(ctx context.Context, id string) (*genqueue.Job, error) {
	var j Job
	err := s.coll.FindId(id).One(&j)
	if err != nil {
		return nil, s.wrapError(err)
	}
	return j.ToJob(), nil
}

// List returns a list of all jobs stored in the data store.
func (s *Store) List(ctx context.Context, request *genqueue.ListRequest) (*genqueue.ListResponse, error) {
	rsp := &genqueue.ListResponse{}

	// Common filters for both Count and Find
	query := bson.M{}
	if request.Status != "" {
		query["status"] = string(request.Status)
	}
	if request.Category != "" {
		query["category"] = request.Category
	}

	// Count
	count, err := s.coll.Find(query).Count()
	if err != nil {
		return nil, s.wrapError(err)
	}
	rsp.Total = count

	// Find
	rsp.Jobs, err = s.find(query, request.Offset, request.Limit)
	if err != nil {
		return nil, err
	}
	return rsp, nil
}

func (s *Store) find(query bson.M, offset, limit int) ([]*genqueue.Job, error) {
	var list []*Job
	err := s.coll.Find(query).Sort("pos").Skip(offset).Limit(limit).All(&list)
	if err != nil {
		return nil, s.wrapError(err)
	}
	jobs := make([]*genqueue.Job, 0, len(list))
	for _, j := range list {
		jobs = append(jobs, j.ToJob())
	}
	return jobs, nil
}

// Stats returns statistics about the jobs in the store.
func (s *Store) Stats(ctx context.Context) (*genqueue.Stats, error) {
	var groups []struct {
		Status string `bson:"_id"`
		Count  int    `bson:"count"`
	}
	err := s.coll.Pipe([]bson.M{
		{"$group": bson.M{"_id": "$status", "count": bson.M{"$sum": 1}}},
	}).All(&groups)
	if err != nil {
		return nil, s.wrapError(err)
	}
	stats := &genqueue.Stats{}
	for _, g := range groups {
		stats.Add(genqueue.Status(g.Status), g.Count)
	}
	return stats, nil
}

// -- MongoDB-internal representation of a job --

// Job is the document stored per job.
type Job struct {
	ID           string `bson:"_id"`
	Pos          int64  `bson:"pos"`
	Prompt       string `bson:"prompt"`
	Category     string `bson:"category"`
	Status       string `bson:"status"`
	Slot         int    `bson:"slot"`
	AttemptCount int    `bson:"attempt_count"`
	Retries      int    `bson:"retries"`
	ArtifactPath string `bson:"artifact_path"`
	Message      string `bson:"message"`
	Created      int64  `bson:"created"`
	Updated      int64  `bson:"updated"`
}

func newJob(job *genqueue.Job) *Job {
	return &Job{
		ID:           job.ID,
		Prompt:       job.Prompt,
		Category:     job.Category,
		Status:       string(job.Status),
		Slot:         job.Slot,
		AttemptCount: job.AttemptCount,
		Retries:      job.Retries,
		ArtifactPath: job.ArtifactPath,
		Message:      job.LastStatusMessage,
		Created:      job.CreatedAt.UnixNano(),
		Updated:      job.LastEventAt.UnixNano(),
	}
}

// ToJob converts the document to a genqueue.Job.
func (j *Job) ToJob() *genqueue.Job {
	return &genqueue.Job{
		ID:                j.ID,
		Prompt:            j.Prompt,
		Category:          j.Category,
		Status:            genqueue.Status(j.Status),
		Slot:              j.Slot,
		AttemptCount:      j.AttemptCount,
		Retries:           j.Retries,
		ArtifactPath:      j.ArtifactPath,
		LastStatusMessage: j.Message,
		CreatedAt:         time.Unix(0, j.Created),
		LastEventAt:       time.Unix(0, j.Updated),
	}
}
