// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

// Package server is the operator surface of a genqueue run: it streams
// job transitions and queue statistics over a WebSocket and accepts
// lookup, skip and abort requests.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/olivere/genqueue"
)

// Manager is the part of *genqueue.Manager the server drives.
type Manager interface {
	Lookup(ctx context.Context, id string) (*genqueue.Job, error)
	Skip(ctx context.Context, id string) error
	Abort()
	Stats(ctx context.Context) (*genqueue.Stats, error)
	Active() []*genqueue.Job
}

// Server is a simple web server with a WebSocket backend.
type Server struct {
	h         *hub
	interval  time.Duration
	publicDir string
}

// Option configures a Server.
type Option func(*Server)

// SetInterval specifies how often the state is broadcast.
func SetInterval(d time.Duration) Option {
	return func(srv *Server) {
		srv.interval = d
	}
}

// SetPublicDir specifies the directory of the static web client.
func SetPublicDir(dir string) Option {
	return func(srv *Server) {
		srv.publicDir = dir
	}
}

// New initializes a new Server.
func New(options ...Option) *Server {
	srv := &Server{
		h:         newHub(),
		interval:  1 * time.Second,
		publicDir: "public",
	}
	for _, opt := range options {
		opt(srv)
	}
	return srv
}

// Notify broadcasts a transition to all connections. Use it as the
// manager's observer.
func (srv *Server) Notify(t genqueue.Transition) {
	payload, err := json.Marshal(&TransitionMessage{Type: "TRANSITION", Transition: t})
	if err != nil {
		log.Printf("ui: %v", err)
		return
	}
	srv.h.publish(payload)
}

// Handler returns the mux serving the web client and the WebSocket at /ws.
func (srv *Server) Handler(m Manager) http.Handler {
	r := http.NewServeMux()
	r.Handle("/ws", wsserver{h: srv.h, m: m})
	r.Handle("/", http.FileServer(http.Dir(srv.publicDir)))
	return r
}

// Run runs the websocket hub and broadcasts the state of m until ctx is done.
func (srv *Server) Run(ctx context.Context, m Manager) error {
	go srv.h.run(ctx) // run websocket hub
	srv.watch(ctx, m)
	<-srv.h.done
	return nil
}

// Serve starts the web server at the given address and runs until ctx is done.
func (srv *Server) Serve(ctx context.Context, addr string, m Manager) error {
	hs := &http.Server{Addr: addr, Handler: srv.Handler(m)}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(ctx, m)
	})
	g.Go(func() error {
		err := hs.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return hs.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// State is the current state of the job queue.
type State struct {
	Type   string          `json:"type"`
	Stats  *genqueue.Stats `json:"stats,omitempty"`
	Active []*genqueue.Job `json:"active,omitempty"`
}

// TransitionMessage carries a single status change of a job.
type TransitionMessage struct {
	Type       string              `json:"type"`
	Transition genqueue.Transition `json:"transition"`
}

func (srv *Server) watch(ctx context.Context, m Manager) {
	t := time.NewTicker(srv.interval)
	defer t.Stop()

	for {
		select {
		case <-t.C:
			newState := &State{Type: "SET_STATE", Active: m.Active()}
			stats, err := m.Stats(ctx)
			if err != nil {
				log.Printf("ui: %v", err)
				continue
			}
			newState.Stats = stats
			payload, err := json.Marshal(newState)
			if err != nil {
				log.Printf("ui: %v", err)
				continue
			}
			srv.h.publish(payload)
		case <-ctx.Done():
			return
		}
	}
}
