// Portions of this code are:
// Copyright 2013 The Gorilla WebSocket Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/olivere/genqueue"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512

	// Time allowed to answer a request.
	requestTimeout = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Request is a message from the operator.
type Request struct {
	Type string `json:"type"` // JOB_LOOKUP, JOB_SKIP or ABORT
	ID   string `json:"id,omitempty"`
}

// Reply answers a Request.
type Reply struct {
	Type    string        `json:"type"`
	ID      string        `json:"id,omitempty"`
	Message string        `json:"message,omitempty"`
	Job     *genqueue.Job `json:"job,omitempty"`
}

// connection is an middleman between the websocket connection and the hub.
type connection struct {
	id string
	// The websocket connection.
	ws *websocket.Conn
	// Buffered channel of outbound messages.
	send chan []byte
	h    *hub
	m    Manager
}

// readPump pumps requests from the websocket connection to the manager.
func (c *connection) readPump() {
	defer func() {
		select {
		case c.h.unregister <- c:
		case <-c.h.done:
		}
		c.ws.Close()
	}()
	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error { c.ws.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		var req Request
		err := c.ws.ReadJSON(&req)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway) {
				log.Printf("ui: conn=%s: %v", c.id, err)
			}
			break
		}
		payload, err := json.Marshal(c.handle(req))
		if err != nil {
			log.Printf("ui: conn=%s: %v", c.id, err)
			continue
		}
		select {
		case c.h.direct <- directMessage{c: c, payload: payload}:
		case <-c.h.done:
			return
		}
	}
}

func (c *connection) handle(req Request) *Reply {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	rsp := &Reply{Type: req.Type, ID: req.ID}
	switch req.Type {
	case "JOB_LOOKUP":
		job, err := c.m.Lookup(ctx, req.ID)
		switch {
		case errors.Is(err, genqueue.ErrNotFound):
			rsp.Message = "Job cannot be found"
		case err != nil:
			rsp.Message = err.Error()
		default:
			rsp.Job = job
		}
	case "JOB_SKIP":
		log.Printf("ui: conn=%s: skip job %s", c.id, req.ID)
		err := c.m.Skip(ctx, req.ID)
		switch {
		case errors.Is(err, genqueue.ErrNotFound):
			rsp.Message = "Job cannot be found"
		case err != nil:
			rsp.Message = err.Error()
		default:
			rsp.Message = "Job skipped"
		}
	case "ABORT":
		log.Printf("ui: conn=%s: abort run", c.id)
		c.m.Abort()
		rsp.Message = "Run aborted"
	default:
		rsp.Type = "ERROR"
		rsp.Message = "Unknown request " + req.Type
	}
	return rsp
}

// write writes a message with the given message type and payload.
func (c *connection) write(mt int, payload []byte) error {
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(mt, payload)
}

// writePump pumps messages from the hub to the websocket connection.
func (c *connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				c.write(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.write(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, []byte{}); err != nil {
				return
			}
		}
	}
}

type wsserver struct {
	h *hub
	m Manager
}

// ServeHTTP handles websocket requests from the peer.
func (srv wsserver) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ui: %v", err)
		return
	}
	c := &connection{
		id:   uuid.NewString(),
		send: make(chan []byte, 256),
		ws:   ws,
		h:    srv.h,
		m:    srv.m,
	}
	hello, _ := json.Marshal(Reply{Type: "HELLO", ID: c.id})
	c.send <- hello
	select {
	case srv.h.register <- c:
	case <-srv.h.done:
		ws.Close()
		return
	}
	log.Printf("ui: conn=%s: connected from %s", c.id, r.RemoteAddr)
	go c.writePump()
	c.readPump()
}
