// Portions of this code are:
// Copyright 2013 The Gorilla WebSocket Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package server

import "context"

// hub maintains the set of active connections and broadcasts messages to
// the connections.
type hub struct {
	// Registered connections.
	connections map[*connection]bool

	// Inbound messages for all connections.
	broadcast chan []byte

	// Register requests from the connections.
	register chan *connection

	// Unregister requests from connections.
	unregister chan *connection

	// Replies to a single connection.
	direct chan directMessage

	// Closed when run returns.
	done chan struct{}
}

func newHub() *hub {
	return &hub{
		connections: make(map[*connection]bool),
		broadcast:   make(chan []byte, 256),
		register:    make(chan *connection),
		unregister:  make(chan *connection),
		direct:      make(chan directMessage),
		done:        make(chan struct{}),
	}
}

// directMessage is a message for a single connection.
type directMessage struct {
	c       *connection
	payload []byte
}

func (h *hub) run(ctx context.Context) {
	defer func() {
		for c := range h.connections {
			delete(h.connections, c)
			close(c.send)
		}
		close(h.done)
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case c := <-h.register:
			h.connections[c] = true
		case c := <-h.unregister:
			if _, ok := h.connections[c]; ok {
				delete(h.connections, c)
				close(c.send)
			}
		case r := <-h.direct:
			if _, ok := h.connections[r.c]; ok {
				h.deliver(r.c, r.payload)
			}
		case m := <-h.broadcast:
			for c := range h.connections {
				h.deliver(c, m)
			}
		}
	}
}

func (h *hub) deliver(c *connection, m []byte) {
	select {
	case c.send <- m:
	default:
		// Slow reader
		close(c.send)
		delete(h.connections, c)
	}
}

// publish queues payload for all connections. It drops payload when the
// hub is backed up or not running.
func (h *hub) publish(payload []byte) bool {
	select {
	case h.broadcast <- payload:
		return true
	default:
		return false
	}
}
