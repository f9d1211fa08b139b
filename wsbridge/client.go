// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

// Package wsbridge implements genqueue.Transport for a chat bridge that
// exchanges JSON frames over a WebSocket and serves media over HTTP.
//
// Outbound frames look like {"type":"send","to":"@bot","text":"..."};
// inbound messages like {"type":"message","from":"@bot","text":"...",
// "media":"<handle>","at":"<RFC 3339 time>"}. Media is fetched from
// <media URL>/<handle>.
package wsbridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"

	"github.com/olivere/genqueue"
)

// ErrNotConnected is returned by Send while the bridge is unreachable.
var ErrNotConnected = errors.New("wsbridge: not connected")

var errClosed = errors.New("wsbridge: client closed")

const writeWait = 10 * time.Second

// Frame is a message exchanged with the bridge.
type Frame struct {
	Type  string    `json:"type"`
	To    string    `json:"to,omitempty"`
	From  string    `json:"from,omitempty"`
	Text  string    `json:"text,omitempty"`
	Media string    `json:"media,omitempty"`
	At    time.Time `json:"at,omitempty"`
}

// Client is a connection to the chat bridge.
// It implements the genqueue.Transport interface.
type Client struct {
	url        string
	mediaURL   string
	dialer     *websocket.Dialer
	httpClient *http.Client
	logger     genqueue.Logger
	peer       string

	wmu       sync.Mutex // serializes writes
	mu        sync.Mutex // guards the following block
	conn      *websocket.Conn
	closed    chan struct{}
	closeOnce sync.Once

	hmu      sync.RWMutex
	handlers []func(genqueue.InboundEvent)
}

// Option configures a Client.
type Option func(*Client)

// SetMediaURL specifies the base URL of media downloads.
func SetMediaURL(u string) Option {
	return func(c *Client) {
		c.mediaURL = strings.TrimSuffix(u, "/")
	}
}

// SetHTTPClient specifies the client used for media downloads.
func SetHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// SetPeer restricts inbound messages to those from peer, e.g. "@bot".
// Messages of all chats are accepted if peer is empty.
func SetPeer(peer string) Option {
	return func(c *Client) {
		c.peer = peer
	}
}

// SetLogger specifies the logger to use.
func SetLogger(logger genqueue.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// Dial connects to the bridge at the WebSocket URL u.
func Dial(ctx context.Context, u string, options ...Option) (*Client, error) {
	c := &Client{
		url:        u,
		dialer:     websocket.DefaultDialer,
		httpClient: http.DefaultClient,
		logger:     log.New(os.Stderr, "", log.LstdFlags),
		closed:     make(chan struct{}),
	}
	for _, opt := range options {
		opt(c)
	}
	if c.mediaURL == "" {
		mu, err := defaultMediaURL(u)
		if err != nil {
			return nil, err
		}
		c.mediaURL = mu
	}
	if err := c.connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// defaultMediaURL maps ws://host/path to http://host/media.
func defaultMediaURL(u string) (string, error) {
	uri, err := url.Parse(u)
	if err != nil {
		return "", err
	}
	switch uri.Scheme {
	case "ws":
		uri.Scheme = "http"
	case "wss":
		uri.Scheme = "https"
	default:
		return "", fmt.Errorf("wsbridge: unsupported scheme %q", uri.Scheme)
	}
	uri.Path = "/media"
	uri.RawQuery = ""
	return uri.String(), nil
}

func (c *Client) connect(ctx context.Context) error {
	if c.isClosed() {
		return errClosed
	}
	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.isClosed() {
		conn.Close()
		return errClosed
	}
	c.conn = conn
	return nil
}

func (c *Client) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *Client) current() *websocket.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// Close closes the connection. Run returns once it is closed, and the
// client does not reconnect afterwards.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closeOnce.Do(func() { close(c.closed) })
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	c.wmu.Lock()
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	c.wmu.Unlock()
	return conn.Close()
}

// Run reads messages from the bridge and passes them to the handlers until
// ctx is done or the client is closed. A lost connection is re-established
// with exponential backoff.
func (c *Client) Run(ctx context.Context) error {
	go func() {
		select {
		case <-ctx.Done():
			c.Close()
		case <-c.closed:
		}
	}()
	for {
		conn := c.current()
		if conn == nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return nil
		}
		err := c.read(conn)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if c.isClosed() {
			return nil
		}
		c.logger.Printf("wsbridge: connection lost: %v", err)
		conn.Close()

		b := backoff.NewExponentialBackOff()
		b.MaxElapsedTime = 0
		err = backoff.RetryNotify(func() error {
			if err := c.connect(ctx); err == errClosed {
				return backoff.Permanent(err)
			} else if err != nil {
				return err
			}
			return nil
		}, backoff.WithContext(b, ctx), func(err error, d time.Duration) {
			c.logger.Printf("wsbridge: reconnect failed, retrying in %v: %v", d, err)
		})
		if err == errClosed {
			return nil
		}
		if err != nil {
			return err
		}
		c.logger.Printf("wsbridge: reconnected to %s", c.url)
	}
}

func (c *Client) read(conn *websocket.Conn) error {
	for {
		var f Frame
		if err := conn.ReadJSON(&f); err != nil {
			return err
		}
		if f.Type != "message" {
			continue
		}
		if c.peer != "" && !strings.EqualFold(f.From, c.peer) {
			continue
		}
		ev := genqueue.InboundEvent{
			Text:        f.Text,
			HasMedia:    f.Media != "",
			MediaHandle: f.Media,
			ArrivalTime: f.At,
		}
		if ev.ArrivalTime.IsZero() {
			ev.ArrivalTime = time.Now()
		}
		c.hmu.RLock()
		handlers := c.handlers
		c.hmu.RUnlock()
		for _, h := range handlers {
			h(ev)
		}
	}
}

// OnInboundEvent registers handler for every message of the bridge.
func (c *Client) OnInboundEvent(handler func(genqueue.InboundEvent)) {
	c.hmu.Lock()
	c.handlers = append(c.handlers, handler)
	c.hmu.Unlock()
}

// Send delivers text to recipient.
func (c *Client) Send(ctx context.Context, recipient, text string) error {
	conn := c.current()
	if conn == nil {
		return ErrNotConnected
	}
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	conn.SetWriteDeadline(deadline)
	return conn.WriteJSON(&Frame{Type: "send", To: recipient, Text: text})
}

// DownloadMedia fetches the media with the given handle and writes it to
// path, creating directories as needed.
func (c *Client) DownloadMedia(ctx context.Context, handle, path string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.mediaURL+"/"+url.PathEscape(handle), nil)
	if err != nil {
		return 0, err
	}
	res, err := c.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("wsbridge: download %s: %s", handle, res.Status)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, err
	}
	f, err := os.Create(path)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(f, res.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return 0, err
	}
	return n, nil
}
