// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

// Package agenttest implements an in-memory agent that speaks the
// genqueue.Transport interface. Tests and simulations use it to script
// the agent's replies.
package agenttest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/olivere/genqueue"
)

// ErrSendFailed is returned by Send while failures are scheduled.
var ErrSendFailed = errors.New("agenttest: send failed")

// Message is a text sent to the agent.
type Message struct {
	Recipient string
	Text      string
	At        time.Time
}

// Submission is a complete prompt received by the agent: the command,
// the category label and the prompt text.
type Submission struct {
	Recipient string
	Category  string
	Label     string
	Prompt    string
	At        time.Time
}

// Agent is a scripted fake of the generation agent. It is safe for
// concurrent use.
type Agent struct {
	reg         *genqueue.Registry
	submissions chan Submission
	responder   func(*Agent, Submission)

	emitMu sync.Mutex // serializes delivery to the handlers

	mu            sync.Mutex // guards the following block
	handlers      []func(genqueue.InboundEvent)
	sent          []Message
	pending       map[string][]string // partial scripts by recipient
	media         map[string][]byte
	nextMedia     int
	failSends     int
	failDownloads int
}

// Option configures an Agent.
type Option func(*Agent)

// WithRegistry specifies the markers used to recognize submissions.
func WithRegistry(reg *genqueue.Registry) Option {
	return func(a *Agent) {
		a.reg = reg
	}
}

// WithResponder specifies a function that is called, in its own
// goroutine, for every submission.
func WithResponder(fn func(*Agent, Submission)) Option {
	return func(a *Agent) {
		a.responder = fn
	}
}

// New creates a new agent.
func New(options ...Option) *Agent {
	a := &Agent{
		reg:         genqueue.DefaultRegistry(),
		submissions: make(chan Submission, 64),
		pending:     make(map[string][]string),
		media:       make(map[string][]byte),
	}
	for _, opt := range options {
		opt(a)
	}
	return a
}

// Send implements genqueue.Transport.
func (a *Agent) Send(ctx context.Context, recipient, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.mu.Lock()
	if a.failSends > 0 {
		a.failSends--
		a.mu.Unlock()
		return ErrSendFailed
	}
	now := time.Now()
	a.sent = append(a.sent, Message{Recipient: recipient, Text: text, At: now})

	var sub *Submission
	script := a.pending[recipient]
	switch {
	case text == a.reg.Command:
		script = []string{text}
	case len(script) == 1:
		script = append(script, text)
	case len(script) == 2:
		sub = &Submission{
			Recipient: recipient,
			Label:     script[1],
			Category:  a.category(script[1]),
			Prompt:    text,
			At:        now,
		}
		script = nil
	}
	a.pending[recipient] = script
	a.mu.Unlock()

	if sub != nil {
		select {
		case a.submissions <- *sub:
		default:
		}
		if a.responder != nil {
			go a.responder(a, *sub)
		}
	}
	return nil
}

func (a *Agent) category(label string) string {
	for _, c := range a.reg.Categories {
		if c.Label == label || c.Name == label {
			return c.Name
		}
	}
	return label
}

// OnInboundEvent implements genqueue.Transport.
func (a *Agent) OnInboundEvent(handler func(genqueue.InboundEvent)) {
	a.mu.Lock()
	a.handlers = append(a.handlers, handler)
	a.mu.Unlock()
}

// DownloadMedia implements genqueue.Transport. It writes the content of a
// result emitted via EmitResult to path.
func (a *Agent) DownloadMedia(ctx context.Context, handle, path string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	a.mu.Lock()
	if a.failDownloads > 0 {
		a.failDownloads--
		a.mu.Unlock()
		return 0, fmt.Errorf("agenttest: download of %s failed", handle)
	}
	content, found := a.media[handle]
	a.mu.Unlock()
	if !found {
		return 0, fmt.Errorf("agenttest: no media %q", handle)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, err
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return 0, err
	}
	return int64(len(content)), nil
}

// Emit delivers a text message to the registered handlers. Messages
// emitted one after another are delivered in that order.
func (a *Agent) Emit(text string) {
	a.deliver(genqueue.InboundEvent{Text: text, ArrivalTime: time.Now()})
}

// EmitResult delivers a message carrying media with the given caption.
// It returns the media handle.
func (a *Agent) EmitResult(caption string, content []byte) string {
	a.mu.Lock()
	a.nextMedia++
	handle := fmt.Sprintf("media-%d", a.nextMedia)
	a.media[handle] = content
	a.mu.Unlock()
	a.deliver(genqueue.InboundEvent{
		Text:        caption,
		HasMedia:    true,
		MediaHandle: handle,
		ArrivalTime: time.Now(),
	})
	return handle
}

func (a *Agent) deliver(ev genqueue.InboundEvent) {
	a.emitMu.Lock()
	defer a.emitMu.Unlock()
	a.mu.Lock()
	handlers := append([]func(genqueue.InboundEvent){}, a.handlers...)
	a.mu.Unlock()
	for _, h := range handlers {
		h(ev)
	}
}

// FailSends makes the next n calls to Send fail.
func (a *Agent) FailSends(n int) {
	a.mu.Lock()
	a.failSends = n
	a.mu.Unlock()
}

// FailDownloads makes the next n calls to DownloadMedia fail.
func (a *Agent) FailDownloads(n int) {
	a.mu.Lock()
	a.failDownloads = n
	a.mu.Unlock()
}

// Sent returns the messages sent to the agent so far.
func (a *Agent) Sent() []Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Message(nil), a.sent...)
}

// Submissions returns the complete prompts received by the agent.
func (a *Agent) Submissions() <-chan Submission {
	return a.submissions
}

// NextSubmission waits up to timeout for the next submission.
func (a *Agent) NextSubmission(timeout time.Duration) (Submission, error) {
	select {
	case sub := <-a.submissions:
		return sub, nil
	case <-time.After(timeout):
		return Submission{}, errors.New("agenttest: no submission")
	}
}
