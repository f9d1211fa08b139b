// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/olivere/genqueue"
)

// consolePolicy asks the operator what to do with a failed job.
type consolePolicy struct {
	out   io.Writer
	lines chan string

	mu sync.Mutex // one question at a time
}

func newConsolePolicy(in io.Reader, out io.Writer) *consolePolicy {
	p := &consolePolicy{out: out, lines: make(chan string)}
	go func() {
		defer close(p.lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			p.lines <- strings.TrimSpace(sc.Text())
		}
	}()
	return p
}

// Decide implements genqueue.RetryPolicy. It aborts the run when ctx is
// done or the input is closed.
func (p *consolePolicy) Decide(ctx context.Context, job *genqueue.Job, err error) genqueue.Decision {
	p.mu.Lock()
	defer p.mu.Unlock()

	fmt.Fprintf(p.out, "\nJob %s failed: %v\n", job.ID, err)
	fmt.Fprintf(p.out, "Prompt: %s\n", job.Prompt)
	for {
		fmt.Fprint(p.out, "1 = retry, 2 = skip, 3 = abort: ")
		select {
		case <-ctx.Done():
			return genqueue.Abort
		case line, ok := <-p.lines:
			if !ok {
				return genqueue.Abort
			}
			switch line {
			case "1":
				return genqueue.Retry
			case "2":
				return genqueue.Skip
			case "3":
				return genqueue.Abort
			}
			fmt.Fprintf(p.out, "Invalid choice %q\n", line)
		}
	}
}
