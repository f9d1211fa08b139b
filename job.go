// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package genqueue

import (
	"crypto/md5"
	"encoding/hex"
	"strings"
	"time"
)

// Status is the state of a job.
type Status string

const (
	// Pending jobs wait in the queue.
	Pending Status = "pending"
	// Queued jobs hold a slot and a category reservation.
	Queued Status = "queued"
	// PromptSent is the state after the prompt has been handed to the transport.
	PromptSent Status = "prompt_sent"
	// GenerationStarted is the state after the agent acknowledged the prompt.
	GenerationStarted Status = "generation_started"
	// WaitingResult jobs wait for the agent to deliver the artifact.
	WaitingResult Status = "waiting_result"
	// Completed jobs have their artifact on disk.
	Completed Status = "completed"
	// Error is the state for jobs the agent or the transport failed.
	Error Status = "error"
	// Timeout is the state for jobs whose result did not arrive in time.
	Timeout Status = "timeout"
	// LimitReached is the state for jobs rejected by the agent's category limit.
	LimitReached Status = "limit_reached"
	// Skipped jobs were abandoned by the operator.
	Skipped Status = "skipped"
)

// transitions lists the allowed successors of every status.
//
// Moves from a terminal status back to Pending start a new instance of the
// same job (requeue). Moves from an active status back to Pending happen on
// abort and on startup reconciliation only.
var transitions = map[Status][]Status{
	Pending:           {Queued, Skipped},
	Queued:            {PromptSent, LimitReached, Error, Skipped, Pending},
	PromptSent:        {GenerationStarted, WaitingResult, LimitReached, Error, Skipped, Pending},
	GenerationStarted: {WaitingResult, LimitReached, Error, Skipped, Pending},
	WaitingResult:     {Completed, Timeout, LimitReached, Error, Skipped, Pending},
	LimitReached:      {Pending},
	Timeout:           {Pending, Error},
	Error:             {Pending, Skipped},
	Completed:         nil,
	Skipped:           nil,
}

// CanTransition reports whether a job in status s may move to status to.
func (s Status) CanTransition(to Status) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether s ends the current instance of a job.
func (s Status) IsTerminal() bool {
	switch s {
	case Completed, Error, Timeout, LimitReached, Skipped:
		return true
	}
	return false
}

// IsActive reports whether a job in status s is bound to a slot.
func (s Status) IsActive() bool {
	switch s {
	case Queued, PromptSent, GenerationStarted, WaitingResult:
		return true
	}
	return false
}

// IsValid reports whether s is a known status.
func (s Status) IsValid() bool {
	_, found := transitions[s]
	return found
}

// Job is a single generation request, tracked from the queue to its
// terminal outcome.
type Job struct {
	ID                string       `json:"id"`       // hash of the prompt text
	Prompt            string       `json:"prompt"`   // text sent to the agent
	Category          string       `json:"category"` // generation model
	Status            Status       `json:"status"`
	Slot              int          `json:"slot,omitempty"` // 0 if no slot is bound
	AttemptCount      int          `json:"attempts"`       // number of times the prompt was sent
	Retries           int          `json:"retries"`        // number of timeouts retried
	ArtifactPath      string       `json:"artifact,omitempty"`
	CreatedAt         time.Time    `json:"created"`
	LastEventAt       time.Time    `json:"updated"`
	LastStatusMessage string       `json:"message,omitempty"`
	History           []Transition `json:"history,omitempty"`
}

// Transition is a single status change of a job.
type Transition struct {
	JobID   string    `json:"job"`
	From    Status    `json:"from"`
	To      Status    `json:"to"`
	Slot    int       `json:"slot,omitempty"`
	Message string    `json:"message,omitempty"`
	At      time.Time `json:"at"`
}

// NewJob creates a pending job for the given prompt.
func NewJob(prompt, category string) *Job {
	prompt = strings.TrimSpace(prompt)
	now := time.Now()
	return &Job{
		ID:          JobID(prompt),
		Prompt:      prompt,
		Category:    category,
		Status:      Pending,
		CreatedAt:   now,
		LastEventAt: now,
	}
}

// JobID returns the stable identifier of a prompt: the first 8 hex digits
// of its MD5 sum.
func JobID(prompt string) string {
	sum := md5.Sum([]byte(prompt))
	return hex.EncodeToString(sum[:])[:8]
}

// Clone returns a deep copy of the job.
func (j *Job) Clone() *Job {
	c := *j
	c.History = append([]Transition(nil), j.History...)
	return &c
}

// transition moves the job to status to and records the change.
// It returns ErrInvalidTransition if the move is not allowed.
func (j *Job) transition(to Status, message string, now time.Time) (Transition, error) {
	if !j.Status.CanTransition(to) {
		return Transition{}, &TransitionError{JobID: j.ID, From: j.Status, To: to}
	}
	t := Transition{
		JobID:   j.ID,
		From:    j.Status,
		To:      to,
		Slot:    j.Slot,
		Message: message,
		At:      now,
	}
	j.Status = to
	j.LastEventAt = now
	if message != "" {
		j.LastStatusMessage = message
	}
	switch to {
	case PromptSent:
		j.AttemptCount++
	case Pending:
		j.Slot = 0
	}
	j.History = append(j.History, t)
	return t, nil
}

// update returns the store representation of the job's current state.
func (j *Job) update() StatusUpdate {
	return StatusUpdate{
		Status:       j.Status,
		Category:     j.Category,
		Slot:         j.Slot,
		AttemptCount: j.AttemptCount,
		Retries:      j.Retries,
		ArtifactPath: j.ArtifactPath,
		Message:      j.LastStatusMessage,
		At:           j.LastEventAt,
	}
}

// shorten cuts s to at most n runes, the way status messages are stored.
func shorten(s string, n int) string {
	s = strings.TrimSpace(s)
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
