// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package genqueue

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// work drives a single job from submission to an outcome. It returns the
// error that made the job fail, if any.
func (m *Manager) work(ctx context.Context, mc *machine) error {
	job := mc.snapshot()

	for _, text := range m.reg.Script(job) {
		if err := m.send(ctx, text); err != nil {
			if ctx.Err() != nil {
				return m.cancelled(ctx, mc)
			}
			err = &TransportError{Op: "send", Err: err}
			m.move(ctx, mc, Error, err.Error())
			return err
		}
	}
	if err := m.move(ctx, mc, PromptSent, ""); err != nil {
		return err
	}

	confirm := time.NewTimer(m.confirmTimeout)
	defer confirm.Stop()
	for acknowledged := false; !acknowledged; {
		select {
		case sig := <-mc.signals:
			switch sig.kind {
			case KindStarted:
				if err := m.move(ctx, mc, GenerationStarted, sig.ev.Text); err != nil {
					return err
				}
				acknowledged = true
			case KindResult:
				if err := m.move(ctx, mc, WaitingResult, ""); err != nil {
					return err
				}
				return m.complete(ctx, mc, sig)
			default:
				if done, err := m.react(ctx, mc, sig); done {
					return err
				}
			}
		case <-confirm.C:
			m.logger.Printf("genqueue: job=%s no acknowledgment within %v, waiting for result", job.ID, m.confirmTimeout)
			acknowledged = true
		case <-ctx.Done():
			return m.cancelled(ctx, mc)
		}
	}

	if err := m.move(ctx, mc, WaitingResult, ""); err != nil {
		return err
	}
	wait := time.NewTimer(m.waitTimeout)
	defer wait.Stop()
	for {
		select {
		case sig := <-mc.signals:
			switch sig.kind {
			case KindResult:
				return m.complete(ctx, mc, sig)
			case KindStarted:
				m.logger.Printf("genqueue: job=%s still generating", job.ID)
			default:
				if done, err := m.react(ctx, mc, sig); done {
					return err
				}
			}
		case <-wait.C:
			m.move(ctx, mc, Timeout, fmt.Sprintf("no result within %v", m.waitTimeout))
			return ErrResultTimeout
		case <-ctx.Done():
			return m.cancelled(ctx, mc)
		}
	}
}

// react handles limit and error notices. It reports whether the job
// reached an outcome.
func (m *Manager) react(ctx context.Context, mc *machine, sig signal) (bool, error) {
	switch sig.kind {
	case KindLimit:
		return true, m.move(ctx, mc, LimitReached, sig.ev.Text)
	case KindError:
		err := fmt.Errorf("genqueue: agent reported an error: %s", shorten(sig.ev.Text, 50))
		if merr := m.move(ctx, mc, Error, sig.ev.Text); merr != nil {
			return true, merr
		}
		return true, err
	}
	return false, nil
}

// send delivers text to the agent, trying up to the configured number of
// attempts.
func (m *Manager) send(ctx context.Context, text string) error {
	var err error
	for attempt := 0; attempt < m.sendAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(m.backoff(attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		// A send in flight completes even if the job is skipped or the run
		// aborted; only its result is dropped.
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.sendTimeout)
		err = m.tr.Send(sctx, m.recipient, text)
		cancel()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err == nil {
			return nil
		}
		m.logger.Printf("genqueue: send attempt %d of %d failed: %v", attempt+1, m.sendAttempts, err)
	}
	return err
}

// complete downloads the result of a job and marks it as completed.
func (m *Manager) complete(ctx context.Context, mc *machine, sig signal) error {
	job := mc.snapshot()
	path := ArtifactPath(m.downloadDir, job.ID, job.Category, sig.ev.ArrivalTime)
	err := retry(ctx, m.sendAttempts, time.Minute, func() error {
		if _, err := m.tr.DownloadMedia(ctx, sig.ev.MediaHandle, path); err != nil {
			return err
		}
		return checkArtifact(path)
	})
	if err != nil {
		if ctx.Err() != nil {
			return m.cancelled(ctx, mc)
		}
		err = &TransportError{Op: "download", Err: err}
		m.move(ctx, mc, Error, err.Error())
		return err
	}
	mc.setArtifact(path)
	return m.move(ctx, mc, Completed, sig.ev.Text)
}

// cancelled ends a job whose context is done: skipped by the operator, or
// back to pending when the whole run stops.
func (m *Manager) cancelled(ctx context.Context, mc *machine) error {
	cause := context.Cause(ctx)
	if errors.Is(cause, ErrSkipped) {
		m.move(ctx, mc, Skipped, "skipped by operator")
		return ErrSkipped
	}
	m.move(ctx, mc, Pending, "run aborted")
	return cause
}
