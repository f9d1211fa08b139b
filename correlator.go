// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package genqueue

import (
	"strings"
	"time"
	"unicode/utf8"
)

const (
	// echoConfidence is the score of a message that repeats the prompt.
	echoConfidence = 0.9

	// minEchoLen is the minimum length, in runes, of an extracted prompt
	// that is matched by containment in the job's prompt.
	minEchoLen = 10

	// prefixBonus is added when the prompt and the message start alike.
	prefixBonus = 0.1
)

// DefaultThresholds are the minimum scores, per kind of message, a job
// must exceed to be attributed a message. Errors use the lowest bar:
// missing an error costs a full wait budget.
var DefaultThresholds = map[EventKind]float64{
	KindStarted: 0.5,
	KindResult:  0.4,
	KindError:   0.3,
	KindLimit:   0.3,
}

// InboundEvent is a message received from the agent.
type InboundEvent struct {
	Text        string
	HasMedia    bool
	MediaHandle string
	ArrivalTime time.Time
}

// Candidate is an outstanding job as seen by the Correlator.
type Candidate struct {
	JobID    string
	Prompt   string
	Category string
	Status   Status
	Seq      int // submission order, lower is older
}

// Correlation is the attribution of an InboundEvent.
type Correlation struct {
	Kind       EventKind
	JobID      string  // empty if the event could not be attributed
	Confidence float64 // score of the attributed job
	Fallback   bool    // attributed to the only outstanding candidate
	Unknown    bool    // an unattributed result, kept in the unknown bucket
}

// Matched reports whether the event was attributed to a job.
func (c Correlation) Matched() bool { return c.JobID != "" }

// Correlator attributes messages without request identifiers to the
// outstanding job that caused them, by comparing texts. It keeps no state
// between calls: the same candidates and event always give the same result.
type Correlator struct {
	reg        *Registry
	thresholds map[EventKind]float64
}

// NewCorrelator creates a correlator using the markers and stop words of
// reg and DefaultThresholds.
func NewCorrelator(reg *Registry) *Correlator {
	th := make(map[EventKind]float64, len(DefaultThresholds))
	for k, v := range DefaultThresholds {
		th[k] = v
	}
	return &Correlator{reg: reg, thresholds: th}
}

// Registry returns the registry used by the correlator.
func (c *Correlator) Registry() *Registry { return c.reg }

// Threshold returns the minimum score for events of kind.
func (c *Correlator) Threshold(kind EventKind) float64 {
	if th, found := c.thresholds[kind]; found {
		return th
	}
	return 1.0
}

// Correlate attributes ev, classified as kind, to one of candidates.
//
// The candidate with the highest score wins if it exceeds the threshold of
// kind. Equal scores go to the older submission. Otherwise a limit notice
// naming a category goes to the only candidate of that category, and any
// event goes to the only candidate if there is exactly one. A result that
// is still unattributed is marked Unknown so that its artifact is kept.
func (c *Correlator) Correlate(kind EventKind, ev InboundEvent, candidates []Candidate) Correlation {
	res := Correlation{Kind: kind}

	var best *Candidate
	bestScore := -1.0
	for i := range candidates {
		cand := &candidates[i]
		score := c.Score(cand.Prompt, ev.Text)
		if best == nil || score > bestScore || (score == bestScore && older(cand, best)) {
			best, bestScore = cand, score
		}
	}
	if best != nil && bestScore > c.Threshold(kind) {
		res.JobID, res.Confidence = best.JobID, bestScore
		return res
	}

	if kind == KindLimit {
		if category, ok := c.reg.DetectCategory(ev.Text); ok {
			var only *Candidate
			n := 0
			for i := range candidates {
				if candidates[i].Category == category {
					only = &candidates[i]
					n++
				}
			}
			if n == 1 {
				res.JobID, res.Confidence, res.Fallback = only.JobID, c.Score(only.Prompt, ev.Text), true
				return res
			}
		}
	}

	if len(candidates) == 1 {
		res.JobID, res.Confidence, res.Fallback = best.JobID, bestScore, true
		return res
	}

	if kind == KindResult {
		res.Unknown = true
	}
	return res
}

func older(a, b *Candidate) bool {
	if a.Seq != b.Seq {
		return a.Seq < b.Seq
	}
	return a.JobID < b.JobID
}

// Score returns how likely it is that text refers to prompt, in [0,1].
//
// A text containing the prompt, or a prompt containing the prompt echoed
// in the text, scores echoConfidence. Otherwise the score blends the
// sequence similarity of the prompt and the echoed text (40%) with the
// distinct significant words shared with the text over the number of
// significant words in the prompt (60%), plus
// prefixBonus if at least two of the prompt's first three significant
// words are among the text's first five.
func (c *Correlator) Score(prompt, text string) float64 {
	p := strings.ToLower(strings.TrimSpace(prompt))
	t := strings.ToLower(strings.TrimSpace(text))
	if p == "" || t == "" {
		return 0
	}
	if strings.Contains(t, p) {
		return echoConfidence
	}
	extracted, echoed := c.reg.ExtractPrompt(t)
	if echoed && utf8.RuneCountInString(extracted) >= minEchoLen && strings.Contains(p, extracted) {
		return echoConfidence
	}

	ratio := SequenceRatio(p, extracted)
	pw := c.reg.significantWords(p)
	tw := c.reg.significantWords(t)
	if len(pw) == 0 || len(tw) == 0 {
		return ratio
	}

	inText := make(map[string]bool, len(tw))
	for _, w := range tw {
		inText[w] = true
	}
	common := make(map[string]bool)
	for _, w := range pw {
		if inText[w] {
			common[w] = true
		}
	}
	// Repeated prompt words count once in the numerator, each time in the denominator.
	score := 0.4*ratio + 0.6*float64(len(common))/float64(len(pw))

	if len(pw) >= 3 && len(tw) >= 3 {
		head := tw
		if len(head) > 5 {
			head = head[:5]
		}
		inHead := make(map[string]bool, len(head))
		for _, w := range head {
			inHead[w] = true
		}
		hits := make(map[string]bool)
		for _, w := range pw[:3] {
			if inHead[w] {
				hits[w] = true
			}
		}
		if len(hits) >= 2 {
			score += prefixBonus
		}
	}
	if score > 1.0 {
		score = 1.0
	}
	return score
}
