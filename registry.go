// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package genqueue

import (
	"bytes"
	_ "embed"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed markers.yaml
var defaultMarkers []byte

// EventKind classifies a message of the agent.
type EventKind string

const (
	// KindIgnored is for menu chatter and unrecognized text.
	KindIgnored EventKind = "ignored"
	// KindReady is the agent asking for the next prompt.
	KindReady EventKind = "ready"
	// KindLimit is the agent refusing a job because of its category limit.
	KindLimit EventKind = "limit"
	// KindStarted is the agent acknowledging a prompt.
	KindStarted EventKind = "started"
	// KindResult is a message carrying the generated artifact.
	KindResult EventKind = "result"
	// KindError is the agent reporting a failed generation.
	KindError EventKind = "error"
)

// Registry holds the textual markers used to recognize the agent's
// messages and the categories it offers. A Registry must not be modified
// once it is in use.
type Registry struct {
	Version    string      `yaml:"version"`
	Command    string      `yaml:"command"`
	StopWords  []string    `yaml:"stopwords"`
	Extract    []string    `yaml:"extract"`
	Events     []EventRule `yaml:"events"`
	Categories []Category  `yaml:"categories"`

	extract []*regexp.Regexp
	stop    map[string]struct{}
}

// EventRule recognizes one kind of message.
type EventRule struct {
	Kind     EventKind `yaml:"kind"`
	Markers  []string  `yaml:"markers"`
	Patterns []string  `yaml:"patterns"`

	patterns []*regexp.Regexp
}

// Category is a generation model offered by the agent.
type Category struct {
	Name     string   `yaml:"name"`
	Selector int      `yaml:"selector"` // number used in configuration files
	Label    string   `yaml:"label"`    // text sent to the agent to select it
	Markers  []string `yaml:"markers"`  // lowercase words naming it in messages
}

// DefaultRegistry returns the built-in registry.
func DefaultRegistry() *Registry {
	r, err := LoadRegistry(bytes.NewReader(defaultMarkers))
	if err != nil {
		panic(fmt.Sprintf("genqueue: invalid built-in markers: %v", err))
	}
	return r
}

// LoadRegistryFile reads a registry from a YAML file.
func LoadRegistryFile(path string) (*Registry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return LoadRegistry(f)
}

// LoadRegistry reads a registry in YAML format.
func LoadRegistry(r io.Reader) (*Registry, error) {
	reg := &Registry{}
	if err := yaml.NewDecoder(r).Decode(reg); err != nil {
		return nil, fmt.Errorf("genqueue: decode markers: %w", err)
	}
	if err := reg.compile(); err != nil {
		return nil, err
	}
	return reg, nil
}

func (r *Registry) compile() error {
	r.stop = make(map[string]struct{}, len(r.StopWords))
	for _, w := range r.StopWords {
		r.stop[strings.ToLower(w)] = struct{}{}
	}
	r.extract = r.extract[:0]
	for _, p := range r.Extract {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return fmt.Errorf("genqueue: extract pattern %q: %w", p, err)
		}
		r.extract = append(r.extract, re)
	}
	for i := range r.Events {
		rule := &r.Events[i]
		switch rule.Kind {
		case KindIgnored, KindReady, KindLimit, KindStarted, KindError:
		default:
			return fmt.Errorf("genqueue: unknown event kind %q", rule.Kind)
		}
		rule.patterns = rule.patterns[:0]
		for _, p := range rule.Patterns {
			re, err := regexp.Compile("(?i)" + p)
			if err != nil {
				return fmt.Errorf("genqueue: %s pattern %q: %w", rule.Kind, p, err)
			}
			rule.patterns = append(rule.patterns, re)
		}
	}
	seen := make(map[string]bool)
	for _, c := range r.Categories {
		if c.Name == "" {
			return fmt.Errorf("genqueue: category without name")
		}
		if seen[c.Name] {
			return fmt.Errorf("genqueue: duplicate category %q", c.Name)
		}
		seen[c.Name] = true
	}
	return nil
}

// Classify returns the kind of an agent message.
func (r *Registry) Classify(text string, hasMedia bool) EventKind {
	if hasMedia {
		return KindResult
	}
	if strings.TrimSpace(text) == "" {
		return KindIgnored
	}
	for _, rule := range r.Events {
		if rule.matches(text) {
			return rule.Kind
		}
	}
	return KindIgnored
}

func (rule *EventRule) matches(text string) bool {
	for _, m := range rule.Markers {
		if strings.Contains(text, m) {
			return true
		}
	}
	for _, re := range rule.patterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

// ExtractPrompt returns the prompt the agent echoed in text, if any.
func (r *Registry) ExtractPrompt(text string) (string, bool) {
	for _, re := range r.extract {
		if m := re.FindStringSubmatch(text); len(m) > 1 {
			if s := strings.TrimSpace(m[1]); s != "" {
				return s, true
			}
		}
	}
	return strings.TrimSpace(text), false
}

// IsStopWord reports whether w is ignored when comparing texts.
func (r *Registry) IsStopWord(w string) bool {
	_, found := r.stop[strings.ToLower(w)]
	return found
}

// Category returns the category with the given name.
func (r *Registry) Category(name string) (Category, bool) {
	for _, c := range r.Categories {
		if c.Name == name {
			return c, true
		}
	}
	return Category{}, false
}

// CategoryBySelector returns the category with the given selector number.
func (r *Registry) CategoryBySelector(n int) (Category, bool) {
	for _, c := range r.Categories {
		if c.Selector == n {
			return c, true
		}
	}
	return Category{}, false
}

// DetectCategory returns the single category named in text. It returns
// false if no category or more than one is named.
func (r *Registry) DetectCategory(text string) (string, bool) {
	lower := strings.ToLower(text)
	var found string
	for _, c := range r.Categories {
		for _, m := range c.Markers {
			if m != "" && strings.Contains(lower, strings.ToLower(m)) {
				if found != "" && found != c.Name {
					return "", false
				}
				found = c.Name
				break
			}
		}
	}
	return found, found != ""
}

// Script returns the messages that submit job to the agent: the command,
// the category label, then the prompt.
func (r *Registry) Script(job *Job) []string {
	var msgs []string
	if r.Command != "" {
		msgs = append(msgs, r.Command)
	}
	if c, ok := r.Category(job.Category); ok && c.Label != "" {
		msgs = append(msgs, c.Label)
	} else if job.Category != "" {
		msgs = append(msgs, job.Category)
	}
	return append(msgs, job.Prompt)
}
