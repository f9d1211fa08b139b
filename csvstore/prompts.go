// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package csvstore

import (
	"bufio"
	"io"
	"os"
	"strings"
)

// Prompt is a single entry of a prompts file.
type Prompt struct {
	Category string
	Text     string
}

// ReadPromptsFile reads the prompts file at path.
func ReadPromptsFile(path, defaultCategory string) ([]Prompt, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadPrompts(f, defaultCategory)
}

// ReadPrompts reads prompts separated by blank lines. A block whose first
// line is "[name]" is assigned to category name, the others to
// defaultCategory. Lines of a block are joined with a newline.
func ReadPrompts(r io.Reader, defaultCategory string) ([]Prompt, error) {
	var (
		prompts []Prompt
		block   []string
	)
	flush := func() {
		if len(block) == 0 {
			return
		}
		p := Prompt{Category: defaultCategory}
		if first := block[0]; strings.HasPrefix(first, "[") && strings.HasSuffix(first, "]") {
			p.Category = strings.TrimSpace(first[1 : len(first)-1])
			block = block[1:]
		}
		p.Text = strings.TrimSpace(strings.Join(block, "\n"))
		if p.Text != "" {
			prompts = append(prompts, p)
		}
		block = block[:0]
	}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			flush()
			continue
		}
		block = append(block, line)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	flush()
	return prompts, nil
}
