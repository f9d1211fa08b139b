// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package genqueue

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/pmezard/go-difflib/difflib"
)

// minWordLen is the minimum length of a significant word, in runes.
const minWordLen = 4

// SequenceRatio returns a similarity measure of a and b in [0,1]: twice
// the number of runes in matching blocks divided by the total number of
// runes. Runes of b that are popular (more than 1% of b, with b of at
// least 200 runes) are junk and do not start a match. Two empty strings
// are identical.
func SequenceRatio(a, b string) float64 {
	return difflib.NewMatcher(runes(a), runes(b)).Ratio()
}

// runes splits s into single-rune strings.
func runes(s string) []string {
	list := make([]string, 0, len(s))
	for _, r := range s {
		list = append(list, string(r))
	}
	return list
}

// words splits lowercase text into words of letters, digits and underscores.
func words(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})
}

// significantWords returns the words of text that are not stop words and
// have at least minWordLen runes, in order of appearance.
func (r *Registry) significantWords(text string) []string {
	var list []string
	for _, w := range words(text) {
		if utf8.RuneCountInString(w) < minWordLen || r.IsStopWord(w) {
			continue
		}
		list = append(list, w)
	}
	return list
}
