// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package genqueue

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
)

const artifactTimeLayout = "20060102_150405"

// ArtifactPath returns the file the result of a job is stored in.
func ArtifactPath(dir, jobID, category string, now time.Time) string {
	name := fmt.Sprintf("%s_%s_%s.mp4", now.Format(artifactTimeLayout), jobID, cleanName(category))
	return filepath.Join(dir, name)
}

// UnknownArtifactPath returns a file for a result that could not be
// attributed to any job.
func UnknownArtifactPath(dir string, now time.Time) string {
	name := fmt.Sprintf("unknown_%s_%s.mp4", now.Format(artifactTimeLayout), uuid.NewString()[:8])
	return filepath.Join(dir, name)
}

// cleanName keeps letters, digits and dashes of s.
func cleanName(s string) string {
	s = strings.Map(func(r rune) rune {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r), r == '-':
			return r
		case unicode.IsSpace(r), r == '_':
			return '-'
		}
		return -1
	}, strings.TrimSpace(s))
	s = strings.Trim(s, "-")
	if s == "" {
		return "unknown"
	}
	return s
}

// checkArtifact returns an error if path is missing or empty.
func checkArtifact(path string) error {
	fi, err := os.Stat(path)
	if err != nil {
		return err
	}
	if fi.Size() == 0 {
		return fmt.Errorf("genqueue: artifact %s is empty", path)
	}
	return nil
}
