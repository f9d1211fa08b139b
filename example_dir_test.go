// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package genqueue_test

import "os"

func exampleDir() (string, func()) {
	dir, err := os.MkdirTemp("", "genqueue")
	if err != nil {
		panic(err)
	}
	return dir, func() { os.RemoveAll(dir) }
}
