// Copyright 2021 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package metadata

import (
	"io"
	"os"
	"path/filepath"
)

// FSDirectory is a Directory backed by a real filesystem path, the
// concrete implementation a standalone binary (as opposed to a test)
// hands to NewCrateNamespace.
type FSDirectory struct {
	root string
}

// NewFSDirectory returns an FSDirectory rooted at root. It does not
// verify root exists; Open and List report that error when it's
// first relevant.
func NewFSDirectory(root string) *FSDirectory {
	return &FSDirectory{root: root}
}

// Open returns a handle on basename inside the directory's root.
// basename must not itself contain a path separator; crate object
// files always live directly inside their namespace's directory, not
// in subdirectories.
func (d *FSDirectory) Open(basename string) (io.ReaderAt, error) {
	return os.Open(filepath.Join(d.root, basename))
}

// List returns the basenames of every regular file directly inside
// the directory's root.
func (d *FSDirectory) List() ([]string, error) {
	entries, err := os.ReadDir(d.root)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}
