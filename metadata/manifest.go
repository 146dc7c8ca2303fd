// Copyright 2021 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package metadata

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// manifestDoc is the on-disk shape of a namespace.yaml file: a name,
// the directory it searches for crate object files, and an optional
// path to the manifest of its parent namespace. Paths are resolved
// relative to the manifest file's own directory, not the process's
// working directory, so a chain of manifests can be moved as a unit.
type manifestDoc struct {
	Name      string `yaml:"name"`
	Directory string `yaml:"directory"`
	Parent    string `yaml:"parent"`
}

// LoadNamespaceManifest reads the namespace.yaml file at path and
// builds the CrateNamespace it describes, following the parent chain
// (if any) so that a leaf namespace's lookups fall through exactly as
// a hand-built chain of NewCrateNamespace calls would.
func LoadNamespaceManifest(path string) (*CrateNamespace, error) {
	return loadManifest(path, 0)
}

const maxManifestChainDepth = 64

func loadManifest(path string, depth int) (*CrateNamespace, error) {
	if depth > maxManifestChainDepth {
		return nil, fmt.Errorf("metadata: namespace manifest chain too deep (possible cycle) at %s", path)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("metadata: reading namespace manifest %s: %w", path, err)
	}

	var doc manifestDoc
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("metadata: parsing namespace manifest %s: %w", path, err)
	}
	if doc.Name == "" {
		return nil, fmt.Errorf("metadata: namespace manifest %s missing name", path)
	}
	if doc.Directory == "" {
		return nil, fmt.Errorf("metadata: namespace manifest %s missing directory", path)
	}

	base := filepath.Dir(path)

	var parent *CrateNamespace
	if doc.Parent != "" {
		parentPath := doc.Parent
		if !filepath.IsAbs(parentPath) {
			parentPath = filepath.Join(base, parentPath)
		}
		parent, err = loadManifest(parentPath, depth+1)
		if err != nil {
			return nil, err
		}
	}

	dirPath := doc.Directory
	if !filepath.IsAbs(dirPath) {
		dirPath = filepath.Join(base, dirPath)
	}

	return NewCrateNamespace(doc.Name, NewFSDirectory(dirPath), parent), nil
}
