// Copyright 2024 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package indumpco

import (
	"os"
	"path/filepath"
)

// BlockDir maps a segment's digest onto a path within a single blocks
// directory. Two layouts exist: Flat, one file per digest directly under the
// directory, and Nested1, which fans out over the digest's first hex
// character to keep any one directory's entry count manageable on dumps with
// very large numbers of distinct segments.
type BlockDir interface {
	// Path returns where digest's block file would live, whether or not it
	// currently exists.
	Path(digest Digest) string
	// Root returns the directory this BlockDir is rooted at.
	Root() string
}

type flatBlockDir struct{ root string }

func (d flatBlockDir) Root() string { return d.root }

func (d flatBlockDir) Path(digest Digest) string {
	return filepath.Join(d.root, string(digest))
}

type nested1BlockDir struct{ root string }

func (d nested1BlockDir) Root() string { return d.root }

func (d nested1BlockDir) Path(digest Digest) string {
	return filepath.Join(d.root, string(digest[:1]), string(digest))
}

// OpenBlockDir detects which of the two on-disk layouts root uses: a nested
// layout is recognized only by the presence of a "0" subdirectory, and flat
// is assumed otherwise, so a nested directory that has no digest starting
// with '0' (and hence no "0" subdirectory) is treated as flat. This mirrors the
// autodetection the format has always used so that older flat dumps keep
// working without migration.
func OpenBlockDir(root string) BlockDir {
	if fi, err := os.Stat(filepath.Join(root, "0")); err == nil && fi.IsDir() {
		return nested1BlockDir{root: root}
	}
	return flatBlockDir{root: root}
}

// NewNestedBlockDir returns a BlockDir using the nested layout for a
// directory being created fresh (OpenBlockDir can't detect the intended
// layout of an empty directory since the "0" subdirectory doesn't exist yet).
func NewNestedBlockDir(root string) BlockDir {
	return nested1BlockDir{root: root}
}

// NewFlatBlockDir returns a BlockDir using the flat layout.
func NewFlatBlockDir(root string) BlockDir {
	return flatBlockDir{root: root}
}

// SearchPath locates a segment's block file across an ordered list of block
// directories: the dump's own blocks directory first, then any directories
// supplied for cross-dump segment reuse.
type SearchPath struct {
	dirs []BlockDir
}

// NewSearchPath builds a SearchPath over roots, auto-detecting each
// directory's layout.
func NewSearchPath(roots ...string) *SearchPath {
	dirs := make([]BlockDir, len(roots))
	for i, r := range roots {
		dirs[i] = OpenBlockDir(r)
	}
	return &SearchPath{dirs: dirs}
}

// Find returns the path to digest's block file and true if it exists in any
// directory on the path, searched in order.
func (sp *SearchPath) Find(digest Digest) (string, bool) {
	for _, bd := range sp.dirs {
		p := bd.Path(digest)
		if _, err := os.Stat(p); err == nil {
			return p, true
		}
	}
	return "", false
}
