// Copyright 2024 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package indumpco

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/cosnicolaou/indumpco/internal/pipeline"
)

// WriteOptions configures CreateDump.
type WriteOptions struct {
	// ReuseDirs are prior dump directories (each containing its own
	// blocks/) searched, in order, for a segment to hard-link instead of
	// re-encoding.
	ReuseDirs []string
	// RemoteDigests names segments known to exist in some out-of-band
	// store; CreateDump neither encodes nor links them, and the resulting
	// index can only be extracted by supplying the remote store as an
	// extra block directory.
	RemoteDigests map[Digest]bool
	// Workers is the pipeline worker count; Workers <= 0 uses a small
	// default suited to CPU-bound compression work.
	Workers int
	// Progress, if non-nil, receives the length of each segment as it is
	// resolved, in stream order; CreateDump never closes it.
	Progress chan<- int
}

// DefaultWriteWorkers is a default pool size suited to CPU-bound compression
// work.
const DefaultWriteWorkers = 8

// DumpStats summarizes how a dump's segments were satisfied, the Go
// equivalent of tutil.py's hard-link-count-based new/reused/absent
// accounting: convenient for tests and CLI summaries, computed once as the
// dump is written rather than recomputed later via os.Lstat.
type DumpStats struct {
	NewSegments    int
	ReusedSegments int
	AbsentSegments int
}

type segmentCategory int

const (
	segmentNew segmentCategory = iota
	segmentReused
	segmentAbsent
)

type segmentResult struct {
	line     IdxLine
	category segmentCategory
}

// CreateDump reads src to EOF, splits it into content-defined segments,
// stores each as a block under outdir/blocks (reusing or hard-linking where
// possible), and writes outdir/index in source order. outdir must not
// already exist. src need not be a local file: CreateDump only ever calls
// Read on it, so a caller can hand it anything from an os.File to a
// grailbio/base/file reader or an http response body.
func CreateDump(ctx context.Context, src io.Reader, outdir string, opts WriteOptions) (DumpStats, error) {
	var stats DumpStats
	if err := os.Mkdir(outdir, 0o755); err != nil {
		return stats, fmt.Errorf("indumpco: create dump dir: %w", err)
	}
	blockRoot := filepath.Join(outdir, "blocks")
	if err := os.Mkdir(blockRoot, 0o755); err != nil {
		return stats, fmt.Errorf("indumpco: create block dir: %w", err)
	}
	blkdir := NewFlatBlockDir(blockRoot)

	reuse := NewSearchPath(reuseBlockDirs(opts.ReuseDirs)...)
	var seen sync.Map // digest -> struct{}, tracks what this run has already stored

	idxFile, err := os.Create(filepath.Join(outdir, "index"))
	if err != nil {
		return stats, fmt.Errorf("indumpco: create index: %w", err)
	}
	defer idxFile.Close()
	idxw := bufio.NewWriter(idxFile)

	chunker := NewChunker(src)
	jobSrc := pipeline.SourceFunc[[]byte](func() ([]byte, bool, error) {
		seg, ok, err := chunker.Next()
		return seg, ok, err
	})

	worker := func(sink *pipeline.Sink[segmentResult], seg []byte) error {
		res, err := storeSegment(seg, blkdir, reuse, opts.RemoteDigests, &seen)
		if err != nil {
			return err
		}
		sink.Deposit(res, nil)
		return nil
	}

	workers := opts.Workers
	if workers <= 0 {
		workers = DefaultWriteWorkers
	}
	p := pipeline.New[[]byte, segmentResult](ctx, jobSrc, worker, workers, 0)

	var writeErr error
	err = p.Results(func(res segmentResult) bool {
		switch res.category {
		case segmentNew:
			stats.NewSegments++
		case segmentReused:
			stats.ReusedSegments++
		case segmentAbsent:
			stats.AbsentSegments++
		}
		if _, werr := idxw.WriteString(res.line.String()); werr != nil {
			writeErr = werr
			return false
		}
		if opts.Progress != nil {
			opts.Progress <- res.line.Len
		}
		return true
	})
	if err != nil {
		return stats, err
	}
	if writeErr != nil {
		return stats, fmt.Errorf("indumpco: write index: %w", writeErr)
	}
	return stats, idxw.Flush()
}

func reuseBlockDirs(dumpDirs []string) []string {
	out := make([]string, len(dumpDirs))
	for i, d := range dumpDirs {
		out[i] = filepath.Join(d, "blocks")
	}
	return out
}

// storeSegment computes seg's digest and ensures a block file for it exists
// under blkdir, either by hard-linking from reuse or by encoding a fresh
// z-block, unless its digest is declared remote. seen tracks every digest
// this CreateDump run has already stored, so that a segment recurring later
// in the same dump is classified as new, not reused: per tutil.py's
// hard-link-count accounting, reused means a real cross-dump hard link was
// made, and a within-run repeat never raises a block's link count above one.
func storeSegment(seg []byte, blkdir BlockDir, reuse *SearchPath, remote map[Digest]bool, seen *sync.Map) (segmentResult, error) {
	digest := DigestOf(seg)
	line := IdxLine{Len: len(seg), Digest: digest}
	dest := blkdir.Path(digest)

	if remote[digest] {
		return segmentResult{line: line, category: segmentAbsent}, nil
	}
	if _, dup := seen.LoadOrStore(digest, struct{}{}); dup {
		return segmentResult{line: line, category: segmentNew}, nil
	}

	if reusePath, ok := reuse.Find(digest); ok {
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return segmentResult{}, err
		}
		if err := os.Link(reusePath, dest); err != nil {
			return segmentResult{}, fmt.Errorf("indumpco: link reused block %s: %w", digest, err)
		}
		return segmentResult{line: line, category: segmentReused}, nil
	}

	block, err := EncodeZBlock(seg)
	if err != nil {
		return segmentResult{}, err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return segmentResult{}, err
	}
	if err := writeFileAtomically(dest, block); err != nil {
		return segmentResult{}, err
	}
	return segmentResult{line: line, category: segmentNew}, nil
}

// writeFileAtomically writes data to a temporary file alongside path and
// renames it into place, so a concurrent reader (or an interrupted writer)
// never observes a partially written block.
func writeFileAtomically(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
