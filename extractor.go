// Copyright 2024 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package indumpco

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cosnicolaou/indumpco/internal/pipeline"
	"github.com/cosnicolaou/indumpco/internal/qacache"
)

// ReadOptions configures ExtractDump.
type ReadOptions struct {
	// ExtraBlockDirs are additional block directories (e.g. a remote
	// store, or a reuse dump's own blocks/) searched after the dump's own
	// blocks/ directory.
	ExtraBlockDirs []string
	// Workers is the pipeline worker count.
	Workers int
	// Lookahead overrides the QA cache's lookahead window; <= 0 uses
	// qacache.DefaultLookahead.
	Lookahead int
	// VerifyDigests re-hashes every decoded segment and compares it against
	// the digest named in its idxline. Off by default: the format has never
	// verified content on read, relying only on the length check, and this
	// flag exists so a caller can opt into the stronger check without
	// changing default behavior.
	VerifyDigests bool
	// Progress, if non-nil, receives the length of each segment as it is
	// yielded, in stream order; ExtractDump never closes it.
	Progress chan<- int
}

// DefaultReadWorkers matches DefaultWriteWorkers; decode is as CPU-bound as
// encode.
const DefaultReadWorkers = 8

// idxQA is the answer cached against one idxline: its decoded segment bytes.
type idxQA = []byte

// ExtractDump reads dumpdir/index and, for each idxline in order, resolves
// and decodes the named segment, invoking yield with its bytes. yield
// returning false stops extraction early. The concatenation of every yielded
// segment reproduces the stream CreateDump was given.
func ExtractDump(ctx context.Context, dumpdir string, opts ReadOptions, yield func([]byte) bool) error {
	idxf, err := os.Open(filepath.Join(dumpdir, "index"))
	if err != nil {
		return fmt.Errorf("indumpco: open index: %w", err)
	}
	defer idxf.Close()

	search := NewSearchPath(append([]string{filepath.Join(dumpdir, "blocks")}, opts.ExtraBlockDirs...)...)

	scanner := bufio.NewScanner(idxf)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	src := qacache.FuncSource[string](func() (string, bool, error) {
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return "", false, err
			}
			return "", false, nil
		}
		return scanner.Text() + "\n", true, nil
	})

	cache := qacache.New[string, idxQA](src, opts.Lookahead)

	jobCh := make(chan string)
	iterErrCh := make(chan error, 1)
	go func() {
		iterErrCh <- cache.Iterate(ctx, func(line string) bool {
			select {
			case jobCh <- line:
				return true
			case <-ctx.Done():
				return false
			}
		})
		close(jobCh)
	}()

	worker := func(sink *pipeline.Sink[[]byte], line string) error {
		return extractOne(cache, search, sink, line, opts.VerifyDigests)
	}

	jobSrc := pipeline.SourceFunc[string](func() (string, bool, error) {
		v, ok := <-jobCh
		return v, ok, nil
	})

	workers := opts.Workers
	if workers <= 0 {
		workers = DefaultReadWorkers
	}
	p := pipeline.New[string, []byte](ctx, jobSrc, worker, workers, 0)

	var stopped bool
	resErr := p.Results(func(seg []byte) bool {
		if stopped {
			return false
		}
		if !yield(seg) {
			stopped = true
			return false
		}
		if opts.Progress != nil {
			opts.Progress <- len(seg)
		}
		return true
	})
	if resErr != nil {
		return resErr
	}
	if err := <-iterErrCh; err != nil {
		return err
	}
	if stopped {
		return nil
	}
	return cache.Finished()
}

// extractOne implements the per-idxline worker described for the extractor:
// check the cache, else resolve+decode the block, sharing byproducts (the
// rest of an x-block's members) with any sibling worker via the cache.
func extractOne(cache *qacache.Cache[string, idxQA], search *SearchPath, sink *pipeline.Sink[[]byte], line string, verify bool) error {
	if seg, ok, err := cache.ConsumeCachedAnswer(line); err != nil {
		return err
	} else if ok {
		sink.Deposit(seg, nil)
		return nil
	}

	idx, err := ParseIdxLine(line)
	if err != nil {
		return err
	}
	path, ok := search.Find(idx.Digest)
	if !ok {
		return fmt.Errorf("indumpco: %w: no block found for digest %s", ErrFormat, idx.Digest)
	}
	block, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if len(block) == 0 {
		return fmt.Errorf("indumpco: %w: empty block file %s", ErrFormat, path)
	}

	switch block[0] {
	case formatZ:
		seg, err := DecodeZBlock(block)
		if err != nil {
			return err
		}
		if len(seg) != idx.Len {
			return fmt.Errorf("indumpco: %w: z-block %s decoded to %d bytes, index says %d", ErrFormat, path, len(seg), idx.Len)
		}
		if verify && DigestOf(seg) != idx.Digest {
			return fmt.Errorf("indumpco: %w: z-block %s content does not match its digest", ErrFormat, path)
		}
		sink.Deposit(seg, nil)
		return nil

	case formatX:
		return extractFromXBlock(cache, sink, line, idx, block, verify)

	default:
		return fmt.Errorf("indumpco: %w: invalid block format byte %q in %s", ErrFormat, block[0], path)
	}
}

// extractFromXBlock implements the compute-once coordination for compound
// blocks: every sibling idxline packed into the same x-block is claimed
// alongside the one this worker was asked for, so only the worker that wins
// the claim pays for the LZMA decompression; every other worker waits on the
// cache to deliver its answer.
func extractFromXBlock(cache *qacache.Cache[string, idxQA], sink *pipeline.Sink[[]byte], line string, idx IdxLine, block []byte, verify bool) error {
	hdr, _, err := ParseXBlockHeader(block)
	if err != nil {
		return err
	}

	overallLine := IdxLine{Len: 0, Digest: hdr.OverallDigest}
	for _, m := range hdr.Members {
		overallLine.Len += m.Len
	}
	overallIdxline := overallLine.String()

	byproducts := make([]string, 0, len(hdr.Members)+1)
	seen := map[string]bool{line: true}
	if overallIdxline != line {
		byproducts = append(byproducts, overallIdxline)
		seen[overallIdxline] = true
	}
	for _, m := range hdr.Members {
		ml := m.String()
		if seen[ml] {
			continue
		}
		seen[ml] = true
		byproducts = append(byproducts, ml)
	}

	if !cache.IShouldCompute(line, byproducts) {
		ch := make(chan idxQA, 1)
		if err := cache.PutAnswerWhenReady(line, ch); err != nil {
			return err
		}
		go func() {
			sink.Deposit(<-ch, nil)
		}()
		return nil
	}

	// Keyed by the full idxline, not the bare digest: the overall-sum idxline
	// and one of its own members can share a digest by coincidence while
	// differing in length, and a digest-only key would let one clobber the
	// other's bytes in segs.
	mineIdxline := idx.String()
	wanted := map[string]bool{mineIdxline: true, overallIdxline: true}
	for _, m := range hdr.Members {
		wanted[m.String()] = true
	}
	segs, err := DecodeXBlockSegments(block, wanted)
	if err != nil {
		return err
	}

	mine, ok := segs[mineIdxline]
	if !ok {
		return fmt.Errorf("indumpco: %w: x-block has no member matching %d %s", ErrFormat, idx.Len, idx.Digest)
	}
	if verify && DigestOf(mine) != idx.Digest {
		return fmt.Errorf("indumpco: %w: x-block member for %s content does not match its digest", ErrFormat, idx.Digest)
	}

	var byproductQAs []qacache.QA[string, idxQA]
	if overallIdxline != line {
		if data, ok := segs[overallIdxline]; ok {
			if verify && DigestOf(data) != hdr.OverallDigest {
				return fmt.Errorf("indumpco: %w: x-block group %s content does not match its digest", ErrFormat, hdr.OverallDigest)
			}
			byproductQAs = append(byproductQAs, qacache.QA[string, idxQA]{Q: overallIdxline, A: data})
		}
	}
	for _, m := range hdr.Members {
		ml := m.String()
		if ml == line {
			continue
		}
		if data, ok := segs[ml]; ok {
			if verify && DigestOf(data) != m.Digest {
				return fmt.Errorf("indumpco: %w: x-block member for %s content does not match its digest", ErrFormat, m.Digest)
			}
			byproductQAs = append(byproductQAs, qacache.QA[string, idxQA]{Q: ml, A: data})
		}
	}

	if err := cache.IHaveComputed(line, mine, byproductQAs); err != nil {
		return err
	}
	sink.Deposit(mine, nil)
	return nil
}
