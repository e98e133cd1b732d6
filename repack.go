// Copyright 2024 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package indumpco

import (
	"bufio"
	"fmt"
	"os"
)

// missesBeforeGroupBreak is how many non-hit idxlines in a row must precede a
// hit for that hit to close the current repack candidate group.
const missesBeforeGroupBreak = 4

// repackHit is the quarter-sample heuristic used to decide whether a
// digest is worth anchoring a repack group on: true for roughly one in four
// digests, cheap to test, and good enough in practice that no one has found
// a replacement worth the format churn.
func repackHit(d Digest) bool {
	if len(d) == 0 {
		return false
	}
	switch d[0] {
	case '0', '1', '2', '3':
		return true
	default:
		return false
	}
}

// splitIndexIntoGroups partitions lines (in order) into candidate repack
// groups: a group ends at the first hit that follows at least
// missesBeforeGroupBreak consecutive non-hit idxlines, and that hit is the
// group's last line. Trailing lines with no closing hit form a final group.
func splitIndexIntoGroups(lines []IdxLine) [][]IdxLine {
	var groups [][]IdxLine
	var group []IdxLine
	missesSinceHit := 0
	for _, line := range lines {
		group = append(group, line)
		if repackHit(line.Digest) {
			if missesSinceHit >= missesBeforeGroupBreak {
				groups = append(groups, group)
				group = nil
			}
			missesSinceHit = 0
		} else {
			missesSinceHit++
		}
	}
	if len(group) > 0 {
		groups = append(groups, group)
	}
	return groups
}

// RepackResult reports the outcome of repacking one candidate group. A group
// that was skipped because not all of its members were z-blocks produces no
// RepackResult at all.
type RepackResult struct {
	GroupDigest Digest
	// Repacked is false when LZMA-compressing the group jointly didn't bring
	// its size below minRepackRatio of the members' original compressed sizes.
	Repacked bool
	// Ratio is len(packed)/sum(original compressed sizes), set whether or
	// not the group was repacked.
	Ratio float64
}

// Repack scans indexPath in order, groups adjacent segments using the
// quarter-sample heuristic, and for each group whose members are all
// z-blocks and whose joint LZMA compression beats their combined zlib size
// by at least 10%, writes a new x-block and replaces each member z-block
// with a hard link to it. It never rewrites indexPath itself (the index
// remains valid either way: an x-block is a byte-for-byte alternative view
// of any of its member digests).
func Repack(indexPath, blockDir string) ([]RepackResult, error) {
	lines, err := readIndex(indexPath)
	if err != nil {
		return nil, err
	}
	bd := OpenBlockDir(blockDir)

	var results []RepackResult
	for _, group := range splitIndexIntoGroups(lines) {
		res, err := repackGroup(bd, group)
		if err != nil {
			return results, err
		}
		if res != nil {
			results = append(results, *res)
		}
	}
	return results, nil
}

func readIndex(path string) ([]IdxLine, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var lines []IdxLine
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		idx, err := ParseIdxLine(scanner.Text())
		if err != nil {
			return nil, err
		}
		lines = append(lines, idx)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}

// minRepackRatio is the joint/original compressed-size ratio below which a
// repack is considered worthwhile.
const minRepackRatio = 0.9

func repackGroup(bd BlockDir, group []IdxLine) (*RepackResult, error) {
	members := make([]XBlockMember, 0, len(group))
	var origCompressedSize int64
	for _, line := range group {
		path := bd.Path(line.Digest)
		block, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("indumpco: repack: %w", err)
		}
		if len(block) == 0 || block[0] != formatZ {
			// Cannot repack a group unless every member is still a
			// standalone z-block.
			return nil, nil
		}
		seg, err := DecodeZBlock(block)
		if err != nil {
			return nil, err
		}
		if len(seg) != line.Len {
			return nil, fmt.Errorf("indumpco: %w: repack: %s decoded to %d bytes, index says %d", ErrFormat, path, len(seg), line.Len)
		}
		members = append(members, XBlockMember{Line: line, Data: seg})
		origCompressedSize += int64(len(block))
	}

	concatLen := 0
	for _, m := range members {
		concatLen += len(m.Data)
	}
	concat := make([]byte, 0, concatLen)
	for _, m := range members {
		concat = append(concat, m.Data...)
	}
	overallDigest := DigestOf(concat)

	xblock, err := EncodeXBlock(overallDigest, members)
	if err != nil {
		return nil, err
	}
	ratio := float64(len(xblock)) / float64(origCompressedSize)
	if ratio >= minRepackRatio {
		return &RepackResult{GroupDigest: overallDigest, Repacked: false, Ratio: ratio}, nil
	}

	overallPath := bd.Path(overallDigest)
	if err := writeFileAtomically(overallPath, xblock); err != nil {
		return nil, err
	}
	for _, m := range members {
		memberPath := bd.Path(m.Line.Digest)
		tmp := memberPath + ".repack-tmp"
		if err := os.Link(overallPath, tmp); err != nil {
			return nil, fmt.Errorf("indumpco: repack: link member %s: %w", m.Line.Digest, err)
		}
		if err := os.Rename(tmp, memberPath); err != nil {
			return nil, fmt.Errorf("indumpco: repack: rename member %s: %w", m.Line.Digest, err)
		}
	}
	return &RepackResult{GroupDigest: overallDigest, Repacked: true, Ratio: ratio}, nil
}
