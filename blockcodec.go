// Copyright 2024 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package indumpco

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zlib"
	"github.com/ulikunitz/xz/lzma"
)

// Digest is the content-address of a segment: the hex-encoded MD5 sum of its
// uncompressed bytes. MD5 is used, rather than a third-party hash package,
// purely as a stable addressing scheme with no adversarial input; nothing in
// this package relies on it for integrity against a malicious peer, and it
// matches the digest the format was defined around, so changing it would
// make every existing block store unreadable.
type Digest string

// DigestOf returns the content-address of seg.
func DigestOf(seg []byte) Digest {
	sum := md5.Sum(seg)
	return Digest(hex.EncodeToString(sum[:]))
}

// IdxLine is one line of a dump's index file: the length and digest of a
// single logical segment, in source order.
type IdxLine struct {
	Len    int
	Digest Digest
}

// String renders the canonical on-disk form of an index line, including its
// trailing newline.
func (l IdxLine) String() string {
	return fmt.Sprintf("%d %s\n", l.Len, l.Digest)
}

// ParseIdxLine parses one line of an index file (with or without its
// trailing newline).
func ParseIdxLine(line string) (IdxLine, error) {
	line = strings.TrimRight(line, "\n")
	sp := strings.IndexByte(line, ' ')
	if sp < 0 {
		return IdxLine{}, fmt.Errorf("indumpco: %w: malformed index line %q", ErrFormat, line)
	}
	n, err := strconv.Atoi(line[:sp])
	if err != nil {
		return IdxLine{}, fmt.Errorf("indumpco: %w: malformed index line %q: %v", ErrFormat, line, err)
	}
	digest := strings.TrimSpace(line[sp+1:])
	if digest == "" {
		return IdxLine{}, fmt.Errorf("indumpco: %w: malformed index line %q", ErrFormat, line)
	}
	return IdxLine{Len: n, Digest: Digest(digest)}, nil
}

// formatZ and formatX are the first byte of every block file, distinguishing
// a single zlib-compressed segment from a compound, LZMA-compressed group of
// segments packed together by Repack.
const (
	formatZ = 'z'
	formatX = 'x'
)

// EncodeZBlock compresses a single segment with zlib at the highest
// compression level, the format used for every block as originally written
// by a dump (before any repacking groups segments together).
func EncodeZBlock(segment []byte) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(formatZ)
	w, err := zlib.NewWriterLevel(&buf, zlib.BestCompression)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(segment); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeZBlock reverses EncodeZBlock.
func DecodeZBlock(block []byte) ([]byte, error) {
	if len(block) == 0 || block[0] != formatZ {
		return nil, fmt.Errorf("indumpco: %w: not a z-block", ErrFormat)
	}
	r, err := zlib.NewReader(bytes.NewReader(block[1:]))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// XBlockMember is one segment packed into an x-block, identified by its own
// index line (its digest is that of its own bytes, and in general differs
// from the group's overall digest, which covers every member concatenated).
type XBlockMember struct {
	Line IdxLine
	Data []byte
}

// EncodeXBlock packs members (which must be provided in the same order they
// were concatenated to form overallDigest) into a single compound block:
// format byte 'x', a text header naming the group's overall digest and
// member index lines, followed by one raw LZMA stream holding every member's
// bytes concatenated in order. Grouping segments this way lets LZMA exploit
// redundancy across members that zlib's smaller window would miss, which is
// the entire point of repacking.
func EncodeXBlock(overallDigest Digest, members []XBlockMember) ([]byte, error) {
	var header bytes.Buffer
	header.WriteString(string(overallDigest))
	header.WriteByte('\n')
	fmt.Fprintf(&header, "%d\n", len(members))
	var concat bytes.Buffer
	for _, m := range members {
		header.WriteString(m.Line.String())
		concat.Write(m.Data)
	}

	var out bytes.Buffer
	out.WriteByte(formatX)
	out.Write(header.Bytes())
	w, err := lzma.NewWriter(&out)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(concat.Bytes()); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// XBlockHeader is the parsed, pre-decompression header of an x-block: which
// digest the block was stored under, and the index lines of every segment
// packed inside it. The block's LZMA payload is only decompressed on demand
// by DecodeXBlockSegments, since a caller who only needs one member out of a
// large group should not pay to inflate the whole thing more than once.
type XBlockHeader struct {
	OverallDigest Digest
	Members       []IdxLine
}

// ParseXBlockHeader reads the text header of an x-block without touching its
// LZMA payload. lzmaOffset is the byte offset within block where the raw
// LZMA stream begins.
func ParseXBlockHeader(block []byte) (hdr XBlockHeader, lzmaOffset int, err error) {
	if len(block) == 0 || block[0] != formatX {
		return XBlockHeader{}, 0, fmt.Errorf("indumpco: %w: not an x-block", ErrFormat)
	}
	pos := 1
	readLine := func() (string, error) {
		nl := bytes.IndexByte(block[pos:], '\n')
		if nl < 0 {
			return "", fmt.Errorf("indumpco: %w: truncated x-block header", ErrFormat)
		}
		line := string(block[pos : pos+nl])
		pos += nl + 1
		return line, nil
	}

	overall, err := readLine()
	if err != nil {
		return XBlockHeader{}, 0, err
	}
	countLine, err := readLine()
	if err != nil {
		return XBlockHeader{}, 0, err
	}
	count, err := strconv.Atoi(strings.TrimSpace(countLine))
	if err != nil {
		return XBlockHeader{}, 0, fmt.Errorf("indumpco: %w: malformed x-block member count: %v", ErrFormat, err)
	}
	members := make([]IdxLine, 0, count)
	for i := 0; i < count; i++ {
		line, err := readLine()
		if err != nil {
			return XBlockHeader{}, 0, err
		}
		idx, err := ParseIdxLine(line)
		if err != nil {
			return XBlockHeader{}, 0, err
		}
		members = append(members, idx)
	}
	return XBlockHeader{OverallDigest: Digest(overall), Members: members}, pos, nil
}

// DecodeXBlockSegments inflates block's LZMA payload once and returns the
// bytes of every idxline present in wanted, keyed by its canonical
// IdxLine.String() form. Keying by the full idxline, not just the digest,
// matters because the overall group idxline and one of its own members can
// share a digest by coincidence while differing in length; a digest-only key
// would let one silently clobber the other in the returned map. The overall
// group idxline (total length summed across members, hdr.OverallDigest) may
// itself be requested even though it is not one of hdr.Members, selecting
// the full concatenation.
func DecodeXBlockSegments(block []byte, wanted map[string]bool) (map[string][]byte, error) {
	hdr, offset, err := ParseXBlockHeader(block)
	if err != nil {
		return nil, err
	}
	r, err := lzma.NewReader(bytes.NewReader(block[offset:]))
	if err != nil {
		return nil, err
	}
	unpacked, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	var overallLen int
	for _, m := range hdr.Members {
		overallLen += m.Len
	}
	overallKey := IdxLine{Len: overallLen, Digest: hdr.OverallDigest}.String()

	out := make(map[string][]byte, len(wanted))
	if wanted[overallKey] {
		cp := make([]byte, len(unpacked))
		copy(cp, unpacked)
		out[overallKey] = cp
	}
	off := 0
	for _, m := range hdr.Members {
		if off+m.Len > len(unpacked) {
			return nil, fmt.Errorf("indumpco: %w: x-block member length exceeds payload", ErrFormat)
		}
		key := m.String()
		if wanted[key] {
			seg := make([]byte, m.Len)
			copy(seg, unpacked[off:off+m.Len])
			out[key] = seg
		}
		off += m.Len
	}
	if off != len(unpacked) {
		return nil, fmt.Errorf("indumpco: %w: x-block payload length %d inconsistent with member lengths (%d)", ErrFormat, len(unpacked), off)
	}
	return out, nil
}

// DecodeBlock decompresses a whole block file (z or x) to the single segment
// identified by want, the common case used by the extractor when a block
// holds (or was repacked into) exactly the segment it is asked for. want's
// length, not just its digest, is part of its identity: see
// DecodeXBlockSegments.
func DecodeBlock(block []byte, want IdxLine) ([]byte, error) {
	if len(block) == 0 {
		return nil, fmt.Errorf("indumpco: %w: empty block file", ErrFormat)
	}
	switch block[0] {
	case formatZ:
		return DecodeZBlock(block)
	case formatX:
		key := want.String()
		segs, err := DecodeXBlockSegments(block, map[string]bool{key: true})
		if err != nil {
			return nil, err
		}
		seg, ok := segs[key]
		if !ok {
			return nil, fmt.Errorf("indumpco: %w: x-block does not contain idxline %d %s", ErrFormat, want.Len, want.Digest)
		}
		return seg, nil
	default:
		return nil, fmt.Errorf("indumpco: %w: invalid block format byte %q", ErrFormat, block[0])
	}
}
