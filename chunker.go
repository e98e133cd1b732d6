// Copyright 2024 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package indumpco

import (
	"bufio"
	"io"
)

// MinSegmentSize is the minimum length of any segment the chunker emits,
// other than a final short segment at end of input.
const MinSegmentSize = 1 << 20 // 1 MiB

// targetMeanSegmentSize informs the boundary probability below: after the
// minimum has been passed, a boundary is declared with probability
// 1/(targetMeanSegmentSize-MinSegmentSize) per byte, giving an overall mean
// close to targetMeanSegmentSize.
const targetMeanSegmentSize = 4 << 20 // 4 MiB

// boundaryMaskBits controls how rarely the rolling checksum satisfies the
// boundary predicate; chosen so that, combined with MinSegmentSize, the
// mean segment size lands close to targetMeanSegmentSize. See the rolling
// checksum implementation below (rollingSum) for how the predicate is
// evaluated.
const boundaryMaskBits = 22 // 1 in 4,194,304 bytes, ~= targetMeanSegmentSize-MinSegmentSize

const rollingWindowSize = 48

// Chunker splits a byte stream into variable-length segments whose
// boundaries depend only on local content: a rolling checksum is evaluated
// over a fixed-size trailing window as each byte is read, and a boundary is
// declared once the minimum segment length has been reached and the
// checksum satisfies a content-dependent predicate. Because the predicate
// depends only on the last rollingWindowSize bytes, an edit near the start
// of the stream cannot move a boundary far downstream of itself.
//
// Chunker is a pull-based iterator: call Next repeatedly until it returns
// false, checking Err after the loop.
type Chunker struct {
	src *bufio.Reader
	err error
	done bool

	window [rollingWindowSize]byte
	winPos int

	sum1, sum2 uint32

	buf []byte
}

// NewChunker returns a Chunker reading from r.
func NewChunker(r io.Reader) *Chunker {
	return &Chunker{
		src: bufio.NewReaderSize(r, 1<<20),
		buf: make([]byte, 0, targetMeanSegmentSize),
	}
}

// rollMod is the modulus used by the rolling checksum; 65521 is the largest
// prime below 2^16, the same modulus used by Adler-32, chosen for good
// avalanche behaviour in a cheap incremental update.
const rollMod = 65521

// roll updates the Fletcher-style windowed checksum for one incoming byte,
// evicting the byte that falls out of the trailing window. It returns the
// combined 32-bit digest to test the boundary predicate against.
func (c *Chunker) roll(b byte) uint32 {
	old := c.window[c.winPos]
	c.window[c.winPos] = b
	c.winPos = (c.winPos + 1) % rollingWindowSize

	c.sum1 = (c.sum1 + uint32(b) - uint32(old) + rollMod) % rollMod
	c.sum2 = (c.sum2 + c.sum1 - uint32(rollingWindowSize)*uint32(old) + uint32(rollMod)*uint32(rollingWindowSize)) % rollMod
	return c.sum1 | (c.sum2 << 16)
}

const boundaryMask = uint32(1)<<boundaryMaskBits - 1

func isBoundary(digest uint32) bool {
	return digest&boundaryMask == boundaryMask
}

// Next reads and returns the next segment. ok is false once the stream is
// exhausted (Err then reports any terminal I/O error); the concatenation of
// every segment Next ever returned equals the input stream read to EOF.
func (c *Chunker) Next() (segment []byte, ok bool, err error) {
	if c.done || c.err != nil {
		return nil, false, c.err
	}
	c.buf = c.buf[:0]
	c.sum1, c.sum2 = 0, 0
	c.winPos = 0
	for i := range c.window {
		c.window[i] = 0
	}

	for {
		b, rerr := c.src.ReadByte()
		if rerr != nil {
			if rerr != io.EOF {
				c.err = rerr
				return nil, false, c.err
			}
			c.done = true
			if len(c.buf) == 0 {
				return nil, false, nil
			}
			out := make([]byte, len(c.buf))
			copy(out, c.buf)
			return out, true, nil
		}
		c.buf = append(c.buf, b)
		digest := c.roll(b)
		if len(c.buf) >= MinSegmentSize && isBoundary(digest) {
			out := make([]byte, len(c.buf))
			copy(out, c.buf)
			return out, true, nil
		}
	}
}

// Err returns the first fatal I/O error encountered, if any.
func (c *Chunker) Err() error {
	return c.err
}
