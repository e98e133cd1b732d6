// Copyright 2024 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package indumpco implements an incremental dump compressor: it turns a
// large byte stream into a content-addressed store of compressed segments
// plus an ordered index, and later reconstructs the original stream from
// that store. Successive dumps of a slowly changing source share most
// segments, since segment boundaries are content-defined rather than
// position-defined, so a new dump only has to store the segments whose
// content actually changed; unchanged segments are hard-linked from a prior
// dump's block directory.
//
// The package is organized around four pieces: Chunker splits an input
// stream into segments; EncodeZBlock/EncodeXBlock and their Decode
// counterparts implement the on-disk block formats; BlockDir/SearchPath
// locate a block by its digest; and CreateDump/ExtractDump/Repack drive the
// write, read and offline-recompression workflows respectively, using the
// internal pipeline and qacache packages for concurrency.
package indumpco
