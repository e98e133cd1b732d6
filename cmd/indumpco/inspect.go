// Copyright 2024 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package main

import (
	"bufio"
	"context"
	"fmt"
	"os"

	"cloudeng.io/cmdutil"
	"github.com/cosnicolaou/indumpco"
)

// inspect walks an index, one line per segment, and reports how each segment
// is actually stored: a bare z-block, or a member of some x-block group
// (named by that group's overall digest and member count). Serial and
// intended purely for debugging repack decisions.
func inspect(ctx context.Context, values interface{}, args []string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	cmdutil.HandleSignals(cancel, os.Interrupt)

	indexPath, blockDir := args[0], args[1]
	bd := indumpco.OpenBlockDir(blockDir)

	idxf, err := os.Open(indexPath)
	if err != nil {
		return err
	}
	defer idxf.Close()

	fmt.Printf("%-8s %-34s %-6s %s\n", "len", "digest", "format", "detail")

	scanner := bufio.NewScanner(idxf)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		idx, err := indumpco.ParseIdxLine(scanner.Text())
		if err != nil {
			return err
		}
		detail, err := inspectBlock(bd.Path(idx.Digest))
		if err != nil {
			return err
		}
		fmt.Printf("%-8d %-34s %s\n", idx.Len, idx.Digest, detail)
	}
	return scanner.Err()
}

func inspectBlock(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	block, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	if len(block) == 0 {
		return "", fmt.Errorf("empty block file %s", path)
	}
	switch block[0] {
	case 'z':
		return fmt.Sprintf("z      %d bytes on disk", info.Size()), nil
	case 'x':
		hdr, _, err := indumpco.ParseXBlockHeader(block)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("x      group %s, %d members, %d bytes on disk", hdr.OverallDigest, len(hdr.Members), info.Size()), nil
	default:
		return "", fmt.Errorf("invalid block format byte %q in %s", block[0], path)
	}
}
