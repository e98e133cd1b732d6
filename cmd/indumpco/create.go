// Copyright 2024 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"cloudeng.io/cmdutil"
	"cloudeng.io/errors"
	"github.com/cosnicolaou/indumpco"
	"github.com/grailbio/base/file"
)

// loadRemoteDigests reads path (local or s3://...) via grailbio/base/file so
// the remote-segments list can itself live in the same place as the remote
// blocks it names.
func loadRemoteDigests(ctx context.Context, path string) (map[indumpco.Digest]bool, error) {
	if path == "" {
		return nil, nil
	}
	f, err := file.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer f.Close(ctx)
	out := map[indumpco.Digest]bool{}
	scanner := bufio.NewScanner(f.Reader(ctx))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		out[indumpco.Digest(line)] = true
	}
	return out, scanner.Err()
}

func splitNonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func create(ctx context.Context, values interface{}, args []string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	cl := values.(*createFlags)
	cmdutil.HandleSignals(cancel, os.Interrupt)

	remote, err := loadRemoteDigests(ctx, cl.RemoteFile)
	if err != nil {
		return err
	}

	var progressCh chan int
	var progressWg sync.WaitGroup
	if cl.ProgressBar {
		progressCh = make(chan int, cl.Workers)
		progressWg.Add(1)
		go func() {
			defer progressWg.Done()
			progressBar(progressBarWriter(false), progressCh, -1)
		}()
	}

	opts := indumpco.WriteOptions{
		ReuseDirs:     splitNonEmpty(cl.ReuseDirs),
		RemoteDigests: remote,
		Workers:       cl.Workers,
		Progress:      progressCh,
	}
	errs := &errors.M{}
	stats, err := indumpco.CreateDump(ctx, os.Stdin, args[0], opts)
	errs.Append(err)
	if progressCh != nil {
		close(progressCh)
		progressWg.Wait()
	}
	if err == nil && cl.Verbose {
		fmt.Fprintf(os.Stderr, "new=%d reused=%d absent=%d\n", stats.NewSegments, stats.ReusedSegments, stats.AbsentSegments)
	}
	return errs.Err()
}
