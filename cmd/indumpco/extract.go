// Copyright 2024 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package main

import (
	"bufio"
	"context"
	"os"
	"sync"

	"cloudeng.io/cmdutil"
	"cloudeng.io/errors"
	"github.com/cosnicolaou/indumpco"
)

func extract(ctx context.Context, values interface{}, args []string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	cl := values.(*extractFlags)
	cmdutil.HandleSignals(cancel, os.Interrupt)

	var progressCh chan int
	var progressWg sync.WaitGroup
	if cl.ProgressBar {
		progressCh = make(chan int, cl.Workers)
		progressWg.Add(1)
		go func() {
			defer progressWg.Done()
			// Output is written to stdout, so the bar always goes to stderr.
			progressBar(progressBarWriter(true), progressCh, -1)
		}()
	}

	opts := indumpco.ReadOptions{
		ExtraBlockDirs: splitNonEmpty(cl.ExtraBlockDirs),
		Workers:        cl.Workers,
		VerifyDigests:  cl.VerifyDigests,
		Progress:       progressCh,
	}

	errs := &errors.M{}
	out := bufio.NewWriterSize(os.Stdout, 1<<20)
	err := indumpco.ExtractDump(ctx, args[0], opts, func(seg []byte) bool {
		_, werr := out.Write(seg)
		return werr == nil
	})
	errs.Append(err)
	errs.Append(out.Flush())
	if progressCh != nil {
		close(progressCh)
		progressWg.Wait()
	}
	return errs.Err()
}
