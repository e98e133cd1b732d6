// Copyright 2024 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime"

	"cloudeng.io/cmdutil/subcmd"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/file/s3file"
	"github.com/schollz/progressbar/v2"
	"golang.org/x/crypto/ssh/terminal"
)

type commonFlags struct {
	Workers     int  `subcmd:"workers,8,'pipeline worker count'"`
	Verbose     bool `subcmd:"verbose,false,verbose debug/trace information"`
	ProgressBar bool `subcmd:"progress,true,display a progress bar (on stderr unless stdout is a terminal that is not receiving data)"`
}

type createFlags struct {
	commonFlags
	ReuseDirs  string `subcmd:"reuse,,'comma separated list of prior dump directories to reuse segments from'"`
	RemoteFile string `subcmd:"remote-segments,,'file (local or s3://) listing digests known to exist remotely, one per line'"`
}

type extractFlags struct {
	commonFlags
	ExtraBlockDirs string `subcmd:"extra-blocks,,'comma separated list of additional block directories'"`
	VerifyDigests  bool   `subcmd:"verify-digests,false,'re-hash every decoded segment and compare it against its recorded digest'"`
}

type repackFlags struct {
	noFlags
}

type noFlags struct{}

var cmdSet *subcmd.CommandSet

func init() {
	defaultWorkers := map[string]interface{}{
		"workers": runtime.GOMAXPROCS(-1),
	}

	createCmd := subcmd.NewCommand("create",
		subcmd.MustRegisterFlagStruct(&createFlags{}, defaultWorkers, nil),
		create, subcmd.ExactlyNumArguments(1))
	createCmd.Document(`read stdin and write a new content-addressed dump to the given directory.`)

	extractCmd := subcmd.NewCommand("extract",
		subcmd.MustRegisterFlagStruct(&extractFlags{}, defaultWorkers, nil),
		extract, subcmd.ExactlyNumArguments(1))
	extractCmd.Document(`reconstruct a dump's original stream to stdout.`)

	repackCmd := subcmd.NewCommand("repack",
		subcmd.MustRegisterFlagStruct(&repackFlags{}, nil, nil),
		repack, subcmd.ExactlyNumArguments(2))
	repackCmd.Document(`recompress runs of adjacent small blocks jointly as x-blocks: repack <index-file> <block-dir>.`)

	inspectCmd := subcmd.NewCommand("inspect",
		subcmd.MustRegisterFlagStruct(&noFlags{}, nil, nil),
		inspect, subcmd.ExactlyNumArguments(2))
	inspectCmd.Document(`scan an index against a block directory and report each segment's storage format: inspect <index-file> <block-dir>.`)

	cmdSet = subcmd.NewCommandSet(createCmd, extractCmd, repackCmd, inspectCmd)
	cmdSet.Document(`create, extract and repack incremental content-addressed dumps.`)

	file.RegisterImplementation("s3", func() file.Implementation {
		return s3file.NewImplementation(
			s3file.NewDefaultProvider(session.Options{}), s3file.Options{})
	})
}

func main() {
	cmdSet.MustDispatch(context.Background())
}

// progressBar drains ch, a stream of per-segment byte counts, into a
// progressbar.v2 bar until ch is closed. size <= 0 renders an indeterminate
// bar, for callers (create, reading stdin) that don't know the total length
// up front.
func progressBar(wr io.Writer, ch <-chan int, size int64) {
	bar := progressbar.NewOptions64(size,
		progressbar.OptionSetBytes64(size),
		progressbar.OptionSetWriter(wr),
		progressbar.OptionSetPredictTime(true))
	bar.RenderBlank()
	for n := range ch {
		bar.Add(n)
	}
	fmt.Fprintf(wr, "\n")
}

// progressBarWriter picks stderr when stdout is itself the data sink (or
// isn't a terminal).
func progressBarWriter(stdoutIsData bool) io.Writer {
	if stdoutIsData || !terminal.IsTerminal(int(os.Stdout.Fd())) {
		return os.Stderr
	}
	return os.Stdout
}
