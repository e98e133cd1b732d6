// Copyright 2024 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package indumpco_test

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/cosnicolaou/indumpco"
)

// scratchDir returns a fresh directory for a test to create a dump under.
// Normally this rides on t.TempDir(), which the testing package removes on
// its own; setting INDUMPCO_TEST_NODEL opts out of that cleanup (by handing
// back an independently allocated directory t.TempDir() never touches) so a
// failing test's dump/blocks layout can be inspected afterwards, mirroring
// the Python test harness's delete_data/INDUMPCO_TEST_NODEL behavior.
func scratchDir(t *testing.T, name string) string {
	t.Helper()
	if _, nodel := os.LookupEnv("INDUMPCO_TEST_NODEL"); nodel {
		base, err := os.MkdirTemp("", "indumpco-test-")
		if err != nil {
			t.Fatal(err)
		}
		t.Logf("INDUMPCO_TEST_NODEL set: preserving %s", base)
		return filepath.Join(base, name)
	}
	return filepath.Join(t.TempDir(), name)
}

func writeTempInput(t *testing.T, data []byte) *os.File {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "input")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.Write(data); err != nil {
		t.Fatal(err)
	}
	if _, err := f.Seek(0, 0); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { f.Close() })
	return f
}

func extractAll(t *testing.T, dumpdir string, opts indumpco.ReadOptions) []byte {
	t.Helper()
	var out bytes.Buffer
	err := indumpco.ExtractDump(context.Background(), dumpdir, opts, func(seg []byte) bool {
		out.Write(seg)
		return true
	})
	if err != nil {
		t.Fatalf("ExtractDump: %v", err)
	}
	return out.Bytes()
}

func buildBottlesStream(n int) []byte {
	var buf bytes.Buffer
	for b := n; b >= 2; b-- {
		fmt.Fprintf(&buf, "%d bottles of beer on the wall, %d bottles of beer\n", b, b)
	}
	return buf.Bytes()
}

func TestRoundTripShortStrings(t *testing.T) {
	for _, s := range []string{"\r", "\n", "", "x", "\x00", "\\", "foo", "0"} {
		dir := scratchDir(t, "dump")
		src := writeTempInput(t, []byte(s))
		if _, err := indumpco.CreateDump(context.Background(), src, dir, indumpco.WriteOptions{Workers: 2}); err != nil {
			t.Fatalf("CreateDump(%q): %v", s, err)
		}
		got := extractAll(t, dir, indumpco.ReadOptions{Workers: 2})
		if string(got) != s {
			t.Fatalf("round trip of %q: got %q", s, got)
		}
	}
}

func TestRoundTripMultiMegabyte(t *testing.T) {
	var buf bytes.Buffer
	line := []byte("the quick brown fox jumps over the lazy dog\n")
	for i := 0; i < 100000; i++ {
		buf.Write(line)
	}
	data := buf.Bytes()

	dir := scratchDir(t, "dump")
	src := writeTempInput(t, data)
	if _, err := indumpco.CreateDump(context.Background(), src, dir, indumpco.WriteOptions{Workers: 4}); err != nil {
		t.Fatalf("CreateDump: %v", err)
	}
	got := extractAll(t, dir, indumpco.ReadOptions{Workers: 4})
	if !bytes.Equal(got, data) {
		t.Fatalf("round trip mismatch: got %d bytes, want %d", len(got), len(data))
	}
}

func TestLocalityOfChunkBoundariesAndReuse(t *testing.T) {
	data := buildBottlesStream(200000)

	dirA := scratchDir(t, "a")
	if _, err := indumpco.CreateDump(context.Background(), writeTempInput(t, data), dirA, indumpco.WriteOptions{Workers: 4}); err != nil {
		t.Fatalf("CreateDump(A): %v", err)
	}

	mutated := make([]byte, len(data))
	copy(mutated, data)
	mutated = append(mutated[:4321], mutated[4325:]...)

	dirB := scratchDir(t, "b")
	statsB, err := indumpco.CreateDump(context.Background(), writeTempInput(t, mutated), dirB,
		indumpco.WriteOptions{ReuseDirs: []string{dirA}, Workers: 4})
	if err != nil {
		t.Fatalf("CreateDump(B): %v", err)
	}

	if statsB.AbsentSegments != 0 {
		t.Fatalf("B has %d absent segments, want 0", statsB.AbsentSegments)
	}
	if statsB.NewSegments > 2 {
		t.Fatalf("B has %d new segments, want <= 2", statsB.NewSegments)
	}
	if statsB.NewSegments >= statsB.ReusedSegments {
		t.Fatalf("B has %d new segments and %d reused, want new < reused", statsB.NewSegments, statsB.ReusedSegments)
	}

	got := extractAll(t, dirB, indumpco.ReadOptions{Workers: 4})
	if !bytes.Equal(got, mutated) {
		t.Fatalf("extract(B) does not match mutated input")
	}
}

func TestRemoteSegments(t *testing.T) {
	data := buildBottlesStream(50000)

	dirA := scratchDir(t, "a")
	if _, err := indumpco.CreateDump(context.Background(), writeTempInput(t, data), dirA, indumpco.WriteOptions{Workers: 4}); err != nil {
		t.Fatalf("CreateDump(A): %v", err)
	}

	mutated := make([]byte, len(data))
	copy(mutated, data)
	mutated = append(mutated[:4321], mutated[4325:]...)

	dirB := scratchDir(t, "b")
	statsB, err := indumpco.CreateDump(context.Background(), writeTempInput(t, mutated), dirB,
		indumpco.WriteOptions{ReuseDirs: []string{dirA}, Workers: 4})
	if err != nil {
		t.Fatalf("CreateDump(B): %v", err)
	}

	remote := map[indumpco.Digest]bool{}
	idx, err := os.ReadFile(filepath.Join(dirA, "index"))
	if err != nil {
		t.Fatal(err)
	}
	for _, line := range bytes.Split(bytes.TrimRight(idx, "\n"), []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		il, err := indumpco.ParseIdxLine(string(line) + "\n")
		if err != nil {
			t.Fatal(err)
		}
		remote[il.Digest] = true
	}

	dirBPrime := scratchDir(t, "bprime")
	statsBPrime, err := indumpco.CreateDump(context.Background(), writeTempInput(t, mutated), dirBPrime,
		indumpco.WriteOptions{RemoteDigests: remote, Workers: 4})
	if err != nil {
		t.Fatalf("CreateDump(B'): %v", err)
	}

	if statsBPrime.NewSegments != statsB.NewSegments {
		t.Fatalf("B' has %d new segments, want %d (same as B)", statsBPrime.NewSegments, statsB.NewSegments)
	}
	if statsBPrime.ReusedSegments != 0 {
		t.Fatalf("B' has %d reused segments, want 0", statsBPrime.ReusedSegments)
	}
	if statsBPrime.AbsentSegments != statsB.ReusedSegments {
		t.Fatalf("B' has %d absent segments, want %d (B's reused count)", statsBPrime.AbsentSegments, statsB.ReusedSegments)
	}

	got := extractAll(t, dirBPrime, indumpco.ReadOptions{
		ExtraBlockDirs: []string{filepath.Join(dirA, "blocks")},
		Workers:        4,
	})
	if !bytes.Equal(got, mutated) {
		t.Fatalf("extract(B', extra=A.blocks) does not match mutated input")
	}
}

func TestNestedBlockLayout(t *testing.T) {
	data := buildBottlesStream(20000)
	dir := scratchDir(t, "dump")
	if _, err := indumpco.CreateDump(context.Background(), writeTempInput(t, data), dir, indumpco.WriteOptions{Workers: 4}); err != nil {
		t.Fatalf("CreateDump: %v", err)
	}

	blockRoot := filepath.Join(dir, "blocks")
	entries, err := os.ReadDir(blockRoot)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		name := e.Name()
		nested := filepath.Join(blockRoot, name[:1])
		if err := os.MkdirAll(nested, 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.Rename(filepath.Join(blockRoot, name), filepath.Join(nested, name)); err != nil {
			t.Fatal(err)
		}
	}
	// Guarantee nested-layout detection regardless of which hex prefixes
	// happened to occur among this run's digests.
	if err := os.MkdirAll(filepath.Join(blockRoot, "0"), 0o755); err != nil {
		t.Fatal(err)
	}

	got := extractAll(t, dir, indumpco.ReadOptions{Workers: 4})
	if !bytes.Equal(got, data) {
		t.Fatalf("extract after moving blocks to nested layout does not match original input")
	}
}
