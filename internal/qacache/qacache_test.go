// Copyright 2024 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package qacache_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cosnicolaou/indumpco/internal/pipeline"
	"github.com/cosnicolaou/indumpco/internal/qacache"
)

// harness mirrors tests/test_qa_cache_q.py's TestHarness: it tracks which
// questions have actually been computed so a redundant computation (the
// defect the cache exists to prevent) fails the test loudly rather than
// just producing a wrong answer.
type harness struct {
	mu            sync.Mutex
	haveComputed  map[int]bool
	recomputeErrs []error
}

func newHarness() *harness {
	return &harness{haveComputed: make(map[int]bool)}
}

func (h *harness) compute(q int) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.haveComputed[q] {
		h.recomputeErrs = append(h.recomputeErrs, fmt.Errorf("question %d recomputed", q))
	}
	h.haveComputed[q] = true
	return 2 * q
}

var byproductMaps = []map[int][]int{
	{},
	{1: {10}},
	{10: {1}},
	{4: {3, 5}},
}

var testCases = [][]int{
	{},
	{1},
	{1, 1},
	{10, 1},
	{1, 3, 4, 99, 100, 3, 4, 5, 5},
	{1, 2, 7, 14, 2, 4, 3, 6, 2, 4},
}

func TestSerial(t *testing.T) {
	for _, tc := range testCases {
		for _, bpm := range byproductMaps {
			tc, bpm := tc, bpm
			t.Run(fmt.Sprintf("%v/%v", tc, bpm), func(t *testing.T) {
				h := newHarness()
				src := qacache.SliceSource[int](append([]int(nil), tc...))
				cache := qacache.New[int, int](&src, 0)

				var answers []int
				err := cache.Iterate(context.Background(), func(q int) bool {
					a, ok, err := cache.ConsumeCachedAnswer(q)
					if err != nil {
						t.Fatalf("ConsumeCachedAnswer: %v", err)
					}
					if !ok {
						bp := bpm[q]
						if cache.IShouldCompute(q, bp) {
							a = h.compute(q)
							var byproducts []qacache.QA[int, int]
							for _, x := range bp {
								byproducts = append(byproducts, qacache.QA[int, int]{Q: x, A: 2 * x})
							}
							if err := cache.IHaveComputed(q, a, byproducts); err != nil {
								t.Fatalf("IHaveComputed: %v", err)
							}
						} else {
							a, err = cache.WaitForAnswer(context.Background(), q)
							if err != nil {
								t.Fatalf("WaitForAnswer: %v", err)
							}
						}
					}
					answers = append(answers, a)
					return true
				})
				if err != nil {
					t.Fatalf("Iterate: %v", err)
				}
				if err := cache.Finished(); err != nil {
					t.Fatalf("Finished: %v", err)
				}
				if len(h.recomputeErrs) != 0 {
					t.Fatalf("redundant computation: %v", h.recomputeErrs)
				}
				want := make([]int, len(tc))
				for i, x := range tc {
					want[i] = 2 * x
				}
				if len(answers) != len(want) {
					t.Fatalf("got %v answers, want %v", answers, want)
				}
				for i := range want {
					if answers[i] != want[i] {
						t.Fatalf("answers[%d] = %d, want %d", i, answers[i], want[i])
					}
				}
			})
		}
	}
}

func TestParallel(t *testing.T) {
	for _, tc := range testCases {
		for _, bpm := range byproductMaps {
			for _, popSleep := range []time.Duration{0, 10 * time.Millisecond} {
				tc, bpm, popSleep := tc, bpm, popSleep
				t.Run(fmt.Sprintf("%v/%v/%v", tc, bpm, popSleep), func(t *testing.T) {
					h := newHarness()
					src := qacache.SliceSource[int](append([]int(nil), tc...))
					cache := qacache.New[int, int](&src, 0)

					// Feed the pipeline's job source directly from the
					// cache's own Iterate, exactly as the Python original
					// passes the QACacheQueue itself as parallel_pipe's
					// source iterable: refcounts are only ever touched by
					// this one iteration.
					itemCh := make(chan int)
					iterErrCh := make(chan error, 1)
					go func() {
						iterErrCh <- cache.Iterate(context.Background(), func(q int) bool {
							itemCh <- q
							return true
						})
						close(itemCh)
					}()

					worker := func(sink *pipeline.Sink[int], q int) error {
						a, ok, err := cache.ConsumeCachedAnswer(q)
						if err != nil {
							return err
						}
						time.Sleep(popSleep)
						if ok {
							sink.Deposit(a, nil)
							return nil
						}
						bp := bpm[q]
						if cache.IShouldCompute(q, bp) {
							time.Sleep(time.Duration(q) * time.Microsecond)
							a = h.compute(q)
							var byproducts []qacache.QA[int, int]
							for _, x := range bp {
								byproducts = append(byproducts, qacache.QA[int, int]{Q: x, A: 2 * x})
							}
							if err := cache.IHaveComputed(q, a, byproducts); err != nil {
								return err
							}
							sink.Deposit(a, nil)
							return nil
						}
						ch := make(chan int, 1)
						if err := cache.PutAnswerWhenReady(q, ch); err != nil {
							return err
						}
						go func() {
							sink.Deposit(<-ch, nil)
						}()
						return nil
					}

					jobSrc := pipeline.SourceFunc[int](func() (int, bool, error) {
						v, ok := <-itemCh
						return v, ok, nil
					})
					p := pipeline.New[int, int](context.Background(), jobSrc, worker, 10, 2)
					var answers []int
					if err := p.Results(func(a int) bool {
						answers = append(answers, a)
						return true
					}); err != nil {
						t.Fatalf("pipeline: %v", err)
					}
					if err := <-iterErrCh; err != nil {
						t.Fatalf("Iterate: %v", err)
					}
					if err := cache.Finished(); err != nil {
						t.Fatalf("Finished: %v", err)
					}
					if len(h.recomputeErrs) != 0 {
						t.Fatalf("redundant computation: %v", h.recomputeErrs)
					}
					want := make([]int, len(tc))
					for i, x := range tc {
						want[i] = 2 * x
					}
					if len(answers) != len(want) {
						t.Fatalf("got %v answers, want %v", answers, want)
					}
					for i := range want {
						if answers[i] != want[i] {
							t.Fatalf("answers[%d] = %d, want %d", i, answers[i], want[i])
						}
					}
				})
			}
		}
	}
}
