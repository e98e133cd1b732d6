// Copyright 2024 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package qacache implements a bounded-lookahead, reference-counted
// question/answer cache used to coordinate workers that pull from a shared
// stream of questions (here, index lines) where answering one question can
// incidentally answer several nearby ones as a byproduct.
//
// This is a direct port of indumpco's Python qa_caching_q.QACacheQueue: the
// reference counting, claim/waiter bookkeeping and the workflow contract
// (consume_cached_answer / i_should_compute / i_have_computed /
// put_answer_when_ready / wait_for_answer / finished) are unchanged in
// meaning, translated from a GIL-protected RLock + dict/deque/Queue
// structure into a sync.Mutex guarding Go maps and a deque, with per-waiter
// channels standing in for the Python Queue instances.
package qacache

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrWorkflow indicates the cache's API was used outside the documented
// protocol: a bug in the caller, not in the input data.
var ErrWorkflow = errors.New("qacache: workflow error")

func workflowErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrWorkflow, fmt.Sprintf(format, args...))
}

// claim records that some worker has undertaken to compute the answer to a
// question, and the sinks waiting for it once that worker finishes.
type claim[A any] struct {
	waiters []chan A
}

// Cache coordinates lookahead-bounded caching of answers to questions of
// type Q, keyed by Go equality (Q must be a comparable type — for
// indumpco, Q is the canonical idxline string, never re-packed, so equality
// is byte comparison as the original format.py-era comment insists).
type Cache[Q comparable, A any] struct {
	mu sync.Mutex

	lookahead int
	laq       []Q // FIFO deque of materialized-but-unconsumed questions

	refcnt  map[Q]int
	answers map[Q]A
	claims  map[Q]*claim[A]

	src       iterSource[Q]
	iterated  bool
	sourceErr error
}

// iterSource abstracts the question source so Cache doesn't need to know
// whether it is backed by a channel, a slice, or a line-oriented file
// reader.
type iterSource[Q any] interface {
	Next() (Q, bool, error)
}

// SliceSource adapts a slice to iterSource, useful for tests.
type SliceSource[Q any] []Q

// Next implements iterSource.
func (s *SliceSource[Q]) Next() (Q, bool, error) {
	if len(*s) == 0 {
		var zero Q
		return zero, false, nil
	}
	v := (*s)[0]
	*s = (*s)[1:]
	return v, true, nil
}

// FuncSource adapts a function to iterSource.
type FuncSource[Q any] func() (Q, bool, error)

// Next implements iterSource.
func (f FuncSource[Q]) Next() (Q, bool, error) { return f() }

// DefaultLookahead matches the Python implementation's default.
const DefaultLookahead = 1000

// New creates a Cache wrapping src, materializing up to lookahead
// unconsumed questions at a time. lookahead <= 0 means DefaultLookahead.
func New[Q comparable, A any](src iterSource[Q], lookahead int) *Cache[Q, A] {
	if lookahead <= 0 {
		lookahead = DefaultLookahead
	}
	return &Cache[Q, A]{
		lookahead: lookahead,
		refcnt:    make(map[Q]int),
		answers:   make(map[Q]A),
		claims:    make(map[Q]*claim[A]),
		src:       src,
	}
}

func (c *Cache[Q, A]) decRefLocked(q Q) error {
	c.refcnt[q]--
	if c.refcnt[q] < 1 {
		if c.refcnt[q] < 0 {
			return workflowErrorf("reference count went negative for %v", q)
		}
		delete(c.refcnt, q)
		delete(c.answers, q)
	}
	return nil
}

// Iterate drains the source, invoking yield once per question in source
// order with its reference count already incremented. yield returning false
// stops iteration (the remaining lookahead queue is not flushed in that
// case). It is a workflow error to call Iterate more than once.
//
// An error from the underlying source is returned as soon as the source read
// fails, which happens up to lookahead elements ahead of the element being
// yielded; questions already read into the lookahead window but not yet
// yielded are not yielded. Already-yielded elements are unaffected.
func (c *Cache[Q, A]) Iterate(ctx context.Context, yield func(Q) bool) error {
	c.mu.Lock()
	if c.iterated {
		c.mu.Unlock()
		return workflowErrorf("attempt to iterate a Cache twice")
	}
	c.iterated = true
	c.mu.Unlock()

	// Prefill the lookahead window.
	for len(c.laq) < c.lookahead {
		q, ok, err := c.src.Next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		c.mu.Lock()
		c.refcnt[q]++
		c.mu.Unlock()
		c.laq = append(c.laq, q)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		q, ok, err := c.src.Next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		c.mu.Lock()
		c.refcnt[q]++
		c.mu.Unlock()
		c.laq = append(c.laq, q)

		item := c.laq[0]
		c.laq = c.laq[1:]
		if !yield(item) {
			return nil
		}
	}

	for len(c.laq) > 0 {
		item := c.laq[0]
		c.laq = c.laq[1:]
		if !yield(item) {
			return nil
		}
	}
	return nil
}

// ConsumeCachedAnswer returns a cached answer for q, decrementing its
// reference count, or ok == false if nothing is cached.
func (c *Cache[Q, A]) ConsumeCachedAnswer(q Q) (a A, ok bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok = c.answers[q]
	if ok {
		err = c.decRefLocked(q)
	}
	return a, ok, err
}

// IShouldCompute returns true if the calling worker has won the right (and
// the obligation) to compute q. If so, q and every byproduct currently
// within the lookahead window that is neither answered nor already claimed
// is marked in-progress, blocking other workers from redundantly computing
// them.
func (c *Cache[Q, A]) IShouldCompute(q Q, byproducts []Q) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, answered := c.answers[q]; answered {
		return false
	}
	if _, claimed := c.claims[q]; claimed {
		return false
	}
	all := append([]Q{q}, byproducts...)
	for _, bq := range all {
		if _, referenced := c.refcnt[bq]; !referenced {
			continue
		}
		if _, answered := c.answers[bq]; answered {
			continue
		}
		if _, claimed := c.claims[bq]; claimed {
			continue
		}
		c.claims[bq] = &claim[A]{}
	}
	return true
}

// QA is one question/answer pair, used for byproduct results passed to
// IHaveComputed.
type QA[Q comparable, A any] struct {
	Q Q
	A A
}

// IHaveComputed delivers the answer to q (and any byproducts), waking every
// waiter registered via PutAnswerWhenReady/WaitForAnswer, and clears the
// in-progress claims this call installed.
func (c *Cache[Q, A]) IHaveComputed(mainQ Q, mainA A, byproducts []QA[Q, A]) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.decRefLocked(mainQ); err != nil {
		return err
	}

	all := append([]QA[Q, A]{{mainQ, mainA}}, byproducts...)
	for _, qa := range all {
		if _, referenced := c.refcnt[qa.Q]; referenced {
			c.answers[qa.Q] = qa.A
		}
		cl, ok := c.claims[qa.Q]
		if !ok {
			continue
		}
		delete(c.claims, qa.Q)
		for _, w := range cl.waiters {
			w <- qa.A
			if err := c.decRefLocked(qa.Q); err != nil {
				return err
			}
		}
	}
	return nil
}

// PutAnswerWhenReady delivers q's answer to ch as soon as it is available:
// immediately if already cached, or later (from within IHaveComputed)
// otherwise. ch must be buffered (capacity >= 1) so delivery never blocks
// the cache's single mutex.
func (c *Cache[Q, A]) PutAnswerWhenReady(q Q, ch chan A) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if a, ok := c.answers[q]; ok {
		ch <- a
		return c.decRefLocked(q)
	}
	cl, ok := c.claims[q]
	if !ok {
		return workflowErrorf("put_answer_when_ready for unclaimed question %v", q)
	}
	cl.waiters = append(cl.waiters, ch)
	return nil
}

// WaitForAnswer is the synchronous form of PutAnswerWhenReady.
func (c *Cache[Q, A]) WaitForAnswer(ctx context.Context, q Q) (A, error) {
	ch := make(chan A, 1)
	if err := c.PutAnswerWhenReady(q, ch); err != nil {
		var zero A
		return zero, err
	}
	select {
	case a := <-ch:
		return a, nil
	case <-ctx.Done():
		var zero A
		return zero, ctx.Err()
	}
}

// Finished asserts that the cache's internal bookkeeping is empty: no
// leaked lookahead entries, reference counts, cached answers, or claims.
// Call after the iteration returned by Iterate and all deliveries have been
// fully drained.
func (c *Cache[Q, A]) Finished() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.laq) != 0 {
		return workflowErrorf("finished without flushing lookahead queue (%d left)", len(c.laq))
	}
	if len(c.refcnt) != 0 {
		return workflowErrorf("leaked references: %v", c.refcnt)
	}
	if len(c.answers) != 0 {
		return workflowErrorf("leaked cached answers: %v", c.answers)
	}
	if len(c.claims) != 0 {
		return workflowErrorf("leaked in-progress claims: %v", c.claims)
	}
	return nil
}
