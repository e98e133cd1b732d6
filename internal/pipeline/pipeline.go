// Copyright 2024 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package pipeline implements an ordered parallel worker pool: jobs are
// pulled lazily from a source, executed out of order across a fixed number
// of workers, and delivered to the consumer in strict source order.
//
// Ordering is achieved the way indumpco's Python ancestor did it: workers
// don't write results directly to a shared output queue. Instead, each job
// is paired with a dedicated single-slot Sink at the moment it is dequeued,
// and the sink (not the result) is pushed onto an ordered queue under a
// single mutex. Because the dequeue-and-enqueue step is atomic, sinks reach
// the ordered queue in source order; the consumer then simply drains that
// queue and blocks on each sink in turn. Workers fill sinks concurrently, so
// throughput scales with the worker count even though delivery order does
// not depend on completion order.
package pipeline

import (
	"context"
	"sync"
)

// Sink is the single-slot delivery point for one job's result. A Worker may
// either deposit into its own sink, or hand the sink to another actor to be
// filled later (this is how the QA cache arranges cross-worker delivery
// without blocking a pool goroutine).
type Sink[R any] struct {
	ch chan outcome[R]
}

type outcome[R any] struct {
	val R
	err error
}

func newSink[R any]() *Sink[R] {
	return &Sink[R]{ch: make(chan outcome[R], 1)}
}

// Deposit places the job's result into the sink. It must be called exactly
// once for any given sink, by whichever goroutine ultimately produces the
// answer.
func (s *Sink[R]) Deposit(val R, err error) {
	s.ch <- outcome[R]{val: val, err: err}
}

// tryDeposit attempts a non-blocking deposit, used to unblock a sink during
// error propagation without risking a double-send panic if the real answer
// races it.
func (s *Sink[R]) tryDeposit(val R, err error) bool {
	select {
	case s.ch <- outcome[R]{val: val, err: err}:
		return true
	default:
		return false
	}
}

func (s *Sink[R]) take() (R, error) {
	o := <-s.ch
	return o.val, o.err
}

// Source pulls jobs lazily, one at a time. Next returns ok == false once the
// source is exhausted. A non-nil error is fatal and terminates the pipeline
// after this call; job is ignored in that case.
type Source[J any] interface {
	Next() (job J, ok bool, err error)
}

// SourceFunc adapts a plain function to a Source.
type SourceFunc[J any] func() (J, bool, error)

// Next implements Source.
func (f SourceFunc[J]) Next() (J, bool, error) { return f() }

// Worker processes one job, depositing at most one result into sink (or
// handing sink off to be filled later). A non-nil returned error is treated
// as fatal to the whole pipeline, matching the first-error-propagation
// semantics of the originating Python implementation: subsequent errors
// from other workers or the source are silently dropped.
type Worker[J, R any] func(sink *Sink[R], job J) error

// Pipeline runs Source through workerCount workers via worker, and exposes
// the ordered results through Results. It must be driven to completion (the
// Results iterator exhausted) exactly once.
type Pipeline[J, R any] struct {
	jobCh    chan J
	resultCh chan *Sink[R]

	orderMu    sync.Mutex
	sourceDone bool

	errMu sync.Mutex
	err   error

	transMu   sync.Mutex
	transient map[*Sink[R]]struct{}

	wg sync.WaitGroup
}

// DefaultQueueFactor is the multiple of workerCount used for the job and
// result queue capacities, matching the Python implementation's default
// queue_size=10.
const DefaultQueueFactor = 10

// New starts a pipeline with workerCount workers (>= 1) draining src through
// worker. Queue capacities default to workerCount * DefaultQueueFactor; pass
// queueFactor <= 0 to use the default.
func New[J, R any](ctx context.Context, src Source[J], worker Worker[J, R], workerCount, queueFactor int) *Pipeline[J, R] {
	if workerCount < 1 {
		workerCount = 1
	}
	if queueFactor <= 0 {
		queueFactor = DefaultQueueFactor
	}
	qsize := workerCount * queueFactor

	p := &Pipeline[J, R]{
		jobCh:     make(chan J, qsize),
		resultCh:  make(chan *Sink[R], qsize),
		transient: make(map[*Sink[R]]struct{}),
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.readSource(ctx, src)
	}()

	for i := 0; i < workerCount; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.runWorker(worker)
		}()
	}

	return p
}

func (p *Pipeline[J, R]) readSource(ctx context.Context, src Source[J]) {
	// jobCh is closed before the error is recorded: a worker may hold
	// orderMu while waiting on jobCh, and recordErr needs orderMu.
	var srcErr error
	defer func() {
		close(p.jobCh)
		p.recordErr(srcErr)
	}()
	for {
		select {
		case <-ctx.Done():
			srcErr = ctx.Err()
			return
		default:
		}
		job, ok, err := src.Next()
		if err != nil {
			srcErr = err
			return
		}
		if !ok {
			return
		}
		select {
		case p.jobCh <- job:
		case <-ctx.Done():
			srcErr = ctx.Err()
			return
		}
	}
}

func (p *Pipeline[J, R]) runWorker(worker Worker[J, R]) {
	for {
		p.orderMu.Lock()
		if p.sourceDone {
			p.orderMu.Unlock()
			return
		}

		job, ok := <-p.jobCh
		if !ok {
			p.sourceDone = true
			p.resultCh <- nil // end-of-stream sentinel
			p.orderMu.Unlock()
			return
		}

		sink := newSink[R]()
		p.transMu.Lock()
		p.transient[sink] = struct{}{}
		p.transMu.Unlock()

		p.resultCh <- sink
		p.orderMu.Unlock()

		if err := worker(sink, job); err != nil {
			p.recordErr(err)
			sink.tryDeposit(*new(R), err)
		}
	}
}

// recordErr captures the first fatal error, unblocks any sinks already
// handed out so the consumer's dequeue loop can make progress, and forces
// the pipeline towards its end-of-stream sentinel.
func (p *Pipeline[J, R]) recordErr(err error) {
	if err == nil {
		return
	}
	p.errMu.Lock()
	first := p.err == nil
	if first {
		p.err = err
	}
	p.errMu.Unlock()
	if !first {
		return
	}

	p.transMu.Lock()
	for s := range p.transient {
		s.tryDeposit(*new(R), err)
	}
	p.transMu.Unlock()

	p.orderMu.Lock()
	alreadyDone := p.sourceDone
	p.sourceDone = true
	p.orderMu.Unlock()
	if !alreadyDone {
		select {
		case p.resultCh <- nil:
		default:
		}
	}

drain:
	for {
		select {
		case _, ok := <-p.jobCh:
			if !ok {
				break drain
			}
		default:
			break drain
		}
	}
}

// Results consumes the pipeline to completion, invoking yield for each
// result in source order. yield returning false stops consumption early
// (the pipeline is still drained and its goroutines joined). Results
// returns the first fatal error recorded by the source or any worker, or
// nil.
func (p *Pipeline[J, R]) Results(yield func(R) bool) error {
	for {
		sink := <-p.resultCh
		if sink == nil {
			break
		}
		val, err := sink.take()
		p.transMu.Lock()
		delete(p.transient, sink)
		p.transMu.Unlock()
		if err != nil {
			p.recordErr(err)
			break
		}
		if !yield(val) {
			break
		}
	}

	// Drain any stragglers left in resultCh so worker/reader goroutines
	// blocked on a send can make progress towards exit.
	go func() {
		for range p.resultCh {
		}
	}()

	p.wg.Wait()
	close(p.resultCh)

	p.errMu.Lock()
	err := p.err
	p.errMu.Unlock()
	return err
}
