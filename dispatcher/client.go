// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package dispatcher

import (
	"context"
	"sync/atomic"

	"batchdispatch/batch"
)

// Run submits items under key and blocks until every one of them has been
// folded into a sealed batch, executed, and replied to — spec §4.5's
// "execute" mode. If items exceeds the configured batch size, the
// dispatcher splits it across as many sealed batches (and, necessarily,
// dispatcher generations) as needed; Run reassembles the pieces in order
// before returning, so the split is invisible to the caller.
func Run(ctx context.Context, d *Dispatcher, key string, items []any) (output []any, metadata any, err error) {
	if len(items) == 0 {
		return nil, nil, ErrEmptyBatch
	}
	if d.cfg.Mode == ModeHooks && len(items) > d.cfg.BatchSize {
		return nil, nil, ErrOversizeBatch
	}
	w := newWaiter()
	defer w.close()

	b := batch.Stack(key, items...)
	if err := d.send(msgArrival{key: key, b: b, w: w}); err != nil {
		return nil, nil, err
	}
	return collect(ctx, w, len(items))
}

// collect accumulates total items' worth of batch replies for one waiter.
// Each reply's (start, size) is local to the sealed batch it came from, not
// to the caller's own item space, so the destination offset is tracked
// independently as received grows — never read from the reply itself.
func collect(ctx context.Context, w *waiter, total int) (output []any, metadata any, err error) {
	output = make([]any, total)
	received := 0
	for received < total {
		select {
		case r := <-w.ch:
			if r.kind == replyDown {
				return nil, nil, r.reason
			}
			if r.kind != replyBatch {
				continue
			}
			n := r.size
			copy(output[received:received+n], r.output[r.start:r.start+n])
			metadata = r.metadata
			received += n
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	}
	return output, metadata, nil
}

// RunHooks submits a single batch under key to a dispatcher configured with
// ModeHooks, invoking onHook synchronously for every named hook event the
// handler emits before the batch's final output is ready. Unlike Run, items
// may never exceed the configured batch size: hooks mode never splits an
// incoming batch, because every hook event a Thunk emits must trace back to
// exactly one caller's task.
func RunHooks(ctx context.Context, d *Dispatcher, key string, items []any, onHook func(name string, value []any)) (output []any, metadata any, err error) {
	if d.cfg.Mode != ModeHooks {
		return nil, nil, ErrModeMismatch
	}
	if len(items) == 0 {
		return nil, nil, ErrEmptyBatch
	}
	if len(items) > d.cfg.BatchSize {
		return nil, nil, ErrOversizeBatch
	}

	w := newWaiter()
	defer w.close()

	b := batch.Stack(key, items...)
	if err := d.send(msgArrival{key: key, b: b, w: w}); err != nil {
		return nil, nil, err
	}

	total := len(items)
	output = make([]any, total)
	received := 0
	for received < total {
		select {
		case r := <-w.ch:
			switch r.kind {
			case replyDown:
				return nil, nil, r.reason
			case replyHook:
				if onHook != nil {
					onHook(r.hookName, r.output)
				}
			case replyBatch:
				n := r.size
				copy(output[received:received+n], r.output[r.start:r.start+n])
				metadata = r.metadata
				received += n
			}
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	}
	return output, metadata, nil
}

// RunBatches submits items under key to a dispatcher running ModeBatches and
// returns a Stream exposing each underlying sealed-batch reply individually,
// instead of one value reassembled from all of them — the wire protocol is
// identical to Run, only the client-side shape differs. Callers must drain
// the Stream to completion, or Close it early, to release its waiter.
func RunBatches(ctx context.Context, d *Dispatcher, key string, items []any) (*Stream, error) {
	if len(items) == 0 {
		return nil, ErrEmptyBatch
	}
	w := newWaiter()
	b := batch.Stack(key, items...)
	if err := d.send(msgArrival{key: key, b: b, w: w}); err != nil {
		w.close()
		return nil, err
	}
	return &Stream{w: w, fixedTotal: len(items)}, nil
}

// RunStream submits a sequence of item chunks read from in, each chunk as
// its own arrival (split like any other arrival if it exceeds the batch
// size), bounding in-flight work to one outstanding chunk at a
// time via producer acknowledgement — spec §5's backpressure rule for
// streaming input. It returns a Stream exposing each sealed-batch reply as
// it arrives. in is consumed by a background goroutine that exits once in
// is closed and every chunk it sent has been acknowledged, or ctx is
// cancelled.
func RunStream(ctx context.Context, d *Dispatcher, key string, in <-chan []any) (*Stream, error) {
	if d.cfg.Mode == ModeHooks {
		return nil, ErrStreamNotAllowed
	}

	w := newWaiter()
	producer := newWaiter()
	state := &streamState{finished: make(chan struct{})}

	go feedStream(ctx, d, key, in, w, producer, state)

	return &Stream{w: w, state: state}, nil
}

func feedStream(ctx context.Context, d *Dispatcher, key string, in <-chan []any, w, producer *waiter, state *streamState) {
	defer close(state.finished)
	defer state.closed.Store(true)
	defer producer.close()

	for {
		var chunk []any
		var ok bool
		select {
		case chunk, ok = <-in:
			if !ok {
				return
			}
		case <-ctx.Done():
			return
		}
		if len(chunk) == 0 {
			continue
		}

		b := batch.Stack(key, chunk...)
		if err := d.send(msgArrival{key: key, b: b, w: w, producer: producer}); err != nil {
			return
		}
		state.submitted.Add(int64(len(chunk)))

		acked := 0
		for acked < len(chunk) {
			select {
			case r := <-producer.ch:
				if r.kind == replyDown {
					return
				}
				acked += r.size
			case <-ctx.Done():
				return
			}
		}
	}
}

// streamState tracks a RunStream producer's progress so its Stream knows
// when no further replies can possibly arrive.
type streamState struct {
	submitted atomic.Int64
	closed    atomic.Bool
	finished  chan struct{} // closed once the feeding goroutine has exited
}

// Stream exposes a sequence of sealed-batch replies to one submitted call,
// in ModeBatches, or to one RunStream producer. A Stream must not be read
// from concurrently; Next detects and rejects overlapping calls rather than
// silently interleaving them, which is the behavior spec §7 calls "stream
// consumer mis-use".
type Stream struct {
	w    *waiter
	busy atomic.Bool
	done bool

	// fixedTotal is set for a single-batch RunBatches submission, whose
	// item count is known up front.
	fixedTotal int
	received   int

	// state is set for a RunStream submission, whose total item count is
	// only known once the input channel closes.
	state *streamState
}

// Next blocks until the next sealed-batch reply is available, the stream is
// exhausted (ok=false, err=nil), or ctx is cancelled.
func (s *Stream) Next(ctx context.Context) (items []any, metadata any, ok bool, err error) {
	if !s.busy.CompareAndSwap(false, true) {
		return nil, nil, false, ErrStreamMisuse
	}
	defer s.busy.Store(false)

	if s.done || s.exhausted() {
		return nil, nil, false, nil
	}
	var finished <-chan struct{}
	if s.state != nil {
		finished = s.state.finished
	}
	for {
		select {
		case r := <-s.w.ch:
			if r.kind == replyDown {
				s.done = true
				return nil, nil, false, r.reason
			}
			s.received += r.size
			return r.output[r.start : r.start+r.size], r.metadata, true, nil
		case <-finished:
			if s.exhausted() {
				return nil, nil, false, nil
			}
			finished = nil // replies still outstanding; keep waiting for them
		case <-ctx.Done():
			return nil, nil, false, ctx.Err()
		}
	}
}

func (s *Stream) exhausted() bool {
	if s.state != nil {
		return s.state.closed.Load() && int64(s.received) >= s.state.submitted.Load()
	}
	return s.received >= s.fixedTotal
}

// Close releases the Stream's waiter. Safe to call after Next has returned
// ok=false, and safe to call early to abandon a partially-drained Stream.
func (s *Stream) Close() {
	s.w.close()
}
