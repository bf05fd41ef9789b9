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

import "batchdispatch/batch"

// accumulator is the per-key mutable record described in spec §3/§4.1. It is
// owned exclusively by the dispatcher goroutine; nothing else may touch it,
// so it needs no locking (compare plugin/tfd/vactors.go's VActor, a
// per-key struct hung off a plain, unsynchronized map).
//
// entries are stored oldest-first, the order in which the merged batch's
// items must appear; the spec's reference implementation stores them
// newest-first and reverse-scans at seal time to the same effect.
type accumulator struct {
	key         string
	entries     []entry
	count       int
	timer       timerStatus
	timerTag    uint64
	timerCancel func() // cancels the pending time.AfterFunc, nil if not armed
}

func newAccumulator(key string) *accumulator {
	return &accumulator{key: key}
}

func (a *accumulator) push(e entry) {
	a.entries = append(a.entries, e)
	a.count += e.b.Size()
}

// seal drains the accumulator into a sealedBatch. Returns ok=false if there
// is nothing to seal (spec doesn't define sealing an empty accumulator; this
// implementation treats it as a no-op so racing timeout/arrival sequences
// never seal a phantom batch — see loop.go's handling of the "pending is
// empty" special case in §4.3 step 3).
func (a *accumulator) seal() (sealedBatch, bool) {
	if len(a.entries) == 0 {
		a.resetTimer()
		return sealedBatch{}, false
	}

	refSizes := make([]refSize, 0, len(a.entries))
	batches := make([]batch.Batch[string, any], 0, len(a.entries))
	offset := 0
	for _, e := range a.entries {
		refSizes = append(refSizes, refSize{
			waiter:   e.waiter,
			producer: e.producer,
			start:    offset,
			size:     e.b.Size(),
		})
		batches = append(batches, e.b)
		offset += e.b.Size()
	}

	head := batches[0]
	merged, err := head.Merge(batches[1:]...)
	if err != nil {
		// Cannot happen: every entry pushed to this accumulator carries
		// a.key by construction (see loop.go's arrive()).
		panic(err)
	}

	a.entries = nil
	a.count = 0
	a.resetTimer()

	return sealedBatch{merged: merged, refSizes: refSizes}, true
}

// resetTimer cancels any armed timer and clears the timer state. Cancelling
// a *time.Timer does not guarantee its fire message is not already queued;
// callers (loop.go) match on timerTag to discard stale fires rather than
// relying on synchronous cancellation, per spec §9 ("Tagged timer
// messages").
func (a *accumulator) resetTimer() {
	if a.timerCancel != nil {
		a.timerCancel()
	}
	a.timer = timerNone
	a.timerCancel = nil
}
