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

// replyKind tags the payload carried by a reply.
type replyKind int

const (
	replyBatch replyKind = iota
	replyHook
	replyAck
	replyDown
)

// reply is the unit of communication from the dispatcher/workers to a
// waiting caller, mirroring the wire messages in spec §6 ("Reply
// messages"): (ref, batch{...}), (ref, hook{...}), (ref, size), and
// (DOWN, ref, ...).
type reply struct {
	kind     replyKind
	start    int
	size     int
	output   []any
	metadata any
	hookName string
	reason   error // set for replyDown; nil reason means graceful completion
}

// waiter is a caller's aliased, monitorable reference: a channel it selects
// on to receive replies, plus a done signal it closes if it stops waiting
// (e.g. its context is cancelled), so sends never block forever on a
// mailbox nobody will read again.
type waiter struct {
	ch   chan reply
	done chan struct{}
}

func newWaiter() *waiter {
	return &waiter{ch: make(chan reply, 8), done: make(chan struct{})}
}

// send delivers r to the waiter, or drops it silently if the waiter has
// already given up — mirroring "reply messages sent to a no-longer-alive
// mailbox are dropped" (spec §5).
func (w *waiter) send(r reply) {
	select {
	case w.ch <- r:
	case <-w.done:
	}
}

func (w *waiter) close() { close(w.done) }

// refSize records, for one originating call folded into a sealed batch,
// where in the merged output its slice lives, plus who to notify.
type refSize struct {
	waiter   *waiter
	producer *waiter // non-nil only for stream-of-batches submissions
	start    int
	size     int
}

// entry is one push into an accumulator: a still-unsealed contribution from
// a single arrival (or split fragment of one).
type entry struct {
	waiter   *waiter
	producer *waiter
	b        batch.Batch[string, any]
}

// timerStatus mirrors spec §3's accumulator.timer: none | (tag, scheduled)
// | done.
type timerStatus int

const (
	timerNone timerStatus = iota
	timerArmed
	timerDone
)

// sealedBatch is a PendingBatchQueue entry: a merged batch plus the
// ref-sizes needed to slice replies back to every waiter folded into it.
type sealedBatch struct {
	merged   batch.Batch[string, any]
	refSizes []refSize
}

// taskRecord tracks one in-flight worker execution.
type taskRecord struct {
	id        uint64
	key       string
	partition int
	refSizes  []refSize
}
