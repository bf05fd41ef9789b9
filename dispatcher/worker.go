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
	"fmt"
	"time"
)

// runWorker is the "supervised, unlinked task" of spec §4.3 step 5: a
// fresh goroutine per dispatch, not a persistent per-partition loop, so a
// panicking Thunk never takes its partition's future work down with it.
// It notifies every waiter folded into the batch directly, then reports
// back to the dispatcher's own mailbox so the partition can be recycled.
func (d *Dispatcher) runWorker(taskID uint64, key string, partition, size int, thunk Thunk, refSizes []refSize) {
	start := time.Now()
	output, metadata, err := safeInvoke(thunk)
	d.load.Add(-int64(size))
	d.cfg.Metrics.OnCompleted(key, partition, size, time.Since(start), err)

	if err != nil {
		for _, rs := range refSizes {
			rs.waiter.send(reply{kind: replyDown, reason: err})
			if rs.producer != nil {
				rs.producer.send(reply{kind: replyDown, reason: err})
			}
		}
		d.recordFailure(key, err, len(refSizes))
		d.postCompletion(msgDown{taskID: taskID, reason: err})
		return
	}

	for _, rs := range refSizes {
		rs.waiter.send(reply{kind: replyBatch, start: rs.start, size: rs.size, output: output, metadata: metadata})
		if rs.producer != nil {
			rs.producer.send(reply{kind: replyAck, size: rs.size})
		}
	}
	d.postCompletion(msgDone{taskID: taskID})
}

// safeInvoke recovers a panicking Thunk into an error, mirroring spec §7's
// "worker crash" row — a bug in a compute function fails that function's
// own callers, not the dispatcher.
func safeInvoke(thunk Thunk) (output []any, metadata any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("dispatcher: worker panic: %v", r)
		}
	}()
	return thunk()
}
