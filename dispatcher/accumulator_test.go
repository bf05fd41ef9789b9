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
	"testing"

	"batchdispatch/batch"
)

func TestAccumulatorSealEmptyIsNoop(t *testing.T) {
	a := newAccumulator("k")
	_, ok := a.seal()
	if ok {
		t.Fatalf("seal of an empty accumulator should report ok=false")
	}
}

func TestAccumulatorPushAccumulatesCount(t *testing.T) {
	a := newAccumulator("k")
	a.push(entry{waiter: newWaiter(), b: batch.Stack[string, any]("k", 1, 2, 3)})
	a.push(entry{waiter: newWaiter(), b: batch.Stack[string, any]("k", 4, 5)})
	if a.count != 5 {
		t.Fatalf("count = %d, want 5", a.count)
	}
}

func TestAccumulatorSealRefSizesTileWithoutGapsOrOverlap(t *testing.T) {
	a := newAccumulator("k")
	a.push(entry{waiter: newWaiter(), b: batch.Stack[string, any]("k", "a", "b")})
	a.push(entry{waiter: newWaiter(), b: batch.Stack[string, any]("k", "c")})
	a.push(entry{waiter: newWaiter(), b: batch.Stack[string, any]("k", "d", "e", "f")})

	sb, ok := a.seal()
	if !ok {
		t.Fatalf("expected seal to succeed")
	}
	if sb.merged.Size() != 6 {
		t.Fatalf("merged size = %d, want 6", sb.merged.Size())
	}

	wantStart := 0
	for i, rs := range sb.refSizes {
		if rs.start != wantStart {
			t.Fatalf("refSizes[%d].start = %d, want %d", i, rs.start, wantStart)
		}
		wantStart += rs.size
	}
	if wantStart != sb.merged.Size() {
		t.Fatalf("ref-sizes cover %d items, merged batch has %d", wantStart, sb.merged.Size())
	}
}

func TestAccumulatorSealClearsStateForNextGeneration(t *testing.T) {
	a := newAccumulator("k")
	a.push(entry{waiter: newWaiter(), b: batch.Stack[string, any]("k", 1)})
	if _, ok := a.seal(); !ok {
		t.Fatalf("expected seal to succeed")
	}
	if a.count != 0 || len(a.entries) != 0 {
		t.Fatalf("accumulator not cleared after seal: count=%d entries=%d", a.count, len(a.entries))
	}
	if a.timer != timerNone {
		t.Fatalf("timer state = %v, want timerNone after seal", a.timer)
	}
}

func TestStackRegistryPreCreatesDeclaredKeys(t *testing.T) {
	r := newStackRegistry([]string{"a", "b"})
	if r.get("a") == nil || r.get("b") == nil {
		t.Fatalf("expected accumulators for both declared keys")
	}
	if r.get("c") != nil {
		t.Fatalf("expected no accumulator for an undeclared key")
	}
}
