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
	"fmt"
	"sync"
	"testing"
	"time"

	"batchdispatch/batch"
)

func doubleEachItem(items []any) ([]any, any, error) {
	out := make([]any, len(items))
	for i, v := range items {
		out[i] = 2 * v.(int)
	}
	return out, len(items), nil
}

func newTestDispatcher(t *testing.T, cfg ServingConfig) *Dispatcher {
	t.Helper()
	d, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	d.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = d.Stop(ctx)
	})
	return d
}

func TestRunSizeExactlyLBypassesTimer(t *testing.T) {
	d := newTestDispatcher(t, ServingConfig{
		Serving:      HandlerFunc(doubleEachItem),
		Name:         "exact",
		BatchSize:    3,
		BatchTimeout: time.Hour, // would hang the test if the timer were needed
		Partitions:   1,
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	out, _, err := Run(ctx, d, batchDefaultKey(d), []any{1, 2, 3})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := []any{2, 4, 6}
	if !equalAny(out, want) {
		t.Fatalf("out = %v, want %v", out, want)
	}
}

func TestRunOversizeSplitsAcrossGenerations(t *testing.T) {
	d := newTestDispatcher(t, ServingConfig{
		Serving:      HandlerFunc(doubleEachItem),
		Name:         "oversize",
		BatchSize:    2,
		BatchTimeout: 20 * time.Millisecond,
		Partitions:   2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	out, _, err := Run(ctx, d, batchDefaultKey(d), []any{1, 2, 3, 4, 5})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := []any{2, 4, 6, 8, 10}
	if !equalAny(out, want) {
		t.Fatalf("out = %v, want %v", out, want)
	}
}

func TestRunBelowBatchSizeWaitsForTimeout(t *testing.T) {
	d := newTestDispatcher(t, ServingConfig{
		Serving:      HandlerFunc(doubleEachItem),
		Name:         "timeout",
		BatchSize:    10,
		BatchTimeout: 30 * time.Millisecond,
		Partitions:   1,
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	start := time.Now()
	out, _, err := Run(ctx, d, batchDefaultKey(d), []any{7})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Fatalf("Run returned before the batch timeout could have fired")
	}
	if !equalAny(out, []any{14}) {
		t.Fatalf("out = %v, want [14]", out)
	}
}

func TestKeyedHandlerDispatchesByKey(t *testing.T) {
	d := newTestDispatcher(t, ServingConfig{
		Serving: KeyedHandlerFunc{
			"double": doubleEachItem,
			"negate": func(items []any) ([]any, any, error) {
				out := make([]any, len(items))
				for i, v := range items {
					out[i] = -v.(int)
				}
				return out, nil, nil
			},
		},
		Name:         "keyed",
		BatchSize:    5,
		BatchTimeout: 20 * time.Millisecond,
		Partitions:   1,
		BatchKeys:    []string{"double", "negate"},
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	out, _, err := Run(ctx, d, "double", []any{1, 2})
	if err != nil || !equalAny(out, []any{2, 4}) {
		t.Fatalf("double: out=%v err=%v", out, err)
	}
	out, _, err = Run(ctx, d, "negate", []any{1, 2})
	if err != nil || !equalAny(out, []any{-1, -2}) {
		t.Fatalf("negate: out=%v err=%v", out, err)
	}
}

func TestRunUnknownKeyFails(t *testing.T) {
	d := newTestDispatcher(t, ServingConfig{
		Serving:   HandlerFunc(doubleEachItem),
		Name:      "unknown-key",
		BatchSize: 5,
	})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, _, err := Run(ctx, d, "nope", []any{1}); err == nil {
		t.Fatalf("expected an error for an unregistered key")
	}
}

func TestPartitionsRunConcurrently(t *testing.T) {
	const partitions = 4
	release := make(chan struct{})
	var entered sync.WaitGroup
	entered.Add(partitions)

	blocking := HandlerFunc(func(items []any) ([]any, any, error) {
		entered.Done()
		<-release
		return items, nil, nil
	})

	d := newTestDispatcher(t, ServingConfig{
		Serving:      blocking,
		Name:         "parallel",
		BatchSize:    1,
		BatchTimeout: time.Hour,
		Partitions:   partitions,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan struct{})
	for i := 0; i < partitions; i++ {
		go func(i int) {
			_, _, _ = Run(ctx, d, batchDefaultKey(d), []any{i})
		}(i)
	}
	go func() {
		entered.Wait()
		close(done)
	}()

	select {
	case <-done:
		close(release)
	case <-time.After(time.Second):
		close(release)
		t.Fatalf("not all %d partitions entered concurrently within the deadline", partitions)
	}
}

// squaringHooksHandler squares every item and emits one "progress" hook
// before returning, exercising the hooks-mode wiring end to end.
type squaringHooksHandler struct{}

func (squaringHooksHandler) Init(int, PartitionOptions) (any, error) { return nil, nil }

func (squaringHooksHandler) HandleBatch(b batch.Batch[string, any], _ int, state any, hooks HookEmitter) (Thunk, any, error) {
	items := b.Items()
	return func() ([]any, any, error) {
		hooks.Emit("progress", items)
		out := make([]any, len(items))
		for i, v := range items {
			n := v.(int)
			out[i] = n * n
		}
		return out, nil, nil
	}, state, nil
}

func TestRunHooksEmitsNamedEventsBeforeFinalOutput(t *testing.T) {
	var hookCalls []string

	d := newTestDispatcher(t, ServingConfig{
		Serving:      squaringHooksHandler{},
		Name:         "hooks",
		BatchSize:    3,
		BatchTimeout: time.Hour,
		Partitions:   1,
		Mode:         ModeHooks,
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	out, _, err := RunHooks(ctx, d, batchDefaultKey(d), []any{1, 2, 3}, func(name string, value []any) {
		hookCalls = append(hookCalls, name)
	})
	if err != nil {
		t.Fatalf("RunHooks: %v", err)
	}
	if !equalAny(out, []any{1, 4, 9}) {
		t.Fatalf("out = %v, want squares", out)
	}
	if len(hookCalls) == 0 || hookCalls[0] != "progress" {
		t.Fatalf("hookCalls = %v, want at least one %q event", hookCalls, "progress")
	}
}

func TestRunHooksRejectsOversizeBatch(t *testing.T) {
	d := newTestDispatcher(t, ServingConfig{
		Serving:    squaringHooksHandler{},
		Name:       "hooks-oversize",
		BatchSize:  2,
		Partitions: 1,
		Mode:       ModeHooks,
	})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, _, err := RunHooks(ctx, d, batchDefaultKey(d), []any{1, 2, 3}, nil); err != ErrOversizeBatch {
		t.Fatalf("err = %v, want ErrOversizeBatch", err)
	}
}

func TestRunHooksRejectsNonHooksDispatcher(t *testing.T) {
	d := newTestDispatcher(t, ServingConfig{
		Serving:   HandlerFunc(doubleEachItem),
		Name:      "not-hooks",
		BatchSize: 5,
	})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, _, err := RunHooks(ctx, d, batchDefaultKey(d), []any{1}, nil); err != ErrModeMismatch {
		t.Fatalf("err = %v, want ErrModeMismatch", err)
	}
}

func TestRunStreamDeliversAllChunksWithBackpressure(t *testing.T) {
	d := newTestDispatcher(t, ServingConfig{
		Serving:      HandlerFunc(doubleEachItem),
		Name:         "stream",
		BatchSize:    2,
		BatchTimeout: 20 * time.Millisecond,
		Partitions:   1,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	in := make(chan []any)
	stream, err := RunStream(ctx, d, batchDefaultKey(d), in)
	if err != nil {
		t.Fatalf("RunStream: %v", err)
	}
	defer stream.Close()

	go func() {
		in <- []any{1, 2}
		in <- []any{3}
		close(in)
	}()

	var got []any
	for {
		items, _, ok, err := stream.Next(ctx)
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if !ok {
			break
		}
		got = append(got, items...)
	}
	want := []any{2, 4, 6}
	if !equalAny(got, want) {
		t.Fatalf("got = %v, want %v", got, want)
	}
}

func TestStreamRejectsConcurrentNext(t *testing.T) {
	d := newTestDispatcher(t, ServingConfig{
		Serving:      HandlerFunc(doubleEachItem),
		Name:         "misuse",
		BatchSize:    5,
		BatchTimeout: time.Hour,
		Partitions:   1,
	})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	stream, err := RunBatches(ctx, d, batchDefaultKey(d), []any{1, 2, 3})
	if err != nil {
		t.Fatalf("RunBatches: %v", err)
	}
	defer stream.Close()

	stream.busy.Store(true) // simulate a Next already in flight
	_, _, _, err = stream.Next(ctx)
	if err != ErrStreamMisuse {
		t.Fatalf("err = %v, want ErrStreamMisuse", err)
	}
}

func TestStopFailsQueuedWorkWithNoProcess(t *testing.T) {
	d, err := New(ServingConfig{
		Serving:      HandlerFunc(doubleEachItem),
		Name:         "stop",
		BatchSize:    10,
		BatchTimeout: time.Hour,
		Partitions:   1,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	d.Start()

	w := newWaiter()
	defer w.close()
	key := batchDefaultKey(d)
	if err := d.send(msgArrival{key: key, b: batch.Stack[string, any](key, 1), w: w}); err != nil {
		t.Fatalf("send: %v", err)
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := d.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	select {
	case r := <-w.ch:
		if r.kind != replyDown || r.reason != ErrNoProcess {
			t.Fatalf("reply = %+v, want a replyDown with ErrNoProcess", r)
		}
	default:
		t.Fatalf("expected the queued waiter to be notified on shutdown")
	}
}

// TestStopReturnsPromptlyWithABlockedHandlerStillRunning guards against a
// regression where Stop's grace window degenerated into a fixed wait: a
// worker still running when Stop is called must still be able to report its
// completion back to handleShutdown's wait loop, even though stopped is
// already closed by the time it finishes.
func TestStopReturnsPromptlyWithABlockedHandlerStillRunning(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	blocking := HandlerFunc(func(items []any) ([]any, any, error) {
		close(entered)
		<-release
		return items, nil, nil
	})

	d, err := New(ServingConfig{
		Serving:      blocking,
		Name:         "blocked-stop",
		BatchSize:    1,
		BatchTimeout: time.Hour,
		Partitions:   1,
		Shutdown:     2 * time.Second,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	d.Start()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	runDone := make(chan struct{})
	go func() {
		_, _, _ = Run(ctx, d, batchDefaultKey(d), []any{1})
		close(runDone)
	}()

	<-entered // the handler is now blocked inside the worker goroutine

	stopDone := make(chan error, 1)
	go func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), d.cfg.Shutdown)
		defer stopCancel()
		stopDone <- d.Stop(stopCtx)
	}()

	time.Sleep(20 * time.Millisecond) // let Stop close stopped and post msgShutdown first
	close(release)                    // unblock the handler

	select {
	case err := <-stopDone:
		if err != nil {
			t.Fatalf("Stop: %v", err)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("Stop did not return promptly after the blocked handler finished; it waited out the full Shutdown grace window instead of observing the completion")
	}
	<-runDone
}

func equalAny(a, b []any) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if fmt.Sprint(a[i]) != fmt.Sprint(b[i]) {
			return false
		}
	}
	return true
}

func batchDefaultKey(d *Dispatcher) string {
	return d.cfg.BatchKeys[0]
}
