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

	"batchdispatch/batch"
)

// InlineHandler is the compute capability set for InlineRun: no partitions,
// no accumulation, just one call per chunk.
type InlineHandler interface {
	HandleBatch(b batch.Batch[string, any], hooks HookEmitter) (Thunk, error)
}

// InlineHandlerFunc adapts a plain compute function into an InlineHandler.
type InlineHandlerFunc func(items []any) (output []any, metadata any, err error)

// HandleBatch implements InlineHandler.
func (f InlineHandlerFunc) HandleBatch(b batch.Batch[string, any], _ HookEmitter) (Thunk, error) {
	items := b.Items()
	return func() ([]any, any, error) { return f(items) }, nil
}

// InlineRun runs items through h with no dispatcher, no accumulation, and no
// partitions — spec §4.7. If chunkSize is positive and items exceeds it,
// items is split into successive chunkSize-sized chunks and h is invoked
// once per chunk, in order; metadatas[i] is the i'th chunk's metadata. If
// chunkSize is zero or items fits within it, items runs through h as a
// single invocation and metadatas has exactly one element.
func InlineRun(ctx context.Context, h InlineHandler, key string, items []any, chunkSize int, onHook func(name string, value []any)) (output []any, metadatas []any, err error) {
	if len(items) == 0 {
		return nil, nil, ErrEmptyBatch
	}

	whole := batch.Stack(key, items...)
	if chunkSize <= 0 || whole.Size() <= chunkSize {
		out, meta, err := runInlineChunk(ctx, h, whole, chunkSize, onHook)
		if err != nil {
			return nil, nil, err
		}
		return out, []any{meta}, nil
	}

	output = make([]any, 0, whole.Size())
	metadatas = make([]any, 0, (whole.Size()+chunkSize-1)/chunkSize)
	rest := whole
	for !rest.Empty() {
		var chunk batch.Batch[string, any]
		chunk, rest = rest.Split(chunkSize)
		out, meta, err := runInlineChunk(ctx, h, chunk, chunkSize, onHook)
		if err != nil {
			return nil, nil, err
		}
		output = append(output, out...)
		metadatas = append(metadatas, meta)
	}
	return output, metadatas, nil
}

// runInlineChunk invokes h on one chunk, rejecting it outright if it still
// exceeds chunkSize — InlineRun's own splitting never produces such a
// chunk, so hitting this means a caller built and passed a chunk by hand
// rather than going through InlineRun's Split.
func runInlineChunk(ctx context.Context, h InlineHandler, chunk batch.Batch[string, any], chunkSize int, onHook func(name string, value []any)) (output []any, metadata any, err error) {
	if chunkSize > 0 && chunk.Size() > chunkSize {
		return nil, nil, ErrInlineBatchExceedsChunkSize
	}

	var hooks HookEmitter = noopHooks{}
	if onHook != nil {
		hooks = inlineHookEmitter(onHook)
	}

	thunk, err := h.HandleBatch(chunk, hooks)
	if err != nil {
		return nil, nil, err
	}

	done := make(chan struct{})
	go func() {
		output, metadata, err = safeInvoke(thunk)
		close(done)
	}()
	select {
	case <-done:
		return output, metadata, err
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
}

// inlineHookEmitter adapts a plain callback into a HookEmitter for the
// inline path, where there is exactly one caller and no ref-sizes to fan
// out across.
type inlineHookEmitter func(name string, value []any)

func (f inlineHookEmitter) Emit(name string, value []any) { f(name, value) }
