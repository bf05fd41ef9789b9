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

// Package dispatcher implements a batching request dispatcher: a long-lived
// service that accumulates work items from many concurrent callers into
// batches bounded by size and time, routes each batch through a
// user-supplied Handler, and slices the aggregate output back to each
// originating caller.
//
// A Dispatcher owns a single goroutine that processes arrivals, timer
// fires, and worker completions one at a time; everything it owns (per-key
// accumulators, the ready-key queue, the free-partition queue, in-flight
// task records) is touched only from that goroutine. Workers run the
// handler's compute function concurrently, bounded by the configured number
// of partitions, and reply directly to waiting callers.
package dispatcher
