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

import "errors"

// Configuration errors are returned synchronously by New.
var ErrConfiguration = errors.New("dispatcher: configuration error")

// Validation errors are raised synchronously on the submitting call.
var (
	ErrEmptyBatch          = errors.New("dispatcher: batch is empty")
	ErrUnknownKey          = errors.New("dispatcher: unknown batch key")
	ErrOversizeBatch       = errors.New("dispatcher: batch exceeds configured batch size")
	ErrStreamNotAllowed    = errors.New("dispatcher: hooks mode requires a single batch, not a stream")
	ErrBadPreprocessResult = errors.New("dispatcher: preprocessing returned an unrecognized input shape")
)

// ErrStreamMisuse is returned by a Stream's Next when another Next call on
// the same Stream is still in progress. Which goroutine calls Next is not
// checked.
var ErrStreamMisuse = errors.New("dispatcher: output stream consumed outside the submitting call")

// ErrNotRunning is returned by Run, RunHooks and RunBatches (and ends a
// RunStream feed) when the dispatcher has already been told to stop.
var ErrNotRunning = errors.New("dispatcher: not running")

// ErrNoProcess is the DOWN reason sent to every waiter still queued,
// accumulating, or in-flight past the shutdown grace window when the
// dispatcher stops — spec §4.4's "noproc".
var ErrNoProcess = errors.New("dispatcher: noproc")

// ErrModeMismatch is returned when a client call is only valid for a
// dispatcher configured with a particular Mode and the dispatcher was
// configured with a different one.
var ErrModeMismatch = errors.New("dispatcher: call not valid for this dispatcher's configured mode")

// ErrInlineBatchExceedsChunkSize is the inline path's own oversize error.
// The spec calls out that the source's inline-path error text references a
// server-side limit as a documentation gap; this implementation gives the
// inline path independent wording instead of inheriting the dispatcher's.
var ErrInlineBatchExceedsChunkSize = errors.New("dispatcher: inline run received more items than the configured chunk size, and can only happen if a caller bypasses Split")
