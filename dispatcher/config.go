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

	"go.uber.org/zap"

	"batchdispatch/batch"
)

// Mode selects one of the three mutually exclusive output modes, fixed at
// startup.
type Mode int

const (
	// ModeExecute is the default: waiters receive batch replies and the
	// client reassembles a concrete value.
	ModeExecute Mode = iota
	// ModeBatches is wire-compatible with ModeExecute but exposes a
	// per-batch sequence to postprocessing instead of a single value.
	ModeBatches
	// ModeHooks allows the compute function to stream named intermediate
	// values mid-execution. Inputs must be a single batch, not a stream.
	ModeHooks
)

func (m Mode) String() string {
	switch m {
	case ModeExecute:
		return "execute"
	case ModeBatches:
		return "batches"
	case ModeHooks:
		return "hooks"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Thunk produces a batch's output and metadata. It runs on a worker
// goroutine, one at a time per partition slot.
type Thunk func() (output []any, metadata any, err error)

// HookEmitter lets a Thunk stream named intermediate values in ModeHooks. It
// is only meaningful for handlers running under ModeHooks; other modes pass
// a no-op emitter.
type HookEmitter interface {
	// Emit sends a hook{name, value} event, sliced per-waiter, to every
	// waiter of the batch currently executing on this partition.
	Emit(name string, value []any)
}

// Handler is the user-supplied compute capability set. Init runs once per
// partition at startup; HandleBatch runs once per sealed batch and returns
// a Thunk to execute plus the handler's updated per-partition state.
type Handler interface {
	// Init prepares per-partition state. New calls it once for each of the
	// ServingConfig.Partitions partitions, passing the partition index and
	// options carrying the batch key allowlist.
	Init(partition int, opts PartitionOptions) (any, error)
	// HandleBatch inspects a sealed batch and returns a Thunk to run on the
	// given partition, plus the handler's updated state.
	HandleBatch(b batch.Batch[string, any], partition int, state any, hooks HookEmitter) (Thunk, any, error)
}

// PartitionOptions is handed to Handler.Init for each partition.
type PartitionOptions struct {
	BatchKeys []string
}

// HandlerFunc adapts a plain compute function (batch in, batch out) into a
// Handler, for the common single-arity case that doesn't need per-partition
// state or key-dispatch.
type HandlerFunc func(items []any) (output []any, metadata any, err error)

// Init implements Handler; HandlerFunc carries no per-partition state.
func (f HandlerFunc) Init(int, PartitionOptions) (any, error) { return nil, nil }

// HandleBatch implements Handler by wrapping f in a Thunk that ignores
// hooks and state.
func (f HandlerFunc) HandleBatch(b batch.Batch[string, any], _ int, state any, _ HookEmitter) (Thunk, any, error) {
	items := b.Items()
	return func() ([]any, any, error) {
		return f(items)
	}, state, nil
}

// KeyedHandlerFunc dispatches to a per-key compute function, mirroring the
// spec's "key-dispatching form" of the default handler: a per-partition map
// of key -> compute function.
type KeyedHandlerFunc map[string]func(items []any) (output []any, metadata any, err error)

// Init implements Handler.
func (f KeyedHandlerFunc) Init(int, PartitionOptions) (any, error) { return nil, nil }

// HandleBatch implements Handler by looking up the batch's key in the map.
func (f KeyedHandlerFunc) HandleBatch(b batch.Batch[string, any], _ int, state any, _ HookEmitter) (Thunk, any, error) {
	fn, ok := f[b.Key()]
	if !ok {
		return nil, state, fmt.Errorf("%w: %s", ErrUnknownKey, b.Key())
	}
	items := b.Items()
	return func() ([]any, any, error) {
		return fn(items)
	}, state, nil
}

// ServingConfig configures a Dispatcher.
type ServingConfig struct {
	// Serving is the user handler. Required.
	Serving Handler
	// Name identifies the dispatcher, globally unique within the node.
	// Required.
	Name string
	// BatchSize L bounds a sealed batch's item count. Default 1.
	BatchSize int
	// BatchTimeout bounds how long an accumulator waits before sealing.
	// Default 100ms.
	BatchTimeout time.Duration
	// Partitions is the number of concurrently runnable batches. Default 1.
	Partitions int
	// BatchKeys lists the allowed batch keys. Default [batch.DefaultKey].
	BatchKeys []string
	// Shutdown bounds how long in-flight tasks are given to finish during
	// Stop. Default 30s.
	Shutdown time.Duration
	// Mode selects the output mode. Default ModeExecute.
	Mode Mode
	// Logger receives structured diagnostics. Default a no-op logger.
	Logger *zap.Logger
	// Metrics receives named telemetry callouts. Default a no-op sink.
	Metrics MetricsSink
	// HookSink, when set, receives every ModeHooks Emit call alongside the
	// task's own waiters — e.g. a telemetry.EventEmitter publishing hook
	// events to Kafka for durable, out-of-band consumption. Ignored outside
	// ModeHooks.
	HookSink HookEmitter
}

func (c *ServingConfig) setDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 1
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = 100 * time.Millisecond
	}
	if c.Partitions <= 0 {
		c.Partitions = 1
	}
	if len(c.BatchKeys) == 0 {
		c.BatchKeys = []string{batch.DefaultKey}
	}
	if c.Shutdown <= 0 {
		c.Shutdown = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Metrics == nil {
		c.Metrics = noopMetrics{}
	}
}

func (c *ServingConfig) validate() error {
	if c.Serving == nil {
		return fmt.Errorf("%w: serving handler is required", ErrConfiguration)
	}
	if c.Name == "" {
		return fmt.Errorf("%w: name is required", ErrConfiguration)
	}
	if c.Mode == ModeHooks && c.BatchSize <= 0 {
		return fmt.Errorf("%w: hooks mode requires a positive batch size", ErrConfiguration)
	}
	seen := make(map[string]struct{}, len(c.BatchKeys))
	for _, k := range c.BatchKeys {
		if _, dup := seen[k]; dup {
			return fmt.Errorf("%w: duplicate batch key %q", ErrConfiguration, k)
		}
		seen[k] = struct{}{}
	}
	return nil
}

func (c *ServingConfig) allowsKey(k string) bool {
	for _, allowed := range c.BatchKeys {
		if allowed == k {
			return true
		}
	}
	return false
}
