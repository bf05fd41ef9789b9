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

// Package dispatcher implements a long-lived batching request dispatcher: a
// single goroutine accumulates incoming work items into size- or
// time-bounded batches, routes sealed batches through a user-supplied
// Handler across a fixed pool of partitions, and slices the handler's output
// back to the callers whose items were folded into it.
package dispatcher

import "context"

// New validates cfg, applies its defaults, runs Handler.Init once per
// partition, and returns a Dispatcher ready for Start.
func New(cfg ServingConfig) (*Dispatcher, error) {
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	d := newDispatcher(cfg)
	for p := 0; p < cfg.Partitions; p++ {
		state, err := cfg.Serving.Init(p, PartitionOptions{BatchKeys: cfg.BatchKeys})
		if err != nil {
			return nil, err
		}
		d.partitionState[p] = state
	}
	if lo, ok := cfg.Metrics.(LoadObserver); ok {
		lo.ObserveLoad(d.load.Value)
	}
	return d, nil
}

// Start launches the dispatcher's single-writer goroutine. Calling Start
// more than once is a programming error; a Dispatcher is not reusable after
// Stop.
func (d *Dispatcher) Start() {
	go d.run()
}

// Stop drains the dispatcher: queued and accumulating work is failed
// immediately with ErrNoProcess, in-flight tasks are given up to
// ServingConfig.Shutdown to finish normally, and anything still running past
// that deadline is also failed with ErrNoProcess. Stop blocks until the
// dispatcher's goroutine has exited. ctx's deadline, if any, bounds how long
// the caller waits for that exit on top of the configured grace window.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.stopOnce.Do(func() {
		close(d.stopped)
		ack := make(chan struct{})
		d.mailbox <- msgShutdown{ack: ack}
		<-ack
	})
	select {
	case <-d.runDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
