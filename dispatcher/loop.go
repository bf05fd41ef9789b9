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
	"sync"
	"time"

	"go.uber.org/zap"

	"batchdispatch/batch"
	"batchdispatch/internal/loadgauge"
)

// Dispatcher owns every mutable structure described in spec §3: the stack
// registry, the per-key pending-batch queues, InQueue, OutQueue, and the
// in-flight task table. All of it is touched exclusively by the single
// goroutine run by run() — the same single-writer-owns-shared-state shape
// plugin/tfd/sservice.go uses for its S/V lane state, just with a batching
// accumulator in place of a lane.
type Dispatcher struct {
	cfg ServingConfig

	registry *stackRegistry
	pending  map[string]*fifo[sealedBatch]
	inQueue  *fifo[string]
	outQueue *fifo[int]

	partitionState []any
	tasks          map[uint64]*taskRecord
	nextTaskID     uint64
	nextTimerTag   uint64

	load *loadgauge.Gauge

	mailbox  chan any
	stopped  chan struct{}
	runDone  chan struct{}
	stopOnce sync.Once
}

// mailbox message shapes. Unlike an Erlang-style actor these never carry a
// "from" pid to reply through — replies go directly over the waiter channel
// captured in the message, which is cheaper and just as safe since Go
// closures don't cross process boundaries.
type (
	msgArrival struct {
		key      string
		b        batch.Batch[string, any]
		w        *waiter
		producer *waiter
	}
	msgTimeout struct {
		key string
		tag uint64
	}
	msgDone struct{ taskID uint64 }
	msgDown struct {
		taskID uint64
		reason error
	}
	msgShutdown struct{ ack chan struct{} }
)

func newDispatcher(cfg ServingConfig) *Dispatcher {
	d := &Dispatcher{
		cfg:            cfg,
		registry:       newStackRegistry(cfg.BatchKeys),
		pending:        make(map[string]*fifo[sealedBatch], len(cfg.BatchKeys)),
		inQueue:        newFifo[string](),
		outQueue:       newFifo[int](),
		partitionState: make([]any, cfg.Partitions),
		tasks:          make(map[uint64]*taskRecord),
		load:           loadgauge.New(),
		mailbox:        make(chan any, 64),
		stopped:        make(chan struct{}),
		runDone:        make(chan struct{}),
	}
	for _, k := range cfg.BatchKeys {
		d.pending[k] = newFifo[sealedBatch]()
	}
	for p := 0; p < cfg.Partitions; p++ {
		d.outQueue.push(p)
	}
	return d
}

// send posts m to the mailbox, returning ErrNotRunning instead of blocking
// forever if the dispatcher has already been told to stop. Only for new
// submissions: Stop refuses to admit more work once stopped is closed.
func (d *Dispatcher) send(m any) error {
	select {
	case <-d.stopped:
		return ErrNotRunning
	default:
	}
	select {
	case d.mailbox <- m:
		return nil
	case <-d.stopped:
		return ErrNotRunning
	}
}

// postCompletion posts a worker's msgDone/msgDown to the mailbox. Unlike
// send, it is never gated on stopped: handleShutdown's own wait loop reads
// the mailbox directly during the grace window specifically to observe
// these, so gating them the same way new submissions are gated would drop
// every in-flight completion and turn the grace window into a mandatory
// wait instead of an upper bound. It only gives up once the dispatcher
// goroutine has actually exited (runDone), so it never blocks forever.
func (d *Dispatcher) postCompletion(m any) {
	select {
	case d.mailbox <- m:
	case <-d.runDone:
	}
}

func (d *Dispatcher) run() {
	defer close(d.runDone)
	for raw := range d.mailbox {
		switch m := raw.(type) {
		case msgArrival:
			d.handleArrival(m)
		case msgTimeout:
			d.handleTimeout(m)
		case msgDone:
			d.retirePartition(m.taskID)
		case msgDown:
			d.retirePartition(m.taskID)
		case msgShutdown:
			d.handleShutdown(m.ack)
			return
		}
		d.cfg.Metrics.OnQueueDepth(d.inQueue.len(), d.outQueue.len())
	}
}

func (d *Dispatcher) retirePartition(taskID uint64) {
	t, ok := d.tasks[taskID]
	if !ok {
		return
	}
	delete(d.tasks, taskID)
	d.outQueue.push(t.partition)
	d.maybeDispatch()
}

// handleArrival accepts one arrival into its key's accumulator and applies
// the sealing rules of spec §4.1.
func (d *Dispatcher) handleArrival(m msgArrival) {
	a := d.registry.get(m.key)
	if a == nil || !d.cfg.allowsKey(m.key) {
		m.w.send(reply{kind: replyDown, reason: ErrUnknownKey})
		return
	}
	d.cfg.Metrics.OnArrival(m.key, m.b.Size())
	d.arrive(a, entry{waiter: m.w, producer: m.producer, b: m.b})
}

// arrive implements the five arrival cases of spec §4.1 against accumulator
// a for one entry e. It recurses at most once per oversize split fragment,
// since each recursive call's effective c is reset to 0 by the seal it
// follows.
func (d *Dispatcher) arrive(a *accumulator, e entry) {
	s := e.b.Size()
	c := a.count
	L := d.cfg.BatchSize

	switch {
	case s == L:
		if len(a.entries) > 0 {
			d.sealAndEnqueue(a, SealReasonOverflow)
		}
		a.push(e)
		d.sealAndEnqueue(a, SealReasonSizeFull)

	case s+c > L && d.cfg.Mode == ModeHooks:
		// Hooks mode cannot split an incoming batch: every hook event a
		// Thunk emits must originate from exactly one caller's task, so
		// the caller's own batch goes into the next generation whole
		// rather than being fragmented across two sealed batches.
		if len(a.entries) > 0 {
			d.sealAndEnqueue(a, SealReasonOverflow)
		}
		a.push(e)
		d.armTimer(a)

	case s+c > L:
		prefix, suffix := e.b.Split(L - c)
		a.push(entry{waiter: e.waiter, producer: e.producer, b: prefix})
		d.sealAndEnqueue(a, SealReasonOverflow)
		if !suffix.Empty() {
			d.arrive(a, entry{waiter: e.waiter, producer: e.producer, b: suffix})
		}

	case s+c < L:
		a.push(e)
		if a.timer == timerNone {
			d.armTimer(a)
		}

	default: // s+c == L
		a.push(e)
		d.sealAndEnqueue(a, SealReasonSizeFull)
	}
}

func (d *Dispatcher) pendingFor(key string) *fifo[sealedBatch] {
	q := d.pending[key]
	if q == nil {
		q = newFifo[sealedBatch]()
		d.pending[key] = q
	}
	return q
}

func (d *Dispatcher) sealAndEnqueue(a *accumulator, reason SealReason) {
	sb, ok := a.seal()
	if !ok {
		return
	}
	d.cfg.Metrics.OnSealed(a.key, sb.merged.Size(), reason)
	d.pendingFor(a.key).push(sb)
	d.inQueue.push(a.key)
	d.maybeDispatch()
}

func (d *Dispatcher) armTimer(a *accumulator) {
	d.nextTimerTag++
	tag := d.nextTimerTag
	key := a.key
	timer := time.AfterFunc(d.cfg.BatchTimeout, func() {
		select {
		case d.mailbox <- msgTimeout{key: key, tag: tag}:
		case <-d.stopped:
		}
	})
	a.timer = timerArmed
	a.timerTag = tag
	a.timerCancel = func() { timer.Stop() }
}

// handleTimeout applies the three cases of spec §4.2. A tag mismatch (or an
// accumulator no longer armed at all) means this fire raced a seal that
// already happened and is simply ignored.
func (d *Dispatcher) handleTimeout(m msgTimeout) {
	a := d.registry.get(m.key)
	if a == nil || a.timer != timerArmed || a.timerTag != m.tag {
		return
	}
	if d.outQueue.len() > 0 {
		d.sealAndEnqueue(a, SealReasonTimeout)
		return
	}
	a.timer = timerDone
	a.timerCancel = nil
	d.inQueue.push(a.key)
}

// maybeDispatch implements spec §4.3's dispatch loop: pair a free partition
// with a ready key, invoke the handler, and spawn the resulting Thunk, until
// either queue runs dry. Stale InQueue entries — a key enqueued more than
// once for the same ready unit of work, which sealAndEnqueue's unconditional
// enqueue can produce when a timeout-done seal races a later overflow seal
// — are absorbed here rather than prevented upstream: they simply find
// nothing to do and are skipped without consuming a partition.
func (d *Dispatcher) maybeDispatch() {
	for {
		p, ok := d.outQueue.pop()
		if !ok {
			return
		}
		dispatched := false
		for {
			k, ok := d.inQueue.pop()
			if !ok {
				d.outQueue.pushFront(p)
				return
			}
			sb, ok := d.pendingFor(k).pop()
			if !ok {
				a := d.registry.get(k)
				sb, ok = a.seal()
				if !ok {
					continue // stale entry; try the next key, same partition
				}
				d.cfg.Metrics.OnSealed(k, sb.merged.Size(), SealReasonTimeout)
			}
			d.startTask(k, p, sb)
			dispatched = true
			break
		}
		if !dispatched {
			return
		}
	}
}

func (d *Dispatcher) startTask(key string, partition int, sb sealedBatch) {
	d.cfg.Metrics.OnDispatched(key, partition, sb.merged.Size())

	var hooks HookEmitter = noopHooks{}
	if d.cfg.Mode == ModeHooks {
		hooks = &hookEmitter{refSizes: sb.refSizes}
		if d.cfg.HookSink != nil {
			hooks = multiEmitter{hooks, d.cfg.HookSink}
		}
	}

	thunk, newState, err := d.cfg.Serving.HandleBatch(sb.merged, partition, d.partitionState[partition], hooks)
	d.partitionState[partition] = newState
	if err != nil {
		for _, rs := range sb.refSizes {
			rs.waiter.send(reply{kind: replyDown, reason: err})
		}
		d.recordFailure(key, err, len(sb.refSizes))
		d.outQueue.push(partition)
		d.maybeDispatch()
		return
	}

	d.nextTaskID++
	taskID := d.nextTaskID
	d.tasks[taskID] = &taskRecord{id: taskID, key: key, partition: partition, refSizes: sb.refSizes}
	size := sb.merged.Size()
	d.load.Add(int64(size))

	go d.runWorker(taskID, key, partition, size, thunk, sb.refSizes)
}

// recordFailure reports a dispatch-level failure to the configured
// MetricsSink's FailureRecorder capability, if it has one. The write
// happens off the caller's goroutine: an audit sink is typically a
// database round trip, and neither the dispatcher's single-writer loop nor
// a worker's completion path may block on it.
func (d *Dispatcher) recordFailure(key string, reason error, waiterCount int) {
	fr, ok := d.cfg.Metrics.(FailureRecorder)
	if !ok || waiterCount == 0 {
		return
	}
	name := d.cfg.Name
	go func() {
		if err := fr.RecordFailure(context.Background(), key, reason, waiterCount); err != nil {
			d.cfg.Logger.Warn("record failure", zap.String("dispatcher", name), zap.String("key", key), zap.Error(err))
		}
	}()
}

func (d *Dispatcher) handleShutdown(ack chan struct{}) {
	for key, q := range d.pending {
		for {
			sb, ok := q.pop()
			if !ok {
				break
			}
			notifyDown(sb.refSizes, ErrNoProcess)
			d.recordFailure(key, ErrNoProcess, len(sb.refSizes))
		}
	}
	d.registry.forEach(func(a *accumulator) {
		if sb, ok := a.seal(); ok {
			notifyDown(sb.refSizes, ErrNoProcess)
			d.recordFailure(a.key, ErrNoProcess, len(sb.refSizes))
		}
	})

	remaining := len(d.tasks)
	deadline := time.NewTimer(d.cfg.Shutdown)
	defer deadline.Stop()
waitLoop:
	for remaining > 0 {
		select {
		case raw := <-d.mailbox:
			switch m := raw.(type) {
			case msgDone:
				if _, ok := d.tasks[m.taskID]; ok {
					delete(d.tasks, m.taskID)
					remaining--
				}
			case msgDown:
				if _, ok := d.tasks[m.taskID]; ok {
					delete(d.tasks, m.taskID)
					remaining--
				}
			case msgArrival:
				notifyDown([]refSize{{waiter: m.w, producer: m.producer}}, ErrNoProcess)
				d.recordFailure(m.key, ErrNoProcess, 1)
			}
		case <-deadline.C:
			break waitLoop
		}
	}
	for _, t := range d.tasks {
		notifyDown(t.refSizes, ErrNoProcess)
		d.recordFailure(t.key, ErrNoProcess, len(t.refSizes))
	}
	d.cfg.Logger.Info("dispatcher stopped", zap.String("name", d.cfg.Name), zap.Int("abandoned_tasks", remaining))
	close(ack)
}

func notifyDown(refSizes []refSize, reason error) {
	for _, rs := range refSizes {
		rs.waiter.send(reply{kind: replyDown, reason: reason})
		if rs.producer != nil {
			rs.producer.send(reply{kind: replyDown, reason: reason})
		}
	}
}
