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
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsSink receives the dispatcher's named telemetry callouts. Spec §1
// treats telemetry as an external collaborator ("named callouts only"); this
// interface is that callout surface. Callers may supply their own
// implementation or use NewPrometheusMetrics.
type MetricsSink interface {
	// OnArrival is called once per accepted arrival, before sealing rules
	// are evaluated.
	OnArrival(key string, size int)
	// OnSealed is called once per sealed batch, with the reason it sealed.
	OnSealed(key string, size int, reason SealReason)
	// OnDispatched is called when a sealed batch starts executing on a
	// partition.
	OnDispatched(key string, partition int, size int)
	// OnCompleted is called when a dispatched batch's Thunk returns,
	// successfully or not.
	OnCompleted(key string, partition int, size int, duration time.Duration, err error)
	// OnQueueDepth reports the current ready-key and free-partition queue
	// depths after each dispatcher message is processed.
	OnQueueDepth(inQueue, outQueue int)
}

// LoadObserver is an optional capability a MetricsSink can implement to
// expose a Dispatcher's in-flight item count as one of its own series.
// New calls ObserveLoad once, at construction, with a function that reads
// the dispatcher's loadgauge.Gauge — the sink decides how (or whether) to
// publish it.
type LoadObserver interface {
	ObserveLoad(value func() int64)
}

// FailureRecorder is an optional MetricsSink capability for persisting
// dispatch-level failures out of band — e.g. telemetry.AuditSink writing to
// Postgres. A Dispatcher calls RecordFailure once per failed sealed batch
// (Handler error, Thunk error or panic) and once per batch or arrival failed
// by the shutdown drain, off its own goroutine, whenever cfg.Metrics
// implements this interface. Arrivals rejected for an unknown key are not
// recorded.
type FailureRecorder interface {
	RecordFailure(ctx context.Context, key string, reason error, waiterCount int) error
}

// combinedSink composes a MetricsSink with a FailureRecorder into the
// single value ServingConfig.Metrics accepts. Interface embedding promotes
// both method sets, so the result still satisfies MetricsSink while a
// type assertion to FailureRecorder also succeeds.
type combinedSink struct {
	MetricsSink
	FailureRecorder
}

// WithFailureRecorder wraps m so a Dispatcher's failing seals are also
// reported to fr — e.g. NewPrometheusMetrics(...) counters alongside a
// telemetry.AuditSink writing an audit trail to Postgres.
func WithFailureRecorder(m MetricsSink, fr FailureRecorder) MetricsSink {
	return combinedSink{MetricsSink: m, FailureRecorder: fr}
}

// ObserveLoad forwards to m's own ObserveLoad if it has one, so wrapping a
// LoadObserver-capable sink (like promMetrics) in WithFailureRecorder does
// not silently drop its load-gauge wiring.
func (c combinedSink) ObserveLoad(value func() int64) {
	if lo, ok := c.MetricsSink.(LoadObserver); ok {
		lo.ObserveLoad(value)
	}
}

// SealReason records why an accumulator sealed, for OnSealed.
type SealReason int

const (
	// SealReasonSizeFull: the accumulator reached exactly the configured
	// batch size.
	SealReasonSizeFull SealReason = iota
	// SealReasonOverflow: an arrival would have exceeded the configured
	// batch size and forced an early seal (with or without a split).
	SealReasonOverflow
	// SealReasonTimeout: the batch timeout fired.
	SealReasonTimeout
)

func (r SealReason) String() string {
	switch r {
	case SealReasonSizeFull:
		return "size_full"
	case SealReasonOverflow:
		return "overflow"
	case SealReasonTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

type noopMetrics struct{}

func (noopMetrics) OnArrival(string, int)                                    {}
func (noopMetrics) OnSealed(string, int, SealReason)                         {}
func (noopMetrics) OnDispatched(string, int, int)                            {}
func (noopMetrics) OnCompleted(string, int, int, time.Duration, error)       {}
func (noopMetrics) OnQueueDepth(int, int)                                    {}

// promMetrics implements MetricsSink on top of Prometheus counters,
// gauges, and a histogram, grounded on
// internal/ratelimiter/telemetry/churn/prom_counters.go's package-level
// vars + explicit MustRegister idiom — the difference being these are
// instance fields (a dispatcher's Name labels every series) rather than
// package globals, since a process may host more than one dispatcher.
type promMetrics struct {
	reg    prometheus.Registerer
	labels prometheus.Labels

	arrivals   *prometheus.CounterVec
	sealed     *prometheus.CounterVec
	dispatched *prometheus.CounterVec
	completed  *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	inQueue    prometheus.Gauge
	outQueue   prometheus.Gauge
}

// NewPrometheusMetrics builds a MetricsSink that registers its series on reg
// under the given dispatcher name label. Pass prometheus.DefaultRegisterer
// for process-wide /metrics exposition, as cmd/dispatchd does via
// promhttp.Handler().
func NewPrometheusMetrics(reg prometheus.Registerer, name string) MetricsSink {
	labels := prometheus.Labels{"dispatcher": name}
	m := &promMetrics{
		reg:    reg,
		labels: labels,
		arrivals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "batchdispatch_arrivals_total",
			Help:        "Total items in accepted arrivals, per key.",
			ConstLabels: labels,
		}, []string{"key"}),
		sealed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "batchdispatch_sealed_total",
			Help:        "Total batches sealed per key and reason.",
			ConstLabels: labels,
		}, []string{"key", "reason"}),
		dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "batchdispatch_dispatched_total",
			Help:        "Total batches handed to a partition.",
			ConstLabels: labels,
		}, []string{"key", "partition"}),
		completed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "batchdispatch_completed_total",
			Help:        "Total batch executions completed, labeled by outcome.",
			ConstLabels: labels,
		}, []string{"key", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "batchdispatch_batch_duration_seconds",
			Help:        "Wall-clock duration of a batch's Thunk execution.",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"key"}),
		inQueue: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "batchdispatch_in_queue_depth",
			Help:        "Number of ready keys currently queued for a partition.",
			ConstLabels: labels,
		}),
		outQueue: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "batchdispatch_out_queue_depth",
			Help:        "Number of free partitions currently idle.",
			ConstLabels: labels,
		}),
	}
	reg.MustRegister(m.arrivals, m.sealed, m.dispatched, m.completed, m.duration, m.inQueue, m.outQueue)
	return m
}

func (m *promMetrics) OnArrival(key string, size int) {
	m.arrivals.WithLabelValues(key).Add(float64(size))
}

func (m *promMetrics) OnSealed(key string, size int, reason SealReason) {
	m.sealed.WithLabelValues(key, reason.String()).Inc()
}

func (m *promMetrics) OnDispatched(key string, partition int, size int) {
	m.dispatched.WithLabelValues(key, strconv.Itoa(partition)).Inc()
}

func (m *promMetrics) OnCompleted(key string, partition int, size int, duration time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.completed.WithLabelValues(key, outcome).Inc()
	m.duration.WithLabelValues(key).Observe(duration.Seconds())
}

func (m *promMetrics) OnQueueDepth(inQueue, outQueue int) {
	m.inQueue.Set(float64(inQueue))
	m.outQueue.Set(float64(outQueue))
}

// ObserveLoad implements LoadObserver by registering a GaugeFunc that reads
// value on every scrape — the dispatcher's loadgauge.Gauge never pushes,
// Prometheus pulls, so there is nothing to update on the hot path.
func (m *promMetrics) ObserveLoad(value func() int64) {
	m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name:        "batchdispatch_in_flight_items",
		Help:        "Current number of items dispatched to a partition but not yet completed.",
		ConstLabels: m.labels,
	}, func() float64 { return float64(value()) }))
}
