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

// Package telemetry provides optional, out-of-band sinks for deployments
// that want more than in-process counters: an audit trail of failures, and
// a durable event log of named hook callouts. AuditSink structurally
// implements dispatcher.FailureRecorder — pass it to
// dispatcher.WithFailureRecorder alongside a MetricsSink (e.g.
// NewPrometheusMetrics) and a Dispatcher records every failing seal to it
// automatically. *EventEmitter implements dispatcher.HookEmitter directly
// and can be assigned to dispatcher.ServingConfig.HookSink.
package telemetry

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Postgres schema (reference):
//
// CREATE TABLE IF NOT EXISTS dispatch_failures (
//   id BIGSERIAL PRIMARY KEY,
//   dispatcher TEXT NOT NULL,
//   key TEXT NOT NULL,
//   reason TEXT NOT NULL,
//   waiter_count INT NOT NULL,
//   occurred_at TIMESTAMPTZ NOT NULL DEFAULT now()
// );
// CREATE INDEX IF NOT EXISTS idx_dispatch_failures_key ON dispatch_failures(key);
//
// Deliberately narrow: this sink never stores batch items or handler
// output. It exists to answer "what failed, how often, and when", not to
// replay or reconstruct batches — durable batch data is explicitly out of
// scope (the dispatcher is not a queueing system).

// AuditSink records sealed-batch failures to Postgres for later inspection,
// grounded on internal/ratelimiter/persistence/postgres.go's database/sql
// + ExecContext idiom (adapted from an idempotent counter commit into a
// straight append-only insert, since audit rows have no commit-id
// deduplication requirement).
type AuditSink struct {
	db             *sql.DB
	dispatcherName string
	defaultTimeout time.Duration
}

// NewAuditSink wraps an already-opened *sql.DB. Registering a concrete
// Postgres driver (e.g. via a blank import of a driver package) is the
// caller's responsibility, same as every database/sql user in this module.
func NewAuditSink(db *sql.DB, dispatcherName string) *AuditSink {
	return &AuditSink{db: db, dispatcherName: dispatcherName, defaultTimeout: 5 * time.Second}
}

// RecordFailure appends one row for a sealed batch that failed, covering
// either a Handler/Thunk error or a shutdown-time ErrNoProcess.
func (s *AuditSink) RecordFailure(ctx context.Context, key string, reason error, waiterCount int) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.defaultTimeout)
		defer cancel()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dispatch_failures(dispatcher, key, reason, waiter_count) VALUES ($1, $2, $3, $4)`,
		s.dispatcherName, key, reason.Error(), waiterCount)
	if err != nil {
		return fmt.Errorf("telemetry: record failure: %w", err)
	}
	return nil
}
