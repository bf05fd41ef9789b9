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

package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Producer abstracts the minimal surface needed to publish an event,
// mirroring internal/ratelimiter/persistence/clients.go's
// LoggingKafkaProducer/its implicit real-producer counterpart.
type Producer interface {
	Produce(ctx context.Context, topic string, key []byte, value []byte, headers map[string]string) error
}

// LoggingProducer is a tiny demo Producer that logs what it would have
// published, letting a dispatcher demo select the event-emitter path
// without a real Kafka broker — same role as clients.go's
// LoggingKafkaProducer, copied forward rather than reinvented.
type LoggingProducer struct{}

func (LoggingProducer) Produce(ctx context.Context, topic string, key []byte, value []byte, headers map[string]string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	fmt.Printf("[events-demo] TOPIC=%s KEY=%s VALUE=%s HEADERS=%v\n", topic, string(key), string(value), headers)
	return nil
}

// hookEvent is the wire shape published for every named hook callout.
type hookEvent struct {
	Dispatcher string    `json:"dispatcher"`
	Name       string    `json:"name"`
	Size       int       `json:"size"`
	OccurredAt time.Time `json:"occurred_at"`
}

// EventEmitter publishes named hook callouts (spec §4.6) to a Producer's
// topic, for deployments that want an external, durable record of them
// rather than just a same-process callback.
type EventEmitter struct {
	producer       Producer
	topic          string
	dispatcherName string
	now            func() time.Time
}

// NewEventEmitter builds an EventEmitter publishing to topic via producer.
func NewEventEmitter(producer Producer, topic, dispatcherName string) *EventEmitter {
	return &EventEmitter{producer: producer, topic: topic, dispatcherName: dispatcherName, now: time.Now}
}

// Emit matches dispatcher.HookEmitter's Emit signature, so an *EventEmitter
// can be assigned directly to ServingConfig.HookSink: the dispatcher fans
// every ModeHooks callout out to it alongside the task's own waiters.
func (e *EventEmitter) Emit(name string, value []any) {
	payload, err := json.Marshal(hookEvent{
		Dispatcher: e.dispatcherName,
		Name:       name,
		Size:       len(value),
		OccurredAt: e.now(),
	})
	if err != nil {
		return
	}
	_ = e.producer.Produce(context.Background(), e.topic, []byte(e.dispatcherName), payload, nil)
}
