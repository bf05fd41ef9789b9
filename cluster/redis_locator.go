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

package cluster

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisMembership tracks a dispatcher cluster's process group in a Redis
// set, refreshed on a fixed interval — grounded on
// internal/ratelimiter/persistence/clients.go's GoRedisEvaler, adapted from
// a one-shot Eval call into a polled SMEMBERS membership source plus a
// self-registering heartbeat (SADD plus a per-member key SET with a TTL;
// members whose key has expired are pruned on refresh), since cluster membership
// needs liveness, not just a single idempotent write.
type RedisMembership struct {
	client *redis.Client
	setKey string
	selfID string
	ttl    time.Duration

	// cache is written by the Start goroutine and read by Members, which
	// may be called concurrently from Locator.Locate — atomic.Pointer
	// avoids a race without making Members block on a mutex held by a
	// network round trip.
	cache atomic.Pointer[[]string]
}

// NewRedisMembership builds a client for addr that will register selfID
// under setKey with a heartbeat TTL of ttl. It does not contact Redis or
// register anything itself: call Start to begin heartbeating and Members to
// read the last refreshed snapshot.
func NewRedisMembership(addr, setKey, selfID string, ttl time.Duration) *RedisMembership {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisMembership{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		setKey: setKey,
		selfID: selfID,
		ttl:    ttl,
	}
}

// Start registers selfID and refreshes the membership cache every
// interval until ctx is cancelled (returning nil) or a heartbeat fails
// (returning that error); callers should launch it in its own goroutine.
func (m *RedisMembership) Start(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = m.ttl / 3
		if interval <= 0 {
			interval = time.Second
		}
	}
	if err := m.heartbeatAndRefresh(ctx); err != nil {
		return err
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.client.SRem(context.Background(), m.setKey, m.selfID)
			return nil
		case <-ticker.C:
			if err := m.heartbeatAndRefresh(ctx); err != nil {
				return err
			}
		}
	}
}

func (m *RedisMembership) heartbeatAndRefresh(ctx context.Context) error {
	memberKey := fmt.Sprintf("%s:heartbeat:%s", m.setKey, m.selfID)
	pipe := m.client.TxPipeline()
	pipe.SAdd(ctx, m.setKey, m.selfID)
	pipe.Set(ctx, memberKey, 1, m.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cluster: redis heartbeat: %w", err)
	}

	members, err := m.client.SMembers(ctx, m.setKey).Result()
	if err != nil {
		return fmt.Errorf("cluster: redis smembers: %w", err)
	}
	live := make([]string, 0, len(members))
	for _, id := range members {
		ok, err := m.client.Exists(ctx, fmt.Sprintf("%s:heartbeat:%s", m.setKey, id)).Result()
		if err != nil {
			continue
		}
		if ok == 1 {
			live = append(live, id)
		} else {
			m.client.SRem(ctx, m.setKey, id)
		}
	}
	m.cache.Store(&live)
	return nil
}

// Members implements Membership using the last refreshed snapshot.
func (m *RedisMembership) Members() []string {
	p := m.cache.Load()
	if p == nil {
		return nil
	}
	return *p
}

// LoggingMembership is a tiny demo Membership that just logs lookups,
// mirroring clients.go's LoggingRedisEvaler/LoggingKafkaProducer pattern so
// a cluster dispatch demo can run without a real Redis.
type LoggingMembership struct{ Nodes []string }

func (m LoggingMembership) Members() []string {
	fmt.Printf("[cluster-demo] Members() -> %v\n", m.Nodes)
	return m.Nodes
}
