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

// Package cluster places a batch key on one node of a dispatcher cluster,
// per spec §4.8's "cluster dispatch" component: a process-group membership
// abstraction plus a node-selection function, so that all callers for a
// given key converge on the same dispatcher instance regardless of which
// node they submitted to.
package cluster

import (
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
	rendezvous "github.com/dgryski/go-rendezvous"
)

// Membership reports which nodes currently belong to the dispatcher's
// process group. RedisMembership is the production implementation;
// StaticMembership serves tests and single-node deployments.
type Membership interface {
	Members() []string
}

// StaticMembership is a fixed, never-changing node list.
type StaticMembership []string

func (m StaticMembership) Members() []string { return []string(m) }

// Locator picks the node responsible for a batch key. It is safe for
// concurrent use.
type Locator struct {
	membership Membership

	mu      sync.Mutex
	version []string // last snapshot of Members(), sorted
	rv      *rendezvous.Rendezvous
}

// hashString is go-rendezvous's required uint64 hash function. xxhash was
// already an indirect dependency in the teacher's go.mod; this promotes it
// to an active, directly-imported one rather than hand-rolling a hash.
func hashString(s string) uint64 { return xxhash.Sum64String(s) }

// New builds a Locator backed by membership.
func New(membership Membership) *Locator {
	return &Locator{membership: membership}
}

// Locate returns the node currently responsible for key, rebuilding the
// rendezvous ring first if the membership snapshot has changed since the
// last call.
func (l *Locator) Locate(key string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	nodes := l.membership.Members()
	sorted := append([]string(nil), nodes...)
	sort.Strings(sorted)
	if l.rv == nil || !equalSortedSlices(sorted, l.version) {
		l.version = sorted
		if len(sorted) == 0 {
			l.rv = nil
		} else {
			l.rv = rendezvous.New(sorted, hashString)
		}
	}
	if l.rv == nil {
		return "", false
	}
	return l.rv.Lookup(key), true
}

// Exclude returns the node responsible for key among every node except the
// ones in avoid, used by Proxy's retry-with-re-selection loop (spec §4.8.4).
// It rebuilds a throwaway ring rather than mutating the Locator's cached
// one, since the exclusion set is retry-local.
func (l *Locator) Exclude(key string, avoid map[string]bool) (string, bool) {
	l.mu.Lock()
	nodes := l.membership.Members()
	l.mu.Unlock()

	remaining := make([]string, 0, len(nodes))
	for _, n := range nodes {
		if !avoid[n] {
			remaining = append(remaining, n)
		}
	}
	if len(remaining) == 0 {
		return "", false
	}
	sort.Strings(remaining)
	return rendezvous.New(remaining, hashString).Lookup(key), true
}

func equalSortedSlices(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
